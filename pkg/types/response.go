package types

import (
	"fmt"

	"github.com/gocql/gocql"
)

// Opcode distinguishes result frames from error frames.
type Opcode int

const (
	OpcodeResult Opcode = iota
	OpcodeError
)

// ResultKind is the kind of a result frame.
type ResultKind int

const (
	ResultVoid ResultKind = iota
	ResultRows
	ResultSetKeyspace
	ResultPrepared
	ResultSchemaChange
)

func (k ResultKind) String() string {
	switch k {
	case ResultVoid:
		return "VOID"
	case ResultRows:
		return "ROWS"
	case ResultSetKeyspace:
		return "SET_KEYSPACE"
	case ResultPrepared:
		return "PREPARED"
	case ResultSchemaChange:
		return "SCHEMA_CHANGE"
	default:
		return fmt.Sprintf("RESULT(%d)", int(k))
	}
}

// Result is the payload of a successful response.
type Result struct {
	Kind             ResultKind `json:"kind"`
	Keyspace         string     `json:"keyspace,omitempty"`
	PreparedID       string     `json:"prepared_id,omitempty"`
	ResultMetadataID string     `json:"result_metadata_id,omitempty"`
	Columns          []string   `json:"columns,omitempty"`
	Rows             [][]string `json:"rows,omitempty"`
	PagingState      []byte     `json:"paging_state,omitempty"`
	SchemaChange     string     `json:"schema_change,omitempty"`
}

// ErrorResponse is the payload of an error frame returned by a node.
type ErrorResponse struct {
	Code        ErrorCode         `json:"code"`
	Message     string            `json:"message"`
	Consistency gocql.Consistency `json:"consistency,omitempty"`
	Received    int               `json:"received,omitempty"`
	BlockFor    int               `json:"block_for,omitempty"`
	DataPresent bool              `json:"data_present,omitempty"`
	WriteType   string            `json:"write_type,omitempty"`
	PreparedID  string            `json:"prepared_id,omitempty"` // Unprepared only
}

// Response is a decoded response frame: either a Result or an ErrorResponse.
type Response struct {
	Opcode Opcode
	Result *Result
	Error  *ErrorResponse
}

// NewResultResponse wraps r in a result frame
func NewResultResponse(r *Result) *Response {
	return &Response{Opcode: OpcodeResult, Result: r}
}

// NewVoidResponse creates an empty successful response
func NewVoidResponse() *Response {
	return NewResultResponse(&Result{Kind: ResultVoid})
}

// NewErrorResponse wraps e in an error frame
func NewErrorResponse(e *ErrorResponse) *Response {
	return &Response{Opcode: OpcodeError, Error: e}
}

// IsError reports whether the response is an error frame
func (r *Response) IsError() bool {
	return r != nil && r.Opcode == OpcodeError
}
