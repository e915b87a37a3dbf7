// Package types defines the domain model shared by the request execution core:
// hosts, requests, responses and error codes.
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/gocql/gocql"
)

// Address is a host:port endpoint of a cluster node.
type Address string

// IsValid reports whether the address has been set
func (a Address) IsValid() bool {
	return a != ""
}

func (a Address) String() string {
	return string(a)
}

// Host is a candidate node a request can be sent to.
type Host struct {
	Address    Address `json:"address" yaml:"address"`
	Datacenter string  `json:"datacenter,omitempty" yaml:"datacenter"`
	Rack       string  `json:"rack,omitempty" yaml:"rack"`
}

// NewHost creates a Host for the given address
func NewHost(address string) *Host {
	return &Host{Address: Address(address)}
}

func (h *Host) String() string {
	if h == nil {
		return "<nil>"
	}
	return string(h.Address)
}

// RequestKind identifies the protocol operation a request maps to.
type RequestKind int

const (
	KindQuery   RequestKind = iota // Simple query text
	KindExecute                    // Execute a prepared statement
	KindBatch                      // Batch of statements
	KindPrepare                    // Prepare a statement
)

func (k RequestKind) String() string {
	switch k {
	case KindQuery:
		return "QUERY"
	case KindExecute:
		return "EXECUTE"
	case KindBatch:
		return "BATCH"
	case KindPrepare:
		return "PREPARE"
	default:
		return fmt.Sprintf("KIND(%d)", int(k))
	}
}

// ConsistencyUnset marks a request that takes its consistency from the
// execution profile.
const ConsistencyUnset = gocql.Consistency(0xFFFF)

// Request is one logical client request. It is owned by the caller and must
// not be modified once handed to a handler.
type Request struct {
	Kind              RequestKind             `json:"kind"`
	Query             string                  `json:"query"`
	Statements        []string                `json:"statements,omitempty"` // Batch only
	PreparedID        string                  `json:"prepared_id,omitempty"`
	Keyspace          string                  `json:"keyspace,omitempty"`
	Consistency       gocql.Consistency       `json:"consistency"`
	SerialConsistency gocql.SerialConsistency `json:"serial_consistency,omitempty"`
	Idempotent        bool                    `json:"idempotent"`
	PageSize          int                     `json:"page_size,omitempty"`
	PagingState       []byte                  `json:"paging_state,omitempty"`
	RoutingKey        []byte                  `json:"routing_key,omitempty"`

	// RequestTimeout overrides the profile timeout. Zero keeps the profile
	// value, a negative value disables the per-request timer.
	RequestTimeout time.Duration `json:"request_timeout,omitempty"`

	// Profile names the execution profile, empty selects the default one.
	Profile string `json:"profile,omitempty"`
}

// NewQuery creates a simple query request
func NewQuery(query string) *Request {
	return &Request{
		Kind:        KindQuery,
		Query:       query,
		Consistency: ConsistencyUnset,
	}
}

// NewExecute creates a request executing the prepared statement id. The query
// text is kept so the statement can be re-prepared when a host lost it.
func NewExecute(preparedID, query string) *Request {
	return &Request{
		Kind:        KindExecute,
		Query:       query,
		PreparedID:  preparedID,
		Consistency: ConsistencyUnset,
	}
}

// NewPrepare creates a request preparing query
func NewPrepare(query string) *Request {
	return &Request{
		Kind:        KindPrepare,
		Query:       query,
		Consistency: ConsistencyUnset,
		Idempotent:  true,
	}
}

// NewBatch creates a batch request of the given statements
func NewBatch(statements ...string) *Request {
	return &Request{
		Kind:        KindBatch,
		Query:       strings.Join(statements, "; "),
		Statements:  statements,
		Consistency: ConsistencyUnset,
	}
}

// RequestWrapper is a request with its execution parameters resolved against
// the configuration and execution profile.
type RequestWrapper struct {
	Request           *Request
	Consistency       gocql.Consistency
	SerialConsistency gocql.SerialConsistency
	Keyspace          string
	RequestTimeout    time.Duration
	ResultMetadataID  string
}

// IsIdempotent reports whether the wrapped request may be sent more than once
func (w *RequestWrapper) IsIdempotent() bool {
	return w.Request != nil && w.Request.Idempotent
}
