package transport

import (
	"encoding/base64"
	"fmt"

	"github.com/gocql/gocql"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/reqexec/pkg/types"
)

// Requests and responses travel as google.protobuf.Struct. Byte fields are
// base64 strings, numbers are doubles.

// EncodeRequest converts a resolved request into its wire form
func EncodeRequest(w *types.RequestWrapper) (*structpb.Struct, error) {
	req := w.Request
	if req == nil {
		return nil, fmt.Errorf("transport: request wrapper without request")
	}
	statements := make([]any, 0, len(req.Statements))
	for _, s := range req.Statements {
		statements = append(statements, s)
	}
	return structpb.NewStruct(map[string]any{
		"kind":               int(req.Kind),
		"query":              req.Query,
		"statements":         statements,
		"prepared_id":        req.PreparedID,
		"keyspace":           w.Keyspace,
		"consistency":        int(w.Consistency),
		"serial_consistency": int(w.SerialConsistency),
		"idempotent":         req.Idempotent,
		"page_size":          req.PageSize,
		"paging_state":       encodeBytes(req.PagingState),
		"routing_key":        encodeBytes(req.RoutingKey),
		"result_metadata_id": w.ResultMetadataID,
	})
}

// DecodeRequest is the inverse of EncodeRequest
func DecodeRequest(s *structpb.Struct) (*types.RequestWrapper, error) {
	f := fields{s}
	pagingState, err := f.bytes("paging_state")
	if err != nil {
		return nil, err
	}
	routingKey, err := f.bytes("routing_key")
	if err != nil {
		return nil, err
	}

	req := &types.Request{
		Kind:              types.RequestKind(f.number("kind")),
		Query:             f.str("query"),
		Statements:        f.strings("statements"),
		PreparedID:        f.str("prepared_id"),
		Keyspace:          f.str("keyspace"),
		Consistency:       gocql.Consistency(f.number("consistency")),
		SerialConsistency: gocql.SerialConsistency(f.number("serial_consistency")),
		Idempotent:        f.flag("idempotent"),
		PageSize:          f.number("page_size"),
		PagingState:       pagingState,
		RoutingKey:        routingKey,
	}
	return &types.RequestWrapper{
		Request:           req,
		Consistency:       req.Consistency,
		SerialConsistency: req.SerialConsistency,
		Keyspace:          req.Keyspace,
		ResultMetadataID:  f.str("result_metadata_id"),
	}, nil
}

// EncodeResponse converts a response frame into its wire form
func EncodeResponse(r *types.Response) (*structpb.Struct, error) {
	m := map[string]any{"opcode": int(r.Opcode)}

	if res := r.Result; res != nil {
		columns := make([]any, 0, len(res.Columns))
		for _, c := range res.Columns {
			columns = append(columns, c)
		}
		rows := make([]any, 0, len(res.Rows))
		for _, row := range res.Rows {
			values := make([]any, 0, len(row))
			for _, v := range row {
				values = append(values, v)
			}
			rows = append(rows, values)
		}
		m["result"] = map[string]any{
			"kind":               int(res.Kind),
			"keyspace":           res.Keyspace,
			"prepared_id":        res.PreparedID,
			"result_metadata_id": res.ResultMetadataID,
			"columns":            columns,
			"rows":               rows,
			"paging_state":       encodeBytes(res.PagingState),
			"schema_change":      res.SchemaChange,
		}
	}

	if e := r.Error; e != nil {
		m["error"] = map[string]any{
			"code":         int(e.Code),
			"message":      e.Message,
			"consistency":  int(e.Consistency),
			"received":     e.Received,
			"block_for":    e.BlockFor,
			"data_present": e.DataPresent,
			"write_type":   e.WriteType,
			"prepared_id":  e.PreparedID,
		}
	}

	return structpb.NewStruct(m)
}

// DecodeResponse is the inverse of EncodeResponse
func DecodeResponse(s *structpb.Struct) (*types.Response, error) {
	f := fields{s}
	resp := &types.Response{Opcode: types.Opcode(f.number("opcode"))}

	if rs := f.child("result"); rs != nil {
		r := fields{rs}
		pagingState, err := r.bytes("paging_state")
		if err != nil {
			return nil, err
		}
		res := &types.Result{
			Kind:             types.ResultKind(r.number("kind")),
			Keyspace:         r.str("keyspace"),
			PreparedID:       r.str("prepared_id"),
			ResultMetadataID: r.str("result_metadata_id"),
			Columns:          r.strings("columns"),
			PagingState:      pagingState,
			SchemaChange:     r.str("schema_change"),
		}
		for _, row := range r.list("rows") {
			var values []string
			for _, v := range row.GetListValue().GetValues() {
				values = append(values, v.GetStringValue())
			}
			res.Rows = append(res.Rows, values)
		}
		resp.Result = res
	}

	if es := f.child("error"); es != nil {
		e := fields{es}
		resp.Error = &types.ErrorResponse{
			Code:        types.ErrorCode(e.number("code")),
			Message:     e.str("message"),
			Consistency: gocql.Consistency(e.number("consistency")),
			Received:    e.number("received"),
			BlockFor:    e.number("block_for"),
			DataPresent: e.flag("data_present"),
			WriteType:   e.str("write_type"),
			PreparedID:  e.str("prepared_id"),
		}
	}

	if resp.Opcode == types.OpcodeError && resp.Error == nil {
		return nil, fmt.Errorf("transport: error frame without error body")
	}
	return resp, nil
}

func encodeBytes(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}

// fields reads typed values out of a Struct
type fields struct {
	s *structpb.Struct
}

func (f fields) value(name string) *structpb.Value {
	return f.s.GetFields()[name]
}

func (f fields) str(name string) string { return f.value(name).GetStringValue() }
func (f fields) number(name string) int { return int(f.value(name).GetNumberValue()) }
func (f fields) flag(name string) bool  { return f.value(name).GetBoolValue() }

func (f fields) child(name string) *structpb.Struct {
	return f.value(name).GetStructValue()
}

func (f fields) list(name string) []*structpb.Value {
	return f.value(name).GetListValue().GetValues()
}

func (f fields) strings(name string) []string {
	var out []string
	for _, v := range f.list(name) {
		out = append(out, v.GetStringValue())
	}
	return out
}

func (f fields) bytes(name string) ([]byte, error) {
	s := f.str(name)
	if s == "" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("transport: field %s: %w", name, err)
	}
	return b, nil
}
