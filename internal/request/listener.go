package request

import (
	"context"

	"github.com/ChuLiYu/reqexec/internal/pool"
	"github.com/ChuLiYu/reqexec/pkg/types"
)

// Listener is implemented by the session that owns a handler. It is told
// about cluster-wide metadata changes and may take over completion of
// schema-changing and prepare requests.
type Listener interface {
	// OnResultMetadataChanged reports a new result metadata id for a
	// prepared statement.
	OnResultMetadataChanged(preparedID, query, keyspace, resultMetadataID string, result *types.Result)

	// OnKeyspaceChanged reports a USE <keyspace> result.
	OnKeyspaceChanged(keyspace string)

	// OnWaitForSchemaAgreement is called with a schema change result.
	// Returning false means the listener completes the handler later.
	OnWaitForSchemaAgreement(h *Handler, host *types.Host, response *types.Response) bool

	// OnPrepareAll is called with a prepared result, where returning false
	// means the listener completes the handler later. It is also called with
	// an UNPREPARED error frame; that call runs on the handler's executor,
	// may block, and returns whether the statement is prepared on host again.
	OnPrepareAll(h *Handler, host *types.Host, response *types.Response) bool
}

// ConnectionPoolManager hands out connections to hosts.
type ConnectionPoolManager interface {
	Acquire(ctx context.Context, host *types.Host) (pool.Connection, error)
}

// Executor runs tasks off the connection callback path.
type Executor interface {
	Submit(task func()) error
}

type goExecutor struct{}

func (goExecutor) Submit(task func()) error {
	go task()
	return nil
}

// PreparedEntry is the cached metadata of a prepared statement.
type PreparedEntry struct {
	PreparedID       string `json:"prepared_id"`
	Query            string `json:"query"`
	Keyspace         string `json:"keyspace"`
	ResultMetadataID string `json:"result_metadata_id,omitempty"`
}
