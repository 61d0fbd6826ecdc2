package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/basalt-labs/basalt-go/internal/eventlog"
	"github.com/basalt-labs/basalt-go/internal/repo"
	"github.com/basalt-labs/basalt-go/internal/storage/blobstore"
	"github.com/basalt-labs/basalt-go/internal/storage/cachestore"
	"github.com/basalt-labs/basalt-go/internal/storage/upstream"
)

// Limits are the per-invocation resource ceilings. Exceeding any of them
// aborts the run deterministically and rolls back the open transaction.
type Limits struct {
	MaxOps          int
	MaxIOOps        int
	CPUBudget       time.Duration
	MaxBodyBytes    int64
	MaxJSONBytes    int
	MaxKVValueBytes int
}

func DefaultLimits() Limits {
	return Limits{
		MaxOps:          MaxPipelineOps,
		MaxIOOps:        5000,
		CPUBudget:       200 * time.Millisecond,
		MaxBodyBytes:    2 << 30,
		MaxJSONBytes:    10 << 20,
		MaxKVValueBytes: 1 << 20,
	}
}

// Engine executes compiled pipelines against the storage backends. One
// engine serves all requests; per-invocation state lives in ExecContext.
type Engine struct {
	KV        repo.KVStore
	Index     repo.IndexStore
	Blobs     blobstore.Store
	Cache     *cachestore.Cache
	Upstreams *upstream.Client
	Events    eventlog.Appender
	Txns      *Coordinator
	Logger    *slog.Logger
	Limits    Limits
}

// Execute runs the pipeline to its terminal response. Operations run
// strictly in order; the first respond op halts the run. Every failure
// path aborts the open transaction before the response is built.
func (e *Engine) Execute(ctx context.Context, p *Compiled, ec *ExecContext) *Response {
	ec.started = time.Now()

	for i, op := range p.Ops {
		if ec.Response != nil {
			break
		}
		// Cancellation and budget checks happen at operation boundaries
		// only; an op in flight is never torn down mid-write.
		if err := ctx.Err(); err != nil {
			e.abortOpen(ec)
			e.Logger.Warn("pipeline cancelled",
				"pipeline", p.Def.ID, "op_index", i, "reason", err)
			return ErrorResponse(http.StatusInternalServerError, CodeInternalError, "request cancelled")
		}
		if i >= e.Limits.MaxOps {
			return e.fail(ec, p, i, Errorf(CodeResourceExhausted, statusFor(CodeResourceExhausted),
				"operation limit %d exceeded", e.Limits.MaxOps))
		}
		if elapsed := time.Since(ec.started); elapsed > e.Limits.CPUBudget {
			return e.fail(ec, p, i, Errorf(CodeResourceExhausted, statusFor(CodeResourceExhausted),
				"time budget %s exceeded after %s", e.Limits.CPUBudget, elapsed.Round(time.Millisecond)))
		}

		if op.When != nil {
			ok, err := op.When.Eval(ec)
			if err != nil {
				return e.fail(ec, p, i, err)
			}
			if !ok {
				continue
			}
		}

		if err := e.dispatch(ctx, ec, op); err != nil {
			return e.fail(ec, p, i, err)
		}
	}

	if ec.Response == nil {
		e.abortOpen(ec)
		e.Logger.Error("pipeline produced no response", "pipeline", p.Def.ID)
		return ErrorResponse(http.StatusInternalServerError, CodeInternalError, "pipeline did not produce a response")
	}
	if ec.Txn != nil {
		e.Logger.Warn("pipeline ended with an open transaction, aborting", "pipeline", p.Def.ID)
		e.abortOpen(ec)
	}
	return ec.Response
}

// dispatch routes one operation to its handler. The type switch over the
// argument structs is the execution-side half of the closed world: every
// vocabulary member has exactly one arm here.
func (e *Engine) dispatch(ctx context.Context, ec *ExecContext, op CompiledOp) error {
	switch a := op.Args.(type) {
	case authRequireScopesArgs:
		return e.opAuthRequireScopes(ec, a)
	case parsePathArgs:
		return nil // path fields are bound by the router before execution
	case parseQueryArgs:
		return e.opParseQuery(ec, a)
	case parseJSONArgs:
		return e.opParseJSON(ec, a)
	case normalizeEntityArgs:
		return e.opNormalizeEntity(ec, a)
	case validateEntityArgs:
		return e.opValidateEntity(ec, a)
	case validateJSONSchemaArgs:
		return e.opValidateJSONSchema(ec, a)
	case txnBeginArgs:
		return e.opTxnBegin(ec, a)
	case txnCommitArgs:
		return e.opTxnCommit(ctx, ec)
	case txnAbortArgs:
		return e.opTxnAbort(ec)
	case kvGetArgs:
		return e.opKVGet(ctx, ec, a)
	case kvPutArgs:
		return e.opKVPut(ctx, ec, a)
	case kvCASPutArgs:
		return e.opKVCASPut(ctx, ec, a)
	case kvDeleteArgs:
		return e.opKVDelete(ctx, ec, a)
	case blobPutArgs:
		return e.opBlobPut(ctx, ec, a)
	case blobGetArgs:
		return e.opBlobGet(ctx, ec, a)
	case blobVerifyDigestArgs:
		return e.opBlobVerifyDigest(ctx, ec, a)
	case indexQueryArgs:
		return e.opIndexQuery(ctx, ec, a)
	case indexUpsertArgs:
		return e.opIndexUpsert(ctx, ec, a)
	case indexDeleteArgs:
		return e.opIndexDelete(ctx, ec, a)
	case cacheGetArgs:
		return e.opCacheGet(ec, a)
	case cachePutArgs:
		return e.opCachePut(ec, a)
	case proxyFetchArgs:
		return e.opProxyFetch(ctx, ec, a)
	case respondJSONArgs:
		return e.opRespondJSON(ec, a)
	case respondBytesArgs:
		return e.opRespondBytes(ec, a)
	case respondRedirectArgs:
		return e.opRespondRedirect(ec, a)
	case respondErrorArgs:
		return e.opRespondError(ec, a)
	case emitEventArgs:
		return e.opEmitEvent(ctx, ec, a)
	case timeNowISO8601Args:
		return e.opTimeNow(ec, a)
	case stringFormatArgs:
		return e.opStringFormat(ec, a)
	default:
		return Errorf(CodeInternalError, http.StatusInternalServerError, "no handler for %q", op.Name)
	}
}

func (e *Engine) fail(ec *ExecContext, p *Compiled, opIndex int, err error) *Response {
	e.abortOpen(ec)

	var pe *Error
	switch {
	case errors.As(err, &pe):
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, blobstore.ErrNotFound):
		pe = Errorf(CodeNotFound, statusFor(CodeNotFound), "not found")
	case errors.Is(err, repo.ErrCASConflict):
		pe = Errorf(CodeCASConflict, statusFor(CodeCASConflict), "key already exists")
	default:
		// Unclassified backend errors never leak their text to clients.
		e.Logger.Error("pipeline operation failed",
			"pipeline", p.Def.ID, "op_index", opIndex, "error", err)
		pe = Errorf(CodeInternalError, http.StatusInternalServerError, "internal error")
	}
	if pe.Code != CodeInternalError {
		e.Logger.Warn("pipeline run rejected",
			"pipeline", p.Def.ID, "op_index", opIndex, "code", pe.Code, "error", pe.Message)
	}
	return ErrorResponse(pe.Status, pe.Code, pe.Message)
}

func (e *Engine) abortOpen(ec *ExecContext) {
	if ec.Txn != nil {
		e.Txns.Abort(ec.Txn)
		ec.Txn = nil
	}
}

// countIO charges one storage or proxy call against the invocation's I/O
// budget.
func (e *Engine) countIO(ec *ExecContext) error {
	ec.ioCount++
	if ec.ioCount > e.Limits.MaxIOOps {
		return Errorf(CodeResourceExhausted, statusFor(CodeResourceExhausted),
			"I/O operation limit %d exceeded", e.Limits.MaxIOOps)
	}
	return nil
}
