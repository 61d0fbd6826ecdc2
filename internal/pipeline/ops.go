package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/basalt-labs/basalt-go/internal/domain"
	"github.com/basalt-labs/basalt-go/internal/eventlog"
	"github.com/basalt-labs/basalt-go/internal/repo"
	"github.com/basalt-labs/basalt-go/internal/storage/blobstore"
)

func (e *Engine) opAuthRequireScopes(ec *ExecContext, a authRequireScopesArgs) error {
	if ec.Principal == nil {
		return Errorf(CodeUnauthenticated, statusFor(CodeUnauthenticated), "authentication required")
	}
	if !ec.Principal.HasAnyScope(a.Scopes) {
		return Errorf(CodeForbidden, statusFor(CodeForbidden), "requires one of scopes %v", a.Scopes)
	}
	return nil
}

func (e *Engine) opParseQuery(ec *ExecContext, a parseQueryArgs) error {
	params := make(map[string]any, len(ec.Query))
	for k, v := range ec.Query {
		params[k] = v
	}
	ec.SetVar(a.Out, params)
	return nil
}

func (e *Engine) opParseJSON(ec *ExecContext, a parseJSONArgs) error {
	if len(ec.BodyBytes) > e.Limits.MaxJSONBytes {
		return Errorf(CodeResourceExhausted, statusFor(CodeResourceExhausted),
			"JSON body of %d bytes exceeds the %d byte limit", len(ec.BodyBytes), e.Limits.MaxJSONBytes)
	}
	if len(ec.BodyBytes) == 0 {
		ec.SetVar(a.Out, map[string]any{})
		return nil
	}
	var parsed any
	if err := json.Unmarshal(ec.BodyBytes, &parsed); err != nil {
		return Errorf(CodeValidationError, http.StatusBadRequest, "request body is not valid JSON")
	}
	ec.SetVar(a.Out, parsed)
	return nil
}

func (e *Engine) opNormalizeEntity(ec *ExecContext, a normalizeEntityArgs) error {
	domain.NormalizeEntityFields(ec.PathFields)
	return nil
}

func (e *Engine) opValidateEntity(ec *ExecContext, a validateEntityArgs) error {
	if err := domain.ValidateEntityFields(ec.PathFields); err != nil {
		return Errorf(CodeValidationError, http.StatusBadRequest, "%v", err)
	}
	return nil
}

func (e *Engine) opValidateJSONSchema(ec *ExecContext, a validateJSONSchemaArgs) error {
	value, err := a.Value.Resolve(ec)
	if err != nil {
		return err
	}
	if err := a.Schema.VisitJSON(value); err != nil {
		return Errorf(CodeValidationError, http.StatusBadRequest, "schema validation failed: %v", err)
	}
	return nil
}

func (e *Engine) opTxnBegin(ec *ExecContext, a txnBeginArgs) error {
	if ec.Txn != nil {
		return Errorf(CodeTxnAlreadyOpen, http.StatusConflict, "transaction already open")
	}
	isolation, err := ParseIsolation(a.Isolation)
	if err != nil {
		return Errorf(CodeValidationError, http.StatusBadRequest, "%v", err)
	}
	ec.Txn = e.Txns.Begin(isolation)
	return nil
}

func (e *Engine) opTxnCommit(ctx context.Context, ec *ExecContext) error {
	if ec.Txn == nil {
		return Errorf(CodeNoOpenTxn, http.StatusConflict, "no open transaction")
	}
	if err := e.countIO(ec); err != nil {
		return err
	}
	t := ec.Txn
	ec.Txn = nil
	return e.Txns.Commit(ctx, t)
}

func (e *Engine) opTxnAbort(ec *ExecContext) error {
	if ec.Txn == nil {
		return Errorf(CodeNoOpenTxn, http.StatusConflict, "no open transaction")
	}
	e.Txns.Abort(ec.Txn)
	ec.Txn = nil
	return nil
}

func (e *Engine) opKVGet(ctx context.Context, ec *ExecContext, a kvGetArgs) error {
	key, err := a.Key.Resolve(ec)
	if err != nil {
		return err
	}
	// Read-your-writes: a lookup inside an open transaction sees its own
	// staged state before the backend's.
	if ec.Txn != nil {
		if value, tombstone, staged := ec.Txn.StagedKV(a.Doc, key); staged {
			if tombstone {
				ec.SetVar(a.Out, nil)
			} else {
				ec.SetVar(a.Out, value)
			}
			return nil
		}
	}
	if err := e.countIO(ec); err != nil {
		return err
	}
	value, err := e.KV.Get(ctx, a.Doc, key)
	if errors.Is(err, repo.ErrNotFound) {
		// An absent key binds nil; pipelines branch on is_null.
		ec.SetVar(a.Out, nil)
		return nil
	}
	if err != nil {
		return fmt.Errorf("kv.get %s/%s: %w", a.Doc, key, err)
	}
	ec.SetVar(a.Out, value)
	return nil
}

func (e *Engine) opKVPut(ctx context.Context, ec *ExecContext, a kvPutArgs) error {
	key, err := a.Key.Resolve(ec)
	if err != nil {
		return err
	}
	value, err := a.Value.Resolve(ec)
	if err != nil {
		return err
	}
	if err := e.checkKVValueSize(value); err != nil {
		return err
	}
	if ec.Txn != nil {
		ec.Txn.Stage(repo.StagedWrite{Backend: repo.StagedKV, Doc: a.Doc, Key: key, Value: value})
		return nil
	}
	if err := e.countIO(ec); err != nil {
		return err
	}
	if err := e.KV.Put(ctx, a.Doc, key, value); err != nil {
		return fmt.Errorf("kv.put %s/%s: %w", a.Doc, key, err)
	}
	return nil
}

func (e *Engine) opKVCASPut(ctx context.Context, ec *ExecContext, a kvCASPutArgs) error {
	key, err := a.Key.Resolve(ec)
	if err != nil {
		return err
	}
	value, err := a.Value.Resolve(ec)
	if err != nil {
		return err
	}
	if err := e.checkKVValueSize(value); err != nil {
		return err
	}
	if ec.Txn != nil {
		ec.Txn.Stage(repo.StagedWrite{
			Backend: repo.StagedKV, Doc: a.Doc, Key: key, Value: value, IfAbsent: a.IfAbsent,
		})
		return nil
	}
	if err := e.countIO(ec); err != nil {
		return err
	}
	applied, err := e.KV.CASPut(ctx, a.Doc, key, value, a.IfAbsent)
	if err != nil {
		return fmt.Errorf("kv.cas_put %s/%s: %w", a.Doc, key, err)
	}
	if !applied {
		return Errorf(CodeCASConflict, statusFor(CodeCASConflict), "key %q already exists", key)
	}
	return nil
}

func (e *Engine) opKVDelete(ctx context.Context, ec *ExecContext, a kvDeleteArgs) error {
	key, err := a.Key.Resolve(ec)
	if err != nil {
		return err
	}
	if ec.Txn != nil {
		ec.Txn.Stage(repo.StagedWrite{Backend: repo.StagedKV, Doc: a.Doc, Key: key, Tombstone: true})
		return nil
	}
	if err := e.countIO(ec); err != nil {
		return err
	}
	if err := e.KV.Delete(ctx, a.Doc, key); err != nil {
		return fmt.Errorf("kv.delete %s/%s: %w", a.Doc, key, err)
	}
	return nil
}

func (e *Engine) checkKVValueSize(value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode kv value: %w", err)
	}
	if len(encoded) > e.Limits.MaxKVValueBytes {
		return Errorf(CodeResourceExhausted, statusFor(CodeResourceExhausted),
			"kv value of %d bytes exceeds the %d byte limit", len(encoded), e.Limits.MaxKVValueBytes)
	}
	return nil
}

// blobFromRequestBody is the blob.put source selector for the raw request
// body.
const blobFromRequestBody = "request.body"

func (e *Engine) opBlobPut(ctx context.Context, ec *ExecContext, a blobPutArgs) error {
	var data []byte
	if a.From.Raw() == blobFromRequestBody {
		if int64(len(ec.BodyBytes)) > e.Limits.MaxBodyBytes {
			return Errorf(CodeResourceExhausted, statusFor(CodeResourceExhausted),
				"request body exceeds the %d byte limit", e.Limits.MaxBodyBytes)
		}
		data = ec.BodyBytes
	} else {
		source, err := a.From.ResolveAny(ec)
		if err != nil {
			return err
		}
		switch src := source.(type) {
		case []byte:
			data = src
		case string:
			data = []byte(src)
		default:
			return Errorf(CodeValidationError, http.StatusBadRequest,
				"blob.put source must be bytes or a string, got %T", source)
		}
	}

	if err := e.countIO(ec); err != nil {
		return err
	}
	digest, size, err := e.Blobs.Put(ctx, a.Store, data)
	if err != nil {
		return fmt.Errorf("blob.put into %s: %w", a.Store, err)
	}
	ec.SetVar(a.Out, digest)
	if a.OutSize != "" {
		ec.SetVar(a.OutSize, size)
	}
	return nil
}

func (e *Engine) opBlobGet(ctx context.Context, ec *ExecContext, a blobGetArgs) error {
	digest, err := a.Digest.Resolve(ec)
	if err != nil {
		return err
	}
	if err := e.countIO(ec); err != nil {
		return err
	}
	data, err := e.Blobs.Get(ctx, a.Store, digest)
	if errors.Is(err, blobstore.ErrNotFound) {
		return Errorf(CodeNotFound, statusFor(CodeNotFound), "blob %s not found", digest)
	}
	if err != nil {
		return fmt.Errorf("blob.get %s: %w", digest, err)
	}
	ec.SetVar(a.Out, data)
	return nil
}

func (e *Engine) opBlobVerifyDigest(ctx context.Context, ec *ExecContext, a blobVerifyDigestArgs) error {
	digest, err := a.Digest.Resolve(ec)
	if err != nil {
		return err
	}
	if err := e.countIO(ec); err != nil {
		return err
	}
	ok, err := e.Blobs.VerifyDigest(ctx, a.Store, digest, a.Algo)
	if errors.Is(err, blobstore.ErrNotFound) {
		return Errorf(CodeNotFound, statusFor(CodeNotFound), "blob %s not found", digest)
	}
	if err != nil {
		return fmt.Errorf("blob.verify_digest %s: %w", digest, err)
	}
	if !ok {
		return Errorf(CodeDigestMismatch, statusFor(CodeDigestMismatch),
			"stored content does not match digest %s", digest)
	}
	return nil
}

const defaultIndexQueryLimit = 100

func (e *Engine) opIndexQuery(ctx context.Context, ec *ExecContext, a indexQueryArgs) error {
	keyPrefix, err := a.Key.Resolve(ec)
	if err != nil {
		return err
	}
	limit := a.Limit
	if limit == 0 {
		limit = defaultIndexQueryLimit
	}
	if err := e.countIO(ec); err != nil {
		return err
	}
	rows, err := e.Index.Query(ctx, a.Index, keyPrefix, limit)
	if err != nil {
		return fmt.Errorf("index.query %s: %w", a.Index, err)
	}
	out := make([]any, len(rows))
	for i, row := range rows {
		out[i] = row.Value
	}
	ec.SetVar(a.Out, out)
	return nil
}

func (e *Engine) opIndexUpsert(ctx context.Context, ec *ExecContext, a indexUpsertArgs) error {
	key, err := a.Key.Resolve(ec)
	if err != nil {
		return err
	}
	var sortKey string
	if !a.Sort.IsZero() {
		raw, err := a.Sort.Resolve(ec)
		if err != nil {
			return err
		}
		// Digit runs are padded so "1.10.0" orders after "1.9.0".
		sortKey = repo.VersionSortKey(raw)
	}
	value, err := a.Value.Resolve(ec)
	if err != nil {
		return err
	}
	if ec.Txn != nil {
		ec.Txn.Stage(repo.StagedWrite{
			Backend: repo.StagedIndex, Doc: a.Index, Key: key, SortKey: sortKey, Value: value,
		})
		return nil
	}
	if err := e.countIO(ec); err != nil {
		return err
	}
	if err := e.Index.Upsert(ctx, a.Index, key, sortKey, value); err != nil {
		return fmt.Errorf("index.upsert %s/%s: %w", a.Index, key, err)
	}
	return nil
}

func (e *Engine) opIndexDelete(ctx context.Context, ec *ExecContext, a indexDeleteArgs) error {
	key, err := a.Key.Resolve(ec)
	if err != nil {
		return err
	}
	if ec.Txn != nil {
		ec.Txn.Stage(repo.StagedWrite{Backend: repo.StagedIndex, Doc: a.Index, Key: key, Tombstone: true})
		return nil
	}
	if err := e.countIO(ec); err != nil {
		return err
	}
	if err := e.Index.DeleteEntry(ctx, a.Index, key); err != nil {
		return fmt.Errorf("index.delete %s/%s: %w", a.Index, key, err)
	}
	return nil
}

func (e *Engine) opCacheGet(ec *ExecContext, a cacheGetArgs) error {
	key, err := a.Key.Resolve(ec)
	if err != nil {
		return err
	}
	if err := e.countIO(ec); err != nil {
		return err
	}
	value, hit := e.Cache.Get(a.Kind, key)
	ec.SetVar(a.HitOut, hit)
	if hit {
		ec.SetVar(a.ValueOut, value)
	} else {
		ec.SetVar(a.ValueOut, nil)
	}
	return nil
}

func (e *Engine) opCachePut(ec *ExecContext, a cachePutArgs) error {
	key, err := a.Key.Resolve(ec)
	if err != nil {
		return err
	}
	value, err := a.Value.Resolve(ec)
	if err != nil {
		return err
	}
	if err := e.countIO(ec); err != nil {
		return err
	}
	e.Cache.Put(a.Kind, key, value, time.Duration(a.TTLSeconds)*time.Second)
	return nil
}

func (e *Engine) opProxyFetch(ctx context.Context, ec *ExecContext, a proxyFetchArgs) error {
	path, err := a.Path.Resolve(ec)
	if err != nil {
		return err
	}
	method := a.Method
	if method == "" {
		method = http.MethodGet
	}
	if err := e.countIO(ec); err != nil {
		return err
	}
	resp, err := e.Upstreams.Fetch(ctx, a.Upstream, method, path)
	if err != nil {
		// Proxy failures propagate; a respond op downstream depends on the
		// fetched response existing.
		e.Logger.Warn("upstream fetch failed", "upstream", a.Upstream, "path", path, "error", err)
		return Errorf(CodeUpstreamError, statusFor(CodeUpstreamError), "upstream %q fetch failed", a.Upstream)
	}
	headers := make(map[string]any, len(resp.Header))
	for name := range resp.Header {
		headers[name] = resp.Header.Get(name)
	}
	ec.SetVar(a.Out, map[string]any{
		"status":  resp.Status,
		"body":    resp.Body,
		"headers": headers,
	})
	return nil
}

func (e *Engine) opRespondJSON(ec *ExecContext, a respondJSONArgs) error {
	body, err := a.Body.Resolve(ec)
	if err != nil {
		return err
	}
	status := a.Status
	if status == 0 {
		status = http.StatusOK
	}
	ec.Response = &Response{Kind: "json", Status: status, Body: body}
	return nil
}

func (e *Engine) opRespondBytes(ec *ExecContext, a respondBytesArgs) error {
	body, err := a.Body.Resolve(ec)
	if err != nil {
		return err
	}
	var data []byte
	switch b := body.(type) {
	case []byte:
		data = b
	case string:
		data = []byte(b)
	case nil:
	default:
		return Errorf(CodeInternalError, http.StatusInternalServerError,
			"respond.bytes body must be bytes or a string, got %T", body)
	}
	headers := make(map[string]string, len(a.Headers))
	for name, tmpl := range a.Headers {
		v, err := tmpl.Resolve(ec)
		if err != nil {
			return err
		}
		headers[name] = v
	}
	status := a.Status
	if status == 0 {
		status = http.StatusOK
	}
	ec.Response = &Response{Kind: "bytes", Status: status, Bytes: data, Headers: headers}
	return nil
}

func (e *Engine) opRespondRedirect(ec *ExecContext, a respondRedirectArgs) error {
	location, err := a.Location.Resolve(ec)
	if err != nil {
		return err
	}
	status := a.Status
	if status == 0 {
		status = http.StatusTemporaryRedirect
	}
	ec.Response = &Response{Kind: "redirect", Status: status, Location: location}
	return nil
}

func (e *Engine) opRespondError(ec *ExecContext, a respondErrorArgs) error {
	message := a.Code
	if !a.Message.IsZero() {
		resolved, err := a.Message.Resolve(ec)
		if err != nil {
			return err
		}
		message = resolved
	}
	status := a.Status
	if status == 0 {
		status = http.StatusBadRequest
	}
	ec.Response = ErrorResponse(status, a.Code, message)
	return nil
}

func (e *Engine) opEmitEvent(ctx context.Context, ec *ExecContext, a emitEventArgs) error {
	payload, err := a.Payload.Resolve(ec)
	if err != nil {
		return err
	}
	if err := e.countIO(ec); err != nil {
		return err
	}
	event := eventlog.Event{
		OccurredAt: time.Now().UTC(),
		EventType:  a.Type,
		Actor:      ec.Actor(),
		RequestID:  ec.RequestID,
		Payload:    payload,
	}
	// Emission is synchronous within the run but fire-and-forget toward
	// consumers; a failed append must not fail the pipeline.
	if err := e.Events.Append(ctx, event); err != nil {
		e.Logger.Error("event append failed", "event_type", a.Type, "error", err)
	}
	return nil
}

func (e *Engine) opTimeNow(ec *ExecContext, a timeNowISO8601Args) error {
	ec.SetVar(a.Out, time.Now().UTC().Format(time.RFC3339Nano))
	return nil
}

func (e *Engine) opStringFormat(ec *ExecContext, a stringFormatArgs) error {
	formatted, err := a.Template.Resolve(ec)
	if err != nil {
		return err
	}
	ec.SetVar(a.Out, formatted)
	return nil
}
