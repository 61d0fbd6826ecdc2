package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"
)

// The closed-world operation vocabulary. A pipeline may only reference ops
// listed here; anything else fails validation at load time and is never
// dispatched.
const (
	OpAuthRequireScopes  = "auth.require_scopes"
	OpParsePath          = "parse.path"
	OpParseQuery         = "parse.query"
	OpParseJSON          = "parse.json"
	OpNormalizeEntity    = "normalize.entity"
	OpValidateEntity     = "validate.entity"
	OpValidateJSONSchema = "validate.json_schema"
	OpTxnBegin           = "txn.begin"
	OpTxnCommit          = "txn.commit"
	OpTxnAbort           = "txn.abort"
	OpKVGet              = "kv.get"
	OpKVPut              = "kv.put"
	OpKVCASPut           = "kv.cas_put"
	OpKVDelete           = "kv.delete"
	OpBlobPut            = "blob.put"
	OpBlobGet            = "blob.get"
	OpBlobVerifyDigest   = "blob.verify_digest"
	OpIndexQuery         = "index.query"
	OpIndexUpsert        = "index.upsert"
	OpIndexDelete        = "index.delete"
	OpCacheGet           = "cache.get"
	OpCachePut           = "cache.put"
	OpProxyFetch         = "proxy.fetch"
	OpRespondJSON        = "respond.json"
	OpRespondBytes       = "respond.bytes"
	OpRespondRedirect    = "respond.redirect"
	OpRespondError       = "respond.error"
	OpEmitEvent          = "emit.event"
	OpTimeNowISO8601     = "time.now_iso8601"
	OpStringFormat       = "string.format"
)

type argsChecker interface {
	check() error
}

type authRequireScopesArgs struct {
	Scopes []string `json:"scopes"`
}

func (a authRequireScopesArgs) check() error {
	if len(a.Scopes) == 0 {
		return errors.New("scopes must list at least one scope")
	}
	return nil
}

type parsePathArgs struct{}

func (parsePathArgs) check() error { return nil }

type parseQueryArgs struct {
	Out string `json:"out"`
}

func (a parseQueryArgs) check() error { return requireOut(a.Out) }

type parseJSONArgs struct {
	Out string `json:"out"`
}

func (a parseJSONArgs) check() error { return requireOut(a.Out) }

type normalizeEntityArgs struct {
	Entity string `json:"entity"`
}

func (a normalizeEntityArgs) check() error {
	if a.Entity == "" {
		return errors.New("entity is required")
	}
	return nil
}

type validateEntityArgs struct {
	Entity string `json:"entity"`
}

func (a validateEntityArgs) check() error {
	if a.Entity == "" {
		return errors.New("entity is required")
	}
	return nil
}

type validateJSONSchemaArgs struct {
	Value  Value            `json:"value"`
	Schema *openapi3.Schema `json:"schema"`
}

func (a validateJSONSchemaArgs) check() error {
	if a.Value.IsZero() {
		return errors.New("value is required")
	}
	if a.Schema == nil {
		return errors.New("schema is required")
	}
	return nil
}

type txnBeginArgs struct {
	Isolation string `json:"isolation"`
}

func (a txnBeginArgs) check() error {
	_, err := ParseIsolation(a.Isolation)
	return err
}

type txnCommitArgs struct{}

func (txnCommitArgs) check() error { return nil }

type txnAbortArgs struct{}

func (txnAbortArgs) check() error { return nil }

type kvGetArgs struct {
	Doc string   `json:"doc"`
	Key Template `json:"key"`
	Out string   `json:"out"`
}

func (a kvGetArgs) check() error {
	return firstErr(requireStr("doc", a.Doc), requireTemplate("key", a.Key), requireOut(a.Out))
}

type kvPutArgs struct {
	Doc   string   `json:"doc"`
	Key   Template `json:"key"`
	Value Value    `json:"value"`
}

func (a kvPutArgs) check() error {
	return firstErr(requireStr("doc", a.Doc), requireTemplate("key", a.Key))
}

type kvCASPutArgs struct {
	Doc      string   `json:"doc"`
	Key      Template `json:"key"`
	Value    Value    `json:"value"`
	IfAbsent bool     `json:"if_absent"`
}

func (a kvCASPutArgs) check() error {
	return firstErr(requireStr("doc", a.Doc), requireTemplate("key", a.Key))
}

type kvDeleteArgs struct {
	Doc string   `json:"doc"`
	Key Template `json:"key"`
}

func (a kvDeleteArgs) check() error {
	return firstErr(requireStr("doc", a.Doc), requireTemplate("key", a.Key))
}

type blobPutArgs struct {
	Store   string   `json:"store"`
	From    Template `json:"from"`
	Out     string   `json:"out"`
	OutSize string   `json:"out_size"`
}

func (a blobPutArgs) check() error {
	return firstErr(requireStr("store", a.Store), requireTemplate("from", a.From), requireOut(a.Out))
}

type blobGetArgs struct {
	Store  string   `json:"store"`
	Digest Template `json:"digest"`
	Out    string   `json:"out"`
}

func (a blobGetArgs) check() error {
	return firstErr(requireStr("store", a.Store), requireTemplate("digest", a.Digest), requireOut(a.Out))
}

type blobVerifyDigestArgs struct {
	Store  string   `json:"store"`
	Digest Template `json:"digest"`
	Algo   string   `json:"algo"`
}

func (a blobVerifyDigestArgs) check() error {
	return firstErr(requireStr("store", a.Store), requireTemplate("digest", a.Digest))
}

type indexQueryArgs struct {
	Index string   `json:"index"`
	Key   indexKey `json:"key"`
	Limit int      `json:"limit"`
	Out   string   `json:"out"`
}

func (a indexQueryArgs) check() error {
	if a.Limit < 0 {
		return errors.New("limit must not be negative")
	}
	return firstErr(requireStr("index", a.Index), a.Key.require(), requireOut(a.Out))
}

type indexUpsertArgs struct {
	Index string   `json:"index"`
	Key   indexKey `json:"key"`
	Sort  Template `json:"sort"`
	Value Value    `json:"value"`
}

func (a indexUpsertArgs) check() error {
	return firstErr(requireStr("index", a.Index), a.Key.require())
}

type indexDeleteArgs struct {
	Index string   `json:"index"`
	Key   indexKey `json:"key"`
}

func (a indexDeleteArgs) check() error {
	return firstErr(requireStr("index", a.Index), a.Key.require())
}

type cacheGetArgs struct {
	Kind     string   `json:"kind"`
	Key      Template `json:"key"`
	HitOut   string   `json:"hit_out"`
	ValueOut string   `json:"value_out"`
}

func (a cacheGetArgs) check() error {
	if a.HitOut == "" || a.ValueOut == "" {
		return errors.New("hit_out and value_out are required")
	}
	return firstErr(requireStr("kind", a.Kind), requireTemplate("key", a.Key))
}

type cachePutArgs struct {
	Kind       string   `json:"kind"`
	Key        Template `json:"key"`
	Value      Value    `json:"value"`
	TTLSeconds int      `json:"ttl_seconds"`
}

func (a cachePutArgs) check() error {
	if a.TTLSeconds < 0 {
		return errors.New("ttl_seconds must not be negative")
	}
	return firstErr(requireStr("kind", a.Kind), requireTemplate("key", a.Key))
}

type proxyFetchArgs struct {
	Upstream string   `json:"upstream"`
	Method   string   `json:"method"`
	Path     Template `json:"path"`
	Out      string   `json:"out"`
}

func (a proxyFetchArgs) check() error {
	return firstErr(requireStr("upstream", a.Upstream), requireTemplate("path", a.Path), requireOut(a.Out))
}

type respondJSONArgs struct {
	Status int   `json:"status"`
	Body   Value `json:"body"`
}

func (a respondJSONArgs) check() error { return requireStatus(a.Status) }

type respondBytesArgs struct {
	Status  int                 `json:"status"`
	Body    Value               `json:"body"`
	Headers map[string]Template `json:"headers"`
}

func (a respondBytesArgs) check() error { return requireStatus(a.Status) }

type respondRedirectArgs struct {
	Status   int      `json:"status"`
	Location Template `json:"location"`
}

func (a respondRedirectArgs) check() error {
	if a.Status != 0 && (a.Status < 300 || a.Status > 399) {
		return fmt.Errorf("redirect status %d is not a 3xx status", a.Status)
	}
	return requireTemplate("location", a.Location)
}

type respondErrorArgs struct {
	Status  int      `json:"status"`
	Code    string   `json:"code"`
	Message Template `json:"message"`
}

func (a respondErrorArgs) check() error {
	if a.Code == "" {
		return errors.New("code is required")
	}
	return requireStatus(a.Status)
}

type emitEventArgs struct {
	Type    string `json:"type"`
	Payload Value  `json:"payload"`
}

func (a emitEventArgs) check() error {
	if a.Type == "" {
		return errors.New("type is required")
	}
	return nil
}

type timeNowISO8601Args struct {
	Out string `json:"out"`
}

func (a timeNowISO8601Args) check() error { return requireOut(a.Out) }

type stringFormatArgs struct {
	Template Template `json:"template"`
	Out      string   `json:"out"`
}

func (a stringFormatArgs) check() error {
	return firstErr(requireTemplate("template", a.Template), requireOut(a.Out))
}

// indexKey builds an index entry key. Pipeline authors write either a plain
// template string or an object whose member values are interpolated and
// joined with "/" in declaration order.
type indexKey struct {
	parts []Template
}

func (k *indexKey) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimLeft(b, " \t\r\n")
	if len(trimmed) == 0 {
		return errors.New("index key is required")
	}
	if trimmed[0] == '"' {
		var t Template
		if err := t.UnmarshalJSON(b); err != nil {
			return err
		}
		k.parts = []Template{t}
		return nil
	}
	if trimmed[0] != '{' {
		return errors.New("index key must be a string or an object")
	}

	// encoding/json maps do not preserve member order, and the join order
	// is part of the key. Walk the token stream instead.
	dec := json.NewDecoder(bytes.NewReader(b))
	if _, err := dec.Token(); err != nil {
		return err
	}
	for dec.More() {
		if _, err := dec.Token(); err != nil {
			return err
		}
		var raw string
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("index key members must be strings: %w", err)
		}
		k.parts = append(k.parts, ParseTemplate(raw))
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	return nil
}

func (k indexKey) require() error {
	if len(k.parts) == 0 {
		return errors.New("key is required")
	}
	return nil
}

func (k indexKey) VarRoots() []string {
	var roots []string
	for _, p := range k.parts {
		roots = append(roots, p.VarRoots()...)
	}
	return roots
}

func (k indexKey) Resolve(ec *ExecContext) (string, error) {
	parts := make([]string, len(k.parts))
	for i, p := range k.parts {
		s, err := p.Resolve(ec)
		if err != nil {
			return "", err
		}
		parts[i] = s
	}
	return joinKeyParts(parts), nil
}

func joinKeyParts(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += "/" + p
	}
	return out
}

func requireOut(out string) error {
	if out == "" {
		return errors.New("out is required")
	}
	return nil
}

func requireStr(name, v string) error {
	if v == "" {
		return fmt.Errorf("%s is required", name)
	}
	return nil
}

func requireTemplate(name string, t Template) error {
	if t.IsZero() {
		return fmt.Errorf("%s is required", name)
	}
	return nil
}

func requireStatus(status int) error {
	if status != 0 && (status < 100 || status > 599) {
		return fmt.Errorf("status %d is not a valid HTTP status", status)
	}
	return nil
}

func firstErr(errs ...error) error {
	if len(errs) > 0 {
		for _, err := range errs {
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// decodeArgs is the closed world: op names map to their typed argument
// decoder and nothing else.
var decodeArgs = map[string]func(json.RawMessage) (argsChecker, error){
	OpAuthRequireScopes:  decodeInto[authRequireScopesArgs],
	OpParsePath:          decodeInto[parsePathArgs],
	OpParseQuery:         decodeInto[parseQueryArgs],
	OpParseJSON:          decodeInto[parseJSONArgs],
	OpNormalizeEntity:    decodeInto[normalizeEntityArgs],
	OpValidateEntity:     decodeInto[validateEntityArgs],
	OpValidateJSONSchema: decodeInto[validateJSONSchemaArgs],
	OpTxnBegin:           decodeInto[txnBeginArgs],
	OpTxnCommit:          decodeInto[txnCommitArgs],
	OpTxnAbort:           decodeInto[txnAbortArgs],
	OpKVGet:              decodeInto[kvGetArgs],
	OpKVPut:              decodeInto[kvPutArgs],
	OpKVCASPut:           decodeInto[kvCASPutArgs],
	OpKVDelete:           decodeInto[kvDeleteArgs],
	OpBlobPut:            decodeInto[blobPutArgs],
	OpBlobGet:            decodeInto[blobGetArgs],
	OpBlobVerifyDigest:   decodeInto[blobVerifyDigestArgs],
	OpIndexQuery:         decodeInto[indexQueryArgs],
	OpIndexUpsert:        decodeInto[indexUpsertArgs],
	OpIndexDelete:        decodeInto[indexDeleteArgs],
	OpCacheGet:           decodeInto[cacheGetArgs],
	OpCachePut:           decodeInto[cachePutArgs],
	OpProxyFetch:         decodeInto[proxyFetchArgs],
	OpRespondJSON:        decodeInto[respondJSONArgs],
	OpRespondBytes:       decodeInto[respondBytesArgs],
	OpRespondRedirect:    decodeInto[respondRedirectArgs],
	OpRespondError:       decodeInto[respondErrorArgs],
	OpEmitEvent:          decodeInto[emitEventArgs],
	OpTimeNowISO8601:     decodeInto[timeNowISO8601Args],
	OpStringFormat:       decodeInto[stringFormatArgs],
}

func decodeInto[T argsChecker](raw json.RawMessage) (argsChecker, error) {
	var args T
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&args); err != nil {
			return nil, err
		}
	}
	if err := args.check(); err != nil {
		return nil, err
	}
	return args, nil
}
