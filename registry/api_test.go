package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/basalt-labs/basalt-go/internal/eventlog"
	"github.com/basalt-labs/basalt-go/internal/pipeline"
	"github.com/basalt-labs/basalt-go/internal/pipeline/loader"
	"github.com/basalt-labs/basalt-go/internal/platform/auth"
	"github.com/basalt-labs/basalt-go/internal/repo/memory"
	"github.com/basalt-labs/basalt-go/internal/storage/blobstore"
	"github.com/basalt-labs/basalt-go/internal/storage/cachestore"
	"github.com/basalt-labs/basalt-go/internal/storage/upstream"
)

type testServer struct {
	handler http.Handler
	events  *eventlog.MemoryAppender
}

func newTestServer(t *testing.T, scopes []string) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := memory.NewStore()
	events := eventlog.NewMemoryAppender()
	engine := &pipeline.Engine{
		KV:        store,
		Index:     store,
		Blobs:     blobstore.NewMemoryStore(),
		Cache:     cachestore.New(),
		Upstreams: upstream.NewClient(upstream.Config{}),
		Events:    events,
		Txns:      pipeline.NewCoordinator(store),
		Logger:    logger,
		Limits:    pipeline.DefaultLimits(),
	}

	l := loader.New(DefaultPipelineFS(), logger)
	if err := l.Load(); err != nil {
		t.Fatalf("load default pipelines: %v", err)
	}

	mux := http.NewServeMux()
	api := newRegistryAPI(logger, l, engine)
	api.register(mux)

	handler := auth.Middleware{
		Logger: logger,
		Authenticator: auth.NewDevAuthenticator(auth.Config{
			DevSubject: "user:test",
			DevScopes:  scopes,
		}),
	}.Wrap(mux)

	return &testServer{handler: handler, events: events}
}

func (s *testServer) do(method, path string, body []byte) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func writerScopes() []string { return []string{"artifacts:read", "artifacts:write"} }

func TestPublishAndFetchRoundTrip(t *testing.T) {
	srv := newTestServer(t, writerScopes())
	content := []byte("wasm module bytes")

	rec := srv.do(http.MethodPut, "/v1/acme/widget/1.0.0/default/blob", content)
	if rec.Code != http.StatusCreated {
		t.Fatalf("publish status = %d, body = %s", rec.Code, rec.Body.String())
	}
	published := decodeBody(t, rec)
	digest, _ := published["digest"].(string)
	if digest != blobstore.ComputeDigest(content) {
		t.Fatalf("digest = %q", digest)
	}

	rec = srv.do(http.MethodGet, "/v1/acme/widget/1.0.0/default/blob", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("fetch status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !bytes.Equal(rec.Body.Bytes(), content) {
		t.Fatalf("fetched %q", rec.Body.Bytes())
	}
	if rec.Header().Get("X-Artifact-Digest") != digest {
		t.Fatalf("digest header = %q", rec.Header().Get("X-Artifact-Digest"))
	}

	events := srv.events.Events()
	if len(events) != 1 || events[0].EventType != "artifact.published" {
		t.Fatalf("events = %+v", events)
	}
}

func TestPublishIsCreateOnce(t *testing.T) {
	srv := newTestServer(t, writerScopes())
	content := []byte("v1 bytes")

	if rec := srv.do(http.MethodPut, "/v1/acme/widget/1.0.0/default/blob", content); rec.Code != http.StatusCreated {
		t.Fatalf("first publish: %d", rec.Code)
	}
	rec := srv.do(http.MethodPut, "/v1/acme/widget/1.0.0/default/blob", []byte("different bytes"))
	if rec.Code != http.StatusConflict {
		t.Fatalf("second publish status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["ok"] != false {
		t.Fatalf("body = %v", body)
	}
}

func TestPublishWithoutWriteScope(t *testing.T) {
	srv := newTestServer(t, []string{"artifacts:read"})
	rec := srv.do(http.MethodPut, "/v1/acme/widget/1.0.0/default/blob", []byte("x"))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestPublishRejectsMalformedCoordinates(t *testing.T) {
	srv := newTestServer(t, writerScopes())
	rec := srv.do(http.MethodPut, "/v1/ac..me!/widget/1.0.0/default/blob", []byte("x"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestResolveLatestOrdersVersions(t *testing.T) {
	srv := newTestServer(t, writerScopes())
	for _, version := range []string{"1.0.0", "1.9.0", "1.10.0"} {
		rec := srv.do(http.MethodPut, "/v1/acme/widget/"+version+"/default/blob", []byte("content "+version))
		if rec.Code != http.StatusCreated {
			t.Fatalf("publish %s: %d", version, rec.Code)
		}
	}

	rec := srv.do(http.MethodGet, "/v1/acme/widget/latest", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	latest := body["latest"].(map[string]any)
	if latest["version"] != "1.10.0" {
		t.Fatalf("latest = %v", latest)
	}
	if body["cached"] != false {
		t.Fatalf("cached = %v", body["cached"])
	}

	// Second resolve is served from cache.
	body = decodeBody(t, srv.do(http.MethodGet, "/v1/acme/widget/latest", nil))
	if body["cached"] != true {
		t.Fatalf("cached = %v", body["cached"])
	}
}

func TestResolveLatestUnknownPackage(t *testing.T) {
	srv := newTestServer(t, writerScopes())
	rec := srv.do(http.MethodGet, "/v1/acme/ghost/latest", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestListVersions(t *testing.T) {
	srv := newTestServer(t, writerScopes())
	for _, version := range []string{"2.0.0", "2.1.0"} {
		if rec := srv.do(http.MethodPut, "/v1/acme/widget/"+version+"/default/blob", []byte(version)); rec.Code != http.StatusCreated {
			t.Fatalf("publish %s: %d", version, rec.Code)
		}
	}
	rec := srv.do(http.MethodGet, "/v1/acme/widget/versions", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	versions := decodeBody(t, rec)["versions"].([]any)
	if len(versions) != 2 {
		t.Fatalf("versions = %v", versions)
	}
	if versions[0].(map[string]any)["version"] != "2.1.0" {
		t.Fatalf("newest first expected, got %v", versions[0])
	}
}

func TestTagLifecycle(t *testing.T) {
	srv := newTestServer(t, writerScopes())
	if rec := srv.do(http.MethodPut, "/v1/acme/widget/1.0.0/default/blob", []byte("x")); rec.Code != http.StatusCreated {
		t.Fatalf("publish: %d", rec.Code)
	}

	// Tag must point at an existing version.
	rec := srv.do(http.MethodPut, "/v1/acme/widget/tags/stable",
		[]byte(`{"target_version":"9.9.9","target_variant":"default"}`))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("dangling tag status = %d", rec.Code)
	}

	rec = srv.do(http.MethodPut, "/v1/acme/widget/tags/stable",
		[]byte(`{"target_version":"1.0.0","target_variant":"default"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("set tag status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = srv.do(http.MethodGet, "/v1/acme/widget/tags/stable", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve tag status = %d", rec.Code)
	}
	target := decodeBody(t, rec)["target"].(map[string]any)
	if target["version"] != "1.0.0" {
		t.Fatalf("target = %v", target)
	}

	if rec := srv.do(http.MethodDelete, "/v1/acme/widget/tags/stable", nil); rec.Code != http.StatusOK {
		t.Fatalf("delete tag status = %d", rec.Code)
	}
	if rec := srv.do(http.MethodGet, "/v1/acme/widget/tags/stable", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("deleted tag status = %d", rec.Code)
	}
}

func TestSetTagRejectsMissingFields(t *testing.T) {
	srv := newTestServer(t, writerScopes())
	rec := srv.do(http.MethodPut, "/v1/acme/widget/tags/stable", []byte(`{"target_version":"1.0.0"}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestListPipelines(t *testing.T) {
	srv := newTestServer(t, writerScopes())
	rec := srv.do(http.MethodGet, "/pipelines", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	pipelines := decodeBody(t, rec)["pipelines"].([]any)
	if len(pipelines) < 7 {
		t.Fatalf("pipelines = %d", len(pipelines))
	}
}

func TestListPipelinesRequiresReadScope(t *testing.T) {
	srv := newTestServer(t, nil)
	if rec := srv.do(http.MethodGet, "/pipelines", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("status without read scope = %d", rec.Code)
	}

	srv = newTestServer(t, []string{"registry:admin"})
	if rec := srv.do(http.MethodGet, "/pipelines", nil); rec.Code != http.StatusOK {
		t.Fatalf("status with admin scope = %d", rec.Code)
	}
}

func TestReloadRequiresAdminScope(t *testing.T) {
	srv := newTestServer(t, writerScopes())
	if rec := srv.do(http.MethodPost, "/pipelines/reload", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("status without admin = %d", rec.Code)
	}

	srv = newTestServer(t, []string{"registry:admin"})
	if rec := srv.do(http.MethodPost, "/pipelines/reload", nil); rec.Code != http.StatusOK {
		t.Fatalf("status with admin = %d", rec.Code)
	}
}
