package main

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"

	"github.com/basalt-labs/basalt-go/internal/pipeline"
	"github.com/basalt-labs/basalt-go/internal/pipeline/loader"
	"github.com/basalt-labs/basalt-go/internal/platform/auth"
	"github.com/basalt-labs/basalt-go/internal/platform/httpserver"
)

//go:embed pipelines/*.json
var defaultPipelines embed.FS

// DefaultPipelineFS exposes the embedded pipeline definitions rooted at the
// directory the loader expects.
func DefaultPipelineFS() fs.FS {
	sub, err := fs.Sub(defaultPipelines, "pipelines")
	if err != nil {
		panic(err)
	}
	return sub
}

const (
	adminScope = "registry:admin"
	readScope  = "artifacts:read"
)

type registryAPI struct {
	logger *slog.Logger
	loader *loader.Loader
	engine *pipeline.Engine
}

func newRegistryAPI(logger *slog.Logger, l *loader.Loader, engine *pipeline.Engine) *registryAPI {
	return &registryAPI{logger: logger, loader: l, engine: engine}
}

// register binds every loaded pipeline's route and the pipeline admin
// endpoints. Routes come from the definitions themselves, so a redeploy of
// definitions with new routes requires a restart; reload only swaps the
// operation lists behind existing routes.
func (api *registryAPI) register(mux *http.ServeMux) {
	for _, p := range api.loader.All() {
		if p.Def.RoutePattern == "" {
			continue
		}
		mux.HandleFunc(p.Def.RoutePattern, api.pipelineHandler(p.Def.ID))
	}

	mux.HandleFunc("GET /pipelines", api.handleListPipelines)
	mux.HandleFunc("POST /pipelines/reload", api.handleReloadPipelines)
}

// pipelineHandler resolves the pipeline by id per request, so an explicit
// reload takes effect without rebinding routes.
func (api *registryAPI) pipelineHandler(id string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := api.loader.Get(id)
		if !ok {
			api.writeError(w, http.StatusInternalServerError, pipeline.CodeInternalError, "pipeline not loaded")
			return
		}

		ec := pipeline.NewExecContext()
		for _, field := range p.Def.PathFields() {
			ec.PathFields[field] = r.PathValue(field)
		}
		for key, values := range r.URL.Query() {
			if len(values) > 0 {
				ec.Query[key] = values[0]
			}
		}
		if principal, ok := auth.PrincipalFromContext(r.Context()); ok {
			ec.Principal = &principal
		}
		if requestID, ok := httpserver.RequestIDFromContext(r.Context()); ok {
			ec.RequestID = requestID
		}

		if r.Body != nil {
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, api.engine.Limits.MaxBodyBytes))
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					api.writeError(w, http.StatusRequestEntityTooLarge, pipeline.CodeResourceExhausted, "request body too large")
					return
				}
				api.logger.Warn("request body read failed", "pipeline", id, "error", err)
				api.writeError(w, http.StatusBadRequest, pipeline.CodeValidationError, "could not read request body")
				return
			}
			ec.BodyBytes = body
		}

		api.writeResponse(w, api.engine.Execute(r.Context(), p, ec))
	}
}

func (api *registryAPI) writeResponse(w http.ResponseWriter, resp *pipeline.Response) {
	switch resp.Kind {
	case "bytes":
		header := w.Header()
		if _, ok := resp.Headers["Content-Type"]; !ok {
			header.Set("Content-Type", "application/octet-stream")
		}
		for name, value := range resp.Headers {
			header.Set(name, value)
		}
		w.WriteHeader(resp.Status)
		_, _ = w.Write(resp.Bytes)
	case "redirect":
		w.Header().Set("Location", resp.Location)
		w.WriteHeader(resp.Status)
	default:
		api.writeJSON(w, resp.Status, resp.Body)
	}
}

// handleListPipelines serves pipeline metadata. Routes and validator
// warnings are operational detail, so listing wants a read scope even when
// the artifact surface allows anonymous reads.
func (api *registryAPI) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	if !api.requireScopes(w, r, readScope, adminScope) {
		return
	}
	type pipelineInfo struct {
		ID       string   `json:"id"`
		Name     string   `json:"name"`
		Route    string   `json:"route,omitempty"`
		OpCount  int      `json:"op_count"`
		Warnings []string `json:"warnings,omitempty"`
	}
	all := api.loader.All()
	infos := make([]pipelineInfo, len(all))
	for i, p := range all {
		infos[i] = pipelineInfo{
			ID:       p.Def.ID,
			Name:     p.Def.Name,
			Route:    p.Def.RoutePattern,
			OpCount:  len(p.Ops),
			Warnings: p.Warnings,
		}
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "pipelines": infos})
}

// requireScopes writes the 401/403 envelope and reports whether the caller
// holds at least one of the wanted scopes.
func (api *registryAPI) requireScopes(w http.ResponseWriter, r *http.Request, scopes ...string) bool {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		api.writeError(w, http.StatusUnauthorized, pipeline.CodeUnauthenticated, "authentication required")
		return false
	}
	if !principal.HasAnyScope(scopes) {
		api.writeError(w, http.StatusForbidden, pipeline.CodeForbidden,
			fmt.Sprintf("requires one of scopes %v", scopes))
		return false
	}
	return true
}

func (api *registryAPI) handleReloadPipelines(w http.ResponseWriter, r *http.Request) {
	if !api.requireScopes(w, r, adminScope) {
		return
	}
	if err := api.loader.Reload(); err != nil {
		api.logger.Error("pipeline reload failed", "error", err)
		api.writeError(w, http.StatusUnprocessableEntity, pipeline.CodeValidationError, err.Error())
		return
	}
	by := ""
	if principal, ok := auth.PrincipalFromContext(r.Context()); ok {
		by = principal.Subject
	}
	api.logger.Info("pipelines reloaded", "by", by)
	api.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "count": len(api.loader.All())})
}

func (api *registryAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *registryAPI) writeError(w http.ResponseWriter, status int, code, message string) {
	api.writeJSON(w, status, map[string]any{
		"ok": false,
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}
