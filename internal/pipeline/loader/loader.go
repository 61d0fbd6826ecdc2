package loader

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"sync"

	"github.com/basalt-labs/basalt-go/internal/domain"
	"github.com/basalt-labs/basalt-go/internal/pipeline"
)

// Loader reads pipeline definitions from a filesystem, compiles them once,
// and serves the compiled set until an explicit reload. A set with any
// invalid definition is rejected wholesale; the previous set stays live.
type Loader struct {
	fsys   fs.FS
	logger *slog.Logger

	mu        sync.RWMutex
	pipelines map[string]*pipeline.Compiled
}

func New(fsys fs.FS, logger *slog.Logger) *Loader {
	return &Loader{
		fsys:      fsys,
		logger:    logger,
		pipelines: make(map[string]*pipeline.Compiled),
	}
}

// Load compiles every *.json definition under the filesystem root. It is
// all-or-nothing: one bad definition fails the whole load and leaves the
// currently served set untouched.
func (l *Loader) Load() error {
	entries, err := fs.Glob(l.fsys, "*.json")
	if err != nil {
		return fmt.Errorf("list pipeline definitions: %w", err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("no pipeline definitions found")
	}
	sort.Strings(entries)

	next := make(map[string]*pipeline.Compiled, len(entries))
	for _, name := range entries {
		raw, err := fs.ReadFile(l.fsys, name)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		var def domain.Definition
		if err := json.Unmarshal(raw, &def); err != nil {
			return fmt.Errorf("parse %s: %w", name, err)
		}
		compiled, err := pipeline.Compile(def)
		if err != nil {
			return fmt.Errorf("compile %s: %w", name, err)
		}
		if _, dup := next[def.ID]; dup {
			return fmt.Errorf("compile %s: duplicate pipeline id %q", name, def.ID)
		}
		for _, warning := range compiled.Warnings {
			l.logger.Warn("pipeline warning", "pipeline", def.ID, "file", path.Base(name), "warning", warning)
		}
		next[def.ID] = compiled
	}

	l.mu.Lock()
	l.pipelines = next
	l.mu.Unlock()
	l.logger.Info("pipelines loaded", "count", len(next))
	return nil
}

// Reload re-runs Load. This is the only way a running process picks up
// definition changes.
func (l *Loader) Reload() error {
	return l.Load()
}

func (l *Loader) Get(id string) (*pipeline.Compiled, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.pipelines[id]
	return p, ok
}

// All returns the loaded pipelines ordered by id.
func (l *Loader) All() []*pipeline.Compiled {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*pipeline.Compiled, 0, len(l.pipelines))
	for _, p := range l.pipelines {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Def.ID < out[j].Def.ID })
	return out
}
