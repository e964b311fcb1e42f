package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/docflow/pkg/log"
	"github.com/cuemby/docflow/pkg/types"
)

// ErrWorkflowNotFound is returned when a workflow id is not registered.
var ErrWorkflowNotFound = errors.New("workflow not found")

// Registry holds the validated workflow definitions. Definitions come from
// files under the config directory; a definition that fails validation is
// refused with a critical log and the rest keep loading, so one bad file
// never takes the daemon down.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]*types.Workflow
	graphs    map[string]*Graph
	logger    zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		workflows: make(map[string]*types.Workflow),
		graphs:    make(map[string]*Graph),
		logger:    log.WithComponent("workflow"),
	}
}

// LoadDir parses every .json, .yaml, and .yml file in dir and registers the
// definitions that validate. Returns how many loaded and how many were
// refused. A missing directory is not an error; it just means no workflows.
func (r *Registry) LoadDir(dir string) (loaded, refused int, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			r.logger.Warn().Str("dir", dir).Msg("Workflow directory does not exist, no workflows loaded")
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("read workflow directory: %w", err)
	}

	staged := make(map[string]*types.Workflow)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".json" && ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())

		wf, err := ParseFile(path)
		if err != nil {
			refused++
			r.logger.WithLevel(zerolog.FatalLevel).Err(err).Str("file", path).
				Msg("Workflow definition refused")
			continue
		}
		if _, dup := staged[wf.ID]; dup {
			refused++
			r.logger.WithLevel(zerolog.FatalLevel).Str("file", path).Str("workflow_id", wf.ID).
				Msg("Workflow definition refused: duplicate workflow_id")
			continue
		}
		staged[wf.ID] = wf
		loaded++
	}

	// Replace the whole set at once so a reload never exposes a half-open
	// mixture of old and new definitions.
	graphs := make(map[string]*Graph, len(staged))
	for id, wf := range staged {
		g, err := NewGraph(wf)
		if err != nil {
			// Validate already sorted this out; a failure here is a bug.
			return 0, 0, fmt.Errorf("graph for workflow %q: %w", id, err)
		}
		graphs[id] = g
	}

	r.mu.Lock()
	r.workflows = staged
	r.graphs = graphs
	r.mu.Unlock()

	r.logger.Info().Int("loaded", loaded).Int("refused", refused).Str("dir", dir).
		Msg("Workflow definitions loaded")
	return loaded, refused, nil
}

// ParseFile reads, decodes, and validates one workflow definition.
func ParseFile(path string) (*types.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var wf types.Workflow
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &wf); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &wf); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported workflow file extension: %s", path)
	}

	if err := Validate(&wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// Register validates and inserts a single definition, replacing any
// previous definition with the same id.
func (r *Registry) Register(wf *types.Workflow) error {
	if err := Validate(wf); err != nil {
		return err
	}
	g, err := NewGraph(wf)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.workflows[wf.ID] = wf
	r.graphs[wf.ID] = g
	r.mu.Unlock()
	return nil
}

// Get returns a workflow definition by id.
func (r *Registry) Get(id string) (*types.Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wf, ok := r.workflows[id]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	return wf, nil
}

// Graph returns the adjacency view for a workflow.
func (r *Registry) Graph(id string) (*Graph, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.graphs[id]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	return g, nil
}

// List returns every registered workflow sorted by id.
func (r *Registry) List() []*types.Workflow {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.Workflow, 0, len(r.workflows))
	for _, wf := range r.workflows {
		out = append(out, wf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of registered workflows.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workflows)
}
