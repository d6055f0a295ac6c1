// Package registry loads the tool catalog: the declarative JSON document
// that names every tool the planner may use, which surface it executes on,
// and the JSON schemas its inputs and outputs must satisfy. The catalog is
// loaded once at startup and is read-only afterwards, so lookups take no
// locks.
package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/aide/pkg/models"
)

// ToolMetadata describes one tool as declared in the registry document.
type ToolMetadata struct {
	ToolName        string
	Description     string
	ExecutionTarget models.ExecutionTarget
	Category        string

	// Raw schema documents as declared, forwarded to planner prompts and
	// injected into tool instances at boot.
	ParamsSchema json.RawMessage
	OutputSchema json.RawMessage

	// Compiled forms, nil when the document omits the schema.
	Params *jsonschema.Schema
	Output *jsonschema.Schema

	// Metadata carries free-form extras the core does not interpret.
	Metadata map[string]any
}

type document struct {
	Version    string              `json:"version"`
	Categories map[string]category `json:"categories"`
}

type category struct {
	Tools []toolEntry `json:"tools"`
}

type toolEntry struct {
	ToolName        string          `json:"tool_name"`
	Description     string          `json:"description"`
	ExecutionTarget string          `json:"execution_target"`
	ParamsSchema    json.RawMessage `json:"params_schema"`
	OutputSchema    json.RawMessage `json:"output_schema"`
	Metadata        map[string]any  `json:"metadata"`
}

// Registry maps tool names to their metadata and partitions tools by
// execution target and by category. Load must complete before any reads;
// after a successful load the registry never changes.
type Registry struct {
	mu     sync.Mutex
	loaded bool

	version    string
	tools      map[string]*ToolMetadata
	byTarget   map[models.ExecutionTarget][]*ToolMetadata
	byCategory map[string][]*ToolMetadata
}

// New returns an empty registry awaiting Load.
func New() *Registry {
	return &Registry{
		tools:      map[string]*ToolMetadata{},
		byTarget:   map[models.ExecutionTarget][]*ToolMetadata{},
		byCategory: map[string][]*ToolMetadata{},
	}
}

// LoadFile loads the registry from a document on disk. An empty path loads
// the embedded default catalog.
func (r *Registry) LoadFile(path string) error {
	if path == "" {
		return r.Load(defaultDocument)
	}
	raw, err := os.ReadFile(path) // #nosec G304 -- path comes from operator config
	if err != nil {
		return fmt.Errorf("registry: read %s: %w", path, err)
	}
	return r.Load(raw)
}

// Load parses a registry document and indexes its tools. Parsing is strict:
// unknown fields, an unknown execution_target, a duplicate tool name, or an
// uncompilable schema all fail the load, leaving the registry empty. A load
// after the first successful one is a no-op.
func (r *Registry) Load(raw []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var doc document
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("registry: parse document: %w", err)
	}

	tools := map[string]*ToolMetadata{}
	byTarget := map[models.ExecutionTarget][]*ToolMetadata{}
	byCategory := map[string][]*ToolMetadata{}

	for cat, group := range doc.Categories {
		for _, entry := range group.Tools {
			if entry.ToolName == "" {
				return fmt.Errorf("registry: category %q has a tool without tool_name", cat)
			}
			target := models.ExecutionTarget(entry.ExecutionTarget)
			if !target.Valid() {
				return fmt.Errorf("registry: tool %q: unknown execution_target %q", entry.ToolName, entry.ExecutionTarget)
			}
			if _, dup := tools[entry.ToolName]; dup {
				return fmt.Errorf("registry: duplicate tool %q", entry.ToolName)
			}

			meta := &ToolMetadata{
				ToolName:        entry.ToolName,
				Description:     entry.Description,
				ExecutionTarget: target,
				Category:        cat,
				ParamsSchema:    entry.ParamsSchema,
				OutputSchema:    entry.OutputSchema,
				Metadata:        entry.Metadata,
			}

			var err error
			if meta.Params, err = compileSchema(entry.ToolName+"/params", entry.ParamsSchema); err != nil {
				return err
			}
			if meta.Output, err = compileSchema(entry.ToolName+"/output", entry.OutputSchema); err != nil {
				return err
			}

			tools[entry.ToolName] = meta
			byTarget[target] = append(byTarget[target], meta)
			byCategory[cat] = append(byCategory[cat], meta)
		}
	}

	// Category iteration order is not deterministic; fix the partition
	// order so identical documents index identically.
	for _, list := range byTarget {
		sortByName(list)
	}
	for _, list := range byCategory {
		sortByName(list)
	}

	r.version = doc.Version
	r.tools = tools
	r.byTarget = byTarget
	r.byCategory = byCategory
	r.loaded = true
	return nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	compiled, err := jsonschema.CompileString(name+".schema.json", string(raw))
	if err != nil {
		return nil, fmt.Errorf("registry: compile %s schema: %w", name, err)
	}
	return compiled, nil
}

func sortByName(list []*ToolMetadata) {
	sort.Slice(list, func(i, j int) bool { return list[i].ToolName < list[j].ToolName })
}

// Version returns the document version string.
func (r *Registry) Version() string { return r.version }

// Get returns a tool's metadata by name.
func (r *Registry) Get(name string) (*ToolMetadata, bool) {
	meta, ok := r.tools[name]
	return meta, ok
}

// Validate reports an error when the named tool is not in the catalog.
func (r *Registry) Validate(name string) error {
	if _, ok := r.tools[name]; !ok {
		return fmt.Errorf("not_in_registry: unknown tool %q", name)
	}
	return nil
}

// CheckInputs validates resolved inputs against a tool's params schema.
// The inputs round-trip through JSON first so values of any Go type reach
// the validator in the plain decoded forms it understands. A tool without
// a params schema accepts anything.
func (r *Registry) CheckInputs(name string, inputs map[string]any) error {
	meta, ok := r.tools[name]
	if !ok {
		return fmt.Errorf("not_in_registry: unknown tool %q", name)
	}
	if meta.Params == nil {
		return nil
	}
	if inputs == nil {
		inputs = map[string]any{}
	}
	raw, err := json.Marshal(inputs)
	if err != nil {
		return fmt.Errorf("encode inputs for %q: %w", name, err)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("decode inputs for %q: %w", name, err)
	}
	if err := meta.Params.Validate(decoded); err != nil {
		return fmt.Errorf("invalid inputs for %q: %w", name, err)
	}
	return nil
}

// ByTarget returns the tools declared for one execution surface, ordered by
// name. Callers must not mutate the returned slice.
func (r *Registry) ByTarget(target models.ExecutionTarget) []*ToolMetadata {
	return r.byTarget[target]
}

// ByCategory returns the tools in one category, ordered by name. Callers
// must not mutate the returned slice.
func (r *Registry) ByCategory(cat string) []*ToolMetadata {
	return r.byCategory[cat]
}

// Categories returns the category names in sorted order.
func (r *Registry) Categories() []string {
	cats := make([]string, 0, len(r.byCategory))
	for cat := range r.byCategory {
		cats = append(cats, cat)
	}
	sort.Strings(cats)
	return cats
}

// Names returns every tool name in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered tools.
func (r *Registry) Count() int { return len(r.tools) }
