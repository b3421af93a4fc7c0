package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	mcperrors "github.com/ajitpratap0/mcp-transport-go/pkg/errors"
	"github.com/ajitpratap0/mcp-transport-go/pkg/protocol"
	"github.com/ajitpratap0/mcp-transport-go/pkg/session"
)

// Request is what a capability handler receives.
type Request struct {
	Session *session.Session
	Method  string
	ID      *protocol.RequestID

	// Name is the tool or prompt name, or the resource URI.
	Name      string
	Arguments json.RawMessage
}

// Handler implements a registered capability. The returned value becomes the
// response result. Returning an mcperrors.MCPError sends that error verbatim;
// any other error is reported as an Internal Error.
type Handler func(ctx context.Context, req *Request) (interface{}, error)

// Capability is one registered tool, prompt or resource.
type Capability struct {
	// Name is the lookup key: the tool or prompt name, or the resource URI.
	Name        string
	Description string
	// InputSchema, when set, is a JSON Schema the arguments must satisfy.
	InputSchema json.RawMessage
	// RequiredScopes, when set, restricts the capability to sessions whose
	// identity holds at least one of them. Wildcard grants such as "tools:*"
	// count.
	RequiredScopes []string
	Handler        Handler
}

// DuplicatePolicy decides what happens when a name is registered twice in
// one group.
type DuplicatePolicy int

const (
	// DuplicateOverwrite replaces the earlier registration.
	DuplicateOverwrite DuplicatePolicy = iota
	// DuplicateReject fails the second registration with a Validation error.
	DuplicateReject
)

func (p DuplicatePolicy) String() string {
	if p == DuplicateReject {
		return "reject"
	}
	return "overwrite"
}

// ParseDuplicatePolicy accepts "overwrite" and "reject".
func ParseDuplicatePolicy(s string) (DuplicatePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "overwrite":
		return DuplicateOverwrite, nil
	case "reject":
		return DuplicateReject, nil
	}
	return DuplicateOverwrite, fmt.Errorf("unknown duplicate policy %q", s)
}

type entry struct {
	Capability
	schema *jsonschema.Resolved
}

// Registry collects capabilities at startup. Snapshot freezes it; later
// registrations fail.
type Registry struct {
	mu     sync.Mutex
	policy DuplicatePolicy
	groups map[string]map[string]*entry
	frozen *Snapshot
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithDuplicatePolicy sets how repeated names are handled.
func WithDuplicatePolicy(p DuplicatePolicy) RegistryOption {
	return func(r *Registry) { r.policy = p }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		groups: map[string]map[string]*entry{
			protocol.GroupTools:     {},
			protocol.GroupPrompts:   {},
			protocol.GroupResources: {},
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterTool adds a tool addressed by name.
func (r *Registry) RegisterTool(c Capability) error {
	return r.register(protocol.GroupTools, c)
}

// RegisterPrompt adds a prompt addressed by name.
func (r *Registry) RegisterPrompt(c Capability) error {
	return r.register(protocol.GroupPrompts, c)
}

// RegisterResource adds a resource; c.Name is its URI.
func (r *Registry) RegisterResource(c Capability) error {
	return r.register(protocol.GroupResources, c)
}

func (r *Registry) register(group string, c Capability) error {
	if c.Name == "" {
		return mcperrors.ValidationError(group + ": capability name is required")
	}
	if c.Handler == nil {
		return mcperrors.ValidationError(fmt.Sprintf("%s %q: handler is required", group, c.Name))
	}

	e := &entry{Capability: c}
	if len(c.InputSchema) > 0 {
		resolved, err := compileSchema(c.InputSchema)
		if err != nil {
			return mcperrors.ValidationError(fmt.Sprintf("%s %q: invalid input schema: %v", group, c.Name, err))
		}
		e.schema = resolved
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen != nil {
		return mcperrors.ValidationError("registry is frozen")
	}
	if _, exists := r.groups[group][c.Name]; exists && r.policy == DuplicateReject {
		return mcperrors.DuplicateCapability(group, c.Name)
	}
	r.groups[group][c.Name] = e
	return nil
}

// Snapshot freezes the registry and returns its immutable view. Calling it
// again returns the same view.
func (r *Registry) Snapshot() *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen != nil {
		return r.frozen
	}

	s := &Snapshot{groups: make(map[string]map[string]*entry, len(r.groups))}
	for group, entries := range r.groups {
		copied := make(map[string]*entry, len(entries))
		for name, e := range entries {
			copied[name] = e
		}
		s.groups[group] = copied
	}

	for _, name := range sortedNames(s.groups[protocol.GroupTools]) {
		e := s.groups[protocol.GroupTools][name]
		s.tools = append(s.tools, protocol.Tool{Name: e.Name, Description: e.Description, InputSchema: e.InputSchema})
	}
	for _, name := range sortedNames(s.groups[protocol.GroupPrompts]) {
		e := s.groups[protocol.GroupPrompts][name]
		s.prompts = append(s.prompts, protocol.Prompt{Name: e.Name, Description: e.Description, InputSchema: e.InputSchema})
	}
	for _, name := range sortedNames(s.groups[protocol.GroupResources]) {
		e := s.groups[protocol.GroupResources][name]
		s.resources = append(s.resources, protocol.Resource{URI: e.Name, Description: e.Description})
	}

	r.frozen = s
	return s
}

func sortedNames(m map[string]*entry) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot is the read-only view of a Registry used by the Dispatcher.
type Snapshot struct {
	groups    map[string]map[string]*entry
	tools     []protocol.Tool
	prompts   []protocol.Prompt
	resources []protocol.Resource
}

func (s *Snapshot) lookup(group, name string) (*entry, bool) {
	e, ok := s.groups[group][name]
	return e, ok
}

// Lookup returns the capability registered under name in group.
func (s *Snapshot) Lookup(group, name string) (Capability, bool) {
	e, ok := s.lookup(group, name)
	if !ok {
		return Capability{}, false
	}
	return e.Capability, true
}

// Tools lists registered tools sorted by name. The slice must not be modified.
func (s *Snapshot) Tools() []protocol.Tool { return s.tools }

// Prompts lists registered prompts sorted by name.
func (s *Snapshot) Prompts() []protocol.Prompt { return s.prompts }

// Resources lists registered resources sorted by URI.
func (s *Snapshot) Resources() []protocol.Resource { return s.resources }

// Capabilities advertises every group with at least one registration.
func (s *Snapshot) Capabilities() protocol.ServerCapabilities {
	var caps protocol.ServerCapabilities
	if len(s.tools) > 0 {
		caps.Tools = &struct{}{}
	}
	if len(s.prompts) > 0 {
		caps.Prompts = &struct{}{}
	}
	if len(s.resources) > 0 {
		caps.Resources = &struct{}{}
	}
	return caps
}
