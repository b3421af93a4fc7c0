package server

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcperrors "github.com/ajitpratap0/mcp-transport-go/pkg/errors"
	"github.com/ajitpratap0/mcp-transport-go/pkg/protocol"
)

func constHandler(v interface{}) Handler {
	return func(context.Context, *Request) (interface{}, error) { return v, nil }
}

func TestRegistry_DuplicateOverwriteByDefault(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterTool(Capability{Name: "echo", Description: "first", Handler: constHandler(1)}))
	require.NoError(t, r.RegisterTool(Capability{Name: "echo", Description: "second", Handler: constHandler(2)}))

	snap := r.Snapshot()
	require.Len(t, snap.Tools(), 1)
	assert.Equal(t, "second", snap.Tools()[0].Description)

	c, ok := snap.Lookup(protocol.GroupTools, "echo")
	require.True(t, ok)
	v, err := c.Handler(context.Background(), &Request{})
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestRegistry_DuplicateReject(t *testing.T) {
	r := NewRegistry(WithDuplicatePolicy(DuplicateReject))
	require.NoError(t, r.RegisterTool(Capability{Name: "echo", Handler: constHandler(1)}))

	err := r.RegisterTool(Capability{Name: "echo", Handler: constHandler(2)})
	require.Error(t, err)
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeValidationError))

	// Names are unique per group only.
	assert.NoError(t, r.RegisterPrompt(Capability{Name: "echo", Handler: constHandler(3)}))
}

func TestRegistry_RejectsIncompleteCapabilities(t *testing.T) {
	r := NewRegistry()
	assert.True(t, mcperrors.IsCode(r.RegisterTool(Capability{Handler: constHandler(nil)}), mcperrors.CodeValidationError))
	assert.True(t, mcperrors.IsCode(r.RegisterTool(Capability{Name: "x"}), mcperrors.CodeValidationError))
	assert.True(t, mcperrors.IsCode(r.RegisterTool(Capability{
		Name:        "bad-schema",
		InputSchema: json.RawMessage(`{"type":`),
		Handler:     constHandler(nil),
	}), mcperrors.CodeValidationError))
}

func TestRegistry_SnapshotFreezes(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterResource(Capability{Name: "file:///a", Handler: constHandler("a")}))

	first := r.Snapshot()
	err := r.RegisterResource(Capability{Name: "file:///b", Handler: constHandler("b")})
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeValidationError))

	assert.Same(t, first, r.Snapshot())
	assert.Equal(t, []protocol.Resource{{URI: "file:///a"}}, first.Resources())
}

func TestSnapshot_ListsSortedAndAdvertisesGroups(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, r.RegisterTool(Capability{Name: name, Handler: constHandler(nil)}))
	}
	snap := r.Snapshot()

	var names []string
	for _, tool := range snap.Tools() {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, names)

	caps := snap.Capabilities()
	assert.NotNil(t, caps.Tools)
	assert.Nil(t, caps.Prompts)
	assert.Nil(t, caps.Resources)
}

func TestParseDuplicatePolicy(t *testing.T) {
	p, err := ParseDuplicatePolicy("Reject")
	require.NoError(t, err)
	assert.Equal(t, DuplicateReject, p)

	p, err = ParseDuplicatePolicy("")
	require.NoError(t, err)
	assert.Equal(t, DuplicateOverwrite, p)
	assert.Equal(t, "overwrite", p.String())

	_, err = ParseDuplicatePolicy("merge")
	assert.Error(t, err)
}
