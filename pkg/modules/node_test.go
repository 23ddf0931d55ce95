package modules

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalNodeDispatch(t *testing.T) {
	registry := newTestRegistry(t)
	require.NoError(t, registry.Register(echoManifest("echo"), func() (Module, error) {
		return &echoModule{id: "echo", manifest: echoManifest("echo")}, nil
	}))

	node := NewLocalNode(registry)
	assert.Equal(t, LocalNodeID, node.NodeID())
	assert.True(t, node.Available(context.Background()))

	result, err := node.ExecuteAction(context.Background(), "echo", "echo",
		map[string]any{"message": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "echo", result["action"])

	_, err = node.ExecuteAction(context.Background(), "echo", "absent", nil)
	assert.ErrorIs(t, err, ErrUnknownAction)

	_, err = node.ExecuteAction(context.Background(), "ghost", "echo", nil)
	assert.ErrorIs(t, err, ErrModuleNotFound)
}

func TestNodeRegistryResolve(t *testing.T) {
	registry := newTestRegistry(t)
	local := NewLocalNode(registry)
	nodes := NewNodeRegistry(local)

	tests := []struct {
		name   string
		nodeID string
		want   Node
		ok     bool
	}{
		{"empty resolves local", "", local, true},
		{"explicit local", LocalNodeID, local, true},
		{"unknown node errors", "edge-1", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node, err := nodes.Resolve(tt.nodeID)
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, tt.want, node)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestNodeRegistryAddRemove(t *testing.T) {
	registry := newTestRegistry(t)
	local := NewLocalNode(registry)
	nodes := NewNodeRegistry(local)

	nodes.Add(stubNode{"edge-1"})

	resolved, err := nodes.Resolve("edge-1")
	require.NoError(t, err)
	assert.Equal(t, "edge-1", resolved.NodeID())
	assert.Equal(t, []string{"edge-1", LocalNodeID}, nodes.NodeIDs())

	nodes.Remove("edge-1")
	_, err = nodes.Resolve("edge-1")
	assert.Error(t, err)

	// The local node cannot be removed.
	nodes.Remove(LocalNodeID)
	_, err = nodes.Resolve(LocalNodeID)
	assert.NoError(t, err)
}

type stubNode struct{ id string }

func (n stubNode) NodeID() string                 { return n.id }
func (n stubNode) Available(context.Context) bool { return true }

func (n stubNode) ExecuteAction(context.Context, string, string, map[string]any) (map[string]any, error) {
	return map[string]any{}, nil
}
