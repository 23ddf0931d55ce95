package modules

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// LocalNodeID is the implicit target when an action names no node.
const LocalNodeID = "local"

// Node is an execution target for actions. The local node dispatches
// through the in-process registry; remote nodes proxy to another daemon.
type Node interface {
	NodeID() string
	// Available reports whether the node can currently take work.
	Available(ctx context.Context) bool
	// ExecuteAction runs module.action on this node.
	ExecuteAction(ctx context.Context, module, action string, params map[string]any) (map[string]any, error)
}

// LocalNode executes actions against the in-process module registry.
type LocalNode struct {
	registry *Registry
}

// NewLocalNode wraps the registry as the "local" node.
func NewLocalNode(registry *Registry) *LocalNode {
	return &LocalNode{registry: registry}
}

func (n *LocalNode) NodeID() string { return LocalNodeID }

func (n *LocalNode) Available(context.Context) bool { return true }

func (n *LocalNode) ExecuteAction(ctx context.Context, module, action string, params map[string]any) (map[string]any, error) {
	instance, err := n.registry.Get(module)
	if err != nil {
		return nil, err
	}
	manifest := instance.Manifest()
	if manifest != nil && manifest.GetAction(action) == nil {
		return nil, &UnknownActionError{ModuleID: module, Action: action}
	}
	return instance.Execute(ctx, action, params)
}

// NodeRegistry maps node IDs to execution targets.
type NodeRegistry struct {
	mu    sync.RWMutex
	nodes map[string]Node
	local Node
}

// NewNodeRegistry builds a registry seeded with the local node.
func NewNodeRegistry(local Node) *NodeRegistry {
	return &NodeRegistry{
		nodes: map[string]Node{local.NodeID(): local},
		local: local,
	}
}

// Add registers a node, replacing any node with the same ID.
func (r *NodeRegistry) Add(node Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[node.NodeID()] = node
}

// Remove drops a node. The local node cannot be removed.
func (r *NodeRegistry) Remove(nodeID string) {
	if nodeID == r.local.NodeID() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.nodes, nodeID)
}

// Resolve maps a target_node value to a node. Empty and "local" both
// resolve to the local node; unknown IDs are an error.
func (r *NodeRegistry) Resolve(nodeID string) (Node, error) {
	if nodeID == "" || nodeID == LocalNodeID {
		return r.local, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("unknown target node %q", nodeID)
	}
	return node, nil
}

// NodeIDs lists registered node IDs.
func (r *NodeRegistry) NodeIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.nodes))
	for id := range r.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
