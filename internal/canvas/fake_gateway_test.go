package canvas

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"storymap/api/internal/gateway"
	"storymap/api/internal/store"
)

// fakeGateway is an in-memory Gateway that records every call in order.
// fail, when set, may return an error for the nth call (1-based) of op.
type fakeGateway struct {
	mu     sync.Mutex
	nodes  []store.Node
	edges  []store.Edge
	calls  []string
	counts map[string]int
	seq    int
	fail   func(op string, n int, arg string) error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{counts: make(map[string]int)}
}

func persistenceErr(msg string) error {
	return &gateway.Error{Kind: gateway.KindPersistence, Message: msg}
}

func (f *fakeGateway) record(op, arg string) error {
	f.counts[op]++
	f.calls = append(f.calls, op+":"+arg)
	if f.fail != nil {
		return f.fail(op, f.counts[op], arg)
	}
	return nil
}

func (f *fakeGateway) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeGateway) CallsOf(op string) []string {
	var out []string
	for _, call := range f.Calls() {
		if strings.HasPrefix(call, op+":") {
			out = append(out, strings.TrimPrefix(call, op+":"))
		}
	}
	return out
}

func (f *fakeGateway) seed(nodes []store.Node, edges []store.Edge) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes = append(f.nodes, nodes...)
	f.edges = append(f.edges, edges...)
}

func (f *fakeGateway) stored() ([]store.Node, []store.Edge) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Node(nil), f.nodes...), append([]store.Edge(nil), f.edges...)
}

func (f *fakeGateway) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s%d", prefix, f.seq)
}

func (f *fakeGateway) CreateNode(ctx context.Context, projectID string, in gateway.NodeInput) (store.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateNode", in.Label); err != nil {
		return store.Node{}, err
	}
	node := store.Node{
		ID:        f.nextID("n"),
		ProjectID: projectID,
		NodeType:  store.NormalizeNodeType(in.NodeType),
		Label:     in.Label,
		Content:   in.Content,
		Width:     store.DefaultNodeWidth,
		Height:    store.DefaultNodeHeight,
		Metadata:  in.Metadata,
	}
	if in.X != nil {
		node.X = *in.X
	}
	if in.Y != nil {
		node.Y = *in.Y
	}
	f.nodes = append(f.nodes, node)
	return node, nil
}

func (f *fakeGateway) UpdateNode(ctx context.Context, projectID, nodeID string, patch store.NodePatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("UpdateNode", nodeID); err != nil {
		return err
	}
	for i := range f.nodes {
		if f.nodes[i].ID == nodeID {
			patch.Apply(&f.nodes[i])
			return nil
		}
	}
	return &gateway.Error{Kind: gateway.KindNotFound, Message: "node not found"}
}

func (f *fakeGateway) DeleteNode(ctx context.Context, projectID, nodeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteNode", nodeID); err != nil {
		return err
	}
	for i := range f.nodes {
		if f.nodes[i].ID == nodeID {
			f.nodes = append(f.nodes[:i], f.nodes[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeGateway) CreateEdge(ctx context.Context, projectID string, in gateway.EdgeInput) (gateway.EdgeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateEdge", in.SourceNodeID+"->"+in.TargetNodeID); err != nil {
		return gateway.EdgeResult{}, err
	}
	for _, edge := range f.edges {
		if edge.SourceNodeID == in.SourceNodeID && edge.TargetNodeID == in.TargetNodeID {
			return gateway.EdgeResult{Edge: edge, Deduped: true}, nil
		}
	}
	edge := store.Edge{
		ID:           f.nextID("e"),
		ProjectID:    projectID,
		SourceNodeID: in.SourceNodeID,
		TargetNodeID: in.TargetNodeID,
		Label:        in.Label,
		EdgeType:     in.EdgeType,
	}
	f.edges = append(f.edges, edge)
	return gateway.EdgeResult{Edge: edge}, nil
}

func (f *fakeGateway) UpdateEdge(ctx context.Context, projectID, edgeID string, patch store.EdgePatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	arg := edgeID
	if patch.SourceNodeID != nil && patch.TargetNodeID != nil {
		arg += " " + *patch.SourceNodeID + "->" + *patch.TargetNodeID
	}
	if err := f.record("UpdateEdge", arg); err != nil {
		return err
	}
	for i := range f.edges {
		if f.edges[i].ID == edgeID {
			patch.Apply(&f.edges[i])
			return nil
		}
	}
	return &gateway.Error{Kind: gateway.KindNotFound, Message: "edge not found"}
}

func (f *fakeGateway) DeleteEdge(ctx context.Context, projectID, edgeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteEdge", edgeID); err != nil {
		return err
	}
	for i := range f.edges {
		if f.edges[i].ID == edgeID {
			f.edges = append(f.edges[:i], f.edges[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeGateway) UpdateNodePositions(ctx context.Context, projectID string, items []store.PositionUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	if err := f.record("UpdateNodePositions", strings.Join(ids, ",")); err != nil {
		return err
	}
	for _, item := range items {
		for i := range f.nodes {
			if f.nodes[i].ID == item.ID {
				f.nodes[i].X, f.nodes[i].Y = item.X, item.Y
			}
		}
	}
	return nil
}

func (f *fakeGateway) FindDanglingEdges(ctx context.Context, projectID string) ([]store.Edge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("FindDanglingEdges", projectID); err != nil {
		return nil, err
	}
	return gateway.DanglingEdges(f.nodes, f.edges), nil
}

func (f *fakeGateway) CleanupDanglingEdges(ctx context.Context, projectID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CleanupDanglingEdges", projectID); err != nil {
		return 0, err
	}
	dangling := gateway.DanglingEdges(f.nodes, f.edges)
	drop := make(map[string]bool, len(dangling))
	for _, edge := range dangling {
		drop[edge.ID] = true
	}
	kept := f.edges[:0]
	for _, edge := range f.edges {
		if !drop[edge.ID] {
			kept = append(kept, edge)
		}
	}
	f.edges = kept
	return len(dangling), nil
}

func (f *fakeGateway) LoadGraph(ctx context.Context, projectID string) (gateway.Graph, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("LoadGraph", projectID); err != nil {
		return gateway.Graph{}, err
	}
	return gateway.Graph{
		Nodes: append([]store.Node(nil), f.nodes...),
		Edges: append([]store.Edge(nil), f.edges...),
	}, nil
}

var _ Gateway = (*fakeGateway)(nil)
