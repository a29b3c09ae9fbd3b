// Package canvas holds the client-side view of a project's story map. It
// applies gateway mutations optimistically, batches drag positions, commits
// generated subgraphs with compensation, and audits dangling edges.
package canvas

import (
	"context"

	"storymap/api/internal/gateway"
	"storymap/api/internal/store"
)

// Gateway is the set of graph operations the canvas depends on. The
// in-process *gateway.Service and the HTTP client both satisfy it. The
// caller identity travels in ctx.
type Gateway interface {
	CreateNode(ctx context.Context, projectID string, in gateway.NodeInput) (store.Node, error)
	UpdateNode(ctx context.Context, projectID, nodeID string, patch store.NodePatch) error
	DeleteNode(ctx context.Context, projectID, nodeID string) error
	CreateEdge(ctx context.Context, projectID string, in gateway.EdgeInput) (gateway.EdgeResult, error)
	UpdateEdge(ctx context.Context, projectID, edgeID string, patch store.EdgePatch) error
	DeleteEdge(ctx context.Context, projectID, edgeID string) error
	UpdateNodePositions(ctx context.Context, projectID string, items []store.PositionUpdate) error
	FindDanglingEdges(ctx context.Context, projectID string) ([]store.Edge, error)
	CleanupDanglingEdges(ctx context.Context, projectID string) (int, error)
	LoadGraph(ctx context.Context, projectID string) (gateway.Graph, error)
}

var _ Gateway = (*gateway.Service)(nil)
