package canvas

import (
	"context"
	"fmt"

	"storymap/api/internal/gateway"
	"storymap/api/internal/store"
)

// Auditor finds edges whose source or target node no longer exists.
type Auditor struct {
	state *State
}

func NewAuditor(state *State) *Auditor {
	return &Auditor{state: state}
}

// DetectLocal checks the local graph only; it drives the warning banner.
func (a *Auditor) DetectLocal() []store.Edge {
	snap := a.state.Snapshot()
	return gateway.DanglingEdges(snap.Nodes, snap.Edges)
}

// Detect asks the gateway which stored edges are dangling. It never mutates.
func (a *Auditor) Detect(ctx context.Context) ([]store.Edge, error) {
	edges, err := a.state.gw.FindDanglingEdges(ctx, a.state.ProjectID())
	if err != nil {
		return nil, err
	}
	if len(edges) > 0 {
		a.state.setStatus(Warning(len(edges)))
	}
	return edges, nil
}

// Cleanup deletes the dangling edges remotely and prunes them locally.
// Calling it again once clean deletes nothing.
func (a *Auditor) Cleanup(ctx context.Context) (int, error) {
	return a.state.CleanupDanglingEdges(ctx)
}

// Warning is the banner text for count dangling edges.
func Warning(count int) string {
	if count == 1 {
		return "1 connection points to a missing node. Fix now?"
	}
	return fmt.Sprintf("%d connections point to missing nodes. Fix now?", count)
}
