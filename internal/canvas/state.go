package canvas

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"storymap/api/internal/gateway"
	"storymap/api/internal/store"
)

const (
	StatusConnected          = "connected"
	StatusAlreadyConnected   = "already connected"
	StatusConnectionUpdated  = "connection updated"
	StatusConnectionRemoved  = "connection removed"
	StatusPositionsSaved     = "positions saved"
	StatusPositionSaveFailed = "Save failed. Retry to persist node positions."
	StatusSignedOut          = "You are signed out. Sign in again to keep editing."
)

var ErrNoPendingRetry = errors.New("canvas: nothing to retry")

type positionSaver interface {
	retryPositions(ctx context.Context, items []store.PositionUpdate) error
}

// State is the canvas the UI renders from. It only changes after the
// gateway confirms a mutation; failures leave nodes and edges untouched and
// record a PendingRetry instead.
type State struct {
	gw        Gateway
	projectID string

	mu        sync.Mutex
	nodes     []store.Node
	edges     []store.Edge
	status    string
	lastErr   error
	retry     *PendingRetry
	positions positionSaver
}

// Snapshot is a copy of the state safe to hand to renderers.
type Snapshot struct {
	ProjectID string
	Nodes     []store.Node
	Edges     []store.Edge
	Status    string
	Err       error
	Retry     *PendingRetry
}

func NewState(gw Gateway, projectID string) *State {
	return &State{gw: gw, projectID: projectID}
}

func (s *State) ProjectID() string {
	return s.projectID
}

func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ProjectID: s.projectID,
		Nodes:     append([]store.Node(nil), s.nodes...),
		Edges:     append([]store.Edge(nil), s.edges...),
		Status:    s.status,
		Err:       s.lastErr,
	}
	if s.retry != nil {
		retry := *s.retry
		snap.Retry = &retry
	}
	return snap
}

// Load replaces the local graph with the authoritative one.
func (s *State) Load(ctx context.Context) error {
	graph, err := s.gw.LoadGraph(ctx, s.projectID)
	if err != nil {
		s.fail("load the canvas", err, &PendingRetry{Op: OpLoad, ProjectID: s.projectID})
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = append([]store.Node(nil), graph.Nodes...)
	s.edges = append([]store.Edge(nil), graph.Edges...)
	s.succeedLocked("")
	return nil
}

func (s *State) CreateNode(ctx context.Context, in gateway.NodeInput) (store.Node, error) {
	node, err := s.gw.CreateNode(ctx, s.projectID, in)
	if err != nil {
		input := in
		s.fail("add the node", err, &PendingRetry{Op: OpCreateNode, ProjectID: s.projectID, NodeInput: &input})
		return store.Node{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addNodeLocked(node)
	s.succeedLocked("node added")
	return node, nil
}

func (s *State) UpdateNode(ctx context.Context, nodeID string, patch store.NodePatch) error {
	if err := s.gw.UpdateNode(ctx, s.projectID, nodeID, patch); err != nil {
		p := patch
		s.fail("update the node", err, &PendingRetry{Op: OpUpdateNode, ProjectID: s.projectID, NodeID: nodeID, NodePatch: &p})
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.nodeIndexLocked(nodeID); i >= 0 {
		patch.Apply(&s.nodes[i])
	}
	s.succeedLocked("node updated")
	return nil
}

// DeleteNode removes the node, then deletes every local edge touching it.
// Edge deletes are best effort; the auditor reports any left behind remotely.
func (s *State) DeleteNode(ctx context.Context, nodeID string) error {
	if err := s.gw.DeleteNode(ctx, s.projectID, nodeID); err != nil {
		s.fail("delete the node", err, &PendingRetry{Op: OpDeleteNode, ProjectID: s.projectID, NodeID: nodeID})
		return err
	}
	s.mu.Lock()
	if i := s.nodeIndexLocked(nodeID); i >= 0 {
		s.nodes = append(s.nodes[:i], s.nodes[i+1:]...)
	}
	var touching []string
	kept := s.edges[:0]
	for _, edge := range s.edges {
		if edge.SourceNodeID == nodeID || edge.TargetNodeID == nodeID {
			touching = append(touching, edge.ID)
			continue
		}
		kept = append(kept, edge)
	}
	s.edges = kept
	s.succeedLocked("node deleted")
	s.mu.Unlock()

	for _, edgeID := range touching {
		_ = s.gw.DeleteEdge(ctx, s.projectID, edgeID)
	}
	return nil
}

// Connect creates an edge. Repeated connect gestures for the same pair
// resolve to the existing edge and never duplicate it locally.
func (s *State) Connect(ctx context.Context, in gateway.EdgeInput) (store.Edge, error) {
	result, err := s.gw.CreateEdge(ctx, s.projectID, in)
	if err != nil {
		input := in
		s.fail("connect the nodes", err, &PendingRetry{Op: OpConnect, ProjectID: s.projectID, EdgeInput: &input})
		return store.Edge{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addEdgeLocked(result.Edge)
	if result.Deduped {
		s.succeedLocked(StatusAlreadyConnected)
	} else {
		s.succeedLocked(StatusConnected)
	}
	return result.Edge, nil
}

func (s *State) UpdateEdge(ctx context.Context, edgeID string, patch store.EdgePatch) error {
	if err := s.gw.UpdateEdge(ctx, s.projectID, edgeID, patch); err != nil {
		p := patch
		s.fail("update the connection", err, &PendingRetry{Op: OpUpdateEdge, ProjectID: s.projectID, EdgeID: edgeID, EdgePatch: &p})
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.edgeIndexLocked(edgeID); i >= 0 {
		patch.Apply(&s.edges[i])
	}
	s.succeedLocked("connection saved")
	return nil
}

// Reconnect moves both endpoints of an existing edge in one update.
func (s *State) Reconnect(ctx context.Context, edgeID, sourceID, targetID string) error {
	sourceID = strings.TrimSpace(sourceID)
	targetID = strings.TrimSpace(targetID)
	patch := store.EdgePatch{SourceNodeID: &sourceID, TargetNodeID: &targetID}
	if err := s.gw.UpdateEdge(ctx, s.projectID, edgeID, patch); err != nil {
		s.fail("reconnect", err, &PendingRetry{Op: OpReconnect, ProjectID: s.projectID, EdgeID: edgeID, EdgePatch: &patch})
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.edgeIndexLocked(edgeID); i >= 0 {
		s.edges[i].SourceNodeID = sourceID
		s.edges[i].TargetNodeID = targetID
	}
	s.succeedLocked(StatusConnectionUpdated)
	return nil
}

// AbandonReconnect handles an edge dropped on empty canvas by deleting it.
func (s *State) AbandonReconnect(ctx context.Context, edgeID string) error {
	return s.DeleteEdge(ctx, edgeID)
}

func (s *State) DeleteEdge(ctx context.Context, edgeID string) error {
	if err := s.gw.DeleteEdge(ctx, s.projectID, edgeID); err != nil {
		s.fail("remove the connection", err, &PendingRetry{Op: OpDeleteEdge, ProjectID: s.projectID, EdgeID: edgeID})
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.edgeIndexLocked(edgeID); i >= 0 {
		s.edges = append(s.edges[:i], s.edges[i+1:]...)
	}
	s.succeedLocked(StatusConnectionRemoved)
	return nil
}

// MoveNodeLocal updates a node position without persisting it. It reports
// whether the node exists.
func (s *State) MoveNodeLocal(nodeID string, x, y float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.nodeIndexLocked(nodeID)
	if i < 0 {
		return false
	}
	s.nodes[i].X = x
	s.nodes[i].Y = y
	return true
}

// SavePositions persists a position batch. Local positions are kept on
// failure; only persistence is retried.
func (s *State) SavePositions(ctx context.Context, items []store.PositionUpdate) error {
	if len(items) == 0 {
		return nil
	}
	if err := s.gw.UpdateNodePositions(ctx, s.projectID, items); err != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		// An earlier failed batch stays owed; newer positions win per node.
		var owed []store.PositionUpdate
		if s.retry != nil && s.retry.Op == OpSavePositions {
			owed = s.retry.Positions
		}
		retry := &PendingRetry{Op: OpSavePositions, ProjectID: s.projectID, Positions: mergePositions(owed, items)}
		s.lastErr = err
		s.retry = retry
		if gateway.IsUnauthenticated(err) {
			s.status = StatusSignedOut
		} else {
			s.status = StatusPositionSaveFailed
		}
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retry != nil && s.retry.Op == OpSavePositions {
		s.retry = pruneOwed(s.retry, items)
	}
	s.succeedLocked(StatusPositionsSaved)
	return nil
}

// CleanupDanglingEdges deletes dangling edges remotely and then drops every
// local edge whose endpoints are not both present.
func (s *State) CleanupDanglingEdges(ctx context.Context) (int, error) {
	deleted, err := s.gw.CleanupDanglingEdges(ctx, s.projectID)
	if err != nil {
		s.fail("clean up broken connections", err, &PendingRetry{Op: OpCleanupDangling, ProjectID: s.projectID})
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	dangling := gateway.DanglingEdges(s.nodes, s.edges)
	if len(dangling) > 0 {
		drop := make(map[string]struct{}, len(dangling))
		for _, edge := range dangling {
			drop[edge.ID] = struct{}{}
		}
		kept := s.edges[:0]
		for _, edge := range s.edges {
			if _, ok := drop[edge.ID]; !ok {
				kept = append(kept, edge)
			}
		}
		s.edges = kept
	}
	s.succeedLocked(fmt.Sprintf("Removed %d broken connections", deleted))
	return deleted, nil
}

// Retry replays the pending retry exactly as it was first issued.
func (s *State) Retry(ctx context.Context) error {
	s.mu.Lock()
	pending := s.retry
	saver := s.positions
	s.mu.Unlock()
	if pending == nil {
		return ErrNoPendingRetry
	}
	if err := s.replay(ctx, *pending, saver); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retry == pending {
		s.retry = nil
	}
	return nil
}

func (s *State) replay(ctx context.Context, r PendingRetry, saver positionSaver) error {
	if r.ProjectID != "" && r.ProjectID != s.projectID {
		return fmt.Errorf("canvas: retry for project %s cannot run on %s", r.ProjectID, s.projectID)
	}
	switch r.Op {
	case OpLoad:
		return s.Load(ctx)
	case OpCreateNode:
		if r.NodeInput == nil {
			return fmt.Errorf("canvas: retry %s has no node input", r.Op)
		}
		_, err := s.CreateNode(ctx, *r.NodeInput)
		return err
	case OpUpdateNode:
		if r.NodePatch == nil {
			return fmt.Errorf("canvas: retry %s has no node patch", r.Op)
		}
		return s.UpdateNode(ctx, r.NodeID, *r.NodePatch)
	case OpDeleteNode:
		return s.DeleteNode(ctx, r.NodeID)
	case OpConnect:
		if r.EdgeInput == nil {
			return fmt.Errorf("canvas: retry %s has no edge input", r.Op)
		}
		_, err := s.Connect(ctx, *r.EdgeInput)
		return err
	case OpUpdateEdge:
		if r.EdgePatch == nil {
			return fmt.Errorf("canvas: retry %s has no edge patch", r.Op)
		}
		return s.UpdateEdge(ctx, r.EdgeID, *r.EdgePatch)
	case OpReconnect:
		if r.EdgePatch == nil || r.EdgePatch.SourceNodeID == nil || r.EdgePatch.TargetNodeID == nil {
			return fmt.Errorf("canvas: retry %s has no endpoints", r.Op)
		}
		return s.Reconnect(ctx, r.EdgeID, *r.EdgePatch.SourceNodeID, *r.EdgePatch.TargetNodeID)
	case OpDeleteEdge:
		return s.DeleteEdge(ctx, r.EdgeID)
	case OpSavePositions:
		if saver != nil {
			return saver.retryPositions(ctx, r.Positions)
		}
		return s.SavePositions(ctx, r.Positions)
	case OpCleanupDangling:
		_, err := s.CleanupDanglingEdges(ctx)
		return err
	default:
		return fmt.Errorf("canvas: unknown retry op %q", r.Op)
	}
}

// RetryFrom replays a retry decoded from elsewhere, e.g. a saved session.
func (s *State) RetryFrom(ctx context.Context, r PendingRetry) error {
	s.mu.Lock()
	saver := s.positions
	s.mu.Unlock()
	return s.replay(ctx, r, saver)
}

func (s *State) setStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

func (s *State) attachPositions(saver positionSaver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions = saver
}

// mergeCommitted adds a committed subgraph in one step.
func (s *State) mergeCommitted(nodes []store.Node, edges []store.Edge, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, node := range nodes {
		s.addNodeLocked(node)
	}
	for _, edge := range edges {
		s.addEdgeLocked(edge)
	}
	s.succeedLocked(status)
}

// layoutOrigin is the top-left corner for generated nodes: left aligned with
// the existing graph and below its lowest node.
func (s *State) layoutOrigin() (float64, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.nodes) == 0 {
		return 0, 0
	}
	minX := s.nodes[0].X
	bottom := s.nodes[0].Y + s.nodes[0].Height
	for _, node := range s.nodes[1:] {
		if node.X < minX {
			minX = node.X
		}
		if node.Y+node.Height > bottom {
			bottom = node.Y + node.Height
		}
	}
	return minX, bottom + gridMargin
}

func (s *State) fail(action string, err error, retry *PendingRetry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err
	switch gateway.KindOf(err) {
	case gateway.KindUnauthenticated:
		s.status = StatusSignedOut
		s.retry = retry
	case gateway.KindValidation:
		// Replaying invalid input would fail the same way.
		s.status = fmt.Sprintf("Could not %s: %s", action, gateway.MessageOf(err))
		s.retry = nil
	default:
		s.status = fmt.Sprintf("Could not %s: %s. Retry?", action, gateway.MessageOf(err))
		s.retry = retry
	}
}

// succeedLocked keeps any pending retry; only a successful replay clears it.
func (s *State) succeedLocked(status string) {
	s.status = status
	s.lastErr = nil
}

func (s *State) addNodeLocked(node store.Node) {
	if s.nodeIndexLocked(node.ID) < 0 {
		s.nodes = append(s.nodes, node)
	}
}

func (s *State) addEdgeLocked(edge store.Edge) {
	if s.edgeIndexLocked(edge.ID) < 0 {
		s.edges = append(s.edges, edge)
	}
}

func (s *State) nodeIndexLocked(id string) int {
	for i := range s.nodes {
		if s.nodes[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *State) edgeIndexLocked(id string) int {
	for i := range s.edges {
		if s.edges[i].ID == id {
			return i
		}
	}
	return -1
}

func mergePositions(base, newer []store.PositionUpdate) []store.PositionUpdate {
	merged := make([]store.PositionUpdate, 0, len(base)+len(newer))
	index := make(map[string]int, len(base)+len(newer))
	for _, list := range [][]store.PositionUpdate{base, newer} {
		for _, item := range list {
			if i, ok := index[item.ID]; ok {
				merged[i] = item
				continue
			}
			index[item.ID] = len(merged)
			merged = append(merged, item)
		}
	}
	return merged
}

// pruneOwed drops saved ids from an owed position batch. It returns nil once
// nothing is owed.
func pruneOwed(owed *PendingRetry, saved []store.PositionUpdate) *PendingRetry {
	done := make(map[string]struct{}, len(saved))
	for _, item := range saved {
		done[item.ID] = struct{}{}
	}
	var left []store.PositionUpdate
	for _, item := range owed.Positions {
		if _, ok := done[item.ID]; !ok {
			left = append(left, item)
		}
	}
	if len(left) == 0 {
		return nil
	}
	if len(left) == len(owed.Positions) {
		return owed
	}
	pruned := *owed
	pruned.Positions = left
	return &pruned
}
