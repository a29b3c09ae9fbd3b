// Package gateway is the authoritative boundary for canvas graph mutations.
// Every operation authorizes the caller from the context, validates input,
// and scopes reads and writes to (project, user).
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"storymap/api/internal/auth"
	"storymap/api/internal/logger"
	"storymap/api/internal/store"
)

type graphStore interface {
	InsertNode(ctx context.Context, node store.Node) (store.Node, error)
	GetNode(ctx context.Context, projectID, userID, nodeID string) (store.Node, error)
	UpdateNode(ctx context.Context, projectID, userID, nodeID string, patch store.NodePatch, now time.Time) error
	DeleteNode(ctx context.Context, projectID, userID, nodeID string) error
	ListNodes(ctx context.Context, projectID, userID string) ([]store.Node, error)
	FindEdge(ctx context.Context, projectID, userID, sourceID, targetID string) (*store.Edge, error)
	InsertEdge(ctx context.Context, edge store.Edge) (store.Edge, error)
	UpdateEdge(ctx context.Context, projectID, userID, edgeID string, patch store.EdgePatch) error
	DeleteEdge(ctx context.Context, projectID, userID, edgeID string) error
	ListEdges(ctx context.Context, projectID, userID string) ([]store.Edge, error)
	Ping(ctx context.Context) error
}

// nodeIndex receives node changes for search. Calls must not block.
type nodeIndex interface {
	IndexNode(node store.Node)
	RemoveNode(nodeID string)
}

type NodeInput struct {
	NodeType string          `json:"node_type"`
	Label    string          `json:"label"`
	Content  *string         `json:"content,omitempty"`
	X        *float64        `json:"x,omitempty"`
	Y        *float64        `json:"y,omitempty"`
	Width    *float64        `json:"width,omitempty"`
	Height   *float64        `json:"height,omitempty"`
	Color    *string         `json:"color,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

type EdgeInput struct {
	SourceNodeID string  `json:"source_node_id"`
	TargetNodeID string  `json:"target_node_id"`
	Label        *string `json:"label,omitempty"`
	EdgeType     *string `json:"edge_type,omitempty"`
}

// EdgeResult reports Deduped when an edge for the same (source, target)
// already existed and no insert happened.
type EdgeResult struct {
	Edge    store.Edge `json:"edge"`
	Deduped bool       `json:"deduped"`
}

type Graph struct {
	Nodes []store.Node `json:"nodes"`
	Edges []store.Edge `json:"edges"`
}

type Service struct {
	store graphStore
	index nodeIndex
	log   *logger.Logger
	now   func() time.Time
	newID func() string
}

func New(graph graphStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{
		store: graph,
		log:   log,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// WithIndex attaches a search index that mirrors node changes.
func (s *Service) WithIndex(index nodeIndex) *Service {
	s.index = index
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) caller(ctx context.Context, projectID string) (auth.User, error) {
	user, ok := auth.UserFromContext(ctx)
	if !ok {
		return auth.User{}, unauthenticated()
	}
	if strings.TrimSpace(projectID) == "" {
		return auth.User{}, validation("project id is required")
	}
	return user, nil
}

func (s *Service) CreateNode(ctx context.Context, projectID string, in NodeInput) (store.Node, error) {
	user, err := s.caller(ctx, projectID)
	if err != nil {
		return store.Node{}, err
	}
	if len(in.Metadata) > 0 && !json.Valid(in.Metadata) {
		return store.Node{}, validation("metadata must be valid JSON")
	}

	now := s.now().UTC()
	node := store.Node{
		ID:        s.newID(),
		ProjectID: projectID,
		UserID:    user.ID,
		NodeType:  store.NormalizeNodeType(in.NodeType),
		Label:     strings.TrimSpace(in.Label),
		Content:   in.Content,
		X:         coordinate(in.X),
		Y:         coordinate(in.Y),
		Width:     dimension(in.Width, store.DefaultNodeWidth),
		Height:    dimension(in.Height, store.DefaultNodeHeight),
		Color:     in.Color,
		Metadata:  in.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}

	created, err := s.store.InsertNode(ctx, node)
	if err != nil {
		s.log.Error("create node failed", "project_id", projectID, "user_id", user.ID, "error", err)
		return store.Node{}, persistence("Could not create node", err)
	}
	if s.index != nil {
		s.index.IndexNode(created)
	}
	return created, nil
}

func (s *Service) UpdateNode(ctx context.Context, projectID, nodeID string, patch store.NodePatch) error {
	user, err := s.caller(ctx, projectID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(nodeID) == "" {
		return validation("node id is required")
	}
	if patch.NodeType != nil {
		normalized := store.NormalizeNodeType(string(*patch.NodeType))
		patch.NodeType = &normalized
	}
	if patch.Label != nil {
		trimmed := strings.TrimSpace(*patch.Label)
		patch.Label = &trimmed
	}
	if patch.Metadata != nil && len(*patch.Metadata) > 0 && !json.Valid(*patch.Metadata) {
		return validation("metadata must be valid JSON")
	}
	if patch.Width != nil {
		width := dimension(patch.Width, store.DefaultNodeWidth)
		patch.Width = &width
	}
	if patch.Height != nil {
		height := dimension(patch.Height, store.DefaultNodeHeight)
		patch.Height = &height
	}

	if err := s.store.UpdateNode(ctx, projectID, user.ID, nodeID, patch, s.now().UTC()); err != nil {
		return s.mutationError("update node", projectID, nodeID, err)
	}
	if s.index != nil && (patch.Label != nil || patch.Content != nil || patch.NodeType != nil) {
		if node, err := s.store.GetNode(ctx, projectID, user.ID, nodeID); err == nil {
			s.index.IndexNode(node)
		}
	}
	return nil
}

func (s *Service) DeleteNode(ctx context.Context, projectID, nodeID string) error {
	user, err := s.caller(ctx, projectID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(nodeID) == "" {
		return validation("node id is required")
	}
	indexed := false
	if s.index != nil {
		_, err := s.store.GetNode(ctx, projectID, user.ID, nodeID)
		indexed = err == nil
	}
	if err := s.store.DeleteNode(ctx, projectID, user.ID, nodeID); err != nil {
		return s.mutationError("delete node", projectID, nodeID, err)
	}
	if indexed {
		s.index.RemoveNode(nodeID)
	}
	return nil
}

// CreateEdge is idempotent per ordered (source, target) pair: a repeat
// returns the stored edge with Deduped set and performs no insert.
func (s *Service) CreateEdge(ctx context.Context, projectID string, in EdgeInput) (EdgeResult, error) {
	user, err := s.caller(ctx, projectID)
	if err != nil {
		return EdgeResult{}, err
	}
	source := strings.TrimSpace(in.SourceNodeID)
	target := strings.TrimSpace(in.TargetNodeID)
	if source == "" || target == "" {
		return EdgeResult{}, validation("edge requires both source_node_id and target_node_id")
	}
	if err := s.requireNodes(ctx, projectID, user.ID, source, target); err != nil {
		return EdgeResult{}, err
	}

	existing, err := s.store.FindEdge(ctx, projectID, user.ID, source, target)
	if err != nil {
		return EdgeResult{}, s.mutationError("look up edge", projectID, source+"->"+target, err)
	}
	if existing != nil {
		return EdgeResult{Edge: *existing, Deduped: true}, nil
	}

	edge := store.Edge{
		ID:           s.newID(),
		ProjectID:    projectID,
		UserID:       user.ID,
		SourceNodeID: source,
		TargetNodeID: target,
		Label:        in.Label,
		EdgeType:     in.EdgeType,
		CreatedAt:    s.now().UTC(),
	}
	created, err := s.store.InsertEdge(ctx, edge)
	if errors.Is(err, store.ErrDuplicateEdge) {
		// Lost a race with a concurrent create for the same pair.
		existing, findErr := s.store.FindEdge(ctx, projectID, user.ID, source, target)
		if findErr == nil && existing != nil {
			return EdgeResult{Edge: *existing, Deduped: true}, nil
		}
		if findErr != nil {
			err = findErr
		}
	}
	if err != nil {
		return EdgeResult{}, s.mutationError("create edge", projectID, source+"->"+target, err)
	}
	return EdgeResult{Edge: created}, nil
}

func (s *Service) UpdateEdge(ctx context.Context, projectID, edgeID string, patch store.EdgePatch) error {
	user, err := s.caller(ctx, projectID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(edgeID) == "" {
		return validation("edge id is required")
	}
	if (patch.SourceNodeID != nil && strings.TrimSpace(*patch.SourceNodeID) == "") ||
		(patch.TargetNodeID != nil && strings.TrimSpace(*patch.TargetNodeID) == "") {
		return validation("edge endpoints cannot be empty")
	}
	if patch.Empty() {
		return validation("edge update has no fields")
	}
	var endpoints []string
	if patch.SourceNodeID != nil {
		endpoints = append(endpoints, strings.TrimSpace(*patch.SourceNodeID))
	}
	if patch.TargetNodeID != nil {
		endpoints = append(endpoints, strings.TrimSpace(*patch.TargetNodeID))
	}
	if err := s.requireNodes(ctx, projectID, user.ID, endpoints...); err != nil {
		return err
	}
	if err := s.store.UpdateEdge(ctx, projectID, user.ID, edgeID, patch); err != nil {
		return s.mutationError("update edge", projectID, edgeID, err)
	}
	return nil
}

func (s *Service) DeleteEdge(ctx context.Context, projectID, edgeID string) error {
	user, err := s.caller(ctx, projectID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(edgeID) == "" {
		return validation("edge id is required")
	}
	if err := s.store.DeleteEdge(ctx, projectID, user.ID, edgeID); err != nil {
		return s.mutationError("delete edge", projectID, edgeID, err)
	}
	return nil
}

// UpdateNodePositions attempts every item even after a failure. The
// returned error reports the first failure and lists every failed id.
func (s *Service) UpdateNodePositions(ctx context.Context, projectID string, items []store.PositionUpdate) error {
	user, err := s.caller(ctx, projectID)
	if err != nil {
		return err
	}
	for _, item := range items {
		if strings.TrimSpace(item.ID) == "" {
			return validation("position update requires a node id")
		}
	}

	var (
		first  error
		failed []string
	)
	now := s.now().UTC()
	for _, item := range items {
		x, y := item.X, item.Y
		err := s.store.UpdateNode(ctx, projectID, user.ID, item.ID, store.NodePatch{X: &x, Y: &y}, now)
		if err == nil {
			continue
		}
		if first == nil {
			first = err
		}
		failed = append(failed, item.ID)
	}
	if first == nil {
		return nil
	}

	s.log.Warn("position batch partially failed",
		"project_id", projectID, "user_id", user.ID,
		"failed", len(failed), "total", len(items), "error", first)
	return &Error{
		Kind:      KindPartialBatch,
		Message:   fmt.Sprintf("%d of %d position updates failed", len(failed), len(items)),
		FailedIDs: failed,
		Err:       first,
	}
}

func (s *Service) LoadGraph(ctx context.Context, projectID string) (Graph, error) {
	user, err := s.caller(ctx, projectID)
	if err != nil {
		return Graph{}, err
	}
	return s.loadGraph(ctx, projectID, user.ID)
}

func (s *Service) loadGraph(ctx context.Context, projectID, userID string) (Graph, error) {
	nodes, err := s.store.ListNodes(ctx, projectID, userID)
	if err != nil {
		return Graph{}, persistence("Could not load nodes", err)
	}
	edges, err := s.store.ListEdges(ctx, projectID, userID)
	if err != nil {
		return Graph{}, persistence("Could not load edges", err)
	}
	return Graph{Nodes: nodes, Edges: edges}, nil
}

// FindDanglingEdges is the read-only half of the audit.
func (s *Service) FindDanglingEdges(ctx context.Context, projectID string) ([]store.Edge, error) {
	user, err := s.caller(ctx, projectID)
	if err != nil {
		return nil, err
	}
	graph, err := s.loadGraph(ctx, projectID, user.ID)
	if err != nil {
		return nil, err
	}
	return DanglingEdges(graph.Nodes, graph.Edges), nil
}

// CleanupDanglingEdges deletes exactly the edges found dangling at query
// time and returns how many were deleted. A repeat call deletes zero.
func (s *Service) CleanupDanglingEdges(ctx context.Context, projectID string) (int, error) {
	user, err := s.caller(ctx, projectID)
	if err != nil {
		return 0, err
	}
	graph, err := s.loadGraph(ctx, projectID, user.ID)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, edge := range DanglingEdges(graph.Nodes, graph.Edges) {
		if err := s.store.DeleteEdge(ctx, projectID, user.ID, edge.ID); err != nil {
			s.log.Error("dangling edge cleanup failed", "project_id", projectID, "edge_id", edge.ID, "deleted", deleted, "error", err)
			return deleted, persistence("Could not delete dangling edge", err)
		}
		deleted++
	}
	if deleted > 0 {
		s.log.Info("dangling edges removed", "project_id", projectID, "user_id", user.ID, "deleted", deleted)
	}
	return deleted, nil
}

// DanglingEdges returns the edges whose source or target is not in nodes.
func DanglingEdges(nodes []store.Node, edges []store.Edge) []store.Edge {
	ids := make(map[string]struct{}, len(nodes))
	for _, node := range nodes {
		ids[node.ID] = struct{}{}
	}
	dangling := make([]store.Edge, 0)
	for _, edge := range edges {
		_, hasSource := ids[edge.SourceNodeID]
		_, hasTarget := ids[edge.TargetNodeID]
		if !hasSource || !hasTarget {
			dangling = append(dangling, edge)
		}
	}
	return dangling
}

// requireNodes reports a validation error unless every id names a node of
// the caller in the project.
func (s *Service) requireNodes(ctx context.Context, projectID, userID string, ids ...string) error {
	for _, id := range ids {
		if _, err := s.store.GetNode(ctx, projectID, userID, id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return validation(fmt.Sprintf("node %s does not exist in this project", id))
			}
			return s.mutationError("look up node", projectID, id, err)
		}
	}
	return nil
}

func (s *Service) mutationError(op, projectID, id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return notFound(fmt.Sprintf("Could not %s: not found", op), err)
	}
	if errors.Is(err, store.ErrDuplicateEdge) {
		return persistence(fmt.Sprintf("Could not %s: a connection between these nodes already exists", op), err)
	}
	s.log.Error(op+" failed", "project_id", projectID, "id", id, "error", err)
	return persistence(fmt.Sprintf("Could not %s", op), err)
}

func coordinate(value *float64) float64 {
	if value == nil || math.IsNaN(*value) || math.IsInf(*value, 0) {
		return 0
	}
	return *value
}

func dimension(value *float64, fallback float64) float64 {
	if value == nil || math.IsNaN(*value) || math.IsInf(*value, 0) || *value <= 0 {
		return fallback
	}
	return *value
}
