package search

import (
	"context"

	"storymap/api/internal/logger"
	"storymap/api/internal/store"
)

type nodeIndex interface {
	Searcher
	IndexNodes(records []NodeRecord) error
	DeleteNode(id string) error
}

type allNodesLister interface {
	ListAllNodes(ctx context.Context) ([]store.Node, error)
}

// Service is the facade that tries Meilisearch first and falls back to SQL.
type Service struct {
	index    nodeIndex
	fallback Searcher
	log      *logger.Logger
}

// NewService creates a search service. index may be nil if Meilisearch is
// not configured.
func NewService(index nodeIndex, fallback Searcher, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{index: index, fallback: fallback, log: log}
}

// NewMeiliService wires a Meili client, treating a nil client as "not
// configured" rather than as a typed nil interface.
func NewMeiliService(m *Meili, fallback Searcher, log *logger.Logger) *Service {
	if m == nil {
		return NewService(nil, fallback, log)
	}
	return NewService(m, fallback, log)
}

func (s *Service) indexReady() bool {
	return s.index != nil && s.index.Healthy()
}

// Search tries the index if healthy, otherwise falls back to SQL.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.indexReady() {
		results, total, err := s.index.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn("meilisearch error, falling back to sql search", "error", err)
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.log.Error("sql search failed", "project_id", q.ProjectID, "error", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexNode indexes a node (fire-and-forget).
func (s *Service) IndexNode(node store.Node) {
	if !s.indexReady() {
		return
	}
	record := RecordFromNode(node)
	go func() {
		if err := s.index.IndexNodes([]NodeRecord{record}); err != nil {
			s.log.Warn("index node failed", "node_id", record.ID, "error", err)
		}
	}()
}

// RemoveNode removes a node from the index (fire-and-forget).
func (s *Service) RemoveNode(nodeID string) {
	if !s.indexReady() {
		return
	}
	go func() {
		if err := s.index.DeleteNode(nodeID); err != nil {
			s.log.Warn("remove node from index failed", "node_id", nodeID, "error", err)
		}
	}()
}

// ReindexAll pushes every stored node into the index and returns how many
// records were sent.
func (s *Service) ReindexAll(ctx context.Context, nodes allNodesLister) (int, error) {
	if !s.indexReady() || nodes == nil {
		return 0, nil
	}
	all, err := nodes.ListAllNodes(ctx)
	if err != nil {
		return 0, err
	}
	records := make([]NodeRecord, 0, len(all))
	for _, node := range all {
		records = append(records, RecordFromNode(node))
	}
	if err := s.index.IndexNodes(records); err != nil {
		return 0, err
	}
	return len(records), nil
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
