package search

import (
	"context"
	"strings"
	"unicode/utf8"

	"storymap/api/internal/store"
)

const snippetRunes = 120

type nodeSearcher interface {
	SearchNodes(ctx context.Context, projectID, userID, text string, limit int) ([]store.Node, error)
}

// SQLSearch implements Searcher with substring matching in the graph store.
// It is the fallback when Meilisearch is not configured or unhealthy.
type SQLSearch struct {
	nodes nodeSearcher
}

func NewSQLSearch(nodes nodeSearcher) *SQLSearch {
	return &SQLSearch{nodes: nodes}
}

// Healthy always returns true; if the database is down, the whole app is down.
func (s *SQLSearch) Healthy() bool {
	return true
}

func (s *SQLSearch) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	nodes, err := s.nodes.SearchNodes(ctx, q.ProjectID, q.UserID, q.Text, offset+limit)
	if err != nil {
		return nil, 0, err
	}

	results := make([]Result, 0, len(nodes))
	for _, node := range nodes {
		if q.NodeType != "" && string(node.NodeType) != q.NodeType {
			continue
		}
		results = append(results, Result{
			ID:        node.ID,
			ProjectID: node.ProjectID,
			NodeType:  string(node.NodeType),
			Label:     node.Label,
			Snippet:   snippet(node.Content),
		})
	}
	total := len(results)
	if offset >= len(results) {
		return []Result{}, total, nil
	}
	return results[offset:], total, nil
}

func snippet(content *string) string {
	if content == nil {
		return ""
	}
	text := strings.TrimSpace(*content)
	if utf8.RuneCountInString(text) <= snippetRunes {
		return text
	}
	return string([]rune(text)[:snippetRunes]) + "…"
}
