package search

import (
	"context"

	"storymap/api/internal/store"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	NodeType  string `json:"nodeType"`
	Label     string `json:"label"`
	Snippet   string `json:"snippet"`
}

// Query describes a search request. ProjectID and UserID always scope it.
type Query struct {
	Text      string
	ProjectID string
	UserID    string
	NodeType  string // empty = all types
	Limit     int
	Offset    int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a node search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// NodeRecord is the data we index for a canvas node.
type NodeRecord struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	UserID    string `json:"userId"`
	NodeType  string `json:"nodeType"`
	Label     string `json:"label"`
	Content   string `json:"content"`
}

func RecordFromNode(node store.Node) NodeRecord {
	record := NodeRecord{
		ID:        node.ID,
		ProjectID: node.ProjectID,
		UserID:    node.UserID,
		NodeType:  string(node.NodeType),
		Label:     node.Label,
	}
	if node.Content != nil {
		record.Content = *node.Content
	}
	return record
}
