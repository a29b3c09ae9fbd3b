package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const nodeColumns = `id, project_id, user_id, node_type, label, content, x, y, width, height, color, metadata, created_at, updated_at`

const edgeColumns = `id, project_id, user_id, source_node_id, target_node_id, label, edge_type, created_at`

// GraphStore persists canvas nodes and edges. Every query is scoped by
// project and user.
type GraphStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewPostgresStore(db *sql.DB) *GraphStore {
	return &GraphStore{db: db, dialect: DialectPostgres}
}

func NewSQLiteStore(db *sql.DB) *GraphStore {
	return &GraphStore{db: db, dialect: DialectSQLite}
}

func (s *GraphStore) DB() *sql.DB {
	return s.db
}

func (s *GraphStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *GraphStore) InsertNode(ctx context.Context, node Node) (Node, error) {
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO canvas_nodes (`+nodeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`),
		node.ID, node.ProjectID, node.UserID, string(node.NodeType), node.Label,
		nullableString(node.Content), node.X, node.Y, node.Width, node.Height,
		nullableString(node.Color), nullableJSON(node.Metadata),
		s.dialect.timeArg(node.CreatedAt), s.dialect.timeArg(node.UpdatedAt),
	)
	if err != nil {
		return Node{}, fmt.Errorf("insert node: %w", err)
	}
	return node, nil
}

func (s *GraphStore) GetNode(ctx context.Context, projectID, userID, nodeID string) (Node, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT `+nodeColumns+`
		FROM canvas_nodes
		WHERE project_id=$1 AND user_id=$2 AND id=$3
	`), projectID, userID, nodeID)
	node, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Node{}, ErrNotFound
	}
	if err != nil {
		return Node{}, fmt.Errorf("get node: %w", err)
	}
	return node, nil
}

// UpdateNode applies patch and stamps updated_at. ErrNotFound is returned
// when no row matches the (project, user, id) scope.
func (s *GraphStore) UpdateNode(ctx context.Context, projectID, userID, nodeID string, patch NodePatch, now time.Time) error {
	var sets []string
	var args []any
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s=$%d", column, len(args)))
	}
	if patch.NodeType != nil {
		add("node_type", string(*patch.NodeType))
	}
	if patch.Label != nil {
		add("label", *patch.Label)
	}
	if patch.Content != nil {
		add("content", *patch.Content)
	}
	if patch.X != nil {
		add("x", *patch.X)
	}
	if patch.Y != nil {
		add("y", *patch.Y)
	}
	if patch.Width != nil {
		add("width", *patch.Width)
	}
	if patch.Height != nil {
		add("height", *patch.Height)
	}
	if patch.Color != nil {
		add("color", *patch.Color)
	}
	if patch.Metadata != nil {
		add("metadata", nullableJSON(*patch.Metadata))
	}
	add("updated_at", s.dialect.timeArg(now))

	args = append(args, projectID, userID, nodeID)
	n := len(args)
	query := fmt.Sprintf(`UPDATE canvas_nodes SET %s WHERE project_id=$%d AND user_id=$%d AND id=$%d`,
		strings.Join(sets, ", "), n-2, n-1, n)

	result, err := s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("update node: %w", err)
	}
	return expectRow(result, "update node")
}

// DeleteNode removes the node if present. Deleting a missing node is not an
// error so rollback and cleanup can be repeated.
func (s *GraphStore) DeleteNode(ctx context.Context, projectID, userID, nodeID string) error {
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		DELETE FROM canvas_nodes WHERE project_id=$1 AND user_id=$2 AND id=$3
	`), projectID, userID, nodeID)
	if err != nil {
		return fmt.Errorf("delete node: %w", err)
	}
	return nil
}

func (s *GraphStore) ListNodes(ctx context.Context, projectID, userID string) ([]Node, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		SELECT `+nodeColumns+`
		FROM canvas_nodes
		WHERE project_id=$1 AND user_id=$2
		ORDER BY created_at ASC, id ASC
	`), projectID, userID)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	items := make([]Node, 0)
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		items = append(items, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}
	return items, nil
}

// ListAllNodes returns every node across projects, oldest first. Used to
// rebuild the search index.
func (s *GraphStore) ListAllNodes(ctx context.Context) ([]Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+nodeColumns+`
		FROM canvas_nodes
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list all nodes: %w", err)
	}
	defer rows.Close()

	items := make([]Node, 0)
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		items = append(items, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}
	return items, nil
}

// SearchNodes matches label or content by substring. Used when the search
// index is unavailable.
func (s *GraphStore) SearchNodes(ctx context.Context, projectID, userID, text string, limit int) ([]Node, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + escapeLike(strings.TrimSpace(text)) + "%"
	like := s.dialect.likeOperator()
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		SELECT `+nodeColumns+`
		FROM canvas_nodes
		WHERE project_id=$1 AND user_id=$2
			AND (label `+like+` $3 ESCAPE '\' OR coalesce(content, '') `+like+` $4 ESCAPE '\')
		ORDER BY updated_at DESC
		LIMIT $5
	`), projectID, userID, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search nodes: %w", err)
	}
	defer rows.Close()

	items := make([]Node, 0)
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		items = append(items, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}
	return items, nil
}

// FindEdge returns the edge for an ordered (source, target) pair, or nil.
func (s *GraphStore) FindEdge(ctx context.Context, projectID, userID, sourceID, targetID string) (*Edge, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT `+edgeColumns+`
		FROM canvas_edges
		WHERE project_id=$1 AND user_id=$2 AND source_node_id=$3 AND target_node_id=$4
		LIMIT 1
	`), projectID, userID, sourceID, targetID)
	edge, err := scanEdge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find edge: %w", err)
	}
	return &edge, nil
}

// InsertEdge returns ErrDuplicateEdge when the pair already exists.
func (s *GraphStore) InsertEdge(ctx context.Context, edge Edge) (Edge, error) {
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO canvas_edges (`+edgeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`),
		edge.ID, edge.ProjectID, edge.UserID, edge.SourceNodeID, edge.TargetNodeID,
		nullableString(edge.Label), nullableString(edge.EdgeType), s.dialect.timeArg(edge.CreatedAt),
	)
	if isUniqueViolation(err) {
		return Edge{}, ErrDuplicateEdge
	}
	if err != nil {
		return Edge{}, fmt.Errorf("insert edge: %w", err)
	}
	return edge, nil
}

func (s *GraphStore) UpdateEdge(ctx context.Context, projectID, userID, edgeID string, patch EdgePatch) error {
	var sets []string
	var args []any
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s=$%d", column, len(args)))
	}
	if patch.SourceNodeID != nil {
		add("source_node_id", *patch.SourceNodeID)
	}
	if patch.TargetNodeID != nil {
		add("target_node_id", *patch.TargetNodeID)
	}
	if patch.Label != nil {
		add("label", *patch.Label)
	}
	if patch.EdgeType != nil {
		add("edge_type", *patch.EdgeType)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, projectID, userID, edgeID)
	n := len(args)
	query := fmt.Sprintf(`UPDATE canvas_edges SET %s WHERE project_id=$%d AND user_id=$%d AND id=$%d`,
		strings.Join(sets, ", "), n-2, n-1, n)

	result, err := s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
	if isUniqueViolation(err) {
		return ErrDuplicateEdge
	}
	if err != nil {
		return fmt.Errorf("update edge: %w", err)
	}
	return expectRow(result, "update edge")
}

func (s *GraphStore) DeleteEdge(ctx context.Context, projectID, userID, edgeID string) error {
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		DELETE FROM canvas_edges WHERE project_id=$1 AND user_id=$2 AND id=$3
	`), projectID, userID, edgeID)
	if err != nil {
		return fmt.Errorf("delete edge: %w", err)
	}
	return nil
}

func (s *GraphStore) ListEdges(ctx context.Context, projectID, userID string) ([]Edge, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		SELECT `+edgeColumns+`
		FROM canvas_edges
		WHERE project_id=$1 AND user_id=$2
		ORDER BY created_at ASC, id ASC
	`), projectID, userID)
	if err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	defer rows.Close()

	items := make([]Edge, 0)
	for rows.Next() {
		edge, err := scanEdge(rows)
		if err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		items = append(items, edge)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate edges: %w", err)
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(scanner rowScanner) (Node, error) {
	var (
		node     Node
		nodeType string
		content  sql.NullString
		color    sql.NullString
		metadata sql.NullString
	)
	err := scanner.Scan(
		&node.ID, &node.ProjectID, &node.UserID, &nodeType, &node.Label, &content,
		&node.X, &node.Y, &node.Width, &node.Height, &color, &metadata,
		timeValue{&node.CreatedAt}, timeValue{&node.UpdatedAt},
	)
	if err != nil {
		return Node{}, err
	}
	node.NodeType = NormalizeNodeType(nodeType)
	if content.Valid {
		node.Content = &content.String
	}
	if color.Valid {
		node.Color = &color.String
	}
	if metadata.Valid && metadata.String != "" {
		node.Metadata = json.RawMessage(metadata.String)
	}
	return node, nil
}

func scanEdge(scanner rowScanner) (Edge, error) {
	var (
		edge     Edge
		label    sql.NullString
		edgeType sql.NullString
	)
	err := scanner.Scan(
		&edge.ID, &edge.ProjectID, &edge.UserID, &edge.SourceNodeID, &edge.TargetNodeID,
		&label, &edgeType, timeValue{&edge.CreatedAt},
	)
	if err != nil {
		return Edge{}, err
	}
	if label.Valid {
		edge.Label = &label.String
	}
	if edgeType.Valid {
		edge.EdgeType = &edgeType.String
	}
	return edge, nil
}

func expectRow(result sql.Result, op string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func nullableString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableJSON(value json.RawMessage) any {
	if len(value) == 0 {
		return nil
	}
	return string(value)
}

func escapeLike(value string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(value)
}
