package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

// OpenSQLite opens a local SQLite database and ensures the canvas schema
// exists. SQLite allows a single writer, so the pool is capped at one
// connection.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite %s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	return db, nil
}

// sqliteSchema mirrors db/migrations/0001_canvas.up.sql. Edges carry no
// foreign key to nodes; dangling edges are found by the auditor.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS canvas_nodes (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	node_type TEXT NOT NULL DEFAULT 'beat',
	label TEXT NOT NULL DEFAULT '',
	content TEXT,
	x REAL NOT NULL DEFAULT 0,
	y REAL NOT NULL DEFAULT 0,
	width REAL NOT NULL DEFAULT 200,
	height REAL NOT NULL DEFAULT 100,
	color TEXT,
	metadata TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_canvas_nodes_scope ON canvas_nodes(project_id, user_id);

CREATE TABLE IF NOT EXISTS canvas_edges (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	source_node_id TEXT NOT NULL,
	target_node_id TEXT NOT NULL,
	label TEXT,
	edge_type TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_canvas_edges_scope ON canvas_edges(project_id, user_id);
CREATE UNIQUE INDEX IF NOT EXISTS uq_canvas_edges_pair ON canvas_edges(project_id, user_id, source_node_id, target_node_id);
`
