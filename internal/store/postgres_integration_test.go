package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func getTestDatabaseURL(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("CANVAS_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("CANVAS_TEST_DATABASE_URL is not set")
	}
	return dsn
}

func TestPostgresEdgePairIsUnique(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := Open(ctx, getTestDatabaseURL(t))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	defer db.Close()

	if _, err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	s := NewPostgresStore(db)
	projectID := "it-" + uuid.NewString()
	edge := Edge{ID: uuid.NewString(), ProjectID: projectID, UserID: "u1", SourceNodeID: "a", TargetNodeID: "b", CreatedAt: time.Now()}
	if _, err := s.InsertEdge(ctx, edge); err != nil {
		t.Fatalf("InsertEdge() error = %v", err)
	}
	defer func() { _, _ = db.ExecContext(ctx, `DELETE FROM canvas_edges WHERE project_id=$1`, projectID) }()

	edge.ID = uuid.NewString()
	if _, err := s.InsertEdge(ctx, edge); !errors.Is(err, ErrDuplicateEdge) {
		t.Fatalf("duplicate InsertEdge() error = %v, want ErrDuplicateEdge", err)
	}
}
