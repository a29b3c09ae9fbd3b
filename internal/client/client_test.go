package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storymap/api/internal/app"
	"storymap/api/internal/auth"
	"storymap/api/internal/canvas"
	"storymap/api/internal/gateway"
	"storymap/api/internal/session"
	"storymap/api/internal/store"
)

var _ canvas.Gateway = (*Client)(nil)

func newRemote(t *testing.T) (*httptest.Server, *session.Resolver) {
	t.Helper()
	db, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "canvas.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	resolver := session.NewResolver("client-secret", time.Hour, nil)
	server := app.NewHTTPServer(gateway.New(store.NewSQLiteStore(db), nil), resolver, "*", nil)
	remote := httptest.NewServer(server.Handler())
	t.Cleanup(remote.Close)
	return remote, resolver
}

func clientFor(t *testing.T, remote *httptest.Server, resolver *session.Resolver, userID string) *Client {
	t.Helper()
	token, _, err := resolver.Issue(context.Background(), auth.User{ID: userID, Name: userID})
	require.NoError(t, err)
	return New(remote.URL+"/", token, nil)
}

func TestRoundTripAgainstServer(t *testing.T) {
	remote, resolver := newRemote(t)
	c := clientFor(t, remote, resolver, "u1")
	ctx := context.Background()

	a, err := c.CreateNode(ctx, "p1", gateway.NodeInput{Label: "Setup"})
	require.NoError(t, err)
	b, err := c.CreateNode(ctx, "p1", gateway.NodeInput{Label: "Payoff", NodeType: "scene"})
	require.NoError(t, err)
	assert.Equal(t, store.NodeScene, b.NodeType)

	first, err := c.CreateEdge(ctx, "p1", gateway.EdgeInput{SourceNodeID: a.ID, TargetNodeID: b.ID})
	require.NoError(t, err)
	assert.False(t, first.Deduped)
	again, err := c.CreateEdge(ctx, "p1", gateway.EdgeInput{SourceNodeID: a.ID, TargetNodeID: b.ID})
	require.NoError(t, err)
	assert.True(t, again.Deduped)
	assert.Equal(t, first.Edge.ID, again.Edge.ID)

	label := "Renamed"
	require.NoError(t, c.UpdateNode(ctx, "p1", a.ID, store.NodePatch{Label: &label}))
	require.NoError(t, c.UpdateNodePositions(ctx, "p1", []store.PositionUpdate{{ID: b.ID, X: 400, Y: 120}}))

	graph, err := c.LoadGraph(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, graph.Nodes, 2)
	require.Len(t, graph.Edges, 1)

	require.NoError(t, c.DeleteNode(ctx, "p1", b.ID))
	dangling, err := c.FindDanglingEdges(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, dangling, 1)

	deleted, err := c.CleanupDanglingEdges(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
}

func TestErrorKindsSurviveTheWire(t *testing.T) {
	remote, resolver := newRemote(t)
	ctx := context.Background()

	anonymous := New(remote.URL, "", nil)
	_, err := anonymous.LoadGraph(ctx, "p1")
	assert.True(t, gateway.IsUnauthenticated(err))

	c := clientFor(t, remote, resolver, "u1")
	_, err = c.CreateEdge(ctx, "p1", gateway.EdgeInput{SourceNodeID: "a"})
	assert.Equal(t, gateway.KindValidation, gateway.KindOf(err))

	label := "x"
	err = c.UpdateNode(ctx, "p1", "missing", store.NodePatch{Label: &label})
	assert.Equal(t, gateway.KindNotFound, gateway.KindOf(err))
}

func TestPartialBatchCarriesFailedIDs(t *testing.T) {
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"code":"PARTIAL_BATCH","error":"1 of 2 position updates failed","details":{"failedIds":["n2"]}}`))
	}))
	defer remote.Close()

	err := New(remote.URL, "token", nil).UpdateNodePositions(context.Background(), "p1", []store.PositionUpdate{{ID: "n1"}, {ID: "n2"}})
	var gwErr *gateway.Error
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, gateway.KindPartialBatch, gwErr.Kind)
	assert.Equal(t, []string{"n2"}, gwErr.FailedIDs)
	assert.Equal(t, "1 of 2 position updates failed", gwErr.Message)
}

func TestNonJSONErrorIsPersistence(t *testing.T) {
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer remote.Close()

	_, err := New(remote.URL, "token", nil).LoadGraph(context.Background(), "p1")
	assert.Equal(t, gateway.KindPersistence, gateway.KindOf(err))
	assert.Equal(t, "canvas server returned 502", gateway.MessageOf(err))
}

func TestCanvasStateOverHTTP(t *testing.T) {
	remote, resolver := newRemote(t)
	c := clientFor(t, remote, resolver, "u1")
	ctx := context.Background()

	state := canvas.NewState(c, "p1")
	require.NoError(t, state.Load(ctx))
	node, err := state.CreateNode(ctx, gateway.NodeInput{Label: "Opening"})
	require.NoError(t, err)

	reloaded := canvas.NewState(c, "p1")
	require.NoError(t, reloaded.Load(ctx))
	snap := reloaded.Snapshot()
	require.Len(t, snap.Nodes, 1)
	assert.Equal(t, node.ID, snap.Nodes[0].ID)
}
