package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"storymap/api/internal/auth"
	"storymap/api/internal/gateway"
	"storymap/api/internal/search"
	"storymap/api/internal/session"
	"storymap/api/internal/store"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T) (*HTTPServer, *gateway.Service) {
	server, svc, _ := newTestServerWithStore(t)
	return server, svc
}

func newTestServerWithStore(t *testing.T) (*HTTPServer, *gateway.Service, *store.GraphStore) {
	t.Helper()
	db, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "canvas.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	graph := store.NewSQLiteStore(db)
	svc := gateway.New(graph, nil)
	resolver := session.NewResolver(testSecret, time.Hour, nil)
	return NewHTTPServer(svc, resolver, "*", nil), svc, graph
}

func tokenFor(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := session.NewResolver(testSecret, time.Hour, nil).Issue(context.Background(), auth.User{ID: userID, Name: "Writer " + userID})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func doRequest(t *testing.T, server *HTTPServer, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Buffer
	if body == "" {
		reader = &bytes.Buffer{}
	} else {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeInto(t *testing.T, rr *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), target); err != nil {
		t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
	}
}

func assertErrorCode(t *testing.T, rr *httptest.ResponseRecorder, code string) {
	t.Helper()
	var payload struct {
		Code  string `json:"code"`
		Error string `json:"error"`
	}
	decodeInto(t, rr, &payload)
	if payload.Code != code {
		t.Fatalf("expected code %s, got %s (%s)", code, payload.Code, payload.Error)
	}
}

func createNode(t *testing.T, server *HTTPServer, token, label string) store.Node {
	t.Helper()
	body, _ := json.Marshal(map[string]any{"label": label, "content": label + " content"})
	rr := doRequest(t, server, http.MethodPost, "/api/projects/p1/canvas/nodes", token, string(body))
	if rr.Code != http.StatusCreated {
		t.Fatalf("create node: expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	var payload struct {
		Node store.Node `json:"node"`
	}
	decodeInto(t, rr, &payload)
	return payload.Node
}

func TestCanvasRequiresAuthentication(t *testing.T) {
	server, _ := newTestServer(t)

	rr := doRequest(t, server, http.MethodPost, "/api/projects/p1/canvas/nodes", "", `{"label":"Opening"}`)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
	assertErrorCode(t, rr, "UNAUTHENTICATED")
}

func TestCreateNodeAndLoadGraph(t *testing.T) {
	server, _ := newTestServer(t)
	token := tokenFor(t, "u1")

	node := createNode(t, server, token, "Opening image")
	if node.NodeType != store.NodeBeat || node.Width != store.DefaultNodeWidth {
		t.Fatalf("expected defaults applied, got %+v", node)
	}

	rr := doRequest(t, server, http.MethodGet, "/api/projects/p1/canvas", token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var graph gateway.Graph
	decodeInto(t, rr, &graph)
	if len(graph.Nodes) != 1 || graph.Nodes[0].ID != node.ID {
		t.Fatalf("expected created node in graph, got %+v", graph.Nodes)
	}

	rr = doRequest(t, server, http.MethodGet, "/api/projects/p1/canvas", tokenFor(t, "u2"), "")
	decodeInto(t, rr, &graph)
	if len(graph.Nodes) != 0 {
		t.Fatalf("expected other user to see an empty canvas, got %d nodes", len(graph.Nodes))
	}
}

func TestInvalidBodyIsRejected(t *testing.T) {
	server, _ := newTestServer(t)

	rr := doRequest(t, server, http.MethodPost, "/api/projects/p1/canvas/nodes", tokenFor(t, "u1"), `{"label":`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
	assertErrorCode(t, rr, "INVALID_BODY")
}

func TestUpdateAndDeleteNode(t *testing.T) {
	server, _ := newTestServer(t)
	token := tokenFor(t, "u1")
	node := createNode(t, server, token, "Midpoint")

	rr := doRequest(t, server, http.MethodPatch, "/api/projects/p1/canvas/nodes/"+node.ID, token, `{"label":"False victory"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, server, http.MethodPatch, "/api/projects/p1/canvas/nodes/missing", token, `{"label":"x"}`)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
	assertErrorCode(t, rr, "NOT_FOUND")

	rr = doRequest(t, server, http.MethodDelete, "/api/projects/p1/canvas/nodes/"+node.ID, token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	rr = doRequest(t, server, http.MethodDelete, "/api/projects/p1/canvas/nodes/"+node.ID, token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected repeated delete to succeed, got %d", rr.Code)
	}
}

func TestCreateEdgeDedups(t *testing.T) {
	server, _ := newTestServer(t)
	token := tokenFor(t, "u1")
	a := createNode(t, server, token, "Setup")
	b := createNode(t, server, token, "Payoff")
	body := `{"source_node_id":"` + a.ID + `","target_node_id":"` + b.ID + `"}`

	rr := doRequest(t, server, http.MethodPost, "/api/projects/p1/canvas/edges", token, body)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	var first gateway.EdgeResult
	decodeInto(t, rr, &first)

	rr = doRequest(t, server, http.MethodPost, "/api/projects/p1/canvas/edges", token, body)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200 for deduped edge, got %d", rr.Code)
	}
	var second gateway.EdgeResult
	decodeInto(t, rr, &second)
	if !second.Deduped || second.Edge.ID != first.Edge.ID {
		t.Fatalf("expected dedup to return %s, got %+v", first.Edge.ID, second)
	}

	rr = doRequest(t, server, http.MethodPost, "/api/projects/p1/canvas/edges", token, `{"source_node_id":"`+a.ID+`"}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d", rr.Code)
	}
	assertErrorCode(t, rr, "VALIDATION_ERROR")
}

func TestReconnectEdge(t *testing.T) {
	server, _ := newTestServer(t)
	token := tokenFor(t, "u1")
	a := createNode(t, server, token, "A")
	b := createNode(t, server, token, "B")
	c := createNode(t, server, token, "C")

	rr := doRequest(t, server, http.MethodPost, "/api/projects/p1/canvas/edges", token,
		`{"source_node_id":"`+a.ID+`","target_node_id":"`+b.ID+`"}`)
	var created gateway.EdgeResult
	decodeInto(t, rr, &created)

	rr = doRequest(t, server, http.MethodPatch, "/api/projects/p1/canvas/edges/"+created.Edge.ID, token,
		`{"source_node_id":"`+a.ID+`","target_node_id":"`+c.ID+`"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, server, http.MethodGet, "/api/projects/p1/canvas", token, "")
	var graph gateway.Graph
	decodeInto(t, rr, &graph)
	if len(graph.Edges) != 1 || graph.Edges[0].TargetNodeID != c.ID {
		t.Fatalf("expected edge retargeted to %s, got %+v", c.ID, graph.Edges)
	}

	rr = doRequest(t, server, http.MethodDelete, "/api/projects/p1/canvas/edges/"+created.Edge.ID, token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
}

func TestSavePositions(t *testing.T) {
	server, _ := newTestServer(t)
	token := tokenFor(t, "u1")
	a := createNode(t, server, token, "A")

	body := `{"items":[{"id":"` + a.ID + `","x":320,"y":-40}]}`
	rr := doRequest(t, server, http.MethodPut, "/api/projects/p1/canvas/nodes/positions", token, body)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, server, http.MethodGet, "/api/projects/p1/canvas", token, "")
	var graph gateway.Graph
	decodeInto(t, rr, &graph)
	if graph.Nodes[0].X != 320 || graph.Nodes[0].Y != -40 {
		t.Fatalf("expected saved position, got (%v, %v)", graph.Nodes[0].X, graph.Nodes[0].Y)
	}
}

func TestDanglingEdgesAuditAndCleanup(t *testing.T) {
	server, svc := newTestServer(t)
	token := tokenFor(t, "u1")
	a := createNode(t, server, token, "A")
	b := createNode(t, server, token, "B")
	ctx := auth.WithUser(context.Background(), auth.User{ID: "u1"})
	if _, err := svc.CreateEdge(ctx, "p1", gateway.EdgeInput{SourceNodeID: a.ID, TargetNodeID: b.ID}); err != nil {
		t.Fatalf("create edge: %v", err)
	}
	if err := svc.DeleteNode(ctx, "p1", b.ID); err != nil {
		t.Fatalf("delete node: %v", err)
	}

	rr := doRequest(t, server, http.MethodGet, "/api/projects/p1/canvas/edges/dangling", token, "")
	var audit struct {
		Edges []store.Edge `json:"edges"`
		Count int          `json:"count"`
	}
	decodeInto(t, rr, &audit)
	if audit.Count != 1 {
		t.Fatalf("expected 1 dangling edge, got %d", audit.Count)
	}

	var wg sync.WaitGroup
	deleted := make([]int, 3)
	for i := range deleted {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rr := doRequest(t, server, http.MethodPost, "/api/projects/p1/canvas/edges/cleanup", token, "")
			var payload struct {
				Deleted int `json:"deleted"`
			}
			_ = json.Unmarshal(rr.Body.Bytes(), &payload)
			deleted[i] = payload.Deleted
		}(i)
	}
	wg.Wait()
	total := 0
	for _, n := range deleted {
		if n > 1 {
			t.Fatalf("expected each cleanup to report at most 1 deletion, got %v", deleted)
		}
		total += n
	}
	if total == 0 {
		t.Fatalf("expected one cleanup to delete the edge, got %v", deleted)
	}

	rr = doRequest(t, server, http.MethodGet, "/api/projects/p1/canvas/edges/dangling", token, "")
	decodeInto(t, rr, &audit)
	if audit.Count != 0 {
		t.Fatalf("expected no dangling edges after cleanup, got %d", audit.Count)
	}
}

// cancelAwareGraph fails cleanup when handed a cancelled context.
type cancelAwareGraph struct {
	graphService
	calls int
}

func (g *cancelAwareGraph) CleanupDanglingEdges(ctx context.Context, projectID string) (int, error) {
	g.calls++
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return 2, nil
}

func TestCleanupOutlivesCancelledRequest(t *testing.T) {
	graph := &cancelAwareGraph{}
	server := NewHTTPServer(graph, session.NewResolver(testSecret, time.Hour, nil), "*", nil)
	token := tokenFor(t, "u1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/projects/p1/canvas/edges/cleanup", &bytes.Buffer{}).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var payload struct {
		Deleted int `json:"deleted"`
	}
	decodeInto(t, rr, &payload)
	if payload.Deleted != 2 || graph.calls != 1 {
		t.Fatalf("expected one cleanup deleting 2 edges, got deleted=%d calls=%d", payload.Deleted, graph.calls)
	}
}

func TestUnknownRoutes(t *testing.T) {
	server, _ := newTestServer(t)
	token := tokenFor(t, "u1")

	rr := doRequest(t, server, http.MethodGet, "/api/unknown", token, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}

	rr = doRequest(t, server, http.MethodPut, "/api/projects/p1/canvas/edges", token, "")
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status 405, got %d", rr.Code)
	}
}

func TestSearchEndpoint(t *testing.T) {
	server, _, graph := newTestServerWithStore(t)
	token := tokenFor(t, "u1")

	rr := doRequest(t, server, http.MethodGet, "/api/projects/p1/canvas/search?q=storm", token, "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503 without search, got %d", rr.Code)
	}

	server.WithSearch(search.NewService(nil, search.NewSQLSearch(graph), nil))
	createNode(t, server, token, "Storm")
	createNode(t, server, token, "Calm")

	rr = doRequest(t, server, http.MethodGet, "/api/projects/p1/canvas/search?q=storm", token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var response search.Response
	decodeInto(t, rr, &response)
	if response.Total != 1 || len(response.Results) != 1 || response.Results[0].Label != "Storm" {
		t.Fatalf("unexpected search response %+v", response)
	}

	rr = doRequest(t, server, http.MethodGet, "/api/projects/p1/canvas/search?q=storm", tokenFor(t, "u2"), "")
	decodeInto(t, rr, &response)
	if response.Total != 0 {
		t.Fatalf("expected other user to find nothing, got %+v", response)
	}

	rr = doRequest(t, server, http.MethodGet, "/api/projects/p1/canvas/search?q=storm&limit=abc", token, "")
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d", rr.Code)
	}

	rr = doRequest(t, server, http.MethodGet, "/api/projects/p1/canvas/search?q=storm", "", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}
