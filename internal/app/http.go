package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"storymap/api/internal/auth"
	"storymap/api/internal/canvas"
	"storymap/api/internal/gateway"
	"storymap/api/internal/logger"
	"storymap/api/internal/search"
	"storymap/api/internal/store"
)

type graphService interface {
	canvas.Gateway
	Ping(ctx context.Context) error
}

type userResolver interface {
	Resolve(ctx context.Context, token string) (auth.User, error)
	Revoke(ctx context.Context, token string) error
}

type nodeSearcher interface {
	Search(ctx context.Context, q search.Query) search.Response
}

type HTTPServer struct {
	graph      graphService
	sessions   userResolver
	search     nodeSearcher
	corsOrigin string
	log        *logger.Logger
	cleanups   singleflight.Group
}

func NewHTTPServer(graph graphService, sessions userResolver, corsOrigin string, log *logger.Logger) *HTTPServer {
	if log == nil {
		log = logger.Nop()
	}
	return &HTTPServer{graph: graph, sessions: sessions, corsOrigin: corsOrigin, log: log}
}

// WithSearch enables GET /api/projects/{id}/canvas/search.
func (s *HTTPServer) WithSearch(searcher nodeSearcher) *HTTPServer {
	s.search = searcher
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.graph.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	ctx, err := s.authenticate(r)
	if err != nil {
		s.log.Error("session lookup failed", "request_id", requestIDFrom(r.Context()), "error", err)
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		user, ok := auth.UserFromContext(ctx)
		if !ok {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "userName": user.Name, "userId": user.ID})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/logout" {
		if token := bearerToken(r); token != "" && s.sessions != nil {
			if err := s.sessions.Revoke(ctx, token); err != nil {
				s.log.Warn("revoke session failed", "request_id", requestIDFrom(ctx), "error", err)
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 4 && parts[0] == "api" && parts[1] == "projects" && parts[3] == "canvas" {
		s.handleCanvas(w, r.WithContext(ctx), parts[2], parts[4:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// authenticate attaches the bearer token's user to the request context. A
// missing or invalid token leaves the context anonymous so the gateway
// rejects the call as unauthenticated.
func (s *HTTPServer) authenticate(r *http.Request) (context.Context, error) {
	ctx := r.Context()
	token := bearerToken(r)
	if token == "" || s.sessions == nil {
		return ctx, nil
	}
	user, err := s.sessions.Resolve(ctx, token)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
			return ctx, nil
		}
		return ctx, err
	}
	return auth.WithUser(ctx, user), nil
}

func (s *HTTPServer) handleCanvas(w http.ResponseWriter, r *http.Request, projectID string, rest []string) {
	ctx := r.Context()

	switch {
	case len(rest) == 0:
		if r.Method != http.MethodGet {
			break
		}
		graph, err := s.graph.LoadGraph(ctx, projectID)
		if err != nil {
			s.writeGatewayError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, graph)
		return

	case len(rest) == 1 && rest[0] == "nodes":
		if r.Method != http.MethodPost {
			break
		}
		var body gateway.NodeInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		node, err := s.graph.CreateNode(ctx, projectID, body)
		if err != nil {
			s.writeGatewayError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"node": node})
		return

	case len(rest) == 2 && rest[0] == "nodes" && rest[1] == "positions" && r.Method == http.MethodPut:
		var body struct {
			Items []store.PositionUpdate `json:"items"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.graph.UpdateNodePositions(ctx, projectID, body.Items); err != nil {
			s.writeGatewayError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return

	case len(rest) == 2 && rest[0] == "nodes":
		nodeID := rest[1]
		switch r.Method {
		case http.MethodPatch:
			var patch store.NodePatch
			if err := decodeBody(r, &patch); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			if err := s.graph.UpdateNode(ctx, projectID, nodeID, patch); err != nil {
				s.writeGatewayError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		case http.MethodDelete:
			if err := s.graph.DeleteNode(ctx, projectID, nodeID); err != nil {
				s.writeGatewayError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}

	case len(rest) == 1 && rest[0] == "edges":
		if r.Method != http.MethodPost {
			break
		}
		var body gateway.EdgeInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.graph.CreateEdge(ctx, projectID, body)
		if err != nil {
			s.writeGatewayError(w, r, err)
			return
		}
		status := http.StatusCreated
		if result.Deduped {
			status = http.StatusOK
		}
		writeJSON(w, status, result)
		return

	case len(rest) == 2 && rest[0] == "edges" && rest[1] == "dangling" && r.Method == http.MethodGet:
		edges, err := s.graph.FindDanglingEdges(ctx, projectID)
		if err != nil {
			s.writeGatewayError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"edges": edges, "count": len(edges)})
		return

	case len(rest) == 2 && rest[0] == "edges" && rest[1] == "cleanup" && r.Method == http.MethodPost:
		deleted, err := s.cleanupDangling(ctx, projectID)
		if err != nil {
			s.writeGatewayError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
		return

	case len(rest) == 2 && rest[0] == "edges":
		edgeID := rest[1]
		switch r.Method {
		case http.MethodPatch:
			var patch store.EdgePatch
			if err := decodeBody(r, &patch); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			if err := s.graph.UpdateEdge(ctx, projectID, edgeID, patch); err != nil {
				s.writeGatewayError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		case http.MethodDelete:
			if err := s.graph.DeleteEdge(ctx, projectID, edgeID); err != nil {
				s.writeGatewayError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}

	case len(rest) == 1 && rest[0] == "search" && r.Method == http.MethodGet:
		s.handleSearch(w, r, projectID)
		return

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

// cleanupDangling collapses concurrent cleanup requests for the same
// project and user into one gateway call. The shared call outlives the
// request that started it.
func (s *HTTPServer) cleanupDangling(ctx context.Context, projectID string) (int, error) {
	user, ok := auth.UserFromContext(ctx)
	if !ok {
		return s.graph.CleanupDanglingEdges(ctx, projectID)
	}
	shared := context.WithoutCancel(ctx)
	result, err, _ := s.cleanups.Do(projectID+"/"+user.ID, func() (any, error) {
		return s.graph.CleanupDanglingEdges(shared, projectID)
	})
	if err != nil {
		return 0, err
	}
	return result.(int), nil
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, projectID string) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Not authenticated", nil)
		return
	}
	if s.search == nil {
		writeError(w, http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search is not configured", nil)
		return
	}

	query := r.URL.Query()
	limit, err := intParam(query.Get("limit"), 20)
	if err != nil {
		status, code, message, details := mapError(domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil))
		writeError(w, status, code, message, details)
		return
	}
	offset, err := intParam(query.Get("offset"), 0)
	if err != nil {
		status, code, message, details := mapError(domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "offset must be an integer", nil))
		writeError(w, status, code, message, details)
		return
	}
	if limit > 100 {
		limit = 100
	}

	writeJSON(w, http.StatusOK, s.search.Search(r.Context(), search.Query{
		Text:      strings.TrimSpace(query.Get("q")),
		ProjectID: projectID,
		UserID:    user.ID,
		NodeType:  strings.TrimSpace(query.Get("type")),
		Limit:     limit,
		Offset:    offset,
	}))
}

func (s *HTTPServer) writeGatewayError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("canvas request failed",
			"request_id", requestIDFrom(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.log.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func intParam(raw string, fallback int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
