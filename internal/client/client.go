// Package client talks to a remote canvas API over HTTP. It satisfies
// canvas.Gateway so the canvas state machine runs unchanged against a
// remote server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"storymap/api/internal/gateway"
	"storymap/api/internal/logger"
	"storymap/api/internal/store"
)

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        *logger.Logger
}

// New returns a client for baseURL that authenticates with the bearer token.
// The caller identity is the token's subject, not the user in ctx.
func New(baseURL, token string, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Nop()
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:      strings.TrimSpace(token),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log.With("service", "CanvasClient"),
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Error   string `json:"error"`
	Details struct {
		FailedIDs []string `json:"failedIds"`
	} `json:"details"`
}

var kindByCode = map[string]gateway.ErrorKind{
	"UNAUTHENTICATED":  gateway.KindUnauthenticated,
	"VALIDATION_ERROR": gateway.KindValidation,
	"INVALID_BODY":     gateway.KindValidation,
	"NOT_FOUND":        gateway.KindNotFound,
	"PARTIAL_BATCH":    gateway.KindPartialBatch,
}

func (c *Client) canvasPath(projectID string, rest ...string) string {
	parts := []string{"api", "projects", url.PathEscape(projectID), "canvas"}
	for _, part := range rest {
		parts = append(parts, url.PathEscape(part))
	}
	return c.baseURL + "/" + strings.Join(parts, "/")
}

func (c *Client) do(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn("canvas request failed", "method", method, "url", endpoint, "error", err)
		return &gateway.Error{Kind: gateway.KindPersistence, Message: "Could not reach the canvas server", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &gateway.Error{Kind: gateway.KindPersistence, Message: "Could not read the canvas response", Err: err}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp.StatusCode, raw)
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return &gateway.Error{Kind: gateway.KindPersistence, Message: "Unexpected canvas response", Err: err}
		}
	}
	return nil
}

func decodeError(status int, raw []byte) error {
	var body errorBody
	if err := json.Unmarshal(raw, &body); err != nil || body.Code == "" {
		return &gateway.Error{
			Kind:    gateway.KindPersistence,
			Message: fmt.Sprintf("canvas server returned %d", status),
			Err:     fmt.Errorf("status %d: %s", status, strings.TrimSpace(string(raw))),
		}
	}

	kind, ok := kindByCode[body.Code]
	if !ok {
		kind = gateway.KindPersistence
	}
	return &gateway.Error{
		Kind:      kind,
		Message:   body.Error,
		FailedIDs: body.Details.FailedIDs,
		Err:       fmt.Errorf("status %d: %s", status, body.Code),
	}
}

func (c *Client) LoadGraph(ctx context.Context, projectID string) (gateway.Graph, error) {
	var graph gateway.Graph
	if err := c.do(ctx, http.MethodGet, c.canvasPath(projectID), nil, &graph); err != nil {
		return gateway.Graph{}, err
	}
	return graph, nil
}

func (c *Client) CreateNode(ctx context.Context, projectID string, in gateway.NodeInput) (store.Node, error) {
	var payload struct {
		Node store.Node `json:"node"`
	}
	if err := c.do(ctx, http.MethodPost, c.canvasPath(projectID, "nodes"), in, &payload); err != nil {
		return store.Node{}, err
	}
	return payload.Node, nil
}

func (c *Client) UpdateNode(ctx context.Context, projectID, nodeID string, patch store.NodePatch) error {
	return c.do(ctx, http.MethodPatch, c.canvasPath(projectID, "nodes", nodeID), patch, nil)
}

func (c *Client) DeleteNode(ctx context.Context, projectID, nodeID string) error {
	return c.do(ctx, http.MethodDelete, c.canvasPath(projectID, "nodes", nodeID), nil, nil)
}

func (c *Client) CreateEdge(ctx context.Context, projectID string, in gateway.EdgeInput) (gateway.EdgeResult, error) {
	var result gateway.EdgeResult
	if err := c.do(ctx, http.MethodPost, c.canvasPath(projectID, "edges"), in, &result); err != nil {
		return gateway.EdgeResult{}, err
	}
	return result, nil
}

func (c *Client) UpdateEdge(ctx context.Context, projectID, edgeID string, patch store.EdgePatch) error {
	return c.do(ctx, http.MethodPatch, c.canvasPath(projectID, "edges", edgeID), patch, nil)
}

func (c *Client) DeleteEdge(ctx context.Context, projectID, edgeID string) error {
	return c.do(ctx, http.MethodDelete, c.canvasPath(projectID, "edges", edgeID), nil, nil)
}

func (c *Client) UpdateNodePositions(ctx context.Context, projectID string, items []store.PositionUpdate) error {
	body := map[string]any{"items": items}
	return c.do(ctx, http.MethodPut, c.canvasPath(projectID, "nodes", "positions"), body, nil)
}

func (c *Client) FindDanglingEdges(ctx context.Context, projectID string) ([]store.Edge, error) {
	var payload struct {
		Edges []store.Edge `json:"edges"`
	}
	if err := c.do(ctx, http.MethodGet, c.canvasPath(projectID, "edges", "dangling"), nil, &payload); err != nil {
		return nil, err
	}
	return payload.Edges, nil
}

func (c *Client) CleanupDanglingEdges(ctx context.Context, projectID string) (int, error) {
	var payload struct {
		Deleted int `json:"deleted"`
	}
	if err := c.do(ctx, http.MethodPost, c.canvasPath(projectID, "edges", "cleanup"), nil, &payload); err != nil {
		return 0, err
	}
	return payload.Deleted, nil
}
