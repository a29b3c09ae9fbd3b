package canvas

import (
	"encoding/json"
	"fmt"

	"storymap/api/internal/gateway"
	"storymap/api/internal/store"
)

type RetryOp string

const (
	OpLoad            RetryOp = "load"
	OpCreateNode      RetryOp = "create_node"
	OpUpdateNode      RetryOp = "update_node"
	OpDeleteNode      RetryOp = "delete_node"
	OpConnect         RetryOp = "connect"
	OpUpdateEdge      RetryOp = "update_edge"
	OpReconnect       RetryOp = "reconnect"
	OpDeleteEdge      RetryOp = "delete_edge"
	OpSavePositions   RetryOp = "save_positions"
	OpCleanupDangling RetryOp = "cleanup_dangling"
)

// PendingRetry records a failed operation and the exact arguments needed to
// issue it again. It is plain data so it can be inspected, logged or
// persisted between sessions.
type PendingRetry struct {
	Op        RetryOp                `json:"op"`
	ProjectID string                 `json:"project_id"`
	NodeID    string                 `json:"node_id,omitempty"`
	EdgeID    string                 `json:"edge_id,omitempty"`
	NodeInput *gateway.NodeInput     `json:"node_input,omitempty"`
	NodePatch *store.NodePatch       `json:"node_patch,omitempty"`
	EdgeInput *gateway.EdgeInput     `json:"edge_input,omitempty"`
	EdgePatch *store.EdgePatch       `json:"edge_patch,omitempty"`
	Positions []store.PositionUpdate `json:"positions,omitempty"`
}

func (r PendingRetry) String() string {
	switch {
	case r.NodeID != "":
		return fmt.Sprintf("%s node %s", r.Op, r.NodeID)
	case r.EdgeID != "":
		return fmt.Sprintf("%s edge %s", r.Op, r.EdgeID)
	case len(r.Positions) > 0:
		return fmt.Sprintf("%s (%d nodes)", r.Op, len(r.Positions))
	default:
		return string(r.Op)
	}
}

// MarshalRetry and UnmarshalRetry encode a pending retry as JSON.
func MarshalRetry(r PendingRetry) ([]byte, error) {
	return json.Marshal(r)
}

func UnmarshalRetry(data []byte) (PendingRetry, error) {
	var r PendingRetry
	if err := json.Unmarshal(data, &r); err != nil {
		return PendingRetry{}, fmt.Errorf("decode pending retry: %w", err)
	}
	if r.Op == "" {
		return PendingRetry{}, fmt.Errorf("decode pending retry: missing op")
	}
	return r, nil
}
