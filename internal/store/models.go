package store

import (
	"encoding/json"
	"time"
)

type NodeType string

const (
	NodeBeat      NodeType = "beat"
	NodeScene     NodeType = "scene"
	NodeCharacter NodeType = "character"
	NodeLocation  NodeType = "location"
	NodeNote      NodeType = "note"
)

const (
	DefaultNodeWidth  = 200.0
	DefaultNodeHeight = 100.0
)

// NormalizeNodeType maps unknown or missing values to NodeBeat.
func NormalizeNodeType(value string) NodeType {
	switch NodeType(value) {
	case NodeBeat, NodeScene, NodeCharacter, NodeLocation, NodeNote:
		return NodeType(value)
	default:
		return NodeBeat
	}
}

type Node struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"project_id"`
	UserID    string          `json:"user_id"`
	NodeType  NodeType        `json:"node_type"`
	Label     string          `json:"label"`
	Content   *string         `json:"content,omitempty"`
	X         float64         `json:"x"`
	Y         float64         `json:"y"`
	Width     float64         `json:"width"`
	Height    float64         `json:"height"`
	Color     *string         `json:"color,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type Edge struct {
	ID           string    `json:"id"`
	ProjectID    string    `json:"project_id"`
	UserID       string    `json:"user_id"`
	SourceNodeID string    `json:"source_node_id"`
	TargetNodeID string    `json:"target_node_id"`
	Label        *string   `json:"label,omitempty"`
	EdgeType     *string   `json:"edge_type,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// NodePatch is a partial node update; nil fields are left untouched.
type NodePatch struct {
	NodeType *NodeType        `json:"node_type,omitempty"`
	Label    *string          `json:"label,omitempty"`
	Content  *string          `json:"content,omitempty"`
	X        *float64         `json:"x,omitempty"`
	Y        *float64         `json:"y,omitempty"`
	Width    *float64         `json:"width,omitempty"`
	Height   *float64         `json:"height,omitempty"`
	Color    *string          `json:"color,omitempty"`
	Metadata *json.RawMessage `json:"metadata,omitempty"`
}

func (p NodePatch) Empty() bool {
	return p.NodeType == nil && p.Label == nil && p.Content == nil && p.X == nil && p.Y == nil &&
		p.Width == nil && p.Height == nil && p.Color == nil && p.Metadata == nil
}

// Apply copies the set fields of the patch onto node.
func (p NodePatch) Apply(node *Node) {
	if p.NodeType != nil {
		node.NodeType = *p.NodeType
	}
	if p.Label != nil {
		node.Label = *p.Label
	}
	if p.Content != nil {
		content := *p.Content
		node.Content = &content
	}
	if p.X != nil {
		node.X = *p.X
	}
	if p.Y != nil {
		node.Y = *p.Y
	}
	if p.Width != nil {
		node.Width = *p.Width
	}
	if p.Height != nil {
		node.Height = *p.Height
	}
	if p.Color != nil {
		color := *p.Color
		node.Color = &color
	}
	if p.Metadata != nil {
		node.Metadata = append(json.RawMessage(nil), (*p.Metadata)...)
	}
}

// EdgePatch is a partial edge update; reconnects set both endpoint fields.
type EdgePatch struct {
	SourceNodeID *string `json:"source_node_id,omitempty"`
	TargetNodeID *string `json:"target_node_id,omitempty"`
	Label        *string `json:"label,omitempty"`
	EdgeType     *string `json:"edge_type,omitempty"`
}

func (p EdgePatch) Empty() bool {
	return p.SourceNodeID == nil && p.TargetNodeID == nil && p.Label == nil && p.EdgeType == nil
}

func (p EdgePatch) Apply(edge *Edge) {
	if p.SourceNodeID != nil {
		edge.SourceNodeID = *p.SourceNodeID
	}
	if p.TargetNodeID != nil {
		edge.TargetNodeID = *p.TargetNodeID
	}
	if p.Label != nil {
		label := *p.Label
		edge.Label = &label
	}
	if p.EdgeType != nil {
		edgeType := *p.EdgeType
		edge.EdgeType = &edgeType
	}
}

type PositionUpdate struct {
	ID string  `json:"id"`
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
}
