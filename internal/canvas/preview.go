package canvas

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"storymap/api/internal/beats"
	"storymap/api/internal/gateway"
	"storymap/api/internal/store"
)

const (
	MaxBeatLabelRunes   = 60
	MaxBeatContentRunes = 500

	gridColumns = 4
	columnPitch = 260.0
	rowPitch    = 160.0
	gridMargin  = 80.0

	SequenceEdgeType = "sequence"
)

var (
	ErrCommitInProgress = errors.New("canvas: commit already in progress")
	ErrNothingToCommit  = errors.New("canvas: no preview to commit")
	ErrNoUsableBeats    = errors.New("canvas: generation returned no usable beats")
	ErrEmptyOutline     = errors.New("canvas: outline is required")
)

type BeatGenerator interface {
	GenerateBeats(ctx context.Context, projectID, outline string) ([]beats.Beat, error)
}

type PreviewPhase string

const (
	PreviewNone       PreviewPhase = "none"
	PreviewPreviewing PreviewPhase = "previewing"
	PreviewCommitting PreviewPhase = "committing"
	PreviewCommitted  PreviewPhase = "committed"
	PreviewRolledBack PreviewPhase = "rolled_back"
)

// PreviewBeat is a normalized candidate that has not been persisted.
type PreviewBeat struct {
	Label    string         `json:"label"`
	Content  string         `json:"content"`
	NodeType store.NodeType `json:"node_type"`
}

// NormalizeBeats trims and clamps candidates, maps unknown types to beat,
// and drops entries missing a label or content.
func NormalizeBeats(raw []beats.Beat) []PreviewBeat {
	out := make([]PreviewBeat, 0, len(raw))
	for _, beat := range raw {
		label := clampRunes(strings.TrimSpace(beat.Label), MaxBeatLabelRunes)
		content := clampRunes(strings.TrimSpace(beat.Content), MaxBeatContentRunes)
		if label == "" || content == "" {
			continue
		}
		out = append(out, PreviewBeat{
			Label:    label,
			Content:  content,
			NodeType: store.NormalizeNodeType(strings.ToLower(strings.TrimSpace(beat.Type))),
		})
	}
	return out
}

func clampRunes(value string, max int) string {
	if utf8.RuneCountInString(value) <= max {
		return value
	}
	return strings.TrimSpace(string([]rune(value)[:max]))
}

// CommitResult describes one commit attempt. On failure Nodes and Edges are
// empty and the Leftover fields list anything rollback could not delete.
type CommitResult struct {
	Phase           PreviewPhase
	Nodes           []store.Node
	Edges           []store.Edge
	LeftoverNodeIDs []string
	LeftoverEdgeIDs []string
}

// CommitError is returned when a commit fails partway. Err is the first
// failed gateway call; rollback failures never replace it.
type CommitError struct {
	Step               string
	Err                error
	RollbackIncomplete bool
}

func (e *CommitError) Error() string {
	if e.RollbackIncomplete {
		return fmt.Sprintf("commit failed at %s: %v (rollback incomplete)", e.Step, e.Err)
	}
	return fmt.Sprintf("commit failed at %s: %v", e.Step, e.Err)
}

func (e *CommitError) Unwrap() error {
	return e.Err
}

// Pipeline turns an outline into a previewed subgraph and commits it as
// one all-or-nothing unit from the user's point of view.
type Pipeline struct {
	state *State
	gen   BeatGenerator

	mu      sync.Mutex
	phase   PreviewPhase
	preview []PreviewBeat
}

func NewPipeline(state *State, gen BeatGenerator) *Pipeline {
	return &Pipeline{state: state, gen: gen, phase: PreviewNone}
}

func (p *Pipeline) Phase() PreviewPhase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

func (p *Pipeline) Preview() []PreviewBeat {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PreviewBeat(nil), p.preview...)
}

// Generate replaces the preview with freshly generated beats. Nothing is
// persisted. A failure keeps the previous preview.
func (p *Pipeline) Generate(ctx context.Context, outline string) ([]PreviewBeat, error) {
	outline = strings.TrimSpace(outline)
	if outline == "" {
		return nil, ErrEmptyOutline
	}
	p.mu.Lock()
	if p.phase == PreviewCommitting {
		p.mu.Unlock()
		return nil, ErrCommitInProgress
	}
	p.mu.Unlock()

	raw, err := p.gen.GenerateBeats(ctx, p.state.ProjectID(), outline)
	if err != nil {
		p.state.setStatus(fmt.Sprintf("Beat generation failed: %v", err))
		return nil, fmt.Errorf("generate beats: %w", err)
	}
	normalized := NormalizeBeats(raw)
	if len(normalized) == 0 {
		p.state.setStatus("Beat generation failed: no usable beats. Try a more detailed outline.")
		return nil, ErrNoUsableBeats
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.phase == PreviewCommitting {
		return nil, ErrCommitInProgress
	}
	p.preview = normalized
	p.phase = PreviewPreviewing
	p.state.setStatus(fmt.Sprintf("Generated %d beats. Commit them to the canvas or discard.", len(normalized)))
	return append([]PreviewBeat(nil), normalized...), nil
}

// Discard drops the preview without any gateway call.
func (p *Pipeline) Discard() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.phase == PreviewCommitting {
		return ErrCommitInProgress
	}
	p.preview = nil
	p.phase = PreviewNone
	return nil
}

// Commit creates the preview nodes one by one, chains them with edges in
// order, and on any failure deletes what it created, edges before nodes.
// Local state only changes after the whole sequence succeeds.
func (p *Pipeline) Commit(ctx context.Context) (CommitResult, error) {
	p.mu.Lock()
	if p.phase == PreviewCommitting {
		p.mu.Unlock()
		return CommitResult{Phase: PreviewCommitting}, ErrCommitInProgress
	}
	if len(p.preview) == 0 {
		p.mu.Unlock()
		return CommitResult{Phase: p.phase}, ErrNothingToCommit
	}
	candidates := append([]PreviewBeat(nil), p.preview...)
	p.phase = PreviewCommitting
	p.mu.Unlock()

	gw := p.state.gw
	projectID := p.state.ProjectID()
	originX, originY := p.state.layoutOrigin()

	var (
		nodes []store.Node
		edges []store.Edge
	)
	for i, beat := range candidates {
		x := originX + float64(i%gridColumns)*columnPitch
		y := originY + float64(i/gridColumns)*rowPitch
		content := beat.Content
		node, err := gw.CreateNode(ctx, projectID, gateway.NodeInput{
			NodeType: string(beat.NodeType),
			Label:    beat.Label,
			Content:  &content,
			X:        &x,
			Y:        &y,
			Metadata: json.RawMessage(`{"source":"ai"}`),
		})
		if err != nil {
			return p.rollback(ctx, fmt.Sprintf("node %d of %d", i+1, len(candidates)), err, nodes, edges)
		}
		nodes = append(nodes, node)
	}

	edgeType := SequenceEdgeType
	for i := 1; i < len(nodes); i++ {
		result, err := gw.CreateEdge(ctx, projectID, gateway.EdgeInput{
			SourceNodeID: nodes[i-1].ID,
			TargetNodeID: nodes[i].ID,
			EdgeType:     &edgeType,
		})
		if err != nil {
			return p.rollback(ctx, fmt.Sprintf("edge %d of %d", i, len(nodes)-1), err, nodes, edges)
		}
		edges = append(edges, result.Edge)
	}

	p.state.mergeCommitted(nodes, edges, fmt.Sprintf("Committed %d beats to the canvas", len(nodes)))

	p.mu.Lock()
	p.preview = nil
	p.phase = PreviewCommitted
	p.mu.Unlock()
	return CommitResult{Phase: PreviewCommitted, Nodes: nodes, Edges: edges}, nil
}

// rollback deletes every created edge, then every created node. Each
// deletion is attempted regardless of earlier failures, and a cancelled
// commit still gets its rollback.
func (p *Pipeline) rollback(ctx context.Context, step string, cause error, nodes []store.Node, edges []store.Edge) (CommitResult, error) {
	ctx = context.WithoutCancel(ctx)
	gw := p.state.gw
	projectID := p.state.ProjectID()
	result := CommitResult{Phase: PreviewRolledBack}

	for i := len(edges) - 1; i >= 0; i-- {
		if err := gw.DeleteEdge(ctx, projectID, edges[i].ID); err != nil {
			result.LeftoverEdgeIDs = append(result.LeftoverEdgeIDs, edges[i].ID)
		}
	}
	for i := len(nodes) - 1; i >= 0; i-- {
		if err := gw.DeleteNode(ctx, projectID, nodes[i].ID); err != nil {
			result.LeftoverNodeIDs = append(result.LeftoverNodeIDs, nodes[i].ID)
		}
	}

	commitErr := &CommitError{
		Step:               step,
		Err:                cause,
		RollbackIncomplete: len(result.LeftoverNodeIDs)+len(result.LeftoverEdgeIDs) > 0,
	}
	status := fmt.Sprintf("Commit failed: %s. Nothing was added; your preview is kept.", gateway.MessageOf(cause))
	if commitErr.RollbackIncomplete {
		status = fmt.Sprintf("Commit failed: %s. Rollback incomplete: %d nodes and %d connections need manual cleanup.",
			gateway.MessageOf(cause), len(result.LeftoverNodeIDs), len(result.LeftoverEdgeIDs))
	}
	p.state.setStatus(status)

	p.mu.Lock()
	p.phase = PreviewRolledBack
	p.mu.Unlock()
	return result, commitErr
}
