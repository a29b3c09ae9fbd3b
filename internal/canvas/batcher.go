package canvas

import (
	"context"
	"sync"
	"time"

	"storymap/api/internal/store"
)

type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseAccumulating Phase = "accumulating"
	PhaseFlushing     Phase = "flushing"
	PhaseSaved        Phase = "saved"
	PhaseError        Phase = "error"
)

const DefaultDebounce = 500 * time.Millisecond

// Batcher debounces drag-end positions into a single UpdateNodePositions
// call. Drags move nodes locally right away; persistence happens once the
// pointer has been still for the debounce delay.
type Batcher struct {
	state *State
	delay time.Duration
	// ctx carries the user for timer-driven flushes.
	ctx context.Context

	mu      sync.Mutex
	pending map[string]store.PositionUpdate
	order   []string
	timer   *time.Timer
	phase   Phase
	lastErr error
	closed  bool

	// flushMu serializes flushes; a new window may accumulate while one runs.
	flushMu sync.Mutex
	flushed chan struct{}
}

func NewBatcher(ctx context.Context, state *State, delay time.Duration) *Batcher {
	if delay <= 0 {
		delay = DefaultDebounce
	}
	b := &Batcher{
		state:   state,
		delay:   delay,
		ctx:     ctx,
		pending: make(map[string]store.PositionUpdate),
		phase:   PhaseIdle,
		flushed: make(chan struct{}, 1),
	}
	state.attachPositions(b)
	return b
}

// Drag applies an in-progress position locally only.
func (b *Batcher) Drag(nodeID string, x, y float64) bool {
	return b.state.MoveNodeLocal(nodeID, x, y)
}

// DragEnd records the final position and re-arms the flush timer. A later
// drag-end for the same node overwrites the pending value. After Close the
// node still moves locally but nothing is queued, and DragEnd returns false.
func (b *Batcher) DragEnd(nodeID string, x, y float64) bool {
	b.state.MoveNodeLocal(nodeID, x, y)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	if _, ok := b.pending[nodeID]; !ok {
		b.order = append(b.order, nodeID)
	}
	b.pending[nodeID] = store.PositionUpdate{ID: nodeID, X: x, Y: y}
	if b.phase != PhaseFlushing {
		b.phase = PhaseAccumulating
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.delay, func() {
		_ = b.Flush(b.ctx)
		select {
		case b.flushed <- struct{}{}:
		default:
		}
	})
	return true
}

// Flush drains every pending position into one batch now.
func (b *Batcher) Flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	if len(b.order) == 0 {
		b.mu.Unlock()
		return nil
	}
	items := make([]store.PositionUpdate, 0, len(b.order))
	for _, id := range b.order {
		items = append(items, b.pending[id])
	}
	b.pending = make(map[string]store.PositionUpdate)
	b.order = nil
	b.phase = PhaseFlushing
	b.mu.Unlock()

	err := b.state.SavePositions(ctx, items)
	b.finish(err)
	return err
}

func (b *Batcher) retryPositions(ctx context.Context, items []store.PositionUpdate) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	b.phase = PhaseFlushing
	b.mu.Unlock()

	err := b.state.SavePositions(ctx, items)
	b.finish(err)
	return err
}

func (b *Batcher) finish(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastErr = err
	switch {
	case len(b.order) > 0:
		b.phase = PhaseAccumulating
	case err != nil:
		b.phase = PhaseError
	default:
		b.phase = PhaseSaved
	}
}

func (b *Batcher) Phase() Phase {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.phase
}

func (b *Batcher) LastError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

// Pending returns the number of positions waiting for the next flush.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.order)
}

// Flushed signals after each timer-driven flush completes.
func (b *Batcher) Flushed() <-chan struct{} {
	return b.flushed
}

// Close stops the timer and flushes whatever is still pending.
func (b *Batcher) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()
	return b.Flush(ctx)
}
