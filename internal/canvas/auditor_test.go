package canvas

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storymap/api/internal/store"
)

func danglingFixture(t *testing.T) (*fakeGateway, *State) {
	t.Helper()
	gw := newFakeGateway()
	gw.seed(
		[]store.Node{{ID: "a"}, {ID: "b"}},
		[]store.Edge{
			{ID: "ok", SourceNodeID: "a", TargetNodeID: "b"},
			{ID: "orphan-target", SourceNodeID: "a", TargetNodeID: "gone"},
			{ID: "orphan-source", SourceNodeID: "gone", TargetNodeID: "b"},
		},
	)
	return gw, loadedState(t, gw)
}

func TestDetectLocal(t *testing.T) {
	_, state := danglingFixture(t)
	auditor := NewAuditor(state)

	dangling := auditor.DetectLocal()
	require.Len(t, dangling, 2)
	assert.Equal(t, "orphan-target", dangling[0].ID)
	assert.Equal(t, "orphan-source", dangling[1].ID)
}

func TestDetectIsReadOnly(t *testing.T) {
	gw, state := danglingFixture(t)
	auditor := NewAuditor(state)

	dangling, err := auditor.Detect(context.Background())
	require.NoError(t, err)
	assert.Len(t, dangling, 2)
	assert.Equal(t, "2 connections point to missing nodes. Fix now?", state.Snapshot().Status)

	_, edges := gw.stored()
	assert.Len(t, edges, 3)
	assert.Empty(t, gw.CallsOf("DeleteEdge"))
}

func TestCleanupIsIdempotent(t *testing.T) {
	gw, state := danglingFixture(t)
	auditor := NewAuditor(state)

	deleted, err := auditor.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	snap := state.Snapshot()
	require.Len(t, snap.Edges, 1)
	assert.Equal(t, "ok", snap.Edges[0].ID)
	assert.Equal(t, "Removed 2 broken connections", snap.Status)

	deleted, err = auditor.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)
	assert.Empty(t, auditor.DetectLocal())

	_, edges := gw.stored()
	assert.Len(t, edges, 1)
}

func TestCleanupFailureKeepsLocalEdges(t *testing.T) {
	gw, state := danglingFixture(t)
	gw.fail = func(op string, n int, arg string) error {
		if op == "CleanupDanglingEdges" && n == 1 {
			return persistenceErr("statement timeout")
		}
		return nil
	}
	auditor := NewAuditor(state)

	_, err := auditor.Cleanup(context.Background())
	require.Error(t, err)
	snap := state.Snapshot()
	assert.Len(t, snap.Edges, 3)
	require.NotNil(t, snap.Retry)
	assert.Equal(t, OpCleanupDangling, snap.Retry.Op)

	require.NoError(t, state.Retry(context.Background()))
	assert.Len(t, state.Snapshot().Edges, 1)
}

func TestWarningText(t *testing.T) {
	assert.Equal(t, "1 connection points to a missing node. Fix now?", Warning(1))
	assert.Equal(t, "3 connections point to missing nodes. Fix now?", Warning(3))
}
