package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/studiobridge/internal/catalog"
	"github.com/mattjoyce/studiobridge/internal/events"
	"github.com/mattjoyce/studiobridge/internal/fault"
	"github.com/mattjoyce/studiobridge/internal/log"
	"github.com/mattjoyce/studiobridge/internal/planner"
	"github.com/mattjoyce/studiobridge/internal/queue"
	"github.com/mattjoyce/studiobridge/internal/storage"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

type countingSubmitter struct {
	calls int
	inner Submitter
}

func (c *countingSubmitter) SubmitBatch(ctx context.Context, reqs []queue.SubmitRequest) ([]queue.SubmitResult, error) {
	c.calls++
	return c.inner.SubmitBatch(ctx, reqs)
}

func openQueue(t *testing.T, opts ...queue.Option) *queue.Queue {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "bridge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return queue.New(db, catalog.Default(), opts...)
}

func templatePlan(t *testing.T, prompt, template string) *planner.Plan {
	t.Helper()
	plan, err := planner.NewTemplateGenerator(catalog.Default()).Generate(context.Background(), planner.Request{Prompt: prompt, Template: template})
	require.NoError(t, err)
	return plan
}

func TestExecuteEnqueuesInPlanOrder(t *testing.T) {
	q := openQueue(t)
	hub := events.NewHub(16)
	exec := New(q, catalog.Default(), hub)
	ctx := context.Background()

	plan := templatePlan(t, "hello", "starter")
	h, err := exec.Execute(ctx, plan, Options{})
	require.NoError(t, err)

	assert.Equal(t, plan.ID, h.IdempotencyPrefix)
	assert.Equal(t, len(plan.Steps), h.QueuedCount)
	assert.Zero(t, h.DedupedCount)
	require.Len(t, h.CommandIDs, len(plan.Steps))
	assert.Nil(t, h.ExpiresAt)

	batch, err := q.Lease(ctx, "studio-1", 100)
	require.NoError(t, err)
	require.Len(t, batch.Leases, len(plan.Steps))
	for i, l := range batch.Leases {
		assert.Equal(t, h.CommandIDs[i], l.Record.ID, "step %d out of order", i)
		assert.Equal(t, plan.Steps[i].Action, l.Record.Action)
		require.NotNil(t, l.Record.IdempotencyKey)
		assert.Equal(t, fmt.Sprintf("%s:%d", plan.ID, i), *l.Record.IdempotencyKey)
	}

	evs := hub.SnapshotSince(0)
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypePlanExecuted, evs[0].Type)
}

func TestExecuteTwiceIsIdempotent(t *testing.T) {
	q := openQueue(t)
	exec := New(q, catalog.Default(), nil)
	ctx := context.Background()
	plan := templatePlan(t, "a 5 platform obby", "obby")

	first, err := exec.Execute(ctx, plan, Options{IdempotencyPrefix: "build-1"})
	require.NoError(t, err)
	second, err := exec.Execute(ctx, plan, Options{IdempotencyPrefix: "build-1"})
	require.NoError(t, err)

	assert.Equal(t, first.CommandIDs, second.CommandIDs)
	assert.Equal(t, len(plan.Steps), second.DedupedCount)
	assert.Zero(t, second.QueuedCount)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(plan.Steps), depth)
}

func TestRiskGateIsAllOrNothing(t *testing.T) {
	q := openQueue(t)
	sub := &countingSubmitter{inner: q}
	exec := New(sub, catalog.Default(), nil)
	ctx := context.Background()

	plan := &planner.Plan{
		ID: "mixed",
		Steps: []planner.Step{
			{Route: "scene/spawn-object", Payload: map[string]any{"class_name": "Part"}},
			{Route: "scene/delete-object", Payload: map[string]any{"target_path": "Workspace/Old"}, Risk: catalog.RiskSafe},
			{Route: "environment/set-time", Payload: map[string]any{"clock_time": 12.0}},
		},
	}

	_, err := exec.Execute(ctx, plan, Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrDangerousActionBlocked))
	var gate *GateError
	require.True(t, errors.As(err, &gate))
	require.Len(t, gate.Steps, 1)
	assert.Equal(t, 1, gate.Steps[0].Index)
	assert.Zero(t, sub.calls, "nothing may be submitted when the gate refuses")

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)

	h, err := exec.Execute(ctx, plan, Options{AllowDangerous: true})
	require.NoError(t, err)
	assert.Equal(t, 3, h.QueuedCount)
	assert.Equal(t, catalog.RiskSafe, plan.Steps[1].Risk, "caller's plan is not mutated")
}

func TestExecuteRejectsInvalidPlans(t *testing.T) {
	exec := New(openQueue(t), catalog.Default(), nil)
	ctx := context.Background()

	_, err := exec.Execute(ctx, nil, Options{})
	assert.True(t, errors.Is(err, fault.ErrValidation))

	_, err = exec.Execute(ctx, &planner.Plan{ID: "p", Steps: []planner.Step{{Route: "scene/teleport"}}}, Options{})
	assert.True(t, errors.Is(err, fault.ErrNotFound))

	_, err = exec.Execute(ctx, &planner.Plan{Steps: []planner.Step{{Route: "workspace/autosave"}}}, Options{})
	assert.True(t, errors.Is(err, fault.ErrValidation), "plan without id needs a prefix")
}

func TestExecuteExpiry(t *testing.T) {
	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	q := openQueue(t, queue.WithClock(clock))
	exec := New(q, catalog.Default(), nil)

	huge := int64(48 * time.Hour / time.Millisecond)
	plan := &planner.Plan{ID: "exp", Steps: []planner.Step{{Route: "workspace/autosave"}}}
	h, err := exec.Execute(context.Background(), plan, Options{ExpiresInMS: &huge})
	require.NoError(t, err)
	require.NotNil(t, h.ExpiresAt)
	assert.Equal(t, now.Add(24*time.Hour), *h.ExpiresAt)

	rec, err := q.Get(context.Background(), h.CommandIDs[0])
	require.NoError(t, err)
	require.NotNil(t, rec.ExpiresAt)
	assert.True(t, rec.ExpiresAt.Equal(*h.ExpiresAt))
}

func TestExecuteReplayReportsStoredDeadline(t *testing.T) {
	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	q := openQueue(t, queue.WithClock(func() time.Time { return now }))
	exec := New(q, catalog.Default(), nil)
	ctx := context.Background()

	ttl := int64(time.Hour / time.Millisecond)
	plan := &planner.Plan{ID: "replay", Steps: []planner.Step{{Route: "workspace/autosave"}}}
	first, err := exec.Execute(ctx, plan, Options{ExpiresInMS: &ttl})
	require.NoError(t, err)

	now = now.Add(10 * time.Minute)
	again, err := exec.Execute(ctx, plan, Options{ExpiresInMS: &ttl})
	require.NoError(t, err)

	assert.Equal(t, 1, again.DedupedCount)
	require.NotNil(t, again.ExpiresAt)
	assert.True(t, again.ExpiresAt.Equal(*first.ExpiresAt), "replay reported %v, stored %v", again.ExpiresAt, first.ExpiresAt)
}

func TestClampExpiry(t *testing.T) {
	neg, zero, small := int64(-5), int64(0), int64(1500)
	assert.Nil(t, ClampExpiry(nil))
	assert.Nil(t, ClampExpiry(&neg))
	assert.Nil(t, ClampExpiry(&zero))
	assert.Equal(t, int64(1500), *ClampExpiry(&small))
}
