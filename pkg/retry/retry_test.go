package retry

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenzahq/cadenza/pkg/dispatch"
	"github.com/cadenzahq/cadenza/pkg/models"
	"github.com/cadenzahq/cadenza/pkg/persistence/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeSender struct {
	calls []dispatch.Request
	errs  []error
}

func (f *fakeSender) Send(_ context.Context, req dispatch.Request) (*dispatch.Result, error) {
	f.calls = append(f.calls, req)

	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]

		if err != nil {
			return nil, err
		}
	}

	return &dispatch.Result{MessageID: "msg-1"}, nil
}

type fakeResumer struct {
	outcomes map[string]error
}

func (f *fakeResumer) ResumeFromRetry(_ context.Context, executionID string, outcome error) error {
	if f.outcomes == nil {
		f.outcomes = make(map[string]error)
	}

	f.outcomes[executionID] = outcome

	return nil
}

func newJob() *models.RetryJob {
	return &models.RetryJob{
		ExecutionID: "exec-1",
		NodeID:      "send",
		Channel:     models.ChannelEmail,
		ContactID:   "contact-1",
		Payload:     map[string]any{"template_id": "tpl-welcome"},
	}
}

func TestDelaySchedule(t *testing.T) {
	queue := NewQueue(testLogger(), memory.NewPersistence().RetryJobs(), &fakeSender{}, nil, nil)

	assert.Equal(t, 60*time.Second, queue.Delay(0))
	assert.Equal(t, 120*time.Second, queue.Delay(1))
	assert.Equal(t, 240*time.Second, queue.Delay(2))
	// Capped at one hour.
	assert.Equal(t, 3600*time.Second, queue.Delay(10))
}

func TestEnqueueRejectsPermanentFailure(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	queue := NewQueue(testLogger(), store.RetryJobs(), &fakeSender{}, nil, nil)

	enqueued, err := queue.Enqueue(ctx, newJob(), dispatch.Permanent(errors.New("bad address")))
	require.NoError(t, err)
	assert.False(t, enqueued)

	due, err := store.RetryJobs().ListDue(ctx, time.Now().UTC().Add(24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestEnqueueSchedulesTransientFailure(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	clock := clockwork.NewFakeClock()
	queue := NewQueue(testLogger(), store.RetryJobs(), &fakeSender{}, nil, nil, WithClock(clock))

	job := newJob()

	enqueued, err := queue.Enqueue(ctx, job, dispatch.Transient(errors.New("smtp timeout")))
	require.NoError(t, err)
	assert.True(t, enqueued)

	persisted, err := store.RetryJobs().GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RetryJobStatusPending, persisted.Status)
	assert.Equal(t, 0, persisted.Attempt)
	assert.Equal(t, 3, persisted.MaxAttempts)
	assert.Equal(t, clock.Now().UTC().Add(60*time.Second), persisted.NextRetryAt)
	assert.Contains(t, persisted.LastError, "smtp timeout")
}

func TestProcessDueSuccessResumesExecution(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	clock := clockwork.NewFakeClock()
	sender := &fakeSender{}
	resumer := &fakeResumer{}
	queue := NewQueue(testLogger(), store.RetryJobs(), sender, resumer, nil, WithClock(clock))

	job := newJob()
	_, err := queue.Enqueue(ctx, job, dispatch.Transient(errors.New("smtp timeout")))
	require.NoError(t, err)

	clock.Advance(61 * time.Second)

	stats, err := queue.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Processed: 1, Sent: 1}, stats)

	persisted, err := store.RetryJobs().GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RetryJobStatusSent, persisted.Status)

	// Redelivery carried the original template.
	require.Len(t, sender.calls, 1)
	assert.Equal(t, "tpl-welcome", sender.calls[0].TemplateID)

	outcome, notified := resumer.outcomes["exec-1"]
	require.True(t, notified)
	assert.NoError(t, outcome)
}

func TestProcessDueReschedulesWithIncreasingBackoff(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	clock := clockwork.NewFakeClock()
	sender := &fakeSender{errs: []error{
		dispatch.Transient(errors.New("timeout 1")),
		dispatch.Transient(errors.New("timeout 2")),
	}}
	queue := NewQueue(testLogger(), store.RetryJobs(), sender, &fakeResumer{}, nil, WithClock(clock))

	job := newJob()
	_, err := queue.Enqueue(ctx, job, dispatch.Transient(errors.New("timeout 0")))
	require.NoError(t, err)

	first, err := store.RetryJobs().GetByID(ctx, job.ID)
	require.NoError(t, err)

	clock.Advance(61 * time.Second)

	stats, err := queue.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Processed: 1, Rescheduled: 1}, stats)

	second, err := store.RetryJobs().GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Attempt)
	assert.True(t, second.NextRetryAt.After(first.NextRetryAt))
	assert.Equal(t, clock.Now().UTC().Add(120*time.Second), second.NextRetryAt)

	clock.Advance(121 * time.Second)

	stats, err = queue.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Processed: 1, Rescheduled: 1}, stats)

	third, err := store.RetryJobs().GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, third.Attempt)
	assert.True(t, third.NextRetryAt.After(second.NextRetryAt))
	assert.Equal(t, clock.Now().UTC().Add(240*time.Second), third.NextRetryAt)
}

func TestProcessDueExhaustionFailsJobAndExecution(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	clock := clockwork.NewFakeClock()
	sender := &fakeSender{errs: []error{
		dispatch.Transient(errors.New("timeout 1")),
		dispatch.Transient(errors.New("timeout 2")),
		dispatch.Transient(errors.New("timeout 3")),
	}}
	resumer := &fakeResumer{}
	queue := NewQueue(testLogger(), store.RetryJobs(), sender, resumer, nil, WithClock(clock))

	job := newJob()
	_, err := queue.Enqueue(ctx, job, dispatch.Transient(errors.New("timeout 0")))
	require.NoError(t, err)

	for range 3 {
		clock.Advance(time.Hour)

		_, err := queue.ProcessDue(ctx)
		require.NoError(t, err)
	}

	persisted, err := store.RetryJobs().GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RetryJobStatusFailed, persisted.Status)
	assert.Equal(t, 3, persisted.Attempt)
	assert.LessOrEqual(t, persisted.Attempt, persisted.MaxAttempts)

	outcome, notified := resumer.outcomes["exec-1"]
	require.True(t, notified)
	require.Error(t, outcome)
	assert.Contains(t, outcome.Error(), "timeout 3")

	// The failed job never comes due again.
	due, err := store.RetryJobs().ListDue(ctx, clock.Now().UTC().Add(24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestProcessDuePermanentFailureFailsImmediately(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	clock := clockwork.NewFakeClock()
	sender := &fakeSender{errs: []error{dispatch.Permanent(errors.New("template deleted"))}}
	resumer := &fakeResumer{}
	queue := NewQueue(testLogger(), store.RetryJobs(), sender, resumer, nil, WithClock(clock))

	job := newJob()
	_, err := queue.Enqueue(ctx, job, dispatch.Transient(errors.New("timeout 0")))
	require.NoError(t, err)

	clock.Advance(61 * time.Second)

	stats, err := queue.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Processed: 1, Failed: 1}, stats)

	persisted, err := store.RetryJobs().GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RetryJobStatusFailed, persisted.Status)

	require.Error(t, resumer.outcomes["exec-1"])
}

func TestProcessDueIsolatesJobFailures(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	clock := clockwork.NewFakeClock()
	sender := &fakeSender{errs: []error{dispatch.Permanent(errors.New("boom"))}}
	queue := NewQueue(testLogger(), store.RetryJobs(), sender, &fakeResumer{}, nil, WithClock(clock))

	bad := newJob()
	_, err := queue.Enqueue(ctx, bad, dispatch.Transient(errors.New("t")))
	require.NoError(t, err)

	good := newJob()
	good.ExecutionID = "exec-2"
	_, err = queue.Enqueue(ctx, good, dispatch.Transient(errors.New("t")))
	require.NoError(t, err)

	clock.Advance(61 * time.Second)

	stats, err := queue.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Processed)
	assert.Equal(t, 1, stats.Sent)
	assert.Equal(t, 1, stats.Failed)
}
