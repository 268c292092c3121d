package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowrun/internal/engine"
	"github.com/rendis/flowrun/internal/metrics"
	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/pkg/schema"
)

// mockSchedulerStore is an in-memory JobStore.
type mockSchedulerStore struct {
	mu   sync.Mutex
	jobs map[string]*store.ScheduledJob
}

func newMockSchedulerStore() *mockSchedulerStore {
	return &mockSchedulerStore{jobs: make(map[string]*store.ScheduledJob)}
}

func (m *mockSchedulerStore) CreateScheduledJob(_ context.Context, job *store.ScheduledJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *mockSchedulerStore) get(id string) *store.ScheduledJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil
	}
	cp := *j
	return &cp
}

func (m *mockSchedulerStore) UpdateScheduledJob(_ context.Context, id string, update store.ScheduledJobUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil
	}
	if update.Enabled != nil {
		j.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		j.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		j.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != "" {
		j.LastRunStatus = update.LastRunStatus
	}
	return nil
}

func (m *mockSchedulerStore) ListScheduledJobs(_ context.Context, filter store.ScheduledJobFilter) ([]*store.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*store.ScheduledJob
	for _, j := range m.jobs {
		if filter.Enabled != nil && j.Enabled != *filter.Enabled {
			continue
		}
		if filter.WorkflowID != "" && j.WorkflowID != filter.WorkflowID {
			continue
		}
		cp := *j
		result = append(result, &cp)
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// mockRunner records Run calls.
type mockRunner struct {
	mu     sync.Mutex
	calls  []engine.RunRequest
	status schema.ExecutionStatus
	err    error
}

func (r *mockRunner) Run(_ context.Context, req engine.RunRequest) (*engine.RunResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, req)
	if r.err != nil {
		return nil, r.err
	}
	status := r.status
	if status == "" {
		status = schema.ExecutionCompleted
	}
	return &engine.RunResult{ExecutionID: "exec-1", WorkflowID: req.WorkflowID, Status: status}, nil
}

func (r *mockRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestScheduler(s JobStore, runner WorkflowRunner, opts ...Option) *Scheduler {
	return NewScheduler(s, runner, slog.Default(), opts...)
}

func pastTime(d time.Duration) *time.Time {
	t := time.Now().UTC().Add(-d)
	return &t
}

// --- Tests ---

func TestCalculateNextRun(t *testing.T) {
	sched := newTestScheduler(newMockSchedulerStore(), &mockRunner{})
	from := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	next, err := sched.CalculateNextRun("0 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), next)

	next, err = sched.CalculateNextRun("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC), next)

	next, err = sched.CalculateNextRun("@daily", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC), next)

	_, err = sched.CalculateNextRun("invalid cron", from)
	require.Error(t, err)
}

func TestAddJob(t *testing.T) {
	ms := newMockSchedulerStore()
	sched := newTestScheduler(ms, &mockRunner{})

	job := &store.ScheduledJob{WorkflowID: "nightly", CronExpression: "0 3 * * *", Enabled: true}
	require.NoError(t, sched.AddJob(context.Background(), job))
	require.NotEmpty(t, job.ID)

	got := ms.get(job.ID)
	require.NotNil(t, got)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now().UTC()))

	err := sched.AddJob(context.Background(), &store.ScheduledJob{WorkflowID: "nightly", CronExpression: "every day"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	err = sched.AddJob(context.Background(), &store.ScheduledJob{CronExpression: "@hourly"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestTickRunsDueJobsAsScheduledTrigger(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)
	ctx := context.Background()

	require.NoError(t, ms.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID:             "job-1",
		WorkflowID:     "deploy",
		CronExpression: "*/15 * * * *",
		Inputs:         map[string]any{"env": "staging"},
		UserID:         "ops",
		Enabled:        true,
		NextRunAt:      pastTime(30 * time.Minute),
	}))

	sched.tick(ctx)

	require.Equal(t, 1, runner.callCount())
	req := runner.calls[0]
	assert.Equal(t, "deploy", req.WorkflowID)
	assert.Equal(t, schema.TriggerScheduled, req.TriggerType)
	assert.Equal(t, "ops", req.UserID)
	assert.Equal(t, "staging", req.Inputs["env"])
	assert.Equal(t, "job-1", req.Metadata["scheduled_job_id"])

	got := ms.get("job-1")
	assert.NotNil(t, got.LastRunAt)
	assert.Equal(t, "completed", got.LastRunStatus)
	assert.True(t, got.NextRunAt.After(time.Now().UTC().Add(-time.Second)))
}

func TestTickSkipsNotDueAndDisabledJobs(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)
	ctx := context.Background()
	future := time.Now().UTC().Add(time.Hour)

	require.NoError(t, ms.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID: "future", WorkflowID: "a", CronExpression: "0 * * * *", Enabled: true, NextRunAt: &future,
	}))
	require.NoError(t, ms.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID: "disabled", WorkflowID: "b", CronExpression: "0 * * * *", Enabled: false, NextRunAt: pastTime(time.Hour),
	}))

	sched.tick(ctx)
	assert.Equal(t, 0, runner.callCount())
}

func TestTickWithNilNextRunAt(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	require.NoError(t, ms.CreateScheduledJob(context.Background(), &store.ScheduledJob{
		ID: "job-nil-next", WorkflowID: "a", CronExpression: "0 * * * *", Enabled: true,
	}))

	sched.tick(context.Background())
	assert.Equal(t, 1, runner.callCount())
}

func TestJobRunStatusRecorded(t *testing.T) {
	tests := []struct {
		name   string
		runner *mockRunner
		want   string
	}{
		{"run error", &mockRunner{err: assert.AnError}, "error"},
		{"failed execution", &mockRunner{status: schema.ExecutionFailed}, "failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms := newMockSchedulerStore()
			reg := prometheus.NewRegistry()
			sched := newTestScheduler(ms, tt.runner, WithMetrics(metrics.NewCollector("flowrun", reg)))

			require.NoError(t, ms.CreateScheduledJob(context.Background(), &store.ScheduledJob{
				ID: "job", WorkflowID: "a", CronExpression: "0 * * * *", Enabled: true, NextRunAt: pastTime(time.Hour),
			}))
			sched.tick(context.Background())

			got := ms.get("job")
			assert.Equal(t, tt.want, got.LastRunStatus)
			assert.NotNil(t, got.NextRunAt)

			n, err := testutil.GatherAndCount(reg, "flowrun_scheduler_job_runs_total")
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})
	}
}

func TestMissedRecovery(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)
	ctx := context.Background()

	require.NoError(t, ms.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID: "job-missed", WorkflowID: "cleanup", CronExpression: "0 * * * *", Enabled: true, NextRunAt: pastTime(2 * time.Hour),
	}))

	require.NoError(t, sched.RecoverMissed(ctx))
	assert.Equal(t, 1, runner.callCount())

	got := ms.get("job-missed")
	assert.Equal(t, "completed", got.LastRunStatus)
	assert.True(t, got.NextRunAt.After(time.Now().UTC()))
}

func TestDedupPreventsDoubleRun(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)
	ctx := context.Background()

	require.NoError(t, ms.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID: "job-dedup", WorkflowID: "a", CronExpression: "0 * * * *", Enabled: true, NextRunAt: pastTime(time.Hour),
	}))

	assert.True(t, sched.tryAcquire("job-dedup"))
	sched.tick(ctx)
	assert.Equal(t, 0, runner.callCount())

	sched.releaseJob("job-dedup")
	sched.tick(ctx)
	assert.Equal(t, 1, runner.callCount())
}

func TestStartStop(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner, WithInterval(10*time.Millisecond))
	ctx := context.Background()

	require.NoError(t, ms.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID: "job", WorkflowID: "a", CronExpression: "0 * * * *", Enabled: true,
	}))

	require.NoError(t, sched.Start(ctx))

	err := sched.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")

	assert.Eventually(t, func() bool { return runner.callCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, sched.Stop())
	require.NoError(t, sched.Stop())
}
