package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagesentry/pagesentry/config"
	"github.com/pagesentry/pagesentry/internal/core"
	"github.com/pagesentry/pagesentry/internal/domain/model"
)

// reaperRepoStub hands out one non-empty batch per operation so the drain
// loops terminate. Calls and parameters are recorded for assertions.
type reaperRepoStub struct {
	mu sync.Mutex

	failCalls  int
	failMaxAge time.Duration
	failBatch  int
	failRows   int64
	failErr    error

	deleteCalls []core.DeleteOldJobsParams
	deleteRows  int64
	deleteErr   error

	resultCalls map[model.JobType]int
	resultRows  map[model.JobType]int64
	resultErr   error
}

func (r *reaperRepoStub) FailStalePendingJobs(
	_ context.Context,
	maxAge time.Duration,
	batchSize int,
) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.failCalls++
	r.failMaxAge = maxAge
	r.failBatch = batchSize
	if r.failErr != nil {
		return 0, r.failErr
	}
	if r.failCalls == 1 {
		return r.failRows, nil
	}
	return 0, nil
}

func (r *reaperRepoStub) DeleteOldJobs(
	_ context.Context,
	params core.DeleteOldJobsParams,
) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.deleteCalls = append(r.deleteCalls, params)
	if r.deleteErr != nil {
		return 0, r.deleteErr
	}
	// First call for a status yields rows, the repeat drains to zero.
	perStatus := 0
	for _, p := range r.deleteCalls {
		if p.Status == params.Status {
			perStatus++
		}
	}
	if perStatus == 1 {
		return r.deleteRows, nil
	}
	return 0, nil
}

func (r *reaperRepoStub) DeleteOldJobResults(
	_ context.Context,
	params core.DeleteOldJobResultsParams,
) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.resultCalls == nil {
		r.resultCalls = make(map[model.JobType]int)
	}
	r.resultCalls[params.JobType]++
	if r.resultErr != nil {
		return 0, r.resultErr
	}
	if r.resultCalls[params.JobType] == 1 {
		return r.resultRows[params.JobType], nil
	}
	return 0, nil
}

func (r *reaperRepoStub) failCallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failCalls
}

func reaperTestConfig(interval time.Duration) config.ReaperConfig {
	return config.ReaperConfig{
		Interval:         interval,
		PendingMaxAge:    time.Hour,
		CompletedMaxAge:  7 * 24 * time.Hour,
		FailedMaxAge:     14 * 24 * time.Hour,
		JobResultsMaxAge: 90 * 24 * time.Hour,
		BatchSize:        1000,
	}
}

func newTestReaper(t *testing.T, repo core.ReaperRepository, cfg config.ReaperConfig) *ReaperService {
	t.Helper()
	svc, err := NewReaperService(ReaperServiceOptions{
		Repo:   repo,
		Config: cfg,
		Logger: slog.Default(),
	})
	require.NoError(t, err)
	return svc
}

func TestNewReaperServiceRequiresRepo(t *testing.T) {
	_, err := NewReaperService(ReaperServiceOptions{Config: reaperTestConfig(time.Minute)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ReaperRepository is required")

	svc := newTestReaper(t, &reaperRepoStub{}, reaperTestConfig(time.Minute))
	assert.NotNil(t, svc)
}

func TestReaperRunCleanupDrainsEveryStep(t *testing.T) {
	repo := &reaperRepoStub{
		failRows:   5,
		deleteRows: 10,
		resultRows: map[model.JobType]int64{
			model.JobTypeAlert: 4,
			model.JobTypeRules: 2,
		},
	}
	cfg := reaperTestConfig(5 * time.Minute)
	svc := newTestReaper(t, repo, cfg)

	require.NoError(t, svc.runCleanup(context.Background()))

	// Each draining step stops after the first empty batch.
	assert.Equal(t, 2, repo.failCalls)
	assert.Equal(t, cfg.PendingMaxAge, repo.failMaxAge)
	assert.Equal(t, cfg.BatchSize, repo.failBatch)

	byStatus := map[model.JobStatus][]core.DeleteOldJobsParams{}
	for _, p := range repo.deleteCalls {
		byStatus[p.Status] = append(byStatus[p.Status], p)
	}
	require.Len(t, byStatus[model.JobStatusCompleted], 2)
	require.Len(t, byStatus[model.JobStatusFailed], 2)
	assert.Equal(t, cfg.CompletedMaxAge, byStatus[model.JobStatusCompleted][0].MaxAge)
	assert.Equal(t, cfg.FailedMaxAge, byStatus[model.JobStatusFailed][0].MaxAge)

	assert.Equal(t, 2, repo.resultCalls[model.JobTypeAlert])
	assert.Equal(t, 2, repo.resultCalls[model.JobTypeRules])
}

func TestReaperRunCleanupContinuesPastStepErrors(t *testing.T) {
	repo := &reaperRepoStub{
		failErr:    errors.New("stale-pending sweep broke"),
		deleteRows: 10,
		resultRows: map[model.JobType]int64{},
	}
	svc := newTestReaper(t, repo, reaperTestConfig(5*time.Minute))

	err := svc.runCleanup(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fail stale pending jobs")

	// The failing step stops immediately, but the later steps still run.
	assert.Equal(t, 1, repo.failCalls)
	assert.Len(t, repo.deleteCalls, 4)
	assert.Equal(t, 1, repo.resultCalls[model.JobTypeAlert])
	assert.Equal(t, 1, repo.resultCalls[model.JobTypeRules])
}

func TestReaperRunStopsOnCancel(t *testing.T) {
	repo := &reaperRepoStub{}
	svc := newTestReaper(t, repo, reaperTestConfig(100*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- svc.Run(ctx)
	}()

	time.Sleep(150 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err, "cancellation is a graceful stop")
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.GreaterOrEqual(t, repo.failCallCount(), 1)
}

func TestReaperRunSurvivesCleanupErrors(t *testing.T) {
	repo := &reaperRepoStub{failErr: errors.New("every tick fails")}
	svc := newTestReaper(t, repo, reaperTestConfig(50*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := svc.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded,
		"the loop reports the deadline, not the cleanup failures")

	assert.GreaterOrEqual(t, repo.failCallCount(), 2, "ticks keep firing after failures")
}

func TestReaperDrainBatchesSumsUntilEmpty(t *testing.T) {
	svc := newTestReaper(t, &reaperRepoStub{}, reaperTestConfig(time.Minute))

	counts := []int64{3, 2, 0}
	i := 0
	total, err := svc.drainBatches(context.Background(), func(context.Context) (int64, error) {
		count := counts[i]
		i++
		return count, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	assert.Equal(t, 3, i)
}

func TestReaperDrainBatchesStopsOnError(t *testing.T) {
	svc := newTestReaper(t, &reaperRepoStub{}, reaperTestConfig(time.Minute))

	wantErr := errors.New("batch failed")
	calls := 0
	total, err := svc.drainBatches(context.Background(), func(context.Context) (int64, error) {
		calls++
		if calls == 2 {
			return 0, wantErr
		}
		return 4, nil
	})
	require.ErrorIs(t, err, wantErr)
	assert.Equal(t, int64(4), total, "rows from earlier batches are still counted")
}
