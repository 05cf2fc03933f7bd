package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/citysphere/citysphere/internal/identity"
	"github.com/citysphere/citysphere/internal/metrics"
	"github.com/citysphere/citysphere/internal/model"
)

// --- モック ---

type markCall struct {
	id            string
	attempts      int
	lastError     string
	nextAttemptAt time.Time
}

type mockPendingRepo struct {
	listDueFn func(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*model.PendingReconciliation, error)

	mu       sync.Mutex
	marked   []markCall
	resolved []string
}

func (m *mockPendingRepo) Enqueue(ctx context.Context, p *model.PendingReconciliation) error {
	return nil
}

func (m *mockPendingRepo) ListDue(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*model.PendingReconciliation, error) {
	if m.listDueFn != nil {
		return m.listDueFn(ctx, now, maxAttempts, limit)
	}
	return nil, nil
}

func (m *mockPendingRepo) MarkFailed(ctx context.Context, id string, attempts int, lastError string, nextAttemptAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marked = append(m.marked, markCall{id: id, attempts: attempts, lastError: lastError, nextAttemptAt: nextAttemptAt})
	return nil
}

func (m *mockPendingRepo) Resolve(ctx context.Context, p *model.PendingReconciliation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolved = append(m.resolved, p.ID)
	return nil
}

type mockReplayRecorder struct {
	mu      sync.Mutex
	results []string
}

func (m *mockReplayRecorder) RecordReconcileReplay(result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, result)
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestReplayer(repo *mockPendingRepo, reconciler identity.Reconciler, recorder ReplayRecorder) *Replayer {
	r := NewReplayer(repo, reconciler, recorder, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{
		BatchSize:   10,
		MaxAttempts: 5,
		RatePerSec:  1000,
		Timeout:     time.Second,
	})
	r.now = func() time.Time { return fixedNow }
	return r
}

func pending(id, externalID string, attempts int) *model.PendingReconciliation {
	return &model.PendingReconciliation{
		ID:          id,
		ExternalID:  externalID,
		Email:       externalID + "@example.com",
		DisplayName: "User " + externalID,
		Attempts:    attempts,
	}
}

// --- テスト ---

func TestNewReplayer_Defaults(t *testing.T) {
	r := NewReplayer(&mockPendingRepo{}, nil, nil, slog.Default(), Config{})
	if r.batchSize != 50 {
		t.Errorf("batchSize = %d, want 50", r.batchSize)
	}
	if r.maxAttempts != 10 {
		t.Errorf("maxAttempts = %d, want 10", r.maxAttempts)
	}
	if r.timeout != 10*time.Second {
		t.Errorf("timeout = %v, want 10s", r.timeout)
	}
}

func TestRunOnce_PassesQueryParameters(t *testing.T) {
	var gotNow time.Time
	var gotMax, gotLimit int
	repo := &mockPendingRepo{
		listDueFn: func(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*model.PendingReconciliation, error) {
			gotNow, gotMax, gotLimit = now, maxAttempts, limit
			return nil, nil
		},
	}
	r := newTestReplayer(repo, identity.ReconcilerFunc(func(ctx context.Context, req identity.ReconcileRequest) error {
		t.Fatal("reconciler should not be called when nothing is due")
		return nil
	}), nil)

	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !gotNow.Equal(fixedNow) || gotMax != 5 || gotLimit != 10 {
		t.Errorf("ListDue(%v, %d, %d), want (%v, 5, 10)", gotNow, gotMax, gotLimit, fixedNow)
	}
}

func TestRunOnce_SuccessResolvesEntry(t *testing.T) {
	repo := &mockPendingRepo{
		listDueFn: func(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*model.PendingReconciliation, error) {
			return []*model.PendingReconciliation{pending("p1", "uid-1", 2)}, nil
		},
	}
	var got identity.ReconcileRequest
	recorder := &mockReplayRecorder{}
	r := newTestReplayer(repo, identity.ReconcilerFunc(func(ctx context.Context, req identity.ReconcileRequest) error {
		got = req
		return nil
	}), recorder)

	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := identity.ReconcileRequest{ExternalID: "uid-1", Email: "uid-1@example.com", DisplayName: "User uid-1"}
	if got != want {
		t.Errorf("reconcile request = %+v, want %+v", got, want)
	}
	if len(repo.resolved) != 1 || repo.resolved[0] != "p1" {
		t.Errorf("resolved = %v, want [p1]", repo.resolved)
	}
	if len(repo.marked) != 0 {
		t.Errorf("MarkFailed should not be called, got %v", repo.marked)
	}
	if len(recorder.results) != 1 || recorder.results[0] != metrics.ReplayResolved {
		t.Errorf("recorded = %v, want [%s]", recorder.results, metrics.ReplayResolved)
	}
}

func TestRunOnce_TransientFailureSchedulesBackoff(t *testing.T) {
	repo := &mockPendingRepo{
		listDueFn: func(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*model.PendingReconciliation, error) {
			return []*model.PendingReconciliation{pending("p1", "uid-1", 2)}, nil
		},
	}
	recorder := &mockReplayRecorder{}
	r := newTestReplayer(repo, identity.ReconcilerFunc(func(ctx context.Context, req identity.ReconcileRequest) error {
		return errors.New("connection refused")
	}), recorder)

	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(repo.marked) != 1 {
		t.Fatalf("MarkFailed calls = %d, want 1", len(repo.marked))
	}
	call := repo.marked[0]
	if call.id != "p1" || call.attempts != 3 {
		t.Errorf("MarkFailed(%q, %d), want (p1, 3)", call.id, call.attempts)
	}
	if call.lastError != "connection refused" {
		t.Errorf("lastError = %q", call.lastError)
	}
	if want := fixedNow.Add(4 * time.Minute); !call.nextAttemptAt.Equal(want) {
		t.Errorf("nextAttemptAt = %v, want %v", call.nextAttemptAt, want)
	}
	if len(repo.resolved) != 0 {
		t.Errorf("failed entry should not be resolved")
	}
	if len(recorder.results) != 1 || recorder.results[0] != metrics.ReplayFailed {
		t.Errorf("recorded = %v, want [%s]", recorder.results, metrics.ReplayFailed)
	}
}

func TestRunOnce_RejectedFailureIsExhaustedImmediately(t *testing.T) {
	repo := &mockPendingRepo{
		listDueFn: func(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*model.PendingReconciliation, error) {
			return []*model.PendingReconciliation{pending("p1", "uid-1", 0)}, nil
		},
	}
	r := newTestReplayer(repo, identity.ReconcilerFunc(func(ctx context.Context, req identity.ReconcileRequest) error {
		return fmt.Errorf("%w: email in use", identity.ErrReconcileRejected)
	}), nil)

	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(repo.marked) != 1 {
		t.Fatalf("MarkFailed calls = %d, want 1", len(repo.marked))
	}
	if repo.marked[0].attempts != 5 {
		t.Errorf("attempts = %d, want max attempts 5", repo.marked[0].attempts)
	}
}

func TestRunOnce_ContinuesAfterFailure(t *testing.T) {
	repo := &mockPendingRepo{
		listDueFn: func(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*model.PendingReconciliation, error) {
			return []*model.PendingReconciliation{
				pending("p1", "uid-1", 0),
				pending("p2", "uid-2", 0),
				pending("p3", "uid-3", 0),
			}, nil
		},
	}
	r := newTestReplayer(repo, identity.ReconcilerFunc(func(ctx context.Context, req identity.ReconcileRequest) error {
		if req.ExternalID == "uid-2" {
			return errors.New("timeout")
		}
		return nil
	}), nil)

	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(repo.resolved) != 2 || repo.resolved[0] != "p1" || repo.resolved[1] != "p3" {
		t.Errorf("resolved = %v, want [p1 p3]", repo.resolved)
	}
	if len(repo.marked) != 1 || repo.marked[0].id != "p2" {
		t.Errorf("marked = %v, want p2 only", repo.marked)
	}
}

func TestRunOnce_ListError(t *testing.T) {
	repo := &mockPendingRepo{
		listDueFn: func(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*model.PendingReconciliation, error) {
			return nil, errors.New("db down")
		},
	}
	r := newTestReplayer(repo, nil, nil)

	if err := r.RunOnce(context.Background()); err == nil {
		t.Fatal("expected error from ListDue")
	}
}

func TestRunOnce_CanceledContextStopsBatch(t *testing.T) {
	repo := &mockPendingRepo{
		listDueFn: func(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*model.PendingReconciliation, error) {
			return []*model.PendingReconciliation{pending("p1", "uid-1", 0)}, nil
		},
	}
	called := false
	r := newTestReplayer(repo, identity.ReconcilerFunc(func(ctx context.Context, req identity.ReconcileRequest) error {
		called = true
		return nil
	}), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := r.RunOnce(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if called {
		t.Error("reconciler should not be called after cancellation")
	}
}

func TestStart_RunsImmediatelyAndStopsOnCancel(t *testing.T) {
	ran := make(chan struct{}, 1)
	repo := &mockPendingRepo{
		listDueFn: func(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*model.PendingReconciliation, error) {
			select {
			case ran <- struct{}{}:
			default:
			}
			return nil, nil
		},
	}
	r := newTestReplayer(repo, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Start(ctx, time.Hour)
		close(done)
	}()

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("Start should run a cycle immediately")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start should return after cancellation")
	}
}

// TestStart_NonPositiveIntervalUsesDefault は0以下の間隔でもpanicせずに動作することを検証する。
func TestStart_NonPositiveIntervalUsesDefault(t *testing.T) {
	ran := make(chan struct{}, 1)
	repo := &mockPendingRepo{
		listDueFn: func(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*model.PendingReconciliation, error) {
			select {
			case ran <- struct{}{}:
			default:
			}
			return nil, nil
		},
	}
	r := newTestReplayer(repo, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Start(ctx, 0)
		close(done)
	}()

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("Start should run a cycle immediately")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start should return after cancellation")
	}
}
