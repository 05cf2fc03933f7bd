// Package reconcile は保存に失敗したユーザーリコンサイルを再実行するワーカーを提供する。
// 未完了の要求を一定間隔で取得し、トークンバケットで流量を抑えながら順に再実行する。
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/citysphere/citysphere/internal/identity"
	"github.com/citysphere/citysphere/internal/metrics"
	"github.com/citysphere/citysphere/internal/model"
	"github.com/citysphere/citysphere/internal/repository"
	"golang.org/x/time/rate"
)

// ReplayRecorder は再実行結果のメトリクス記録インターフェース。
type ReplayRecorder interface {
	RecordReconcileReplay(result string)
}

// Config はReplayerの設定。
type Config struct {
	BatchSize   int
	MaxAttempts int
	RatePerSec  float64
	Timeout     time.Duration
}

// Replayer は未完了のリコンサイル要求を再実行する。
type Replayer struct {
	repo        repository.PendingReconciliationRepository
	reconciler  identity.Reconciler
	recorder    ReplayRecorder
	logger      *slog.Logger
	limiter     *rate.Limiter
	batchSize   int
	maxAttempts int
	timeout     time.Duration
	now         func() time.Time
}

// NewReplayer はReplayerを生成する。0以下の設定値にはデフォルト値を使用する。
func NewReplayer(
	repo repository.PendingReconciliationRepository,
	reconciler identity.Reconciler,
	recorder ReplayRecorder,
	logger *slog.Logger,
	cfg Config,
) *Replayer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Replayer{
		repo:        repo,
		reconciler:  reconciler,
		recorder:    recorder,
		logger:      logger,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
		batchSize:   cfg.BatchSize,
		maxAttempts: cfg.MaxAttempts,
		timeout:     cfg.Timeout,
		now:         time.Now,
	}
}

// DefaultInterval は0以下の実行間隔が渡された場合に使う間隔。
const DefaultInterval = time.Minute

// Start は指定間隔のティッカーで再実行を繰り返す。
// コンテキストがキャンセルされるまで実行を継続する。
func (r *Replayer) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("reconcile replayer started",
		slog.Duration("interval", interval),
		slog.Int("batch_size", r.batchSize),
		slog.Int("max_attempts", r.maxAttempts),
	)

	// 起動直後に1回実行
	r.runAndLog(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconcile replayer stopped")
			return
		case <-ticker.C:
			r.runAndLog(ctx)
		}
	}
}

func (r *Replayer) runAndLog(ctx context.Context) {
	if err := r.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Error("reconcile replay cycle failed", slog.String("error", err.Error()))
	}
}

// RunOnce は再実行対象の要求を1回取得し、順に再実行する。
// 成功した要求は削除し、失敗した要求は指数バックオフで次回実行時刻を設定する。
func (r *Replayer) RunOnce(ctx context.Context) error {
	start := r.now()

	due, err := r.repo.ListDue(ctx, start, r.maxAttempts, r.batchSize)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		r.logger.Debug("no pending reconciliations")
		return nil
	}

	var resolved, failed int
	for _, p := range due {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
		if r.replay(ctx, p) {
			resolved++
		} else {
			failed++
		}
	}

	r.logger.Info("reconcile replay cycle completed",
		slog.Int("resolved", resolved),
		slog.Int("failed", failed),
		slog.Float64("duration_ms", float64(r.now().Sub(start).Milliseconds())),
	)
	return nil
}

// replay は1件の要求を再実行し、成功したかを返す。
func (r *Replayer) replay(ctx context.Context, p *model.PendingReconciliation) bool {
	rctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	err := r.reconciler.Reconcile(rctx, identity.ReconcileRequest{
		ExternalID:  p.ExternalID,
		Email:       p.Email,
		DisplayName: p.DisplayName,
	})
	if err == nil {
		if err := r.repo.Resolve(ctx, p); err != nil {
			r.logger.Error("failed to resolve pending reconciliation",
				slog.String("firebase_uid", p.ExternalID),
				slog.String("error", err.Error()),
			)
		}
		r.record(metrics.ReplayResolved)
		r.logger.Info("pending reconciliation resolved",
			slog.String("firebase_uid", p.ExternalID),
			slog.Int("attempts", p.Attempts+1),
		)
		return true
	}

	r.record(metrics.ReplayFailed)

	attempts := p.Attempts + 1
	// 再試行しても成功しない失敗は以降スケジュールしない
	if errors.Is(err, identity.ErrReconcileRejected) {
		attempts = r.maxAttempts
	}
	next := r.now().Add(CalculateBackoff(attempts - 1))

	if markErr := r.repo.MarkFailed(ctx, p.ID, attempts, err.Error(), next); markErr != nil {
		r.logger.Error("failed to record replay failure",
			slog.String("firebase_uid", p.ExternalID),
			slog.String("error", markErr.Error()),
		)
	}

	level := slog.LevelWarn
	if attempts >= r.maxAttempts {
		level = slog.LevelError
	}
	r.logger.Log(ctx, level, "pending reconciliation replay failed",
		slog.String("firebase_uid", p.ExternalID),
		slog.Int("attempts", attempts),
		slog.Bool("exhausted", attempts >= r.maxAttempts),
		slog.Time("next_attempt_at", next),
		slog.String("error", err.Error()),
	)
	return false
}

func (r *Replayer) record(result string) {
	if r.recorder != nil {
		r.recorder.RecordReconcileReplay(result)
	}
}
