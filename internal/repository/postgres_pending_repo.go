package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/citysphere/citysphere/internal/model"
)

// PostgresPendingRepo はPostgreSQLを使用した未完了リコンサイルのリポジトリ。
type PostgresPendingRepo struct {
	db *sql.DB
}

// NewPostgresPendingRepo はPostgresPendingRepoを生成する。
func NewPostgresPendingRepo(db *sql.DB) *PostgresPendingRepo {
	return &PostgresPendingRepo{db: db}
}

// Enqueue はUNIQUE(firebase_uid)制約を利用して要求を登録または上書きする。
// attemptsとcreated_atは既存の値を維持する。
func (r *PostgresPendingRepo) Enqueue(ctx context.Context, p *model.PendingReconciliation) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO pending_reconciliations
		     (id, firebase_uid, email, display_name, attempts, last_error, next_attempt_at, created_at)
		 VALUES ($1, $2, $3, $4, 0, $5, $6, $7)
		 ON CONFLICT (firebase_uid) DO UPDATE
		 SET email = EXCLUDED.email,
		     display_name = EXCLUDED.display_name,
		     last_error = EXCLUDED.last_error,
		     next_attempt_at = EXCLUDED.next_attempt_at`,
		p.ID, p.ExternalID, p.Email, p.DisplayName, p.LastError, p.NextAttemptAt, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue pending reconciliation: %w", err)
	}
	return nil
}

// ListDue は再実行対象の要求を次回実行時刻の昇順で取得する。
func (r *PostgresPendingRepo) ListDue(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*model.PendingReconciliation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, firebase_uid, email, display_name, attempts, last_error, next_attempt_at, created_at
		 FROM pending_reconciliations
		 WHERE next_attempt_at <= $1 AND attempts < $2
		 ORDER BY next_attempt_at ASC
		 LIMIT $3`,
		now, maxAttempts, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list due reconciliations: %w", err)
	}
	defer rows.Close()

	var pending []*model.PendingReconciliation
	for rows.Next() {
		p := &model.PendingReconciliation{}
		if err := rows.Scan(
			&p.ID, &p.ExternalID, &p.Email, &p.DisplayName,
			&p.Attempts, &p.LastError, &p.NextAttemptAt, &p.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan pending reconciliation: %w", err)
		}
		pending = append(pending, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending reconciliations: %w", err)
	}

	return pending, nil
}

// MarkFailed は再実行失敗を記録する。
func (r *PostgresPendingRepo) MarkFailed(ctx context.Context, id string, attempts int, lastError string, nextAttemptAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE pending_reconciliations
		 SET attempts = $2, last_error = $3, next_attempt_at = $4
		 WHERE id = $1`,
		id, attempts, lastError, nextAttemptAt,
	)
	if err != nil {
		return fmt.Errorf("failed to mark reconciliation failed: %w", err)
	}
	return nil
}

// Resolve はペイロードが取得時から変わっていない場合のみ要求を削除する。
func (r *PostgresPendingRepo) Resolve(ctx context.Context, p *model.PendingReconciliation) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM pending_reconciliations
		 WHERE id = $1 AND email = $2 AND display_name = $3`,
		p.ID, p.Email, p.DisplayName,
	)
	if err != nil {
		return fmt.Errorf("failed to resolve pending reconciliation: %w", err)
	}
	return nil
}

// compile-time interface check
var _ PendingReconciliationRepository = (*PostgresPendingRepo)(nil)
