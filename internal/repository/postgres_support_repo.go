package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/citysphere/citysphere/internal/model"
)

// PostgresSupportRepo はPostgreSQLを使用したお問い合わせメッセージリポジトリ。
type PostgresSupportRepo struct {
	db *sql.DB
}

// NewPostgresSupportRepo はPostgresSupportRepoを生成する。
func NewPostgresSupportRepo(db *sql.DB) *PostgresSupportRepo {
	return &PostgresSupportRepo{db: db}
}

// Create はメッセージを追加する。
func (r *PostgresSupportRepo) Create(ctx context.Context, msg *model.SupportMessage) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO support_messages (id, name, email, message, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		msg.ID, msg.Name, msg.Email, msg.Message, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert support message: %w", err)
	}
	return nil
}

// ListNewestFirst は全メッセージを作成日時の降順で返す。
// ページネーションは行わない。
func (r *PostgresSupportRepo) ListNewestFirst(ctx context.Context) ([]*model.SupportMessage, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, email, message, created_at
		 FROM support_messages
		 ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list support messages: %w", err)
	}
	defer rows.Close()

	messages := []*model.SupportMessage{}
	for rows.Next() {
		msg := &model.SupportMessage{}
		if err := rows.Scan(&msg.ID, &msg.Name, &msg.Email, &msg.Message, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan support message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate support messages: %w", err)
	}

	return messages, nil
}

// compile-time interface check
var _ SupportMessageRepository = (*PostgresSupportRepo)(nil)
