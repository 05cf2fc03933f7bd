// Package repository はデータ永続化のインターフェースと、
// PostgreSQL・MongoDBそれぞれの実装を提供する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/citysphere/citysphere/internal/model"
)

var (
	// ErrDuplicateEmail はemailが別の外部IDのユーザーに使われている場合に返される。
	ErrDuplicateEmail = errors.New("email already belongs to another user")
	// ErrDuplicateExternalID は外部IDの一意制約違反を表す。
	// 同一identityへの初回書き込みが競合した場合にのみ発生し、呼び出し元は更新として再試行できる。
	ErrDuplicateExternalID = errors.New("external id already exists")
)

// UserRepository はユーザーレコードの永続化インターフェース。
type UserRepository interface {
	// Upsert はExternalIDをキーにユーザーを1回の条件付き書き込みで作成または更新する。
	// 新規作成時はuserのID・CreatedAtがそのまま保存される。
	// 更新時はEmail・Name・UpdatedAtのみ上書きし、userのID・CreatedAtを保存済みの値で書き換える。
	Upsert(ctx context.Context, user *model.User) (model.UpsertOutcome, error)

	// FindByExternalID は外部IDでユーザーを検索する。見つからない場合はnilを返す。
	FindByExternalID(ctx context.Context, externalID string) (*model.User, error)
}

// SupportMessageRepository はお問い合わせメッセージの永続化インターフェース。
// 追記と全件取得のみを提供する。
type SupportMessageRepository interface {
	// Create はメッセージを追加する。
	Create(ctx context.Context, msg *model.SupportMessage) error

	// ListNewestFirst は全メッセージを作成日時の降順で返す。
	ListNewestFirst(ctx context.Context) ([]*model.SupportMessage, error)
}

// PendingReconciliationRepository は保存に失敗したリコンサイル要求の永続化インターフェース。
type PendingReconciliationRepository interface {
	// Enqueue はExternalIDをキーに要求を登録する。
	// 既に登録済みの場合はペイロードと次回実行時刻を上書きし、試行回数は維持する。
	Enqueue(ctx context.Context, p *model.PendingReconciliation) error

	// ListDue はnextAttemptAt <= now かつ試行回数がmaxAttempts未満の要求を、
	// 次回実行時刻の昇順で最大limit件返す。
	ListDue(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*model.PendingReconciliation, error)

	// MarkFailed は試行回数・最終エラー・次回実行時刻を更新する。
	MarkFailed(ctx context.Context, id string, attempts int, lastError string, nextAttemptAt time.Time) error

	// Resolve は再実行に成功した要求を削除する。
	// 取得後にペイロードが上書きされていた場合は削除せず、次回の再実行に残す。
	Resolve(ctx context.Context, p *model.PendingReconciliation) error
}

// HealthChecker はストアへの疎通確認のインターフェース。
type HealthChecker interface {
	Ping(ctx context.Context) error
}
