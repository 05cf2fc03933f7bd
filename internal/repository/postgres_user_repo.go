package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/citysphere/citysphere/internal/model"
	"github.com/lib/pq"
)

// uniqueViolation はPostgreSQLの一意制約違反のエラーコード。
const uniqueViolation = "23505"

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// Upsert はUNIQUE(firebase_uid)制約を利用したINSERT ON CONFLICTで
// ユーザーを作成または更新する。
// xmax = 0 の行は今回のINSERTで作成された行を意味する。
func (r *PostgresUserRepo) Upsert(ctx context.Context, user *model.User) (model.UpsertOutcome, error) {
	var inserted bool
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO users (id, firebase_uid, email, name, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (firebase_uid) DO UPDATE
		 SET email = EXCLUDED.email,
		     name = EXCLUDED.name,
		     updated_at = EXCLUDED.updated_at
		 RETURNING id, created_at, updated_at, (xmax = 0) AS inserted`,
		user.ID, user.ExternalID, user.Email, user.Name, user.CreatedAt, user.UpdatedAt,
	).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt, &inserted)
	if err != nil {
		return "", fmt.Errorf("failed to upsert user: %w", translatePostgresError(err))
	}

	if inserted {
		return model.UpsertCreated, nil
	}
	return model.UpsertUpdated, nil
}

// FindByExternalID は外部IDでユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByExternalID(ctx context.Context, externalID string) (*model.User, error) {
	user := &model.User{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, firebase_uid, email, name, created_at, updated_at
		 FROM users WHERE firebase_uid = $1`,
		externalID,
	).Scan(&user.ID, &user.ExternalID, &user.Email, &user.Name, &user.CreatedAt, &user.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by external ID: %w", err)
	}

	return user, nil
}

// Ping はデータベースへの疎通を確認する。
func (r *PostgresUserRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// translatePostgresError は一意制約違反をリポジトリのセンチネルエラーに変換する。
// 原因エラーはラップして保持する。
func translatePostgresError(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || string(pqErr.Code) != uniqueViolation {
		return err
	}
	switch pqErr.Constraint {
	case "users_email_key":
		return fmt.Errorf("%w: %v", ErrDuplicateEmail, err)
	case "users_firebase_uid_key":
		return fmt.Errorf("%w: %v", ErrDuplicateExternalID, err)
	default:
		return err
	}
}

// compile-time interface check
var (
	_ UserRepository = (*PostgresUserRepo)(nil)
	_ HealthChecker  = (*PostgresUserRepo)(nil)
)
