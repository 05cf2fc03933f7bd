// Package user はユーザーレコードのリコンサイル（外部IdPのidentityのミラー）を提供する。
package user

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/citysphere/citysphere/internal/logger"
	"github.com/citysphere/citysphere/internal/model"
	"github.com/citysphere/citysphere/internal/repository"
	"github.com/citysphere/citysphere/internal/validation"
	"github.com/google/uuid"
)

// UpsertInput はUpsertUserのリクエスト契約。
// 検証前に全フィールドをトリムする。上限はストレージのカラム長に合わせる。
type UpsertInput struct {
	ExternalID string `json:"firebaseUid" validate:"required,max=128"`
	Email      string `json:"email" validate:"required,max=320"`
	Name       string `json:"name" validate:"required,max=255"`
}

// Normalize は前後の空白を除去し、emailを小文字化する。
func (in UpsertInput) Normalize() UpsertInput {
	return UpsertInput{
		ExternalID: strings.TrimSpace(in.ExternalID),
		Email:      strings.ToLower(strings.TrimSpace(in.Email)),
		Name:       strings.TrimSpace(in.Name),
	}
}

// UpsertRecorder はアップサート結果のメトリクス記録インターフェース。
type UpsertRecorder interface {
	RecordUserUpsert(outcome string)
}

// Service はユーザーリコンサイルのサービス層。
type Service struct {
	repo     repository.UserRepository
	recorder UpsertRecorder
	now      func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。recorderはnilでもよい。
func NewService(repo repository.UserRepository, recorder UpsertRecorder) *Service {
	return &Service{
		repo:     repo,
		recorder: recorder,
		now:      time.Now,
	}
}

// UpsertUser は外部IDをキーにユーザーレコードを作成または更新する。
// 書き込みはリポジトリの1回の条件付き書き込みで行い、読み取りと書き込みの間に競合の余地を作らない。
// 入力が不正な場合は書き込みを行わずにKindValidationのエラーを返す。
func (s *Service) UpsertUser(ctx context.Context, in UpsertInput) (*model.User, model.UpsertOutcome, error) {
	in = in.Normalize()
	if err := validation.Struct(in); err != nil {
		slog.Debug("user input rejected", slog.String("reason", err.Error()))
		return nil, "", model.NewValidationError(model.MsgInvalidUserInput)
	}

	// DBのミリ秒精度に揃える
	now := s.now().UTC().Truncate(time.Millisecond)
	u := &model.User{
		ID:         uuid.NewString(),
		ExternalID: in.ExternalID,
		Email:      in.Email,
		Name:       in.Name,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	outcome, err := s.repo.Upsert(ctx, u)
	if err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			slog.Warn("email already belongs to another identity",
				slog.String("firebase_uid", in.ExternalID),
				slog.String("email", logger.MaskEmail(in.Email)),
			)
			return nil, "", model.NewUniqueConstraintError(model.MsgUpsertUserFailed, err)
		}
		return nil, "", model.NewStorageError(model.MsgUpsertUserFailed, err)
	}

	if s.recorder != nil {
		s.recorder.RecordUserUpsert(string(outcome))
	}
	slog.Info("user reconciled",
		slog.String("firebase_uid", u.ExternalID),
		slog.String("user_id", u.ID),
		slog.String("outcome", string(outcome)),
	)

	return u, outcome, nil
}

// GetUserByExternalID は外部IDに完全一致するユーザーを返す。
func (s *Service) GetUserByExternalID(ctx context.Context, externalID string) (*model.User, error) {
	if strings.TrimSpace(externalID) == "" {
		return nil, model.NewValidationError(model.MsgExternalIDRequired)
	}

	u, err := s.repo.FindByExternalID(ctx, externalID)
	if err != nil {
		return nil, model.NewStorageError(model.MsgFetchUserFailed, err)
	}
	if u == nil {
		return nil, model.NewUserNotFoundError()
	}
	return u, nil
}
