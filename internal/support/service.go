// Package support はお問い合わせメッセージの受付と一覧取得を提供する。
package support

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/citysphere/citysphere/internal/logger"
	"github.com/citysphere/citysphere/internal/model"
	"github.com/citysphere/citysphere/internal/repository"
	"github.com/citysphere/citysphere/internal/validation"
	"github.com/google/uuid"
)

// CreateInput はお問い合わせ送信のリクエスト契約。
type CreateInput struct {
	Name    string `json:"name" validate:"required,max=255"`
	Email   string `json:"email" validate:"required,max=320"`
	Message string `json:"message" validate:"required,max=5000"`
}

// MessageRecorder はお問い合わせ受付のメトリクス記録インターフェース。
type MessageRecorder interface {
	RecordSupportMessage()
}

// Service はお問い合わせメッセージのサービス層。
type Service struct {
	repo     repository.SupportMessageRepository
	recorder MessageRecorder
	now      func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。recorderはnilでもよい。
func NewService(repo repository.SupportMessageRepository, recorder MessageRecorder) *Service {
	return &Service{
		repo:     repo,
		recorder: recorder,
		now:      time.Now,
	}
}

// normalize は前後の空白を取り除き、emailを小文字化する。
// nameとmessageは入力どおりに保存し、エスケープは表示側で行う。
func normalize(in CreateInput) CreateInput {
	return CreateInput{
		Name:    strings.TrimSpace(in.Name),
		Email:   strings.ToLower(strings.TrimSpace(in.Email)),
		Message: strings.TrimSpace(in.Message),
	}
}

// Create はメッセージを正規化して追加する。作成日時はサーバーで付与する。
func (s *Service) Create(ctx context.Context, in CreateInput) (*model.SupportMessage, error) {
	in = normalize(in)
	if err := validation.Struct(in); err != nil {
		slog.Debug("support input rejected", slog.String("reason", err.Error()))
		return nil, model.NewValidationError(model.MsgInvalidSupportInput)
	}

	msg := &model.SupportMessage{
		ID:        uuid.NewString(),
		Name:      in.Name,
		Email:     in.Email,
		Message:   in.Message,
		CreatedAt: s.now().UTC().Truncate(time.Millisecond),
	}
	if err := s.repo.Create(ctx, msg); err != nil {
		return nil, model.NewStorageError(model.MsgSupportSubmitFailed, err)
	}

	if s.recorder != nil {
		s.recorder.RecordSupportMessage()
	}
	slog.Info("support message received",
		slog.String("support_message_id", msg.ID),
		slog.String("email", logger.MaskEmail(msg.Email)),
	)

	return msg, nil
}

// List は全メッセージを作成日時の降順で返す。
func (s *Service) List(ctx context.Context) ([]*model.SupportMessage, error) {
	messages, err := s.repo.ListNewestFirst(ctx)
	if err != nil {
		return nil, model.NewStorageError(model.MsgSupportListFailed, err)
	}
	if messages == nil {
		messages = []*model.SupportMessage{}
	}
	return messages, nil
}
