package handler

import (
	"context"
	"net/http"

	"github.com/citysphere/citysphere/internal/middleware"
	"github.com/citysphere/citysphere/internal/model"
	"github.com/citysphere/citysphere/internal/support"
)

// SupportServiceInterface はお問い合わせハンドラーが必要とするサービスインターフェース。
type SupportServiceInterface interface {
	Create(ctx context.Context, in support.CreateInput) (*model.SupportMessage, error)
	List(ctx context.Context) ([]*model.SupportMessage, error)
}

// SupportHandler はお問い合わせメッセージのHTTPハンドラー。
type SupportHandler struct {
	service SupportServiceInterface
}

// NewSupportHandler はSupportHandlerを生成する。
func NewSupportHandler(service SupportServiceInterface) *SupportHandler {
	return &SupportHandler{
		service: service,
	}
}

// Create はお問い合わせメッセージを受け付ける。
// POST /api/support
func (h *SupportHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in support.CreateInput
	if err := decodeJSON(w, r, &in); err != nil {
		handleServiceError(w, r, "create_support_message", &model.APIError{
			Kind:    model.KindValidation,
			Message: model.MsgInvalidSupportInput,
			Err:     err,
		})
		return
	}

	msg, err := h.service.Create(r.Context(), in)
	if err != nil {
		handleServiceError(w, r, "create_support_message", err)
		return
	}

	writeSuccess(w, http.StatusCreated, model.MsgSupportReceived, msg)
}

// List は全メッセージを新しい順に返す。
// GET /api/support
func (h *SupportHandler) List(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.service.List(r.Context())
	if err != nil {
		handleServiceError(w, r, "list_support_messages", err)
		return
	}
	if msgs == nil {
		msgs = []*model.SupportMessage{}
	}

	count := len(msgs)
	middleware.WriteJSON(w, http.StatusOK, middleware.Envelope{
		Success: true,
		Count:   &count,
		Data:    msgs,
	})
}
