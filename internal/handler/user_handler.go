package handler

import (
	"context"
	"net/http"

	"github.com/citysphere/citysphere/internal/model"
	"github.com/citysphere/citysphere/internal/user"
	"github.com/go-chi/chi/v5"
)

// UserServiceInterface はユーザーハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	UpsertUser(ctx context.Context, in user.UpsertInput) (*model.User, model.UpsertOutcome, error)
	GetUserByExternalID(ctx context.Context, externalID string) (*model.User, error)
}

// UserHandler はユーザーレコードのHTTPハンドラー。
type UserHandler struct {
	service UserServiceInterface
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserServiceInterface) *UserHandler {
	return &UserHandler{
		service: service,
	}
}

// Upsert はIdPのidentityをユーザーレコードに反映する。
// POST /api/users
func (h *UserHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	var in user.UpsertInput
	if err := decodeJSON(w, r, &in); err != nil {
		handleServiceError(w, r, "upsert_user", &model.APIError{
			Kind:    model.KindValidation,
			Message: model.MsgInvalidUserInput,
			Err:     err,
		})
		return
	}

	u, outcome, err := h.service.UpsertUser(r.Context(), in)
	if err != nil {
		handleServiceError(w, r, "upsert_user", err)
		return
	}

	message := model.MsgUserUpdated
	if outcome == model.UpsertCreated {
		message = model.MsgUserCreated
	}
	writeSuccess(w, http.StatusOK, message, u)
}

// Get は外部IDでユーザーレコードを取得する。
// GET /api/users/{externalId}
func (h *UserHandler) Get(w http.ResponseWriter, r *http.Request) {
	u, err := h.service.GetUserByExternalID(r.Context(), chi.URLParam(r, "externalId"))
	if err != nil {
		handleServiceError(w, r, "get_user", err)
		return
	}

	writeSuccess(w, http.StatusOK, "", u)
}
