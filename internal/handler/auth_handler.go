package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/citysphere/citysphere/internal/identity"
	"github.com/citysphere/citysphere/internal/middleware"
)

// AuthFlowInterface は認証ハンドラーが必要とするフローのインターフェース。
type AuthFlowInterface interface {
	SignUp(ctx context.Context, in identity.SignUpInput) (*identity.Outcome, error)
	SignIn(ctx context.Context, in identity.SignInInput) (*identity.Outcome, error)
}

// authResponse は認証成功時のdata。
// ローカルレコードの反映結果は利用者に知らせないため含めない。
type authResponse struct {
	State        identity.State `json:"state"`
	RedirectTo   string         `json:"redirectTo"`
	ExternalID   string         `json:"externalId"`
	Email        string         `json:"email"`
	DisplayName  string         `json:"displayName"`
	IDToken      string         `json:"idToken"`
	RefreshToken string         `json:"refreshToken"`
	ExpiresIn    int            `json:"expiresIn"`
}

// AuthHandler はIdPでのサインアップ・サインインのHTTPハンドラー。
type AuthHandler struct {
	flow AuthFlowInterface
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(flow AuthFlowInterface) *AuthHandler {
	return &AuthHandler{flow: flow}
}

// SignUp はアカウントを作成し、ユーザーレコードをリコンサイルする。
// POST /auth/signup
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var in identity.SignUpInput
	if err := decodeJSON(w, r, &in); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, identity.MsgSignUpInputMissing)
		return
	}

	out, err := h.flow.SignUp(r.Context(), in)
	if err != nil {
		writeFlowError(w, err, http.StatusBadRequest)
		return
	}

	writeSuccess(w, http.StatusOK, identity.MsgSignUpSucceeded, toAuthResponse(out))
}

// SignIn は資格情報を検証し、ユーザーレコードをリコンサイルする。
// POST /auth/signin
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	var in identity.SignInInput
	if err := decodeJSON(w, r, &in); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, identity.MsgSignInInputMissing)
		return
	}

	out, err := h.flow.SignIn(r.Context(), in)
	if err != nil {
		writeFlowError(w, err, http.StatusUnauthorized)
		return
	}

	writeSuccess(w, http.StatusOK, identity.MsgSignInSucceeded, toAuthResponse(out))
}

// writeFlowError は認証失敗をレスポンスに変換する。
// IdPによる拒否はrejectedStatus、IdP到達不能は502、ローカル検査の失敗は400を返す。
func writeFlowError(w http.ResponseWriter, err error, rejectedStatus int) {
	var fe *identity.FlowError
	if !errors.As(err, &fe) {
		middleware.WriteInternalServerError(w)
		return
	}

	status := http.StatusBadRequest
	switch fe.Kind {
	case identity.FailureRejected:
		status = rejectedStatus
	case identity.FailureUnavailable:
		status = http.StatusBadGateway
	}
	middleware.WriteErrorResponse(w, status, fe.Message)
}

func toAuthResponse(out *identity.Outcome) authResponse {
	resp := authResponse{
		State:      out.State,
		RedirectTo: out.RedirectTo,
	}
	if id := out.Identity; id != nil {
		resp.ExternalID = id.ExternalID
		resp.Email = id.Email
		resp.DisplayName = id.DisplayName
		resp.IDToken = id.IDToken
		resp.RefreshToken = id.RefreshToken
		resp.ExpiresIn = id.ExpiresIn
	}
	return resp
}
