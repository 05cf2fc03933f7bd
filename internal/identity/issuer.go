// Package identity は外部IdP（Firebase Authentication）との連携と、
// サインアップ・サインイン後にローカルのユーザーレコードをリコンサイルするフローを提供する。
package identity

import (
	"context"
	"errors"
	"fmt"
)

// ErrIssuerUnavailable はIdPに到達できない、またはIdPが5xxを返したことを表す。
var ErrIssuerUnavailable = errors.New("identity issuer unavailable")

// Identity はIdPが発行したidentityとセッショントークン。
type Identity struct {
	ExternalID   string
	Email        string
	DisplayName  string
	IDToken      string
	RefreshToken string
	ExpiresIn    int // 秒
}

// Issuer は外部IdPのインターフェース。
type Issuer interface {
	// SignUp はemail/passwordで新しいidentityを作成する。
	SignUp(ctx context.Context, email, password string) (*Identity, error)
	// SignIn はemail/passwordを検証する。
	SignIn(ctx context.Context, email, password string) (*Identity, error)
	// UpdateDisplayName はidentityの表示名を設定する。
	UpdateDisplayName(ctx context.Context, idToken, displayName string) error
}

// IssuerError はIdPがリクエストを拒否したことを表す。
// CodeはIdPのエラーコード（EMAIL_EXISTS等）。
type IssuerError struct {
	Status  int
	Code    string
	Message string
}

// Error はerrorインターフェースを実装する。
func (e *IssuerError) Error() string {
	return fmt.Sprintf("issuer rejected request (status %d): %s", e.Status, e.Message)
}
