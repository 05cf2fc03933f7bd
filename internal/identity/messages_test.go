package identity

import (
	"errors"
	"fmt"
	"testing"
)

func TestSignUpErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"登録済みemail", &IssuerError{Code: "EMAIL_EXISTS", Message: "EMAIL_EXISTS"}, MsgEmailExists},
		{"不正なemail", &IssuerError{Code: "INVALID_EMAIL", Message: "INVALID_EMAIL"}, MsgInvalidEmail},
		{"弱いパスワード", &IssuerError{Code: "WEAK_PASSWORD", Message: "WEAK_PASSWORD : Password should be at least 6 characters"}, MsgPasswordTooShort},
		{"試行回数超過", &IssuerError{Code: "TOO_MANY_ATTEMPTS_TRY_LATER"}, MsgTooManyAttempts},
		{"未知のコードはIdPのメッセージ", &IssuerError{Code: "OPERATION_NOT_ALLOWED", Message: "OPERATION_NOT_ALLOWED : Password sign-in is disabled"}, "OPERATION_NOT_ALLOWED : Password sign-in is disabled"},
		{"メッセージが空なら既定文言", &IssuerError{Code: "X"}, MsgSignUpFailed},
		{"ラップされたIssuerError", fmt.Errorf("wrapped: %w", &IssuerError{Code: "EMAIL_EXISTS"}), MsgEmailExists},
		{"IdP到達不能", fmt.Errorf("%w: timeout", ErrIssuerUnavailable), MsgIssuerUnavailable},
		{"その他のエラー", errors.New("boom"), MsgSignUpFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SignUpErrorMessage(tt.err); got != tt.want {
				t.Errorf("SignUpErrorMessage() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSignInErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"未登録email", &IssuerError{Code: "EMAIL_NOT_FOUND"}, MsgSignInFailed},
		{"パスワード誤り", &IssuerError{Code: "INVALID_PASSWORD"}, MsgSignInFailed},
		{"資格情報誤り", &IssuerError{Code: "INVALID_LOGIN_CREDENTIALS"}, MsgSignInFailed},
		{"無効化されたアカウント", &IssuerError{Code: "USER_DISABLED"}, MsgUserDisabled},
		{"試行回数超過", &IssuerError{Code: "TOO_MANY_ATTEMPTS_TRY_LATER"}, MsgTooManyAttempts},
		{"資格情報誤りはIdPのメッセージを出さない", &IssuerError{Code: "INVALID_LOGIN_CREDENTIALS", Message: "INVALID_LOGIN_CREDENTIALS"}, MsgSignInFailed},
		{"未知のコードはIdPのメッセージ", &IssuerError{Code: "OPERATION_NOT_ALLOWED", Message: "OPERATION_NOT_ALLOWED : Password sign-in is disabled for this project."}, "OPERATION_NOT_ALLOWED : Password sign-in is disabled for this project."},
		{"メッセージが空なら既定文言", &IssuerError{Code: "X"}, MsgSignInFailed},
		{"IdP到達不能", ErrIssuerUnavailable, MsgIssuerUnavailable},
		{"その他のエラー", errors.New("boom"), MsgSignInFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SignInErrorMessage(tt.err); got != tt.want {
				t.Errorf("SignInErrorMessage() = %q, want %q", got, tt.want)
			}
		})
	}
}
