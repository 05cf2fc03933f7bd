package identity

import (
	"errors"
	"strings"
)

// ユーザー向けメッセージ
const (
	MsgPasswordMismatch   = "Passwords do not match"
	MsgPasswordTooShort   = "Password must be at least 6 characters"
	MsgEmailExists        = "This email is already registered. Please sign in instead."
	MsgInvalidEmail       = "Invalid email address."
	MsgSignUpFailed       = "Failed to create account. Please try again."
	MsgSignInFailed       = "Failed to sign in. Please check your credentials."
	MsgUserDisabled       = "This account has been disabled."
	MsgTooManyAttempts    = "Too many attempts. Please try again later."
	MsgIssuerUnavailable  = "Authentication service is unavailable. Please try again later."
	MsgSignUpInputMissing = "Please provide your name, email, and password"
	MsgSignInInputMissing = "Please provide your email and password"
	MsgSignUpSucceeded    = "Account created successfully"
	MsgSignInSucceeded    = "Signed in successfully"
)

// MinPasswordLength はIdPに送る前にローカルで検査するパスワードの最小長。
const MinPasswordLength = 6

// SignUpErrorMessage はサインアップ失敗を表示用のメッセージに変換する。
// 既知のコードは固定文言、それ以外はIdPのメッセージをそのまま返す。
func SignUpErrorMessage(err error) string {
	if errors.Is(err, ErrIssuerUnavailable) {
		return MsgIssuerUnavailable
	}
	var ie *IssuerError
	if !errors.As(err, &ie) {
		return MsgSignUpFailed
	}
	switch ie.Code {
	case "EMAIL_EXISTS":
		return MsgEmailExists
	case "INVALID_EMAIL", "MISSING_EMAIL":
		return MsgInvalidEmail
	case "WEAK_PASSWORD":
		return MsgPasswordTooShort
	case "TOO_MANY_ATTEMPTS_TRY_LATER":
		return MsgTooManyAttempts
	}
	if msg := strings.TrimSpace(ie.Message); msg != "" {
		return msg
	}
	return MsgSignUpFailed
}

// SignInErrorMessage はサインイン失敗を表示用のメッセージに変換する。
// 資格情報の誤りはアカウントの存在を推測させないよう同一の文言にまとめる。
// 未知のコードはIdPのメッセージをそのまま返す。
func SignInErrorMessage(err error) string {
	if errors.Is(err, ErrIssuerUnavailable) {
		return MsgIssuerUnavailable
	}
	var ie *IssuerError
	if !errors.As(err, &ie) {
		return MsgSignInFailed
	}
	switch ie.Code {
	case "USER_DISABLED":
		return MsgUserDisabled
	case "TOO_MANY_ATTEMPTS_TRY_LATER":
		return MsgTooManyAttempts
	case "INVALID_EMAIL":
		return MsgInvalidEmail
	case "EMAIL_NOT_FOUND", "INVALID_PASSWORD", "INVALID_LOGIN_CREDENTIALS":
		return MsgSignInFailed
	}
	if msg := strings.TrimSpace(ie.Message); msg != "" {
		return msg
	}
	return MsgSignInFailed
}
