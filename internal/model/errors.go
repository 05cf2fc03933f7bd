// Package model はドメインモデルを定義する。
package model

import "fmt"

// ErrorKind はエラー分類を表す。ハンドラー層でHTTPステータスに変換される。
type ErrorKind string

const (
	// KindValidation は必須フィールドの欠落・空白を表す（400）。
	KindValidation ErrorKind = "validation"
	// KindNotFound は指定キーのレコードが存在しないことを表す（404）。
	KindNotFound ErrorKind = "not_found"
	// KindUniqueConstraint は別identityによるemail重複を表す（500として返す）。
	KindUniqueConstraint ErrorKind = "unique_constraint"
	// KindStorage はその他の永続化エラーを表す（500）。
	KindStorage ErrorKind = "storage"
)

// APIError は統一エラーフォーマットを表す。
// Messageはそのままレスポンスエンベロープのmessageとしてユーザーに返される。
type APIError struct {
	Kind    ErrorKind
	Message string
	Err     error // 原因エラー（ログ用、レスポンスには含めない）
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap は原因エラーを返す。
func (e *APIError) Unwrap() error {
	return e.Err
}

// 定義済みメッセージ
const (
	MsgInvalidUserInput    = "Please provide valid firebaseUid, email, and name"
	MsgUpsertUserFailed    = "Failed to create/update user"
	MsgUserCreated         = "User created successfully"
	MsgUserUpdated         = "User updated successfully"
	MsgExternalIDRequired  = "Firebase UID is required"
	MsgUserNotFound        = "User not found"
	MsgFetchUserFailed     = "Failed to fetch user"
	MsgInvalidSupportInput = "Please provide valid name, email, and message"
	MsgSupportReceived     = "Support message received successfully"
	MsgSupportSubmitFailed = "Failed to submit support message"
	MsgSupportListFailed   = "Failed to fetch support messages"
	MsgInternalError       = "Internal server error"
)

// NewValidationError は入力検証エラーを生成する。
func NewValidationError(message string) *APIError {
	return &APIError{Kind: KindValidation, Message: message}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{Kind: KindNotFound, Message: MsgUserNotFound}
}

// NewUniqueConstraintError はemailが別のidentityに紐付いている場合のエラーを生成する。
// 呼び出し元には一般的な保存失敗として返される。
func NewUniqueConstraintError(message string, err error) *APIError {
	return &APIError{Kind: KindUniqueConstraint, Message: message, Err: err}
}

// NewStorageError は永続化層のエラーを生成する。
func NewStorageError(message string, err error) *APIError {
	return &APIError{Kind: KindStorage, Message: message, Err: err}
}

// IsKind はerrがkindのAPIErrorかどうかを返す。
func IsKind(err error, kind ErrorKind) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.Kind == kind
}
