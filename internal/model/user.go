// Package model はドメインモデルを定義する。
package model

import "time"

// User は外部IdPの identity をミラーしたローカルのユーザーレコードを表す。
// ExternalID（IdPが発行する不変のユーザーID）がリコンサイルのキーとなる。
type User struct {
	ID         string    `json:"id" bson:"_id"`
	ExternalID string    `json:"firebaseUid" bson:"firebaseUid"`
	Email      string    `json:"email" bson:"email"`
	Name       string    `json:"name" bson:"name"`
	CreatedAt  time.Time `json:"createdAt" bson:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt" bson:"updatedAt"`
}

// UpsertOutcome はUpsertUserの結果が新規作成か更新かを表す。
type UpsertOutcome string

const (
	// UpsertCreated は新規レコードが作成されたことを示す。
	UpsertCreated UpsertOutcome = "created"
	// UpsertUpdated は既存レコードが上書きされたことを示す。
	UpsertUpdated UpsertOutcome = "updated"
)

// SupportMessage はお問い合わせフォームから送信されたメッセージを表す。
// 追記専用で、作成後に更新・削除されることはない。
type SupportMessage struct {
	ID        string    `json:"id" bson:"_id"`
	Name      string    `json:"name" bson:"name"`
	Email     string    `json:"email" bson:"email"`
	Message   string    `json:"message" bson:"message"`
	CreatedAt time.Time `json:"createdAt" bson:"createdAt"`
}

// PendingReconciliation は保存に失敗したリコンサイル要求を表す。
// ExternalIDごとに1件のみ保持し、ワーカーが再実行する。
type PendingReconciliation struct {
	ID            string    `bson:"_id"`
	ExternalID    string    `bson:"firebaseUid"`
	Email         string    `bson:"email"`
	DisplayName   string    `bson:"displayName"`
	Attempts      int       `bson:"attempts"`
	LastError     string    `bson:"lastError"`
	NextAttemptAt time.Time `bson:"nextAttemptAt"`
	CreatedAt     time.Time `bson:"createdAt"`
}
