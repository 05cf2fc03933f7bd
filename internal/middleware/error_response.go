package middleware

import (
	"log/slog"
	"net/http"

	"github.com/citysphere/citysphere/internal/model"
	json "github.com/goccy/go-json"
)

// Envelope はすべてのAPIレスポンスの統一フォーマット。
// Countは一覧取得時のみ、Statusはヘルスチェック時のみ設定する。
type Envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Count   *int   `json:"count,omitempty"`
	Status  string `json:"status,omitempty"`
}

// WriteJSON はエンベロープをJSONとして書き込む。
func WriteJSON(w http.ResponseWriter, statusCode int, body Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// WriteErrorResponse は失敗レスポンス（success:false）を書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	WriteJSON(w, statusCode, Envelope{Success: false, Message: message})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, model.MsgInternalError)
}
