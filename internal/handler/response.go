// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/citysphere/citysphere/internal/middleware"
	"github.com/citysphere/citysphere/internal/model"
	json "github.com/goccy/go-json"
)

// maxBodyBytes はリクエストボディの上限。
const maxBodyBytes = 1 << 20

// decodeJSON はリクエストボディをdstにデコードする。
// 空のボディ・不正なJSON・上限超過はすべてエラーとして返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("malformed request body: %w", err)
	}
	return nil
}

// writeSuccess は成功レスポンスを書き込む。
func writeSuccess(w http.ResponseWriter, statusCode int, message string, data any) {
	middleware.WriteJSON(w, statusCode, middleware.Envelope{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
// 原因エラーはログのみに記録し、レスポンスにはAPIErrorのメッセージだけを返す。
func handleServiceError(w http.ResponseWriter, r *http.Request, operation string, err error) {
	apiErr, ok := model.AsAPIError(err)
	if !ok {
		// APIError以外のエラーは内部サーバーエラーとして扱う
		slog.ErrorContext(r.Context(), "internal server error",
			slog.String("operation", operation),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}

	statusCode := mapAPIErrorToHTTPStatus(apiErr)
	if statusCode >= http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "request failed",
			slog.String("operation", operation),
			slog.String("kind", string(apiErr.Kind)),
			slog.String("error", apiErr.Error()),
		)
	}
	middleware.WriteErrorResponse(w, statusCode, apiErr.Message)
}

// mapAPIErrorToHTTPStatus はエラー分類からHTTPステータスコードにマッピングする。
// email重複は呼び出し元からは一般的な保存失敗として扱う。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Kind {
	case model.KindValidation:
		return http.StatusBadRequest
	case model.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
