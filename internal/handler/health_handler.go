package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/citysphere/citysphere/internal/middleware"
	"github.com/citysphere/citysphere/internal/repository"
)

const (
	healthStatusOK       = "ok"
	healthStatusDegraded = "degraded"
	healthMessage        = "Server is running"
	storePingTimeout     = 2 * time.Second
)

// HealthHandler はプロセスの稼働確認ハンドラー。
// ストアの疎通に失敗しても200を返し、statusをdegradedにする。
type HealthHandler struct {
	store repository.HealthChecker
}

// NewHealthHandler はHealthHandlerを生成する。storeはnilでもよい。
func NewHealthHandler(store repository.HealthChecker) *HealthHandler {
	return &HealthHandler{store: store}
}

// Health はGET /api/health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	status := healthStatusOK
	if h.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), storePingTimeout)
		defer cancel()
		if err := h.store.Ping(ctx); err != nil {
			slog.WarnContext(r.Context(), "store ping failed", slog.String("error", err.Error()))
			status = healthStatusDegraded
		}
	}

	middleware.WriteJSON(w, http.StatusOK, middleware.Envelope{
		Success: true,
		Status:  status,
		Message: healthMessage,
	})
}
