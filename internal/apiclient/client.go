// Package apiclient はユーザー・お問い合わせAPI（/api）のHTTPクライアントを提供する。
// リモートモードのリコンサイルとhealthcheckサブコマンドから利用する。
package apiclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/citysphere/citysphere/internal/model"
	"github.com/citysphere/citysphere/internal/user"
	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
)

const maxResponseBytes = 1 << 20

// StatusError はAPIが成功以外のステータスを返したことを表す。
type StatusError struct {
	Status  int
	Message string
}

// Error はerrorインターフェースを実装する。
func (e *StatusError) Error() string {
	return fmt.Sprintf("api returned status %d: %s", e.Status, e.Message)
}

// envelope はAPIの共通レスポンス形式。
type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Status  string          `json:"status"`
}

// BreakerConfig はサーキットブレーカーの設定。
type BreakerConfig struct {
	// ConsecutiveFailures 回連続で失敗するとオープンになる。
	ConsecutiveFailures uint32
	// OpenTimeout はオープンからハーフオープンに移るまでの時間。
	OpenTimeout time.Duration
}

// DefaultBreakerConfig は既定のサーキットブレーカー設定を返す。
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{ConsecutiveFailures: 5, OpenTimeout: 30 * time.Second}
}

// Client はAPIのHTTPクライアント。
// ユーザーAPIの呼び出しはサーキットブレーカーで保護し、APIが停止している間は即座に失敗させる。
type Client struct {
	httpClient *http.Client
	baseURL    string
	breaker    *gobreaker.CircuitBreaker[*model.User]
}

// NewClient はClientを生成する。baseURLは /api までを含むURL（例: http://localhost:5000/api）。
func NewClient(httpClient *http.Client, baseURL string, cfg BreakerConfig) *Client {
	if cfg.ConsecutiveFailures == 0 {
		cfg = DefaultBreakerConfig()
	}
	breaker := gobreaker.NewCircuitBreaker[*model.User](gobreaker.Settings{
		Name:        "user-api",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
		IsSuccessful: isBreakerSuccess,
	})

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		breaker:    breaker,
	}
}

// isBreakerSuccess はAPIが正常に応答した4xxをブレーカーの失敗に数えない。
func isBreakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	return model.IsKind(err, model.KindValidation) || model.IsKind(err, model.KindNotFound)
}

// UpsertUser はPOST /users でユーザーを作成または更新する。
func (c *Client) UpsertUser(ctx context.Context, in user.UpsertInput) (*model.User, error) {
	return c.breaker.Execute(func() (*model.User, error) {
		var u model.User
		if err := c.do(ctx, http.MethodPost, "/users", in, &u); err != nil {
			return nil, err
		}
		return &u, nil
	})
}

// Health はGET /health でAPIの稼働を確認する。ブレーカーは経由しない。
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// do はリクエストを送信し、エンベロープのdataをoutにデコードする。
// 400はKindValidation、404はKindNotFound、それ以外の失敗はKindStorageのAPIErrorとして返す。
func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return statusToAPIError(&StatusError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))})
		}
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest || !env.Success {
		return statusToAPIError(&StatusError{Status: resp.StatusCode, Message: env.Message})
	}

	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to parse response data: %w", err)
	}
	return nil
}

func statusToAPIError(se *StatusError) error {
	switch se.Status {
	case http.StatusBadRequest:
		return &model.APIError{Kind: model.KindValidation, Message: se.Message, Err: se}
	case http.StatusNotFound:
		return &model.APIError{Kind: model.KindNotFound, Message: se.Message, Err: se}
	default:
		return model.NewStorageError(se.Message, se)
	}
}

// IsOpen はエラーがサーキットブレーカーによる拒否かどうかを返す。
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
