package handler

import (
	"log/slog"
	"net/http"

	"github.com/citysphere/citysphere/internal/middleware"
	"github.com/citysphere/citysphere/internal/repository"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger             *slog.Logger
	RequestRecorder    middleware.RequestRecorder
	CORSAllowedOrigins []string

	// ユーザー・お問い合わせ
	UserService    UserServiceInterface
	SupportService SupportServiceInterface
	HealthChecker  repository.HealthChecker

	// 認証フロー（nilの場合は/auth/*を公開しない）
	AuthFlow AuthFlowInterface

	// メトリクス（nilの場合は/metricsを公開しない）
	MetricsHandler http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Logging → Recovery → SecurityHeaders → CORS
//
// Recoveryの外側にLoggingを置き、panicも500として記録する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.NewLoggingMiddleware(logger, deps.RequestRecorder))
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigins))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteErrorResponse(w, http.StatusNotFound, "Route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	userHandler := NewUserHandler(deps.UserService)
	supportHandler := NewSupportHandler(deps.SupportService)
	healthHandler := NewHealthHandler(deps.HealthChecker)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", healthHandler.Health)

		// ユーザーレコード
		r.Route("/users", func(r chi.Router) {
			r.Post("/", userHandler.Upsert)
			r.Get("/{externalId}", userHandler.Get)
		})

		// お問い合わせ
		r.Route("/support", func(r chi.Router) {
			r.Post("/", supportHandler.Create)
			r.Get("/", supportHandler.List)
		})
	})

	if deps.AuthFlow != nil {
		authHandler := NewAuthHandler(deps.AuthFlow)
		r.Route("/auth", func(r chi.Router) {
			r.Post("/signup", authHandler.SignUp)
			r.Post("/signin", authHandler.SignIn)
		})
	}

	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	return r
}
