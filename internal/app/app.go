// Package app はサブコマンドの解析、依存関係のワイヤリング、プロセスのライフサイクルを扱う。
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/citysphere/citysphere/internal/apiclient"
	"github.com/citysphere/citysphere/internal/config"
	"github.com/citysphere/citysphere/internal/database"
	"github.com/citysphere/citysphere/internal/handler"
	"github.com/citysphere/citysphere/internal/identity"
	"github.com/citysphere/citysphere/internal/logger"
	"github.com/citysphere/citysphere/internal/metrics"
	"github.com/citysphere/citysphere/internal/repository"
	"github.com/citysphere/citysphere/internal/support"
	"github.com/citysphere/citysphere/internal/user"
	"github.com/citysphere/citysphere/internal/worker/reconcile"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	storeConnectTimeout = 15 * time.Second
	shutdownTimeout     = 30 * time.Second
	issuerHTTPTimeout   = 10 * time.Second
	healthcheckTimeout  = 5 * time.Second
)

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップしてから環境変数でConfigを読み込み、ログレベルを反映する。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger.SetLevel(cfg.LogLevel)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("PORT")
		if port == "" {
			port = "5000"
		}
		return runHealthcheck(fmt.Sprintf("http://localhost:%s/api", port))
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.Port),
		slog.String("store", cfg.StoreDriver),
		slog.Bool("identity_enabled", cfg.IdentityEnabled()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(ctx, cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// stores はストアドライバーごとのリポジトリ実装をまとめたもの。
type stores struct {
	users   repository.UserRepository
	support repository.SupportMessageRepository
	pending repository.PendingReconciliationRepository
	health  repository.HealthChecker
	close   func()
}

// openStores は設定されたドライバーでストアに接続し、リポジトリを構築する。
func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	ctx, cancel := context.WithTimeout(ctx, storeConnectTimeout)
	defer cancel()

	switch cfg.StoreDriver {
	case config.StorePostgres:
		db, err := database.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		slog.Info("database connection established",
			slog.String("database_url", maskURL(cfg.DatabaseURL)),
		)

		users := repository.NewPostgresUserRepo(db)
		return &stores{
			users:   users,
			support: repository.NewPostgresSupportRepo(db),
			pending: repository.NewPostgresPendingRepo(db),
			health:  users,
			close:   func() { db.Close() },
		}, nil

	default:
		client, db, err := database.OpenMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, err
		}
		if err := database.EnsureMongoIndexes(ctx, db); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, err
		}
		slog.Info("mongodb connection established",
			slog.String("mongodb_uri", maskURL(cfg.MongoURI)),
			slog.String("database", cfg.MongoDatabase),
		)

		users := repository.NewMongoUserRepo(db.Collection(database.CollectionUsers))
		return &stores{
			users:   users,
			support: repository.NewMongoSupportRepo(db.Collection(database.CollectionSupportMessages)),
			pending: repository.NewMongoPendingRepo(db.Collection(database.CollectionPendingReconciliations)),
			health:  users,
			close: func() {
				if err := client.Disconnect(context.Background()); err != nil {
					slog.Warn("failed to disconnect mongodb", slog.String("error", err.Error()))
				}
			},
		}, nil
	}
}

// newRegistry はアプリケーションとランタイムのメトリクスを登録したレジストリを返す。
func newRegistry() (*prometheus.Registry, *metrics.Collector) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.NewCollector(reg)
}

// newReconciler はリコンサイルの実行方法を選択する。
// RECONCILE_API_URLが設定されている場合はHTTP経由、それ以外は同一プロセスのサービスを直接呼ぶ。
func newReconciler(cfg *config.Config, userService *user.Service) identity.Reconciler {
	if cfg.ReconcileAPIURL == "" {
		return identity.NewServiceReconciler(userService)
	}
	client := apiclient.NewClient(
		&http.Client{Timeout: cfg.ReconcileTimeout},
		cfg.ReconcileAPIURL,
		apiclient.DefaultBreakerConfig(),
	)
	slog.Info("reconciling through remote API", slog.String("url", cfg.ReconcileAPIURL))
	return identity.NewAPIReconciler(client)
}

// newReplayer は未完了のリコンサイル要求を再実行するワーカーを構築する。
func newReplayer(cfg *config.Config, s *stores, reconciler identity.Reconciler, collector *metrics.Collector) *reconcile.Replayer {
	return reconcile.NewReplayer(s.pending, reconciler, collector, slog.Default(), reconcile.Config{
		BatchSize:   cfg.RetryBatchSize,
		MaxAttempts: cfg.RetryMaxAttempts,
		RatePerSec:  cfg.RetryRatePerSec,
		Timeout:     cfg.ReconcileTimeout,
	})
}

// runServe はAPIサーバーモードで起動する。
// ストアに接続し、全依存関係をワイヤリングし、HTTPサーバーと再実行ワーカーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	// 1. ストア接続
	s, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.close()

	// 2. メトリクス
	reg, collector := newRegistry()

	// 3. ドメインサービスの初期化
	userService := user.NewService(s.users, collector)
	supportService := support.NewService(s.support, collector)
	reconciler := newReconciler(cfg, userService)

	deps := &handler.RouterDeps{
		Logger:             slog.Default(),
		RequestRecorder:    collector,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		UserService:        userService,
		SupportService:     supportService,
		HealthChecker:      s.health,
		MetricsHandler:     metrics.Handler(reg),
	}

	// 4. IdP連携（APIキーが設定されている場合のみ）
	if cfg.IdentityEnabled() {
		issuer := identity.NewFirebaseIssuer(
			&http.Client{Timeout: issuerHTTPTimeout},
			identity.FirebaseConfig{APIKey: cfg.FirebaseAPIKey, BaseURL: cfg.IdentityToolkitURL},
		)
		deps.AuthFlow = identity.NewFlow(issuer, reconciler, s.pending, collector, identity.FlowConfig{
			ReconcileTimeout: cfg.ReconcileTimeout,
		})
	}

	// 5. 再実行ワーカーをバックグラウンドで起動
	workerCtx, stopWorker := context.WithCancel(ctx)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		newReplayer(cfg, s, reconciler, collector).Start(workerCtx, cfg.RetryInterval)
	}()
	defer func() {
		stopWorker()
		<-workerDone
	}()

	// 6. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler.NewRouter(deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// ストアに接続し、再実行ワーカーをメインgoroutineで実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(ctx context.Context, cfg *config.Config) error {
	s, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.close()

	_, collector := newRegistry()
	userService := user.NewService(s.users, collector)
	reconciler := newReconciler(cfg, userService)

	slog.Info("worker starting",
		slog.Duration("retry_interval", cfg.RetryInterval),
		slog.Int("batch_size", cfg.RetryBatchSize),
		slog.Float64("rate_per_sec", cfg.RetryRatePerSec),
	)

	// ブロッキング
	newReplayer(cfg, s, reconciler, collector).Start(ctx, cfg.RetryInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はストアのスキーマを準備する。
// PostgreSQLでは未適用のマイグレーションを順番に適用し、MongoDBではインデックスを作成する。
func runMigrate(ctx context.Context, cfg *config.Config) error {
	if cfg.StoreDriver == config.StorePostgres {
		slog.Info("running database migrations",
			slog.String("database_url", maskURL(cfg.DatabaseURL)),
		)
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		slog.Info("database migrations completed successfully")
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, storeConnectTimeout)
	defer cancel()

	client, db, err := database.OpenMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	defer client.Disconnect(context.Background())

	if err := database.EnsureMongoIndexes(ctx, db); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	slog.Info("mongodb indexes ensured", slog.String("database", cfg.MongoDatabase))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
func runHealthcheck(apiBaseURL string) error {
	ctx, cancel := context.WithTimeout(context.Background(), healthcheckTimeout)
	defer cancel()

	client := apiclient.NewClient(&http.Client{Timeout: healthcheckTimeout}, apiBaseURL, apiclient.DefaultBreakerConfig())
	if err := client.Health(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// maskURL は接続文字列の認証情報をマスクする。
func maskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}
