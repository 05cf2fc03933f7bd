package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ストアドライバー
const (
	StoreMongo    = "mongo"
	StorePostgres = "postgres"
)

const (
	defaultMongoURI    = "mongodb://localhost:27017/citysphere"
	defaultDatabaseURL = "postgres://localhost:5432/citysphere?sslmode=disable"
	defaultMongoDBName = "citysphere"
	defaultToolkitURL  = "https://identitytoolkit.googleapis.com/v1"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Server
	Port   string
	AppEnv string

	// Store
	StoreDriver   string
	MongoURI      string
	MongoDatabase string
	DatabaseURL   string

	// CORS
	CORSAllowedOrigins []string

	// Identity
	FirebaseAPIKey     string
	IdentityToolkitURL string
	ReconcileAPIURL    string
	ReconcileTimeout   time.Duration

	// Reconcile retry worker
	RetryInterval    time.Duration
	RetryBatchSize   int
	RetryRatePerSec  float64
	RetryMaxAttempts int

	// Logging
	LogLevel slog.Level
}

// IsProduction は本番モードで起動しているかを返す。
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// IdentityEnabled は外部IdPとの連携ルートを有効にするかを返す。
func (c *Config) IdentityEnabled() bool {
	return c.FirebaseAPIKey != ""
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがあれば先に読み込む（既存の環境変数は上書きしない）。
// 本番モードでストアの接続文字列が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{}

	cfg.Port = getEnvString("PORT", "5000")
	cfg.AppEnv = getEnvString("APP_ENV", "development")

	cfg.StoreDriver = strings.ToLower(getEnvString("STORE_DRIVER", StoreMongo))
	switch cfg.StoreDriver {
	case StoreMongo:
		cfg.MongoURI = os.Getenv("MONGODB_URI")
		if cfg.MongoURI == "" {
			if cfg.IsProduction() {
				return nil, fmt.Errorf("MONGODB_URI environment variable is required in production")
			}
			slog.Warn("MONGODB_URI not set, using local MongoDB")
			cfg.MongoURI = defaultMongoURI
		}
		cfg.MongoDatabase = getEnvString("MONGODB_DATABASE", databaseNameFromURI(cfg.MongoURI))
	case StorePostgres:
		cfg.DatabaseURL = os.Getenv("DATABASE_URL")
		if cfg.DatabaseURL == "" {
			if cfg.IsProduction() {
				return nil, fmt.Errorf("DATABASE_URL environment variable is required in production")
			}
			slog.Warn("DATABASE_URL not set, using local PostgreSQL")
			cfg.DatabaseURL = defaultDatabaseURL
		}
	default:
		return nil, fmt.Errorf("unsupported STORE_DRIVER: %q", cfg.StoreDriver)
	}

	cfg.CORSAllowedOrigins = getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"})

	cfg.FirebaseAPIKey = os.Getenv("FIREBASE_API_KEY")
	cfg.IdentityToolkitURL = strings.TrimRight(getEnvString("IDENTITY_TOOLKIT_URL", defaultToolkitURL), "/")
	cfg.ReconcileAPIURL = strings.TrimRight(os.Getenv("RECONCILE_API_URL"), "/")
	cfg.ReconcileTimeout = getEnvDuration("RECONCILE_TIMEOUT", 10*time.Second)

	cfg.RetryInterval = getEnvDuration("RETRY_INTERVAL", time.Minute)
	cfg.RetryBatchSize = getEnvInt("RETRY_BATCH_SIZE", 50)
	cfg.RetryRatePerSec = getEnvFloat("RETRY_RATE_PER_SEC", 5)
	cfg.RetryMaxAttempts = getEnvInt("RETRY_MAX_ATTEMPTS", 10)

	cfg.LogLevel = getEnvLevel("LOG_LEVEL", slog.LevelInfo)

	return cfg, nil
}

// databaseNameFromURI はMongoDBの接続URIのパス部分からデータベース名を取り出す。
// パスがない場合はデフォルト名を返す。
func databaseNameFromURI(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return defaultMongoDBName
	}
	name := strings.Trim(u.Path, "/")
	if name == "" {
		return defaultMongoDBName
	}
	return name
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil || i <= 0 {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}

func getEnvLevel(key string, defaultVal slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return defaultVal
	}
	return level
}
