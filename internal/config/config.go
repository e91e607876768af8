// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// EnvProduction は本番環境を示すAPP_ENVの値。
const EnvProduction = "production"

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Token
	JWTSecret   string
	TokenMaxAge time.Duration

	// Server
	ServerPort string
	Env        string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string

	// Rate Limit（認証エンドポイント、req/min/IP）
	RateLimitAuth int

	// Hub
	HubSendQueueSize int
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数（DATABASE_URL, JWT_SECRET）が未設定の場合はエラーを返す。
// JWT_SECRETの欠如は起動時致命エラーであり、リクエスト単位では扱わない。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.Env = getEnvString("APP_ENV", "development")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.TokenMaxAge = getEnvDuration("TOKEN_MAX_AGE", 7*24*time.Hour)
	cfg.CookieSecure = cfg.Env == EnvProduction
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.RateLimitAuth = getEnvInt("RATE_LIMIT_AUTH", 10)
	cfg.HubSendQueueSize = getEnvInt("HUB_SEND_QUEUE_SIZE", 64)

	// 本番環境ではストア接続のTLSを必須にする
	cfg.DatabaseURL = ensureSSLMode(cfg.DatabaseURL, cfg.Env)

	return cfg, nil
}

// ensureSSLMode は接続URLにsslmodeが未指定の場合、環境に応じた既定値を付与する。
// 本番環境ではrequire、それ以外ではdisableを既定とする。
// URLとして解釈できない場合はそのまま返す（エラーは接続時に表面化させる）。
func ensureSSLMode(databaseURL, env string) string {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return databaseURL
	}

	q := u.Query()
	if q.Get("sslmode") != "" {
		return databaseURL
	}

	if env == EnvProduction {
		q.Set("sslmode", "require")
	} else {
		q.Set("sslmode", "disable")
	}
	u.RawQuery = q.Encode()

	return u.String()
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
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
