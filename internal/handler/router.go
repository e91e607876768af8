// Package handler はHTTP APIのハンドラーとルーティングを提供する。
package handler

import (
	"database/sql"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/chatgate/internal/hub"
	"github.com/hitoshi/chatgate/internal/metrics"
	"github.com/hitoshi/chatgate/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	TokenVerifier     middleware.TokenVerifier
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Metrics           middleware.HTTPMetrics

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// ブロードキャスト
	Hub *hub.Hub

	// 運用系エンドポイント
	DB       *sql.DB
	Gatherer prometheus.Gatherer
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → CORS → Metrics → Logging
//
// WebSocketエンドポイント（/ws）はhijackを伴うためロギング・メトリクスの
// チェーンの外に配置し、トークン検証はハブ自身が行う。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	healthHandler := NewHealthHandler(deps.DB)

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewMetricsMiddleware(deps.Metrics))
		r.Use(middleware.NewLoggingMiddleware(slog.Default()))

		r.Route("/api/auth", func(r chi.Router) {
			// 資格情報を受けるエンドポイントにのみレート制限を適用
			r.With(deps.RateLimiter.AuthMiddleware()).Post("/signup", authHandler.Signup)
			r.With(deps.RateLimiter.AuthMiddleware()).Post("/login", authHandler.Login)

			r.Post("/logout", authHandler.Logout)

			r.Group(func(r chi.Router) {
				r.Use(middleware.NewAuthMiddleware(deps.TokenVerifier))
				r.Get("/me", authHandler.Me)
			})
		})

		r.Get("/health", healthHandler.Check)
	})

	// WebSocketハンドシェイク
	r.Get("/ws", deps.Hub.ServeWS)

	// Prometheusメトリクス
	r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))

	return r
}
