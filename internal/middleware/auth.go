// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/chatgate/internal/model"
	"github.com/hitoshi/chatgate/internal/session"
	"github.com/hitoshi/chatgate/internal/token"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// identityContextKey はリクエストコンテキストに確認済みアイデンティティを格納するためのキー。
var identityContextKey = contextKey("identity")

// TokenVerifier はトークン検証のインターフェース。
// token.Serviceの部分集合として定義する。
type TokenVerifier interface {
	Verify(tokenString string) (*model.Identity, error)
}

// NewAuthMiddleware はCookieまたはBearerヘッダーのトークンを検証するミドルウェアを返す。
// 検証済みアイデンティティをリクエストコンテキストに注入する。
// トークンの欠如・形式不正・期限切れ・署名不一致はすべて同一の401として返し、
// 内部原因はログにのみ記録する。
func NewAuthMiddleware(verifier TokenVerifier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// 1. Cookie優先、Bearerフォールバックでトークンを取得
			raw := session.FromRequest(r)
			if raw == "" {
				WriteAPIError(w, model.NewUnauthorizedError())
				return
			}

			// 2. トークンの検証
			identity, err := verifier.Verify(raw)
			if err != nil {
				logVerifyFailure(r, err)
				WriteAPIError(w, model.NewUnauthorizedError())
				return
			}

			// 3. 確認済みアイデンティティをコンテキストに注入
			ctx := ContextWithIdentity(r.Context(), identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// logVerifyFailure は検証失敗の内部原因をログに記録する。
// クライアントへのレスポンスでは原因を区別しない。
func logVerifyFailure(r *http.Request, err error) {
	attrs := []any{
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	}

	var invalidErr *token.InvalidTokenError
	if errors.As(err, &invalidErr) {
		attrs = append(attrs, slog.String("cause", invalidErr.Cause))
	}

	slog.Warn("token verification failed", attrs...)
}

// IdentityFromContext はリクエストコンテキストから確認済みアイデンティティを取得する。
// 認証ミドルウェアを通過したリクエストでのみ有効。
func IdentityFromContext(ctx context.Context) (*model.Identity, error) {
	identity, ok := ctx.Value(identityContextKey).(*model.Identity)
	if !ok || identity == nil {
		return nil, fmt.Errorf("identity not found in context")
	}
	return identity, nil
}

// ContextWithIdentity はコンテキストに確認済みアイデンティティを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithIdentity(ctx context.Context, identity *model.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}
