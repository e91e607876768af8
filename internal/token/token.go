// Package token は署名付きアイデンティティトークンの発行と検証を提供する。
//
// トークンはHS256で署名されたJWTであり、データベース参照なしで検証できる。
// サーバー側の失効リストは持たない。ログアウトはクライアント側のCookie削除のみで、
// 流出したトークンは自然期限まで有効に残る（既知の制限）。
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/chatgate/internal/model"
)

// 検証失敗の内部原因。外部応答ではすべて同一の401に収束させ、ログでのみ区別する。
const (
	CauseMalformed = "malformed"
	CauseExpired   = "expired"
	CauseSignature = "signature"
	CauseClaims    = "claims"
)

// ErrSecretUnset は署名シークレット未設定を表す。起動時致命エラーとして扱う。
var ErrSecretUnset = errors.New("token: signing secret is not set")

// InvalidTokenError はトークン検証の失敗を表す。
// 形式不正・期限切れ・署名不一致はクライアントには区別せず返すが、
// ログとメトリクスのためにCauseで内部的に区別できるようにする。
type InvalidTokenError struct {
	Cause string
	Err   error
}

// Error はerrorインターフェースを実装する。
func (e *InvalidTokenError) Error() string {
	return fmt.Sprintf("invalid token (%s): %v", e.Cause, e.Err)
}

// Unwrap はラップされた元エラーを返す。
func (e *InvalidTokenError) Unwrap() error {
	return e.Err
}

// Claims はトークンのクレームを表す。
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

// Service はトークンの発行と検証を行う。
// シークレットは起動時に1回読み込み、実行中のローテーションは行わない。
type Service struct {
	secret []byte
	maxAge time.Duration
}

// NewService はServiceを生成する。
// secretが空の場合はErrSecretUnsetを返す。呼び出し側は起動を中断すること。
func NewService(secret string, maxAge time.Duration) (*Service, error) {
	if secret == "" {
		return nil, ErrSecretUnset
	}
	return &Service{
		secret: []byte(secret),
		maxAge: maxAge,
	}, nil
}

// Issue は指定ユーザーのアイデンティティトークンを発行する。
// 有効期限は発行時刻からmaxAge（既定7日）。
func (s *Service) Issue(userID, email string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.maxAge)),
		},
		UserID: userID,
		Email:  email,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return signed, nil
}

// Verify はトークンの署名と有効期限を検証し、確認済みアイデンティティを返す。
// 失敗時は原因種別を保持した*InvalidTokenErrorを返す。
func (s *Service) Verify(tokenString string) (*model.Identity, error) {
	claims := &Claims{}

	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, &InvalidTokenError{Cause: classifyError(err), Err: err}
	}

	if !parsed.Valid || claims.UserID == "" {
		return nil, &InvalidTokenError{Cause: CauseClaims, Err: errors.New("token claims are incomplete")}
	}

	return &model.Identity{
		UserID: claims.UserID,
		Email:  claims.Email,
	}, nil
}

// classifyError はjwtライブラリのエラーを内部原因種別に分類する。
func classifyError(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return CauseExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return CauseSignature
	case errors.Is(err, jwt.ErrTokenMalformed):
		return CauseMalformed
	default:
		return CauseClaims
	}
}
