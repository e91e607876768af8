// Package auth はメールアドレスとパスワードによる認証フローを提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/chatgate/internal/model"
	"github.com/hitoshi/chatgate/internal/repository"
)

// TokenIssuer はアイデンティティトークンの発行インターフェース。
// token.Serviceの部分集合として定義する。
type TokenIssuer interface {
	Issue(userID, email string) (string, error)
}

// Service は認証に関するビジネスロジックを提供する。
// リクエスト間で共有する可変状態は持たない。
type Service struct {
	userRepo repository.UserRepository
	hasher   PasswordHasher
	tokens   TokenIssuer
}

// NewService はServiceを生成する。
func NewService(userRepo repository.UserRepository, hasher PasswordHasher, tokens TokenIssuer) *Service {
	return &Service{
		userRepo: userRepo,
		hasher:   hasher,
		tokens:   tokens,
	}
}

// Signup は新規ユーザーを登録し、アイデンティティトークンを発行する。
// メールアドレスは小文字正規化して保存する。
// パスワードの形式バリデーションはサーバー側では存在チェックのみ行う
// （クライアント側の形式チェックは助言的な扱い）。
// メールアドレスが登録済みの場合は*model.APIError（conflict）を返す。
func (s *Service) Signup(ctx context.Context, email, password string) (*model.User, string, error) {
	if email == "" || password == "" {
		return nil, "", model.NewMissingCredentialsError()
	}

	email = strings.ToLower(email)

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, "", fmt.Errorf("failed to hash password: %w", err)
	}

	now := time.Now()
	user := &model.User{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.userRepo.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrEmailTaken) {
			return nil, "", model.NewEmailTakenError()
		}
		return nil, "", fmt.Errorf("failed to create user: %w", err)
	}

	signed, err := s.tokens.Issue(user.ID, user.Email)
	if err != nil {
		return nil, "", fmt.Errorf("failed to issue token: %w", err)
	}

	slog.Info("user signed up",
		slog.String("user_id", user.ID),
	)

	return user, signed, nil
}

// Login は認証情報を検証し、アイデンティティトークンを発行する。
// ユーザー不存在とパスワード不一致は同一のエラーを返す（列挙攻撃対策）。
func (s *Service) Login(ctx context.Context, email, password string) (*model.User, string, error) {
	if email == "" || password == "" {
		return nil, "", model.NewMissingCredentialsError()
	}

	email = strings.ToLower(email)

	user, err := s.userRepo.FindByEmail(ctx, email)
	if err != nil {
		return nil, "", fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, "", model.NewInvalidCredentialsError()
	}

	if !s.hasher.Verify(password, user.PasswordHash) {
		return nil, "", model.NewInvalidCredentialsError()
	}

	signed, err := s.tokens.Issue(user.ID, user.Email)
	if err != nil {
		return nil, "", fmt.Errorf("failed to issue token: %w", err)
	}

	slog.Info("user logged in",
		slog.String("user_id", user.ID),
	)

	return user, signed, nil
}

// GetUser はトークンの主体IDからユーザーを再取得する。
// キャッシュ済みのプロフィールではなく、現在のレコードを返すためにストアを参照する。
// ユーザーが既に存在しない場合は*model.APIError（not_found）を返す。
func (s *Service) GetUser(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}

	return user, nil
}
