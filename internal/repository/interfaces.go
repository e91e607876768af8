// Package repository はデータ永続化層のインターフェースと実装を提供する。
package repository

import (
	"context"
	"errors"

	"github.com/hitoshi/chatgate/internal/model"
)

// ErrEmailTaken はメールアドレスの一意制約違反を表す。
// ストア固有のエラーコードはこのセンチネルに変換され、実装詳細を上位層へ漏らさない。
var ErrEmailTaken = errors.New("email is already taken")

// UserRepository はユーザーの永続化インターフェース。
type UserRepository interface {
	// Create はユーザーを作成する。
	// メールアドレスが既に存在する場合はErrEmailTakenを返す。
	Create(ctx context.Context, user *model.User) error

	// FindByEmail は指定メールアドレス（大文字小文字を区別しない）のユーザーを取得する。
	// 見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)
}
