// Package model はドメインモデルを定義する。
package model

import "time"

// User はサービス利用ユーザーを表す。
// Emailは小文字正規化した状態で保存する。
// PasswordHashはリポジトリ層とハッシュ検証の内部でのみ扱い、APIレスポンスには決して含めない。
type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Identity はトークン検証によって確認済みのユーザー識別情報を表す。
// 接続のライフタイム全体にわたってイミュータブルに扱う。
type Identity struct {
	UserID string
	Email  string
}
