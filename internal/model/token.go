// Package model はドメインモデルを定義する。
package model

import "time"

// RefreshToken はリフレッシュトークンの失効管理レコードを表す。
// トークン本体はJWTとして発行され、ここにはjti（ID）と使用状態のみを保持する。
// 使用は1回限りで、Refresh時にローテーションされる。
type RefreshToken struct {
	ID        string // JWTのjtiクレームに対応
	UserID    string
	ExpiresAt time.Time
	UsedAt    *time.Time // 使用済みの場合のみ設定される
	CreatedAt time.Time
}

// TokenPair はアクセストークンとリフレッシュトークンの組を表す。
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int // アクセストークンの有効秒数
}
