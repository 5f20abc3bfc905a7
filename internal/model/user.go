// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"time"
)

// Role はユーザーの権限ロールを表す。
// admin > editor > viewer の全順序を持ち、文字列比較ではなく
// Levelによる数値比較で権限判定を行う。
type Role string

const (
	// RoleViewer は読み取り専用ロール。
	RoleViewer Role = "viewer"
	// RoleEditor はエントリの作成・更新と外部ソース同期が可能なロール。
	RoleEditor Role = "editor"
	// RoleAdmin は削除を含む全操作が可能な最上位ロール。
	RoleAdmin Role = "admin"
)

// Level はロールの権限レベルを返す。数値が大きいほど強い権限を持つ。
// 未知のロールは0（無権限）。
func (r Role) Level() int {
	switch r {
	case RoleViewer:
		return 1
	case RoleEditor:
		return 2
	case RoleAdmin:
		return 3
	default:
		return 0
	}
}

// AtLeast はrがrequired以上の権限を持つかを返す。
func (r Role) AtLeast(required Role) bool {
	return r.Level() >= required.Level()
}

// ParseRole は文字列をRoleに変換する。未知の値はエラーを返す。
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleViewer, RoleEditor, RoleAdmin:
		return Role(s), nil
	default:
		return "", fmt.Errorf("未知のロールです: %q", s)
	}
}

// User は認証プリンシパルを表す。
// usernameとemailはIdentity Store上でユニーク制約を持つ。
type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	Role         Role
	IsActive     bool
	CreatedAt    time.Time
	LastLogin    *time.Time
}
