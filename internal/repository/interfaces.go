// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/chartman/internal/model"
)

// ErrDuplicateKey はidentity keyの重複により書き込みが拒否されたことを示す。
var ErrDuplicateKey = errors.New("identity keyが重複しています")

// ChartRepository はチャートエントリの永続化インターフェース。
type ChartRepository interface {
	// EnsureIndexes はidentity keyユニークインデックスと検索用インデックスを作成する。
	// 起動時に一度呼び出す。冪等。
	EnsureIndexes(ctx context.Context) error

	// Insert はエントリを1件登録する。
	// enforceUniqueがtrueの場合、(date, source, country, rank) が既存エントリと
	// 衝突するとErrDuplicateKeyを返す。falseの場合は重複を許容する。
	Insert(ctx context.Context, entry *model.ChartEntry, enforceUnique bool) error

	// FindByID は指定IDのエントリを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.ChartEntry, error)

	// Update は既存エントリを上書き更新する。identity keyも再計算して保存する。
	// 更新後のキーが他エントリと衝突する場合はErrDuplicateKeyを返す。
	// 対象が存在しない場合はfalseを返す。
	Update(ctx context.Context, entry *model.ChartEntry) (bool, error)

	// DeleteByID は指定IDのエントリを削除する。削除した場合はtrueを返す。
	DeleteByID(ctx context.Context, id string) (bool, error)

	// Query はフィルタ条件に一致するエントリを取得する。
	// 日付降順、同一日付内は順位昇順で返す。
	Query(ctx context.Context, filter model.ChartFilter, skip, limit int) ([]*model.ChartEntry, error)

	// TopForDate は指定日・提供元・国の上位limit件を順位昇順で返す。
	TopForDate(ctx context.Context, date time.Time, source model.ChartSource, country string, limit int) ([]*model.ChartEntry, error)

	// ArtistHistory はアーティスト名の前方一致（大文字小文字無視）で
	// エントリを日付昇順に返す。from/toは任意の期間境界。
	ArtistHistory(ctx context.Context, artist string, from, to *time.Time, limit int) ([]*model.ChartEntry, error)

	// ListWindow は期間[from, to]内のエントリを日付昇順で返す。
	// source/countryはゼロ値で絞り込みなし。トレンド集計用。
	ListWindow(ctx context.Context, from, to time.Time, source model.ChartSource, country string) ([]*model.ChartEntry, error)
}

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByUsername はユーザー名でユーザーを検索する。見つからない場合はnilを返す。
	FindByUsername(ctx context.Context, username string) (*model.User, error)

	// FindByEmail はメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// Create はユーザーを作成する。username/emailの衝突時はErrDuplicateKeyを返す。
	Create(ctx context.Context, user *model.User) error

	// UpdateLastLogin は最終ログイン日時を更新する。
	UpdateLastLogin(ctx context.Context, id string, at time.Time) error
}

// RefreshTokenRepository はリフレッシュトークンの永続化インターフェース。
type RefreshTokenRepository interface {
	// Create はトークンレコードを作成する。
	Create(ctx context.Context, token *model.RefreshToken) error

	// Consume はトークンを原子的に使用済みにし、レコードを返す。
	// 未登録・使用済み・期限切れのいずれの場合もnilを返す。
	// 同一トークンに対する並行呼び出しのうち成功するのは1つだけ。
	Consume(ctx context.Context, id string, now time.Time) (*model.RefreshToken, error)

	// DeleteStale は期限切れまたは使用済みのトークンを削除し、削除件数を返す。
	DeleteStale(ctx context.Context, now time.Time) (int64, error)
}

// retryDelay は一時的な読み取り失敗時の再試行までの待機時間。
const retryDelay = 100 * time.Millisecond

// ReadWithRetry は読み取り操作を実行し、失敗時に一度だけ再試行する。
// コンテキストのキャンセルは即座に伝播する。
func ReadWithRetry[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	v, err := fn(ctx)
	if err == nil || ctx.Err() != nil {
		return v, err
	}

	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-time.After(retryDelay):
	}

	return fn(ctx)
}
