// Package cache は読み取り系クエリの結果キャッシュを提供する。
package cache

import (
	"strings"
	"time"

	"github.com/hitoshi/chartman/internal/model"
)

// Key はキャッシュキーを表す。
// From/Toはキャッシュ対象クエリがカバーする日付範囲（両端含む）で、
// エントリ変更時の日付ベース無効化に使用する。
type Key struct {
	Op      string // 操作名（"top", "trend_artists" など）
	Source  model.ChartSource
	Country string
	From    time.Time
	To      time.Time
	Extra   string // limit等の付加パラメータ
}

// String はキーの正規化文字列表現を返す。
func (k Key) String() string {
	return strings.Join([]string{
		k.Op,
		string(k.Source),
		k.Country,
		k.From.Format(model.DateLayout),
		k.To.Format(model.DateLayout),
		k.Extra,
	}, "|")
}

// Contains はdateがキーの対象期間[From, To]に含まれるかを返す。
// 日付は時刻成分を持たないためYYYY-MM-DD文字列で比較する。
func (k Key) Contains(date time.Time) bool {
	d := date.Format(model.DateLayout)
	return d >= k.From.Format(model.DateLayout) && d <= k.To.Format(model.DateLayout)
}
