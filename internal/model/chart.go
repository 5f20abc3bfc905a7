// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"time"
)

// DateLayout はチャートエントリの日付表現（時刻成分なし）。
const DateLayout = "2006-01-02"

// ChartSource はチャート提供元プラットフォームを表す。
type ChartSource string

const (
	// SourceSpotify はSpotifyチャート。
	SourceSpotify ChartSource = "Spotify"
	// SourceITunes はiTunes Storeチャート。
	SourceITunes ChartSource = "iTunes"
	// SourceAppleMusic はApple Musicチャート。
	SourceAppleMusic ChartSource = "Apple Music"
)

// KnownSources は受け付け可能なチャート提供元の一覧。
var KnownSources = []ChartSource{SourceSpotify, SourceITunes, SourceAppleMusic}

// IsKnownSource はsourceが既知のプラットフォームかを返す。
func IsKnownSource(s ChartSource) bool {
	for _, known := range KnownSources {
		if s == known {
			return true
		}
	}
	return false
}

// ChartEntry は1件の順位観測（プラットフォーム/日付/国/順位）を表す。
// (date, source, country, rank) がidentity keyとなり、重複チェック有効時は
// ストアのユニークインデックスにより一意性が保証される。
type ChartEntry struct {
	ID        string
	Date      time.Time // 日付のみ（時刻成分は持たない）
	Rank      int       // 1以上。小さいほど上位
	Song      string
	Artist    string
	Album     string // 任意
	Source    ChartSource
	Country   string // ISO国コードまたは "Global"
	Streams   *int64 // 任意。非負
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IdentityKey は (date, source, country, rank) を正規化した一意キーを返す。
func (e *ChartEntry) IdentityKey() string {
	return fmt.Sprintf("%s|%s|%s|%d", e.Date.Format(DateLayout), e.Source, e.Country, e.Rank)
}

// ChartFilter はチャートエントリ検索の絞り込み条件を表す。
// Dateが指定された場合はDateFrom/DateToより優先される。
type ChartFilter struct {
	Date     *time.Time
	DateFrom *time.Time
	DateTo   *time.Time
	Source   ChartSource
	Country  string
	Artist   string // 大文字小文字を区別しない前方一致
}

// BatchEntryError はバッチ登録で失敗した1エントリの内容を表す。
type BatchEntryError struct {
	Index  int    // 入力リスト内の位置
	Reason string // 失敗理由
}

// BatchResult はバッチ登録の結果サマリーを表す。
// 1件の失敗がバッチ全体を中断することはなく、エントリごとの結果を分離して報告する。
type BatchResult struct {
	Created int
	Skipped int // 重複チェック有効時にスキップされた件数
	Failed  []BatchEntryError
}
