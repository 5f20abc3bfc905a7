// Package trend はチャートエントリのウィンドウ集計（トレンド分析）を提供する。
package trend

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/hitoshi/chartman/internal/cache"
	"github.com/hitoshi/chartman/internal/metrics"
	"github.com/hitoshi/chartman/internal/model"
	"github.com/hitoshi/chartman/internal/repository"
)

const (
	// defaultTopArtistsDays / defaultRisingPeriodDays / defaultComparisonDays
	// は各集計のデフォルトウィンドウ長（日数）。
	defaultTopArtistsDays   = 30
	defaultRisingPeriodDays = 14
	defaultComparisonDays   = 30

	// maxWindowDays はウィンドウ長の上限。
	maxWindowDays = 365

	// maxResults は各集計が返す最大件数。
	maxResults = 50

	// topSongsPerArtist はアーティストごとに返す代表曲の最大数。
	topSongsPerArtist = 5

	// trendCacheName はメトリクスラベルに使うキャッシュ名。
	trendCacheName = "trend"
)

// 比較ディメンション。
const (
	DimensionSource  = "source"
	DimensionCountry = "country"
)

// ArtistTrend はウィンドウ内のアーティスト集計結果を表す。
type ArtistTrend struct {
	Artist        string
	Appearances   int     // チャート出現回数
	AvgRank       float64 // 平均順位
	BestRank      int     // 最高順位（最小値）
	WorstRank     int     // 最低順位（最大値）
	TotalStreams  int64   // 再生数合計（データがあるエントリのみ）
	TrendingScore float64 // appearances / avgRank
	TopSongs      []string
}

// RisingSong は前半と後半の最高順位比較で上昇と判定された曲を表す。
type RisingSong struct {
	Song           string
	Artist         string
	FirstHalfBest  int  // 前半の最高順位。前半に出現しない場合は0
	SecondHalfBest int  // 後半の最高順位
	Improvement    int  // firstHalfBest - secondHalfBest
	IsNew          bool // 前半に出現せず後半に出現（最大上昇扱い）
}

// DimensionStat はディメンション値ごとの集計結果を表す。
type DimensionStat struct {
	Value       string
	Entries     int
	AvgRank     float64
	BestRank    int
	UniqueSongs int
}

// Service はトレンド分析のサービス層。
// 全操作は読み取り専用で、結果はTTL付きでキャッシュされる。
type Service struct {
	repo    repository.ChartRepository
	cache   *cache.Cache
	metrics metrics.MetricsCollector

	// now はテストから差し替え可能な現在時刻取得関数。
	now func() time.Time
}

// NewService はServiceを生成する。
func NewService(repo repository.ChartRepository, c *cache.Cache, collector metrics.MetricsCollector) *Service {
	return &Service{
		repo:    repo,
		cache:   c,
		metrics: collector,
		now:     time.Now,
	}
}

// today はサーバーのローカル暦日を返す。
func (s *Service) today() time.Time {
	t := s.now()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// normalizeDays はウィンドウ長をデフォルト適用と上限切り詰めで正規化する。
func normalizeDays(days, def int) int {
	if days <= 0 {
		return def
	}
	if days > maxWindowDays {
		return maxWindowDays
	}
	return days
}

// TopArtists は過去days日間のアーティスト別出現集計を返す。
// 出現回数降順、同数はウィンドウ内最高順位の昇順、次に名前順。
func (s *Service) TopArtists(ctx context.Context, days int, source model.ChartSource, country string) ([]ArtistTrend, error) {
	if source != "" && !model.IsKnownSource(source) {
		return nil, model.NewValidationError(fmt.Sprintf("未知のチャート提供元です: %s", source))
	}
	days = normalizeDays(days, defaultTopArtistsDays)

	to := s.today()
	from := to.AddDate(0, 0, -days)
	key := cache.Key{Op: "trend_artists", Source: source, Country: country, From: from, To: to, Extra: strconv.Itoa(days)}

	v, err := s.cached(ctx, key, func(ctx context.Context) (any, error) {
		entries, err := s.listWindow(ctx, from, to, source, country)
		if err != nil {
			return nil, err
		}
		return computeTopArtists(entries, maxResults), nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]ArtistTrend), nil
}

// RisingSongs は期間を前半と後半に分け、最高順位が改善した曲を返す。
// 改善幅は整数の順位差（旧順位 - 新順位）で、正の場合のみ上昇と判定する。
// 前半に出現せず後半に出現した曲は最大上昇としてリストの先頭に置く。
func (s *Service) RisingSongs(ctx context.Context, periodDays int, source model.ChartSource, country string) ([]RisingSong, error) {
	if source != "" && !model.IsKnownSource(source) {
		return nil, model.NewValidationError(fmt.Sprintf("未知のチャート提供元です: %s", source))
	}
	periodDays = normalizeDays(periodDays, defaultRisingPeriodDays)

	to := s.today()
	from := to.AddDate(0, 0, -(periodDays - 1))
	boundary := from.AddDate(0, 0, periodDays/2)
	key := cache.Key{Op: "trend_rising", Source: source, Country: country, From: from, To: to, Extra: strconv.Itoa(periodDays)}

	v, err := s.cached(ctx, key, func(ctx context.Context) (any, error) {
		entries, err := s.listWindow(ctx, from, to, source, country)
		if err != nil {
			return nil, err
		}
		return computeRisingSongs(entries, boundary, maxResults), nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]RisingSong), nil
}

// Comparison はディメンション（sourceまたはcountry）別の集計を返す。
// エントリ数降順、同数はディメンション値の昇順。
func (s *Service) Comparison(ctx context.Context, dimension string, days int) ([]DimensionStat, error) {
	if dimension != DimensionSource && dimension != DimensionCountry {
		return nil, model.NewValidationError(fmt.Sprintf("比較ディメンションはsourceまたはcountryを指定してください: %q", dimension))
	}
	days = normalizeDays(days, defaultComparisonDays)

	to := s.today()
	from := to.AddDate(0, 0, -days)
	key := cache.Key{Op: "trend_compare", From: from, To: to, Extra: dimension + "|" + strconv.Itoa(days)}

	v, err := s.cached(ctx, key, func(ctx context.Context) (any, error) {
		entries, err := s.listWindow(ctx, from, to, "", "")
		if err != nil {
			return nil, err
		}
		return computeComparison(entries, dimension), nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]DimensionStat), nil
}

// cached はキャッシュ経由で集計を実行し、ヒット/ミスをメトリクスに記録する。
func (s *Service) cached(ctx context.Context, key cache.Key, compute func(context.Context) (any, error)) (any, error) {
	v, hit, err := s.cache.GetOrCompute(ctx, key, compute)
	if err != nil {
		return nil, fmt.Errorf("failed to compute trend aggregate: %w", err)
	}
	if hit {
		s.metrics.RecordCacheHit(trendCacheName)
	} else {
		s.metrics.RecordCacheMiss(trendCacheName)
	}
	return v, nil
}

// listWindow は期間内のエントリを取得する。一時的な失敗は1回だけ再試行する。
func (s *Service) listWindow(ctx context.Context, from, to time.Time, source model.ChartSource, country string) ([]*model.ChartEntry, error) {
	return repository.ReadWithRetry(ctx, func(ctx context.Context) ([]*model.ChartEntry, error) {
		return s.repo.ListWindow(ctx, from, to, source, country)
	})
}

// computeTopArtists はアーティスト別の出現集計を計算する。
func computeTopArtists(entries []*model.ChartEntry, limit int) []ArtistTrend {
	type artistAgg struct {
		appearances int
		rankSum     int
		bestRank    int
		worstRank   int
		streams     int64
		songCounts  map[string]int
	}

	aggs := make(map[string]*artistAgg)
	for _, e := range entries {
		agg, ok := aggs[e.Artist]
		if !ok {
			agg = &artistAgg{bestRank: e.Rank, worstRank: e.Rank, songCounts: make(map[string]int)}
			aggs[e.Artist] = agg
		}
		agg.appearances++
		agg.rankSum += e.Rank
		if e.Rank < agg.bestRank {
			agg.bestRank = e.Rank
		}
		if e.Rank > agg.worstRank {
			agg.worstRank = e.Rank
		}
		if e.Streams != nil {
			agg.streams += *e.Streams
		}
		agg.songCounts[e.Song]++
	}

	results := make([]ArtistTrend, 0, len(aggs))
	for artist, agg := range aggs {
		avgRank := float64(agg.rankSum) / float64(agg.appearances)
		results = append(results, ArtistTrend{
			Artist:        artist,
			Appearances:   agg.appearances,
			AvgRank:       avgRank,
			BestRank:      agg.bestRank,
			WorstRank:     agg.worstRank,
			TotalStreams:  agg.streams,
			TrendingScore: float64(agg.appearances) / avgRank,
			TopSongs:      topSongs(agg.songCounts, topSongsPerArtist),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Appearances != results[j].Appearances {
			return results[i].Appearances > results[j].Appearances
		}
		if results[i].BestRank != results[j].BestRank {
			return results[i].BestRank < results[j].BestRank
		}
		return results[i].Artist < results[j].Artist
	})

	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// topSongs は出現回数の多い順（同数は曲名順）に代表曲を返す。
func topSongs(counts map[string]int, limit int) []string {
	songs := make([]string, 0, len(counts))
	for song := range counts {
		songs = append(songs, song)
	}
	sort.Slice(songs, func(i, j int) bool {
		if counts[songs[i]] != counts[songs[j]] {
			return counts[songs[i]] > counts[songs[j]]
		}
		return songs[i] < songs[j]
	})
	if len(songs) > limit {
		songs = songs[:limit]
	}
	return songs
}

// computeRisingSongs は前半と後半の最高順位を比較し、上昇した曲を抽出する。
// boundary以降のエントリを後半として扱う。
func computeRisingSongs(entries []*model.ChartEntry, boundary time.Time, limit int) []RisingSong {
	type songAgg struct {
		song       string
		artist     string
		firstBest  int // 0は未出現
		secondBest int
	}

	aggs := make(map[string]*songAgg)
	for _, e := range entries {
		key := e.Song + "\x00" + e.Artist
		agg, ok := aggs[key]
		if !ok {
			agg = &songAgg{song: e.Song, artist: e.Artist}
			aggs[key] = agg
		}
		if e.Date.Before(boundary) {
			if agg.firstBest == 0 || e.Rank < agg.firstBest {
				agg.firstBest = e.Rank
			}
		} else {
			if agg.secondBest == 0 || e.Rank < agg.secondBest {
				agg.secondBest = e.Rank
			}
		}
	}

	var results []RisingSong
	for _, agg := range aggs {
		if agg.secondBest == 0 {
			// 後半に出現しない曲は上昇ではない
			continue
		}
		if agg.firstBest == 0 {
			// 前半に出現しない曲は最大上昇として扱う
			results = append(results, RisingSong{
				Song:           agg.song,
				Artist:         agg.artist,
				SecondHalfBest: agg.secondBest,
				IsNew:          true,
			})
			continue
		}
		improvement := agg.firstBest - agg.secondBest
		if improvement <= 0 {
			continue
		}
		results = append(results, RisingSong{
			Song:           agg.song,
			Artist:         agg.artist,
			FirstHalfBest:  agg.firstBest,
			SecondHalfBest: agg.secondBest,
			Improvement:    improvement,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].IsNew != results[j].IsNew {
			return results[i].IsNew
		}
		if results[i].IsNew {
			if results[i].SecondHalfBest != results[j].SecondHalfBest {
				return results[i].SecondHalfBest < results[j].SecondHalfBest
			}
			return results[i].Song < results[j].Song
		}
		if results[i].Improvement != results[j].Improvement {
			return results[i].Improvement > results[j].Improvement
		}
		return results[i].Song < results[j].Song
	})

	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// computeComparison はディメンション値ごとの集計を計算する。
func computeComparison(entries []*model.ChartEntry, dimension string) []DimensionStat {
	type dimAgg struct {
		entries  int
		rankSum  int
		bestRank int
		songs    map[string]struct{}
	}

	aggs := make(map[string]*dimAgg)
	for _, e := range entries {
		value := e.Country
		if dimension == DimensionSource {
			value = string(e.Source)
		}
		agg, ok := aggs[value]
		if !ok {
			agg = &dimAgg{bestRank: e.Rank, songs: make(map[string]struct{})}
			aggs[value] = agg
		}
		agg.entries++
		agg.rankSum += e.Rank
		if e.Rank < agg.bestRank {
			agg.bestRank = e.Rank
		}
		agg.songs[e.Song] = struct{}{}
	}

	results := make([]DimensionStat, 0, len(aggs))
	for value, agg := range aggs {
		results = append(results, DimensionStat{
			Value:       value,
			Entries:     agg.entries,
			AvgRank:     float64(agg.rankSum) / float64(agg.entries),
			BestRank:    agg.bestRank,
			UniqueSongs: len(agg.songs),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Entries != results[j].Entries {
			return results[i].Entries > results[j].Entries
		}
		return results[i].Value < results[j].Value
	})

	return results
}
