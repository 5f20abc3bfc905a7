// Package syncer は外部チャートフィードからChart Document Storeへの同期を提供する。
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/chartman/internal/itunes"
	"github.com/hitoshi/chartman/internal/metrics"
	"github.com/hitoshi/chartman/internal/model"
)

// Fetcher は外部チャートフィードの取得インターフェース。
// テスト時にモックに差し替え可能。
type Fetcher interface {
	TopSongs(ctx context.Context, country string, limit int) ([]itunes.Song, error)
}

// Inserter はチャートエントリの一括登録インターフェース。
type Inserter interface {
	BatchInsert(ctx context.Context, entries []*model.ChartEntry, validateDuplicates bool) (*model.BatchResult, error)
}

// Syncer は外部フィードの取得とエントリ登録を組み合わせた同期処理。
type Syncer struct {
	fetcher Fetcher
	charts  Inserter
	metrics metrics.MetricsCollector

	// now はテストから差し替え可能な現在時刻取得関数。
	now func() time.Time
}

// New はSyncerを生成する。
func New(fetcher Fetcher, charts Inserter, collector metrics.MetricsCollector) *Syncer {
	return &Syncer{
		fetcher: fetcher,
		charts:  charts,
		metrics: collector,
		now:     time.Now,
	}
}

// Sync は指定国のトップソングを取得し、重複チェック有効で一括登録する。
// daysBackが2以上の場合は当日から遡ってその日数分の日付でバックフィルする。
// 既に同期済みの日付のエントリはidentity keyの重複としてスキップされる。
// フィード取得の失敗はUPSTREAM_UNAVAILABLEエラーになる。
func (s *Syncer) Sync(ctx context.Context, country string, limit, daysBack int) (*model.BatchResult, error) {
	if daysBack < 1 {
		daysBack = 1
	}

	start := s.now()
	songs, err := s.fetcher.TopSongs(ctx, country, limit)
	s.metrics.RecordFetchLatency(s.now().Sub(start))
	if err != nil {
		s.metrics.RecordSyncFailure(country)
		slog.Error("チャートフィードの取得に失敗しました",
			slog.String("country", country),
			slog.String("error", err.Error()),
		)
		return nil, model.NewUpstreamUnavailableError("チャートフィード")
	}

	if len(songs) == 0 {
		s.metrics.RecordSyncFailure(country)
		return nil, model.NewUpstreamUnavailableError("チャートフィード")
	}

	today := s.today()
	entries := make([]*model.ChartEntry, 0, len(songs)*daysBack)
	for back := 0; back < daysBack; back++ {
		date := today.AddDate(0, 0, -back)
		for _, song := range songs {
			entries = append(entries, &model.ChartEntry{
				Date:    date,
				Rank:    song.Rank,
				Song:    song.Name,
				Artist:  song.Artist,
				Album:   song.Album,
				Source:  model.SourceITunes,
				Country: country,
			})
		}
	}

	result, err := s.charts.BatchInsert(ctx, entries, true)
	if err != nil {
		s.metrics.RecordSyncFailure(country)
		return nil, fmt.Errorf("チャートエントリの登録に失敗しました: %w", err)
	}

	s.metrics.RecordSyncSuccess(country)
	slog.Info("チャート同期が完了しました",
		slog.String("country", country),
		slog.Int("fetched", len(songs)),
		slog.Int("created", result.Created),
		slog.Int("skipped", result.Skipped),
		slog.Int("failed", len(result.Failed)),
	)

	return result, nil
}

// today はサーバーのローカル暦日を返す。
func (s *Syncer) today() time.Time {
	t := s.now()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
