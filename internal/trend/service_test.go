package trend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hitoshi/chartman/internal/cache"
	"github.com/hitoshi/chartman/internal/metrics"
	"github.com/hitoshi/chartman/internal/model"
	"github.com/hitoshi/chartman/internal/repository"
)

// --- モック定義 ---

type stubChartRepo struct {
	listWindowFn    func(ctx context.Context, from, to time.Time, source model.ChartSource, country string) ([]*model.ChartEntry, error)
	listWindowCalls int
}

func (s *stubChartRepo) EnsureIndexes(ctx context.Context) error { return nil }

func (s *stubChartRepo) Insert(ctx context.Context, entry *model.ChartEntry, enforceUnique bool) error {
	return nil
}

func (s *stubChartRepo) FindByID(ctx context.Context, id string) (*model.ChartEntry, error) {
	return nil, nil
}

func (s *stubChartRepo) Update(ctx context.Context, entry *model.ChartEntry) (bool, error) {
	return false, nil
}

func (s *stubChartRepo) DeleteByID(ctx context.Context, id string) (bool, error) {
	return false, nil
}

func (s *stubChartRepo) Query(ctx context.Context, filter model.ChartFilter, skip, limit int) ([]*model.ChartEntry, error) {
	return nil, nil
}

func (s *stubChartRepo) TopForDate(ctx context.Context, date time.Time, source model.ChartSource, country string, limit int) ([]*model.ChartEntry, error) {
	return nil, nil
}

func (s *stubChartRepo) ArtistHistory(ctx context.Context, artist string, from, to *time.Time, limit int) ([]*model.ChartEntry, error) {
	return nil, nil
}

func (s *stubChartRepo) ListWindow(ctx context.Context, from, to time.Time, source model.ChartSource, country string) ([]*model.ChartEntry, error) {
	s.listWindowCalls++
	if s.listWindowFn != nil {
		return s.listWindowFn(ctx, from, to, source, country)
	}
	return nil, nil
}

var _ repository.ChartRepository = (*stubChartRepo)(nil)

// --- ヘルパー ---

func day(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := time.Parse(model.DateLayout, s)
	if err != nil {
		t.Fatalf("failed to parse date %q: %v", s, err)
	}
	return d
}

func entry(t *testing.T, date string, rank int, song, artist string) *model.ChartEntry {
	t.Helper()
	return &model.ChartEntry{
		Date:    day(t, date),
		Rank:    rank,
		Song:    song,
		Artist:  artist,
		Source:  model.SourceSpotify,
		Country: "US",
	}
}

func newTestService(repo repository.ChartRepository, today string) *Service {
	svc := NewService(repo, cache.New(64, time.Minute), metrics.Nop{})
	fixed := today
	svc.now = func() time.Time {
		t, _ := time.Parse(model.DateLayout, fixed)
		return t
	}
	return svc
}

func assertValidationError(t *testing.T, err error) {
	t.Helper()
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *model.APIError", err)
	}
	if apiErr.Code != model.ErrCodeValidationFailed {
		t.Errorf("error code = %q, want %q", apiErr.Code, model.ErrCodeValidationFailed)
	}
}

// --- テスト ---

// 出現回数降順、同数は最高順位昇順、次に名前順のソートを検証
func TestTopArtists_Ordering(t *testing.T) {
	repo := &stubChartRepo{
		listWindowFn: func(ctx context.Context, from, to time.Time, source model.ChartSource, country string) ([]*model.ChartEntry, error) {
			return []*model.ChartEntry{
				entry(t, "2025-06-01", 5, "Song A", "Alpha"),
				entry(t, "2025-06-02", 3, "Song A", "Alpha"),
				entry(t, "2025-06-01", 1, "Song B", "Beta"),
				entry(t, "2025-06-02", 2, "Song B", "Beta"),
				entry(t, "2025-06-01", 1, "Song C", "Gamma"),
			}, nil
		},
	}
	svc := newTestService(repo, "2025-06-07")

	artists, err := svc.TopArtists(context.Background(), 7, "", "")
	if err != nil {
		t.Fatalf("TopArtists() error = %v", err)
	}

	if len(artists) != 3 {
		t.Fatalf("len = %d, want 3", len(artists))
	}
	// AlphaとBetaは2回ずつ。Betaの最高順位1が上位に来る
	if artists[0].Artist != "Beta" {
		t.Errorf("artists[0] = %q, want Beta", artists[0].Artist)
	}
	if artists[1].Artist != "Alpha" {
		t.Errorf("artists[1] = %q, want Alpha", artists[1].Artist)
	}
	if artists[2].Artist != "Gamma" {
		t.Errorf("artists[2] = %q, want Gamma", artists[2].Artist)
	}
}

func TestTopArtists_Stats(t *testing.T) {
	streams1 := int64(1000)
	streams2 := int64(500)
	e1 := entry(t, "2025-06-01", 4, "Song A", "Alpha")
	e1.Streams = &streams1
	e2 := entry(t, "2025-06-02", 2, "Song B", "Alpha")
	e2.Streams = &streams2

	repo := &stubChartRepo{
		listWindowFn: func(ctx context.Context, from, to time.Time, source model.ChartSource, country string) ([]*model.ChartEntry, error) {
			return []*model.ChartEntry{e1, e2}, nil
		},
	}
	svc := newTestService(repo, "2025-06-07")

	artists, err := svc.TopArtists(context.Background(), 7, "", "")
	if err != nil {
		t.Fatalf("TopArtists() error = %v", err)
	}

	a := artists[0]
	if a.Appearances != 2 {
		t.Errorf("Appearances = %d, want 2", a.Appearances)
	}
	if a.AvgRank != 3.0 {
		t.Errorf("AvgRank = %v, want 3.0", a.AvgRank)
	}
	if a.BestRank != 2 || a.WorstRank != 4 {
		t.Errorf("Best/Worst = %d/%d, want 2/4", a.BestRank, a.WorstRank)
	}
	if a.TotalStreams != 1500 {
		t.Errorf("TotalStreams = %d, want 1500", a.TotalStreams)
	}
	// trending score = appearances / avgRank
	if a.TrendingScore != 2.0/3.0 {
		t.Errorf("TrendingScore = %v, want %v", a.TrendingScore, 2.0/3.0)
	}
	if len(a.TopSongs) != 2 {
		t.Errorf("TopSongs = %v, want 2 songs", a.TopSongs)
	}
}

func TestTopArtists_UnknownSourceRejected(t *testing.T) {
	svc := newTestService(&stubChartRepo{}, "2025-06-07")

	_, err := svc.TopArtists(context.Background(), 7, "MySpace", "")
	assertValidationError(t, err)
}

// 2回目の呼び出しがキャッシュから返ることを検証
func TestTopArtists_CachesResult(t *testing.T) {
	repo := &stubChartRepo{}
	svc := newTestService(repo, "2025-06-07")
	ctx := context.Background()

	if _, err := svc.TopArtists(ctx, 7, "", ""); err != nil {
		t.Fatalf("TopArtists() error = %v", err)
	}
	if _, err := svc.TopArtists(ctx, 7, "", ""); err != nil {
		t.Fatalf("TopArtists() error = %v", err)
	}

	if repo.listWindowCalls != 1 {
		t.Errorf("store queries = %d, want 1", repo.listWindowCalls)
	}
}

// 7日間で前半（1〜3日目）に順位10、後半（5〜7日目）に順位2の曲が
// 改善幅8の上昇と判定され、順位5のまま変わらない曲は除外されることを検証
func TestRisingSongs_ImprovementMagnitude(t *testing.T) {
	repo := &stubChartRepo{
		listWindowFn: func(ctx context.Context, from, to time.Time, source model.ChartSource, country string) ([]*model.ChartEntry, error) {
			return []*model.ChartEntry{
				// 上昇曲: 前半rank 10、後半rank 2
				entry(t, "2025-06-01", 10, "Riser", "Alpha"),
				entry(t, "2025-06-02", 10, "Riser", "Alpha"),
				entry(t, "2025-06-03", 10, "Riser", "Alpha"),
				entry(t, "2025-06-05", 2, "Riser", "Alpha"),
				entry(t, "2025-06-06", 2, "Riser", "Alpha"),
				entry(t, "2025-06-07", 2, "Riser", "Alpha"),
				// 変化なしの曲
				entry(t, "2025-06-01", 5, "Flat", "Beta"),
				entry(t, "2025-06-07", 5, "Flat", "Beta"),
			}, nil
		},
	}
	svc := newTestService(repo, "2025-06-07")

	songs, err := svc.RisingSongs(context.Background(), 7, "", "")
	if err != nil {
		t.Fatalf("RisingSongs() error = %v", err)
	}

	if len(songs) != 1 {
		t.Fatalf("len = %d, want 1 (flat song must be excluded)", len(songs))
	}
	if songs[0].Song != "Riser" {
		t.Errorf("Song = %q, want Riser", songs[0].Song)
	}
	if songs[0].Improvement != 8 {
		t.Errorf("Improvement = %d, want 8", songs[0].Improvement)
	}
	if songs[0].IsNew {
		t.Error("song present in both halves must not be marked new")
	}
}

// 順位が悪化した曲が上昇と判定されないことを検証
func TestRisingSongs_DecliningSongExcluded(t *testing.T) {
	repo := &stubChartRepo{
		listWindowFn: func(ctx context.Context, from, to time.Time, source model.ChartSource, country string) ([]*model.ChartEntry, error) {
			return []*model.ChartEntry{
				entry(t, "2025-06-01", 2, "Faller", "Alpha"),
				entry(t, "2025-06-07", 9, "Faller", "Alpha"),
			}, nil
		},
	}
	svc := newTestService(repo, "2025-06-07")

	songs, err := svc.RisingSongs(context.Background(), 7, "", "")
	if err != nil {
		t.Fatalf("RisingSongs() error = %v", err)
	}
	if len(songs) != 0 {
		t.Errorf("len = %d, want 0", len(songs))
	}
}

// 前半に出現せず後半に出現した曲が最大上昇として先頭に来ることを検証
func TestRisingSongs_NewEntriesSortFirst(t *testing.T) {
	repo := &stubChartRepo{
		listWindowFn: func(ctx context.Context, from, to time.Time, source model.ChartSource, country string) ([]*model.ChartEntry, error) {
			return []*model.ChartEntry{
				// 大きく上昇した既存曲
				entry(t, "2025-06-01", 50, "Big Riser", "Alpha"),
				entry(t, "2025-06-07", 1, "Big Riser", "Alpha"),
				// 後半のみに出現した新曲
				entry(t, "2025-06-06", 30, "Newcomer", "Beta"),
			}, nil
		},
	}
	svc := newTestService(repo, "2025-06-07")

	songs, err := svc.RisingSongs(context.Background(), 7, "", "")
	if err != nil {
		t.Fatalf("RisingSongs() error = %v", err)
	}

	if len(songs) != 2 {
		t.Fatalf("len = %d, want 2", len(songs))
	}
	if songs[0].Song != "Newcomer" || !songs[0].IsNew {
		t.Errorf("songs[0] = %+v, want new entry first", songs[0])
	}
	if songs[1].Song != "Big Riser" || songs[1].Improvement != 49 {
		t.Errorf("songs[1] = %+v, want Big Riser with improvement 49", songs[1])
	}
}

// 後半にのみ出現しない（前半のみの）曲が対象外であることを検証
func TestRisingSongs_FirstHalfOnlyExcluded(t *testing.T) {
	repo := &stubChartRepo{
		listWindowFn: func(ctx context.Context, from, to time.Time, source model.ChartSource, country string) ([]*model.ChartEntry, error) {
			return []*model.ChartEntry{
				entry(t, "2025-06-01", 3, "Gone", "Alpha"),
			}, nil
		},
	}
	svc := newTestService(repo, "2025-06-07")

	songs, err := svc.RisingSongs(context.Background(), 7, "", "")
	if err != nil {
		t.Fatalf("RisingSongs() error = %v", err)
	}
	if len(songs) != 0 {
		t.Errorf("len = %d, want 0", len(songs))
	}
}

// ウィンドウが開始日を含み当日までであることを検証
func TestRisingSongs_WindowBoundaries(t *testing.T) {
	var gotFrom, gotTo time.Time
	repo := &stubChartRepo{
		listWindowFn: func(ctx context.Context, from, to time.Time, source model.ChartSource, country string) ([]*model.ChartEntry, error) {
			gotFrom, gotTo = from, to
			return nil, nil
		},
	}
	svc := newTestService(repo, "2025-06-07")

	if _, err := svc.RisingSongs(context.Background(), 7, "", ""); err != nil {
		t.Fatalf("RisingSongs() error = %v", err)
	}

	if !gotFrom.Equal(day(t, "2025-06-01")) {
		t.Errorf("from = %v, want 2025-06-01", gotFrom)
	}
	if !gotTo.Equal(day(t, "2025-06-07")) {
		t.Errorf("to = %v, want 2025-06-07", gotTo)
	}
}

func TestComparison_GroupsBySource(t *testing.T) {
	itunes := entry(t, "2025-06-01", 1, "Song A", "Alpha")
	itunes.Source = model.SourceITunes

	repo := &stubChartRepo{
		listWindowFn: func(ctx context.Context, from, to time.Time, source model.ChartSource, country string) ([]*model.ChartEntry, error) {
			return []*model.ChartEntry{
				entry(t, "2025-06-01", 2, "Song B", "Beta"),
				entry(t, "2025-06-02", 4, "Song B", "Beta"),
				itunes,
			}, nil
		},
	}
	svc := newTestService(repo, "2025-06-07")

	stats, err := svc.Comparison(context.Background(), DimensionSource, 30)
	if err != nil {
		t.Fatalf("Comparison() error = %v", err)
	}

	if len(stats) != 2 {
		t.Fatalf("len = %d, want 2", len(stats))
	}
	// エントリ数降順
	if stats[0].Value != "Spotify" || stats[0].Entries != 2 {
		t.Errorf("stats[0] = %+v, want Spotify with 2 entries", stats[0])
	}
	if stats[0].AvgRank != 3.0 {
		t.Errorf("AvgRank = %v, want 3.0", stats[0].AvgRank)
	}
	if stats[0].UniqueSongs != 1 {
		t.Errorf("UniqueSongs = %d, want 1", stats[0].UniqueSongs)
	}
	if stats[1].Value != "iTunes" || stats[1].BestRank != 1 {
		t.Errorf("stats[1] = %+v, want iTunes with best rank 1", stats[1])
	}
}

func TestComparison_GroupsByCountry(t *testing.T) {
	jp := entry(t, "2025-06-01", 1, "Song A", "Alpha")
	jp.Country = "JP"

	repo := &stubChartRepo{
		listWindowFn: func(ctx context.Context, from, to time.Time, source model.ChartSource, country string) ([]*model.ChartEntry, error) {
			return []*model.ChartEntry{
				entry(t, "2025-06-01", 2, "Song B", "Beta"),
				jp,
			}, nil
		},
	}
	svc := newTestService(repo, "2025-06-07")

	stats, err := svc.Comparison(context.Background(), DimensionCountry, 30)
	if err != nil {
		t.Fatalf("Comparison() error = %v", err)
	}

	if len(stats) != 2 {
		t.Fatalf("len = %d, want 2", len(stats))
	}
	// エントリ数が同数の場合は値の昇順
	if stats[0].Value != "JP" || stats[1].Value != "US" {
		t.Errorf("order = %q, %q, want JP, US", stats[0].Value, stats[1].Value)
	}
}

func TestComparison_UnknownDimensionRejected(t *testing.T) {
	svc := newTestService(&stubChartRepo{}, "2025-06-07")

	_, err := svc.Comparison(context.Background(), "genre", 30)
	assertValidationError(t, err)
}
