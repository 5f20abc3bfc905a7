package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hitoshi/chartman/internal/itunes"
	"github.com/hitoshi/chartman/internal/metrics"
	"github.com/hitoshi/chartman/internal/model"
)

// --- モック定義 ---

type mockFetcher struct {
	topSongsFn func(ctx context.Context, country string, limit int) ([]itunes.Song, error)
}

func (m *mockFetcher) TopSongs(ctx context.Context, country string, limit int) ([]itunes.Song, error) {
	if m.topSongsFn != nil {
		return m.topSongsFn(ctx, country, limit)
	}
	return nil, nil
}

type mockInserter struct {
	batchInsertFn func(ctx context.Context, entries []*model.ChartEntry, validateDuplicates bool) (*model.BatchResult, error)
}

func (m *mockInserter) BatchInsert(ctx context.Context, entries []*model.ChartEntry, validateDuplicates bool) (*model.BatchResult, error) {
	if m.batchInsertFn != nil {
		return m.batchInsertFn(ctx, entries, validateDuplicates)
	}
	return &model.BatchResult{Created: len(entries)}, nil
}

var _ Fetcher = (*mockFetcher)(nil)
var _ Inserter = (*mockInserter)(nil)

func fixedNow(t *testing.T, s *Syncer, date string) {
	t.Helper()
	fixed, err := time.Parse(model.DateLayout, date)
	if err != nil {
		t.Fatalf("failed to parse date %q: %v", date, err)
	}
	s.now = func() time.Time { return fixed }
}

func twoSongs() []itunes.Song {
	return []itunes.Song{
		{Rank: 1, Name: "Top Song", Artist: "Top Artist", Album: "Top Album"},
		{Rank: 2, Name: "Second Song", Artist: "Second Artist"},
	}
}

// --- テスト ---

func TestSync_InsertsFetchedSongs(t *testing.T) {
	var gotEntries []*model.ChartEntry
	var gotValidate bool

	fetcher := &mockFetcher{
		topSongsFn: func(ctx context.Context, country string, limit int) ([]itunes.Song, error) {
			return twoSongs(), nil
		},
	}
	inserter := &mockInserter{
		batchInsertFn: func(ctx context.Context, entries []*model.ChartEntry, validateDuplicates bool) (*model.BatchResult, error) {
			gotEntries = entries
			gotValidate = validateDuplicates
			return &model.BatchResult{Created: len(entries)}, nil
		},
	}
	s := New(fetcher, inserter, metrics.Nop{})
	fixedNow(t, s, "2025-06-07")

	result, err := s.Sync(context.Background(), "US", 10, 1)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	if result.Created != 2 {
		t.Errorf("Created = %d, want 2", result.Created)
	}
	if !gotValidate {
		t.Error("sync must insert with duplicate validation enabled")
	}
	if len(gotEntries) != 2 {
		t.Fatalf("entries = %d, want 2", len(gotEntries))
	}

	e := gotEntries[0]
	if e.Source != model.SourceITunes {
		t.Errorf("Source = %q, want %q", e.Source, model.SourceITunes)
	}
	if e.Country != "US" {
		t.Errorf("Country = %q, want US", e.Country)
	}
	if e.Date.Format(model.DateLayout) != "2025-06-07" {
		t.Errorf("Date = %v, want 2025-06-07", e.Date)
	}
	if e.Rank != 1 || e.Song != "Top Song" || e.Album != "Top Album" {
		t.Errorf("entry = %+v", e)
	}
}

// daysBack指定で過去日付のエントリも生成されることを検証
func TestSync_BackfillsPastDates(t *testing.T) {
	var gotEntries []*model.ChartEntry

	fetcher := &mockFetcher{
		topSongsFn: func(ctx context.Context, country string, limit int) ([]itunes.Song, error) {
			return twoSongs(), nil
		},
	}
	inserter := &mockInserter{
		batchInsertFn: func(ctx context.Context, entries []*model.ChartEntry, validateDuplicates bool) (*model.BatchResult, error) {
			gotEntries = entries
			return &model.BatchResult{Created: len(entries)}, nil
		},
	}
	s := New(fetcher, inserter, metrics.Nop{})
	fixedNow(t, s, "2025-06-07")

	if _, err := s.Sync(context.Background(), "US", 10, 3); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	if len(gotEntries) != 6 {
		t.Fatalf("entries = %d, want 6 (2 songs x 3 days)", len(gotEntries))
	}

	dates := make(map[string]int)
	for _, e := range gotEntries {
		dates[e.Date.Format(model.DateLayout)]++
	}
	for _, d := range []string{"2025-06-07", "2025-06-06", "2025-06-05"} {
		if dates[d] != 2 {
			t.Errorf("entries for %s = %d, want 2", d, dates[d])
		}
	}
}

// フィード取得失敗がUPSTREAM_UNAVAILABLEになることを検証
func TestSync_FetchFailure(t *testing.T) {
	fetcher := &mockFetcher{
		topSongsFn: func(ctx context.Context, country string, limit int) ([]itunes.Song, error) {
			return nil, errors.New("connection refused")
		},
	}
	s := New(fetcher, &mockInserter{}, metrics.Nop{})

	_, err := s.Sync(context.Background(), "US", 10, 1)

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *model.APIError", err)
	}
	if apiErr.Code != model.ErrCodeUpstreamUnavailable {
		t.Errorf("error code = %q, want %q", apiErr.Code, model.ErrCodeUpstreamUnavailable)
	}
}

// 空フィードもUPSTREAM_UNAVAILABLEとして扱うことを検証
func TestSync_EmptyFeed(t *testing.T) {
	fetcher := &mockFetcher{
		topSongsFn: func(ctx context.Context, country string, limit int) ([]itunes.Song, error) {
			return nil, nil
		},
	}
	s := New(fetcher, &mockInserter{}, metrics.Nop{})

	_, err := s.Sync(context.Background(), "US", 10, 1)

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *model.APIError", err)
	}
	if apiErr.Code != model.ErrCodeUpstreamUnavailable {
		t.Errorf("error code = %q, want %q", apiErr.Code, model.ErrCodeUpstreamUnavailable)
	}
}

func TestSync_InsertFailurePropagates(t *testing.T) {
	fetcher := &mockFetcher{
		topSongsFn: func(ctx context.Context, country string, limit int) ([]itunes.Song, error) {
			return twoSongs(), nil
		},
	}
	inserter := &mockInserter{
		batchInsertFn: func(ctx context.Context, entries []*model.ChartEntry, validateDuplicates bool) (*model.BatchResult, error) {
			return nil, errors.New("store down")
		},
	}
	s := New(fetcher, inserter, metrics.Nop{})

	if _, err := s.Sync(context.Background(), "US", 10, 1); err == nil {
		t.Fatal("expected error when insert fails")
	}
}
