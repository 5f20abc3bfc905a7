package chart

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/chartman/internal/cache"
	"github.com/hitoshi/chartman/internal/metrics"
	"github.com/hitoshi/chartman/internal/model"
	"github.com/hitoshi/chartman/internal/repository"
)

// --- モック定義 ---

// memChartRepo はidentity keyのユニーク制約を再現するインメモリ実装。
type memChartRepo struct {
	mu      sync.Mutex
	entries map[string]*model.ChartEntry
	keys    map[string]string // identity key -> entry ID

	queryCalls int
	topCalls   int
	lastSkip   int
	lastLimit  int
}

func newMemChartRepo() *memChartRepo {
	return &memChartRepo{
		entries: make(map[string]*model.ChartEntry),
		keys:    make(map[string]string),
	}
}

func (m *memChartRepo) storageKey(entry *model.ChartEntry, enforceUnique bool) string {
	key := entry.IdentityKey()
	if !enforceUnique {
		key = key + "|" + entry.ID
	}
	return key
}

func (m *memChartRepo) EnsureIndexes(ctx context.Context) error { return nil }

func (m *memChartRepo) Insert(ctx context.Context, entry *model.ChartEntry, enforceUnique bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := m.storageKey(entry, enforceUnique)
	if _, exists := m.keys[key]; exists {
		return repository.ErrDuplicateKey
	}
	copied := *entry
	m.entries[entry.ID] = &copied
	m.keys[key] = entry.ID
	return nil
}

func (m *memChartRepo) FindByID(ctx context.Context, id string) (*model.ChartEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	if !ok {
		return nil, nil
	}
	copied := *entry
	return &copied, nil
}

func (m *memChartRepo) Update(ctx context.Context, entry *model.ChartEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[entry.ID]; !ok {
		return false, nil
	}
	newKey := entry.IdentityKey()
	if owner, exists := m.keys[newKey]; exists && owner != entry.ID {
		return false, repository.ErrDuplicateKey
	}
	for key, id := range m.keys {
		if id == entry.ID {
			delete(m.keys, key)
		}
	}
	m.keys[newKey] = entry.ID
	copied := *entry
	m.entries[entry.ID] = &copied
	return true, nil
}

func (m *memChartRepo) DeleteByID(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[id]; !ok {
		return false, nil
	}
	delete(m.entries, id)
	for key, owner := range m.keys {
		if owner == id {
			delete(m.keys, key)
		}
	}
	return true, nil
}

func (m *memChartRepo) Query(ctx context.Context, filter model.ChartFilter, skip, limit int) ([]*model.ChartEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queryCalls++
	m.lastSkip = skip
	m.lastLimit = limit
	return m.all(), nil
}

func (m *memChartRepo) TopForDate(ctx context.Context, date time.Time, source model.ChartSource, country string, limit int) ([]*model.ChartEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topCalls++

	var result []*model.ChartEntry
	for _, entry := range m.entries {
		if entry.Date.Equal(date) && entry.Source == source && entry.Country == country {
			copied := *entry
			result = append(result, &copied)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Rank < result[j].Rank })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *memChartRepo) ArtistHistory(ctx context.Context, artist string, from, to *time.Time, limit int) ([]*model.ChartEntry, error) {
	return m.all(), nil
}

func (m *memChartRepo) ListWindow(ctx context.Context, from, to time.Time, source model.ChartSource, country string) ([]*model.ChartEntry, error) {
	return m.all(), nil
}

func (m *memChartRepo) all() []*model.ChartEntry {
	var result []*model.ChartEntry
	for _, entry := range m.entries {
		copied := *entry
		result = append(result, &copied)
	}
	return result
}

var _ repository.ChartRepository = (*memChartRepo)(nil)

// --- ヘルパー ---

func day(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := time.Parse(model.DateLayout, s)
	if err != nil {
		t.Fatalf("failed to parse date %q: %v", s, err)
	}
	return d
}

func newTestService(repo repository.ChartRepository) *Service {
	return NewService(repo, cache.New(64, time.Minute), cache.New(64, time.Minute), metrics.Nop{})
}

func validEntry(t *testing.T, date string, rank int) *model.ChartEntry {
	t.Helper()
	return &model.ChartEntry{
		Date:    day(t, date),
		Rank:    rank,
		Song:    "Test Song",
		Artist:  "Test Artist",
		Source:  model.SourceSpotify,
		Country: "US",
	}
}

func assertAPIErrorCode(t *testing.T, err error, wantCode string) {
	t.Helper()
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *model.APIError", err)
	}
	if apiErr.Code != wantCode {
		t.Errorf("error code = %q, want %q", apiErr.Code, wantCode)
	}
}

// --- テスト ---

func TestInsert_AssignsIDAndTimestamps(t *testing.T) {
	svc := newTestService(newMemChartRepo())

	entry, err := svc.Insert(context.Background(), validEntry(t, "2025-06-01", 1), true)
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	if entry.ID == "" {
		t.Error("expected non-empty ID")
	}
	if entry.CreatedAt.IsZero() || entry.UpdatedAt.IsZero() {
		t.Error("expected timestamps to be set")
	}
}

func TestInsert_ValidationErrors(t *testing.T) {
	svc := newTestService(newMemChartRepo())
	ctx := context.Background()
	negStreams := int64(-1)

	tests := []struct {
		name   string
		mutate func(e *model.ChartEntry)
	}{
		{"zero rank", func(e *model.ChartEntry) { e.Rank = 0 }},
		{"negative rank", func(e *model.ChartEntry) { e.Rank = -5 }},
		{"empty song", func(e *model.ChartEntry) { e.Song = "  " }},
		{"empty artist", func(e *model.ChartEntry) { e.Artist = "" }},
		{"unknown source", func(e *model.ChartEntry) { e.Source = "MySpace" }},
		{"empty country", func(e *model.ChartEntry) { e.Country = "" }},
		{"negative streams", func(e *model.ChartEntry) { e.Streams = &negStreams }},
		{"zero date", func(e *model.ChartEntry) { e.Date = time.Time{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := validEntry(t, "2025-06-01", 1)
			tt.mutate(entry)
			_, err := svc.Insert(ctx, entry, true)
			assertAPIErrorCode(t, err, model.ErrCodeValidationFailed)
		})
	}
}

// 重複チェック有効時、同一identity keyの2件目は拒否され1件だけ格納されることを検証
func TestInsert_DuplicateRejected(t *testing.T) {
	repo := newMemChartRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	if _, err := svc.Insert(ctx, validEntry(t, "2025-06-01", 1), true); err != nil {
		t.Fatalf("first Insert() error = %v", err)
	}

	_, err := svc.Insert(ctx, validEntry(t, "2025-06-01", 1), true)
	assertAPIErrorCode(t, err, model.ErrCodeDuplicateKey)

	if len(repo.entries) != 1 {
		t.Errorf("stored entries = %d, want 1", len(repo.entries))
	}
}

// 重複チェック無効時は同一identity keyでも両方格納されることを検証
func TestInsert_DuplicateAllowedWhenDisabled(t *testing.T) {
	repo := newMemChartRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	if _, err := svc.Insert(ctx, validEntry(t, "2025-06-01", 1), false); err != nil {
		t.Fatalf("first Insert() error = %v", err)
	}
	if _, err := svc.Insert(ctx, validEntry(t, "2025-06-01", 1), false); err != nil {
		t.Fatalf("second Insert() error = %v", err)
	}

	if len(repo.entries) != 2 {
		t.Errorf("stored entries = %d, want 2", len(repo.entries))
	}
}

// 新規2件+重複1件のバッチがcreated=2, skipped=1になることを検証
func TestBatchInsert_CountsCreatedAndSkipped(t *testing.T) {
	repo := newMemChartRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	if _, err := svc.Insert(ctx, validEntry(t, "2025-06-01", 1), true); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	batch := []*model.ChartEntry{
		validEntry(t, "2025-06-01", 2),
		validEntry(t, "2025-06-01", 3),
		validEntry(t, "2025-06-01", 1), // 既存と重複
	}
	result, err := svc.BatchInsert(ctx, batch, true)
	if err != nil {
		t.Fatalf("BatchInsert() error = %v", err)
	}

	if result.Created != 2 {
		t.Errorf("Created = %d, want 2", result.Created)
	}
	if result.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", result.Skipped)
	}
	if len(result.Failed) != 0 {
		t.Errorf("Failed = %v, want empty", result.Failed)
	}
}

// 不正エントリがバッチ全体を中断せず、位置付きで報告されることを検証
func TestBatchInsert_InvalidEntryDoesNotAbortBatch(t *testing.T) {
	svc := newTestService(newMemChartRepo())

	bad := validEntry(t, "2025-06-01", 2)
	bad.Rank = 0

	batch := []*model.ChartEntry{
		validEntry(t, "2025-06-01", 1),
		bad,
		validEntry(t, "2025-06-01", 3),
	}
	result, err := svc.BatchInsert(context.Background(), batch, true)
	if err != nil {
		t.Fatalf("BatchInsert() error = %v", err)
	}

	if result.Created != 2 {
		t.Errorf("Created = %d, want 2", result.Created)
	}
	if len(result.Failed) != 1 {
		t.Fatalf("Failed = %v, want 1 entry", result.Failed)
	}
	if result.Failed[0].Index != 1 {
		t.Errorf("Failed[0].Index = %d, want 1", result.Failed[0].Index)
	}
}

func TestBatchInsert_EmptyBatchRejected(t *testing.T) {
	svc := newTestService(newMemChartRepo())

	_, err := svc.BatchInsert(context.Background(), nil, true)
	assertAPIErrorCode(t, err, model.ErrCodeValidationFailed)
}

func TestBatchInsert_OversizedBatchRejected(t *testing.T) {
	svc := newTestService(newMemChartRepo())

	batch := make([]*model.ChartEntry, maxBatchSize+1)
	for i := range batch {
		batch[i] = validEntry(t, "2025-06-01", i+1)
	}

	_, err := svc.BatchInsert(context.Background(), batch, true)
	assertAPIErrorCode(t, err, model.ErrCodeValidationFailed)
}

func TestGet_UnknownID_ReturnsNotFound(t *testing.T) {
	svc := newTestService(newMemChartRepo())

	_, err := svc.Get(context.Background(), "missing-id")
	assertAPIErrorCode(t, err, model.ErrCodeNotFound)
}

// 部分更新がnilフィールドの値を維持することを検証
func TestUpdate_PartialMerge(t *testing.T) {
	svc := newTestService(newMemChartRepo())
	ctx := context.Background()

	created, err := svc.Insert(ctx, validEntry(t, "2025-06-01", 5), true)
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	newRank := 2
	updated, err := svc.Update(ctx, created.ID, UpdateRequest{Rank: &newRank})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	if updated.Rank != 2 {
		t.Errorf("Rank = %d, want 2", updated.Rank)
	}
	if updated.Song != "Test Song" {
		t.Errorf("Song = %q, want unchanged", updated.Song)
	}
	if updated.Artist != "Test Artist" {
		t.Errorf("Artist = %q, want unchanged", updated.Artist)
	}
}

// 更新後のidentity keyが他エントリと衝突する場合に拒否されることを検証
func TestUpdate_IdentityCollisionRejected(t *testing.T) {
	svc := newTestService(newMemChartRepo())
	ctx := context.Background()

	if _, err := svc.Insert(ctx, validEntry(t, "2025-06-01", 1), true); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	second, err := svc.Insert(ctx, validEntry(t, "2025-06-01", 2), true)
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	collidingRank := 1
	_, err = svc.Update(ctx, second.ID, UpdateRequest{Rank: &collidingRank})
	assertAPIErrorCode(t, err, model.ErrCodeDuplicateKey)
}

func TestUpdate_UnknownID_ReturnsNotFound(t *testing.T) {
	svc := newTestService(newMemChartRepo())

	newRank := 1
	_, err := svc.Update(context.Background(), "missing-id", UpdateRequest{Rank: &newRank})
	assertAPIErrorCode(t, err, model.ErrCodeNotFound)
}

func TestDelete_RemovesEntry(t *testing.T) {
	svc := newTestService(newMemChartRepo())
	ctx := context.Background()

	created, err := svc.Insert(ctx, validEntry(t, "2025-06-01", 1), true)
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	if err := svc.Delete(ctx, created.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	_, err = svc.Get(ctx, created.ID)
	assertAPIErrorCode(t, err, model.ErrCodeNotFound)
}

func TestDelete_UnknownID_ReturnsNotFound(t *testing.T) {
	svc := newTestService(newMemChartRepo())

	err := svc.Delete(context.Background(), "missing-id")
	assertAPIErrorCode(t, err, model.ErrCodeNotFound)
}

// ページサイズの正規化（デフォルト適用と上限切り詰め）を検証
func TestQuery_PageSizeNormalization(t *testing.T) {
	repo := newMemChartRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	if _, err := svc.Query(ctx, model.ChartFilter{}, 0, 0); err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if repo.lastSkip != 0 || repo.lastLimit != defaultPageSize {
		t.Errorf("skip/limit = %d/%d, want 0/%d", repo.lastSkip, repo.lastLimit, defaultPageSize)
	}

	if _, err := svc.Query(ctx, model.ChartFilter{}, 3, 10000); err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if repo.lastSkip != 2*maxPageSize || repo.lastLimit != maxPageSize {
		t.Errorf("skip/limit = %d/%d, want %d/%d", repo.lastSkip, repo.lastLimit, 2*maxPageSize, maxPageSize)
	}
}

func TestQuery_UnknownSourceRejected(t *testing.T) {
	svc := newTestService(newMemChartRepo())

	_, err := svc.Query(context.Background(), model.ChartFilter{Source: "MySpace"}, 1, 10)
	assertAPIErrorCode(t, err, model.ErrCodeValidationFailed)
}

// 2回目のTopForDateがキャッシュから返り、ストアへの照会が増えないことを検証
func TestTopForDate_CachesResult(t *testing.T) {
	repo := newMemChartRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	if _, err := svc.Insert(ctx, validEntry(t, "2025-06-01", 1), true); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	date := day(t, "2025-06-01")
	first, err := svc.TopForDate(ctx, date, model.SourceSpotify, "US", 10)
	if err != nil {
		t.Fatalf("TopForDate() error = %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("len = %d, want 1", len(first))
	}

	if _, err := svc.TopForDate(ctx, date, model.SourceSpotify, "US", 10); err != nil {
		t.Fatalf("TopForDate() error = %v", err)
	}
	if repo.topCalls != 1 {
		t.Errorf("store queries = %d, want 1", repo.topCalls)
	}
}

// 更新後にキャッシュが無効化され、次回照会が更新後の値を返すことを検証
func TestTopForDate_CacheInvalidatedByMutation(t *testing.T) {
	repo := newMemChartRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	created, err := svc.Insert(ctx, validEntry(t, "2025-06-01", 1), true)
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	date := day(t, "2025-06-01")
	before, err := svc.TopForDate(ctx, date, model.SourceSpotify, "US", 10)
	if err != nil {
		t.Fatalf("TopForDate() error = %v", err)
	}
	if before[0].Song != "Test Song" {
		t.Fatalf("Song = %q, want Test Song", before[0].Song)
	}

	newSong := "Renamed Song"
	if _, err := svc.Update(ctx, created.ID, UpdateRequest{Song: &newSong}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	after, err := svc.TopForDate(ctx, date, model.SourceSpotify, "US", 10)
	if err != nil {
		t.Fatalf("TopForDate() error = %v", err)
	}
	if after[0].Song != "Renamed Song" {
		t.Errorf("Song = %q, want Renamed Song (cache should be invalidated)", after[0].Song)
	}
	if repo.topCalls != 2 {
		t.Errorf("store queries = %d, want 2", repo.topCalls)
	}
}

func TestTopForDate_UnknownSourceRejected(t *testing.T) {
	svc := newTestService(newMemChartRepo())

	_, err := svc.TopForDate(context.Background(), day(t, "2025-06-01"), "MySpace", "US", 10)
	assertAPIErrorCode(t, err, model.ErrCodeValidationFailed)
}

func TestArtistHistory_EmptyArtistRejected(t *testing.T) {
	svc := newTestService(newMemChartRepo())

	_, err := svc.ArtistHistory(context.Background(), "  ", nil, nil, 10)
	assertAPIErrorCode(t, err, model.ErrCodeValidationFailed)
}
