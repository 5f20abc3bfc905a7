// Package chart はチャートエントリのCRUDと照会のドメインロジックを提供する。
package chart

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/chartman/internal/cache"
	"github.com/hitoshi/chartman/internal/metrics"
	"github.com/hitoshi/chartman/internal/model"
	"github.com/hitoshi/chartman/internal/repository"
)

const (
	// maxBatchSize は1回のバッチ登録で受け付ける最大エントリ数。
	maxBatchSize = 1000

	// defaultPageSize / maxPageSize は検索のページサイズ制限。
	defaultPageSize = 50
	maxPageSize     = 200

	// defaultTopLimit / maxTopLimit は上位取得の件数制限。
	defaultTopLimit = 10
	maxTopLimit     = 100

	// topCacheName はメトリクスラベルに使うキャッシュ名。
	topCacheName = "top"
)

// UpdateRequest はエントリの部分更新内容を表す。nilフィールドは変更しない。
type UpdateRequest struct {
	Date    *time.Time
	Rank    *int
	Song    *string
	Artist  *string
	Album   *string
	Source  *model.ChartSource
	Country *string
	Streams *int64
}

// Service はチャートエントリのサービス層。
type Service struct {
	repo       repository.ChartRepository
	topCache   *cache.Cache
	trendCache *cache.Cache
	metrics    metrics.MetricsCollector

	// now はテストから差し替え可能な現在時刻取得関数。
	now func() time.Time
}

// NewService はServiceを生成する。
// trendCacheはエントリ変更時の無効化のためにのみ使用する。
func NewService(
	repo repository.ChartRepository,
	topCache *cache.Cache,
	trendCache *cache.Cache,
	collector metrics.MetricsCollector,
) *Service {
	return &Service{
		repo:       repo,
		topCache:   topCache,
		trendCache: trendCache,
		metrics:    collector,
		now:        time.Now,
	}
}

// Insert はエントリを1件登録する。
// validateDuplicatesがtrueの場合、identity keyが既存エントリと衝突すると
// DUPLICATE_KEYエラーを返す。falseの場合は重複を許容して登録する。
func (s *Service) Insert(ctx context.Context, entry *model.ChartEntry, validateDuplicates bool) (*model.ChartEntry, error) {
	if err := validateEntry(entry); err != nil {
		return nil, err
	}

	now := s.now()
	entry.ID = uuid.New().String()
	entry.Date = truncateDate(entry.Date)
	entry.CreatedAt = now
	entry.UpdatedAt = now

	if err := s.repo.Insert(ctx, entry, validateDuplicates); err != nil {
		if err == repository.ErrDuplicateKey {
			s.metrics.RecordDuplicateRejected()
			return nil, model.NewDuplicateKeyError(entry.IdentityKey())
		}
		return nil, fmt.Errorf("failed to insert chart entry: %w", err)
	}

	s.metrics.RecordEntriesCreated(1)
	s.invalidateCaches(entry.Date)

	slog.Info("chart entry created",
		slog.String("entry_id", entry.ID),
		slog.String("identity_key", entry.IdentityKey()),
	)

	return entry, nil
}

// BatchInsert は複数エントリを一括登録する。
// 1件の失敗がバッチ全体を中断することはなく、エントリごとの結果を分離して報告する。
// validateDuplicatesがtrueの場合、identity keyが衝突したエントリはスキップとして数える。
func (s *Service) BatchInsert(ctx context.Context, entries []*model.ChartEntry, validateDuplicates bool) (*model.BatchResult, error) {
	if len(entries) == 0 {
		return nil, model.NewValidationError("エントリが1件も含まれていません")
	}
	if len(entries) > maxBatchSize {
		return nil, model.NewValidationError(fmt.Sprintf("バッチサイズが上限（%d件）を超えています: %d", maxBatchSize, len(entries)))
	}

	result := &model.BatchResult{}
	touched := make(map[time.Time]struct{})

	for i, entry := range entries {
		if err := validateEntry(entry); err != nil {
			result.Failed = append(result.Failed, model.BatchEntryError{Index: i, Reason: err.Error()})
			continue
		}

		now := s.now()
		entry.ID = uuid.New().String()
		entry.Date = truncateDate(entry.Date)
		entry.CreatedAt = now
		entry.UpdatedAt = now

		err := s.repo.Insert(ctx, entry, validateDuplicates)
		switch {
		case err == repository.ErrDuplicateKey:
			s.metrics.RecordDuplicateRejected()
			result.Skipped++
		case err != nil:
			result.Failed = append(result.Failed, model.BatchEntryError{Index: i, Reason: err.Error()})
		default:
			result.Created++
			touched[entry.Date] = struct{}{}
		}
	}

	for date := range touched {
		s.invalidateCaches(date)
	}
	s.metrics.RecordEntriesCreated(result.Created)

	slog.Info("chart batch insert completed",
		slog.Int("created", result.Created),
		slog.Int("skipped", result.Skipped),
		slog.Int("failed", len(result.Failed)),
	)

	return result, nil
}

// Get は指定IDのエントリを取得する。
func (s *Service) Get(ctx context.Context, id string) (*model.ChartEntry, error) {
	entry, err := repository.ReadWithRetry(ctx, func(ctx context.Context) (*model.ChartEntry, error) {
		return s.repo.FindByID(ctx, id)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find chart entry: %w", err)
	}
	if entry == nil {
		return nil, model.NewEntryNotFoundError(id)
	}
	return entry, nil
}

// Update はエントリを部分更新する。nilフィールドは既存値を維持する。
// identity keyを構成するフィールドが変わる場合はキーを再計算し、
// 衝突時はDUPLICATE_KEYエラーを返す。
func (s *Service) Update(ctx context.Context, id string, req UpdateRequest) (*model.ChartEntry, error) {
	entry, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	oldDate := entry.Date

	if req.Date != nil {
		entry.Date = truncateDate(*req.Date)
	}
	if req.Rank != nil {
		entry.Rank = *req.Rank
	}
	if req.Song != nil {
		entry.Song = *req.Song
	}
	if req.Artist != nil {
		entry.Artist = *req.Artist
	}
	if req.Album != nil {
		entry.Album = *req.Album
	}
	if req.Source != nil {
		entry.Source = *req.Source
	}
	if req.Country != nil {
		entry.Country = *req.Country
	}
	if req.Streams != nil {
		entry.Streams = req.Streams
	}

	if err := validateEntry(entry); err != nil {
		return nil, err
	}
	entry.UpdatedAt = s.now()

	found, err := s.repo.Update(ctx, entry)
	if err != nil {
		if err == repository.ErrDuplicateKey {
			s.metrics.RecordDuplicateRejected()
			return nil, model.NewDuplicateKeyError(entry.IdentityKey())
		}
		return nil, fmt.Errorf("failed to update chart entry: %w", err)
	}
	if !found {
		return nil, model.NewEntryNotFoundError(id)
	}

	s.invalidateCaches(oldDate)
	if !entry.Date.Equal(oldDate) {
		s.invalidateCaches(entry.Date)
	}

	slog.Info("chart entry updated", slog.String("entry_id", id))
	return entry, nil
}

// Delete は指定IDのエントリを削除する。
func (s *Service) Delete(ctx context.Context, id string) error {
	entry, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	found, err := s.repo.DeleteByID(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to delete chart entry: %w", err)
	}
	if !found {
		return model.NewEntryNotFoundError(id)
	}

	s.invalidateCaches(entry.Date)

	slog.Info("chart entry deleted", slog.String("entry_id", id))
	return nil
}

// Query はフィルタ条件に一致するエントリをページ単位で返す。
// pageは1始まり。pageSizeは上限を超えると切り詰められる。
func (s *Service) Query(ctx context.Context, filter model.ChartFilter, page, pageSize int) ([]*model.ChartEntry, error) {
	if filter.Source != "" && !model.IsKnownSource(filter.Source) {
		return nil, model.NewValidationError(fmt.Sprintf("未知のチャート提供元です: %s", filter.Source))
	}
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	entries, err := repository.ReadWithRetry(ctx, func(ctx context.Context) ([]*model.ChartEntry, error) {
		return s.repo.Query(ctx, filter, (page-1)*pageSize, pageSize)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query chart entries: %w", err)
	}
	return entries, nil
}

// TopForDate は指定日・提供元・国の上位limit件を順位昇順で返す。
// 結果はTTL付きでキャッシュされ、同一キーの並行要求は1回の照会に集約される。
func (s *Service) TopForDate(ctx context.Context, date time.Time, source model.ChartSource, country string, limit int) ([]*model.ChartEntry, error) {
	if !model.IsKnownSource(source) {
		return nil, model.NewValidationError(fmt.Sprintf("未知のチャート提供元です: %s", source))
	}
	if strings.TrimSpace(country) == "" {
		return nil, model.NewValidationError("国コードは必須です")
	}
	if limit <= 0 {
		limit = defaultTopLimit
	}
	if limit > maxTopLimit {
		limit = maxTopLimit
	}

	date = truncateDate(date)
	key := cache.Key{
		Op:      "top",
		Source:  source,
		Country: country,
		From:    date,
		To:      date,
		Extra:   strconv.Itoa(limit),
	}

	v, hit, err := s.topCache.GetOrCompute(ctx, key, func(ctx context.Context) (any, error) {
		return repository.ReadWithRetry(ctx, func(ctx context.Context) ([]*model.ChartEntry, error) {
			return s.repo.TopForDate(ctx, date, source, country, limit)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get top entries: %w", err)
	}

	if hit {
		s.metrics.RecordCacheHit(topCacheName)
	} else {
		s.metrics.RecordCacheMiss(topCacheName)
	}

	return v.([]*model.ChartEntry), nil
}

// ArtistHistory はアーティスト名の前方一致（大文字小文字無視）で
// チャート履歴を日付昇順に返す。from/toは任意の期間境界。
func (s *Service) ArtistHistory(ctx context.Context, artist string, from, to *time.Time, limit int) ([]*model.ChartEntry, error) {
	if strings.TrimSpace(artist) == "" {
		return nil, model.NewValidationError("アーティスト名は必須です")
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	entries, err := repository.ReadWithRetry(ctx, func(ctx context.Context) ([]*model.ChartEntry, error) {
		return s.repo.ArtistHistory(ctx, artist, from, to, limit)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get artist history: %w", err)
	}
	return entries, nil
}

// invalidateCaches は指定日付を対象期間に含む全キャッシュを無効化する。
// 上位キャッシュとトレンドキャッシュの両方が対象になる。
func (s *Service) invalidateCaches(date time.Time) {
	s.topCache.Invalidate(date)
	s.trendCache.Invalidate(date)
}

// truncateDate は時刻成分を落とし日付のみにする。
func truncateDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
