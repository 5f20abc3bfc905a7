// Package chartsync は外部チャートフィードの定期同期ワーカーを提供する。
package chartsync

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/chartman/internal/model"
)

// SyncService はチャート同期の実行インターフェース。
// テスト時にモックに差し替え可能。
type SyncService interface {
	Sync(ctx context.Context, country string, limit, daysBack int) (*model.BatchResult, error)
}

// Scheduler は設定された国リストに対してチャート同期を定期実行する。
// 1つの国の失敗が他の国の同期を妨げることはない。
type Scheduler struct {
	syncer    SyncService
	logger    *slog.Logger
	countries []string
	limit     int
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
func NewScheduler(syncer SyncService, logger *slog.Logger, countries []string, limit int) *Scheduler {
	return &Scheduler{
		syncer:    syncer,
		logger:    logger,
		countries: countries,
		limit:     limit,
	}
}

// Start は指定間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("チャート同期スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Any("countries", s.countries),
		slog.Int("limit", s.limit),
	)

	// 起動直後に1回実行
	s.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("チャート同期スケジューラを停止しました")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce は全対象国の同期を1回実行する。
// 各国の結果は個別にログへ記録し、失敗しても後続の国を処理する。
func (s *Scheduler) RunOnce(ctx context.Context) {
	for _, country := range s.countries {
		if ctx.Err() != nil {
			return
		}

		result, err := s.syncer.Sync(ctx, country, s.limit, 1)
		if err != nil {
			s.logger.Error("チャート同期サイクルの実行に失敗しました",
				slog.String("country", country),
				slog.String("error", err.Error()),
			)
			continue
		}

		s.logger.Info("チャート同期サイクルが完了しました",
			slog.String("country", country),
			slog.Int("created", result.Created),
			slog.Int("skipped", result.Skipped),
		)
	}
}
