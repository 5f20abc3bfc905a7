package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/chartman/internal/auth"
	"github.com/hitoshi/chartman/internal/cache"
	"github.com/hitoshi/chartman/internal/chart"
	"github.com/hitoshi/chartman/internal/config"
	"github.com/hitoshi/chartman/internal/database"
	"github.com/hitoshi/chartman/internal/handler"
	"github.com/hitoshi/chartman/internal/itunes"
	"github.com/hitoshi/chartman/internal/logger"
	"github.com/hitoshi/chartman/internal/metrics"
	"github.com/hitoshi/chartman/internal/middleware"
	"github.com/hitoshi/chartman/internal/repository"
	"github.com/hitoshi/chartman/internal/security"
	"github.com/hitoshi/chartman/internal/syncer"
	"github.com/hitoshi/chartman/internal/trend"
	"github.com/hitoshi/chartman/internal/worker/chartsync"
	"github.com/hitoshi/chartman/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// openStores はIdentity StoreとChart Document Storeの両方の接続を開く。
// 戻り値のcloseFnは両接続を閉じる。
func openStores(cfg *config.Config) (*repository.PostgresUserRepo, *repository.PostgresRefreshTokenRepo, *repository.MongoChartRepo, func(), error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, nil, nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mongoClient, err := database.OpenMongo(ctx, cfg.MongoURL)
	if err != nil {
		db.Close()
		return nil, nil, nil, nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	closeFn := func() {
		db.Close()
		disconnectCtx, disconnectCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer disconnectCancel()
		if err := mongoClient.Disconnect(disconnectCtx); err != nil {
			slog.Error("mongodb disconnect error", slog.String("error", err.Error()))
		}
	}

	userRepo := repository.NewPostgresUserRepo(db)
	tokenRepo := repository.NewPostgresRefreshTokenRepo(db)
	chartRepo := repository.NewMongoChartRepo(mongoClient.Database(cfg.MongoDatabase))

	if err := chartRepo.EnsureIndexes(ctx); err != nil {
		closeFn()
		return nil, nil, nil, nil, fmt.Errorf("failed to ensure chart indexes: %w", err)
	}

	slog.Info("store connections established")

	return userRepo, tokenRepo, chartRepo, closeFn, nil
}

// runServe はAPIサーバーモードで起動する。
// 両ストアへの接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. ストア接続
	userRepo, tokenRepo, chartRepo, closeStores, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer closeStores()

	// 2. メトリクスの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 3. キャッシュの初期化（Top用とトレンド用でTTLが異なる）
	topCache := cache.New(cfg.CacheSize, cfg.CacheTTLTop)
	trendCache := cache.New(cfg.CacheSize, cfg.CacheTTLTrend)

	// 4. ドメインサービスの初期化
	authService := auth.NewService(userRepo, tokenRepo, cfg.JWTSecret, auth.ServiceConfig{
		AccessTokenTTL:  cfg.AccessTokenTTL,
		RefreshTokenTTL: cfg.RefreshTokenTTL,
	})
	chartService := chart.NewService(chartRepo, topCache, trendCache, collector)
	trendService := trend.NewService(chartRepo, trendCache, collector)

	ssrfGuard := security.NewSSRFGuard()
	itunesClient := itunes.NewClient(ssrfGuard.NewSafeClient(cfg.FetchTimeout), slog.Default())
	syncService := syncer.New(itunesClient, chartService, collector)

	// 5. レート制限の構成（configはreq/min単位なのでreq/secに変換する）
	rateLimiterCfg := middleware.DefaultRateLimiterConfig()
	rateLimiterCfg.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
	rateLimiterCfg.GeneralBurst = cfg.RateLimitGeneral
	rateLimiterCfg.SyncRate = rate.Limit(float64(cfg.RateLimitSync) / 60.0)
	rateLimiterCfg.SyncBurst = cfg.RateLimitSync
	rateLimiter := middleware.NewRateLimiter(rateLimiterCfg)
	defer rateLimiter.Stop()

	// 6. ルーターの構築
	router := handler.NewRouter(&handler.RouterDeps{
		Authenticator:     authService,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Logger:            slog.Default(),
		Metrics:           collector,
		MetricsHandler:    metrics.Handler(registry),

		AuthService:  authService,
		ChartService: chartService,
		TrendService: trendService,
		SyncService:  syncService,
	})

	// 7. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// チャート同期スケジューラとリフレッシュトークンのクリーンアップジョブを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. ストア接続
	_, tokenRepo, chartRepo, closeStores, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer closeStores()

	// 2. メトリクスの初期化
	collector := metrics.NewCollector(prometheus.NewRegistry())

	// 3. 同期サービスの初期化
	// ワーカーは読み取りを行わないが、登録時の無効化経路があるためキャッシュ自体は持つ
	topCache := cache.New(cfg.CacheSize, cfg.CacheTTLTop)
	trendCache := cache.New(cfg.CacheSize, cfg.CacheTTLTrend)
	chartService := chart.NewService(chartRepo, topCache, trendCache, collector)

	ssrfGuard := security.NewSSRFGuard()
	itunesClient := itunes.NewClient(ssrfGuard.NewSafeClient(cfg.FetchTimeout), slog.Default())
	syncService := syncer.New(itunesClient, chartService, collector)

	// 4. スケジューラとクリーンアップジョブの初期化
	scheduler := chartsync.NewScheduler(syncService, slog.Default(), cfg.SyncCountries, cfg.SyncLimit)
	cleanupJob := cleanup.NewCleanupJob(tokenRepo, slog.Default())

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("sync_interval", cfg.SyncInterval),
		slog.Any("countries", cfg.SyncCountries),
	)

	// クリーンアップジョブを日次でバックグラウンド実行
	go cleanupJob.Start(ctx, 24*time.Hour)

	// 同期スケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx, cfg.SyncInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// Identity Store（PostgreSQL）の未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
