package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/chartman/internal/metrics"
	"github.com/hitoshi/chartman/internal/middleware"
	"github.com/hitoshi/chartman/internal/model"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Authenticator     middleware.TokenAuthenticator
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger
	Metrics           metrics.MetricsCollector

	// /metrics 用
	MetricsHandler http.Handler

	// サービス
	AuthService  AuthServiceInterface
	ChartService ChartServiceInterface
	TrendService TrendServiceInterface
	SyncService  SyncServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → CORS → Logging → Metrics →（認証ルートのみ）Auth → RateLimit → RequireRole
//
// 認証フロー（/auth/register, /auth/login, /auth/refresh）と/health、/metricsは
// 認証ミドルウェアの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	if deps.Logger != nil {
		r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	}
	if deps.Metrics != nil {
		r.Use(middleware.NewMetricsMiddleware(deps.Metrics))
	}

	authHandler := NewAuthHandler(deps.AuthService)
	chartHandler := NewChartHandler(deps.ChartService)
	trendHandler := NewTrendHandler(deps.TrendService)
	syncHandler := NewSyncHandler(deps.SyncService)

	// --- 認証不要のルート ---

	r.Get("/health", handleHealthcheck)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", authHandler.Register)
		r.Post("/login", authHandler.Login)
		r.Post("/refresh", authHandler.Refresh)

		// GET /auth/me はトークン検証が必要
		r.With(middleware.NewAuthMiddleware(deps.Authenticator)).Get("/me", authHandler.Me)
	})

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Auth → RateLimit(General) → RequireRole
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewAuthMiddleware(deps.Authenticator))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		requireViewer := middleware.RequireRole(model.RoleViewer)
		requireEditor := middleware.RequireRole(model.RoleEditor)
		requireAdmin := middleware.RequireRole(model.RoleAdmin)

		// チャートエントリ管理
		r.Route("/api/charts", func(r chi.Router) {
			r.With(requireViewer).Get("/", chartHandler.Query)
			r.With(requireViewer).Get("/top", chartHandler.Top)
			r.With(requireViewer).Get("/artist/{name}", chartHandler.ArtistHistory)

			r.With(requireEditor).Post("/", chartHandler.Insert)
			r.With(requireEditor).Post("/batch", chartHandler.BatchInsert)

			r.Route("/{id}", func(r chi.Router) {
				r.With(requireViewer).Get("/", chartHandler.Get)
				r.With(requireEditor).Put("/", chartHandler.Update)
				r.With(requireAdmin).Delete("/", chartHandler.Delete)
			})
		})

		// トレンド分析
		r.Route("/api/trends", func(r chi.Router) {
			r.Use(requireViewer)
			r.Get("/top-artists", trendHandler.TopArtists)
			r.Get("/rising-songs", trendHandler.RisingSongs)
			r.Get("/comparison", trendHandler.Comparison)
		})

		// 外部ソース同期（同期専用レート制限を追加）
		r.With(requireEditor, deps.RateLimiter.SyncMiddleware()).Post("/api/sync", syncHandler.Sync)
	})

	return r
}

// handleHealthcheck はプロセスの生存確認に応答する。
// GET /health
func handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
