package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/hitoshi/chartman/internal/model"
	"github.com/hitoshi/chartman/internal/trend"
)

// TrendServiceInterface はトレンドハンドラーが必要とするサービスインターフェース。
type TrendServiceInterface interface {
	// TopArtists はウィンドウ内のアーティスト集計を返す。
	TopArtists(ctx context.Context, days int, source model.ChartSource, country string) ([]trend.ArtistTrend, error)
	// RisingSongs は期間の前半と後半の順位比較で上昇中の曲を返す。
	RisingSongs(ctx context.Context, periodDays int, source model.ChartSource, country string) ([]trend.RisingSong, error)
	// Comparison はディメンション別の集計を返す。
	Comparison(ctx context.Context, dimension string, days int) ([]trend.DimensionStat, error)
}

// TrendHandler はトレンド分析のHTTPハンドラー。
type TrendHandler struct {
	service TrendServiceInterface
}

// NewTrendHandler はTrendHandlerを生成する。
func NewTrendHandler(service TrendServiceInterface) *TrendHandler {
	return &TrendHandler{service: service}
}

// --- レスポンス型 ---

type artistTrendResponse struct {
	Artist        string   `json:"artist"`
	Appearances   int      `json:"appearances"`
	AvgRank       float64  `json:"avg_rank"`
	BestRank      int      `json:"best_rank"`
	WorstRank     int      `json:"worst_rank"`
	TotalStreams  int64    `json:"total_streams"`
	TrendingScore float64  `json:"trending_score"`
	TopSongs      []string `json:"top_songs"`
}

type risingSongResponse struct {
	Song           string `json:"song"`
	Artist         string `json:"artist"`
	FirstHalfBest  int    `json:"first_half_best,omitempty"`
	SecondHalfBest int    `json:"second_half_best"`
	Improvement    int    `json:"improvement"`
	IsNew          bool   `json:"is_new"`
}

type dimensionStatResponse struct {
	Value       string  `json:"value"`
	Entries     int     `json:"entries"`
	AvgRank     float64 `json:"avg_rank"`
	BestRank    int     `json:"best_rank"`
	UniqueSongs int     `json:"unique_songs"`
}

// TopArtists は期間内のトップアーティストを取得する。
// GET /api/trends/top-artists?days=&source=&country=
func (h *TrendHandler) TopArtists(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	days, err := parseIntParam(query.Get("days"), "days")
	if err != nil {
		handleServiceError(w, err)
		return
	}

	trends, err := h.service.TopArtists(r.Context(), days,
		model.ChartSource(query.Get("source")), query.Get("country"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]artistTrendResponse, 0, len(trends))
	for _, t := range trends {
		resp = append(resp, artistTrendResponse{
			Artist:        t.Artist,
			Appearances:   t.Appearances,
			AvgRank:       t.AvgRank,
			BestRank:      t.BestRank,
			WorstRank:     t.WorstRank,
			TotalStreams:  t.TotalStreams,
			TrendingScore: t.TrendingScore,
			TopSongs:      t.TopSongs,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"artists": resp, "count": len(resp)})
}

// RisingSongs は上昇中の曲を取得する。
// GET /api/trends/rising-songs?period_days=&source=&country=
func (h *TrendHandler) RisingSongs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	periodDays, err := parseIntParam(query.Get("period_days"), "period_days")
	if err != nil {
		handleServiceError(w, err)
		return
	}

	songs, err := h.service.RisingSongs(r.Context(), periodDays,
		model.ChartSource(query.Get("source")), query.Get("country"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]risingSongResponse, 0, len(songs))
	for _, s := range songs {
		resp = append(resp, risingSongResponse{
			Song:           s.Song,
			Artist:         s.Artist,
			FirstHalfBest:  s.FirstHalfBest,
			SecondHalfBest: s.SecondHalfBest,
			Improvement:    s.Improvement,
			IsNew:          s.IsNew,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"songs": resp, "count": len(resp)})
}

// Comparison はディメンション別の集計を取得する。
// GET /api/trends/comparison?dimension=source|country&days=
func (h *TrendHandler) Comparison(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	dimension := query.Get("dimension")
	days, err := parseIntParam(query.Get("days"), "days")
	if err != nil {
		handleServiceError(w, err)
		return
	}

	stats, err := h.service.Comparison(r.Context(), dimension, days)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]dimensionStatResponse, 0, len(stats))
	for _, s := range stats {
		resp = append(resp, dimensionStatResponse{
			Value:       s.Value,
			Entries:     s.Entries,
			AvgRank:     s.AvgRank,
			BestRank:    s.BestRank,
			UniqueSongs: s.UniqueSongs,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"dimension": dimension, "stats": resp})
}
