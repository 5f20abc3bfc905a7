package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/chartman/internal/chart"
	"github.com/hitoshi/chartman/internal/model"
)

// ChartServiceInterface はチャートハンドラーが必要とするサービスインターフェース。
type ChartServiceInterface interface {
	// Insert は1件のチャートエントリを登録する。
	Insert(ctx context.Context, entry *model.ChartEntry, validateDuplicates bool) (*model.ChartEntry, error)
	// BatchInsert は複数エントリを一括登録し、エントリごとの結果を返す。
	BatchInsert(ctx context.Context, entries []*model.ChartEntry, validateDuplicates bool) (*model.BatchResult, error)
	// Get はIDでエントリを取得する。
	Get(ctx context.Context, id string) (*model.ChartEntry, error)
	// Update はエントリを部分更新する。
	Update(ctx context.Context, id string, req chart.UpdateRequest) (*model.ChartEntry, error)
	// Delete はエントリを削除する。
	Delete(ctx context.Context, id string) error
	// Query はフィルタとページネーションでエントリを検索する。
	Query(ctx context.Context, filter model.ChartFilter, page, pageSize int) ([]*model.ChartEntry, error)
	// TopForDate は指定日の上位エントリを返す。
	TopForDate(ctx context.Context, date time.Time, source model.ChartSource, country string, limit int) ([]*model.ChartEntry, error)
	// ArtistHistory はアーティストのチャート履歴を返す。
	ArtistHistory(ctx context.Context, artist string, from, to *time.Time, limit int) ([]*model.ChartEntry, error)
}

// ChartHandler はチャートエントリ管理のHTTPハンドラー。
type ChartHandler struct {
	service ChartServiceInterface
}

// NewChartHandler はChartHandlerを生成する。
func NewChartHandler(service ChartServiceInterface) *ChartHandler {
	return &ChartHandler{service: service}
}

// --- リクエスト・レスポンス型 ---

// chartEntryRequest はエントリ登録リクエストのボディ。
type chartEntryRequest struct {
	Date    string `json:"date"`
	Rank    int    `json:"rank"`
	Song    string `json:"song"`
	Artist  string `json:"artist"`
	Album   string `json:"album,omitempty"`
	Source  string `json:"source"`
	Country string `json:"country"`
	Streams *int64 `json:"streams,omitempty"`
}

// insertRequest は単件登録リクエストのボディ。
type insertRequest struct {
	chartEntryRequest
	// ValidateDuplicatesがfalseの場合、同一identity keyの重複登録を許可する。
	ValidateDuplicates *bool `json:"validate_duplicates,omitempty"`
}

// batchInsertRequest はバッチ登録リクエストのボディ。
type batchInsertRequest struct {
	Entries            []chartEntryRequest `json:"entries"`
	ValidateDuplicates *bool               `json:"validate_duplicates,omitempty"`
}

// updateEntryRequest はエントリ部分更新リクエストのボディ。
// 指定されたフィールドのみ更新する。
type updateEntryRequest struct {
	Date    *string `json:"date,omitempty"`
	Rank    *int    `json:"rank,omitempty"`
	Song    *string `json:"song,omitempty"`
	Artist  *string `json:"artist,omitempty"`
	Album   *string `json:"album,omitempty"`
	Source  *string `json:"source,omitempty"`
	Country *string `json:"country,omitempty"`
	Streams *int64  `json:"streams,omitempty"`
}

// chartEntryResponse はチャートエントリのAPIレスポンス。
type chartEntryResponse struct {
	ID        string    `json:"id"`
	Date      string    `json:"date"`
	Rank      int       `json:"rank"`
	Song      string    `json:"song"`
	Artist    string    `json:"artist"`
	Album     string    `json:"album,omitempty"`
	Source    string    `json:"source"`
	Country   string    `json:"country"`
	Streams   *int64    `json:"streams,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// chartListResponse はエントリ一覧のAPIレスポンス。
type chartListResponse struct {
	Entries []chartEntryResponse `json:"entries"`
	Count   int                  `json:"count"`
}

// batchResultResponse はバッチ登録結果のAPIレスポンス。
type batchResultResponse struct {
	Created int                      `json:"created"`
	Skipped int                      `json:"skipped"`
	Failed  []batchEntryErrorPayload `json:"failed"`
}

type batchEntryErrorPayload struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// Insert は1件のチャートエントリを登録する。
// POST /api/charts
func (h *ChartHandler) Insert(w http.ResponseWriter, r *http.Request) {
	var req insertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestBody(w)
		return
	}

	entry, err := toChartEntry(req.chartEntryRequest)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	created, err := h.service.Insert(r.Context(), entry, validateFlag(req.ValidateDuplicates))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(toChartEntryResponse(created))
}

// BatchInsert は複数エントリを一括登録する。
// POST /api/charts/batch
func (h *ChartHandler) BatchInsert(w http.ResponseWriter, r *http.Request) {
	var req batchInsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestBody(w)
		return
	}

	entries := make([]*model.ChartEntry, 0, len(req.Entries))
	for _, entryReq := range req.Entries {
		entry, err := toChartEntry(entryReq)
		if err != nil {
			// 日付が解析できないエントリはゼロ値の日付のまま渡し、
			// バッチ全体を中断せず位置情報付きの失敗として報告させる
			entry = &model.ChartEntry{
				Rank:    entryReq.Rank,
				Song:    entryReq.Song,
				Artist:  entryReq.Artist,
				Album:   entryReq.Album,
				Source:  model.ChartSource(entryReq.Source),
				Country: entryReq.Country,
				Streams: entryReq.Streams,
			}
		}
		entries = append(entries, entry)
	}

	result, err := h.service.BatchInsert(r.Context(), entries, validateFlag(req.ValidateDuplicates))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toBatchResultResponse(result))
}

// Get はチャートエントリ詳細を取得する。
// GET /api/charts/:id
func (h *ChartHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	entry, err := h.service.Get(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toChartEntryResponse(entry))
}

// Update はチャートエントリを部分更新する。
// PUT /api/charts/:id
func (h *ChartHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req updateEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestBody(w)
		return
	}

	update := chart.UpdateRequest{
		Rank:    req.Rank,
		Song:    req.Song,
		Artist:  req.Artist,
		Album:   req.Album,
		Country: req.Country,
		Streams: req.Streams,
	}
	if req.Date != nil {
		date, err := parseDate(*req.Date)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		update.Date = &date
	}
	if req.Source != nil {
		source := model.ChartSource(*req.Source)
		update.Source = &source
	}

	entry, err := h.service.Update(r.Context(), id, update)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toChartEntryResponse(entry))
}

// Delete はチャートエントリを削除する。
// DELETE /api/charts/:id
func (h *ChartHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.service.Delete(r.Context(), id); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Query はフィルタ付きでエントリ一覧を検索する。
// GET /api/charts?date=&from=&to=&source=&country=&artist=&page=&page_size=
func (h *ChartHandler) Query(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var filter model.ChartFilter
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{
		{"date", &filter.Date},
		{"from", &filter.DateFrom},
		{"to", &filter.DateTo},
	} {
		if raw := query.Get(p.name); raw != "" {
			date, err := parseDate(raw)
			if err != nil {
				handleServiceError(w, err)
				return
			}
			*p.dst = &date
		}
	}
	filter.Source = model.ChartSource(query.Get("source"))
	filter.Country = query.Get("country")
	filter.Artist = query.Get("artist")

	page, err := parseIntParam(query.Get("page"), "page")
	if err != nil {
		handleServiceError(w, err)
		return
	}
	pageSize, err := parseIntParam(query.Get("page_size"), "page_size")
	if err != nil {
		handleServiceError(w, err)
		return
	}

	entries, err := h.service.Query(r.Context(), filter, page, pageSize)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toChartListResponse(entries))
}

// Top は指定日の上位エントリを取得する。
// GET /api/charts/top?date=&source=&country=&limit=
func (h *ChartHandler) Top(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	raw := query.Get("date")
	if raw == "" {
		handleServiceError(w, model.NewValidationError("dateは必須です"))
		return
	}
	date, err := parseDate(raw)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	limit, err := parseIntParam(query.Get("limit"), "limit")
	if err != nil {
		handleServiceError(w, err)
		return
	}

	entries, err := h.service.TopForDate(r.Context(), date,
		model.ChartSource(query.Get("source")), query.Get("country"), limit)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toChartListResponse(entries))
}

// ArtistHistory はアーティストのチャート履歴を取得する。
// GET /api/charts/artist/:name?from=&to=&limit=
func (h *ChartHandler) ArtistHistory(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	query := r.URL.Query()

	var from, to *time.Time
	if raw := query.Get("from"); raw != "" {
		date, err := parseDate(raw)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		from = &date
	}
	if raw := query.Get("to"); raw != "" {
		date, err := parseDate(raw)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		to = &date
	}

	limit, err := parseIntParam(query.Get("limit"), "limit")
	if err != nil {
		handleServiceError(w, err)
		return
	}

	entries, err := h.service.ArtistHistory(r.Context(), name, from, to, limit)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toChartListResponse(entries))
}

// --- 変換ヘルパー ---

// toChartEntry はリクエストボディからChartEntryに変換する。
// 日付の形式エラーのみここで検証し、残りはサービス層のバリデーションに委ねる。
func toChartEntry(req chartEntryRequest) (*model.ChartEntry, error) {
	date, err := parseDate(req.Date)
	if err != nil {
		return nil, err
	}

	return &model.ChartEntry{
		Date:    date,
		Rank:    req.Rank,
		Song:    req.Song,
		Artist:  req.Artist,
		Album:   req.Album,
		Source:  model.ChartSource(req.Source),
		Country: req.Country,
		Streams: req.Streams,
	}, nil
}

func toChartEntryResponse(entry *model.ChartEntry) chartEntryResponse {
	return chartEntryResponse{
		ID:        entry.ID,
		Date:      entry.Date.Format(model.DateLayout),
		Rank:      entry.Rank,
		Song:      entry.Song,
		Artist:    entry.Artist,
		Album:     entry.Album,
		Source:    string(entry.Source),
		Country:   entry.Country,
		Streams:   entry.Streams,
		CreatedAt: entry.CreatedAt,
		UpdatedAt: entry.UpdatedAt,
	}
}

func toChartListResponse(entries []*model.ChartEntry) chartListResponse {
	resp := chartListResponse{
		Entries: make([]chartEntryResponse, 0, len(entries)),
		Count:   len(entries),
	}
	for _, entry := range entries {
		resp.Entries = append(resp.Entries, toChartEntryResponse(entry))
	}
	return resp
}

func toBatchResultResponse(result *model.BatchResult) batchResultResponse {
	resp := batchResultResponse{
		Created: result.Created,
		Skipped: result.Skipped,
		Failed:  make([]batchEntryErrorPayload, 0, len(result.Failed)),
	}
	for _, f := range result.Failed {
		resp.Failed = append(resp.Failed, batchEntryErrorPayload{Index: f.Index, Reason: f.Reason})
	}
	return resp
}

// parseDate はYYYY-MM-DD形式の日付文字列を解析する。
func parseDate(raw string) (time.Time, error) {
	date, err := time.Parse(model.DateLayout, raw)
	if err != nil {
		return time.Time{}, model.NewValidationError("日付はYYYY-MM-DD形式で指定してください: " + raw)
	}
	return date, nil
}

// parseIntParam はクエリパラメータを整数として解析する。未指定は0を返す。
func parseIntParam(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, model.NewValidationError(name + "は整数で指定してください")
	}
	return value, nil
}

// validateFlag は重複チェックフラグのデフォルト（有効）を解決する。
func validateFlag(flag *bool) bool {
	if flag == nil {
		return true
	}
	return *flag
}

// --- 共通エラーヘルパー ---

// apiErrorResponse は統一エラーフォーマットのレスポンス。
type apiErrorResponse struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(apiErrorResponse{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// writeInvalidRequestBody はJSONボディの解析失敗レスポンスを書き込む。
func writeInvalidRequestBody(w http.ResponseWriter) {
	writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
		Code:     "INVALID_REQUEST",
		Message:  "リクエストボディの解析に失敗しました。",
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	})
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	writeAPIErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeUnauthenticated, model.ErrCodeInvalidCredentials, model.ErrCodeInvalidToken:
		return http.StatusUnauthorized
	case model.ErrCodeForbidden:
		return http.StatusForbidden
	case model.ErrCodeNotFound:
		return http.StatusNotFound
	case model.ErrCodeDuplicateKey:
		return http.StatusConflict
	case model.ErrCodeValidationFailed:
		return http.StatusUnprocessableEntity
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case model.ErrCodeUpstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
