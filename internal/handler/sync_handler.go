package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/hitoshi/chartman/internal/model"
)

// SyncServiceInterface は同期ハンドラーが必要とするサービスインターフェース。
type SyncServiceInterface interface {
	// Sync は外部チャートフィードを取得してエントリを一括登録する。
	Sync(ctx context.Context, country string, limit, daysBack int) (*model.BatchResult, error)
}

// SyncHandler は外部ソース同期のHTTPハンドラー。
type SyncHandler struct {
	service SyncServiceInterface
}

// NewSyncHandler はSyncHandlerを生成する。
func NewSyncHandler(service SyncServiceInterface) *SyncHandler {
	return &SyncHandler{service: service}
}

// syncRequest は同期リクエストのボディ。
type syncRequest struct {
	Country  string `json:"country"`
	Limit    int    `json:"limit,omitempty"`
	DaysBack int    `json:"days_back,omitempty"`
}

// Sync は外部チャートフィードからの取り込みを実行する。
// POST /api/sync
func (h *SyncHandler) Sync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestBody(w)
		return
	}

	if req.Country == "" {
		handleServiceError(w, model.NewValidationError("countryは必須です"))
		return
	}

	result, err := h.service.Sync(r.Context(), req.Country, req.Limit, req.DaysBack)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toBatchResultResponse(result))
}
