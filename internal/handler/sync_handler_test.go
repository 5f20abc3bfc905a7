package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/chartman/internal/model"
)

// mockSyncService はSyncServiceInterfaceのモック実装。
type mockSyncService struct {
	syncFn func(ctx context.Context, country string, limit, daysBack int) (*model.BatchResult, error)
}

func (m *mockSyncService) Sync(ctx context.Context, country string, limit, daysBack int) (*model.BatchResult, error) {
	if m.syncFn != nil {
		return m.syncFn(ctx, country, limit, daysBack)
	}
	return &model.BatchResult{}, nil
}

func TestSyncHandler_Sync_Success(t *testing.T) {
	svc := &mockSyncService{
		syncFn: func(ctx context.Context, country string, limit, daysBack int) (*model.BatchResult, error) {
			if country != "US" {
				t.Errorf("country = %q, want %q", country, "US")
			}
			if limit != 50 {
				t.Errorf("limit = %d, want 50", limit)
			}
			if daysBack != 3 {
				t.Errorf("daysBack = %d, want 3", daysBack)
			}
			return &model.BatchResult{Created: 150, Skipped: 0}, nil
		},
	}

	h := NewSyncHandler(svc)

	body := `{"country":"US","limit":50,"days_back":3}`
	req := httptest.NewRequest(http.MethodPost, "/api/sync", bytes.NewBufferString(body))
	w := httptest.NewRecorder()

	h.Sync(w, req)

	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}

	var result batchResultResponse
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if result.Created != 150 {
		t.Errorf("created = %d, want 150", result.Created)
	}
}

func TestSyncHandler_Sync_MissingCountry_Returns422(t *testing.T) {
	h := NewSyncHandler(&mockSyncService{})

	body := `{"limit":50}`
	req := httptest.NewRequest(http.MethodPost, "/api/sync", bytes.NewBufferString(body))
	w := httptest.NewRecorder()

	h.Sync(w, req)

	if w.Result().StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusUnprocessableEntity)
	}
}

func TestSyncHandler_Sync_UpstreamFailure_Returns503(t *testing.T) {
	svc := &mockSyncService{
		syncFn: func(ctx context.Context, country string, limit, daysBack int) (*model.BatchResult, error) {
			return nil, model.NewUpstreamUnavailableError("チャートフィード")
		},
	}

	h := NewSyncHandler(svc)

	body := `{"country":"US"}`
	req := httptest.NewRequest(http.MethodPost, "/api/sync", bytes.NewBufferString(body))
	w := httptest.NewRecorder()

	h.Sync(w, req)

	if w.Result().StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusServiceUnavailable)
	}

	errResp := parseAPIErrorResponse(t, w)
	if errResp["code"] != model.ErrCodeUpstreamUnavailable {
		t.Errorf("code = %q, want %q", errResp["code"], model.ErrCodeUpstreamUnavailable)
	}
}
