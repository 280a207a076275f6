package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"enhancer/internal/domain"
)

func TestFailMapsErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{name: "validation", err: domain.NewValidationError("width", "is required"), wantStatus: http.StatusBadRequest, wantCode: "validation_error"},
		{name: "forbidden", err: domain.ErrForbidden, wantStatus: http.StatusForbidden, wantCode: "forbidden"},
		{name: "not found", err: fmt.Errorf("load: %w", domain.ErrNotFound), wantStatus: http.StatusNotFound, wantCode: "not_found"},
		{name: "conflict", err: fmt.Errorf("%w: only failed jobs can be retried", domain.ErrConflict), wantStatus: http.StatusConflict, wantCode: "conflict"},
		{name: "bad signature", err: domain.ErrInvalidSignature, wantStatus: http.StatusUnauthorized, wantCode: "invalid_signature"},
		{name: "stale", err: domain.ErrStaleTimestamp, wantStatus: http.StatusUnauthorized, wantCode: "stale_timestamp"},
		{name: "replay", err: domain.ErrNonceReplayed, wantStatus: http.StatusUnauthorized, wantCode: "nonce_replayed"},
		{name: "unknown", err: errors.New("pool exhausted"), wantStatus: http.StatusInternalServerError, wantCode: "internal"},
	}
	app := &App{Logger: zerolog.Nop()}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			app.fail(rr, httptest.NewRequest(http.MethodGet, "/enhancement-jobs/x", nil), tc.err)
			if rr.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tc.wantStatus)
			}
			var body struct {
				Error struct {
					Code    string `json:"code"`
					Message string `json:"message"`
				} `json:"error"`
			}
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Error.Code != tc.wantCode || body.Error.Message == "" {
				t.Fatalf("error body = %+v", body.Error)
			}
			if tc.wantCode == "internal" && body.Error.Message != "internal error" {
				t.Fatalf("internal details leaked: %q", body.Error.Message)
			}
		})
	}
}
