package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/linkpulse/linkpulse/internal/handler/dto"
	"github.com/linkpulse/linkpulse/internal/model"
	"github.com/linkpulse/linkpulse/internal/service"
	"github.com/linkpulse/linkpulse/internal/testutil"
)

func newLinkRouter(store *memoryStore) chi.Router {
	svc := service.NewLinkService(store, nil, "https://lp.test", testutil.DiscardLogger(), nil)
	h := NewLinkHandler(svc, testutil.DiscardLogger())

	r := chi.NewRouter()
	r.Post("/api/urls", h.Shorten)
	r.Get("/api/urls/{shortCode}/stats", h.Stats)
	return r
}

func TestLinkHandler_Shorten(t *testing.T) {
	store := newMemoryStore()
	r := newLinkRouter(store)

	req := httptest.NewRequest(http.MethodPost, "/api/urls", strings.NewReader(`{"url":"https://example.com/page"}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp dto.ShortenResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !strings.HasPrefix(resp.ShortURL, "https://lp.test/a/") {
		t.Errorf("unexpected shortUrl %q", resp.ShortURL)
	}

	code := strings.TrimPrefix(resp.ShortURL, "https://lp.test/a/")
	if _, ok := store.links[code]; !ok {
		t.Errorf("expected link %q to be stored", code)
	}
}

func TestLinkHandler_Shorten_BadInput(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{"malformed json", `{"url":`, "INVALID_JSON"},
		{"relative url", `{"url":"/not/absolute"}`, "INVALID_URL"},
		{"missing url", `{}`, "INVALID_URL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newLinkRouter(newMemoryStore())

			req := httptest.NewRequest(http.MethodPost, "/api/urls", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected status 400, got %d", rec.Code)
			}
			if resp := decodeError(t, rec); resp.Code != tt.wantCode {
				t.Errorf("expected code %s, got %s", tt.wantCode, resp.Code)
			}
		})
	}
}

func TestLinkHandler_Shorten_StoreFailure(t *testing.T) {
	store := newMemoryStore()
	store.err = errors.New("connection refused")
	r := newLinkRouter(store)

	req := httptest.NewRequest(http.MethodPost, "/api/urls", strings.NewReader(`{"url":"https://example.com"}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", rec.Code)
	}
}

func TestLinkHandler_Stats(t *testing.T) {
	store := newMemoryStore(&model.Link{
		ID:         "3f1c2a9e-6d1b-4c55-9a57-0f1d2e3b4c5d",
		ShortCode:  "abc1234",
		LongURL:    "https://example.com",
		ClickCount: 6,
	})
	r := newLinkRouter(store)

	req := httptest.NewRequest(http.MethodGet, "/api/urls/abc1234/stats", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var resp dto.StatsResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	want := dto.StatsResponse{LongURL: "https://example.com", ShortURL: "https://lp.test/a/abc1234", ClickCount: 6}
	if resp != want {
		t.Errorf("expected %+v, got %+v", want, resp)
	}
}

func TestLinkHandler_Stats_NotFound(t *testing.T) {
	r := newLinkRouter(newMemoryStore())

	req := httptest.NewRequest(http.MethodGet, "/api/urls/missing/stats", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Code != "LINK_NOT_FOUND" {
		t.Errorf("unexpected error code: %s", resp.Code)
	}
}
