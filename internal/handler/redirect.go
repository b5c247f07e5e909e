package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/linkpulse/linkpulse/internal/service"
)

// ClickPublisher hands a click off to the broker without blocking the caller.
type ClickPublisher interface {
	PublishAsync(subjectID string)
}

// RedirectHandler handles redirect requests.
type RedirectHandler struct {
	svc       *service.LinkService
	publisher ClickPublisher
	logger    *slog.Logger
}

// NewRedirectHandler creates a new RedirectHandler. publisher may be nil.
func NewRedirectHandler(svc *service.LinkService, publisher ClickPublisher, logger *slog.Logger) *RedirectHandler {
	return &RedirectHandler{
		svc:       svc,
		publisher: publisher,
		logger:    logger,
	}
}

// Redirect handles GET /a/{shortCode}.
func (h *RedirectHandler) Redirect(w http.ResponseWriter, r *http.Request) {
	shortCode := chi.URLParam(r, "shortCode")
	if shortCode == "" {
		h.writeError(w, http.StatusNotFound, "LINK_NOT_FOUND", "Link not found")
		return
	}

	start := time.Now()
	link, cacheHit, err := h.svc.ResolveRedirect(r.Context(), shortCode)
	duration := time.Since(start)

	if err != nil {
		if errors.Is(err, service.ErrLinkNotFound) {
			h.logger.Info("redirect_not_found",
				"short_code", shortCode,
				"duration_ms", float64(duration.Microseconds())/1000,
			)
			h.writeError(w, http.StatusNotFound, "LINK_NOT_FOUND", "Link not found")
			return
		}
		h.logger.Error("redirect_error",
			"short_code", shortCode,
			"error", err,
			"duration_ms", float64(duration.Microseconds())/1000,
		)
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An internal error occurred")
		return
	}

	// Fire-and-forget; publish failures never reach the client.
	if h.publisher != nil {
		h.publisher.PublishAsync(link.ID)
	}

	h.logger.Info("redirect_success",
		"short_code", shortCode,
		"cache_hit", cacheHit,
		"duration_ms", float64(duration.Microseconds())/1000,
	)

	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
	w.Header().Set("Cache-Control", "private, max-age=0")

	http.Redirect(w, r, link.LongURL, http.StatusMovedPermanently)
}

func (h *RedirectHandler) writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cache-Control", "private, max-age=0")
	writeError(w, status, code, message)
}
