// Package service provides business logic for the application.
package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/linkpulse/linkpulse/internal/cache"
	"github.com/linkpulse/linkpulse/internal/metrics"
	"github.com/linkpulse/linkpulse/internal/model"
	"github.com/linkpulse/linkpulse/internal/repository"
)

// Service errors.
var (
	ErrInvalidURL   = errors.New("invalid URL")
	ErrURLTooLong   = errors.New("URL too long")
	ErrLinkNotFound = errors.New("link not found")
)

const (
	maxURLLength    = 2048
	shortCodeLength = 7
	// No 0/O, 1/l/I.
	shortCodeAlphabet  = "abcdefghijkmnopqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	maxShortCodeDrafts = 3
)

// LinkStore is the persistence the link service needs.
type LinkStore interface {
	CreateLink(ctx context.Context, link *model.Link) error
	GetLinkByShortCode(ctx context.Context, shortCode string) (*model.Link, error)
}

// LinkCache is the optional redirect lookup cache.
type LinkCache interface {
	GetLink(ctx context.Context, shortCode string) (*model.CachedLink, error)
	SetLink(ctx context.Context, link *model.Link) error
	IsNegativelyCached(ctx context.Context, shortCode string) (bool, error)
	SetNegativeCache(ctx context.Context, shortCode string) error
}

// LinkService handles link business logic.
type LinkService struct {
	store   LinkStore
	cache   LinkCache
	baseURL string
	logger  *slog.Logger
	metrics metrics.Recorder
	newCode func() (string, error)
}

// NewLinkService creates a new LinkService. linkCache may be nil.
func NewLinkService(store LinkStore, linkCache LinkCache, baseURL string, logger *slog.Logger, recorder metrics.Recorder) *LinkService {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	return &LinkService{
		store:   store,
		cache:   linkCache,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger.With("component", "service.link"),
		metrics: recorder,
		newCode: generateShortCode,
	}
}

// Shorten validates longURL and stores a new link with a random short code.
func (s *LinkService) Shorten(ctx context.Context, longURL string) (*model.Link, error) {
	if err := validateURL(longURL); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < maxShortCodeDrafts; attempt++ {
		code, err := s.newCode()
		if err != nil {
			return nil, fmt.Errorf("generate short code: %w", err)
		}

		link := &model.Link{
			ID:        uuid.NewString(),
			ShortCode: code,
			LongURL:   longURL,
			CreatedAt: time.Now().UTC(),
		}

		err = s.store.CreateLink(ctx, link)
		if errors.Is(err, repository.ErrShortCodeExists) {
			s.logger.Debug("short code collision, redrawing", "short_code", code)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create link: %w", err)
		}

		s.metrics.IncLinkCreated()
		return link, nil
	}

	return nil, fmt.Errorf("failed to generate unique short code after %d attempts", maxShortCodeDrafts)
}

// ResolveRedirect resolves a short code for a redirect, cache first.
// The returned link carries no click count when served from cache.
func (s *LinkService) ResolveRedirect(ctx context.Context, shortCode string) (*model.Link, bool, error) {
	start := time.Now()
	defer func() {
		s.metrics.ObserveRedirectDuration(time.Since(start))
	}()

	if s.cache != nil {
		cached, err := s.cache.GetLink(ctx, shortCode)
		switch {
		case err == nil:
			s.metrics.IncRedirectCacheHit()
			return cached.ToLink(shortCode), true, nil
		case errors.Is(err, cache.ErrCacheMiss):
			s.metrics.IncRedirectCacheMiss()
			if neg, _ := s.cache.IsNegativelyCached(ctx, shortCode); neg {
				return nil, false, ErrLinkNotFound
			}
		default:
			s.metrics.IncRedirectCacheMiss()
			s.logger.Warn("redirect cache lookup failed", "short_code", shortCode, "error", err)
		}
	}

	link, err := s.store.GetLinkByShortCode(ctx, shortCode)
	if err != nil {
		if errors.Is(err, repository.ErrLinkNotFound) {
			if s.cache != nil {
				_ = s.cache.SetNegativeCache(ctx, shortCode)
			}
			return nil, false, ErrLinkNotFound
		}
		return nil, false, err
	}

	if s.cache != nil {
		if err := s.cache.SetLink(ctx, link); err != nil {
			s.logger.Warn("failed to backfill redirect cache", "short_code", shortCode, "error", err)
		}
	}

	return link, false, nil
}

// Stats returns the link with its current click count, read from the database.
func (s *LinkService) Stats(ctx context.Context, shortCode string) (*model.Link, error) {
	link, err := s.store.GetLinkByShortCode(ctx, shortCode)
	if err != nil {
		if errors.Is(err, repository.ErrLinkNotFound) {
			return nil, ErrLinkNotFound
		}
		return nil, err
	}
	return link, nil
}

// ShortURL returns the public redirect URL for a short code.
func (s *LinkService) ShortURL(shortCode string) string {
	return s.baseURL + "/a/" + shortCode
}

// validateURL accepts absolute http(s) URLs with a host.
func validateURL(raw string) error {
	if raw == "" {
		return ErrInvalidURL
	}
	if len(raw) > maxURLLength {
		return ErrURLTooLong
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return ErrInvalidURL
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return ErrInvalidURL
	}
	if parsed.Host == "" {
		return ErrInvalidURL
	}
	return nil
}

// generateShortCode draws a random code using crypto/rand.
func generateShortCode() (string, error) {
	max := big.NewInt(int64(len(shortCodeAlphabet)))
	b := make([]byte, shortCodeLength)
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = shortCodeAlphabet[n.Int64()]
	}
	return string(b), nil
}
