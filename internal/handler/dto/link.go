// Package dto provides Data Transfer Objects for API requests and responses.
package dto

import (
	"github.com/linkpulse/linkpulse/internal/model"
)

// ShortenRequest is the body of POST /api/urls.
type ShortenRequest struct {
	URL string `json:"url"`
}

// ShortenResponse is returned after a link is created.
type ShortenResponse struct {
	ShortURL string `json:"shortUrl"`
}

// StatsResponse reports a link and its click count.
type StatsResponse struct {
	LongURL    string `json:"longUrl"`
	ShortURL   string `json:"shortUrl"`
	ClickCount int64  `json:"clickCount"`
}

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// ToStatsResponse converts a Link model to a StatsResponse.
func ToStatsResponse(link *model.Link, shortURL string) *StatsResponse {
	return &StatsResponse{
		LongURL:    link.LongURL,
		ShortURL:   shortURL,
		ClickCount: link.ClickCount,
	}
}
