// Package model defines domain entities for the application.
package model

import (
	"strconv"
	"time"
)

// Link is a shortened URL. ID is the subject identifier carried by click events.
type Link struct {
	ID         string    `json:"id"`
	ShortCode  string    `json:"short_code"`
	LongURL    string    `json:"long_url"`
	ClickCount int64     `json:"click_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// CachedLink is the redirect-relevant part of a Link as stored in a Redis hash.
// The click count is never cached.
type CachedLink struct {
	ID        string `redis:"id"`
	LongURL   string `redis:"long_url"`
	CreatedAt string `redis:"created_at"` // Unix seconds
}

// ToLink converts CachedLink to a Link. ClickCount is left at zero.
func (c *CachedLink) ToLink(shortCode string) *Link {
	link := &Link{
		ID:        c.ID,
		ShortCode: shortCode,
		LongURL:   c.LongURL,
	}
	if c.CreatedAt != "" {
		if ts, err := strconv.ParseInt(c.CreatedAt, 10, 64); err == nil {
			link.CreatedAt = time.Unix(ts, 0).UTC()
		}
	}
	return link
}

// ToCachedLink converts a Link to its cached form.
func (l *Link) ToCachedLink() *CachedLink {
	return &CachedLink{
		ID:        l.ID,
		LongURL:   l.LongURL,
		CreatedAt: strconv.FormatInt(l.CreatedAt.Unix(), 10),
	}
}

// Valid reports whether the cached entry has the fields a redirect needs.
func (c *CachedLink) Valid() bool {
	return c.ID != "" && c.LongURL != ""
}
