// Package analytics carries click events from the redirect path to the
// click counter: encoding, publishing, consuming and applying them.
package analytics

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// ContentType is the MIME type of an encoded ClickEvent.
const ContentType = "application/json"

// ErrMalformedEvent is returned when a payload cannot be decoded.
var ErrMalformedEvent = errors.New("malformed click event")

// ClickEvent asserts that a redirect happened for a shortened URL.
// It exists only in transit on the queue.
type ClickEvent struct {
	SubjectID string `json:"ShortenedUrlId"`
}

// NewClickEvent builds an event for the given subject.
func NewClickEvent(subjectID string) ClickEvent {
	return ClickEvent{SubjectID: subjectID}
}

// EncodeClickEvent serializes an event to its UTF-8 JSON wire form.
func EncodeClickEvent(event ClickEvent) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode click event: %w", err)
	}
	return data, nil
}

// DecodeClickEvent parses a wire payload. Field names match case-insensitively,
// unknown fields are ignored.
func DecodeClickEvent(body []byte) (ClickEvent, error) {
	if len(body) == 0 {
		return ClickEvent{}, fmt.Errorf("%w: empty body", ErrMalformedEvent)
	}
	if !utf8.Valid(body) {
		return ClickEvent{}, fmt.Errorf("%w: body is not valid UTF-8", ErrMalformedEvent)
	}

	var event ClickEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return ClickEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return event, nil
}
