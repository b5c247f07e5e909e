package analytics

import (
	"errors"
	"strings"
	"unicode"
)

const maxSubjectIDLength = 128

// Validation errors. All of them are permanent: retrying cannot fix the message.
var (
	ErrEmptySubjectID   = errors.New("subject id is required")
	ErrSubjectIDTooLong = errors.New("subject id too long")
	ErrInvalidSubjectID = errors.New("subject id contains invalid characters")
)

// ValidateClickEvent checks that the event names a subject.
func ValidateClickEvent(event ClickEvent) error {
	id := event.SubjectID
	if strings.TrimSpace(id) == "" {
		return ErrEmptySubjectID
	}
	if len(id) > maxSubjectIDLength {
		return ErrSubjectIDTooLong
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return ErrInvalidSubjectID
		}
	}
	return nil
}
