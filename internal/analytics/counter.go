package analytics

import "context"

// IncrementResult is the outcome of a successful counter store call.
type IncrementResult int

const (
	// IncrementApplied means the counter was found and incremented by one.
	IncrementApplied IncrementResult = iota + 1
	// IncrementNotFound means no counter exists for the subject. Nothing was written.
	IncrementNotFound
	// IncrementDuplicate means the message id was already applied. Nothing was written.
	IncrementDuplicate
)

func (r IncrementResult) String() string {
	switch r {
	case IncrementApplied:
		return "applied"
	case IncrementNotFound:
		return "not_found"
	case IncrementDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// CounterStore is the persistence boundary for click counts.
//
// Increment must be atomic at the storage layer. A returned error is a
// storage error and is treated as transient by the consumer. An empty
// messageID disables deduplication for that call.
type CounterStore interface {
	Increment(ctx context.Context, subjectID, messageID string) (IncrementResult, error)
}
