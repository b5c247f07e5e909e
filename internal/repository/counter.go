package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/linkpulse/linkpulse/internal/analytics"
)

// ClickCounter applies click events to links.click_count.
// It implements analytics.CounterStore.
type ClickCounter struct {
	repo  *Repository
	dedup bool
}

var _ analytics.CounterStore = (*ClickCounter)(nil)

// NewClickCounter creates a counter store. With dedup enabled, each message id
// is recorded in processed_click_events and applied at most once.
func NewClickCounter(repo *Repository, dedup bool) *ClickCounter {
	return &ClickCounter{repo: repo, dedup: dedup}
}

// Increment adds one click to the link identified by subjectID in a single
// transaction. A subject that is not a link id reports IncrementNotFound.
func (c *ClickCounter) Increment(ctx context.Context, subjectID, messageID string) (analytics.IncrementResult, error) {
	id, err := uuid.Parse(subjectID)
	if err != nil {
		return analytics.IncrementNotFound, nil
	}

	tx, err := c.repo.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin increment: %w", err)
	}
	// No-op after a successful commit.
	defer func() { _ = tx.Rollback(ctx) }()

	if c.dedup && messageID != "" {
		tag, err := tx.Exec(ctx, `
			INSERT INTO processed_click_events (message_id, link_id)
			VALUES ($1, $2)
			ON CONFLICT (message_id) DO NOTHING
		`, messageID, id.String())
		if err != nil {
			return 0, fmt.Errorf("record click message: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return analytics.IncrementDuplicate, nil
		}
	}

	tag, err := tx.Exec(ctx, `UPDATE links SET click_count = click_count + 1 WHERE id = $1`, id.String())
	if err != nil {
		return 0, fmt.Errorf("increment click count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return analytics.IncrementNotFound, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit increment: %w", err)
	}
	return analytics.IncrementApplied, nil
}

// PruneProcessedClickEvents deletes dedup records older than retention.
// Redeliveries older than that can no longer be detected.
func (r *Repository) PruneProcessedClickEvents(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM processed_click_events WHERE processed_at < $1`,
		time.Now().UTC().Add(-retention),
	)
	if err != nil {
		return 0, fmt.Errorf("prune processed click events: %w", err)
	}
	return tag.RowsAffected(), nil
}
