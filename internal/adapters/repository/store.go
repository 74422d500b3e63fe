// Package repository defines the durable store for sessions, submissions,
// conflicts and aggregates.
package repository

import (
	"context"

	"github.com/okian/tally/internal/domain/model"
)

// Store is accessed only through key lookups and upserts. Callers serialize
// writes per scoring key; implementations are still safe for concurrent use.
type Store interface {
	SaveSession(ctx context.Context, s model.Session) error
	// GetSession returns ErrNotFound for unknown ids.
	GetSession(ctx context.Context, id string) (model.Session, error)
	ListSessions(ctx context.Context) ([]model.Session, error)

	// AppendSubmission stores sub as the judge's current submission for its key,
	// superseding the prior one. It assigns ID when empty and a store-wide
	// monotonically increasing Sequence.
	AppendSubmission(ctx context.Context, sub model.Submission) (model.Submission, error)
	GetSubmission(ctx context.Context, id string) (model.Submission, error)
	// CurrentSubmission returns ErrNotFound when the judge has not scored the key.
	CurrentSubmission(ctx context.Context, key model.ScoreKey, judgeID string) (model.Submission, error)
	// CurrentByKey returns current submissions for a key ordered by judge id.
	CurrentByKey(ctx context.Context, key model.ScoreKey) ([]model.Submission, error)
	// CurrentBySession returns every current submission of a session.
	CurrentBySession(ctx context.Context, sessionID string) ([]model.Submission, error)
	// History returns all submissions of a judge for a key in sequence order.
	History(ctx context.Context, key model.ScoreKey, judgeID string) ([]model.Submission, error)
	SetSubmissionStatus(ctx context.Context, status model.SyncStatus, ids ...string) error

	SaveConflict(ctx context.Context, c model.Conflict) error
	GetConflict(ctx context.Context, id string) (model.Conflict, error)
	// ActiveConflict returns the open, escalated or discussing conflict for a key.
	ActiveConflict(ctx context.Context, key model.ScoreKey) (model.Conflict, error)
	ListConflicts(ctx context.Context, sessionID string) ([]model.Conflict, error)

	// UpsertAggregate overwrites the aggregate for its key and bumps Version.
	UpsertAggregate(ctx context.Context, agg model.AggregatedScore) (model.AggregatedScore, error)
	GetAggregate(ctx context.Context, key model.AggregateKey) (model.AggregatedScore, error)
	ListAggregates(ctx context.Context, sessionID string) ([]model.AggregatedScore, error)

	Close() error
}
