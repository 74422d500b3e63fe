package resolution

import (
	"context"
	"time"

	"github.com/okian/tally/internal/domain/model"
)

// Store is the subset of the durable store the workflow needs.
type Store interface {
	GetSession(ctx context.Context, id string) (model.Session, error)
	GetConflict(ctx context.Context, id string) (model.Conflict, error)
	SaveConflict(ctx context.Context, c model.Conflict) error
	ListConflicts(ctx context.Context, sessionID string) ([]model.Conflict, error)
	CurrentByKey(ctx context.Context, key model.ScoreKey) ([]model.Submission, error)
	SetSubmissionStatus(ctx context.Context, status model.SyncStatus, ids ...string) error
	UpsertAggregate(ctx context.Context, agg model.AggregatedScore) (model.AggregatedScore, error)
}

// Executor runs fn serialized with every other mutation of key.
type Executor interface {
	Do(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// Notification is sent to humans when a conflict needs them.
type Notification struct {
	Kind       string         `json:"kind"`
	ConflictID string         `json:"conflict_id"`
	Key        model.ScoreKey `json:"key"`
	Recipients []string       `json:"recipients"`
	Priority   string         `json:"priority,omitempty"`
	Severity   model.Severity `json:"severity"`
	Deadline   time.Time      `json:"deadline"`
}

// Notification kinds.
const (
	NotifyEscalation = "escalation"
	NotifyDiscussion = "discussion"
)

// Notifier delivers notifications. Delivery is fire-and-forget.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// ProfileProvider returns reliability inputs for a judge; nil when unknown.
type ProfileProvider interface {
	Profile(ctx context.Context, judgeID string) (*model.JudgeProfile, error)
}

// Listener observes settled conflicts. It is called on the key's executor
// after the records are written; agg is nil when no aggregate could be
// computed.
type Listener interface {
	ConflictSettled(ctx context.Context, c model.Conflict, agg *model.AggregatedScore)
}

// RulesFunc returns the rules of a category.
type RulesFunc func(categoryID string) model.CategoryRules
