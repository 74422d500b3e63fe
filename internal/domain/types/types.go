// Package types contains the read shapes and wire messages shared by the
// HTTP API, the real-time hub and the service.
package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/okian/tally/internal/domain/aggregation"
	"github.com/okian/tally/internal/domain/model"
)

// MessageType names a real-time frame.
type MessageType string

// Inbound message types.
const (
	MsgScoreUpdate         MessageType = "score_update"
	MsgJudgeReady          MessageType = "judge_ready"
	MsgRequestSync         MessageType = "request_sync"
	MsgSubscribeScoreboard MessageType = "subscribe_scoreboard"
	MsgPing                MessageType = "ping"
)

// Outbound message types. MsgScoreUpdate is also broadcast.
const (
	MsgInitialState     MessageType = "initial_state"
	MsgScoreConfirmed   MessageType = "score_confirmed"
	MsgConflictDetected MessageType = "conflict_detected"
	MsgConflictResolved MessageType = "conflict_resolved"
	MsgAggregateUpdate  MessageType = "aggregate_update"
	MsgScoreboard       MessageType = "scoreboard"
	MsgJudgesUpdated    MessageType = "judges_updated"
	MsgSyncState        MessageType = "sync_state"
	MsgSyncRequired     MessageType = "sync_required"
	MsgPong             MessageType = "pong"
	MsgError            MessageType = "error"
)

// Audience selects which connections of a session receive a broadcast.
type Audience string

const (
	AudienceAll    Audience = "all"
	AudienceJudges Audience = "judges"
	// AudienceScoreboard reaches connections that sent subscribe_scoreboard.
	AudienceScoreboard Audience = "scoreboard"
)

// Allows reports whether a connection with role may receive the message.
func (a Audience) Allows(role model.Role) bool {
	if a == AudienceJudges {
		return role.SeesConflicts()
	}
	return true
}

// ErrorCode names the kind of err for error frames and bodies.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, model.ErrValidation):
		return "validation_error"
	case errors.Is(err, model.ErrAuth):
		return "auth_error"
	case errors.Is(err, model.ErrForbidden):
		return "forbidden"
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	case errors.Is(err, model.ErrSessionNotActive):
		return "session_not_active"
	case errors.Is(err, model.ErrResolutionConflict):
		return "resolution_conflict"
	case errors.Is(err, model.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, model.ErrInsufficientData):
		return "insufficient_data"
	case errors.Is(err, model.ErrBackpressure):
		return "backpressure"
	default:
		return "internal_error"
	}
}

// Envelope is one JSON frame on the real-time connection.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope encodes payload into a frame stamped at ts.
func NewEnvelope(t MessageType, payload any, ts time.Time) (Envelope, error) {
	env := Envelope{Type: t, Timestamp: ts}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	env.Payload = raw
	return env, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return model.NewValidationError("payload", "required")
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return model.NewValidationError("payload", err.Error())
	}
	return nil
}

// SyncRequest asks for the current state of a session.
type SyncRequest struct {
	SessionID string `json:"session_id"`
}

// ScoreboardRequest subscribes a display to standings.
type ScoreboardRequest struct {
	SessionID   string `json:"session_id"`
	DisplayMode string `json:"display_mode,omitempty"`
}

// ScoreAck is the result of an admitted score, returned to its sender.
type ScoreAck struct {
	UpdateID        string           `json:"update_id"`
	Status          model.SyncStatus `json:"status"`
	Sequence        uint64           `json:"sequence"`
	Duplicate       bool             `json:"duplicate,omitempty"`
	Warnings        []string         `json:"warnings,omitempty"`
	ConflictID      string           `json:"conflict_id,omitempty"`
	ClientMessageID string           `json:"client_message_id,omitempty"`
}

// ScoreBroadcast announces an admitted score to the session.
type ScoreBroadcast struct {
	UpdateID    string    `json:"update_id"`
	TeamID      string    `json:"team_id"`
	JudgeID     string    `json:"judge_id"`
	CriterionID string    `json:"criterion_id"`
	Score       float64   `json:"score"`
	Timestamp   time.Time `json:"timestamp"`
}

// ConflictNotice is delivered to judges and admins only.
type ConflictNotice struct {
	ConflictID  string                   `json:"conflict_id"`
	TeamID      string                   `json:"team_id"`
	CriterionID string                   `json:"criterion_id"`
	Severity    model.Severity           `json:"severity"`
	Conflicts   []model.Signal           `json:"conflicts"`
	Suggested   []model.ResolutionMethod `json:"suggested_resolutions"`
	Timestamp   time.Time                `json:"timestamp"`
}

// ResolvedNotice announces a settled conflict to judges and admins.
type ResolvedNotice struct {
	ConflictID  string                 `json:"conflict_id"`
	TeamID      string                 `json:"team_id"`
	CriterionID string                 `json:"criterion_id"`
	Status      model.ConflictStatus   `json:"status"`
	Method      model.ResolutionMethod `json:"method,omitempty"`
	FinalValue  *float64               `json:"final_value,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// JudgesUpdate lists the judges currently connected to a session.
type JudgesUpdate struct {
	SessionID    string   `json:"session_id"`
	ActiveJudges []string `json:"active_judges"`
	ReadyJudges  []string `json:"ready_judges"`
}

// Scoreboard is a ranked view of team totals.
type Scoreboard struct {
	SessionID   string                 `json:"session_id"`
	DisplayMode string                 `json:"display_mode,omitempty"`
	TieBreak    aggregation.TieBreak   `json:"tie_break"`
	Standings   []aggregation.Standing `json:"standings"`
}

// Snapshot is the state a client needs to (re)build its view of a session.
// Conflicts are omitted for spectators.
type Snapshot struct {
	Session       model.Session           `json:"session"`
	CurrentScores []model.AggregatedScore `json:"current_scores"`
	Conflicts     []model.Conflict        `json:"conflicts,omitempty"`
	ActiveJudges  []string                `json:"active_judges"`
	ServerTime    time.Time               `json:"server_time"`
}

// InitialState is sent once a connection is registered.
type InitialState struct {
	Snapshot
	ConnectionID string     `json:"connection_id"`
	Role         model.Role `json:"role"`
}

// Pong answers a ping.
type Pong struct {
	ServerTime time.Time `json:"server_time"`
}

// ErrorPayload reports a failed inbound message to its sender only.
type ErrorPayload struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Field     string    `json:"field,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Stats is the service summary served at /stats.
type Stats struct {
	Started         bool           `json:"started"`
	Shards          int            `json:"shards"`
	QueueSize       int            `json:"queue_size"`
	Backlog         int            `json:"backlog"`
	DedupeEntries   int64          `json:"dedupe_entries"`
	Sessions        int            `json:"sessions"`
	Connections     map[string]int `json:"connections"`
	PendingDeadline int            `json:"pending_deadlines"`
	StoreDriver     string         `json:"store_driver"`
}

// SessionRequest opens a scoring session.
type SessionRequest struct {
	ID            string    `json:"id,omitempty"`
	CompetitionID string    `json:"competition_id" validate:"required"`
	CategoryID    string    `json:"category_id" validate:"required"`
	HeadJudgeID   string    `json:"head_judge_id,omitempty"`
	StartTime     time.Time `json:"start_time,omitempty"`
}
