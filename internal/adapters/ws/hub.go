// Package ws is the real-time hub: it authenticates live connections, groups
// them by session and fans events out without letting a slow reader stall
// the scoring pipeline.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/okian/tally/internal/domain/model"
	"github.com/okian/tally/internal/domain/types"
	"github.com/okian/tally/pkg/logger"
	"github.com/okian/tally/pkg/metrics"
)

// Pipeline is the scoring service behind the hub.
type Pipeline interface {
	Authenticate(ctx context.Context, token string) (model.Identity, error)
	GetSession(ctx context.Context, id string) (model.Session, error)
	SubmitScore(ctx context.Context, actor model.Actor, in model.ScoreInput) (types.ScoreAck, error)
	Snapshot(ctx context.Context, sessionID string, role model.Role) (types.Snapshot, error)
	Scoreboard(ctx context.Context, sessionID, displayMode string) (types.Scoreboard, error)
}

// Hub owns every live connection.
type Hub struct {
	pipeline Pipeline
	upgrader websocket.Upgrader
	logger   logger.Logger
	now      func() time.Time

	outbound   int
	grace      time.Duration
	ratePerSec float64
	burst      int
	origins    []string

	mu       sync.RWMutex
	sessions map[string]map[string]*client
	closed   bool
}

// NewHub creates a Hub in front of pipeline.
func NewHub(pipeline Pipeline, opts ...Option) *Hub {
	h := &Hub{
		pipeline:   pipeline,
		logger:     logger.Get().Named("ws"),
		now:        time.Now,
		outbound:   DefaultOutboundQueue,
		grace:      DefaultLagGrace,
		ratePerSec: DefaultInboundRate,
		burst:      DefaultInboundBurst,
		sessions:   make(map[string]map[string]*client),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.origins) == 0 || slices.Contains(h.origins, "*") {
		return true
	}
	return slices.Contains(h.origins, origin)
}

// Connect authenticates a prospective connection. Spectators need only an
// active session; judges and admins need a token whose role matches, though
// an admin token may join under any role.
func (h *Hub) Connect(ctx context.Context, sessionID string, role model.Role, token string) (*model.Connection, error) {
	if !role.Valid() {
		return nil, model.NewValidationError("role", "must be judge, spectator or admin")
	}
	if sessionID == "" {
		return nil, model.NewValidationError("session_id", "required")
	}
	sess, err := h.pipeline.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	conn := &model.Connection{
		ID:          uuid.NewString(),
		SessionID:   sess.ID,
		Role:        role,
		ConnectedAt: h.now(),
	}
	if role == model.RoleSpectator {
		if !sess.IsActive() {
			return nil, fmt.Errorf("session %s is %s: %w", sess.ID, sess.Status, model.ErrSessionNotActive)
		}
		return conn, nil
	}

	id, err := h.pipeline.Authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	if id.Role != role && id.Role != model.RoleAdmin {
		return nil, &model.AuthError{Reason: ErrRoleMismatch.Error()}
	}
	conn.Identity = &id
	return conn, nil
}

// ServeHTTP upgrades GET /ws?session_id=&role= after Connect succeeds.
// The token comes from "Authorization: Bearer" or the token query value.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	role := model.Role(q.Get("role"))
	if role == "" {
		role = model.RoleSpectator
	}
	meta, err := h.Connect(r.Context(), q.Get("session_id"), role, bearer(r))
	if err != nil {
		h.logger.Debug(r.Context(), "connection refused",
			logger.String("session_id", q.Get("session_id")),
			logger.String("role", string(role)),
			logger.Error(err))
		http.Error(w, err.Error(), refusalStatus(err))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn(r.Context(), "websocket upgrade failed", logger.Error(err))
		return
	}
	c := newClient(h, conn, *meta)
	if err := h.register(c); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, err.Error()), h.now().Add(writeWait))
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

func bearer(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if tok, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	return r.URL.Query().Get("token")
}

func refusalStatus(err error) int {
	switch {
	case errors.Is(err, model.ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrSessionNotActive):
		return http.StatusConflict
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Hub) register(c *client) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	conns := h.sessions[c.meta.SessionID]
	if conns == nil {
		conns = make(map[string]*client)
		h.sessions[c.meta.SessionID] = conns
	}
	conns[c.meta.ID] = c
	h.mu.Unlock()

	metrics.ConnectionOpened(string(c.meta.Role))
	h.logger.Info(c.ctx, "connection registered",
		logger.String("connection_id", c.meta.ID),
		logger.String("session_id", c.meta.SessionID),
		logger.String("role", string(c.meta.Role)),
		logger.String("judge_id", c.meta.JudgeID()),
	)

	snap, err := h.pipeline.Snapshot(c.ctx, c.meta.SessionID, c.meta.Role)
	if err != nil {
		h.logger.Warn(c.ctx, "initial state unavailable", logger.String("connection_id", c.meta.ID), logger.Error(err))
		snap = types.Snapshot{ServerTime: h.now()}
	}
	c.reply(types.MsgInitialState, types.InitialState{Snapshot: snap, ConnectionID: c.meta.ID, Role: c.meta.Role})
	if c.meta.Role == model.RoleJudge {
		h.announceJudges(c.meta.SessionID)
	}
	return nil
}

// unregister removes c from every subscriber set.
func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	conns := h.sessions[c.meta.SessionID]
	_, ok := conns[c.meta.ID]
	if ok {
		delete(conns, c.meta.ID)
		if len(conns) == 0 {
			delete(h.sessions, c.meta.SessionID)
		}
	}
	closed := h.closed
	h.mu.Unlock()
	if !ok {
		return
	}

	metrics.ConnectionClosed(string(c.meta.Role))
	h.logger.Info(context.Background(), "connection closed",
		logger.String("connection_id", c.meta.ID),
		logger.String("session_id", c.meta.SessionID),
		logger.String("role", string(c.meta.Role)),
	)
	if c.meta.Role == model.RoleJudge && !closed {
		h.announceJudges(c.meta.SessionID)
	}
}

// Broadcast stamps payload and queues it for every connection of the
// session in audience. It never blocks and returns the number of
// connections the frame was queued for.
func (h *Hub) Broadcast(sessionID string, t types.MessageType, payload any, audience types.Audience) int {
	frame, err := h.encode(t, payload)
	if err != nil {
		h.logger.Error(context.Background(), "broadcast encode failed", logger.String("type", string(t)), logger.Error(err))
		return 0
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.sessions[sessionID]))
	for _, c := range h.sessions[sessionID] {
		if !audience.Allows(c.meta.Role) {
			continue
		}
		if audience == types.AudienceScoreboard && !c.subscribed.Load() {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	n := 0
	for _, c := range targets {
		if c.enqueue(frame) {
			n++
		}
	}
	metrics.RecordBroadcast(string(audience))
	return n
}

func (h *Hub) encode(t types.MessageType, payload any) ([]byte, error) {
	env, err := types.NewEnvelope(t, payload, h.now())
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// ActiveJudges lists the judges with at least one live connection.
func (h *Hub) ActiveJudges(sessionID string) []string {
	active, _ := h.judges(sessionID)
	return active
}

func (h *Hub) judges(sessionID string) (active, ready []string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[string]bool)
	readySeen := make(map[string]bool)
	for _, c := range h.sessions[sessionID] {
		id := c.meta.JudgeID()
		if c.meta.Role != model.RoleJudge || id == "" {
			continue
		}
		if !seen[id] {
			seen[id] = true
			active = append(active, id)
		}
		if c.ready.Load() && !readySeen[id] {
			readySeen[id] = true
			ready = append(ready, id)
		}
	}
	sort.Strings(active)
	sort.Strings(ready)
	if active == nil {
		active = []string{}
	}
	if ready == nil {
		ready = []string{}
	}
	return active, ready
}

func (h *Hub) announceJudges(sessionID string) {
	active, ready := h.judges(sessionID)
	h.Broadcast(sessionID, types.MsgJudgesUpdated, types.JudgesUpdate{
		SessionID:    sessionID,
		ActiveJudges: active,
		ReadyJudges:  ready,
	}, types.AudienceAll)
}

// Connections counts live connections by role.
func (h *Hub) Connections() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := map[string]int{
		string(model.RoleJudge):     0,
		string(model.RoleSpectator): 0,
		string(model.RoleAdmin):     0,
	}
	for _, conns := range h.sessions {
		for _, c := range conns {
			out[string(c.meta.Role)]++
		}
	}
	return out
}

// Run disconnects connections that stay lagging past the grace period
// until ctx is done, then closes every connection.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(max(h.grace/2, 50*time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.Close()
			return nil
		case <-ticker.C:
			h.sweep()
		}
	}
}

func (h *Hub) sweep() {
	now := h.now()
	h.mu.RLock()
	var slow []*client
	for _, conns := range h.sessions {
		for _, c := range conns {
			if c.overdue(now) {
				slow = append(slow, c)
			}
		}
	}
	h.mu.RUnlock()
	for _, c := range slow {
		h.dropSlow(c)
	}
}

func (h *Hub) dropSlow(c *client) {
	metrics.RecordSlowConsumerDisconnect()
	h.logger.Warn(c.ctx, "slow consumer disconnected",
		logger.String("connection_id", c.meta.ID),
		logger.String("session_id", c.meta.SessionID),
		logger.String("role", string(c.meta.Role)),
		logger.Int("queued", len(c.send)),
	)
	c.close(websocket.ClosePolicyViolation, "slow consumer")
}

// Close disconnects every connection and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*client
	for _, conns := range h.sessions {
		for _, c := range conns {
			all = append(all, c)
		}
	}
	h.mu.Unlock()
	for _, c := range all {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
}

func (h *Hub) newLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(h.ratePerSec), h.burst)
}
