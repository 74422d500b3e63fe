package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/okian/tally/internal/domain/model"
	"github.com/okian/tally/internal/domain/types"
	"github.com/okian/tally/pkg/logger"
	"github.com/okian/tally/pkg/metrics"
)

// client is one live connection. Frames reach the socket only through the
// bounded send queue, drained by writePump.
type client struct {
	hub     *Hub
	conn    *websocket.Conn
	meta    model.Connection
	send    chan []byte
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	subscribed atomic.Bool
	ready      atomic.Bool

	mu           sync.Mutex
	laggingSince time.Time

	closeOnce sync.Once
	done      chan struct{}
}

func newClient(h *Hub, conn *websocket.Conn, meta model.Connection) *client {
	ctx, cancel := context.WithCancel(context.Background())
	return &client{
		hub:     h,
		conn:    conn,
		meta:    meta,
		send:    make(chan []byte, h.outbound),
		limiter: h.newLimiter(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// actor is the identity behind the connection. An admin token joined under
// another role still acts as an admin.
func (c *client) actor() model.Actor {
	if c.meta.Identity == nil {
		return model.Actor{Role: c.meta.Role}
	}
	return model.ActorOf(*c.meta.Identity)
}

// enqueue never blocks. A full queue drops the frame and marks the
// connection lagging; lagging past the grace period disconnects it.
func (c *client) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		metrics.RecordOutboundQueueDepth(len(c.send))
		return true
	default:
	}

	metrics.RecordFrameDropped()
	now := c.hub.now()
	c.mu.Lock()
	if c.laggingSince.IsZero() {
		c.laggingSince = now
	}
	overdue := now.Sub(c.laggingSince) > c.hub.grace
	c.mu.Unlock()
	if overdue {
		c.hub.dropSlow(c)
	}
	return false
}

func (c *client) lagging() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.laggingSince.IsZero()
}

func (c *client) overdue(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.laggingSince.IsZero() && now.Sub(c.laggingSince) > c.hub.grace
}

// recovered clears the lagging mark once the queue is drained. The caller
// owes the client a sync_required frame when it returns true.
func (c *client) recovered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.laggingSince.IsZero() || len(c.send) > 0 {
		return false
	}
	c.laggingSince = time.Time{}
	return true
}

func (c *client) clearLagging() {
	c.mu.Lock()
	c.laggingSince = time.Time{}
	c.mu.Unlock()
}

// reply queues a frame for this connection only.
func (c *client) reply(t types.MessageType, payload any) {
	frame, err := c.hub.encode(t, payload)
	if err != nil {
		c.hub.logger.Error(c.ctx, "reply encode failed", logger.String("type", string(t)), logger.Error(err))
		return
	}
	c.enqueue(frame)
}

func (c *client) replyError(err error) {
	p := types.ErrorPayload{
		Code:      types.ErrorCode(err),
		Message:   err.Error(),
		Timestamp: c.hub.now(),
	}
	var ve *model.ValidationError
	if errors.As(err, &ve) {
		p.Field = ve.Field
	}
	c.reply(types.MsgError, p)
}

func (c *client) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.done)
		c.hub.unregister(c)
		if c.conn != nil {
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
			_ = c.conn.Close()
		}
	})
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				c.close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
			if c.recovered() {
				frame, err := c.hub.encode(types.MsgSyncRequired, types.SyncRequest{SessionID: c.meta.SessionID})
				if err == nil {
					if err := c.write(websocket.TextMessage, frame); err != nil {
						c.close(websocket.CloseAbnormalClosure, "write failed")
						return
					}
				}
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

func (c *client) write(kind int, data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(kind, data)
}

func (c *client) readPump() {
	defer c.close(websocket.CloseNormalClosure, "")
	c.conn.SetReadLimit(DefaultMaxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug(c.ctx, "websocket read failed", logger.String("connection_id", c.meta.ID), logger.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.handle(data)
	}
}

// handle dispatches one inbound frame. Failures go back to the sender only.
func (c *client) handle(data []byte) {
	if !c.limiter.Allow() {
		metrics.RecordRateLimited()
		c.replyError(ErrRateLimited)
		return
	}
	var env types.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.replyError(model.NewValidationError("frame", "malformed JSON"))
		return
	}
	metrics.RecordInboundMessage(string(env.Type))

	if err := c.dispatch(env); err != nil {
		c.replyError(err)
	}
}

func (c *client) dispatch(env types.Envelope) error {
	switch env.Type {
	case types.MsgPing:
		c.reply(types.MsgPong, types.Pong{ServerTime: c.hub.now()})
		return nil
	case types.MsgScoreUpdate:
		return c.scoreUpdate(env)
	case types.MsgJudgeReady:
		if role := c.actor().Role; role != model.RoleJudge {
			return fmt.Errorf("%s as %s: %w", env.Type, role, model.ErrForbidden)
		}
		c.ready.Store(true)
		c.hub.announceJudges(c.meta.SessionID)
		return nil
	case types.MsgRequestSync:
		var req types.SyncRequest
		if len(env.Payload) > 0 {
			if err := env.Decode(&req); err != nil {
				return err
			}
		}
		if err := c.bound(req.SessionID); err != nil {
			return err
		}
		snap, err := c.hub.pipeline.Snapshot(c.ctx, c.meta.SessionID, c.meta.Role)
		if err != nil {
			return err
		}
		c.clearLagging()
		c.reply(types.MsgSyncState, snap)
		return nil
	case types.MsgSubscribeScoreboard:
		var req types.ScoreboardRequest
		if len(env.Payload) > 0 {
			if err := env.Decode(&req); err != nil {
				return err
			}
		}
		if err := c.bound(req.SessionID); err != nil {
			return err
		}
		board, err := c.hub.pipeline.Scoreboard(c.ctx, c.meta.SessionID, req.DisplayMode)
		if err != nil {
			return err
		}
		c.subscribed.Store(true)
		c.reply(types.MsgScoreboard, board)
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}
}

func (c *client) bound(sessionID string) error {
	if sessionID != "" && sessionID != c.meta.SessionID {
		return model.NewValidationError("session_id", ErrSessionBinding.Error())
	}
	return nil
}

func (c *client) scoreUpdate(env types.Envelope) error {
	actor := c.actor()
	if actor.Role != model.RoleJudge {
		return fmt.Errorf("%s as %s: %w", env.Type, actor.Role, model.ErrForbidden)
	}
	var in model.ScoreInput
	if err := env.Decode(&in); err != nil {
		return err
	}
	if in.SessionID == "" {
		in.SessionID = c.meta.SessionID
	}
	if err := c.bound(in.SessionID); err != nil {
		return err
	}
	if in.JudgeID == "" {
		in.JudgeID = actor.ID
	}
	if in.JudgeID != actor.ID {
		return fmt.Errorf("score for judge %s from %s: %w", in.JudgeID, actor.ID, model.ErrForbidden)
	}

	ack, err := c.hub.pipeline.SubmitScore(c.ctx, actor, in)
	if err != nil {
		return err
	}
	c.reply(types.MsgScoreConfirmed, ack)
	return nil
}
