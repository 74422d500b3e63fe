package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/okian/tally/internal/domain/model"
	"github.com/okian/tally/internal/domain/types"
	"github.com/okian/tally/pkg/logger"
)

// reply is the answer to one submitted score: an ack or an error frame.
type reply struct {
	ack types.ScoreAck
	err *types.ErrorPayload
}

// judgeClient is one judge's live connection. Scores are sent one at a
// time; the read loop hands acks back and counts every broadcast.
type judgeClient struct {
	judge      Judge
	sessionID  string
	conn       *websocket.Conn
	limiter    *rate.Limiter
	timeout    time.Duration
	replies    chan reply
	quit       chan struct{}
	done       chan struct{}
	broadcasts atomic.Int64
	logger     logger.Logger
}

// wsURL turns the HTTP base URL into the hub endpoint for sessionID.
func wsURL(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("%w: base url: %v", ErrInvalidConfig, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"session_id": {sessionID}, "role": {string(model.RoleJudge)}}.Encode()
	return u.String(), nil
}

func dialJudge(ctx context.Context, cfg *Config, judge Judge, sessionID string) (*judgeClient, error) {
	target, err := wsURL(cfg.BaseURL, sessionID)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+judge.Token)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("judge %s: %w %d: %v", judge.ID, ErrUnexpectedStatus, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("judge %s: %w", judge.ID, err)
	}

	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	jc := &judgeClient{
		judge:     judge,
		sessionID: sessionID,
		conn:      conn,
		limiter:   rate.NewLimiter(limit, 1),
		timeout:   cfg.Timeout,
		replies:   make(chan reply, 1),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		logger:    logger.Get().Named("judge").With(logger.String("judge_id", judge.ID)),
	}
	go jc.readLoop()
	if err := jc.send(types.MsgJudgeReady, nil); err != nil {
		_ = jc.Close()
		return nil, err
	}
	return jc, nil
}

func (jc *judgeClient) send(t types.MessageType, payload any) error {
	env, err := types.NewEnvelope(t, payload, time.Now().UTC())
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return jc.conn.WriteMessage(websocket.TextMessage, data)
}

func (jc *judgeClient) readLoop() {
	defer close(jc.done)
	for {
		_, data, err := jc.conn.ReadMessage()
		if err != nil {
			return
		}
		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case types.MsgScoreConfirmed:
			var ack types.ScoreAck
			if err := env.Decode(&ack); err == nil {
				jc.deliver(reply{ack: ack})
			}
		case types.MsgError:
			var e types.ErrorPayload
			if err := env.Decode(&e); err == nil {
				jc.deliver(reply{err: &e})
			}
		case types.MsgInitialState, types.MsgJudgesUpdated, types.MsgPong:
		default:
			jc.broadcasts.Add(1)
		}
	}
}

func (jc *judgeClient) deliver(r reply) {
	select {
	case jc.replies <- r:
	case <-jc.quit:
	}
}

// Submit sends one score and waits for its acknowledgement.
func (jc *judgeClient) Submit(ctx context.Context, s Score) (reply, error) {
	if err := jc.limiter.Wait(ctx); err != nil {
		return reply{}, err
	}
	value := s.Value
	in := model.ScoreInput{
		SessionID:       jc.sessionID,
		TeamID:          s.TeamID,
		CriterionID:     s.CriterionID,
		JudgeID:         jc.judge.ID,
		Score:           &value,
		UpdateType:      model.UpdateInitial,
		ClientTimestamp: time.Now().UTC(),
		ClientMessageID: uuid.NewString(),
	}
	if err := jc.send(types.MsgScoreUpdate, in); err != nil {
		return reply{}, fmt.Errorf("judge %s send: %w", jc.judge.ID, err)
	}

	timer := time.NewTimer(jc.timeout)
	defer timer.Stop()
	select {
	case r := <-jc.replies:
		if r.err != nil {
			jc.logger.Debug(ctx, "score rejected",
				logger.String("team_id", s.TeamID),
				logger.String("criterion_id", s.CriterionID),
				logger.String("code", r.err.Code),
				logger.String("message", r.err.Message))
		}
		return r, nil
	case <-jc.done:
		return reply{}, fmt.Errorf("judge %s: connection closed: %w", jc.judge.ID, ErrNoAck)
	case <-timer.C:
		return reply{}, fmt.Errorf("judge %s: %s/%s: %w", jc.judge.ID, s.TeamID, s.CriterionID, ErrNoAck)
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
}

// Close ends the connection and waits for the read loop.
func (jc *judgeClient) Close() error {
	close(jc.quit)
	_ = jc.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	err := jc.conn.Close()
	<-jc.done
	return err
}
