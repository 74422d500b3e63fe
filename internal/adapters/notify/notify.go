// Package notify delivers escalation and discussion notices to the
// external notification service. Delivery is best effort.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"github.com/okian/tally/internal/domain/resolution"
	"github.com/okian/tally/pkg/logger"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("notifier closed")

// DefaultExchange is the topic exchange notices are published to.
const DefaultExchange = "tally.notifications"

// LogNotifier writes notices to the log. Used when no broker is configured.
type LogNotifier struct {
	logger logger.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(l logger.Logger) *LogNotifier {
	if l == nil {
		l = logger.Get().Named("notify")
	}
	return &LogNotifier{logger: l}
}

// Notify logs n.
func (n *LogNotifier) Notify(ctx context.Context, note resolution.Notification) error {
	n.logger.Info(ctx, "notification",
		logger.String("kind", note.Kind),
		logger.String("conflict_id", note.ConflictID),
		logger.String("key", note.Key.String()),
		logger.Strings("recipients", note.Recipients),
		logger.String("priority", note.Priority),
		logger.String("severity", string(note.Severity)),
		logger.Any("deadline", note.Deadline),
	)
	return nil
}

// channel is the subset of *amqp.Channel used for publishing.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type dialFunc func(url string) (channel, closer, error)

// closer is the underlying connection.
type closer interface{ Close() error }

// AMQPNotifier publishes notices as JSON to a topic exchange with routing
// key tally.<kind>. A closed channel is redialled once per publish.
type AMQPNotifier struct {
	url      string
	exchange string
	dial     dialFunc
	logger   logger.Logger

	mu     sync.Mutex
	ch     channel
	conn   closer
	closed bool
}

// Option configures an AMQPNotifier.
type Option func(*AMQPNotifier)

// WithExchange sets the exchange name.
func WithExchange(name string) Option {
	return func(n *AMQPNotifier) {
		if name != "" {
			n.exchange = name
		}
	}
}

// WithLogger sets the notifier logger.
func WithLogger(l logger.Logger) Option {
	return func(n *AMQPNotifier) {
		if l != nil {
			n.logger = l
		}
	}
}

func withDialer(d dialFunc) Option {
	return func(n *AMQPNotifier) { n.dial = d }
}

// NewAMQPNotifier connects to the broker at url and declares the exchange.
func NewAMQPNotifier(url string, opts ...Option) (*AMQPNotifier, error) {
	n := &AMQPNotifier{
		url:      url,
		exchange: DefaultExchange,
		dial:     dialAMQP,
		logger:   logger.Get().Named("notify"),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.connectLocked(); err != nil {
		return nil, err
	}
	return n, nil
}

func dialAMQP(url string) (channel, closer, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
	})
	if err != nil {
		return nil, nil, fmt.Errorf("dial failed: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("failed to create channel: %w", err)
	}
	return ch, conn, nil
}

func (n *AMQPNotifier) connectLocked() error {
	ch, conn, err := n.dial(n.url)
	if err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(n.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("failed to declare exchange %s: %w", n.exchange, err)
	}
	n.ch, n.conn = ch, conn
	n.logger.Info(context.Background(), "connected to broker", logger.String("exchange", n.exchange))
	return nil
}

// RoutingKey returns the routing key for a notice kind.
func RoutingKey(kind string) string { return "tally." + kind }

// Notify publishes note.
func (n *AMQPNotifier) Notify(ctx context.Context, note resolution.Notification) error {
	body, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    note.ConflictID + ":" + note.Kind,
		Timestamp:    time.Now(),
		Body:         body,
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	if n.ch == nil {
		if err := n.connectLocked(); err != nil {
			return err
		}
	}
	err = n.ch.Publish(n.exchange, RoutingKey(note.Kind), false, false, msg)
	if errors.Is(err, amqp.ErrClosed) {
		n.logger.Warn(ctx, "broker channel closed, redialling", logger.Error(err))
		n.ch, n.conn = nil, nil
		if err := n.connectLocked(); err != nil {
			return err
		}
		err = n.ch.Publish(n.exchange, RoutingKey(note.Kind), false, false, msg)
	}
	if err != nil {
		return fmt.Errorf("publish %s: %w", note.Kind, err)
	}
	return nil
}

// Close releases the broker connection.
func (n *AMQPNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	var errs []error
	if n.ch != nil {
		errs = append(errs, n.ch.Close())
	}
	if n.conn != nil {
		errs = append(errs, n.conn.Close())
	}
	return errors.Join(errs...)
}
