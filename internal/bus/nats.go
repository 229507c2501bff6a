package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/opensource-finance/churnwatch/internal/domain"
)

const (
	subjectPrefix = "churnwatch."

	defaultNATSReconnects   = 10
	defaultNATSReconnectSec = 5
	natsReconnectBuffer     = 8 << 20
	defaultRequestTimeout   = 30 * time.Second
)

// NATSBus carries pipeline events over a NATS server so several churnwatch
// instances can share refresh requests and alerts.
type NATSBus struct {
	conn *nats.Conn

	mu   sync.Mutex
	subs map[*natsSubscription]struct{}
}

type natsSubscription struct {
	bus   *NATSBus
	topic string
	sub   *nats.Subscription
}

// NewNATSBus connects to cfg.NATSUrl, retrying the initial dial
// cfg.NATSMaxReconnects times before giving up.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	url := cfg.NATSUrl
	if url == "" {
		url = nats.DefaultURL
	}
	attempts := cfg.NATSMaxReconnects
	if attempts <= 0 {
		attempts = defaultNATSReconnects
	}
	wait := time.Duration(cfg.NATSReconnectWait) * time.Second
	if wait <= 0 {
		wait = defaultNATSReconnectSec * time.Second
	}

	opts := []nats.Option{
		nats.Name("churnwatch"),
		nats.MaxReconnects(attempts),
		nats.ReconnectWait(wait),
		nats.ReconnectBufSize(natsReconnectBuffer),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("event bus disconnected", "error", err, "will_reconnect", !nc.IsClosed())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("event bus reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			var subject string
			if sub != nil {
				subject = sub.Subject
			}
			slog.Error("event bus error", "subject", subject, "error", err)
		}),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}

	var (
		conn *nats.Conn
		err  error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		if conn, err = nats.Connect(url, opts...); err == nil {
			break
		}
		slog.Warn("event bus dial failed", "url", url, "attempt", attempt, "of", attempts, "error", err)
		if attempt < attempts {
			time.Sleep(wait)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: nats unreachable at %s: %v", domain.ErrLoad, url, err)
	}

	slog.Info("event bus connected", "type", "nats", "url", conn.ConnectedUrl(), "server_id", conn.ConnectedServerId())
	return &NATSBus{conn: conn, subs: make(map[*natsSubscription]struct{})}, nil
}

// Publish sends an enveloped message on the subject for topic.
func (b *NATSBus) Publish(ctx context.Context, topic string, payload []byte) error {
	data, err := encode(newMessage(topic, payload, nil))
	if err != nil {
		return err
	}
	return b.conn.Publish(Subject(topic), data)
}

// Subscribe delivers every message on topic to handler. A NATS reply inbox
// is surfaced as MetaReplyTo so Reply works the same as on ChannelBus.
func (b *NATSBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	ns, err := b.conn.Subscribe(Subject(topic), func(m *nats.Msg) {
		msg, err := decode(m.Data)
		if err != nil {
			slog.Error("dropping undecodable event", "subject", m.Subject, "error", err)
			return
		}
		if m.Reply != "" {
			msg.Metadata[MetaReplyTo] = m.Reply
		}
		if err := handler(ctx, msg); err != nil {
			slog.Error("event handler failed", "topic", msg.Topic, "message_id", msg.ID, "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	sub := &natsSubscription{bus: b, topic: topic, sub: ns}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub, nil
}

// Request publishes on topic and waits for the first reply. Without a
// deadline on ctx the wait is bounded by defaultRequestTimeout.
func (b *NATSBus) Request(ctx context.Context, topic string, payload []byte) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultRequestTimeout)
		defer cancel()
	}

	data, err := encode(newMessage(topic, payload, nil))
	if err != nil {
		return nil, err
	}
	reply, err := b.conn.RequestWithContext(ctx, Subject(topic), data)
	if err != nil {
		return nil, fmt.Errorf("request on %s failed: %w", topic, err)
	}
	msg, err := decode(reply.Data)
	if err != nil {
		return nil, err
	}
	return msg.Payload, nil
}

// Ping flushes the connection so a dead server surfaces as an error.
func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return errors.New("event bus not connected")
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drops every subscription and drains the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	for sub := range b.subs {
		_ = sub.sub.Unsubscribe()
	}
	clear(b.subs)
	b.mu.Unlock()

	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return err
	}
	return nil
}

// Stats reports message and byte counters for the connection.
func (b *NATSBus) Stats() nats.Statistics {
	return b.conn.Stats()
}

func (s *natsSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) Topic() string { return s.topic }

// Subject maps a topic onto the churnwatch NATS namespace. Reply inboxes
// and already-namespaced topics pass through.
func Subject(topic string) string {
	if strings.HasPrefix(topic, subjectPrefix) || strings.HasPrefix(topic, nats.InboxPrefix) {
		return topic
	}
	return subjectPrefix + topic
}
