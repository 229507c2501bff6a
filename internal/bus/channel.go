package bus

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/opensource-finance/churnwatch/internal/domain"
)

const defaultChannelBuffer = 100

var errBusClosed = errors.New("event bus is closed")

// ChannelBus is the in-process bus. Each subscriber owns a buffered inbox
// drained by its own goroutine; publishing never blocks, and a full inbox
// loses the message.
type ChannelBus struct {
	buffer int

	mu     sync.RWMutex
	topics map[string][]*inbox
	closed bool

	dropped atomic.Uint64
}

type inbox struct {
	bus     *ChannelBus
	topic   string
	ch      chan *domain.Message
	handler domain.MessageHandler
	ctx     context.Context
	stop    context.CancelFunc
}

// NewChannelBus creates a bus whose subscriber inboxes hold bufferSize messages.
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = defaultChannelBuffer
	}
	return &ChannelBus{
		buffer: bufferSize,
		topics: make(map[string][]*inbox),
	}
}

// Publish fans payload out to the current subscribers of topic.
func (b *ChannelBus) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.deliver(newMessage(topic, payload, nil))
}

func (b *ChannelBus) deliver(msg *domain.Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errBusClosed
	}
	for _, in := range b.topics[msg.Topic] {
		select {
		case in.ch <- msg:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe starts a consumer for topic. It stops on Unsubscribe, on Close,
// or when ctx is cancelled.
func (b *ChannelBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errBusClosed
	}

	in := &inbox{
		bus:     b,
		topic:   topic,
		ch:      make(chan *domain.Message, b.buffer),
		handler: handler,
	}
	in.ctx, in.stop = context.WithCancel(ctx)
	b.topics[topic] = append(b.topics[topic], in)

	go in.run()
	return in, nil
}

func (in *inbox) run() {
	for {
		select {
		case <-in.ctx.Done():
			return
		case msg := <-in.ch:
			if err := in.handler(in.ctx, msg); err != nil {
				slog.Debug("event handler failed", "topic", msg.Topic, "message_id", msg.ID, "error", err)
			}
		}
	}
}

// Request publishes payload with a private reply topic and waits for the
// first answer.
func (b *ChannelBus) Request(ctx context.Context, topic string, payload []byte) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultRequestTimeout)
		defer cancel()
	}

	replies := make(chan []byte, 1)
	replyTo := topic + ".reply." + uuid.NewString()
	sub, err := b.Subscribe(ctx, replyTo, func(_ context.Context, msg *domain.Message) error {
		select {
		case replies <- msg.Payload:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	if err := b.deliver(newMessage(topic, payload, map[string]string{MetaReplyTo: replyTo})); err != nil {
		return nil, err
	}

	select {
	case reply := <-replies:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ping fails once the bus is closed.
func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errBusClosed
	}
	return nil
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *ChannelBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close stops every subscriber. Further calls fail with errBusClosed.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, inboxes := range b.topics {
		for _, in := range inboxes {
			in.stop()
		}
	}
	clear(b.topics)
	return nil
}

func (in *inbox) Unsubscribe() error {
	in.stop()

	b := in.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := slices.DeleteFunc(b.topics[in.topic], func(o *inbox) bool { return o == in })
	if len(remaining) == 0 {
		delete(b.topics, in.topic)
	} else {
		b.topics[in.topic] = remaining
	}
	return nil
}

func (in *inbox) Topic() string { return in.topic }
