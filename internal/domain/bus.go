package domain

import (
	"context"
)

// EventBus carries pipeline events between components.
type EventBus interface {
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe delivers messages on topic to handler until the returned
	// subscription is cancelled.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Request publishes and waits for the first reply.
	Request(ctx context.Context, topic string, payload []byte) ([]byte, error)

	Ping(ctx context.Context) error
	Close() error
}

// MessageHandler processes one delivered message.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message is the envelope every event travels in.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is "channel" or "nats".
	Type string `json:"type" yaml:"type"`

	ChannelBufferSize int `json:"channelBufferSize" yaml:"channelBufferSize"`

	NATSUrl           string `json:"natsUrl" yaml:"natsUrl"`
	NATSToken         string `json:"-" yaml:"natsToken"`
	NATSMaxReconnects int    `json:"natsMaxReconnects" yaml:"natsMaxReconnects"`
	NATSReconnectWait int    `json:"natsReconnectWait" yaml:"natsReconnectWait"` // seconds
}

// Standard topic names for the scoring pipeline.
const (
	TopicSnapshotRefresh = "churnwatch.snapshot.refresh"
	TopicSnapshotLoaded  = "churnwatch.snapshot.loaded"
	TopicRunCompleted    = "churnwatch.run.completed"
	TopicHighRiskAlert   = "churnwatch.alert.high_risk"
)

// RefreshRequest is the payload of TopicSnapshotRefresh.
type RefreshRequest struct {
	Threshold float64 `json:"threshold"`
	Retrain   bool    `json:"retrain"`
	TraceID   string  `json:"traceId,omitempty"`
}

// HighRiskAlert is the payload of TopicHighRiskAlert.
type HighRiskAlert struct {
	RunID      string         `json:"runId"`
	SnapshotID string         `json:"snapshotId"`
	Threshold  float64        `json:"threshold"`
	Count      int            `json:"count"`
	Entities   []ScoredEntity `json:"entities"`
}
