package mq

import (
	"context"
	"time"
)

// MessageQueue combines publishing and consuming on one broker connection.
type MessageQueue interface {
	Producer
	Consumer

	Ping(ctx context.Context) error
	Close() error
}

// Producer publishes final status events.
type Producer interface {
	Publish(ctx context.Context, topic string, message *Message) error
}

// Consumer feeds topic messages, such as dispatch tasks, to handlers.
type Consumer interface {
	// Subscribe registers handler for topic; consumption begins on Start.
	Subscribe(ctx context.Context, topic string, handler HandlerFunc, opts *SubscribeOptions) error
	Start() error
	// Stop waits for in-flight handlers to return.
	Stop() error
}

// Message is one broker record. ID doubles as the partition key.
type Message struct {
	ID        string            `json:"id"`
	Body      []byte            `json:"body"`
	Headers   map[string]string `json:"headers"`
	Timestamp time.Time         `json:"timestamp"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`
}

// HandlerFunc processes one message; a non-nil error triggers a redelivery attempt.
type HandlerFunc func(ctx context.Context, message *Message) error

// SubscribeOptions tunes one subscription. Zero values take the defaults from SetDefaults.
type SubscribeOptions struct {
	ConsumerGroup string
	// handlers running in parallel, default 1
	Concurrency int
	// redeliveries after the first failure, default 3
	MaxRetries int
	// default 1s
	RetryDelay time.Duration
	// receives messages whose retries are exhausted; empty drops them
	DeadLetterTopic string
}

// SetDefaults fills unset options.
func (o *SubscribeOptions) SetDefaults() {
	if o.Concurrency == 0 {
		o.Concurrency = 1
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = time.Second
	}
}

// NewMessage wraps body with an empty header set.
func NewMessage(body []byte) *Message {
	return &Message{
		Body:       body,
		Headers:    make(map[string]string),
		Timestamp:  time.Now(),
		MaxRetries: 3,
	}
}

func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}
