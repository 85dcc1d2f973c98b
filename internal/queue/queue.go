// Package queue moves transfer events between processes. Kafka carries them in production;
// stdio and memory drivers serve pipelines on one host and tests.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

const (
	DriverKafka  = "kafka"
	DriverStdio  = "stdio"
	DriverMemory = "memory"
)

const (
	defaultMaxLineBytes  = 1 << 20
	defaultKafkaMinBytes = 1
	defaultKafkaMaxBytes = 10 << 20
	defaultBuffer        = 64
)

var (
	ErrInvalidConfig = errors.New("queue: invalid config")
	ErrClosed        = errors.New("queue: closed")
)

// Record is one outgoing message. Key selects the Kafka partition; records sharing a key
// are delivered in publish order.
type Record struct {
	Topic string
	Key   []byte
	Value []byte
}

// Message is a queue record delivered to a consumer.
type Message struct {
	Topic string
	Key   []byte
	Value []byte
	// Timestamp is the producer timestamp (Kafka) or local receive time (stdio, memory).
	Timestamp time.Time

	ackFn func(context.Context) error
}

// Ack commits message processing when required by the driver.
func (m Message) Ack(ctx context.Context) error {
	if m.ackFn == nil {
		return nil
	}
	return m.ackFn(ctx)
}

// Consumer consumes queue messages asynchronously. Both channels close when the consumer stops.
type Consumer interface {
	Messages() <-chan Message
	Errors() <-chan error
	Close() error
}

type Producer interface {
	Publish(ctx context.Context, rec Record) error
	Close() error
}

type ConsumerConfig struct {
	Driver string

	// Kafka fields.
	Brokers []string
	Group   string
	Topics  []string
	TLS     bool

	KafkaMinBytes int
	KafkaMaxBytes int
	// FromLatest starts a new consumer group at the end of the topic instead of the beginning.
	FromLatest bool

	// Stdio fields.
	Reader       io.Reader
	MaxLineBytes int

	// Memory fields.
	Memory *Memory
}

type ProducerConfig struct {
	Driver string

	// Kafka fields.
	Brokers      []string
	BatchTimeout time.Duration
	TLS          bool

	// Stdio fields.
	Writer io.Writer

	// Memory fields.
	Memory *Memory
}

func NewConsumer(ctx context.Context, cfg ConsumerConfig) (Consumer, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverKafka:
		return newKafkaConsumer(ctx, cfg)
	case DriverStdio:
		return newStdioConsumer(ctx, cfg)
	case DriverMemory:
		if cfg.Memory == nil {
			return nil, fmt.Errorf("%w: memory consumer requires a Memory queue", ErrInvalidConfig)
		}
		return cfg.Memory.consumer(ctx), nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func NewProducer(cfg ProducerConfig) (Producer, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverKafka:
		return newKafkaProducer(cfg)
	case DriverStdio:
		return newStdioProducer(cfg), nil
	case DriverMemory:
		if cfg.Memory == nil {
			return nil, fmt.Errorf("%w: memory producer requires a Memory queue", ErrInvalidConfig)
		}
		return cfg.Memory, nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverKafka
	}
	return v
}

func normalizeList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

func SplitCommaList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return normalizeList(strings.Split(s, ","))
}
