package queue

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process queue. It is both a Producer and a source of consumers; each
// message goes to exactly one consumer.
type Memory struct {
	ch chan Message

	mu     sync.RWMutex
	closed bool
	once   sync.Once
	done   chan struct{}
}

func NewMemory(buffer int) *Memory {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Memory{ch: make(chan Message, buffer), done: make(chan struct{})}
}

// Publish blocks while the buffer is full.
func (m *Memory) Publish(ctx context.Context, rec Record) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	msg := Message{
		Topic:     rec.Topic,
		Key:       append([]byte(nil), rec.Key...),
		Value:     append([]byte(nil), rec.Value...),
		Timestamp: time.Now().UTC(),
	}
	select {
	case m.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops publishing. Consumers drain what is buffered and then stop.
func (m *Memory) Close() error {
	m.once.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		close(m.done)
	})
	return nil
}

type memoryConsumer struct {
	msgCh chan Message
	errCh chan error

	cancel context.CancelFunc
	once   sync.Once
}

func (m *Memory) consumer(parent context.Context) Consumer {
	ctx, cancel := context.WithCancel(parent)
	c := &memoryConsumer{
		msgCh:  make(chan Message),
		errCh:  make(chan error),
		cancel: cancel,
	}
	go func() {
		defer close(c.msgCh)
		defer close(c.errCh)
		for {
			var msg Message
			select {
			case msg = <-m.ch:
			case <-m.done:
				// Drain without blocking once the producer side shuts down.
				select {
				case msg = <-m.ch:
				default:
					return
				}
			case <-ctx.Done():
				return
			}
			select {
			case c.msgCh <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return c
}

func (c *memoryConsumer) Messages() <-chan Message { return c.msgCh }
func (c *memoryConsumer) Errors() <-chan error     { return c.errCh }

func (c *memoryConsumer) Close() error {
	c.once.Do(c.cancel)
	return nil
}
