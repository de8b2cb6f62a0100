package relay

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// DefaultMemoryBuffer is the per-subscription queue length of Memory.
const DefaultMemoryBuffer = 256

// Memory is an in-process Channel used for single-binary deployments and tests.
// Each subscription has its own queue and goroutine; a full queue drops the payload.
// Cancel does not wait for an in-flight handler, so it is safe to call from inside one.
type Memory struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySub]struct{}
	buffer int
	logger *zap.Logger
}

type memorySub struct {
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

// NewMemory creates an empty in-process relay.
func NewMemory(logger *zap.Logger) *Memory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memory{
		subs:   make(map[string]map[*memorySub]struct{}),
		buffer: DefaultMemoryBuffer,
		logger: logger.With(zap.String("component", "relay")),
	}
}

// Publish enqueues a copy of payload for each subscriber of topic.
func (m *Memory) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for s := range m.subs[topic] {
		cp := append([]byte(nil), payload...)
		select {
		case s.ch <- cp:
		case <-s.done:
		default:
			m.logger.Warn("relay subscriber queue full, dropping", zap.String("topic", topic))
		}
	}
	return nil
}

// Subscribe registers handler for topic.
func (m *Memory) Subscribe(ctx context.Context, topic string, handler Handler) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &memorySub{ch: make(chan []byte, m.buffer), done: make(chan struct{})}
	m.mu.Lock()
	if m.subs[topic] == nil {
		m.subs[topic] = make(map[*memorySub]struct{})
	}
	m.subs[topic][s] = struct{}{}
	m.mu.Unlock()

	go func() {
		for {
			select {
			case <-s.done:
				return
			case p := <-s.ch:
				handler(p)
			}
		}
	}()

	return func() {
		s.once.Do(func() {
			m.mu.Lock()
			delete(m.subs[topic], s)
			if len(m.subs[topic]) == 0 {
				delete(m.subs, topic)
			}
			m.mu.Unlock()
			close(s.done)
		})
	}, nil
}

// Subscribers returns the number of live subscriptions on topic.
func (m *Memory) Subscribers(topic string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[topic])
}
