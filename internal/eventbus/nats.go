package eventbus

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/orchestra/core/internal/common/logger"
)

// NATSEventBus implements EventBus over a NATS connection, for multi-process
// deployments where the orchestrator's dispatcher and transport run as
// separate processes. Per-subscriber bounded delivery and the Lagged marker
// are implemented locally on top of NATS's at-most-once subject delivery,
// since the wire protocol itself has no notion of a subscriber's buffer.
type NATSEventBus struct {
	conn       *nats.Conn
	namespace  string
	bufferSize int
	logger     *logger.Logger

	mu           sync.RWMutex
	byGroup      map[string][]*subscription
	bySubscriber map[string][]*subscription
	natsSubs     map[string]*nats.Subscription // one raw NATS subscription per group
	closed       bool
}

var _ EventBus = (*NATSEventBus)(nil)

// NewNATSEventBus connects to url and returns a ready bus. namespace
// prefixes every subject to isolate subscribers across
// deployments/instances, matching the teacher's events.namespace config.
func NewNATSEventBus(url, namespace string, bufferSize int, log *logger.Logger) (*NATSEventBus, error) {
	conn, err := nats.Connect(url, nats.MaxReconnects(10))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &NATSEventBus{
		conn:         conn,
		namespace:    namespace,
		bufferSize:   bufferSize,
		logger:       log,
		byGroup:      make(map[string][]*subscription),
		bySubscriber: make(map[string][]*subscription),
		natsSubs:     make(map[string]*nats.Subscription),
	}, nil
}

func (b *NATSEventBus) subject(group string) string {
	if b.namespace == "" {
		return "orchestra." + group
	}
	return b.namespace + "." + group
}

func (b *NATSEventBus) Subscribe(subscriberID, group string) (<-chan *Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &subscription{subscriberID: subscriberID, group: group, ch: make(chan *Event, b.bufferSize)}
	b.byGroup[group] = append(b.byGroup[group], sub)
	b.bySubscriber[subscriberID] = append(b.bySubscriber[subscriberID], sub)

	if _, ok := b.natsSubs[group]; !ok {
		subject := b.subject(group)
		natsSub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
			var event Event
			if err := json.Unmarshal(msg.Data, &event); err != nil {
				b.logger.Warn("failed to decode nats event", zap.String("subject", subject), zap.Error(err))
				return
			}
			b.mu.RLock()
			subs := append([]*subscription(nil), b.byGroup[group]...)
			b.mu.RUnlock()
			for _, s := range subs {
				deliver(s, &event, b.logger)
			}
		})
		if err != nil {
			return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		b.natsSubs[group] = natsSub
	}

	return sub.ch, nil
}

func (b *NATSEventBus) Unsubscribe(subscriberID, group string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.byGroup[group] = removeSubscription(b.byGroup[group], subscriberID, group)
	b.bySubscriber[subscriberID] = removeSubscription(b.bySubscriber[subscriberID], subscriberID, group)

	if len(b.byGroup[group]) == 0 {
		if natsSub, ok := b.natsSubs[group]; ok {
			_ = natsSub.Unsubscribe()
			delete(b.natsSubs, group)
		}
	}
}

func (b *NATSEventBus) UnsubscribeAll(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.bySubscriber[subscriberID] {
		closeSubscription(s)
		b.byGroup[s.group] = removeFromSlice(b.byGroup[s.group], s)
		if len(b.byGroup[s.group]) == 0 {
			if natsSub, ok := b.natsSubs[s.group]; ok {
				_ = natsSub.Unsubscribe()
				delete(b.natsSubs, s.group)
			}
		}
	}
	delete(b.bySubscriber, subscriberID)
}

func (b *NATSEventBus) Publish(group string, event *Event) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return fmt.Errorf("event bus is closed")
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return b.conn.Publish(b.subject(group), payload)
}

func (b *NATSEventBus) BroadcastToAllGroups(event *Event) error {
	b.mu.RLock()
	groups := make([]string, 0, len(b.byGroup))
	for g := range b.byGroup {
		groups = append(groups, g)
	}
	b.mu.RUnlock()

	for _, g := range groups {
		if err := b.Publish(g, event); err != nil {
			return err
		}
	}
	return nil
}

func (b *NATSEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, natsSub := range b.natsSubs {
		_ = natsSub.Unsubscribe()
	}
	for _, subs := range b.byGroup {
		for _, s := range subs {
			closeSubscription(s)
		}
	}
	b.byGroup = make(map[string][]*subscription)
	b.bySubscriber = make(map[string][]*subscription)
	b.natsSubs = make(map[string]*nats.Subscription)

	b.conn.Close()
	b.logger.Info("nats event bus closed")
}

func (b *NATSEventBus) IsConnected() bool {
	return b.conn.IsConnected()
}

// ActiveServerCount reports the number of NATS servers the client currently
// knows about (the connected server plus any discovered cluster peers), for
// DiagnosticsView. It implements the optional diagnostics.ServerCountReporter
// interface; MemoryEventBus has no such backend and does not implement it.
func (b *NATSEventBus) ActiveServerCount() int {
	return len(b.conn.Servers())
}
