package eventbus

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/orchestra/core/internal/common/logger"
)

// subscription is one subscriber's membership in one group: its own bounded
// outbound channel plus the bookkeeping needed to drop-oldest on overflow.
type subscription struct {
	subscriberID string
	group        string
	ch           chan *Event
	mu           sync.Mutex
	closed       bool
}

// MemoryEventBus implements EventBus using per-subscription buffered
// channels, adapted from the teacher's subject/pattern pub-sub for the
// orchestrator's fixed group names (no wildcard matching is needed here,
// since groups are always `agent_<agentID>`-shaped exact strings).
type MemoryEventBus struct {
	mu            sync.RWMutex
	byGroup       map[string][]*subscription
	bySubscriber  map[string][]*subscription
	bufferSize    int
	logger        *logger.Logger
	closed        bool
}

var _ EventBus = (*MemoryEventBus)(nil)

// NewMemoryEventBus creates an in-memory event bus whose subscriber channels
// are bounded to bufferSize frames (subscriberOutboundBuffer in config).
func NewMemoryEventBus(log *logger.Logger, bufferSize int) *MemoryEventBus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &MemoryEventBus{
		byGroup:      make(map[string][]*subscription),
		bySubscriber: make(map[string][]*subscription),
		bufferSize:   bufferSize,
		logger:       log,
	}
}

func (b *MemoryEventBus) Subscribe(subscriberID, group string) (<-chan *Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &subscription{
		subscriberID: subscriberID,
		group:        group,
		ch:           make(chan *Event, b.bufferSize),
	}
	b.byGroup[group] = append(b.byGroup[group], sub)
	b.bySubscriber[subscriberID] = append(b.bySubscriber[subscriberID], sub)

	b.logger.Debug("subscriber joined group", zap.String("subscriber_id", subscriberID), zap.String("group", group))
	return sub.ch, nil
}

func (b *MemoryEventBus) Unsubscribe(subscriberID, group string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.byGroup[group] = removeSubscription(b.byGroup[group], subscriberID, group)
	b.bySubscriber[subscriberID] = removeSubscription(b.bySubscriber[subscriberID], subscriberID, group)
}

// removeSubscription filters subs for the (subscriberID, group) pair,
// closing and returning the remainder. Closing happens once per match even
// though the slice appears in both index maps.
func removeSubscription(subs []*subscription, subscriberID, group string) []*subscription {
	out := subs[:0]
	for _, s := range subs {
		if s.subscriberID == subscriberID && s.group == group {
			closeSubscription(s)
			continue
		}
		out = append(out, s)
	}
	return out
}

func closeSubscription(s *subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (b *MemoryEventBus) UnsubscribeAll(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.bySubscriber[subscriberID]
	for _, s := range subs {
		closeSubscription(s)
		b.byGroup[s.group] = removeFromSlice(b.byGroup[s.group], s)
	}
	delete(b.bySubscriber, subscriberID)
}

func removeFromSlice(subs []*subscription, target *subscription) []*subscription {
	out := subs[:0]
	for _, s := range subs {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

func (b *MemoryEventBus) Publish(group string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	for _, sub := range b.byGroup[group] {
		deliver(sub, event, b.logger)
	}
	return nil
}

func (b *MemoryEventBus) BroadcastToAllGroups(event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	for _, subs := range b.byGroup {
		for _, sub := range subs {
			deliver(sub, event, b.logger)
		}
	}
	return nil
}

// deliver attempts a non-blocking send. On overflow it drops the oldest
// buffered frames until a Lagged marker and event both fit, injects the
// marker, then appends event — best-effort delivery per subscriber per §4.6.
func deliver(sub *subscription, event *Event, log *logger.Logger) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	if sub.closed {
		return
	}

	select {
	case sub.ch <- event:
		return
	default:
	}

	// Channel full: drop the oldest frames until the Lagged marker and event
	// both fit, signal the gap, then deliver.
	dropped := 0
	for len(sub.ch) > 0 && cap(sub.ch)-len(sub.ch) < 2 {
		select {
		case <-sub.ch:
			dropped++
		default:
		}
	}
	select {
	case sub.ch <- laggedEvent(sub.group, dropped):
	default:
	}
	select {
	case sub.ch <- event:
	default:
		log.Warn("subscriber channel still full after drop-oldest; event dropped",
			zap.String("subscriber_id", sub.subscriberID), zap.String("group", sub.group))
	}
}

func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, subs := range b.byGroup {
		for _, s := range subs {
			closeSubscription(s)
		}
	}
	b.byGroup = make(map[string][]*subscription)
	b.bySubscriber = make(map[string][]*subscription)

	b.logger.Info("memory event bus closed")
}

func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}
