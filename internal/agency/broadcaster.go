// ABOUTME: In-memory fan-out of agent progress reports to observers
// ABOUTME: Subscribers register per agent id; slow subscribers lose reports instead of blocking the agent reader

package agency

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// ProgressBroadcaster provides pub/sub for PROG reports. Subscribers
// receive reports for one agent until they unsubscribe, their context
// ends, or the agent disconnects.
type ProgressBroadcaster struct {
	mu          sync.RWMutex
	subscribers map[uuid.UUID]map[string]chan string // agent id -> sub id -> ch
	closed      bool
	logger      *slog.Logger
}

// NewProgressBroadcaster creates a broadcaster. Pass nil logger for default.
func NewProgressBroadcaster(logger *slog.Logger) *ProgressBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProgressBroadcaster{
		subscribers: make(map[uuid.UUID]map[string]chan string),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for reports from agentID. It returns
// the report channel and a subscription ID for Unsubscribe. The channel
// is closed when the subscription ends.
func (b *ProgressBroadcaster) Subscribe(ctx context.Context, agentID uuid.UUID) (<-chan string, string) {
	subID := uuid.New().String()
	ch := make(chan string, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[agentID]; !ok {
		b.subscribers[agentID] = make(map[string]chan string)
	}
	b.subscribers[agentID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "agent_id", agentID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(agentID, subID)
	}()

	return ch, subID
}

// Publish delivers report to every subscriber of agentID without blocking.
func (b *ProgressBroadcaster) Publish(agentID uuid.UUID, report string) {
	// Sends happen under the read lock so Unsubscribe cannot close a
	// channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for subID, ch := range b.subscribers[agentID] {
		select {
		case ch <- report:
		default:
			b.logger.Debug("dropped report for slow subscriber",
				"agent_id", agentID,
				"sub_id", subID)
		}
	}
}

// Subscribers returns the number of live subscriptions for agentID.
func (b *ProgressBroadcaster) Subscribers(agentID uuid.UUID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[agentID])
}

// Unsubscribe removes a subscription and closes its channel.
func (b *ProgressBroadcaster) Unsubscribe(agentID uuid.UUID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[agentID]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, agentID)
	}

	b.logger.Debug("subscriber removed", "agent_id", agentID, "sub_id", subID)
}

// CloseAgent ends every subscription for agentID.
func (b *ProgressBroadcaster) CloseAgent(agentID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for subID, ch := range b.subscribers[agentID] {
		close(ch)
		delete(b.subscribers[agentID], subID)
	}
	delete(b.subscribers, agentID)
}

// Close ends every subscription. Later subscriptions get a closed channel.
func (b *ProgressBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for agentID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, agentID)
	}
	b.closed = true

	b.logger.Debug("broadcaster closed")
}
