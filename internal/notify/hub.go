package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/jasl/tavern-kit-sub011/internal/domain/models/scheduling"
	schedSvc "github.com/jasl/tavern-kit-sub011/internal/domain/services/scheduling"
)

// subscriberBuffer bounds the per-subscriber queue. A subscriber that falls
// this far behind loses intermediate updates; revisions let it detect the
// gap and re-fetch a snapshot.
const subscriberBuffer = 16

// Hub is the in-process broadcast gateway for queue updates. Publishers
// never block: a full subscriber channel drops the oldest update first,
// because only the latest state matters to a queue view.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	logger *slog.Logger
}

// Subscription is one subscriber's feed of updates for a conversation.
type Subscription struct {
	ch             chan *scheduling.QueueUpdate
	conversationID string
}

// Updates returns the subscriber's receive channel. It is closed when the
// subscription is removed from the hub.
func (s *Subscription) Updates() <-chan *scheduling.QueueUpdate {
	return s.ch
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		subs:   make(map[string]map[*Subscription]struct{}),
		logger: logger,
	}
}

var _ schedSvc.NotificationGateway = (*Hub)(nil)

// Subscribe registers a feed for one conversation's updates.
func (h *Hub) Subscribe(conversationID string) *Subscription {
	sub := &Subscription{
		ch:             make(chan *scheduling.QueueUpdate, subscriberBuffer),
		conversationID: conversationID,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[conversationID] == nil {
		h.subs[conversationID] = make(map[*Subscription]struct{})
	}
	h.subs[conversationID][sub] = struct{}{}
	return sub
}

// Unsubscribe removes the feed and closes its channel. Safe to call once per
// subscription.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.subs[sub.conversationID]
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.conversationID)
	}
	close(sub.ch)
}

// Publish fans the update out to every subscriber of the conversation.
func (h *Hub) Publish(ctx context.Context, conversationID string, update *scheduling.QueueUpdate) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs[conversationID] {
		for {
			select {
			case sub.ch <- update:
			default:
				// Drop the oldest queued update to make room for the newest
				select {
				case <-sub.ch:
				default:
				}
				continue
			}
			break
		}
	}

	h.logger.Debug("queue update published",
		"conversation_id", conversationID,
		"revision", update.Revision,
		"subscribers", len(h.subs[conversationID]),
	)
}
