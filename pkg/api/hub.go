package api

import (
	"sync"

	"github.com/euglena-ai/euglena/pkg/contract"
)

// subscriberBuffer bounds how far a slow SSE client may fall behind before
// updates are dropped. Clients reconcile with the persisted record via seq.
const subscriberBuffer = 16

// Hub fans status envelopes out to SSE subscribers keyed by correlation id.
// Publishing never blocks on a slow subscriber.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan contract.StatusEnvelope]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan contract.StatusEnvelope]struct{})}
}

// Subscribe registers interest in one task's envelopes. The cancel function
// must be called when the subscriber goes away.
func (h *Hub) Subscribe(correlationID string) (<-chan contract.StatusEnvelope, func()) {
	ch := make(chan contract.StatusEnvelope, subscriberBuffer)
	h.mu.Lock()
	set, ok := h.subs[correlationID]
	if !ok {
		set = make(map[chan contract.StatusEnvelope]struct{})
		h.subs[correlationID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(set, ch)
		if len(set) == 0 {
			delete(h.subs, correlationID)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers an envelope to all subscribers of its correlation id,
// dropping it for subscribers with a full buffer.
func (h *Hub) Publish(env contract.StatusEnvelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[env.CorrelationID] {
		select {
		case ch <- env:
		default:
		}
	}
}
