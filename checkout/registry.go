package checkout

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"dumende-payments/events"
	"dumende-payments/logging"
)

type flowKey struct {
	session   string
	bookingID string
}

// Registry owns the live flows of the service, one per session and booking
type Registry struct {
	deps Deps
	opts Options

	flows map[flowKey]*Flow
	mutex sync.RWMutex
}

func NewRegistry(deps Deps, opts Options) *Registry {
	if deps.Publisher == nil {
		deps.Publisher = events.Noop{}
	}
	return &Registry{
		deps:  deps,
		opts:  opts.withDefaults(),
		flows: make(map[flowKey]*Flow),
	}
}

// Flow returns the flow for session and booking, creating it on first use
func (r *Registry) Flow(session, bookingID string) *Flow {
	key := flowKey{session, bookingID}

	r.mutex.RLock()
	flow, ok := r.flows[key]
	r.mutex.RUnlock()
	if ok {
		return flow
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	if flow, ok := r.flows[key]; ok {
		return flow
	}
	flow = newFlow(session, bookingID, r.deps, r.opts)
	r.flows[key] = flow
	return flow
}

// Lookup returns an existing flow without creating one
func (r *Registry) Lookup(session, bookingID string) (*Flow, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	flow, ok := r.flows[flowKey{session, bookingID}]
	return flow, ok
}

// ClaimRelay hands relay content to the session's flow that issued token
func (r *Registry) ClaimRelay(session, token string, markup []byte) (*Flow, error) {
	r.mutex.RLock()
	var candidates []*Flow
	for key, flow := range r.flows {
		if key.session == session {
			candidates = append(candidates, flow)
		}
	}
	r.mutex.RUnlock()

	for _, flow := range candidates {
		if err := flow.ClaimRelay(token, markup); err == nil {
			return flow, nil
		}
	}
	return nil, ErrRelayRejected
}

// Remove closes and forgets a flow
func (r *Registry) Remove(session, bookingID string) {
	key := flowKey{session, bookingID}
	r.mutex.Lock()
	flow, ok := r.flows[key]
	delete(r.flows, key)
	r.mutex.Unlock()
	if ok {
		flow.Close()
	}
}

// CleanupExpired closes flows untouched for longer than ttl that are not
// submitting or polling.
func (r *Registry) CleanupExpired(ttl time.Duration) int {
	cutoff := r.opts.Now().Add(-ttl)

	r.mutex.Lock()
	var expired []*Flow
	for key, flow := range r.flows {
		if flow.idleSince(cutoff) {
			expired = append(expired, flow)
			delete(r.flows, key)
		}
	}
	r.mutex.Unlock()

	for _, flow := range expired {
		flow.Close()
	}
	if len(expired) > 0 {
		logging.Named("checkout").Info("Expired checkout flows removed", zap.Int("count", len(expired)))
	}
	return len(expired)
}

func (r *Registry) ActiveCount() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.flows)
}

// Close tears down every flow
func (r *Registry) Close() {
	r.mutex.Lock()
	flows := r.flows
	r.flows = make(map[flowKey]*Flow)
	r.mutex.Unlock()

	for _, flow := range flows {
		flow.Close()
	}
}
