package pgn

import (
	"fmt"
	"sync"

	"github.com/agsteer/agsteer/internal/logger"
	"github.com/agsteer/agsteer/internal/metrics"
	"go.uber.org/zap"
)

const (
	maxRegistrations      = 16
	maxBroadcastCallbacks = 8
)

// Handler receives the payload of a validated frame.
type Handler func(pgnID byte, data []byte, nowMS int64)

type registration struct {
	pgn     byte
	handler Handler
	name    string
}

// Router validates datagrams and dispatches them to registered handlers.
// Hello and scan-request PGNs fan out to every broadcast handler; all other
// PGNs go to at most one handler, first registered wins.
type Router struct {
	mu             sync.RWMutex
	registrations  []registration
	broadcasts     []registration
	metrics        *metrics.Metrics
	lastReceivedMS int64
}

// NewRouter creates a Router
func NewRouter(m *metrics.Metrics) *Router {
	return &Router{
		registrations: make([]registration, 0, maxRegistrations),
		broadcasts:    make([]registration, 0, maxBroadcastCallbacks),
		metrics:       m,
	}
}

// Register binds a handler to a PGN. Registration is capacity bounded and
// refuses a PGN that already has a handler.
func (r *Router) Register(pgnID byte, handler Handler, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.registrations) >= maxRegistrations {
		return fmt.Errorf("registration failed for %s: max handlers reached (%d)", name, maxRegistrations)
	}
	for _, reg := range r.registrations {
		if reg.pgn == pgnID {
			return fmt.Errorf("PGN %d already registered to %s", pgnID, reg.name)
		}
	}

	r.registrations = append(r.registrations, registration{pgn: pgnID, handler: handler, name: name})
	logger.Debug("registered PGN handler", zap.Uint8("pgn", pgnID), zap.String("name", name))
	return nil
}

// RegisterBroadcast adds a handler for the broadcast PGN set.
func (r *Router) RegisterBroadcast(handler Handler, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.broadcasts) >= maxBroadcastCallbacks {
		return fmt.Errorf("broadcast registration failed for %s: max handlers reached (%d)", name, maxBroadcastCallbacks)
	}
	r.broadcasts = append(r.broadcasts, registration{handler: handler, name: name})
	return nil
}

// Unregister removes the handler for a PGN.
func (r *Router) Unregister(pgnID byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, reg := range r.registrations {
		if reg.pgn == pgnID {
			r.registrations = append(r.registrations[:i], r.registrations[i+1:]...)
			return true
		}
	}
	return false
}

// Dispatch validates a raw datagram and routes it. Malformed frames are
// dropped silently and counted.
func (r *Router) Dispatch(buf []byte, nowMS int64) {
	frame, err := Parse(buf)
	if err != nil {
		if r.metrics != nil {
			switch err {
			case ErrBadMagic:
				r.metrics.IncDropped(metrics.DropBadMagic)
			case ErrBadLength:
				r.metrics.IncDropped(metrics.DropBadLength)
			default:
				r.metrics.IncDropped(metrics.DropBadCRC)
			}
		}
		return
	}

	if r.metrics != nil {
		r.metrics.IncFramesReceived()
	}

	r.mu.Lock()
	r.lastReceivedMS = nowMS
	r.mu.Unlock()

	if IsBroadcast(frame.PGN) {
		r.mu.RLock()
		handlers := make([]registration, len(r.broadcasts))
		copy(handlers, r.broadcasts)
		r.mu.RUnlock()

		for _, reg := range handlers {
			reg.handler(frame.PGN, frame.Data, nowMS)
		}
		return
	}

	r.mu.RLock()
	var target *registration
	for i := range r.registrations {
		if r.registrations[i].pgn == frame.PGN {
			target = &r.registrations[i]
			break
		}
	}
	r.mu.RUnlock()

	if target == nil {
		if r.metrics != nil {
			r.metrics.IncDropped(metrics.DropUnknownPGN)
		}
		return
	}
	target.handler(frame.PGN, frame.Data, nowMS)
}

// LastReceivedMS reports when the router last accepted any valid frame.
func (r *Router) LastReceivedMS() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastReceivedMS
}

// Registered lists the bound PGNs for diagnostics.
func (r *Router) Registered() map[byte]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[byte]string, len(r.registrations))
	for _, reg := range r.registrations {
		out[reg.pgn] = reg.name
	}
	return out
}
