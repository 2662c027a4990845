package router

import (
	"sync"

	"github.com/c360/posturestream/wire"
)

// Scope groups subscriptions that are released together, typically those
// tied to one connection.
type Scope struct {
	router *Router

	mu     sync.Mutex
	subs   []Subscription
	closed bool
}

// Scope returns a new, empty subscription scope.
func (r *Router) Scope() *Scope {
	return &Scope{router: r}
}

// Subscribe registers handler on the router and tracks it in the scope. On a
// released scope it is a no-op and returns the zero Subscription.
func (s *Scope) Subscribe(kind wire.Kind, handler Handler) Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Subscription{}
	}
	sub := s.router.Subscribe(kind, handler)
	s.subs = append(s.subs, sub)
	return sub
}

// Release unsubscribes everything registered through the scope. It is
// idempotent.
func (s *Scope) Release() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.closed = true
	s.mu.Unlock()

	byKind := make(map[wire.Kind][]Subscription)
	for _, sub := range subs {
		byKind[sub.kind] = append(byKind[sub.kind], sub)
	}
	for kind, group := range byKind {
		s.router.Unsubscribe(kind, group...)
	}
}

// Len returns the number of live subscriptions in the scope.
func (s *Scope) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
