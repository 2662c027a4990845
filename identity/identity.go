// Package identity supplies the client id and bearer token presented during
// the connection handshake and to the session-history API. Token storage
// itself lives outside this module.
package identity

import (
	"os"
	"strings"
	"sync"
)

// Identity is the pair presented to the detection endpoint.
type Identity struct {
	ClientID string
	Token    string
}

// Valid reports whether both parts are present.
func (i Identity) Valid() bool {
	return strings.TrimSpace(i.ClientID) != "" && strings.TrimSpace(i.Token) != ""
}

// String never reveals the token.
func (i Identity) String() string {
	if i.Token == "" {
		return i.ClientID
	}
	return i.ClientID + " (token set)"
}

// Provider returns the current identity. Implementations must be safe for
// concurrent use.
type Provider interface {
	Identity() (Identity, bool)
	IsAuthenticated() bool
}

// Static is a Provider whose identity can be replaced at runtime, for
// instance after a token refresh.
type Static struct {
	mu sync.RWMutex
	id Identity
}

// NewStatic returns a provider holding id.
func NewStatic(id Identity) *Static {
	return &Static{id: id}
}

// Identity implements Provider.
func (s *Static) Identity() (Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id, s.id.Valid()
}

// IsAuthenticated implements Provider.
func (s *Static) IsAuthenticated() bool {
	_, ok := s.Identity()
	return ok
}

// Set replaces the identity.
func (s *Static) Set(id Identity) {
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
}

// Clear forgets the token, which makes the provider unauthenticated.
func (s *Static) Clear() {
	s.mu.Lock()
	s.id.Token = ""
	s.mu.Unlock()
}

// Env reads the identity from two environment variables on every call.
type Env struct {
	ClientIDVar string
	TokenVar    string
}

// NewEnv uses POSTURESTREAM_CLIENT_ID and POSTURESTREAM_TOKEN.
func NewEnv() Env {
	return Env{ClientIDVar: "POSTURESTREAM_CLIENT_ID", TokenVar: "POSTURESTREAM_TOKEN"}
}

// Identity implements Provider.
func (e Env) Identity() (Identity, bool) {
	id := Identity{ClientID: os.Getenv(e.ClientIDVar), Token: os.Getenv(e.TokenVar)}
	return id, id.Valid()
}

// IsAuthenticated implements Provider.
func (e Env) IsAuthenticated() bool {
	_, ok := e.Identity()
	return ok
}
