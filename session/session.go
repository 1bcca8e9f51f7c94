// Package session bridges the REQMOD and RESPMOD halves of a transaction.
//
// ICAP itself has no transaction affinity. Well-behaved clients (Squid, for
// one) tag request/response pairs with an X-Session-ID header; this package
// keys shared state off that header, generating a UUID when it is absent.
package session

import (
	"context"
	"regexp"
	"sync"

	"github.com/google/uuid"

	"icap"
)

// Store persists sessions between the two halves of a transaction. Get
// creates the session when it does not exist yet. Save persists handler
// mutations; Finalize destroys the session, reporting whether it existed.
type Store interface {
	Get(ctx context.Context, id string) (*icap.Session, error)
	Save(ctx context.Context, s *icap.Session) error
	Finalize(ctx context.Context, id string) (bool, error)
}

// ServiceIndex answers whether a handler is registered at a URI path. The
// criteria Registry satisfies it.
type ServiceIndex interface {
	HasService(path string) bool
}

// ID returns the session ID for a request: the X-Session-ID header when the
// client sent one, otherwise a generated UUID.
func ID(req *icap.ICAPRequest) string {
	if id := req.Headers.Get("X-Session-ID"); id != "" {
		return id
	}
	return uuid.New().String()
}

// Attach fetches (or creates) the session for req from store and attaches
// it to the request. The origin URL is recorded the first time the session
// is seen.
func Attach(ctx context.Context, store Store, req *icap.ICAPRequest) (*icap.Session, error) {
	s, err := store.Get(ctx, ID(req))
	if err != nil {
		return nil, err
	}
	if s.URL == nil && req.HTTP != nil {
		s.URL = req.HTTP.RequestLine.URI
	}
	req.Session = s
	return s, nil
}

var reqmodSuffix = regexp.MustCompile(`/reqmod/?$`)

// ShouldFinalize reports whether the session should be destroyed after this
// request. OPTIONS requests have no session; RESPMOD always finalizes, it
// is the end of the transaction. A REQMOD finalizes unless the client sent
// an X-Session-ID and a respmod handler is registered at the equivalent
// path, in which case the RESPMOD half still needs the session.
func ShouldFinalize(req *icap.ICAPRequest, index ServiceIndex) bool {
	if req.IsOptions() {
		return false
	}
	if req.IsRespmod() {
		return true
	}
	if !req.Headers.Has("X-Session-ID") {
		return true
	}

	respmodEquivalent := reqmodSuffix.ReplaceAllString(req.Line.URI.Path, "/respmod")
	return !index.HasService(respmodEquivalent)
}

// MemoryStore is the default Store: an in-process map. Sessions are shared
// by reference, so Save is a no-op.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*icap.Session
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*icap.Session)}
}

// Get returns the session for id, creating it if needed.
func (m *MemoryStore) Get(_ context.Context, id string) (*icap.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s, nil
	}
	s := &icap.Session{ID: id, Data: make(map[string]any)}
	m.sessions[id] = s
	return s, nil
}

// Save is a no-op; callers hold a reference to the stored session.
func (m *MemoryStore) Save(context.Context, *icap.Session) error { return nil }

// Finalize removes the session for id.
func (m *MemoryStore) Finalize(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return false, nil
	}
	delete(m.sessions, id)
	return true, nil
}

// Len returns the number of live sessions.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
