package criteria

import (
	"context"
	"path"
	"sort"
	"strings"
	"sync"

	"icap"
)

// Handler modifies the encapsulated HTTP message of a transaction. It may
// mutate msg in place, return a replacement message, or return nil to leave
// the message untouched (the server echoes it back, or answers 204 when the
// client allows it). Returning an error aborts the transaction; use
// icap.Abort to pick the status code.
type Handler func(ctx context.Context, msg *icap.HTTPMessage) (*icap.HTTPMessage, error)

// RawHandler is a Handler variant that receives the whole ICAP request,
// session included, instead of just the embedded HTTP message.
type RawHandler func(ctx context.Context, req *icap.ICAPRequest) (*icap.HTTPMessage, error)

// Match is a routed handler. Exactly one of Handler and Raw is set, except
// for OPTIONS lookups where both are nil.
type Match struct {
	Handler Handler
	Raw     RawHandler
}

type entry struct {
	criteria Criteria
	match    Match
	priority int
}

// Registry maps ICAP URI paths to prioritized handler chains. A service
// named "foo" serves /foo/reqmod and /foo/respmod; the empty name serves
// /reqmod and /respmod.
type Registry struct {
	mu       sync.RWMutex
	services map[string][]entry
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{services: make(map[string][]entry)}
}

// Reqmod registers h at the reqmod endpoint for the named service. A nil
// Criteria matches everything.
func (r *Registry) Reqmod(name string, c Criteria, h Handler) {
	r.register(name, "reqmod", c, Match{Handler: h})
}

// Respmod registers h at the respmod endpoint for the named service.
func (r *Registry) Respmod(name string, c Criteria, h Handler) {
	r.register(name, "respmod", c, Match{Handler: h})
}

// RawReqmod registers a raw handler at the reqmod endpoint.
func (r *Registry) RawReqmod(name string, c Criteria, h RawHandler) {
	r.register(name, "reqmod", c, Match{Raw: h})
}

// RawRespmod registers a raw handler at the respmod endpoint.
func (r *Registry) RawRespmod(name string, c Criteria, h RawHandler) {
	r.register(name, "respmod", c, Match{Raw: h})
}

func (r *Registry) register(name, suffix string, c Criteria, m Match) {
	if c == nil {
		c = Always{}
	}
	key := "/" + strings.TrimPrefix(path.Join(name, suffix), "/")

	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[key] = append(r.services[key], entry{criteria: c, match: m, priority: priorityOf(c)})
	sort.SliceStable(r.services[key], func(i, j int) bool {
		return r.services[key][i].priority > r.services[key][j].priority
	})
}

// Lookup routes a request to its handler.
//
// Aborts per RFC 3507: 404 when nothing is registered at the request path,
// 204 when services exist but none match. OPTIONS requests return an empty
// Match once the path is known to exist; they bypass criteria entirely.
func (r *Registry) Lookup(req *icap.ICAPRequest) (Match, error) {
	key := req.Line.URI.Path

	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := r.services[key]
	if len(entries) == 0 {
		// Squid relays 404s to end users as internal errors, but a missing
		// service is a client configuration error, so 404 stands.
		return Match{}, icap.Abort(404)
	}

	if req.IsOptions() {
		return Match{}, nil
	}

	for _, e := range entries {
		if e.criteria.Match(req) {
			return e.match, nil
		}
	}
	return Match{}, icap.Abort(204)
}

// HasService reports whether any handler is registered at the given URI
// path.
func (r *Registry) HasService(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.services[key]) > 0
}
