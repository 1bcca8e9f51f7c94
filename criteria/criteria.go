// Package criteria routes ICAP requests to service handlers. Services are
// registered against a URI path with match criteria; the highest-priority
// matching criteria wins.
package criteria

import (
	"path"
	"regexp"
	"strings"

	"icap"
)

// Criteria decides whether a handler should process a request. Types may
// additionally implement Priority() int to control match order; higher
// priorities are tried first and the default is 1.
type Criteria interface {
	Match(req *icap.ICAPRequest) bool
}

func priorityOf(c Criteria) int {
	if p, ok := c.(interface{ Priority() int }); ok {
		return p.Priority()
	}
	return 1
}

// Func adapts a plain function to Criteria.
type Func func(req *icap.ICAPRequest) bool

func (f Func) Match(req *icap.ICAPRequest) bool { return f(req) }

// Always matches every request. Handlers registered with a nil Criteria get
// this; it sorts after everything else so it acts as the fallback.
type Always struct{}

func (Always) Match(*icap.ICAPRequest) bool { return true }
func (Always) Priority() int                { return -1 }

// Any matches if any child matches.
type Any []Criteria

func (cs Any) Match(req *icap.ICAPRequest) bool {
	for _, c := range cs {
		if c.Match(req) {
			return true
		}
	}
	return false
}

// All matches only if every child matches.
type All []Criteria

func (cs All) Match(req *icap.ICAPRequest) bool {
	for _, c := range cs {
		if !c.Match(req) {
			return false
		}
	}
	return true
}

// Domain matches on the Host header of the originating HTTP request.
// Patterns support globbing: "*google.com" matches "www.google.com" and
// "go?gle.com" matches both "goggle.com" and "google.com".
type Domain []string

func (d Domain) Match(req *icap.ICAPRequest) bool {
	headers := req.HTTP.Headers
	if req.IsRespmod() {
		headers = req.HTTP.RequestHeaders
	}
	host := strings.ToLower(headers.Get("Host"))
	for _, pattern := range d {
		if ok, err := path.Match(strings.ToLower(pattern), host); err == nil && ok {
			return true
		}
	}
	return false
}

func (Domain) Priority() int { return 2 }

// Regex matches requests whose originating URL matches a pattern, anchored
// at the start of the URL.
type Regex struct {
	re *regexp.Regexp
}

// NewRegex compiles pattern into a Regex criteria.
func NewRegex(pattern string) (Regex, error) {
	if !strings.HasPrefix(pattern, "^") {
		pattern = "^(?:" + pattern + ")"
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Regex{}, err
	}
	return Regex{re: re}, nil
}

// MustRegex is NewRegex that panics on a bad pattern. For use in service
// registration tables.
func MustRegex(pattern string) Regex {
	c, err := NewRegex(pattern)
	if err != nil {
		panic(err)
	}
	return c
}

func (r Regex) Match(req *icap.ICAPRequest) bool {
	uri := req.HTTP.RequestLine.URI
	if uri == nil {
		return false
	}
	return r.re.MatchString(uri.String())
}

func (Regex) Priority() int { return 3 }

// ContentType matches responses whose Content-Type header equals one of
// the given values exactly. Never matches REQMOD requests.
type ContentType []string

func (ct ContentType) Match(req *icap.ICAPRequest) bool {
	if req.IsReqmod() {
		return false
	}
	value := req.HTTP.Headers.Get("Content-Type")
	for _, want := range ct {
		if value == want {
			return true
		}
	}
	return false
}

func (ContentType) Priority() int { return 2 }

// Method matches on the method of the originating HTTP request.
type Method []string

func (ms Method) Match(req *icap.ICAPRequest) bool {
	for _, m := range ms {
		if strings.EqualFold(m, req.HTTP.RequestLine.Method) {
			return true
		}
	}
	return false
}

// HTTPRequests matches REQMOD requests only.
type HTTPRequests struct{}

func (HTTPRequests) Match(req *icap.ICAPRequest) bool { return req.IsReqmod() }

// HTTPResponses matches RESPMOD requests only.
type HTTPResponses struct{}

func (HTTPResponses) Match(req *icap.ICAPRequest) bool { return req.IsRespmod() }

// StatusCode matches on the status code of the encapsulated HTTP response.
// Never matches REQMOD requests.
type StatusCode []int

func (sc StatusCode) Match(req *icap.ICAPRequest) bool {
	if !req.IsRespmod() {
		return false
	}
	for _, code := range sc {
		if req.HTTP.StatusLine.Code == code {
			return true
		}
	}
	return false
}

// Header matches on the presence of a header on the encapsulated HTTP
// message, optionally requiring one of Values to be present too.
type Header struct {
	Key    string
	Values []string
}

func (h Header) Match(req *icap.ICAPRequest) bool {
	values := req.HTTP.Headers.Values(h.Key)
	if len(values) == 0 {
		return false
	}
	if len(h.Values) == 0 {
		return true
	}
	for _, have := range values {
		for _, want := range h.Values {
			if have == want {
				return true
			}
		}
	}
	return false
}
