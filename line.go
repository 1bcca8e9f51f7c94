package icap

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// RequestLine is the parsed first line of a request, e.g. "GET / HTTP/1.1"
// or "REQMOD icap://host/reqmod ICAP/1.0". Query parameter changes made via
// URI are reserialized; changing Method or Version is possible but rarely a
// good idea.
type RequestLine struct {
	Method  string
	URI     *url.URL
	Version string
}

// NewRequestLine parses rawURI and returns a RequestLine.
func NewRequestLine(method, rawURI, version string) (RequestLine, error) {
	u, err := url.Parse(rawURI)
	if err != nil {
		return RequestLine{}, fmt.Errorf("parsing request URI: %w", err)
	}
	return RequestLine{Method: method, URI: u, Version: version}, nil
}

func (l RequestLine) Bytes() []byte {
	uri := ""
	if l.URI != nil {
		uri = l.URI.String()
	}
	return []byte(l.Method + " " + uri + " " + l.Version)
}

func (l RequestLine) String() string {
	return string(l.Bytes())
}

// StatusLine is the parsed first line of a response, e.g. "HTTP/1.1 200 OK"
// or "ICAP/1.0 204 No Modifications Needed".
type StatusLine struct {
	Version string
	Code    int
	Reason  string
}

// NewStatusLine builds a StatusLine. An empty reason is filled in from the
// ICAP or HTTP status tables, chosen by the version prefix.
func NewStatusLine(version string, code int, reason string) StatusLine {
	if reason == "" {
		if strings.HasPrefix(version, "HTTP") {
			reason = HTTPStatusText(code)
		} else {
			reason = ICAPStatusText(code)
		}
	}
	return StatusLine{Version: version, Code: code, Reason: reason}
}

func (l StatusLine) Bytes() []byte {
	return []byte(l.Version + " " + strconv.Itoa(l.Code) + " " + l.Reason)
}

func (l StatusLine) String() string {
	return string(l.Bytes())
}

// parseStartLine parses the first line of an HTTP or ICAP message. Lines
// whose first token starts with HTTP or ICAP parse as status lines,
// everything else as request lines.
func parseStartLine(line string) (RequestLine, StatusLine, bool, error) {
	parts := strings.SplitN(strings.TrimSpace(line), " ", 3)
	if len(parts) != 3 {
		return RequestLine{}, StatusLine{}, false, fmt.Errorf("%w: bad start line %q", ErrMalformedRequest, line)
	}

	first := strings.ToUpper(parts[0])
	if strings.HasPrefix(first, "HTTP") || strings.HasPrefix(first, "ICAP") {
		code, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return RequestLine{}, StatusLine{}, false, fmt.Errorf("%w: bad status line %q", ErrMalformedRequest, line)
		}
		return RequestLine{}, NewStatusLine(first, code, parts[2]), true, nil
	}

	rl, err := NewRequestLine(first, parts[1], strings.ToUpper(parts[2]))
	if err != nil {
		return RequestLine{}, StatusLine{}, false, fmt.Errorf("%w: bad request line %q", ErrMalformedRequest, line)
	}
	return rl, StatusLine{}, false, nil
}
