package icap

import (
	"bytes"
	"mime"
	"net/http"
	"net/url"
	"strings"
)

// HTTPMessage is an HTTP request or response encapsulated in an ICAP
// message. The same type covers both; use IsRequest/IsResponse to tell them
// apart. For responses produced by a RESPMOD transaction, RequestLine and
// RequestHeaders describe the originating HTTP request when the client
// supplied them.
type HTTPMessage struct {
	// RequestLine is the request line for requests, or the originating
	// request line for responses.
	RequestLine RequestLine

	// StatusLine is set on responses only.
	StatusLine StatusLine

	// RequestHeaders holds the originating request headers on responses.
	RequestHeaders *Headers

	Headers *Headers
	Body    []byte

	response bool
}

// NewHTTPRequest returns an HTTP request message with a default request
// line of "GET / HTTP/1.1".
func NewHTTPRequest() *HTTPMessage {
	line, _ := NewRequestLine("GET", "/", "HTTP/1.1")
	return &HTTPMessage{
		RequestLine: line,
		Headers:     NewHeaders(),
	}
}

// NewHTTPResponse returns an HTTP response message with a default status
// line of "HTTP/1.1 200 OK". RequestLine and RequestHeaders are primed with
// defaults so RESPMOD handlers never see nil fields.
func NewHTTPResponse() *HTTPMessage {
	line, _ := NewRequestLine("GET", "/", "HTTP/1.1")
	return &HTTPMessage{
		RequestLine:    line,
		StatusLine:     NewStatusLine("HTTP/1.1", 200, ""),
		RequestHeaders: NewHeaders(),
		Headers:        NewHeaders(),
		response:       true,
	}
}

// IsRequest reports whether the message is an HTTP request.
func (m *HTTPMessage) IsRequest() bool { return !m.response }

// IsResponse reports whether the message is an HTTP response.
func (m *HTTPMessage) IsResponse() bool { return m.response }

// ContentType returns the media type and parameters from the Content-Type
// header. A missing header is treated as "text/plain; charset=us-ascii",
// per RFC 1341.
func (m *HTTPMessage) ContentType() (string, map[string]string) {
	ct := m.Headers.Get("Content-Type")
	if ct == "" {
		ct = "text/plain; charset=us-ascii"
	}
	mediaType, params, err := mime.ParseMediaType(ct)
	if err != nil {
		return ct, nil
	}
	return mediaType, params
}

// Cookies parses the Cookie header(s) of the message.
func (m *HTTPMessage) Cookies() []*http.Cookie {
	r := http.Request{Header: http.Header{"Cookie": m.Headers.Values("Cookie")}}
	return r.Cookies()
}

// SetCookies parses the Set-Cookie header(s) of the message.
func (m *HTTPMessage) SetCookies() []*http.Cookie {
	r := http.Response{Header: http.Header{"Set-Cookie": m.Headers.Values("Set-Cookie")}}
	return r.Cookies()
}

// SetCookie appends a Set-Cookie header for c.
func (m *HTTPMessage) SetCookie(c *http.Cookie) {
	m.Headers.Add("Set-Cookie", c.String())
}

// DeleteCookie appends a Set-Cookie header that expires the named cookie on
// the client.
func (m *HTTPMessage) DeleteCookie(name string) {
	m.SetCookie(&http.Cookie{Name: name, Value: "", MaxAge: -1})
}

// Form parses an application/x-www-form-urlencoded body. Returns nil for
// any other content type.
func (m *HTTPMessage) Form() (url.Values, error) {
	mediaType, _ := m.ContentType()
	if mediaType != "application/x-www-form-urlencoded" {
		return nil, nil
	}
	return url.ParseQuery(string(m.Body))
}

// SetForm replaces the body with the urlencoded form values.
func (m *HTTPMessage) SetForm(values url.Values) {
	m.Body = []byte(values.Encode())
}

// Bytes serializes the message preamble: start line, CRLF, headers. The
// body is not included; bodies travel chunked inside ICAP messages.
func (m *HTTPMessage) Bytes() []byte {
	var line []byte
	if m.IsRequest() {
		line = m.RequestLine.Bytes()
	} else {
		line = m.StatusLine.Bytes()
	}
	var buf bytes.Buffer
	buf.Write(line)
	buf.WriteString("\r\n")
	buf.Write(m.Headers.Bytes())
	return buf.Bytes()
}

// Session carries state shared between the REQMOD and RESPMOD halves of a
// transaction, something the ICAP protocol itself does not provide.
type Session struct {
	ID   string
	URL  *url.URL
	Data map[string]any
}

// ICAPRequest is a parsed ICAP request.
type ICAPRequest struct {
	Line    RequestLine
	Headers *Headers

	// HTTP is the encapsulated message: a request for REQMOD, a response
	// for RESPMOD, nil for OPTIONS.
	HTTP *HTTPMessage

	// Session is attached by the server before the handler runs. Nil for
	// OPTIONS requests.
	Session *Session
}

// NewICAPRequest returns an ICAP request with a default request line of
// "UNKNOWN / ICAP/1.0".
func NewICAPRequest() *ICAPRequest {
	line, _ := NewRequestLine("UNKNOWN", "/", "ICAP/1.0")
	return &ICAPRequest{Line: line, Headers: NewHeaders()}
}

// IsReqmod reports whether the request method is REQMOD.
func (r *ICAPRequest) IsReqmod() bool { return r.Line.Method == "REQMOD" }

// IsRespmod reports whether the request method is RESPMOD.
func (r *ICAPRequest) IsRespmod() bool { return r.Line.Method == "RESPMOD" }

// IsOptions reports whether the request method is OPTIONS.
func (r *ICAPRequest) IsOptions() bool { return r.Line.Method == "OPTIONS" }

// Allow204 reports whether the client accepts a 204 response, either via
// the Allow header or by sending a Preview.
func (r *ICAPRequest) Allow204() bool {
	return strings.Contains(r.Headers.Get("Allow"), "204") || r.Headers.Has("Preview")
}

// HasBody reports whether the request carries an encapsulated payload.
func (r *ICAPRequest) HasBody() bool {
	if r.IsOptions() && !r.Headers.Has("Encapsulated") {
		return false
	}
	return !strings.Contains(r.Headers.Get("Encapsulated"), "null-body")
}

// ICAPResponse is an ICAP response under construction or parsed off the
// wire.
type ICAPResponse struct {
	Status  StatusLine
	Headers *Headers

	// HTTP is the encapsulated message to return to the client, if any.
	HTTP *HTTPMessage
}

// NewICAPResponse returns an ICAP response with status "ICAP/1.0 200 OK".
func NewICAPResponse() *ICAPResponse {
	return &ICAPResponse{Status: NewStatusLine("ICAP/1.0", 200, ""), Headers: NewHeaders()}
}

// ResponseFromStatus returns a bare ICAP response for a status code, with
// the reason filled in from the ICAP status table.
func ResponseFromStatus(code int) *ICAPResponse {
	return &ICAPResponse{Status: NewStatusLine("ICAP/1.0", code, ""), Headers: NewHeaders()}
}

// ResponseFromError maps err to an ICAP error response. Errors that do not
// carry an ICAP status become 500s.
func ResponseFromError(err error) *ICAPResponse {
	code := StatusCode(err)
	if code == 0 {
		code = 500
	}
	return ResponseFromStatus(code)
}

// Bytes serializes the response status line and headers.
func (r *ICAPResponse) Bytes() []byte {
	var buf bytes.Buffer
	buf.Write(r.Status.Bytes())
	buf.WriteString("\r\n")
	buf.Write(r.Headers.Bytes())
	return buf.Bytes()
}
