package icap

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ReadRequest reads one complete ICAP request from r, including all
// encapsulated headers and chunked bodies. It blocks until the request is
// complete. Returns io.EOF when the connection closed cleanly between
// requests.
//
// Protocol violations surface as typed errors: *StatusError for conditions
// with a defined ICAP status (501 unknown method, 418 bad composition),
// ErrMalformedRequest wraps for unparseable framing, and
// *InvalidEncapsulatedError for a bad Encapsulated header.
func ReadRequest(r *bufio.Reader) (*ICAPRequest, error) {
	line, err := readWireLine(r, true)
	if err != nil {
		return nil, err
	}

	reqLine, _, isStatus, err := parseStartLine(line)
	if err != nil {
		return nil, err
	}
	if isStatus {
		// A status line is never a valid way to open a transaction.
		return nil, Abort(400)
	}
	switch reqLine.Method {
	case "OPTIONS", "REQMOD", "RESPMOD":
	default:
		return nil, Abort(501)
	}

	headers, err := readHeaderBlock(r)
	if err != nil {
		return nil, err
	}

	req := &ICAPRequest{Line: reqLine, Headers: headers}

	raw := headers.Get("Encapsulated")
	if !headers.Has("Encapsulated") {
		if !req.IsOptions() {
			return nil, &InvalidEncapsulatedError{Field: "(missing)"}
		}
		raw = "null-body=0"
	}
	entries, err := ParseEncapsulated(raw)
	if err != nil {
		return nil, err
	}

	if (req.IsReqmod() && !hasEntry(entries, "req-hdr")) ||
		(req.IsRespmod() && !hasEntry(entries, "res-hdr")) {
		return nil, Abort(418)
	}

	reqMsg := NewHTTPRequest()
	respMsg := NewHTTPResponse()
	sawReqHdr := false

	for _, part := range offsetsToSizes(entries) {
		switch part.Name {
		case "req-hdr", "res-hdr":
			buf := make([]byte, part.Value)
			if _, err := io.ReadFull(r, buf); err != nil {
				return nil, fmt.Errorf("%w: short read in %s", ErrMalformedRequest, part.Name)
			}
			msg := respMsg
			if part.Name == "req-hdr" {
				msg = reqMsg
				sawReqHdr = true
			}
			if err := parseHTTPPreamble(msg, buf); err != nil {
				return nil, err
			}
		case "req-body", "res-body":
			msg := respMsg
			if part.Name == "req-body" {
				msg = reqMsg
			}
			body, err := readChunkedBody(r, false)
			if err != nil {
				return nil, err
			}
			msg.Body = body
			if err := decodeBody(msg); err != nil {
				return nil, err
			}
		case "null-body":
			// No payload follows the headers.
		default:
			return nil, &InvalidEncapsulatedError{Field: raw}
		}
	}

	switch {
	case req.IsReqmod():
		req.HTTP = reqMsg
	case req.IsRespmod():
		req.HTTP = respMsg
		if sawReqHdr {
			respMsg.RequestLine = reqMsg.RequestLine
			respMsg.RequestHeaders = reqMsg.Headers
		}
	}

	return req, nil
}

// ReadHTTPMessage reads a standalone HTTP message in ICAP body framing:
// start line, headers, then an optional chunked body. Unlike ICAP bodies,
// EOF at a chunk boundary simply ends the body, so preamble-only messages
// parse cleanly.
func ReadHTTPMessage(r *bufio.Reader) (*HTTPMessage, error) {
	line, err := readWireLine(r, false)
	if err != nil {
		return nil, err
	}

	reqLine, statusLine, isStatus, err := parseStartLine(line)
	if err != nil {
		return nil, err
	}

	var msg *HTTPMessage
	if isStatus {
		msg = NewHTTPResponse()
		msg.StatusLine = statusLine
	} else {
		msg = NewHTTPRequest()
		msg.RequestLine = reqLine
	}

	headers, err := readHeaderBlock(r)
	if err != nil {
		return nil, err
	}
	msg.Headers = headers

	body, err := readChunkedBody(r, true)
	if err != nil {
		return nil, err
	}
	msg.Body = body
	if err := decodeBody(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// parseHTTPPreamble parses a req-hdr or res-hdr section into msg.
func parseHTTPPreamble(msg *HTTPMessage, data []byte) error {
	br := bufio.NewReader(bytes.NewReader(data))

	line, err := readWireLine(br, false)
	if err != nil {
		return err
	}
	reqLine, statusLine, isStatus, err := parseStartLine(line)
	if err != nil {
		return err
	}
	if isStatus {
		if msg.IsRequest() {
			return fmt.Errorf("%w: status line in req-hdr section", ErrMalformedRequest)
		}
		msg.StatusLine = statusLine
	} else {
		if msg.IsResponse() {
			return fmt.Errorf("%w: request line in res-hdr section", ErrMalformedRequest)
		}
		msg.RequestLine = reqLine
	}

	headers, err := readHeaderBlock(br)
	if err != nil {
		return err
	}
	msg.Headers = headers
	return nil
}

// readWireLine reads one CRLF-terminated line and returns it without the
// terminator. Lines not ending in CRLF are malformed. With eofOK, a clean
// EOF before any byte is read returns io.EOF untouched so connection loops
// can tell "client went away" from "client sent garbage".
func readWireLine(r *bufio.Reader, eofOK bool) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line == "" && eofOK {
			return "", io.EOF
		}
		return "", fmt.Errorf("%w: unterminated line %q", ErrMalformedRequest, line)
	}
	if !strings.HasSuffix(line, "\r\n") {
		return "", fmt.Errorf("%w: line not CRLF-terminated: %q", ErrMalformedRequest, line)
	}
	return strings.TrimSuffix(line, "\r\n"), nil
}

// readHeaderBlock reads header lines up to and including the blank
// terminator. Continuation lines (leading space or tab) fold into the
// previous value with whitespace reduced, per RFC 2822 section 4.2.
func readHeaderBlock(r *bufio.Reader) (*Headers, error) {
	headers := NewHeaders()
	for {
		line, err := readWireLine(r, false)
		if err != nil {
			return nil, err
		}
		if line == "" {
			return headers, nil
		}

		if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
			headers.appendToLast(strings.TrimLeft(line, " \t"))
			continue
		}

		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("%w: header without colon: %q", ErrMalformedRequest, line)
		}
		headers.Add(strings.TrimRight(key, " \t"), strings.TrimLeft(value, " \t"))
	}
}

// maxChunkSize bounds a single chunk. Chunk sizes come off the wire, so
// anything past this is a hostile or broken client, not a real payload.
const maxChunkSize = 1 << 30

// readChunkedBody reads a chunked transfer-encoded body up to and including
// the terminal zero chunk. Chunk extensions are accepted and discarded.
// With eofOK, EOF at a chunk boundary ends the body without error.
func readChunkedBody(r *bufio.Reader, eofOK bool) ([]byte, error) {
	var body []byte
	for {
		line, err := readWireLine(r, true)
		if err != nil {
			if errors.Is(err, io.EOF) {
				if eofOK {
					return body, nil
				}
				return nil, fmt.Errorf("%w: connection closed mid-body", ErrMalformedRequest)
			}
			return nil, err
		}

		sizeField, _, _ := strings.Cut(line, ";")
		size, err := strconv.ParseInt(strings.TrimSpace(sizeField), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad chunk size %q", ErrMalformedRequest, sizeField)
		}
		if size < 0 || size > maxChunkSize {
			return nil, fmt.Errorf("%w: chunk size %d out of range", ErrMalformedRequest, size)
		}

		if size == 0 {
			// Terminal chunk; a trailing CRLF closes the body.
			end, err := readWireLine(r, true)
			if err != nil {
				if errors.Is(err, io.EOF) {
					if eofOK {
						return body, nil
					}
					return nil, fmt.Errorf("%w: connection closed mid-body", ErrMalformedRequest)
				}
				return nil, err
			}
			if end != "" {
				return nil, fmt.Errorf("%w: expected CRLF after terminal chunk, got %q", ErrMalformedRequest, end)
			}
			return body, nil
		}

		data := make([]byte, size+2)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, fmt.Errorf("%w: short chunk read", ErrMalformedRequest)
		}
		if !bytes.HasSuffix(data, []byte("\r\n")) {
			return nil, fmt.Errorf("%w: chunk data not CRLF-terminated", ErrMalformedRequest)
		}
		body = append(body, data[:size]...)
	}
}

// decodeBody transparently decompresses gzip-encoded payloads so handlers
// see plain bytes. The Content-Encoding header is left in place; the
// serializer re-encodes on the way out.
func decodeBody(msg *HTTPMessage) error {
	if len(msg.Body) == 0 || !strings.Contains(msg.Headers.Get("Content-Encoding"), "gzip") {
		return nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(msg.Body))
	if err != nil {
		return fmt.Errorf("%w: bad gzip payload: %v", ErrMalformedRequest, err)
	}
	defer zr.Close()
	decoded, err := io.ReadAll(zr)
	if err != nil {
		return fmt.Errorf("%w: bad gzip payload: %v", ErrMalformedRequest, err)
	}
	msg.Body = decoded
	return nil
}

func hasEntry(entries []EncapsulatedEntry, name string) bool {
	for _, e := range entries {
		if e.Name == name {
			return true
		}
	}
	return false
}
