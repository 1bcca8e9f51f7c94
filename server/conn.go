package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"icap"
	"icap/criteria"
	"icap/session"
)

var (
	reqmodPath  = regexp.MustCompile(`(^|/)reqmod/?$`)
	respmodPath = regexp.MustCompile(`(^|/)respmod/?$`)
)

// handleConn serves one client connection: a loop of request, transaction,
// response. The connection closes on client EOF, on a parse error, or on an
// explicit "Connection: close".
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "icap: connection handler panic: %v\n", r)
		}
	}()

	reader := bufio.NewReader(conn)
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			return
		}

		req, err := icap.ReadRequest(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			// A parse failure leaves the stream position undefined, so
			// answer and drop the connection rather than resync.
			s.writeResponse(conn, req, responseForError(err))
			return
		}

		var resp *icap.ICAPResponse
		if s.limiter != nil && !s.limiter.Allow() {
			resp = icap.ResponseFromStatus(503)
		} else {
			resp = s.handleTransaction(ctx, req)
		}

		if err := s.writeResponse(conn, req, resp); err != nil {
			return
		}

		if strings.EqualFold(req.Headers.Get("Connection"), "close") {
			return
		}
	}
}

// responseForError maps a request-reading error to an ICAP error response.
func responseForError(err error) *icap.ICAPResponse {
	if code := icap.StatusCode(err); code != 0 {
		return icap.ResponseFromStatus(code)
	}
	var encErr *icap.InvalidEncapsulatedError
	if errors.As(err, &encErr) || errors.Is(err, icap.ErrMalformedRequest) {
		return icap.ResponseFromStatus(400)
	}
	return icap.ResponseFromStatus(500)
}

func (s *Server) writeResponse(w io.Writer, req *icap.ICAPRequest, resp *icap.ICAPResponse) error {
	s.hooks.beforeSerialization(req, resp)
	isOptions := req != nil && req.IsOptions() && resp.Status.Code == 200
	if err := icap.WriteResponse(w, resp, s.hooks.istag(req, s.ISTag()), isOptions); err != nil {
		fmt.Fprintf(os.Stderr, "icap: failed to write response: %v\n", err)
		return err
	}
	return nil
}

// handleTransaction runs a parsed request through validation, routing, the
// handler, and session bookkeeping. It always returns a response.
func (s *Server) handleTransaction(ctx context.Context, req *icap.ICAPRequest) *icap.ICAPResponse {
	if err := validateRequest(req); err != nil {
		return icap.ResponseFromError(err)
	}

	match, err := s.registry.Lookup(req)
	if err != nil {
		if icap.StatusCode(err) == 204 && !req.Allow204() {
			return echoResponse(req)
		}
		return icap.ResponseFromError(err)
	}

	if req.IsOptions() {
		return s.handleOptions(req)
	}

	s.hooks.beforeHandling(req)

	sess, err := session.Attach(ctx, s.sessions, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "icap: session store error: %v\n", err)
		return icap.ResponseFromStatus(500)
	}

	result, err := dispatch(ctx, match, req)

	// Session state settles whether the handler succeeded or not,
	// otherwise an aborted reqmod would leak its session forever.
	s.settleSession(ctx, req, sess)

	var resp *icap.ICAPResponse
	switch {
	case err != nil:
		resp = icap.ResponseFromError(err)
	case result == nil:
		if req.Allow204() {
			resp = icap.ResponseFromStatus(204)
		} else {
			resp = echoResponse(req)
		}
	case req.IsRespmod() && result.IsRequest():
		// A respmod handler cannot swap the response for a request;
		// there is no way to encapsulate that in the reply.
		resp = icap.ResponseFromStatus(500)
	default:
		fixContentLength(result)
		resp = icap.NewICAPResponse()
		resp.HTTP = result
	}

	// Every modification response carries the session ID, aborts included,
	// so a client can correlate the reqmod/respmod pair.
	resp.Headers.Replace("X-Session-ID", sess.ID)
	return resp
}

// validateRequest enforces the protocol-level preconditions that routing
// does not cover.
func validateRequest(req *icap.ICAPRequest) error {
	if !strings.HasPrefix(req.Line.Version, "ICAP/") {
		return icap.Abort(400)
	}
	if req.Line.Version != "ICAP/1.0" {
		return icap.Abort(505)
	}

	p := strings.ToLower(req.Line.URI.Path)
	switch req.Line.Method {
	case "OPTIONS":
		return nil
	case "REQMOD":
		if !reqmodPath.MatchString(p) {
			return icap.Abort(405)
		}
	case "RESPMOD":
		if !respmodPath.MatchString(p) {
			return icap.Abort(405)
		}
	default:
		return icap.Abort(501)
	}
	return nil
}

// dispatch invokes the matched handler. A panicking handler is contained
// and reported as a 500.
func dispatch(ctx context.Context, match criteria.Match, req *icap.ICAPRequest) (result *icap.HTTPMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "icap: handler panic: %v\n", r)
			result, err = nil, icap.Abort(500)
		}
	}()

	switch {
	case match.Raw != nil:
		return match.Raw(ctx, req)
	case match.Handler != nil:
		return match.Handler(ctx, req.HTTP)
	default:
		return nil, icap.Abort(500)
	}
}

// settleSession persists or discards the request's session. Reqmod
// sessions are kept around for the matching respmod; everything else is
// finalized.
func (s *Server) settleSession(ctx context.Context, req *icap.ICAPRequest, sess *icap.Session) {
	var err error
	if session.ShouldFinalize(req, s.registry) {
		_, err = s.sessions.Finalize(ctx, sess.ID)
	} else {
		err = s.sessions.Save(ctx, sess)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "icap: session store error: %v\n", err)
	}
}

// echoResponse wraps the unmodified encapsulated message in a 200.
func echoResponse(req *icap.ICAPRequest) *icap.ICAPResponse {
	resp := icap.NewICAPResponse()
	resp.HTTP = req.HTTP
	return resp
}

// fixContentLength reconciles the HTTP Content-Length header with the body
// the handler left behind. The header lives on the encapsulated message,
// never on the ICAP response itself.
func fixContentLength(msg *icap.HTTPMessage) {
	if len(msg.Body) > 0 {
		msg.Headers.Replace("Content-Length", strconv.Itoa(len(msg.Body)))
	} else {
		msg.Headers.Del("Content-Length")
	}
}

// handleOptions answers an OPTIONS request for a known service path.
func (s *Server) handleOptions(req *icap.ICAPRequest) *icap.ICAPResponse {
	resp := icap.NewICAPResponse()
	resp.Headers.Replace("Methods", methodForPath(req.Line.URI.Path))
	resp.Headers.Replace("Allow", "204")
	if s.cfg.OptionsTTL > 0 {
		resp.Headers.Replace("Options-TTL", strconv.Itoa(int(s.cfg.OptionsTTL.Seconds())))
	}
	if s.cfg.MaxConnections > 0 {
		resp.Headers.Replace("Max-Connections", strconv.Itoa(s.cfg.MaxConnections))
	}
	if extra := s.hooks.optionsHeaders(); extra != nil {
		for _, key := range extra.Keys() {
			for _, v := range extra.Values(key) {
				resp.Headers.Add(key, v)
			}
		}
	}
	return resp
}
