package icap

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reader(s string) *bufio.Reader {
	return bufio.NewReader(strings.NewReader(s))
}

func chunked(body string) string {
	if body == "" {
		return "0\r\n\r\n"
	}
	return fmt.Sprintf("%x\r\n%s\r\n0\r\n\r\n", len(body), body)
}

func reqmodWire(httpPreamble, body string) string {
	enc := fmt.Sprintf("req-hdr=0, req-body=%d", len(httpPreamble))
	payload := httpPreamble + chunked(body)
	if body == "" {
		enc = fmt.Sprintf("req-hdr=0, null-body=%d", len(httpPreamble))
		payload = httpPreamble
	}
	return "REQMOD icap://localhost/reqmod ICAP/1.0\r\n" +
		"Host: localhost\r\n" +
		"Encapsulated: " + enc + "\r\n\r\n" + payload
}

func TestReadRequest_Reqmod(t *testing.T) {
	preamble := "POST /submit HTTP/1.1\r\nHost: example.com\r\nContent-Type: text/plain\r\n\r\n"
	req, err := ReadRequest(reader(reqmodWire(preamble, "hello world")))
	require.NoError(t, err)

	assert.True(t, req.IsReqmod())
	assert.Equal(t, "/reqmod", req.Line.URI.Path)
	require.NotNil(t, req.HTTP)
	assert.True(t, req.HTTP.IsRequest())
	assert.Equal(t, "POST", req.HTTP.RequestLine.Method)
	assert.Equal(t, "example.com", req.HTTP.Headers.Get("Host"))
	assert.Equal(t, "hello world", string(req.HTTP.Body))
}

func TestReadRequest_ReqmodNullBody(t *testing.T) {
	preamble := "GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"
	req, err := ReadRequest(reader(reqmodWire(preamble, "")))
	require.NoError(t, err)

	assert.Empty(t, req.HTTP.Body)
	assert.False(t, req.HasBody())
}

func TestReadRequest_Respmod(t *testing.T) {
	reqHdr := "GET /page HTTP/1.1\r\nHost: example.com\r\n\r\n"
	resHdr := "HTTP/1.1 200 OK\r\nContent-Type: text/html\r\n\r\n"
	wire := fmt.Sprintf(
		"RESPMOD icap://localhost/respmod ICAP/1.0\r\n"+
			"Host: localhost\r\n"+
			"Encapsulated: req-hdr=0, res-hdr=%d, res-body=%d\r\n\r\n%s%s%s",
		len(reqHdr), len(reqHdr)+len(resHdr), reqHdr, resHdr, chunked("<html></html>"))

	req, err := ReadRequest(reader(wire))
	require.NoError(t, err)

	assert.True(t, req.IsRespmod())
	require.NotNil(t, req.HTTP)
	assert.True(t, req.HTTP.IsResponse())
	assert.Equal(t, 200, req.HTTP.StatusLine.Code)
	assert.Equal(t, "<html></html>", string(req.HTTP.Body))

	// The originating request rides along on the response message.
	assert.Equal(t, "/page", req.HTTP.RequestLine.URI.Path)
	assert.Equal(t, "example.com", req.HTTP.RequestHeaders.Get("Host"))
}

func TestReadRequest_OptionsWithoutEncapsulated(t *testing.T) {
	wire := "OPTIONS icap://localhost/reqmod ICAP/1.0\r\nHost: localhost\r\n\r\n"
	req, err := ReadRequest(reader(wire))
	require.NoError(t, err)

	assert.True(t, req.IsOptions())
	assert.Nil(t, req.HTTP)
	assert.False(t, req.HasBody())
}

func TestReadRequest_ChunkExtensionsDiscarded(t *testing.T) {
	preamble := "POST / HTTP/1.1\r\nHost: example.com\r\n\r\n"
	payload := preamble + "5; ieof\r\nhello\r\n0\r\n\r\n"
	wire := fmt.Sprintf(
		"REQMOD icap://localhost/reqmod ICAP/1.0\r\nEncapsulated: req-hdr=0, req-body=%d\r\n\r\n%s",
		len(preamble), payload)

	req, err := ReadRequest(reader(wire))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(req.HTTP.Body))
}

func TestReadRequest_FoldedHeaders(t *testing.T) {
	preamble := "GET / HTTP/1.1\r\nX-Multi: first part\r\n\tsecond part\r\n\r\n"
	req, err := ReadRequest(reader(reqmodWire(preamble, "")))
	require.NoError(t, err)

	assert.Equal(t, "first part second part", req.HTTP.Headers.Get("X-Multi"))
}

func TestReadRequest_Gzip(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte("compressed payload"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	preamble := "POST / HTTP/1.1\r\nContent-Encoding: gzip\r\n\r\n"
	enc := fmt.Sprintf("req-hdr=0, req-body=%d", len(preamble))
	wire := "REQMOD icap://localhost/reqmod ICAP/1.0\r\nEncapsulated: " + enc + "\r\n\r\n" +
		preamble + fmt.Sprintf("%x\r\n%s\r\n0\r\n\r\n", buf.Len(), buf.String())

	req, err := ReadRequest(reader(wire))
	require.NoError(t, err)
	assert.Equal(t, "compressed payload", string(req.HTTP.Body))
	assert.Equal(t, "gzip", req.HTTP.Headers.Get("Content-Encoding"))
}

func TestReadRequest_Errors(t *testing.T) {
	preamble := "GET / HTTP/1.1\r\n\r\n"

	tests := []struct {
		name     string
		wire     string
		wantCode int
		wantErr  error
	}{
		{
			name:     "unknown method",
			wire:     "BREW icap://localhost/reqmod ICAP/1.0\r\n\r\n",
			wantCode: 501,
		},
		{
			name:     "status line opens transaction",
			wire:     "ICAP/1.0 200 OK\r\n\r\n",
			wantCode: 400,
		},
		{
			name: "reqmod without req-hdr",
			wire: "REQMOD icap://localhost/reqmod ICAP/1.0\r\n" +
				"Encapsulated: req-body=0\r\n\r\n" + chunked("x"),
			wantCode: 418,
		},
		{
			name: "respmod without res-hdr",
			wire: fmt.Sprintf("RESPMOD icap://localhost/respmod ICAP/1.0\r\n"+
				"Encapsulated: req-hdr=0, null-body=%d\r\n\r\n%s", len(preamble), preamble),
			wantCode: 418,
		},
		{
			name:    "malformed start line",
			wire:    "REQMOD\r\n\r\n",
			wantErr: ErrMalformedRequest,
		},
		{
			name:    "bare LF line ending",
			wire:    "REQMOD icap://localhost/reqmod ICAP/1.0\n\n",
			wantErr: ErrMalformedRequest,
		},
		{
			name: "truncated body",
			wire: fmt.Sprintf("REQMOD icap://localhost/reqmod ICAP/1.0\r\n"+
				"Encapsulated: req-hdr=0, req-body=%d\r\n\r\n%s5\r\nhel", len(preamble), preamble),
			wantErr: ErrMalformedRequest,
		},
		{
			name: "negative chunk size",
			wire: fmt.Sprintf("REQMOD icap://localhost/reqmod ICAP/1.0\r\n"+
				"Encapsulated: req-hdr=0, req-body=%d\r\n\r\n%s-3\r\njunk\r\n0\r\n\r\n",
				len(preamble), preamble),
			wantErr: ErrMalformedRequest,
		},
		{
			name: "absurd chunk size",
			wire: fmt.Sprintf("REQMOD icap://localhost/reqmod ICAP/1.0\r\n"+
				"Encapsulated: req-hdr=0, req-body=%d\r\n\r\n%s7fffffffffffffff\r\n",
				len(preamble), preamble),
			wantErr: ErrMalformedRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadRequest(reader(tt.wire))
			require.Error(t, err)
			if tt.wantCode != 0 {
				assert.Equal(t, tt.wantCode, StatusCode(err))
			}
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestReadRequest_DecreasingEncapsulatedOffsets(t *testing.T) {
	// Offsets going backwards imply a negative section size; the parser
	// must reject the header rather than try to size a buffer from it.
	wire := "REQMOD icap://localhost/reqmod ICAP/1.0\r\n" +
		"Encapsulated: req-hdr=10, req-body=5\r\n\r\nirrelevant"
	_, err := ReadRequest(reader(wire))

	var encErr *InvalidEncapsulatedError
	assert.ErrorAs(t, err, &encErr)
}

func TestReadRequest_MissingEncapsulated(t *testing.T) {
	wire := "REQMOD icap://localhost/reqmod ICAP/1.0\r\nHost: localhost\r\n\r\n"
	_, err := ReadRequest(reader(wire))

	var encErr *InvalidEncapsulatedError
	assert.ErrorAs(t, err, &encErr)
}

func TestReadRequest_CleanEOF(t *testing.T) {
	_, err := ReadRequest(reader(""))
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadRequest_SequentialRequests(t *testing.T) {
	preamble := "GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"
	r := reader(reqmodWire(preamble, "one") + reqmodWire(preamble, "two"))

	first, err := ReadRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "one", string(first.HTTP.Body))

	second, err := ReadRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "two", string(second.HTTP.Body))

	_, err = ReadRequest(r)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadHTTPMessage(t *testing.T) {
	t.Run("request with chunked body", func(t *testing.T) {
		msg, err := ReadHTTPMessage(reader("POST /api HTTP/1.1\r\nHost: example.com\r\n\r\n" + chunked("payload")))
		require.NoError(t, err)
		assert.True(t, msg.IsRequest())
		assert.Equal(t, "payload", string(msg.Body))
	})

	t.Run("preamble only, body ends at EOF", func(t *testing.T) {
		msg, err := ReadHTTPMessage(reader("HTTP/1.1 304 Not Modified\r\nDate: now\r\n\r\n"))
		require.NoError(t, err)
		assert.True(t, msg.IsResponse())
		assert.Equal(t, 304, msg.StatusLine.Code)
		assert.Empty(t, msg.Body)
	})
}
