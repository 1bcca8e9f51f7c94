package icap

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Headers an ICAP response may carry, per RFC 3507 section 4.3.3. Anything
// else that isn't X- prefixed is stripped before serialization.
var responseHeaderAllow = map[string]bool{
	"cache-control": true,
	"connection":    true,
	"date":          true,
	"encapsulated":  true,
	"expires":       true,
	"istag":         true,
	"pragma":        true,
	"server":        true,
	"trailer":       true,
	"upgrade":       true,
}

// Additional headers allowed on OPTIONS responses, per section 4.10.2.
var optionsHeaderAllow = map[string]bool{
	"allow":             true,
	"max-connections":   true,
	"methods":           true,
	"opt-body-type":     true,
	"options-ttl":       true,
	"preview":           true,
	"service":           true,
	"service-id":        true,
	"transfer-complete": true,
	"transfer-ignore":   true,
	"transfer-preview":  true,
}

// stripInvalidHeaders removes headers the response must not carry. X-
// prefixed extension headers always survive.
func stripInvalidHeaders(h *Headers, isOptions bool) {
	for _, key := range h.Keys() {
		if strings.HasPrefix(key, "x-") {
			continue
		}
		if responseHeaderAllow[key] {
			continue
		}
		if isOptions && optionsHeaderAllow[key] {
			continue
		}
		h.Del(key)
	}
}

// WriteResponse serializes resp to w: required Date and ISTag headers are
// set, invalid headers stripped, the Encapsulated header computed, and the
// encapsulated HTTP message written with a chunked body. Error and OPTIONS
// responses carry a null body. A gzip Content-Encoding on the HTTP message
// is restored on the way out.
func WriteResponse(w io.Writer, resp *ICAPResponse, istag string, isOptions bool) error {
	resp.Headers.Replace("Date", time.Now().UTC().Format(http.TimeFormat))
	resp.Headers.Replace("ISTag", istag)
	stripInvalidHeaders(resp.Headers, isOptions)

	if resp.Status.Code != 200 || isOptions || resp.HTTP == nil {
		field, err := DumpEncapsulated([]EncapsulatedEntry{{Name: "null-body", Value: 0}})
		if err != nil {
			return err
		}
		resp.Headers.Replace("Encapsulated", field)
		if _, err := w.Write(resp.Bytes()); err != nil {
			return err
		}
		_, err = io.WriteString(w, "\r\n")
		return err
	}

	msg := resp.HTTP
	preamble := append(msg.Bytes(), "\r\n"...)

	hdrKey, bodyKey := "res-hdr", "res-body"
	if msg.IsRequest() {
		hdrKey, bodyKey = "req-hdr", "req-body"
	}
	if len(msg.Body) == 0 {
		bodyKey = "null-body"
	}
	field, err := DumpEncapsulated([]EncapsulatedEntry{
		{Name: hdrKey, Value: 0},
		{Name: bodyKey, Value: len(preamble)},
	})
	if err != nil {
		return err
	}
	resp.Headers.Replace("Encapsulated", field)

	if _, err := w.Write(resp.Bytes()); err != nil {
		return err
	}
	if _, err := io.WriteString(w, "\r\n"); err != nil {
		return err
	}
	if _, err := w.Write(preamble); err != nil {
		return err
	}
	return writeChunkedBody(w, msg)
}

// writeChunkedBody writes the message body as a single chunk followed by
// the terminal chunk, re-applying gzip when the message advertises it.
func writeChunkedBody(w io.Writer, msg *HTTPMessage) error {
	if len(msg.Body) == 0 {
		return nil
	}

	body := msg.Body
	if strings.Contains(msg.Headers.Get("Content-Encoding"), "gzip") {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return fmt.Errorf("compressing body: %w", err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("compressing body: %w", err)
		}
		body = buf.Bytes()
	}

	if _, err := fmt.Fprintf(w, "%x\r\n", len(body)); err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n0\r\n\r\n")
	return err
}
