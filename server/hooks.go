package server

import (
	"icap"
)

// Hooks customize points of the ICAP transaction. All hooks are optional
// and safe: a hook that panics is treated as if it returned its default, so
// a buggy hook cannot take down a transaction.
type Hooks struct {
	// OptionsHeaders returns extra headers to add to OPTIONS responses.
	OptionsHeaders func() *icap.Headers

	// ISTag returns a custom ISTag for a response. The request may be nil
	// (error responses written before parsing completed). Values longer
	// than 32 bytes are truncated, per RFC 3507 section 4.7.
	ISTag func(req *icap.ICAPRequest) string

	// BeforeHandling runs on each REQMOD/RESPMOD request before it is
	// passed to its handler.
	BeforeHandling func(req *icap.ICAPRequest)

	// BeforeSerialization runs on the request/response pair just before
	// the response is written.
	BeforeSerialization func(req *icap.ICAPRequest, resp *icap.ICAPResponse)
}

const maxISTagLen = 32

func (h Hooks) optionsHeaders() (extra *icap.Headers) {
	if h.OptionsHeaders == nil {
		return nil
	}
	defer func() {
		if recover() != nil {
			extra = nil
		}
	}()
	return h.OptionsHeaders()
}

func (h Hooks) istag(req *icap.ICAPRequest, fallback string) (tag string) {
	tag = fallback
	if h.ISTag == nil {
		return truncateISTag(tag)
	}
	defer func() {
		if recover() != nil {
			tag = truncateISTag(fallback)
		}
	}()
	if custom := h.ISTag(req); custom != "" {
		tag = custom
	}
	return truncateISTag(tag)
}

func (h Hooks) beforeHandling(req *icap.ICAPRequest) {
	if h.BeforeHandling == nil {
		return
	}
	defer func() { _ = recover() }()
	h.BeforeHandling(req)
}

func (h Hooks) beforeSerialization(req *icap.ICAPRequest, resp *icap.ICAPResponse) {
	if h.BeforeSerialization == nil {
		return
	}
	defer func() { _ = recover() }()
	h.BeforeSerialization(req, resp)
}

func truncateISTag(tag string) string {
	if len(tag) > maxISTagLen {
		return tag[:maxISTagLen]
	}
	return tag
}
