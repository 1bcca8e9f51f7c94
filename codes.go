package icap

import "net/http"

// ICAP reason phrases that differ from their HTTP counterparts, per RFC 3507
// section 4.3.3.
var icapReasons = map[int]string{
	204: "No Modifications Needed",
	404: "ICAP Service Not Found",
	405: "Method Not Allowed For Service",
	418: "Bad Composition",
	501: "Method Not Implemented",
	503: "Service Overloaded",
	505: "ICAP Version Not Supported",
}

// ICAPStatusText returns the reason phrase for an ICAP status code. Codes
// without an ICAP-specific phrase fall back to the HTTP phrase.
func ICAPStatusText(code int) string {
	if reason, ok := icapReasons[code]; ok {
		return reason
	}
	return http.StatusText(code)
}

// HTTPStatusText returns the reason phrase for an HTTP status code.
func HTTPStatusText(code int) string {
	return http.StatusText(code)
}
