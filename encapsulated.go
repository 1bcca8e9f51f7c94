package icap

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// EncapsulatedEntry is one section of an Encapsulated header. Value is a
// byte offset when parsed from the wire, a size after offsetsToSizes.
type EncapsulatedEntry struct {
	Name  string
	Value int
}

// Valid Encapsulated section orders per RFC 3507 section 4.4.1:
//
//	REQMOD  request:  [req-hdr] req-body
//	REQMOD  response: {[req-hdr] req-body} | {[res-hdr] res-body}
//	RESPMOD request:  [req-hdr] [res-hdr] res-body
//	RESPMOD response: [res-hdr] res-body
//	OPTIONS response: opt-body
var (
	encapsulatedInputOrders = []*regexp.Regexp{
		regexp.MustCompile(`^(req-hdr )?(req-body|null-body)$`),
		regexp.MustCompile(`^(req-hdr )?(res-hdr )?(res-body|null-body)$`),
	}
	encapsulatedOutputOrders = []*regexp.Regexp{
		regexp.MustCompile(`(^(req-hdr )?(req-body|null-body)$)|(^(res-hdr )?(res-body|null-body)$)`),
		regexp.MustCompile(`^(res-hdr )?(res-body|null-body)$`),
		regexp.MustCompile(`^(opt-body|null-body)$`),
	}
)

// ParseEncapsulated parses an Encapsulated header value such as
// "req-hdr=0, req-body=749" into ordered entries, validating the section
// order against RFC 3507 section 4.4.1. Offsets must be non-negative and
// strictly increasing; anything else would yield negative section sizes.
func ParseEncapsulated(field string) ([]EncapsulatedEntry, error) {
	var entries []EncapsulatedEntry
	for _, part := range strings.Split(field, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, &InvalidEncapsulatedError{Field: field}
		}
		offset, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return nil, &InvalidEncapsulatedError{Field: field}
		}
		if offset < 0 || (len(entries) > 0 && offset <= entries[len(entries)-1].Value) {
			return nil, &InvalidEncapsulatedError{Field: field}
		}
		entries = append(entries, EncapsulatedEntry{Name: strings.TrimSpace(name), Value: offset})
	}

	keys := joinEntryNames(entries)
	for _, re := range encapsulatedInputOrders {
		if re.MatchString(keys) {
			return entries, nil
		}
	}
	return nil, &InvalidEncapsulatedError{Field: field}
}

// DumpEncapsulated serializes entries back to wire form, validating the
// section order against the allowed response orders.
func DumpEncapsulated(entries []EncapsulatedEntry) (string, error) {
	keys := joinEntryNames(entries)
	for _, re := range encapsulatedOutputOrders {
		if re.MatchString(keys) {
			parts := make([]string, len(entries))
			for i, e := range entries {
				parts[i] = fmt.Sprintf("%s=%d", e.Name, e.Value)
			}
			return strings.Join(parts, ", "), nil
		}
	}
	return "", &InvalidEncapsulatedError{Field: keys}
}

// offsetsToSizes converts parsed offsets to section sizes. Offsets describe
// where each section starts relative to the message body, which is awkward
// to consume; sizes are what the reader wants. The final section is the
// body: its size is unknowable from offsets alone, so it becomes -1, or 0
// for null-body.
func offsetsToSizes(entries []EncapsulatedEntry) []EncapsulatedEntry {
	sized := make([]EncapsulatedEntry, 0, len(entries))

	prevOffset := 0
	prevName := ""
	for _, e := range entries {
		size := e.Value - prevOffset
		if prevName != "" {
			sized = append(sized, EncapsulatedEntry{Name: prevName, Value: size})
		}
		prevName = e.Name
		prevOffset = e.Value
	}

	if prevName == "null-body" {
		sized = append(sized, EncapsulatedEntry{Name: prevName, Value: 0})
	} else if prevName != "" {
		sized = append(sized, EncapsulatedEntry{Name: prevName, Value: -1})
	}
	return sized
}

func joinEntryNames(entries []EncapsulatedEntry) string {
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return strings.Join(names, " ")
}
