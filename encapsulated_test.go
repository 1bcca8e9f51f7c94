package icap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEncapsulated(t *testing.T) {
	tests := []struct {
		name  string
		field string
		want  []EncapsulatedEntry
	}{
		{
			name:  "reqmod with body",
			field: "req-hdr=0, req-body=412",
			want:  []EncapsulatedEntry{{"req-hdr", 0}, {"req-body", 412}},
		},
		{
			name:  "respmod with originating request",
			field: "req-hdr=0, res-hdr=822, res-body=1655",
			want:  []EncapsulatedEntry{{"req-hdr", 0}, {"res-hdr", 822}, {"res-body", 1655}},
		},
		{
			name:  "null body",
			field: "req-hdr=0, null-body=170",
			want:  []EncapsulatedEntry{{"req-hdr", 0}, {"null-body", 170}},
		},
		{
			name:  "body only",
			field: "res-body=0",
			want:  []EncapsulatedEntry{{"res-body", 0}},
		},
		{
			name:  "whitespace tolerated",
			field: " req-hdr = 0 ,req-body = 7 ",
			want:  []EncapsulatedEntry{{"req-hdr", 0}, {"req-body", 7}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseEncapsulated(tt.field)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseEncapsulated_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		field string
	}{
		{"missing equals", "req-hdr"},
		{"non-numeric offset", "req-hdr=zero"},
		{"body before headers", "req-body=0, req-hdr=50"},
		{"mixed req and res body", "req-hdr=0, req-body=10, res-body=20"},
		{"unknown section", "res-ftr=0"},
		{"empty", ""},
		{"negative offset", "req-hdr=-1, req-body=5"},
		{"decreasing offsets", "req-hdr=10, req-body=5"},
		{"repeated offset", "req-hdr=0, req-body=0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseEncapsulated(tt.field)
			var encErr *InvalidEncapsulatedError
			assert.ErrorAs(t, err, &encErr)
		})
	}
}

func TestDumpEncapsulated(t *testing.T) {
	field, err := DumpEncapsulated([]EncapsulatedEntry{{"res-hdr", 0}, {"res-body", 137}})
	require.NoError(t, err)
	assert.Equal(t, "res-hdr=0, res-body=137", field)

	field, err = DumpEncapsulated([]EncapsulatedEntry{{"opt-body", 0}})
	require.NoError(t, err)
	assert.Equal(t, "opt-body=0", field)

	// res-hdr followed by req-body is not a legal response composition.
	_, err = DumpEncapsulated([]EncapsulatedEntry{{"res-hdr", 0}, {"req-body", 10}})
	var encErr *InvalidEncapsulatedError
	assert.ErrorAs(t, err, &encErr)
}

func TestOffsetsToSizes(t *testing.T) {
	sized := offsetsToSizes([]EncapsulatedEntry{
		{"req-hdr", 0}, {"res-hdr", 822}, {"res-body", 1655},
	})
	assert.Equal(t, []EncapsulatedEntry{
		{"req-hdr", 822}, {"res-hdr", 833}, {"res-body", -1},
	}, sized)

	sized = offsetsToSizes([]EncapsulatedEntry{{"req-hdr", 0}, {"null-body", 170}})
	assert.Equal(t, []EncapsulatedEntry{{"req-hdr", 170}, {"null-body", 0}}, sized)

	assert.Empty(t, offsetsToSizes(nil))
}

func TestStatusError(t *testing.T) {
	err := Abort(418)
	assert.Equal(t, "418 Bad Composition", err.Error())
	assert.Equal(t, 418, StatusCode(err))
	assert.Equal(t, 0, StatusCode(ErrMalformedRequest))
	assert.Equal(t, 0, StatusCode(nil))
}
