package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"icap"
)

type fakeIndex map[string]bool

func (f fakeIndex) HasService(path string) bool { return f[path] }

func icapRequest(t *testing.T, method, rawURI string) *icap.ICAPRequest {
	t.Helper()
	req := icap.NewICAPRequest()
	line, err := icap.NewRequestLine(method, rawURI, "ICAP/1.0")
	require.NoError(t, err)
	req.Line = line
	return req
}

func TestID(t *testing.T) {
	req := icapRequest(t, "REQMOD", "icap://localhost/reqmod")
	req.Headers.Add("X-Session-ID", "client-chosen")
	assert.Equal(t, "client-chosen", ID(req))

	anon := icapRequest(t, "REQMOD", "icap://localhost/reqmod")
	first := ID(anon)
	assert.NotEmpty(t, first)
	assert.NotEqual(t, first, ID(anon), "generated IDs are fresh per call")
	assert.False(t, anon.Headers.Has("X-Session-ID"), "ID must not mutate the request")
}

func TestAttach(t *testing.T) {
	store := NewMemoryStore()
	req := icapRequest(t, "REQMOD", "icap://localhost/reqmod")
	req.Headers.Add("X-Session-ID", "s1")
	req.HTTP = icap.NewHTTPRequest()
	httpLine, err := icap.NewRequestLine("GET", "http://example.com/page", "HTTP/1.1")
	require.NoError(t, err)
	req.HTTP.RequestLine = httpLine

	sess, err := Attach(context.Background(), store, req)
	require.NoError(t, err)
	assert.Same(t, sess, req.Session)
	assert.Equal(t, "s1", sess.ID)
	require.NotNil(t, sess.URL)
	assert.Equal(t, "http://example.com/page", sess.URL.String())

	// A second attach for the same ID sees the same session and keeps the
	// original URL.
	sess.Data["verdict"] = "clean"
	again, err := Attach(context.Background(), store, req)
	require.NoError(t, err)
	assert.Equal(t, "clean", again.Data["verdict"])
	assert.Equal(t, "http://example.com/page", again.URL.String())
}

func TestShouldFinalize(t *testing.T) {
	index := fakeIndex{"/filter/respmod": true}

	tests := []struct {
		name      string
		method    string
		uri       string
		sessionID string
		want      bool
	}{
		{"options never finalizes", "OPTIONS", "icap://h/filter/reqmod", "s", false},
		{"respmod always finalizes", "RESPMOD", "icap://h/filter/respmod", "s", true},
		{"reqmod without session id finalizes", "REQMOD", "icap://h/filter/reqmod", "", true},
		{"reqmod with paired respmod keeps session", "REQMOD", "icap://h/filter/reqmod", "s", false},
		{"reqmod without paired respmod finalizes", "REQMOD", "icap://h/other/reqmod", "s", true},
		{"trailing slash still pairs", "REQMOD", "icap://h/filter/reqmod/", "s", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := icapRequest(t, tt.method, tt.uri)
			if tt.sessionID != "" {
				req.Headers.Add("X-Session-ID", tt.sessionID)
			}
			assert.Equal(t, tt.want, ShouldFinalize(req, index))
		})
	}
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	s, err := store.Get(ctx, "a")
	require.NoError(t, err)
	s.Data["k"] = "v"

	again, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Same(t, s, again)
	assert.Equal(t, 1, store.Len())

	existed, err := store.Finalize(ctx, "a")
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, 0, store.Len())

	existed, err = store.Finalize(ctx, "a")
	require.NoError(t, err)
	assert.False(t, existed)
}
