package geocode

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeocode(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "test-key", r.URL.Query().Get("key"))
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("address") {
		case "1600 Amphitheatre Pkwy":
			_, _ = w.Write([]byte(`{"status":"OK","results":[{"geometry":{"location":{"lat":37.422,"lng":-122.084}}}]}`))
		case "Nowhere":
			_, _ = w.Write([]byte(`{"status":"ZERO_RESULTS","results":[]}`))
		default:
			_, _ = w.Write([]byte(`{"status":"OVER_QUERY_LIMIT"}`))
		}
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "test-key", BaseURL: srv.URL, HTTPClient: srv.Client()})
	ctx := context.Background()

	p := c.Geocode(ctx, "1600 Amphitheatre Pkwy")
	require.NotNil(t, p)
	assert.InDelta(t, 37.422, p.Lat, 1e-6)
	assert.InDelta(t, -122.084, p.Lng, 1e-6)

	// cached, case and whitespace insensitive
	p = c.Geocode(ctx, "  1600 amphitheatre   pkwy ")
	require.NotNil(t, p)
	assert.Equal(t, int32(1), hits.Load())

	// a definitive miss is cached too
	assert.Nil(t, c.Geocode(ctx, "Nowhere"))
	assert.Nil(t, c.Geocode(ctx, "Nowhere"))
	assert.Equal(t, int32(2), hits.Load())

	// errors are misses but are retried next time
	assert.Nil(t, c.Geocode(ctx, "Somewhere busy"))
	assert.Nil(t, c.Geocode(ctx, "Somewhere busy"))
	assert.Equal(t, int32(4), hits.Load())
}

func TestGeocode_DisabledOrVirtual(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	disabled := NewClient(Config{BaseURL: srv.URL})
	assert.False(t, disabled.Enabled())
	assert.Nil(t, disabled.Geocode(context.Background(), "Room 4"))

	enabled := NewClient(Config{APIKey: "k", BaseURL: srv.URL, HTTPClient: srv.Client()})
	assert.Nil(t, enabled.Geocode(context.Background(), "https://zoom.us/j/123"))
	assert.Nil(t, enabled.Geocode(context.Background(), "   "))
	assert.Equal(t, int32(0), hits.Load())
}

func TestGeocode_ServerDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "k", BaseURL: srv.URL, HTTPClient: srv.Client()})
	assert.Nil(t, c.Geocode(context.Background(), "Room 4"))
}

func TestIsVirtual(t *testing.T) {
	assert.True(t, IsVirtual("https://meet.google.com/abc-defg-hij"))
	assert.True(t, IsVirtual("Microsoft Teams Meeting teams.microsoft.com"))
	assert.False(t, IsVirtual("Room 4, 221B Baker Street"))
}
