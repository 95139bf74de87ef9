package mtm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vipul43/meetsync-worker/internal/retry"
	"github.com/vipul43/meetsync-worker/internal/syncerr"
)

var (
	windowFrom = time.Date(2025, 8, 13, 0, 0, 0, 0, time.UTC)
	windowTo   = time.Date(2025, 9, 19, 0, 0, 0, 0, time.UTC)
)

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func newTestClient(srv *httptest.Server) *Client {
	return NewClient(Config{
		BaseURL:      srv.URL,
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURL:  "https://app.example.com/callback",
		PageSize:     2,
		Retry:        fastPolicy(),
		HTTPClient:   srv.Client(),
	})
}

// pagedServer serves totalPages pages of two meetings each.
func pagedServer(t *testing.T, totalPages int, hits *atomic.Int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/v1/meetings", r.URL.Path)
		assert.Equal(t, "Bearer access-1", r.Header.Get("Authorization"))
		assert.Equal(t, windowFrom.Format(time.RFC3339), r.URL.Query().Get("from"))

		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		resp := Page{Pagination: Pagination{Page: page, PageSize: 2, HasNext: page < totalPages}}
		for i := 0; i < 2; i++ {
			resp.Meetings = append(resp.Meetings, Meeting{
				ID:        fmt.Sprintf("m-%d-%d", page, i),
				Title:     "Intro call",
				StartTime: "2025-08-20T10:00:00Z",
				EndTime:   "2025-08-20T10:30:00Z",
				Status:    "confirmed",
				Participants: []Participant{
					{Name: "Grace", Company: "Acme"},
				},
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestPaginate_WalksAllPages(t *testing.T) {
	var hits atomic.Int32
	srv := pagedServer(t, 3, &hits)
	defer srv.Close()

	it := newTestClient(srv).Paginate("access-1", windowFrom, windowTo)
	defer it.Close()

	var ids []string
	for it.Next(context.Background()) {
		for _, m := range it.Page().Meetings {
			ids = append(ids, m.ID)
		}
	}
	require.NoError(t, it.Err())
	assert.Len(t, ids, 6)
	assert.Equal(t, "m-1-0", ids[0])
	assert.Equal(t, "m-3-1", ids[5])
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, 3, it.PagesFetched())
}

func TestPaginate_EarlyCloseStopsFetching(t *testing.T) {
	var hits atomic.Int32
	srv := pagedServer(t, 10, &hits)
	defer srv.Close()

	it := newTestClient(srv).Paginate("access-1", windowFrom, windowTo)
	require.True(t, it.Next(context.Background()))
	it.Close()

	assert.False(t, it.Next(context.Background()))
	assert.NoError(t, it.Err())
	assert.Equal(t, int32(1), hits.Load())
}

func TestPaginate_CanceledContextStopsFetching(t *testing.T) {
	var hits atomic.Int32
	srv := pagedServer(t, 10, &hits)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	it := newTestClient(srv).Paginate("access-1", windowFrom, windowTo)
	defer it.Close()

	require.True(t, it.Next(ctx))
	cancel()
	assert.False(t, it.Next(ctx))
	assert.ErrorIs(t, it.Err(), context.Canceled)
	assert.Equal(t, int32(1), hits.Load())
}

func TestListMeetings_RetriesRateLimit(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(Page{Meetings: []Meeting{{ID: "m1"}}})
	}))
	defer srv.Close()

	page, err := newTestClient(srv).ListMeetings(context.Background(), "access-1", windowFrom, windowTo, 1, 0)
	require.NoError(t, err)
	assert.Len(t, page.Meetings, 1)
	assert.Equal(t, int32(2), hits.Load())
}

func TestListMeetings_ErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		kind     syncerr.Kind
		attempts int32
	}{
		{"server error retried then surfaced", http.StatusBadGateway, syncerr.KindTransient, 3},
		{"rate limit retried then surfaced", http.StatusTooManyRequests, syncerr.KindRateLimited, 3},
		{"unauthorized not retried", http.StatusUnauthorized, syncerr.KindAuthExpired, 1},
		{"not found not retried", http.StatusNotFound, syncerr.KindPermanent, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := newTestClient(srv).ListMeetings(context.Background(), "access-1", windowFrom, windowTo, 1, 0)
			require.Error(t, err)
			assert.Equal(t, tt.kind, syncerr.KindOf(err))
			assert.Equal(t, tt.attempts, hits.Load())
		})
	}
}

func tokenServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", handler)
	return httptest.NewServer(mux)
}

func TestRefresh_KeepsRefreshTokenWhenNotRotated(t *testing.T) {
	srv := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "refresh-1", r.PostForm.Get("refresh_token"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"access-2","token_type":"Bearer","expires_in":3600}`))
	})
	defer srv.Close()

	token, err := newTestClient(srv).Refresh(context.Background(), "refresh-1")
	require.NoError(t, err)
	assert.Equal(t, "access-2", token.AccessToken)
	assert.Equal(t, "refresh-1", token.RefreshToken)
	assert.WithinDuration(t, time.Now().Add(time.Hour), token.Expiry, time.Minute)
}

func TestRefresh_InvalidGrantIsAuthExpired(t *testing.T) {
	srv := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"token revoked"}`))
	})
	defer srv.Close()

	_, err := newTestClient(srv).Refresh(context.Background(), "refresh-1")
	require.Error(t, err)
	assert.Equal(t, syncerr.KindAuthExpired, syncerr.KindOf(err))
}

func TestExchange(t *testing.T) {
	srv := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		assert.Equal(t, "code-xyz", r.PostForm.Get("code"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"a","refresh_token":"r","token_type":"Bearer","expires_in":600}`))
	})
	defer srv.Close()

	client := newTestClient(srv)
	token, err := client.Exchange(context.Background(), "code-xyz")
	require.NoError(t, err)
	assert.Equal(t, "r", token.RefreshToken)

	_, err = client.Exchange(context.Background(), "")
	assert.Equal(t, syncerr.KindPermanent, syncerr.KindOf(err))

	assert.Contains(t, client.AuthCodeURL("state-1"), srv.URL+"/oauth/authorize")
}
