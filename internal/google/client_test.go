package google

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/calendar/v3"

	"github.com/vipul43/meetsync-worker/internal/models"
	"github.com/vipul43/meetsync-worker/internal/retry"
	"github.com/vipul43/meetsync-worker/internal/syncerr"
)

// fakeCalendar serves the subset of Calendar v3 the client uses.
type fakeCalendar struct {
	mu      sync.Mutex
	events  map[string]*calendar.Event
	order   []string
	nextID  int
	inserts atomic.Int32
	patches atomic.Int32
	deletes atomic.Int32
	failN   atomic.Int32
}

func newFakeCalendar() *fakeCalendar {
	return &fakeCalendar{events: map[string]*calendar.Event{}}
}

func (f *fakeCalendar) add(ev *calendar.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[ev.Id] = ev
	f.order = append(f.order, ev.Id)
}

func (f *fakeCalendar) get(id string) *calendar.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events[id]
}

func (f *fakeCalendar) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.failN.Load() > 0 {
		f.failN.Add(-1)
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	// calendars/{id}/events[/{eventId}]
	if len(parts) < 3 || parts[0] != "calendars" || parts[2] != "events" {
		http.NotFound(w, r)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case len(parts) == 3 && r.Method == http.MethodGet:
		f.list(w, r)
	case len(parts) == 3 && r.Method == http.MethodPost:
		var ev calendar.Event
		_ = json.NewDecoder(r.Body).Decode(&ev)
		f.nextID++
		ev.Id = fmt.Sprintf("evt-%d", f.nextID)
		f.events[ev.Id] = &ev
		f.order = append(f.order, ev.Id)
		f.inserts.Add(1)
		_ = json.NewEncoder(w).Encode(&ev)
	case len(parts) == 4 && r.Method == http.MethodPatch:
		ev, ok := f.events[parts[3]]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"code":404,"message":"Not Found"}}`))
			return
		}
		var patch calendar.Event
		_ = json.NewDecoder(r.Body).Decode(&patch)
		if patch.Summary != "" {
			ev.Summary = patch.Summary
		}
		f.patches.Add(1)
		_ = json.NewEncoder(w).Encode(ev)
	case len(parts) == 4 && r.Method == http.MethodDelete:
		f.deletes.Add(1)
		if _, ok := f.events[parts[3]]; !ok {
			w.WriteHeader(http.StatusGone)
			_, _ = w.Write([]byte(`{"error":{"code":410,"message":"Resource has been deleted"}}`))
			return
		}
		delete(f.events, parts[3])
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// list pages two events at a time.
func (f *fakeCalendar) list(w http.ResponseWriter, r *http.Request) {
	start := 0
	if tok := r.URL.Query().Get("pageToken"); tok != "" {
		_, _ = fmt.Sscanf(tok, "p%d", &start)
	}
	var live []string
	for _, id := range f.order {
		if _, ok := f.events[id]; ok {
			live = append(live, id)
		}
	}
	resp := calendar.Events{}
	end := min(start+2, len(live))
	for _, id := range live[start:end] {
		resp.Items = append(resp.Items, f.events[id])
	}
	if end < len(live) {
		resp.NextPageToken = fmt.Sprintf("p%d", end)
	}
	_ = json.NewEncoder(w).Encode(&resp)
}

func newTestClient(srv *httptest.Server) *Client {
	return NewClient(Config{
		ClientID:     "gid",
		ClientSecret: "gsecret",
		TokenURL:     srv.URL + "/token",
		Endpoint:     srv.URL + "/",
		Retry:        retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		HTTPClient:   srv.Client(),
	})
}

func timed(id, summary string) *calendar.Event {
	return &calendar.Event{
		Id:      id,
		Summary: summary,
		Start:   &calendar.EventDateTime{DateTime: "2025-08-20T10:00:00Z"},
		End:     &calendar.EventDateTime{DateTime: "2025-08-20T11:00:00Z"},
	}
}

func TestListEvents_PagesAndSkipsMirrors(t *testing.T) {
	fake := newFakeCalendar()
	fake.add(timed("a", "Team Sync"))
	mirror := timed("b", "Mirrored")
	mirror.ExtendedProperties = &calendar.EventExtendedProperties{Private: map[string]string{MirrorKeyProperty: "u1|mtm|m1"}}
	fake.add(mirror)
	fake.add(timed("c", "Lunch"))

	srv := httptest.NewServer(fake)
	defer srv.Close()

	from := time.Date(2025, 8, 13, 0, 0, 0, 0, time.UTC)
	events, err := newTestClient(srv).ListEvents(context.Background(), "access", "", from, from.AddDate(0, 1, 0))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "a", events[0].Id)
	assert.Equal(t, "c", events[1].Id)
}

func TestInsertPatchDelete(t *testing.T) {
	fake := newFakeCalendar()
	srv := httptest.NewServer(fake)
	defer srv.Close()
	c := newTestClient(srv)
	ctx := context.Background()

	m := &models.ExternalMeeting{
		UserID:     "u1",
		Provider:   models.ProviderICS,
		ExternalID: "team-sync@example.com",
		Title:      "Team Sync",
		StartAt:    time.Date(2025, 8, 20, 10, 0, 0, 0, time.UTC),
		EndAt:      time.Date(2025, 8, 20, 11, 0, 0, 0, time.UTC),
		Location:   "Room 4",
		Status:     models.MeetingAccepted,
	}
	id, err := c.InsertEvent(ctx, "access", "primary", EventFromMeeting(m))
	require.NoError(t, err)
	assert.Equal(t, "evt-1", id)
	assert.Equal(t, "u1|ics|team-sync@example.com", MirrorKey(fake.get(id)))

	require.NoError(t, c.PatchEvent(ctx, "access", "primary", id, &calendar.Event{Summary: "Team Sync (moved)"}))
	assert.Equal(t, "Team Sync (moved)", fake.get(id).Summary)

	require.NoError(t, c.DeleteEvent(ctx, "access", "primary", id))
	// already gone is not an error
	require.NoError(t, c.DeleteEvent(ctx, "access", "primary", id))
	assert.Equal(t, int32(2), fake.deletes.Load())

	err = c.PatchEvent(ctx, "access", "primary", id, &calendar.Event{Summary: "x"})
	assert.Equal(t, syncerr.KindPermanent, syncerr.KindOf(err))
}

func TestInsertEvent_RetriesServerErrors(t *testing.T) {
	fake := newFakeCalendar()
	fake.failN.Store(2)
	srv := httptest.NewServer(fake)
	defer srv.Close()

	id, err := newTestClient(srv).InsertEvent(context.Background(), "access", "", timed("", "Retry me"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, int32(1), fake.inserts.Load())
}

func TestRefreshAccessToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")
		if r.PostForm.Get("refresh_token") == "revoked" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"fresh","token_type":"Bearer","expires_in":3599}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	c := newTestClient(srv)

	tok, err := c.RefreshAccessToken(context.Background(), "refresh-g")
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok.AccessToken)
	assert.Equal(t, "refresh-g", tok.RefreshToken)

	_, err = c.RefreshAccessToken(context.Background(), "revoked")
	assert.Equal(t, syncerr.KindAuthExpired, syncerr.KindOf(err))

	_, err = c.RefreshAccessToken(context.Background(), "")
	assert.Equal(t, syncerr.KindAuthExpired, syncerr.KindOf(err))
}

func TestEventFromMeeting(t *testing.T) {
	m := &models.ExternalMeeting{
		UserID: "u1", Provider: models.ProviderMTM, ExternalID: "m1",
		Title: "Intro", Status: models.MeetingPending, TZ: "Europe/Paris",
		StartAt: time.Date(2025, 8, 20, 10, 0, 0, 0, time.UTC),
		EndAt:   time.Date(2025, 8, 20, 10, 30, 0, 0, time.UTC),
	}
	ev := EventFromMeeting(m)
	assert.Equal(t, "tentative", ev.Status)
	assert.Equal(t, "Europe/Paris", ev.Start.TimeZone)
	assert.Equal(t, "2025-08-20T10:00:00Z", ev.Start.DateTime)
	assert.True(t, IsMirror(ev))
	assert.False(t, IsMirror(&calendar.Event{}))
}
