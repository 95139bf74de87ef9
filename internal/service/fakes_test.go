package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"

	"github.com/vipul43/meetsync-worker/internal/ics"
	"github.com/vipul43/meetsync-worker/internal/lock"
	"github.com/vipul43/meetsync-worker/internal/merge"
	"github.com/vipul43/meetsync-worker/internal/models"
	"github.com/vipul43/meetsync-worker/internal/mtm"
	"github.com/vipul43/meetsync-worker/internal/normalize"
	"github.com/vipul43/meetsync-worker/internal/repository"
	"github.com/vipul43/meetsync-worker/internal/vault"
)

const testVaultKey = "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY="

func newTestVault(t *testing.T) *vault.Vault {
	t.Helper()
	keys, err := vault.NewStaticKeyProvider(testVaultKey)
	require.NoError(t, err)
	return vault.New(keys)
}

// mockAccountStore is an in-memory CalendarAccountStore.
type mockAccountStore struct {
	mu   sync.Mutex
	rows map[string]*models.CalendarAccount
}

func newMockAccountStore() *mockAccountStore {
	return &mockAccountStore{rows: map[string]*models.CalendarAccount{}}
}

func accountKey(uid string, p models.Provider) string { return uid + "|" + string(p) }

func (m *mockAccountStore) Get(ctx context.Context, userID string, provider models.Provider) (*models.CalendarAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[accountKey(userID, provider)]
	if !ok {
		return nil, repository.ErrCalendarAccountNotFound
	}
	cp := *row
	return &cp, nil
}

func (m *mockAccountStore) Upsert(ctx context.Context, account *models.CalendarAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *account
	if old, ok := m.rows[accountKey(account.UserID, account.Provider)]; ok {
		cp.ID = old.ID
		cp.MirrorEnabled = old.MirrorEnabled
		cp.CalendarID = old.CalendarID
		cp.LastSyncAt = old.LastSyncAt
		cp.CreatedAt = old.CreatedAt
	}
	m.rows[accountKey(account.UserID, account.Provider)] = &cp
	return nil
}

func (m *mockAccountStore) mutate(userID string, provider models.Provider, fn func(*models.CalendarAccount)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[accountKey(userID, provider)]
	if !ok {
		return repository.ErrCalendarAccountNotFound
	}
	fn(row)
	return nil
}

func (m *mockAccountStore) UpdateTokens(ctx context.Context, userID string, provider models.Provider, accessTokenEnc string, refreshTokenEnc *string, expiresAt time.Time) error {
	return m.mutate(userID, provider, func(a *models.CalendarAccount) {
		a.AccessTokenEncrypted = &accessTokenEnc
		if refreshTokenEnc != nil {
			a.RefreshTokenEncrypted = refreshTokenEnc
		}
		a.ExpiresAt = &expiresAt
		a.Status = models.ConnectionConnected
	})
}

func (m *mockAccountStore) UpdateLastSync(ctx context.Context, userID string, provider models.Provider, at time.Time) error {
	return m.mutate(userID, provider, func(a *models.CalendarAccount) {
		a.LastSyncAt, a.LastAttemptAt = &at, &at
		a.Status = models.ConnectionConnected
		a.LastError, a.LastErrorKind = nil, nil
	})
}

func (m *mockAccountStore) RecordError(ctx context.Context, userID string, provider models.Provider, status models.ConnectionStatus, kind, message string) error {
	return m.mutate(userID, provider, func(a *models.CalendarAccount) {
		now := time.Now()
		a.Status = status
		a.LastError, a.LastErrorKind = &message, &kind
		a.LastAttemptAt = &now
	})
}

func (m *mockAccountStore) UpdateFeedCache(ctx context.Context, userID string, etag, lastModified *string) error {
	return m.mutate(userID, models.ProviderICS, func(a *models.CalendarAccount) {
		a.ETag, a.LastModified = etag, lastModified
	})
}

func (m *mockAccountStore) SetMirror(ctx context.Context, userID string, provider models.Provider, enabled bool, calendarID string) error {
	return m.mutate(userID, provider, func(a *models.CalendarAccount) {
		a.MirrorEnabled, a.CalendarID = enabled, calendarID
	})
}

func (m *mockAccountStore) Delete(ctx context.Context, userID string, provider models.Provider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, accountKey(userID, provider))
	return nil
}

func (m *mockAccountStore) row(uid string, p models.Provider) *models.CalendarAccount {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rows[accountKey(uid, p)]; ok {
		cp := *r
		return &cp
	}
	return nil
}

// mockMeetingStore is an in-memory MeetingStore that reconciles the same way
// the postgres repository does.
type mockMeetingStore struct {
	mu      sync.Mutex
	rows    map[string]*models.ExternalMeeting
	upserts int
}

func newMockMeetingStore() *mockMeetingStore {
	return &mockMeetingStore{rows: map[string]*models.ExternalMeeting{}}
}

func (m *mockMeetingStore) Upsert(ctx context.Context, incoming *models.ExternalMeeting, now time.Time) (models.UpsertOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	key := incoming.MirrorKey()
	merged, outcome := models.Reconcile(m.rows[key], incoming, now)
	m.rows[key] = merged
	return outcome, nil
}

func (m *mockMeetingStore) list(userID string, provider models.Provider, from, to time.Time, activeOnly bool) []models.ExternalMeeting {
	var out []models.ExternalMeeting
	for _, r := range m.rows {
		if r.UserID != userID || r.Provider != provider || r.StartAt.Before(from) || r.StartAt.After(to) {
			continue
		}
		if activeOnly && !r.Status.IsActive() {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartAt.Before(out[j].StartAt) })
	return out
}

func (m *mockMeetingStore) ListActiveInWindow(ctx context.Context, userID string, provider models.Provider, from, to time.Time) ([]models.ExternalMeeting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list(userID, provider, from, to, true), nil
}

func (m *mockMeetingStore) ListInWindow(ctx context.Context, userID string, provider models.Provider, from, to time.Time) ([]models.ExternalMeeting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list(userID, provider, from, to, false), nil
}

func (m *mockMeetingStore) MarkCanceled(ctx context.Context, userID string, provider models.Provider, externalIDs []string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range externalIDs {
		r, ok := m.rows[userID+"|"+string(provider)+"|"+id]
		if !ok || !r.Status.IsActive() {
			continue
		}
		r.Status = models.MeetingCanceled
		r.UpdatedAt = now
		n++
	}
	return n, nil
}

func (m *mockMeetingStore) byID(id string) *models.ExternalMeeting {
	for _, r := range m.rows {
		if r.ID == id {
			return r
		}
	}
	return nil
}

func (m *mockMeetingStore) SetGEventID(ctx context.Context, meetingID, gEventID string, mirroredAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.byID(meetingID)
	if r == nil {
		return repository.ErrMeetingNotFound
	}
	r.GEventID, r.MirroredAt = &gEventID, &mirroredAt
	return nil
}

func (m *mockMeetingStore) MarkMirrored(ctx context.Context, meetingID string, mirroredAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.byID(meetingID)
	if r == nil {
		return repository.ErrMeetingNotFound
	}
	r.MirroredAt = &mirroredAt
	return nil
}

func (m *mockMeetingStore) ClearGEventID(ctx context.Context, meetingID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.byID(meetingID)
	if r == nil {
		return repository.ErrMeetingNotFound
	}
	r.GEventID, r.MirroredAt = nil, nil
	return nil
}

func (m *mockMeetingStore) get(uid string, p models.Provider, externalID string) *models.ExternalMeeting {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rows[uid+"|"+string(p)+"|"+externalID]; ok {
		cp := *r
		return &cp
	}
	return nil
}

func (m *mockMeetingStore) all() []models.ExternalMeeting {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ExternalMeeting
	for _, r := range m.rows {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartAt.Before(out[j].StartAt) })
	return out
}

// mockFeed serves one ICS document with an ETag derived from its content.
type mockFeed struct {
	mu      sync.Mutex
	body    string
	err     error
	fetches int
	urls    []string
}

func (f *mockFeed) set(body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.body = body
}

func (f *mockFeed) Fetch(ctx context.Context, feedURL, etag, lastModified string) (*ics.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	f.urls = append(f.urls, feedURL)
	if f.err != nil {
		return nil, f.err
	}
	current := fmt.Sprintf(`"%s"`, vault.Fingerprint(f.body)[:16])
	if etag == current {
		return &ics.FetchResult{NotModified: true, ETag: etag, LastModified: lastModified}, nil
	}
	return &ics.FetchResult{Data: []byte(f.body), ETag: current}, nil
}

// mockCalendar is an in-memory CalendarClient.
type mockCalendar struct {
	mu       sync.Mutex
	events   map[string]*calendar.Event
	source   []*calendar.Event
	nextID   int
	inserts  atomic.Int32
	patches  atomic.Int32
	deletes  atomic.Int32
	refresh  atomic.Int32
	failWith error
}

func newMockCalendar() *mockCalendar {
	return &mockCalendar{events: map[string]*calendar.Event{}}
}

func (c *mockCalendar) ListEvents(ctx context.Context, accessToken, calendarID string, from, to time.Time) ([]*calendar.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.source, nil
}

func (c *mockCalendar) InsertEvent(ctx context.Context, accessToken, calendarID string, ev *calendar.Event) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWith != nil {
		return "", c.failWith
	}
	c.inserts.Add(1)
	c.nextID++
	id := fmt.Sprintf("gev-%d", c.nextID)
	c.events[id] = ev
	return id, nil
}

func (c *mockCalendar) PatchEvent(ctx context.Context, accessToken, calendarID, eventID string, ev *calendar.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.patches.Add(1)
	c.events[eventID] = ev
	return nil
}

func (c *mockCalendar) DeleteEvent(ctx context.Context, accessToken, calendarID, eventID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deletes.Add(1)
	delete(c.events, eventID)
	return nil
}

func (c *mockCalendar) RefreshAccessToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	c.refresh.Add(1)
	return &oauth2.Token{AccessToken: "google-fresh", RefreshToken: refreshToken, Expiry: time.Now().Add(time.Hour)}, nil
}

// mockGoogleAccounts is the sign-in table.
type mockGoogleAccounts struct {
	mu       sync.Mutex
	accounts map[string]*models.Account
}

func (g *mockGoogleAccounts) GetByUserAndProvider(ctx context.Context, userID, providerID string) (*models.Account, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	acc, ok := g.accounts[userID]
	if !ok || acc.ProviderID != providerID {
		return nil, repository.ErrAccountNotFound
	}
	cp := *acc
	return &cp, nil
}

func (g *mockGoogleAccounts) UpdateTokens(ctx context.Context, accountID string, accessToken string, refreshToken string, expiresAt time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, acc := range g.accounts {
		if acc.ID == accountID {
			acc.AccessToken, acc.RefreshToken, acc.AccessTokenExpiresAt = &accessToken, &refreshToken, &expiresAt
			return nil
		}
	}
	return repository.ErrAccountNotFound
}

func googleSignIn(uid string, expiresIn time.Duration) *mockGoogleAccounts {
	access, refresh := "google-access", "google-refresh"
	exp := time.Now().Add(expiresIn)
	return &mockGoogleAccounts{accounts: map[string]*models.Account{
		uid: {
			ID:                   uuid.New().String(),
			UserID:               uid,
			ProviderID:           "google",
			AccessToken:          &access,
			RefreshToken:         &refresh,
			AccessTokenExpiresAt: &exp,
		},
	}}
}

// mockMeetingAPI satisfies MeetingAPI; Paginate is backed by a real client
// when one is set.
type mockMeetingAPI struct {
	client       *mtm.Client
	exchangeFunc func(ctx context.Context, code string) (*oauth2.Token, error)
	refreshFunc  func(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

func (m *mockMeetingAPI) Paginate(accessToken string, from, to time.Time) *mtm.PageIterator {
	return m.client.Paginate(accessToken, from, to)
}

func (m *mockMeetingAPI) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	if m.exchangeFunc != nil {
		return m.exchangeFunc(ctx, code)
	}
	return &oauth2.Token{AccessToken: "access-1", RefreshToken: "refresh-1", Expiry: time.Now().Add(time.Hour)}, nil
}

func (m *mockMeetingAPI) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if m.refreshFunc != nil {
		return m.refreshFunc(ctx, refreshToken)
	}
	return &oauth2.Token{AccessToken: "access-2", RefreshToken: refreshToken, Expiry: time.Now().Add(time.Hour)}, nil
}

// harness wires the service layer over in-memory fakes.
type harness struct {
	vault    *vault.Vault
	accounts *mockAccountStore
	meetings *mockMeetingStore
	feed     *mockFeed
	calendar *mockCalendar
	google   *mockGoogleAccounts
	api      *mockMeetingAPI
	locker   *lock.MemoryLocker

	registry     *AccountRegistry
	tokens       *TokenManager
	mirror       *MirrorWriter
	orchestrator *Orchestrator
	integration  *IntegrationService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		vault:    newTestVault(t),
		accounts: newMockAccountStore(),
		meetings: newMockMeetingStore(),
		feed:     &mockFeed{},
		calendar: newMockCalendar(),
		google:   &mockGoogleAccounts{accounts: map[string]*models.Account{}},
		api:      &mockMeetingAPI{},
		locker:   lock.NewMemoryLocker(),
	}
	h.rewire()
	return h
}

// rewire rebuilds the services after a fake was swapped.
func (h *harness) rewire() {
	h.registry = NewAccountRegistry(h.accounts, h.vault)
	h.tokens = NewTokenManager(h.registry, h.api, h.google, h.calendar)
	h.mirror = NewMirrorWriter(h.meetings, h.calendar, h.tokens)
	h.orchestrator = NewOrchestrator(OrchestratorConfig{PassTimeout: 5 * time.Second}, Deps{
		Registry:   h.registry,
		Tokens:     h.tokens,
		Meetings:   h.meetings,
		API:        h.api,
		Feeds:      h.feed,
		Calendar:   h.calendar,
		Normalizer: normalize.New(nil),
		Venues:     &merge.VenueTable{},
		Mirror:     h.mirror,
		Locker:     h.locker,
	})
	h.integration = NewIntegrationService(h.registry, h.tokens, h.orchestrator, h.mirror, h.api, h.feed)
}
