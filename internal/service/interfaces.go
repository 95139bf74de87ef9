package service

import (
	"context"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"

	"github.com/vipul43/meetsync-worker/internal/ics"
	"github.com/vipul43/meetsync-worker/internal/models"
	"github.com/vipul43/meetsync-worker/internal/mtm"
)

// CalendarAccountStore persists encrypted account rows
// (repository.CalendarAccountRepository).
type CalendarAccountStore interface {
	Get(ctx context.Context, userID string, provider models.Provider) (*models.CalendarAccount, error)
	Upsert(ctx context.Context, account *models.CalendarAccount) error
	UpdateTokens(ctx context.Context, userID string, provider models.Provider, accessTokenEnc string, refreshTokenEnc *string, expiresAt time.Time) error
	UpdateLastSync(ctx context.Context, userID string, provider models.Provider, at time.Time) error
	RecordError(ctx context.Context, userID string, provider models.Provider, status models.ConnectionStatus, kind, message string) error
	UpdateFeedCache(ctx context.Context, userID string, etag, lastModified *string) error
	SetMirror(ctx context.Context, userID string, provider models.Provider, enabled bool, calendarID string) error
	Delete(ctx context.Context, userID string, provider models.Provider) error
}

// MeetingStore persists synced meetings (repository.ExternalMeetingRepository).
type MeetingStore interface {
	Upsert(ctx context.Context, incoming *models.ExternalMeeting, now time.Time) (models.UpsertOutcome, error)
	ListActiveInWindow(ctx context.Context, userID string, provider models.Provider, from, to time.Time) ([]models.ExternalMeeting, error)
	ListInWindow(ctx context.Context, userID string, provider models.Provider, from, to time.Time) ([]models.ExternalMeeting, error)
	MarkCanceled(ctx context.Context, userID string, provider models.Provider, externalIDs []string, now time.Time) (int, error)
	SetGEventID(ctx context.Context, meetingID, gEventID string, mirroredAt time.Time) error
	MarkMirrored(ctx context.Context, meetingID string, mirroredAt time.Time) error
	ClearGEventID(ctx context.Context, meetingID string) error
}

// GoogleAccountStore reads the web app's sign-in table
// (repository.AccountRepository).
type GoogleAccountStore interface {
	GetByUserAndProvider(ctx context.Context, userID, providerID string) (*models.Account, error)
	UpdateTokens(ctx context.Context, accountID string, accessToken string, refreshToken string, accessTokenExpiresAt time.Time) error
}

// MeetingAPI is the OAuth meeting provider (mtm.Client).
type MeetingAPI interface {
	Paginate(accessToken string, from, to time.Time) *mtm.PageIterator
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// FeedFetcher downloads ICS feeds (ics.Fetcher).
type FeedFetcher interface {
	Fetch(ctx context.Context, feedURL, etag, lastModified string) (*ics.FetchResult, error)
}

// CalendarClient is Google Calendar (google.Client).
type CalendarClient interface {
	ListEvents(ctx context.Context, accessToken, calendarID string, from, to time.Time) ([]*calendar.Event, error)
	InsertEvent(ctx context.Context, accessToken, calendarID string, ev *calendar.Event) (string, error)
	PatchEvent(ctx context.Context, accessToken, calendarID, eventID string, ev *calendar.Event) error
	DeleteEvent(ctx context.Context, accessToken, calendarID, eventID string) error
	RefreshAccessToken(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}
