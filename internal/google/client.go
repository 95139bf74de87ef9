// Package google wraps the Google Calendar v3 API: it is both a merge source
// and the mirror target.
package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/vipul43/meetsync-worker/internal/logger"
	"github.com/vipul43/meetsync-worker/internal/models"
	"github.com/vipul43/meetsync-worker/internal/retry"
	"github.com/vipul43/meetsync-worker/internal/syncerr"
)

const (
	// MirrorKeyProperty is the private extended property set on every event
	// we create.
	MirrorKeyProperty = "meetsyncKey"

	DefaultCalendarID = "primary"
	TokenURL          = "https://oauth2.googleapis.com/token"

	listPageSize = 250
)

type Config struct {
	ClientID     string
	ClientSecret string
	// TokenURL and Endpoint override the Google defaults.
	TokenURL   string
	Endpoint   string
	Retry      retry.Policy
	HTTPClient *http.Client
}

type Client struct {
	clientID     string
	clientSecret string
	tokenURL     string
	endpoint     string
	policy       retry.Policy
	httpClient   *http.Client
	log          *zap.Logger
}

func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = TokenURL
	}
	return &Client{
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		tokenURL:     tokenURL,
		endpoint:     cfg.Endpoint,
		policy:       cfg.Retry,
		httpClient:   httpClient,
		log:          logger.Named("google"),
	}
}

func (c *Client) service(ctx context.Context, accessToken string) (*calendar.Service, error) {
	token := &oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}
	opts := []option.ClientOption{
		option.WithHTTPClient(oauth2.NewClient(c.oauthContext(ctx), oauth2.StaticTokenSource(token))),
	}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint))
	}
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, syncerr.New(syncerr.KindPermanent, "google.service", fmt.Errorf("failed to create Calendar service: %w", err))
	}
	return svc, nil
}

// ListEvents returns the single (expanded) events starting in [from, to],
// excluding events that are our own mirrors.
func (c *Client) ListEvents(ctx context.Context, accessToken, calendarID string, from, to time.Time) ([]*calendar.Event, error) {
	const op = "google.list_events"

	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	var (
		out       []*calendar.Event
		pageToken string
		mirrors   int
	)
	for {
		call := svc.Events.List(calendarOrPrimary(calendarID)).
			Context(ctx).
			SingleEvents(true).
			ShowDeleted(false).
			TimeMin(from.UTC().Format(time.RFC3339)).
			TimeMax(to.UTC().Format(time.RFC3339)).
			MaxResults(listPageSize)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		var resp *calendar.Events
		err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
			r, err := call.Do()
			if err != nil {
				return classify(op, err)
			}
			resp = r
			return nil
		})
		if err != nil {
			return nil, err
		}

		for _, ev := range resp.Items {
			if IsMirror(ev) {
				mirrors++
				continue
			}
			out = append(out, ev)
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	c.log.Debug("listed calendar events", logger.Count(len(out)), zap.Int("mirrors_skipped", mirrors))
	return out, nil
}

// InsertEvent creates ev and returns the id Google assigned.
func (c *Client) InsertEvent(ctx context.Context, accessToken, calendarID string, ev *calendar.Event) (string, error) {
	const op = "google.insert_event"

	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return "", err
	}
	var created *calendar.Event
	err = retry.Do(ctx, c.policy, func(ctx context.Context) error {
		r, err := svc.Events.Insert(calendarOrPrimary(calendarID), ev).Context(ctx).Do()
		if err != nil {
			return classify(op, err)
		}
		created = r
		return nil
	})
	if err != nil {
		return "", err
	}
	return created.Id, nil
}

// PatchEvent updates the fields set on ev.
func (c *Client) PatchEvent(ctx context.Context, accessToken, calendarID, eventID string, ev *calendar.Event) error {
	const op = "google.patch_event"

	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return err
	}
	return retry.Do(ctx, c.policy, func(ctx context.Context) error {
		if _, err := svc.Events.Patch(calendarOrPrimary(calendarID), eventID, ev).Context(ctx).Do(); err != nil {
			return classify(op, err)
		}
		return nil
	})
}

// DeleteEvent removes an event. An event that is already gone counts as
// deleted.
func (c *Client) DeleteEvent(ctx context.Context, accessToken, calendarID, eventID string) error {
	const op = "google.delete_event"

	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return err
	}
	return retry.Do(ctx, c.policy, func(ctx context.Context) error {
		err := svc.Events.Delete(calendarOrPrimary(calendarID), eventID).Context(ctx).Do()
		if err == nil || isGone(err) {
			return nil
		}
		return classify(op, err)
	})
}

// RefreshAccessToken refreshes the user's Google sign-in token. The refresh
// token is kept when Google does not rotate it.
func (c *Client) RefreshAccessToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, syncerr.New(syncerr.KindAuthExpired, "google.refresh", errors.New("no refresh token stored"))
	}
	config := &oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL: c.tokenURL,
		},
	}

	token := &oauth2.Token{
		RefreshToken: refreshToken,
		Expiry:       time.Now().Add(-time.Hour),
	}
	newToken, err := config.TokenSource(c.oauthContext(ctx), token).Token()
	if err != nil {
		return nil, syncerr.FromOAuth("google.refresh", err)
	}
	if newToken.RefreshToken == "" {
		newToken.RefreshToken = refreshToken
	}

	c.log.Debug("google token refreshed", zap.Time("expires_at", newToken.Expiry))
	return newToken, nil
}

func (c *Client) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// IsMirror reports whether ev was created by the mirror writer.
func IsMirror(ev *calendar.Event) bool {
	return MirrorKey(ev) != ""
}

func MirrorKey(ev *calendar.Event) string {
	if ev == nil || ev.ExtendedProperties == nil || ev.ExtendedProperties.Private == nil {
		return ""
	}
	return ev.ExtendedProperties.Private[MirrorKeyProperty]
}

// EventFromMeeting builds the mirrored representation of m.
func EventFromMeeting(m *models.ExternalMeeting) *calendar.Event {
	tz := m.TZ
	if tz == "" {
		tz = "UTC"
	}
	ev := &calendar.Event{
		Summary:     m.Title,
		Location:    m.Location,
		Description: m.Notes,
		Start:       &calendar.EventDateTime{DateTime: m.StartAt.UTC().Format(time.RFC3339), TimeZone: tz},
		End:         &calendar.EventDateTime{DateTime: m.EndAt.UTC().Format(time.RFC3339), TimeZone: tz},
		Status:      "confirmed",
		ExtendedProperties: &calendar.EventExtendedProperties{
			Private: map[string]string{MirrorKeyProperty: m.MirrorKey()},
		},
	}
	if m.Status == models.MeetingPending {
		ev.Status = "tentative"
	}
	return ev
}

func calendarOrPrimary(id string) string {
	if id == "" {
		return DefaultCalendarID
	}
	return id
}

func isGone(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusNotFound || gerr.Code == http.StatusGone
	}
	return false
}

func classify(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if serr := syncerr.FromStatus(op, gerr.Code, gerr.Message); serr != nil {
			return serr
		}
	}
	if errors.Is(err, context.Canceled) {
		return syncerr.New(syncerr.KindPermanent, op, err)
	}
	return syncerr.New(syncerr.KindTransient, op, err)
}
