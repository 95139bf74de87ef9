package service

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vipul43/meetsync-worker/internal/google"
	"github.com/vipul43/meetsync-worker/internal/ics"
	"github.com/vipul43/meetsync-worker/internal/logger"
	"github.com/vipul43/meetsync-worker/internal/models"
	"github.com/vipul43/meetsync-worker/internal/normalize"
	"github.com/vipul43/meetsync-worker/internal/syncerr"
	"github.com/vipul43/meetsync-worker/internal/vault"
)

// ConnectRequest carries either an OAuth authorization code or a feed URL.
type ConnectRequest struct {
	Code   string `json:"code"`
	ICSURL string `json:"icsUrl"`
}

type Status struct {
	Connected         bool       `json:"connected"`
	LastSyncAt        *time.Time `json:"lastSyncAt"`
	MirrorEnabled     bool       `json:"mirrorEnabled"`
	CalendarID        string     `json:"calendarId"`
	HasGoogleAuth     bool       `json:"hasGoogleAuth"`
	LastError         *string    `json:"lastError"`
	LastErrorKind     string     `json:"lastErrorKind,omitempty"`
	ReconnectRequired bool       `json:"reconnectRequired"`
}

type MirrorResult struct {
	MirrorEnabled bool   `json:"mirrorEnabled"`
	CalendarID    string `json:"calendarId"`
	Mirrored      int    `json:"mirrored"`
}

// IntegrationService implements the connect / status / sync / mirror /
// disconnect operations behind the HTTP routes.
type IntegrationService struct {
	registry     *AccountRegistry
	tokens       *TokenManager
	orchestrator *Orchestrator
	mirror       *MirrorWriter
	api          MeetingAPI
	feeds        FeedFetcher
	log          *zap.Logger
}

func NewIntegrationService(registry *AccountRegistry, tokens *TokenManager, orchestrator *Orchestrator, mirror *MirrorWriter, api MeetingAPI, feeds FeedFetcher) *IntegrationService {
	return &IntegrationService{
		registry:     registry,
		tokens:       tokens,
		orchestrator: orchestrator,
		mirror:       mirror,
		api:          api,
		feeds:        feeds,
		log:          logger.Named("integration"),
	}
}

// Connect stores credentials for provider. OAuth codes are exchanged first;
// feed URLs are fetched and parsed once before anything is persisted.
func (s *IntegrationService) Connect(ctx context.Context, uid string, provider models.Provider, req ConnectRequest) error {
	const op = "integration.connect"

	switch provider {
	case models.ProviderMTM:
		code := strings.TrimSpace(req.Code)
		if code == "" {
			return syncerr.Newf(syncerr.KindPermanent, op, "authorization code is required")
		}
		token, err := s.api.Exchange(ctx, code)
		if err != nil {
			return err
		}
		expiry := token.Expiry
		fields := ConnectFields{AccessToken: token.AccessToken, RefreshToken: token.RefreshToken}
		if !expiry.IsZero() {
			fields.ExpiresAt = &expiry
		}
		return s.registry.Upsert(ctx, uid, provider, fields)

	case models.ProviderICS:
		feedURL, err := ics.NormalizeFeedURL(req.ICSURL)
		if err != nil {
			return syncerr.New(syncerr.KindPermanent, op, err)
		}
		if err := s.verifyFeed(ctx, feedURL); err != nil {
			return err
		}

		fields := ConnectFields{FeedURL: feedURL}
		// same feed: keep the conditional-fetch cache
		if existing, err := s.registry.Load(ctx, uid, provider); err == nil && existing.Fingerprint == vault.Fingerprint(feedURL) {
			fields.ETag = optional(existing.ETag)
			fields.LastModified = optional(existing.LastModified)
		}
		return s.registry.Upsert(ctx, uid, provider, fields)
	}
	return syncerr.Newf(syncerr.KindPermanent, op, "unsupported provider %q", provider)
}

func (s *IntegrationService) verifyFeed(ctx context.Context, feedURL string) error {
	res, err := s.feeds.Fetch(ctx, feedURL, "", "")
	if err != nil {
		return err
	}
	w := s.orchestrator.DefaultWindow()
	if _, err := ics.Parse(res.Data, w.From, w.To, normalize.NormalizeTimezone); err != nil {
		return err
	}
	return nil
}

// Status reports the connection state. A missing account is not an error.
func (s *IntegrationService) Status(ctx context.Context, uid string, provider models.Provider) (*Status, error) {
	hasGoogle, err := s.tokens.HasGoogleAuth(ctx, uid)
	if err != nil {
		s.log.Warn("failed to check google sign-in", logger.UserID(uid), logger.Err(err))
	}
	st := &Status{HasGoogleAuth: hasGoogle}

	creds, err := s.registry.Load(ctx, uid, provider)
	if err != nil {
		if syncerr.Is(err, syncerr.KindNotConnected) {
			return st, nil
		}
		return nil, err
	}
	st.Connected = true
	st.LastSyncAt = creds.LastSyncAt
	st.MirrorEnabled = creds.MirrorEnabled
	st.CalendarID = creds.CalendarID
	st.LastError = optional(creds.LastError)
	st.LastErrorKind = creds.LastErrorKind
	st.ReconnectRequired = creds.Status == models.ConnectionReauthRequired
	return st, nil
}

// SyncNow runs one pass and returns the number of records processed.
func (s *IntegrationService) SyncNow(ctx context.Context, uid string, provider models.Provider) (int, error) {
	res, err := s.orchestrator.SyncAccount(ctx, uid, provider, nil)
	if err != nil {
		return 0, err
	}
	return res.Processed, nil
}

// SetMirror updates the mirror preference. Turning mirroring on mirrors the
// current window right away.
func (s *IntegrationService) SetMirror(ctx context.Context, uid string, provider models.Provider, enabled bool, calendarID string) (*MirrorResult, error) {
	creds, err := s.registry.Load(ctx, uid, provider)
	if err != nil {
		return nil, err
	}
	calendarID = strings.TrimSpace(calendarID)
	if calendarID == "" {
		calendarID = google.DefaultCalendarID
	}
	if err := s.registry.SetMirror(ctx, uid, provider, enabled, calendarID); err != nil {
		return nil, err
	}

	res := &MirrorResult{MirrorEnabled: enabled, CalendarID: calendarID}
	if enabled && !creds.MirrorEnabled && s.mirror != nil {
		w := s.orchestrator.DefaultWindow()
		n, err := s.mirror.MirrorAccount(ctx, uid, provider, calendarID, w.From, w.To)
		res.Mirrored = n
		if err != nil {
			s.log.Warn("initial mirror failed", logger.UserID(uid), logger.Provider(string(provider)), logger.Err(err))
		}
	}
	return res, nil
}

// Disconnect deletes the account and its credentials. Synced meetings and
// their gEventId mappings are kept as history.
func (s *IntegrationService) Disconnect(ctx context.Context, uid string, provider models.Provider) error {
	if _, err := s.registry.Load(ctx, uid, provider); err != nil {
		// an undecryptable account can still be removed
		if !syncerr.Is(err, syncerr.KindEncryption) {
			return err
		}
	}
	if err := s.registry.Delete(ctx, uid, provider); err != nil {
		return err
	}
	s.log.Info("account disconnected", logger.UserID(uid), logger.Provider(string(provider)))
	return nil
}
