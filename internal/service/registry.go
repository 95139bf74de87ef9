package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vipul43/meetsync-worker/internal/logger"
	"github.com/vipul43/meetsync-worker/internal/models"
	"github.com/vipul43/meetsync-worker/internal/repository"
	"github.com/vipul43/meetsync-worker/internal/syncerr"
	"github.com/vipul43/meetsync-worker/internal/vault"
)

// Credentials is the decrypted view of a CalendarAccount. It never leaves the
// process and is never logged.
type Credentials struct {
	UserID        string
	Provider      models.Provider
	AccessToken   string
	RefreshToken  string
	ExpiresAt     *time.Time
	FeedURL       string
	Fingerprint   string
	ETag          string
	LastModified  string
	ConnectedAt   time.Time
	LastSyncAt    *time.Time
	MirrorEnabled bool
	CalendarID    string
	Status        models.ConnectionStatus
	LastError     string
	LastErrorKind string
}

// ConnectFields are the plaintext credentials stored on connect.
type ConnectFields struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
	FeedURL      string
	// ETag and LastModified seed the feed cache; nil starts cold.
	ETag         *string
	LastModified *string
}

// AccountRegistry stores account credentials through the vault.
type AccountRegistry struct {
	store CalendarAccountStore
	vault *vault.Vault
	log   *zap.Logger
}

func NewAccountRegistry(store CalendarAccountStore, v *vault.Vault) *AccountRegistry {
	return &AccountRegistry{store: store, vault: v, log: logger.Named("registry")}
}

// Load returns the decrypted account, or a NotConnected error.
func (r *AccountRegistry) Load(ctx context.Context, uid string, provider models.Provider) (*Credentials, error) {
	row, err := r.store.Get(ctx, uid, provider)
	if err != nil {
		if errors.Is(err, repository.ErrCalendarAccountNotFound) {
			return nil, syncerr.Newf(syncerr.KindNotConnected, "registry.load", "no %s account for user", provider)
		}
		return nil, err
	}

	creds := &Credentials{
		UserID:        row.UserID,
		Provider:      row.Provider,
		ExpiresAt:     row.ExpiresAt,
		Fingerprint:   row.CredentialFingerprint,
		ConnectedAt:   row.ConnectedAt,
		LastSyncAt:    row.LastSyncAt,
		MirrorEnabled: row.MirrorEnabled,
		CalendarID:    row.CalendarID,
		Status:        row.Status,
		ETag:          deref(row.ETag),
		LastModified:  deref(row.LastModified),
		LastError:     deref(row.LastError),
		LastErrorKind: deref(row.LastErrorKind),
	}
	if creds.AccessToken, err = r.vault.DecryptOptional(ctx, row.AccessTokenEncrypted); err != nil {
		return nil, err
	}
	if creds.RefreshToken, err = r.vault.DecryptOptional(ctx, row.RefreshTokenEncrypted); err != nil {
		return nil, err
	}
	if creds.FeedURL, err = r.vault.DecryptOptional(ctx, row.FeedURLEncrypted); err != nil {
		return nil, err
	}
	return creds, nil
}

// Upsert stores freshly connected credentials. Reconnecting replaces the
// credentials and clears any recorded error; mirror preferences are kept.
func (r *AccountRegistry) Upsert(ctx context.Context, uid string, provider models.Provider, f ConnectFields) error {
	now := time.Now()
	row := &models.CalendarAccount{
		ID:           uuid.New().String(),
		UserID:       uid,
		Provider:     provider,
		ExpiresAt:    f.ExpiresAt,
		ConnectedAt:  now,
		Status:       models.ConnectionConnected,
		ETag:         f.ETag,
		LastModified: f.LastModified,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	var err error
	if row.AccessTokenEncrypted, err = r.vault.EncryptOptional(ctx, f.AccessToken); err != nil {
		return err
	}
	if row.RefreshTokenEncrypted, err = r.vault.EncryptOptional(ctx, f.RefreshToken); err != nil {
		return err
	}
	if row.FeedURLEncrypted, err = r.vault.EncryptOptional(ctx, f.FeedURL); err != nil {
		return err
	}
	row.CredentialFingerprint = credentialFingerprint(f)

	if err := r.store.Upsert(ctx, row); err != nil {
		return err
	}
	r.log.Info("account connected",
		logger.UserID(uid), logger.Provider(string(provider)), logger.Fingerprint(row.CredentialFingerprint))
	return nil
}

// UpdateTokens stores a refreshed pair. An empty refreshToken keeps the
// stored one.
func (r *AccountRegistry) UpdateTokens(ctx context.Context, uid string, provider models.Provider, accessToken, refreshToken string, expiresAt time.Time) error {
	accessEnc, err := r.vault.Encrypt(ctx, accessToken)
	if err != nil {
		return err
	}
	refreshEnc, err := r.vault.EncryptOptional(ctx, refreshToken)
	if err != nil {
		return err
	}
	return r.store.UpdateTokens(ctx, uid, provider, accessEnc, refreshEnc, expiresAt)
}

func (r *AccountRegistry) UpdateLastSync(ctx context.Context, uid string, provider models.Provider, at time.Time) error {
	return r.store.UpdateLastSync(ctx, uid, provider, at)
}

// RecordError persists the failure of a pass. AuthExpired flips the account
// to reauth_required, which also takes it off the schedule.
func (r *AccountRegistry) RecordError(ctx context.Context, uid string, provider models.Provider, cause error) error {
	kind := syncerr.KindOf(cause)
	status := models.ConnectionError
	if kind == syncerr.KindAuthExpired {
		status = models.ConnectionReauthRequired
	}
	return r.store.RecordError(ctx, uid, provider, status, string(kind), cause.Error())
}

func (r *AccountRegistry) UpdateFeedCache(ctx context.Context, uid, etag, lastModified string) error {
	return r.store.UpdateFeedCache(ctx, uid, optional(etag), optional(lastModified))
}

func (r *AccountRegistry) SetMirror(ctx context.Context, uid string, provider models.Provider, enabled bool, calendarID string) error {
	return r.store.SetMirror(ctx, uid, provider, enabled, calendarID)
}

func (r *AccountRegistry) Delete(ctx context.Context, uid string, provider models.Provider) error {
	if err := r.store.Delete(ctx, uid, provider); err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	return nil
}

// credentialFingerprint identifies the long-lived secret: the feed URL for
// ICS, the refresh token (or access token when none) for OAuth.
func credentialFingerprint(f ConnectFields) string {
	switch {
	case f.FeedURL != "":
		return vault.Fingerprint(f.FeedURL)
	case f.RefreshToken != "":
		return vault.Fingerprint(f.RefreshToken)
	case f.AccessToken != "":
		return vault.Fingerprint(f.AccessToken)
	}
	return ""
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
