package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/vipul43/meetsync-worker/internal/logger"
	"github.com/vipul43/meetsync-worker/internal/metrics"
	"github.com/vipul43/meetsync-worker/internal/models"
	"github.com/vipul43/meetsync-worker/internal/repository"
	"github.com/vipul43/meetsync-worker/internal/syncerr"
)

// DefaultRefreshMargin is how close to expiry a token is refreshed ahead of use.
const DefaultRefreshMargin = 60 * time.Second

const refreshTimeout = 30 * time.Second

// TokenRefresher exchanges a refresh token for a new pair (mtm.Client).
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// GoogleRefresher refreshes the Google sign-in token (google.Client).
type GoogleRefresher interface {
	RefreshAccessToken(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// TokenManager hands out fresh access tokens. Refreshes for one
// (user, provider) are single-flight: concurrent callers share the result of
// the call in progress, so a rotating provider never sees the same refresh
// token twice. The shared call is detached from the caller that started it;
// each caller stops waiting when its own context ends.
type TokenManager struct {
	registry       *AccountRegistry
	refresher      TokenRefresher
	googleAccounts GoogleAccountStore
	google         GoogleRefresher
	margin         time.Duration
	group          singleflight.Group
	now            func() time.Time
	log            *zap.Logger
}

func NewTokenManager(registry *AccountRegistry, refresher TokenRefresher, googleAccounts GoogleAccountStore, google GoogleRefresher) *TokenManager {
	return &TokenManager{
		registry:       registry,
		refresher:      refresher,
		googleAccounts: googleAccounts,
		google:         google,
		margin:         DefaultRefreshMargin,
		now:            time.Now,
		log:            logger.Named("tokens"),
	}
}

func (m *TokenManager) fresh(expiresAt *time.Time) bool {
	return expiresAt != nil && expiresAt.After(m.now().Add(m.margin))
}

// EnsureFreshToken returns a usable access token for an OAuth account,
// refreshing it when it expires within the safety margin.
func (m *TokenManager) EnsureFreshToken(ctx context.Context, uid string, provider models.Provider) (string, error) {
	if !provider.IsOAuth() {
		return "", syncerr.Newf(syncerr.KindPermanent, "tokens.ensure", "provider %s has no tokens", provider)
	}
	creds, err := m.registry.Load(ctx, uid, provider)
	if err != nil {
		return "", err
	}
	if m.fresh(creds.ExpiresAt) && creds.AccessToken != "" {
		return creds.AccessToken, nil
	}

	token, shared, err := m.shared(ctx, uid+":"+string(provider), func(ctx context.Context) (string, error) {
		return m.refreshAccount(ctx, uid, provider)
	})
	if err != nil {
		return "", err
	}
	if shared {
		m.log.Debug("joined in-flight refresh", logger.UserID(uid), logger.Provider(string(provider)))
	}
	return token, nil
}

// shared runs fn once per key across concurrent callers.
func (m *TokenManager) shared(ctx context.Context, key string, fn func(context.Context) (string, error)) (string, bool, error) {
	ch := m.group.DoChan(key, func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return fn(rctx)
	})
	select {
	case <-ctx.Done():
		return "", false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Shared, res.Err
		}
		return res.Val.(string), res.Shared, nil
	}
}

func (m *TokenManager) refreshAccount(ctx context.Context, uid string, provider models.Provider) (string, error) {
	// another caller may have finished a refresh since we looked
	creds, err := m.registry.Load(ctx, uid, provider)
	if err != nil {
		return "", err
	}
	if m.fresh(creds.ExpiresAt) && creds.AccessToken != "" {
		return creds.AccessToken, nil
	}

	token, err := m.refresher.Refresh(ctx, creds.RefreshToken)
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues(string(provider), "error").Inc()
		if syncerr.Is(err, syncerr.KindAuthExpired) {
			if recErr := m.registry.RecordError(context.WithoutCancel(ctx), uid, provider, err); recErr != nil {
				m.log.Error("failed to mark account for re-auth", logger.UserID(uid), logger.Err(recErr))
			}
			m.log.Warn("refresh token rejected, re-auth required", logger.UserID(uid), logger.Provider(string(provider)))
		}
		return "", err
	}
	metrics.TokenRefreshes.WithLabelValues(string(provider), "ok").Inc()

	rotated := ""
	if token.RefreshToken != creds.RefreshToken {
		rotated = token.RefreshToken
	}
	if err := m.registry.UpdateTokens(ctx, uid, provider, token.AccessToken, rotated, token.Expiry); err != nil {
		return "", fmt.Errorf("failed to store refreshed tokens: %w", err)
	}

	m.log.Info("access token refreshed",
		logger.UserID(uid), logger.Provider(string(provider)),
		zap.Time("expires_at", token.Expiry), zap.Bool("rotated", rotated != ""))
	return token.AccessToken, nil
}

// HasGoogleAuth reports whether the user signed in with Google.
func (m *TokenManager) HasGoogleAuth(ctx context.Context, uid string) (bool, error) {
	if m.googleAccounts == nil {
		return false, nil
	}
	acc, err := m.googleAccounts.GetByUserAndProvider(ctx, uid, string(models.ProviderGoogle))
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return false, nil
		}
		return false, err
	}
	return acc.RefreshToken != nil || acc.AccessToken != nil, nil
}

// GoogleAccessToken returns a fresh token for the user's Google sign-in.
func (m *TokenManager) GoogleAccessToken(ctx context.Context, uid string) (string, error) {
	const op = "tokens.google"

	if m.googleAccounts == nil || m.google == nil {
		return "", syncerr.Newf(syncerr.KindNotConnected, op, "google is not configured")
	}
	acc, err := m.loadGoogle(ctx, uid)
	if err != nil {
		return "", err
	}
	if acc.AccessToken != nil && m.fresh(acc.AccessTokenExpiresAt) {
		return *acc.AccessToken, nil
	}

	token, _, err := m.shared(ctx, uid+":"+string(models.ProviderGoogle), func(ctx context.Context) (string, error) {
		acc, err := m.loadGoogle(ctx, uid)
		if err != nil {
			return "", err
		}
		if acc.AccessToken != nil && m.fresh(acc.AccessTokenExpiresAt) {
			return *acc.AccessToken, nil
		}
		if acc.RefreshToken == nil {
			return "", syncerr.Newf(syncerr.KindAuthExpired, op, "google account has no refresh token")
		}

		token, err := m.google.RefreshAccessToken(ctx, *acc.RefreshToken)
		if err != nil {
			metrics.TokenRefreshes.WithLabelValues(string(models.ProviderGoogle), "error").Inc()
			return "", err
		}
		metrics.TokenRefreshes.WithLabelValues(string(models.ProviderGoogle), "ok").Inc()

		if err := m.googleAccounts.UpdateTokens(ctx, acc.ID, token.AccessToken, token.RefreshToken, token.Expiry); err != nil {
			return "", fmt.Errorf("failed to store google tokens: %w", err)
		}
		return token.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

func (m *TokenManager) loadGoogle(ctx context.Context, uid string) (*models.Account, error) {
	acc, err := m.googleAccounts.GetByUserAndProvider(ctx, uid, string(models.ProviderGoogle))
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return nil, syncerr.Newf(syncerr.KindNotConnected, "tokens.google", "user has no google sign-in")
		}
		return nil, err
	}
	return acc, nil
}
