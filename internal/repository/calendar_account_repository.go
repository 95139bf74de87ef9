package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/vipul43/meetsync-worker/internal/models"
)

var ErrCalendarAccountNotFound = errors.New("calendar account not found")

// CalendarAccountRepository persists calendar_account rows. Credential
// columns arrive already encrypted.
type CalendarAccountRepository struct {
	db *gorm.DB
}

func NewCalendarAccountRepository(db *gorm.DB) *CalendarAccountRepository {
	return &CalendarAccountRepository{db: db}
}

func (r *CalendarAccountRepository) Get(ctx context.Context, userID string, provider models.Provider) (*models.CalendarAccount, error) {
	var account models.CalendarAccount
	result := r.db.WithContext(ctx).First(&account, "user_id = ? AND provider = ?", userID, provider)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrCalendarAccountNotFound
		}
		return nil, fmt.Errorf("failed to get calendar account: %w", result.Error)
	}
	return &account, nil
}

// Upsert inserts the account or replaces its credentials on reconnect.
// Mirror preferences and last_sync_at survive a reconnect. last_attempt_at is
// cleared so failures from before the reconnect no longer delay the next pass.
func (r *CalendarAccountRepository) Upsert(ctx context.Context, account *models.CalendarAccount) error {
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "provider"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"access_token_enc", "refresh_token_enc", "feed_url_enc",
			"credential_fingerprint", "expires_at", "connected_at",
			"status", "last_error", "last_error_kind",
			"etag", "last_modified", "last_attempt_at", "updated_at",
		}),
	}).Create(account)
	if result.Error != nil {
		return fmt.Errorf("failed to upsert calendar account: %w", result.Error)
	}
	return nil
}

// UpdateTokens stores a refreshed token pair. A nil refresh token keeps the
// stored one.
func (r *CalendarAccountRepository) UpdateTokens(ctx context.Context, userID string, provider models.Provider, accessTokenEnc string, refreshTokenEnc *string, expiresAt time.Time) error {
	updates := map[string]interface{}{
		"access_token_enc": accessTokenEnc,
		"expires_at":       expiresAt,
		"status":           models.ConnectionConnected,
		"updated_at":       time.Now(),
	}
	if refreshTokenEnc != nil {
		updates["refresh_token_enc"] = *refreshTokenEnc
	}
	return r.update(ctx, userID, provider, updates, "failed to update tokens")
}

// UpdateLastSync marks a successful pass and clears any recorded error.
func (r *CalendarAccountRepository) UpdateLastSync(ctx context.Context, userID string, provider models.Provider, at time.Time) error {
	return r.update(ctx, userID, provider, map[string]interface{}{
		"last_sync_at":    at,
		"last_attempt_at": at,
		"status":          models.ConnectionConnected,
		"last_error":      nil,
		"last_error_kind": nil,
		"updated_at":      time.Now(),
	}, "failed to update last sync")
}

// RecordError stores a failed pass. It stamps last_attempt_at so the
// scheduler waits a full interval before trying the account again.
func (r *CalendarAccountRepository) RecordError(ctx context.Context, userID string, provider models.Provider, status models.ConnectionStatus, kind, message string) error {
	now := time.Now()
	return r.update(ctx, userID, provider, map[string]interface{}{
		"status":          status,
		"last_error":      message,
		"last_error_kind": kind,
		"last_attempt_at": now,
		"updated_at":      now,
	}, "failed to record error")
}

// UpdateFeedCache stores the ICS validators for the next conditional fetch.
func (r *CalendarAccountRepository) UpdateFeedCache(ctx context.Context, userID string, etag, lastModified *string) error {
	return r.update(ctx, userID, models.ProviderICS, map[string]interface{}{
		"etag":          etag,
		"last_modified": lastModified,
		"updated_at":    time.Now(),
	}, "failed to update feed cache")
}

func (r *CalendarAccountRepository) SetMirror(ctx context.Context, userID string, provider models.Provider, enabled bool, calendarID string) error {
	return r.update(ctx, userID, provider, map[string]interface{}{
		"mirror_enabled": enabled,
		"calendar_id":    calendarID,
		"updated_at":     time.Now(),
	}, "failed to set mirror")
}

func (r *CalendarAccountRepository) Delete(ctx context.Context, userID string, provider models.Provider) error {
	result := r.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, provider).
		Delete(&models.CalendarAccount{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete calendar account: %w", result.Error)
	}
	return nil
}

// ListDue returns accounts with no pass attempted since before, never-tried
// first (round-robin by last attempt). Failed passes count as attempts.
// Accounts awaiting re-auth are skipped.
func (r *CalendarAccountRepository) ListDue(ctx context.Context, before time.Time, limit int) ([]models.CalendarAccount, error) {
	var accounts []models.CalendarAccount
	result := r.db.WithContext(ctx).
		Where("status <> ?", models.ConnectionReauthRequired).
		Where("COALESCE(last_attempt_at, last_sync_at) IS NULL OR COALESCE(last_attempt_at, last_sync_at) < ?", before).
		Order("COALESCE(last_attempt_at, last_sync_at) ASC NULLS FIRST").
		Limit(limit).
		Find(&accounts)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list due accounts: %w", result.Error)
	}
	return accounts, nil
}

func (r *CalendarAccountRepository) update(ctx context.Context, userID string, provider models.Provider, updates map[string]interface{}, msg string) error {
	result := r.db.WithContext(ctx).Model(&models.CalendarAccount{}).
		Where("user_id = ? AND provider = ?", userID, provider).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("%s: %w", msg, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrCalendarAccountNotFound
	}
	return nil
}
