package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/vipul43/meetsync-worker/internal/models"
)

var ErrAccountNotFound = errors.New("account not found")

// AccountRepository reads the sign-in accounts table owned by the web app.
// The worker only ever rewrites tokens on refresh.
type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// GetByUserAndProvider retrieves the user's most recent sign-in for a provider
func (r *AccountRepository) GetByUserAndProvider(ctx context.Context, userID, providerID string) (*models.Account, error) {
	var account models.Account
	result := r.db.WithContext(ctx).
		Where(`"userId" = ? AND "providerId" = ?`, userID, providerID).
		Order(`"updatedAt" DESC`).
		First(&account)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", result.Error)
	}
	return &account, nil
}

// UpdateTokens updates access token, refresh token, and their expiry times
func (r *AccountRepository) UpdateTokens(ctx context.Context, accountID string, accessToken string, refreshToken string, accessTokenExpiresAt time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", accountID).
		Updates(map[string]interface{}{
			"accessToken":          accessToken,
			"refreshToken":         refreshToken,
			"accessTokenExpiresAt": accessTokenExpiresAt,
			"updatedAt":            time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update tokens: %w", result.Error)
	}
	return nil
}
