package models

import "time"

// Provider identifies the external meeting source of a CalendarAccount.
type Provider string

const (
	ProviderMTM Provider = "mtm"
	ProviderICS Provider = "ics"
	// ProviderGoogle is the user's Google sign-in; it is a merge source and
	// the mirror target, never a CalendarAccount provider.
	ProviderGoogle Provider = "google"
)

func (p Provider) Valid() bool {
	return p == ProviderMTM || p == ProviderICS
}

// IsOAuth reports whether the provider authenticates with access/refresh tokens.
func (p Provider) IsOAuth() bool {
	return p == ProviderMTM
}

type ConnectionStatus string

const (
	ConnectionConnected      ConnectionStatus = "connected"
	ConnectionError          ConnectionStatus = "error"
	ConnectionReauthRequired ConnectionStatus = "reauth_required"
)

// CalendarAccount is a user's connection to one external meeting provider.
// Every credential column holds a vault blob, never plaintext. LastAttemptAt
// is stamped by every finished pass, failed or not; the scheduler paces
// accounts by it.
type CalendarAccount struct {
	ID                    string           `gorm:"column:id;primaryKey"`
	UserID                string           `gorm:"column:user_id;uniqueIndex:idx_calendar_account_user_provider"`
	Provider              Provider         `gorm:"column:provider;uniqueIndex:idx_calendar_account_user_provider"`
	AccessTokenEncrypted  *string          `gorm:"column:access_token_enc"`
	RefreshTokenEncrypted *string          `gorm:"column:refresh_token_enc"`
	FeedURLEncrypted      *string          `gorm:"column:feed_url_enc"`
	CredentialFingerprint string           `gorm:"column:credential_fingerprint"`
	ExpiresAt             *time.Time       `gorm:"column:expires_at"`
	ConnectedAt           time.Time        `gorm:"column:connected_at"`
	LastSyncAt            *time.Time       `gorm:"column:last_sync_at"`
	LastAttemptAt         *time.Time       `gorm:"column:last_attempt_at;index"`
	MirrorEnabled         bool             `gorm:"column:mirror_enabled"`
	CalendarID            string           `gorm:"column:calendar_id"`
	Status                ConnectionStatus `gorm:"column:status"`
	LastError             *string          `gorm:"column:last_error"`
	LastErrorKind         *string          `gorm:"column:last_error_kind"`
	ETag                  *string          `gorm:"column:etag"`
	LastModified          *string          `gorm:"column:last_modified"`
	CreatedAt             time.Time        `gorm:"column:created_at"`
	UpdatedAt             time.Time        `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (CalendarAccount) TableName() string {
	return "calendar_account"
}
