package models

import "time"

type MeetingStatus string

const (
	MeetingPending  MeetingStatus = "pending"
	MeetingAccepted MeetingStatus = "accepted"
	MeetingDeclined MeetingStatus = "declined"
	MeetingCanceled MeetingStatus = "canceled"
)

// rank orders statuses from least to most terminal.
func (s MeetingStatus) rank() int {
	switch s {
	case MeetingPending:
		return 0
	case MeetingAccepted:
		return 1
	case MeetingDeclined:
		return 2
	case MeetingCanceled:
		return 3
	}
	return -1
}

// IsActive reports whether the meeting is still expected to happen.
func (s MeetingStatus) IsActive() bool {
	return s == MeetingPending || s == MeetingAccepted
}

// NextStatus applies an incoming status to a stored one. Statuses only move
// towards more terminal values, except that a canceled meeting the source
// reports as active again is reactivated as accepted.
func NextStatus(stored, incoming MeetingStatus) MeetingStatus {
	if incoming.rank() < 0 {
		return stored
	}
	if stored.rank() < 0 || incoming.rank() >= stored.rank() {
		return incoming
	}
	if stored == MeetingCanceled && incoming.IsActive() {
		return MeetingAccepted
	}
	return stored
}

type MeetingSource string

const (
	SourcePull    MeetingSource = "pull"
	SourceWebhook MeetingSource = "webhook"
)

// ExternalMeeting is a meeting ingested from a CalendarAccount's provider.
// Rows are never deleted by sync; cancellation is a status change.
type ExternalMeeting struct {
	ID           string        `gorm:"column:id;primaryKey"`
	UserID       string        `gorm:"column:user_id;uniqueIndex:idx_external_meeting_key"`
	Provider     Provider      `gorm:"column:provider;uniqueIndex:idx_external_meeting_key"`
	ExternalID   string        `gorm:"column:external_id;uniqueIndex:idx_external_meeting_key"`
	ExternalETag *string       `gorm:"column:external_etag"`
	LastSeenAt   time.Time     `gorm:"column:last_seen_at"`
	Title        string        `gorm:"column:title"`
	StartAt      time.Time     `gorm:"column:start_at;index"`
	EndAt        time.Time     `gorm:"column:end_at"`
	TZ           string        `gorm:"column:tz"`
	Location     string        `gorm:"column:location"`
	Lat          *float64      `gorm:"column:lat"`
	Lng          *float64      `gorm:"column:lng"`
	With         Attendees     `gorm:"column:with;type:jsonb"`
	Status       MeetingStatus `gorm:"column:status;index"`
	Notes        string        `gorm:"column:notes"`
	Source       MeetingSource `gorm:"column:source"`
	GEventID     *string       `gorm:"column:g_event_id"`
	MirroredAt   *time.Time    `gorm:"column:mirrored_at"`
	VenueID      *string       `gorm:"column:venue_id"`
	Provenance   StringList    `gorm:"column:provenance;type:jsonb"`
	ContentHash  string        `gorm:"column:content_hash"`
	CreatedAt    time.Time     `gorm:"column:created_at"`
	UpdatedAt    time.Time     `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (ExternalMeeting) TableName() string {
	return "external_meeting"
}

// MirrorKey is the idempotency key used on the mirrored Google event.
func (m *ExternalMeeting) MirrorKey() string {
	return m.UserID + "|" + string(m.Provider) + "|" + m.ExternalID
}

// NeedsMirrorUpdate reports whether content changed since the last mirror write.
func (m *ExternalMeeting) NeedsMirrorUpdate() bool {
	return m.MirroredAt == nil || m.UpdatedAt.After(*m.MirroredAt)
}
