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

var ErrMeetingNotFound = errors.New("meeting not found")

var activeStatuses = []models.MeetingStatus{models.MeetingPending, models.MeetingAccepted}

type ExternalMeetingRepository struct {
	db *gorm.DB
}

func NewExternalMeetingRepository(db *gorm.DB) *ExternalMeetingRepository {
	return &ExternalMeetingRepository{db: db}
}

func (r *ExternalMeetingRepository) Get(ctx context.Context, userID string, provider models.Provider, externalID string) (*models.ExternalMeeting, error) {
	var m models.ExternalMeeting
	result := r.db.WithContext(ctx).
		First(&m, "user_id = ? AND provider = ? AND external_id = ?", userID, provider, externalID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrMeetingNotFound
		}
		return nil, fmt.Errorf("failed to get meeting: %w", result.Error)
	}
	return &m, nil
}

// Upsert reconciles incoming against the stored row under a row lock.
func (r *ExternalMeetingRepository) Upsert(ctx context.Context, incoming *models.ExternalMeeting, now time.Time) (models.UpsertOutcome, error) {
	outcome := models.UpsertUnchanged
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.ExternalMeeting
		res := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ? AND provider = ? AND external_id = ?", incoming.UserID, incoming.Provider, incoming.ExternalID).
			Limit(1).
			Find(&existing)
		if res.Error != nil {
			return res.Error
		}

		var stored *models.ExternalMeeting
		if res.RowsAffected > 0 {
			stored = &existing
		}
		out, o := models.Reconcile(stored, incoming, now)
		outcome = o

		switch o {
		case models.UpsertCreated:
			// a concurrent insert of the same key loses quietly; its data is equivalent
			return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(out).Error
		case models.UpsertUnchanged:
			return tx.Model(&models.ExternalMeeting{}).Where("id = ?", out.ID).
				Updates(map[string]interface{}{
					"last_seen_at":  out.LastSeenAt,
					"external_etag": out.ExternalETag,
				}).Error
		default:
			return tx.Save(out).Error
		}
	})
	if err != nil {
		return outcome, fmt.Errorf("failed to upsert meeting: %w", err)
	}
	return outcome, nil
}

// ListActiveInWindow returns pending/accepted meetings starting in [from, to].
func (r *ExternalMeetingRepository) ListActiveInWindow(ctx context.Context, userID string, provider models.Provider, from, to time.Time) ([]models.ExternalMeeting, error) {
	var meetings []models.ExternalMeeting
	result := r.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, provider).
		Where("status IN ?", activeStatuses).
		Where("start_at >= ? AND start_at <= ?", from, to).
		Find(&meetings)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list active meetings: %w", result.Error)
	}
	return meetings, nil
}

// ListInWindow returns every meeting starting in [from, to] ordered by start.
func (r *ExternalMeetingRepository) ListInWindow(ctx context.Context, userID string, provider models.Provider, from, to time.Time) ([]models.ExternalMeeting, error) {
	var meetings []models.ExternalMeeting
	result := r.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, provider).
		Where("start_at >= ? AND start_at <= ?", from, to).
		Order("start_at ASC").
		Find(&meetings)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list meetings: %w", result.Error)
	}
	return meetings, nil
}

// MarkCanceled transitions still-active meetings to canceled and reports how
// many actually changed.
func (r *ExternalMeetingRepository) MarkCanceled(ctx context.Context, userID string, provider models.Provider, externalIDs []string, now time.Time) (int, error) {
	if len(externalIDs) == 0 {
		return 0, nil
	}
	result := r.db.WithContext(ctx).Model(&models.ExternalMeeting{}).
		Where("user_id = ? AND provider = ?", userID, provider).
		Where("external_id IN ?", externalIDs).
		Where("status IN ?", activeStatuses).
		Updates(map[string]interface{}{
			"status":     models.MeetingCanceled,
			"updated_at": now,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to mark meetings canceled: %w", result.Error)
	}
	return int(result.RowsAffected), nil
}

// SetGEventID persists the mirrored event id right after creation.
func (r *ExternalMeetingRepository) SetGEventID(ctx context.Context, meetingID, gEventID string, mirroredAt time.Time) error {
	return r.update(ctx, meetingID, map[string]interface{}{
		"g_event_id":  gEventID,
		"mirrored_at": mirroredAt,
	}, "failed to set google event id")
}

func (r *ExternalMeetingRepository) MarkMirrored(ctx context.Context, meetingID string, mirroredAt time.Time) error {
	return r.update(ctx, meetingID, map[string]interface{}{
		"mirrored_at": mirroredAt,
	}, "failed to mark mirrored")
}

func (r *ExternalMeetingRepository) ClearGEventID(ctx context.Context, meetingID string) error {
	return r.update(ctx, meetingID, map[string]interface{}{
		"g_event_id":  nil,
		"mirrored_at": nil,
	}, "failed to clear google event id")
}

func (r *ExternalMeetingRepository) update(ctx context.Context, meetingID string, updates map[string]interface{}, msg string) error {
	result := r.db.WithContext(ctx).Model(&models.ExternalMeeting{}).
		Where("id = ?", meetingID).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("%s: %w", msg, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrMeetingNotFound
	}
	return nil
}
