package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/vipul43/meetsync-worker/internal/google"
	"github.com/vipul43/meetsync-worker/internal/logger"
	"github.com/vipul43/meetsync-worker/internal/metrics"
	"github.com/vipul43/meetsync-worker/internal/models"
	"github.com/vipul43/meetsync-worker/internal/syncerr"
)

// GoogleTokens supplies Google access tokens (TokenManager).
type GoogleTokens interface {
	GoogleAccessToken(ctx context.Context, uid string) (string, error)
}

// MirrorWriter copies synced meetings into the user's Google Calendar. The
// stored gEventId is written only after Google confirms the insert, so a
// retried pass never creates a second event for the same meeting.
type MirrorWriter struct {
	meetings MeetingStore
	calendar CalendarClient
	tokens   GoogleTokens
	log      *zap.Logger
}

func NewMirrorWriter(meetings MeetingStore, cal CalendarClient, tokens GoogleTokens) *MirrorWriter {
	return &MirrorWriter{
		meetings: meetings,
		calendar: cal,
		tokens:   tokens,
		log:      logger.Named("mirror"),
	}
}

// MirrorAccount mirrors every stored meeting of the account in [from, to].
func (w *MirrorWriter) MirrorAccount(ctx context.Context, uid string, provider models.Provider, calendarID string, from, to time.Time) (int, error) {
	meetings, err := w.meetings.ListInWindow(ctx, uid, provider, from, to)
	if err != nil {
		return 0, err
	}
	return w.MirrorToGoogle(ctx, uid, calendarID, meetings)
}

// MirrorToGoogle creates, patches or deletes one Google event per meeting as
// needed and returns the number of writes. A failure on one meeting does not
// stop the others, except an auth failure, which ends the run.
func (w *MirrorWriter) MirrorToGoogle(ctx context.Context, uid, calendarID string, meetings []models.ExternalMeeting) (int, error) {
	if len(meetings) == 0 {
		return 0, nil
	}
	token, err := w.tokens.GoogleAccessToken(ctx, uid)
	if err != nil {
		return 0, err
	}
	if calendarID == "" {
		calendarID = google.DefaultCalendarID
	}

	written := 0
	var errs []error
	for i := range meetings {
		m := &meetings[i]
		op, err := w.mirrorOne(ctx, token, calendarID, m)
		if op == "" {
			continue
		}
		if err != nil {
			metrics.MirrorWrites.WithLabelValues(op, "error").Inc()
			w.log.Warn("mirror write failed",
				logger.UserID(uid), logger.Op(op), logger.ExternalID(m.ExternalID), logger.Err(err))
			if syncerr.Is(err, syncerr.KindAuthExpired) || ctx.Err() != nil {
				return written, err
			}
			errs = append(errs, fmt.Errorf("%s %s: %w", op, m.ExternalID, err))
			continue
		}
		metrics.MirrorWrites.WithLabelValues(op, "ok").Inc()
		written++
	}

	if written > 0 {
		w.log.Info("mirrored meetings", logger.UserID(uid), logger.Count(written))
	}
	return written, errors.Join(errs...)
}

// mirrorOne returns the operation performed, "" when nothing was needed.
func (w *MirrorWriter) mirrorOne(ctx context.Context, token, calendarID string, m *models.ExternalMeeting) (string, error) {
	switch {
	case m.Status == models.MeetingCanceled:
		if m.GEventID == nil {
			return "", nil
		}
		if err := w.calendar.DeleteEvent(ctx, token, calendarID, *m.GEventID); err != nil {
			return "delete", err
		}
		return "delete", w.meetings.ClearGEventID(ctx, m.ID)

	case m.GEventID == nil:
		// already on the user's calendar
		if m.Provenance.Contains(string(models.ProviderGoogle)) {
			return "", nil
		}
		id, err := w.calendar.InsertEvent(ctx, token, calendarID, google.EventFromMeeting(m))
		if err != nil {
			return "insert", err
		}
		return "insert", w.meetings.SetGEventID(ctx, m.ID, id, m.UpdatedAt)

	case m.NeedsMirrorUpdate():
		if err := w.calendar.PatchEvent(ctx, token, calendarID, *m.GEventID, google.EventFromMeeting(m)); err != nil {
			// removed on the Google side; drop the mapping so the next run recreates it
			if eventGone(err) {
				if clearErr := w.meetings.ClearGEventID(ctx, m.ID); clearErr != nil {
					return "patch", clearErr
				}
			}
			return "patch", err
		}
		return "patch", w.meetings.MarkMirrored(ctx, m.ID, m.UpdatedAt)
	}
	return "", nil
}

func eventGone(err error) bool {
	var serr *syncerr.Error
	if errors.As(err, &serr) {
		return serr.Status == http.StatusNotFound || serr.Status == http.StatusGone
	}
	return false
}
