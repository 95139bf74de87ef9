// Package normalize converts provider payloads into one canonical Meeting.
package normalize

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/calendar/v3"

	"github.com/vipul43/meetsync-worker/internal/geocode"
	"github.com/vipul43/meetsync-worker/internal/ics"
	"github.com/vipul43/meetsync-worker/internal/logger"
	"github.com/vipul43/meetsync-worker/internal/models"
	"github.com/vipul43/meetsync-worker/internal/mtm"
	"github.com/vipul43/meetsync-worker/internal/syncerr"
)

const untitled = "Untitled meeting"

// Meeting is the source-independent shape every provider record is mapped to
// before merging.
type Meeting struct {
	Source     models.Provider
	ExternalID string
	ETag       string
	Title      string
	Start      time.Time
	End        time.Time
	TZ         string
	Location   string
	Lat        *float64
	Lng        *float64
	With       models.Attendees
	Status     models.MeetingStatus
	Notes      string
}

// Geocoder is satisfied by *geocode.Client. A nil result means no
// coordinates.
type Geocoder interface {
	Geocode(ctx context.Context, address string) *geocode.Point
}

type Normalizer struct {
	geo Geocoder
	log *zap.Logger
}

// New returns a Normalizer. geo may be nil, in which case no meeting gets
// coordinates.
func New(geo Geocoder) *Normalizer {
	return &Normalizer{geo: geo, log: logger.Named("normalize")}
}

// FromMTM maps one meeting-API record.
func (n *Normalizer) FromMTM(ctx context.Context, raw mtm.Meeting) (Meeting, error) {
	const op = "normalize.mtm"

	if strings.TrimSpace(raw.ID) == "" {
		return Meeting{}, syncerr.Newf(syncerr.KindMalformedRecord, op, "meeting has no id")
	}
	tz := NormalizeTimezone(raw.Timezone)
	loc := Location(tz)

	start, err := parseTime(raw.StartTime, loc)
	if err != nil {
		return Meeting{}, syncerr.New(syncerr.KindMalformedRecord, op, fmt.Errorf("meeting %s: invalid start_time: %w", raw.ID, err))
	}
	end, err := parseTime(raw.EndTime, loc)
	if err != nil || end.Before(start) {
		end = start
	}

	m := Meeting{
		Source:     models.ProviderMTM,
		ExternalID: raw.ID,
		ETag:       raw.ETag,
		Title:      cleanTitle(raw.Title),
		Start:      start.UTC(),
		End:        end.UTC(),
		TZ:         tz,
		Location:   strings.TrimSpace(raw.Location),
		Status:     resolveStatus(raw.Status, raw.Title),
		Notes:      strings.TrimSpace(raw.Notes),
	}
	for _, p := range raw.Participants {
		if p.Name == "" && p.Company == "" {
			continue
		}
		m.With = append(m.With, models.Attendee{Name: strings.TrimSpace(p.Name), Company: strings.TrimSpace(p.Company)})
	}
	n.locate(ctx, &m)
	return m, nil
}

// FromICS maps one expanded feed occurrence.
func (n *Normalizer) FromICS(ctx context.Context, ev ics.Event) (Meeting, error) {
	const op = "normalize.ics"

	if ev.InstanceID == "" {
		return Meeting{}, syncerr.Newf(syncerr.KindMalformedRecord, op, "event has no identity")
	}
	if ev.Start.IsZero() {
		return Meeting{}, syncerr.Newf(syncerr.KindMalformedRecord, op, "event %s has no start", ev.InstanceID)
	}
	end := ev.End
	if end.Before(ev.Start) {
		end = ev.Start
	}

	m := Meeting{
		Source:     models.ProviderICS,
		ExternalID: ev.InstanceID,
		Title:      cleanTitle(ev.Title),
		Start:      ev.Start.UTC(),
		End:        end.UTC(),
		TZ:         NormalizeTimezone(ev.TZID),
		Location:   strings.TrimSpace(ev.Location),
		Status:     resolveStatus(ev.Status, ev.Title),
		Notes:      strings.TrimSpace(ev.Description),
	}
	for _, a := range ev.Attendees {
		name := a.Name
		if name == "" {
			name = a.Email
		}
		if name == "" {
			continue
		}
		m.With = append(m.With, models.Attendee{Name: name, Company: companyFromEmail(a.Email)})
	}
	n.locate(ctx, &m)
	return m, nil
}

// FromGoogle maps one Google Calendar event.
func (n *Normalizer) FromGoogle(ctx context.Context, ev *calendar.Event) (Meeting, error) {
	const op = "normalize.google"

	if ev == nil || ev.Id == "" {
		return Meeting{}, syncerr.Newf(syncerr.KindMalformedRecord, op, "event has no id")
	}
	tz := ""
	if ev.Start != nil {
		tz = ev.Start.TimeZone
	}
	tz = NormalizeTimezone(tz)
	loc := Location(tz)

	start, err := eventTime(ev.Start, loc)
	if err != nil {
		return Meeting{}, syncerr.New(syncerr.KindMalformedRecord, op, fmt.Errorf("event %s: invalid start: %w", ev.Id, err))
	}
	end, err := eventTime(ev.End, loc)
	if err != nil || end.Before(start) {
		end = start
	}

	m := Meeting{
		Source:     models.ProviderGoogle,
		ExternalID: ev.Id,
		ETag:       ev.Etag,
		Title:      cleanTitle(ev.Summary),
		Start:      start.UTC(),
		End:        end.UTC(),
		TZ:         tz,
		Location:   strings.TrimSpace(ev.Location),
		Status:     resolveStatus(ev.Status, ev.Summary),
		Notes:      strings.TrimSpace(ev.Description),
	}
	for _, a := range ev.Attendees {
		if a == nil || a.Self {
			continue
		}
		name := a.DisplayName
		if name == "" {
			name = a.Email
		}
		if name == "" {
			continue
		}
		m.With = append(m.With, models.Attendee{Name: name, Company: companyFromEmail(a.Email)})
	}
	n.locate(ctx, &m)
	return m, nil
}

// Batch normalizes records with fn, logging and counting the ones that fail.
func Batch[T any](ctx context.Context, records []T, fn func(context.Context, T) (Meeting, error)) ([]Meeting, int) {
	out := make([]Meeting, 0, len(records))
	skipped := 0
	for _, r := range records {
		m, err := fn(ctx, r)
		if err != nil {
			skipped++
			logger.From(ctx).Warn("skipping record", logger.Component("normalize"), logger.Err(err))
			continue
		}
		out = append(out, m)
	}
	return out, skipped
}

func (n *Normalizer) locate(ctx context.Context, m *Meeting) {
	if n.geo == nil || m.Location == "" {
		return
	}
	if p := n.geo.Geocode(ctx, m.Location); p != nil {
		lat, lng := p.Lat, p.Lng
		m.Lat, m.Lng = &lat, &lng
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
}

// parseTime accepts RFC 3339 and zone-less layouts; the latter are read in loc.
func parseTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range timeLayouts[1:] {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func eventTime(dt *calendar.EventDateTime, loc *time.Location) (time.Time, error) {
	if dt == nil {
		return time.Time{}, errors.New("missing time")
	}
	if dt.DateTime != "" {
		return parseTime(dt.DateTime, loc)
	}
	if dt.Date != "" {
		return time.ParseInLocation("2006-01-02", dt.Date, loc)
	}
	return time.Time{}, errors.New("missing time")
}

func cleanTitle(title string) string {
	title = strings.Join(strings.Fields(title), " ")
	if title == "" {
		return untitled
	}
	return title
}

var freemail = map[string]bool{
	"gmail.com": true, "googlemail.com": true, "outlook.com": true, "hotmail.com": true,
	"yahoo.com": true, "icloud.com": true, "me.com": true, "proton.me": true,
}

// companyFromEmail guesses an organisation from a work address domain.
func companyFromEmail(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at < 0 {
		return ""
	}
	domain := strings.ToLower(email[at+1:])
	if freemail[domain] {
		return ""
	}
	if dot := strings.IndexByte(domain, '.'); dot > 0 {
		return domain[:dot]
	}
	return domain
}
