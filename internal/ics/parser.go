package ics

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"

	"github.com/vipul43/meetsync-worker/internal/syncerr"
)

const (
	instanceLayout        = "20060102T150405Z"
	maxInstancesPerSeries = 1000
)

// Event is one concrete occurrence inside the window. Recurring series are
// expanded into one Event per instance.
type Event struct {
	UID string
	// InstanceID is stable across fetches: UID for single events,
	// UID/<start UTC> for recurrence instances.
	InstanceID  string
	Title       string
	Description string
	Location    string
	Status      string
	Start       time.Time
	End         time.Time
	// TZID is the zone named on DTSTART after resolution, empty for UTC or
	// floating times.
	TZID      string
	AllDay    bool
	Organizer string
	Attendees []Attendee
}

type Attendee struct {
	Name  string
	Email string
}

// ZoneResolver maps a TZID parameter (possibly a Windows zone name) to an
// IANA name. The result is only used when time.LoadLocation accepts it.
type ZoneResolver func(tzid string) string

type ParseResult struct {
	Events []Event
	// Skipped counts VEVENTs that could not be interpreted, plus series cut
	// short at maxInstancesPerSeries.
	Skipped int
	Errors  []error
	// Truncated holds the UIDs of series with more in-window instances than
	// were returned. Their missing instances are unknown, not gone.
	Truncated []string
}

// Parse decodes an iCalendar document and returns the event occurrences
// starting inside [from, to]. A document that is not iCalendar at all fails
// with MalformedFeed; a single unusable VEVENT is skipped and counted.
func Parse(data []byte, from, to time.Time, resolve ZoneResolver) (*ParseResult, error) {
	const op = "ics.parse"

	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if err := validateFormat(data); err != nil {
		return nil, syncerr.New(syncerr.KindMalformedFeed, op, err)
	}

	res := &ParseResult{}
	dec := ical.NewDecoder(bytes.NewReader(data))
	calendars := 0
	for {
		cal, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, syncerr.New(syncerr.KindMalformedFeed, op, fmt.Errorf("failed to decode calendar: %w", err))
		}
		calendars++
		parseCalendar(cal, from, to, resolve, res)
	}
	if calendars == 0 {
		return nil, syncerr.Newf(syncerr.KindMalformedFeed, op, "feed contains no calendar")
	}
	return res, nil
}

func validateFormat(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	upper := strings.ToUpper(string(trimmed[:min(len(trimmed), 64)]))
	if strings.HasPrefix(upper, "<!DOCTYPE") || strings.HasPrefix(upper, "<HTML") {
		return errors.New("received HTML instead of iCalendar data, the feed may require authentication")
	}
	if !strings.HasPrefix(upper, "BEGIN:VCALENDAR") {
		return errors.New("invalid iCalendar format, expected BEGIN:VCALENDAR")
	}
	return nil
}

type overrideKey struct {
	uid     string
	instant int64
}

func parseCalendar(cal *ical.Calendar, from, to time.Time, resolve ZoneResolver, res *ParseResult) {
	events := cal.Events()

	// RECURRENCE-ID components replace single instances of their series.
	overrides := map[overrideKey]bool{}
	for i := range events {
		ev := &events[i]
		normalizeZones(ev.Component, resolve)
		if rid := ev.Props.Get(ical.PropRecurrenceID); rid != nil {
			uid := propText(ev.Component, ical.PropUID)
			if t, err := rid.DateTime(locationOf(ev.Component)); err == nil && uid != "" {
				overrides[overrideKey{uid, t.UTC().Unix()}] = true
			}
		}
	}

	for i := range events {
		ev := &events[i]
		occurrences, truncated, err := expandEvent(ev, from, to, overrides)
		if err != nil {
			res.Skipped++
			res.Errors = append(res.Errors, syncerr.New(syncerr.KindMalformedRecord, "ics.parse_event", err))
			continue
		}
		if truncated && len(occurrences) > 0 {
			uid := occurrences[0].UID
			res.Skipped++
			res.Truncated = append(res.Truncated, uid)
			res.Errors = append(res.Errors, syncerr.Newf(syncerr.KindMalformedRecord, "ics.parse_event",
				"series %s has more than %d instances in the window", uid, maxInstancesPerSeries))
		}
		res.Events = append(res.Events, occurrences...)
	}
}

// expandEvent reports true when the series had more in-window instances than
// it returned.
func expandEvent(ev *ical.Event, from, to time.Time, overrides map[overrideKey]bool) ([]Event, bool, error) {
	loc := locationOf(ev.Component)

	start, err := ev.DateTimeStart(loc)
	if err != nil {
		return nil, false, fmt.Errorf("invalid DTSTART: %w", err)
	}
	if start.IsZero() {
		return nil, false, errors.New("missing DTSTART")
	}
	end, err := ev.DateTimeEnd(loc)
	if err != nil || end.IsZero() || end.Before(start) {
		end = start
	}
	duration := end.Sub(start)

	base := Event{
		UID:         propText(ev.Component, ical.PropUID),
		Title:       propText(ev.Component, ical.PropSummary),
		Description: propText(ev.Component, ical.PropDescription),
		Location:    propText(ev.Component, ical.PropLocation),
		Status:      strings.ToUpper(propText(ev.Component, ical.PropStatus)),
		TZID:        tzidOf(ev.Component),
		AllDay:      isDateOnly(ev.Props.Get(ical.PropDateTimeStart)),
		Organizer:   organizerOf(ev.Component),
		Attendees:   attendeesOf(ev.Component),
	}
	if base.UID == "" {
		base.UID = fallbackUID(base.Title, start)
	}

	// an override is an instance in its own right
	if rid := ev.Props.Get(ical.PropRecurrenceID); rid != nil {
		ridTime, err := rid.DateTime(loc)
		if err != nil {
			return nil, false, fmt.Errorf("invalid RECURRENCE-ID: %w", err)
		}
		if !inWindow(start, from, to) {
			return nil, false, nil
		}
		inst := base
		inst.InstanceID = instanceID(base.UID, ridTime)
		inst.Start, inst.End = start, start.Add(duration)
		return []Event{inst}, false, nil
	}

	set, err := ev.RecurrenceSet(loc)
	if err != nil {
		return nil, false, fmt.Errorf("invalid recurrence rule: %w", err)
	}
	if set == nil {
		if !inWindow(start, from, to) {
			return nil, false, nil
		}
		single := base
		single.InstanceID = base.UID
		single.Start, single.End = start, end
		return []Event{single}, false, nil
	}

	instants, truncated := occurrences(set, from, to)
	var out []Event
	for _, at := range instants {
		if overrides[overrideKey{base.UID, at.UTC().Unix()}] {
			continue
		}
		inst := base
		inst.InstanceID = instanceID(base.UID, at)
		inst.Start, inst.End = at, at.Add(duration)
		out = append(out, inst)
	}
	return out, truncated, nil
}

// occurrences lists the instants of set inside [from, to], at most
// maxInstancesPerSeries of them. It reports true when more were left.
func occurrences(set *rrule.Set, from, to time.Time) ([]time.Time, bool) {
	var out []time.Time
	next := set.Iterator()
	for at, ok := next(); ok && !at.After(to); at, ok = next() {
		if at.Before(from) {
			continue
		}
		if len(out) == maxInstancesPerSeries {
			return out, true
		}
		out = append(out, at)
	}
	return out, false
}

func inWindow(t, from, to time.Time) bool {
	return !t.Before(from) && !t.After(to)
}

func instanceID(uid string, at time.Time) string {
	return uid + "/" + at.UTC().Format(instanceLayout)
}

// fallbackUID gives UID-less events a deterministic identity.
func fallbackUID(title string, start time.Time) string {
	sum := sha256.Sum256([]byte(title + "|" + start.UTC().Format(time.RFC3339)))
	return hex.EncodeToString(sum[:])
}

func propText(comp *ical.Component, name string) string {
	v, err := comp.Props.Text(name)
	if err != nil {
		if p := comp.Props.Get(name); p != nil {
			return strings.TrimSpace(p.Value)
		}
		return ""
	}
	return strings.TrimSpace(v)
}

// normalizeZones rewrites TZID parameters through resolve so that Windows
// zone names become loadable IANA names.
func normalizeZones(comp *ical.Component, resolve ZoneResolver) {
	if resolve == nil {
		return
	}
	names := []string{
		ical.PropDateTimeStart, ical.PropDateTimeEnd, ical.PropRecurrenceID,
		ical.PropExceptionDates, ical.PropRecurrenceDates,
	}
	for _, name := range names {
		for i := range comp.Props[name] {
			prop := &comp.Props[name][i]
			tzid := prop.Params.Get(ical.ParamTimezoneID)
			if tzid == "" {
				continue
			}
			if iana := resolve(tzid); iana != "" && iana != tzid {
				prop.Params.Set(ical.ParamTimezoneID, iana)
			}
		}
	}
}

func tzidOf(comp *ical.Component) string {
	if p := comp.Props.Get(ical.PropDateTimeStart); p != nil {
		return p.Params.Get(ical.ParamTimezoneID)
	}
	return ""
}

// locationOf is used for floating times and for TZIDs go-ical cannot load.
func locationOf(comp *ical.Component) *time.Location {
	if tzid := tzidOf(comp); tzid != "" {
		if loc, err := time.LoadLocation(tzid); err == nil {
			return loc
		}
	}
	return time.UTC
}

func isDateOnly(p *ical.Prop) bool {
	if p == nil {
		return false
	}
	return p.ValueType() == ical.ValueDate
}

func organizerOf(comp *ical.Component) string {
	p := comp.Props.Get(ical.PropOrganizer)
	if p == nil {
		return ""
	}
	if cn := p.Params.Get(ical.ParamCommonName); cn != "" {
		return cn
	}
	return strings.TrimPrefix(strings.ToLower(p.Value), "mailto:")
}

func attendeesOf(comp *ical.Component) []Attendee {
	var out []Attendee
	for _, p := range comp.Props.Values(ical.PropAttendee) {
		email := p.Value
		if len(email) >= 7 && strings.EqualFold(email[:7], "mailto:") {
			email = email[7:]
		}
		out = append(out, Attendee{
			Name:  p.Params.Get(ical.ParamCommonName),
			Email: strings.ToLower(email),
		})
	}
	return out
}
