// Package merge collapses records that describe the same real-world meeting
// across sources.
package merge

import (
	"sort"
	"strings"
	"time"

	"github.com/vipul43/meetsync-worker/internal/models"
	"github.com/vipul43/meetsync-worker/internal/normalize"
)

// Bucket is the start-time granularity for fingerprinting.
const Bucket = 10 * time.Minute

// Fingerprint keys a meeting by its lowercased, whitespace-collapsed title and
// its start floored to Bucket in UTC.
func Fingerprint(title string, start time.Time) string {
	t := strings.Join(strings.Fields(strings.ToLower(title)), " ")
	return t + "|" + start.UTC().Truncate(Bucket).Format(time.RFC3339)
}

func priority(p models.Provider) int {
	switch p {
	case models.ProviderMTM:
		return 0
	case models.ProviderICS:
		return 1
	default:
		return 2
	}
}

// richer reports whether a should replace b as the content source of a
// group. Equal records keep b, so the earliest input wins.
func richer(a, b normalize.Meeting) bool {
	aLoc, bLoc := a.Location != "", b.Location != ""
	if aLoc != bLoc {
		return aLoc
	}
	if len(a.Title) != len(b.Title) {
		return len(a.Title) > len(b.Title)
	}
	return priority(a.Source) < priority(b.Source)
}

// Merged is one deduplicated meeting.
type Merged struct {
	// Content is the tie-break winner.
	Content normalize.Meeting
	// Identity is the first record from the account's own provider. Groups
	// without one have a zero Identity and are not stored.
	Identity   normalize.Meeting
	Provenance []string
	VenueID    string
	// SeenIDs lists every own-provider external id folded into the group.
	SeenIDs []string
}

// HasIdentity reports whether the group contains a record from the account's
// provider.
func (m *Merged) HasIdentity() bool { return m.Identity.ExternalID != "" }

// ToExternal builds the row to upsert. Content fields come from the winner;
// identity and status from the account's own record, which is authoritative.
func (m *Merged) ToExternal(uid string) *models.ExternalMeeting {
	c := m.Content
	em := &models.ExternalMeeting{
		UserID:     uid,
		Provider:   m.Identity.Source,
		ExternalID: m.Identity.ExternalID,
		Title:      c.Title,
		StartAt:    c.Start,
		EndAt:      c.End,
		TZ:         c.TZ,
		Location:   c.Location,
		Lat:        c.Lat,
		Lng:        c.Lng,
		With:       c.With,
		Status:     m.Identity.Status,
		Notes:      c.Notes,
		Source:     models.SourcePull,
		Provenance: models.StringList(m.Provenance),
	}
	if m.Identity.ETag != "" {
		etag := m.Identity.ETag
		em.ExternalETag = &etag
	}
	if m.VenueID != "" {
		venue := m.VenueID
		em.VenueID = &venue
	}
	return em
}

type group struct {
	merged  Merged
	sources map[models.Provider]bool
}

// Index merges records incrementally. Records are added one at a time, in
// input order; Flush hands back the groups changed since the previous
// Flush so callers can persist page by page.
type Index struct {
	own     models.Provider
	venues  *VenueTable
	groups  map[string]*group
	order   []string
	touched map[string]bool
}

func NewIndex(own models.Provider, venues *VenueTable) *Index {
	return &Index{
		own:     own,
		venues:  venues,
		groups:  make(map[string]*group),
		touched: make(map[string]bool),
	}
}

// Add folds m into its group and returns the group's fingerprint.
func (ix *Index) Add(m normalize.Meeting) string {
	key := Fingerprint(m.Title, m.Start)
	g, ok := ix.groups[key]
	if !ok {
		g = &group{merged: Merged{Content: m}, sources: map[models.Provider]bool{}}
		ix.groups[key] = g
		ix.order = append(ix.order, key)
	} else if richer(m, g.merged.Content) {
		g.merged.Content = m
	}

	if m.Source == ix.own {
		if !g.merged.HasIdentity() {
			g.merged.Identity = m
		}
		g.merged.SeenIDs = append(g.merged.SeenIDs, m.ExternalID)
	}
	if !g.sources[m.Source] {
		g.sources[m.Source] = true
		g.merged.Provenance = provenance(g.sources)
	}
	g.merged.VenueID = ix.venues.Match(g.merged.Content.Location)
	ix.touched[key] = true
	return key
}

// Flush returns the storable groups touched since the last call, in first
// seen order.
func (ix *Index) Flush() []Merged {
	var out []Merged
	for _, key := range ix.order {
		if !ix.touched[key] {
			continue
		}
		if g := ix.groups[key]; g.merged.HasIdentity() {
			out = append(out, snapshot(g.merged))
		}
	}
	clear(ix.touched)
	return out
}

// All returns every storable group in first seen order.
func (ix *Index) All() []Merged {
	var out []Merged
	for _, key := range ix.order {
		if g := ix.groups[key]; g.merged.HasIdentity() {
			out = append(out, snapshot(g.merged))
		}
	}
	return out
}

// Duplicates counts own-provider records folded into another record.
func (ix *Index) Duplicates() int {
	n := 0
	for _, g := range ix.groups {
		if len(g.merged.SeenIDs) > 1 {
			n += len(g.merged.SeenIDs) - 1
		}
	}
	return n
}

// MergeAndDedupe merges whole batches at once. Sources are consumed in the
// order given.
func MergeAndDedupe(own models.Provider, venues *VenueTable, sources ...[]normalize.Meeting) []Merged {
	ix := NewIndex(own, venues)
	for _, batch := range sources {
		for _, m := range batch {
			ix.Add(m)
		}
	}
	return ix.All()
}

func provenance(sources map[models.Provider]bool) []string {
	out := make([]string, 0, len(sources))
	for p := range sources {
		out = append(out, string(p))
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := priority(models.Provider(out[i])), priority(models.Provider(out[j]))
		if pi != pj {
			return pi < pj
		}
		return out[i] < out[j]
	})
	return out
}

func snapshot(m Merged) Merged {
	m.Provenance = append([]string(nil), m.Provenance...)
	m.SeenIDs = append([]string(nil), m.SeenIDs...)
	return m
}
