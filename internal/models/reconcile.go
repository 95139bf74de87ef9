package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
)

type UpsertOutcome int

const (
	UpsertUnchanged UpsertOutcome = iota
	UpsertUpdated
	UpsertCreated
)

func (o UpsertOutcome) String() string {
	switch o {
	case UpsertCreated:
		return "created"
	case UpsertUpdated:
		return "updated"
	default:
		return "unchanged"
	}
}

// ComputeContentHash hashes the fields a user would see change. Status is
// excluded because it follows its own transition rule.
func (m *ExternalMeeting) ComputeContentHash() string {
	h := sha256.New()
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	write(m.Title)
	write(m.StartAt.UTC().Format(time.RFC3339))
	write(m.EndAt.UTC().Format(time.RFC3339))
	write(m.TZ)
	write(m.Location)
	write(formatCoord(m.Lat))
	write(formatCoord(m.Lng))
	with, _ := json.Marshal(m.With)
	write(string(with))
	write(m.Notes)
	if m.VenueID != nil {
		write(*m.VenueID)
	} else {
		write("")
	}
	prov, _ := json.Marshal(m.Provenance)
	write(string(prov))
	return hex.EncodeToString(h.Sum(nil))
}

func formatCoord(f *float64) string {
	if f == nil {
		return ""
	}
	return strconv.FormatFloat(*f, 'f', 6, 64)
}

// Reconcile folds an incoming record into the stored one. Mirror mapping and
// identity columns always survive; content columns move only when the
// content hash changed; status follows NextStatus.
func Reconcile(existing, incoming *ExternalMeeting, now time.Time) (*ExternalMeeting, UpsertOutcome) {
	if existing == nil {
		out := *incoming
		if out.ID == "" {
			out.ID = uuid.NewString()
		}
		if out.Source == "" {
			out.Source = SourcePull
		}
		out.ContentHash = out.ComputeContentHash()
		out.LastSeenAt = now
		out.CreatedAt = now
		out.UpdatedAt = now
		return &out, UpsertCreated
	}

	out := *existing
	out.LastSeenAt = now
	out.ExternalETag = incoming.ExternalETag

	hash := incoming.ComputeContentHash()
	status := NextStatus(existing.Status, incoming.Status)
	if hash == existing.ContentHash && status == existing.Status {
		return &out, UpsertUnchanged
	}

	out.Title = incoming.Title
	out.StartAt = incoming.StartAt
	out.EndAt = incoming.EndAt
	out.TZ = incoming.TZ
	out.Location = incoming.Location
	out.Lat = incoming.Lat
	out.Lng = incoming.Lng
	out.With = incoming.With
	out.Notes = incoming.Notes
	out.VenueID = incoming.VenueID
	out.Provenance = incoming.Provenance
	if incoming.Source != "" {
		out.Source = incoming.Source
	}
	out.Status = status
	out.ContentHash = hash
	out.UpdatedAt = now
	return &out, UpsertUpdated
}
