package normalize

import (
	"regexp"
	"strings"

	"github.com/vipul43/meetsync-worker/internal/models"
)

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// MapStatus translates a provider status string. Missing or unknown values
// are treated as accepted, since a listed meeting is live unless stated
// otherwise.
func MapStatus(raw string) models.MeetingStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "confirmed", "accepted", "scheduled":
		return models.MeetingAccepted
	case "tentative", "pending", "needs-action", "needs_action", "invited":
		return models.MeetingPending
	case "declined":
		return models.MeetingDeclined
	case "cancelled", "canceled":
		return models.MeetingCanceled
	default:
		return models.MeetingAccepted
	}
}

// IsCanceledTitle reports whether a title carries the "Canceled:" prefix some
// clients use instead of setting STATUS.
func IsCanceledTitle(title string) bool {
	clean := nonAlnum.ReplaceAllString(strings.ToLower(title), "")
	return strings.HasPrefix(clean, "canceled") || strings.HasPrefix(clean, "cancelled")
}

func resolveStatus(raw, title string) models.MeetingStatus {
	status := MapStatus(raw)
	if status != models.MeetingCanceled && IsCanceledTitle(title) {
		return models.MeetingCanceled
	}
	return status
}
