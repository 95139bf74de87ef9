package merge

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Venue struct {
	ID      string   `yaml:"id"`
	Aliases []string `yaml:"aliases"`
}

// VenueTable resolves free-text locations to known venue ids. The zero value
// and a nil table match nothing.
type VenueTable struct {
	venues []Venue
}

// LoadVenues reads a YAML file of the form
//
//	venues:
//	  - id: hq
//	    aliases: ["1 market st", "hq office"]
//
// An empty path yields an empty table.
func LoadVenues(path string) (*VenueTable, error) {
	if path == "" {
		return &VenueTable{}, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read venues file: %w", err)
	}
	return ParseVenues(b)
}

func ParseVenues(b []byte) (*VenueTable, error) {
	var doc struct {
		Venues []Venue `yaml:"venues"`
	}
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse venues: %w", err)
	}
	t := &VenueTable{}
	for i, v := range doc.Venues {
		if v.ID == "" {
			return nil, fmt.Errorf("venue %d has no id", i)
		}
		clean := Venue{ID: v.ID}
		for _, a := range v.Aliases {
			if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
				clean.Aliases = append(clean.Aliases, a)
			}
		}
		t.venues = append(t.venues, clean)
	}
	return t, nil
}

// Match returns the id of the first venue, in file order, with an alias
// contained in location (case-insensitive), or "".
func (t *VenueTable) Match(location string) string {
	if t == nil || location == "" {
		return ""
	}
	loc := strings.ToLower(location)
	for _, v := range t.venues {
		for _, a := range v.Aliases {
			if strings.Contains(loc, a) {
				return v.ID
			}
		}
	}
	return ""
}

func (t *VenueTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.venues)
}
