package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
)

// Attendee is one participant of an external meeting.
type Attendee struct {
	Name    string `json:"name"`
	Company string `json:"company,omitempty"`
}

// Attendees is stored as a PostgreSQL JSONB array.
type Attendees []Attendee

// Value implements driver.Valuer for Attendees
func (a Attendees) Value() (driver.Value, error) {
	if a == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(a)
}

// Scan implements sql.Scanner for Attendees
func (a *Attendees) Scan(value interface{}) error {
	return scanJSON(value, a)
}

// StringList is stored as a PostgreSQL JSONB array of strings.
type StringList []string

// Value implements driver.Valuer for StringList
func (s StringList) Value() (driver.Value, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s)
}

// Scan implements sql.Scanner for StringList
func (s *StringList) Scan(value interface{}) error {
	return scanJSON(value, s)
}

// Contains reports whether v is in the list.
func (s StringList) Contains(v string) bool {
	for _, item := range s {
		if item == v {
			return true
		}
	}
	return false
}

func scanJSON(value interface{}, dest interface{}) error {
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dest)
	case string:
		return json.Unmarshal([]byte(v), dest)
	default:
		return errors.New("type assertion to []byte failed")
	}
}
