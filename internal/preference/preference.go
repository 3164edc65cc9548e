// Package preference reads per-owner reminder settings from a directory
// of JSON or YAML documents and turns file activity into a change feed.
package preference

import (
	"errors"
	"strings"
	"time"

	"remindd/internal/recurrence"
)

var (
	ErrNotFound     = errors.New("preference not found")
	ErrInvalidOwner = errors.New("invalid owner id")
)

// Preference is one owner's reminder settings.
type Preference struct {
	OwnerID     string          `json:"owner_id"`
	Rule        recurrence.Rule `json:"rule"`
	Title       string          `json:"title,omitempty"`
	Message     string          `json:"message"`
	PushAddress string          `json:"push_address,omitempty"`
	Enabled     bool            `json:"enabled"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Active reports whether occurrences should exist for this owner.
func (p Preference) Active() bool {
	return p.Enabled && strings.TrimSpace(p.PushAddress) != ""
}

type ChangeKind int

const (
	Upsert ChangeKind = iota + 1
	Remove
)

func (k ChangeKind) String() string {
	switch k {
	case Upsert:
		return "upsert"
	case Remove:
		return "remove"
	}
	return "unknown"
}

// Change is one entry of the feed. Pref is set for Upsert only.
type Change struct {
	Kind    ChangeKind
	OwnerID string
	Pref    *Preference
	At      time.Time
}

// ValidOwnerID rejects ids that cannot be used as a file stem or as the
// first segment of an occurrence key.
func ValidOwnerID(id string) error {
	switch {
	case strings.TrimSpace(id) == "", id != strings.TrimSpace(id):
		return ErrInvalidOwner
	case strings.ContainsAny(id, `/\`), strings.HasPrefix(id, "."):
		return ErrInvalidOwner
	}
	return nil
}
