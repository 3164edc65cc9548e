package preference

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"remindd/internal/config"
	"remindd/internal/recurrence"
)

// document is the on-disk shape. Days use 1=Monday..7=Sunday unless
// day_convention is "sunday0".
type document struct {
	OwnerID               string     `json:"owner_id"`
	Hour                  *int       `json:"hour"`
	Minute                int        `json:"minute"`
	Frequency             string     `json:"frequency"`
	Days                  []int      `json:"days"`
	DayConvention         string     `json:"day_convention"`
	Message               string     `json:"message"`
	Title                 string     `json:"title"`
	PushAddress           string     `json:"push_address"`
	Enabled               *bool      `json:"enabled"`
	TimezoneOffsetMinutes int        `json:"timezone_offset_minutes"`
	UpdatedAt             *time.Time `json:"updated_at"`
}

var extensions = []string{".json", ".yaml", ".yml"}

// OwnerIDFromPath returns the owner a document path belongs to. Editor
// swap files and dotfiles are ignored.
func OwnerIDFromPath(path string) (string, bool) {
	base := filepath.Base(path)
	ext := strings.ToLower(filepath.Ext(base))
	known := false
	for _, e := range extensions {
		if ext == e {
			known = true
			break
		}
	}
	if !known {
		return "", false
	}
	owner := strings.TrimSuffix(base, filepath.Ext(base))
	if ValidOwnerID(owner) != nil {
		return "", false
	}
	return owner, true
}

// Decode parses one document. modTime stands in for a missing updated_at.
func Decode(path string, data []byte, modTime time.Time) (Preference, error) {
	var doc document
	if err := config.DecodeStrict(path, data, &doc); err != nil {
		return Preference{}, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}

	owner, ok := OwnerIDFromPath(path)
	if !ok {
		return Preference{}, fmt.Errorf("%s: %w", filepath.Base(path), ErrInvalidOwner)
	}
	if doc.OwnerID != "" && doc.OwnerID != owner {
		return Preference{}, fmt.Errorf("owner_id %q does not match file name %q", doc.OwnerID, owner)
	}
	if doc.Hour == nil {
		return Preference{}, fmt.Errorf("%s: hour is required", owner)
	}
	freq, err := recurrence.ParseFrequency(doc.Frequency)
	if err != nil {
		return Preference{}, fmt.Errorf("%s: %w", owner, err)
	}
	days, err := convertDays(doc.DayConvention, doc.Days)
	if err != nil {
		return Preference{}, fmt.Errorf("%s: %w", owner, err)
	}

	p := Preference{
		OwnerID: owner,
		Rule: recurrence.Rule{
			Hour:                  *doc.Hour,
			Minute:                doc.Minute,
			Frequency:             freq,
			Days:                  days,
			TimezoneOffsetMinutes: doc.TimezoneOffsetMinutes,
		},
		Title:       strings.TrimSpace(doc.Title),
		Message:     doc.Message,
		PushAddress: strings.TrimSpace(doc.PushAddress),
		Enabled:     config.BoolOr(doc.Enabled, true),
		UpdatedAt:   modTime.UTC(),
	}
	if doc.UpdatedAt != nil {
		p.UpdatedAt = doc.UpdatedAt.UTC()
	}
	if err := p.Rule.Validate(); err != nil {
		return Preference{}, fmt.Errorf("%s: %w", owner, err)
	}
	return p, nil
}

func convertDays(convention string, raw []int) ([]recurrence.Weekday, error) {
	out := make([]recurrence.Weekday, 0, len(raw))
	switch strings.ToLower(strings.TrimSpace(convention)) {
	case "", "monday1":
		for _, n := range raw {
			out = append(out, recurrence.Weekday(n))
		}
	case "sunday0":
		for _, n := range raw {
			d, err := recurrence.FromSundayZero(n)
			if err != nil {
				return nil, err
			}
			out = append(out, d)
		}
	default:
		return nil, fmt.Errorf("unknown day_convention %q", convention)
	}
	return out, nil
}
