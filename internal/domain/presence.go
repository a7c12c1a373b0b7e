package domain

import (
	"time"
)

// BusyStatus is a user's busy flag
type BusyStatus struct {
	Busy      bool      `json:"busy"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Stale reports whether a busy flag is too old to trust
func (b BusyStatus) Stale(now time.Time, maxAge time.Duration) bool {
	return b.Busy && now.Sub(b.UpdatedAt) > maxAge
}

// SilenceMode blocks every incoming call while enabled
type SilenceMode struct {
	Enabled      bool       `json:"enabled"`
	ExpiresAt    *time.Time `json:"expiresAt"`
	Duration     int        `json:"duration"` // minutes, 0 means until turned off
	AutoDisabled bool       `json:"autoDisabled,omitempty"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// ActiveAt reports whether silence mode blocks calls at now
func (s SilenceMode) ActiveAt(now time.Time) bool {
	return s.Enabled && !expired(s.ExpiresAt, now)
}

// Expired reports whether an enabled entry has passed its expiry
func (s SilenceMode) Expired(now time.Time) bool {
	return s.Enabled && expired(s.ExpiresAt, now)
}

// DNDEntry blocks calls from one specific peer while enabled
type DNDEntry struct {
	Status       bool       `json:"status"`
	ExpiresAt    *time.Time `json:"expiresAt"`
	Duration     int        `json:"duration"`
	AutoDisabled bool       `json:"autoDisabled,omitempty"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// ActiveAt reports whether the entry blocks calls at now
func (d DNDEntry) ActiveAt(now time.Time) bool {
	return d.Status && !expired(d.ExpiresAt, now)
}

// Expired reports whether an enabled entry has passed its expiry
func (d DNDEntry) Expired(now time.Time) bool {
	return d.Status && expired(d.ExpiresAt, now)
}

// PresenceRecord is everything admission control needs to know about a peer
type PresenceRecord struct {
	UserID      string              `json:"userId"`
	Busy        BusyStatus          `json:"busy"`
	SilenceMode SilenceMode         `json:"silenceMode"`
	DNDList     map[string]DNDEntry `json:"dndList"`
}

func expired(expiresAt *time.Time, now time.Time) bool {
	return expiresAt != nil && !now.Before(*expiresAt)
}

// ExpiryFor computes the expiry of a toggle lasting minutes from now; 0 never expires
func ExpiryFor(now time.Time, minutes int) *time.Time {
	if minutes <= 0 {
		return nil
	}
	t := now.Add(time.Duration(minutes) * time.Minute)
	return &t
}
