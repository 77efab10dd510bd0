package model

import (
	"time"
)

// Account is a remote user on a panel whose subscription is rotated on a
// fixed interval. Timestamps are unix seconds so the same rows work on
// Postgres and SQLite.
type Account struct {
	ID             string `db:"id" json:"id"`
	PanelID        string `db:"panel_id" json:"panelId"`
	RemoteUsername string `db:"remote_username" json:"remoteUsername"`
	IntervalHours  *int   `db:"interval_hours" json:"intervalHours,omitempty"`
	LastResetAt    *int64 `db:"last_reset_at" json:"-"`
	ChatID         *int64 `db:"chat_id" json:"chatId,omitempty"`
	Enabled        bool   `db:"enabled" json:"enabled"`
	CreatedAt      int64  `db:"created_at" json:"-"`
	UpdatedAt      int64  `db:"updated_at" json:"-"`
}

// Interval returns the rotation interval, or false when the account is not
// scheduled.
func (a *Account) Interval() (time.Duration, bool) {
	if a.IntervalHours == nil || *a.IntervalHours <= 0 {
		return 0, false
	}
	return time.Duration(*a.IntervalHours) * time.Hour, true
}

func (a *Account) LastReset() *time.Time {
	if a.LastResetAt == nil {
		return nil
	}
	t := time.Unix(*a.LastResetAt, 0).UTC()
	return &t
}

// NextDueAt is always derived from LastResetAt and IntervalHours. A scheduled
// account that was never rotated is due immediately, reported as the zero
// time. The second result is false for unscheduled accounts.
func (a *Account) NextDueAt() (time.Time, bool) {
	interval, ok := a.Interval()
	if !ok {
		return time.Time{}, false
	}
	last := a.LastReset()
	if last == nil {
		return time.Time{}, true
	}
	return last.Add(interval), true
}

// IsDue reports whether the account should be rotated at now.
func (a *Account) IsDue(now time.Time) bool {
	if !a.Enabled {
		return false
	}
	due, ok := a.NextDueAt()
	if !ok {
		return false
	}
	return !now.Before(due)
}

type CreateAccountParams struct {
	PanelID        string
	RemoteUsername string
	IntervalHours  *int
	ChatID         *int64
}
