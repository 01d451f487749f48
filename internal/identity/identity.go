// Package identity tracks the sending IP addresses, their warmup schedule and
// their daily and hourly quotas.
package identity

import (
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound      = errors.New("sending identity not found")
	ErrAlreadyExists = errors.New("sending identity already registered")
	ErrNoCapacity    = errors.New("no sending identity has capacity")
	ErrInvalid       = errors.New("invalid sending identity")
)

// WarmupStatus is the warmup phase of an identity
type WarmupStatus string

const (
	StatusWarming WarmupStatus = "warming"
	StatusWarmed  WarmupStatus = "warmed"
)

const (
	dayLayout  = "2006-01-02"
	hourLayout = "2006-01-02T15"
)

// SendingIdentity is one sending IP address and its quota state
type SendingIdentity struct {
	ID               string       `json:"id"`
	Address          string       `json:"address"`
	Hostname         string       `json:"hostname"`
	Pool             string       `json:"pool"`
	WarmupDay        int          `json:"warmup_day"`
	WarmupStatus     WarmupStatus `json:"warmup_status"`
	WarmupStartedOn  string       `json:"warmup_started_on"`
	WarmupAdvancedOn string       `json:"warmup_advanced_on,omitempty"`
	DailyLimit       int64        `json:"daily_limit"`
	HourlyLimit      int64        `json:"hourly_limit"`
	SentToday        int64        `json:"sent_today"`
	SentThisHour     int64        `json:"sent_this_hour"`
	SentTotal        int64        `json:"sent_total"`
	DailyResetOn     string       `json:"daily_reset_on"`
	HourlyResetAt    string       `json:"hourly_reset_at"`
	IsActive         bool         `json:"is_active"`
	IsBlacklisted    bool         `json:"is_blacklisted"`
	Priority         int          `json:"priority"`
	LastSentAt       time.Time    `json:"last_sent_at,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// Remaining returns the daily capacity left
func (s *SendingIdentity) Remaining() int64 {
	if r := s.DailyLimit - s.SentToday; r > 0 {
		return r
	}
	return 0
}

// Eligible reports whether the identity may send at least minCapacity more messages
func (s *SendingIdentity) Eligible(minCapacity int64) bool {
	if minCapacity < 1 {
		minCapacity = 1
	}
	return s.IsActive &&
		!s.IsBlacklisted &&
		s.SentToday < s.DailyLimit &&
		s.SentThisHour < s.HourlyLimit &&
		s.Remaining() >= minCapacity
}

// WarmupAdvance is the state written by a warmup transition
type WarmupAdvance struct {
	Day         int
	DailyLimit  int64
	HourlyLimit int64
	Status      WarmupStatus
	On          string // calendar day of the transition
	StartedOn   string // set only when warmup restarts
}

// Day formats t as a calendar day in loc
func Day(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(dayLayout)
}

// Hour formats t as an hour bucket in loc
func Hour(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(hourLayout)
}
