package identity

import (
	"fmt"
	"sort"

	"github.com/busybox42/sendline/internal/config"
)

// Step maps a warmup day to the daily limit that applies from that day on
type Step struct {
	Day   int   `json:"day"`
	Limit int64 `json:"limit"`
}

// Schedule is a monotonic step function from warmup day to daily limit
type Schedule struct {
	steps         []Step
	hourlyDivisor int64
	minHourly     int64
}

// NewSchedule validates steps and builds a schedule
func NewSchedule(steps []Step, hourlyDivisor, minHourly int64) (*Schedule, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("warmup schedule needs at least one step")
	}
	if hourlyDivisor < 1 {
		return nil, fmt.Errorf("hourly divisor must be at least 1, got %d", hourlyDivisor)
	}

	sorted := make([]Step, len(steps))
	copy(sorted, steps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Day < sorted[j].Day })

	for i := 1; i < len(sorted); i++ {
		if sorted[i].Day == sorted[i-1].Day {
			return nil, fmt.Errorf("duplicate warmup day %d", sorted[i].Day)
		}
		if sorted[i].Limit < sorted[i-1].Limit {
			return nil, fmt.Errorf("warmup limit decreases at day %d", sorted[i].Day)
		}
	}

	return &Schedule{steps: sorted, hourlyDivisor: hourlyDivisor, minHourly: minHourly}, nil
}

// ScheduleFromConfig builds the schedule described by the warmup section
func ScheduleFromConfig(cfg config.WarmupConfig) (*Schedule, error) {
	steps := make([]Step, len(cfg.Steps))
	for i, s := range cfg.Steps {
		steps[i] = Step{Day: s.Day, Limit: s.Limit}
	}
	return NewSchedule(steps, cfg.HourlyDivisor, cfg.MinHourly)
}

// DefaultSchedule returns the built-in 45 day schedule
func DefaultSchedule() *Schedule {
	def := config.DefaultConfig().Warmup
	s, err := ScheduleFromConfig(def)
	if err != nil {
		panic(err)
	}
	return s
}

// DailyLimit returns the daily limit for a warmup day. Days before the first
// step use the first limit; days past the last step use the plateau.
func (s *Schedule) DailyLimit(day int) int64 {
	limit := s.steps[0].Limit
	for _, step := range s.steps {
		if day < step.Day {
			break
		}
		limit = step.Limit
	}
	return limit
}

// HourlyLimit derives the hourly limit from a daily limit
func (s *Schedule) HourlyLimit(daily int64) int64 {
	h := daily / s.hourlyDivisor
	if h < s.minHourly {
		h = s.minHourly
	}
	return h
}

// Plateau is the final daily limit
func (s *Schedule) Plateau() int64 {
	return s.steps[len(s.steps)-1].Limit
}

// Horizon is the first day at which the plateau applies
func (s *Schedule) Horizon() int {
	return s.steps[len(s.steps)-1].Day
}

// Status returns warmed once the day has reached the plateau
func (s *Schedule) Status(day int) WarmupStatus {
	if s.DailyLimit(day) >= s.Plateau() {
		return StatusWarmed
	}
	return StatusWarming
}

// Steps returns a copy of the schedule steps
func (s *Schedule) Steps() []Step {
	out := make([]Step, len(s.steps))
	copy(out, s.steps)
	return out
}

// Advance computes the state for moving from day to day+1
func (s *Schedule) Advance(day int, on string) WarmupAdvance {
	next := day + 1
	daily := s.DailyLimit(next)
	return WarmupAdvance{
		Day:         next,
		DailyLimit:  daily,
		HourlyLimit: s.HourlyLimit(daily),
		Status:      s.Status(next),
		On:          on,
	}
}
