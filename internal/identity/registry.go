package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Registry is the IP pool registry: it selects identities and keeps their
// quotas and warmup state
type Registry struct {
	store    Store
	schedule *Schedule
	loc      *time.Location
	now      func() time.Time
	logger   *slog.Logger
}

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithLocation sets the time zone that defines calendar days
func WithLocation(loc *time.Location) RegistryOption {
	return func(r *Registry) {
		if loc != nil {
			r.loc = loc
		}
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a registry over store
func NewRegistry(store Store, schedule *Schedule, opts ...RegistryOption) *Registry {
	if schedule == nil {
		schedule = DefaultSchedule()
	}
	r := &Registry{
		store:    store,
		schedule: schedule,
		loc:      time.UTC,
		now:      time.Now,
		logger:   slog.Default().With("component", "identity-registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Schedule returns the warmup schedule in use
func (r *Registry) Schedule() *Schedule {
	return r.schedule
}

// Close closes the underlying store
func (r *Registry) Close() error {
	return r.store.Close()
}

func (r *Registry) today() string {
	return Day(r.now(), r.loc)
}

// Register adds a new active identity. WarmupDay defaults to 1 and limits come
// from the schedule.
func (r *Registry) Register(ctx context.Context, si SendingIdentity) (*SendingIdentity, error) {
	ip := net.ParseIP(strings.TrimSpace(si.Address))
	if ip == nil {
		return nil, fmt.Errorf("%w: address %q is not an IP address", ErrInvalid, si.Address)
	}
	si.Address = ip.String()

	now := r.now()
	if si.ID == "" {
		si.ID = uuid.NewString()
	}
	if si.Hostname == "" {
		si.Hostname = si.Address
	}
	if si.Pool == "" {
		si.Pool = "main"
	}
	if si.WarmupDay < 1 {
		si.WarmupDay = 1
	}
	si.DailyLimit = r.schedule.DailyLimit(si.WarmupDay)
	si.HourlyLimit = r.schedule.HourlyLimit(si.DailyLimit)
	si.WarmupStatus = r.schedule.Status(si.WarmupDay)
	si.WarmupStartedOn = Day(now.AddDate(0, 0, 1-si.WarmupDay), r.loc)
	si.WarmupAdvancedOn = Day(now, r.loc)
	si.SentToday, si.SentThisHour, si.SentTotal = 0, 0, 0
	si.DailyResetOn = Day(now, r.loc)
	si.HourlyResetAt = Hour(now, r.loc)
	si.IsActive = true
	si.CreatedAt = now.UTC()
	si.UpdatedAt = now.UTC()

	if err := r.store.Insert(ctx, &si); err != nil {
		return nil, err
	}

	r.logger.Info("Registered sending identity",
		"identity_id", si.ID,
		"address", si.Address,
		"pool", si.Pool,
		"warmup_day", si.WarmupDay,
		"daily_limit", si.DailyLimit)
	return &si, nil
}

// Get returns an identity by id
func (r *Registry) Get(ctx context.Context, id string) (*SendingIdentity, error) {
	return r.store.Get(ctx, id)
}

// Lookup returns an identity by id or address
func (r *Registry) Lookup(ctx context.Context, idOrAddress string) (*SendingIdentity, error) {
	if net.ParseIP(idOrAddress) != nil {
		return r.store.GetByAddress(ctx, net.ParseIP(idOrAddress).String())
	}
	return r.store.Get(ctx, idOrAddress)
}

// List returns every identity, including disabled ones
func (r *Registry) List(ctx context.Context) ([]SendingIdentity, error) {
	return r.store.List(ctx)
}

// ListEligible returns identities able to send minCapacity more messages,
// ordered by lowest priority, then highest remaining daily capacity, then address.
func (r *Registry) ListEligible(ctx context.Context, minCapacity int64) ([]SendingIdentity, error) {
	all, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}

	eligible := make([]SendingIdentity, 0, len(all))
	for _, si := range all {
		if si.Eligible(minCapacity) {
			eligible = append(eligible, si)
		}
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := &eligible[i], &eligible[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.Remaining() != b.Remaining() {
			return a.Remaining() > b.Remaining()
		}
		return a.Address < b.Address
	})
	return eligible, nil
}

// Capacity sums the remaining daily capacity of eligible identities
func (r *Registry) Capacity(ctx context.Context) (int64, error) {
	eligible, err := r.ListEligible(ctx, 1)
	if err != nil {
		return 0, err
	}
	var total int64
	for i := range eligible {
		total += eligible[i].Remaining()
	}
	return total, nil
}

// Acquire reserves one send on the first eligible identity not in exclude.
// The caller must Release the reservation if the send does not happen.
func (r *Registry) Acquire(ctx context.Context, exclude map[string]bool) (*SendingIdentity, error) {
	eligible, err := r.ListEligible(ctx, 1)
	if err != nil {
		return nil, err
	}

	for i := range eligible {
		si := eligible[i]
		if exclude[si.ID] {
			continue
		}
		ok, err := r.store.Reserve(ctx, si.ID, r.now())
		if err != nil {
			return nil, err
		}
		if ok {
			si.SentToday++
			si.SentThisHour++
			si.SentTotal++
			return &si, nil
		}
	}
	return nil, ErrNoCapacity
}

// Reserve counts one send against id if both limits have room
func (r *Registry) Reserve(ctx context.Context, id string) (bool, error) {
	return r.store.Reserve(ctx, id, r.now())
}

// Release undoes a reservation for a send that did not happen
func (r *Registry) Release(ctx context.Context, id string) error {
	return r.store.Release(ctx, id)
}

// ToggleBlacklist marks or clears the blacklist flag
func (r *Registry) ToggleBlacklist(ctx context.Context, id string, blacklisted bool) error {
	if err := r.store.SetBlacklisted(ctx, id, blacklisted); err != nil {
		return err
	}
	r.logger.Warn("Identity blacklist flag changed", "identity_id", id, "blacklisted", blacklisted)
	return nil
}

// Disable soft-deletes an identity; identities are never removed
func (r *Registry) Disable(ctx context.Context, id string) error {
	return r.store.SetActive(ctx, id, false)
}

// Enable reactivates a disabled identity
func (r *Registry) Enable(ctx context.Context, id string) error {
	return r.store.SetActive(ctx, id, true)
}

// SetPriority changes the selection priority; lower is preferred
func (r *Registry) SetPriority(ctx context.Context, id string, priority int) error {
	return r.store.SetPriority(ctx, id, priority)
}

// StartWarmup restarts the warmup schedule at day one
func (r *Registry) StartWarmup(ctx context.Context, id string) error {
	today := r.today()
	daily := r.schedule.DailyLimit(1)
	return r.store.SetWarmup(ctx, id, WarmupAdvance{
		Day:         1,
		DailyLimit:  daily,
		HourlyLimit: r.schedule.HourlyLimit(daily),
		Status:      r.schedule.Status(1),
		On:          today,
		StartedOn:   today,
	})
}

// AdvanceWarmupDay moves a warming identity to the next day of the schedule.
// Calling it again on the same calendar day changes nothing.
func (r *Registry) AdvanceWarmupDay(ctx context.Context, id string, today time.Time) (int, int64, WarmupStatus, error) {
	si, err := r.store.Get(ctx, id)
	if err != nil {
		return 0, 0, "", err
	}

	on := Day(today, r.loc)
	if si.WarmupAdvancedOn == on || si.WarmupStatus == StatusWarmed {
		return si.WarmupDay, si.DailyLimit, si.WarmupStatus, nil
	}

	adv := r.schedule.Advance(si.WarmupDay, on)
	changed, err := r.store.AdvanceWarmup(ctx, id, si.WarmupDay, adv)
	if err != nil {
		return 0, 0, "", err
	}
	if !changed {
		// a concurrent rollover got there first
		cur, err := r.store.Get(ctx, id)
		if err != nil {
			return 0, 0, "", err
		}
		return cur.WarmupDay, cur.DailyLimit, cur.WarmupStatus, nil
	}

	r.logger.Info("Advanced warmup day",
		"identity_id", id,
		"address", si.Address,
		"warmup_day", adv.Day,
		"daily_limit", adv.DailyLimit,
		"status", adv.Status)
	return adv.Day, adv.DailyLimit, adv.Status, nil
}

// RolloverResult summarizes a rollover run
type RolloverResult struct {
	Advanced int   `json:"advanced"`
	Reset    int64 `json:"reset"`
}

// RolloverDaily advances warming identities and zeroes daily counters.
// Running it twice for the same day is a no-op.
func (r *Registry) RolloverDaily(ctx context.Context, today time.Time) (RolloverResult, error) {
	var res RolloverResult

	all, err := r.store.List(ctx)
	if err != nil {
		return res, err
	}

	on := Day(today, r.loc)
	var errs []error
	for _, si := range all {
		if si.WarmupStatus != StatusWarming || si.WarmupAdvancedOn == on {
			continue
		}
		day, _, _, err := r.AdvanceWarmupDay(ctx, si.ID, today)
		if err != nil {
			errs = append(errs, fmt.Errorf("advance %s: %w", si.Address, err))
			continue
		}
		if day != si.WarmupDay {
			res.Advanced++
		}
	}

	res.Reset, err = r.store.ResetDaily(ctx, on)
	if err != nil {
		errs = append(errs, err)
	}
	if res.Reset > 0 || res.Advanced > 0 {
		r.logger.Info("Daily rollover", "day", on, "advanced", res.Advanced, "reset", res.Reset)
	}
	return res, errors.Join(errs...)
}

// RolloverHourly zeroes hourly counters for a new hour
func (r *Registry) RolloverHourly(ctx context.Context, hour time.Time) (int64, error) {
	n, err := r.store.ResetHourly(ctx, Hour(hour, r.loc))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.logger.Debug("Hourly rollover", "hour", Hour(hour, r.loc), "reset", n)
	}
	return n, nil
}

// Rollover runs the daily and hourly rollovers for the current time
func (r *Registry) Rollover(ctx context.Context) error {
	now := r.now()
	if _, err := r.RolloverDaily(ctx, now); err != nil {
		return err
	}
	_, err := r.RolloverHourly(ctx, now)
	return err
}

// RunRollover calls Rollover every interval until ctx is done
func (r *Registry) RunRollover(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := r.Rollover(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("Rollover failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
