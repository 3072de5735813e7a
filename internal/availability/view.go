package availability

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

// Hours is the bookable window of a day, "HH:MM" inclusive start and
// exclusive end.
type Hours struct {
	Open  string
	Close string
}

func DefaultHours() Hours {
	return Hours{Open: "10:00", Close: "21:00"}
}

type SlotStatus struct {
	Time string `json:"time"`
	Free bool   `json:"free"`
}

type DaySchedule struct {
	ProviderID uuid.UUID    `json:"provider_id"`
	Date       string       `json:"date"`
	Slots      []SlotStatus `json:"slots"`
}

// CachedView serves day schedules from a short lived snapshot of the index.
// A schedule may be stale for up to ttl; booking always rechecks the index.
// A ttl of zero or less reads the index on every call.
type CachedView struct {
	index Index
	hours Hours
	grid  time.Duration
	cache *cache.Cache // nil when caching is off
}

func NewCachedView(index Index, hours Hours, grid, ttl time.Duration) *CachedView {
	if grid <= 0 {
		grid = 30 * time.Minute
	}
	v := &CachedView{index: index, hours: hours, grid: grid}
	if ttl > 0 {
		v.cache = cache.New(ttl, 2*ttl)
	}
	return v
}

func (v *CachedView) Day(ctx context.Context, providerID uuid.UUID, date string) (*DaySchedule, error) {
	if _, err := time.Parse(DateLayout, date); err != nil {
		return nil, fmt.Errorf("%w: date %q must be YYYY-MM-DD", ErrInvalidSlot, date)
	}

	key := Key{ProviderID: providerID, Date: date}
	if v.cache != nil {
		if cached, found := v.cache.Get(key.String()); found {
			return cached.(*DaySchedule), nil
		}
	}

	claimed, err := v.index.Claimed(ctx, providerID, date)
	if err != nil {
		return nil, fmt.Errorf("read claims: %w", err)
	}
	taken := make(map[string]bool, len(claimed))
	for _, t := range claimed {
		taken[t] = true
	}

	labels, err := v.labels()
	if err != nil {
		return nil, err
	}

	day := &DaySchedule{ProviderID: providerID, Date: date, Slots: make([]SlotStatus, 0, len(labels))}
	for _, l := range labels {
		day.Slots = append(day.Slots, SlotStatus{Time: l, Free: !taken[l]})
	}

	if v.cache != nil {
		v.cache.Set(key.String(), day, cache.DefaultExpiration)
	}
	return day, nil
}

func (v *CachedView) Invalidate(key Key) {
	if v.cache == nil {
		return
	}
	v.cache.Delete(key.String())
}

func (v *CachedView) labels() ([]string, error) {
	open, err := time.Parse(TimeLayout, v.hours.Open)
	if err != nil {
		return nil, fmt.Errorf("opening hour %q: %w", v.hours.Open, err)
	}
	closing, err := time.Parse(TimeLayout, v.hours.Close)
	if err != nil {
		return nil, fmt.Errorf("closing hour %q: %w", v.hours.Close, err)
	}

	var out []string
	for t := open; t.Before(closing); t = t.Add(v.grid) {
		out = append(out, t.Format(TimeLayout))
	}
	return out, nil
}
