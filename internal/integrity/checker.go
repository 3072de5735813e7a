package integrity

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/anouar4070/MediTime-2/internal/appointment"
	"github.com/anouar4070/MediTime-2/internal/availability"
	"github.com/anouar4070/MediTime-2/internal/lock"
	"github.com/anouar4070/MediTime-2/internal/metrics"
)

// Records is what the checker reads from the appointment store.
type Records interface {
	appointment.EventWriter
	ActiveSlotTimes(ctx context.Context, providerID uuid.UUID, date string) ([]string, error)
	ActiveKeys(ctx context.Context) ([]availability.Key, error)
}

type Discrepancy struct {
	Key      availability.Key `json:"key"`
	SlotTime string           `json:"slot_time"`
	// Kind is appointment.WarnOrphanedClaim or appointment.WarnMissingClaim.
	Kind     string `json:"kind"`
	Repaired bool   `json:"repaired"`
}

type Report struct {
	DaysChecked   int           `json:"days_checked"`
	Discrepancies []Discrepancy `json:"discrepancies"`
}

func (r *Report) Repaired() int {
	n := 0
	for _, d := range r.Discrepancies {
		if d.Repaired {
			n++
		}
	}
	return n
}

// Checker compares the claimed set of each provider day with the slot times
// of its live appointments. Each day is inspected under the same lock
// bookings take, so an in-flight booking is never reported.
type Checker struct {
	records Records
	index   availability.Index
	locker  lock.Locker
	log     zerolog.Logger
	metrics *metrics.Metrics
}

func NewChecker(records Records, index availability.Index, locker lock.Locker, log zerolog.Logger, m *metrics.Metrics) *Checker {
	return &Checker{
		records: records,
		index:   index,
		locker:  locker,
		log:     log.With().Str("component", "integrity").Logger(),
		metrics: m,
	}
}

func (c *Checker) Check(ctx context.Context) (*Report, error) {
	return c.run(ctx, false)
}

// Repair releases claims nobody holds an appointment for and claims slots
// of live appointments that lost theirs. Appointment records are the truth.
func (c *Checker) Repair(ctx context.Context) (*Report, error) {
	return c.run(ctx, true)
}

func (c *Checker) run(ctx context.Context, repair bool) (*Report, error) {
	keys, err := c.keys(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{Discrepancies: []Discrepancy{}}
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		err := c.locker.WithKeyLock(ctx, lock.SlotKey(key.ProviderID, key.Date), func(ctx context.Context) error {
			found, err := c.checkDay(ctx, key, repair)
			if err != nil {
				return err
			}
			report.Discrepancies = append(report.Discrepancies, found...)
			return nil
		})
		if err != nil {
			if errors.Is(err, lock.ErrLockNotAcquired) {
				c.log.Warn().Str("key", key.String()).Msg("day busy, skipped")
				continue
			}
			return report, fmt.Errorf("check %s: %w", key, err)
		}
		report.DaysChecked++
	}

	if len(report.Discrepancies) > 0 {
		c.log.Warn().
			Int("days", report.DaysChecked).
			Int("discrepancies", len(report.Discrepancies)).
			Int("repaired", report.Repaired()).
			Msg("integrity check found discrepancies")
	} else {
		c.log.Debug().Int("days", report.DaysChecked).Msg("integrity check clean")
	}
	return report, nil
}

func (c *Checker) keys(ctx context.Context) ([]availability.Key, error) {
	claimed, err := c.index.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list claimed days: %w", err)
	}
	active, err := c.records.ActiveKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active days: %w", err)
	}

	seen := make(map[availability.Key]struct{}, len(claimed)+len(active))
	var out []availability.Key
	for _, k := range append(claimed, active...) {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (c *Checker) checkDay(ctx context.Context, key availability.Key, repair bool) ([]Discrepancy, error) {
	claimed, err := c.index.Claimed(ctx, key.ProviderID, key.Date)
	if err != nil {
		return nil, fmt.Errorf("read claims: %w", err)
	}
	active, err := c.records.ActiveSlotTimes(ctx, key.ProviderID, key.Date)
	if err != nil {
		return nil, fmt.Errorf("read appointments: %w", err)
	}

	claimedSet := toSet(claimed)
	activeSet := toSet(active)

	var out []Discrepancy
	for _, t := range claimed {
		if _, ok := activeSet[t]; !ok {
			out = append(out, Discrepancy{Key: key, SlotTime: t, Kind: appointment.WarnOrphanedClaim})
		}
	}
	for _, t := range active {
		if _, ok := claimedSet[t]; !ok {
			out = append(out, Discrepancy{Key: key, SlotTime: t, Kind: appointment.WarnMissingClaim})
		}
	}

	for i := range out {
		d := &out[i]
		c.metrics.IntegrityWarnings.WithLabelValues(d.Kind).Inc()
		if !repair {
			continue
		}

		var err error
		switch d.Kind {
		case appointment.WarnOrphanedClaim:
			err = c.index.Release(ctx, key.ProviderID, key.Date, d.SlotTime)
			if errors.Is(err, availability.ErrNotClaimed) {
				err = nil
			}
		case appointment.WarnMissingClaim:
			err = c.index.Claim(ctx, key.ProviderID, key.Date, d.SlotTime)
			if errors.Is(err, availability.ErrAlreadyClaimed) {
				err = nil
			}
		}
		if err != nil {
			c.log.Error().Err(err).Str("key", key.String()).Str("slot_time", d.SlotTime).Msg("repair failed")
			continue
		}

		d.Repaired = true
		c.metrics.IntegrityRepairs.WithLabelValues(d.Kind).Inc()
		appointment.RecordEvent(ctx, c.records, c.log, nil, appointment.EventIntegrityRepaired, map[string]any{
			"kind":        d.Kind,
			"provider_id": key.ProviderID.String(),
			"slot_date":   key.Date,
			"slot_time":   d.SlotTime,
		})
	}
	return out, nil
}

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, s := range items {
		out[s] = struct{}{}
	}
	return out
}
