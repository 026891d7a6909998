// Package surge computes date-driven pricing and priority.
//
// A surge window recurs every year on the same month and day range. The
// package-level functions are pure over (time, config); Calculator holds a
// runtime-swappable config for the rest of the service.
package surge

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tutu-network/creditgate/internal/domain"
)

const day = 24 * time.Hour

// DefaultConfig returns the stock window: June 15 through June 30 at 2x.
func DefaultConfig() domain.SurgeConfig {
	return domain.SurgeConfig{
		SurgeMonth:       time.June,
		SurgeStartDay:    15,
		SurgeEndDay:      30,
		SurgeMultiplier:  2.0,
		NormalMultiplier: 1.0,
	}
}

// Validate reports whether cfg describes a usable window.
func Validate(cfg domain.SurgeConfig) error {
	switch {
	case cfg.SurgeMonth < time.January || cfg.SurgeMonth > time.December:
		return fmt.Errorf("%w: month %d outside 1..12", domain.ErrInvalidSurgeConfig, cfg.SurgeMonth)
	case cfg.SurgeStartDay < 1 || cfg.SurgeStartDay > 31:
		return fmt.Errorf("%w: start day %d outside 1..31", domain.ErrInvalidSurgeConfig, cfg.SurgeStartDay)
	case cfg.SurgeEndDay < 1 || cfg.SurgeEndDay > 31:
		return fmt.Errorf("%w: end day %d outside 1..31", domain.ErrInvalidSurgeConfig, cfg.SurgeEndDay)
	case cfg.SurgeStartDay > maxDaysIn(cfg.SurgeMonth):
		return fmt.Errorf("%w: start day %d beyond the end of %s", domain.ErrInvalidSurgeConfig, cfg.SurgeStartDay, cfg.SurgeMonth)
	case cfg.SurgeEndDay > maxDaysIn(cfg.SurgeMonth):
		return fmt.Errorf("%w: end day %d beyond the end of %s", domain.ErrInvalidSurgeConfig, cfg.SurgeEndDay, cfg.SurgeMonth)
	case cfg.SurgeStartDay > cfg.SurgeEndDay:
		return fmt.Errorf("%w: start day %d after end day %d", domain.ErrInvalidSurgeConfig, cfg.SurgeStartDay, cfg.SurgeEndDay)
	case !(cfg.SurgeMultiplier > 0) || math.IsInf(cfg.SurgeMultiplier, 0):
		return fmt.Errorf("%w: surge multiplier %v must be positive", domain.ErrInvalidSurgeConfig, cfg.SurgeMultiplier)
	case !(cfg.NormalMultiplier > 0) || math.IsInf(cfg.NormalMultiplier, 0):
		return fmt.Errorf("%w: normal multiplier %v must be positive", domain.ErrInvalidSurgeConfig, cfg.NormalMultiplier)
	}
	return nil
}

// ─── Pure Functions ─────────────────────────────────────────────────────────

// IsSurgePeriod reports whether t falls inside the window, in t's own
// location. Only month and day are compared, so the answer is the same for
// every year. Day bounds are clamped to the month length as in Window.
func IsSurgePeriod(t time.Time, cfg domain.SurgeConfig) bool {
	if t.Month() != cfg.SurgeMonth {
		return false
	}
	last := daysIn(t.Year(), cfg.SurgeMonth, t.Location())
	d := t.Day()
	return d >= min(cfg.SurgeStartDay, last) && d <= min(cfg.SurgeEndDay, last)
}

// Multiplier returns the surge multiplier inside the window and the normal
// multiplier outside it.
func Multiplier(t time.Time, cfg domain.SurgeConfig) float64 {
	if IsSurgePeriod(t, cfg) {
		return cfg.SurgeMultiplier
	}
	return cfg.NormalMultiplier
}

// JobPriority returns high inside the window and normal outside it.
func JobPriority(t time.Time, cfg domain.SurgeConfig) domain.Priority {
	if IsSurgePeriod(t, cfg) {
		return domain.PriorityHigh
	}
	return domain.PriorityNormal
}

// CalculatePrice scales base by the multiplier at t. No rounding is applied.
func CalculatePrice(base float64, t time.Time, cfg domain.SurgeConfig) float64 {
	return base * Multiplier(t, cfg)
}

// Window returns the first and last instant of the window in year, in loc.
// Day bounds past the end of the month are clamped to its last day.
func Window(year int, loc *time.Location, cfg domain.SurgeConfig) (start, end time.Time) {
	last := daysIn(year, cfg.SurgeMonth, loc)
	startDay := min(cfg.SurgeStartDay, last)
	endDay := min(cfg.SurgeEndDay, last)

	start = time.Date(year, cfg.SurgeMonth, startDay, 0, 0, 0, 0, loc)
	end = time.Date(year, cfg.SurgeMonth, endDay, 23, 59, 59, int(999*time.Millisecond), loc)
	return start, end
}

// TimeToSurgeChange returns whole days, rounded up, until the window next
// opens or closes. Inside the window it counts to the window end; otherwise
// to the next window start, which may be in the following year.
func TimeToSurgeChange(t time.Time, cfg domain.SurgeConfig) int {
	start, end := Window(t.Year(), t.Location(), cfg)
	if IsSurgePeriod(t, cfg) {
		return ceilDays(end.Sub(t))
	}
	if t.Before(start) {
		return ceilDays(start.Sub(t))
	}
	next, _ := Window(t.Year()+1, t.Location(), cfg)
	return ceilDays(next.Sub(t))
}

// PricingInfo builds the composite view for t.
func PricingInfo(t time.Time, cfg domain.SurgeConfig) domain.PricingInfo {
	start, end := Window(t.Year(), t.Location(), cfg)
	return domain.PricingInfo{
		IsSurge:      IsSurgePeriod(t, cfg),
		Multiplier:   Multiplier(t, cfg),
		Priority:     JobPriority(t, cfg),
		WindowStart:  start,
		WindowEnd:    end,
		DaysToChange: TimeToSurgeChange(t, cfg),
	}
}

func ceilDays(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(float64(d) / float64(day)))
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

// maxDaysIn is the longest the month gets in any year, so February allows 29.
func maxDaysIn(month time.Month) int {
	return daysIn(2024, month, time.UTC)
}

// ─── Calculator ─────────────────────────────────────────────────────────────

// Calculator evaluates the pure functions against a shared config that can be
// replaced at runtime. Readers always see one complete config value.
type Calculator struct {
	cfg atomic.Pointer[domain.SurgeConfig]
}

// NewCalculator creates a calculator. An invalid cfg is rejected.
func NewCalculator(cfg domain.SurgeConfig) (*Calculator, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	c := &Calculator{}
	c.cfg.Store(&cfg)
	return c, nil
}

// Config returns a copy of the current config.
func (c *Calculator) Config() domain.SurgeConfig {
	return *c.cfg.Load()
}

// UpdateConfig merges patch onto the current config and publishes the result
// as one value. An invalid result is rejected and nothing changes.
func (c *Calculator) UpdateConfig(patch domain.SurgeConfigPatch) (domain.SurgeConfig, error) {
	for {
		old := c.cfg.Load()
		next := patch.Apply(*old)
		if err := Validate(next); err != nil {
			return *old, err
		}
		if c.cfg.CompareAndSwap(old, &next) {
			log.WithFields(log.Fields{
				"month":             next.SurgeMonth,
				"start_day":         next.SurgeStartDay,
				"end_day":           next.SurgeEndDay,
				"surge_multiplier":  next.SurgeMultiplier,
				"normal_multiplier": next.NormalMultiplier,
			}).Info("Surge config updated")
			return next, nil
		}
	}
}

// Replace swaps in a complete config, as on a configuration reload.
func (c *Calculator) Replace(cfg domain.SurgeConfig) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	c.cfg.Store(&cfg)
	return nil
}

func (c *Calculator) IsSurgePeriod(t time.Time) bool {
	return IsSurgePeriod(t, c.Config())
}

func (c *Calculator) SurgeMultiplier(t time.Time) float64 {
	return Multiplier(t, c.Config())
}

func (c *Calculator) JobPriority(t time.Time) domain.Priority {
	return JobPriority(t, c.Config())
}

func (c *Calculator) CalculatePrice(base float64, t time.Time) float64 {
	return CalculatePrice(base, t, c.Config())
}

func (c *Calculator) TimeToSurgeChange(t time.Time) int {
	return TimeToSurgeChange(t, c.Config())
}

// PricingInfo evaluates every field against one config snapshot.
func (c *Calculator) PricingInfo(t time.Time) domain.PricingInfo {
	return PricingInfo(t, c.Config())
}
