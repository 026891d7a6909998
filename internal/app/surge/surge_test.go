package surge

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutu-network/creditgate/internal/domain"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 12, 0, 0, 0, time.UTC)
}

func newTestCalculator(t *testing.T) *Calculator {
	t.Helper()
	c, err := NewCalculator(DefaultConfig())
	require.NoError(t, err)
	return c
}

// ─── Window Tests ───────────────────────────────────────────────────────────

func TestSurgeDay(t *testing.T) {
	c := newTestCalculator(t)
	d := date(2025, time.June, 20)

	assert.True(t, c.IsSurgePeriod(d))
	assert.Equal(t, 2.0, c.SurgeMultiplier(d))
	assert.Equal(t, domain.PriorityHigh, c.JobPriority(d))
	assert.Equal(t, 200.0, c.CalculatePrice(100, d))
}

func TestNormalDay(t *testing.T) {
	c := newTestCalculator(t)
	d := date(2025, time.May, 20)

	assert.False(t, c.IsSurgePeriod(d))
	assert.Equal(t, 1.0, c.SurgeMultiplier(d))
	assert.Equal(t, domain.PriorityNormal, c.JobPriority(d))
	assert.Equal(t, 100.0, c.CalculatePrice(100, d))
}

func TestWindowBoundaries(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"last instant before start", time.Date(2025, 6, 14, 23, 59, 59, 999_000_000, time.UTC), false},
		{"first instant of start day", time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC), true},
		{"last instant of end day", time.Date(2025, 6, 30, 23, 59, 59, 999_000_000, time.UTC), true},
		{"first instant after end", time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC), false},
		{"same day other month", time.Date(2025, 5, 20, 0, 0, 0, 0, time.UTC), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsSurgePeriod(tt.at, cfg))
		})
	}
}

func TestIsSurgePeriod_UsesOwnLocation(t *testing.T) {
	cfg := DefaultConfig()
	// 2025-06-15 03:00 in UTC+5 is still June 14 in UTC.
	east := time.FixedZone("UTC+5", 5*60*60)
	local := time.Date(2025, 6, 15, 3, 0, 0, 0, east)

	assert.True(t, IsSurgePeriod(local, cfg))
	assert.False(t, IsSurgePeriod(local.UTC(), cfg))
}

func TestIsSurgePeriod_YearIndependent(t *testing.T) {
	cfg := DefaultConfig()
	probes := []time.Time{
		date(2025, time.June, 14), date(2025, time.June, 15), date(2025, time.June, 30),
		date(2025, time.July, 1), date(2025, time.January, 20), date(2025, time.June, 22),
	}
	for _, p := range probes {
		want := IsSurgePeriod(p, cfg)
		for _, year := range []int{1999, 2000, 2024, 2026, 2100} {
			moved := time.Date(year, p.Month(), p.Day(), p.Hour(), 0, 0, 0, time.UTC)
			assert.Equal(t, want, IsSurgePeriod(moved, cfg), "%s vs %s", p, moved)
		}
	}
}

func TestMultiplierIdentity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SurgeMultiplier = 3.25
	cfg.NormalMultiplier = 0.5
	for m := time.January; m <= time.December; m++ {
		for d := 1; d <= 28; d += 3 {
			at := date(2025, m, d)
			want := cfg.NormalMultiplier
			if IsSurgePeriod(at, cfg) {
				want = cfg.SurgeMultiplier
			}
			assert.Equal(t, want, Multiplier(at, cfg))
			assert.Equal(t, 17.5*want, CalculatePrice(17.5, at, cfg))
		}
	}
}

func TestCalculatePrice_NoRounding(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SurgeMultiplier = 1.5
	assert.Equal(t, 1.5*0.3, CalculatePrice(0.3, date(2025, time.June, 20), cfg))
}

// ─── Window Construction Tests ──────────────────────────────────────────────

func TestWindow(t *testing.T) {
	start, end := Window(2025, time.UTC, DefaultConfig())
	assert.Equal(t, time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2025, 6, 30, 23, 59, 59, 999_000_000, time.UTC), end)
}

func TestWindow_ClampsToMonthLength(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SurgeMonth = time.February
	cfg.SurgeStartDay = 20
	cfg.SurgeEndDay = 29
	require.NoError(t, Validate(cfg))

	_, end := Window(2025, time.UTC, cfg)
	assert.Equal(t, 28, end.Day())
	assert.Equal(t, time.February, end.Month())

	_, end = Window(2024, time.UTC, cfg)
	assert.Equal(t, 29, end.Day())
}

func TestIsSurgePeriod_LeapDayWindowMatchesWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SurgeMonth = time.February
	cfg.SurgeStartDay = 29
	cfg.SurgeEndDay = 29
	require.NoError(t, Validate(cfg))

	tests := []struct {
		at   time.Time
		want bool
	}{
		{date(2024, time.February, 28), false},
		{date(2024, time.February, 29), true},
		{date(2025, time.February, 27), false},
		{date(2025, time.February, 28), true},
		{date(2025, time.March, 1), false},
	}
	for _, tt := range tests {
		t.Run(tt.at.Format(time.DateOnly), func(t *testing.T) {
			assert.Equal(t, tt.want, IsSurgePeriod(tt.at, cfg))

			start, end := Window(tt.at.Year(), time.UTC, cfg)
			inWindow := !tt.at.Before(start) && !tt.at.After(end)
			assert.Equal(t, inWindow, IsSurgePeriod(tt.at, cfg), "window %s..%s", start, end)
		})
	}
}

func TestWindow_December(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SurgeMonth = time.December
	cfg.SurgeStartDay = 20
	cfg.SurgeEndDay = 31

	_, end := Window(2025, time.UTC, cfg)
	assert.Equal(t, time.Date(2025, 12, 31, 23, 59, 59, 999_000_000, time.UTC), end)
}

// ─── Time To Change Tests ───────────────────────────────────────────────────

func TestTimeToSurgeChange(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		name string
		at   time.Time
		want int
	}{
		{"inside counts to end", date(2025, time.June, 20), 11},
		{"before counts to start", time.Date(2025, 5, 20, 0, 0, 0, 0, time.UTC), 26},
		{"one millisecond before start", time.Date(2025, 6, 14, 23, 59, 59, 999_000_000, time.UTC), 1},
		{"after rolls to next year", time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC), 349},
		{"last instant of window", time.Date(2025, 6, 30, 23, 59, 59, 999_000_000, time.UTC), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TimeToSurgeChange(tt.at, cfg))
		})
	}
}

func TestPricingInfo(t *testing.T) {
	c := newTestCalculator(t)
	info := c.PricingInfo(date(2025, time.June, 20))

	assert.True(t, info.IsSurge)
	assert.Equal(t, 2.0, info.Multiplier)
	assert.Equal(t, domain.PriorityHigh, info.Priority)
	assert.Equal(t, 2025, info.WindowStart.Year())
	assert.Equal(t, 15, info.WindowStart.Day())
	assert.Equal(t, 30, info.WindowEnd.Day())
	assert.Equal(t, 11, info.DaysToChange)

	info = c.PricingInfo(date(2031, time.January, 2))
	assert.False(t, info.IsSurge)
	assert.Equal(t, 2031, info.WindowEnd.Year())
}

func TestPricingInfo_Table(t *testing.T) {
	cfg := DefaultConfig()
	window := func(year int) (time.Time, time.Time) { return Window(year, time.UTC, cfg) }
	s25, e25 := window(2025)

	tests := []struct {
		name string
		at   time.Time
		want domain.PricingInfo
	}{
		{"inside window", date(2025, time.June, 20), domain.PricingInfo{
			IsSurge: true, Multiplier: 2, Priority: domain.PriorityHigh,
			WindowStart: s25, WindowEnd: e25, DaysToChange: 11,
		}},
		{"before window", date(2025, time.May, 20), domain.PricingInfo{
			IsSurge: false, Multiplier: 1, Priority: domain.PriorityNormal,
			WindowStart: s25, WindowEnd: e25, DaysToChange: 26,
		}},
		{"after window", date(2025, time.July, 1), domain.PricingInfo{
			IsSurge: false, Multiplier: 1, Priority: domain.PriorityNormal,
			WindowStart: s25, WindowEnd: e25, DaysToChange: 349,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PricingInfo(tt.at, cfg)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("PricingInfo(%s) mismatch (-want +got):\n%s", tt.at.Format(time.DateOnly), diff)
			}
		})
	}
}

// ─── Config Tests ───────────────────────────────────────────────────────────

func TestValidate(t *testing.T) {
	valid := DefaultConfig()
	require.NoError(t, Validate(valid))

	mutate := func(f func(*domain.SurgeConfig)) domain.SurgeConfig {
		c := valid
		f(&c)
		return c
	}
	bad := map[string]domain.SurgeConfig{
		"month zero":      mutate(func(c *domain.SurgeConfig) { c.SurgeMonth = 0 }),
		"month 13":        mutate(func(c *domain.SurgeConfig) { c.SurgeMonth = 13 }),
		"start zero":      mutate(func(c *domain.SurgeConfig) { c.SurgeStartDay = 0 }),
		"end 32":          mutate(func(c *domain.SurgeConfig) { c.SurgeEndDay = 32 }),
		"start after end": mutate(func(c *domain.SurgeConfig) { c.SurgeStartDay, c.SurgeEndDay = 20, 10 }),
		"june 31 start":   mutate(func(c *domain.SurgeConfig) { c.SurgeStartDay, c.SurgeEndDay = 31, 31 }),
		"june 31 end":     mutate(func(c *domain.SurgeConfig) { c.SurgeEndDay = 31 }),
		"february 30 end": mutate(func(c *domain.SurgeConfig) { c.SurgeMonth, c.SurgeEndDay = time.February, 30 }),
		"zero surge":      mutate(func(c *domain.SurgeConfig) { c.SurgeMultiplier = 0 }),
		"negative normal": mutate(func(c *domain.SurgeConfig) { c.NormalMultiplier = -1 }),
	}
	for name, cfg := range bad {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, Validate(cfg), domain.ErrInvalidSurgeConfig)
		})
	}
}

func TestNewCalculator_RejectsInvalid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SurgeEndDay = 40
	_, err := NewCalculator(cfg)
	assert.ErrorIs(t, err, domain.ErrInvalidSurgeConfig)
}

func TestUpdateConfig_Partial(t *testing.T) {
	c := newTestCalculator(t)
	month := time.March
	mult := 4.0

	got, err := c.UpdateConfig(domain.SurgeConfigPatch{SurgeMonth: &month, SurgeMultiplier: &mult})
	require.NoError(t, err)
	assert.Equal(t, time.March, got.SurgeMonth)
	assert.Equal(t, 15, got.SurgeStartDay)
	assert.Equal(t, 4.0, c.SurgeMultiplier(date(2025, time.March, 16)))
	assert.Equal(t, got, c.Config())
}

func TestUpdateConfig_InvalidLeavesConfig(t *testing.T) {
	c := newTestCalculator(t)
	before := c.Config()
	start := 31

	_, err := c.UpdateConfig(domain.SurgeConfigPatch{SurgeStartDay: &start})
	assert.ErrorIs(t, err, domain.ErrInvalidSurgeConfig)
	assert.Equal(t, before, c.Config())
}

func TestConfig_ReturnsCopy(t *testing.T) {
	c := newTestCalculator(t)
	cfg := c.Config()
	cfg.SurgeMultiplier = 99
	assert.Equal(t, 2.0, c.Config().SurgeMultiplier)
}

func TestReplace(t *testing.T) {
	c := newTestCalculator(t)
	next := DefaultConfig()
	next.SurgeMonth = time.October
	require.NoError(t, c.Replace(next))
	assert.Equal(t, time.October, c.Config().SurgeMonth)

	next.SurgeStartDay = 0
	assert.ErrorIs(t, c.Replace(next), domain.ErrInvalidSurgeConfig)
	assert.Equal(t, 15, c.Config().SurgeStartDay)
}

// Writers always set both multipliers to the same value; a reader must never
// see them differ.
func TestUpdateConfig_NoTornReads(t *testing.T) {
	c := newTestCalculator(t)
	one := 1.0
	_, err := c.UpdateConfig(domain.SurgeConfigPatch{SurgeMultiplier: &one, NormalMultiplier: &one})
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for w := 1; w <= 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				v := float64(w*1000 + i)
				_, err := c.UpdateConfig(domain.SurgeConfigPatch{SurgeMultiplier: &v, NormalMultiplier: &v})
				assert.NoError(t, err)
			}
		}(w)
	}

	var torn atomic.Int64
	var readers sync.WaitGroup
	for r := 0; r < 4; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				cfg := c.Config()
				if cfg.SurgeMultiplier != cfg.NormalMultiplier {
					torn.Add(1)
				}
			}
		}()
	}

	wg.Wait()
	close(stop)
	readers.Wait()
	assert.Zero(t, torn.Load())
}
