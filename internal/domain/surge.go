package domain

import "time"

// ─── Surge Pricing Types ────────────────────────────────────────────────────

// SurgeConfig describes a recurring annual window of elevated pricing.
// It is replaced as a whole value; never mutate a shared instance.
type SurgeConfig struct {
	SurgeMonth       time.Month `json:"surge_month"`
	SurgeStartDay    int        `json:"surge_start_day"`
	SurgeEndDay      int        `json:"surge_end_day"`
	SurgeMultiplier  float64    `json:"surge_multiplier"`
	NormalMultiplier float64    `json:"normal_multiplier"`
}

// SurgeConfigPatch is a partial update. Nil fields keep their current value.
type SurgeConfigPatch struct {
	SurgeMonth       *time.Month `json:"surge_month,omitempty"`
	SurgeStartDay    *int        `json:"surge_start_day,omitempty"`
	SurgeEndDay      *int        `json:"surge_end_day,omitempty"`
	SurgeMultiplier  *float64    `json:"surge_multiplier,omitempty"`
	NormalMultiplier *float64    `json:"normal_multiplier,omitempty"`
}

// Apply returns cfg with every non-nil field of p applied.
func (p SurgeConfigPatch) Apply(cfg SurgeConfig) SurgeConfig {
	if p.SurgeMonth != nil {
		cfg.SurgeMonth = *p.SurgeMonth
	}
	if p.SurgeStartDay != nil {
		cfg.SurgeStartDay = *p.SurgeStartDay
	}
	if p.SurgeEndDay != nil {
		cfg.SurgeEndDay = *p.SurgeEndDay
	}
	if p.SurgeMultiplier != nil {
		cfg.SurgeMultiplier = *p.SurgeMultiplier
	}
	if p.NormalMultiplier != nil {
		cfg.NormalMultiplier = *p.NormalMultiplier
	}
	return cfg
}

// PricingInfo is the composite surge view for one instant.
type PricingInfo struct {
	IsSurge      bool      `json:"is_surge"`
	Multiplier   float64   `json:"multiplier"`
	Priority     Priority  `json:"priority"`
	WindowStart  time.Time `json:"window_start"`
	WindowEnd    time.Time `json:"window_end"`
	DaysToChange int       `json:"days_to_change"`
}
