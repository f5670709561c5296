package memsched

import (
	"time"

	"github.com/grafana/vmsched/internal/timebase"
)

// Config holds the memory scheduler's runtime-mutable knobs (spec.md §6
// "Mem*" keys).
type Config struct {
	BalancePeriod  time.Duration `yaml:"mem_balance_period"`
	SamplePeriod   time.Duration `yaml:"mem_sample_period"`
	SampleSize     int64         `yaml:"mem_sample_size"`
	SampleHistory  int           `yaml:"mem_sample_history"`
	IdleTaxPercent int           `yaml:"mem_idle_tax"`

	CtlMaxNT4    int64 `yaml:"mem_ctlmax_nt4"`
	CtlMaxNT5    int64 `yaml:"mem_ctlmax_nt5"`
	CtlMaxLinux  int64 `yaml:"mem_ctlmax_linux"`
	CtlMaxBSD    int64 `yaml:"mem_ctlmax_bsd"`
	CtlMaxPercent int  `yaml:"mem_ctlmax_percent"`

	// NonResponsiveWindow is how long the scheduler waits for a swap-request
	// acknowledgment before marking a client non-responsive (spec.md §4.J
	// "Non-responsive clients", ≈15s), expressed in timebase.Cycles so it
	// compares directly against a Clock reading the way the dispatcher's
	// migration gates do.
	NonResponsiveWindow timebase.Cycles `yaml:"mem_non_responsive_window_cycles"`

	// ResumeExtraReserve is the extra overhead reserve required on VM
	// resume (spec.md §4.K), in pages, since some locked pages may not be
	// immediately swappable.
	ResumeExtraReserve int64 `yaml:"mem_resume_extra_reserve_pages"`

	// Free-state hysteresis thresholds, percent of managed pages
	// (spec.md §4.J "Free-state machine", defaults 6/4/2/1).
	HighThresholdPercent float64 `yaml:"mem_free_high_pct"`
	SoftThresholdPercent float64 `yaml:"mem_free_soft_pct"`
	HardThresholdPercent float64 `yaml:"mem_free_hard_pct"`
	LowThresholdPercent  float64 `yaml:"mem_free_low_pct"`
}

// RegisterFlagsAndApplyDefaults applies the documented defaults.
func (c *Config) RegisterFlagsAndApplyDefaults() {
	if c.BalancePeriod <= 0 {
		c.BalancePeriod = time.Second
	}
	if c.SamplePeriod <= 0 {
		c.SamplePeriod = 250 * time.Millisecond
	}
	if c.SampleSize <= 0 {
		c.SampleSize = 1 << 16 // pages sampled per period
	}
	if c.SampleHistory <= 0 {
		c.SampleHistory = 4
	}
	if c.CtlMaxPercent <= 0 {
		c.CtlMaxPercent = 65
	}
	if c.NonResponsiveWindow <= 0 {
		c.NonResponsiveWindow = timebase.Cycles(15 * time.Second)
	}
	if c.ResumeExtraReserve <= 0 {
		c.ResumeExtraReserve = 512 // ~2MB at 4KB pages
	}
	if c.HighThresholdPercent <= 0 {
		c.HighThresholdPercent = 6
	}
	if c.SoftThresholdPercent <= 0 {
		c.SoftThresholdPercent = 4
	}
	if c.HardThresholdPercent <= 0 {
		c.HardThresholdPercent = 2
	}
	if c.LowThresholdPercent <= 0 {
		c.LowThresholdPercent = 1
	}
}

// balloonMaxForGuest picks the guest-OS-specific ceiling multiplied by the
// configured percent-of-max, per spec.md §4.J "Enforce balloonTarget <=
// balloonMax (derived from percent-of-max and guest-OS-specific ceilings)".
func (c *Config) balloonCeiling(guestOS GuestOS, maxPages int64) int64 {
	var osCeiling int64
	switch guestOS {
	case GuestWindowsNT4:
		osCeiling = c.CtlMaxNT4
	case GuestWindowsNT5Plus:
		osCeiling = c.CtlMaxNT5
	case GuestLinux:
		osCeiling = c.CtlMaxLinux
	case GuestBSD:
		osCeiling = c.CtlMaxBSD
	default:
		osCeiling = maxPages
	}
	pctCeiling := maxPages * int64(c.CtlMaxPercent) / 100
	if osCeiling > 0 && osCeiling < pctCeiling {
		return osCeiling
	}
	return pctCeiling
}

// GuestOS distinguishes the guest-OS-specific balloon ceilings spec.md §6
// names (MemCtlMax{NT4,NT5,Linux,BSD}).
type GuestOS int

const (
	GuestUnknown GuestOS = iota
	GuestWindowsNT4
	GuestWindowsNT5Plus
	GuestLinux
	GuestBSD
)
