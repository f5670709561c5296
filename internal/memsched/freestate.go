package memsched

import "sync"

// FreeState is one of the host's four free-memory pressure states
// (spec.md §4.J "Free-state machine").
type FreeState int

const (
	StateHigh FreeState = iota
	StateSoft
	StateHard
	StateLow
)

func (s FreeState) String() string {
	switch s {
	case StateHigh:
		return "HIGH"
	case StateSoft:
		return "SOFT"
	case StateHard:
		return "HARD"
	case StateLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

// FreeStateTracker drives the hysteretic HIGH/SOFT/HARD/LOW machine off a
// callback from the page allocator whenever free pages cross a cached
// threshold (spec.md §4.J). Thresholds are fractions of managedPages.
type FreeStateTracker struct {
	mtx sync.Mutex

	managedPages int64
	thresholds   [4]int64 // pages, indexed by FreeState: High, Soft, Hard, Low

	state FreeState

	// onLow/onLeaveLow implement spec.md's "transitions to LOW trigger an
	// immediate fast reallocation (bottom-half); transitions out of LOW
	// wake any world blocked by MemoryIsLowWait".
	onLow      func()
	onLeaveLow func()
}

// NewFreeStateTracker builds a tracker for a host with managedPages total
// pages, using cfg's hysteresis percentages.
func NewFreeStateTracker(cfg Config, managedPages int64) *FreeStateTracker {
	t := &FreeStateTracker{
		managedPages: managedPages,
		state:        StateHigh,
	}
	t.thresholds[StateHigh] = pctOf(managedPages, cfg.HighThresholdPercent)
	t.thresholds[StateSoft] = pctOf(managedPages, cfg.SoftThresholdPercent)
	t.thresholds[StateHard] = pctOf(managedPages, cfg.HardThresholdPercent)
	t.thresholds[StateLow] = pctOf(managedPages, cfg.LowThresholdPercent)
	return t
}

func pctOf(total int64, pct float64) int64 {
	return int64(float64(total) * pct / 100)
}

// SetCallbacks installs the LOW-transition hooks.
func (t *FreeStateTracker) SetCallbacks(onLow, onLeaveLow func()) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.onLow, t.onLeaveLow = onLow, onLeaveLow
}

// State returns the tracker's current state.
func (t *FreeStateTracker) State() FreeState {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.state
}

// Update recomputes the state from a fresh free-pages reading, firing the
// LOW-transition callbacks on a state change and returning the (possibly
// unchanged) state.
func (t *FreeStateTracker) Update(freePages int64) FreeState {
	t.mtx.Lock()
	next := classify(freePages, t.thresholds, t.state)
	prev := t.state
	t.state = next
	onLow, onLeaveLow := t.onLow, t.onLeaveLow
	t.mtx.Unlock()

	if prev != StateLow && next == StateLow && onLow != nil {
		onLow()
	}
	if prev == StateLow && next != StateLow && onLeaveLow != nil {
		onLeaveLow()
	}
	return next
}

// classify applies hysteresis: a state only changes once free pages cross
// the threshold of an adjacent state, and ties prefer staying in the
// current state (the cached low/high threshold spec.md describes).
func classify(free int64, thresholds [4]int64, cur FreeState) FreeState {
	switch cur {
	case StateHigh:
		if free < thresholds[StateSoft] {
			return classify(free, thresholds, StateSoft)
		}
		return StateHigh
	case StateSoft:
		if free >= thresholds[StateHigh] {
			return StateHigh
		}
		if free < thresholds[StateHard] {
			return classify(free, thresholds, StateHard)
		}
		return StateSoft
	case StateHard:
		if free >= thresholds[StateSoft] {
			return classify(free, thresholds, StateSoft)
		}
		if free < thresholds[StateLow] {
			return StateLow
		}
		return StateHard
	case StateLow:
		if free >= thresholds[StateHard] {
			return classify(free, thresholds, StateHard)
		}
		return StateLow
	default:
		return StateHigh
	}
}
