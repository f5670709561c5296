package memsched

import "github.com/grafana/vmsched/internal/timebase"

// balloonBonus is the small preference applied to ballooning over
// swapping under HARD/LOW pressure, to avoid oscillation between the two
// reclaim mechanisms on consecutive periods (spec.md §4.J Commit: "award a
// small balloon bonus to avoid oscillation").
const balloonBonus = int64(256) // pages

// BalloonDriver posts a new balloon target to a guest's shared area
// (spec.md §6 "SharedArea"/"Balloon.targetAction"). The actual balloon
// driver protocol is out of scope (spec.md §2 Non-goals); this is the
// narrow interface the commit step drives.
type BalloonDriver interface {
	SetBalloonTarget(clientID string, targetPages int64) error
}

// SwapDriver posts a new swap target to the swap subsystem (spec.md §6
// "Swap{IsEnabled, SetSwapTarget, ...}").
type SwapDriver interface {
	IsEnabled() bool
	SetSwapTarget(clientID string, targetPages int64) error
}

// Commit translates a client's computed target size into balloon and swap
// targets and posts them via the given drivers (spec.md §4.J "Commit").
// maxPages is the client's memory-dimension max (the group tree's
// Mem.BaseMax for c's group), used to derive the balloon ceiling. now is
// used to start the non-responsive-ack window on any swap request
// actually issued.
func Commit(c *Client, target, maxPages int64, state FreeState, cfg Config, balloon BalloonDriver, swap SwapDriver, now timebase.Cycles) error {
	delta := target - c.Locked

	var balloonTarget, swapTarget int64
	switch {
	case delta >= 0:
		// Growing: prefer reducing swap target before balloon target.
		swapTarget = max64(c.SwapTarget-delta, 0)
		reduced := c.SwapTarget - swapTarget
		balloonTarget = max64(c.BalloonTarget-(delta-reduced), 0)
	case preferBalloon(state):
		balloonTarget = c.BalloonTarget - delta // delta<0, so this grows
		swapTarget = c.SwapTarget
	default:
		// HARD or LOW: prefer swapping, with a small balloon bonus to
		// damp oscillation between the two reclaim paths.
		bonus := balloonBonus
		if bonus > -delta {
			bonus = -delta
		}
		balloonTarget = c.BalloonTarget + bonus
		swapTarget = c.SwapTarget + (-delta - bonus)
	}

	ceiling := cfg.balloonCeiling(c.GuestOS, maxPages)
	if c.BalloonMax > 0 && c.BalloonMax < ceiling {
		ceiling = c.BalloonMax
	}
	if balloonTarget > ceiling {
		overflow := balloonTarget - ceiling
		balloonTarget = ceiling
		swapTarget += overflow
	}
	if balloonTarget < 0 {
		balloonTarget = 0
	}
	if swapTarget < 0 {
		swapTarget = 0
	}

	c.BalloonTarget = balloonTarget
	c.SwapTarget = swapTarget

	if balloon != nil {
		if err := balloon.SetBalloonTarget(c.ID, balloonTarget); err != nil {
			return err
		}
	}
	if swap != nil && swap.IsEnabled() {
		if err := swap.SetSwapTarget(c.ID, swapTarget); err != nil {
			return err
		}
		if swapTarget > 0 {
			c.RequestSwapAck(now)
		}
	}
	return nil
}

// preferBalloon implements the free-state policy: HIGH/SOFT prefer
// ballooning, HARD/LOW prefer swapping (spec.md §4.J Commit).
func preferBalloon(state FreeState) bool {
	return state == StateHigh || state == StateSoft
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
