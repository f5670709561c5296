package memsched

import "sort"

// ppsMax stands in for "infinite pages-per-share" when a client has zero
// shares (spec.md §4.J step 4: "If shares=0, pps = PPS_MAX").
const ppsMax = int64(1) << 40

// rebalanceThreshold is the minimum pps imbalance worth a binary-search
// transfer; pairs closer than this are left alone.
const rebalanceThreshold = 64

// ClientSnapshot is the per-period input/output row Balance operates on:
// one per memsched.Client, carrying just the fields the proportional-share
// computation needs (spec.md §4.J steps 1-6).
type ClientSnapshot struct {
	ID string

	Min, Max, Shares int64
	AutoMin          bool

	Locked     int64
	WorkingSet int64

	// Target is Balance's output: the computed target locked-page count.
	Target int64

	pps int64
}

// Balance runs the full six-step proportional-share target computation
// (spec.md §4.J) over snap, mutating each entry's Target in place.
// totalManaged is the host's total manageable pages; idleTaxPercent is
// the configured 0-99 idle-memory tax.
func Balance(snap []*ClientSnapshot, totalManaged int64, idleTaxPercent int) {
	if len(snap) == 0 {
		return
	}

	computeAutoMins(snap, totalManaged)

	idleCost := idleCostRatio(idleTaxPercent)
	var totalAssigned int64
	for _, c := range snap {
		consumed := c.Locked
		idle := consumed - c.WorkingSet
		if idle < 0 {
			idle = 0
		}
		charged := consumed - idle + int64(float64(idle)*idleCost)
		c.pps = pagesPerShare(charged, c.Shares)
		c.Target = c.Min
		totalAssigned += c.Target
	}

	free := totalManaged - totalAssigned
	initialAllocationPass(snap, free)
	rebalancePass(snap)
}

// computeAutoMins spreads available memory proportional to max among
// clients that have no explicit min (spec.md §4.J step 2).
func computeAutoMins(snap []*ClientSnapshot, totalManaged int64) {
	var explicitMin, autoMaxSum int64
	for _, c := range snap {
		if c.AutoMin {
			autoMaxSum += c.Max
		} else {
			explicitMin += c.Min
		}
	}
	available := totalManaged - explicitMin
	if available <= 0 || autoMaxSum <= 0 {
		return
	}
	for _, c := range snap {
		if !c.AutoMin {
			continue
		}
		c.Min = available * c.Max / autoMaxSum
		if c.Min > c.Max {
			c.Min = c.Max
		}
	}
}

// idleCostRatio implements idleCost = 1 / (1 - taxRate/100) (spec.md §4.J
// step 3).
func idleCostRatio(taxPercent int) float64 {
	if taxPercent <= 0 {
		return 1
	}
	if taxPercent >= 100 {
		taxPercent = 99
	}
	return 1 / (1 - float64(taxPercent)/100)
}

// pagesPerShare implements step 4.
func pagesPerShare(charged, shares int64) int64 {
	if shares <= 0 {
		return ppsMax
	}
	return charged / shares
}

// initialAllocationPass implements step 5: distribute (or reclaim) the
// free/deficit pool before the finer-grained rebalance pass.
func initialAllocationPass(snap []*ClientSnapshot, free int64) {
	if free >= 0 {
		distributeExcess(snap, free)
		return
	}
	reclaimDeficit(snap, -free)
}

// distributeExcess gives each under-allocated client a share of the
// excess proportional to its base min.
func distributeExcess(snap []*ClientSnapshot, excess int64) {
	var totalMin int64
	for _, c := range snap {
		if c.Target < c.Max {
			totalMin += c.Min
		}
	}
	if totalMin <= 0 {
		return
	}
	for _, c := range snap {
		if c.Target >= c.Max {
			continue
		}
		share := excess * c.Min / totalMin
		c.Target += share
		if c.Target > c.Max {
			c.Target = c.Max
		}
	}
}

// reclaimDeficit reclaims from the clients with the highest pps (those
// getting the most pages per unit of fair share) until the deficit is
// covered or no further room exists, repeatedly re-sorting so each
// reclaim step always targets the current maximum.
func reclaimDeficit(snap []*ClientSnapshot, deficit int64) {
	order := append([]*ClientSnapshot(nil), snap...)
	for deficit > 0 {
		sort.Slice(order, func(i, j int) bool { return order[i].pps > order[j].pps })
		progressed := false
		for _, c := range order {
			if deficit <= 0 {
				break
			}
			room := c.Target - c.Min
			if room <= 0 {
				continue
			}
			take := room
			if take > deficit {
				take = deficit
			}
			c.Target -= take
			deficit -= take
			progressed = true
		}
		if !progressed {
			break
		}
	}
}

// rebalancePass implements step 6: repeatedly find the pair with the
// largest pps imbalance and binary-search the transfer size that
// minimizes their pps difference, capped at 2*numClients transfers.
func rebalancePass(snap []*ClientSnapshot) {
	maxTransfers := 2 * len(snap)
	for i := 0; i < maxTransfers; i++ {
		lo, hi := findImbalancedPair(snap)
		if lo == nil || hi == nil {
			return
		}
		if !transferPair(lo, hi) {
			return
		}
	}
}

// findImbalancedPair returns the (lowest-pps, highest-pps) pair with the
// largest gap, or nils if no pair exceeds rebalanceThreshold.
func findImbalancedPair(snap []*ClientSnapshot) (lo, hi *ClientSnapshot) {
	var bestGap int64
	for _, a := range snap {
		for _, b := range snap {
			if a == b {
				continue
			}
			gap := b.pps - a.pps
			if gap > bestGap {
				bestGap = gap
				lo, hi = a, b
			}
		}
	}
	if bestGap <= rebalanceThreshold {
		return nil, nil
	}
	return lo, hi
}

// transferPair binary-searches the page transfer from hi to lo that
// minimizes their pps difference, without driving either target outside
// [min, max]. Returns false if no transfer is possible.
func transferPair(lo, hi *ClientSnapshot) bool {
	room := hi.Target - hi.Min
	cap2 := lo.Max - lo.Target
	if room > cap2 {
		room = cap2
	}
	if room <= 0 {
		return false
	}

	low, high := int64(0), room
	for low < high {
		mid := (low + high + 1) / 2
		loPps := pagesPerShare(chargedAfter(lo, mid), lo.Shares)
		hiPps := pagesPerShare(chargedAfter(hi, -mid), hi.Shares)
		if loPps < hiPps {
			low = mid
		} else {
			high = mid - 1
		}
	}
	if low <= 0 {
		return false
	}
	lo.Target += low
	hi.Target -= low
	return true
}

// chargedAfter approximates the charged-usage delta a page transfer of
// delta would produce, holding the client's idle/working-set ratio fixed
// -- the rebalance pass only needs pps ordering to converge, not an exact
// re-derivation of step 3's idle tax.
func chargedAfter(c *ClientSnapshot, delta int64) int64 {
	if c.Shares <= 0 {
		return c.Locked + delta
	}
	return (c.pps * c.Shares) + delta
}
