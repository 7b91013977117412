package pool

import (
	"sort"
)

// Utilization thresholds for AutoBalance recommendations.
const (
	utilizationHigh = 0.85
	utilizationLow  = 0.50
	utilizationIdle = 0.10
)

// RecommendationKind distinguishes AutoBalance's two advisory actions.
type RecommendationKind string

const (
	RecommendMigrate RecommendationKind = "migrate"
	RecommendCleanup RecommendationKind = "cleanup"
)

// Recommendation is one advisory action AutoBalance suggests. Nothing is
// ever applied automatically — auto_balance is read-only; an operator or
// a higher-level controller decides whether to act on it.
type Recommendation struct {
	Kind             RecommendationKind
	FromDevice       string
	ToDevice         string // only set for RecommendMigrate
	ExpectedBenefit  float64
	Priority         int // lower is more urgent
}

// AutoBalance inspects current worker/device utilization and proposes
// migrate recommendations (an overloaded worker paired with an
// underloaded one) and cleanup recommendations (a loaded-but-nearly-idle
// worker). Grounded on server/sched_memory.go's predictor-driven
// placement heuristics, repurposed from "which runner can take this
// model" into "which worker pair would rebalance the fleet".
func (p *Pool) AutoBalance() []Recommendation {
	p.mu.RLock()
	ids := make([]string, 0, len(p.workers))
	snaps := make(map[string]Snapshot, len(p.workers))
	for id, w := range p.workers {
		ids = append(ids, id)
		snaps[id] = w.snapshot()
	}
	p.mu.RUnlock()
	sort.Strings(ids)

	type util struct {
		id    string
		ratio float64
		snap  Snapshot
	}
	var utils []util
	for _, id := range ids {
		d, ok := p.devices.Get(id)
		if !ok || d.TotalVRAM == 0 {
			continue
		}
		used := d.TotalVRAM - d.AvailableVRAM
		utils = append(utils, util{id: id, ratio: float64(used) / float64(d.TotalVRAM), snap: snaps[id]})
	}

	var recs []Recommendation

	for _, hi := range utils {
		if hi.ratio <= utilizationHigh {
			continue
		}
		var best *util
		for i := range utils {
			lo := utils[i]
			if lo.id == hi.id || lo.ratio >= utilizationLow {
				continue
			}
			if best == nil || lo.ratio < best.ratio {
				loCopy := lo
				best = &loCopy
			}
		}
		if best == nil {
			continue
		}
		recs = append(recs, Recommendation{
			Kind:            RecommendMigrate,
			FromDevice:      hi.id,
			ToDevice:        best.id,
			ExpectedBenefit: hi.ratio - best.ratio,
			Priority:        priorityFromRatio(hi.ratio),
		})
	}

	for _, u := range utils {
		if u.snap.CurrentModel == "" {
			continue
		}
		if u.ratio < utilizationIdle && u.snap.ActiveSessions == 0 {
			recs = append(recs, Recommendation{
				Kind:            RecommendCleanup,
				FromDevice:      u.id,
				ExpectedBenefit: u.ratio,
				Priority:        priorityFromRatio(1 - u.ratio),
			})
		}
	}

	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Priority < recs[j].Priority })
	return recs
}

func priorityFromRatio(ratio float64) int {
	return int((1 - ratio) * 100)
}
