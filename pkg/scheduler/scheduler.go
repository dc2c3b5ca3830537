// Package scheduler implements the Scheduler plugins: pure functions
// selecting a cluster node for a (host, cluster snapshot) pair, with single
// and batch variants. Each implementation lists candidate nodes, filters to
// those with spare capacity, and picks one — pure selection with no owned
// state, independently testable.
package scheduler

import (
	"hash/fnv"
	"math/rand"
	"sort"

	"github.com/netpulse/netpulse/pkg/errors"
	"github.com/netpulse/netpulse/pkg/types"
)

// HostSelection pairs a host with the node chosen to serve it, the output
// shape of Scheduler.BatchSelect.
type HostSelection struct {
	Host string
	Node types.NodeInfo
}

// Scheduler selects a node for a host given a read-only cluster snapshot.
// Implementations are pure: no I/O, no mutation of the input slice.
type Scheduler interface {
	// Name is the configuration value that selects this scheduler.
	Name() string
	// Select picks one node for host. Fails with ErrorKind.CapacityExhausted
	// if no node has spare capacity.
	Select(snapshot []types.NodeInfo, host string) (types.NodeInfo, error)
	// BatchSelect allocates every host in hosts against a single mutable
	// residual-capacity view of snapshot.
	BatchSelect(snapshot []types.NodeInfo, hosts []string) ([]HostSelection, error)
}

// ByName looks up a built-in scheduler by its configuration name.
func ByName(name string) (Scheduler, bool) {
	switch name {
	case "greedy":
		return Greedy{}, true
	case "least_load":
		return LeastLoad{}, true
	case "least_load_random":
		return LeastLoadRandom{}, true
	case "load_weighted_random":
		return LoadWeightedRandom{}, true
	default:
		return nil, false
	}
}

func schedulable(snapshot []types.NodeInfo) []types.NodeInfo {
	out := make([]types.NodeInfo, 0, len(snapshot))
	for _, n := range snapshot {
		if n.HasCapacity() {
			out = append(out, n)
		}
	}
	return out
}

// residual is a mutable per-node capacity counter used by batch selection,
// keyed by node_id, initialized from a snapshot and decremented as hosts
// are assigned.
type residual struct {
	node      types.NodeInfo
	remaining int
}

func newResidualView(snapshot []types.NodeInfo) []*residual {
	view := make([]*residual, 0, len(snapshot))
	for _, n := range snapshot {
		view = append(view, &residual{node: n, remaining: n.Capacity - n.Count})
	}
	return view
}

// ---- greedy ----

// Greedy picks the first node in snapshot order with spare capacity.
// Deterministic given a stable (sorted) snapshot.
type Greedy struct{}

func (Greedy) Name() string { return "greedy" }

func (Greedy) Select(snapshot []types.NodeInfo, host string) (types.NodeInfo, error) {
	for _, n := range snapshot {
		if n.HasCapacity() {
			return n, nil
		}
	}
	return types.NodeInfo{}, errors.NewCapacityExhausted("<all>")
}

func (g Greedy) BatchSelect(snapshot []types.NodeInfo, hosts []string) ([]HostSelection, error) {
	view := newResidualView(snapshot)
	out := make([]HostSelection, 0, len(hosts))
	for _, host := range hosts {
		picked := false
		for _, r := range view {
			if r.remaining > 0 {
				out = append(out, HostSelection{Host: host, Node: r.node})
				r.remaining--
				picked = true
				break
			}
		}
		if !picked {
			return out, errors.NewCapacityExhausted("<all>")
		}
	}
	return out, nil
}

// ---- least_load ----

// LeastLoad minimizes count, then maximizes spare capacity, then breaks
// ties lexicographically by hostname. Deterministic.
type LeastLoad struct{}

func (LeastLoad) Name() string { return "least_load" }

func leastLoadBetter(a, b types.NodeInfo) bool {
	if a.Count != b.Count {
		return a.Count < b.Count
	}
	spareA, spareB := a.Capacity-a.Count, b.Capacity-b.Count
	if spareA != spareB {
		return spareA > spareB
	}
	return a.Hostname < b.Hostname
}

func (LeastLoad) Select(snapshot []types.NodeInfo, host string) (types.NodeInfo, error) {
	avail := schedulable(snapshot)
	if len(avail) == 0 {
		return types.NodeInfo{}, errors.NewCapacityExhausted("<all>")
	}
	best := avail[0]
	for _, n := range avail[1:] {
		if leastLoadBetter(n, best) {
			best = n
		}
	}
	return best, nil
}

func (l LeastLoad) BatchSelect(snapshot []types.NodeInfo, hosts []string) ([]HostSelection, error) {
	view := newResidualView(snapshot)
	out := make([]HostSelection, 0, len(hosts))
	for _, host := range hosts {
		sort.Slice(view, func(i, j int) bool {
			ni, nj := view[i].node, view[j].node
			ni.Count = ni.Capacity - view[i].remaining
			nj.Count = nj.Capacity - view[j].remaining
			return leastLoadBetter(ni, nj)
		})
		picked := false
		for _, r := range view {
			if r.remaining > 0 {
				out = append(out, HostSelection{Host: host, Node: r.node})
				r.remaining--
				picked = true
				break
			}
		}
		if !picked {
			return out, errors.NewCapacityExhausted("<all>")
		}
	}
	return out, nil
}

// ---- least_load_random ----

// LeastLoadRandom filters to the minimum count, then to the maximum spare
// capacity among those, then picks uniformly at random. Non-deterministic.
type LeastLoadRandom struct{}

func (LeastLoadRandom) Name() string { return "least_load_random" }

func (LeastLoadRandom) Select(snapshot []types.NodeInfo, host string) (types.NodeInfo, error) {
	avail := schedulable(snapshot)
	if len(avail) == 0 {
		return types.NodeInfo{}, errors.NewCapacityExhausted("<all>")
	}
	candidates := filterToLeastLoaded(avail)
	return candidates[rand.Intn(len(candidates))], nil
}

func filterToLeastLoaded(avail []types.NodeInfo) []types.NodeInfo {
	minCount := avail[0].Count
	for _, n := range avail[1:] {
		if n.Count < minCount {
			minCount = n.Count
		}
	}
	var byCount []types.NodeInfo
	for _, n := range avail {
		if n.Count == minCount {
			byCount = append(byCount, n)
		}
	}
	maxSpare := byCount[0].Capacity - byCount[0].Count
	for _, n := range byCount[1:] {
		if spare := n.Capacity - n.Count; spare > maxSpare {
			maxSpare = spare
		}
	}
	var out []types.NodeInfo
	for _, n := range byCount {
		if n.Capacity-n.Count == maxSpare {
			out = append(out, n)
		}
	}
	return out
}

func (s LeastLoadRandom) BatchSelect(snapshot []types.NodeInfo, hosts []string) ([]HostSelection, error) {
	view := newResidualView(snapshot)
	out := make([]HostSelection, 0, len(hosts))
	for _, host := range hosts {
		var avail []*residual
		for _, r := range view {
			if r.remaining > 0 {
				avail = append(avail, r)
			}
		}
		if len(avail) == 0 {
			return out, errors.NewCapacityExhausted("<all>")
		}
		minUsed := avail[0].node.Capacity - avail[0].remaining
		for _, r := range avail[1:] {
			if used := r.node.Capacity - r.remaining; used < minUsed {
				minUsed = used
			}
		}
		var tier1 []*residual
		for _, r := range avail {
			if r.node.Capacity-r.remaining == minUsed {
				tier1 = append(tier1, r)
			}
		}
		maxRemaining := tier1[0].remaining
		for _, r := range tier1[1:] {
			if r.remaining > maxRemaining {
				maxRemaining = r.remaining
			}
		}
		var tier2 []*residual
		for _, r := range tier1 {
			if r.remaining == maxRemaining {
				tier2 = append(tier2, r)
			}
		}
		chosen := tier2[rand.Intn(len(tier2))]
		out = append(out, HostSelection{Host: host, Node: chosen.node})
		chosen.remaining--
	}
	return out, nil
}

// ---- load_weighted_random (default) ----

// LoadWeightedRandom weights each available node by its spare capacity,
// perturbed by a small per-host hash-derived factor so repeated scheduling
// of the same host doesn't always break ties identically, then picks by
// weighted random. Non-deterministic.
type LoadWeightedRandom struct{}

func (LoadWeightedRandom) Name() string { return "load_weighted_random" }

// hashUnit returns frac(hash(s)/1000 + i/n), the spec's per-candidate jitter
// term. i/n is a true fraction of the candidate's position among n
// candidates, so the perturbation actually varies from one candidate to the
// next instead of collapsing to a per-host constant.
func hashUnit(s string, i, n int) float64 {
	h := fnv.New32a()
	h.Write([]byte(s))
	sum := float64(h.Sum32()%1000) / 1000.0
	if n <= 0 {
		n = 1
	}
	frac := sum + float64(i)/float64(n)
	_, f := splitFrac(frac)
	return f
}

func splitFrac(f float64) (int, float64) {
	whole := int(f)
	return whole, f - float64(whole)
}

func weight(spare int, host string, i, n int) float64 {
	w := float64(spare)
	factor := 0.95 + 0.1*hashUnit(host, i, n)
	return w * factor
}

func (LoadWeightedRandom) Select(snapshot []types.NodeInfo, host string) (types.NodeInfo, error) {
	avail := schedulable(snapshot)
	if len(avail) == 0 {
		return types.NodeInfo{}, errors.NewCapacityExhausted("<all>")
	}
	weights := make([]float64, len(avail))
	total := 0.0
	for i, n := range avail {
		w := weight(n.Capacity-n.Count, host, i, len(avail))
		weights[i] = w
		total += w
	}
	return weightedPick(avail, weights, total), nil
}

func weightedPick(nodes []types.NodeInfo, weights []float64, total float64) types.NodeInfo {
	if total <= 0 {
		return nodes[rand.Intn(len(nodes))]
	}
	r := rand.Float64() * total
	acc := 0.0
	for i, w := range weights {
		acc += w
		if r <= acc {
			return nodes[i]
		}
	}
	return nodes[len(nodes)-1]
}

func (l LoadWeightedRandom) BatchSelect(snapshot []types.NodeInfo, hosts []string) ([]HostSelection, error) {
	view := newResidualView(snapshot)
	out := make([]HostSelection, 0, len(hosts))
	for _, host := range hosts {
		var avail []*residual
		for _, r := range view {
			if r.remaining > 0 {
				avail = append(avail, r)
			}
		}
		if len(avail) == 0 {
			return out, errors.NewCapacityExhausted("<all>")
		}
		weights := make([]float64, len(avail))
		total := 0.0
		for j, r := range avail {
			base := float64(r.remaining * r.remaining) // squared weight for batch selection
			factor := 0.95 + 0.1*hashUnit(host, j, len(avail))
			w := base * factor
			weights[j] = w
			total += w
		}
		idx := weightedIndexPick(weights, total)
		chosen := avail[idx]
		out = append(out, HostSelection{Host: host, Node: chosen.node})
		chosen.remaining--
	}
	return out, nil
}

func weightedIndexPick(weights []float64, total float64) int {
	if total <= 0 {
		return rand.Intn(len(weights))
	}
	r := rand.Float64() * total
	acc := 0.0
	for i, w := range weights {
		acc += w
		if r <= acc {
			return i
		}
	}
	return len(weights) - 1
}
