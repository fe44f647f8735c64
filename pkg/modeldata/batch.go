package modeldata

import (
	"fmt"
	"maps"
	"math/rand/v2"
	"slices"
)

// Strategy orders examples into batches.
type Strategy string

const (
	// SequenceStrategy shuffles examples and cuts them into batches.
	SequenceStrategy Strategy = "sequence"

	// BalancedStrategy interleaves examples of every label so that each
	// batch sees rare labels proportionally more often.
	BalancedStrategy Strategy = "balanced"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case SequenceStrategy, BalancedStrategy:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("modeldata: unknown batch strategy %q", s)
	}
}

// BatchSize returns the batch size for epoch, increasing linearly from
// lo at the first epoch to hi at the last.
func BatchSize(lo, hi, epoch, epochs int) int {
	if epochs <= 1 || lo == hi {
		return lo
	}
	return lo + epoch*(hi-lo)/(epochs-1)
}

// Batches returns the example indices of every batch for one epoch.
// Balancing needs label ids and falls back to sequence batching without
// them.
func (d *Data) Batches(size int, strategy Strategy, shuffle bool, rng *rand.Rand) [][]int {
	n := d.NumExamples()
	if n == 0 || size <= 0 {
		return nil
	}
	var order []int
	if ids := d.LabelIDs(); strategy == BalancedStrategy && ids != nil {
		order = balancedOrder(ids, size, shuffle, rng)
	} else {
		order = make([]int, n)
		for i := range order {
			order[i] = i
		}
		if shuffle {
			rng.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
		}
	}
	var batches [][]int
	for lo := 0; lo < len(order); lo += size {
		batches = append(batches, order[lo:min(lo+size, len(order))])
	}
	return batches
}

// balancedOrder cycles through labels, taking from each a slice sized by
// its share of the data, until every label has been fully visited once.
// Labels that already completed a cycle are visited every other round.
func balancedOrder(ids []int, size int, shuffle bool, rng *rand.Rand) []int {
	byLabel := make(map[int][]int)
	for i, id := range ids {
		byLabel[id] = append(byLabel[id], i)
	}
	labels := slices.Sorted(maps.Keys(byLabel))
	groups := make([][]int, len(labels))
	for i, id := range labels {
		groups[i] = byLabel[id]
		if shuffle {
			g := groups[i]
			rng.Shuffle(len(g), func(a, b int) { g[a], g[b] = g[b], g[a] })
		}
	}

	cycles := make([]int, len(groups))
	pointer := make([]int, len(groups))
	skipped := make([]bool, len(groups))
	visit := make([]int, len(groups))
	for i := range visit {
		visit[i] = i
	}
	done := func() bool { return slices.Min(cycles) > 0 }

	var order []int
	for !done() {
		if shuffle {
			rng.Shuffle(len(visit), func(a, b int) { visit[a], visit[b] = visit[b], visit[a] })
		}
		for _, g := range visit {
			if cycles[g] > 0 && !skipped[g] {
				skipped[g] = true
				continue
			}
			skipped[g] = false
			count := len(groups[g])
			take := count*size/len(ids) + 1
			end := min(pointer[g]+take, count)
			order = append(order, groups[g][pointer[g]:end]...)
			pointer[g] += take
			if pointer[g] >= count {
				cycles[g]++
				pointer[g] = 0
			}
			if done() {
				break
			}
		}
	}
	return order
}

// Split holds out evalCount examples for evaluation. Every label keeps at
// least one example in the training part; the held-out set may be
// smaller than evalCount when that is impossible.
func (d *Data) Split(evalCount int, rng *rand.Rand) (train, eval *Data) {
	n := d.NumExamples()
	if evalCount <= 0 || n == 0 {
		return d, nil
	}
	perm := rng.Perm(n)
	ids := d.LabelIDs()
	remaining := make(map[int]int)
	for _, id := range ids {
		remaining[id]++
	}
	var trainIdx, evalIdx []int
	for _, i := range perm {
		if len(evalIdx) < evalCount && (ids == nil || remaining[ids[i]] > 1) {
			evalIdx = append(evalIdx, i)
			if ids != nil {
				remaining[ids[i]]--
			}
			continue
		}
		trainIdx = append(trainIdx, i)
	}
	slices.Sort(trainIdx)
	slices.Sort(evalIdx)
	if len(evalIdx) == 0 {
		return d, nil
	}
	return d.Subset(trainIdx), d.Subset(evalIdx)
}
