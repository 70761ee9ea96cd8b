package verifier

import (
	"container/heap"
	"slices"

	"github.com/rewired-gh/fairoracle/internal/models"
)

// worse orders anomalies by severity desc, then timestamp asc, then index asc.
func worse(a, b models.VerificationAnomaly) bool {
	if a.Severity != b.Severity {
		return a.Severity > b.Severity
	}
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.Index < b.Index
}

// anomalyHeap is a min-heap with the mildest anomaly on top, so the cap can
// evict it in O(log n).
type anomalyHeap []models.VerificationAnomaly

func (h anomalyHeap) Len() int           { return len(h) }
func (h anomalyHeap) Less(i, j int) bool { return worse(h[j], h[i]) }
func (h anomalyHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *anomalyHeap) Push(x any)        { *h = append(*h, x.(models.VerificationAnomaly)) }
func (h *anomalyHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// boundedAnomalies keeps the worst limit anomalies seen so far.
type boundedAnomalies struct {
	limit   int
	items   anomalyHeap
	dropped int
}

func newBoundedAnomalies(limit int) *boundedAnomalies {
	return &boundedAnomalies{limit: limit, items: make(anomalyHeap, 0, min(limit, 64))}
}

func (b *boundedAnomalies) add(a models.VerificationAnomaly) {
	if len(b.items) < b.limit {
		heap.Push(&b.items, a)
		return
	}
	b.dropped++
	if len(b.items) == 0 || !worse(a, b.items[0]) {
		return
	}
	b.items[0] = a
	heap.Fix(&b.items, 0)
}

func (b *boundedAnomalies) merge(other *boundedAnomalies) {
	b.dropped += other.dropped
	for _, a := range other.items {
		b.add(a)
	}
}

// sorted returns the kept anomalies worst first.
func (b *boundedAnomalies) sorted() []models.VerificationAnomaly {
	out := slices.Clone([]models.VerificationAnomaly(b.items))
	slices.SortFunc(out, func(x, y models.VerificationAnomaly) int {
		switch {
		case worse(x, y):
			return -1
		case worse(y, x):
			return 1
		}
		return 0
	})
	return out
}
