package monitor

import (
	"math"

	"github.com/rewired-gh/fairoracle/internal/models"
	"github.com/shopspring/decimal"
)

const Epsilon = 1e-9

// Welford is a single-pass mean/variance accumulator.
type Welford struct {
	Count int
	Mean  float64
	M2    float64
}

func UpdateWelford(w *Welford, x float64) {
	w.Count++
	delta := x - w.Mean
	w.Mean += delta / float64(w.Count)
	delta2 := x - w.Mean
	w.M2 += delta * delta2
}

// Variance is the sample variance, 0 below two observations.
func (w *Welford) Variance() float64 {
	if w.Count < 2 {
		return 0
	}
	return w.M2 / float64(w.Count-1)
}

// UpdateWindow writes e into the circular window, returning the entry it
// overwrote once the window is full.
func UpdateWindow(state *models.SessionState, e models.WindowEntry, windowSize int) (evicted models.WindowEntry, ok bool) {
	if len(state.Window) < windowSize {
		state.Window = append(state.Window, e)
	} else {
		evicted, ok = state.Window[state.WindowIndex], true
		state.Window[state.WindowIndex] = e
	}
	state.WindowIndex = (state.WindowIndex + 1) % windowSize
	return evicted, ok
}

// OrderedWindow returns the window oldest first.
func OrderedWindow(state *models.SessionState) []models.WindowEntry {
	out := make([]models.WindowEntry, 0, len(state.Window))
	if len(state.Window) == 0 {
		return out
	}
	start := 0
	if state.WindowIndex < len(state.Window) {
		start = state.WindowIndex
	}
	out = append(out, state.Window[start:]...)
	return append(out, state.Window[:start]...)
}

// ComputeWindowStats recomputes window statistics from scratch: exact decimal
// sums for RTP and Welford for the return-multiplier variance.
func ComputeWindowStats(entries []models.WindowEntry, theoreticalRTP float64) models.RTPStats {
	wagered, paid := decimal.Zero, decimal.Zero
	var w Welford
	for _, e := range entries {
		wagered = wagered.Add(e.Bet)
		paid = paid.Add(e.Payout)
		UpdateWelford(&w, e.Return())
	}
	return models.RTPStats{
		WindowSpins:    len(entries),
		TotalWagered:   wagered,
		TotalPaid:      paid,
		RTP:            models.ComputeRTP(wagered, paid),
		TheoreticalRTP: theoreticalRTP,
		Variance:       w.Variance(),
	}
}

// sampleVariance derives the sample variance from running sums.
func sampleVariance(sum, sumSq float64, n int) float64 {
	if n < 2 {
		return 0
	}
	mean := sum / float64(n)
	v := (sumSq - float64(n)*mean*mean) / float64(n-1)
	return math.Max(v, 0)
}

// populationVariance derives the population variance from running sums.
func populationVariance(sum, sumSq float64, n int) float64 {
	if n < 1 {
		return 0
	}
	mean := sum / float64(n)
	return math.Max(sumSq/float64(n)-mean*mean, 0)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
