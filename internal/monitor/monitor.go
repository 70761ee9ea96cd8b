// Package monitor keeps per-session sliding-window RTP and streak statistics
// and raises pump, dump, escalation, win-clustering and volatility-compression
// anomalies.
package monitor

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rewired-gh/fairoracle/internal/logger"
	"github.com/rewired-gh/fairoracle/internal/models"
	"github.com/shopspring/decimal"
)

var (
	ErrSessionClosed   = errors.New("session is closed")
	ErrSessionMismatch = errors.New("spin does not belong to this session")
	ErrOutOfOrder      = errors.New("spin is older than the last recorded spin")
)

type Config struct {
	WindowSize         int
	TheoreticalRTP     float64
	PumpThreshold      float64
	DumpThreshold      float64
	MinSpins           int
	EscalationFactor   float64
	EscalationSpins    int
	LossStreakMin      int

	// A spin is a big win when it pays more than ClusterWinMultiplier times
	// its stake. Win clustering fires when big wins make up at least
	// ClusterDensity of the last ClusterWindow spins.
	ClusterWindow        int
	ClusterWinMultiplier float64
	ClusterDensity       float64

	// Volatility compression compares the return variance of the last
	// CompressionWindow spins with the rest of the window and fires below
	// CompressionRatio. It needs a full window and is off when
	// CompressionWindow >= WindowSize.
	CompressionWindow int
	CompressionRatio  float64
}

func DefaultConfig() Config {
	return Config{
		WindowSize:           200,
		TheoreticalRTP:       0.96,
		PumpThreshold:        0.15,
		DumpThreshold:        0.15,
		MinSpins:             50,
		EscalationFactor:     3.0,
		EscalationSpins:      5,
		LossStreakMin:        3,
		ClusterWindow:        20,
		ClusterWinMultiplier: 1.5,
		ClusterDensity:       0.7,
		CompressionWindow:    50,
		CompressionRatio:     0.3,
	}
}

// withDefaults fills unset fields from DefaultConfig and clamps the cluster
// window to the sliding window.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.WindowSize <= 0 {
		c.WindowSize = def.WindowSize
	}
	if c.TheoreticalRTP <= 0 {
		c.TheoreticalRTP = def.TheoreticalRTP
	}
	if c.PumpThreshold <= 0 {
		c.PumpThreshold = def.PumpThreshold
	}
	if c.DumpThreshold <= 0 {
		c.DumpThreshold = def.DumpThreshold
	}
	if c.MinSpins <= 0 {
		c.MinSpins = def.MinSpins
	}
	if c.EscalationFactor <= 1 {
		c.EscalationFactor = def.EscalationFactor
	}
	if c.EscalationSpins <= 0 {
		c.EscalationSpins = def.EscalationSpins
	}
	if c.LossStreakMin <= 0 {
		c.LossStreakMin = def.LossStreakMin
	}
	if c.ClusterWindow <= 0 {
		c.ClusterWindow = def.ClusterWindow
	}
	c.ClusterWindow = min(c.ClusterWindow, c.WindowSize)
	if c.ClusterWinMultiplier <= 0 {
		c.ClusterWinMultiplier = def.ClusterWinMultiplier
	}
	if c.ClusterDensity <= 0 || c.ClusterDensity > 1 {
		c.ClusterDensity = def.ClusterDensity
	}
	if c.CompressionWindow <= 0 {
		c.CompressionWindow = def.CompressionWindow
	}
	if c.CompressionRatio <= 0 {
		c.CompressionRatio = def.CompressionRatio
	}
	return c
}

// Tracker holds the statistics of one session. It is single-writer: callers
// serialize Add for a session.
type Tracker struct {
	config Config
	state  *models.SessionState

	wagered decimal.Decimal
	paid    decimal.Decimal

	// Float sums of return multipliers and bet sizes, resynced from the
	// window every WindowSize spins.
	sumR, sumR2 float64
	sumB, sumB2 float64
	sinceResync int

	// Return sums over the last CompressionWindow spins and the big-win
	// count over the last ClusterWindow spins.
	recR, recR2 float64
	bigWins     int
	winMult     decimal.Decimal
}

// newTracker adopts state, which may come from a checkpoint taken under a
// different WindowSize. The window is re-linearized oldest first whenever it
// is not exactly full, so later appends keep their order.
func newTracker(config Config, state *models.SessionState) *Tracker {
	t := &Tracker{config: config, state: state, winMult: decimal.NewFromFloat(config.ClusterWinMultiplier)}
	switch n := len(state.Window); {
	case n > config.WindowSize:
		state.Window = OrderedWindow(state)[n-config.WindowSize:]
		state.WindowIndex = 0
	case n < config.WindowSize:
		state.Window = OrderedWindow(state)
		state.WindowIndex = n
	}
	t.resync()
	return t
}

// resync rebuilds every running sum from the window.
func (t *Tracker) resync() {
	t.wagered, t.paid = decimal.Zero, decimal.Zero
	t.sumR, t.sumR2, t.sumB, t.sumB2 = 0, 0, 0, 0
	for _, e := range t.state.Window {
		t.addSums(e, 1)
	}

	t.recR, t.recR2, t.bigWins = 0, 0, 0
	window := OrderedWindow(t.state)
	for _, e := range window[max(0, len(window)-t.config.CompressionWindow):] {
		r := e.Return()
		t.recR += r
		t.recR2 += r * r
	}
	for _, e := range window[max(0, len(window)-t.config.ClusterWindow):] {
		if t.bigWin(e) {
			t.bigWins++
		}
	}
	t.sinceResync = 0
}

func (t *Tracker) bigWin(e models.WindowEntry) bool {
	return e.Payout.GreaterThan(e.Bet.Mul(t.winMult))
}

// back returns the entry k spins before the newest one; k must be below the
// window length.
func (t *Tracker) back(k int) models.WindowEntry {
	n := len(t.state.Window)
	return t.state.Window[((t.state.WindowIndex-1-k)%n+n)%n]
}

// leaving returns the spin that just fell out of the trailing k-spin segment,
// if any. evicted is the entry the window overwrote on this spin.
func (t *Tracker) leaving(k int, evicted models.WindowEntry, hadEvicted bool) (models.WindowEntry, bool) {
	n := len(t.state.Window)
	switch {
	case k < n:
		return t.back(k), true
	case k == n && hadEvicted:
		return evicted, true
	}
	return models.WindowEntry{}, false
}

// slideSegments moves the trailing compression and cluster segments forward
// by one spin.
func (t *Tracker) slideSegments(e, evicted models.WindowEntry, hadEvicted bool) {
	r := e.Return()
	t.recR += r
	t.recR2 += r * r
	if old, ok := t.leaving(t.config.CompressionWindow, evicted, hadEvicted); ok {
		ro := old.Return()
		t.recR -= ro
		t.recR2 -= ro * ro
	}

	if t.bigWin(e) {
		t.bigWins++
	}
	if old, ok := t.leaving(t.config.ClusterWindow, evicted, hadEvicted); ok && t.bigWin(old) {
		t.bigWins--
	}
}

func (t *Tracker) addSums(e models.WindowEntry, sign float64) {
	r := e.Return()
	b := e.Bet.InexactFloat64()
	if sign > 0 {
		t.wagered = t.wagered.Add(e.Bet)
		t.paid = t.paid.Add(e.Payout)
	} else {
		t.wagered = t.wagered.Sub(e.Bet)
		t.paid = t.paid.Sub(e.Payout)
	}
	t.sumR += sign * r
	t.sumR2 += sign * r * r
	t.sumB += sign * b
	t.sumB2 += sign * b * b
}

// Add records a spin and returns the anomalies it triggers.
func (t *Tracker) Add(spin models.SpinResult) ([]models.AnomalyResult, error) {
	st := t.state
	if st.Status == models.SessionClosed {
		return nil, ErrSessionClosed
	}
	if spin.SessionID != st.SessionID ||
		(spin.UserID != "" && st.UserID != "" && spin.UserID != st.UserID) ||
		(spin.CasinoID != "" && st.CasinoID != "" && spin.CasinoID != st.CasinoID) {
		return nil, ErrSessionMismatch
	}
	if err := spin.Validate(); err != nil {
		return nil, fmt.Errorf("invalid spin: %w", err)
	}
	if spin.Timestamp.Before(st.LastActivity) {
		return nil, ErrOutOfOrder
	}

	entry := models.WindowEntry{Index: st.SpinCount, Timestamp: spin.Timestamp, Bet: spin.Bet, Payout: spin.Payout}
	st.SpinCount++
	st.LastActivity = spin.Timestamp
	if st.StartedAt.IsZero() {
		st.StartedAt = spin.Timestamp
	}
	st.UpdatedAt = time.Now()

	evicted, hadEvicted := UpdateWindow(st, entry, t.config.WindowSize)
	if hadEvicted {
		t.addSums(evicted, -1)
	}
	t.addSums(entry, 1)
	t.slideSegments(entry, evicted, hadEvicted)
	t.sinceResync++
	if t.sinceResync >= t.config.WindowSize {
		t.resync()
	}

	var anomalies []models.AnomalyResult
	if a, ok := t.checkEscalation(entry); ok {
		anomalies = append(anomalies, a)
	}
	t.updateStreaks(entry)
	if a, ok := t.checkWinCluster(entry); ok {
		anomalies = append(anomalies, a)
	}
	if a, ok := t.checkCompression(entry); ok {
		anomalies = append(anomalies, a)
	}
	anomalies = append(anomalies, t.checkRTP()...)
	return anomalies, nil
}

// Stats returns the current window statistics.
func (t *Tracker) Stats() models.RTPStats {
	n := len(t.state.Window)
	return models.RTPStats{
		WindowSpins:    n,
		TotalWagered:   t.wagered,
		TotalPaid:      t.paid,
		RTP:            models.ComputeRTP(t.wagered, t.paid),
		TheoreticalRTP: t.config.TheoreticalRTP,
		Variance:       sampleVariance(t.sumR, t.sumR2, n),
	}
}

func (t *Tracker) Cluster() models.ClusterStats {
	n := len(t.state.Window)
	cs := models.ClusterStats{LosingStreak: t.state.LosingStreak, WinningStreak: t.state.WinningStreak}
	if n > 0 {
		cs.WinDensity = float64(t.bigWins) / float64(min(n, t.config.ClusterWindow))
	}
	if n > 0 && t.sumB > Epsilon {
		mean := t.sumB / float64(n)
		cs.BetSizeCV = math.Sqrt(sampleVariance(t.sumB, t.sumB2, n)) / mean
	}
	return cs
}

// State returns a deep copy suitable for checkpointing.
func (t *Tracker) State() models.SessionState {
	st := *t.state
	st.Window = append([]models.WindowEntry(nil), t.state.Window...)
	return st
}

// Session describes the tracker as a GameplaySession. Spins holds the spins
// of the current window, oldest first.
func (t *Tracker) Session() models.GameplaySession {
	window := OrderedWindow(t.state)
	spins := make([]models.SpinResult, len(window))
	for i, e := range window {
		spins[i] = models.SpinResult{
			SessionID: t.state.SessionID,
			UserID:    t.state.UserID,
			CasinoID:  t.state.CasinoID,
			Timestamp: e.Timestamp,
			Bet:       e.Bet,
			Payout:    e.Payout,
		}
	}
	return models.GameplaySession{
		ID:           t.state.SessionID,
		UserID:       t.state.UserID,
		CasinoID:     t.state.CasinoID,
		StartedAt:    t.state.StartedAt,
		LastActivity: t.state.LastActivity,
		SpinCount:    t.state.SpinCount,
		Spins:        spins,
		Stats:        t.Stats(),
		Status:       t.state.Status,
	}
}

func (t *Tracker) updateStreaks(e models.WindowEntry) {
	st := t.state
	switch e.Payout.Cmp(e.Bet) {
	case 1:
		st.WinningStreak++
		st.LosingStreak = 0
	case -1:
		if st.LosingStreak == 0 {
			st.StreakStartBet = e.Bet
			st.StreakStartIndex = e.Index
		}
		st.LosingStreak++
		st.WinningStreak = 0
		if st.LosingStreak >= t.config.LossStreakMin {
			if st.LosingStreak == t.config.LossStreakMin {
				st.EscalationBaseline = st.StreakStartBet
			}
			st.EscalationLeft = t.config.EscalationSpins
		}
	default:
		st.WinningStreak = 0
		st.LosingStreak = 0
	}
}

// checkEscalation runs before the spin's own result updates the streaks: the
// bet placed after a loss streak is what is being judged.
func (t *Tracker) checkEscalation(e models.WindowEntry) (models.AnomalyResult, bool) {
	st := t.state
	if st.EscalationLeft <= 0 {
		return models.AnomalyResult{}, false
	}
	st.EscalationLeft--
	if !st.EscalationBaseline.IsPositive() {
		return models.AnomalyResult{}, false
	}
	ratio := e.Bet.Div(st.EscalationBaseline).InexactFloat64()
	factor := t.config.EscalationFactor
	if ratio < factor {
		return models.AnomalyResult{}, false
	}
	sev := models.SeverityWarning
	if ratio >= 2*factor {
		sev = models.SeverityCritical
	}
	a := t.anomaly(models.AnomalyEscalation, sev, clamp01((ratio-factor)/factor), st.StreakStartIndex, e)
	a.Reason = fmt.Sprintf("Bet rose to %.1fx the %s stake that opened a %d-spin losing streak",
		ratio, st.EscalationBaseline.StringFixed(2), st.LosingStreak)
	a.Evidence = map[string]float64{
		"baseline_bet":  st.EscalationBaseline.InexactFloat64(),
		"bet":           e.Bet.InexactFloat64(),
		"ratio":         ratio,
		"factor":        factor,
		"losing_streak": float64(st.LosingStreak),
	}
	// Further escalation within the same streak is measured from this bet.
	st.EscalationBaseline = e.Bet
	return a, true
}

// checkWinCluster fires once per excursion of the big-win density above
// ClusterDensity and re-arms when it drops back below.
func (t *Tracker) checkWinCluster(e models.WindowEntry) (models.AnomalyResult, bool) {
	st := t.state
	size := t.config.ClusterWindow
	if len(st.Window) < size {
		return models.AnomalyResult{}, false
	}
	density := float64(t.bigWins) / float64(size)
	thr := t.config.ClusterDensity
	if density < thr {
		st.ClusterFired = false
		return models.AnomalyResult{}, false
	}
	if st.ClusterFired {
		return models.AnomalyResult{}, false
	}
	st.ClusterFired = true

	sev := models.SeverityInfo
	switch {
	case density > 0.85:
		sev = models.SeverityCritical
	case density > 0.75:
		sev = models.SeverityWarning
	}
	confidence := 1.0
	if thr < 1 {
		confidence = clamp01((density - thr) / (1 - thr))
	}
	a := t.anomaly(models.AnomalyWinClustering, sev, confidence, t.back(size-1).Index, e)
	a.Reason = fmt.Sprintf("%.1f%% of the last %d spins paid over %.1fx the stake (threshold %.0f%%)",
		density*100, size, t.config.ClusterWinMultiplier, thr*100)
	a.Evidence = map[string]float64{
		"density":        density,
		"threshold":      thr,
		"big_wins":       float64(t.bigWins),
		"cluster_window": float64(size),
		"win_multiplier": t.config.ClusterWinMultiplier,
	}
	return a, true
}

// checkCompression compares the return variance of the trailing
// CompressionWindow spins with the spins before them. A collapse in variance
// often precedes a pump.
func (t *Tracker) checkCompression(e models.WindowEntry) (models.AnomalyResult, bool) {
	st := t.state
	recent := t.config.CompressionWindow
	n := len(st.Window)
	if recent >= t.config.WindowSize || n < t.config.WindowSize {
		return models.AnomalyResult{}, false
	}
	baseline := n - recent
	recentVar := populationVariance(t.recR, t.recR2, recent)
	baseVar := populationVariance(t.sumR-t.recR, t.sumR2-t.recR2, baseline)
	if baseVar < Epsilon {
		return models.AnomalyResult{}, false
	}
	ratio := recentVar / baseVar
	thr := t.config.CompressionRatio
	if ratio >= thr {
		st.CompressionFired = false
		return models.AnomalyResult{}, false
	}
	if st.CompressionFired {
		return models.AnomalyResult{}, false
	}
	st.CompressionFired = true

	// 0.15 and 0.25 at the default ratio of 0.3.
	sev := models.SeverityInfo
	switch {
	case ratio < thr/2:
		sev = models.SeverityCritical
	case ratio < thr*5/6:
		sev = models.SeverityWarning
	}
	a := t.anomaly(models.AnomalyVolatilityCompression, sev, clamp01((thr-ratio)/thr), t.back(recent-1).Index, e)
	a.Reason = fmt.Sprintf("Return variance over the last %d spins fell to %.1f%% of the preceding %d spins",
		recent, ratio*100, baseline)
	a.Evidence = map[string]float64{
		"recent_variance":   recentVar,
		"baseline_variance": baseVar,
		"ratio":             ratio,
		"threshold":         thr,
		"recent_spins":      float64(recent),
		"baseline_spins":    float64(baseline),
	}
	return a, true
}

// checkRTP evaluates pump and dump. Each fires once per excursion outside
// the band and re-arms when the windowed RTP comes back inside it.
func (t *Tracker) checkRTP() []models.AnomalyResult {
	st := t.state
	stats := t.Stats()
	if stats.WindowSpins < t.config.MinSpins || !stats.TotalWagered.IsPositive() {
		return nil
	}
	dev := stats.RTP - t.config.TheoreticalRTP

	var out []models.AnomalyResult
	if dev > t.config.PumpThreshold {
		if !st.PumpFired {
			st.PumpFired = true
			out = append(out, t.rtpAnomaly(models.AnomalyPump, stats, dev, t.config.PumpThreshold))
		}
	} else {
		st.PumpFired = false
	}
	if -dev > t.config.DumpThreshold {
		if !st.DumpFired {
			st.DumpFired = true
			out = append(out, t.rtpAnomaly(models.AnomalyDump, stats, -dev, t.config.DumpThreshold))
		}
	} else {
		st.DumpFired = false
	}
	return out
}

func (t *Tracker) rtpAnomaly(typ models.AnomalyType, stats models.RTPStats, dev, threshold float64) models.AnomalyResult {
	sev := models.SeverityWarning
	if dev > 2*threshold {
		sev = models.SeverityCritical
	}
	window := OrderedWindow(t.state)
	first, last := window[0], window[len(window)-1]

	direction := "above"
	if typ == models.AnomalyDump {
		direction = "below"
	}
	a := t.anomaly(typ, sev, clamp01((dev-threshold)/threshold), first.Index, last)
	a.Reason = fmt.Sprintf("RTP %.1f%% over the last %d spins is %.1f points %s the theoretical %.1f%%",
		stats.RTP*100, stats.WindowSpins, dev*100, direction, stats.TheoreticalRTP*100)
	a.Evidence = map[string]float64{
		"rtp":             stats.RTP,
		"theoretical_rtp": stats.TheoreticalRTP,
		"deviation":       dev,
		"threshold":       threshold,
		"window_spins":    float64(stats.WindowSpins),
		"total_wagered":   stats.TotalWagered.InexactFloat64(),
		"total_paid":      stats.TotalPaid.InexactFloat64(),
		"variance":        stats.Variance,
	}
	return a
}

func (t *Tracker) anomaly(typ models.AnomalyType, sev models.Severity, confidence float64, startIndex int, last models.WindowEntry) models.AnomalyResult {
	w := models.SpinWindow{StartIndex: startIndex, EndIndex: last.Index + 1, End: last.Timestamp}
	for _, e := range t.state.Window {
		if e.Index == startIndex {
			w.Start = e.Timestamp
			break
		}
	}
	return models.AnomalyResult{
		Type:       typ,
		Severity:   sev,
		Confidence: confidence,
		Window:     w,
		SessionID:  t.state.SessionID,
		UserID:     t.state.UserID,
		CasinoID:   t.state.CasinoID,
		DetectedAt: time.Now(),
	}
}

// Monitor owns one Tracker per session. The map is locked only for lookup
// and creation; per-session updates are the caller's to serialize.
type Monitor struct {
	mu       sync.Mutex
	trackers map[string]*Tracker
	config   Config
}

func New(config Config) *Monitor {
	return &Monitor{
		trackers: make(map[string]*Tracker),
		config:   config.withDefaults(),
	}
}

func (m *Monitor) getOrCreateTracker(spin models.SpinResult) *Tracker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, exists := m.trackers[spin.SessionID]; exists {
		return t
	}
	t := newTracker(m.config, &models.SessionState{
		SessionID: spin.SessionID,
		UserID:    spin.UserID,
		CasinoID:  spin.CasinoID,
		StartedAt: spin.Timestamp,
		Status:    models.SessionOpen,
	})
	m.trackers[spin.SessionID] = t
	return t
}

func (m *Monitor) tracker(sessionID string) (*Tracker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trackers[sessionID]
	return t, ok
}

// Ingest routes a spin to its session, opening the session on first sight.
func (m *Monitor) Ingest(spin models.SpinResult) ([]models.AnomalyResult, error) {
	if spin.SessionID == "" {
		return nil, errors.New("invalid spin: session ID must not be empty")
	}
	t := m.getOrCreateTracker(spin)
	anomalies, err := t.Add(spin)
	if err != nil {
		return nil, err
	}
	for _, a := range anomalies {
		logger.Debug("Session %s: %s anomaly (%s, confidence %.2f): %s",
			a.SessionID, a.Type, a.Severity, a.Confidence, a.Reason)
	}
	return anomalies, nil
}

func (m *Monitor) Stats(sessionID string) (models.RTPStats, models.ClusterStats, bool) {
	t, ok := m.tracker(sessionID)
	if !ok {
		return models.RTPStats{}, models.ClusterStats{}, false
	}
	return t.Stats(), t.Cluster(), true
}

func (m *Monitor) Session(sessionID string) (models.GameplaySession, bool) {
	t, ok := m.tracker(sessionID)
	if !ok {
		return models.GameplaySession{}, false
	}
	return t.Session(), true
}

// State returns the checkpointable state of one session.
func (m *Monitor) State(sessionID string) (models.SessionState, bool) {
	t, ok := m.tracker(sessionID)
	if !ok {
		return models.SessionState{}, false
	}
	return t.State(), true
}

// Close marks a session closed; later spins for it fail with ErrSessionClosed.
func (m *Monitor) Close(sessionID string) (models.GameplaySession, error) {
	t, ok := m.tracker(sessionID)
	if !ok {
		return models.GameplaySession{}, fmt.Errorf("session not found: %s", sessionID)
	}
	t.state.Status = models.SessionClosed
	t.state.UpdatedAt = time.Now()
	return t.Session(), nil
}

// Export snapshots every tracker for checkpointing, ordered by session ID.
func (m *Monitor) Export() []models.SessionState {
	m.mu.Lock()
	trackers := make([]*Tracker, 0, len(m.trackers))
	for _, t := range m.trackers {
		trackers = append(trackers, t)
	}
	m.mu.Unlock()

	states := make([]models.SessionState, 0, len(trackers))
	for _, t := range trackers {
		states = append(states, t.State())
	}
	sort.Slice(states, func(i, j int) bool { return states[i].SessionID < states[j].SessionID })
	return states
}

// Restore loads checkpointed sessions, replacing trackers with the same ID.
func (m *Monitor) Restore(states map[string]*models.SessionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, st := range states {
		m.trackers[id] = newTracker(m.config, st)
	}
	logger.Info("Restored %d session states", len(states))
}

// Evict drops closed sessions and sessions idle since before cutoff, and
// returns their final state.
func (m *Monitor) Evict(cutoff time.Time) []models.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	var evicted []models.SessionState
	for id, t := range m.trackers {
		if t.state.Status == models.SessionClosed || t.state.LastActivity.Before(cutoff) {
			evicted = append(evicted, t.State())
			delete(m.trackers, id)
		}
	}
	return evicted
}

// Len returns the number of tracked sessions.
func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.trackers)
}
