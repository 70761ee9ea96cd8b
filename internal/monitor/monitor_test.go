package monitor

import (
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/rewired-gh/fairoracle/internal/models"
	"github.com/shopspring/decimal"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func spinAt(i int, bet, payout string) models.SpinResult {
	return models.SpinResult{
		SessionID: "sess-1",
		UserID:    "user-1",
		CasinoID:  "casino-1",
		Timestamp: t0.Add(time.Duration(i) * time.Second),
		Bet:       decimal.RequireFromString(bet),
		Payout:    decimal.RequireFromString(payout),
	}
}

// pumpSpins returns n unit-stake spins paying 6.5 on the last two of every ten,
// an RTP of exactly 1.30 at every multiple of ten.
func pumpSpins(from, n int) []models.SpinResult {
	spins := make([]models.SpinResult, n)
	for i := range spins {
		payout := "0"
		if (from+i)%10 >= 8 {
			payout = "6.5"
		}
		spins[i] = spinAt(from+i, "1", payout)
	}
	return spins
}

func feed(t *testing.T, m *Monitor, spins []models.SpinResult) []models.AnomalyResult {
	t.Helper()
	var all []models.AnomalyResult
	for _, s := range spins {
		anomalies, err := m.Ingest(s)
		if err != nil {
			t.Fatalf("Ingest(%v) failed: %v", s.Timestamp, err)
		}
		all = append(all, anomalies...)
	}
	return all
}

func ofType(anomalies []models.AnomalyResult, typ models.AnomalyType) []models.AnomalyResult {
	var out []models.AnomalyResult
	for _, a := range anomalies {
		if a.Type == typ {
			out = append(out, a)
		}
	}
	return out
}

// ─── Window bookkeeping ──────────────────────────────────────────────────────

func TestOrderedWindow_Wraps(t *testing.T) {
	state := &models.SessionState{}
	for i := range 7 {
		UpdateWindow(state, models.WindowEntry{Index: i}, 4)
	}
	got := OrderedWindow(state)
	want := []int{3, 4, 5, 6}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i, e := range got {
		if e.Index != want[i] {
			t.Errorf("got[%d].Index = %d, want %d", i, e.Index, want[i])
		}
	}
}

func TestUpdateWindow_ReturnsEvicted(t *testing.T) {
	state := &models.SessionState{}
	for i := range 3 {
		if _, ok := UpdateWindow(state, models.WindowEntry{Index: i}, 3); ok {
			t.Fatalf("entry %d evicted something before the window filled", i)
		}
	}
	evicted, ok := UpdateWindow(state, models.WindowEntry{Index: 3}, 3)
	if !ok || evicted.Index != 0 {
		t.Errorf("evicted = %+v (ok=%v), want index 0", evicted, ok)
	}
}

func TestWelford_MatchesTwoPass(t *testing.T) {
	xs := []float64{0, 2, 0, 0, 5.5, 1, 0, 0.25}
	var w Welford
	sum := 0.0
	for _, x := range xs {
		UpdateWelford(&w, x)
		sum += x
	}
	mean := sum / float64(len(xs))
	ss := 0.0
	for _, x := range xs {
		ss += (x - mean) * (x - mean)
	}
	want := ss / float64(len(xs)-1)
	if math.Abs(w.Variance()-want) > 1e-12 {
		t.Errorf("Variance() = %v, want %v", w.Variance(), want)
	}
}

// ─── Streaming/offline equivalence ───────────────────────────────────────────

func TestTracker_MatchesOfflineAtEveryPrefix(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WindowSize = 50
	m := New(cfg)

	rng := rand.New(rand.NewSource(7))
	bets := []string{"1", "2.5", "10", "0.2"}
	mults := []string{"0", "0", "0", "0.5", "1", "2", "5"}

	var entries []models.WindowEntry
	var betStats []float64
	for i := range 437 {
		bet := decimal.RequireFromString(bets[rng.Intn(len(bets))])
		payout := bet.Mul(decimal.RequireFromString(mults[rng.Intn(len(mults))]))
		s := spinAt(i, bet.String(), payout.String())
		if _, err := m.Ingest(s); err != nil {
			t.Fatalf("Ingest %d: %v", i, err)
		}
		entries = append(entries, models.WindowEntry{Index: i, Timestamp: s.Timestamp, Bet: bet, Payout: payout})
		betStats = append(betStats, bet.InexactFloat64())

		lo := max(0, len(entries)-cfg.WindowSize)
		want := ComputeWindowStats(entries[lo:], cfg.TheoreticalRTP)
		got, cluster, ok := m.Stats("sess-1")
		if !ok {
			t.Fatal("session missing")
		}
		if got.WindowSpins != want.WindowSpins {
			t.Fatalf("prefix %d: WindowSpins = %d, want %d", i+1, got.WindowSpins, want.WindowSpins)
		}
		if !got.TotalWagered.Equal(want.TotalWagered) || !got.TotalPaid.Equal(want.TotalPaid) {
			t.Fatalf("prefix %d: sums = %s/%s, want %s/%s",
				i+1, got.TotalWagered, got.TotalPaid, want.TotalWagered, want.TotalPaid)
		}
		if math.Abs(got.RTP-want.RTP) > 1e-12 {
			t.Fatalf("prefix %d: RTP = %v, want %v", i+1, got.RTP, want.RTP)
		}
		if math.Abs(got.Variance-want.Variance) > 1e-6 {
			t.Fatalf("prefix %d: Variance = %v, want %v", i+1, got.Variance, want.Variance)
		}

		var w Welford
		for _, b := range betStats[lo:] {
			UpdateWelford(&w, b)
		}
		wantCV := math.Sqrt(w.Variance()) / w.Mean
		if math.Abs(cluster.BetSizeCV-wantCV) > 1e-6 {
			t.Fatalf("prefix %d: BetSizeCV = %v, want %v", i+1, cluster.BetSizeCV, wantCV)
		}
	}
}

// ─── Detectors ───────────────────────────────────────────────────────────────

func TestScenario_PumpSession(t *testing.T) {
	m := New(DefaultConfig())
	anomalies := feed(t, m, pumpSpins(0, 200))

	stats, _, _ := m.Stats("sess-1")
	if !stats.TotalWagered.Equal(decimal.NewFromInt(200)) || !stats.TotalPaid.Equal(decimal.NewFromInt(260)) {
		t.Fatalf("totals = %s/%s, want 200/260", stats.TotalWagered, stats.TotalPaid)
	}
	if math.Abs(stats.RTP-1.30) > 1e-9 {
		t.Fatalf("RTP = %v, want 1.30", stats.RTP)
	}

	pumps := ofType(anomalies, models.AnomalyPump)
	if len(pumps) != 1 {
		t.Fatalf("got %d pump anomalies, want 1 (all: %+v)", len(pumps), anomalies)
	}
	p := pumps[0]
	if p.Severity != models.SeverityCritical {
		t.Errorf("Severity = %v, want critical (deviation 0.34 > 2×0.15)", p.Severity)
	}
	if p.Confidence != 1 {
		t.Errorf("Confidence = %v, want 1", p.Confidence)
	}
	if p.Window.StartIndex != 0 || p.Window.EndIndex != 50 {
		t.Errorf("Window = [%d,%d), want [0,50)", p.Window.StartIndex, p.Window.EndIndex)
	}
	if math.Abs(p.Evidence["deviation"]-0.34) > 1e-9 {
		t.Errorf("deviation evidence = %v, want 0.34", p.Evidence["deviation"])
	}
	if len(ofType(anomalies, models.AnomalyDump)) != 0 || len(ofType(anomalies, models.AnomalyEscalation)) != 0 {
		t.Errorf("unexpected dump or escalation anomalies: %+v", anomalies)
	}
}

func TestPump_BelowMinSpinsIsSilent(t *testing.T) {
	m := New(DefaultConfig())
	if got := feed(t, m, pumpSpins(0, 49)); len(ofType(got, models.AnomalyPump)) != 0 {
		t.Errorf("pump fired with only 49 spins: %+v", got)
	}
}

func TestPump_RearmsAfterReturningToBand(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WindowSize = 50
	m := New(cfg)

	var spins []models.SpinResult
	for i := range 150 {
		payout := "1.3"
		if i >= 50 && i < 100 {
			payout = "1"
		}
		spins = append(spins, spinAt(i, "1", payout))
	}

	pumps := ofType(feed(t, m, spins), models.AnomalyPump)
	if len(pumps) != 2 {
		t.Fatalf("got %d pump anomalies, want 2", len(pumps))
	}
	// 19 spins at 1.3 push the window RTP to 1.114.
	if pumps[1].Window.EndIndex != 119 {
		t.Errorf("second pump ends at %d, want 119", pumps[1].Window.EndIndex)
	}
}

func TestDump(t *testing.T) {
	m := New(DefaultConfig())
	var spins []models.SpinResult
	for i := range 100 {
		payout := "0"
		if i%10 == 9 {
			payout = "7"
		}
		spins = append(spins, spinAt(i, "1", payout))
	}
	anomalies := feed(t, m, spins)

	dumps := ofType(anomalies, models.AnomalyDump)
	if len(dumps) != 1 {
		t.Fatalf("got %d dump anomalies, want 1", len(dumps))
	}
	d := dumps[0]
	if d.Severity != models.SeverityWarning {
		t.Errorf("Severity = %v, want warning", d.Severity)
	}
	wantConf := (0.26 - 0.15) / 0.15
	if math.Abs(d.Confidence-wantConf) > 1e-9 {
		t.Errorf("Confidence = %v, want %v", d.Confidence, wantConf)
	}
	if len(ofType(anomalies, models.AnomalyPump)) != 0 {
		t.Error("pump fired on a losing session")
	}
}

func TestEscalation(t *testing.T) {
	tests := []struct {
		name     string
		spins    [][2]string
		wantSev  []models.Severity
		wantFrom int
	}{
		{
			name:     "tripled after three losses",
			spins:    [][2]string{{"1", "0"}, {"1", "0"}, {"1", "0"}, {"3", "0"}},
			wantSev:  []models.Severity{models.SeverityWarning},
			wantFrom: 0,
		},
		{
			name:     "sixfold is critical",
			spins:    [][2]string{{"2", "3"}, {"1", "0"}, {"1", "0"}, {"1", "0"}, {"6", "12"}},
			wantSev:  []models.Severity{models.SeverityCritical},
			wantFrom: 1,
		},
		{
			name:    "doubling stays below factor",
			spins:   [][2]string{{"1", "0"}, {"1", "0"}, {"1", "0"}, {"2", "0"}, {"2", "0"}},
			wantSev: nil,
		},
		{
			name:    "two losses are not a streak",
			spins:   [][2]string{{"1", "0"}, {"1", "0"}, {"10", "0"}},
			wantSev: nil,
		},
		{
			name: "window expires",
			spins: [][2]string{{"1", "0"}, {"1", "0"}, {"1", "0"},
				{"1", "2"}, {"1", "2"}, {"1", "2"}, {"1", "2"}, {"1", "2"}, {"10", "0"}},
			wantSev: nil,
		},
		{
			name:     "baseline moves after a flag",
			spins:    [][2]string{{"1", "0"}, {"1", "0"}, {"1", "0"}, {"3", "0"}, {"6", "0"}, {"9", "0"}},
			wantSev:  []models.Severity{models.SeverityWarning, models.SeverityWarning},
			wantFrom: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(DefaultConfig())
			var spins []models.SpinResult
			for i, s := range tt.spins {
				spins = append(spins, spinAt(i, s[0], s[1]))
			}
			got := ofType(feed(t, m, spins), models.AnomalyEscalation)
			if len(got) != len(tt.wantSev) {
				t.Fatalf("got %d escalation anomalies, want %d: %+v", len(got), len(tt.wantSev), got)
			}
			for i, a := range got {
				if a.Severity != tt.wantSev[i] {
					t.Errorf("anomaly %d severity = %v, want %v", i, a.Severity, tt.wantSev[i])
				}
			}
			if len(got) > 0 && got[0].Window.StartIndex != tt.wantFrom {
				t.Errorf("window starts at %d, want %d", got[0].Window.StartIndex, tt.wantFrom)
			}
		})
	}
}

func TestWinClustering(t *testing.T) {
	m := New(DefaultConfig())
	var spins []models.SpinResult
	add := func(n int, payout string) {
		for range n {
			spins = append(spins, spinAt(len(spins), "1", payout))
		}
	}
	add(20, "0")
	add(20, "2")
	add(10, "0")
	add(14, "2")

	got := ofType(feed(t, m, spins), models.AnomalyWinClustering)
	if len(got) != 2 {
		t.Fatalf("got %d win clustering anomalies, want 2: %+v", len(got), got)
	}
	// 14 big wins in spins [14,34) reach the 70% density exactly.
	first := got[0]
	if first.Window.StartIndex != 14 || first.Window.EndIndex != 34 {
		t.Errorf("first window = [%d,%d), want [14,34)", first.Window.StartIndex, first.Window.EndIndex)
	}
	if first.Severity != models.SeverityInfo || first.Confidence != 0 {
		t.Errorf("first anomaly severity %v confidence %v, want info/0", first.Severity, first.Confidence)
	}
	// Re-armed by the losses, then 14 wins among spins [44,64).
	if got[1].Window.EndIndex != 64 {
		t.Errorf("second window ends at %d, want 64", got[1].Window.EndIndex)
	}

	_, cluster, _ := m.Stats("sess-1")
	if math.Abs(cluster.WinDensity-0.7) > 1e-9 {
		t.Errorf("WinDensity = %v, want 0.7", cluster.WinDensity)
	}
}

func TestWinClustering_Severity(t *testing.T) {
	tests := []struct {
		name     string
		bigWins  int
		want     models.Severity
		wantConf float64
	}{
		{"dense", 20, models.SeverityCritical, 1},
		{"above three quarters", 16, models.SeverityWarning, (0.8 - 0.7) / 0.3},
		{"small wins do not count", 0, models.SeverityNone, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(DefaultConfig())
			var spins []models.SpinResult
			for i := range 20 {
				payout := "1.4"
				if i >= 20-tt.bigWins {
					payout = "1.6"
				}
				spins = append(spins, spinAt(i, "1", payout))
			}
			got := ofType(feed(t, m, spins), models.AnomalyWinClustering)
			if tt.want == models.SeverityNone {
				if len(got) != 0 {
					t.Fatalf("unexpected anomalies %+v", got)
				}
				return
			}
			if len(got) != 1 {
				t.Fatalf("got %d anomalies, want 1", len(got))
			}
			if got[0].Severity != tt.want || math.Abs(got[0].Confidence-tt.wantConf) > 1e-9 {
				t.Errorf("severity %v confidence %v, want %v/%v", got[0].Severity, got[0].Confidence, tt.want, tt.wantConf)
			}
		})
	}
}

func TestVolatilityCompression(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WindowSize = 100
	cfg.CompressionWindow = 25
	m := New(cfg)

	// 75 alternating 0x/2x spins, then returns flatten to exactly 1x.
	var spins []models.SpinResult
	for i := range 75 {
		payout := "0"
		if i%2 == 1 {
			payout = "2"
		}
		spins = append(spins, spinAt(i, "1", payout))
	}
	for i := 75; i < 130; i++ {
		spins = append(spins, spinAt(i, "1", "1"))
	}

	var got []models.AnomalyResult
	for i, s := range spins {
		anomalies, err := m.Ingest(s)
		if err != nil {
			t.Fatal(err)
		}
		found := ofType(anomalies, models.AnomalyVolatilityCompression)
		if len(found) > 0 && i < 99 {
			t.Fatalf("compression fired at spin %d before the window filled", i)
		}
		got = append(got, found...)
	}
	if len(got) != 1 {
		t.Fatalf("got %d compression anomalies, want 1", len(got))
	}
	a := got[0]
	if a.Window.StartIndex != 75 || a.Window.EndIndex != 100 {
		t.Errorf("window = [%d,%d), want [75,100)", a.Window.StartIndex, a.Window.EndIndex)
	}
	if a.Severity != models.SeverityCritical || a.Confidence != 1 || a.Evidence["ratio"] != 0 {
		t.Errorf("anomaly = %+v", a)
	}
	if a.Evidence["baseline_spins"] != 75 {
		t.Errorf("baseline_spins = %v, want 75", a.Evidence["baseline_spins"])
	}
}

func TestVolatilityCompression_DisabledForShortWindows(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WindowSize = 50
	m := New(cfg)
	var spins []models.SpinResult
	for i := range 100 {
		payout := "1"
		if i < 50 && i%2 == 1 {
			payout = "2"
		}
		spins = append(spins, spinAt(i, "1", payout))
	}
	if got := ofType(feed(t, m, spins), models.AnomalyVolatilityCompression); len(got) != 0 {
		t.Errorf("compression fired with CompressionWindow >= WindowSize: %+v", got)
	}
}

func TestPushResetsStreaks(t *testing.T) {
	m := New(DefaultConfig())
	feed(t, m, []models.SpinResult{spinAt(0, "1", "0"), spinAt(1, "1", "0"), spinAt(2, "1", "1")})
	_, cluster, _ := m.Stats("sess-1")
	if cluster.LosingStreak != 0 || cluster.WinningStreak != 0 {
		t.Errorf("streaks = %d/%d after a push, want 0/0", cluster.LosingStreak, cluster.WinningStreak)
	}
}

// ─── Session lifecycle ───────────────────────────────────────────────────────

func TestIngest_Rejections(t *testing.T) {
	m := New(DefaultConfig())
	feed(t, m, []models.SpinResult{spinAt(10, "1", "0")})

	other := spinAt(11, "1", "0")
	other.UserID = "user-2"
	earlier := spinAt(5, "1", "0")
	negative := spinAt(12, "-1", "0")
	noSession := spinAt(13, "1", "0")
	noSession.SessionID = ""

	tests := []struct {
		name   string
		spin   models.SpinResult
		target error
	}{
		{"other user", other, ErrSessionMismatch},
		{"out of order", earlier, ErrOutOfOrder},
		{"negative bet", negative, nil},
		{"no session", noSession, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Ingest(tt.spin)
			if err == nil {
				t.Fatal("expected an error")
			}
			if tt.target != nil && !errors.Is(err, tt.target) {
				t.Errorf("err = %v, want %v", err, tt.target)
			}
		})
	}

	session, _ := m.Session("sess-1")
	if session.Stats.WindowSpins != 1 {
		t.Errorf("rejected spins were recorded: WindowSpins = %d", session.Stats.WindowSpins)
	}
}

func TestClose_IsFinal(t *testing.T) {
	m := New(DefaultConfig())
	feed(t, m, []models.SpinResult{spinAt(0, "1", "0")})

	session, err := m.Close("sess-1")
	if err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if session.Status != models.SessionClosed {
		t.Errorf("Status = %v, want closed", session.Status)
	}
	if _, err := m.Ingest(spinAt(1, "1", "0")); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Ingest after Close: err = %v, want ErrSessionClosed", err)
	}
	if _, err := m.Close("missing"); err == nil {
		t.Error("Close of an unknown session should fail")
	}
}

func TestExportRestore_ContinuesIdentically(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WindowSize = 50
	live := New(cfg)
	spins := pumpSpins(0, 240)
	feed(t, live, spins[:120])

	raw, err := json.Marshal(live.Export())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var states []models.SessionState
	if err := json.Unmarshal(raw, &states); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	restored := New(cfg)
	byID := make(map[string]*models.SessionState)
	for i := range states {
		byID[states[i].SessionID] = &states[i]
	}
	restored.Restore(byID)

	for _, s := range spins[120:] {
		a1, err1 := live.Ingest(s)
		a2, err2 := restored.Ingest(s)
		if err1 != nil || err2 != nil {
			t.Fatalf("Ingest: %v / %v", err1, err2)
		}
		if len(a1) != len(a2) {
			t.Fatalf("spin %v: %d vs %d anomalies", s.Timestamp, len(a1), len(a2))
		}
		for i := range a1 {
			if a1[i].Type != a2[i].Type || a1[i].Severity != a2[i].Severity ||
				a1[i].Window.StartIndex != a2[i].Window.StartIndex || a1[i].Window.EndIndex != a2[i].Window.EndIndex {
				t.Errorf("anomaly mismatch: %+v vs %+v", a1[i], a2[i])
			}
		}
	}

	s1, c1, _ := live.Stats("sess-1")
	s2, c2, _ := restored.Stats("sess-1")
	if !s1.TotalPaid.Equal(s2.TotalPaid) || s1.RTP != s2.RTP || c1 != c2 {
		t.Errorf("stats diverged: %+v %+v vs %+v %+v", s1, c1, s2, c2)
	}
}

func TestRestore_IntoLargerWindow(t *testing.T) {
	small := DefaultConfig()
	small.WindowSize = 10
	live := New(small)
	feed(t, live, pumpSpins(0, 13))

	state, ok := live.State("sess-1")
	if !ok || state.WindowIndex != 3 {
		t.Fatalf("expected a wrapped window, got %+v", state)
	}

	large := DefaultConfig()
	large.WindowSize = 20
	restored := New(large)
	restored.Restore(map[string]*models.SessionState{"sess-1": &state})
	feed(t, restored, pumpSpins(13, 5))

	session, _ := restored.Session("sess-1")
	if len(session.Spins) != 15 {
		t.Fatalf("got %d spins, want 15", len(session.Spins))
	}
	for i, s := range session.Spins {
		want := t0.Add(time.Duration(3+i) * time.Second)
		if !s.Timestamp.Equal(want) {
			t.Fatalf("spin %d at %v, want %v", i, s.Timestamp, want)
		}
	}
}

func TestSession_HoldsWindowSpins(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WindowSize = 10
	m := New(cfg)
	spins := pumpSpins(0, 25)
	feed(t, m, spins)

	session, ok := m.Session("sess-1")
	if !ok {
		t.Fatal("session missing")
	}
	if session.SpinCount != 25 || len(session.Spins) != 10 {
		t.Fatalf("SpinCount %d, %d spins", session.SpinCount, len(session.Spins))
	}
	for i, s := range session.Spins {
		want := spins[15+i]
		if !s.Timestamp.Equal(want.Timestamp) || !s.Payout.Equal(want.Payout) || s.UserID != "user-1" {
			t.Errorf("spin %d = %+v, want %+v", i, s, want)
		}
	}
}

func TestEvict(t *testing.T) {
	m := New(DefaultConfig())
	feed(t, m, []models.SpinResult{spinAt(0, "1", "0")})
	fresh := spinAt(100, "1", "0")
	fresh.SessionID = "sess-2"
	feed(t, m, []models.SpinResult{fresh})

	evicted := m.Evict(t0.Add(50 * time.Second))
	if len(evicted) != 1 || evicted[0].SessionID != "sess-1" {
		t.Fatalf("evicted = %+v, want only sess-1", evicted)
	}
	if m.Len() != 1 {
		t.Errorf("Len = %d, want 1", m.Len())
	}
}

// ─── Offline analysis ────────────────────────────────────────────────────────

func TestAnalyzeHistory(t *testing.T) {
	report, err := AnalyzeHistory(DefaultConfig(), "sess-1", pumpSpins(0, 450))
	if err != nil {
		t.Fatalf("AnalyzeHistory failed: %v", err)
	}
	if report.TotalSpins != 450 {
		t.Errorf("TotalSpins = %d, want 450", report.TotalSpins)
	}
	if len(report.Windows) != 3 {
		t.Fatalf("got %d windows, want 3", len(report.Windows))
	}
	last := report.Windows[2]
	if last.StartIndex != 400 || last.EndIndex != 450 || last.Stats.WindowSpins != 50 {
		t.Errorf("last window = %+v", last)
	}
	for _, w := range report.Windows {
		if math.Abs(w.Stats.RTP-1.30) > 1e-9 {
			t.Errorf("window [%d,%d) RTP = %v, want 1.30", w.StartIndex, w.EndIndex, w.Stats.RTP)
		}
	}
	if report.Final.WindowSpins != 200 {
		t.Errorf("Final.WindowSpins = %d, want 200", report.Final.WindowSpins)
	}

	summary := Summarize(report)
	if summary.Counts[models.AnomalyPump] != 1 {
		t.Errorf("pump count = %d, want 1", summary.Counts[models.AnomalyPump])
	}
	if summary.HighestSeverity != models.SeverityCritical {
		t.Errorf("HighestSeverity = %v, want critical", summary.HighestSeverity)
	}
	if summary.OverallRiskScore != 35 {
		t.Errorf("OverallRiskScore = %v, want 35", summary.OverallRiskScore)
	}
}

func TestAnalyzeHistory_RejectsForeignSpin(t *testing.T) {
	spins := pumpSpins(0, 3)
	spins[2].SessionID = "sess-9"
	if _, err := AnalyzeHistory(DefaultConfig(), "sess-1", spins); !errors.Is(err, ErrSessionMismatch) {
		t.Errorf("err = %v, want ErrSessionMismatch", err)
	}
}
