package compliance

import (
	"errors"
	"strings"
	"testing"

	"github.com/rewired-gh/fairoracle/internal/models"
)

const njSnapshotYAML = `
version: "2026-02-01"
state_code: NJ
topic: igaming
status: permitted
rules:
  RTP_OUTLIER:
  WIN_CLUSTERING_ANOMALY:
    severity: critical
  UNVERIFIABLE_ROUND:
    enabled: false
  PROVABLY_FAIR_MISMATCH:
  GAMEPLAY_RULE_BREAKING_SIGNAL:
  PROMO_VIOLATION_RISK:
  STATE_RESTRICTION_CONFLICT:
`

var njContext = models.GameplayComplianceContext{StateCode: "NJ", Topic: models.TopicIGaming, Source: models.SourceLive}

func loadNJ(t *testing.T) *RegulationSnapshot {
	t.Helper()
	snap, err := LoadSnapshot(strings.NewReader(njSnapshotYAML))
	if err != nil {
		t.Fatalf("LoadSnapshot failed: %v", err)
	}
	return snap
}

// allEnabled builds a snapshot listing every code.
func allEnabled(t *testing.T, status Status) *RegulationSnapshot {
	t.Helper()
	rules := make(map[models.FlagCode]Rule)
	for _, c := range models.FlagCodes {
		rules[c] = Rule{Enabled: true}
	}
	snap, err := NewSnapshot("test", "NJ", models.TopicIGaming, status, rules)
	if err != nil {
		t.Fatalf("NewSnapshot failed: %v", err)
	}
	return snap
}

func anomaly(typ models.AnomalyType, sev models.Severity, confidence float64) models.AnomalyResult {
	return models.AnomalyResult{Type: typ, Severity: sev, Confidence: confidence, Reason: string(typ) + " detected"}
}

func flagMap(res models.GameplayComplianceResult) map[models.FlagCode]models.ComplianceFlag {
	m := make(map[models.FlagCode]models.ComplianceFlag)
	for _, f := range res.Flags {
		m[f.Code] = f
	}
	return m
}

func TestScenario_SnapshotOmitsRapidEscalation(t *testing.T) {
	snap := loadNJ(t)
	in := Input{Anomalies: []models.AnomalyResult{
		anomaly(models.AnomalyEscalation, models.SeverityCritical, 1),
		anomaly(models.AnomalyPump, models.SeverityWarning, 0.2),
	}}

	res, err := Evaluate(in, njContext, snap)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	flags := flagMap(res)
	if _, ok := flags[models.FlagRapidEscalation]; ok {
		t.Error("RAPID_ESCALATION emitted although the snapshot omits it")
	}
	if f, ok := flags[models.FlagRTPOutlier]; !ok || f.Severity != models.SeverityWarning {
		t.Errorf("RTP_OUTLIER = %+v (present=%v), want warning", f, ok)
	}
	if res.OverallSeverity != models.SeverityWarning {
		t.Errorf("OverallSeverity = %v, want warning", res.OverallSeverity)
	}
	if res.SnapshotVersion != "2026-02-01" {
		t.Errorf("SnapshotVersion = %q", res.SnapshotVersion)
	}
}

func TestEvaluate_SnapshotRules(t *testing.T) {
	snap := loadNJ(t)
	in := Input{
		Anomalies: []models.AnomalyResult{anomaly(models.AnomalyWinClustering, models.SeverityWarning, 0.5)},
		Verification: &models.BatchVerificationResult{
			Total:        10,
			Verified:     8,
			Unverifiable: 2,
		},
	}
	res, err := Evaluate(in, njContext, snap)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	flags := flagMap(res)
	if f := flags[models.FlagWinClustering]; f.Severity != models.SeverityCritical {
		t.Errorf("WIN_CLUSTERING_ANOMALY severity = %v, want critical override", f.Severity)
	}
	if _, ok := flags[models.FlagUnverifiableRound]; ok {
		t.Error("disabled UNVERIFIABLE_ROUND was emitted")
	}
}

func TestEvaluate_Mapping(t *testing.T) {
	tests := []struct {
		name      string
		status    Status
		in        Input
		want      map[models.FlagCode]models.Severity
		wantRisk  float64
		wantWorst models.Severity
	}{
		{
			name:      "nothing to report",
			status:    StatusPermitted,
			want:      map[models.FlagCode]models.Severity{},
			wantWorst: models.SeverityNone,
		},
		{
			name:   "pump and dump collapse into one worst flag",
			status: StatusPermitted,
			in: Input{Anomalies: []models.AnomalyResult{
				anomaly(models.AnomalyPump, models.SeverityWarning, 0),
				anomaly(models.AnomalyDump, models.SeverityCritical, 1),
			}},
			want:      map[models.FlagCode]models.Severity{models.FlagRTPOutlier: models.SeverityCritical},
			wantRisk:  10 + 35 + 15,
			wantWorst: models.SeverityCritical,
		},
		{
			name:   "prohibited state",
			status: StatusProhibited,
			want: map[models.FlagCode]models.Severity{
				models.FlagStateRestrictionConflict: models.SeverityCritical,
			},
			wantRisk:  15,
			wantWorst: models.SeverityCritical,
		},
		{
			name:   "anomaly in a restricted state",
			status: StatusRestricted,
			in:     Input{Anomalies: []models.AnomalyResult{anomaly(models.AnomalyEscalation, models.SeverityWarning, 0)}},
			want: map[models.FlagCode]models.Severity{
				models.FlagRapidEscalation:          models.SeverityWarning,
				models.FlagStateRestrictionConflict: models.SeverityWarning,
				models.FlagPromoViolationRisk:       models.SeverityWarning,
			},
			wantRisk:  10 + 3*6,
			wantWorst: models.SeverityWarning,
		},
		{
			name:   "restricted state without anomalies",
			status: StatusRestricted,
			want: map[models.FlagCode]models.Severity{
				models.FlagStateRestrictionConflict: models.SeverityWarning,
			},
			wantRisk:  6,
			wantWorst: models.SeverityWarning,
		},
		{
			name:   "high combined risk",
			status: StatusPermitted,
			in: Input{Anomalies: []models.AnomalyResult{
				anomaly(models.AnomalyPump, models.SeverityCritical, 1),
				anomaly(models.AnomalyEscalation, models.SeverityCritical, 1),
			}},
			want: map[models.FlagCode]models.Severity{
				models.FlagRTPOutlier:         models.SeverityCritical,
				models.FlagRapidEscalation:    models.SeverityCritical,
				models.FlagRuleBreakingSignal: models.SeverityCritical,
			},
			wantRisk:  100,
			wantWorst: models.SeverityCritical,
		},
		{
			name:   "verification findings",
			status: StatusPermitted,
			in: Input{Verification: &models.BatchVerificationResult{
				Total:        20,
				Verified:     15,
				Mismatched:   3,
				Unverifiable: 2,
				Anomalies: []models.VerificationAnomaly{
					{Index: 10, Type: models.VerificationRTPDeviation, Severity: models.SeverityWarning, Message: "claimed RTP 99% vs expected 96%"},
				},
			}},
			want: map[models.FlagCode]models.Severity{
				models.FlagRTPOutlier:           models.SeverityWarning,
				models.FlagUnverifiableRound:    models.SeverityInfo,
				models.FlagProvablyFairMismatch: models.SeverityCritical,
			},
			wantRisk:  35 + 5 + 20 + 15 + 6,
			wantWorst: models.SeverityCritical,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Evaluate(tt.in, njContext, allEnabled(t, tt.status))
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			got := flagMap(res)
			if len(got) != len(res.Flags) {
				t.Errorf("duplicate codes in %+v", res.Flags)
			}
			if len(got) != len(tt.want) {
				t.Errorf("got flags %+v, want %v", res.Flags, tt.want)
			}
			for code, sev := range tt.want {
				if f, ok := got[code]; !ok || f.Severity != sev {
					t.Errorf("%s = %v (present=%v), want %v", code, f.Severity, ok, sev)
				}
			}
			if res.RiskScore != tt.wantRisk {
				t.Errorf("RiskScore = %v, want %v", res.RiskScore, tt.wantRisk)
			}
			if res.OverallSeverity != tt.wantWorst {
				t.Errorf("OverallSeverity = %v, want %v", res.OverallSeverity, tt.wantWorst)
			}
		})
	}
}

func TestEvaluate_FlagsInVocabularyOrder(t *testing.T) {
	in := Input{Anomalies: []models.AnomalyResult{
		anomaly(models.AnomalyEscalation, models.SeverityWarning, 0),
		anomaly(models.AnomalyPump, models.SeverityWarning, 0),
	}}
	res, err := Evaluate(in, njContext, allEnabled(t, StatusRestricted))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	want := []models.FlagCode{
		models.FlagRTPOutlier,
		models.FlagRapidEscalation,
		models.FlagPromoViolationRisk,
		models.FlagStateRestrictionConflict,
	}
	if len(res.Flags) != len(want) {
		t.Fatalf("got %d flags, want %d", len(res.Flags), len(want))
	}
	for i, f := range res.Flags {
		if f.Code != want[i] {
			t.Errorf("Flags[%d] = %s, want %s", i, f.Code, want[i])
		}
	}
}

func TestEvaluate_ConfigurationErrors(t *testing.T) {
	snap := allEnabled(t, StatusPermitted)
	tests := []struct {
		name   string
		ctx    models.GameplayComplianceContext
		snap   *RegulationSnapshot
		target error
	}{
		{"nil snapshot", njContext, nil, ErrNoSnapshot},
		{"other state", models.GameplayComplianceContext{StateCode: "PA", Topic: models.TopicIGaming}, snap, ErrSnapshotMismatch},
		{"other topic", models.GameplayComplianceContext{StateCode: "NJ", Topic: models.TopicSportsbook}, snap, ErrSnapshotMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Evaluate(Input{}, tt.ctx, tt.snap); !errors.Is(err, tt.target) {
				t.Errorf("err = %v, want %v", err, tt.target)
			}
		})
	}

	if _, err := Evaluate(Input{}, models.GameplayComplianceContext{StateCode: "nj"}, snap); err != nil {
		t.Errorf("lowercase state with empty topic should match: %v", err)
	}
}

func TestLoadSnapshot(t *testing.T) {
	snap := loadNJ(t)
	if snap.StateCode() != "NJ" || snap.Topic() != models.TopicIGaming || snap.Status() != StatusPermitted {
		t.Errorf("snapshot header = %s/%s/%s", snap.StateCode(), snap.Topic(), snap.Status())
	}
	if len(snap.Codes()) != 7 {
		t.Errorf("Codes() = %v, want 7 codes", snap.Codes())
	}
	if r, ok := snap.Rule(models.FlagRTPOutlier); !ok || !r.Enabled || r.Severity != models.SeverityNone {
		t.Errorf("RTP_OUTLIER rule = %+v (listed=%v), want enabled without override", r, ok)
	}
	if r, _ := snap.Rule(models.FlagUnverifiableRound); r.Enabled {
		t.Error("UNVERIFIABLE_ROUND should be disabled")
	}
	if _, ok := snap.Rule(models.FlagRapidEscalation); ok {
		t.Error("RAPID_ESCALATION should not be listed")
	}
}

func TestLoadSnapshot_JSON(t *testing.T) {
	doc := `{"version": "v3", "state_code": "PA", "topic": "sportsbook", "status": "restricted", ` +
		`"rules": {"RAPID_ESCALATION": {"enabled": true, "severity": "warning"}}}`
	snap, err := LoadSnapshot(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("LoadSnapshot failed: %v", err)
	}
	if r, ok := snap.Rule(models.FlagRapidEscalation); !ok || r.Severity != models.SeverityWarning {
		t.Errorf("RAPID_ESCALATION rule = %+v", r)
	}
}

func TestLoadSnapshot_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", ""},
		{"not yaml", "version: [unclosed"},
		{"missing version", "state_code: NJ\ntopic: igaming\nstatus: permitted\nrules: {}\n"},
		{"lowercase state", "version: v1\nstate_code: nj\ntopic: igaming\nstatus: permitted\nrules: {}\n"},
		{"unknown status", "version: v1\nstate_code: NJ\ntopic: igaming\nstatus: tolerated\nrules: {}\n"},
		{"unknown topic", "version: v1\nstate_code: NJ\ntopic: lottery\nstatus: permitted\nrules: {}\n"},
		{"unknown code", "version: v1\nstate_code: NJ\ntopic: igaming\nstatus: permitted\nrules:\n  BONUS_ABUSE:\n"},
		{"unknown rule field", "version: v1\nstate_code: NJ\ntopic: igaming\nstatus: permitted\nrules:\n  RTP_OUTLIER:\n    weight: 3\n"},
		{"bad severity", "version: v1\nstate_code: NJ\ntopic: igaming\nstatus: permitted\nrules:\n  RTP_OUTLIER:\n    severity: severe\n"},
		{"extra top-level field", "version: v1\nstate_code: NJ\ntopic: igaming\nstatus: permitted\nrules: {}\nnotes: x\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadSnapshot(strings.NewReader(tt.doc)); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestNewSnapshot_CopiesRules(t *testing.T) {
	rules := map[models.FlagCode]Rule{models.FlagRTPOutlier: {Enabled: true}}
	snap, err := NewSnapshot("v1", "nj", models.TopicIGaming, StatusPermitted, rules)
	if err != nil {
		t.Fatalf("NewSnapshot failed: %v", err)
	}
	rules[models.FlagRTPOutlier] = Rule{Enabled: false}
	rules[models.FlagRapidEscalation] = Rule{Enabled: true}

	if r, _ := snap.Rule(models.FlagRTPOutlier); !r.Enabled {
		t.Error("snapshot rule changed with the caller's map")
	}
	if _, ok := snap.Rule(models.FlagRapidEscalation); ok {
		t.Error("snapshot gained a rule from the caller's map")
	}
	if snap.StateCode() != "NJ" {
		t.Errorf("StateCode = %q, want NJ", snap.StateCode())
	}

	if _, err := NewSnapshot("v1", "NJ", models.TopicIGaming, StatusPermitted,
		map[models.FlagCode]Rule{"BONUS_ABUSE": {Enabled: true}}); err == nil {
		t.Error("unknown code accepted")
	}
	if _, err := NewSnapshot("v1", "NJ", models.TopicIGaming, "tolerated", nil); err == nil {
		t.Error("unknown status accepted")
	}
}
