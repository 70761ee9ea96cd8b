// Package compliance maps gameplay anomalies and verification findings
// through a jurisdiction's regulation snapshot into compliance flags.
package compliance

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/rewired-gh/fairoracle/internal/models"
)

var (
	ErrNoSnapshot       = errors.New("no regulation snapshot")
	ErrSnapshotMismatch = errors.New("regulation snapshot does not match context")
)

const (
	// RuleBreakingRiskScore is the base risk at which the combined findings are
	// flagged on their own.
	RuleBreakingRiskScore = 70.0

	criticalFlagRisk = 15.0
	warningFlagRisk  = 6.0
)

// Input is everything the evaluator looks at. Verification may be nil.
type Input struct {
	Anomalies    []models.AnomalyResult
	Verification *models.BatchVerificationResult
}

// Evaluate produces at most one flag per code. Codes absent from the snapshot
// or disabled by it are dropped after mapping; snapshot severities override
// the mapped ones. Empty context fields match any snapshot.
func Evaluate(in Input, ctx models.GameplayComplianceContext, snap *RegulationSnapshot) (models.GameplayComplianceResult, error) {
	if snap == nil {
		return models.GameplayComplianceResult{}, ErrNoSnapshot
	}
	if ctx.StateCode != "" && !strings.EqualFold(ctx.StateCode, snap.StateCode()) {
		return models.GameplayComplianceResult{}, fmt.Errorf("%w: state %s, snapshot %s", ErrSnapshotMismatch, ctx.StateCode, snap.StateCode())
	}
	if ctx.Topic != "" && ctx.Topic != snap.Topic() {
		return models.GameplayComplianceResult{}, fmt.Errorf("%w: topic %s, snapshot %s", ErrSnapshotMismatch, ctx.Topic, snap.Topic())
	}

	fs := newFlagSet()
	for _, a := range in.Anomalies {
		fs.addAnomaly(a)
	}
	fs.addVerification(in.Verification)

	base := baseRisk(in)
	if base >= RuleBreakingRiskScore {
		fs.add(models.FlagRuleBreakingSignal, models.SeverityCritical,
			"Overall gameplay anomaly risk is high and may indicate unfairness or rule abuse",
			map[string]float64{"risk_score": base})
	}

	state := snap.StateCode()
	topic := string(snap.Topic())
	if topic == "" {
		topic = "gameplay"
	}
	switch snap.Status() {
	case StatusProhibited:
		fs.add(models.FlagStateRestrictionConflict, models.SeverityCritical,
			fmt.Sprintf("%s appears prohibited in %s", topic, state), nil)
	case StatusRestricted:
		fs.add(models.FlagStateRestrictionConflict, models.SeverityWarning,
			fmt.Sprintf("%s appears restricted in %s", topic, state), nil)
		if fs.hasCoreAnomaly() {
			fs.add(models.FlagPromoViolationRisk, models.SeverityWarning,
				"Anomaly detected in a restricted jurisdiction; avoid promotional or escalation messaging", nil)
		}
	}

	result := models.GameplayComplianceResult{
		Context:         ctx,
		SnapshotVersion: snap.Version(),
		Flags:           []models.ComplianceFlag{},
	}
	var critical, warning int
	for _, code := range models.FlagCodes {
		flag, ok := fs.flags[code]
		if !ok {
			continue
		}
		rule, listed := snap.Rule(code)
		if !listed || !rule.Enabled {
			continue
		}
		if rule.Severity != models.SeverityNone {
			flag.Severity = rule.Severity
		}
		switch flag.Severity {
		case models.SeverityCritical:
			critical++
		case models.SeverityWarning:
			warning++
		}
		result.OverallSeverity = models.MaxSeverity(result.OverallSeverity, flag.Severity)
		result.Flags = append(result.Flags, flag)
	}
	result.RiskScore = math.Min(100, base+float64(critical)*criticalFlagRisk+float64(warning)*warningFlagRisk)
	return result, nil
}

// baseRisk folds gameplay anomalies and verification outcomes into 0-100.
func baseRisk(in Input) float64 {
	score := models.AnomalyRiskScore(in.Anomalies)
	if v := in.Verification; v != nil {
		if v.Mismatched > 0 {
			score += models.SeverityWeight(models.SeverityCritical)
		}
		if v.Unverifiable > 0 {
			score += models.SeverityWeight(models.SeverityInfo)
		}
		for _, a := range v.Anomalies {
			if a.Type == models.VerificationRTPDeviation {
				score += models.SeverityWeight(a.Severity)
			}
		}
	}
	return math.Min(100, score)
}

type flagSet struct {
	flags map[models.FlagCode]models.ComplianceFlag
}

func newFlagSet() *flagSet {
	return &flagSet{flags: make(map[models.FlagCode]models.ComplianceFlag)}
}

// add keeps the most severe flag per code; the first one wins ties.
func (fs *flagSet) add(code models.FlagCode, sev models.Severity, msg string, meta map[string]float64) {
	if prev, ok := fs.flags[code]; ok && prev.Severity >= sev {
		return
	}
	fs.flags[code] = models.ComplianceFlag{Code: code, Severity: sev, Message: msg, Metadata: meta}
}

func (fs *flagSet) addAnomaly(a models.AnomalyResult) {
	if a.Severity == models.SeverityNone {
		return
	}
	sev := models.SeverityWarning
	if a.Severity == models.SeverityCritical {
		sev = models.SeverityCritical
	}
	switch a.Type {
	case models.AnomalyPump, models.AnomalyDump:
		fs.add(models.FlagRTPOutlier, sev, a.Reason, a.Evidence)
	case models.AnomalyWinClustering:
		fs.add(models.FlagWinClustering, sev, a.Reason, a.Evidence)
	case models.AnomalyEscalation:
		fs.add(models.FlagRapidEscalation, sev, a.Reason, a.Evidence)
	}
	// Volatility compression has no flag of its own; it feeds the risk score.
}

func (fs *flagSet) addVerification(v *models.BatchVerificationResult) {
	if v == nil {
		return
	}
	if v.Mismatched > 0 {
		fs.add(models.FlagProvablyFairMismatch, models.SeverityCritical,
			fmt.Sprintf("%d of %d bets do not match their provably-fair outcome", v.Mismatched, v.Total),
			map[string]float64{"mismatched": float64(v.Mismatched), "total": float64(v.Total)})
	}
	if v.Unverifiable > 0 {
		fs.add(models.FlagUnverifiableRound, models.SeverityInfo,
			fmt.Sprintf("%d of %d bets cannot be verified until their server seed is revealed", v.Unverifiable, v.Total),
			map[string]float64{"unverifiable": float64(v.Unverifiable), "total": float64(v.Total)})
	}
	for _, a := range v.Anomalies {
		if a.Type != models.VerificationRTPDeviation {
			continue
		}
		fs.add(models.FlagRTPOutlier, a.Severity, a.Message, map[string]float64{
			"claimed_rtp":  v.ClaimedRTP,
			"expected_rtp": v.ExpectedRTP,
		})
	}
}

func (fs *flagSet) hasCoreAnomaly() bool {
	for _, code := range []models.FlagCode{
		models.FlagRTPOutlier,
		models.FlagWinClustering,
		models.FlagRapidEscalation,
		models.FlagRuleBreakingSignal,
	} {
		if _, ok := fs.flags[code]; ok {
			return true
		}
	}
	return false
}
