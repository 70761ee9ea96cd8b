package models

import "fmt"

type FlagCode string

const (
	FlagRTPOutlier               FlagCode = "RTP_OUTLIER"
	FlagWinClustering            FlagCode = "WIN_CLUSTERING_ANOMALY"
	FlagRapidEscalation          FlagCode = "RAPID_ESCALATION"
	FlagUnverifiableRound        FlagCode = "UNVERIFIABLE_ROUND"
	FlagProvablyFairMismatch     FlagCode = "PROVABLY_FAIR_MISMATCH"
	FlagRuleBreakingSignal       FlagCode = "GAMEPLAY_RULE_BREAKING_SIGNAL"
	FlagPromoViolationRisk       FlagCode = "PROMO_VIOLATION_RISK"
	FlagStateRestrictionConflict FlagCode = "STATE_RESTRICTION_CONFLICT"
)

// FlagCodes is the closed vocabulary, in reporting order.
var FlagCodes = []FlagCode{
	FlagRTPOutlier,
	FlagWinClustering,
	FlagRapidEscalation,
	FlagUnverifiableRound,
	FlagProvablyFairMismatch,
	FlagRuleBreakingSignal,
	FlagPromoViolationRisk,
	FlagStateRestrictionConflict,
}

func ParseFlagCode(v string) (FlagCode, error) {
	for _, c := range FlagCodes {
		if string(c) == v {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown flag code %q", v)
}

type RegulationTopic string

const (
	TopicIGaming     RegulationTopic = "igaming"
	TopicSportsbook  RegulationTopic = "sportsbook"
	TopicSweepstakes RegulationTopic = "sweepstakes"
)

type DataSource string

const (
	SourceLive   DataSource = "live"
	SourceUpload DataSource = "upload"
)

// GameplayComplianceContext names the jurisdiction a result is evaluated for.
type GameplayComplianceContext struct {
	StateCode string          `json:"state_code"`
	Topic     RegulationTopic `json:"topic"`
	Source    DataSource      `json:"source,omitempty"`
}

type ComplianceFlag struct {
	Code     FlagCode           `json:"code"`
	Severity Severity           `json:"severity"`
	Message  string             `json:"message"`
	Metadata map[string]float64 `json:"metadata,omitempty"`
}

type GameplayComplianceResult struct {
	Context         GameplayComplianceContext `json:"context"`
	SnapshotVersion string                    `json:"snapshot_version"`
	Flags           []ComplianceFlag          `json:"flags"`
	OverallSeverity Severity                  `json:"overall_severity"`
	RiskScore       float64                   `json:"risk_score"`
}
