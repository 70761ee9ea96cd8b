package models

import "time"

type AnomalyType string

const (
	AnomalyPump                  AnomalyType = "pump"
	AnomalyDump                  AnomalyType = "dump"
	AnomalyEscalation            AnomalyType = "escalation"
	AnomalyWinClustering         AnomalyType = "win_clustering"
	AnomalyVolatilityCompression AnomalyType = "volatility_compression"
)

// AnomalyTypes lists every detector output, in reporting order.
var AnomalyTypes = []AnomalyType{
	AnomalyPump,
	AnomalyDump,
	AnomalyEscalation,
	AnomalyWinClustering,
	AnomalyVolatilityCompression,
}

// SpinWindow locates the spins an anomaly was computed over.
// StartIndex is inclusive and EndIndex exclusive, both session-relative.
type SpinWindow struct {
	StartIndex int       `json:"start_index"`
	EndIndex   int       `json:"end_index"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
}

// AnomalyResult is one detector finding over a spin window.
type AnomalyResult struct {
	Type       AnomalyType        `json:"type"`
	Severity   Severity           `json:"severity"`
	Confidence float64            `json:"confidence"`
	Evidence   map[string]float64 `json:"evidence"`
	Window     SpinWindow         `json:"window"`
	Reason     string             `json:"reason"`
	SessionID  string             `json:"session_id"`
	UserID     string             `json:"user_id,omitempty"`
	CasinoID   string             `json:"casino_id,omitempty"`
	DetectedAt time.Time          `json:"detected_at"`
}

var severityWeight = map[Severity]float64{
	SeverityInfo:     5,
	SeverityWarning:  20,
	SeverityCritical: 35,
}

// SeverityWeight is the risk score contribution of one finding.
func SeverityWeight(s Severity) float64 {
	return severityWeight[s]
}

// AnomalyRiskScore folds anomalies into a 0-100 score. Each finding adds its
// severity weight, scaled between half and full by its confidence.
func AnomalyRiskScore(anomalies []AnomalyResult) float64 {
	score := 0.0
	for _, a := range anomalies {
		score += severityWeight[a.Severity] * (0.5 + 0.5*a.Confidence)
	}
	if score > 100 {
		return 100
	}
	return score
}
