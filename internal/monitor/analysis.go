package monitor

import (
	"fmt"
	"sort"

	"github.com/rewired-gh/fairoracle/internal/models"
)

// WindowReport is the offline recomputation of one fixed, non-overlapping
// window of spins. The final window may be short.
type WindowReport struct {
	StartIndex int             `json:"start_index"`
	EndIndex   int             `json:"end_index"`
	Stats      models.RTPStats `json:"stats"`
}

type AnalysisReport struct {
	SessionID        string                 `json:"session_id"`
	TotalSpins       int                    `json:"total_spins"`
	Windows          []WindowReport         `json:"windows"`
	Anomalies        []models.AnomalyResult `json:"anomalies"`
	Final            models.RTPStats        `json:"final"`
	Cluster          models.ClusterStats    `json:"cluster"`
	OverallRiskScore float64                `json:"overall_risk_score"`
}

// MobileAnomalySummary is the compact form of a report for small screens.
type MobileAnomalySummary struct {
	TotalSpins       int                        `json:"total_spins"`
	Counts           map[models.AnomalyType]int `json:"counts"`
	HighestSeverity  models.Severity            `json:"highest_severity"`
	OverallRiskScore float64                    `json:"overall_risk_score"`
}

// AnalyzeHistory replays a recorded session through a fresh tracker. Spins
// must share sessionID and be in time order; the first offending spin aborts
// the analysis.
func AnalyzeHistory(config Config, sessionID string, spins []models.SpinResult) (*AnalysisReport, error) {
	config = config.withDefaults()
	report := &AnalysisReport{SessionID: sessionID, TotalSpins: len(spins)}

	state := &models.SessionState{SessionID: sessionID, Status: models.SessionOpen}
	if len(spins) > 0 {
		state.UserID = spins[0].UserID
		state.CasinoID = spins[0].CasinoID
	}
	t := newTracker(config, state)

	entries := make([]models.WindowEntry, 0, len(spins))
	for i, spin := range spins {
		anomalies, err := t.Add(spin)
		if err != nil {
			return nil, fmt.Errorf("spin %d: %w", i, err)
		}
		report.Anomalies = append(report.Anomalies, anomalies...)
		entries = append(entries, models.WindowEntry{Index: i, Timestamp: spin.Timestamp, Bet: spin.Bet, Payout: spin.Payout})
	}

	for start := 0; start < len(entries); start += config.WindowSize {
		end := min(start+config.WindowSize, len(entries))
		report.Windows = append(report.Windows, WindowReport{
			StartIndex: start,
			EndIndex:   end,
			Stats:      ComputeWindowStats(entries[start:end], config.TheoreticalRTP),
		})
	}

	report.Final = t.Stats()
	report.Cluster = t.Cluster()
	report.OverallRiskScore = models.AnomalyRiskScore(report.Anomalies)
	return report, nil
}

func Summarize(report *AnalysisReport) MobileAnomalySummary {
	s := MobileAnomalySummary{
		TotalSpins:       report.TotalSpins,
		Counts:           make(map[models.AnomalyType]int),
		OverallRiskScore: report.OverallRiskScore,
	}
	for _, a := range report.Anomalies {
		s.Counts[a.Type]++
		s.HighestSeverity = models.MaxSeverity(s.HighestSeverity, a.Severity)
	}
	return s
}

// SortAnomalies orders anomalies worst first, then by detection window.
func SortAnomalies(anomalies []models.AnomalyResult) {
	sort.SliceStable(anomalies, func(i, j int) bool {
		if anomalies[i].Severity != anomalies[j].Severity {
			return anomalies[i].Severity > anomalies[j].Severity
		}
		return anomalies[i].Window.EndIndex < anomalies[j].Window.EndIndex
	})
}
