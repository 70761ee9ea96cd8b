package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// RiskLevel classifies one bet verification.
type RiskLevel string

const (
	RiskNone RiskLevel = "none"
	// RiskLow: outcome matches, payout differs only by rounding.
	RiskLow  RiskLevel = "low"
	RiskHigh RiskLevel = "high"
	// RiskUnverifiable: server seed not revealed. Never evidence of fraud.
	RiskUnverifiable RiskLevel = "unverifiable"
)

type BetVerificationResult struct {
	BetID              string            `json:"bet_id"`
	RiskLevel          RiskLevel         `json:"risk_level"`
	Calculated         CalculatedOutcome `json:"-"`
	Claimed            CalculatedOutcome `json:"-"`
	ExpectedMultiplier float64           `json:"expected_multiplier"`
	ExpectedPayout     decimal.Decimal   `json:"expected_payout"`
	Discrepancy        decimal.Decimal   `json:"discrepancy"`
	SeedHashValid      bool              `json:"seed_hash_valid"`
	OutcomeMatches     bool              `json:"outcome_matches"`
	Message            string            `json:"message"`
}

type VerificationAnomalyType string

const (
	VerificationResultMismatch VerificationAnomalyType = "result_mismatch"
	VerificationPayoutMismatch VerificationAnomalyType = "payout_mismatch"
	VerificationPayoutRounding VerificationAnomalyType = "payout_rounding"
	VerificationSeedMismatch   VerificationAnomalyType = "seed_hash_mismatch"
	VerificationUnverifiable   VerificationAnomalyType = "unverifiable"
	VerificationInvalidParams  VerificationAnomalyType = "invalid_parameters"
	VerificationRTPDeviation   VerificationAnomalyType = "rtp_deviation"
)

// VerificationAnomaly is a ranked finding from batch verification. Index is
// the bet's position in the batch. Batch-level findings sit after the last
// bet, both by Index and by Timestamp.
type VerificationAnomaly struct {
	BetID     string                  `json:"bet_id,omitempty"`
	Index     int                     `json:"index"`
	Type      VerificationAnomalyType `json:"type"`
	Severity  Severity                `json:"severity"`
	Timestamp time.Time               `json:"timestamp"`
	Message   string                  `json:"message"`
	Details   map[string]string       `json:"details,omitempty"`
}

type BatchVerificationResult struct {
	Total        int `json:"total"`
	Verified     int `json:"verified"`
	Mismatched   int `json:"mismatched"`
	Unverifiable int `json:"unverifiable"`
	Invalid      int `json:"invalid"`

	TotalWagered        decimal.Decimal `json:"total_wagered"`
	TotalClaimedPayout  decimal.Decimal `json:"total_claimed_payout"`
	TotalExpectedPayout decimal.Decimal `json:"total_expected_payout"`
	ClaimedRTP          float64         `json:"claimed_rtp"`
	ExpectedRTP         float64         `json:"expected_rtp"`

	// Anomalies is ordered worst first and capped; DroppedAnomalies counts
	// the ones that did not survive the cap.
	Anomalies        []VerificationAnomaly `json:"anomalies"`
	DroppedAnomalies int                   `json:"dropped_anomalies"`
}

// SkippedRow records a non-fatal archive row failure.
type SkippedRow struct {
	Row    int    `json:"row"`
	Reason string `json:"reason"`
	Raw    string `json:"raw,omitempty"`
}

// ParsedArchive is the successful outcome of archive ingestion.
type ParsedArchive struct {
	ID         string            `json:"id"`
	Format     string            `json:"format"`
	CasinoID   string            `json:"casino_id,omitempty"`
	Bets       []ProvablyFairBet `json:"bets"`
	Skipped    []SkippedRow      `json:"skipped"`
	TotalRows  int               `json:"total_rows"`
	FirstBetAt time.Time         `json:"first_bet_at"`
	LastBetAt  time.Time         `json:"last_bet_at"`
}

// ArchiveRun is the stored record of one verified archive.
type ArchiveRun struct {
	ID        string                   `json:"id"`
	CasinoID  string                   `json:"casino_id,omitempty"`
	Format    string                   `json:"format"`
	TotalRows int                      `json:"total_rows"`
	Skipped   int                      `json:"skipped"`
	Result    *BatchVerificationResult `json:"result"`
	CreatedAt time.Time                `json:"created_at"`
}
