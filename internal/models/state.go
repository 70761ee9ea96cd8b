package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// WindowEntry is the part of a spin the sliding window needs.
type WindowEntry struct {
	Index     int             `json:"index"`
	Timestamp time.Time       `json:"timestamp"`
	Bet       decimal.Decimal `json:"bet"`
	Payout    decimal.Decimal `json:"payout"`
}

// Return is payout/bet, 0 for a zero-stake spin.
func (e WindowEntry) Return() float64 {
	if e.Bet.IsZero() {
		return 0
	}
	return e.Payout.Div(e.Bet).InexactFloat64()
}

// SessionState is the checkpointable detector state of one live session.
// Running sums are not stored; they are rebuilt from Window on restore.
type SessionState struct {
	SessionID    string        `json:"session_id"`
	UserID       string        `json:"user_id"`
	CasinoID     string        `json:"casino_id"`
	StartedAt    time.Time     `json:"started_at"`
	LastActivity time.Time     `json:"last_activity"`
	Status       SessionStatus `json:"status"`
	SpinCount    int           `json:"spin_count"`

	Window      []WindowEntry `json:"window"`
	WindowIndex int           `json:"window_index"`

	LosingStreak     int             `json:"losing_streak"`
	WinningStreak    int             `json:"winning_streak"`
	StreakStartBet   decimal.Decimal `json:"streak_start_bet"`
	StreakStartIndex int             `json:"streak_start_index"`

	EscalationBaseline decimal.Decimal `json:"escalation_baseline"`
	EscalationLeft     int             `json:"escalation_left"`

	// Each detector fires once per excursion past its threshold and re-arms
	// when the statistic comes back.
	PumpFired        bool `json:"pump_fired"`
	DumpFired        bool `json:"dump_fired"`
	ClusterFired     bool `json:"cluster_fired"`
	CompressionFired bool `json:"compression_fired"`

	UpdatedAt time.Time `json:"updated_at"`
}
