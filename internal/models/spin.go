// Package models defines the core domain entities: spins, sessions, bets,
// reconstructed outcomes, verification results and anomalies.
package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// SpinResult is one recorded wager on a slot-style game. Immutable once recorded.
type SpinResult struct {
	SessionID      string          `json:"session_id"`
	UserID         string          `json:"user_id,omitempty"`
	CasinoID       string          `json:"casino_id,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	Bet            decimal.Decimal `json:"bet"`
	Payout         decimal.Decimal `json:"payout"`
	Symbols        []string        `json:"symbols,omitempty"`
	BonusTriggered bool            `json:"bonus_triggered,omitempty"`
	SeedRef        string          `json:"seed_ref,omitempty"`
}

// Validate checks spin field constraints.
func (s *SpinResult) Validate() error {
	if s.SessionID == "" {
		return errors.New("session ID must not be empty")
	}
	if s.Bet.IsNegative() {
		return errors.New("bet amount must not be negative")
	}
	if s.Payout.IsNegative() {
		return errors.New("payout amount must not be negative")
	}
	return nil
}

// Won reports whether the spin paid more than it cost.
func (s *SpinResult) Won() bool {
	return s.Payout.GreaterThan(s.Bet)
}

// ReturnMultiplier is payout/bet, 0 for a zero-stake spin.
func (s *SpinResult) ReturnMultiplier() float64 {
	if s.Bet.IsZero() {
		return 0
	}
	return s.Payout.Div(s.Bet).InexactFloat64()
}

type SessionStatus string

const (
	SessionOpen   SessionStatus = "open"
	SessionClosed SessionStatus = "closed"
)

// GameplaySession is one player's play at one casino. Spins is the ordered
// tail of the history that the sliding window still holds, oldest first;
// SpinCount counts every spin ever recorded. Closed sessions are immutable.
type GameplaySession struct {
	ID           string        `json:"id"`
	UserID       string        `json:"user_id"`
	CasinoID     string        `json:"casino_id"`
	StartedAt    time.Time     `json:"started_at"`
	LastActivity time.Time     `json:"last_activity"`
	SpinCount    int           `json:"spin_count"`
	Spins        []SpinResult  `json:"spins"`
	Stats        RTPStats      `json:"stats"`
	Status       SessionStatus `json:"status"`
}

// RTPStats describes the sliding window of a session.
type RTPStats struct {
	WindowSpins    int             `json:"window_spins"`
	TotalWagered   decimal.Decimal `json:"total_wagered"`
	TotalPaid      decimal.Decimal `json:"total_paid"`
	RTP            float64         `json:"rtp"`
	TheoreticalRTP float64         `json:"theoretical_rtp"`
	Variance       float64         `json:"variance"`
}

// ComputeRTP returns paid/wagered, or 0 when nothing was wagered.
func ComputeRTP(wagered, paid decimal.Decimal) float64 {
	if !wagered.IsPositive() {
		return 0
	}
	return paid.Div(wagered).InexactFloat64()
}

// ClusterStats tracks streaks and bet volatility over the same window.
// WinDensity is the share of big wins among the most recent spins.
type ClusterStats struct {
	LosingStreak  int     `json:"losing_streak"`
	WinningStreak int     `json:"winning_streak"`
	BetSizeCV     float64 `json:"bet_size_cv"`
	WinDensity    float64 `json:"win_density"`
}
