// Package verifier compares casino-claimed bet results with independently
// reconstructed outcomes, one bet at a time or across whole archives.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rewired-gh/fairoracle/internal/fairness"
	"github.com/rewired-gh/fairoracle/internal/logger"
	"github.com/rewired-gh/fairoracle/internal/models"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// multiplierTolerance is how far a claimed multiplier may drift from the
// calculated one, as casinos display multipliers to two decimals.
const multiplierTolerance = 0.01

type Config struct {
	Workers      int
	MaxAnomalies int
	// PayoutTolerance is the largest payout delta still treated as rounding.
	PayoutTolerance      float64
	RTPDeviationWarn     float64
	RTPDeviationCritical float64
}

func DefaultConfig() Config {
	return Config{
		Workers:              4,
		MaxAnomalies:         100,
		PayoutTolerance:      1e-6,
		RTPDeviationWarn:     0.02,
		RTPDeviationCritical: 0.05,
	}
}

// Verifier is safe for concurrent use.
type Verifier struct {
	recon     *fairness.Reconstructor
	cfg       Config
	tolerance decimal.Decimal
}

func New(recon *fairness.Reconstructor, cfg Config) *Verifier {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxAnomalies <= 0 {
		cfg.MaxAnomalies = def.MaxAnomalies
	}
	if cfg.PayoutTolerance <= 0 {
		cfg.PayoutTolerance = def.PayoutTolerance
	}
	return &Verifier{recon: recon, cfg: cfg, tolerance: decimal.NewFromFloat(cfg.PayoutTolerance)}
}

// VerifyBet reconstructs one bet and classifies the claim. A bet whose server
// seed is not revealed is unverifiable, not an error. Invalid game parameters
// are returned as *fairness.ParamError.
func (v *Verifier) VerifyBet(bet models.ProvablyFairBet) (models.BetVerificationResult, error) {
	res := models.BetVerificationResult{
		BetID:         bet.BetID,
		Claimed:       bet.ClaimedOutcome,
		SeedHashValid: true,
	}
	if !bet.Revealed() {
		res.RiskLevel = models.RiskUnverifiable
		res.Message = "server seed not revealed yet"
		return res, nil
	}

	if bet.ServerSeedHash != "" {
		res.SeedHashValid = strings.EqualFold(fairness.HashCommitment(bet.ServerSeed), strings.TrimSpace(bet.ServerSeedHash))
	}

	r, err := v.recon.Reconstruct(bet)
	if err != nil {
		return res, err
	}
	res.Calculated = r.Outcome
	res.ExpectedMultiplier = r.Multiplier
	res.ExpectedPayout = bet.Wager.Mul(decimal.NewFromFloat(r.Multiplier))
	res.Discrepancy = bet.ClaimedPayout.Sub(res.ExpectedPayout)
	outcomeOK := bet.ClaimedOutcome == nil || bet.ClaimedOutcome.Equal(r.Outcome)
	multiplierOK := bet.ClaimedMultiplier == nil || math.Abs(*bet.ClaimedMultiplier-r.Multiplier) <= multiplierTolerance
	res.OutcomeMatches = outcomeOK && multiplierOK

	delta := res.Discrepancy.Abs()
	switch {
	case !res.SeedHashValid:
		res.RiskLevel = models.RiskHigh
		res.Message = "server seed does not match its published hash"
	case !outcomeOK:
		res.RiskLevel = models.RiskHigh
		res.Message = fmt.Sprintf("claimed %s, calculated %s",
			models.DescribeOutcome(bet.ClaimedOutcome), models.DescribeOutcome(r.Outcome))
	case !multiplierOK:
		res.RiskLevel = models.RiskHigh
		res.Message = fmt.Sprintf("claimed multiplier %.2fx, calculated %.2fx", *bet.ClaimedMultiplier, r.Multiplier)
	case delta.IsZero():
		res.RiskLevel = models.RiskNone
		res.Message = "verified"
	case delta.LessThanOrEqual(v.tolerance):
		res.RiskLevel = models.RiskLow
		res.Message = fmt.Sprintf("payout differs by %s (rounding)", delta)
	default:
		res.RiskLevel = models.RiskHigh
		res.Message = fmt.Sprintf("claimed payout %s, expected %s", bet.ClaimedPayout, res.ExpectedPayout)
	}
	return res, nil
}

// partial is one worker's share of a batch.
type partial struct {
	total, verified, mismatched, unverifiable, invalid int

	// Latest bet timestamp seen.
	lastAt time.Time

	wagered, claimed decimal.Decimal
	// Reconstructed bets only, for the RTP comparison.
	recWagered, recClaimed, recExpected decimal.Decimal

	anomalies *boundedAnomalies
}

func (v *Verifier) newPartial() *partial {
	return &partial{anomalies: newBoundedAnomalies(v.cfg.MaxAnomalies)}
}

// VerifyBatch verifies every bet on a fixed pool of workers. Workers share
// nothing but an index counter; their partial results are merged once at the
// end. Cancellation is checked between bets; a cancelled batch returns the
// merged partial result together with ctx.Err().
func (v *Verifier) VerifyBatch(ctx context.Context, bets []models.ProvablyFairBet) (*models.BatchVerificationResult, error) {
	workers := min(v.cfg.Workers, max(len(bets), 1))
	parts := make([]*partial, workers)
	var next atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	for w := range parts {
		p := v.newPartial()
		parts[w] = p
		g.Go(func() error {
			for {
				if err := gctx.Err(); err != nil {
					return err
				}
				i := int(next.Add(1) - 1)
				if i >= len(bets) {
					return nil
				}
				v.verifyInto(p, i, bets[i])
			}
		})
	}
	err := g.Wait()

	out := v.merge(parts)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		logger.Warn("Batch verification stopped after %d of %d bets: %v", out.Total, len(bets), err)
		return out, err
	}
	logger.Info("Verified batch of %d bets: %d verified, %d mismatched, %d unverifiable, %d invalid",
		out.Total, out.Verified, out.Mismatched, out.Unverifiable, out.Invalid)
	return out, nil
}

func (v *Verifier) verifyInto(p *partial, index int, bet models.ProvablyFairBet) {
	p.total++
	if bet.Timestamp.After(p.lastAt) {
		p.lastAt = bet.Timestamp
	}
	p.wagered = p.wagered.Add(bet.Wager)
	p.claimed = p.claimed.Add(bet.ClaimedPayout)

	anomaly := models.VerificationAnomaly{BetID: bet.BetID, Index: index, Timestamp: bet.Timestamp}
	res, err := v.VerifyBet(bet)
	if err != nil {
		p.invalid++
		anomaly.Type = models.VerificationInvalidParams
		anomaly.Severity = models.SeverityWarning
		anomaly.Message = err.Error()
		var perr *fairness.ParamError
		if errors.As(err, &perr) {
			anomaly.Details = map[string]string{"param": perr.Param}
		}
		p.anomalies.add(anomaly)
		return
	}

	if res.RiskLevel == models.RiskUnverifiable {
		p.unverifiable++
		anomaly.Type = models.VerificationUnverifiable
		anomaly.Severity = models.SeverityInfo
		anomaly.Message = res.Message
		p.anomalies.add(anomaly)
		return
	}

	p.recWagered = p.recWagered.Add(bet.Wager)
	p.recClaimed = p.recClaimed.Add(bet.ClaimedPayout)
	p.recExpected = p.recExpected.Add(res.ExpectedPayout)

	anomaly.Message = res.Message
	anomaly.Details = map[string]string{
		"game":            string(bet.Game),
		"claimed_payout":  bet.ClaimedPayout.String(),
		"expected_payout": res.ExpectedPayout.String(),
		"calculated":      models.DescribeOutcome(res.Calculated),
	}
	switch {
	case res.RiskLevel == models.RiskNone:
		p.verified++
		return
	case res.RiskLevel == models.RiskLow:
		p.verified++
		anomaly.Type = models.VerificationPayoutRounding
		anomaly.Severity = models.SeverityInfo
	case !res.SeedHashValid:
		p.mismatched++
		anomaly.Type = models.VerificationSeedMismatch
		anomaly.Severity = models.SeverityCritical
	case !res.OutcomeMatches:
		p.mismatched++
		anomaly.Type = models.VerificationResultMismatch
		anomaly.Severity = models.SeverityCritical
	default:
		p.mismatched++
		anomaly.Type = models.VerificationPayoutMismatch
		anomaly.Severity = models.SeverityCritical
	}
	p.anomalies.add(anomaly)
}

func (v *Verifier) merge(parts []*partial) *models.BatchVerificationResult {
	all := v.newPartial()
	for _, p := range parts {
		all.total += p.total
		all.verified += p.verified
		all.mismatched += p.mismatched
		all.unverifiable += p.unverifiable
		all.invalid += p.invalid
		if p.lastAt.After(all.lastAt) {
			all.lastAt = p.lastAt
		}
		all.wagered = all.wagered.Add(p.wagered)
		all.claimed = all.claimed.Add(p.claimed)
		all.recWagered = all.recWagered.Add(p.recWagered)
		all.recClaimed = all.recClaimed.Add(p.recClaimed)
		all.recExpected = all.recExpected.Add(p.recExpected)
		all.anomalies.merge(p.anomalies)
	}

	out := &models.BatchVerificationResult{
		Total:               all.total,
		Verified:            all.verified,
		Mismatched:          all.mismatched,
		Unverifiable:        all.unverifiable,
		Invalid:             all.invalid,
		TotalWagered:        all.wagered,
		TotalClaimedPayout:  all.claimed,
		TotalExpectedPayout: all.recExpected,
		ClaimedRTP:          models.ComputeRTP(all.recWagered, all.recClaimed),
		ExpectedRTP:         models.ComputeRTP(all.recWagered, all.recExpected),
	}
	if a, ok := v.rtpDeviation(out); ok {
		a.Index = out.Total
		a.Timestamp = all.lastAt
		all.anomalies.add(a)
	}
	out.Anomalies = all.anomalies.sorted()
	out.DroppedAnomalies = all.anomalies.dropped
	return out
}

// rtpDeviation flags a batch whose claimed return diverges from the return
// the reconstructed outcomes justify.
func (v *Verifier) rtpDeviation(out *models.BatchVerificationResult) (models.VerificationAnomaly, bool) {
	if out.Verified+out.Mismatched == 0 || v.cfg.RTPDeviationWarn <= 0 {
		return models.VerificationAnomaly{}, false
	}
	dev := out.ClaimedRTP - out.ExpectedRTP
	if math.Abs(dev) <= v.cfg.RTPDeviationWarn {
		return models.VerificationAnomaly{}, false
	}
	sev := models.SeverityWarning
	if v.cfg.RTPDeviationCritical > 0 && math.Abs(dev) > v.cfg.RTPDeviationCritical {
		sev = models.SeverityCritical
	}
	return models.VerificationAnomaly{
		Type:     models.VerificationRTPDeviation,
		Severity: sev,
		Message:  fmt.Sprintf("claimed RTP %.2f%% vs expected %.2f%%", out.ClaimedRTP*100, out.ExpectedRTP*100),
		Details: map[string]string{
			"claimed_rtp":  fmt.Sprintf("%.6f", out.ClaimedRTP),
			"expected_rtp": fmt.Sprintf("%.6f", out.ExpectedRTP),
		},
	}, true
}
