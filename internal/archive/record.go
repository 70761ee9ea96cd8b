package archive

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rewired-gh/fairoracle/internal/models"
	"github.com/shopspring/decimal"
)

// field returns the value of a role in the current row, "" when absent.
type field func(Role) string

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"01/02/2006 15:04:05",
	"2006-01-02",
}

// buildBet normalizes one row. Errors are row-level and become skip reasons.
func (p *parser) buildBet(get field, row int) (models.ProvablyFairBet, error) {
	bet := models.ProvablyFairBet{
		BetID:          get(RoleBetID),
		ServerSeed:     get(RoleServerSeed),
		ServerSeedHash: strings.ToLower(get(RoleServerSeedHash)),
		ClientSeed:     get(RoleClientSeed),
	}
	if bet.BetID == "" {
		bet.BetID = fmt.Sprintf("row-%d", row)
	}

	bet.Game = p.cfg.DefaultGame
	if raw := get(RoleGame); raw != "" {
		game, err := models.ParseGameType(raw)
		if err != nil {
			return bet, err
		}
		bet.Game = game
	}
	if bet.Game == "" {
		return bet, errors.New("missing game")
	}

	if bet.ClientSeed == "" {
		return bet, errors.New("missing client seed")
	}

	nonce := get(RoleNonce)
	if nonce == "" {
		return bet, errors.New("missing nonce")
	}
	n, err := strconv.ParseInt(nonce, 10, 64)
	if err != nil || n < 0 {
		return bet, fmt.Errorf("invalid nonce %q", nonce)
	}
	bet.Nonce = n

	if bet.Wager, err = amount(get(RoleWager), "wager"); err != nil {
		return bet, err
	}

	if raw := get(RoleMultiplier); raw != "" {
		m, err := strconv.ParseFloat(strings.TrimSuffix(strings.ToLower(raw), "x"), 64)
		if err != nil || m < 0 || math.IsNaN(m) || math.IsInf(m, 0) {
			return bet, fmt.Errorf("invalid multiplier %q", raw)
		}
		bet.ClaimedMultiplier = &m
	}

	if raw := get(RolePayout); raw == "" && bet.ClaimedMultiplier != nil {
		bet.ClaimedPayout = bet.Wager.Mul(decimal.NewFromFloat(*bet.ClaimedMultiplier))
	} else if bet.ClaimedPayout, err = amount(raw, "payout"); err != nil {
		return bet, err
	}

	if raw := get(RoleTimestamp); raw != "" {
		ts, err := parseTime(raw)
		if err != nil {
			return bet, err
		}
		bet.Timestamp = ts
	}

	if bet.Params, err = params(get); err != nil {
		return bet, err
	}

	if raw := get(RoleResult); raw != "" {
		outcome, err := claimedOutcome(bet.Game, raw, bet.Params)
		if err != nil {
			return bet, err
		}
		bet.ClaimedOutcome = outcome
	}
	return bet, nil
}

func amount(raw, name string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "$"))
	if raw == "" {
		return decimal.Zero, fmt.Errorf("missing %s", name)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q", name, raw)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("negative %s %s", name, raw)
	}
	return d, nil
}

func parseTime(raw string) (time.Time, error) {
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		// Exports use both unix seconds and milliseconds.
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", raw)
}

func params(get field) (models.GameParams, error) {
	var p models.GameParams
	var err error
	if raw := get(RoleTarget); raw != "" {
		if p.Target, err = strconv.ParseFloat(raw, 64); err != nil {
			return p, fmt.Errorf("invalid target %q", raw)
		}
	}
	if raw := get(RoleRollOver); raw != "" {
		switch strings.ToLower(raw) {
		case "true", "1", "over", "above", ">":
			p.RollOver = true
		case "false", "0", "under", "below", "<":
		default:
			return p, fmt.Errorf("invalid roll condition %q", raw)
		}
	}
	if raw := get(RoleMineCount); raw != "" {
		if p.MineCount, err = strconv.Atoi(raw); err != nil {
			return p, fmt.Errorf("invalid mine count %q", raw)
		}
	}
	if raw := get(RolePicks); raw != "" {
		if p.Picks, err = intList(raw); err != nil {
			return p, fmt.Errorf("invalid picks: %w", err)
		}
	}
	if raw := get(RoleSelections); raw != "" {
		if p.Selections, err = intList(raw); err != nil {
			return p, fmt.Errorf("invalid selections: %w", err)
		}
	}
	if raw := get(RoleRows); raw != "" {
		if p.Rows, err = strconv.Atoi(raw); err != nil {
			return p, fmt.Errorf("invalid rows %q", raw)
		}
	}
	p.Risk = strings.ToLower(get(RoleRisk))
	return p, nil
}

// intList accepts "1|2|3", "1;2;3", "1 2 3" and "[1,2,3]".
func intList(raw string) ([]int, error) {
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		return r == '|' || r == ';' || r == ',' || r == ' ' || r == '[' || r == ']'
	})
	out := make([]int, 0, len(parts))
	for _, s := range parts {
		v, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("%q is not an integer", s)
		}
		out = append(out, v)
	}
	return out, nil
}

// claimedOutcome reads the casino's reported result column. Win flags and hit
// counts are derived from the bet parameters the same way the games do.
func claimedOutcome(game models.GameType, raw string, p models.GameParams) (models.CalculatedOutcome, error) {
	switch game {
	case models.GameDice:
		roll, err := strconv.ParseFloat(raw, 64)
		if err != nil || roll < 0 || roll > 100 {
			return nil, fmt.Errorf("invalid dice roll %q", raw)
		}
		h := int(math.Round(roll * 100))
		target := int(math.Round(p.Target * 100))
		won := h < target
		if p.RollOver {
			won = h > target
		}
		return models.DiceOutcome{RollHundredths: h, Won: won}, nil
	case models.GameMines:
		mines, err := intList(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid mine positions: %w", err)
		}
		out := models.MinesOutcome{MinePositions: mines}
		for _, pick := range p.Picks {
			if slices.Contains(mines, pick) {
				out.Busted = true
			}
		}
		if !out.Busted {
			out.SafePicks = len(p.Picks)
		}
		return out, nil
	case models.GameKeno:
		drawn, err := intList(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid keno draw: %w", err)
		}
		hits := 0
		for _, sel := range p.Selections {
			if slices.Contains(drawn, sel) {
				hits++
			}
		}
		return models.KenoOutcome{Drawn: drawn, Hits: hits}, nil
	case models.GamePlinko:
		bucket, err := strconv.Atoi(raw)
		if err != nil || bucket < 0 {
			return nil, fmt.Errorf("invalid plinko bucket %q", raw)
		}
		return models.PlinkoOutcome{BucketIndex: bucket}, nil
	}
	return nil, fmt.Errorf("unsupported game %q", game)
}
