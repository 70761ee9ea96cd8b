// Package fairness reconstructs provably-fair game outcomes from a seed
// commitment. Every function here is pure: the same seeds, nonce, game
// parameters and payout tables always produce the same outcome.
package fairness

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/rewired-gh/fairoracle/internal/models"
)

// ParamError reports invalid input for a single bet. It never aborts a batch.
type ParamError struct {
	BetID  string
	Param  string
	Reason string
}

func (e *ParamError) Error() string {
	if e.BetID == "" {
		return fmt.Sprintf("invalid %s: %s", e.Param, e.Reason)
	}
	return fmt.Sprintf("bet %s: invalid %s: %s", e.BetID, e.Param, e.Reason)
}

// Bounds are the configured limits game parameters are validated against.
type Bounds struct {
	MinesBoardSize    int
	KenoPool          int
	KenoDraws         int
	KenoMaxSelections int
	PlinkoMinRows     int
	PlinkoMaxRows     int
	DiceMinTarget     float64
	DiceMaxTarget     float64
}

func DefaultBounds() Bounds {
	return Bounds{
		MinesBoardSize:    25,
		KenoPool:          40,
		KenoDraws:         10,
		KenoMaxSelections: 10,
		PlinkoMinRows:     8,
		PlinkoMaxRows:     16,
		DiceMinTarget:     0.01,
		DiceMaxTarget:     99.99,
	}
}

// Seeds is the commitment triple an outcome is derived from.
type Seeds struct {
	ServerSeed string
	ClientSeed string
	Nonce      int64
}

// Result is a reconstructed outcome together with its paytable multiplier.
type Result struct {
	Outcome    models.CalculatedOutcome
	Multiplier float64
}

// Reconstructor recomputes outcomes for the supported game families. It holds
// only read-only configuration and is safe for concurrent use.
type Reconstructor struct {
	tables *PayoutTables
	bounds Bounds
}

// Validate rejects bounds no game could be drawn under. Keno needs at least
// as many numbers in the pool as it draws.
func (b Bounds) Validate() error {
	switch {
	case b.MinesBoardSize < 2:
		return fmt.Errorf("mines board size must be at least 2, got %d", b.MinesBoardSize)
	case b.KenoDraws < 1 || b.KenoDraws > b.KenoPool:
		return fmt.Errorf("keno draws must be between 1 and the pool of %d, got %d", b.KenoPool, b.KenoDraws)
	case b.KenoMaxSelections < 1 || b.KenoMaxSelections > b.KenoPool:
		return fmt.Errorf("keno max selections must be between 1 and the pool of %d, got %d", b.KenoPool, b.KenoMaxSelections)
	case b.PlinkoMinRows < 1 || b.PlinkoMaxRows < b.PlinkoMinRows:
		return fmt.Errorf("plinko rows [%d, %d] are not a valid range", b.PlinkoMinRows, b.PlinkoMaxRows)
	case b.DiceMinTarget <= 0 || b.DiceMaxTarget >= 100 || b.DiceMaxTarget < b.DiceMinTarget:
		return fmt.Errorf("dice targets [%.2f, %.2f] must lie inside (0, 100)", b.DiceMinTarget, b.DiceMaxTarget)
	}
	return nil
}

func NewReconstructor(tables *PayoutTables, bounds Bounds) (*Reconstructor, error) {
	if err := bounds.Validate(); err != nil {
		return nil, fmt.Errorf("invalid bounds: %w", err)
	}
	if tables == nil {
		tables = &PayoutTables{}
	}
	return &Reconstructor{tables: tables, bounds: bounds}, nil
}

// Reconstruct computes the outcome and multiplier for a revealed bet.
func (r *Reconstructor) Reconstruct(bet models.ProvablyFairBet) (Result, error) {
	seeds := Seeds{ServerSeed: bet.ServerSeed, ClientSeed: bet.ClientSeed, Nonce: bet.Nonce}
	outcome, err := r.Outcome(bet.BetID, bet.Game, seeds, bet.Params)
	if err != nil {
		return Result{}, err
	}
	mult, err := r.multiplier(bet.BetID, bet.Game, bet.Params, outcome)
	if err != nil {
		return Result{}, err
	}
	return Result{Outcome: outcome, Multiplier: mult}, nil
}

// Outcome validates the inputs and derives the game outcome.
func (r *Reconstructor) Outcome(betID string, game models.GameType, seeds Seeds, params models.GameParams) (models.CalculatedOutcome, error) {
	if seeds.ServerSeed == "" {
		return nil, &ParamError{BetID: betID, Param: "server_seed", Reason: "must not be empty"}
	}
	if seeds.ClientSeed == "" {
		return nil, &ParamError{BetID: betID, Param: "client_seed", Reason: "must not be empty"}
	}
	if seeds.Nonce < 0 {
		return nil, &ParamError{BetID: betID, Param: "nonce", Reason: fmt.Sprintf("must be >= 0, got %d", seeds.Nonce)}
	}

	switch game {
	case models.GameDice:
		if err := r.validateDice(params); err != nil {
			return nil, withBet(err, betID)
		}
		return dice(newByteStream(seeds.ServerSeed, seeds.ClientSeed, seeds.Nonce), params), nil
	case models.GameMines:
		if err := r.validateMines(params); err != nil {
			return nil, withBet(err, betID)
		}
		return mines(newByteStream(seeds.ServerSeed, seeds.ClientSeed, seeds.Nonce), r.bounds.MinesBoardSize, params), nil
	case models.GameKeno:
		if err := r.validateKeno(params); err != nil {
			return nil, withBet(err, betID)
		}
		return keno(newByteStream(seeds.ServerSeed, seeds.ClientSeed, seeds.Nonce), r.bounds.KenoPool, r.bounds.KenoDraws, params), nil
	case models.GamePlinko:
		if err := r.validatePlinko(params); err != nil {
			return nil, withBet(err, betID)
		}
		return plinko(newByteStream(seeds.ServerSeed, seeds.ClientSeed, seeds.Nonce), params.Rows), nil
	default:
		return nil, &ParamError{BetID: betID, Param: "game", Reason: fmt.Sprintf("unsupported game type %q", game)}
	}
}

func withBet(err *ParamError, betID string) *ParamError {
	err.BetID = betID
	return err
}

func dice(s *byteStream, p models.GameParams) models.DiceOutcome {
	u := uint64(s.uint32())
	hundredths := int((u * 10001) >> 32)
	target := toHundredths(p.Target)
	won := hundredths < target
	if p.RollOver {
		won = hundredths > target
	}
	return models.DiceOutcome{RollHundredths: hundredths, Won: won}
}

func mines(s *byteStream, board int, p models.GameParams) models.MinesOutcome {
	cells := make([]int, board)
	for i := range cells {
		cells[i] = i
	}
	positions := make([]int, 0, p.MineCount)
	for i := 0; i < p.MineCount; i++ {
		j := int(s.float() * float64(board-i))
		positions = append(positions, cells[j])
		cells = slices.Delete(cells, j, j+1)
	}

	out := models.MinesOutcome{MinePositions: positions}
	for _, pick := range p.Picks {
		if slices.Contains(positions, pick) {
			out.Busted = true
			return out
		}
	}
	out.SafePicks = len(p.Picks)
	return out
}

func keno(s *byteStream, pool, draws int, p models.GameParams) models.KenoOutcome {
	drawn := make([]int, 0, draws)
	seen := make(map[int]bool, draws)
	for len(drawn) < draws {
		n := int(s.float()*float64(pool)) + 1
		if seen[n] {
			continue
		}
		seen[n] = true
		drawn = append(drawn, n)
	}
	hits := 0
	for _, sel := range p.Selections {
		if seen[sel] {
			hits++
		}
	}
	return models.KenoOutcome{Drawn: drawn, Hits: hits}
}

func plinko(s *byteStream, rows int) models.PlinkoOutcome {
	path := make([]int, rows)
	bucket := 0
	for i := range path {
		path[i] = int(s.float() * 2)
		bucket += path[i]
	}
	return models.PlinkoOutcome{Path: path, BucketIndex: bucket}
}

func toHundredths(v float64) int {
	return int(math.Round(v * 100))
}

func (r *Reconstructor) validateDice(p models.GameParams) *ParamError {
	if p.Target < r.bounds.DiceMinTarget || p.Target > r.bounds.DiceMaxTarget {
		return &ParamError{Param: "target", Reason: fmt.Sprintf("%.2f outside [%.2f, %.2f]", p.Target, r.bounds.DiceMinTarget, r.bounds.DiceMaxTarget)}
	}
	return nil
}

func (r *Reconstructor) validateMines(p models.GameParams) *ParamError {
	board := r.bounds.MinesBoardSize
	if p.MineCount < 1 {
		return &ParamError{Param: "mine_count", Reason: "must be at least 1"}
	}
	if p.MineCount >= board {
		return &ParamError{Param: "mine_count", Reason: fmt.Sprintf("%d exceeds board size %d", p.MineCount, board)}
	}
	if len(p.Picks) > board-p.MineCount {
		return &ParamError{Param: "picks", Reason: fmt.Sprintf("%d picks exceed %d safe cells", len(p.Picks), board-p.MineCount)}
	}
	if err := uniqueInRange(p.Picks, 0, board-1); err != "" {
		return &ParamError{Param: "picks", Reason: err}
	}
	return nil
}

func (r *Reconstructor) validateKeno(p models.GameParams) *ParamError {
	if len(p.Selections) == 0 || len(p.Selections) > r.bounds.KenoMaxSelections {
		return &ParamError{Param: "selections", Reason: fmt.Sprintf("need 1 to %d numbers, got %d", r.bounds.KenoMaxSelections, len(p.Selections))}
	}
	if err := uniqueInRange(p.Selections, 1, r.bounds.KenoPool); err != "" {
		return &ParamError{Param: "selections", Reason: err}
	}
	return nil
}

func (r *Reconstructor) validatePlinko(p models.GameParams) *ParamError {
	if p.Rows < r.bounds.PlinkoMinRows || p.Rows > r.bounds.PlinkoMaxRows {
		return &ParamError{Param: "rows", Reason: fmt.Sprintf("%d outside [%d, %d]", p.Rows, r.bounds.PlinkoMinRows, r.bounds.PlinkoMaxRows)}
	}
	return nil
}

func uniqueInRange(values []int, lo, hi int) string {
	seen := make(map[int]bool, len(values))
	for _, v := range values {
		if v < lo || v > hi {
			return fmt.Sprintf("%d outside [%d, %d]", v, lo, hi)
		}
		if seen[v] {
			return fmt.Sprintf("duplicate value %d", v)
		}
		seen[v] = true
	}
	return ""
}

// multiplier resolves the payout multiplier of an outcome from the tables.
func (r *Reconstructor) multiplier(betID string, game models.GameType, p models.GameParams, outcome models.CalculatedOutcome) (float64, error) {
	variant := Variant(game, p)
	table, ok := r.tables.Lookup(game, variant)
	if !ok {
		return 0, &ParamError{BetID: betID, Param: "paytable", Reason: fmt.Sprintf("no payout table for %s/%s", game, variant)}
	}
	if m, ok := table.Multipliers[outcome.Bucket()]; ok {
		return m, nil
	}

	switch o := outcome.(type) {
	case models.DiceOutcome:
		if !o.Won {
			return 0, nil
		}
		chance := p.Target
		if p.RollOver {
			chance = 100 - p.Target
		}
		return roundMultiplier((1 - table.HouseEdge) * 100 / chance), nil
	case models.MinesOutcome:
		if o.Busted {
			return 0, nil
		}
		return roundMultiplier((1 - table.HouseEdge) * minesFairMultiplier(r.bounds.MinesBoardSize, p.MineCount, o.SafePicks)), nil
	}
	return 0, &ParamError{BetID: betID, Param: "paytable", Reason: fmt.Sprintf("%s/%s has no entry for bucket %s", game, variant, outcome.Bucket())}
}

// minesFairMultiplier is C(n, k) / C(n-m, k): the inverse probability of
// revealing k safe cells on an n-cell board holding m mines.
func minesFairMultiplier(n, m, k int) float64 {
	mult := 1.0
	for i := 0; i < k; i++ {
		mult *= float64(n-i) / float64(n-m-i)
	}
	return mult
}

func roundMultiplier(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// Variant names the payout table a bet settles against.
func Variant(game models.GameType, p models.GameParams) string {
	switch game {
	case models.GameMines:
		return fmt.Sprintf("%d", p.MineCount)
	case models.GameKeno:
		return fmt.Sprintf("%s-%d", riskOr(p.Risk, "classic"), len(p.Selections))
	case models.GamePlinko:
		return fmt.Sprintf("%d-%s", p.Rows, riskOr(p.Risk, "medium"))
	default:
		return DefaultVariant
	}
}

func riskOr(risk, fallback string) string {
	risk = strings.ToLower(strings.TrimSpace(risk))
	if risk == "" {
		return fallback
	}
	return risk
}
