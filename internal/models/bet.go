package models

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// GameType is the closed set of provably-fair game families we can reconstruct.
type GameType string

const (
	GameDice   GameType = "dice"
	GameMines  GameType = "mines"
	GameKeno   GameType = "keno"
	GamePlinko GameType = "plinko"
)

// GameTypes lists the supported families.
var GameTypes = []GameType{GameDice, GameMines, GameKeno, GamePlinko}

// ParseGameType normalizes vendor spellings ("Dice", " PLINKO ") to a GameType.
func ParseGameType(v string) (GameType, error) {
	g := GameType(strings.ToLower(strings.TrimSpace(v)))
	if slices.Contains(GameTypes, g) {
		return g, nil
	}
	return "", fmt.Errorf("unsupported game type %q", v)
}

// GameParams carries the per-game settings a bet was placed with. Only the
// fields of the bet's game are read.
type GameParams struct {
	Target   float64 `json:"target,omitempty"`
	RollOver bool    `json:"roll_over,omitempty"`

	MineCount int   `json:"mine_count,omitempty"`
	Picks     []int `json:"picks,omitempty"`

	Selections []int `json:"selections,omitempty"`

	Rows int    `json:"rows,omitempty"`
	Risk string `json:"risk,omitempty"`
}

// ProvablyFairBet is one wager plus the commitment needed to recompute it.
// ServerSeed is empty until the casino reveals it; ServerSeedHash is the
// pre-play commitment.
type ProvablyFairBet struct {
	BetID             string            `json:"bet_id"`
	Game              GameType          `json:"game"`
	ServerSeed        string            `json:"server_seed,omitempty"`
	ServerSeedHash    string            `json:"server_seed_hash,omitempty"`
	ClientSeed        string            `json:"client_seed"`
	Nonce             int64             `json:"nonce"`
	Wager             decimal.Decimal   `json:"wager"`
	ClaimedPayout     decimal.Decimal   `json:"claimed_payout"`
	ClaimedMultiplier *float64          `json:"claimed_multiplier,omitempty"`
	ClaimedOutcome    CalculatedOutcome `json:"-"`
	Params            GameParams        `json:"params"`
	Timestamp         time.Time         `json:"timestamp"`
}

// Revealed reports whether the server seed is available for reconstruction.
func (b *ProvablyFairBet) Revealed() bool {
	return b.ServerSeed != ""
}

// CalculatedOutcome is the closed set of per-game outcomes. Implementations
// live in this package only.
type CalculatedOutcome interface {
	Game() GameType
	// Bucket is the payout-table key of the outcome.
	Bucket() string
	Equal(other CalculatedOutcome) bool
	isOutcome()
}

// DiceOutcome stores the roll in hundredths so comparisons are exact.
type DiceOutcome struct {
	RollHundredths int  `json:"roll_hundredths"`
	Won            bool `json:"won"`
}

func (DiceOutcome) Game() GameType { return GameDice }
func (DiceOutcome) isOutcome()     {}

func (o DiceOutcome) Roll() float64 { return float64(o.RollHundredths) / 100 }

func (o DiceOutcome) Bucket() string {
	if o.Won {
		return "win"
	}
	return "loss"
}

func (o DiceOutcome) Equal(other CalculatedOutcome) bool {
	d, ok := other.(DiceOutcome)
	return ok && d.RollHundredths == o.RollHundredths
}

// MinesOutcome holds mine cells in placement order.
type MinesOutcome struct {
	MinePositions []int `json:"mine_positions"`
	Busted        bool  `json:"busted"`
	SafePicks     int   `json:"safe_picks"`
}

func (MinesOutcome) Game() GameType { return GameMines }
func (MinesOutcome) isOutcome()     {}

func (o MinesOutcome) Bucket() string {
	if o.Busted {
		return "bust"
	}
	return strconv.Itoa(o.SafePicks)
}

// Equal compares mine layouts as sets; exports often sort the positions.
func (o MinesOutcome) Equal(other CalculatedOutcome) bool {
	m, ok := other.(MinesOutcome)
	return ok && sameSet(o.MinePositions, m.MinePositions)
}

type KenoOutcome struct {
	Drawn []int `json:"drawn"`
	Hits  int   `json:"hits"`
}

func (KenoOutcome) Game() GameType { return GameKeno }
func (KenoOutcome) isOutcome()     {}

func (o KenoOutcome) Bucket() string { return strconv.Itoa(o.Hits) }

func (o KenoOutcome) Equal(other CalculatedOutcome) bool {
	k, ok := other.(KenoOutcome)
	return ok && sameSet(o.Drawn, k.Drawn)
}

// PlinkoOutcome: Path holds 0 (left) / 1 (right) per row.
type PlinkoOutcome struct {
	Path        []int `json:"path"`
	BucketIndex int   `json:"bucket"`
}

func (PlinkoOutcome) Game() GameType { return GamePlinko }
func (PlinkoOutcome) isOutcome()     {}

func (o PlinkoOutcome) Bucket() string { return strconv.Itoa(o.BucketIndex) }

// Equal compares buckets, and paths too when both sides carry one.
func (o PlinkoOutcome) Equal(other CalculatedOutcome) bool {
	p, ok := other.(PlinkoOutcome)
	if !ok || p.BucketIndex != o.BucketIndex {
		return false
	}
	if len(o.Path) > 0 && len(p.Path) > 0 {
		return slices.Equal(o.Path, p.Path)
	}
	return true
}

func sameSet(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	as := slices.Clone(a)
	bs := slices.Clone(b)
	slices.Sort(as)
	slices.Sort(bs)
	return slices.Equal(as, bs)
}

// DescribeOutcome renders an outcome for messages and logs.
func DescribeOutcome(o CalculatedOutcome) string {
	switch v := o.(type) {
	case nil:
		return "n/a"
	case DiceOutcome:
		return fmt.Sprintf("roll %.2f", v.Roll())
	case MinesOutcome:
		return fmt.Sprintf("mines %v", v.MinePositions)
	case KenoOutcome:
		return fmt.Sprintf("drawn %v (%d hits)", v.Drawn, v.Hits)
	case PlinkoOutcome:
		return fmt.Sprintf("bucket %d", v.BucketIndex)
	default:
		return fmt.Sprintf("%v", v)
	}
}
