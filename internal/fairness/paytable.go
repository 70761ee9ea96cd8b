package fairness

import (
	"errors"
	"fmt"
	"io"
	"maps"

	"github.com/rewired-gh/fairoracle/internal/models"
	"gopkg.in/yaml.v3"
)

// DefaultVariant is the variant name for games with a single table (dice).
const DefaultVariant = "default"

// PayoutTable maps outcome buckets to multipliers for one game variant.
// HouseEdge feeds the fair-odds formula for dice and mines buckets that have
// no explicit entry.
type PayoutTable struct {
	Game        models.GameType    `yaml:"game"`
	Variant     string             `yaml:"variant"`
	HouseEdge   float64            `yaml:"house_edge"`
	Multipliers map[string]float64 `yaml:"multipliers"`
}

type tableKey struct {
	game    models.GameType
	variant string
}

// PayoutTables is an immutable registry of payout tables, typically one per
// casino. Build it once and share it by reference.
type PayoutTables struct {
	tables map[tableKey]PayoutTable
}

// NewPayoutTables validates and copies the given tables.
func NewPayoutTables(tables ...PayoutTable) (*PayoutTables, error) {
	out := &PayoutTables{tables: make(map[tableKey]PayoutTable, len(tables))}
	for i, t := range tables {
		game, err := models.ParseGameType(string(t.Game))
		if err != nil {
			return nil, fmt.Errorf("table %d: %w", i, err)
		}
		t.Game = game
		if t.Variant == "" {
			t.Variant = DefaultVariant
		}
		if t.HouseEdge < 0 || t.HouseEdge >= 1 {
			return nil, fmt.Errorf("table %s/%s: house_edge must be in [0, 1)", t.Game, t.Variant)
		}
		for bucket, m := range t.Multipliers {
			if m < 0 {
				return nil, fmt.Errorf("table %s/%s: bucket %s has negative multiplier", t.Game, t.Variant, bucket)
			}
		}
		if len(t.Multipliers) == 0 && game != models.GameDice && game != models.GameMines {
			return nil, fmt.Errorf("table %s/%s: multipliers must not be empty", t.Game, t.Variant)
		}
		key := tableKey{game: t.Game, variant: t.Variant}
		if _, dup := out.tables[key]; dup {
			return nil, fmt.Errorf("duplicate table %s/%s", t.Game, t.Variant)
		}
		t.Multipliers = maps.Clone(t.Multipliers)
		out.tables[key] = t
	}
	return out, nil
}

type payoutFile struct {
	Tables []PayoutTable `yaml:"tables"`
}

// LoadPayoutTables reads a YAML document of the form `tables: [...]`.
func LoadPayoutTables(r io.Reader) (*PayoutTables, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f payoutFile
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("payout table document is empty")
		}
		return nil, fmt.Errorf("failed to decode payout tables: %w", err)
	}
	return NewPayoutTables(f.Tables...)
}

// Lookup returns the table for a game variant.
func (t *PayoutTables) Lookup(game models.GameType, variant string) (PayoutTable, bool) {
	if t == nil || t.tables == nil {
		return PayoutTable{}, false
	}
	table, ok := t.tables[tableKey{game: game, variant: variant}]
	return table, ok
}

// Len returns the number of registered tables.
func (t *PayoutTables) Len() int {
	if t == nil {
		return 0
	}
	return len(t.tables)
}
