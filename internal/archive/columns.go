package archive

import (
	"slices"
	"strings"
	"unicode"
)

// Role is the meaning of an archive column.
type Role string

const (
	RoleBetID          Role = "bet_id"
	RoleGame           Role = "game"
	RoleServerSeed     Role = "server_seed"
	RoleServerSeedHash Role = "server_seed_hash"
	RoleClientSeed     Role = "client_seed"
	RoleNonce          Role = "nonce"
	RoleWager          Role = "wager"
	RolePayout         Role = "payout"
	RoleMultiplier     Role = "multiplier"
	RoleTimestamp      Role = "timestamp"
	RoleTarget         Role = "target"
	RoleRollOver       Role = "roll_over"
	RoleMineCount      Role = "mine_count"
	RolePicks          Role = "picks"
	RoleSelections     Role = "selections"
	RoleRows           Role = "rows"
	RoleRisk           Role = "risk"
	RoleResult         Role = "result"
)

// roleOrder fixes the detection order so results do not depend on map order.
var roleOrder = []Role{
	RoleServerSeedHash, RoleServerSeed, RoleClientSeed, RoleNonce,
	RoleWager, RolePayout, RoleMultiplier, RoleBetID, RoleGame, RoleTimestamp,
	RoleTarget, RoleRollOver, RoleMineCount, RolePicks, RoleSelections,
	RoleRows, RoleRisk, RoleResult,
}

// aliases are squashed header names accepted by the exact pass.
var aliases = map[Role][]string{
	RoleBetID:          {"betid", "id", "roundid"},
	RoleGame:           {"game", "gamename", "gametype"},
	RoleServerSeed:     {"serverseed", "revealedserverseed", "unhashedserverseed"},
	RoleServerSeedHash: {"serverseedhash", "serverseedhashed", "hashedserverseed"},
	RoleClientSeed:     {"clientseed"},
	RoleNonce:          {"nonce"},
	RoleWager:          {"wager", "betamount", "amount", "stake"},
	RolePayout:         {"payout", "payoutamount", "claimedpayout", "winamount"},
	RoleMultiplier:     {"multiplier", "payoutmultiplier", "claimedmultiplier"},
	RoleTimestamp:      {"timestamp", "time", "createdat", "date"},
	RoleTarget:         {"target", "rolltarget"},
	RoleRollOver:       {"rollover", "condition"},
	RoleMineCount:      {"minecount", "mines"},
	RolePicks:          {"picks", "tiles"},
	RoleSelections:     {"selections", "kenoselections", "numbers"},
	RoleRows:           {"rows"},
	RoleRisk:           {"risk"},
	RoleResult:         {"result", "outcome", "roll"},
}

// Required roles may be found by the substring pass. keywords are matched
// against squashed headers; exclude rules out look-alike columns.
var substringRoles = []struct {
	role     Role
	keywords []string
	exclude  string
}{
	{RoleWager, []string{"wager", "amount", "stake"}, "payout"},
	{RolePayout, []string{"payout"}, "multiplier"},
	{RoleServerSeedHash, []string{"serverseedhash", "hashedserverseed"}, ""},
	{RoleServerSeed, []string{"serverseed"}, "hash"},
	{RoleClientSeed, []string{"clientseed"}, ""},
	{RoleNonce, []string{"nonce"}, ""},
}

// vendor is a casino export header convention.
type vendor struct {
	headers map[Role]string
}

var vendors = map[Format]*vendor{
	FormatStakeCSV: {headers: map[Role]string{
		RoleBetID:          "bet id",
		RoleGame:           "game",
		RoleTimestamp:      "time",
		RoleWager:          "bet amount",
		RoleMultiplier:     "multiplier",
		RolePayout:         "payout",
		RoleServerSeed:     "server seed",
		RoleServerSeedHash: "server seed (hashed)",
		RoleClientSeed:     "client seed",
		RoleNonce:          "nonce",
	}},
	FormatBCGameCSV: {headers: map[Role]string{
		RoleBetID:          "betid",
		RoleGame:           "gamename",
		RoleServerSeed:     "serverseed",
		RoleServerSeedHash: "serverseedhash",
		RoleClientSeed:     "clientseed",
		RoleNonce:          "nonce",
		RoleWager:          "betamount",
		RolePayout:         "profit",
		RoleMultiplier:     "payout",
	}},
	FormatRoobetCSV: {headers: map[Role]string{
		RoleBetID:          "id",
		RoleGame:           "game_type",
		RoleServerSeed:     "server_seed",
		RoleServerSeedHash: "server_seed_hashed",
		RoleClientSeed:     "client_seed",
		RoleNonce:          "nonce",
		RoleWager:          "bet_amount",
		RolePayout:         "payout_amount",
		RoleMultiplier:     "multiplier",
	}},
}

// matches reports whether names carry every header the vendor needs to
// verify a bet.
func (v *vendor) matches(names []string) bool {
	for _, role := range []Role{RoleWager, RolePayout, RoleServerSeed, RoleClientSeed, RoleNonce} {
		if indexOf(names, v.headers[role]) < 0 {
			return false
		}
	}
	return true
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// squash lowercases and drops everything but letters and digits, so
// "Server Seed (Hashed)", "server_seed_hashed" and "serverSeedHashed" agree.
func squash(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

func indexOf(names []string, want string) int {
	want = normalize(want)
	for i, n := range names {
		if normalize(n) == want {
			return i
		}
	}
	return -1
}

// columns maps roles to field positions.
type columns map[Role]int

// resolveColumns runs detection over header names: overrides, then the vendor
// convention, then an exact alias pass, then a substring pass for required
// roles. A required role matched by more than one column is rejected.
func resolveColumns(names []string, overrides map[Role]string, v *vendor) (columns, *ParseError) {
	cols := columns{}
	used := make([]bool, len(names))
	assign := func(role Role, i int) {
		cols[role] = i
		used[i] = true
	}

	for _, role := range roleOrder {
		name, ok := overrides[role]
		if !ok {
			continue
		}
		i := indexOf(names, name)
		if i < 0 {
			return nil, fail(0, "column %q configured for %s not found in header", name, role)
		}
		assign(role, i)
	}

	if v != nil {
		for _, role := range roleOrder {
			name, ok := v.headers[role]
			if _, done := cols[role]; !ok || done {
				continue
			}
			if i := indexOf(names, name); i >= 0 && !used[i] {
				assign(role, i)
			}
		}
	}

	squashed := make([]string, len(names))
	for i, n := range names {
		squashed[i] = squash(n)
	}

	for _, role := range roleOrder {
		if _, done := cols[role]; done {
			continue
		}
		for i, s := range squashed {
			if !used[i] && slices.Contains(aliases[role], s) {
				assign(role, i)
				break
			}
		}
	}

	for _, sr := range substringRoles {
		if _, done := cols[sr.role]; done {
			continue
		}
		var candidates []int
		for i, s := range squashed {
			if used[i] || (sr.exclude != "" && strings.Contains(s, sr.exclude)) {
				continue
			}
			for _, kw := range sr.keywords {
				if strings.Contains(s, kw) {
					candidates = append(candidates, i)
					break
				}
			}
		}
		switch len(candidates) {
		case 0:
		case 1:
			assign(sr.role, candidates[0])
		default:
			found := make([]string, len(candidates))
			for j, i := range candidates {
				found[j] = names[i]
			}
			return nil, fail(0, "ambiguous %s column: %s", sr.role, strings.Join(found, ", "))
		}
	}

	for _, role := range []Role{RoleWager, RolePayout} {
		if _, ok := cols[role]; !ok {
			return nil, fail(0, "no %s column found", role)
		}
	}
	return cols, nil
}
