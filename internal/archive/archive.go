// Package archive turns uploaded bet-history exports into ProvablyFairBet
// records. Ingestion either yields a ParsedArchive or a *ParseError; bad rows
// are recorded as skipped and never abort the archive.
package archive

import (
	"bytes"
	"fmt"
	"io"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"github.com/rewired-gh/fairoracle/internal/logger"
	"github.com/rewired-gh/fairoracle/internal/models"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

type Format string

const (
	FormatCSV       Format = "csv"
	FormatNDJSON    Format = "ndjson"
	FormatJSON      Format = "json"
	FormatStakeCSV  Format = "stake_csv"
	FormatBCGameCSV Format = "bcgame_csv"
	FormatRoobetCSV Format = "roobet_csv"
)

// Formats lists every supported archive format.
var Formats = []Format{FormatCSV, FormatNDJSON, FormatJSON, FormatStakeCSV, FormatBCGameCSV, FormatRoobetCSV}

// DefaultMaxRows applies when Config.MaxRows is not set.
const DefaultMaxRows = 100_000

// Config controls a single ingestion.
type Config struct {
	// Format is sniffed from the content when empty.
	Format   Format
	CasinoID string
	// ColumnOverrides pins a role to a header name and wins over detection.
	ColumnOverrides map[Role]string
	MaxRows         int
	// Encoding is one of utf-8 (default), latin1, windows-1252, utf-16, utf-16be.
	Encoding  string
	Delimiter rune
	// DefaultGame is used for rows without a game column.
	DefaultGame models.GameType
}

// ParseError is fatal to the whole archive. Row is the 1-based data row the
// failure was detected at, or 0 when it is not tied to a row.
type ParseError struct {
	Reason string
	Row    int
}

func (e *ParseError) Error() string {
	if e.Row > 0 {
		return fmt.Sprintf("archive parse error at row %d: %s", e.Row, e.Reason)
	}
	return fmt.Sprintf("archive parse error: %s", e.Reason)
}

func fail(row int, format string, args ...any) *ParseError {
	return &ParseError{Reason: fmt.Sprintf(format, args...), Row: row}
}

// Parse ingests raw archive bytes.
func Parse(raw []byte, cfg Config) (archive *models.ParsedArchive, err error) {
	defer func() {
		if r := recover(); r != nil {
			archive = nil
			err = fail(0, "unexpected failure: %v", r)
		}
	}()

	if cfg.MaxRows <= 0 {
		cfg.MaxRows = DefaultMaxRows
	}
	if cfg.Delimiter == 0 {
		cfg.Delimiter = ','
	}
	if cfg.DefaultGame != "" {
		game, gerr := models.ParseGameType(string(cfg.DefaultGame))
		if gerr != nil {
			return nil, fail(0, "default game: %v", gerr)
		}
		cfg.DefaultGame = game
	}

	// Header plus MaxRows; JSON arrays are bounded while parsing instead.
	lineCap := cfg.MaxRows + 1
	if cfg.Format == FormatJSON {
		lineCap = 0
	}
	data, perr := decode(raw, cfg.Encoding, lineCap)
	if perr != nil {
		return nil, perr
	}
	data = bytes.TrimPrefix(data, []byte("\ufeff"))
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fail(0, "archive is empty")
	}

	format := cfg.Format
	if format == "" {
		format = sniff(data, cfg.Delimiter)
	}
	if !slices.Contains(Formats, format) {
		return nil, fail(0, "unsupported format %q", format)
	}

	// Line-oriented formats are bounded before any bet buffer is allocated.
	estimate := countLines(data)
	if format != FormatJSON {
		if format != FormatNDJSON {
			estimate-- // header
		}
		if estimate > cfg.MaxRows {
			return nil, fail(0, "archive has about %d rows, limit is %d", estimate, cfg.MaxRows)
		}
	} else {
		estimate = 0
	}

	p := &parser{cfg: cfg, out: &models.ParsedArchive{
		Format:   string(format),
		CasinoID: cfg.CasinoID,
		Bets:     make([]models.ProvablyFairBet, 0, max(estimate, 0)),
		Skipped:  []models.SkippedRow{},
	}}

	switch format {
	case FormatNDJSON:
		perr = p.parseNDJSON(data)
	case FormatJSON:
		perr = p.parseJSON(data)
	default:
		perr = p.parseDelimited(data, vendors[format])
	}
	if perr != nil {
		return nil, perr
	}

	p.out.ID = ulid.Make().String()
	for _, b := range p.out.Bets {
		if b.Timestamp.IsZero() {
			continue
		}
		if p.out.FirstBetAt.IsZero() || b.Timestamp.Before(p.out.FirstBetAt) {
			p.out.FirstBetAt = b.Timestamp
		}
		if b.Timestamp.After(p.out.LastBetAt) {
			p.out.LastBetAt = b.Timestamp
		}
	}
	logger.Debug("Parsed archive %s (%s): %d bets, %d skipped of %d rows",
		p.out.ID, p.out.Format, len(p.out.Bets), len(p.out.Skipped), p.out.TotalRows)
	return p.out, nil
}

type parser struct {
	cfg Config
	out *models.ParsedArchive
}

// row counts a data row and enforces the streaming row limit.
func (p *parser) row() (int, *ParseError) {
	p.out.TotalRows++
	if p.out.TotalRows > p.cfg.MaxRows {
		return p.out.TotalRows, fail(p.out.TotalRows, "archive exceeds %d rows", p.cfg.MaxRows)
	}
	return p.out.TotalRows, nil
}

func (p *parser) skip(row int, reason, raw string) {
	if len(raw) > maxRawLen {
		raw = raw[:maxRawLen]
	}
	p.out.Skipped = append(p.out.Skipped, models.SkippedRow{Row: row, Reason: reason, Raw: raw})
}

const maxRawLen = 256

// decode returns raw as UTF-8. Other encodings are transcoded as a stream that
// stops once more than lineCap non-blank lines have come out, unless the
// document turns out to be a JSON array. lineCap <= 0 disables the cap.
func decode(raw []byte, name string, lineCap int) ([]byte, *ParseError) {
	var enc encoding.Encoding
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "utf-8", "utf8":
		if !utf8.Valid(raw) {
			return nil, fail(0, "input is not valid UTF-8")
		}
		return raw, nil
	case "latin1", "latin-1", "iso-8859-1":
		enc = charmap.ISO8859_1
	case "windows-1252", "cp1252":
		enc = charmap.Windows1252
	case "utf-16", "utf-16le":
		enc = unicode.UTF16(unicode.LittleEndian, unicode.UseBOM)
	case "utf-16be":
		enc = unicode.UTF16(unicode.BigEndian, unicode.UseBOM)
	default:
		return nil, fail(0, "unsupported encoding %q", name)
	}

	r := transform.NewReader(bytes.NewReader(raw), enc.NewDecoder())
	out := make([]byte, 0, len(raw))
	buf := make([]byte, 32<<10)
	var lines lineCounter
	for {
		n, err := r.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
			if lineCap > 0 && lines.add(buf[:n]) > lineCap {
				return nil, fail(0, "archive exceeds %d rows while decoding %s input, limit is %d", lineCap-1, name, lineCap-1)
			}
		}
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fail(0, "failed to decode %s input: %v", name, err)
		}
	}
}

// lineCounter counts completed non-blank lines across chunks. It stops
// counting once the first non-blank byte opens a JSON array.
type lineCounter struct {
	lines   int
	inLine  bool
	started bool
	array   bool
}

func (c *lineCounter) add(p []byte) int {
	for _, b := range p {
		switch b {
		case '\n':
			if c.inLine {
				c.lines++
			}
			c.inLine = false
		case ' ', '\t', '\r', '\v', '\f':
		default:
			if !c.started {
				c.started = true
				c.array = b == '['
			}
			c.inLine = true
		}
	}
	if c.array {
		return 0
	}
	return c.lines
}

// sniff guesses the format from the first non-blank byte and, for delimited
// text, from the header row.
func sniff(data []byte, delim rune) Format {
	trimmed := bytes.TrimSpace(data)
	switch trimmed[0] {
	case '{':
		return FormatNDJSON
	case '[':
		return FormatJSON
	}
	header, _, _ := bytes.Cut(trimmed, []byte("\n"))
	names := strings.Split(strings.TrimRight(string(header), "\r"), string(delim))
	for _, f := range []Format{FormatStakeCSV, FormatBCGameCSV, FormatRoobetCSV} {
		if vendors[f].matches(names) {
			return f
		}
	}
	return FormatCSV
}

// countLines counts non-blank lines without allocating.
func countLines(data []byte) int {
	n := 0
	for len(data) > 0 {
		line := data
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			line, data = data[:i], data[i+1:]
		} else {
			data = nil
		}
		if len(bytes.TrimSpace(line)) > 0 {
			n++
		}
	}
	return n
}
