package archive

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

func (p *parser) parseDelimited(data []byte, v *vendor) *ParseError {
	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = p.cfg.Delimiter
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return fail(0, "failed to read header: %v", err)
	}
	cols, perr := resolveColumns(header, p.cfg.ColumnOverrides, v)
	if perr != nil {
		return perr
	}

	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		row, perr := p.row()
		if perr != nil {
			return perr
		}

		var csvErr *csv.ParseError
		if errors.As(err, &csvErr) {
			p.skip(row, csvErr.Err.Error(), strings.Join(record, string(p.cfg.Delimiter)))
			continue
		} else if err != nil {
			return fail(row, "failed to read row: %v", err)
		}

		raw := strings.Join(record, string(p.cfg.Delimiter))
		if len(record) != len(header) {
			p.skip(row, fmt.Sprintf("expected %d fields, got %d", len(header), len(record)), raw)
			continue
		}

		get := func(role Role) string {
			i, ok := cols[role]
			if !ok {
				return ""
			}
			return strings.TrimSpace(record[i])
		}
		bet, err := p.buildBet(get, row)
		if err != nil {
			p.skip(row, err.Error(), raw)
			continue
		}
		p.out.Bets = append(p.out.Bets, bet)
	}
}
