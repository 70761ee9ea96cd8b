package archive

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

const maxLineBytes = 1 << 20

func (p *parser) parseNDJSON(data []byte) *ParseError {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	cache := map[string]columns{}
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		row, perr := p.row()
		if perr != nil {
			return perr
		}
		var v any
		dec := json.NewDecoder(bytes.NewReader(line))
		dec.UseNumber()
		if err := dec.Decode(&v); err != nil {
			p.skip(row, fmt.Sprintf("invalid JSON: %v", err), string(line))
			continue
		}
		p.object(v, row, string(line), cache)
	}
	if err := sc.Err(); err != nil {
		return fail(p.out.TotalRows+1, "failed to read line: %v", err)
	}
	return nil
}

// parseJSON streams a top-level array, or the "bets" array of an object,
// one element at a time.
func (p *parser) parseJSON(data []byte) *ParseError {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return fail(0, "invalid JSON: %v", err)
	}
	switch tok {
	case json.Delim('['):
	case json.Delim('{'):
		if perr := seekBets(dec); perr != nil {
			return perr
		}
	default:
		return fail(0, "expected a JSON array or object, got %v", tok)
	}

	cache := map[string]columns{}
	for dec.More() {
		row, perr := p.row()
		if perr != nil {
			return perr
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			// The stream cannot be resynchronised after a syntax error.
			return fail(row, "invalid JSON: %v", err)
		}
		var v any
		elem := json.NewDecoder(bytes.NewReader(raw))
		elem.UseNumber()
		if err := elem.Decode(&v); err != nil {
			return fail(row, "invalid JSON: %v", err)
		}
		p.object(v, row, string(raw), cache)
	}
	if _, err := dec.Token(); err != nil {
		return fail(p.out.TotalRows, "unterminated bets array: %v", err)
	}
	return nil
}

// seekBets advances dec to the opening bracket of the "bets" field.
func seekBets(dec *json.Decoder) *ParseError {
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fail(0, "invalid JSON: %v", err)
		}
		key, _ := tok.(string)
		if key != "bets" {
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return fail(0, "invalid JSON: %v", err)
			}
			continue
		}
		tok, err = dec.Token()
		if err != nil {
			return fail(0, "invalid JSON: %v", err)
		}
		if tok != json.Delim('[') {
			return fail(0, `"bets" must be an array`)
		}
		return nil
	}
	return fail(0, `object has no "bets" array`)
}

// object maps one decoded record through column detection on its keys.
// Records with the same key set share a resolution.
func (p *parser) object(v any, row int, raw string, cache map[string]columns) {
	obj, ok := v.(map[string]any)
	if !ok {
		p.skip(row, "record is not an object", raw)
		return
	}
	flat := flatten(obj)
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	sig := strings.Join(keys, "\x00")
	cols, ok := cache[sig]
	if !ok {
		var perr *ParseError
		cols, perr = resolveColumns(keys, p.cfg.ColumnOverrides, nil)
		if perr != nil {
			p.skip(row, perr.Reason, raw)
			return
		}
		cache[sig] = cols
	}

	get := func(role Role) string {
		i, ok := cols[role]
		if !ok {
			return ""
		}
		return flat[keys[i]]
	}
	bet, err := p.buildBet(get, row)
	if err != nil {
		p.skip(row, err.Error(), raw)
		return
	}
	p.out.Bets = append(p.out.Bets, bet)
}

// flatten renders scalar and list values as strings and lifts the fields of a
// nested "params" object to the top level.
func flatten(obj map[string]any) map[string]string {
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		if nested, ok := v.(map[string]any); ok && strings.EqualFold(k, "params") {
			for nk, nv := range nested {
				if _, taken := obj[nk]; !taken {
					out[nk] = scalar(nv)
				}
			}
			continue
		}
		out[k] = scalar(v)
	}
	return out
}

func scalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case []any:
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = scalar(e)
		}
		return strings.Join(parts, "|")
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
