// Package toon implements TOON ("tabular object-oriented notation", §6.3): a
// tabular text encoding for arrays of uniform objects, used to cut token
// cost when injecting prior-cell output into an LLM prompt.
package toon

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// MinRows is the default row count below which arrays fall back to JSON.
const MinRows = 5

// Encode renders v as TOON when it is a uniform array of objects with at
// least MinRows rows; otherwise it falls back to JSON and reports false.
func Encode(v any) (encoded string, isTOON bool) {
	rows, keys, ok := asUniformRows(v)
	if !ok || len(rows) < MinRows {
		raw, _ := json.Marshal(v)
		return string(raw), false
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%d]{%s}:\n", len(rows), strings.Join(keys, ","))
	for _, row := range rows {
		cells := make([]string, len(keys))
		for i, k := range keys {
			cells[i] = encodeScalar(row[k])
		}
		b.WriteString("  ")
		b.WriteString(strings.Join(cells, ","))
		b.WriteString("\n")
	}
	return b.String(), true
}

// asUniformRows reports whether v is a []any / []map[string]any of objects
// sharing exactly the same key set, returning the rows and sorted key order.
func asUniformRows(v any) ([]map[string]any, []string, bool) {
	var arr []any
	switch t := v.(type) {
	case []any:
		arr = t
	case []map[string]any:
		arr = make([]any, len(t))
		for i, m := range t {
			arr[i] = m
		}
	default:
		return nil, nil, false
	}
	if len(arr) == 0 {
		return nil, nil, false
	}
	rows := make([]map[string]any, len(arr))
	var keys []string
	for i, e := range arr {
		m, ok := e.(map[string]any)
		if !ok {
			return nil, nil, false
		}
		rows[i] = m
		if i == 0 {
			keys = make([]string, 0, len(m))
			for k := range m {
				keys = append(keys, k)
			}
			sort.Strings(keys)
		} else if len(m) != len(keys) {
			return nil, nil, false
		} else {
			for _, k := range keys {
				if _, ok := m[k]; !ok {
					return nil, nil, false
				}
			}
		}
	}
	return rows, keys, true
}

// encodeScalar renders one cell value per §6.3: booleans as true/false, null
// as the literal null, numbers as canonical decimals, strings JSON-escaped
// only when they contain a comma, newline, or start with a quote.
func encodeScalar(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case string:
		if strings.ContainsAny(t, ",\n") || strings.HasPrefix(t, "\"") {
			raw, _ := json.Marshal(t)
			return string(raw)
		}
		return t
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(raw)
	}
}

// Decode parses a TOON-or-JSON string back into a native value. Unparseable
// TOON falls back to JSON parsing, per §6.3.
func Decode(s string) (any, error) {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "[") && strings.Contains(trimmed, "]{") {
		if v, err := decodeTOON(trimmed); err == nil {
			return v, nil
		}
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("toon: not valid TOON or JSON: %w", err)
	}
	return v, nil
}

func decodeTOON(s string) ([]map[string]any, error) {
	lines := strings.Split(s, "\n")
	if len(lines) == 0 {
		return nil, fmt.Errorf("toon: empty input")
	}
	header := lines[0]
	openBrace := strings.Index(header, "]{")
	closeBrace := strings.Index(header, "}:")
	if !strings.HasPrefix(header, "[") || openBrace < 0 || closeBrace < openBrace {
		return nil, fmt.Errorf("toon: malformed header %q", header)
	}
	nStr := header[1:openBrace]
	n, err := strconv.Atoi(nStr)
	if err != nil {
		return nil, fmt.Errorf("toon: malformed row count: %w", err)
	}
	keysStr := header[openBrace+2 : closeBrace]
	keys := strings.Split(keysStr, ",")

	rows := make([]map[string]any, 0, n)
	for _, line := range lines[1:] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		values, err := splitRow(line)
		if err != nil {
			return nil, err
		}
		if len(values) != len(keys) {
			return nil, fmt.Errorf("toon: row has %d values, want %d", len(values), len(keys))
		}
		row := make(map[string]any, len(keys))
		for i, k := range keys {
			row[k] = decodeScalar(values[i])
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// splitRow splits one comma-separated row, respecting JSON-quoted fields
// that may themselves contain commas.
func splitRow(line string) ([]string, error) {
	var fields []string
	var cur strings.Builder
	inQuotes := false
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == '"' && (i == 0 || line[i-1] != '\\'):
			inQuotes = !inQuotes
			cur.WriteByte(c)
		case c == ',' && !inQuotes:
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	fields = append(fields, cur.String())
	if inQuotes {
		return nil, fmt.Errorf("toon: unterminated quoted value in row %q", line)
	}
	return fields, nil
}

func decodeScalar(s string) any {
	switch s {
	case "null":
		return nil
	case "true":
		return true
	case "false":
		return false
	}
	if strings.HasPrefix(s, "\"") {
		var str string
		if err := json.Unmarshal([]byte(s), &str); err == nil {
			return str
		}
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// Sizes returns the JSON and TOON byte sizes of v, and the percentage token
// savings TOON achieves over JSON (§4.6, §6.3), for analytics attribution.
func Sizes(v any) (jsonSize, toonSize int, savingsPct float64) {
	raw, _ := json.Marshal(v)
	jsonSize = len(raw)
	encoded, _ := Encode(v)
	toonSize = len(encoded)
	if jsonSize == 0 {
		return jsonSize, toonSize, 0
	}
	savingsPct = (1 - float64(toonSize)/float64(jsonSize)) * 100
	if savingsPct < 0 {
		savingsPct = 0
	}
	return
}
