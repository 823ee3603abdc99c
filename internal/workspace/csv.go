package workspace

import "strings"

// CSV tokenizer for file previews. Comma-separated; a double-quoted value
// keeps commas and newlines literal and escapes quotes as "". Unquoted
// values are whitespace-trimmed. Not a general CSV library: previews need
// exactly this grammar, including the single-empty-field reading of empty
// input.

// ParseRows tokenizes content into at most maxRows rows (0 means all).
func ParseRows(content string, maxRows int) [][]string {
	var rows [][]string
	var fields []string
	var field strings.Builder
	inQuotes := false
	quoted := false

	finishField := func() {
		v := field.String()
		if !quoted {
			v = strings.TrimSpace(v)
		}
		fields = append(fields, v)
		field.Reset()
		quoted = false
	}
	finishRow := func() bool {
		finishField()
		rows = append(rows, fields)
		fields = nil
		return maxRows > 0 && len(rows) >= maxRows
	}

	runes := []rune(content)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if inQuotes {
			if r == '"' {
				if i+1 < len(runes) && runes[i+1] == '"' {
					field.WriteRune('"')
					i++
					continue
				}
				inQuotes = false
				continue
			}
			field.WriteRune(r)
			continue
		}
		switch r {
		case '"':
			inQuotes = true
			quoted = true
		case ',':
			finishField()
		case '\r':
			if i+1 < len(runes) && runes[i+1] == '\n' {
				i++
			}
			if finishRow() {
				return rows
			}
		case '\n':
			if finishRow() {
				return rows
			}
		default:
			field.WriteRune(r)
		}
	}

	// Final row, unless the content ended on a row boundary.
	if field.Len() > 0 || quoted || len(fields) > 0 || len(rows) == 0 {
		finishRow()
	}
	return rows
}

// ParseLine tokenizes a single logical line.
func ParseLine(line string) []string {
	return ParseRows(line, 1)[0]
}

// EncodeLine serializes fields back to one CSV line, quoting only when the
// value needs it.
func EncodeLine(fields []string) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		if strings.ContainsAny(f, ",\"\n\r") || f != strings.TrimSpace(f) {
			parts[i] = `"` + strings.ReplaceAll(f, `"`, `""`) + `"`
		} else {
			parts[i] = f
		}
	}
	return strings.Join(parts, ",")
}
