package storage

import (
	"fmt"
	"strings"
)

// FormatSQLForLog interpolates positional parameters (`?` or `$n`) into a
// query string for logging only.
func FormatSQLForLog(query string, args ...any) string {
	if strings.TrimSpace(query) == "" || len(args) == 0 {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + len(args)*8)
	used := make([]bool, len(args))
	argIdx := 0
	runes := []rune(query)
	for i := 0; i < len(runes); i++ {
		ch := runes[i]
		switch {
		case ch == '?' && argIdx < len(args):
			b.WriteString(FormatSQLArg(args[argIdx]))
			used[argIdx] = true
			argIdx++
			continue
		case ch == '$' && i+1 < len(runes) && runes[i+1] >= '0' && runes[i+1] <= '9':
			j, n := i+1, 0
			for j < len(runes) && runes[j] >= '0' && runes[j] <= '9' {
				n = n*10 + int(runes[j]-'0')
				j++
			}
			if n >= 1 && n <= len(args) {
				b.WriteString(FormatSQLArg(args[n-1]))
				used[n-1] = true
				i = j - 1
				continue
			}
		}
		b.WriteRune(ch)
	}
	var rest []string
	for i, ok := range used {
		if !ok {
			rest = append(rest, FormatSQLArg(args[i]))
		}
	}
	if len(rest) > 0 {
		b.WriteString(" /* args: ")
		b.WriteString(strings.Join(rest, ", "))
		b.WriteString(" */")
	}
	return b.String()
}

// FormatSQLArg formats a SQL argument for logging only.
func FormatSQLArg(arg any) string {
	if arg == nil {
		return "NULL"
	}
	switch v := arg.(type) {
	case string:
		return "'" + strings.ReplaceAll(v, "'", "''") + "'"
	case []byte:
		return "'" + strings.ReplaceAll(string(v), "'", "''") + "'"
	case fmt.Stringer:
		return "'" + strings.ReplaceAll(v.String(), "'", "''") + "'"
	default:
		return fmt.Sprintf("%v", arg)
	}
}
