package storage

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Row is one record keyed by column name.
type Row map[string]any

func (r Row) String(col string) string {
	switch v := r[col].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

func (r Row) Int64(col string) int64 {
	switch v := r[col].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case float64:
		return int64(v)
	case bool:
		if v {
			return 1
		}
		return 0
	case string, []byte:
		n, _ := strconv.ParseInt(strings.TrimSpace(r.String(col)), 10, 64)
		return n
	}
	return 0
}

func (r Row) Int(col string) int { return int(r.Int64(col)) }

func (r Row) Float(col string) float64 {
	switch v := r[col].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int64:
		return float64(v)
	case int:
		return float64(v)
	case string, []byte:
		f, _ := strconv.ParseFloat(strings.TrimSpace(r.String(col)), 64)
		return f
	}
	return 0
}

func (r Row) Bool(col string) bool {
	if b, ok := r[col].(bool); ok {
		return b
	}
	return r.Int64(col) != 0
}

// Time reads a unix-millisecond column; 0 is the zero time.
func (r Row) Time(col string) time.Time {
	return fromMillis(r.Int64(col))
}

func (r Row) Duration(col string) time.Duration {
	return time.Duration(r.Int64(col)) * time.Millisecond
}

// JSON decodes a JSON text column into dst. Empty columns leave dst untouched.
func (r Row) JSON(col string, dst any) error {
	raw := strings.TrimSpace(r.String(col))
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), dst)
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func jsonText(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
