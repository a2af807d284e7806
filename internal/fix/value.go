package fix

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"strconv"
)

// truthy reports whether a raw json value counts as set. null, false, 0 and
// the empty string do not.
func truthy(v json.RawMessage) bool {
	if len(v) == 0 {
		return false
	}
	switch v[0] {
	case 'n', 'f':
		return false
	case 't', '{', '[':
		return true
	case '"':
		return string(v) != `""`
	default:
		n, err := strconv.ParseFloat(string(v), 64)
		if err != nil {
			// out of range numbers are infinite, and infinity is set
			return errors.Is(err, strconv.ErrRange)
		}
		return n != 0
	}
}

// coerceString turns an identifier value into its map key form.
func coerceString(v json.RawMessage) string {
	switch v[0] {
	case '"':
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return string(v)
		}
		return s
	case 't', 'f', 'n':
		return string(v)
	case '{', '[':
		buf := &bytes.Buffer{}
		if err := json.Compact(buf, v); err != nil {
			return string(v)
		}
		return buf.String()
	default:
		n, err := strconv.ParseFloat(string(v), 64)
		if err != nil {
			return string(v)
		}
		return formatNumber(n)
	}
}

func formatNumber(n float64) string {
	abs := math.Abs(n)
	if abs >= 1e21 || (abs != 0 && abs < 1e-6) {
		return strconv.FormatFloat(n, 'g', -1, 64)
	}
	return strconv.FormatFloat(n, 'f', -1, 64)
}

// parseMillis reads a sender timestamp. Non numeric values read as 0 and are
// still forwarded untouched.
func parseMillis(v json.RawMessage) int64 {
	n, err := strconv.ParseFloat(string(v), 64)
	if err != nil || math.IsInf(n, 0) {
		return 0
	}
	return int64(n)
}
