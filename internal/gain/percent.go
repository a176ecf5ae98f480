package gain

import (
	"encoding/json"
	"math"
	"strings"
)

const (
	MinPercent     = 0
	MaxPercent     = 500
	DefaultPercent = 100
)

// ClampPercent limits p to [MinPercent, MaxPercent].
func ClampPercent(p int) int {
	if p < MinPercent {
		return MinPercent
	}
	if p > MaxPercent {
		return MaxPercent
	}
	return p
}

// CoercePercent turns an arbitrary gain input into a valid percent. Anything
// that is not a number becomes DefaultPercent; numbers are truncated toward
// zero and clamped. Strings use their leading integer, so "150%" is 150.
func CoercePercent(v any) int {
	switch n := v.(type) {
	case nil:
		return DefaultPercent
	case int:
		return ClampPercent(n)
	case int8:
		return ClampPercent(int(n))
	case int16:
		return ClampPercent(int(n))
	case int32:
		return ClampPercent(int(n))
	case int64:
		return clampInt64(n)
	case uint:
		return clampUint64(uint64(n))
	case uint8:
		return ClampPercent(int(n))
	case uint16:
		return ClampPercent(int(n))
	case uint32:
		return clampUint64(uint64(n))
	case uint64:
		return clampUint64(n)
	case float32:
		return clampFloat(float64(n))
	case float64:
		return clampFloat(n)
	case json.Number:
		return coerceString(n.String())
	case string:
		return coerceString(n)
	default:
		return DefaultPercent
	}
}

// Multiplier converts a percent into the linear factor applied to samples.
func Multiplier(percent int) float64 {
	return float64(percent) / 100
}

func clampInt64(n int64) int {
	if n < MinPercent {
		return MinPercent
	}
	if n > MaxPercent {
		return MaxPercent
	}
	return int(n)
}

func clampUint64(n uint64) int {
	if n > MaxPercent {
		return MaxPercent
	}
	return int(n)
}

func clampFloat(f float64) int {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return DefaultPercent
	}
	f = math.Trunc(f)
	if f < MinPercent {
		return MinPercent
	}
	if f > MaxPercent {
		return MaxPercent
	}
	return int(f)
}

func coerceString(s string) int {
	s = strings.TrimLeft(s, " \t\r\n")
	neg := false
	if s != "" && (s[0] == '+' || s[0] == '-') {
		neg = s[0] == '-'
		s = s[1:]
	}
	digits := 0
	val := 0
	for digits < len(s) && s[digits] >= '0' && s[digits] <= '9' {
		if val <= MaxPercent {
			val = val*10 + int(s[digits]-'0')
		}
		digits++
	}
	if digits == 0 {
		return DefaultPercent
	}
	if neg {
		return ClampPercent(-val)
	}
	return ClampPercent(val)
}
