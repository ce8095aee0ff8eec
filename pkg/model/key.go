package model

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// ParseKey converts an ordering key value into an int64. Integer types,
// integral floats, json.Number and decimal strings are accepted; anything
// else (including NaN, fractions and empty strings) is a KeyFormatError.
func ParseKey(v any) (int64, error) {
	switch t := v.(type) {
	case int:
		return int64(t), nil
	case int8:
		return int64(t), nil
	case int16:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int64:
		return t, nil
	case uint:
		return uintKey(uint64(t), v)
	case uint8:
		return int64(t), nil
	case uint16:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case uint64:
		return uintKey(t, v)
	case float32:
		return floatKey(float64(t), v)
	case float64:
		return floatKey(t, v)
	case json.Number:
		return stringKey(string(t), v)
	case string:
		return stringKey(t, v)
	default:
		return 0, &KeyFormatError{Value: v}
	}
}

// KeyFromID recovers the ordering key from a derived id by taking the
// numeric segment after the last "-". Used for removals that only carry
// an id.
func KeyFromID(id string) (int64, error) {
	i := strings.LastIndex(id, "-")
	if i < 0 || i == len(id)-1 {
		return 0, &KeyFormatError{Value: id}
	}
	return stringKey(id[i+1:], id)
}

func uintKey(u uint64, orig any) (int64, error) {
	if u > math.MaxInt64 {
		return 0, &KeyFormatError{Value: orig}
	}
	return int64(u), nil
}

func floatKey(f float64, orig any) (int64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, &KeyFormatError{Value: orig}
	}
	// float64(math.MaxInt64) rounds up to 2^63, which int64 cannot hold
	if f >= math.MaxInt64 || f < math.MinInt64 {
		return 0, &KeyFormatError{Value: orig}
	}
	return int64(f), nil
}

func stringKey(s string, orig any) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, &KeyFormatError{Value: orig}
	}
	return n, nil
}
