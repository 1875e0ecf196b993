package usage

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"math"
	"unicode/utf8"
)

var (
	errTrailingData = errors.New("unexpected data after top-level JSON value")
	errInvalidUTF8  = errors.New("document is not valid UTF-8")
)

// DecodeDocument parses b into a generic JSON tree. Numbers are kept as
// json.Number so re-encoding never rounds large integers. Invalid UTF-8 is
// rejected rather than replaced.
func DecodeDocument(b []byte) (any, error) {
	if !utf8.Valid(b) {
		return nil, errInvalidUTF8
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errTrailingData
	}
	return v, nil
}

// Lookup walks object keys and reports whether the full path exists.
func Lookup(doc any, path ...string) (any, bool) {
	cur := doc
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// HasStreamingUsage reports whether a decoded stream event carries the
// provider's terminal usage object.
func HasStreamingUsage(doc any) bool {
	_, ok := Lookup(doc, "x_groq", "usage")
	return ok
}

// ExtractTokens returns the billed total token count of a response
// document, clamped to [0, MaxInt32]. Streamed events carry usage under
// x_groq.usage, complete responses under usage. Missing or non-numeric
// values yield 0.
func ExtractTokens(doc any, streaming bool) int32 {
	var raw any
	var ok bool
	if streaming {
		raw, ok = Lookup(doc, "x_groq", "usage", "total_tokens")
	} else {
		raw, ok = Lookup(doc, "usage", "total_tokens")
	}
	if !ok {
		return 0
	}
	return clampTokens(raw)
}

func clampTokens(raw any) int32 {
	switch v := raw.(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return clampInt(n)
		}
		if f, err := v.Float64(); err == nil {
			return clampFloat(f)
		}
		// Out of float64 range; only the sign matters.
		if len(v) > 0 && v[0] == '-' {
			return 0
		}
		return math.MaxInt32
	case float64:
		return clampFloat(v)
	case float32:
		return clampFloat(float64(v))
	case int:
		return clampInt(int64(v))
	case int32:
		return clampInt(int64(v))
	case int64:
		return clampInt(v)
	case uint64:
		if v > math.MaxInt32 {
			return math.MaxInt32
		}
		return int32(v)
	default:
		return 0
	}
}

func clampInt(n int64) int32 {
	switch {
	case n < 0:
		return 0
	case n > math.MaxInt32:
		return math.MaxInt32
	default:
		return int32(n)
	}
}

func clampFloat(f float64) int32 {
	switch {
	case math.IsNaN(f), f <= 0:
		return 0
	case f >= math.MaxInt32:
		return math.MaxInt32
	default:
		return int32(math.Trunc(f))
	}
}
