package usage

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
)

func mustDecode(t *testing.T, s string) any {
	t.Helper()
	v, err := DecodeDocument([]byte(s))
	if err != nil {
		t.Fatalf("decode %q: %v", s, err)
	}
	return v
}

func TestExtractTokensExamples(t *testing.T) {
	cases := []struct {
		name      string
		doc       string
		streaming bool
		want      int32
	}{
		{"buffered usage", `{"usage":{"total_tokens":42}}`, false, 42},
		{"streaming usage", `{"x_groq":{"usage":{"total_tokens":7}}}`, true, 7},
		{"empty", `{}`, false, 0},
		{"negative clamped", `{"usage":{"total_tokens":-5}}`, false, 0},
		{"above int32 clamped", `{"usage":{"total_tokens":9999999999}}`, false, math.MaxInt32},
		{"beyond int64 clamped", `{"usage":{"total_tokens":123456789012345678901234567890}}`, false, math.MaxInt32},
		{"huge exponent", `{"usage":{"total_tokens":1e400}}`, false, math.MaxInt32},
		{"fraction truncated", `{"usage":{"total_tokens":12.9}}`, false, 12},
		{"string ignored", `{"usage":{"total_tokens":"42"}}`, false, 0},
		{"null ignored", `{"usage":{"total_tokens":null}}`, false, 0},
		{"usage not object", `{"usage":5}`, false, 0},
		{"streaming flag reads x_groq only", `{"usage":{"total_tokens":42}}`, true, 0},
		{"buffered flag ignores x_groq", `{"x_groq":{"usage":{"total_tokens":7}}}`, false, 0},
		{"array document", `[1,2,3]`, false, 0},
		{"scalar document", `"text"`, true, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExtractTokens(mustDecode(t, tc.doc), tc.streaming); got != tc.want {
				t.Fatalf("ExtractTokens(%s, %v) = %d, want %d", tc.doc, tc.streaming, got, tc.want)
			}
		})
	}
}

func TestExtractTokensIsTotalOverGoValues(t *testing.T) {
	values := []any{
		nil,
		true,
		"x",
		float64(-1),
		math.NaN(),
		math.Inf(1),
		[]any{map[string]any{"usage": map[string]any{"total_tokens": 1}}},
		map[string]any{"usage": map[string]any{"total_tokens": float64(3)}},
		map[string]any{"usage": map[string]any{"total_tokens": math.NaN()}},
		map[string]any{"usage": map[string]any{"total_tokens": uint64(math.MaxUint64)}},
		map[string]any{"usage": map[string]any{"total_tokens": int64(math.MinInt64)}},
		map[string]any{"x_groq": nil},
		map[string]any{"x_groq": map[string]any{"usage": []any{}}},
	}
	for _, v := range values {
		for _, streaming := range []bool{false, true} {
			got := ExtractTokens(v, streaming)
			if got < 0 || got > math.MaxInt32 {
				t.Fatalf("ExtractTokens(%#v, %v) out of range: %d", v, streaming, got)
			}
		}
	}
	if got := ExtractTokens(map[string]any{"usage": map[string]any{"total_tokens": float64(3)}}, false); got != 3 {
		t.Fatalf("expected float64 value to be read, got %d", got)
	}
	if got := ExtractTokens(map[string]any{"usage": map[string]any{"total_tokens": uint64(math.MaxUint64)}}, false); got != math.MaxInt32 {
		t.Fatalf("expected uint64 max to clamp, got %d", got)
	}
}

func TestHasStreamingUsage(t *testing.T) {
	if !HasStreamingUsage(mustDecode(t, `{"x_groq":{"id":"r","usage":{"total_tokens":1}}}`)) {
		t.Fatal("expected usage to be detected")
	}
	if HasStreamingUsage(mustDecode(t, `{"x_groq":{"id":"r"}}`)) {
		t.Fatal("expected no usage without x_groq.usage")
	}
	if HasStreamingUsage(mustDecode(t, `{"usage":{"total_tokens":1}}`)) {
		t.Fatal("top-level usage is not the streaming marker")
	}
}

func TestDecodeDocumentKeepsNumbersExact(t *testing.T) {
	doc := mustDecode(t, `{"seed":12345678901234567890}`)
	b, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"seed":12345678901234567890}` {
		t.Fatalf("number changed on round trip: %s", b)
	}
	for _, bad := range []string{``, `{`, `{} {}`, `{}x`, `nope`} {
		if _, err := DecodeDocument([]byte(bad)); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
	if _, err := DecodeDocument([]byte("{\"content\":\"caf\xe9\"}")); !errors.Is(err, errInvalidUTF8) {
		t.Fatalf("expected invalid UTF-8 to be rejected, got %v", err)
	}
	if _, err := DecodeDocument([]byte(" {}\n\t")); err != nil {
		t.Fatalf("surrounding whitespace should be accepted: %v", err)
	}
}
