package proxy

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lkarlslund/tokenrelay/pkg/config"
)

func testCatalog() *config.ModelCatalog {
	return config.NewModelCatalog([]string{"model-a", "model-b"}, "model-a")
}

func normalizeString(t *testing.T, in string) map[string]any {
	t.Helper()
	out, _, err := NormalizeRequest([]byte(in), testCatalog())
	if err != nil {
		t.Fatalf("normalize %s: %v", in, err)
	}
	var obj map[string]any
	if err := json.Unmarshal(out, &obj); err != nil {
		t.Fatalf("normalized output %s is not an object: %v", out, err)
	}
	return obj
}

func TestNormalizeRequestRewritesModelAndTier(t *testing.T) {
	cases := []struct {
		name      string
		in        string
		wantModel string
		wantTier  any
	}{
		{"allowed model kept", `{"model":"model-b"}`, "model-b", nil},
		{"unknown model replaced", `{"model":"gpt-9"}`, "model-a", nil},
		{"missing model added", `{"messages":[]}`, "model-a", nil},
		{"non-string model replaced", `{"model":7}`, "model-a", nil},
		{"case matters", `{"model":"MODEL-B"}`, "model-a", nil},
		{"flex tier kept", `{"model":"model-b","service_tier":"flex"}`, "model-b", "flex"},
		{"on_demand tier kept", `{"service_tier":"on_demand"}`, "model-a", "on_demand"},
		{"auto tier dropped", `{"service_tier":"auto"}`, "model-a", nil},
		{"null tier dropped", `{"service_tier":null}`, "model-a", nil},
		{"numeric tier dropped", `{"service_tier":1}`, "model-a", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			obj := normalizeString(t, tc.in)
			if obj["model"] != tc.wantModel {
				t.Fatalf("model = %v, want %v", obj["model"], tc.wantModel)
			}
			tier, present := obj["service_tier"]
			if tc.wantTier == nil && present {
				t.Fatalf("expected service_tier to be removed, got %v", tier)
			}
			if tc.wantTier != nil && tier != tc.wantTier {
				t.Fatalf("service_tier = %v, want %v", tier, tc.wantTier)
			}
		})
	}
}

func TestNormalizeRequestKeepsOtherFields(t *testing.T) {
	obj := normalizeString(t, `{"model":"x","stream":true,"temperature":0.25,"messages":[{"role":"user","content":"<b>hi</b>"}],"seed":12345678901234567890}`)
	if obj["stream"] != true {
		t.Fatalf("stream flag lost: %v", obj["stream"])
	}
	if obj["temperature"] != 0.25 {
		t.Fatalf("temperature changed: %v", obj["temperature"])
	}
	msgs, _ := obj["messages"].([]any)
	if len(msgs) != 1 || msgs[0].(map[string]any)["content"] != "<b>hi</b>" {
		t.Fatalf("messages changed: %v", obj["messages"])
	}

	out, _, err := NormalizeRequest([]byte(`{"seed":12345678901234567890}`), testCatalog())
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if !bytes.Contains(out, []byte(`"seed":12345678901234567890`)) {
		t.Fatalf("large integer not preserved: %s", out)
	}
	if bytes.Contains(out, []byte(`<`)) {
		t.Fatalf("html escaping applied: %s", out)
	}
}

func TestNormalizeRequestIsIdempotent(t *testing.T) {
	inputs := []string{
		`{"model":"gpt-9","service_tier":"auto","stream":true}`,
		`{"model":"model-b","service_tier":"flex"}`,
		`[1,2]`,
		`"text"`,
		`null`,
	}
	for _, in := range inputs {
		once, _, err := NormalizeRequest([]byte(in), testCatalog())
		if err != nil {
			t.Fatalf("normalize %s: %v", in, err)
		}
		twice, _, err := NormalizeRequest(once, testCatalog())
		if err != nil {
			t.Fatalf("normalize again %s: %v", once, err)
		}
		if !bytes.Equal(once, twice) {
			t.Fatalf("not idempotent: %s then %s", once, twice)
		}
	}
}

func TestNormalizeRequestLeavesNonObjectsAlone(t *testing.T) {
	for _, in := range []string{`[{"model":"x"}]`, `"x"`, `42`, `true`, `null`} {
		out, _, err := NormalizeRequest([]byte(in), testCatalog())
		if err != nil {
			t.Fatalf("normalize %s: %v", in, err)
		}
		if string(out) != in {
			t.Fatalf("non-object %s changed to %s", in, out)
		}
	}
}

func TestNormalizeRequestRejectsInvalidJSON(t *testing.T) {
	for _, in := range []string{``, `{`, `{"model":}`, `{} trailing`, "{\"content\":\"caf\xe9\"}"} {
		_, _, err := NormalizeRequest([]byte(in), testCatalog())
		if err == nil {
			t.Fatalf("expected error for %q", in)
		}
		var re *RelayError
		if !errors.As(err, &re) || re.Status != http.StatusBadRequest || re.Body != "Invalid JSON" {
			t.Fatalf("unexpected error for %q: %v", in, err)
		}
	}
}

func TestNormalizeMiddlewareRejectsBeforeUpstream(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1/chat/completions")
	cfg.MaxRequestBytes = 32
	s, err := NewServer(cfg, nil, nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	cases := []struct {
		body     string
		wantBody string
	}{
		{`{not json`, "Invalid JSON"},
		{`{"model":"model-a","messages":"` + strings.Repeat("x", 64) + `"}`, "Failed to read request body"},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/chat/completions", strings.NewReader(tc.body))
		s.Handler().ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %q, got %d", tc.body, w.Code)
		}
		if got := w.Body.String(); got != tc.wantBody {
			t.Fatalf("unexpected body %q", got)
		}
	}
}
