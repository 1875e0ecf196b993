package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestStatusPageShowsTotalsAndModels(t *testing.T) {
	sink, _ := newTestStore(t)
	sink.Record(context.Background(), []byte(`{}`), []byte(`{}`), "", 1234)
	s, err := NewServer(testConfig("http://127.0.0.1:1/chat/completions"), sink, nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{">1234<", "<code>model-a</code> (default)", "<code>model-b</code>", "/ws/tokens"} {
		if !strings.Contains(body, want) {
			t.Fatalf("status page missing %q:\n%s", want, body)
		}
	}
	if got := w.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/html") {
		t.Fatalf("unexpected content-type %q", got)
	}
}

func TestModelEndpointAndHealth(t *testing.T) {
	s, err := NewServer(testConfig("http://127.0.0.1:1/chat/completions"), nil, nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/model", nil))
	var got modelInfo
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode /model: %v", err)
	}
	if got.Default != "model-a" || len(got.Allowed) != 2 || got.Allowed[1] != "model-b" {
		t.Fatalf("unexpected model info: %+v", got)
	}

	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("unexpected healthz: %d %q", w.Code, w.Body.String())
	}
}

func TestMetricsEndpointCountsRelays(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"usage":{"total_tokens":8}}`))
	}))
	defer upstream.Close()

	sink, _ := newTestStore(t)
	_, ts := newTestRelay(t, testConfig(upstream.URL), sink)
	resp, _ := postChat(t, ts.URL, `{"model":"model-a"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}

	mresp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer mresp.Body.Close()
	b, _ := io.ReadAll(mresp.Body)
	if !strings.Contains(string(b), `tokenrelay_requests_total{mode="buffered",outcome="ok"} 1`) {
		t.Fatalf("missing request counter:\n%s", b)
	}
}

func TestDrainingRejectsNewRelays(t *testing.T) {
	s, err := NewServer(testConfig("http://127.0.0.1:1/chat/completions"), nil, nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	s.draining.Store(true)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/chat/completions", strings.NewReader(`{}`)))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while draining, got %d", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "3" {
		t.Fatalf("unexpected Retry-After %q", got)
	}

	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("non-relay routes should stay up while draining, got %d", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1/chat/completions")
	cfg.CORS.AllowedOrigins = []string{"https://app.example.com"}
	s, err := NewServer(cfg, nil, nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	req := httptest.NewRequest(http.MethodOptions, "/chat/completions", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("unexpected allow-origin %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/chat/completions", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unexpected allow-origin for foreign origin %q", got)
	}
}

func TestTokenSocketPushesRunningTotal(t *testing.T) {
	prev := tokenSocketInterval
	tokenSocketInterval = 10 * time.Millisecond
	t.Cleanup(func() { tokenSocketInterval = prev })

	sink, _ := newTestStore(t)
	sink.Record(context.Background(), []byte(`{}`), []byte(`{}`), "", 5)
	_, ts := newTestRelay(t, testConfig("http://127.0.0.1:1/chat/completions"), sink)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/tokens"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var update tokenUpdate
	if err := conn.ReadJSON(&update); err != nil {
		t.Fatalf("read initial total: %v", err)
	}
	if update.Total != 5 {
		t.Fatalf("expected initial total 5, got %d", update.Total)
	}

	sink.Record(context.Background(), []byte(`{}`), []byte(`{}`), "", 3)
	if err := conn.ReadJSON(&update); err != nil {
		t.Fatalf("read update: %v", err)
	}
	if update.Total != 8 {
		t.Fatalf("expected total 8, got %d", update.Total)
	}
}

func TestTokenSocketRejectsForeignOrigin(t *testing.T) {
	_, ts := newTestRelay(t, testConfig("http://127.0.0.1:1/chat/completions"), nil)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/tokens"
	header := http.Header{}
	header.Set("Origin", "https://elsewhere.example.com")
	if _, _, err := websocket.DefaultDialer.Dial(wsURL, header); err == nil {
		t.Fatal("expected handshake to fail for foreign origin")
	}
}

func TestRunDrainsAndStops(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1/chat/completions")
	cfg.ListenAddr = "127.0.0.1:0"
	sink, _ := newTestStore(t)
	s, err := NewServer(cfg, sink, nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop")
	}
	if !s.draining.Load() {
		t.Fatal("expected server to be draining after stop")
	}
}
