package proxy

import (
	"html/template"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/lkarlslund/tokenrelay/pkg/version"
)

var tokenSocketInterval = time.Second

var statusTemplate = template.Must(template.New("status").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>tokenrelay</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 40rem; margin: 3rem auto; color: #222; }
.total { font-size: 3rem; font-weight: 600; }
code { background: #f2f2f2; padding: 0 .25rem; }
</style>
</head>
<body>
<h1>tokenrelay</h1>
<p>Tokens relayed</p>
<p class="total" id="total">{{.Total}}</p>
<h2>Models</h2>
<ul>
{{range .Models}}<li><code>{{.}}</code>{{if eq . $.Default}} (default){{end}}</li>
{{end}}</ul>
<p>Send OpenAI-style requests to <code>POST /chat/completions</code>.
The model settings are served as JSON at <code>GET /model</code>.</p>
<p><small>{{.Version}}</small></p>
<script>
(function () {
  var proto = location.protocol === "https:" ? "wss://" : "ws://";
  var ws = new WebSocket(proto + location.host + "/ws/tokens");
  ws.onmessage = function (ev) {
    try { document.getElementById("total").textContent = JSON.parse(ev.data).total; } catch (e) {}
  };
})();
</script>
</body>
</html>
`))

type statusPage struct {
	Total   int64
	Models  []string
	Default string
	Version string
}

type modelInfo struct {
	Default string   `json:"default"`
	Allowed []string `json:"allowed"`
}

type tokenUpdate struct {
	Total int64 `json:"total"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	page := statusPage{
		Total:   s.sink.TotalTokens(r.Context()),
		Models:  s.catalog.Models(),
		Default: s.catalog.Default(),
		Version: version.String(),
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := statusTemplate.Execute(w, page); err != nil {
		log.Warn("failed to render status page", "err", err)
	}
}

func (s *Server) handleModel(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, modelInfo{
		Default: s.catalog.Default(),
		Allowed: s.catalog.Models(),
	})
}

func sameOrigin(req *http.Request) bool {
	origin := strings.TrimSpace(req.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, req.Host)
}

// handleTokenSocket pushes the running token total whenever it changes.
func (s *Server) handleTokenSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: sameOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	base := s.sink.TotalTokens(r.Context())
	start := s.sink.Tokens()
	last := start
	if err := conn.WriteJSON(tokenUpdate{Total: base}); err != nil {
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	tick := time.NewTicker(tokenSocketInterval)
	defer tick.Stop()
	pingTicker := time.NewTicker(25 * time.Second)
	defer pingTicker.Stop()
	for {
		select {
		case <-done:
			return
		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-tick.C:
			now := s.sink.Tokens()
			if now == last {
				continue
			}
			last = now
			if err := conn.WriteJSON(tokenUpdate{Total: base + now - start}); err != nil {
				return
			}
		}
	}
}
