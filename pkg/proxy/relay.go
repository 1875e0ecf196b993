package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/lkarlslund/tokenrelay/pkg/metrics"
	"github.com/lkarlslund/tokenrelay/pkg/usage"
)

const streamBufferSize = 32 * 1024

// handleCompletions relays one chat completion request. Buffered responses
// are accounted before they are returned; streamed responses are forwarded
// chunk by chunk and accounted in the background.
func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	req, ok := chatRequestFromContext(r.Context())
	if !ok {
		var err error
		if req, err = s.readChatRequest(r); err != nil {
			s.rejectRequest(w, err)
			return
		}
	}

	streaming := isStreaming(req.doc)
	mode := metrics.Mode(streaming)
	clientIP := requestClientIP(r)

	resp, err := s.sendUpstream(r.Context(), req.body, mode)
	if err != nil {
		s.fail(w, mode, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Warn("upstream returned error status", "status", resp.StatusCode, "mode", mode)
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		s.fail(w, mode, upstreamStatus(resp.StatusCode))
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	if streaming {
		s.relayStream(w, r, resp, req.body, contentType, clientIP)
		return
	}
	s.relayBuffered(w, r, resp, req.body, contentType, clientIP)
}

func isStreaming(doc any) bool {
	obj, ok := doc.(map[string]any)
	if !ok {
		return false
	}
	stream, _ := obj["stream"].(bool)
	return stream
}

func (s *Server) sendUpstream(ctx context.Context, body []byte, mode string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.upstreamURL, bytes.NewReader(body))
	if err != nil {
		return nil, upstreamUnreachable("Failed to connect to upstream service", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.upstreamAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.upstreamAPIKey)
	}
	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		log.Error("failed to send request to upstream", "err", err)
		return nil, upstreamUnreachable("Failed to connect to upstream service", err)
	}
	s.metrics.ObserveUpstream(mode, time.Since(start))
	return resp, nil
}

func (s *Server) relayBuffered(w http.ResponseWriter, r *http.Request, resp *http.Response, reqBody []byte, contentType, clientIP string) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Error("failed to read upstream response", "err", err)
		s.fail(w, metrics.ModeBuffered, upstreamUnreachable("Failed to read upstream response", err))
		return
	}
	doc, err := usage.DecodeDocument(body)
	if err != nil {
		log.Error("failed to parse upstream response", "err", err)
		s.fail(w, metrics.ModeBuffered, badUpstreamResponse(err))
		return
	}

	tokens := usage.ExtractTokens(doc, false)
	s.sink.Record(context.WithoutCancel(r.Context()), reqBody, body, clientIP, tokens)

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		log.Debug("client went away before response was written", "err", err)
	}
	s.metrics.ObserveRequest(metrics.ModeBuffered, metrics.OutcomeOK)
}

func (s *Server) relayStream(w http.ResponseWriter, r *http.Request, resp *http.Response, reqBody []byte, contentType, clientIP string) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}
	s.metrics.ObserveRequest(metrics.ModeStream, metrics.OutcomeOK)

	// The write must outlive the client connection.
	acctCtx := context.WithoutCancel(r.Context())
	tap := usageTap{onUsage: func(event []byte, tokens int32) {
		s.recordDetached(acctCtx, reqBody, event, clientIP, tokens)
	}}

	err := pumpStream(w, flusher, resp.Body, tap)
	switch {
	case err == nil:
	case errors.Is(err, errClientGone):
		log.Debug("client disconnected during stream", "err", err)
	case r.Context().Err() != nil:
	default:
		log.Warn("upstream stream failed", "err", err)
		// Abort the connection so the client sees a broken stream
		// rather than a clean end of body.
		panic(http.ErrAbortHandler)
	}
}

var errClientGone = errors.New("client disconnected")

type chunkObserver interface {
	Observe(chunk []byte)
}

// pumpStream copies src to w one read at a time, flushing after each chunk.
// Each chunk reaches the client before obs sees it. It returns nil at the
// end of src, an error wrapping errClientGone when w fails, and the read
// error otherwise.
func pumpStream(w io.Writer, flusher http.Flusher, src io.Reader, obs chunkObserver) error {
	buf := make([]byte, streamBufferSize)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			_, writeErr := w.Write(chunk)
			if writeErr == nil && flusher != nil {
				flusher.Flush()
			}
			obs.Observe(chunk)
			if writeErr != nil {
				return fmt.Errorf("%w: %w", errClientGone, writeErr)
			}
		}
		if errors.Is(readErr, io.EOF) {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

// recordDetached runs one accounting write off the response path. A panic in
// the write is logged and never reaches the stream.
func (s *Server) recordDetached(ctx context.Context, request, response []byte, clientIP string, tokens int32) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("accounting task panicked", "panic", rec)
			}
		}()
		s.sink.Record(ctx, request, response, clientIP, tokens)
	}()
}

func (s *Server) fail(w http.ResponseWriter, mode string, err error) {
	s.metrics.ObserveRequest(mode, outcomeFor(err))
	writeRelayError(w, err)
}

// usageTap inspects streamed chunks for the provider's usage event. Each
// chunk is scanned on its own; an event split across two chunks is missed.
type usageTap struct {
	onUsage func(event []byte, tokens int32)
}

// Observe reports at most one usage event per chunk.
func (t usageTap) Observe(chunk []byte) {
	for _, line := range strings.Split(string(chunk), "\n") {
		payload, ok := strings.CutPrefix(strings.TrimSuffix(line, "\r"), "data: ")
		if !ok || payload == "[DONE]" {
			continue
		}
		if !strings.Contains(payload, "x_groq") {
			continue
		}
		doc, err := usage.DecodeDocument([]byte(payload))
		if err != nil || !usage.HasStreamingUsage(doc) {
			continue
		}
		t.onUsage([]byte(payload), usage.ExtractTokens(doc, true))
		return
	}
}
