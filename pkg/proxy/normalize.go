package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/charmbracelet/log"

	"github.com/lkarlslund/tokenrelay/pkg/config"
	"github.com/lkarlslund/tokenrelay/pkg/metrics"
	"github.com/lkarlslund/tokenrelay/pkg/usage"
)

var allowedServiceTiers = map[string]struct{}{
	"flex":      {},
	"on_demand": {},
}

var errBodyTooLarge = errors.New("request body too large")

type chatRequest struct {
	body []byte
	doc  any
}

type chatRequestKey struct{}

func chatRequestFromContext(ctx context.Context) (*chatRequest, bool) {
	req, ok := ctx.Value(chatRequestKey{}).(*chatRequest)
	return req, ok && req != nil
}

// NormalizeDocument coerces service_tier and model in a request object.
// Anything other than a JSON object is returned untouched.
func NormalizeDocument(doc any, catalog *config.ModelCatalog) any {
	obj, ok := doc.(map[string]any)
	if !ok {
		return doc
	}
	if tier, ok := obj["service_tier"].(string); !ok {
		delete(obj, "service_tier")
	} else if _, allowed := allowedServiceTiers[tier]; !allowed {
		delete(obj, "service_tier")
	}
	if model, ok := obj["model"].(string); !ok || !catalog.Allows(model) {
		obj["model"] = catalog.Default()
	}
	return obj
}

// NormalizeRequest parses, normalizes and re-encodes a raw request body.
func NormalizeRequest(body []byte, catalog *config.ModelCatalog) ([]byte, any, error) {
	doc, err := usage.DecodeDocument(body)
	if err != nil {
		return nil, nil, malformedInput("Invalid JSON", err)
	}
	doc = NormalizeDocument(doc, catalog)
	out, err := encodeDocument(doc)
	if err != nil {
		return nil, nil, malformedInput("Failed to serialize request", err)
	}
	return out, doc, nil
}

func encodeDocument(doc any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%w: limit %d bytes", errBodyTooLarge, limit)
	}
	return body, nil
}

// readChatRequest reads and normalizes the request body.
func (s *Server) readChatRequest(r *http.Request) (*chatRequest, error) {
	raw, err := readLimitedBody(r, s.maxRequestBytes)
	if err != nil {
		return nil, malformedInput("Failed to read request body", err)
	}
	body, doc, err := NormalizeRequest(raw, s.catalog)
	if err != nil {
		return nil, err
	}
	return &chatRequest{body: body, doc: doc}, nil
}

// normalizeRequest is the middleware in front of the completions handler.
// It replaces the request body with the normalized document so everything
// downstream sees only valid model and tier values.
func (s *Server) normalizeRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, err := s.readChatRequest(r)
		if err != nil {
			s.rejectRequest(w, err)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(req.body))
		r.ContentLength = int64(len(req.body))
		ctx := context.WithValue(r.Context(), chatRequestKey{}, req)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) rejectRequest(w http.ResponseWriter, err error) {
	log.Debug("rejected chat request", "err", err)
	s.metrics.ObserveRequest(metrics.ModeUnknown, outcomeFor(err))
	writeRelayError(w, err)
}
