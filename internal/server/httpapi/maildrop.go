// Package httpapi is the server-to-server transport: peers POST transit
// frames to the maildrop.
package httpapi

import (
	"context"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/and161185/fanrelay/internal/envelope"
	"github.com/and161185/fanrelay/internal/metrics"
	"github.com/and161185/fanrelay/internal/sender"
)

// maxFrameBytes bounds a transit frame body.
const maxFrameBytes = 4 << 20

// Maildrop receives frames relayed by peer servers.
type Maildrop interface {
	ReceiveFrame(ctx context.Context, f envelope.TransitFrame) (envelope.Ack, error)
}

// Handler serves the maildrop routes.
type Handler struct {
	drop Maildrop
	log  *zap.Logger
}

// NewRouter builds the HTTP router: the maildrop, a health probe and the
// prometheus registry.
func NewRouter(drop Maildrop, log *zap.Logger) *mux.Router {
	h := &Handler{drop: drop, log: log}
	r := mux.NewRouter()
	r.Use(h.logging)
	r.HandleFunc(sender.MaildropPath, h.Receive).Methods(http.MethodPost)
	r.HandleFunc("/healthz", h.Health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	return r
}

// Receive answers a transit frame with an ack. Malformed bodies get 400;
// transient failures get 503 so the relaying server retries.
func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFrameBytes))
	if err != nil {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}
	var f envelope.TransitFrame
	if err := json.Unmarshal(raw, &f); err != nil || f.ServerKey.IsZero() {
		http.Error(w, "invalid transit frame", http.StatusBadRequest)
		return
	}

	ack, err := h.drop.ReceiveFrame(r.Context(), f)
	if err != nil {
		h.log.Warn("maildrop unavailable", zap.Stringer("server", f.ServerKey), zap.Error(err))
		http.Error(w, "try again", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *Handler) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.log.Debug("http",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("code", rec.code),
			zap.Duration("dur", time.Since(start)),
			zap.String("peer", r.RemoteAddr),
		)
	})
}
