// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package http serves a stream.Broker over the JSON API consumed by
// stream/remote.
package http

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/absmach/streamq/ratelimit"
	"github.com/absmach/streamq/server/otel"
	"github.com/absmach/streamq/stream"
	"github.com/absmach/streamq/stream/remote"
	"github.com/goccy/go-json"
)

// Default values.
const (
	DefaultMaxBlock       = 30 * time.Second
	DefaultMaxPayloadSize = 1 << 20
	DefaultPendingCount   = 10
)

type Config struct {
	Address         string
	ShutdownTimeout time.Duration
	TLSConfig       *tls.Config
	// MaxBlock caps how long one read request waits. Clients asking to block
	// longer get an empty reply at the cap and poll again.
	MaxBlock       time.Duration
	MaxPayloadSize int64
}

type Server struct {
	config  Config
	broker  stream.Broker
	logger  *slog.Logger
	metrics *otel.Metrics
	limiter *ratelimit.Manager
	server  *http.Server
	handler http.Handler
}

// Option configures optional Server collaborators.
type Option func(*Server)

// WithMetrics records request and entry metrics.
func WithMetrics(m *otel.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithRateLimiter enforces per-IP and per-stream limits.
func WithRateLimiter(m *ratelimit.Manager) Option {
	return func(s *Server) { s.limiter = m }
}

func New(cfg Config, b stream.Broker, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBlock <= 0 {
		cfg.MaxBlock = DefaultMaxBlock
	}
	if cfg.MaxPayloadSize <= 0 {
		cfg.MaxPayloadSize = DefaultMaxPayloadSize
	}

	s := &Server{
		config: cfg,
		broker: b,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/streams/{stream}/groups/{group}", s.route("create_group", s.handleCreateGroup))
	mux.HandleFunc("POST /v1/streams/{stream}/entries", s.route("append", s.handleAppend))
	mux.HandleFunc("POST /v1/streams/{stream}/groups/{group}/read", s.route("read", s.handleRead))
	mux.HandleFunc("GET /v1/streams/{stream}/groups/{group}/pending", s.route("pending", s.handlePending))
	mux.HandleFunc("POST /v1/streams/{stream}/groups/{group}/claim", s.route("claim", s.handleClaim))
	mux.HandleFunc("POST /v1/streams/{stream}/groups/{group}/ack", s.route("ack", s.handleAck))
	mux.HandleFunc("GET /v1/ping", s.route("ping", s.handlePing))

	s.handler = mux
	if s.limiter != nil {
		s.handler = s.limiter.Middleware(mux, func(w http.ResponseWriter, r *http.Request) {
			s.rateLimited(w, "request")
		})
	}

	// Blocked reads end when shutdown starts instead of holding it open.
	baseCtx, cancel := context.WithCancel(context.Background())
	s.server = &http.Server{
		Addr:        cfg.Address,
		Handler:     s.handler,
		TLSConfig:   cfg.TLSConfig,
		BaseContext: func(net.Listener) context.Context { return baseCtx },
	}
	s.server.RegisterOnShutdown(cancel)

	return s
}

// Handler returns the API handler, for embedding or httptest.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) Listen(ctx context.Context) error {
	s.logger.Info("broker_api_starting", slog.String("addr", s.config.Address))

	errCh := make(chan error, 1)
	go func() {
		if s.config.TLSConfig != nil {
			if err := s.server.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
			return
		}
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("broker_api_shutdown_initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("broker_api_shutdown_error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("broker_api_stopped")
		return nil
	}
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	name, group := r.PathValue("stream"), r.PathValue("group")

	res, err := s.broker.CreateGroup(r.Context(), name, group)
	if err != nil {
		s.writeError(w, "create_group", err)
		return
	}

	s.logger.Debug("broker_api_create_group",
		slog.String("stream", name),
		slog.String("group", group),
		slog.String("result", res.String()))

	status := http.StatusCreated
	if res == stream.GroupExists {
		status = http.StatusOK
	}
	writeJSON(w, status, remote.CreateGroupResponse{Result: res.String()})
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("stream")

	if s.limiter != nil && !s.limiter.AllowAppend(name) {
		s.rateLimited(w, "append")
		return
	}

	var req remote.AppendRequest
	if !s.decode(w, r, &req) {
		return
	}
	if int64(len(req.Data)) > s.config.MaxPayloadSize {
		writeErrorMessage(w, http.StatusRequestEntityTooLarge, "payload exceeds max size")
		return
	}

	id, err := s.broker.Append(r.Context(), name, req.Data)
	if err != nil {
		s.writeError(w, "append", err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordAppend(name, int64(len(req.Data)))
	}

	writeJSON(w, http.StatusOK, remote.AppendResponse{ID: id})
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	name, group := r.PathValue("stream"), r.PathValue("group")

	var req remote.ReadRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Consumer == "" {
		writeErrorMessage(w, http.StatusBadRequest, "consumer is required")
		return
	}

	block := s.blockFor(req.BlockMs)
	if block > 0 && s.metrics != nil {
		s.metrics.ReadBlocked()
		defer s.metrics.ReadUnblocked()
	}

	entries, err := s.broker.ReadGroup(r.Context(), name, group, req.Consumer, req.Count, block)
	if err != nil {
		s.writeError(w, "read", err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordRead(name, len(entries))
	}

	writeJSON(w, http.StatusOK, remote.EntriesResponse{Entries: nonNil(entries)})
}

// blockFor converts a requested wait into a bounded broker block duration.
func (s *Server) blockFor(ms int64) time.Duration {
	if ms < 0 {
		return stream.NoBlock
	}
	d := time.Duration(ms) * time.Millisecond
	if ms == 0 || d > s.config.MaxBlock {
		return s.config.MaxBlock
	}
	return d
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	name, group := r.PathValue("stream"), r.PathValue("group")
	q := r.URL.Query()

	start := stream.MinID
	if v := q.Get("start"); v != "" {
		id, err := stream.ParseID(v)
		if err != nil {
			writeErrorMessage(w, http.StatusBadRequest, err.Error())
			return
		}
		start = id
	}

	count := DefaultPendingCount
	if v := q.Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeErrorMessage(w, http.StatusBadRequest, "count must be a positive integer")
			return
		}
		count = n
	}

	pending, err := s.broker.PendingRange(r.Context(), name, group, start, count)
	if err != nil {
		s.writeError(w, "pending", err)
		return
	}

	resp := remote.PendingResponse{Pending: make([]remote.PendingEntry, 0, len(pending))}
	for _, p := range pending {
		resp.Pending = append(resp.Pending, remote.FromPending(p))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	name, group := r.PathValue("stream"), r.PathValue("group")

	var req remote.ClaimRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Consumer == "" {
		writeErrorMessage(w, http.StatusBadRequest, "consumer is required")
		return
	}
	if req.MinIdleMs < 0 {
		writeErrorMessage(w, http.StatusBadRequest, "min_idle_ms cannot be negative")
		return
	}

	minIdle := time.Duration(req.MinIdleMs) * time.Millisecond
	entries, err := s.broker.Claim(r.Context(), name, group, req.Consumer, minIdle, req.IDs...)
	if err != nil {
		s.writeError(w, "claim", err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordClaim(name, len(entries))
	}

	writeJSON(w, http.StatusOK, remote.EntriesResponse{Entries: nonNil(entries)})
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	name, group := r.PathValue("stream"), r.PathValue("group")

	var req remote.AckRequest
	if !s.decode(w, r, &req) {
		return
	}

	n, err := s.broker.Ack(r.Context(), name, group, req.IDs...)
	if err != nil {
		s.writeError(w, "ack", err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordAck(name, n)
	}

	writeJSON(w, http.StatusOK, remote.AckResponse{Acked: n})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.broker.(stream.Pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			s.writeError(w, "ping", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// route wraps a handler with request metrics.
func (s *Server) route(op string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		if s.metrics != nil {
			s.metrics.RecordRequest(op, rec.status, float64(time.Since(start).Microseconds())/1000)
		}
	}
}

func (s *Server) rateLimited(w http.ResponseWriter, kind string) {
	if s.metrics != nil {
		s.metrics.RecordRateLimited(kind)
	}
	w.Header().Set("Retry-After", "1")
	writeErrorMessage(w, http.StatusTooManyRequests, "rate limit exceeded")
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	// base64 inflates payloads by a third; leave headroom for the envelope.
	limit := s.config.MaxPayloadSize*4/3 + 4096
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit)).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErrorMessage(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		s.logger.Warn("broker_api_invalid_request", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
		writeErrorMessage(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("broker_api_request_failed", slog.String("op", op), slog.String("error", err.Error()))
		if s.metrics != nil {
			s.metrics.RecordError(op)
		}
	}
	writeErrorMessage(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, stream.ErrGroupNotFound):
		return http.StatusNotFound
	case errors.Is(err, stream.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, stream.ErrUnavailable), errors.Is(err, stream.ErrClosed),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeErrorMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, remote.ErrorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func nonNil(entries []stream.Entry) []stream.Entry {
	if entries == nil {
		return []stream.Entry{}
	}
	return entries
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
