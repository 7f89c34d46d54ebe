// Package server exposes the remote access endpoint over HTTP.
package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/nuetzliches/remoteaccess/internal/dispatch"
	"github.com/nuetzliches/remoteaccess/internal/envelope"
	"github.com/nuetzliches/remoteaccess/internal/keys"
)

const (
	MarkerField      = envelope.Tag
	DefaultMaxBody   = 1 << 20
	contentTypeForm  = "application/x-www-form-urlencoded"
	contentTypeReply = "text/html; charset=utf-8"
)

// Call outcomes reported to ObserveCall.
const (
	OutcomeHandled         = "handled"
	OutcomeUnauthenticated = "unauthenticated"
	OutcomeUndecodable     = "undecodable"
	OutcomeFailed          = "failed"
	OutcomeRateLimited     = "rate_limited"
)

type keyResolver interface {
	Resolve(ctx context.Context, fingerprint string, listID int64) (keys.Context, error)
}

// Handler answers remote access calls. A call is a POST form carrying the
// marker field together with commands and key. Failures to authenticate or
// decode never surface as HTTP errors: the inbound envelope is sent back
// unchanged and the failure is logged once.
type Handler struct {
	Resolver     keyResolver
	Codec        envelope.Codec
	Dispatcher   *dispatch.Dispatcher
	Logger       *slog.Logger
	MaxBodyBytes int64
	// Limiter, when set, is consulted once per call before the key is
	// resolved. Calls over the limit get 429 and nothing is decrypted.
	Limiter     *rate.Limiter
	ObserveCall func(outcome string, sum dispatch.Summary)
}

func NewHandler(resolver keyResolver, codec envelope.Codec, d *dispatch.Dispatcher, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Resolver:     resolver,
		Codec:        codec,
		Dispatcher:   d,
		Logger:       logger,
		MaxBodyBytes: DefaultMaxBody,
	}
}

// inbound is the cleartext part of a call as received.
type inbound struct {
	Commands string
	Key      string
	ListID   int64
}

// ServeCall handles r if it is a call and reports whether it did. When it
// returns false nothing was written to w and r.Body is still readable.
func (h *Handler) ServeCall(w http.ResponseWriter, r *http.Request) bool {
	in, ok := h.readCall(r)
	if !ok {
		return false
	}
	if h.Limiter != nil && !h.Limiter.Allow() {
		h.logger().Warn("remote_access_rate_limited", slog.String("channel", dispatch.LogChannel))
		h.observe(OutcomeRateLimited, dispatch.Summary{})
		w.Header().Set("Retry-After", "1")
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return true
	}
	fragment := h.process(r.Context(), in)
	w.Header().Set("Content-Type", contentTypeReply)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, fragment)
	return true
}

func (h *Handler) process(ctx context.Context, in inbound) string {
	logger := h.logger().With(
		slog.String("channel", dispatch.LogChannel),
		slog.String("call_id", uuid.NewString()),
		slog.Int64("list_id", in.ListID),
	)

	kc, err := h.Resolver.Resolve(ctx, in.Key, in.ListID)
	if err != nil {
		if errors.Is(err, keys.ErrKeyNotFound) {
			logger.Warn("remote_access_key_not_found")
			h.observe(OutcomeUnauthenticated, dispatch.Summary{})
		} else {
			logger.Error("remote_access_key_lookup_failed", slog.Any("err", err))
			h.observe(OutcomeFailed, dispatch.Summary{})
		}
		return echo(in)
	}

	batch, err := h.Codec.Decode(in.Commands, kc.RawKey)
	if err != nil {
		logger.Warn("remote_access_decode_failed", slog.Any("err", err))
		h.observe(OutcomeUndecodable, dispatch.Summary{})
		return echo(in)
	}

	sum := h.Dispatcher.Dispatch(ctx, batch, kc)

	ciphertext, err := h.Codec.Encode(batch, kc.RawKey)
	if err != nil {
		logger.Error("remote_access_encode_failed", slog.Any("err", err))
		h.observe(OutcomeFailed, sum)
		return echo(in)
	}
	fragment, err := envelope.Wrap(envelope.Outer{Commands: ciphertext, Key: in.Key, ListID: in.ListID})
	if err != nil {
		logger.Error("remote_access_encode_failed", slog.Any("err", err))
		h.observe(OutcomeFailed, sum)
		return echo(in)
	}
	logger.Info("remote_access_call",
		slog.Bool("admin", kc.Admin),
		slog.Int("handled", sum.Handled),
		slog.Int("failed", sum.Failed),
	)
	h.observe(OutcomeHandled, sum)
	return fragment
}

// echo renders the inbound envelope as it arrived.
func echo(in inbound) string {
	fragment, err := envelope.Wrap(envelope.Outer{Commands: in.Commands, Key: in.Key, ListID: in.ListID})
	if err != nil {
		return ""
	}
	return fragment
}

// readCall parses the form of r without consuming its body for later
// handlers.
func (h *Handler) readCall(r *http.Request) (inbound, bool) {
	if r.Method != http.MethodPost || r.Body == nil {
		return inbound{}, false
	}
	if !strings.HasPrefix(strings.ToLower(r.Header.Get("Content-Type")), contentTypeForm) {
		return inbound{}, false
	}

	limit := h.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultMaxBody
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil || int64(len(body)) > limit {
		return inbound{}, false
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		return inbound{}, false
	}
	if !form.Has(MarkerField) || !form.Has("commands") || !form.Has("key") {
		return inbound{}, false
	}
	in := inbound{
		Commands: form.Get("commands"),
		Key:      form.Get("key"),
	}
	if id, err := strconv.ParseInt(strings.TrimSpace(form.Get("list_id")), 10, 64); err == nil && id > 0 {
		in.ListID = id
	}
	return in, true
}

func (h *Handler) observe(outcome string, sum dispatch.Summary) {
	if h.ObserveCall != nil {
		h.ObserveCall(outcome, sum)
	}
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// CallServer is implemented by *Handler. Wrappers that swap handlers on
// reload implement it too.
type CallServer interface {
	ServeCall(w http.ResponseWriter, r *http.Request) bool
}

// Endpoint serves calls on its own route and answers 404 to anything else.
func Endpoint(h CallServer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.ServeCall(w, r) {
			return
		}
		http.NotFound(w, r)
	})
}

// Middleware checks every request for a call before handing it to next.
// enabled is consulted per request so the mode can be switched on reload.
func Middleware(h CallServer, enabled func() bool, next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if enabled == nil || enabled() {
			if h.ServeCall(w, r) {
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
