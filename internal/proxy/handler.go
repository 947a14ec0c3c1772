// Package proxy wires the detection pipeline, the decision engine and the
// provider clients behind the public HTTP surface.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"pasteguard/internal/auth"
	"pasteguard/internal/config"
	"pasteguard/internal/extract"
	"pasteguard/internal/language"
	"pasteguard/internal/mask"
	"pasteguard/internal/presidio"
	"pasteguard/internal/provider"
	"pasteguard/internal/ratelimit"
	"pasteguard/internal/requestlog"
	"pasteguard/internal/router"
	"pasteguard/internal/stream"
)

// Server holds the long-lived collaborators behind the HTTP handlers.
type Server struct {
	cfg      *config.Config
	engine   *router.Engine
	client   *provider.Client
	pii      *presidio.Client
	lang     *language.Detector
	store    *requestlog.Store
	limiter  *ratelimit.Limiter
	verifier *auth.Verifier
	log      *zap.Logger
}

// NewServer builds the server. pii, lang and store may be nil (disabled).
func NewServer(cfg *config.Config, engine *router.Engine, client *provider.Client, pii *presidio.Client, lang *language.Detector, store *requestlog.Store, log *zap.Logger) *Server {
	return &Server{
		cfg:      cfg,
		engine:   engine,
		client:   client,
		pii:      pii,
		lang:     lang,
		store:    store,
		limiter:  ratelimit.New(cfg.Server.RateLimit),
		verifier: auth.New(cfg.Server.APIKey),
		log:      log.Named("proxy"),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID)

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate, s.rateLimit)
		r.Post("/openai/v1/chat/completions", s.handleChat(extract.FormatOpenAI))
		r.Post("/anthropic/v1/messages", s.handleChat(extract.FormatAnthropic))
		r.Post("/api/mask", s.handleMask)
		r.Get("/api/logs", s.handleLogs)
	})

	return r
}

// ─── Middleware ─────────────────────────────────────────────────────────────

type ctxKey int

const requestIDKey ctxKey = 0

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func requestID(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey).(string)
	return id
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.verifier.Verify(auth.FromRequest(r)) {
			writeFormatError(w, formatOf(r), http.StatusUnauthorized, errTypeInvalidRequest, "invalid_api_key", "Invalid or missing proxy API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := auth.FromRequest(r)
		if key == "" {
			key = r.RemoteAddr
		}
		if s.limiter.CheckAndRecord(key) {
			writeFormatError(w, formatOf(r), http.StatusTooManyRequests, "rate_limit_error", "rate_limited", "Rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func formatOf(r *http.Request) string {
	if strings.HasPrefix(r.URL.Path, "/anthropic/") {
		return "anthropic"
	}
	return "openai"
}

// ─── Chat proxying ──────────────────────────────────────────────────────────

func (s *Server) handleChat(format string) http.HandlerFunc {
	ex, err := extract.ForFormat(format)
	if err != nil {
		panic(err)
	}

	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		body, err := io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			writeFormatError(w, format, http.StatusBadRequest, errTypeInvalidRequest, "", "Failed to read request body")
			return
		}

		var req map[string]any
		if err := json.Unmarshal(body, &req); err != nil {
			writeFormatError(w, format, http.StatusBadRequest, errTypeInvalidRequest, "", "Invalid JSON in request body")
			return
		}

		rec := requestlog.Record{
			ID:        requestID(r),
			Timestamp: start,
			Method:    r.Method,
			Path:      r.URL.Path,
			Format:    format,
			Mode:      s.cfg.Mode,
		}
		if m, ok := req["model"].(string); ok {
			rec.Model = m
		}

		out, err := s.engine.Process(r.Context(), req, ex)
		if err != nil {
			var blocked *router.BlockedError
			switch {
			case errors.As(err, &blocked):
				w.Header().Set("X-PasteGuard-Secrets-Detected", "true")
				w.Header().Set("X-PasteGuard-Secrets-Types", strings.Join(blocked.Types, ","))
				writeFormatError(w, format, http.StatusBadRequest, errTypeInvalidRequest, "secrets_detected",
					"Request blocked: secrets detected ("+strings.Join(blocked.Types, ", ")+")")
				rec.Status = http.StatusBadRequest
				rec.Blocked = true
				rec.SecretsDetected = true
				rec.SecretTypes = blocked.Types
				s.record(rec, start)
			case errors.Is(err, presidio.ErrUnavailable):
				writeFormatError(w, format, http.StatusServiceUnavailable, errTypeServer, "detection_unavailable", "PII detection service unavailable")
				rec.Status = http.StatusServiceUnavailable
				rec.Error = err.Error()
				s.record(rec, start)
			default:
				s.log.Error("pipeline failure", zap.String("request_id", rec.ID), zap.Error(err))
				writeFormatError(w, format, http.StatusInternalServerError, errTypeServer, "", "Internal error")
				rec.Status = http.StatusInternalServerError
				rec.Error = err.Error()
				s.record(rec, start)
			}
			return
		}

		target, ok := s.target(out.Provider)
		if !ok || target.Type != format {
			writeFormatError(w, format, http.StatusBadRequest, errTypeInvalidRequest, "",
				"No "+format+"-compatible provider configured for this endpoint")
			return
		}
		if target.Model != "" {
			out.Request["model"] = target.Model
		}

		forwardBody, err := json.Marshal(out.Request)
		if err != nil {
			writeFormatError(w, format, http.StatusInternalServerError, errTypeServer, "", "Failed to encode request")
			return
		}

		s.log.Info("forwarding",
			zap.String("request_id", rec.ID),
			zap.String("format", format),
			zap.String("provider", out.Provider),
			zap.String("reason", out.Reason),
			zap.Bool("pii_detected", out.PIIDetected),
			zap.Bool("secrets_detected", out.SecretsDetected))

		resp, err := s.client.Forward(r.Context(), target, forwardBody)
		if err != nil {
			writeFormatError(w, format, http.StatusBadGateway, errTypeServer, "", "Provider request failed: "+err.Error())
			rec.Status = http.StatusBadGateway
			rec.Provider = out.Provider
			rec.Error = err.Error()
			s.record(rec, start)
			return
		}
		defer resp.Body.Close()

		s.setGuardHeaders(w, out)

		rec.Provider = out.Provider
		rec.Language = out.Language.Language
		rec.LanguageFallback = out.Language.UsedFallback
		rec.PIIDetected = out.PIIDetected
		rec.PIIMasked = out.PIIMasked
		rec.SecretsDetected = out.SecretsDetected
		rec.SecretTypes = out.SecretTypes
		rec.Status = resp.Status

		if resp.IsStream {
			rec.Stream = true
			s.streamResponse(w, resp, format, out)
			s.record(rec, start)
			return
		}

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			writeFormatError(w, format, http.StatusBadGateway, errTypeServer, "", "Failed to read provider response")
			rec.Status = http.StatusBadGateway
			rec.Error = err.Error()
			s.record(rec, start)
			return
		}

		if resp.Status >= 200 && resp.Status < 300 {
			respBody = s.unmaskBody(respBody, format, out)
		} else if !providerShaped(respBody, format) {
			writeFormatError(w, format, http.StatusBadGateway, errTypeServer, "",
				"Provider returned HTTP "+strconv.Itoa(resp.Status))
			rec.Status = http.StatusBadGateway
			s.record(rec, start)
			return
		}

		contentType := resp.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "application/json"
		}
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(resp.Status)
		w.Write(respBody)
		s.record(rec, start)
	}
}

func (s *Server) target(name string) (provider.Target, bool) {
	var pc *config.ProviderConfig
	switch name {
	case router.ProviderLocal:
		pc = s.cfg.Providers.Local
	default:
		pc = s.cfg.Providers.Upstream
	}
	if pc == nil {
		return provider.Target{}, false
	}
	return provider.Target{
		Name:    name,
		Type:    pc.Type,
		BaseURL: pc.BaseURL,
		APIKey:  pc.APIKey,
		Model:   pc.Model,
	}, true
}

// setGuardHeaders emits the X-PasteGuard-* response headers. Must run before
// the status line is written.
func (s *Server) setGuardHeaders(w http.ResponseWriter, out *router.Outcome) {
	h := w.Header()
	h.Set("X-PasteGuard-Mode", s.cfg.Mode)
	h.Set("X-PasteGuard-Provider", out.Provider)
	h.Set("X-PasteGuard-PII-Detected", strconv.FormatBool(out.PIIDetected))
	if out.Language.Language != "" {
		h.Set("X-PasteGuard-Language", out.Language.Language)
	}
	if out.Language.UsedFallback {
		h.Set("X-PasteGuard-Language-Fallback", "true")
	}
	if s.cfg.Mode == config.ModeMask {
		h.Set("X-PasteGuard-PII-Masked", strconv.FormatBool(out.PIIMasked))
	}
	if out.SecretsDetected {
		h.Set("X-PasteGuard-Secrets-Detected", "true")
		h.Set("X-PasteGuard-Secrets-Types", strings.Join(out.SecretTypes, ","))
	}
	if out.SecretsMasked {
		h.Set("X-PasteGuard-Secrets-Masked", "true")
	}
}

// unmaskBody restores placeholders in a non-streaming JSON response.
func (s *Server) unmaskBody(body []byte, format string, out *router.Outcome) []byte {
	if out.Ctx == nil || out.Ctx.Len() == 0 {
		return body
	}
	var resp map[string]any
	if err := json.Unmarshal(body, &resp); err != nil {
		return body
	}
	ex, err := extract.ForFormat(format)
	if err != nil {
		return body
	}
	restored := mask.UnmaskResponse(resp, out.Ctx, s.engine.MaskConfig(), ex)
	encoded, err := json.Marshal(restored)
	if err != nil {
		return body
	}
	return encoded
}

// streamResponse pipes an SSE body through the unmasking transformer.
func (s *Server) streamResponse(w http.ResponseWriter, resp *provider.Response, format string, out *router.Outcome) {
	framing := stream.FramingOpenAI
	if format == "anthropic" {
		framing = stream.FramingAnthropic
	}

	var transformed io.ReadCloser = resp.Body
	if out.Ctx != nil && out.Ctx.Len() > 0 {
		transformed = stream.NewTransformer(resp.Body, framing, mask.RestoreStream(out.Ctx))
	}
	defer transformed.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(resp.Status)

	flusher, hasFlusher := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, readErr := transformed.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return
			}
			if hasFlusher {
				flusher.Flush()
			}
		}
		if readErr != nil {
			return
		}
	}
}

func (s *Server) record(rec requestlog.Record, start time.Time) {
	if s.store == nil {
		return
	}
	rec.LatencyMs = int(time.Since(start).Milliseconds())
	go s.store.Insert(rec)
}

// ─── Management endpoints ───────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	analyzer := "disabled"
	if s.pii != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.pii.Health(ctx); err != nil {
			analyzer = "unavailable"
		} else {
			analyzer = "ok"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"mode":     s.cfg.Mode,
		"analyzer": analyzer,
		"time":     time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeAPIError(w, http.StatusNotFound, errTypeInvalidRequest, "Request log is disabled")
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	records, err := s.store.Recent(limit)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, errTypeServer, "Failed to read request log")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"requests": records})
}
