package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/agentworkforce/caserelay/internal/caserelay"
	"github.com/agentworkforce/caserelay/internal/realtime"
)

type ServerConfig struct {
	JWTSecret       string
	JWTAudience     string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Logger          *slog.Logger
}

type Server struct {
	service     *caserelay.Service
	hub         *realtime.Hub
	cfg         ServerConfig
	auth        *authenticator
	rateLimiter *rateLimiter
	logger      *slog.Logger
	router      chi.Router
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

var validate = validator.New()

// connectorPaths maps URL segments onto connectors.
var connectorPaths = map[string]caserelay.Connector{
	"digilocker":   caserelay.ConnectorDigiLocker,
	"fir":          caserelay.ConnectorFIR,
	"land-records": caserelay.ConnectorLandRecords,
	"ecourts":      caserelay.ConnectorECourtsSync,
}

func NewServer(service *caserelay.Service, hub *realtime.Hub, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	s := &Server{
		service:     service,
		hub:         hub,
		cfg:         cfg,
		auth:        &authenticator{secret: []byte(cfg.JWTSecret), audience: cfg.JWTAudience},
		rateLimiter: limiter,
		logger:      logger,
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(s.rateLimit)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/v1/realtime", s.handleRealtime)
	r.Post("/v1/hearings/livekit/webhook", s.handleLivekitWebhook)

	r.Group(func(r chi.Router) {
		r.Use(s.requireUser)
		r.Route("/v1/integrations", func(r chi.Router) {
			r.Post("/sync-all", s.handleSyncAll)
			r.Post("/sync-case/{caseId}", s.handleSyncCase)
			r.Get("/jobs/{jobId}", s.handleJobStatus)
			r.Post("/{connector}/fetch/{caseId}", s.handleConnectorFetch)
			r.Get("/{connector}/requests", s.handleConnectorRequests)
			r.Get("/{connector}/requests/{requestId}", s.handleConnectorRequest)
		})
		r.Route("/v1/hearings/{hearingId}", func(r chi.Router) {
			r.Get("/transcript-segments", s.handleTranscriptSegments)
			r.Get("/transcript-insights", s.handleTranscriptInsights)
			r.Post("/transcript/manual", s.handleManualTranscript)
		})
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.rateLimiter == nil || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.RemoteAddr
		if host, _, err := net.SplitHostPort(key); err == nil {
			key = host
		}
		if !s.rateLimiter.allow(key, time.Now()) {
			w.Header().Set("Retry-After", strconv.Itoa(int(s.cfg.RateLimitWindow.Seconds())))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", getCorrelationID(r))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("access_token")
	}
	p, authErr := s.auth.parse(token)
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	if err := s.hub.Serve(w, r, p.UserID); err != nil {
		s.logger.Debug("realtime connection closed", "user_id", p.UserID, "err", err)
	}
}

// handleLivekitWebhook always answers 200 with the processing envelope so the
// sender does not retry skipped deliveries.
func (s *Server) handleLivekitWebhook(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	token := webhookToken(r.Header)
	result, err := s.service.HandleLivekitWebhook(r.Context(), body, token)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// webhookTokenHeaders are checked in order; the LiveKit names are aliases.
var webhookTokenHeaders = []string{"X-Webhook-Token", "X-Livekit-Token", "X-Livekit-Webhook-Token"}

func webhookToken(h http.Header) string {
	for _, name := range webhookTokenHeaders {
		if token := h.Get(name); token != "" {
			return token
		}
	}
	return ""
}

func (s *Server) handleSyncAll(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	result, err := s.service.EnqueueUserCaseSync(r.Context(), p.UserID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSyncCase(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	jobID, err := s.service.EnqueueCaseSync(r.Context(), p.UserID, chi.URLParam(r, "caseId"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"jobId": jobID})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	status, err := s.service.GetJobStatus(r.Context(), p.UserID, chi.URLParam(r, "jobId"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type connectorFetchBody struct {
	Reference string `json:"reference,omitempty" validate:"omitempty,max=128"`
	Note      string `json:"note,omitempty" validate:"omitempty,max=1000"`
}

func (s *Server) handleConnectorFetch(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	connector, ok := connectorFromPath(w, r)
	if !ok {
		return
	}
	var body connectorFetchBody
	if !s.decodeOptionalJSONBody(w, r, correlationID, &body) {
		return
	}
	extra := map[string]any{}
	if body.Reference != "" {
		extra["reference"] = body.Reference
	}
	if body.Note != "" {
		extra["note"] = body.Note
	}
	p, _ := principalFrom(r.Context())
	result, err := s.service.CreateConnectorRequest(r.Context(), p.UserID, chi.URLParam(r, "caseId"), connector, extra)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

func (s *Server) handleConnectorRequests(w http.ResponseWriter, r *http.Request) {
	connector, ok := connectorFromPath(w, r)
	if !ok {
		return
	}
	p, _ := principalFrom(r.Context())
	requests, err := s.service.ListConnectorRequests(r.Context(), p.UserID, connector, strings.TrimSpace(r.URL.Query().Get("caseId")))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": requests})
}

func (s *Server) handleConnectorRequest(w http.ResponseWriter, r *http.Request) {
	connector, ok := connectorFromPath(w, r)
	if !ok {
		return
	}
	p, _ := principalFrom(r.Context())
	req, err := s.service.GetConnectorRequest(r.Context(), p.UserID, connector, chi.URLParam(r, "requestId"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleTranscriptSegments(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	segments, err := s.service.ListTranscriptSegments(r.Context(), p.UserID, chi.URLParam(r, "hearingId"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": segments})
}

func (s *Server) handleTranscriptInsights(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	insights, err := s.service.GetTranscriptInsights(r.Context(), p.UserID, chi.URLParam(r, "hearingId"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, insights)
}

func (s *Server) handleManualTranscript(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var in caserelay.ManualTranscriptInput
	if !s.decodeJSONBody(w, r, correlationID, &in) {
		return
	}
	if err := validate.Struct(in); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", validationMessage(err), correlationID)
		return
	}
	p, _ := principalFrom(r.Context())
	result, err := s.service.IngestManualTranscript(r.Context(), p.UserID, chi.URLParam(r, "hearingId"), in)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func connectorFromPath(w http.ResponseWriter, r *http.Request) (caserelay.Connector, bool) {
	connector, ok := connectorPaths[chi.URLParam(r, "connector")]
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown connector", getCorrelationID(r))
		return "", false
	}
	return connector, true
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	correlationID := getCorrelationID(r)
	var inputErr *caserelay.InputError
	switch {
	case errors.As(err, &inputErr):
		writeError(w, http.StatusBadRequest, "bad_request", inputErr.Message, correlationID)
	case errors.Is(err, caserelay.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, caserelay.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "resource not found", correlationID)
	case errors.Is(err, caserelay.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error(), correlationID)
	case errors.Is(err, caserelay.ErrQueueFull), errors.Is(err, caserelay.ErrQueueClosed):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "queue_unavailable", err.Error(), correlationID)
	default:
		s.logger.Error("request failed", "path", r.URL.Path, "err", err, "correlation_id", correlationID)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", correlationID)
	}
}

func validationMessage(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return "invalid request body"
	}
	first := fieldErrs[0]
	switch first.Tag() {
	case "required":
		return strings.ToLower(first.Field()) + " is required"
	case "max":
		return strings.ToLower(first.Field()) + " exceeds maximum length " + first.Param()
	default:
		return strings.ToLower(first.Field()) + " is invalid"
	}
}

func getCorrelationID(r *http.Request) string {
	if id := r.Header.Get("X-Correlation-Id"); id != "" {
		return id
	}
	return middleware.GetReqID(r.Context())
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

// decodeOptionalJSONBody accepts an empty body and validates dst otherwise.
func (s *Server) decodeOptionalJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, dst); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
			return false
		}
	}
	if err := validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", validationMessage(err), correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
