// Package server exposes the resolver and the escalation queue over HTTP.
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/equipment-resolver/internal/escalation"
	"github.com/sells-group/equipment-resolver/internal/model"
	"github.com/sells-group/equipment-resolver/internal/resilience"
	"github.com/sells-group/equipment-resolver/internal/resolve"
	"github.com/sells-group/equipment-resolver/internal/store"
)

// TransientMessage is the only detail shown to callers when the store fails.
const TransientMessage = "temporarily unavailable, please retry"

// Resolver answers resolution requests.
type Resolver interface {
	Resolve(ctx context.Context, in resolve.Input) (*model.Response, error)
}

// Tickets is the operator side of the escalation queue.
type Tickets interface {
	Get(ctx context.Context, id string) (*model.Ticket, error)
	List(ctx context.Context, filter store.TicketFilter) ([]model.Ticket, error)
	Assign(ctx context.Context, id, assignee string) (*model.Ticket, error)
	Resolve(ctx context.Context, id string, payload json.RawMessage, resolvedBy string) (*model.Ticket, error)
	MarkUnresolvable(ctx context.Context, id, note string) (*model.Ticket, error)
}

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds HTTP settings.
type Config struct {
	CORSOrigins    []string
	RequestTimeout time.Duration
	MaxBodyBytes   int64
}

// Server routes HTTP requests to the resolver and the queue.
type Server struct {
	cfg      Config
	resolver Resolver
	tickets  Tickets
	health   Pinger
	metrics  http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics mounts h at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// New creates a Server. health may be nil.
func New(cfg Config, resolver Resolver, tickets Tickets, health Pinger, opts ...Option) *Server {
	s := &Server{cfg: cfg, resolver: resolver, tickets: tickets, health: health}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))
	r.Use(s.limitBody)

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/resolve", s.handleResolve)
		r.Route("/escalations", func(r chi.Router) {
			r.Get("/", s.handleListTickets)
			r.Get("/{id}", s.handleGetTicket)
			r.Post("/{id}/assign", s.handleAssign)
			r.Post("/{id}/resolve", s.handleResolveTicket)
			r.Post("/{id}/unresolvable", s.handleUnresolvable)
		})
	})
	return r
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.MaxBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			zap.L().Warn("server: health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ResolveRequest is the body of POST /v1/resolve. Batch files carry one
// per line.
type ResolveRequest struct {
	Kind      model.Kind   `json:"kind"`
	Fields    model.Fields `json:"fields"`
	ImageRef  string       `json:"image_ref,omitempty"`
	MediaType string       `json:"media_type,omitempty"`
}

// Input converts the wire request into orchestrator input.
func (r ResolveRequest) Input() (resolve.Input, error) {
	img, err := ParseImageRef(r.ImageRef, r.MediaType)
	if err != nil {
		return resolve.Input{}, err
	}
	return resolve.Input{Kind: r.Kind, Fields: r.Fields, Image: img}, nil
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var body ResolveRequest
	if !decode(w, r, &body) {
		return
	}
	in, err := body.Input()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}

	resp, err := s.resolver.Resolve(ctx, in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if resp.Status == model.StatusQueued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

// ParseImageRef accepts an http(s) URL, a data URI, or bare base64.
func ParseImageRef(ref, mediaType string) (*model.Image, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, nil
	}
	lower := strings.ToLower(ref)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return &model.Image{URL: ref, MediaType: mediaType}, nil
	}
	if strings.HasPrefix(lower, "data:") {
		header, payload, ok := strings.Cut(ref[len("data:"):], ",")
		if !ok || !strings.HasSuffix(header, ";base64") {
			return nil, eris.New("image_ref: unsupported data URI")
		}
		if mediaType == "" {
			mediaType = strings.TrimSuffix(header, ";base64")
		}
		ref = payload
	}
	data, err := base64.StdEncoding.DecodeString(ref)
	if err != nil {
		return nil, eris.New("image_ref must be a URL or base64 image bytes")
	}
	return &model.Image{Data: data, MediaType: mediaType}, nil
}

func (s *Server) handleListTickets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.TicketFilter{
		Status: model.TicketStatus(q.Get("status")),
		Kind:   model.Kind(q.Get("kind")),
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}
	tickets, err := s.tickets.List(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if tickets == nil {
		tickets = []model.Ticket{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tickets": tickets})
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, eris.New("invalid integer")
	}
	return n, nil
}

func (s *Server) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	t, err := s.tickets.Get(r.Context(), chi.URLParam(r, "id"))
	s.ticketResponse(w, r, t, err)
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Assignee string `json:"assignee"`
	}
	if !decode(w, r, &body) {
		return
	}
	t, err := s.tickets.Assign(r.Context(), chi.URLParam(r, "id"), body.Assignee)
	s.ticketResponse(w, r, t, err)
}

func (s *Server) handleResolveTicket(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Result     json.RawMessage `json:"result"`
		ResolvedBy string          `json:"resolved_by"`
	}
	if !decode(w, r, &body) {
		return
	}
	t, err := s.tickets.Resolve(r.Context(), chi.URLParam(r, "id"), body.Result, body.ResolvedBy)
	s.ticketResponse(w, r, t, err)
}

func (s *Server) handleUnresolvable(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Note string `json:"note"`
	}
	if !decode(w, r, &body) {
		return
	}
	t, err := s.tickets.MarkUnresolvable(r.Context(), chi.URLParam(r, "id"), body.Note)
	s.ticketResponse(w, r, t, err)
}

func (s *Server) ticketResponse(w http.ResponseWriter, r *http.Request, t *model.Ticket, err error) {
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// fail maps an error to a status code. Store failures never leak detail.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	log := zap.L().With(
		zap.String("path", r.URL.Path),
		zap.String("request_id", middleware.GetReqID(r.Context())),
	)
	switch {
	case errors.Is(err, resolve.ErrInvalidRequest), errors.Is(err, escalation.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, escalation.ErrNotFound):
		writeError(w, http.StatusNotFound, "ticket not found")
	case errors.Is(err, escalation.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case resilience.IsPersistence(err):
		log.Error("server: persistence failure", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, model.Response{
			Status:  model.StatusError,
			Message: TransientMessage,
		})
	case errors.Is(err, context.DeadlineExceeded):
		log.Warn("server: request timed out", zap.Error(err))
		writeError(w, http.StatusGatewayTimeout, "request timed out")
	case errors.Is(err, context.Canceled):
		// The caller is gone; nothing useful can be written.
		log.Debug("server: request canceled by caller")
	default:
		log.Error("server: unexpected error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("server: write response", zap.Error(err))
	}
}
