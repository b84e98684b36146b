package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Mindburn-Labs/gatekeeper/pkg/contracts"
	"github.com/Mindburn-Labs/gatekeeper/pkg/platform"
	"github.com/Mindburn-Labs/gatekeeper/pkg/store"
)

const requestIDHeader = "X-Request-ID"

// SurfaceProcessor runs the pipeline for one surface.
type SurfaceProcessor interface {
	ProcessSurface(ctx context.Context, surfaceID int) (contracts.RunOutcome, error)
}

// Config for the HTTP handler.
type Config struct {
	Processor SurfaceProcessor
	// Receipts enables the receipt endpoints when set.
	Receipts store.ReceiptStore
	Logger   *slog.Logger
}

type server struct {
	processor SurfaceProcessor
	receipts  store.ReceiptStore
	logger    *slog.Logger
}

// New returns the gatekeeper HTTP handler:
//
//	GET  /healthz
//	POST /v1/surfaces/{id}/process
//	GET  /v1/surfaces/{id}/receipts
//	GET  /v1/runs/{runID}
func New(cfg Config) (http.Handler, error) {
	if cfg.Processor == nil {
		return nil, errors.New("api: processor is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &server{
		processor: cfg.Processor,
		receipts:  cfg.Receipts,
		logger:    logger.With("component", "api"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(echoRequestID)
	r.Use(middleware.Recoverer)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, http.StatusNotFound, "no such endpoint")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, http.StatusMethodNotAllowed, "the HTTP method is not supported for this endpoint")
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/v1", func(r chi.Router) {
		r.Post("/surfaces/{id}/process", s.process)
		r.Get("/surfaces/{id}/receipts", s.listReceipts)
		r.Get("/runs/{runID}", s.getReceipt)
	})
	return r, nil
}

func echoRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			w.Header().Set(requestIDHeader, id)
		}
		next.ServeHTTP(w, r)
	})
}

func surfaceID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		WriteError(w, r, http.StatusBadRequest, "surface id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (s *server) process(w http.ResponseWriter, r *http.Request) {
	id, ok := surfaceID(w, r)
	if !ok {
		return
	}
	outcome, err := s.processor.ProcessSurface(r.Context(), id)
	var te *contracts.TransportError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, outcome)
	case errors.Is(err, platform.ErrNotFound):
		WriteError(w, r, http.StatusNotFound, "surface not found")
	case errors.As(err, &te):
		s.logger.WarnContext(r.Context(), "platform unavailable", "surface_id", id, "error", err)
		WriteError(w, r, http.StatusBadGateway, "the hosting platform could not be reached")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		WriteError(w, r, http.StatusServiceUnavailable, "processing was cancelled")
	default:
		WriteInternal(w, r, s.logger, err)
	}
}

func (s *server) listReceipts(w http.ResponseWriter, r *http.Request) {
	if s.receipts == nil {
		WriteError(w, r, http.StatusNotFound, "receipt store is not configured")
		return
	}
	id, ok := surfaceID(w, r)
	if !ok {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			WriteError(w, r, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	receipts, err := s.receipts.ListBySurface(r.Context(), id, limit)
	if err != nil {
		WriteInternal(w, r, s.logger, err)
		return
	}
	if receipts == nil {
		receipts = []*contracts.RunReceipt{}
	}
	writeJSON(w, http.StatusOK, receipts)
}

func (s *server) getReceipt(w http.ResponseWriter, r *http.Request) {
	if s.receipts == nil {
		WriteError(w, r, http.StatusNotFound, "receipt store is not configured")
		return
	}
	rc, err := s.receipts.Get(r.Context(), chi.URLParam(r, "runID"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		WriteError(w, r, http.StatusNotFound, "run not found")
	case err != nil:
		WriteInternal(w, r, s.logger, err)
	default:
		writeJSON(w, http.StatusOK, rc)
	}
}
