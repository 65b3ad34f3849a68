package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"github.com/kiesman99/deepzoom/internal/job"
	"github.com/kiesman99/deepzoom/internal/pyramid"
	"github.com/kiesman99/deepzoom/internal/sink"
	"github.com/kiesman99/deepzoom/internal/tiler"
	"github.com/kiesman99/deepzoom/pkg/tile"
)

// Server exposes tiling jobs over HTTP
type Server struct {
	startTime time.Time
	version   string
	tiler     *tiler.Tiler
	runner    *job.Runner
	opts      Options
	log       *slog.Logger
}

// NewServer creates a new server instance
func NewServer(version string, t *tiler.Tiler, runner *job.Runner, opts Options, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		startTime: time.Now(),
		version:   version,
		tiler:     t,
		runner:    runner,
		opts:      opts,
		log:       log,
	}
}

// Routes builds the router with middleware. Requests are cancelled after
// timeout.
func (s *Server) Routes(timeout time.Duration) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	if timeout > 0 {
		r.Use(middleware.Timeout(timeout))
	}
	// an empty origin list would make cors allow every origin
	if len(s.opts.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Options{
			AllowedOrigins: s.opts.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "X-API-Key"},
		}).Handler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.GetHealth)
		r.Post("/tile", s.CreatePyramid)
		r.Get("/pyramid", s.GetPyramidPlan)
	})

	// Legacy health endpoint (without /api/v1 prefix for backward compatibility)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/api/v1/health", http.StatusMovedPermanently)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.InfoContext(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"remote", r.RemoteAddr,
			"elapsed", time.Since(start),
			"reqid", middleware.GetReqID(r.Context()))
	})
}

// GetHealth implements the health check endpoint
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	uptime := int(time.Since(s.startTime).Seconds())

	response := HealthResponse{
		Status:    Healthy,
		Timestamp: time.Now(),
		Uptime:    &uptime,
		Version:   &s.version,
	}
	s.writeJSON(w, http.StatusOK, response)
}

// GetPyramidPlan describes the pyramid of an image of the given size
func (s *Server) GetPyramidPlan(w http.ResponseWriter, r *http.Request) {
	requestID := generateRequestID()

	width, errW := strconv.Atoi(r.URL.Query().Get("width"))
	height, errH := strconv.Atoi(r.URL.Query().Get("height"))
	switch {
	case errW != nil || width <= 0:
		s.writeValidationErrorResponse(w, "width", "width must be a positive integer", &requestID)
		return
	case errH != nil || height <= 0:
		s.writeValidationErrorResponse(w, "height", "height must be a positive integer", &requestID)
		return
	}

	cfg := s.tiler.Config()
	levels := s.tiler.Plan(tile.Dimensions{Width: width, Height: height})
	s.writeJSON(w, http.StatusOK, PlanResponse{
		Width:      width,
		Height:     height,
		TileSize:   cfg.TileSize,
		Format:     cfg.Format.String(),
		Levels:     levels,
		TotalTiles: pyramid.TotalTiles(levels),
	})
}

// CreatePyramid runs a tiling job and reports its outcome
func (s *Server) CreatePyramid(w http.ResponseWriter, r *http.Request) {
	requestID := generateRequestID()

	var req TileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, CodeInvalidJSON,
			"Invalid JSON in request body", &requestID, nil)
		return
	}

	opts, field, err := s.convertToJobOptions(&req)
	if err != nil {
		s.writeValidationErrorResponse(w, field, err.Error(), &requestID)
		return
	}

	report, err := s.runner.Run(r.Context(), opts)
	if err != nil {
		s.handleJobError(w, err, &requestID)
		return
	}

	w.Header().Set("X-Request-ID", requestID)
	s.writeJSON(w, http.StatusOK, TileResponse{RequestId: requestID, Report: report})
}

// convertToJobOptions validates the request and converts it to job options.
// Local paths are resolved inside the configured roots. On error it also
// returns the offending field.
func (s *Server) convertToJobOptions(req *TileRequest) (job.Options, string, error) {
	opts := job.Options{
		Clean:    req.Clean,
		MaxLevel: tiler.AllLevels,
	}
	var err error
	if opts.Source, err = s.opts.resolveSource(req.Source); err != nil {
		return opts, "source", err
	}
	if opts.Output, err = s.opts.resolveOutput(req.Output); err != nil {
		return opts, "output", err
	}
	if req.MinLevel != nil {
		opts.MinLevel = *req.MinLevel
	}
	if req.MaxLevel != nil {
		opts.MaxLevel = *req.MaxLevel
	}
	if opts.MinLevel < 0 {
		return opts, "minLevel", fmt.Errorf("minLevel must not be negative")
	}
	if opts.MaxLevel < opts.MinLevel {
		return opts, "maxLevel", fmt.Errorf("maxLevel must not be less than minLevel")
	}
	return opts, "", nil
}

// handleJobError maps job failures to responses
func (s *Server) handleJobError(w http.ResponseWriter, err error, requestID *string) {
	if errors.Is(err, context.DeadlineExceeded) {
		s.writeErrorResponse(w, http.StatusGatewayTimeout, CodeTimeout,
			"Tiling job timed out", requestID, nil)
		return
	}

	var jobErr *job.Error
	if !errors.As(err, &jobErr) {
		s.writeErrorResponse(w, http.StatusInternalServerError, CodeInternalError,
			"Internal server error", requestID, nil)
		return
	}

	switch jobErr.Stage {
	case job.StageSource:
		s.writeErrorResponse(w, http.StatusUnprocessableEntity, CodeSourceError,
			jobErr.Err.Error(), requestID, nil)
	case job.StageOutput:
		status := http.StatusInternalServerError
		if errors.Is(err, sink.ErrUnsupportedDestination) {
			status = http.StatusBadRequest
		}
		s.writeErrorResponse(w, status, CodeOutputError, jobErr.Err.Error(), requestID, nil)
	default:
		rep := jobErr.Report
		s.writeJSON(w, http.StatusInternalServerError, JobErrorResponse{
			Error:        CodeTilingIncomplete,
			Message:      jobErr.Error(),
			RequestId:    requestID,
			JobId:        rep.ID,
			ZoomLevels:   rep.ZoomLevels,
			TilesWritten: rep.TilesWritten,
			TilesFailed:  rep.TilesFailed,
			PartsFailed:  rep.PartsFailed,
		})
	}
}

// writeErrorResponse writes a standard error response
func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string, requestID *string, details map[string]interface{}) {
	response := ErrorResponse{
		Error:     errorCode,
		Message:   message,
		RequestId: requestID,
	}
	if details != nil {
		response.Details = &details
	}
	s.writeJSON(w, statusCode, response)
}

// writeValidationErrorResponse writes a validation error response
func (s *Server) writeValidationErrorResponse(w http.ResponseWriter, field, message string, requestID *string) {
	s.writeJSON(w, http.StatusBadRequest, ValidationErrorResponse{
		Error:     CodeValidationError,
		Message:   message,
		RequestId: requestID,
		ValidationErrors: []ValidationError{
			{Field: field, Message: message},
		},
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encoding response", "error", err)
	}
}

// generateRequestID generates a unique request ID
func generateRequestID() string {
	return "req_" + uuid.NewString()
}

// ListenAndServe serves handler on addr until ctx is done, then shuts down
// gracefully within shutdownTimeout.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler, timeout, shutdownTimeout time.Duration) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      timeout,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
