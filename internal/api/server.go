// Package api is the HTTP front door: request decoding, owner-token
// extraction and error mapping. All job semantics live behind the manager.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	app "github.com/ahrav/photofind/internal/app/search"
	"github.com/ahrav/photofind/internal/config"
	"github.com/ahrav/photofind/internal/domain/search"
	"github.com/ahrav/photofind/pkg/common/logger"
	"github.com/ahrav/photofind/pkg/common/otel"
)

// maxUploadBytes bounds a create request's body; reference images are
// photos, not archives.
const maxUploadBytes = 20 << 20

// sessionTokenHeader carries the owner token. The session layer in front of
// the engine has already authenticated the caller; the value is opaque here.
const sessionTokenHeader = "X-Session-Token"

// Manager is the slice of the job manager the front door uses.
type Manager interface {
	CreateJob(ctx context.Context, ownerToken, folderLink string, query search.Query) (uuid.UUID, error)
	GetStatus(ctx context.Context, jobID uuid.UUID, ownerToken string) (search.Snapshot, error)
	CancelJob(ctx context.Context, jobID uuid.UUID, ownerToken string) error
}

var _ Manager = (*app.JobManager)(nil)

type Server struct {
	cfg     config.ServerConfig
	logger  *logger.Logger
	router  *chi.Mux
	manager Manager
	encoder search.FaceEncoder
	tracer  trace.Tracer
}

func NewServer(
	cfg config.ServerConfig,
	log *logger.Logger,
	tracer trace.Tracer,
	manager Manager,
	encoder search.FaceEncoder,
) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(otel.Middleware(tracer))
	r.Use(loggerMiddleware(log))
	r.Use(middleware.Recoverer)

	s := &Server{
		cfg:     cfg,
		logger:  log,
		router:  r,
		manager: manager,
		encoder: encoder,
		tracer:  tracer,
	}

	s.routes()
	return s
}

func loggerMiddleware(log *logger.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				ctx := r.Context()
				log.Info(ctx, "Request completed",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration", time.Since(start),
					"trace_id", otel.GetTraceID(ctx),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

func (s *Server) routes() {
	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/readiness", s.handleReadiness)

		r.Post("/searches", s.handleCreateSearch)
		r.Get("/searches/{id}", s.handleSearchStatus)
		r.Delete("/searches/{id}", s.handleCancelSearch)
	})
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// handleCreateSearch accepts a multipart form: a folder_link field plus
// exactly one of a face_image file or a text field. A face image is turned
// into reference encodings before the job is created; an image with no
// detectable faces is rejected.
func (s *Server) handleCreateSearch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ownerToken := r.Header.Get(sessionTokenHeader)
	if ownerToken == "" {
		s.writeError(w, r, http.StatusBadRequest, "missing session token")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid multipart request")
		return
	}

	folderLink := r.FormValue("folder_link")
	if folderLink == "" {
		s.writeError(w, r, http.StatusBadRequest, "folder_link is required")
		return
	}

	query, err := s.buildQuery(ctx, r)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	jobID, err := s.manager.CreateJob(ctx, ownerToken, folderLink, query)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	s.writeJSON(w, r, http.StatusAccepted, map[string]string{"id": jobID.String()})
}

func (s *Server) buildQuery(ctx context.Context, r *http.Request) (search.Query, error) {
	text := r.FormValue("text")
	file, _, fileErr := r.FormFile("face_image")

	switch {
	case fileErr == nil && text != "":
		file.Close()
		return search.Query{}, search.ErrInvalidInput
	case fileErr == nil:
		defer file.Close()
		image, err := io.ReadAll(file)
		if err != nil {
			return search.Query{}, search.ErrInvalidInput
		}
		encodings, err := s.encoder.Encode(ctx, image)
		if err != nil {
			s.logger.Error(ctx, "failed to encode reference image", "error", err)
			return search.Query{}, err
		}
		if len(encodings) == 0 {
			return search.Query{}, search.ErrNoFacesDetected
		}
		return search.NewFaceQuery(encodings)
	case text != "":
		return search.NewTextQuery(text)
	default:
		return search.Query{}, search.ErrInvalidInput
	}
}

func (s *Server) handleSearchStatus(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, http.StatusNotFound, "unknown job")
		return
	}

	snapshot, err := s.manager.GetStatus(r.Context(), jobID, r.Header.Get(sessionTokenHeader))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, snapshot)
}

func (s *Server) handleCancelSearch(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, http.StatusNotFound, "unknown job")
		return
	}

	if err := s.manager.CancelJob(r.Context(), jobID, r.Header.Get(sessionTokenHeader)); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeDomainError maps the domain error taxonomy onto status codes. Only
// the sanitized messages ever reach the response body.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, search.ErrInvalidInput):
		s.writeError(w, r, http.StatusBadRequest, "invalid input")
	case errors.Is(err, search.ErrUnsupportedProvider):
		s.writeError(w, r, http.StatusBadRequest, "unsupported folder link")
	case errors.Is(err, search.ErrNoFacesDetected):
		s.writeError(w, r, http.StatusBadRequest, "no faces detected in reference image")
	case errors.Is(err, search.ErrForbidden):
		s.writeError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, search.ErrJobNotFound):
		s.writeError(w, r, http.StatusNotFound, "unknown job")
	case errors.Is(err, search.ErrOwnerJobLimit):
		s.writeError(w, r, http.StatusTooManyRequests, "active job limit reached")
	default:
		s.logger.Error(r.Context(), "request failed", "error", err)
		s.writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	s.writeJSON(w, r, status, map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error(r.Context(), "failed to encode response", "error", err)
	}
}

// Start runs the server until the context is cancelled, then shuts down
// gracefully within the configured timeout.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error(shutdownCtx, "failed to shutdown server", "error", err)
		}
	}()

	s.logger.Info(ctx, "starting server", "addr", server.Addr)
	return server.ListenAndServe()
}
