// Package web provides the HTTP JSON API over the workspace service.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/markbook/internal/config"
	"github.com/JonMunkholm/markbook/internal/core"
	mw "github.com/JonMunkholm/markbook/internal/web/middleware"
)

// DefaultMaxBodySize bounds record and settings request bodies.
const DefaultMaxBodySize = 1 << 20

// Server is the HTTP server for the API.
type Server struct {
	service *core.Service
	router  *chi.Mux
	server  *http.Server
	cfg     config.ServerConfig

	maxBackup int64
}

// NewServer creates a Server. maxBackup bounds uploaded backup documents.
func NewServer(service *core.Service, cfg config.ServerConfig, maxBackup int64) *Server {
	s := &Server{
		service:   service,
		router:    chi.NewRouter(),
		cfg:       cfg,
		maxBackup: maxBackup,
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures middleware for all routes.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(mw.Logger)
	s.router.Use(middleware.Recoverer)
	if s.cfg.RequestTimeout > 0 {
		s.router.Use(middleware.Timeout(s.cfg.RequestTimeout))
	}
	s.router.Use(securityHeaders)
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/workspaces", func(r chi.Router) {
			r.Get("/", s.handleListWorkspaces)
			r.Post("/", s.handleCreateWorkspace)
			r.Get("/current", s.handleCurrentWorkspace)
			r.Put("/{id}", s.handleUpdateWorkspace)
			r.Delete("/{id}", s.handleDeleteWorkspace)
			r.Post("/{id}/switch", s.handleSwitchWorkspace)
		})

		r.Route("/meets", func(r chi.Router) {
			r.Get("/", s.handleListMeets)
			r.Post("/", s.handleSaveMeet)
			r.Post("/duration-limit", s.handleApplyDurationLimit)
			r.Get("/{id}", s.handleGetMeet)
			r.Delete("/{id}", s.handleDeleteMeet)
		})

		r.Route("/groups", func(r chi.Router) {
			r.Get("/", s.handleListGroups)
			r.Post("/", s.handleSaveGroup)
			r.Get("/{id}", s.handleGetGroup)
			r.Delete("/{id}", s.handleDeleteGroup)
		})

		r.Route("/members", func(r chi.Router) {
			r.Get("/", s.handleListMembers)
			r.Post("/", s.handleSaveMember)
			r.Get("/{id}", s.handleGetMember)
			r.Delete("/{id}", s.handleDeleteMember)
			r.Post("/{id}/hidden", s.handleSetMemberHidden)
			r.Post("/{id}/aliases", s.handleAddMemberAlias)
			r.Post("/{id}/rename", s.handleRenameMember)
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleSaveTask)
			r.Get("/{id}", s.handleGetTask)
			r.Delete("/{id}", s.handleDeleteTask)
		})

		r.Route("/marks", func(r chi.Router) {
			r.Get("/", s.handleListMarks)
			r.Post("/", s.handleSaveMarks)
			r.Get("/{id}", s.handleGetMark)
			r.Delete("/{id}", s.handleDeleteMark)
			r.Post("/{id}/synced", s.handleSetMarkSynced)
		})
		r.Get("/gradebook/{group}", s.handleGradebook)

		r.Route("/modules", func(r chi.Router) {
			r.Get("/", s.handleListModules)
			r.Post("/", s.handleSaveModule)
			r.Get("/{id}", s.handleGetModule)
			r.Delete("/{id}", s.handleDeleteModule)
			r.Get("/{id}/results", s.handleModuleResults)
		})

		r.Route("/final-assessments", func(r chi.Router) {
			r.Get("/", s.handleListFinalAssessments)
			r.Post("/", s.handleSaveFinalAssessment)
			r.Delete("/{id}", s.handleDeleteFinalAssessment)
		})

		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings", s.handlePutSettings)

		r.Route("/backup", func(r chi.Router) {
			r.Get("/", s.handleExportBackup)
			r.Post("/", s.handleImportBackup)
			r.Get("/all", s.handleExportAll)
			r.Post("/all", s.handleImportAll)
			r.Get("/{kind}", s.handleExportBackup)
			r.Post("/{kind}", s.handleImportBackup)
		})

		r.Get("/stats", s.handleStats)
	})
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	slog.Info("starting server", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// securityHeaders adds security headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"workspace": s.service.CurrentWorkspace().ID,
		"gate":      s.service.GateStatus(),
	})
}

// writeJSON encodes v as JSON with the given status.
// Logs encoding errors since headers are already sent.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode error", "error", err)
	}
}

// decodeJSON reads a bounded JSON body into v. Unknown fields are rejected.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, DefaultMaxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &badRequestError{msg: "invalid request body", err: err}
	}
	if dec.More() {
		return &badRequestError{msg: "invalid request body", err: errors.New("trailing data")}
	}
	return nil
}

// readBackup reads an uploaded backup document up to the configured limit.
func (s *Server) readBackup(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body := r.Body
	if s.maxBackup > 0 {
		body = http.MaxBytesReader(w, r.Body, s.maxBackup)
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("%w: limit %d bytes", core.ErrBackupTooLarge, tooLarge.Limit)
		}
		return nil, &badRequestError{msg: "could not read request body", err: err}
	}
	return raw, nil
}

// idParam parses the {id} route parameter.
func idParam(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, &badRequestError{msg: fmt.Sprintf("invalid id %q", raw)}
	}
	return id, nil
}

// queryInt64 parses an optional integer query parameter.
func queryInt64(r *http.Request, name string) (int64, bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, false, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, &badRequestError{msg: fmt.Sprintf("invalid %s %q", name, raw)}
	}
	return v, true, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

