package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/markbook/internal/logging"
)

type workspaceRequest struct {
	Name string `json:"name"`
	Icon string `json:"icon"`
}

func (s *Server) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"workspaces": s.service.ListWorkspaces(),
		"current":    s.service.CurrentWorkspace().ID,
	})
}

func (s *Server) handleCurrentWorkspace(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.CurrentWorkspace())
}

func (s *Server) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var req workspaceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	ws, err := s.service.CreateWorkspace(req.Name, req.Icon)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ws)
}

func (s *Server) handleUpdateWorkspace(w http.ResponseWriter, r *http.Request) {
	var req workspaceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	ws, err := s.service.UpdateWorkspace(chi.URLParam(r, "id"), req.Name, req.Icon)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

// handleDeleteWorkspace removes a workspace and its database file.
func (s *Server) handleDeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.service.DeleteWorkspace(r.Context(), id); err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deleted": id,
		"current": s.service.CurrentWorkspace().ID,
	})
}

// handleSwitchWorkspace responds once the new workspace database is the one
// every following request will use.
func (s *Server) handleSwitchWorkspace(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	logging.WithFields(r.Context(), "workspace", id).Debug("switch requested")

	ws, err := s.service.SwitchWorkspace(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}
