package web

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/markbook/internal/backup"
	"github.com/JonMunkholm/markbook/internal/logging"
)

// backupKind returns the {kind} route parameter, full when absent.
func backupKind(r *http.Request) backup.Kind {
	if k := chi.URLParam(r, "kind"); k != "" {
		return backup.Kind(k)
	}
	return backup.KindFull
}

// attachmentName names a downloaded backup after its kind and the workspace.
func attachmentName(kind backup.Kind, workspace string, at time.Time) string {
	return fmt.Sprintf("markbook-%s-%s-%s.json", workspace, kind, at.Format("2006-01-02"))
}

// handleExportBackup downloads the current workspace as a document of the
// requested kind.
func (s *Server) handleExportBackup(w http.ResponseWriter, r *http.Request) {
	kind := backupKind(r)
	if _, ok := backup.Lookup(kind); !ok {
		respondError(w, r, fmt.Errorf("%w: %q", backup.ErrUnknownFormat, kind))
		return
	}

	raw, err := s.service.ExportBackup(r.Context(), kind)
	if err != nil {
		respondError(w, r, err)
		return
	}

	name := attachmentName(kind, s.service.CurrentWorkspace().ID, time.Now())
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	w.Write(raw)
}

// handleImportBackup restores an uploaded document into the current
// workspace. On /api/backup the kind is detected; on /api/backup/{kind} the
// document must be of that kind.
func (s *Server) handleImportBackup(w http.ResponseWriter, r *http.Request) {
	raw, err := s.readBackup(w, r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	if want := chi.URLParam(r, "kind"); want != "" {
		got, _, err := backup.Detect(raw)
		if err != nil {
			respondError(w, r, err)
			return
		}
		if got != backup.Kind(want) {
			respondError(w, r, fmt.Errorf("%w: document is %q, expected %q", backup.ErrUnknownFormat, got, want))
			return
		}
	}

	logger := logging.WithFields(r.Context(), "workspace", s.service.CurrentWorkspace().ID, "bytes", len(raw))
	logger.Info("backup import requested")

	report, err := s.service.ImportBackup(r.Context(), raw)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleExportAll downloads every workspace as one document.
func (s *Server) handleExportAll(w http.ResponseWriter, r *http.Request) {
	doc, err := s.service.ExportAllWorkspaces(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	name := fmt.Sprintf("markbook-all-workspaces-%s.json", time.Now().Format("2006-01-02"))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	writeJSON(w, http.StatusOK, doc)
}

// handleImportAll restores a multi-workspace document. Failures of single
// workspaces are reported per workspace and do not fail the request.
func (s *Server) handleImportAll(w http.ResponseWriter, r *http.Request) {
	raw, err := s.readBackup(w, r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	results, err := s.service.ImportAllWorkspaces(r.Context(), raw)
	if err != nil {
		respondError(w, r, err)
		return
	}

	failed := 0
	for _, res := range results {
		if res.Error != "" {
			failed++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"workspaces": results,
		"failed":     failed,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	report, err := s.service.Stats(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
