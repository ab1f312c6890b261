package web

// handlers_records.go exposes the entity stores of the current workspace.
// Saves go through the natural-key upserts, so posting a record that already
// exists updates it; the response tells which happened.

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/markbook/internal/model"
	"github.com/JonMunkholm/markbook/internal/store"
)

func (s *Server) stores() *store.Stores {
	return s.service.Stores()
}

// getRecord writes the record returned by get for the {id} parameter.
func getRecord[P any](w http.ResponseWriter, r *http.Request, get func(context.Context, int64) (P, error)) {
	id, err := idParam(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	rec, err := get(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// deleteRecord removes the record with the {id} parameter.
func deleteRecord(w http.ResponseWriter, r *http.Request, del func(context.Context, int64) error) {
	id, err := idParam(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if err := del(r.Context(), id); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listRecords writes a list, never null.
func listRecords[P any](w http.ResponseWriter, r *http.Request, list []P, err error) {
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(list))
}

// upsertStatus is 201 for inserted records and 200 otherwise.
func upsertStatus(res store.UpsertResult) int {
	if res.IsNew {
		return http.StatusCreated
	}
	return http.StatusOK
}

// Meets

func (s *Server) handleListMeets(w http.ResponseWriter, r *http.Request) {
	if code := r.URL.Query().Get("meetId"); code != "" {
		list, err := s.stores().Meets.ListByMeetID(r.Context(), code)
		listRecords(w, r, list, err)
		return
	}
	list, err := s.stores().Meets.GetAll(r.Context())
	listRecords(w, r, list, err)
}

func (s *Server) handleGetMeet(w http.ResponseWriter, r *http.Request) {
	getRecord(w, r, s.stores().Meets.GetByID)
}

func (s *Server) handleSaveMeet(w http.ResponseWriter, r *http.Request) {
	var m model.Meet
	if err := decodeJSON(w, r, &m); err != nil {
		respondError(w, r, err)
		return
	}
	m.ID = 0
	res, err := s.stores().Meets.Save(r.Context(), &m)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleDeleteMeet(w http.ResponseWriter, r *http.Request) {
	deleteRecord(w, r, s.stores().Meets.Delete)
}

// handleApplyDurationLimit caps every recorded duration. Without a limit in
// the body the workspace's durationLimit setting is used.
func (s *Server) handleApplyDurationLimit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Limit *int `json:"limit"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			respondError(w, r, err)
			return
		}
	}

	limit := 0
	if req.Limit != nil {
		limit = *req.Limit
	} else {
		var err error
		if limit, err = s.stores().Settings.DurationLimit(r.Context()); err != nil {
			respondError(w, r, err)
			return
		}
	}

	changed, err := s.stores().Meets.ApplyDurationLimitToAll(r.Context(), limit)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"limit":        limit,
		"meetsChanged": changed,
	})
}

// Groups

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	list, err := s.stores().Groups.GetAll(r.Context())
	listRecords(w, r, list, err)
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	getRecord(w, r, s.stores().Groups.GetByID)
}

func (s *Server) handleSaveGroup(w http.ResponseWriter, r *http.Request) {
	var g model.Group
	if err := decodeJSON(w, r, &g); err != nil {
		respondError(w, r, err)
		return
	}
	res, err := s.stores().Groups.Save(r.Context(), &g)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, upsertStatus(res.UpsertResult), res)
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	deleteRecord(w, r, s.stores().Groups.Delete)
}

// Members

// handleListMembers lists visible members, optionally of one group.
// all=true includes hidden members.
func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	switch {
	case q.Get("group") != "":
		list, err := s.stores().Members.ListByGroup(r.Context(), q.Get("group"))
		listRecords(w, r, list, err)
	case q.Get("all") == "true":
		list, err := s.stores().Members.GetAll(r.Context())
		listRecords(w, r, list, err)
	default:
		list, err := s.stores().Members.ListVisible(r.Context())
		listRecords(w, r, list, err)
	}
}

func (s *Server) handleGetMember(w http.ResponseWriter, r *http.Request) {
	getRecord(w, r, s.stores().Members.GetByID)
}

func (s *Server) handleSaveMember(w http.ResponseWriter, r *http.Request) {
	var m model.Member
	if err := decodeJSON(w, r, &m); err != nil {
		respondError(w, r, err)
		return
	}
	res, err := s.stores().Members.Save(r.Context(), &m)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, upsertStatus(res), res)
}

func (s *Server) handleDeleteMember(w http.ResponseWriter, r *http.Request) {
	deleteRecord(w, r, s.stores().Members.Delete)
}

func (s *Server) handleSetMemberHidden(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	var req struct {
		Hidden bool `json:"hidden"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	m, err := s.stores().Members.SetHidden(r.Context(), id, req.Hidden)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleAddMemberAlias(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	var req struct {
		Alias string `json:"alias"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	m, err := s.stores().Members.AddAlias(r.Context(), id, req.Alias)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// handleRenameMember renames a member and keeps the old name as an alias.
func (s *Server) handleRenameMember(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	m, err := s.stores().Members.Rename(r.Context(), id, req.Name)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// Tasks

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if group := r.URL.Query().Get("group"); group != "" {
		list, err := s.stores().Tasks.ListByGroup(r.Context(), group)
		listRecords(w, r, list, err)
		return
	}
	list, err := s.stores().Tasks.GetAll(r.Context())
	listRecords(w, r, list, err)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	getRecord(w, r, s.stores().Tasks.GetByID)
}

func (s *Server) handleSaveTask(w http.ResponseWriter, r *http.Request) {
	var t model.Task
	if err := decodeJSON(w, r, &t); err != nil {
		respondError(w, r, err)
		return
	}
	res, err := s.stores().Tasks.Save(r.Context(), &t)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, upsertStatus(res), res)
}

// handleDeleteTask removes a task and its marks.
func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	deleteRecord(w, r, s.stores().Tasks.Delete)
}

// Marks

// handleListMarks lists marks of a task or a student. detailed=true joins
// every mark with its task and member and leaves orphans out.
func (s *Server) handleListMarks(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("detailed") == "true" {
		list, err := s.stores().Marks.ListDetailed(r.Context())
		listRecords(w, r, list, err)
		return
	}

	taskID, byTask, err := queryInt64(r, "taskId")
	if err != nil {
		respondError(w, r, err)
		return
	}
	studentID, byStudent, err := queryInt64(r, "studentId")
	if err != nil {
		respondError(w, r, err)
		return
	}

	switch {
	case byTask:
		list, err := s.stores().Marks.ListByTask(r.Context(), taskID)
		listRecords(w, r, list, err)
	case byStudent:
		list, err := s.stores().Marks.ListByStudent(r.Context(), studentID)
		listRecords(w, r, list, err)
	default:
		list, err := s.stores().Marks.GetAll(r.Context())
		listRecords(w, r, list, err)
	}
}

func (s *Server) handleGetMark(w http.ResponseWriter, r *http.Request) {
	getRecord(w, r, s.stores().Marks.GetByID)
}

// handleSaveMarks accepts one mark or an array of marks. A batch is saved in
// one transaction and answered with the outcome tally.
func (s *Server) handleSaveMarks(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := decodeJSON(w, r, &raw); err != nil {
		respondError(w, r, err)
		return
	}

	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '[' {
		var marks []*model.Mark
		if err := strictUnmarshal(raw, &marks); err != nil {
			respondError(w, r, err)
			return
		}
		tally, err := s.stores().Marks.SaveAll(r.Context(), marks)
		if err != nil {
			respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, tally)
		return
	}

	var m model.Mark
	if err := strictUnmarshal(raw, &m); err != nil {
		respondError(w, r, err)
		return
	}
	res, err := s.stores().Marks.Save(r.Context(), &m)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, upsertStatus(res), res)
}

func strictUnmarshal(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &badRequestError{msg: "invalid request body", err: err}
	}
	return nil
}

func (s *Server) handleDeleteMark(w http.ResponseWriter, r *http.Request) {
	deleteRecord(w, r, s.stores().Marks.Delete)
}

// handleSetMarkSynced locks a score against later saves, or releases it.
func (s *Server) handleSetMarkSynced(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	var req struct {
		Synced bool `json:"synced"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	m, err := s.stores().Marks.SetSynced(r.Context(), id, req.Synced)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleGradebook(w http.ResponseWriter, r *http.Request) {
	gb, err := s.stores().Marks.Gradebook(r.Context(), chi.URLParam(r, "group"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, gb)
}

// Modules

func (s *Server) handleListModules(w http.ResponseWriter, r *http.Request) {
	if group := r.URL.Query().Get("group"); group != "" {
		list, err := s.stores().Modules.ListByGroup(r.Context(), group)
		listRecords(w, r, list, err)
		return
	}
	list, err := s.stores().Modules.GetAll(r.Context())
	listRecords(w, r, list, err)
}

func (s *Server) handleGetModule(w http.ResponseWriter, r *http.Request) {
	getRecord(w, r, s.stores().Modules.GetByID)
}

// handleSaveModule adds a module, or replaces it when the body carries an id.
func (s *Server) handleSaveModule(w http.ResponseWriter, r *http.Request) {
	var m model.Module
	if err := decodeJSON(w, r, &m); err != nil {
		respondError(w, r, err)
		return
	}

	if m.ID > 0 {
		if _, err := s.stores().Modules.GetByID(r.Context(), m.ID); err != nil {
			respondError(w, r, err)
			return
		}
		if err := s.stores().Modules.Put(r.Context(), &m); err != nil {
			respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, &m)
		return
	}

	if _, err := s.stores().Modules.Add(r.Context(), &m); err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, &m)
}

func (s *Server) handleDeleteModule(w http.ResponseWriter, r *http.Request) {
	deleteRecord(w, r, s.stores().Modules.Delete)
}

func (s *Server) handleModuleResults(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	results, err := s.stores().Modules.Evaluate(r.Context(), id)
	listRecords(w, r, results, err)
}

// Final assessments

func (s *Server) handleListFinalAssessments(w http.ResponseWriter, r *http.Request) {
	studentID, ok, err := queryInt64(r, "studentId")
	if err != nil {
		respondError(w, r, err)
		return
	}
	if ok {
		list, err := s.stores().FinalAssessments.ListByStudent(r.Context(), studentID)
		listRecords(w, r, list, err)
		return
	}
	list, err := s.stores().FinalAssessments.GetAll(r.Context())
	listRecords(w, r, list, err)
}

func (s *Server) handleSaveFinalAssessment(w http.ResponseWriter, r *http.Request) {
	var f model.FinalAssessment
	if err := decodeJSON(w, r, &f); err != nil {
		respondError(w, r, err)
		return
	}
	res, err := s.stores().FinalAssessments.Save(r.Context(), &f)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, upsertStatus(res), res)
}

func (s *Server) handleDeleteFinalAssessment(w http.ResponseWriter, r *http.Request) {
	deleteRecord(w, r, s.stores().FinalAssessments.Delete)
}

// Settings

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.stores().Settings.All(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// handlePutSettings replaces every setting and re-syncs member roles with
// the teacher roster.
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var settings store.Settings
	if err := decodeJSON(w, r, &settings); err != nil {
		respondError(w, r, err)
		return
	}
	if err := s.stores().Settings.Save(r.Context(), settings); err != nil {
		respondError(w, r, err)
		return
	}
	s.handleGetSettings(w, r)
}
