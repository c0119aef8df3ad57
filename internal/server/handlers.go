package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/enpowerstack/rulesrv/internal/engine"
	"github.com/enpowerstack/rulesrv/internal/rule"
)

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := rule.Filter{
		GroupID: q.Get("group_id"),
	}
	if v := q.Get("enabled"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, codeInvalidRuleFormat, "enabled must be true or false")
			return
		}
		filter.Enabled = &enabled
	}
	filter.Page, _ = strconv.Atoi(q.Get("page"))
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))

	rules, total, err := s.store.List(r.Context(), filter)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"rules": rules,
		"total": total,
		"page":  filter.Page,
		"limit": filter.Limit,
	})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Rule *rule.Rule `json:"rule"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Rule == nil {
		respondError(w, http.StatusBadRequest, codeInvalidRuleFormat, "invalid request body")
		return
	}
	if req.Rule.ID == "" {
		req.Rule.ID = uuid.NewString()
	}
	if err := s.engine.AddRule(r.Context(), req.Rule); err != nil {
		s.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"rule": req.Rule})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "ruleId")
	rl, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	count, last := s.engine.RuleStats(id)
	resp := map[string]any{
		"rule":          rl,
		"trigger_count": count,
	}
	if !last.IsZero() {
		resp["last_triggered"] = last
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "ruleId")
	var req struct {
		Rule *rule.Patch `json:"rule"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Rule == nil {
		respondError(w, http.StatusBadRequest, codeInvalidRuleFormat, "invalid request body")
		return
	}
	updated, err := s.engine.UpdateRule(r.Context(), id, *req.Rule)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"rule": updated})
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "ruleId")
	if err := s.engine.DeleteRule(r.Context(), id); err != nil {
		s.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleExecuteRule runs one evaluation outside trigger matching. Cooldown
// still applies unless force is set. The record is returned even when the
// evaluation failed, so callers can audit without log access.
func (s *Server) handleExecuteRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "ruleId")
	var req struct {
		Context map[string]any `json:"context"`
		Force   bool           `json:"force"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, codeInvalidRuleFormat, "invalid request body")
			return
		}
	}

	rl, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}

	rec := s.engine.Execute(r.Context(), rl, engine.Event{
		Kind:    engine.EventManual,
		RuleID:  id,
		Context: req.Context,
		Time:    time.Now(),
	}, req.Force)
	respondJSON(w, http.StatusOK, map[string]any{"execution": rec})
}

func (s *Server) handleTestCondition(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Condition string         `json:"condition"`
		Context   map[string]any `json:"context"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Condition == "" {
		respondError(w, http.StatusBadRequest, codeInvalidCondition, "condition is required")
		return
	}
	matched, err := s.engine.TestCondition(req.Condition, req.Context)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"result": matched})
}

func (s *Server) handleRuleHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "ruleId")
	if _, err := s.store.Get(r.Context(), id); err != nil {
		s.respondStoreError(w, err)
		return
	}

	q := r.URL.Query()
	var start, end time.Time
	if v := q.Get("start_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, codeInvalidRuleFormat, "start_time must be RFC3339")
			return
		}
		start = t
	}
	if v := q.Get("end_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, codeInvalidRuleFormat, "end_time must be RFC3339")
			return
		}
		end = t
	}
	limit, _ := strconv.Atoi(q.Get("limit"))

	records := s.engine.HistoryRecords(id, start, end, limit)
	if records == nil {
		records = []engine.Record{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"count":   len(records),
	})
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.store.ListGroups(r.Context())
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Group *rule.Group `json:"group"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Group == nil || req.Group.Name == "" {
		respondError(w, http.StatusBadRequest, codeInvalidRuleFormat, "group name is required")
		return
	}
	if req.Group.ID == "" {
		req.Group.ID = uuid.NewString()
	}
	if err := s.store.CreateGroup(r.Context(), req.Group); err != nil {
		s.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"group": req.Group})
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	g, err := s.store.GetGroup(r.Context(), chi.URLParam(r, "groupId"))
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"group": g})
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteGroup(r.Context(), chi.URLParam(r, "groupId")); err != nil {
		s.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleGroupRules(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "groupId")
	if _, err := s.store.GetGroup(r.Context(), id); err != nil {
		s.respondStoreError(w, err)
		return
	}
	rules, total, err := s.store.List(r.Context(), rule.Filter{GroupID: id})
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"rules": rules,
		"total": total,
	})
}
