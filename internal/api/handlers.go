// Package api exposes the console's operator-facing HTTP interface: agent
// selection, the reconciled alert/file/firewall/log views, and the
// operator mutations that flow through the store and the command
// dispatcher.
//
// Reads are served from the session's in-memory collections and never
// touch the database; mutations return as soon as the store write or
// command dispatch completes, and the reconciled view catches up through
// the change feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sentinel-hids/console/internal/command"
	"github.com/sentinel-hids/console/internal/scope"
	"github.com/sentinel-hids/console/internal/session"
	"github.com/sentinel-hids/console/internal/store"
)

// Server holds the handler dependencies.
type Server struct {
	session           *session.Session
	logger            *slog.Logger
	alertCategories   []string
	networkCategories []string
}

// NewServer creates the handler set around an open session.
func NewServer(s *session.Session, alertCategories, networkCategories []string, logger *slog.Logger) *Server {
	return &Server{
		session:           s,
		logger:            logger,
		alertCategories:   alertCategories,
		networkCategories: networkCategories,
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- agents ---

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	selected := ""
	if a, ok := s.session.SelectedAgent(); ok {
		selected = a.ID
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agents":   s.session.Agents(),
		"selected": selected,
	})
}

func (s *Server) handleSelectAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if err := s.session.SelectAgent(agentID); err != nil {
		if errors.Is(err, scope.ErrUnknownAgent) {
			writeError(w, http.StatusNotFound, "unknown agent")
			return
		}
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"selected": agentID})
}

// --- alerts ---

// handleListAlerts serves the reconciled alert view. Query parameters:
//
//	type      – restrict to one alert category
//	resolved  – "true" or "false"
//	page      – 1-based page number; with page_size, positions the window
//	page_size – rows per page
//
// Filter and page state live on the session, not the request: the daemon
// serves a single operator, and the view settings are that operator's
// current view. Concurrent clients of the same console share them.
func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	alertType := q.Get("type")
	if alertType != "" && !contains(s.alertCategories, alertType) && !contains(s.networkCategories, alertType) {
		writeError(w, http.StatusBadRequest, "unknown alert type")
		return
	}

	var resolved *bool
	if v := q.Get("resolved"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "resolved must be a boolean")
			return
		}
		resolved = &b
	}
	s.session.SetAlertFilter(alertType, resolved)

	if pageStr := q.Get("page"); pageStr != "" {
		page, err := strconv.Atoi(pageStr)
		if err != nil || page < 1 {
			writeError(w, http.StatusBadRequest, "page must be a positive integer")
			return
		}
		size, err := strconv.Atoi(q.Get("page_size"))
		if err != nil || size < 1 {
			size = 20
		}
		s.session.SetAlertPage(page, size)
		writeJSON(w, http.StatusOK, map[string]any{"alerts": s.session.AlertPage(), "page": page})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"alerts": s.session.Alerts()})
}

// handleNetworkEvents serves the subset of alerts whose category belongs to
// the network taxonomy.
func (s *Server) handleNetworkEvents(w http.ResponseWriter, _ *http.Request) {
	events := make([]store.Alert, 0)
	for _, a := range s.session.Alerts() {
		if contains(s.networkCategories, a.AlertType) {
			events = append(events, a)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	alertID := chi.URLParam(r, "alertID")
	if err := s.session.ResolveAlert(r.Context(), alertID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"resolved": alertID})
}

func (s *Server) handleDeleteAlert(w http.ResponseWriter, r *http.Request) {
	alertID := chi.URLParam(r, "alertID")
	if err := s.session.DeleteAlert(r.Context(), alertID); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDailyReports(w http.ResponseWriter, r *http.Request) {
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	reports, err := s.session.DailyReports(r.Context(), days)
	if err != nil {
		if errors.Is(err, scope.ErrNoSelection) {
			writeError(w, http.StatusConflict, "no agent selected")
			return
		}
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": reports})
}

// --- monitored files ---

func (s *Server) handleListFiles(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"files": s.session.MonitoredFiles()})
}

func (s *Server) handleAddFile(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path string `json:"path"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	f, err := s.session.AddMonitoredFile(r.Context(), body.Path)
	if err != nil {
		if errors.Is(err, scope.ErrNoSelection) {
			writeError(w, http.StatusConflict, "no agent selected")
			return
		}
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

func (s *Server) handleRemoveFile(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "fileID")
	if err := s.session.RemoveMonitoredFile(r.Context(), fileID); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- firewall ---

func (s *Server) handleFirewallState(w http.ResponseWriter, _ *http.Request) {
	pending := map[string]bool{}
	for _, name := range []string{command.ToggleFirewall, command.AddFirewallRule, command.DeleteFirewallRule} {
		if s.session.PendingCommand(name) {
			pending[name] = true
		}
	}

	resp := map[string]any{
		"rules":   s.session.FirewallRules(),
		"pending": pending,
	}
	if st, ok := s.session.Stats(); ok {
		resp["enabled"] = st.FirewallEnabled
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleToggleFirewall(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.dispatch(w, r, func() error { return s.session.SetFirewall(body.Enabled) })
}

func (s *Server) handleAddFirewallRule(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Rule   string `json:"rule"`
		Action string `json:"action"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.dispatch(w, r, func() error { return s.session.AddFirewallRule(body.Rule, body.Action) })
}

func (s *Server) handleDeleteFirewallRule(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "index must be an integer")
		return
	}
	s.dispatch(w, r, func() error { return s.session.DeleteFirewallRule(index) })
}

// --- logs, stats, connection ---

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"logs": s.session.Logs(r.URL.Query().Get("service")),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	st, ok := s.session.Stats()
	if !ok {
		writeError(w, http.StatusNotFound, "no stats reported yet")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleConnectionState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"relay": s.session.RelayState().String(),
	})
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Reconnect(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, "relay unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"relay": s.session.RelayState().String(),
	})
}

// --- helpers ---

// dispatch runs a command-sending operation and maps its failure modes:
// no selection is a conflict, a drop while disconnected is 503 so the
// caller knows the command did NOT reach the agent and will not be
// retried.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, fn func() error) {
	switch err := fn(); {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "dispatched"})
	case errors.Is(err, scope.ErrNoSelection):
		writeError(w, http.StatusConflict, "no agent selected")
	case errors.Is(err, command.ErrDropped):
		writeError(w, http.StatusServiceUnavailable, "relay disconnected, command dropped")
	default:
		s.fail(w, r, err)
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	s.logger.Error("api: request failed",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Any("error", err),
	)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid request body")
	}
	return nil
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
