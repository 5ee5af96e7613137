package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sentinel-hids/console/internal/command"
	"github.com/sentinel-hids/console/internal/relay"
	"github.com/sentinel-hids/console/internal/scope"
	"github.com/sentinel-hids/console/internal/store"
)

// Operator-facing operations. These are what the HTTP layer calls; reads
// come from the reconciled collections, mutations go through the store
// and/or the command dispatcher.

// --- agents ---

// Agents returns the operator's agent list.
func (s *Session) Agents() []store.Agent { return s.scopes.List() }

// SelectedAgent returns the agent currently in scope.
func (s *Session) SelectedAgent() (store.Agent, bool) { return s.scopes.Selected() }

// SelectAgent switches the scope to agentID. Returns scope.ErrUnknownAgent
// for an id not in the agent list.
func (s *Session) SelectAgent(agentID string) error { return s.scopes.Select(agentID) }

// --- alerts ---

// Alerts returns the visible alerts for the selected agent, newest first.
func (s *Session) Alerts() []store.Alert { return s.alerts.List() }

// AlertPage returns the current alert page window.
func (s *Session) AlertPage() []store.Alert { return s.alerts.Page() }

// SetAlertPage positions the alert page window.
func (s *Session) SetAlertPage(page, size int) { s.alerts.SetPage(page, size) }

// SetAlertFilter restricts the visible alerts. Empty alertType and nil
// resolved clear the corresponding constraint.
func (s *Session) SetAlertFilter(alertType string, resolved *bool) {
	if alertType == "" && resolved == nil {
		s.alerts.SetFilter(nil)
		return
	}
	s.alerts.SetFilter(func(a store.Alert) bool {
		if alertType != "" && a.AlertType != alertType {
			return false
		}
		if resolved != nil && a.Resolved != *resolved {
			return false
		}
		return true
	})
}

// OpenAlert pins an alert as the open detail view.
func (s *Session) OpenAlert(alertID string) (store.Alert, bool) {
	return s.alerts.OpenDetail(alertID)
}

// CloseAlert closes the alert detail view.
func (s *Session) CloseAlert() { s.alerts.CloseDetail() }

// ResolveAlert marks the alert resolved by this operator. The reconciled
// view catches up through the change feed.
func (s *Session) ResolveAlert(ctx context.Context, alertID string) error {
	return s.db.ResolveAlert(ctx, alertID, s.operatorID)
}

// DeleteAlert removes the alert from the store.
func (s *Session) DeleteAlert(ctx context.Context, alertID string) error {
	return s.db.DeleteAlert(ctx, alertID)
}

// DailyReports returns per-day alert aggregates for the selected agent.
func (s *Session) DailyReports(ctx context.Context, days int) ([]store.DailyReport, error) {
	agentID := s.scopes.SelectedID()
	if agentID == "" {
		return nil, scope.ErrNoSelection
	}
	return s.db.DailyReport(ctx, agentID, days)
}

// --- monitored files ---

// MonitoredFiles returns the selected agent's watch list, newest first.
func (s *Session) MonitoredFiles() []store.MonitoredFile { return s.files.List() }

// AddMonitoredFile persists the watch and tells the agent to start
// watching. The store write is the source of truth: if it fails, no
// command is sent. A command dropped because the relay is down leaves the
// row persisted; the reconnect resync closes the gap.
func (s *Session) AddMonitoredFile(ctx context.Context, path string) (*store.MonitoredFile, error) {
	agentID := s.scopes.SelectedID()
	if agentID == "" {
		return nil, scope.ErrNoSelection
	}

	f, err := s.db.InsertMonitoredFile(ctx, store.MonitoredFile{
		AgentID:  agentID,
		FilePath: path,
		AddedBy:  s.operatorID,
	})
	if err != nil {
		return nil, err
	}

	if err := s.dispatcher.Dispatch(agentID, command.MonitorFile,
		map[string]any{"path": f.FilePath}); err != nil {
		s.logger.Warn("session: monitor_file command not delivered",
			slog.String("agent_id", agentID),
			slog.String("path", f.FilePath),
			slog.Any("error", err),
		)
	}
	return f, nil
}

// RemoveMonitoredFile deletes the watch row and tells the agent to stop
// watching the path.
func (s *Session) RemoveMonitoredFile(ctx context.Context, fileID string) error {
	f, err := s.db.DeleteMonitoredFile(ctx, fileID)
	if err != nil {
		return err
	}

	if err := s.dispatcher.Dispatch(f.AgentID, command.UnmonitorFile,
		map[string]any{"path": f.FilePath}); err != nil {
		s.logger.Warn("session: unmonitor_file command not delivered",
			slog.String("agent_id", f.AgentID),
			slog.String("path", f.FilePath),
			slog.Any("error", err),
		)
	}
	return nil
}

// --- firewall ---

// FirewallRules returns the last rule set reported by the selected agent.
func (s *Session) FirewallRules() []relay.FirewallRule { return s.rules.All() }

// SetFirewall toggles the agent's firewall.
func (s *Session) SetFirewall(enabled bool) error {
	return s.dispatchToSelected(command.ToggleFirewall, map[string]any{"enabled": enabled})
}

// AddFirewallRule asks the agent to add a rule. rule is the target in the
// agent's rule syntax (port, port/proto, or address), action is allow or
// deny.
func (s *Session) AddFirewallRule(rule, action string) error {
	if action != "allow" && action != "deny" {
		return fmt.Errorf("session: invalid firewall action %q", action)
	}
	return s.dispatchToSelected(command.AddFirewallRule,
		map[string]any{"rule": rule, "action": action})
}

// DeleteFirewallRule asks the agent to delete the rule at index (1-based,
// the agent's own numbering).
func (s *Session) DeleteFirewallRule(index int) error {
	if index < 1 {
		return fmt.Errorf("session: invalid firewall rule index %d", index)
	}
	return s.dispatchToSelected(command.DeleteFirewallRule,
		map[string]any{"index": index})
}

// PendingCommand reports whether the named command is awaiting
// corroboration for the selected agent.
func (s *Session) PendingCommand(name string) bool {
	return s.dispatcher.Pending(s.scopes.SelectedID(), name)
}

func (s *Session) dispatchToSelected(name string, payload map[string]any) error {
	agentID := s.scopes.SelectedID()
	if agentID == "" {
		return scope.ErrNoSelection
	}
	return s.dispatcher.Dispatch(agentID, name, payload)
}

// --- logs and stats ---

// Logs returns the buffered log stream for the selected agent, newest
// first. An empty service matches all services.
func (s *Session) Logs(service string) []relay.LogEntry {
	agentID := s.scopes.SelectedID()
	return s.logs.Filtered(func(e relay.LogEntry) bool {
		if agentID != "" && e.AgentID != "" && e.AgentID != agentID {
			return false
		}
		return service == "" || e.Service == service
	})
}

// Stats returns the selected agent's latest reported stats.
func (s *Session) Stats() (store.AgentStats, bool) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	if s.stats == nil {
		return store.AgentStats{}, false
	}
	return *s.stats, true
}
