// Package session is the composition root of an operator session: one
// relay connection, one change-feed subscription set, one scope registry,
// and the reconciled collections every console surface reads from.
//
// A session follows the operator's agent selection. Each effective scope
// change tears down the previous agent's change-feed subscriptions,
// resets the collections under a fresh scope token, re-subscribes for the
// new agent, and loads snapshots in the background. Snapshot results carry
// the token they started under, so a snapshot that loses the race against
// the next scope change is discarded by the collections instead of
// polluting them.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sentinel-hids/console/internal/changefeed"
	"github.com/sentinel-hids/console/internal/command"
	"github.com/sentinel-hids/console/internal/relay"
	"github.com/sentinel-hids/console/internal/scope"
	"github.com/sentinel-hids/console/internal/state"
	"github.com/sentinel-hids/console/internal/store"
)

// Watched table names, matching the change-feed trigger installation.
const (
	tableAgents     = "agents"
	tableAgentStats = "agent_stats"
	tableAlerts     = "alerts"
	tableFiles      = "monitored_files"
)

// Options carries the session's static configuration.
type Options struct {
	OperatorID     string
	RelayURL       string
	CommandTimeout time.Duration
	LogBufferSize  int
}

// Store is the slice of the persistence layer a session depends on.
// *store.Store satisfies it; tests substitute a fake.
type Store interface {
	ListAgents(ctx context.Context, ownerID string) ([]store.Agent, error)
	GetAgentStats(ctx context.Context, agentID string) (*store.AgentStats, error)
	QueryAlerts(ctx context.Context, q store.AlertQuery) ([]store.Alert, error)
	DailyReport(ctx context.Context, agentID string, days int) ([]store.DailyReport, error)
	ResolveAlert(ctx context.Context, alertID, resolvedBy string) error
	DeleteAlert(ctx context.Context, alertID string) error
	ListMonitoredFiles(ctx context.Context, agentID string) ([]store.MonitoredFile, error)
	InsertMonitoredFile(ctx context.Context, f store.MonitoredFile) (*store.MonitoredFile, error)
	DeleteMonitoredFile(ctx context.Context, fileID string) (*store.MonitoredFile, error)
}

// Session owns the live state of one authenticated operator.
type Session struct {
	operatorID string
	logger     *slog.Logger

	db         Store
	feed       *changefeed.Manager
	scopes     *scope.Registry
	conn       *relay.Conn
	router     *relay.Router
	dispatcher *command.Dispatcher

	alerts *state.Collection[store.Alert]
	files  *state.Collection[store.MonitoredFile]
	rules  *state.Collection[relay.FirewallRule]
	logs   *state.Buffer[relay.LogEntry]

	statsMu sync.Mutex
	stats   *store.AgentStats

	subMu     sync.Mutex
	scopeSubs []*changefeed.Subscription
	agentsSub *changefeed.Subscription

	ctx    context.Context
	cancel context.CancelFunc
}

// New assembles a session. It does not touch the network; call Open to
// connect the relay and start following the change feed.
func New(opts Options, db Store, feed *changefeed.Manager, scopes *scope.Registry, logger *slog.Logger) *Session {
	if opts.LogBufferSize <= 0 {
		opts.LogBufferSize = 500
	}

	s := &Session{
		operatorID: opts.OperatorID,
		logger:     logger,
		db:         db,
		feed:       feed,
		scopes:     scopes,
		alerts: state.NewCollection(
			func(a store.Alert) string { return a.ID },
			func(a, b store.Alert) bool { return a.CreatedAt.After(b.CreatedAt) },
		),
		files: state.NewCollection(
			func(f store.MonitoredFile) string { return f.ID },
			func(a, b store.MonitoredFile) bool { return a.CreatedAt.After(b.CreatedAt) },
		),
		rules: state.NewCollection(
			func(r relay.FirewallRule) string { return r.ID },
			func(a, b relay.FirewallRule) bool { return a.ID < b.ID },
		),
		logs: state.NewBuffer[relay.LogEntry](opts.LogBufferSize),
	}

	s.router = relay.NewRouter(logger)
	s.registerRouterHandlers()

	s.conn = relay.NewConn(opts.RelayURL, opts.OperatorID, logger, s.router.Dispatch)
	s.conn.OnStateChange(s.onRelayState)

	s.dispatcher = command.NewDispatcher(s.conn, opts.CommandTimeout, logger, s.onCommandExpired)

	scopes.OnScopeChange(s.onScopeChange)
	return s
}

// Open starts the session: subscribes to the agents feed, loads the agent
// list (which triggers the initial scope selection and snapshot loads),
// and dials the relay. A relay dial failure is not fatal; the session runs
// degraded on the change feed alone and the caller may reconnect later.
func (s *Session) Open(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	s.subMu.Lock()
	s.agentsSub = s.feed.Subscribe(tableAgents, changefeed.Filter{}, changefeed.Handlers{
		OnInsert: func(json.RawMessage) { s.reloadAgents() },
		OnUpdate: func(json.RawMessage) { s.reloadAgents() },
		OnDelete: func(json.RawMessage) { s.reloadAgents() },
	})
	s.subMu.Unlock()

	agents, err := s.db.ListAgents(ctx, s.operatorID)
	if err != nil {
		return fmt.Errorf("session: load agents: %w", err)
	}
	s.scopes.Refresh(agents)

	if err := s.conn.Connect(ctx); err != nil {
		s.logger.Warn("session: relay unavailable, running on change feed only",
			slog.Any("error", err))
	}
	return nil
}

// Close tears the session down: relay disconnect, all subscriptions
// closed, background snapshot loads cancelled.
func (s *Session) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.conn.Disconnect()

	s.subMu.Lock()
	if s.agentsSub != nil {
		s.agentsSub.Close()
		s.agentsSub = nil
	}
	subs := s.scopeSubs
	s.scopeSubs = nil
	s.subMu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

// Reconnect redials the relay on demand. Nothing dropped while the link
// was down is replayed.
func (s *Session) Reconnect(ctx context.Context) error {
	return s.conn.Connect(ctx)
}

// RelayState returns the relay connection state.
func (s *Session) RelayState() relay.State { return s.conn.State() }

// OperatorID returns the operator this session serves.
func (s *Session) OperatorID() string { return s.operatorID }

// --- relay message handling ---

func (s *Session) registerRouterHandlers() {
	s.router.Handle(relay.TypeLogStream, func(msg *relay.Message) {
		s.logs.Append(*msg.Log)
	})

	replaceRules := func(msg *relay.Message) {
		s.rules.Replace(msg.Rules)
		// A full rule set is the agent's authoritative state and
		// corroborates every in-flight firewall command.
		if id := s.scopes.SelectedID(); id != "" {
			s.dispatcher.Ack(id, command.ToggleFirewall)
			s.dispatcher.Ack(id, command.AddFirewallRule)
			s.dispatcher.Ack(id, command.DeleteFirewallRule)
		}
	}
	s.router.Handle(relay.TypeFirewallSync, replaceRules)
	s.router.Handle(relay.TypeFirewallRulesUpdated, replaceRules)
	s.router.Handle(relay.TypeFirewallRules, replaceRules)

	s.router.Handle(relay.TypeSecurityAlert, func(msg *relay.Message) {
		var alert store.Alert
		if err := json.Unmarshal(msg.Alert, &alert); err != nil {
			s.logger.Warn("session: undecodable security_alert payload", slog.Any("error", err))
			return
		}
		// The backend also persists the alert, so the change feed will
		// deliver the same row; idempotent insert absorbs the duplicate.
		if alert.AgentID == s.scopes.SelectedID() {
			s.alerts.ApplyInsert(alert, s.scopes.Token())
		}
	})
}

// onRelayState re-arms the selected agent's file watch list after a
// reconnect. A restarted agent has lost its in-memory watches and the
// persisted rows are the source of truth.
func (s *Session) onRelayState(st relay.State) {
	if st != relay.StateConnected {
		return
	}
	agentID := s.scopes.SelectedID()
	if agentID == "" {
		return
	}
	files := s.files.All()
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.FilePath
	}
	if len(paths) > 0 {
		go s.dispatcher.ResyncFiles(agentID, paths)
	}
}

func (s *Session) onCommandExpired(agentID, name string) {
	s.logger.Warn("session: command unconfirmed, reverting optimistic state",
		slog.String("agent_id", agentID),
		slog.String("command", name),
	)
}

// --- scope handling ---

// onScopeChange rebinds the session to a new agent: old subscriptions go,
// collections reset under the new token, new subscriptions and snapshot
// loads start. Runs synchronously on the registry's notifying goroutine.
func (s *Session) onScopeChange(agentID string, token uint64) {
	s.subMu.Lock()
	old := s.scopeSubs
	s.scopeSubs = nil
	s.subMu.Unlock()
	for _, sub := range old {
		sub.Close()
	}

	s.alerts.Reset(token)
	s.files.Reset(token)
	s.rules.Reset(token)
	s.statsMu.Lock()
	s.stats = nil
	s.statsMu.Unlock()

	if agentID == "" {
		return
	}

	// Handlers carry the token of the scope that subscribed them, so an
	// event still in flight across a scope change is dropped by the
	// collection instead of landing in the next scope's view.
	filter := changefeed.Filter{Column: "agent_id", Value: agentID}
	subs := []*changefeed.Subscription{
		s.feed.Subscribe(tableAlerts, filter, changefeed.Handlers{
			OnInsert: s.decodeAlert(func(a store.Alert) { s.alerts.ApplyInsert(a, token) }),
			OnUpdate: s.decodeAlert(func(a store.Alert) { s.alerts.ApplyUpdate(a, token) }),
			OnDelete: s.decodeAlert(func(a store.Alert) { s.alerts.ApplyDelete(a.ID, token) }),
		}),
		s.feed.Subscribe(tableFiles, filter, changefeed.Handlers{
			OnInsert: s.decodeFile(func(f store.MonitoredFile) { s.files.ApplyInsert(f, token) }),
			OnUpdate: s.decodeFile(func(f store.MonitoredFile) { s.files.ApplyUpdate(f, token) }),
			OnDelete: s.decodeFile(func(f store.MonitoredFile) { s.files.ApplyDelete(f.ID, token) }),
		}),
		s.feed.Subscribe(tableAgentStats, filter, changefeed.Handlers{
			OnInsert: s.decodeStats,
			OnUpdate: s.decodeStats,
		}),
	}

	s.subMu.Lock()
	s.scopeSubs = subs
	s.subMu.Unlock()

	go s.loadSnapshots(agentID, token)
}

// loadSnapshots performs the point-in-time loads for a newly selected
// agent. Each result is applied under the token minted for the change;
// collections silently discard results whose token has been superseded.
func (s *Session) loadSnapshots(agentID string, token uint64) {
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	alerts, err := s.db.QueryAlerts(ctx, store.AlertQuery{AgentID: agentID})
	if err != nil {
		s.logger.Error("session: alert snapshot failed",
			slog.String("agent_id", agentID), slog.Any("error", err))
	} else {
		s.alerts.ApplySnapshot(alerts, token)
	}

	files, err := s.db.ListMonitoredFiles(ctx, agentID)
	if err != nil {
		s.logger.Error("session: monitored files snapshot failed",
			slog.String("agent_id", agentID), slog.Any("error", err))
	} else {
		s.files.ApplySnapshot(files, token)
	}

	stats, err := s.db.GetAgentStats(ctx, agentID)
	if err != nil {
		// A never-reporting agent has no stats row. Not an error worth
		// more than a debug line.
		s.logger.Debug("session: no stats snapshot",
			slog.String("agent_id", agentID), slog.Any("error", err))
	} else if s.scopes.Token() == token {
		s.statsMu.Lock()
		s.stats = stats
		s.statsMu.Unlock()
	}
}

// reloadAgents refreshes the registry's agent list from the store after an
// agents-table change. Runs on the change-feed dispatch goroutine.
func (s *Session) reloadAgents() {
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	agents, err := s.db.ListAgents(ctx, s.operatorID)
	if err != nil {
		s.logger.Error("session: agent list reload failed", slog.Any("error", err))
		return
	}
	s.scopes.Refresh(agents)
}

// --- row decoding ---

func (s *Session) decodeAlert(apply func(store.Alert)) func(json.RawMessage) {
	return func(row json.RawMessage) {
		var a store.Alert
		if err := json.Unmarshal(row, &a); err != nil {
			s.logger.Warn("session: undecodable alert row", slog.Any("error", err))
			return
		}
		apply(a)
	}
}

func (s *Session) decodeFile(apply func(store.MonitoredFile)) func(json.RawMessage) {
	return func(row json.RawMessage) {
		var f store.MonitoredFile
		if err := json.Unmarshal(row, &f); err != nil {
			s.logger.Warn("session: undecodable monitored file row", slog.Any("error", err))
			return
		}
		apply(f)
	}
}

func (s *Session) decodeStats(row json.RawMessage) {
	var st store.AgentStats
	if err := json.Unmarshal(row, &st); err != nil {
		s.logger.Warn("session: undecodable agent stats row", slog.Any("error", err))
		return
	}
	if st.AgentID != s.scopes.SelectedID() {
		return
	}
	s.statsMu.Lock()
	s.stats = &st
	s.statsMu.Unlock()
}
