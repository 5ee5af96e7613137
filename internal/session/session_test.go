package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/sentinel-hids/console/internal/changefeed"
	"github.com/sentinel-hids/console/internal/command"
	"github.com/sentinel-hids/console/internal/scope"
	"github.com/sentinel-hids/console/internal/store"
)

// fakeStore serves canned rows and records mutations.
type fakeStore struct {
	mu       sync.Mutex
	agents   []store.Agent
	alerts   map[string][]store.Alert
	files    map[string][]store.MonitoredFile
	resolved []string
	deleted  []string
}

func newFakeStore(agents ...store.Agent) *fakeStore {
	return &fakeStore{
		agents: agents,
		alerts: make(map[string][]store.Alert),
		files:  make(map[string][]store.MonitoredFile),
	}
}

func (f *fakeStore) ListAgents(_ context.Context, _ string) ([]store.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Agent(nil), f.agents...), nil
}

func (f *fakeStore) GetAgentStats(_ context.Context, agentID string) (*store.AgentStats, error) {
	return nil, fmt.Errorf("no stats for %s", agentID)
}

func (f *fakeStore) QueryAlerts(_ context.Context, q store.AlertQuery) ([]store.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Alert(nil), f.alerts[q.AgentID]...), nil
}

func (f *fakeStore) DailyReport(context.Context, string, int) ([]store.DailyReport, error) {
	return nil, nil
}

func (f *fakeStore) ResolveAlert(_ context.Context, alertID, resolvedBy string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved = append(f.resolved, alertID+"/"+resolvedBy)
	return nil
}

func (f *fakeStore) DeleteAlert(_ context.Context, alertID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, alertID)
	return nil
}

func (f *fakeStore) ListMonitoredFiles(_ context.Context, agentID string) ([]store.MonitoredFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.MonitoredFile(nil), f.files[agentID]...), nil
}

func (f *fakeStore) InsertMonitoredFile(_ context.Context, mf store.MonitoredFile) (*store.MonitoredFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mf.ID = fmt.Sprintf("file-%d", len(f.files[mf.AgentID])+1)
	mf.CreatedAt = time.Now()
	f.files[mf.AgentID] = append(f.files[mf.AgentID], mf)
	return &mf, nil
}

func (f *fakeStore) DeleteMonitoredFile(_ context.Context, fileID string) (*store.MonitoredFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for agentID, files := range f.files {
		for i, mf := range files {
			if mf.ID == fileID {
				f.files[agentID] = append(files[:i], files[i+1:]...)
				return &mf, nil
			}
		}
	}
	return nil, fmt.Errorf("file %s not found", fileID)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestSession opens a session against the fake store. The relay URL
// points nowhere, so the session runs change-feed-only, which is a
// supported degraded mode.
func newTestSession(t *testing.T, db Store) (*Session, *changefeed.Manager, *scope.Registry) {
	t.Helper()

	logger := discardLogger()
	feed := changefeed.NewManager(logger)
	scopes := scope.NewRegistry("op-1", nil, logger)

	s := New(Options{
		OperatorID:     "op-1",
		RelayURL:       "ws://127.0.0.1:1/ws",
		CommandTimeout: time.Minute,
	}, db, feed, scopes, logger)

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(s.Close)
	return s, feed, scopes
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func agentRow(id string) store.Agent {
	return store.Agent{ID: id, Name: "agent " + id, OwnerID: "op-1"}
}

func alertJSON(id, agentID string) json.RawMessage {
	a := store.Alert{
		ID:        id,
		AgentID:   agentID,
		Title:     "alert " + id,
		AlertType: "firewall",
		Severity:  store.SeverityHigh,
		CreatedAt: time.Now(),
	}
	raw, _ := json.Marshal(a)
	return raw
}

func TestSession_OpenSelectsFirstAgentAndSubscribes(t *testing.T) {
	db := newFakeStore(agentRow("a1"), agentRow("a2"))
	s, feed, scopes := newTestSession(t, db)

	if id := scopes.SelectedID(); id != "a1" {
		t.Fatalf("selected %q, want a1", id)
	}
	// agents feed plus alerts, monitored_files, agent_stats for the scope.
	if n := feed.SubscriptionCount(); n != 4 {
		t.Fatalf("SubscriptionCount() = %d, want 4", n)
	}
	if len(s.Agents()) != 2 {
		t.Fatalf("Agents() = %d, want 2", len(s.Agents()))
	}
}

func TestSession_AlertSnapshotLoads(t *testing.T) {
	db := newFakeStore(agentRow("a1"))
	db.alerts["a1"] = []store.Alert{
		{ID: "al-1", AgentID: "a1", CreatedAt: time.Now()},
		{ID: "al-2", AgentID: "a1", CreatedAt: time.Now().Add(-time.Minute)},
	}
	s, _, _ := newTestSession(t, db)

	waitFor(t, func() bool { return len(s.Alerts()) == 2 }, "alert snapshot never loaded")
}

func TestSession_ChangeFeedInsertReachesCollection(t *testing.T) {
	db := newFakeStore(agentRow("a1"))
	s, feed, _ := newTestSession(t, db)
	waitFor(t, func() bool { return len(s.Alerts()) == 0 && s.alerts.ScopeToken() > 0 },
		"scope never initialized")

	feed.Dispatch(&changefeed.Event{
		Table: "alerts",
		Op:    changefeed.OpInsert,
		New:   alertJSON("al-live", "a1"),
	})

	waitFor(t, func() bool { return len(s.Alerts()) == 1 }, "live insert never surfaced")
}

func TestSession_ChangeFeedFiltersOtherAgents(t *testing.T) {
	db := newFakeStore(agentRow("a1"), agentRow("a2"))
	s, feed, _ := newTestSession(t, db)

	feed.Dispatch(&changefeed.Event{
		Table: "alerts",
		Op:    changefeed.OpInsert,
		New:   alertJSON("al-other", "a2"),
	})

	time.Sleep(50 * time.Millisecond)
	if n := len(s.Alerts()); n != 0 {
		t.Fatalf("alert for unselected agent surfaced, Alerts() = %d", n)
	}
}

func TestSession_SelectAgentSwapsScope(t *testing.T) {
	db := newFakeStore(agentRow("a1"), agentRow("a2"))
	db.alerts["a2"] = []store.Alert{{ID: "al-b", AgentID: "a2", CreatedAt: time.Now()}}
	s, feed, _ := newTestSession(t, db)

	if err := s.SelectAgent("a2"); err != nil {
		t.Fatalf("SelectAgent: %v", err)
	}

	waitFor(t, func() bool {
		alerts := s.Alerts()
		return len(alerts) == 1 && alerts[0].ID == "al-b"
	}, "a2 snapshot never loaded")

	// Subscription count is unchanged: old scope subs closed, new opened.
	if n := feed.SubscriptionCount(); n != 4 {
		t.Fatalf("SubscriptionCount() = %d after reselect, want 4", n)
	}
}

func TestSession_CommandsDropWhileDisconnected(t *testing.T) {
	db := newFakeStore(agentRow("a1"))
	s, _, _ := newTestSession(t, db)

	if err := s.SetFirewall(true); !errors.Is(err, command.ErrDropped) {
		t.Fatalf("SetFirewall while disconnected = %v, want ErrDropped", err)
	}
}

func TestSession_AddMonitoredFilePersistsDespiteDroppedCommand(t *testing.T) {
	db := newFakeStore(agentRow("a1"))
	s, _, _ := newTestSession(t, db)

	f, err := s.AddMonitoredFile(context.Background(), "/etc/passwd")
	if err != nil {
		t.Fatalf("AddMonitoredFile: %v", err)
	}
	if f.FilePath != "/etc/passwd" || f.AgentID != "a1" {
		t.Fatalf("stored file = %+v", f)
	}

	files, err := db.ListMonitoredFiles(context.Background(), "a1")
	if err != nil {
		t.Fatalf("ListMonitoredFiles: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("persisted %d files, want 1", len(files))
	}
}

func TestSession_OperationsWithoutSelection(t *testing.T) {
	db := newFakeStore() // no agents at all
	s, _, _ := newTestSession(t, db)

	if _, err := s.AddMonitoredFile(context.Background(), "/etc/passwd"); !errors.Is(err, scope.ErrNoSelection) {
		t.Errorf("AddMonitoredFile = %v, want ErrNoSelection", err)
	}
	if err := s.SetFirewall(true); !errors.Is(err, scope.ErrNoSelection) {
		t.Errorf("SetFirewall = %v, want ErrNoSelection", err)
	}
	if _, err := s.DailyReports(context.Background(), 7); !errors.Is(err, scope.ErrNoSelection) {
		t.Errorf("DailyReports = %v, want ErrNoSelection", err)
	}
}

func TestSession_ResolveAlertCarriesOperator(t *testing.T) {
	db := newFakeStore(agentRow("a1"))
	s, _, _ := newTestSession(t, db)

	if err := s.ResolveAlert(context.Background(), "al-1"); err != nil {
		t.Fatalf("ResolveAlert: %v", err)
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if len(db.resolved) != 1 || db.resolved[0] != "al-1/op-1" {
		t.Fatalf("resolved = %v, want [al-1/op-1]", db.resolved)
	}
}

func TestSession_AgentsFeedTriggersRefresh(t *testing.T) {
	db := newFakeStore(agentRow("a1"))
	s, feed, scopes := newTestSession(t, db)

	db.mu.Lock()
	db.agents = append(db.agents, agentRow("a2"))
	db.mu.Unlock()

	row, _ := json.Marshal(agentRow("a2"))
	feed.Dispatch(&changefeed.Event{Table: "agents", Op: changefeed.OpInsert, New: row})

	waitFor(t, func() bool { return len(s.Agents()) == 2 }, "agent list never refreshed")
	if id := scopes.SelectedID(); id != "a1" {
		t.Fatalf("selection moved to %q on agent add, want a1", id)
	}
}
