// Package scope tracks which agent the operator is looking at.
//
// Every agent-scoped surface (alerts, logs, firewall, files, stats) keys
// off the registry's current selection. Each effective selection change
// bumps a monotonically increasing scope token; snapshot results and other
// async work carry the token they started under, and anything that comes
// back with an old token is discarded. The token is the only stale-response
// guard in the system, so it never decreases and never repeats.
package scope

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/sentinel-hids/console/internal/store"
)

// ErrUnknownAgent is returned by Select for an agent id not present in the
// registry's current agent list.
var ErrUnknownAgent = errors.New("scope: unknown agent")

// ErrNoSelection is returned by agent-scoped operations when no agent is
// selected, which happens only while the operator's agent list is empty.
var ErrNoSelection = errors.New("scope: no agent selected")

// ScopeFunc observes effective scope changes. It receives the newly
// selected agent id (empty when no agent remains selectable) and the token
// minted for the change. Observers run synchronously, outside the
// registry's lock, in registration order.
type ScopeFunc func(agentID string, token uint64)

// Registry holds the operator's agent list and current selection.
type Registry struct {
	operatorID string
	sel        *SelectionStore // nil disables persistence
	logger     *slog.Logger

	mu         sync.Mutex
	agents     []store.Agent
	selectedID string
	token      uint64
	restored   bool
	scopeFuncs []ScopeFunc
}

// NewRegistry creates a registry for the operator. sel may be nil, in which
// case the selection is not persisted across restarts.
func NewRegistry(operatorID string, sel *SelectionStore, logger *slog.Logger) *Registry {
	return &Registry{
		operatorID: operatorID,
		sel:        sel,
		logger:     logger,
	}
}

// OnScopeChange registers fn to observe effective scope changes. Register
// before the first Refresh.
func (r *Registry) OnScopeChange(fn ScopeFunc) {
	r.mu.Lock()
	r.scopeFuncs = append(r.scopeFuncs, fn)
	r.mu.Unlock()
}

// Token returns the current scope token.
func (r *Registry) Token() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.token
}

// List returns the current agent list.
func (r *Registry) List() []store.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]store.Agent(nil), r.agents...)
}

// Selected returns the currently selected agent.
func (r *Registry) Selected() (store.Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, a := range r.agents {
		if a.ID == r.selectedID {
			return a, true
		}
	}
	return store.Agent{}, false
}

// SelectedID returns the selected agent id, empty when nothing is selected.
func (r *Registry) SelectedID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selectedID
}

// Select makes agentID the current scope. Selecting the already-selected
// agent is a no-op and does not mint a new token. An id not in the agent
// list returns ErrUnknownAgent.
func (r *Registry) Select(agentID string) error {
	r.mu.Lock()
	if r.selectedID == agentID {
		r.mu.Unlock()
		return nil
	}
	if !r.contains(agentID) {
		r.mu.Unlock()
		return ErrUnknownAgent
	}
	token, funcs := r.switchTo(agentID)
	r.mu.Unlock()

	r.persist(agentID)
	for _, fn := range funcs {
		fn(agentID, token)
	}
	return nil
}

// Refresh replaces the agent list. The selection survives when its agent is
// still present. When it is not (agent deleted, or first refresh), the
// registry falls back: the persisted selection if valid, otherwise the
// first agent in the list, otherwise no selection. An effective change of
// selection mints a new token and notifies observers.
func (r *Registry) Refresh(agents []store.Agent) {
	r.mu.Lock()
	r.agents = append([]store.Agent(nil), agents...)

	if r.contains(r.selectedID) && r.selectedID != "" {
		r.mu.Unlock()
		return
	}

	next := ""
	if !r.restored {
		r.restored = true
		if saved, ok := r.loadPersisted(); ok && r.contains(saved) {
			next = saved
		}
	}
	if next == "" && len(r.agents) > 0 {
		next = r.agents[0].ID
	}

	if next == r.selectedID {
		r.mu.Unlock()
		return
	}
	token, funcs := r.switchTo(next)
	r.mu.Unlock()

	if next != "" {
		r.persist(next)
	}
	r.logger.Info("scope: selection changed",
		slog.String("agent_id", next),
		slog.Uint64("token", token),
	)
	for _, fn := range funcs {
		fn(next, token)
	}
}

// switchTo records the new selection and mints a token. Caller holds r.mu;
// the returned observer slice is invoked after unlocking.
func (r *Registry) switchTo(agentID string) (uint64, []ScopeFunc) {
	r.selectedID = agentID
	r.token++
	return r.token, append([]ScopeFunc(nil), r.scopeFuncs...)
}

// contains reports whether agentID is in the agent list. Caller holds r.mu.
func (r *Registry) contains(agentID string) bool {
	for _, a := range r.agents {
		if a.ID == agentID {
			return true
		}
	}
	return false
}

func (r *Registry) loadPersisted() (string, bool) {
	if r.sel == nil {
		return "", false
	}
	agentID, ok, err := r.sel.Load(r.operatorID)
	if err != nil {
		r.logger.Warn("scope: loading persisted selection failed", slog.Any("error", err))
		return "", false
	}
	return agentID, ok
}

func (r *Registry) persist(agentID string) {
	if r.sel == nil {
		return
	}
	if err := r.sel.Save(r.operatorID, agentID); err != nil {
		// Persistence is best effort; the in-memory selection stands.
		r.logger.Warn("scope: persisting selection failed", slog.Any("error", err))
	}
}
