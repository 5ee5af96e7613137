// Package command turns operator intents into relay frames addressed to an
// agent.
//
// Dispatch is fire and forget: a command is one frame, there is no
// delivery confirmation, and a command issued while the relay link is down
// is dropped rather than queued, so nothing stale replays at an agent
// after a reconnect. What the operator sees is optimistic: each dispatched
// command is tracked as pending until a corroborating event arrives from
// the agent or a timeout expires, whichever comes first.
package command

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sentinel-hids/console/internal/relay"
)

// Agent command names understood by the endpoint agent.
const (
	ToggleFirewall     = "toggle_firewall"
	AddFirewallRule    = "add_firewall_rule"
	DeleteFirewallRule = "delete_firewall_rule"
	MonitorFile        = "monitor_file"
	UnmonitorFile      = "unmonitor_file"
)

// DefaultTimeout is how long a dispatched command stays pending without
// corroboration before the optimistic state reverts.
const DefaultTimeout = 5 * time.Second

// ErrDropped is returned when a command could not be sent because the
// relay link is down. The command is gone; it will not be retried.
var ErrDropped = errors.New("command: dropped, relay not connected")

// Sender is the outbound half of the relay connection.
type Sender interface {
	Send(v any) error
}

// ExpireFunc observes a pending command timing out without corroboration.
// It runs on a timer goroutine.
type ExpireFunc func(agentID, name string)

type pendingKey struct {
	agentID string
	name    string
}

type pendingOp struct {
	timer *time.Timer
}

// Dispatcher sends commands and tracks their optimistic pending state. At
// most one pending entry exists per (agent, command name); re-dispatching
// resets the timeout.
type Dispatcher struct {
	sender   Sender
	logger   *slog.Logger
	timeout  time.Duration
	onExpire ExpireFunc // nil when no observer is installed

	mu      sync.Mutex
	pending map[pendingKey]*pendingOp
}

// NewDispatcher creates a Dispatcher. A non-positive timeout falls back to
// DefaultTimeout; onExpire may be nil.
func NewDispatcher(sender Sender, timeout time.Duration, logger *slog.Logger, onExpire ExpireFunc) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{
		sender:   sender,
		logger:   logger,
		timeout:  timeout,
		onExpire: onExpire,
		pending:  make(map[pendingKey]*pendingOp),
	}
}

// Dispatch sends one command frame to the agent and marks it pending.
//
// While the relay link is down it returns ErrDropped and the command is
// discarded; callers surface the failure but must not queue a retry.
func (d *Dispatcher) Dispatch(agentID, name string, payload map[string]any) error {
	frame := relay.NewCommand(agentID, name, payload)

	if err := d.sender.Send(frame); err != nil {
		if errors.Is(err, relay.ErrNotConnected) {
			d.logger.Warn("command: dropped while disconnected",
				slog.String("agent_id", agentID),
				slog.String("command", name),
			)
			return ErrDropped
		}
		return fmt.Errorf("command: dispatch %s: %w", name, err)
	}

	d.track(agentID, name)
	d.logger.Debug("command: dispatched",
		slog.String("agent_id", agentID),
		slog.String("command", name),
	)
	return nil
}

// Ack clears the pending entry for (agentID, name). The session calls this
// when an event corroborating the command arrives. Acking a command that is
// not pending is a no-op.
func (d *Dispatcher) Ack(agentID, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clearLocked(pendingKey{agentID: agentID, name: name})
}

// AckAgent clears every pending entry for the agent. Used when a message
// carrying the agent's full authoritative state arrives, which corroborates
// or supersedes everything in flight.
func (d *Dispatcher) AckAgent(agentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key := range d.pending {
		if key.agentID == agentID {
			d.clearLocked(key)
		}
	}
}

// Pending reports whether (agentID, name) is awaiting corroboration.
func (d *Dispatcher) Pending(agentID, name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[pendingKey{agentID: agentID, name: name}]
	return ok
}

// PendingCount returns the number of commands awaiting corroboration.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// ResyncFiles re-issues a MonitorFile command per path. Called after a
// reconnect: a restarted agent has lost its watch list, and the persisted
// rows are the source of truth for what should be watched. Best effort;
// a failed send is logged and the remaining paths are still attempted.
func (d *Dispatcher) ResyncFiles(agentID string, paths []string) {
	for _, path := range paths {
		err := d.Dispatch(agentID, MonitorFile, map[string]any{"path": path})
		if err != nil {
			d.logger.Warn("command: file resync send failed",
				slog.String("agent_id", agentID),
				slog.String("path", path),
				slog.Any("error", err),
			)
		}
	}
}

// track installs or resets the pending entry and its expiry timer.
func (d *Dispatcher) track(agentID, name string) {
	key := pendingKey{agentID: agentID, name: name}

	d.mu.Lock()
	defer d.mu.Unlock()

	if op, ok := d.pending[key]; ok {
		op.timer.Stop()
	}
	op := &pendingOp{}
	op.timer = time.AfterFunc(d.timeout, func() { d.expire(key, op) })
	d.pending[key] = op
}

// expire removes the entry when its timer fires, unless it was already
// acked or replaced by a re-dispatch.
func (d *Dispatcher) expire(key pendingKey, op *pendingOp) {
	d.mu.Lock()
	current, ok := d.pending[key]
	if !ok || current != op {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	onExpire := d.onExpire
	d.mu.Unlock()

	d.logger.Debug("command: pending expired without corroboration",
		slog.String("agent_id", key.agentID),
		slog.String("command", key.name),
	)
	if onExpire != nil {
		onExpire(key.agentID, key.name)
	}
}

// clearLocked stops the timer and removes the entry. Caller holds d.mu.
func (d *Dispatcher) clearLocked(key pendingKey) {
	if op, ok := d.pending[key]; ok {
		op.timer.Stop()
		delete(d.pending, key)
	}
}
