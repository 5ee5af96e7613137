// Package relay implements the operator side of the Sentinel backend relay
// protocol: a persistent WebSocket connection per operator session, a typed
// message taxonomy for the JSON frames the relay pushes, and an event router
// that fans inbound messages out to registered handlers.
//
// Design notes
//
//   - Frames are validated at the boundary: Parse turns a raw text frame
//     into a Message with exactly one populated payload field, or an error.
//     Everything past the router works with typed payloads only.
//   - Unknown discriminants are not errors. The relay adds message types
//     faster than consoles upgrade; the router ignores what it does not
//     know.
//   - A malformed frame is logged and dropped. It never stops the read loop
//     or the frames behind it.
package relay

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type is the discriminant carried in the "type" field of every relay frame.
type Type string

const (
	// Inbound frame types.
	TypeLogStream            Type = "log_stream"
	TypeFirewallSync         Type = "firewall_sync"
	TypeFirewallRulesUpdated Type = "firewall_rules_updated"
	TypeFirewallRules        Type = "firewall_rules"
	TypeSecurityAlert        Type = "security_alert"

	// TypeFrontendCommand is the only outbound frame type.
	TypeFrontendCommand Type = "frontend_command"
)

// LogEntry is one entry of the push-only log stream. Entries are ephemeral:
// the console keeps them in a rolling buffer and never persists them.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	AgentID   string    `json:"agent_id"`
	Service   string    `json:"service"`
	Message   string    `json:"message"`
	Type      string    `json:"type"`
}

// FirewallRule is one live firewall rule as reported by an agent through
// the relay. Rules are not persisted; every sync message carries the full
// rule set and replaces the previous one.
type FirewallRule struct {
	ID     string `json:"id"`
	Action string `json:"action"`
	To     string `json:"to"`
	From   string `json:"from"`
}

// Message is an inbound relay frame after boundary validation. Exactly one
// payload field is populated, selected by Type:
//
//	TypeLogStream                                     → Log
//	TypeFirewallSync / ...RulesUpdated / ...Rules     → Rules
//	TypeSecurityAlert                                 → Alert (raw row JSON)
type Message struct {
	Type  Type
	Log   *LogEntry
	Rules []FirewallRule
	Alert json.RawMessage
}

// envelope mirrors the wire shape of inbound frames. The relay is
// inconsistent about the key carrying the rule set: firewall_sync and
// firewall_rules_updated use "rules", firewall_rules uses "data".
type envelope struct {
	Type  Type            `json:"type"`
	Log   *LogEntry       `json:"log"`
	Rules []FirewallRule  `json:"rules"`
	Data  []FirewallRule  `json:"data"`
	Alert json.RawMessage `json:"alert"`
}

// ErrUnknownType is returned by Parse for frames whose discriminant the
// console does not recognize. Callers treat it as "ignore", not as a fault.
type ErrUnknownType struct {
	Type Type
}

func (e *ErrUnknownType) Error() string {
	return fmt.Sprintf("relay: unknown message type %q", e.Type)
}

// Parse validates a raw inbound text frame and returns the typed Message.
//
// A frame that is not a JSON object with a string "type" field, or whose
// payload field for the declared type is missing, returns an error. Frames
// with an unrecognized type return *ErrUnknownType.
func Parse(raw []byte) (*Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("relay: malformed frame: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("relay: frame without type field")
	}

	switch env.Type {
	case TypeLogStream:
		if env.Log == nil {
			return nil, fmt.Errorf("relay: %s frame without log payload", env.Type)
		}
		return &Message{Type: env.Type, Log: env.Log}, nil

	case TypeFirewallSync, TypeFirewallRulesUpdated:
		if env.Rules == nil {
			return nil, fmt.Errorf("relay: %s frame without rules payload", env.Type)
		}
		return &Message{Type: env.Type, Rules: env.Rules}, nil

	case TypeFirewallRules:
		if env.Data == nil {
			return nil, fmt.Errorf("relay: %s frame without data payload", env.Type)
		}
		return &Message{Type: env.Type, Rules: env.Data}, nil

	case TypeSecurityAlert:
		if len(env.Alert) == 0 {
			return nil, fmt.Errorf("relay: %s frame without alert payload", env.Type)
		}
		return &Message{Type: env.Type, Alert: env.Alert}, nil

	default:
		return nil, &ErrUnknownType{Type: env.Type}
	}
}

// Command is the outbound frame addressed to one agent. Delivery is
// fire-and-forget: there is no response envelope, and success is inferred
// only by observing a later state change through the change feed.
type Command struct {
	Type    Type   `json:"type"`
	AgentID string `json:"agent_id"`
	Command string `json:"command"`
	Payload any    `json:"payload"`
}

// NewCommand builds a frontend_command frame for agentID.
func NewCommand(agentID, command string, payload any) Command {
	return Command{
		Type:    TypeFrontendCommand,
		AgentID: agentID,
		Command: command,
		Payload: payload,
	}
}
