package relay

import (
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantType Type
		check    func(t *testing.T, msg *Message)
	}{
		{
			name:     "log stream",
			raw:      `{"type":"log_stream","log":{"agent_id":"a1","service":"sshd","message":"Failed password","type":"auth_failure"}}`,
			wantType: TypeLogStream,
			check: func(t *testing.T, msg *Message) {
				if msg.Log.Service != "sshd" || msg.Log.Type != "auth_failure" {
					t.Errorf("log = %+v", msg.Log)
				}
			},
		},
		{
			name:     "firewall sync uses rules key",
			raw:      `{"type":"firewall_sync","rules":[{"id":"1","action":"ALLOW","to":"22/tcp","from":"Anywhere"}]}`,
			wantType: TypeFirewallSync,
			check: func(t *testing.T, msg *Message) {
				if len(msg.Rules) != 1 || msg.Rules[0].To != "22/tcp" {
					t.Errorf("rules = %+v", msg.Rules)
				}
			},
		},
		{
			name:     "firewall rules updated",
			raw:      `{"type":"firewall_rules_updated","rules":[]}`,
			wantType: TypeFirewallRulesUpdated,
			check: func(t *testing.T, msg *Message) {
				if msg.Rules == nil || len(msg.Rules) != 0 {
					t.Errorf("rules = %+v", msg.Rules)
				}
			},
		},
		{
			name:     "firewall rules uses data key",
			raw:      `{"type":"firewall_rules","data":[{"id":"2","action":"DENY","to":"80","from":"10.0.0.0/8"}]}`,
			wantType: TypeFirewallRules,
			check: func(t *testing.T, msg *Message) {
				if len(msg.Rules) != 1 || msg.Rules[0].Action != "DENY" {
					t.Errorf("rules = %+v", msg.Rules)
				}
			},
		},
		{
			name:     "security alert keeps raw payload",
			raw:      `{"type":"security_alert","alert":{"id":"al-1","agent_id":"a1","severity":4}}`,
			wantType: TypeSecurityAlert,
			check: func(t *testing.T, msg *Message) {
				if len(msg.Alert) == 0 {
					t.Error("alert payload empty")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Parse([]byte(tt.raw))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if msg.Type != tt.wantType {
				t.Fatalf("type = %q, want %q", msg.Type, tt.wantType)
			}
			tt.check(t, msg)
		})
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `not json at all`},
		{"no type field", `{"log":{}}`},
		{"log stream without log", `{"type":"log_stream"}`},
		{"firewall sync without rules", `{"type":"firewall_sync"}`},
		{"security alert without alert", `{"type":"security_alert"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.raw)); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestParse_UnknownType(t *testing.T) {
	_, err := Parse([]byte(`{"type":"future_feature","payload":{}}`))

	var unknown *ErrUnknownType
	if !errors.As(err, &unknown) {
		t.Fatalf("error = %v, want *ErrUnknownType", err)
	}
	if unknown.Type != "future_feature" {
		t.Errorf("unknown.Type = %q", unknown.Type)
	}
}

func TestNewCommand(t *testing.T) {
	cmd := NewCommand("a1", "toggle_firewall", map[string]any{"enabled": true})
	if cmd.Type != TypeFrontendCommand {
		t.Errorf("type = %q", cmd.Type)
	}
	if cmd.AgentID != "a1" || cmd.Command != "toggle_firewall" {
		t.Errorf("cmd = %+v", cmd)
	}
}
