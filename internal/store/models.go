// Package store provides the PostgreSQL-backed persistence layer for the
// Sentinel console. It exposes typed model structs for the four tables the
// console reads (agents, agent_stats, alerts, monitored_files) and a Store
// that wraps a pgxpool connection pool with snapshot queries and the small
// set of operator-initiated mutations.
package store

import (
	"time"
)

// Severity is the urgency level of an alert. The numeric values are stored
// in the database and are ordered: higher is more urgent.
type Severity int

const (
	SeverityLow      Severity = 1
	SeverityMedium   Severity = 2
	SeverityHigh     Severity = 3
	SeverityCritical Severity = 4
)

// String returns the operator-facing name of the severity level. Unknown
// values map to "Low", matching how the console renders them.
func (s Severity) String() string {
	switch s {
	case SeverityCritical:
		return "Critical"
	case SeverityHigh:
		return "High"
	case SeverityMedium:
		return "Medium"
	default:
		return "Low"
	}
}

// Agent maps to the `agents` table. The authoritative copy lives in the
// backing store; the console holds a read-through cache refreshed on
// change-feed events.
type Agent struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"owner_id"`
	LastSeen  time.Time `json:"last_seen"`
	IsOnline  bool      `json:"is_online"`
}

// AgentStats maps to the `agent_stats` table: one row per agent, written
// continuously by the agent itself, never deleted by the console.
type AgentStats struct {
	AgentID         string    `json:"agent_id"`
	CreatedAt       time.Time `json:"created_at"`
	IsInstalled     bool      `json:"is_installed"`
	CPUUsage        float64   `json:"cpu_usage"`
	RAMUsage        float64   `json:"ram_usage"`
	StorageUsage    float64   `json:"storage_usage"`
	FirewallEnabled bool      `json:"firewall_enabled"`
}

// Alert maps to the `alerts` table.
//
// ResolvedBy and ResolvedAt are nil until an operator resolves the alert.
type Alert struct {
	ID         string     `json:"id"`
	CreatedAt  time.Time  `json:"created_at"`
	AgentID    string     `json:"agent_id"`
	Title      string     `json:"title"`
	Message    string     `json:"message"`
	AlertType  string     `json:"alert_type"`
	Severity   Severity   `json:"severity"`
	Resolved   bool       `json:"resolved"`
	ResolvedBy *string    `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// MonitoredFile maps to the `monitored_files` table.
type MonitoredFile struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	AgentID   string    `json:"agent_id"`
	FilePath  string    `json:"file_path"`
	AddedBy   string    `json:"added_by"`
}

// AlertQuery carries the filter and pagination parameters for QueryAlerts.
//
// AgentID is mandatory. Type restricts to a single alert_type; Types
// restricts to a set (used by the network events view); at most one of the
// two may be set. A nil Resolved means no resolved filter. Limit defaults
// to 100 when <= 0. Results are ordered by created_at DESC, id ASC.
type AlertQuery struct {
	AgentID  string
	Type     string
	Types    []string
	Resolved *bool
	Limit    int
	Offset   int
}

// DailyReport aggregates one day of alerts for an agent.
type DailyReport struct {
	Date     time.Time      `json:"date"`
	Total    int            `json:"total"`
	Critical int            `json:"critical"`
	High     int            `json:"high"`
	Medium   int            `json:"medium"`
	Low      int            `json:"low"`
	Resolved int            `json:"resolved"`
	ByType   map[string]int `json:"by_type"`
}
