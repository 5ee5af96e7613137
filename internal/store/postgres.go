package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the PostgreSQL-backed storage layer for the Sentinel console.
//
// All reads are point-in-time snapshot queries: they are side-effect free
// and idempotent, so the caller can merge or discard the result freely.
// Mutations are executed immediately; the change-feed triggers installed by
// the migrations publish a row-change notification for every committed
// mutation, which is how the reconciled in-memory state eventually observes
// it.
type Store struct {
	pool *pgxpool.Pool
}

// New opens a pgxpool connection to connStr and pings the database.
func New(ctx context.Context, connStr string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Pool exposes the underlying connection pool. The change-feed listener
// acquires its dedicated LISTEN connection from it.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close releases the connection pool. Safe to call more than once.
func (s *Store) Close() { s.pool.Close() }

// --- Agent reads ---

// ListAgents returns all agents owned by ownerID ordered alphabetically by
// name.
func (s *Store) ListAgents(ctx context.Context, ownerID string) ([]Agent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, created_at, name, owner_id, last_seen, is_online
		FROM   agents
		WHERE  owner_id = $1
		ORDER  BY name`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

// GetAgent returns the agent with the given id, or an error wrapping
// pgx.ErrNoRows when not found.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, created_at, name, owner_id, last_seen, is_online
		FROM   agents
		WHERE  id = $1`, agentID)
	a, err := scanAgent(row)
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", agentID, err)
	}
	return a, nil
}

// GetAgentStats returns the stats row for agentID, or an error wrapping
// pgx.ErrNoRows when the agent has never reported.
func (s *Store) GetAgentStats(ctx context.Context, agentID string) (*AgentStats, error) {
	var st AgentStats
	err := s.pool.QueryRow(ctx, `
		SELECT agent_id, created_at, is_installed, cpu_usage, ram_usage, storage_usage, firewall_enabled
		FROM   agent_stats
		WHERE  agent_id = $1`, agentID).
		Scan(&st.AgentID, &st.CreatedAt, &st.IsInstalled, &st.CPUUsage, &st.RAMUsage, &st.StorageUsage, &st.FirewallEnabled)
	if err != nil {
		return nil, fmt.Errorf("get agent stats %s: %w", agentID, err)
	}
	return &st, nil
}

// --- Alert reads ---

// QueryAlerts returns paginated alerts for q.AgentID ordered by created_at
// DESC, id ASC.
//
// Optional filters: q.Type (single alert_type), q.Types (alert_type set),
// q.Resolved. q.Limit defaults to 100; q.Offset enables offset pagination.
func (s *Store) QueryAlerts(ctx context.Context, q AlertQuery) ([]Alert, error) {
	if q.AgentID == "" {
		return nil, fmt.Errorf("query alerts: agent id is required")
	}
	if q.Type != "" && len(q.Types) > 0 {
		return nil, fmt.Errorf("query alerts: Type and Types are mutually exclusive")
	}
	if q.Limit <= 0 {
		q.Limit = 100
	}

	// Base args: $1=agent_id, $2=limit, $3=offset
	args := []any{q.AgentID, q.Limit, q.Offset}
	where := "WHERE agent_id = $1"
	argIdx := 4

	if q.Type != "" {
		where += fmt.Sprintf(" AND alert_type = $%d", argIdx)
		args = append(args, q.Type)
		argIdx++
	}
	if len(q.Types) > 0 {
		where += fmt.Sprintf(" AND alert_type = ANY($%d)", argIdx)
		args = append(args, q.Types)
		argIdx++
	}
	if q.Resolved != nil {
		where += fmt.Sprintf(" AND resolved = $%d", argIdx)
		args = append(args, *q.Resolved)
		argIdx++ //nolint:ineffassign // reserved for future filters
	}

	sql := fmt.Sprintf(`
		SELECT id, created_at, agent_id, title, message, alert_type, severity,
		       resolved, resolved_by, resolved_at
		FROM   alerts
		%s
		ORDER  BY created_at DESC, id
		LIMIT  $2 OFFSET $3`, where)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alerts = append(alerts, *a)
	}
	return alerts, rows.Err()
}

// DailyReport returns one aggregate row per calendar day (UTC) for the last
// `days` days of alerts for agentID, most recent day first. Days with no
// alerts are omitted.
func (s *Store) DailyReport(ctx context.Context, agentID string, days int) ([]DailyReport, error) {
	if days <= 0 {
		days = 7
	}
	since := time.Now().UTC().AddDate(0, 0, -days)

	rows, err := s.pool.Query(ctx, `
		SELECT date_trunc('day', created_at AT TIME ZONE 'UTC') AS day,
		       count(*),
		       count(*) FILTER (WHERE severity = 4),
		       count(*) FILTER (WHERE severity = 3),
		       count(*) FILTER (WHERE severity = 2),
		       count(*) FILTER (WHERE severity <= 1),
		       count(*) FILTER (WHERE resolved)
		FROM   alerts
		WHERE  agent_id = $1 AND created_at >= $2
		GROUP  BY day
		ORDER  BY day DESC`, agentID, since)
	if err != nil {
		return nil, fmt.Errorf("daily report: %w", err)
	}
	defer rows.Close()

	var reports []DailyReport
	byDay := make(map[time.Time]*DailyReport)
	for rows.Next() {
		var r DailyReport
		if err := rows.Scan(&r.Date, &r.Total, &r.Critical, &r.High, &r.Medium, &r.Low, &r.Resolved); err != nil {
			return nil, fmt.Errorf("scan daily report: %w", err)
		}
		r.ByType = make(map[string]int)
		reports = append(reports, r)
		byDay[r.Date] = &reports[len(reports)-1]
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Second pass fills the per-type breakdown for each day.
	typeRows, err := s.pool.Query(ctx, `
		SELECT date_trunc('day', created_at AT TIME ZONE 'UTC') AS day,
		       alert_type, count(*)
		FROM   alerts
		WHERE  agent_id = $1 AND created_at >= $2
		GROUP  BY day, alert_type`, agentID, since)
	if err != nil {
		return nil, fmt.Errorf("daily report types: %w", err)
	}
	defer typeRows.Close()

	for typeRows.Next() {
		var day time.Time
		var alertType string
		var n int
		if err := typeRows.Scan(&day, &alertType, &n); err != nil {
			return nil, fmt.Errorf("scan daily report type: %w", err)
		}
		if r, ok := byDay[day]; ok {
			r.ByType[alertType] = n
		}
	}
	return reports, typeRows.Err()
}

// --- Alert mutations ---

// ResolveAlert marks the alert as resolved by resolvedBy at the current
// time. Resolving an already-resolved alert is a no-op that preserves the
// original resolution metadata.
func (s *Store) ResolveAlert(ctx context.Context, alertID, resolvedBy string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE alerts
		SET    resolved = TRUE, resolved_by = $2, resolved_at = now()
		WHERE  id = $1 AND NOT resolved`, alertID, resolvedBy)
	if err != nil {
		return fmt.Errorf("resolve alert %s: %w", alertID, err)
	}
	return nil
}

// DeleteAlert removes the alert identified by alertID.
func (s *Store) DeleteAlert(ctx context.Context, alertID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM alerts WHERE id = $1`, alertID)
	if err != nil {
		return fmt.Errorf("delete alert %s: %w", alertID, err)
	}
	return nil
}

// --- MonitoredFile operations ---

// ListMonitoredFiles returns the monitored files for agentID, most recently
// added first.
func (s *Store) ListMonitoredFiles(ctx context.Context, agentID string) ([]MonitoredFile, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, created_at, agent_id, file_path, added_by
		FROM   monitored_files
		WHERE  agent_id = $1
		ORDER  BY created_at DESC, id`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list monitored files: %w", err)
	}
	defer rows.Close()

	var files []MonitoredFile
	for rows.Next() {
		var f MonitoredFile
		if err := rows.Scan(&f.ID, &f.CreatedAt, &f.AgentID, &f.FilePath, &f.AddedBy); err != nil {
			return nil, fmt.Errorf("scan monitored file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// InsertMonitoredFile persists f and returns the stored row with the
// database-assigned id and timestamp. The caller is responsible for
// dispatching the corresponding monitor_file command afterwards; the two
// effects are not transactional.
func (s *Store) InsertMonitoredFile(ctx context.Context, f MonitoredFile) (*MonitoredFile, error) {
	path := strings.TrimSpace(f.FilePath)
	if path == "" {
		return nil, fmt.Errorf("insert monitored file: empty path")
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO monitored_files (agent_id, file_path, added_by)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`,
		f.AgentID, path, f.AddedBy,
	).Scan(&f.ID, &f.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert monitored file: %w", err)
	}
	f.FilePath = path
	return &f, nil
}

// DeleteMonitoredFile removes the monitored file identified by fileID and
// returns the deleted row, which carries the path needed for the follow-up
// unmonitor_file command. An error wrapping pgx.ErrNoRows is returned when
// the row does not exist.
func (s *Store) DeleteMonitoredFile(ctx context.Context, fileID string) (*MonitoredFile, error) {
	var f MonitoredFile
	err := s.pool.QueryRow(ctx, `
		DELETE FROM monitored_files
		WHERE  id = $1
		RETURNING id, created_at, agent_id, file_path, added_by`, fileID).
		Scan(&f.ID, &f.CreatedAt, &f.AgentID, &f.FilePath, &f.AddedBy)
	if err != nil {
		return nil, fmt.Errorf("delete monitored file %s: %w", fileID, err)
	}
	return &f, nil
}

// --- internal helpers ---

// scanner is satisfied by both pgx.Row and pgx.Rows, allowing shared scan
// helpers across single-row and multi-row queries.
type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(s scanner) (*Agent, error) {
	var a Agent
	err := s.Scan(&a.ID, &a.CreatedAt, &a.Name, &a.OwnerID, &a.LastSeen, &a.IsOnline)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func scanAlert(s scanner) (*Alert, error) {
	var a Alert
	var severity int
	err := s.Scan(
		&a.ID, &a.CreatedAt, &a.AgentID,
		&a.Title, &a.Message, &a.AlertType,
		&severity,
		&a.Resolved, &a.ResolvedBy, &a.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Severity = Severity(severity)
	return &a, nil
}
