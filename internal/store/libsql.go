package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/gridflow/gridflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Graphs ---

func (s *LibSQLStore) CreateGraph(ctx context.Context, def *schema.GraphDefinition) error {
	return s.insertGraphVersion(ctx, def, false)
}

func (s *LibSQLStore) SaveGraphVersion(ctx context.Context, def *schema.GraphDefinition) error {
	return s.insertGraphVersion(ctx, def, true)
}

func (s *LibSQLStore) insertGraphVersion(ctx context.Context, def *schema.GraphDefinition, requireExisting bool) error {
	raw, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal graph definition: %w", err)
	}
	if requireExisting {
		var count int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM graphs WHERE tenant_id = ? AND id = ?`, def.TenantID, def.ID,
		).Scan(&count)
		if err != nil {
			return err
		}
		if count == 0 {
			return storeNotFound("graph", def.ID)
		}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO graphs (tenant_id, id, version, name, status, definition, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		def.TenantID, def.ID, def.Version, def.Name, string(def.Status), string(raw),
		time.Now().UTC(), time.Now().UTC(),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return schema.NewErrorf(schema.ErrCodeConflict, "graph %s version %d already exists", def.ID, def.Version)
	}
	return err
}

func (s *LibSQLStore) GetGraph(ctx context.Context, tenantID, graphID string) (*schema.GraphDefinition, error) {
	return s.scanGraph(s.db.QueryRowContext(ctx,
		`SELECT definition FROM graphs WHERE tenant_id = ? AND id = ?
		 ORDER BY version DESC LIMIT 1`, tenantID, graphID), graphID)
}

func (s *LibSQLStore) GetGraphVersion(ctx context.Context, tenantID, graphID string, version int) (*schema.GraphDefinition, error) {
	return s.scanGraph(s.db.QueryRowContext(ctx,
		`SELECT definition FROM graphs WHERE tenant_id = ? AND id = ? AND version = ?`,
		tenantID, graphID, version), graphID)
}

func (s *LibSQLStore) scanGraph(row *sql.Row, graphID string) (*schema.GraphDefinition, error) {
	var raw string
	err := row.Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("graph", graphID)
	}
	if err != nil {
		return nil, err
	}
	def := &schema.GraphDefinition{}
	if err := json.Unmarshal([]byte(raw), def); err != nil {
		return nil, fmt.Errorf("unmarshal graph definition: %w", err)
	}
	return def, nil
}

func (s *LibSQLStore) UpdateDraft(ctx context.Context, def *schema.GraphDefinition) error {
	raw, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal graph definition: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE graphs SET name = ?, definition = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE tenant_id = ? AND id = ? AND version = ? AND status = 'draft'`,
		def.Name, string(raw), def.TenantID, def.ID, def.Version,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "draft graph", def.ID)
}

func (s *LibSQLStore) ListGraphs(ctx context.Context, tenantID string, filter GraphFilter) ([]*schema.GraphDefinition, error) {
	// Latest version per graph, then filter on that row.
	query := `SELECT g.definition FROM graphs g
		 JOIN (SELECT tenant_id, id, MAX(version) AS version FROM graphs
		       WHERE tenant_id = ? GROUP BY tenant_id, id) latest
		   ON g.tenant_id = latest.tenant_id AND g.id = latest.id AND g.version = latest.version`
	args := []any{tenantID}
	if filter.Status != nil {
		query += " AND g.status = ?"
		args = append(args, string(*filter.Status))
	}
	if filter.Name != "" {
		query += " AND g.name = ?"
		args = append(args, filter.Name)
	}
	query += " ORDER BY g.id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var graphs []*schema.GraphDefinition
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		def := &schema.GraphDefinition{}
		if err := json.Unmarshal([]byte(raw), def); err != nil {
			return nil, fmt.Errorf("unmarshal graph definition: %w", err)
		}
		graphs = append(graphs, def)
	}
	return graphs, rows.Err()
}

func (s *LibSQLStore) ArchiveGraph(ctx context.Context, tenantID, graphID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE graphs SET status = 'archived', updated_at = CURRENT_TIMESTAMP
		 WHERE tenant_id = ? AND id = ?`, tenantID, graphID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "graph", graphID)
}

// --- Executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *Execution) error {
	trigger, err := json.Marshal(exec.Trigger)
	if err != nil {
		return fmt.Errorf("marshal trigger: %w", err)
	}
	input, err := marshalMapOrDefault(exec.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, tenant_id, graph_id, graph_version, status, trigger_info, input, context, output, error, retry_of, total_steps, succeeded_steps, failed_steps, skipped_steps, created_at, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.TenantID, exec.GraphID, exec.GraphVersion, string(exec.Status),
		string(trigger), string(input), nullRaw(exec.Context), nullRaw(exec.Output), nullRaw(exec.Error),
		nullStr(exec.RetryOf), exec.TotalSteps, exec.SucceededSteps, exec.FailedSteps, exec.SkippedSteps,
		timeOrNow(exec.CreatedAt), nullTime(exec.StartedAt), nullTime(exec.CompletedAt),
	)
	return err
}

const executionColumns = `id, tenant_id, graph_id, graph_version, status, trigger_info, input, context, output, error, retry_of, total_steps, succeeded_steps, failed_steps, skipped_steps, created_at, started_at, completed_at`

func scanExecution(scan func(dest ...any) error) (*Execution, error) {
	exec := &Execution{}
	var (
		status, triggerJSON, inputJSON     string
		contextJSON, outputJSON, errorJSON sql.NullString
		retryOf                            sql.NullString
		startedAt, completedAt             sql.NullTime
	)
	err := scan(&exec.ID, &exec.TenantID, &exec.GraphID, &exec.GraphVersion, &status,
		&triggerJSON, &inputJSON, &contextJSON, &outputJSON, &errorJSON, &retryOf,
		&exec.TotalSteps, &exec.SucceededSteps, &exec.FailedSteps, &exec.SkippedSteps,
		&exec.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	exec.Status = schema.ExecutionStatus(status)
	if err := json.Unmarshal([]byte(triggerJSON), &exec.Trigger); err != nil {
		return nil, fmt.Errorf("unmarshal trigger: %w", err)
	}
	if inputJSON != "" {
		_ = json.Unmarshal([]byte(inputJSON), &exec.Input)
	}
	exec.Context = rawOrNil(contextJSON)
	exec.Output = rawOrNil(outputJSON)
	exec.Error = rawOrNil(errorJSON)
	exec.RetryOf = retryOf.String
	if startedAt.Valid {
		exec.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		exec.CompletedAt = &completedAt.Time
	}
	return exec, nil
}

func (s *LibSQLStore) GetExecution(ctx context.Context, tenantID, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE tenant_id = ? AND id = ?`, tenantID, id)
	exec, err := scanExecution(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	return exec, err
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, tenantID, id string, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Context != nil {
		sets = append(sets, "context = ?")
		args = append(args, string(update.Context))
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if update.Counters != nil {
		sets = append(sets, "total_steps = ?", "succeeded_steps = ?", "failed_steps = ?", "skipped_steps = ?")
		args = append(args, update.Counters.Total, update.Counters.Succeeded, update.Counters.Failed, update.Counters.Skipped)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, tenantID, id)

	query := fmt.Sprintf("UPDATE executions SET %s WHERE tenant_id = ? AND id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution", id)
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, tenantID string, filter ExecutionFilter) ([]*Execution, error) {
	where := []string{"tenant_id = ?"}
	args := []any{tenantID}

	if filter.GraphID != "" {
		where = append(where, "graph_id = ?")
		args = append(args, filter.GraphID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + executionColumns + ` FROM executions WHERE ` + strings.Join(where, " AND ") +
		" ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, err
		}
		executions = append(executions, exec)
	}
	return executions, rows.Err()
}

// --- Execution steps ---

func (s *LibSQLStore) AppendStep(ctx context.Context, step *ExecutionStep) error {
	logs, err := nullableJSONSlice(step.Logs)
	if err != nil {
		return fmt.Errorf("marshal step logs: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO execution_steps (id, tenant_id, execution_id, node_id, ordinal, status, attempts, input, output, error, logs, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.TenantID, step.ExecutionID, step.NodeID, step.Ordinal, string(step.Status),
		step.Attempts, nullRaw(step.Input), nullRaw(step.Output), nullRaw(step.Error), logs,
		timeOrNow(step.StartedAt), nullTime(step.CompletedAt), step.DurationMs,
	)
	return err
}

func (s *LibSQLStore) UpdateStep(ctx context.Context, tenantID, stepID string, update StepUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Attempts != nil {
		sets = append(sets, "attempts = ?")
		args = append(args, *update.Attempts)
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.Logs != nil {
		logs, err := json.Marshal(update.Logs)
		if err != nil {
			return fmt.Errorf("marshal step logs: %w", err)
		}
		sets = append(sets, "logs = ?")
		args = append(args, string(logs))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if update.DurationMs != nil {
		sets = append(sets, "duration_ms = ?")
		args = append(args, *update.DurationMs)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, tenantID, stepID)

	query := fmt.Sprintf("UPDATE execution_steps SET %s WHERE tenant_id = ? AND id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution step", stepID)
}

func (s *LibSQLStore) ListSteps(ctx context.Context, tenantID, executionID string) ([]*ExecutionStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, execution_id, node_id, ordinal, status, attempts, input, output, error, logs, started_at, completed_at, duration_ms
		 FROM execution_steps WHERE tenant_id = ? AND execution_id = ? ORDER BY ordinal ASC`,
		tenantID, executionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*ExecutionStep
	for rows.Next() {
		step := &ExecutionStep{}
		var (
			status                           string
			inputJSON, outputJSON, errorJSON sql.NullString
			logsJSON                         sql.NullString
			completedAt                      sql.NullTime
		)
		if err := rows.Scan(&step.ID, &step.TenantID, &step.ExecutionID, &step.NodeID, &step.Ordinal,
			&status, &step.Attempts, &inputJSON, &outputJSON, &errorJSON, &logsJSON,
			&step.StartedAt, &completedAt, &step.DurationMs); err != nil {
			return nil, err
		}
		step.Status = schema.StepStatus(status)
		step.Input = rawOrNil(inputJSON)
		step.Output = rawOrNil(outputJSON)
		step.Error = rawOrNil(errorJSON)
		if logsJSON.Valid && logsJSON.String != "" {
			_ = json.Unmarshal([]byte(logsJSON.String), &step.Logs)
		}
		if completedAt.Valid {
			step.CompletedAt = &completedAt.Time
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// --- Pending actions ---

func (s *LibSQLStore) CreatePendingAction(ctx context.Context, pa *PendingAction) error {
	reasons, err := nullableJSONSlice(pa.Reasons)
	if err != nil {
		return fmt.Errorf("marshal reasons: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pending_actions (id, tenant_id, execution_id, node_id, agent_id, action_type, risk, reasons, status, reviewer, expires_at, resolved_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pa.ID, pa.TenantID, pa.ExecutionID, pa.NodeID, nullStr(pa.AgentID), pa.ActionType,
		string(pa.Risk), reasons, string(pa.Status), nullStr(pa.Reviewer),
		pa.ExpiresAt, nullTime(pa.ResolvedAt), timeOrNow(pa.CreatedAt),
	)
	return err
}

const pendingActionColumns = `id, tenant_id, execution_id, node_id, agent_id, action_type, risk, reasons, status, reviewer, expires_at, resolved_at, created_at`

func scanPendingAction(scan func(dest ...any) error) (*PendingAction, error) {
	pa := &PendingAction{}
	var (
		agentID, reviewer, reasonsJSON sql.NullString
		risk, status                   string
		resolvedAt                     sql.NullTime
	)
	err := scan(&pa.ID, &pa.TenantID, &pa.ExecutionID, &pa.NodeID, &agentID, &pa.ActionType,
		&risk, &reasonsJSON, &status, &reviewer, &pa.ExpiresAt, &resolvedAt, &pa.CreatedAt)
	if err != nil {
		return nil, err
	}
	pa.AgentID = agentID.String
	pa.Reviewer = reviewer.String
	pa.Risk = schema.RiskLevel(risk)
	pa.Status = ApprovalStatus(status)
	if reasonsJSON.Valid && reasonsJSON.String != "" {
		_ = json.Unmarshal([]byte(reasonsJSON.String), &pa.Reasons)
	}
	if resolvedAt.Valid {
		pa.ResolvedAt = &resolvedAt.Time
	}
	return pa, nil
}

func (s *LibSQLStore) GetPendingAction(ctx context.Context, tenantID, id string) (*PendingAction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pendingActionColumns+` FROM pending_actions WHERE tenant_id = ? AND id = ?`, tenantID, id)
	pa, err := scanPendingAction(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("pending action", id)
	}
	return pa, err
}

func (s *LibSQLStore) ResolvePendingAction(ctx context.Context, tenantID, id string, status ApprovalStatus, reviewer string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_actions SET status = ?, reviewer = ?, resolved_at = CURRENT_TIMESTAMP
		 WHERE tenant_id = ? AND id = ? AND status = 'pending'`,
		string(status), nullStr(reviewer), tenantID, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish missing from already-resolved.
		if _, getErr := s.GetPendingAction(ctx, tenantID, id); getErr != nil {
			return getErr
		}
		return schema.NewErrorf(schema.ErrCodeConflict, "pending action %s already resolved", id)
	}
	return nil
}

func (s *LibSQLStore) ListPendingActions(ctx context.Context, tenantID string, filter PendingActionFilter) ([]*PendingAction, error) {
	where := []string{"tenant_id = ?"}
	args := []any{tenantID}

	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := `SELECT ` + pendingActionColumns + ` FROM pending_actions WHERE ` + strings.Join(where, " AND ") +
		" ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []*PendingAction
	for rows.Next() {
		pa, err := scanPendingAction(rows.Scan)
		if err != nil {
			return nil, err
		}
		actions = append(actions, pa)
	}
	return actions, rows.Err()
}

func (s *LibSQLStore) ExpireDuePendingActions(ctx context.Context, now time.Time) ([]*PendingAction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+pendingActionColumns+` FROM pending_actions
		 WHERE status = 'pending' AND expires_at <= ? ORDER BY created_at ASC`, now,
	)
	if err != nil {
		return nil, err
	}
	var expired []*PendingAction
	for rows.Next() {
		pa, err := scanPendingAction(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, err
		}
		expired = append(expired, pa)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, pa := range expired {
		if _, err := tx.ExecContext(ctx,
			`UPDATE pending_actions SET status = 'expired', resolved_at = ? WHERE id = ?`, now, pa.ID,
		); err != nil {
			return nil, err
		}
		t := now
		pa.Status = ApprovalExpired
		pa.ResolvedAt = &t
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit expiry: %w", err)
	}
	return expired, nil
}

// --- Schedules ---

func (s *LibSQLStore) CreateSchedule(ctx context.Context, sched *Schedule) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, tenant_id, graph_id, cron_expr, input, enabled, last_run_at, next_run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.TenantID, sched.GraphID, sched.CronExpr, nullRaw(sched.Input),
		boolToInt(sched.Enabled), nullTime(sched.LastRunAt), nullTime(sched.NextRunAt),
		timeOrNow(sched.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) UpdateScheduleRun(ctx context.Context, tenantID, id string, lastRun time.Time, nextRun *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET last_run_at = ?, next_run_at = ? WHERE tenant_id = ? AND id = ?`,
		lastRun, nullTime(nextRun), tenantID, id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func (s *LibSQLStore) SetScheduleEnabled(ctx context.Context, tenantID, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET enabled = ? WHERE tenant_id = ? AND id = ?`,
		boolToInt(enabled), tenantID, id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

const scheduleColumns = `id, tenant_id, graph_id, cron_expr, input, enabled, last_run_at, next_run_at, created_at`

func scanSchedule(scan func(dest ...any) error) (*Schedule, error) {
	sched := &Schedule{}
	var (
		inputJSON            sql.NullString
		enabled              int
		lastRunAt, nextRunAt sql.NullTime
	)
	err := scan(&sched.ID, &sched.TenantID, &sched.GraphID, &sched.CronExpr,
		&inputJSON, &enabled, &lastRunAt, &nextRunAt, &sched.CreatedAt)
	if err != nil {
		return nil, err
	}
	sched.Input = rawOrNil(inputJSON)
	sched.Enabled = enabled != 0
	if lastRunAt.Valid {
		sched.LastRunAt = &lastRunAt.Time
	}
	if nextRunAt.Valid {
		sched.NextRunAt = &nextRunAt.Time
	}
	return sched, nil
}

func (s *LibSQLStore) ListSchedules(ctx context.Context, tenantID string) ([]*Schedule, error) {
	return s.querySchedules(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE tenant_id = ? ORDER BY id`, tenantID)
}

func (s *LibSQLStore) ListDueSchedules(ctx context.Context, now time.Time) ([]*Schedule, error) {
	return s.querySchedules(ctx,
		`SELECT `+scheduleColumns+` FROM schedules
		 WHERE enabled = 1 AND (next_run_at IS NULL OR next_run_at <= ?) ORDER BY id`, now)
}

func (s *LibSQLStore) querySchedules(ctx context.Context, query string, args ...any) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sched)
	}
	return schedules, rows.Err()
}

// --- Telemetry events ---

// AppendEvent inserts an event with a monotonically increasing per-execution
// sequence. The read-then-insert runs inside a single transaction; with
// MaxOpenConns(1) and WAL busy_timeout this is safe under concurrency.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (tenant_id, execution_id, node_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.TenantID, event.ExecutionID, nullStr(event.NodeID), event.Type,
		nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) ListEvents(ctx context.Context, tenantID, executionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, execution_id, node_id, event_type, payload, timestamp, sequence
		 FROM events WHERE tenant_id = ? AND execution_id = ? AND sequence > ?
		 ORDER BY sequence ASC`,
		tenantID, executionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var nodeID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TenantID, &e.ExecutionID, &nodeID, &e.Type,
			&payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.NodeID = nodeID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

var _ Store = (*LibSQLStore)(nil)

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func nullableJSONSlice(vals []string) (any, error) {
	if len(vals) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(vals)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
