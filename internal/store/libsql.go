package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/botflow-dev/botflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite
// fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/botflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Connection-level PRAGMAs. Some return rows so QueryRow is used.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
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

// --- Flows ---

// SaveFlow upserts a flow snapshot, bumping the version on update.
func (s *LibSQLStore) SaveFlow(ctx context.Context, rec *FlowRecord) error {
	def, err := json.Marshal(rec.Definition)
	if err != nil {
		return fmt.Errorf("marshal flow definition: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO flows (id, name, version, definition, created_at, updated_at)
		 VALUES (?, ?, 1, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name=excluded.name,
			version=flows.version+1,
			definition=excluded.definition,
			updated_at=excluded.updated_at`,
		rec.ID, nullStr(rec.Name), string(def), timeOrNow(rec.CreatedAt), now,
	)
	return err
}

func (s *LibSQLStore) GetFlow(ctx context.Context, id string) (*FlowRecord, error) {
	rec := &FlowRecord{}
	var name sql.NullString
	var defJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, version, definition, created_at, updated_at FROM flows WHERE id = ?`, id,
	).Scan(&rec.ID, &name, &rec.Version, &defJSON, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("flow", id)
	}
	if err != nil {
		return nil, err
	}
	rec.Name = name.String
	if err := json.Unmarshal([]byte(defJSON), &rec.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal flow definition: %w", err)
	}
	return rec, nil
}

func (s *LibSQLStore) ListFlows(ctx context.Context) ([]*FlowRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, version, definition, created_at, updated_at FROM flows ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flows []*FlowRecord
	for rows.Next() {
		rec := &FlowRecord{}
		var name sql.NullString
		var defJSON string
		if err := rows.Scan(&rec.ID, &name, &rec.Version, &defJSON, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.Name = name.String
		if err := json.Unmarshal([]byte(defJSON), &rec.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal flow definition: %w", err)
		}
		flows = append(flows, rec)
	}
	return flows, rows.Err()
}

func (s *LibSQLStore) DeleteFlow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM flows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "flow", id)
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, flow_id, flow_version, session_id, user_id, status, trigger_block_id, message, outputs, diagnostics, steps, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.FlowID, run.FlowVersion, nullStr(run.SessionID), nullStr(run.UserID),
		string(run.Status), nullStr(run.TriggerBlockID), run.Message,
		nullRaw(run.Outputs), nullRaw(run.Diagnostics), run.Steps,
		timeOrNow(run.StartedAt), nullTime(run.FinishedAt),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	run := &Run{}
	var sessionID, userID, triggerID sql.NullString
	var outputs, diagnostics sql.NullString
	var finishedAt sql.NullTime
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, flow_id, flow_version, session_id, user_id, status, trigger_block_id, message, outputs, diagnostics, steps, started_at, finished_at
		 FROM runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.FlowID, &run.FlowVersion, &sessionID, &userID, &status,
		&triggerID, &run.Message, &outputs, &diagnostics, &run.Steps, &run.StartedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, err
	}
	run.SessionID = sessionID.String
	run.UserID = userID.String
	run.Status = schema.RunStatus(status)
	run.TriggerBlockID = triggerID.String
	run.Outputs = rawOrNil(outputs)
	run.Diagnostics = rawOrNil(diagnostics)
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	return run, nil
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Outputs != nil {
		sets = append(sets, "outputs = ?")
		args = append(args, string(update.Outputs))
	}
	if update.Diagnostics != nil {
		sets = append(sets, "diagnostics = ?")
		args = append(args, string(update.Diagnostics))
	}
	if update.Steps != nil {
		sets = append(sets, "steps = ?")
		args = append(args, *update.Steps)
	}
	if update.FinishedAt != nil {
		sets = append(sets, "finished_at = ?")
		args = append(args, *update.FinishedAt)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	query := `SELECT id, flow_id, flow_version, session_id, user_id, status, trigger_block_id, message, outputs, diagnostics, steps, started_at, finished_at FROM runs`
	var where []string
	var args []any

	if filter.FlowID != "" {
		where = append(where, "flow_id = ?")
		args = append(args, filter.FlowID)
	}
	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run := &Run{}
		var sessionID, userID, triggerID sql.NullString
		var outputs, diagnostics sql.NullString
		var finishedAt sql.NullTime
		var status string
		if err := rows.Scan(&run.ID, &run.FlowID, &run.FlowVersion, &sessionID, &userID, &status,
			&triggerID, &run.Message, &outputs, &diagnostics, &run.Steps, &run.StartedAt, &finishedAt); err != nil {
			return nil, err
		}
		run.SessionID = sessionID.String
		run.UserID = userID.String
		run.Status = schema.RunStatus(status)
		run.TriggerBlockID = triggerID.String
		run.Outputs = rawOrNil(outputs)
		run.Diagnostics = rawOrNil(diagnostics)
		if finishedAt.Valid {
			run.FinishedAt = &finishedAt.Time
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// --- Events ---

// AppendEvent appends an event via the event log's per-run sequencing.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	return NewEventLog(s).AppendEvent(ctx, event)
}

func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, block_id, event_type, payload, timestamp, sequence
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	query := `SELECT id, run_id, block_id, event_type, payload, timestamp, sequence FROM events WHERE event_type = ?`
	args := []any{eventType}
	if filter.RunID != "" {
		query += " AND run_id = ?"
		args = append(args, filter.RunID)
	}
	query += " ORDER BY id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var blockID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &blockID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.BlockID = blockID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Paused runs ---

func (s *LibSQLStore) SavePausedRun(ctx context.Context, pr *PausedRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO paused_runs (run_id, flow_id, block_id, context, resume_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET
			block_id=excluded.block_id,
			context=excluded.context,
			resume_at=excluded.resume_at`,
		pr.RunID, pr.FlowID, pr.BlockID, string(pr.Context), pr.ResumeAt, timeOrNow(pr.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) DuePausedRuns(ctx context.Context, now time.Time) ([]*PausedRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, flow_id, block_id, context, resume_at, created_at
		 FROM paused_runs WHERE resume_at <= ? ORDER BY resume_at ASC`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var paused []*PausedRun
	for rows.Next() {
		pr := &PausedRun{}
		var contextJSON string
		if err := rows.Scan(&pr.RunID, &pr.FlowID, &pr.BlockID, &contextJSON, &pr.ResumeAt, &pr.CreatedAt); err != nil {
			return nil, err
		}
		pr.Context = json.RawMessage(contextJSON)
		paused = append(paused, pr)
	}
	return paused, rows.Err()
}

func (s *LibSQLStore) DeletePausedRun(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM paused_runs WHERE run_id = ?`, runID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "paused run", runID)
}

// --- Broadcasts ---

func (s *LibSQLStore) CreateBroadcast(ctx context.Context, b *Broadcast) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO broadcasts (id, flow_id, cron_expr, message, session_id, enabled, last_run_at, next_run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.FlowID, b.CronExpr, b.Message, nullStr(b.SessionID),
		boolToInt(b.Enabled), nullTime(b.LastRunAt), nullTime(b.NextRunAt), timeOrNow(b.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetBroadcast(ctx context.Context, id string) (*Broadcast, error) {
	b := &Broadcast{}
	var sessionID sql.NullString
	var lastRun, nextRun sql.NullTime
	var enabled int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, flow_id, cron_expr, message, session_id, enabled, last_run_at, next_run_at, created_at
		 FROM broadcasts WHERE id = ?`, id,
	).Scan(&b.ID, &b.FlowID, &b.CronExpr, &b.Message, &sessionID, &enabled, &lastRun, &nextRun, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("broadcast", id)
	}
	if err != nil {
		return nil, err
	}
	b.SessionID = sessionID.String
	b.Enabled = enabled != 0
	if lastRun.Valid {
		b.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		b.NextRunAt = &nextRun.Time
	}
	return b, nil
}

func (s *LibSQLStore) UpdateBroadcast(ctx context.Context, id string, update BroadcastUpdate) error {
	var sets []string
	var args []any

	if update.CronExpr != nil {
		sets = append(sets, "cron_expr = ?")
		args = append(args, *update.CronExpr)
	}
	if update.Message != nil {
		sets = append(sets, "message = ?")
		args = append(args, *update.Message)
	}
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolToInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE broadcasts SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "broadcast", id)
}

func (s *LibSQLStore) ListBroadcasts(ctx context.Context, enabledOnly bool) ([]*Broadcast, error) {
	query := `SELECT id, flow_id, cron_expr, message, session_id, enabled, last_run_at, next_run_at, created_at FROM broadcasts`
	if enabledOnly {
		query += " WHERE enabled = 1"
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var broadcasts []*Broadcast
	for rows.Next() {
		b := &Broadcast{}
		var sessionID sql.NullString
		var lastRun, nextRun sql.NullTime
		var enabled int
		if err := rows.Scan(&b.ID, &b.FlowID, &b.CronExpr, &b.Message, &sessionID, &enabled, &lastRun, &nextRun, &b.CreatedAt); err != nil {
			return nil, err
		}
		b.SessionID = sessionID.String
		b.Enabled = enabled != 0
		if lastRun.Valid {
			b.LastRunAt = &lastRun.Time
		}
		if nextRun.Valid {
			b.NextRunAt = &nextRun.Time
		}
		broadcasts = append(broadcasts, b)
	}
	return broadcasts, rows.Err()
}

func (s *LibSQLStore) DeleteBroadcast(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM broadcasts WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "broadcast", id)
}

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

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Store = (*LibSQLStore)(nil)
