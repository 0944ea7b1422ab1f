package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nstogner/aide/pkg/domain"
	"github.com/nstogner/aide/pkg/store"
)

// Store implements all persistence interfaces using SQLite.
type Store struct {
	db *sql.DB
}

// Verify interface compliance at compile time.
var _ store.TrajectoryStore = (*Store)(nil)
var _ store.AutomationStore = (*Store)(nil)
var _ store.ExecutionStore = (*Store)(nil)
var _ store.ConfirmationStore = (*Store)(nil)
var _ store.UserStore = (*Store)(nil)

// New opens (or creates) a SQLite database at the given path and runs
// migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		timezone TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS steps (
		id TEXT PRIMARY KEY,
		trajectory_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (trajectory_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_steps_trajectory_seq ON steps(trajectory_id, seq);

	CREATE TABLE IF NOT EXISTS automations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		prompt TEXT NOT NULL DEFAULT '',
		trigger_type TEXT NOT NULL DEFAULT 'external',
		trigger_config TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		max_iterations INTEGER NOT NULL DEFAULT 0,
		max_per_hour INTEGER NOT NULL DEFAULT 0,
		max_per_day INTEGER NOT NULL DEFAULT 0,
		last_executed_at DATETIME,
		next_scheduled_at DATETIME,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_automations_user ON automations(user_id);

	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		automation_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		trigger_data TEXT NOT NULL DEFAULT '{}',
		started_at DATETIME,
		completed_at DATETIME,
		error_message TEXT NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (automation_id) REFERENCES automations(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_executions_automation ON executions(automation_id, created_at);

	CREATE TABLE IF NOT EXISTS confirmations (
		id TEXT PRIMARY KEY,
		execution_id TEXT NOT NULL,
		request TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'pending',
		expires_at DATETIME NOT NULL,
		responded_at DATETIME,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (execution_id) REFERENCES executions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_confirmations_status ON confirmations(status, expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- TrajectoryStore ---

func (s *Store) AppendStep(ctx context.Context, step *domain.Step) error {
	if step.CreatedAt.IsZero() {
		step.CreatedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("marshal step: %w", err)
	}

	// Next sequence number for this trajectory.
	var maxSeq int
	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM steps WHERE trajectory_id=?`,
		step.TrajectoryID,
	).Scan(&maxSeq)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO steps (id, trajectory_id, seq, kind, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		step.ID, step.TrajectoryID, maxSeq+1, step.Kind, string(payload), step.CreatedAt,
	)
	return err
}

func (s *Store) Steps(ctx context.Context, trajectoryID string) ([]domain.Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM steps WHERE trajectory_id=? ORDER BY seq ASC`,
		trajectoryID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []domain.Step
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var step domain.Step
		if err := json.Unmarshal([]byte(payload), &step); err != nil {
			return nil, fmt.Errorf("unmarshal step: %w", err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// --- AutomationStore ---

func (s *Store) CreateAutomation(ctx context.Context, a *domain.Automation) error {
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO automations (id, user_id, name, prompt, trigger_type, trigger_config, status, max_iterations, max_per_hour, max_per_day, next_scheduled_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, a.Name, a.Prompt, a.TriggerType, a.TriggerConfig, a.Status,
		a.MaxIterations, a.MaxExecutionsPerHour, a.MaxExecutionsPerDay,
		nullTime(a.NextScheduledAt), a.CreatedAt, a.UpdatedAt,
	)
	return err
}

const automationCols = `id, user_id, name, prompt, trigger_type, trigger_config, status, max_iterations, max_per_hour, max_per_day, last_executed_at, next_scheduled_at, created_at, updated_at`

func scanAutomation(row interface{ Scan(...any) error }) (*domain.Automation, error) {
	a := &domain.Automation{}
	var lastExec, nextSched sql.NullTime
	err := row.Scan(&a.ID, &a.UserID, &a.Name, &a.Prompt, &a.TriggerType, &a.TriggerConfig,
		&a.Status, &a.MaxIterations, &a.MaxExecutionsPerHour, &a.MaxExecutionsPerDay,
		&lastExec, &nextSched, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.LastExecutedAt = timePtr(lastExec)
	a.NextScheduledAt = timePtr(nextSched)
	return a, nil
}

func (s *Store) GetAutomation(ctx context.Context, id string) (*domain.Automation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+automationCols+` FROM automations WHERE id=?`, id)
	a, err := scanAutomation(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("automation %s: %w", id, store.ErrNotFound)
	}
	return a, err
}

// ListAutomations returns the user's automations; an empty userID
// lists all of them.
func (s *Store) ListAutomations(ctx context.Context, userID string) ([]domain.Automation, error) {
	query := `SELECT ` + automationCols + ` FROM automations ORDER BY created_at DESC`
	args := []any{}
	if userID != "" {
		query = `SELECT ` + automationCols + ` FROM automations WHERE user_id=? ORDER BY created_at DESC`
		args = append(args, userID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Automation
	for rows.Next() {
		a, err := scanAutomation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *Store) UpdateAutomation(ctx context.Context, a *domain.Automation) error {
	a.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE automations SET name=?, prompt=?, trigger_type=?, trigger_config=?, status=?, max_iterations=?, max_per_hour=?, max_per_day=?, next_scheduled_at=?, updated_at=?
		 WHERE id=?`,
		a.Name, a.Prompt, a.TriggerType, a.TriggerConfig, a.Status,
		a.MaxIterations, a.MaxExecutionsPerHour, a.MaxExecutionsPerDay,
		nullTime(a.NextScheduledAt), a.UpdatedAt, a.ID,
	)
	if err != nil {
		return err
	}
	return requireRow(result, "automation", a.ID)
}

func (s *Store) DeleteAutomation(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM automations WHERE id=?`, id)
	if err != nil {
		return err
	}
	return requireRow(result, "automation", id)
}

func (s *Store) TouchLastExecuted(ctx context.Context, id string, t time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE automations SET last_executed_at=?, updated_at=? WHERE id=?`,
		t.UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	return requireRow(result, "automation", id)
}

// --- ExecutionStore ---

func (s *Store) CreateExecution(ctx context.Context, e *domain.Execution) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	trigger, err := json.Marshal(e.TriggerData)
	if err != nil {
		return fmt.Errorf("marshal trigger data: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, automation_id, status, trigger_data, started_at, completed_at, error_message, retry_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AutomationID, e.Status, string(trigger),
		nullTime(e.StartedAt), nullTime(e.CompletedAt), e.ErrorMessage, e.RetryCount, e.CreatedAt,
	)
	return err
}

const executionCols = `id, automation_id, status, trigger_data, started_at, completed_at, error_message, retry_count, created_at`

func scanExecution(row interface{ Scan(...any) error }) (*domain.Execution, error) {
	e := &domain.Execution{}
	var trigger string
	var started, completed sql.NullTime
	err := row.Scan(&e.ID, &e.AutomationID, &e.Status, &trigger,
		&started, &completed, &e.ErrorMessage, &e.RetryCount, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(trigger), &e.TriggerData); err != nil {
		return nil, fmt.Errorf("unmarshal trigger data: %w", err)
	}
	e.StartedAt = timePtr(started)
	e.CompletedAt = timePtr(completed)
	return e, nil
}

func (s *Store) GetExecution(ctx context.Context, id string) (*domain.Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionCols+` FROM executions WHERE id=?`, id)
	e, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("execution %s: %w", id, store.ErrNotFound)
	}
	return e, err
}

func (s *Store) UpdateExecution(ctx context.Context, e *domain.Execution) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status=?, started_at=?, completed_at=?, error_message=? WHERE id=?`,
		e.Status, nullTime(e.StartedAt), nullTime(e.CompletedAt), e.ErrorMessage, e.ID,
	)
	if err != nil {
		return err
	}
	return requireRow(result, "execution", e.ID)
}

func (s *Store) ListExecutions(ctx context.Context, automationID string, limit int) ([]domain.Execution, error) {
	query := `SELECT ` + executionCols + ` FROM executions WHERE automation_id=? ORDER BY created_at DESC`
	args := []any{automationID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *Store) IncrementRetry(ctx context.Context, id string) (int, error) {
	_, err := s.db.ExecContext(ctx,
		`UPDATE executions SET retry_count = retry_count + 1 WHERE id=?`, id)
	if err != nil {
		return 0, err
	}
	var n int
	err = s.db.QueryRowContext(ctx,
		`SELECT retry_count FROM executions WHERE id=?`, id).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("execution %s: %w", id, store.ErrNotFound)
	}
	return n, err
}

func (s *Store) CountExecutionsSince(ctx context.Context, automationID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM executions WHERE automation_id=? AND created_at >= ?`,
		automationID, since.UTC(),
	).Scan(&n)
	return n, err
}

// --- ConfirmationStore ---

func (s *Store) CreateConfirmation(ctx context.Context, c *domain.PendingConfirmation) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	request, err := json.Marshal(c.Request)
	if err != nil {
		return fmt.Errorf("marshal confirmation request: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO confirmations (id, execution_id, request, status, expires_at, responded_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ExecutionID, string(request), c.Status, c.ExpiresAt.UTC(),
		nullTime(c.RespondedAt), c.CreatedAt,
	)
	return err
}

const confirmationCols = `id, execution_id, request, status, expires_at, responded_at, created_at`

func scanConfirmation(row interface{ Scan(...any) error }) (*domain.PendingConfirmation, error) {
	c := &domain.PendingConfirmation{}
	var request string
	var responded sql.NullTime
	err := row.Scan(&c.ID, &c.ExecutionID, &request, &c.Status, &c.ExpiresAt, &responded, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(request), &c.Request); err != nil {
		return nil, fmt.Errorf("unmarshal confirmation request: %w", err)
	}
	c.RespondedAt = timePtr(responded)
	return c, nil
}

func (s *Store) GetConfirmation(ctx context.Context, id string) (*domain.PendingConfirmation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+confirmationCols+` FROM confirmations WHERE id=?`, id)
	c, err := scanConfirmation(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("confirmation %s: %w", id, store.ErrNotFound)
	}
	return c, err
}

func (s *Store) UpdateConfirmationStatus(ctx context.Context, id string, status domain.ConfirmationStatus, respondedAt *time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE confirmations SET status=?, responded_at=? WHERE id=?`,
		status, nullTime(respondedAt), id,
	)
	if err != nil {
		return err
	}
	return requireRow(result, "confirmation", id)
}

func (s *Store) ListPendingConfirmations(ctx context.Context, userID string) ([]domain.PendingConfirmationView, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.execution_id, c.request, c.status, c.expires_at, c.responded_at, c.created_at, a.name
		 FROM confirmations c
		 JOIN executions e ON e.id = c.execution_id
		 JOIN automations a ON a.id = e.automation_id
		 WHERE a.user_id=? AND c.status=?
		 ORDER BY c.created_at ASC`,
		userID, domain.ConfirmationPending,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PendingConfirmationView
	for rows.Next() {
		var v domain.PendingConfirmationView
		var request string
		var responded sql.NullTime
		if err := rows.Scan(&v.ID, &v.ExecutionID, &request, &v.Status, &v.ExpiresAt,
			&responded, &v.CreatedAt, &v.AutomationName); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(request), &v.Request); err != nil {
			return nil, fmt.Errorf("unmarshal confirmation request: %w", err)
		}
		v.RespondedAt = timePtr(responded)
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) ExpirePending(ctx context.Context, now time.Time) ([]domain.PendingConfirmation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+confirmationCols+` FROM confirmations WHERE status=? AND expires_at <= ?`,
		domain.ConfirmationPending, now.UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var expired []domain.PendingConfirmation
	for rows.Next() {
		c, err := scanConfirmation(rows)
		if err != nil {
			return nil, err
		}
		expired = append(expired, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range expired {
		if err := s.UpdateConfirmationStatus(ctx, expired[i].ID, domain.ConfirmationExpired, nil); err != nil {
			return nil, err
		}
		expired[i].Status = domain.ConfirmationExpired
	}
	return expired, nil
}

// --- UserStore ---

func (s *Store) CreateUser(ctx context.Context, u *domain.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, timezone, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.Name, u.Timezone, u.CreatedAt,
	)
	return err
}

func (s *Store) GetUser(ctx context.Context, id string) (*domain.User, error) {
	u := &domain.User{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, timezone, created_at FROM users WHERE id=?`, id,
	).Scan(&u.ID, &u.Name, &u.Timezone, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user %s: %w", id, store.ErrNotFound)
	}
	return u, err
}

// --- helpers ---

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func requireRow(result sql.Result, kind, id string) error {
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, store.ErrNotFound)
	}
	return nil
}
