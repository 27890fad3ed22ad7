package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"

	"github.com/goliatone/go-orchestrator"
	"github.com/goliatone/go-orchestrator/audit"
)

// Dialect selects the SQL flavour of a SQLStore.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// ParseDialect accepts the common driver aliases.
func ParseDialect(v string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "postgresql", "pgx":
		return DialectPostgres, nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", v)
	}
}

// rebind rewrites ? placeholders into $n for postgres.
func (d Dialect) rebind(q string) string {
	if d != DialectPostgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 16)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// rowLock is appended to single row reads inside a transaction. SQLite
// serializes writers so it needs none.
func (d Dialect) rowLock() string {
	if d == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

func (d Dialect) claimLock() string {
	if d == DialectPostgres {
		return " FOR UPDATE OF s, e SKIP LOCKED"
	}
	return ""
}

func (d Dialect) auditSeqColumn() string {
	if d == DialectPostgres {
		return "seq BIGSERIAL PRIMARY KEY"
	}
	return "seq INTEGER PRIMARY KEY AUTOINCREMENT"
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

type tables struct {
	executions   string
	steps        string
	fingerprints string
	dlq          string
	definitions  string
	audit        string
}

func newTables(prefix string) tables {
	if prefix == "" {
		prefix = "orchestration_"
	}
	return tables{
		executions:   prefix + "executions",
		steps:        prefix + "step_executions",
		fingerprints: prefix + "fingerprints",
		dlq:          prefix + "dlq",
		definitions:  prefix + "definitions",
		audit:        prefix + "audit_events",
	}
}

// SQLOption configures a SQLStore.
type SQLOption func(*SQLStore)

// WithTablePrefix changes the "orchestration_" table prefix.
func WithTablePrefix(prefix string) SQLOption {
	return func(s *SQLStore) {
		s.tables = newTables(strings.TrimSpace(prefix))
	}
}

// WithDefaultLease sets the lease used when a claim request carries none.
func WithDefaultLease(lease time.Duration) SQLOption {
	return func(s *SQLStore) {
		if lease > 0 {
			s.defaultLease = lease
		}
	}
}

// SQLStore is a database/sql backed Store for sqlite and postgres.
type SQLStore struct {
	db           *sql.DB
	dialect      Dialect
	tables       tables
	defaultLease time.Duration
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore wraps an open database. Call Migrate before first use.
func NewSQLStore(db *sql.DB, dialect Dialect, opts ...SQLOption) *SQLStore {
	s := &SQLStore{
		db:           db,
		dialect:      dialect,
		tables:       newTables(""),
		defaultLease: 30 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// DB exposes the underlying handle.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Dialect reports the SQL flavour in use.
func (s *SQLStore) Dialect() Dialect { return s.dialect }

// Migrate creates the tables and indexes when missing.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("sql store not configured")
	}
	t := s.tables
	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			firm_id TEXT NOT NULL,
			definition_key TEXT NOT NULL,
			definition_version INTEGER NOT NULL,
			correlation_id TEXT NOT NULL DEFAULT '',
			idempotency_key TEXT NOT NULL DEFAULT '',
			step_idempotency_keys TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			input TEXT NOT NULL DEFAULT '',
			submitted_by TEXT NOT NULL DEFAULT '',
			canceled_by TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			started_at BIGINT NOT NULL DEFAULT 0,
			completed_at BIGINT NOT NULL DEFAULT 0
		)`, t.executions),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s_idem_idx ON %s (firm_id, definition_key, idempotency_key) WHERE idempotency_key <> ''`, t.executions, t.executions),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_status_idx ON %s (firm_id, status)`, t.executions, t.executions),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			firm_id TEXT NOT NULL,
			step_key TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			status TEXT NOT NULL,
			fingerprint TEXT NOT NULL DEFAULT '',
			error_class TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			result TEXT NOT NULL DEFAULT '',
			scheduled_at BIGINT NOT NULL,
			claimed_by TEXT NOT NULL DEFAULT '',
			claimed_until BIGINT NOT NULL DEFAULT 0,
			deduplicated_from TEXT NOT NULL DEFAULT '',
			reprocessed_from TEXT NOT NULL DEFAULT '',
			correlation_id TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			started_at BIGINT NOT NULL DEFAULT 0,
			completed_at BIGINT NOT NULL DEFAULT 0,
			UNIQUE (execution_id, step_key, attempt)
		)`, t.steps),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_claim_idx ON %s (status, scheduled_at)`, t.steps, t.steps),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_lease_idx ON %s (status, claimed_until)`, t.steps, t.steps),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			firm_id TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			state TEXT NOT NULL,
			step_execution_id TEXT NOT NULL,
			execution_id TEXT NOT NULL,
			step_key TEXT NOT NULL,
			result TEXT NOT NULL DEFAULT '',
			lease_until BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (firm_id, fingerprint)
		)`, t.fingerprints),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			step_execution_id TEXT NOT NULL UNIQUE,
			execution_id TEXT NOT NULL,
			firm_id TEXT NOT NULL,
			step_key TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			reason TEXT NOT NULL,
			error_class TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			fingerprint TEXT NOT NULL DEFAULT '',
			payload_snapshot TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			correlation_id TEXT NOT NULL DEFAULT '',
			enqueued_at BIGINT NOT NULL,
			reprocessed_at BIGINT NOT NULL DEFAULT 0,
			reprocessed_by TEXT NOT NULL DEFAULT '',
			reprocessed_step_id TEXT NOT NULL DEFAULT '',
			archived_at BIGINT NOT NULL DEFAULT 0,
			archived_by TEXT NOT NULL DEFAULT '',
			archive_note TEXT NOT NULL DEFAULT ''
		)`, t.dlq),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_firm_idx ON %s (firm_id, status, enqueued_at)`, t.dlq, t.dlq),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			firm_id TEXT NOT NULL,
			definition_key TEXT NOT NULL,
			version INTEGER NOT NULL,
			digest TEXT NOT NULL,
			body TEXT NOT NULL DEFAULT '',
			pinned_at BIGINT NOT NULL,
			PRIMARY KEY (firm_id, definition_key, version)
		)`, t.definitions),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			%s,
			id TEXT NOT NULL UNIQUE,
			occurred_at BIGINT NOT NULL,
			firm_id TEXT NOT NULL DEFAULT '',
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			resource_type TEXT NOT NULL,
			resource_id TEXT NOT NULL,
			correlation_id TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL DEFAULT '',
			integrity_sha256 TEXT NOT NULL DEFAULT ''
		)`, t.audit, s.dialect.auditSeqColumn()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_resource_idx ON %s (resource_type, resource_id)`, t.audit, t.audit),
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// RunInTransaction executes fn in a DB transaction.
func (s *SQLStore) RunInTransaction(ctx context.Context, fn func(Tx) error) error {
	if s == nil || s.db == nil {
		return errors.New("sql store not configured")
	}
	if fn == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(s.ops(tx, true)); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) ops(q queryer, locking bool) *sqlTx {
	return &sqlTx{q: q, d: s.dialect, t: s.tables, locking: locking}
}

// ClaimPending claims pending steps with a worker lease.
func (s *SQLStore) ClaimPending(ctx context.Context, req ClaimRequest) ([]*orchestrator.StepExecution, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sql store not configured")
	}
	req, err := normalizeClaim(req, s.defaultLease)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	query := s.dialect.rebind(fmt.Sprintf(`SELECT s.id FROM %s s
		JOIN %s e ON e.id = s.execution_id
		WHERE s.status = ? AND s.scheduled_at <= ? AND e.status IN (?, ?)
		ORDER BY s.scheduled_at ASC, s.id ASC
		LIMIT ?%s`, s.tables.steps, s.tables.executions, s.dialect.claimLock()))
	rows, err := tx.QueryContext(ctx, query,
		string(orchestrator.StepPending),
		toNanos(req.Now),
		string(orchestrator.ExecutionPending),
		string(orchestrator.ExecutionRunning),
		req.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select claimable steps: %w", err)
	}
	ids := make([]string, 0, req.Limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	claimStep := s.dialect.rebind(fmt.Sprintf(`UPDATE %s
		SET status = ?, claimed_by = ?, claimed_until = ?, started_at = 0
		WHERE id = ? AND status = ?`, s.tables.steps))
	startExecution := s.dialect.rebind(fmt.Sprintf(`UPDATE %s
		SET status = ?, started_at = ?
		WHERE id = ? AND status = ?`, s.tables.executions))

	ops := s.ops(tx, false)
	claimed := make([]*orchestrator.StepExecution, 0, len(ids))
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, claimStep,
			string(orchestrator.StepRunning), req.WorkerID, toNanos(req.LeaseUntil),
			id, string(orchestrator.StepPending),
		)
		if err != nil {
			return nil, fmt.Errorf("claim step %s: %w", id, err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			continue
		}
		step, err := ops.LoadStep(ctx, id)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, startExecution,
			string(orchestrator.ExecutionRunning), toNanos(req.Now),
			step.ExecutionID, string(orchestrator.ExecutionPending),
		); err != nil {
			return nil, fmt.Errorf("start execution %s: %w", step.ExecutionID, err)
		}
		claimed = append(claimed, step)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	tx = nil
	return claimed, nil
}

func (s *SQLStore) ListExpiredClaims(ctx context.Context, now time.Time, limit int) ([]*orchestrator.StepExecution, error) {
	if limit <= 0 {
		limit = 100
	}
	q := s.dialect.rebind(fmt.Sprintf(`SELECT %s FROM %s
		WHERE status = ? AND claimed_until < ?
		ORDER BY claimed_until ASC, id ASC
		LIMIT ?`, stepColumns, s.tables.steps))
	return s.ops(s.db, false).querySteps(ctx, q, string(orchestrator.StepRunning), toNanos(now), limit)
}

func (s *SQLStore) LoadExecution(ctx context.Context, id string) (*orchestrator.Execution, error) {
	return s.ops(s.db, false).LockExecution(ctx, id)
}

func (s *SQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*orchestrator.Execution, error) {
	var (
		where []string
		args  []any
	)
	if filter.FirmID != "" {
		where = append(where, "firm_id = ?")
		args = append(args, filter.FirmID)
	}
	if filter.DefinitionKey != "" {
		where = append(where, "definition_key = ?")
		args = append(args, filter.DefinitionKey)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	q := fmt.Sprintf(`SELECT %s FROM %s%s ORDER BY created_at ASC, id ASC`, executionColumns, s.tables.executions, whereClause(where))
	if filter.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()
	var out []*orchestrator.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

func (s *SQLStore) ListSteps(ctx context.Context, executionID string) ([]*orchestrator.StepExecution, error) {
	return s.ops(s.db, false).ListSteps(ctx, executionID)
}

func (s *SQLStore) LoadDLQ(ctx context.Context, id string) (*orchestrator.DLQEntry, error) {
	return s.ops(s.db, false).LoadDLQ(ctx, id)
}

func (s *SQLStore) LoadDefinitionPin(ctx context.Context, firmID, key string, version int) (*DefinitionPin, error) {
	return s.ops(s.db, false).loadPin(ctx, firmID, key, version)
}

func (s *SQLStore) ListDLQ(ctx context.Context, filter DLQFilter) ([]*orchestrator.DLQEntry, error) {
	var (
		where []string
		args  []any
	)
	if filter.FirmID != "" {
		where = append(where, "firm_id = ?")
		args = append(args, filter.FirmID)
	}
	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.StepKey != "" {
		where = append(where, "step_key = ?")
		args = append(args, filter.StepKey)
	}
	if filter.Reason != "" {
		where = append(where, "reason = ?")
		args = append(args, string(filter.Reason))
	}
	statuses := filter.Statuses
	if len(statuses) == 0 {
		statuses = []orchestrator.DLQStatus{orchestrator.DLQActive}
	}
	where = append(where, "status IN ("+placeholders(len(statuses))+")")
	for _, st := range statuses {
		args = append(args, string(st))
	}
	q := fmt.Sprintf(`SELECT %s FROM %s%s ORDER BY enqueued_at ASC, id ASC`, dlqColumns, s.tables.dlq, whereClause(where))
	if filter.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("list dlq: %w", err)
	}
	defer rows.Close()
	var out []*orchestrator.DLQEntry
	for rows.Next() {
		entry, err := scanDLQ(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *SQLStore) ListAudit(ctx context.Context, filter AuditFilter) ([]audit.Event, error) {
	var (
		where []string
		args  []any
	)
	if filter.FirmID != "" {
		where = append(where, "firm_id = ?")
		args = append(args, filter.FirmID)
	}
	if filter.ResourceType != "" {
		where = append(where, "resource_type = ?")
		args = append(args, filter.ResourceType)
	}
	if filter.ResourceID != "" {
		where = append(where, "resource_id = ?")
		args = append(args, filter.ResourceID)
	}
	if filter.Action != "" {
		where = append(where, "action = ?")
		args = append(args, filter.Action)
	}
	q := fmt.Sprintf(`SELECT id, occurred_at, firm_id, actor, action, resource_type, resource_id, correlation_id, payload
		FROM %s%s ORDER BY seq ASC`, s.tables.audit, whereClause(where))
	if filter.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()
	var out []audit.Event
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func whereClause(parts []string) string {
	if len(parts) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(parts, " AND ")
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func ptrNanos(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return toNanos(*t)
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func ptrFromNanos(n int64) *time.Time {
	if n == 0 {
		return nil
	}
	ts := time.Unix(0, n).UTC()
	return &ts
}
