package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/foremanlabs/foreman/pkg/models"
)

//go:embed schema_postgres.sql
var schemaPostgres string

//go:embed schema_sqlite.sql
var schemaSQLite string

// dialect captures the differences between the two SQL backends. Everything
// else — placeholders, RETURNING, the transaction shapes — is shared.
type dialect struct {
	name   string
	schema string

	// forUpdate is appended to row lookups that must hold a lock for the
	// rest of the transaction. Empty on sqlite, whose transactions are
	// opened immediate and already serialize writers.
	forUpdate string

	// skipLocked is appended to the claim subquery so concurrent claimers
	// never block on each other.
	skipLocked string

	isUniqueViolation func(error) bool
}

// querier is the query surface shared by *sql.DB, *sql.Conn and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// SQLStore implements Store over postgres or sqlite.
//
// The zero-conn form operates on the pool. OpenSession returns a view pinned
// to a single pooled connection; closing the view releases the connection,
// never the pool.
type SQLStore struct {
	db      *sql.DB
	conn    *sql.Conn
	dialect dialect
}

func newSQLStore(db *sql.DB, d dialect) *SQLStore {
	return &SQLStore{db: db, dialect: d}
}

func (s *SQLStore) q() querier {
	if s.conn != nil {
		return s.conn
	}
	return s.db
}

func (s *SQLStore) begin(ctx context.Context) (*sql.Tx, error) {
	if s.conn != nil {
		return s.conn.BeginTx(ctx, nil)
	}
	return s.db.BeginTx(ctx, nil)
}

func (s *SQLStore) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", op, err)
	}
	return nil
}

// OpenSession pins a Store view to one pooled connection.
func (s *SQLStore) OpenSession(ctx context.Context) (Store, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	return &SQLStore{db: s.db, conn: conn, dialect: s.dialect}, nil
}

func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.q().ExecContext(ctx, s.dialect.schema); err != nil {
		return fmt.Errorf("apply %s schema: %w", s.dialect.name, err)
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	if s.conn != nil {
		return s.conn.PingContext(ctx)
	}
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return s.db.Close()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// ---------------------------------------------------------------------------
// Runs
// ---------------------------------------------------------------------------

const runColumns = `id, public_id, owner_id, thread_id, status, model, reasoning_effort,
	assistant_message_id, trace_id, iterations, last_event_id,
	prompt_tokens, completion_tokens, total_tokens, reasoning_tokens,
	error, error_kind, created_at, started_at, finished_at, duration_ms`

func scanRun(row scanner) (*models.Run, error) {
	var run models.Run
	var status string
	var startedAt, finishedAt sql.NullTime
	if err := row.Scan(
		&run.ID,
		&run.PublicID,
		&run.OwnerID,
		&run.ThreadID,
		&status,
		&run.Model,
		&run.ReasoningEffort,
		&run.AssistantMessageID,
		&run.TraceID,
		&run.Iterations,
		&run.LastEventID,
		&run.Usage.PromptTokens,
		&run.Usage.CompletionTokens,
		&run.Usage.TotalTokens,
		&run.Usage.ReasoningTokens,
		&run.Error,
		&run.ErrorKind,
		&run.CreatedAt,
		&startedAt,
		&finishedAt,
		&run.DurationMS,
	); err != nil {
		return nil, err
	}
	run.Status = models.RunStatus(status)
	run.CreatedAt = run.CreatedAt.UTC()
	run.StartedAt = timePtr(startedAt)
	run.FinishedAt = timePtr(finishedAt)
	return &run, nil
}

func (s *SQLStore) CreateRun(ctx context.Context, run *models.Run) error {
	if run == nil || run.PublicID == "" {
		return fmt.Errorf("run with public id is required")
	}
	err := s.q().QueryRowContext(ctx,
		`INSERT INTO runs (public_id, owner_id, thread_id, status, model, reasoning_effort,
		                   assistant_message_id, trace_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id`,
		run.PublicID,
		run.OwnerID,
		run.ThreadID,
		string(run.Status),
		run.Model,
		run.ReasoningEffort,
		run.AssistantMessageID,
		run.TraceID,
		run.CreatedAt.UTC(),
	).Scan(&run.ID)
	if err != nil {
		if s.dialect.isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (s *SQLStore) GetRun(ctx context.Context, id int64) (*models.Run, error) {
	row := s.q().QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

func (s *SQLStore) GetRunByPublicID(ctx context.Context, publicID string) (*models.Run, error) {
	if publicID == "" {
		return nil, ErrNotFound
	}
	row := s.q().QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE public_id = $1`, publicID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run by public id: %w", err)
	}
	return run, nil
}

func (s *SQLStore) ListRuns(ctx context.Context, ownerID int64, limit int) ([]*models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE owner_id = $1 ORDER BY created_at DESC, id DESC`
	args := []any{ownerID}
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, limit)
	}
	rows, err := s.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []*models.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

func (s *SQLStore) TransitionRun(ctx context.Context, runID int64, from, to models.RunStatus, now time.Time) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if to == models.RunRunning {
		res, err = s.q().ExecContext(ctx,
			`UPDATE runs SET status = $1, started_at = COALESCE(started_at, $2)
			 WHERE id = $3 AND status = $4`,
			string(to), now.UTC(), runID, string(from))
	} else {
		res, err = s.q().ExecContext(ctx,
			`UPDATE runs SET status = $1 WHERE id = $2 AND status = $3`,
			string(to), runID, string(from))
	}
	if err != nil {
		return false, fmt.Errorf("transition run: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition run rows affected: %w", err)
	}
	return rows > 0, nil
}

func (s *SQLStore) FinishRun(ctx context.Context, runID int64, status models.RunStatus, errKind, errMsg string, now time.Time, durationMS int64) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("finish run: %q is not terminal", status)
	}
	res, err := s.q().ExecContext(ctx,
		`UPDATE runs SET status = $1, error = $2, error_kind = $3, finished_at = $4, duration_ms = $5
		 WHERE id = $6 AND finished_at IS NULL`,
		string(status), errMsg, errKind, now.UTC(), durationMS, runID)
	if err != nil {
		return false, fmt.Errorf("finish run: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finish run rows affected: %w", err)
	}
	return rows > 0, nil
}

func (s *SQLStore) AddRunUsage(ctx context.Context, runID int64, usage models.Usage, iterations int) error {
	res, err := s.q().ExecContext(ctx,
		`UPDATE runs
		 SET prompt_tokens = prompt_tokens + $1,
		     completion_tokens = completion_tokens + $2,
		     total_tokens = total_tokens + $3,
		     reasoning_tokens = reasoning_tokens + $4,
		     iterations = iterations + $5
		 WHERE id = $6`,
		usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens, usage.ReasoningTokens,
		iterations, runID)
	if err != nil {
		return fmt.Errorf("add run usage: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("add run usage rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) ListExpiredRuns(ctx context.Context, statuses []models.RunStatus, olderThan time.Time) ([]*models.Run, error) {
	if len(statuses) == 0 {
		return []*models.Run{}, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, 0, len(statuses)+1)
	for i, st := range statuses {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args = append(args, string(st))
	}
	args = append(args, olderThan.UTC())
	query := fmt.Sprintf(
		`SELECT %s FROM runs
		 WHERE status IN (%s) AND started_at IS NOT NULL AND started_at < $%d
		 ORDER BY started_at`,
		runColumns, strings.Join(placeholders, ", "), len(args))

	rows, err := s.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list expired runs: %w", err)
	}
	defer rows.Close()

	runs := []*models.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list expired runs: %w", err)
	}
	return runs, nil
}

// ---------------------------------------------------------------------------
// Threads and messages
// ---------------------------------------------------------------------------

func (s *SQLStore) CreateThread(ctx context.Context, thread *models.Thread) error {
	if thread == nil {
		return fmt.Errorf("thread is required")
	}
	err := s.q().QueryRowContext(ctx,
		`INSERT INTO threads (owner_id, title, created_at, updated_at)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id`,
		thread.OwnerID, thread.Title, thread.CreatedAt.UTC(), thread.UpdatedAt.UTC(),
	).Scan(&thread.ID)
	if err != nil {
		return fmt.Errorf("create thread: %w", err)
	}
	return nil
}

func (s *SQLStore) GetThread(ctx context.Context, id int64) (*models.Thread, error) {
	var thread models.Thread
	err := s.q().QueryRowContext(ctx,
		`SELECT id, owner_id, title, created_at, updated_at FROM threads WHERE id = $1`, id,
	).Scan(&thread.ID, &thread.OwnerID, &thread.Title, &thread.CreatedAt, &thread.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get thread: %w", err)
	}
	thread.CreatedAt = thread.CreatedAt.UTC()
	thread.UpdatedAt = thread.UpdatedAt.UTC()
	return &thread, nil
}

func (s *SQLStore) ListThreads(ctx context.Context, ownerID int64, limit int) ([]*models.Thread, error) {
	query := `SELECT id, owner_id, title, created_at, updated_at FROM threads
		 WHERE owner_id = $1 ORDER BY updated_at DESC, id DESC`
	args := []any{ownerID}
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, limit)
	}
	rows, err := s.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	threads := []*models.Thread{}
	for rows.Next() {
		var thread models.Thread
		if err := rows.Scan(&thread.ID, &thread.OwnerID, &thread.Title, &thread.CreatedAt, &thread.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		thread.CreatedAt = thread.CreatedAt.UTC()
		thread.UpdatedAt = thread.UpdatedAt.UTC()
		threads = append(threads, &thread)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	return threads, nil
}

func (s *SQLStore) AppendMessages(ctx context.Context, threadID int64, msgs []*models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return s.withTx(ctx, "append messages", func(tx *sql.Tx) error {
		touched := msgs[len(msgs)-1].SentAt.UTC()
		for _, msg := range msgs {
			var toolCalls any
			if len(msg.ToolCalls) > 0 {
				data, err := json.Marshal(msg.ToolCalls)
				if err != nil {
					return fmt.Errorf("marshal tool calls: %w", err)
				}
				toolCalls = string(data)
			}
			if err := tx.QueryRowContext(ctx,
				`INSERT INTO messages (thread_id, role, content, tool_calls, tool_call_id, internal, sent_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)
				 RETURNING id`,
				threadID, string(msg.Role), msg.Content, toolCalls, msg.ToolCallID, msg.Internal, msg.SentAt.UTC(),
			).Scan(&msg.ID); err != nil {
				return fmt.Errorf("insert message: %w", err)
			}
			msg.ThreadID = threadID
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE threads SET updated_at = $1 WHERE id = $2`, touched, threadID); err != nil {
			return fmt.Errorf("touch thread: %w", err)
		}
		return nil
	})
}

func scanMessage(row scanner) (*models.Message, error) {
	var msg models.Message
	var role string
	var toolCalls []byte
	if err := row.Scan(&msg.ID, &msg.ThreadID, &role, &msg.Content, &toolCalls, &msg.ToolCallID, &msg.Internal, &msg.SentAt); err != nil {
		return nil, err
	}
	msg.Role = models.Role(role)
	msg.SentAt = msg.SentAt.UTC()
	if len(toolCalls) > 0 {
		if err := json.Unmarshal(toolCalls, &msg.ToolCalls); err != nil {
			return nil, fmt.Errorf("unmarshal tool calls: %w", err)
		}
	}
	return &msg, nil
}

func (s *SQLStore) ListMessages(ctx context.Context, threadID int64, includeInternal bool) ([]*models.Message, error) {
	query := `SELECT id, thread_id, role, content, tool_calls, tool_call_id, internal, sent_at
		 FROM messages WHERE thread_id = $1`
	if !includeInternal {
		query += ` AND internal = FALSE`
	}
	query += ` ORDER BY id`

	rows, err := s.q().QueryContext(ctx, query, threadID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	msgs := []*models.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}

func (s *SQLStore) LastAssistantMessage(ctx context.Context, threadID int64) (*models.Message, error) {
	row := s.q().QueryRowContext(ctx,
		`SELECT id, thread_id, role, content, tool_calls, tool_call_id, internal, sent_at
		 FROM messages
		 WHERE thread_id = $1 AND role = $2 AND content <> ''
		 ORDER BY id DESC LIMIT 1`,
		threadID, string(models.RoleAssistant))
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("last assistant message: %w", err)
	}
	return msg, nil
}

// ---------------------------------------------------------------------------
// Run events
// ---------------------------------------------------------------------------

// AppendEvent allocates the next event id by incrementing the run's
// high-water mark under its row lock, then inserts the event in the same
// transaction. Concurrent appends to one run serialize on the run row, which
// is what makes event ids strictly monotonic and gap-free per run.
func (s *SQLStore) AppendEvent(ctx context.Context, ev *models.RunEvent) error {
	if ev == nil {
		return fmt.Errorf("event is required")
	}
	payload := ev.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	return s.withTx(ctx, "append event", func(tx *sql.Tx) error {
		var eventID int64
		err := tx.QueryRowContext(ctx,
			`UPDATE runs SET last_event_id = last_event_id + 1 WHERE id = $1 RETURNING last_event_id`,
			ev.RunID,
		).Scan(&eventID)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("allocate event id: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO run_events (run_id, event_id, event_type, payload, created_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			ev.RunID, eventID, string(ev.Type), string(payload), ev.Timestamp.UTC(),
		); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		ev.EventID = eventID
		return nil
	})
}

func (s *SQLStore) ListEvents(ctx context.Context, runID int64, afterEventID int64, limit int) ([]*models.RunEvent, error) {
	query := `SELECT e.run_id, r.public_id, e.event_id, e.event_type, e.payload, e.created_at
		 FROM run_events e JOIN runs r ON r.id = e.run_id
		 WHERE e.run_id = $1 AND e.event_id > $2 ORDER BY e.event_id`
	args := []any{runID, afterEventID}
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, limit)
	}
	rows, err := s.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := []*models.RunEvent{}
	for rows.Next() {
		var ev models.RunEvent
		var eventType string
		var payload []byte
		if err := rows.Scan(&ev.RunID, &ev.RunPublicID, &ev.EventID, &eventType, &payload, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Type = models.EventType(eventType)
		ev.Timestamp = ev.Timestamp.UTC()
		ev.Payload = json.RawMessage(payload)
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

func (s *SQLStore) LatestEventID(ctx context.Context, runID int64) (int64, error) {
	var id int64
	err := s.q().QueryRowContext(ctx,
		`SELECT last_event_id FROM runs WHERE id = $1`, runID).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("latest event id: %w", err)
	}
	return id, nil
}

// PruneEvents trims the log for terminal runs, always keeping the terminal
// supervisor event so late pollers can still learn how a run ended.
func (s *SQLStore) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.q().ExecContext(ctx,
		`DELETE FROM run_events
		 WHERE created_at < $1
		   AND event_type NOT IN ($2, $3)
		   AND run_id IN (SELECT id FROM runs WHERE status IN ($4, $5, $6, $7))`,
		before.UTC(),
		string(models.EventSupervisorComplete), string(models.EventSupervisorFailed),
		string(models.RunSuccess), string(models.RunFailed), string(models.RunCancelled), string(models.RunTimeout))
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune events rows affected: %w", err)
	}
	return rows, nil
}
