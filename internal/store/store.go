// Package store provides SQLite-backed persistence for work items, their
// execution state, chat history, and ideas.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/berth-dev/keel/internal/workitem"
)

// ErrNotFound is returned when a work item or task does not exist.
var ErrNotFound = errors.New("not found")

// Store provides SQLite-backed persistence.
type Store struct {
	db *sql.DB
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Open opens the SQLite database at dbPath and creates tables if they don't exist.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Session loops write concurrently; a single connection serializes them.
	db.SetMaxOpenConns(1)

	if err := createTables(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS work_items (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		working_dir TEXT NOT NULL DEFAULT '',
		started_at DATETIME,
		current_phase_id TEXT NOT NULL DEFAULT '',
		current_task_id TEXT NOT NULL DEFAULT '',
		waiting_for_feedback INTEGER NOT NULL DEFAULT 0,
		stop_reason TEXT NOT NULL DEFAULT '',
		pause_between_phases INTEGER NOT NULL DEFAULT 0,
		progress_percent INTEGER NOT NULL DEFAULT 0,
		next_phase_id TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS phases (
		work_item_id TEXT NOT NULL,
		id TEXT NOT NULL,
		position INTEGER NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (work_item_id, id),
		FOREIGN KEY (work_item_id) REFERENCES work_items(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS tasks (
		work_item_id TEXT NOT NULL,
		phase_id TEXT NOT NULL,
		id TEXT NOT NULL,
		position INTEGER NOT NULL,
		title TEXT NOT NULL,
		completed INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (work_item_id, id),
		FOREIGN KEY (work_item_id) REFERENCES work_items(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		work_item_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		segments TEXT,
		tool_calls TEXT,
		user_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		FOREIGN KEY (work_item_id) REFERENCES work_items(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS ideas (
		id TEXT PRIMARY KEY,
		work_item_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		FOREIGN KEY (work_item_id) REFERENCES work_items(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_messages_work_item ON messages(work_item_id, seq);
	`
	_, err := db.Exec(schema)
	return err
}

// CreateWorkItem inserts a work item with its phases and tasks. An empty ID is
// replaced with a generated one.
func (s *Store) CreateWorkItem(ctx context.Context, item *workitem.WorkItem) error {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	now := time.Now()
	item.CreatedAt = now
	item.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO work_items (id, title, description, working_dir, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		item.ID, item.Title, item.Description, item.WorkingDir, now, now,
	)
	if err != nil {
		return fmt.Errorf("insert work item: %w", err)
	}

	for i, p := range item.Phases {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO phases (work_item_id, id, position, title, description) VALUES (?, ?, ?, ?, ?)`,
			item.ID, p.ID, i, p.Title, p.Description,
		)
		if err != nil {
			return fmt.Errorf("insert phase %s: %w", p.ID, err)
		}
		for j, t := range p.Tasks {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO tasks (work_item_id, phase_id, id, position, title, completed) VALUES (?, ?, ?, ?, ?, ?)`,
				item.ID, p.ID, t.ID, j, t.Title, t.Completed,
			)
			if err != nil {
				return fmt.Errorf("insert task %s: %w", t.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit work item: %w", err)
	}
	return nil
}

// GetWorkItem retrieves a work item with its phases and tasks.
func (s *Store) GetWorkItem(ctx context.Context, id string) (*workitem.WorkItem, error) {
	return getWorkItem(ctx, s.db, id)
}

// ListWorkItems returns every work item, most recently updated first.
func (s *Store) ListWorkItems(ctx context.Context) ([]*workitem.WorkItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM work_items ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("query work items: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan work item id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	_ = rows.Close()

	items := make([]*workitem.WorkItem, 0, len(ids))
	for _, id := range ids {
		item, err := getWorkItem(ctx, s.db, id)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// UpdateExecution applies fn to the stored execution state inside a
// transaction and returns the updated work item.
func (s *Store) UpdateExecution(ctx context.Context, id string, fn func(*workitem.Execution)) (*workitem.WorkItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	item, err := getWorkItem(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	fn(&item.Execution)
	item.UpdatedAt = time.Now()

	e := item.Execution
	var startedAt sql.NullTime
	if e.StartedAt != nil {
		startedAt = sql.NullTime{Time: *e.StartedAt, Valid: true}
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE work_items SET
			started_at = ?, current_phase_id = ?, current_task_id = ?,
			waiting_for_feedback = ?, stop_reason = ?, pause_between_phases = ?,
			progress_percent = ?, next_phase_id = ?, last_error = ?, updated_at = ?
		 WHERE id = ?`,
		startedAt, e.CurrentPhaseID, e.CurrentTaskID,
		e.WaitingForFeedback, e.StopReason, e.PauseBetweenPhases,
		e.ProgressPercent, e.NextPhaseID, e.LastError, item.UpdatedAt,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("update execution: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit execution: %w", err)
	}
	return item, nil
}

// SetTaskCompleted sets a task's completion flag and returns the updated work item.
func (s *Store) SetTaskCompleted(ctx context.Context, itemID, taskID string, completed bool) (*workitem.WorkItem, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET completed = ? WHERE work_item_id = ? AND id = ?`,
		completed, itemID, taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("task %s in %s: %w", taskID, itemID, ErrNotFound)
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE work_items SET updated_at = ? WHERE id = ?`, time.Now(), itemID); err != nil {
		return nil, fmt.Errorf("touch work item: %w", err)
	}
	return getWorkItem(ctx, s.db, itemID)
}

// AppendMessage adds a chat message. Missing ID and timestamp are filled in.
func (s *Store) AppendMessage(ctx context.Context, msg *workitem.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	segments, err := marshalNullable(msg.Segments, len(msg.Segments))
	if err != nil {
		return fmt.Errorf("marshal segments: %w", err)
	}
	toolCalls, err := marshalNullable(msg.ToolCalls, len(msg.ToolCalls))
	if err != nil {
		return fmt.Errorf("marshal tool calls: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, work_item_id, role, content, segments, tool_calls, user_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.WorkItemID, msg.Role, msg.Content, segments, toolCalls, msg.UserID, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// Messages returns the chat history of a work item in append order.
func (s *Store) Messages(ctx context.Context, itemID string) ([]workitem.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, work_item_id, role, content, segments, tool_calls, user_id, created_at
		 FROM messages
		 WHERE work_item_id = ?
		 ORDER BY seq ASC`,
		itemID,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []workitem.Message
	for rows.Next() {
		var msg workitem.Message
		var segments, toolCalls sql.NullString
		if err := rows.Scan(&msg.ID, &msg.WorkItemID, &msg.Role, &msg.Content, &segments, &toolCalls, &msg.UserID, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if segments.Valid {
			if err := json.Unmarshal([]byte(segments.String), &msg.Segments); err != nil {
				return nil, fmt.Errorf("decode segments of %s: %w", msg.ID, err)
			}
		}
		if toolCalls.Valid {
			if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls of %s: %w", msg.ID, err)
			}
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return messages, nil
}

// AddIdea stores an idea. Missing ID and timestamp are filled in.
func (s *Store) AddIdea(ctx context.Context, idea *workitem.Idea) error {
	if idea.ID == "" {
		idea.ID = uuid.New().String()
	}
	if idea.CreatedAt.IsZero() {
		idea.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ideas (id, work_item_id, title, description, created_at) VALUES (?, ?, ?, ?, ?)`,
		idea.ID, idea.WorkItemID, idea.Title, idea.Description, idea.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert idea: %w", err)
	}
	return nil
}

// Ideas returns the ideas recorded for a work item, oldest first.
func (s *Store) Ideas(ctx context.Context, itemID string) ([]workitem.Idea, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, work_item_id, title, description, created_at
		 FROM ideas WHERE work_item_id = ? ORDER BY created_at ASC, id`,
		itemID,
	)
	if err != nil {
		return nil, fmt.Errorf("query ideas: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ideas []workitem.Idea
	for rows.Next() {
		var idea workitem.Idea
		if err := rows.Scan(&idea.ID, &idea.WorkItemID, &idea.Title, &idea.Description, &idea.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan idea: %w", err)
		}
		ideas = append(ideas, idea)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return ideas, nil
}

func getWorkItem(ctx context.Context, q querier, id string) (*workitem.WorkItem, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, title, description, working_dir, started_at, current_phase_id, current_task_id,
		        waiting_for_feedback, stop_reason, pause_between_phases, progress_percent,
		        next_phase_id, last_error, created_at, updated_at
		 FROM work_items WHERE id = ?`,
		id,
	)

	var item workitem.WorkItem
	var startedAt sql.NullTime
	e := &item.Execution
	err := row.Scan(&item.ID, &item.Title, &item.Description, &item.WorkingDir, &startedAt,
		&e.CurrentPhaseID, &e.CurrentTaskID, &e.WaitingForFeedback, &e.StopReason,
		&e.PauseBetweenPhases, &e.ProgressPercent, &e.NextPhaseID, &e.LastError,
		&item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("work item %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan work item: %w", err)
	}
	if startedAt.Valid {
		t := startedAt.Time
		e.StartedAt = &t
	}

	if err := loadPhases(ctx, q, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

func loadPhases(ctx context.Context, q querier, item *workitem.WorkItem) error {
	rows, err := q.QueryContext(ctx,
		`SELECT id, title, description FROM phases WHERE work_item_id = ? ORDER BY position`,
		item.ID,
	)
	if err != nil {
		return fmt.Errorf("query phases: %w", err)
	}
	for rows.Next() {
		var p workitem.Phase
		if err := rows.Scan(&p.ID, &p.Title, &p.Description); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan phase: %w", err)
		}
		item.Phases = append(item.Phases, p)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("iterate rows: %w", err)
	}
	_ = rows.Close()

	rows, err = q.QueryContext(ctx,
		`SELECT phase_id, id, title, completed FROM tasks WHERE work_item_id = ? ORDER BY position`,
		item.ID,
	)
	if err != nil {
		return fmt.Errorf("query tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var phaseID string
		var t workitem.Task
		if err := rows.Scan(&phaseID, &t.ID, &t.Title, &t.Completed); err != nil {
			return fmt.Errorf("scan task: %w", err)
		}
		if p, ok := item.Phase(phaseID); ok {
			p.Tasks = append(p.Tasks, t)
		}
	}
	return rows.Err()
}

func marshalNullable(v any, n int) (sql.NullString, error) {
	if n == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
