package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	_ "github.com/jackc/pgx/v5/stdlib"

	"tasksync/domain"
)

// Open connects to Postgres through the pgx database/sql driver.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

// PostgresStore implements Store on top of a *sql.DB.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *PostgresStore) Close() error { return s.db.Close() }

const taskColumns = `id, workspace_id, list_id, version, title, description, status, priority, due_date,
	tags, assignees, watchers, custom_fields, created_at, updated_at, deleted_at`

// DefaultPageSize applies when a listing does not ask for a page size.
const DefaultPageSize = 50

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var (
		t                                  domain.Task
		status, priority                   string
		due, deleted                       sql.NullTime
		tags, assignees, watchers, customs []byte
	)
	if err := row.Scan(&t.ID, &t.WorkspaceID, &t.ListID, &t.Version, &t.Title, &t.Description,
		&status, &priority, &due, &tags, &assignees, &watchers, &customs,
		&t.CreatedAt, &t.UpdatedAt, &deleted); err != nil {
		return domain.Task{}, err
	}
	t.Status = domain.Status(status)
	t.Priority = domain.Priority(priority)
	if due.Valid {
		d := due.Time.UTC()
		t.DueDate = &d
	}
	if deleted.Valid {
		d := deleted.Time.UTC()
		t.DeletedAt = &d
	}
	for _, f := range []struct {
		raw []byte
		dst *[]string
	}{{tags, &t.Tags}, {assignees, &t.Assignees}, {watchers, &t.Watchers}} {
		if len(f.raw) > 0 {
			if err := sonic.ConfigStd.Unmarshal(f.raw, f.dst); err != nil {
				return domain.Task{}, fmt.Errorf("decode task sets: %w", err)
			}
		}
	}
	if len(customs) > 0 {
		if err := sonic.ConfigStd.Unmarshal(customs, &t.CustomFields); err != nil {
			return domain.Task{}, fmt.Errorf("decode custom fields: %w", err)
		}
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return t, nil
}

type encodedFields struct {
	tags, assignees, watchers, customs string
	due                                any
}

func encodeFields(f domain.Fields) (encodedFields, error) {
	var out encodedFields
	enc := func(v any) (string, error) {
		b, err := sonic.ConfigStd.Marshal(v)
		return string(b), err
	}
	var err error
	if out.tags, err = enc(nonNil(f.Tags)); err != nil {
		return out, err
	}
	if out.assignees, err = enc(nonNil(f.Assignees)); err != nil {
		return out, err
	}
	if out.watchers, err = enc(nonNil(f.Watchers)); err != nil {
		return out, err
	}
	customs := f.CustomFields
	if customs == nil {
		customs = map[string]any{}
	}
	if out.customs, err = enc(customs); err != nil {
		return out, fmt.Errorf("encode custom fields: %w", err)
	}
	if f.DueDate != nil {
		out.due = f.DueDate.UTC()
	}
	return out, nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1 AND deleted_at IS NULL`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) TaskWorkspace(ctx context.Context, id string) (string, error) {
	var ws string
	err := s.db.QueryRowContext(ctx, `SELECT workspace_id FROM tasks WHERE id=$1`, id).Scan(&ws)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("task workspace: %w", err)
	}
	return ws, nil
}

func (s *PostgresStore) CreateTask(ctx context.Context, task domain.Task) (domain.Task, error) {
	f := task.Fields.Normalize()
	enc, err := encodeFields(f)
	if err != nil {
		return domain.Task{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO tasks (id, workspace_id, list_id, version, title, description, status, priority, due_date,
			tags, assignees, watchers, custom_fields)
		VALUES ($1, $2, $3, 1, $4, $5, $6, $7, $8, $9::jsonb, $10::jsonb, $11::jsonb, $12::jsonb)
		RETURNING `+taskColumns,
		task.ID, task.WorkspaceID, task.ListID, f.Title, f.Description, string(f.Status), string(f.Priority), enc.due,
		enc.tags, enc.assignees, enc.watchers, enc.customs)
	created, err := scanTask(row)
	if err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) CompareAndSwap(ctx context.Context, id string, expected int64, fields domain.Fields, deleted bool) (domain.Task, error) {
	f := fields.Normalize()
	enc, err := encodeFields(f)
	if err != nil {
		return domain.Task{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE tasks SET
			title = $3, description = $4, status = $5, priority = $6, due_date = $7,
			tags = $8::jsonb, assignees = $9::jsonb, watchers = $10::jsonb, custom_fields = $11::jsonb,
			deleted_at = CASE WHEN $12::boolean THEN NOW() ELSE NULL END,
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1 AND version = $2 AND deleted_at IS NULL
		RETURNING `+taskColumns,
		id, expected, f.Title, f.Description, string(f.Status), string(f.Priority), enc.due,
		enc.tags, enc.assignees, enc.watchers, enc.customs, deleted)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, s.casFailure(ctx, id, expected)
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("compare and swap task: %w", err)
	}
	return t, nil
}

// casFailure explains why a conditional update matched no row.
func (s *PostgresStore) casFailure(ctx context.Context, id string, expected int64) error {
	var (
		current int64
		deleted bool
	)
	err := s.db.QueryRowContext(ctx, `SELECT version, deleted_at IS NOT NULL FROM tasks WHERE id=$1`, id).Scan(&current, &deleted)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && deleted) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup task version: %w", err)
	}
	return &domain.ConflictError{TaskID: id, Expected: expected, Current: current}
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *PostgresStore) AppendHistory(ctx context.Context, entries []domain.HistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin history tx: %w", err)
	}
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_history (id, task_id, task_version, actor_id, action, field_name, old_value, new_value, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9)
		`, e.ID, e.TaskID, e.TaskVersion, e.ActorID, string(e.Action), nullString(e.FieldName),
			nullJSON(e.OldValue), nullJSON(e.NewValue), e.CreatedAt.UTC()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert history entry: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit history: %w", err)
	}
	return nil
}

const historyColumns = `h.id, h.task_id, h.task_version, h.actor_id, h.action, COALESCE(h.field_name, ''), h.old_value, h.new_value, h.created_at`

func scanHistory(row rowScanner, extra ...any) (domain.HistoryEntry, error) {
	var (
		e      domain.HistoryEntry
		action string
		oldRaw []byte
		newRaw []byte
	)
	dest := append([]any{&e.ID, &e.TaskID, &e.TaskVersion, &e.ActorID, &action, &e.FieldName, &oldRaw, &newRaw, &e.CreatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return domain.HistoryEntry{}, err
	}
	e.Action = domain.Action(action)
	if len(oldRaw) > 0 {
		e.OldValue = json.RawMessage(oldRaw)
	}
	if len(newRaw) > 0 {
		e.NewValue = json.RawMessage(newRaw)
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return e, nil
}

func (s *PostgresStore) TaskHistory(ctx context.Context, taskID string) ([]domain.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+historyColumns+`
		FROM task_history h
		WHERE h.task_id = $1
		ORDER BY h.task_version DESC, h.seq DESC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task history: %w", err)
	}
	defer rows.Close()

	items := make([]domain.HistoryEntry, 0)
	for rows.Next() {
		e, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task history: %w", err)
		}
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task history: %w", err)
	}
	return items, nil
}

// activityWhere builds the shared WHERE clause of the activity queries.
func activityWhere(f domain.ActivityFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.WorkspaceID != "" {
		add("t.workspace_id = $%d", f.WorkspaceID)
	}
	if f.ListID != "" {
		add("t.list_id = $%d", f.ListID)
	}
	if f.TaskID != "" {
		add("h.task_id = $%d", f.TaskID)
	}
	if f.ActorID != "" {
		add("h.actor_id = $%d", f.ActorID)
	}
	if len(f.Actions) > 0 {
		placeholders := make([]string, len(f.Actions))
		for i, a := range f.Actions {
			args = append(args, string(a))
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conds = append(conds, "h.action IN ("+strings.Join(placeholders, ", ")+")")
	}
	if f.From != nil {
		add("h.created_at >= $%d", f.From.UTC())
	}
	if f.To != nil {
		add("h.created_at <= $%d", f.To.UTC())
	}
	if q := strings.TrimSpace(f.Search); q != "" {
		args = append(args, "%"+q+"%")
		n := len(args)
		conds = append(conds, fmt.Sprintf(
			"(t.title ILIKE $%d OR COALESCE(h.field_name, '') ILIKE $%d OR COALESCE(h.old_value::text, '') ILIKE $%d OR COALESCE(h.new_value::text, '') ILIKE $%d)",
			n, n, n, n))
	}
	if len(conds) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

func (s *PostgresStore) Activity(ctx context.Context, f domain.ActivityFilter) ([]domain.ActivityItem, int, error) {
	if f.PerPage <= 0 {
		f.PerPage = DefaultPageSize
	}
	where, args := activityWhere(f)
	from := `
		FROM task_history h
		JOIN tasks t ON t.id = h.task_id
		LEFT JOIN workspace_members m ON m.workspace_id = t.workspace_id AND m.user_id = h.actor_id
	`

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) `+from+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count activity: %w", err)
	}

	pageArgs := append(append([]any(nil), args...), f.PerPage, f.Offset())
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+historyColumns+`, t.workspace_id, t.list_id, t.title,
			COALESCE(NULLIF(m.display_name, ''), m.username, ''), COALESCE(m.avatar_url, '')
		`+from+where+fmt.Sprintf(`
		ORDER BY h.created_at DESC, h.seq DESC
		LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2), pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()

	items := make([]domain.ActivityItem, 0)
	for rows.Next() {
		var item domain.ActivityItem
		e, err := scanHistory(rows, &item.WorkspaceID, &item.ListID, &item.TaskTitle, &item.ActorName, &item.ActorAvatar)
		if err != nil {
			return nil, 0, fmt.Errorf("scan activity: %w", err)
		}
		item.HistoryEntry = e
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate activity: %w", err)
	}
	return items, total, nil
}

func (s *PostgresStore) InsertNotifications(ctx context.Context, items []domain.Notification) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin notifications tx: %w", err)
	}
	for _, n := range items {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO notifications (id, recipient_id, type, task_id, actor_id, message, read, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, n.ID, n.RecipientID, string(n.Type), n.TaskID, n.ActorID, n.Message, n.Read, n.CreatedAt.UTC()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert notification: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit notifications: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, recipient_id, type, task_id, actor_id, message, read, created_at
		FROM notifications
		WHERE recipient_id = $1 AND (NOT $2::boolean OR read = FALSE)
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, userID, unreadOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	items := make([]domain.Notification, 0)
	for rows.Next() {
		var (
			n   domain.Notification
			typ string
		)
		if err := rows.Scan(&n.ID, &n.RecipientID, &typ, &n.TaskID, &n.ActorID, &n.Message, &n.Read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.Type = domain.NotificationType(typ)
		n.CreatedAt = n.CreatedAt.UTC()
		items = append(items, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UnreadCount(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications WHERE recipient_id = $1 AND read = FALSE`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) MarkRead(ctx context.Context, id, userID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE notifications SET read = TRUE WHERE id = $1 AND recipient_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE notifications SET read = TRUE WHERE recipient_id = $1 AND read = FALSE`, userID)
	if err != nil {
		return 0, fmt.Errorf("mark notifications read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) DeleteNotification(ctx context.Context, id, userID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE id = $1 AND recipient_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) InsertComment(ctx context.Context, c domain.Comment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comments (id, task_id, author_id, body, assigned_to, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, c.ID, c.TaskID, c.AuthorID, c.Body, c.AssignedTo, c.CreatedAt.UTC(), c.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

const commentColumns = `id, task_id, author_id, body, assigned_to, created_at, updated_at`

func scanComment(row rowScanner) (domain.Comment, error) {
	var c domain.Comment
	if err := row.Scan(&c.ID, &c.TaskID, &c.AuthorID, &c.Body, &c.AssignedTo, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return domain.Comment{}, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

func (s *PostgresStore) GetComment(ctx context.Context, id string) (domain.Comment, error) {
	c, err := scanComment(s.db.QueryRowContext(ctx, `SELECT `+commentColumns+` FROM comments WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Comment{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Comment{}, fmt.Errorf("get comment: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) UpdateComment(ctx context.Context, c domain.Comment) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE comments SET body = $2, assigned_to = $3, updated_at = $4 WHERE id = $1
	`, c.ID, c.Body, c.AssignedTo, c.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("update comment: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) ListComments(ctx context.Context, taskID string) ([]domain.Comment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+commentColumns+` FROM comments WHERE task_id = $1 ORDER BY created_at, id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]domain.Comment, 0)
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

const memberColumns = `workspace_id, user_id, username, display_name, avatar_url, role`

func scanMember(row rowScanner) (domain.Member, error) {
	var (
		m    domain.Member
		role string
	)
	if err := row.Scan(&m.WorkspaceID, &m.UserID, &m.Username, &m.DisplayName, &m.AvatarURL, &role); err != nil {
		return domain.Member{}, err
	}
	m.Role = domain.Role(role)
	return m, nil
}

func (s *PostgresStore) Member(ctx context.Context, workspaceID, userID string) (domain.Member, error) {
	m, err := scanMember(s.db.QueryRowContext(ctx,
		`SELECT `+memberColumns+` FROM workspace_members WHERE workspace_id = $1 AND user_id = $2`, workspaceID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Member{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Member{}, fmt.Errorf("get member: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) MemberByUsername(ctx context.Context, workspaceID, username string) (domain.Member, error) {
	m, err := scanMember(s.db.QueryRowContext(ctx,
		`SELECT `+memberColumns+` FROM workspace_members WHERE workspace_id = $1 AND lower(username) = lower($2)`, workspaceID, username))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Member{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Member{}, fmt.Errorf("get member by username: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) UpsertMember(ctx context.Context, m domain.Member) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workspace_members (`+memberColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (workspace_id, user_id) DO UPDATE SET
			username = EXCLUDED.username,
			display_name = EXCLUDED.display_name,
			avatar_url = EXCLUDED.avatar_url,
			role = EXCLUDED.role
	`, m.WorkspaceID, m.UserID, m.Username, m.DisplayName, m.AvatarURL, string(m.Role))
	if err != nil {
		return fmt.Errorf("upsert member: %w", err)
	}
	return nil
}
