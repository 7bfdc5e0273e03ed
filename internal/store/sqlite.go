package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	logx "studyagent/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

func openSQLite(cfg Config, log logx.Logger) (*sqliteStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, now: time.Now}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AddProfile(ctx context.Context, email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", errors.New("email is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles(id, email, created_at) VALUES(?,?,?)
		 ON CONFLICT(email) DO NOTHING`,
		uuid.NewString(), email, s.now().UnixMilli(),
	)
	if err != nil {
		return "", err
	}
	return s.LookupUserID(ctx, email)
}

func (s *sqliteStore) LookupUserID(ctx context.Context, email string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM profiles WHERE email = ?`, strings.TrimSpace(email)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *sqliteStore) UpsertRecords(ctx context.Context, records []Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO calendar_events(id, source_key, title, description, course, type, topics, start_at, end_at, processed, synced_at)
		 VALUES(?,?,?,?,?,?,?,?,?,0,?)
		 ON CONFLICT(source_key) DO UPDATE SET
		   title=excluded.title,
		   description=excluded.description,
		   course=excluded.course,
		   type=excluded.type,
		   topics=excluded.topics,
		   start_at=excluded.start_at,
		   end_at=excluded.end_at,
		   synced_at=excluded.synced_at`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	now := s.now()
	n := 0
	for _, r := range records {
		key := r.Key()
		if key == "" {
			continue
		}
		synced := r.SyncedAt
		if synced.IsZero() {
			synced = now
		}
		topics, err := encodeTopics(r.Topics)
		if err != nil {
			return 0, err
		}
		if _, err := stmt.ExecContext(ctx,
			uuid.NewString(), key, r.Title, r.Description, r.Course, r.Type, topics,
			r.StartAt.UnixMilli(), nullMillis(r.EndAt), synced.UnixMilli(),
		); err != nil {
			return 0, fmt.Errorf("upsert %s: %w", key, err)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *sqliteStore) ListUnprocessed(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_key, title, description, course, type, topics, start_at, end_at, processed, synced_at
		 FROM calendar_events WHERE processed = 0 ORDER BY start_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r         Record
			topics    string
			start     int64
			end       sql.NullInt64
			processed int
			synced    int64
		)
		if err := rows.Scan(&r.ID, &r.SourceKey, &r.Title, &r.Description, &r.Course, &r.Type, &topics, &start, &end, &processed, &synced); err != nil {
			return nil, err
		}
		r.Topics = decodeTopics(topics)
		r.StartAt = time.UnixMilli(start).UTC()
		r.EndAt = millisPtr(end)
		r.Processed = processed != 0
		r.SyncedAt = time.UnixMilli(synced).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// Reconcile runs in one transaction: inserts that hit the (user, source key)
// constraint are no-ops, and every given record ends up processed.
func (s *sqliteStore) Reconcile(ctx context.Context, userID string, records []Record) ([]Assignment, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("user id is required")
	}
	if len(records) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	ins, err := tx.PrepareContext(ctx,
		`INSERT INTO assignments(id, user_id, source_key, title, course, due_at, type, topics, notified, created_at)
		 VALUES(?,?,?,?,?,?,?,?,0,?)
		 ON CONFLICT(user_id, source_key) DO NOTHING`)
	if err != nil {
		return nil, err
	}
	defer ins.Close()

	now := s.now().UTC()
	created := make([]Assignment, 0, len(records))
	for _, r := range records {
		a := assignmentFromRecord(userID, r, now)
		a.ID = uuid.NewString()
		topics, err := encodeTopics(a.Topics)
		if err != nil {
			return nil, err
		}
		res, err := ins.ExecContext(ctx, a.ID, a.UserID, a.SourceKey, a.Title, a.Course, a.DueAt.UnixMilli(), a.Type, topics, a.CreatedAt.UnixMilli())
		if err != nil {
			return nil, fmt.Errorf("insert assignment %s: %w", a.SourceKey, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			created = append(created, a)
		}
	}

	upd, err := tx.PrepareContext(ctx, `UPDATE calendar_events SET processed = 1 WHERE id = ?`)
	if err != nil {
		return nil, err
	}
	defer upd.Close()
	for _, r := range records {
		if _, err := upd.ExecContext(ctx, r.ID); err != nil {
			return nil, fmt.Errorf("mark processed %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return created, nil
}

func (s *sqliteStore) MarkNotified(ctx context.Context, assignmentID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE assignments SET notified = 1, notified_at = ? WHERE id = ?`,
		at.UnixMilli(), assignmentID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ListUnnotified(ctx context.Context, userID string, createdBefore time.Time) ([]Assignment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, source_key, title, course, due_at, type, topics, created_at
		 FROM assignments
		 WHERE user_id = ? AND notified = 0 AND created_at < ?
		 ORDER BY created_at ASC`,
		userID, createdBefore.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Assignment
	for rows.Next() {
		var (
			a       Assignment
			topics  string
			due     int64
			created int64
		)
		if err := rows.Scan(&a.ID, &a.UserID, &a.SourceKey, &a.Title, &a.Course, &due, &a.Type, &topics, &created); err != nil {
			return nil, err
		}
		a.DueAt = time.UnixMilli(due).UTC()
		a.Topics = decodeTopics(topics)
		a.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

func assignmentFromRecord(userID string, r Record, now time.Time) Assignment {
	return Assignment{
		UserID:    userID,
		SourceKey: r.Key(),
		Title:     r.Title,
		Course:    r.Course,
		DueAt:     r.StartAt.UTC(),
		Type:      r.Type,
		Topics:    NormalizeTopics(r.Topics),
		CreatedAt: now,
	}
}

func encodeTopics(t []string) (string, error) {
	b, err := json.Marshal(NormalizeTopics(t))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeTopics(s string) []string {
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

func nullMillis(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func millisPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
