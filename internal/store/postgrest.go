package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	logx "studyagent/pkg/logx"
)

const (
	preferReturn      = "return=representation"
	preferInsertOnce  = "resolution=ignore-duplicates,return=representation"
	preferMergeUpsert = "resolution=merge-duplicates,return=minimal"

	maxErrorBody = 512
)

// postgrestStore talks to a Supabase project through its REST endpoint
// (<url>/rest/v1/<table>).
type postgrestStore struct {
	base   *url.URL
	key    string
	client *http.Client
	log    logx.Logger
	now    func() time.Time
}

func openPostgREST(cfg Config, log logx.Logger) (*postgrestStore, error) {
	raw := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if raw == "" {
		return nil, errors.New("postgrest url is required")
	}
	if strings.TrimSpace(cfg.Key) == "" {
		return nil, errors.New("postgrest key is required")
	}
	if !strings.HasSuffix(raw, "/rest/v1") {
		raw += "/rest/v1"
	}
	base, err := url.Parse(raw + "/")
	if err != nil {
		return nil, fmt.Errorf("postgrest url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &postgrestStore{
		base:   base,
		key:    strings.TrimSpace(cfg.Key),
		client: &http.Client{Timeout: timeout},
		log:    log,
		now:    time.Now,
	}, nil
}

func (s *postgrestStore) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// do sends one request. A non-nil out receives the decoded JSON body.
func (s *postgrestStore) do(ctx context.Context, method, table string, q url.Values, prefer string, body, out any) error {
	u := s.base.ResolveReference(&url.URL{Path: table})
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return err
	}
	req.Header.Set("apikey", s.key)
	req.Header.Set("Authorization", "Bearer "+s.key)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	s.log.Trace("postgrest request",
		logx.String("method", method),
		logx.String("table", table),
		logx.Int("status", resp.StatusCode),
		logx.Duration("took", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &HTTPError{Method: method, Path: table, Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("store: decode %s %s: %w", method, table, err)
	}
	return nil
}

func (s *postgrestStore) LookupUserID(ctx context.Context, email string) (string, error) {
	q := url.Values{}
	q.Set("email", "eq."+strings.TrimSpace(email))
	q.Set("select", "id")
	var rows []struct {
		ID json.RawMessage `json:"id"`
	}
	if err := s.do(ctx, http.MethodGet, "profiles", q, "", nil, &rows); err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", ErrNotFound
	}
	return rawID(rows[0].ID), nil
}

func (s *postgrestStore) ListUnprocessed(ctx context.Context) ([]Record, error) {
	q := url.Values{}
	q.Set("processed", "eq.false")
	q.Set("select", "*")
	q.Set("order", "start_at.asc")
	var rows []Record
	if err := s.do(ctx, http.MethodGet, "calendar_events", q, "", nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// recordUpsert leaves out id and processed so a merge never resets them.
type recordUpsert struct {
	SourceKey   string     `json:"source_key"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Course      string     `json:"course"`
	Type        string     `json:"type"`
	Topics      []string   `json:"topics"`
	StartAt     time.Time  `json:"start_at"`
	EndAt       *time.Time `json:"end_at"`
	SyncedAt    time.Time  `json:"synced_at"`
}

func (s *postgrestStore) UpsertRecords(ctx context.Context, records []Record) (int, error) {
	now := s.now().UTC()
	rows := make([]recordUpsert, 0, len(records))
	for _, r := range records {
		key := r.Key()
		if key == "" {
			continue
		}
		synced := r.SyncedAt
		if synced.IsZero() {
			synced = now
		}
		rows = append(rows, recordUpsert{
			SourceKey:   key,
			Title:       r.Title,
			Description: r.Description,
			Course:      r.Course,
			Type:        r.Type,
			Topics:      NormalizeTopics(r.Topics),
			StartAt:     r.StartAt.UTC(),
			EndAt:       r.EndAt,
			SyncedAt:    synced.UTC(),
		})
	}
	if len(rows) == 0 {
		return 0, nil
	}
	q := url.Values{}
	q.Set("on_conflict", "source_key")
	if err := s.do(ctx, http.MethodPost, "calendar_events", q, preferMergeUpsert, rows, nil); err != nil {
		return 0, err
	}
	return len(rows), nil
}

type assignmentInsert struct {
	UserID    string    `json:"user_id"`
	SourceKey string    `json:"source_key"`
	Title     string    `json:"title"`
	Course    string    `json:"course"`
	DueAt     time.Time `json:"due_at"`
	Type      string    `json:"type"`
	Topics    []string  `json:"topics"`
	Notified  bool      `json:"notified"`
}

// Reconcile inserts with ignore-duplicates, so the response holds only rows
// that did not exist yet; then it flags every record processed.
func (s *postgrestStore) Reconcile(ctx context.Context, userID string, records []Record) ([]Assignment, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("user id is required")
	}
	if len(records) == 0 {
		return nil, nil
	}
	now := s.now().UTC()
	rows := make([]assignmentInsert, 0, len(records))
	ids := make([]string, 0, len(records))
	for _, r := range records {
		a := assignmentFromRecord(userID, r, now)
		rows = append(rows, assignmentInsert{
			UserID:    a.UserID,
			SourceKey: a.SourceKey,
			Title:     a.Title,
			Course:    a.Course,
			DueAt:     a.DueAt,
			Type:      a.Type,
			Topics:    a.Topics,
		})
		if r.ID != "" {
			ids = append(ids, r.ID)
		}
	}

	q := url.Values{}
	q.Set("on_conflict", "user_id,source_key")
	var created []Assignment
	if err := s.do(ctx, http.MethodPost, "assignments", q, preferInsertOnce, rows, &created); err != nil {
		return nil, err
	}

	if len(ids) > 0 {
		mq := url.Values{}
		mq.Set("id", "in.("+strings.Join(ids, ",")+")")
		if err := s.do(ctx, http.MethodPatch, "calendar_events", mq, "", map[string]bool{"processed": true}, nil); err != nil {
			return created, fmt.Errorf("mark records processed: %w", err)
		}
	}
	return created, nil
}

func (s *postgrestStore) MarkNotified(ctx context.Context, assignmentID string, at time.Time) error {
	q := url.Values{}
	q.Set("id", "eq."+assignmentID)
	q.Set("select", "id")
	body := map[string]any{"notified": true, "notified_at": at.UTC()}
	var rows []json.RawMessage
	if err := s.do(ctx, http.MethodPatch, "assignments", q, preferReturn, body, &rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgrestStore) ListUnnotified(ctx context.Context, userID string, createdBefore time.Time) ([]Assignment, error) {
	q := url.Values{}
	q.Set("user_id", "eq."+userID)
	q.Set("notified", "eq.false")
	q.Set("created_at", "lt."+createdBefore.UTC().Format(time.RFC3339Nano))
	q.Set("select", "*")
	q.Set("order", "created_at.asc")
	var rows []Assignment
	if err := s.do(ctx, http.MethodGet, "assignments", q, "", nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// rawID accepts both string (uuid) and numeric primary keys.
func rawID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	v := strings.TrimSpace(string(raw))
	if v == "null" {
		return ""
	}
	return v
}

// UnmarshalJSON accepts numeric ids as well as uuid strings.
func (r *Record) UnmarshalJSON(b []byte) error {
	type plain Record
	var aux struct {
		plain
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*r = Record(aux.plain)
	r.ID = rawID(aux.ID)
	return nil
}

// UnmarshalJSON accepts numeric assignment and user ids.
func (a *Assignment) UnmarshalJSON(b []byte) error {
	type plain Assignment
	var aux struct {
		plain
		ID     json.RawMessage `json:"id"`
		UserID json.RawMessage `json:"user_id"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*a = Assignment(aux.plain)
	a.ID = rawID(aux.ID)
	a.UserID = rawID(aux.UserID)
	return nil
}
