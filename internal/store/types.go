package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a lookup or update matched nothing.
	ErrNotFound = errors.New("store: not found")
	ErrClosed   = errors.New("store: closed")
)

// Config configures the backend.
//
// Driver values:
//   - "postgrest": URL + Key are required
//   - "sqlite": Path is required
type Config struct {
	Driver      string
	URL         string
	Key         string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Timeout     time.Duration // postgrest HTTP client timeout; 0 means default
}

// Record is a calendar-derived row awaiting reconciliation.
type Record struct {
	ID          string     `json:"id"`
	SourceKey   string     `json:"source_key"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Course      string     `json:"course"`
	Type        string     `json:"type"`
	Topics      []string   `json:"topics"`
	StartAt     time.Time  `json:"start_at"`
	EndAt       *time.Time `json:"end_at,omitempty"`
	Processed   bool       `json:"processed"`
	SyncedAt    time.Time  `json:"synced_at"`
}

// Key is the identity used for de-duplication.
func (r Record) Key() string {
	if r.SourceKey != "" {
		return r.SourceKey
	}
	return r.ID
}

// Assignment is a user-facing task created from a Record.
type Assignment struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	SourceKey  string     `json:"source_key"`
	Title      string     `json:"title"`
	Course     string     `json:"course"`
	DueAt      time.Time  `json:"due_at"`
	Type       string     `json:"type"`
	Topics     []string   `json:"topics"`
	Notified   bool       `json:"notified"`
	NotifiedAt *time.Time `json:"notified_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// HTTPError is a non-2xx answer from the REST backend. It is transient from
// the agent's point of view.
type HTTPError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("store: %s %s: status %d", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("store: %s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// Store is what the reconciliation task needs.
type Store interface {
	// LookupUserID resolves an email to a user id, or ErrNotFound.
	LookupUserID(ctx context.Context, email string) (string, error)
	// ListUnprocessed returns records not yet reconciled, oldest start first.
	ListUnprocessed(ctx context.Context) ([]Record, error)
	// Reconcile creates one assignment per record that has none for userID
	// yet and marks the records processed. Only newly created assignments are
	// returned. When marking fails after creation, the created assignments are
	// returned together with the error so they can still be notified.
	Reconcile(ctx context.Context, userID string, records []Record) ([]Assignment, error)
	// MarkNotified flips the assignment's notified flag to true.
	MarkNotified(ctx context.Context, assignmentID string, at time.Time) error
	// ListUnnotified returns the user's assignments still unnotified and
	// created before createdBefore.
	ListUnnotified(ctx context.Context, userID string, createdBefore time.Time) ([]Assignment, error)
}

// RecordSink receives records produced by a calendar sync. Upserts never
// reset the processed flag of an existing record.
type RecordSink interface {
	UpsertRecords(ctx context.Context, records []Record) (int, error)
}

// Backend is a full store implementation.
type Backend interface {
	Store
	RecordSink
	Close() error
}

// ProfileAdder is implemented by backends that can register users locally.
type ProfileAdder interface {
	AddProfile(ctx context.Context, email string) (string, error)
}
