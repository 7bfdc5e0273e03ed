package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"studyagent/internal/notify"
	"studyagent/internal/store"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// memStore is an in-memory store.Store with a unique (user, source key)
// constraint.
type memStore struct {
	mu    sync.Mutex
	clock *clock

	profiles    map[string]string
	records     []store.Record
	assignments []store.Assignment
	seq         int

	lookupErr    error
	reconcileErr error
	markErr      func(id string) error

	reconcileCalls int
	markCalls      map[string]int
	flips          map[string]int
}

func newMemStore(c *clock) *memStore {
	return &memStore{
		clock:     c,
		profiles:  map[string]string{},
		markCalls: map[string]int{},
		flips:     map[string]int{},
	}
}

func (m *memStore) addRecord(key, title, typ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, store.Record{
		ID:        fmt.Sprintf("rec-%d", len(m.records)+1),
		SourceKey: key,
		Title:     title,
		Type:      typ,
		StartAt:   m.clock.Now().Add(72 * time.Hour),
	})
}

func (m *memStore) resetProcessed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.records {
		m.records[i].Processed = false
	}
}

func (m *memStore) LookupUserID(_ context.Context, email string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lookupErr != nil {
		return "", m.lookupErr
	}
	id, ok := m.profiles[email]
	if !ok {
		return "", store.ErrNotFound
	}
	return id, nil
}

func (m *memStore) ListUnprocessed(context.Context) ([]store.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Record, 0)
	for _, r := range m.records {
		if !r.Processed {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) Reconcile(_ context.Context, userID string, records []store.Record) ([]store.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconcileCalls++
	created := make([]store.Assignment, 0)
	for _, r := range records {
		if m.findLocked(userID, r.Key()) >= 0 {
			continue
		}
		m.seq++
		a := store.Assignment{
			ID:        fmt.Sprintf("asg-%d", m.seq),
			UserID:    userID,
			SourceKey: r.Key(),
			Title:     r.Title,
			Course:    r.Course,
			DueAt:     r.StartAt,
			Type:      r.Type,
			CreatedAt: m.clock.Now(),
		}
		m.assignments = append(m.assignments, a)
		created = append(created, a)
	}
	if m.reconcileErr != nil {
		return created, m.reconcileErr
	}
	for _, r := range records {
		for i := range m.records {
			if m.records[i].Key() == r.Key() {
				m.records[i].Processed = true
			}
		}
	}
	return created, nil
}

func (m *memStore) findLocked(userID, key string) int {
	for i, a := range m.assignments {
		if a.UserID == userID && a.SourceKey == key {
			return i
		}
	}
	return -1
}

func (m *memStore) MarkNotified(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markCalls[id]++
	if m.markErr != nil {
		if err := m.markErr(id); err != nil {
			return err
		}
	}
	for i := range m.assignments {
		if m.assignments[i].ID != id {
			continue
		}
		if !m.assignments[i].Notified {
			m.flips[id]++
		}
		m.assignments[i].Notified = true
		m.assignments[i].NotifiedAt = &at
		return nil
	}
	return store.ErrNotFound
}

func (m *memStore) ListUnnotified(_ context.Context, userID string, before time.Time) ([]store.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Assignment, 0)
	for _, a := range m.assignments {
		if a.UserID == userID && !a.Notified && a.CreatedAt.Before(before) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memStore) assignment(title string) store.Assignment {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.assignments {
		if a.Title == title {
			return a
		}
	}
	return store.Assignment{}
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.assignments)
}

type fakeNotifier struct {
	mu     sync.Mutex
	fail   map[string]bool // by title
	calls  []notify.Payload
	recips []string
}

func (f *fakeNotifier) SendNewAssignment(_ context.Context, recipient string, p notify.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, p)
	f.recips = append(f.recips, recipient)
	if f.fail[p.Title] {
		return errors.New("smtp: 451 try again later")
	}
	return nil
}

func (f *fakeNotifier) setFail(title string, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail == nil {
		f.fail = map[string]bool{}
	}
	f.fail[title] = fail
}

func (f *fakeNotifier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeCalendar struct {
	mu    sync.Mutex
	ok    bool
	err   error
	calls []int
}

func (f *fakeCalendar) Sync(_ context.Context, daysAhead int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, daysAhead)
	return f.ok, f.err
}

type fakeEntry struct {
	every, delay, timeout time.Duration
	job                   func(context.Context) error
}

type fakeScheduler struct {
	mu      sync.Mutex
	clock   *clock
	entries map[string]fakeEntry
	addErr  map[string]error
	adds    int
	removes []string
}

func newFakeScheduler(c *clock) *fakeScheduler {
	return &fakeScheduler{clock: c, entries: map[string]fakeEntry{}, addErr: map[string]error{}}
}

func (f *fakeScheduler) AddIntervalAfter(name string, every, delay, timeout time.Duration, job func(context.Context) error) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.addErr[name]; err != nil {
		return "", err
	}
	f.adds++
	f.entries[name] = fakeEntry{every: every, delay: delay, timeout: timeout, job: job}
	return name, nil
}

func (f *fakeScheduler) Remove(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entries[name]; !ok {
		return false
	}
	f.removes = append(f.removes, name)
	delete(f.entries, name)
	return true
}

func (f *fakeScheduler) Next(name string) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[name]
	if !ok {
		return time.Time{}, false
	}
	if e.delay > 0 {
		return f.clock.Now().Add(e.delay), true
	}
	return f.clock.Now().Add(e.every), true
}

func (f *fakeScheduler) entry(name string) (fakeEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[name]
	return e, ok
}
