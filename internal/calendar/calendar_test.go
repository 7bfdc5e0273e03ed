package calendar

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"studyagent/internal/store"
	logx "studyagent/pkg/logx"
)

var testNow = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

const termFeed = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//studyagent//test//EN
BEGIN:VEVENT
UID:exam-1
DTSTAMP:20260201T000000Z
DTSTART:20260304T090000Z
DTEND:20260304T110000Z
SUMMARY:CS101: Midterm Exam
DESCRIPTION:Topics: Graphs | Dynamic Programming
END:VEVENT
BEGIN:VEVENT
UID:lab-1
DTSTAMP:20260201T000000Z
DTSTART:20260302T140000Z
DTEND:20260302T160000Z
RRULE:FREQ=WEEKLY;COUNT=4
EXDATE:20260309T140000Z
SUMMARY:[PHYS 210] Lab session
END:VEVENT
BEGIN:VEVENT
UID:office-1
DTSTAMP:20260201T000000Z
DTSTART;VALUE=DATE:20260303
SUMMARY:Office hours
END:VEVENT
BEGIN:VEVENT
UID:far-1
DTSTAMP:20260201T000000Z
DTSTART:20261201T090000Z
DTEND:20261201T100000Z
SUMMARY:CS101: Final exam
END:VEVENT
END:VCALENDAR
`

type fakeSink struct {
	records []store.Record
	calls   int
	err     error
}

func (f *fakeSink) UpsertRecords(_ context.Context, recs []store.Record) (int, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	f.records = append(f.records, recs...)
	return len(recs), nil
}

func writeFeed(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "term.ics")
	crlf := strings.ReplaceAll(body, "\n", "\r\n")
	if err := os.WriteFile(path, []byte(crlf), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestService(cfg Config, sink store.RecordSink) *Service {
	s := New(cfg, sink, logx.Nop())
	s.now = func() time.Time { return testNow }
	return s
}

func recordKeys(recs []store.Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.SourceKey)
	}
	return out
}

func TestSyncImportsAssignmentLikeOccurrences(t *testing.T) {
	sink := &fakeSink{}
	s := newTestService(Config{Sources: []string{writeFeed(t, termFeed)}}, sink)

	ok, err := s.Sync(context.Background(), 21)
	if err != nil || !ok {
		t.Fatalf("Sync = %v, %v", ok, err)
	}

	want := []string{
		"exam-1",
		"lab-1/20260302T140000Z",
		"lab-1/20260316T140000Z",
	}
	if got := recordKeys(sink.records); !reflect.DeepEqual(got, want) {
		t.Fatalf("keys = %v, want %v", got, want)
	}

	exam := sink.records[0]
	if exam.Type != TypeExam || exam.Course != "CS101" {
		t.Fatalf("exam record = %+v", exam)
	}
	if !reflect.DeepEqual(exam.Topics, []string{"Graphs", "Dynamic Programming"}) {
		t.Fatalf("topics = %v", exam.Topics)
	}
	if exam.EndAt == nil || !exam.EndAt.Equal(time.Date(2026, 3, 4, 11, 0, 0, 0, time.UTC)) {
		t.Fatalf("end = %v", exam.EndAt)
	}
	if !exam.SyncedAt.Equal(testNow) {
		t.Fatalf("synced_at = %v", exam.SyncedAt)
	}

	lab := sink.records[1]
	if lab.Type != TypeLab || lab.Course != "PHYS 210" {
		t.Fatalf("lab record = %+v", lab)
	}
}

func TestSyncIncludeAllKeepsPlainEvents(t *testing.T) {
	sink := &fakeSink{}
	s := newTestService(Config{Sources: []string{writeFeed(t, termFeed)}, IncludeAll: true}, sink)

	if _, err := s.Sync(context.Background(), 21); err != nil {
		t.Fatal(err)
	}
	if len(sink.records) != 4 {
		t.Fatalf("records = %v", recordKeys(sink.records))
	}
	var office *store.Record
	for i := range sink.records {
		if sink.records[i].SourceKey == "office-1" {
			office = &sink.records[i]
		}
	}
	if office == nil || office.Type != TypeEvent {
		t.Fatalf("office hours record = %+v", office)
	}
}

func TestRescheduledEventKeepsOneAssignment(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(store.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "agent.db")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	userID, err := st.(store.ProfileAdder).AddProfile(ctx, "student@example.com")
	if err != nil {
		t.Fatal(err)
	}

	path := writeFeed(t, termFeed)
	s := newTestService(Config{Sources: []string{path}}, st)
	reconcile := func() {
		t.Helper()
		if _, err := s.Sync(ctx, 21); err != nil {
			t.Fatal(err)
		}
		recs, err := st.ListUnprocessed(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := st.Reconcile(ctx, userID, recs); err != nil {
			t.Fatal(err)
		}
	}
	reconcile()

	moved := strings.Replace(termFeed, "DTSTART:20260304T090000Z\nDTEND:20260304T110000Z", "DTSTART:20260305T130000Z\nDTEND:20260305T150000Z", 1)
	if moved == termFeed {
		t.Fatal("feed not rewritten")
	}
	if err := os.WriteFile(path, []byte(strings.ReplaceAll(moved, "\n", "\r\n")), 0o600); err != nil {
		t.Fatal(err)
	}
	reconcile()

	got, err := st.ListUnnotified(ctx, userID, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	exams := 0
	for _, a := range got {
		if a.SourceKey == "exam-1" {
			exams++
		}
	}
	if exams != 1 || len(got) != 3 {
		t.Fatalf("assignments = %d (exam %d), want 3 (exam 1)", len(got), exams)
	}
}

func TestSyncAppliesRecurrenceOverride(t *testing.T) {
	override := strings.Replace(termFeed, "BEGIN:VEVENT\nUID:office-1", `BEGIN:VEVENT
UID:lab-1
DTSTAMP:20260201T000000Z
RECURRENCE-ID:20260316T140000Z
DTSTART:20260317T100000Z
DTEND:20260317T120000Z
SUMMARY:[PHYS 210] Lab session (room change)
END:VEVENT
BEGIN:VEVENT
UID:office-1`, 1)
	sink := &fakeSink{}
	s := newTestService(Config{Sources: []string{writeFeed(t, override)}}, sink)

	if _, err := s.Sync(context.Background(), 21); err != nil {
		t.Fatal(err)
	}
	want := []string{"exam-1", "lab-1/20260302T140000Z", "lab-1/20260316T140000Z"}
	if got := recordKeys(sink.records); !reflect.DeepEqual(got, want) {
		t.Fatalf("keys = %v, want %v", got, want)
	}
	lab := sink.records[2]
	if !lab.StartAt.Equal(time.Date(2026, 3, 17, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("moved lab start = %v", lab.StartAt)
	}
	if lab.Title != "[PHYS 210] Lab session (room change)" {
		t.Fatalf("moved lab title = %q", lab.Title)
	}
}

func TestSyncPartialSourceFailure(t *testing.T) {
	sink := &fakeSink{}
	missing := filepath.Join(t.TempDir(), "missing.ics")
	s := newTestService(Config{Sources: []string{missing, writeFeed(t, termFeed)}}, sink)

	ok, err := s.Sync(context.Background(), 21)
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if ok {
		t.Fatal("ok = true with a broken source")
	}
	if len(sink.records) != 3 {
		t.Fatalf("healthy source records = %v", recordKeys(sink.records))
	}
}

func TestSyncErrors(t *testing.T) {
	s := newTestService(Config{}, &fakeSink{})
	if _, err := s.Sync(context.Background(), 7); !errors.Is(err, ErrNoSources) {
		t.Fatalf("err = %v, want ErrNoSources", err)
	}

	boom := errors.New("db down")
	sink := &fakeSink{err: boom}
	s = newTestService(Config{Sources: []string{writeFeed(t, termFeed)}}, sink)
	ok, err := s.Sync(context.Background(), 21)
	if ok || !errors.Is(err, boom) {
		t.Fatalf("Sync = %v, %v; want false, %v", ok, err, boom)
	}
}

func TestSyncNothingInWindowSkipsSink(t *testing.T) {
	sink := &fakeSink{}
	s := newTestService(Config{Sources: []string{writeFeed(t, termFeed)}}, sink)
	s.now = func() time.Time { return time.Date(2027, 6, 1, 0, 0, 0, 0, time.UTC) }

	ok, err := s.Sync(context.Background(), 7)
	if err != nil || !ok {
		t.Fatalf("Sync = %v, %v", ok, err)
	}
	if sink.calls != 0 {
		t.Fatalf("sink called %d times", sink.calls)
	}
}

func TestFetchHTTPUsesConditionalCache(t *testing.T) {
	var hits, notModified atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			notModified.Add(1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Content-Type", "text/calendar")
		_, _ = w.Write([]byte(termFeed))
	}))

	f := newFetcher(t.TempDir(), "", time.Second, logx.Nop())
	src := Source{ID: "ics0", URL: srv.URL + "/feed.ics?token=secret"}

	first, err := f.fetch(context.Background(), src)
	if err != nil || first.FromCache || string(first.Body) != termFeed {
		t.Fatalf("first fetch = %+v, %v", first.FromCache, err)
	}

	second, err := f.fetch(context.Background(), src)
	if err != nil || !second.FromCache || string(second.Body) != termFeed {
		t.Fatalf("second fetch = %+v, %v", second.FromCache, err)
	}
	if notModified.Load() != 1 {
		t.Fatalf("304 responses = %d, want 1", notModified.Load())
	}

	srv.Close()
	third, err := f.fetch(context.Background(), src)
	if err != nil || !third.FromCache {
		t.Fatalf("offline fetch = %+v, %v", third.FromCache, err)
	}
	if hits.Load() != 2 {
		t.Fatalf("server hits = %d, want 2", hits.Load())
	}
}

func TestFetchHTTPErrorWithoutCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	f := newFetcher("", "", time.Second, logx.Nop())
	if _, err := f.fetch(context.Background(), Source{ID: "ics0", URL: srv.URL}); err == nil {
		t.Fatal("expected error for 403 without cache")
	}
}

func TestRedactURL(t *testing.T) {
	got := redactURL("https://calendar.example.edu/private/abc123/basic.ics")
	if strings.Contains(got, "abc123") || !strings.HasPrefix(got, "https://calendar.example.edu") {
		t.Fatalf("redactURL = %q", got)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		summary, desc string
		want          string
		ok            bool
	}{
		{"CS101: Midterm Exam", "", TypeExam, true},
		{"Quiz 3", "", TypeQuiz, true},
		{"Final Project demo", "", TypeProject, true},
		{"Final essay", "", TypeAssignment, true},
		{"MATH 200 Final", "", TypeExam, true},
		{"Homework 4", "", TypeAssignment, true},
		{"Chem lab", "", TypeLab, true},
		{"Group presentation", "", TypePresentation, true},
		{"Reading group", "Problem set 2 due Friday", TypeAssignment, true},
		{"Office hours", "", TypeEvent, false},
		{"Contest", "", TypeEvent, false},
	}
	for _, tt := range tests {
		got, ok := Classify(tt.summary, tt.desc)
		if got != tt.want || ok != tt.ok {
			t.Errorf("Classify(%q, %q) = %q, %v; want %q, %v", tt.summary, tt.desc, got, ok, tt.want, tt.ok)
		}
	}
}

func TestExtractCourse(t *testing.T) {
	tests := map[string]string{
		"CS101: Midterm":      "CS101",
		"[phys 210] Lab":      "PHYS 210",
		"MATH-200 | Homework": "MATH-200",
		"Homework 4":          "",
		"Quiz: chapter 2":     "",
	}
	for in, want := range tests {
		if got := ExtractCourse(in); got != want {
			t.Errorf("ExtractCourse(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestExtractTopics(t *testing.T) {
	got := ExtractTopics("Bring a calculator.\nTopics: Graphs; dynamic  programming, graphs |  \nRoom 4")
	want := []string{"Graphs", "dynamic programming"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("topics = %v, want %v", got, want)
	}
	if got := ExtractTopics("no topics line"); got != nil {
		t.Fatalf("topics = %v, want nil", got)
	}
}
