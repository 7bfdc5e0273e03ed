package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"studyagent/internal/task/engine"
	logx "studyagent/pkg/logx"
)

type recordingExec struct {
	mu    sync.Mutex
	names []string
	err   error
}

func (r *recordingExec) Enqueue(t engine.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, t.Name)
	return r.err
}

func (r *recordingExec) fired() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

func noop(context.Context) error { return nil }

func startScheduler(t *testing.T, exec Executor) *Service {
	t.Helper()
	s := New(Config{Timezone: "UTC"}, exec, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestParseInterval(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
		err  bool
	}{
		{in: "1m", want: time.Minute},
		{in: "2h30m", want: 150 * time.Minute},
		{in: "00:50", want: 50 * time.Minute},
		{in: "02:30", want: 150 * time.Minute},
		{in: "@every 5m", want: 5 * time.Minute},
		{in: "5", want: 5 * time.Minute},
		{in: " 15 ", want: 15 * time.Minute},
		{in: "", err: true},
		{in: "0", err: true},
		{in: "-1m", err: true},
		{in: "00:61", err: true},
		{in: "*/5 * * * *", err: true},
		{in: "soon", err: true},
	}
	for _, tc := range cases {
		got, err := ParseInterval(tc.in)
		if tc.err {
			if err == nil {
				t.Errorf("ParseInterval(%q) = %v, want error", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseInterval(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseInterval(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestAddIntervalAfterFiresImmediatelyWithoutDelay(t *testing.T) {
	exec := &recordingExec{}
	s := startScheduler(t, exec)

	if _, err := s.AddIntervalAfter("calendar_sync", time.Hour, 0, time.Second, noop); err != nil {
		t.Fatal(err)
	}
	if got := exec.fired(); len(got) != 1 || got[0] != "calendar_sync" {
		t.Fatalf("fired = %v, want [calendar_sync]", got)
	}
	next, ok := s.Next("calendar_sync")
	if !ok {
		t.Fatal("Next: schedule not found")
	}
	if d := time.Until(next); d < 59*time.Minute || d > time.Hour {
		t.Fatalf("next fire in %v, want about one interval", d)
	}
}

func TestAddIntervalAfterHonoursDelay(t *testing.T) {
	exec := &recordingExec{}
	s := startScheduler(t, exec)

	before := time.Now()
	if _, err := s.AddIntervalAfter("assignment_check", time.Hour, 10*time.Minute, time.Second, noop); err != nil {
		t.Fatal(err)
	}
	after := time.Now()

	if got := exec.fired(); len(got) != 0 {
		t.Fatalf("fired = %v, want nothing before the delay", got)
	}
	next, ok := s.Next("assignment_check")
	if !ok {
		t.Fatal("Next: schedule not found")
	}
	if next.Before(before.Add(10*time.Minute)) || next.After(after.Add(10*time.Minute)) {
		t.Fatalf("next = %v, want registration time + 10m", next)
	}
}

func TestRegisteredBeforeStartFiresOnStart(t *testing.T) {
	exec := &recordingExec{}
	s := New(Config{}, exec, logx.Nop())
	if _, err := s.AddIntervalAfter("calendar_sync", time.Hour, 0, 0, noop); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Next("calendar_sync"); ok {
		t.Fatal("Next must be unknown before Start")
	}
	if len(exec.fired()) != 0 {
		t.Fatal("fired before Start")
	}

	s.Start(context.Background())
	defer s.Stop(context.Background())
	if got := exec.fired(); len(got) != 1 {
		t.Fatalf("fired = %v, want one immediate fire", got)
	}

	// A second Start is a no-op and does not fire again.
	s.Start(context.Background())
	if got := exec.fired(); len(got) != 1 {
		t.Fatalf("fired = %v after second Start", got)
	}
}

func TestUpsertAndRemove(t *testing.T) {
	s := startScheduler(t, &recordingExec{})

	for i := 0; i < 3; i++ {
		if _, err := s.AddIntervalAfter("calendar_sync", time.Hour, time.Minute, 0, noop); err != nil {
			t.Fatal(err)
		}
	}
	if n := len(s.Snapshot().Schedules); n != 1 {
		t.Fatalf("schedules = %d, want 1 after upserts", n)
	}

	if !s.Remove("calendar_sync") {
		t.Fatal("Remove returned false")
	}
	if s.Remove("calendar_sync") {
		t.Fatal("second Remove returned true")
	}
	if _, ok := s.Next("calendar_sync"); ok {
		t.Fatal("Next found a removed schedule")
	}
	if n := len(s.Snapshot().Schedules); n != 0 {
		t.Fatalf("schedules = %d, want 0", n)
	}
}

func TestAddIntervalAfterValidates(t *testing.T) {
	s := New(Config{}, &recordingExec{}, logx.Nop())
	if _, err := s.AddIntervalAfter(" ", time.Minute, 0, 0, noop); err == nil {
		t.Fatal("empty name accepted")
	}
	if _, err := s.AddIntervalAfter("x", 0, 0, 0, noop); err == nil {
		t.Fatal("zero interval accepted")
	}
	if _, err := s.AddIntervalAfter("x", time.Minute, 0, 0, nil); err == nil {
		t.Fatal("nil job accepted")
	}
}

func TestEnqueueErrorDoesNotFailRegistration(t *testing.T) {
	exec := &recordingExec{err: errors.New("queue full")}
	s := startScheduler(t, exec)
	if _, err := s.AddIntervalAfter("calendar_sync", time.Hour, 0, 0, noop); err != nil {
		t.Fatalf("registration failed: %v", err)
	}
	if _, ok := s.Next("calendar_sync"); !ok {
		t.Fatal("schedule not armed")
	}
}

func TestFirstRunSchedule(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	first := base.Add(90 * time.Second)
	sched := &firstRunSchedule{base: everySchedule(time.Minute), first: first}

	if got := sched.Next(base); !got.Equal(first) {
		t.Fatalf("Next(before first) = %v, want %v", got, first)
	}
	if got := sched.Next(first); !got.Equal(first.Add(time.Minute)) {
		t.Fatalf("Next(first) = %v, want %v", got, first.Add(time.Minute))
	}
}

type everySchedule time.Duration

func (e everySchedule) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }

func TestReRegisterKeepsOverlapGuard(t *testing.T) {
	eng := engine.New(engine.Config{Enabled: true, Workers: 2, QueueSize: 8, HistorySize: 10}, logx.Nop(), nil)
	eng.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		eng.Stop(ctx)
	})
	s := startScheduler(t, eng)

	release := make(chan struct{})
	var running, maxRunning, runs atomic.Int32
	job := func(ctx context.Context) error {
		n := running.Add(1)
		defer running.Add(-1)
		runs.Add(1)
		for {
			cur := maxRunning.Load()
			if n <= cur || maxRunning.CompareAndSwap(cur, n) {
				break
			}
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}

	if _, err := s.AddIntervalAfter("calendar_sync", time.Hour, 0, 0, job); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, func() bool { return running.Load() == 1 })

	// Re-arm while the first run is blocked: the immediate fire must be skipped.
	s.Remove("calendar_sync")
	if _, err := s.AddIntervalAfter("calendar_sync", time.Hour, 0, 0, job); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := maxRunning.Load(); got != 1 {
		t.Fatalf("max concurrent runs = %d, want 1", got)
	}
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want 1", got)
	}

	close(release)
	waitUntil(t, func() bool { return running.Load() == 0 })
	waitUntil(t, func() bool { return !s.Snapshot().Schedules[0].Busy })

	// Once the first run finished, re-arming fires again.
	s.Remove("calendar_sync")
	if _, err := s.AddIntervalAfter("calendar_sync", time.Hour, 0, 0, job); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, func() bool { return runs.Load() == 2 })
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
