package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wneessen/go-mail"

	logx "studyagent/pkg/logx"
)

type recordingDriver struct {
	mu   sync.Mutex
	sent []Message
	to   []string
	err  error
}

func (d *recordingDriver) Name() string { return "fake" }

func (d *recordingDriver) Send(_ context.Context, recipient string, m Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.sent = append(d.sent, m)
	d.to = append(d.to, recipient)
	return nil
}

func TestRenderDefaultsAndLink(t *testing.T) {
	due := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	m := Render(Payload{ID: "a 1", Date: due, Topics: []string{"Graphs", "Dynamic Programming"}}, "https://app.example.com/")

	if m.Subject != "New assignment: Untitled assignment" {
		t.Fatalf("subject = %q", m.Subject)
	}
	for _, want := range []string{
		"Course: Untitled assignment",
		"Due:    Wed, 04 Mar 2026 09:00 UTC",
		"Topics: Graphs, Dynamic Programming",
		"Open: https://app.example.com/assignments/a%201",
	} {
		if !strings.Contains(m.Text, want) {
			t.Errorf("text missing %q:\n%s", want, m.Text)
		}
	}

	m = Render(Payload{ID: "x", Title: "Midterm", Type: "exam", Course: "CS101"}, "")
	if m.Subject != "New exam: Midterm" || m.Link != "" || strings.Contains(m.Text, "Open:") {
		t.Fatalf("unexpected render: %+v", m)
	}
	if !strings.Contains(m.Text, "Course: CS101") || strings.Contains(m.Text, "Due:") {
		t.Fatalf("text = %q", m.Text)
	}
}

func TestServiceSendsAndRecordsHistory(t *testing.T) {
	drv := &recordingDriver{}
	s := newService(Config{AppURL: "https://app.example.com"}, drv, logx.Nop())

	err := s.SendNewAssignment(context.Background(), "student@example.com", Payload{ID: "a1", Title: "Quiz 1", Type: "quiz"})
	if err != nil {
		t.Fatal(err)
	}
	if len(drv.sent) != 1 || drv.to[0] != "student@example.com" {
		t.Fatalf("sent = %+v to %v", drv.sent, drv.to)
	}
	if drv.sent[0].Link != "https://app.example.com/assignments/a1" {
		t.Fatalf("link = %q", drv.sent[0].Link)
	}

	drv.err = errors.New("mailbox full")
	err = s.SendNewAssignment(context.Background(), "student@example.com", Payload{ID: "a2"})
	if err == nil || !strings.Contains(err.Error(), "mailbox full") {
		t.Fatalf("err = %v", err)
	}

	h := s.Snapshot()
	if len(h) != 2 || h[0].AssignmentID != "a1" || h[0].Error != "" || h[1].Error == "" {
		t.Fatalf("history = %+v", h)
	}
}

func TestServiceRateLimitHonoursContext(t *testing.T) {
	drv := &recordingDriver{}
	s := newService(Config{RatePerSec: 0.001}, drv, logx.Nop())

	if err := s.SendNewAssignment(context.Background(), "a@example.com", Payload{ID: "1"}); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.SendNewAssignment(ctx, "a@example.com", Payload{ID: "2"}); err == nil {
		t.Fatal("expected rate limit error with short deadline")
	}
	if len(drv.sent) != 1 {
		t.Fatalf("sent %d, want 1", len(drv.sent))
	}

	s.Apply(Config{})
	if err := s.SendNewAssignment(context.Background(), "a@example.com", Payload{ID: "3"}); err != nil {
		t.Fatalf("unlimited send: %v", err)
	}
}

func TestNewSelectsDriver(t *testing.T) {
	s, err := New(Config{}, logx.Nop())
	if err != nil || s.Driver() != "log" {
		t.Fatalf("default driver = %v, %v", s, err)
	}
	if _, err := New(Config{Driver: "pigeon"}, logx.Nop()); err == nil {
		t.Fatal("expected unknown driver error")
	}
	if _, err := New(Config{Driver: "smtp"}, logx.Nop()); err == nil {
		t.Fatal("expected smtp config error")
	}
	if _, err := New(Config{Driver: "telegram", Telegram: TelegramConfig{Token: "t"}}, logx.Nop()); err == nil {
		t.Fatal("expected missing chat id error")
	}
}

func TestLogDriver(t *testing.T) {
	var buf bytes.Buffer
	d := newLogDriver(logx.NewWriter(&buf, "debug"))

	if err := d.Send(context.Background(), "", Message{}); !errors.Is(err, ErrNoRecipient) {
		t.Fatalf("err = %v, want ErrNoRecipient", err)
	}
	if err := d.Send(context.Background(), "student@example.com", Message{Subject: "New exam: Midterm"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "New exam: Midterm") {
		t.Fatalf("log output = %s", buf.String())
	}
}

func TestSMTPClientPort(t *testing.T) {
	tests := []struct {
		tls  string
		port int
		want string
	}{
		{"tls", 2465, "smtp.example.com:2465"},
		{"tls", 0, "smtp.example.com:465"},
		{"starttls", 0, "smtp.example.com:587"},
		{"none", 2525, "smtp.example.com:2525"},
	}
	for _, tt := range tests {
		d, err := newSMTPDriver(SMTPConfig{Host: "smtp.example.com", From: "agent@example.com", TLS: tt.tls, Port: tt.port})
		if err != nil {
			t.Fatal(err)
		}
		c, err := mail.NewClient(d.cfg.Host, d.opts...)
		if err != nil {
			t.Fatal(err)
		}
		if got := c.ServerAddr(); got != tt.want {
			t.Errorf("tls=%q port=%d: addr = %q, want %q", tt.tls, tt.port, got, tt.want)
		}
	}
}

func TestSMTPMessage(t *testing.T) {
	d, err := newSMTPDriver(SMTPConfig{Host: "smtp.example.com", From: "agent@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if d.cfg.Port != 587 {
		t.Fatalf("port = %d", d.cfg.Port)
	}
	msg, err := d.message("student@example.com", Message{Subject: "New quiz: Quiz 1", Text: "body"})
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if _, err := msg.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"New quiz: Quiz 1", "student@example.com", "agent@example.com"} {
		if !strings.Contains(out, want) {
			t.Errorf("message missing %q", want)
		}
	}

	if _, err := d.message("not an address", Message{}); err == nil {
		t.Fatal("expected invalid recipient error")
	}
	if err := d.Send(context.Background(), " ", Message{}); !errors.Is(err, ErrNoRecipient) {
		t.Fatalf("err = %v", err)
	}
}

func TestTelegramDriverPostsToChat(t *testing.T) {
	var (
		mu   sync.Mutex
		got  map[string]any
		path string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"},"text":"ok"}}`))
	}))
	defer srv.Close()

	d, err := newTelegramDriver(TelegramConfig{Token: "test-token", ChatID: 42, APIURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Send(context.Background(), "student@example.com", Message{Subject: "New exam: Midterm", Text: "Course: CS101"}); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if path != "/bottest-token/sendMessage" {
		t.Fatalf("path = %q", path)
	}
	text, _ := got["text"].(string)
	if !strings.Contains(text, "New exam: Midterm") || !strings.Contains(text, "Course: CS101") {
		t.Fatalf("text = %q", text)
	}
	if chat := got["chat_id"]; chat != "42" {
		t.Fatalf("chat_id = %v", chat)
	}
}
