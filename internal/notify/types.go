package notify

import (
	"context"
	"errors"
	"time"
)

var ErrNoRecipient = errors.New("notify: recipient is empty")

// Notifier is what the agent depends on.
type Notifier interface {
	SendNewAssignment(ctx context.Context, recipient string, p Payload) error
}

// Payload describes one newly created assignment.
type Payload struct {
	ID     string    `json:"id"`
	Title  string    `json:"title"`
	Date   time.Time `json:"date"`
	Type   string    `json:"type"`
	Course string    `json:"course"`
	Topics []string  `json:"topics,omitempty"`
}

// Message is a rendered notification.
type Message struct {
	Subject string
	Text    string
	Link    string
}

// driver performs the actual delivery.
type driver interface {
	Name() string
	Send(ctx context.Context, recipient string, m Message) error
}

type Config struct {
	Driver     string // log | smtp | telegram
	RatePerSec float64
	AppURL     string
	SMTP       SMTPConfig
	Telegram   TelegramConfig
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	TLS      string // starttls | tls | none
	Timeout  time.Duration
}

type TelegramConfig struct {
	Token  string
	ChatID int64
	// APIURL overrides the Bot API endpoint (tests, self-hosted servers).
	APIURL  string
	Timeout time.Duration
}

type HistoryItem struct {
	At           time.Time `json:"at"`
	Driver       string    `json:"driver"`
	AssignmentID string    `json:"assignment_id"`
	Subject      string    `json:"subject"`
	Error        string    `json:"error,omitempty"`
}
