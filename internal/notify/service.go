package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "studyagent/pkg/logx"
)

const historySize = 100

// Service is the rate-limited Notifier used by the agent. It is safe for
// concurrent use.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	drv     driver
	limiter *rate.Limiter
	log     logx.Logger

	hmu     sync.Mutex
	history []HistoryItem
}

// New builds the driver selected by cfg.Driver.
func New(cfg Config, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	drv, err := newDriver(cfg, log)
	if err != nil {
		return nil, err
	}
	return newService(cfg, drv, log), nil
}

func newService(cfg Config, drv driver, log logx.Logger) *Service {
	s := &Service{drv: drv, log: log}
	s.applyLocked(cfg)
	return s
}

func newDriver(cfg Config, log logx.Logger) (driver, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "log":
		return newLogDriver(log), nil
	case "smtp":
		return newSMTPDriver(cfg.SMTP)
	case "telegram":
		return newTelegramDriver(cfg.Telegram)
	default:
		return nil, fmt.Errorf("unknown notifier driver: %s", cfg.Driver)
	}
}

// Apply swaps rate and link settings. The driver itself is fixed for the
// lifetime of the Service.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	s.cfg = cfg
	if cfg.RatePerSec <= 0 {
		s.limiter = nil
		return
	}
	burst := int(cfg.RatePerSec)
	if burst < 1 {
		burst = 1
	}
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
}

func (s *Service) Driver() string { return s.drv.Name() }

func (s *Service) SendNewAssignment(ctx context.Context, recipient string, p Payload) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	lim := s.limiter
	appURL := s.cfg.AppURL
	s.mu.Unlock()

	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
	}

	m := Render(p, appURL)
	err := s.drv.Send(ctx, recipient, m)

	item := HistoryItem{At: time.Now(), Driver: s.drv.Name(), AssignmentID: p.ID, Subject: m.Subject}
	if err != nil {
		item.Error = err.Error()
		s.log.Debug("notify send failed", logx.String("driver", s.drv.Name()), logx.String("assignment", p.ID), logx.Err(err))
	}
	s.appendHistory(item)
	if err != nil {
		return fmt.Errorf("%s: %w", s.drv.Name(), err)
	}
	return nil
}

func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
}
