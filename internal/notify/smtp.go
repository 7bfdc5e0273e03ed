package notify

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/wneessen/go-mail"
)

type smtpDriver struct {
	cfg  SMTPConfig
	opts []mail.Option
}

func newSMTPDriver(cfg SMTPConfig) (*smtpDriver, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("smtp host is empty")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("smtp from is empty")
	}
	mode := strings.ToLower(strings.TrimSpace(cfg.TLS))
	if cfg.Port <= 0 {
		cfg.Port = 587
		if mode == "tls" {
			cfg.Port = 465
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	// WithSSLPort resets the port, so the explicit port goes after it.
	var opts []mail.Option
	switch mode {
	case "tls":
		opts = append(opts, mail.WithSSLPort(false))
	case "none":
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	default:
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	}
	opts = append(opts,
		mail.WithPort(cfg.Port),
		mail.WithTimeout(cfg.Timeout),
	)
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	return &smtpDriver{cfg: cfg, opts: opts}, nil
}

func (d *smtpDriver) Name() string { return "smtp" }

func (d *smtpDriver) Send(ctx context.Context, recipient string, m Message) error {
	if strings.TrimSpace(recipient) == "" {
		return ErrNoRecipient
	}
	msg, err := d.message(recipient, m)
	if err != nil {
		return err
	}
	c, err := mail.NewClient(d.cfg.Host, d.opts...)
	if err != nil {
		return err
	}
	return c.DialAndSendWithContext(ctx, msg)
}

func (d *smtpDriver) message(recipient string, m Message) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(d.cfg.From); err != nil {
		return nil, err
	}
	if err := msg.To(recipient); err != nil {
		return nil, err
	}
	msg.Subject(m.Subject)
	msg.SetBodyString(mail.TypeTextPlain, m.Text)
	return msg, nil
}
