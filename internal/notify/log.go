package notify

import (
	"context"

	logx "studyagent/pkg/logx"
)

// logDriver writes notifications to the log instead of delivering them.
type logDriver struct {
	log logx.Logger
}

func newLogDriver(log logx.Logger) *logDriver {
	return &logDriver{log: log.With(logx.String("comp", "notify"))}
}

func (d *logDriver) Name() string { return "log" }

func (d *logDriver) Send(ctx context.Context, recipient string, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if recipient == "" {
		return ErrNoRecipient
	}
	d.log.Info("notification (dry run)",
		logx.String("to", recipient),
		logx.String("subject", m.Subject),
		logx.String("link", m.Link),
	)
	return nil
}
