package notifier

import (
	"context"

	logx "changeobserver/pkg/logx"
)

const ChannelLog = "log"

// LogSender writes notifications to the log. Used for local runs.
type LogSender struct {
	log logx.Logger
}

func NewLogSender(log logx.Logger) *LogSender { return &LogSender{log: log} }

func (l *LogSender) Channel() string { return ChannelLog }

func (l *LogSender) Send(_ context.Context, n Notification) error {
	l.log.Info("notification",
		logx.String("recipient", n.Recipient),
		logx.String("marker_id", n.MarkerID),
		logx.String("subject", n.Subject),
		logx.String("text", n.Text),
	)
	return nil
}
