package email

import (
	"context"

	"github.com/Zhima-Mochi/fulfillment-engine/internal/application/notification"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/observability"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/observability/logctx"
)

// LogSender records emails instead of delivering them. It is the transport
// for local runs without a broker.
type LogSender struct {
	logger observability.Logger
}

var _ notification.Sender = (*LogSender)(nil)

func NewLogSender(logger observability.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, e notification.Email) error {
	logctx.FromOr(ctx, s.logger).Info("email_logged",
		observability.F("to", e.To),
		observability.F("subject", e.Subject),
		observability.F("html", e.HTML),
		observability.F("body_bytes", len(e.Body)),
	)
	return nil
}
