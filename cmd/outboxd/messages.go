package main

import (
	"context"
	"log/slog"

	"github.com/bcgov/healthgateway-sub016/bus/message"
	"github.com/bcgov/healthgateway-sub016/bus/receiver"
)

// Сообщения Health Gateway, которые outboxd умеет декодировать при
// включенном получателе.

type notificationRequested struct {
	HDID     string `json:"hdid"`
	Channel  string `json:"channel"`
	Template string `json:"template"`
}

func (n notificationRequested) SessionID() string { return n.HDID }

type labResultReady struct {
	HDID     string `json:"hdid"`
	ReportID string `json:"report_id"`
}

func (l labResultReady) SessionID() string { return l.HDID }

type auditEventRecorded struct {
	Action string `json:"action"`
	Actor  string `json:"actor"`
}

func newRegistry() *message.Registry {
	r := message.NewRegistry()
	message.MustRegister[notificationRequested](r, message.WithTypeName("notification.requested"))
	message.MustRegister[labResultReady](r, message.WithTypeName("lab.result_ready"))
	message.MustRegister[auditEventRecorded](r, message.WithTypeName("audit.event_recorded"))
	return r
}

// logHandler записывает каждый полученный конверт в журнал.
func logHandler(logger *slog.Logger) receiver.Handler {
	return func(ctx context.Context, sessionID string, envelopes []message.Envelope) error {
		for _, env := range envelopes {
			logger.InfoContext(ctx, "получен конверт",
				slog.String("session_id", sessionID),
				slog.String("envelope_id", env.ID().String()),
				slog.Any("content", env.Content()),
			)
		}
		return nil
	}
}
