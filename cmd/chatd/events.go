package main

import (
	"go.uber.org/zap"

	"github.com/and161185/chatsync/internal/service"
)

// logEvents reports engine activity; message content is never logged.
func logEvents(logger *zap.Logger) service.Observer {
	logger = logger.Named("events")
	return func(ev service.Event) {
		switch ev.Type {
		case service.EventMessage:
			logger.Info("message",
				zap.Stringer("conversation", ev.Key),
				zap.String("sender", ev.Message.Sender),
				zap.Int("bytes", len(ev.Message.Content)),
			)
		case service.EventNotification:
			logger.Info("notification", zap.String("id", ev.Notification.ID), zap.String("type", ev.Notification.Type))
		case service.EventState:
			logger.Info("connection", zap.Stringer("state", ev.State))
		case service.EventError:
			if ev.Text != "" {
				logger.Warn("engine error", zap.String("text", ev.Text))
			}
		}
	}
}
