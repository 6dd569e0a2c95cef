package services

import (
	"log/slog"

	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/ports"
)

// EventRouter fans event loop notifications out to the services.
// Nil services are skipped.
type EventRouter struct {
	Recordings *RecordingService
	Schedules  *ScheduleService
	LiveTV     *LiveTVService
}

var _ ports.EventObserver = (*EventRouter)(nil)

func (r *EventRouter) RecordingsChanged() {
	if r.Recordings != nil {
		r.Recordings.RecordingsChanged()
	}
}

func (r *EventRouter) SchedulesChanged() {
	if r.Schedules != nil {
		r.Schedules.SchedulesChanged()
	}
}

func (r *EventRouter) LiveStreamStopped(recorderID uint32) {
	if r.LiveTV != nil {
		r.LiveTV.LiveStreamStopped(recorderID)
	}
}

// LogNotifier delivers user notifications to the log.
type LogNotifier struct {
	Logger *slog.Logger
}

var _ ports.Notifier = LogNotifier{}

func (n LogNotifier) Notify(sev ports.Severity, message string) {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attr := slog.String("severity", sev.String())
	switch sev {
	case ports.SeverityError:
		logger.Error(message, attr)
	case ports.SeverityWarning:
		logger.Warn(message, attr)
	default:
		logger.Info(message, attr)
	}
}
