// Package events publishes appointment lifecycle events.
package events

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/pats/pats/internal/domain/scheduling"
)

// LogPublisher writes each event as a structured log line.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With().Str("component", "events").Logger()}
}

func (p *LogPublisher) Record(_ context.Context, ev scheduling.AuditEvent) error {
	evt := p.logger.Info().
		Str("event", ev.Type).
		Str("appointment_id", ev.AppointmentID.String()).
		Str("provider_id", ev.ProviderID.String()).
		Str("patient_id", ev.PatientID.String()).
		Time("start_time", ev.StartTime).
		Time("occurred_at", ev.OccurredAt)
	if ev.Actor != "" {
		evt = evt.Str("actor", ev.Actor)
	}
	evt.Msg("appointment event")
	return nil
}

// Multi fans an event out to every publisher and joins their errors.
type Multi []scheduling.Auditor

func (m Multi) Record(ctx context.Context, ev scheduling.AuditEvent) error {
	var errs []error
	for _, a := range m {
		if err := a.Record(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
