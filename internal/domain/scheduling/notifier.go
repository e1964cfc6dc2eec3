package scheduling

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/pats/pats/internal/platform/notification"
)

const (
	displayDate = "2006-01-02"
	displayTime = "15:04"
)

// MailNotifier renders lifecycle messages through the notification
// gateway's templates. Confirmations go to the patient; reschedules and
// cancellations go to both parties.
type MailNotifier struct {
	mgr *notification.NotificationManager
	loc *time.Location
}

func NewMailNotifier(mgr *notification.NotificationManager, loc *time.Location) *MailNotifier {
	if loc == nil {
		loc = time.UTC
	}
	return &MailNotifier{mgr: mgr, loc: loc}
}

func (n *MailNotifier) SendConfirmation(ctx context.Context, p Participants) error {
	return n.send(ctx, notification.TemplateConfirmation, n.data(p, p.Patient), p.Patient)
}

func (n *MailNotifier) SendReschedule(ctx context.Context, p Participants) error {
	return n.sendBoth(ctx, notification.TemplateRescheduled, p, func(d map[string]string) {
		if prior := p.Appointment.PriorStartTime; prior != nil {
			local := prior.In(n.loc)
			d["prior_date"] = local.Format(displayDate)
			d["prior_time"] = local.Format(displayTime)
		}
	})
}

func (n *MailNotifier) SendCancellation(ctx context.Context, p Participants) error {
	return n.sendBoth(ctx, notification.TemplateCancelled, p, func(d map[string]string) {
		d["reason"] = "not specified"
		if r := p.Appointment.CancellationReason; r != nil && *r != "" {
			d["reason"] = *r
		}
	})
}

func (n *MailNotifier) SendReminder(ctx context.Context, r *Reminder, p Participants) error {
	d := n.data(p, p.Patient)
	d["hours_before"] = strconv.Itoa(r.OffsetMinutes / 60)
	_, err := n.mgr.SendFromTemplate(ctx, notification.TemplateReminder, d, r.Recipient)
	return err
}

func (n *MailNotifier) sendBoth(ctx context.Context, templateID string, p Participants, extra func(map[string]string)) error {
	var errs []error
	for _, to := range []*Principal{p.Patient, p.Provider} {
		d := n.data(p, to)
		extra(d)
		if err := n.send(ctx, templateID, d, to); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (n *MailNotifier) send(ctx context.Context, templateID string, data map[string]string, to *Principal) error {
	if to == nil || to.Email == "" {
		return errors.New("recipient has no email address")
	}
	_, err := n.mgr.SendFromTemplate(ctx, templateID, data, to.Email)
	return err
}

func (n *MailNotifier) data(p Participants, to *Principal) map[string]string {
	start := p.Appointment.StartTime.In(n.loc)
	d := map[string]string{
		"date":     start.Format(displayDate),
		"time":     start.Format(displayTime),
		"duration": strconv.Itoa(p.Appointment.DurationMinutes),
	}
	if to != nil {
		d["recipient_name"] = to.Name
	}
	if p.Provider != nil {
		d["provider_name"] = p.Provider.Name
	}
	if p.Patient != nil {
		d["patient_name"] = p.Patient.Name
	}
	return d
}
