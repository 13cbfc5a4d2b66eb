package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/wolfman30/clinic-booking/internal/events"
	"github.com/wolfman30/clinic-booking/pkg/logging"
)

// Contact is the mailing identity of a patient or doctor.
type Contact struct {
	ID    string
	Name  string
	Email string
}

// ContactDirectory resolves a user id to its contact details.
type ContactDirectory interface {
	Lookup(ctx context.Context, userID string) (*Contact, error)
}

// Notifier tells the counter-party of an appointment or payment change by
// email. It runs as the outbox delivery handler.
type Notifier struct {
	email    EmailSender
	contacts ContactDirectory
	logger   *logging.Logger
}

// NewNotifier creates a notifier. A nil sender turns every event into a no-op.
func NewNotifier(email EmailSender, contacts ContactDirectory, logger *logging.Logger) *Notifier {
	if logger == nil {
		logger = logging.Default()
	}
	return &Notifier{
		email:    email,
		contacts: contacts,
		logger:   logger,
	}
}

var _ events.DeliveryHandler = (*Notifier)(nil)

// Handle decodes an outbox entry and emails its recipients. Unknown event
// types are acknowledged without sending.
func (n *Notifier) Handle(ctx context.Context, entry events.OutboxEntry) error {
	if n.email == nil || n.contacts == nil {
		n.logger.Debug("notify: sender not configured, skipping", "type", entry.Type, "event_id", entry.ID)
		return nil
	}

	switch entry.Type {
	case events.TypeAppointmentChanged:
		var evt events.AppointmentChangedV1
		if err := json.Unmarshal(entry.Payload, &evt); err != nil {
			return fmt.Errorf("notify: decode %s: %w", entry.Type, err)
		}
		return n.deliver(ctx, evt.Recipients(), appointmentMessage(evt))
	case events.TypePaymentSettled:
		var evt events.PaymentSettledV1
		if err := json.Unmarshal(entry.Payload, &evt); err != nil {
			return fmt.Errorf("notify: decode %s: %w", entry.Type, err)
		}
		recipients := []string{evt.PatientID}
		if evt.Status == "completed" {
			recipients = append(recipients, evt.DoctorID)
		}
		return n.deliver(ctx, recipients, settledMessage(evt))
	case events.TypePaymentRefunded:
		var evt events.PaymentRefundedV1
		if err := json.Unmarshal(entry.Payload, &evt); err != nil {
			return fmt.Errorf("notify: decode %s: %w", entry.Type, err)
		}
		return n.deliver(ctx, []string{evt.PatientID}, refundedMessage(evt))
	default:
		n.logger.Debug("notify: ignoring event", "type", entry.Type, "event_id", entry.ID)
		return nil
	}
}

// deliver sends msg to every resolvable recipient. Recipients without an
// email address are skipped; send failures are returned so the outbox retries.
func (n *Notifier) deliver(ctx context.Context, recipients []string, msg EmailMessage) error {
	var errs []error
	for _, id := range recipients {
		if id == "" {
			continue
		}
		contact, err := n.contacts.Lookup(ctx, id)
		if err != nil {
			if errors.Is(err, ErrContactNotFound) {
				n.logger.Warn("notify: no contact for recipient", "user_id", id)
				continue
			}
			errs = append(errs, fmt.Errorf("notify: lookup %s: %w", id, err))
			continue
		}
		if contact.Email == "" {
			n.logger.Warn("notify: recipient has no email", "user_id", id)
			continue
		}

		out := msg
		out.To = contact.Email
		out.ToName = contact.Name
		if err := n.email.Send(ctx, out); err != nil {
			n.logger.Error("notify: failed to send email", "error", err, "user_id", id)
			errs = append(errs, err)
			continue
		}
		n.logger.Info("notify: email sent", "user_id", id, "subject", out.Subject)
	}
	return errors.Join(errs...)
}

func appointmentMessage(evt events.AppointmentChangedV1) EmailMessage {
	when := fmt.Sprintf("%s %s-%s", evt.Date, evt.SlotStart, evt.SlotEnd)

	var subject, body string
	switch evt.ToStatus {
	case "pending":
		if evt.PreviousDate != "" {
			subject = "Appointment moved"
			body = fmt.Sprintf("Your appointment on %s %s has been moved to %s.", evt.PreviousDate, evt.PreviousStart, when)
		} else {
			subject = "New appointment request"
			body = fmt.Sprintf("An appointment has been requested for %s.", when)
		}
	case "confirmed":
		subject = "Appointment confirmed"
		body = fmt.Sprintf("The appointment on %s is confirmed.", when)
	case "completed":
		subject = "Appointment completed"
		body = fmt.Sprintf("The appointment on %s has been marked completed.", when)
	case "cancelled":
		subject = "Appointment cancelled"
		body = fmt.Sprintf("The appointment on %s has been cancelled.", when)
	case "reschedule_requested":
		subject = "Reschedule requested"
		body = fmt.Sprintf("A new time has been requested for the appointment on %s.", when)
	case "rescheduled_by_admin":
		subject = "Appointment rescheduled"
		body = fmt.Sprintf("An administrator moved the appointment to %s.", when)
		if evt.PreviousDate != "" {
			body = fmt.Sprintf("An administrator moved the appointment from %s %s to %s.", evt.PreviousDate, evt.PreviousStart, when)
		}
	default:
		subject = "Appointment updated"
		body = fmt.Sprintf("The appointment on %s is now %s.", when, strings.ReplaceAll(evt.ToStatus, "_", " "))
	}
	if evt.Reason != "" {
		body += "\n\nReason: " + evt.Reason
	}
	body += "\n\nAppointment ID: " + evt.AppointmentID
	return EmailMessage{Subject: subject, Body: body}
}

func settledMessage(evt events.PaymentSettledV1) EmailMessage {
	amount := formatAmount(evt.AmountCents, evt.Currency)
	if evt.Status == "completed" {
		return EmailMessage{
			Subject: "Payment received",
			Body:    fmt.Sprintf("A payment of %s for appointment %s was received.\n\nPayment ID: %s", amount, evt.AppointmentID, evt.PaymentID),
		}
	}
	return EmailMessage{
		Subject: "Payment failed",
		Body:    fmt.Sprintf("The payment of %s for appointment %s did not go through. You can try again from your appointment page.\n\nPayment ID: %s", amount, evt.AppointmentID, evt.PaymentID),
	}
}

func refundedMessage(evt events.PaymentRefundedV1) EmailMessage {
	body := fmt.Sprintf("A refund of %s for appointment %s has been issued.", formatAmount(evt.AmountCents, evt.Currency), evt.AppointmentID)
	if evt.Status == "manual" {
		body = fmt.Sprintf("A refund of %s for appointment %s will be settled with you directly by the clinic.", formatAmount(evt.AmountCents, evt.Currency), evt.AppointmentID)
	}
	if evt.RemainingCents > 0 {
		body += fmt.Sprintf(" %s remains on the payment.", formatAmount(evt.RemainingCents, evt.Currency))
	}
	return EmailMessage{
		Subject: "Refund issued",
		Body:    body + "\n\nPayment ID: " + evt.PaymentID,
	}
}

func formatAmount(cents int64, currency string) string {
	return fmt.Sprintf("%d.%02d %s", cents/100, cents%100, strings.ToUpper(currency))
}
