package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/pkg/logger"
)

// EmailSender defines the interface for sending emails.
type EmailSender interface {
	Send(ctx context.Context, msg EmailMessage) error
}

// EmailMessage represents an email to be sent.
type EmailMessage struct {
	To      string
	ToName  string
	Subject string
	Body    string
}

// SendGridSender sends emails via SendGrid API.
type SendGridSender struct {
	client    *sendgrid.Client
	fromEmail string
	fromName  string
	logger    *zap.Logger
}

type SendGridConfig struct {
	APIKey    string
	FromEmail string
	FromName  string
}

// NewSendGridSender returns nil when no API key is configured.
func NewSendGridSender(cfg SendGridConfig, log *zap.Logger) *SendGridSender {
	if cfg.APIKey == "" {
		return nil
	}
	return &SendGridSender{
		client:    sendgrid.NewSendClient(cfg.APIKey),
		fromEmail: cfg.FromEmail,
		fromName:  cfg.FromName,
		logger:    logger.OrNop(log),
	}
}

func (s *SendGridSender) Send(ctx context.Context, msg EmailMessage) error {
	from := mail.NewEmail(s.fromName, s.fromEmail)
	to := mail.NewEmail(msg.ToName, msg.To)
	message := mail.NewSingleEmail(from, msg.Subject, to, msg.Body, "")

	response, err := s.client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("notify: sendgrid send failed: %w", err)
	}
	if response.StatusCode >= 400 {
		return fmt.Errorf("notify: sendgrid returned status %d", response.StatusCode)
	}

	s.logger.Debug("email sent via sendgrid", zap.String("to", msg.To), zap.Int("status", response.StatusCode))
	return nil
}

// StubEmailSender logs instead of sending; used when email is not configured.
type StubEmailSender struct {
	logger *zap.Logger
}

func NewStubEmailSender(log *zap.Logger) *StubEmailSender {
	return &StubEmailSender{logger: logger.OrNop(log)}
}

func (s *StubEmailSender) Send(_ context.Context, msg EmailMessage) error {
	s.logger.Info("stub email sender: would send email", zap.String("to", msg.To), zap.String("subject", msg.Subject))
	return nil
}

// Contact is how a patient is reached.
type Contact struct {
	Name  string
	Email *string
}

type ContactStore interface {
	GetPatientContact(ctx context.Context, patientID uuid.UUID) (*Contact, error)
}

// EmailChannel emails the patient about their appointment.
type EmailChannel struct {
	sender   EmailSender
	contacts ContactStore
	loc      *time.Location
}

func NewEmailChannel(sender EmailSender, contacts ContactStore, loc *time.Location) *EmailChannel {
	if loc == nil {
		loc = time.UTC
	}
	return &EmailChannel{sender: sender, contacts: contacts, loc: loc}
}

func (c *EmailChannel) Name() string { return "email" }

func (c *EmailChannel) Deliver(ctx context.Context, kind appointment.EventKind, appt appointment.Appointment) error {
	contact, err := c.contacts.GetPatientContact(ctx, appt.PatientID)
	if err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return nil
		}
		return fmt.Errorf("load patient contact: %w", err)
	}
	if contact.Email == nil || *contact.Email == "" {
		return nil
	}

	subject, body := renderEmail(kind, appt, contact.Name, c.loc)
	return c.sender.Send(ctx, EmailMessage{
		To:      *contact.Email,
		ToName:  contact.Name,
		Subject: subject,
		Body:    body,
	})
}

func renderEmail(kind appointment.EventKind, appt appointment.Appointment, name string, loc *time.Location) (string, string) {
	when := appt.StartsAt(loc).Format("Monday, January 2, 2006 at 15:04")

	var subject, line string
	switch kind {
	case appointment.EventScheduled:
		subject = "Your appointment is booked"
		line = fmt.Sprintf("your appointment is booked for %s.", when)
	case appointment.EventRescheduled:
		subject = "Your appointment has moved"
		line = fmt.Sprintf("your appointment has been moved to %s.", when)
	case appointment.EventCancelled:
		subject = "Your appointment was cancelled"
		line = fmt.Sprintf("your appointment on %s has been cancelled.", when)
		if appt.CancellationReason != nil && *appt.CancellationReason != "" {
			line += " Reason: " + *appt.CancellationReason
		}
	case appointment.EventConfirmed:
		subject = "Your appointment is confirmed"
		line = fmt.Sprintf("your appointment on %s is confirmed.", when)
	default:
		subject = "Appointment update"
		line = fmt.Sprintf("your appointment on %s was updated (%s).", when, appt.Status)
	}

	if name == "" {
		name = "there"
	}
	body := fmt.Sprintf("Hi %s,\n\n%s\n\nReference: %s\n", name, capitalize(line), appt.ID)
	return subject, body
}

func capitalize(s string) string {
	if s == "" || s[0] < 'a' || s[0] > 'z' {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}
