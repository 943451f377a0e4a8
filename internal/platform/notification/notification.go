// Package notification delivers one-time consent codes to patients by email or
// SMS, renders message templates and keeps a delivery ledger for resends.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Channels
// ---------------------------------------------------------------------------

// Channel is the medium used to deliver a notification.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelLog   Channel = "log"
)

// Delivery statuses.
const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// TemplateConsentOTP is the message carrying a patient's consent code.
const TemplateConsentOTP = "consent-otp"

// ErrNoDestination is returned when the recipient has no address for the
// configured channel.
var ErrNoDestination = errors.New("recipient has no address for channel")

// Recipient identifies who a message goes to.
type Recipient struct {
	Name  string
	Email string
	Phone string
}

// Delivery is one attempt to notify a recipient. The rendered body is never
// kept because it carries the code.
type Delivery struct {
	ID          string    `json:"id"`
	Channel     Channel   `json:"channel"`
	Destination string    `json:"destination"`
	TemplateID  string    `json:"template_id"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	AttemptedAt time.Time `json:"attempted_at"`
}

// ---------------------------------------------------------------------------
// Sender Interfaces
// ---------------------------------------------------------------------------

// EmailSender is the interface for sending email messages.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// SMSSender is the interface for sending SMS messages.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

// Template defines a reusable notification template.
type Template struct {
	ID      string
	Subject string
	Body    string
}

// TemplateEngine manages notification templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the consent templates registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]*Template)}
	e.RegisterTemplate(Template{
		ID:      TemplateConsentOTP,
		Subject: "Your access code for {{provider}}",
		Body: "Hello {{patient_name}}, {{provider}} is requesting access to your medical records. " +
			"Share code {{code}} with them to approve. The code expires in {{ttl}}. " +
			"If you did not expect this request, ignore this message.",
	})
	return e
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render looks up a template by ID and performs {{key}} replacement using the
// supplied data map. Keys present in the template but absent from data are left
// as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// ---------------------------------------------------------------------------
// Dispatcher
// ---------------------------------------------------------------------------

// Message is the content of one consent-code notification.
type Message struct {
	Code         string
	ProviderName string
	TTL          time.Duration
}

// Dispatcher renders the consent template and sends it over one channel.
type Dispatcher struct {
	channel   Channel
	email     EmailSender
	sms       SMSSender
	templates *TemplateEngine
	logger    zerolog.Logger

	mu         sync.RWMutex
	deliveries map[string][]Delivery
}

// NewDispatcher constructs a Dispatcher. ChannelLog writes through sms, which
// is expected to be a LogSender.
func NewDispatcher(channel Channel, email EmailSender, sms SMSSender, tpl *TemplateEngine, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		channel:    channel,
		email:      email,
		sms:        sms,
		templates:  tpl,
		logger:     logger.With().Str("component", "notification").Logger(),
		deliveries: make(map[string][]Delivery),
	}
}

// Send delivers msg to the recipient and records the attempt. The caller
// bounds the call through ctx.
func (d *Dispatcher) Send(ctx context.Context, to Recipient, msg Message) error {
	subject, body, err := d.templates.Render(TemplateConsentOTP, map[string]string{
		"patient_name": to.Name,
		"provider":     msg.ProviderName,
		"code":         msg.Code,
		"ttl":          msg.TTL.String(),
	})
	if err != nil {
		return fmt.Errorf("render template: %w", err)
	}

	delivery := Delivery{
		ID:         uuid.New().String(),
		Channel:    d.channel,
		TemplateID: TemplateConsentOTP,
	}

	var sendErr error
	switch d.channel {
	case ChannelEmail:
		delivery.Destination = to.Email
		if to.Email == "" {
			sendErr = ErrNoDestination
		} else {
			sendErr = d.email.SendEmail(ctx, to.Email, subject, body)
		}
	case ChannelSMS, ChannelLog:
		delivery.Destination = to.Phone
		if delivery.Destination == "" && d.channel == ChannelLog {
			delivery.Destination = to.Email
		}
		if delivery.Destination == "" {
			sendErr = ErrNoDestination
		} else {
			sendErr = d.sms.SendSMS(ctx, delivery.Destination, body)
		}
	default:
		sendErr = fmt.Errorf("unsupported channel: %s", d.channel)
	}

	delivery.AttemptedAt = time.Now().UTC()
	if sendErr != nil {
		delivery.Status = StatusFailed
		delivery.Error = sendErr.Error()
	} else {
		delivery.Status = StatusSent
	}
	d.record(delivery)

	evt := d.logger.Info()
	if sendErr != nil {
		evt = d.logger.Warn().Err(sendErr)
	}
	evt.Str("delivery_id", delivery.ID).
		Str("channel", string(d.channel)).
		Str("destination", maskDestination(delivery.Destination)).
		Str("status", delivery.Status).
		Msg("consent code delivery")

	return sendErr
}

func (d *Dispatcher) record(del Delivery) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deliveries[del.Destination] = append(d.deliveries[del.Destination], del)
}

// Deliveries returns the recorded attempts for a destination, oldest first.
func (d *Dispatcher) Deliveries(destination string) []Delivery {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Delivery, len(d.deliveries[destination]))
	copy(out, d.deliveries[destination])
	return out
}

// Stats returns counts of deliveries grouped by status.
func (d *Dispatcher) Stats() map[string]int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	stats := make(map[string]int)
	for _, list := range d.deliveries {
		for _, del := range list {
			stats[del.Status]++
		}
	}
	return stats
}

// maskDestination keeps enough of an address to correlate log lines.
func maskDestination(dest string) string {
	if at := strings.IndexByte(dest, '@'); at > 0 {
		return dest[:1] + "***" + dest[at:]
	}
	if len(dest) > 4 {
		return "***" + dest[len(dest)-4:]
	}
	return "***"
}
