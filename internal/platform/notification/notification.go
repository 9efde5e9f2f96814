// Package notification sends fire-and-forget email notifications. Delivery
// failures are logged and never returned to the calling flow.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Senders
// ---------------------------------------------------------------------------

// EmailSender is the interface for sending email messages.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// LogSender writes emails to the log instead of delivering them. Used when no
// SendGrid key is configured.
type LogSender struct {
	Logger zerolog.Logger
}

func (s LogSender) SendEmail(_ context.Context, to, subject, body string) error {
	s.Logger.Info().Str("to", to).Str("subject", subject).Int("body_len", len(body)).Msg("email (not delivered)")
	return nil
}

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

// Template IDs used by the case workflows.
const (
	TemplateCaseShared     = "case-shared"
	TemplateCaseAssigned   = "case-assigned"
	TemplateReviewReminder = "review-reminder"
	TemplateReportReady    = "report-ready"
)

// Template defines a reusable notification template.
type Template struct {
	ID      string
	Subject string
	Body    string
}

// TemplateEngine renders {{key}} placeholders.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]Template
}

func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]Template)}
	for _, t := range []Template{
		{
			ID:      TemplateCaseShared,
			Subject: "Case {{case_number}} shared with {{organization}}",
			Body:    "{{shared_by}} shared case {{case_number}} ({{title}}) with your organization. You can view and comment on it in DCPlant.",
		},
		{
			ID:      TemplateCaseAssigned,
			Subject: "Case {{case_number}} assigned to you",
			Body:    "{{assigned_by}} assigned case {{case_number}} ({{title}}) to you. Priority: {{priority}}.",
		},
		{
			ID:      TemplateReviewReminder,
			Subject: "Case Review Reminder: {{case_number}}",
			Body:    "Case {{case_number}} ({{title}}) has been in review for {{days}} days. Please complete the review at your earliest convenience.",
		},
		{
			ID:      TemplateReportReady,
			Subject: "Report ready for case {{case_number}}",
			Body:    "The report for case {{case_number}} has been generated.",
		},
	} {
		e.templates[t.ID] = t
	}
	return e
}

func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = t
}

// Render fills placeholders from data. Unknown placeholders are left as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject, body = t.Subject, t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// ---------------------------------------------------------------------------
// Notifier
// ---------------------------------------------------------------------------

// Notifier delivers templated emails in the background.
type Notifier struct {
	sender    EmailSender
	templates *TemplateEngine
	logger    zerolog.Logger
	timeout   time.Duration
	wg        sync.WaitGroup
}

func NewNotifier(sender EmailSender, templates *TemplateEngine, logger zerolog.Logger) *Notifier {
	return &Notifier{sender: sender, templates: templates, logger: logger, timeout: 30 * time.Second}
}

// Notify renders the template and sends one email per recipient on a
// goroutine. It never fails the caller.
func (n *Notifier) Notify(ctx context.Context, recipients []string, templateID string, data map[string]string) {
	recipients = dedupe(recipients)
	if len(recipients) == 0 {
		return
	}
	subject, body, err := n.templates.Render(templateID, data)
	if err != nil {
		n.logger.Error().Err(err).Str("template", templateID).Msg("render notification")
		return
	}

	ctx = context.WithoutCancel(ctx)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, n.timeout)
		defer cancel()
		for _, to := range recipients {
			if err := n.sender.SendEmail(ctx, to, subject, body); err != nil {
				n.logger.Warn().Err(err).Str("to", to).Str("template", templateID).Msg("notification delivery failed")
			}
		}
	}()
}

// Wait blocks until all in-flight notifications finish. Called on shutdown.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0:0]
	for _, r := range in {
		r = strings.TrimSpace(r)
		if r == "" || seen[strings.ToLower(r)] {
			continue
		}
		seen[strings.ToLower(r)] = true
		out = append(out, r)
	}
	return out
}

// ---------------------------------------------------------------------------
// Mock Sender (test double)
// ---------------------------------------------------------------------------

// EmailCall records a single call to SendEmail.
type EmailCall struct {
	To      string
	Subject string
	Body    string
}

// MockEmailSender is a test double for EmailSender.
type MockEmailSender struct {
	mu         sync.Mutex
	calls      []EmailCall
	ShouldFail bool
}

func (m *MockEmailSender) SendEmail(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, EmailCall{To: to, Subject: subject, Body: body})
	if m.ShouldFail {
		return errors.New("smtp unavailable")
	}
	return nil
}

// Calls returns a copy of recorded email calls.
func (m *MockEmailSender) Calls() []EmailCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EmailCall, len(m.calls))
	copy(out, m.calls)
	return out
}
