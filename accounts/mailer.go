package accounts

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"net/url"

	"github.com/resend/resend-go/v2"
)

// Message is an outgoing email.
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// Mailer delivers transactional email.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// LogMailer writes messages to the log instead of sending them. It is the
// default for local development.
type LogMailer struct {
	logger *slog.Logger
}

// NewLogMailer returns a LogMailer writing to logger.
func NewLogMailer(logger *slog.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

func (m *LogMailer) Send(_ context.Context, msg Message) error {
	m.logger.Info("email not sent (log mailer)", "to", msg.To, "subject", msg.Subject, "body", msg.Text)
	return nil
}

// ResendMailer sends email through the Resend API.
type ResendMailer struct {
	client *resend.Client
	from   string
	logger *slog.Logger
}

// NewResendMailer creates a ResendMailer with the given API key and sender address.
func NewResendMailer(apiKey, from string, logger *slog.Logger) *ResendMailer {
	return &ResendMailer{
		client: resend.NewClient(apiKey),
		from:   from,
		logger: logger.With("component", "resend"),
	}
}

func (m *ResendMailer) Send(ctx context.Context, msg Message) error {
	sent, err := m.client.Emails.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    m.from,
		To:      []string{msg.To},
		Subject: msg.Subject,
		Html:    msg.HTML,
		Text:    msg.Text,
	})
	if err != nil {
		m.logger.Error("resend send failed", "error", err, "subject", msg.Subject)
		return fmt.Errorf("resend send failed: %w", err)
	}
	m.logger.Info("resend sent", "message_id", sent.Id, "subject", msg.Subject)
	return nil
}

func passwordResetMessage(to, baseURL, token string) Message {
	link := baseURL
	if u, err := url.Parse(baseURL); err == nil {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
		link = u.String()
	}
	return Message{
		To:      to,
		Subject: "Reset your heartreel password",
		Text:    "Someone asked to reset the password for your heartreel account.\n\nOpen this link to choose a new one (valid for one hour):\n" + link + "\n\nIf this wasn't you, ignore this email.",
		HTML: `<p>Someone asked to reset the password for your heartreel account.</p>` +
			`<p><a href="` + html.EscapeString(link) + `">Choose a new password</a> (valid for one hour).</p>` +
			`<p>If this wasn't you, ignore this email.</p>`,
	}
}
