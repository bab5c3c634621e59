// Package notify sends landing failure email to the requester.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
)

type Mailer struct {
	Addr         string
	From         string
	SuppressSend bool
	// Allowlist restricts recipients when non-empty. Anything not
	// listed is dropped, which keeps staging environments from
	// mailing real users.
	Allowlist  []string
	LandoUIURL string

	// send is swappable for tests.
	send func(addr, from string, to []string, msg []byte) error
}

func NewMailer(host string, port int, from string, opts ...MailerOption) *Mailer {
	m := &Mailer{
		Addr: fmt.Sprintf("%s:%d", host, port),
		From: from,
		send: func(addr, from string, to []string, msg []byte) error {
			return smtp.SendMail(addr, nil, from, to, msg)
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type MailerOption func(*Mailer)

func WithSuppressSend(suppress bool) MailerOption {
	return func(m *Mailer) {
		m.SuppressSend = suppress
	}
}

func WithAllowlist(recipients []string) MailerOption {
	return func(m *Mailer) {
		m.Allowlist = recipients
	}
}

func WithLandoUIURL(url string) MailerOption {
	return func(m *Mailer) {
		m.LandoUIURL = strings.TrimRight(url, "/")
	}
}

func (m *Mailer) LandingFailed(ctx context.Context, recipient, revisionID, errorMsg string) error {
	subject, body := failureMessage(revisionID, errorMsg, m.LandoUIURL)
	if m.SuppressSend {
		slog.InfoContext(ctx, "mail suppressed",
			"recipient", recipient,
			"subject", subject)
		return nil
	}
	if len(m.Allowlist) > 0 && !m.allowed(recipient) {
		slog.InfoContext(ctx, "recipient not on allowlist, mail dropped",
			"recipient", recipient,
			"subject", subject)
		return nil
	}

	msg := strings.Join([]string{
		"From: " + m.From,
		"To: " + recipient,
		"Subject: " + subject,
		"",
		body,
	}, "\r\n")
	if err := m.send(m.Addr, m.From, []string{recipient}, []byte(msg)); err != nil {
		return fmt.Errorf("send failure mail to %s: %w", recipient, err)
	}
	return nil
}

func (m *Mailer) allowed(recipient string) bool {
	for _, allowed := range m.Allowlist {
		if strings.EqualFold(allowed, recipient) {
			return true
		}
	}
	return false
}

func failureMessage(revisionID, errorMsg, uiURL string) (subject, body string) {
	subject = fmt.Sprintf("Lando: Landing of %s failed!", revisionID)
	var b strings.Builder
	fmt.Fprintf(&b, "Your request to land %s failed.\n", revisionID)
	if uiURL != "" {
		fmt.Fprintf(&b, "\nSee %s/%s/ for details.\n", uiURL, revisionID)
	}
	fmt.Fprintf(&b, "\nReason:\n%s\n", errorMsg)
	return subject, b.String()
}
