package common

import (
	"bytes"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EmailSender delivers one HTML message.
type EmailSender interface {
	Send(to, subject, html string) error
}

// Email is a message captured by InMemoryEmail.
type Email struct {
	To      string
	Subject string
	HTML    string
}

// InMemoryEmail records messages instead of sending them.
type InMemoryEmail struct {
	mu     sync.Mutex
	Outbox []Email
}

func (m *InMemoryEmail) Send(to, subject, html string) error {
	m.mu.Lock()
	m.Outbox = append(m.Outbox, Email{To: to, Subject: subject, HTML: html})
	m.mu.Unlock()
	return nil
}

// NopEmailSender drops every message.
type NopEmailSender struct{}

func (NopEmailSender) Send(string, string, string) error { return nil }

// SMTPSender relays through an SMTP server. Username enables PLAIN auth.
type SMTPSender struct {
	Addr     string
	Username string
	Password string
	From     string
}

func (s SMTPSender) Send(to, subject, html string) error {
	rcpt, err := mail.ParseAddress(to)
	if err != nil {
		return fmt.Errorf("smtp: recipient %q: %w", to, err)
	}
	from, err := mail.ParseAddress(s.From)
	if err != nil {
		return fmt.Errorf("smtp: sender %q: %w", s.From, err)
	}
	host, _, err := net.SplitHostPort(s.Addr)
	if err != nil {
		return fmt.Errorf("smtp: relay address: %w", err)
	}
	var auth smtp.Auth
	if s.Username != "" {
		auth = smtp.PlainAuth("", s.Username, s.Password, host)
	}
	msg := composeHTML(from, rcpt, subject, html, time.Now())
	if err := smtp.SendMail(s.Addr, auth, from.Address, []string{rcpt.Address}, msg); err != nil {
		return errors.Join(errors.New("smtp: send failed"), err)
	}
	return nil
}

func composeHTML(from, to *mail.Address, subject, html string, at time.Time) []byte {
	var b bytes.Buffer
	header := func(k, v string) { fmt.Fprintf(&b, "%s: %s\r\n", k, v) }
	header("From", from.String())
	header("To", to.String())
	header("Subject", mime.QEncoding.Encode("utf-8", subject))
	header("Date", at.Format(time.RFC1123Z))
	header("Message-ID", "<"+uuid.NewString()+"@paycore>")
	header("MIME-Version", "1.0")
	header("Content-Type", "text/html; charset=UTF-8")
	b.WriteString("\r\n")
	b.WriteString(html)
	return b.Bytes()
}
