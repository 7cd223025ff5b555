package common

import (
	"net/mail"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestComposeHTMLEncodesSubject(t *testing.T) {
	from := &mail.Address{Name: "Paycore", Address: "billing@example.com"}
	to := &mail.Address{Address: "rina@example.com"}
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	msg := string(composeHTML(from, to, "Pembayaran berhasil ✓", "<p>ok</p>", at))
	head, body, ok := strings.Cut(msg, "\r\n\r\n")
	require.True(t, ok)
	require.Equal(t, "<p>ok</p>", body)
	require.Contains(t, head, `From: "Paycore" <billing@example.com>`)
	require.Contains(t, head, "To: <rina@example.com>")
	require.Contains(t, head, "Subject: =?utf-8?q?")
	require.Contains(t, head, "Date: Fri, 01 May 2026 09:00:00 +0000")
	require.Contains(t, head, "Content-Type: text/html; charset=UTF-8")
}

func TestSMTPSenderRejectsBadAddresses(t *testing.T) {
	s := SMTPSender{Addr: "127.0.0.1:1", From: "billing@example.com"}
	require.ErrorContains(t, s.Send("not an address", "x", "y"), "recipient")
	require.ErrorContains(t, SMTPSender{Addr: "127.0.0.1:1"}.Send("rina@example.com", "x", "y"), "sender")
}
