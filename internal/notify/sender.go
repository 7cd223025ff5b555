package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"sort"
	"strings"

	"github.com/noah-isme/paycore/internal/common"
	"github.com/noah-isme/paycore/internal/events"
	"github.com/noah-isme/paycore/internal/ledger"
	"github.com/noah-isme/paycore/internal/payables"
	"github.com/noah-isme/paycore/internal/payment"
)

// Note kinds.
const (
	KindPaymentCompleted = events.TopicPaymentCompleted
	KindPaymentFailed    = events.TopicPaymentFailed
	KindInvoice          = "invoice"
)

// Note is the message context handed to a Sender.
type Note struct {
	Kind    string
	Subject string
	Details map[string]string
	// HTML overrides the generated body when set.
	HTML string
	// To overrides the user's address, e.g. for invoice resends.
	To string
}

// Sender delivers a note about a transaction to its payer.
type Sender interface {
	Send(ctx context.Context, user payables.User, txn ledger.Transaction, note Note) error
}

// ErrNoRecipient is returned when neither the note nor the user carries an address.
var ErrNoRecipient = errors.New("notify: recipient has no email")

// EmailSender delivers notes through a common.EmailSender.
type EmailSender struct {
	Mail common.EmailSender
}

// Send implements Sender.
func (s EmailSender) Send(_ context.Context, user payables.User, txn ledger.Transaction, note Note) error {
	if s.Mail == nil {
		return nil
	}
	to := strings.TrimSpace(note.To)
	if to == "" {
		to = strings.TrimSpace(user.Email)
	}
	if to == "" {
		return ErrNoRecipient
	}
	subject := note.Subject
	if subject == "" {
		subject = subjectFor(note.Kind)
	}
	body := note.HTML
	if body == "" {
		body = renderNote(user, txn, note)
	}
	if err := s.Mail.Send(to, subject, body); err != nil {
		return fmt.Errorf("notify: send %s: %w", note.Kind, err)
	}
	return nil
}

func renderNote(user payables.User, txn ledger.Transaction, note Note) string {
	var b strings.Builder
	name := user.Name
	if name == "" {
		name = "Pelanggan"
	}
	fmt.Fprintf(&b, "<p>Halo %s,</p>\n", html.EscapeString(name))
	fmt.Fprintf(&b, "<p>%s</p>\n", html.EscapeString(summaryFor(note.Kind)))
	b.WriteString("<table>\n")
	row(&b, "No. Transaksi", txn.Number)
	row(&b, "Jumlah", payment.FormatAmount(txn.Amount, txn.Currency))
	if txn.Description != "" {
		row(&b, "Keterangan", txn.Description)
	}
	keys := make([]string, 0, len(note.Details))
	for k := range note.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		row(&b, k, note.Details[k])
	}
	b.WriteString("</table>\n")
	return b.String()
}

func row(b *strings.Builder, label, value string) {
	fmt.Fprintf(b, "<tr><td>%s</td><td>%s</td></tr>\n", html.EscapeString(label), html.EscapeString(value))
}

func summaryFor(kind string) string {
	switch kind {
	case KindPaymentCompleted:
		return "Pembayaran Anda telah kami terima."
	case KindPaymentFailed:
		return "Pembayaran Anda tidak berhasil diproses."
	case KindInvoice:
		return "Berikut invoice untuk pembayaran Anda."
	default:
		return "Ada pembaruan untuk transaksi Anda."
	}
}
