package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"strings"

	"github.com/noah-isme/paycore/internal/common"
	"github.com/noah-isme/paycore/internal/events"
	"github.com/noah-isme/paycore/internal/payment"
)

// ActivityMailer emails the payer when a subscribed activity is emitted.
// Activities without an email in their payload are skipped.
type ActivityMailer struct {
	Mail   common.EmailSender
	Topics map[string]bool
}

// NewFailureMailer subscribes to failed payments only.
func NewFailureMailer(mail common.EmailSender) ActivityMailer {
	return ActivityMailer{Mail: mail, Topics: map[string]bool{events.TopicPaymentFailed: true}}
}

// activityFields are the payload keys the billing engine records.
type activityFields struct {
	Email             string `json:"email"`
	Name              string `json:"name"`
	TransactionNumber string `json:"transactionNumber"`
	Amount            int64  `json:"amount"`
	Currency          string `json:"currency"`
	Reason            string `json:"reason"`
}

// Notify implements events.Notifier.
func (m ActivityMailer) Notify(_ context.Context, a events.Activity) error {
	if m.Mail == nil || !m.Topics[a.Topic] {
		return nil
	}
	var f activityFields
	if len(a.Payload) > 0 {
		if err := json.Unmarshal(a.Payload, &f); err != nil {
			return fmt.Errorf("notify: decode %s payload: %w", a.Topic, err)
		}
	}
	to := strings.TrimSpace(f.Email)
	if to == "" {
		return nil
	}
	return m.Mail.Send(to, subjectFor(a.Topic), activityBody(a, f))
}

func activityBody(a events.Activity, f activityFields) string {
	var b strings.Builder
	name := f.Name
	if name == "" {
		name = "Pelanggan"
	}
	fmt.Fprintf(&b, "<p>Halo %s,</p>\n", html.EscapeString(name))
	fmt.Fprintf(&b, "<p>%s</p>\n<table>\n", html.EscapeString(summaryFor(a.Topic)))
	if f.TransactionNumber != "" {
		row(&b, "No. Transaksi", f.TransactionNumber)
	}
	if f.Currency != "" {
		row(&b, "Jumlah", payment.FormatAmount(f.Amount, f.Currency))
	}
	if f.Reason != "" {
		row(&b, "Alasan", f.Reason)
	}
	row(&b, "Waktu", a.OccurredAt.Format("02 Jan 2006 15:04 MST"))
	b.WriteString("</table>\n")
	return b.String()
}

func subjectFor(kind string) string {
	switch kind {
	case events.TopicPaymentInitiated:
		return "Menunggu pembayaran"
	case events.TopicPaymentCompleted:
		return "Pembayaran berhasil"
	case events.TopicPaymentFailed:
		return "Pembayaran gagal"
	case events.TopicPaymentLateCapture:
		return "Pembayaran terlambat diterima"
	case events.TopicInvoiceGenerated, events.TopicInvoiceEmailed, KindInvoice:
		return "Invoice pembayaran"
	}
	return "Pembaruan transaksi"
}
