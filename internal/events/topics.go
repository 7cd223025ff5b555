package events

// Topic constants for payment activity records.
const (
	TopicPaymentInitiated   = "payment.initiated"
	TopicPaymentCompleted   = "payment.completed"
	TopicPaymentFailed      = "payment.failed"
	TopicPaymentLateCapture = "payment.late_capture"
	TopicInvoiceGenerated   = "invoice.generated"
	TopicInvoiceEmailed     = "invoice.emailed"
)

// DefaultTopics returns the topics that support notifications.
func DefaultTopics() []string {
	return []string{
		TopicPaymentInitiated,
		TopicPaymentCompleted,
		TopicPaymentFailed,
		TopicPaymentLateCapture,
		TopicInvoiceGenerated,
		TopicInvoiceEmailed,
	}
}
