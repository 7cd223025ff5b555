package ledger

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/paycore/internal/pricing"
)

// ReferenceType is the category of thing being paid for.
type ReferenceType string

const (
	RefEventRegistration   ReferenceType = "EVENT_REGISTRATION"
	RefEventPayment        ReferenceType = "EVENT_PAYMENT"
	RefEventMerchandise    ReferenceType = "EVENT_MERCHANDISE"
	RefMerchandise         ReferenceType = "MERCHANDISE"
	RefMembership          ReferenceType = "MEMBERSHIP"
	RefDonation            ReferenceType = "DONATION"
	RefSubscriptionRenewal ReferenceType = "SUBSCRIPTION_RENEWAL"
	RefSubscriptionUpgrade ReferenceType = "SUBSCRIPTION_UPGRADE"
	RefSubscriptionNew     ReferenceType = "SUBSCRIPTION_NEW"
)

// ReferenceTypes lists every supported reference type.
func ReferenceTypes() []ReferenceType {
	return []ReferenceType{
		RefEventRegistration,
		RefEventPayment,
		RefEventMerchandise,
		RefMerchandise,
		RefMembership,
		RefDonation,
		RefSubscriptionRenewal,
		RefSubscriptionUpgrade,
		RefSubscriptionNew,
	}
}

// ParseReferenceType normalises a client supplied reference type.
func ParseReferenceType(value string) (ReferenceType, bool) {
	candidate := ReferenceType(strings.ToUpper(strings.TrimSpace(value)))
	for _, rt := range ReferenceTypes() {
		if rt == candidate {
			return rt, true
		}
	}
	return "", false
}

// Status is the lifecycle state of a payment transaction.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusExpired   Status = "EXPIRED"
)

// Transaction is the ledger entry for one payment attempt.
type Transaction struct {
	ID            uuid.UUID         `json:"id"`
	Number        string            `json:"transactionNumber"`
	UserID        uuid.UUID         `json:"userId"`
	ReferenceType ReferenceType     `json:"referenceType"`
	ReferenceID   uuid.UUID         `json:"referenceId"`
	Amount        pricing.Money     `json:"amount"`
	Currency      string            `json:"currency"`
	Description   string            `json:"description,omitempty"`
	Breakdown     pricing.Breakdown `json:"breakdown"`
	Items         []pricing.Item    `json:"items"`
	Metadata      json.RawMessage   `json:"metadata,omitempty"`
	Status        Status            `json:"status"`
	FailureReason string            `json:"failureReason,omitempty"`

	Provider            string          `json:"provider"`
	ProviderOrderID     string          `json:"providerOrderId,omitempty"`
	ProviderPaymentID   string          `json:"providerPaymentId,omitempty"`
	ProviderOrderData   json.RawMessage `json:"-"`
	ProviderPaymentData json.RawMessage `json:"-"`

	InitiatedAt time.Time  `json:"initiatedAt"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Expired reports whether a PENDING transaction has passed its deadline.
func (t Transaction) Expired(now time.Time) bool {
	return t.Status == StatusPending && !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// EffectiveStatus derives EXPIRED lazily from expiresAt; the stored status is never swept.
func (t Transaction) EffectiveStatus(now time.Time) Status {
	if t.Expired(now) {
		return StatusExpired
	}
	return t.Status
}

// Completion carries the gateway linkage written by the completing transition.
type Completion struct {
	TransactionID     uuid.UUID
	ProviderPaymentID string
	PaymentData       json.RawMessage
	CompletedAt       time.Time
}

// WebhookStatus tracks how far an inbound callback got.
type WebhookStatus string

const (
	WebhookReceived  WebhookStatus = "RECEIVED"
	WebhookVerified  WebhookStatus = "VERIFIED"
	WebhookFailed    WebhookStatus = "FAILED"
	WebhookProcessed WebhookStatus = "PROCESSED"
)

// Webhook is an append-only receipt of an inbound gateway callback.
type Webhook struct {
	ID             uuid.UUID       `json:"id"`
	Provider       string          `json:"provider"`
	EventID        string          `json:"eventId,omitempty"`
	EventType      string          `json:"eventType,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Signature      string          `json:"signature,omitempty"`
	SignatureValid bool            `json:"signatureValid"`
	Status         WebhookStatus   `json:"status"`
	TransactionID  *uuid.UUID      `json:"transactionId,omitempty"`
	ErrorMessage   string          `json:"errorMessage,omitempty"`
	ReceivedAt     time.Time       `json:"receivedAt"`
	ProcessedAt    *time.Time      `json:"processedAt,omitempty"`
}

// WebhookUpdate records the processing outcome of a webhook row.
type WebhookUpdate struct {
	ID             uuid.UUID
	Status         WebhookStatus
	SignatureValid bool
	EventID        string
	EventType      string
	TransactionID  *uuid.UUID
	ErrorMessage   string
	ProcessedAt    *time.Time
}

// Invoice is the one-to-one invoice record of a completed transaction.
type Invoice struct {
	ID             uuid.UUID       `json:"id"`
	Number         string          `json:"invoiceNumber"`
	TransactionID  uuid.UUID       `json:"transactionId"`
	Document       json.RawMessage `json:"document"`
	RenderedURL    string          `json:"renderedUrl,omitempty"`
	RenderedAt     *time.Time      `json:"renderedAt,omitempty"`
	EmailSentTo    string          `json:"emailSentTo,omitempty"`
	EmailSentAt    *time.Time      `json:"emailSentAt,omitempty"`
	EmailSendCount int             `json:"emailSendCount"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}
