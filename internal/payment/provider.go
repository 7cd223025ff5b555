package payment

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/paycore/internal/pricing"
)

// Action is the provider-neutral outcome carried by a webhook.
type Action string

const (
	ActionCaptured Action = "captured"
	ActionFailed   Action = "failed"
	ActionPending  Action = "pending"
	ActionIgnored  Action = "ignored"
)

var (
	// ErrInvalidOrder is returned when an order request is missing required data.
	ErrInvalidOrder = errors.New("payment: invalid order request")
	// ErrUnknownProvider is returned by the registry for unregistered names.
	ErrUnknownProvider = errors.New("payment: unknown provider")
)

// Customer is the payer information forwarded to the gateway.
type Customer struct {
	Name  string
	Email string
	Phone string
}

// OrderRequest captures what is needed to open an order with a gateway.
type OrderRequest struct {
	TransactionID uuid.UUID
	OrderID       string
	Amount        pricing.Money
	Currency      string
	Description   string
	Customer      Customer
	Items         []pricing.Item
	ExpiresAt     time.Time
	CallbackURL   string
}

func (r OrderRequest) validate(bounds Bounds) error {
	if strings.TrimSpace(r.OrderID) == "" {
		return errors.Join(ErrInvalidOrder, errors.New("order id is required"))
	}
	if strings.TrimSpace(r.Currency) == "" {
		return errors.Join(ErrInvalidOrder, errors.New("currency is required"))
	}
	if err := bounds.Validate(r.Amount); err != nil {
		return errors.Join(ErrInvalidOrder, err)
	}
	return nil
}

// Order is what the gateway returned when the order was opened.
type Order struct {
	ProviderOrderID string
	Token           string
	RedirectURL     string
	ExpiresAt       time.Time
	Data            json.RawMessage
}

// PaymentProof is the client-supplied evidence that a payment happened.
type PaymentProof struct {
	OrderID   string `json:"orderId" validate:"required"`
	PaymentID string `json:"paymentId" validate:"required"`
	Signature string `json:"signature" validate:"required"`
}

// Verification is the result of checking a PaymentProof.
type Verification struct {
	Verified          bool
	ProviderPaymentID string
	Data              json.RawMessage
	CompletedAt       time.Time
	Reason            string
}

// WebhookEvent is a normalised gateway callback.
type WebhookEvent struct {
	EventID    string
	EventType  string
	Action     Action
	OrderID    string
	PaymentID  string
	Amount     pricing.Money
	Status     string
	OccurredAt time.Time
	Data       json.RawMessage
}

// Provider abstracts the operations required from an upstream payment gateway.
type Provider interface {
	Name() string
	CreateOrder(ctx context.Context, req OrderRequest) (Order, error)
	VerifyPayment(ctx context.Context, proof PaymentProof) (Verification, error)
	// VerifyWebhookSignature checks signature against the raw payload bytes.
	VerifyWebhookSignature(payload []byte, signature string) bool
	// SignatureHeader names the request header carrying the webhook signature.
	// An empty value means the signature travels inside the payload.
	SignatureHeader() string
	ProcessWebhook(payload []byte) (WebhookEvent, error)
	CheckoutParams(req OrderRequest, order Order) map[string]any
}

// Registry holds the configured providers by name.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry registers providers under their lower-cased names.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		if p == nil {
			continue
		}
		r.providers[strings.ToLower(p.Name())] = p
	}
	return r
}

// Get resolves a provider by name.
func (r *Registry) Get(name string) (Provider, error) {
	if r == nil {
		return nil, ErrUnknownProvider
	}
	p, ok := r.providers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, ErrUnknownProvider
	}
	return p, nil
}

// Names lists registered provider names in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
