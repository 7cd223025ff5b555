package payables

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/paycore/internal/pricing"
)

// Event statuses.
const (
	EventDraft     = "DRAFT"
	EventOpen      = "OPEN"
	EventClosed    = "CLOSED"
	EventCancelled = "CANCELLED"
)

// Registration statuses.
const (
	RegistrationPending   = "PENDING"
	RegistrationConfirmed = "CONFIRMED"
	RegistrationCancelled = "CANCELLED"

	PaymentUnpaid = "UNPAID"
	PaymentPaid   = "PAID"

	MerchandisePending = "PENDING"
	MerchandisePaid    = "PAID"
)

// Payment request statuses and kinds.
const (
	RequestPending  = "PENDING"
	RequestApproved = "APPROVED"
	RequestPaid     = "PAID"
	RequestRejected = "REJECTED"

	RequestRenewal = "RENEWAL"
	RequestUpgrade = "UPGRADE"
)

// BillingCycle is the subscription billing period.
type BillingCycle string

const (
	CycleMonthly BillingCycle = "MONTHLY"
	CycleYearly  BillingCycle = "YEARLY"
)

// Advance moves t forward by one billing period.
func (c BillingCycle) Advance(t time.Time) time.Time {
	if c == CycleYearly {
		return t.AddDate(1, 0, 0)
	}
	return t.AddDate(0, 1, 0)
}

// Valid reports whether c is a known cycle.
func (c BillingCycle) Valid() bool {
	return c == CycleMonthly || c == CycleYearly
}

// User is the payer profile.
type User struct {
	ID    uuid.UUID
	Name  string
	Email string
	Phone string
	Batch string
}

// Event is a ticketed event that accepts registrations.
type Event struct {
	ID                   uuid.UUID
	Title                string
	Venue                string
	Status               string
	StartsAt             time.Time
	RegistrationOpensAt  *time.Time
	RegistrationClosesAt *time.Time
	Capacity             int
	RegistrationFee      pricing.Money
	GuestFee             pricing.Money
	AcceptsDonations     bool
}

// Guest is an additional attendee brought by a registrant.
type Guest struct {
	Name  string `json:"name" validate:"required,max=120"`
	Email string `json:"email,omitempty" validate:"omitempty,email"`
}

// Registration is a user's registration for an event.
type Registration struct {
	ID            uuid.UUID
	EventID       uuid.UUID
	UserID        uuid.UUID
	Guests        []Guest
	Status        string
	PaymentStatus string
	AccessCode    string
	TransactionID *uuid.UUID
	CreatedAt     time.Time
}

// Seats is the number of places the registration occupies.
func (r Registration) Seats() int { return 1 + len(r.Guests) }

// MerchandiseLine is a merchandise order line attached to a registration.
type MerchandiseLine struct {
	ID             uuid.UUID     `json:"id"`
	RegistrationID uuid.UUID     `json:"registrationId"`
	ItemID         uuid.UUID     `json:"itemId"`
	Name           string        `json:"name"`
	Quantity       int           `json:"quantity"`
	UnitPrice      pricing.Money `json:"unitPrice"`
	Status         string        `json:"status"`
}

// CartLine is a standalone merchandise cart line joined with its item.
type CartLine struct {
	ItemID    uuid.UUID     `json:"itemId"`
	Name      string        `json:"name"`
	Quantity  int           `json:"quantity"`
	UnitPrice pricing.Money `json:"unitPrice"`
	Stock     int           `json:"-"`
	Active    bool          `json:"-"`
}

// PaymentRequest is an approved request to pay for a subscription change.
type PaymentRequest struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	SubscriptionID uuid.UUID
	PlanID         uuid.UUID
	Kind           string
	Status         string
	Amount         pricing.Money
	BillingCycle   BillingCycle
}

// Plan is a subscription plan.
type Plan struct {
	ID           uuid.UUID
	Name         string
	MonthlyPrice pricing.Money
	YearlyPrice  pricing.Money
	Active       bool
}

// Price returns the plan price for cycle.
func (p Plan) Price(cycle BillingCycle) (pricing.Money, bool) {
	switch cycle {
	case CycleMonthly:
		return p.MonthlyPrice, p.MonthlyPrice > 0
	case CycleYearly:
		return p.YearlyPrice, p.YearlyPrice > 0
	default:
		return 0, false
	}
}

// Subscription is a user's plan subscription.
type Subscription struct {
	ID               uuid.UUID
	UserID           uuid.UUID
	PlanID           uuid.UUID
	BillingCycle     BillingCycle
	Status           string
	CurrentPeriodEnd time.Time
	TransactionID    *uuid.UUID
}

// Donation is a recorded donation towards an event.
type Donation struct {
	ID            uuid.UUID
	EventID       uuid.UUID
	UserID        uuid.UUID
	TransactionID uuid.UUID
	Amount        pricing.Money
	CreatedAt     time.Time
}

// Lookup resolves reference entities. Implementations must not mutate state.
type Lookup interface {
	GetUser(ctx context.Context, id uuid.UUID) (User, error)
	GetEvent(ctx context.Context, id uuid.UUID) (Event, error)
	GetRegistration(ctx context.Context, id uuid.UUID) (Registration, error)
	FindRegistration(ctx context.Context, eventID, userID uuid.UUID) (Registration, error)
	CountReservedSeats(ctx context.Context, eventID uuid.UUID) (int, error)
	ListPendingMerchandise(ctx context.Context, registrationID uuid.UUID) ([]MerchandiseLine, error)
	ListCart(ctx context.Context, userID uuid.UUID) ([]CartLine, error)
	MembershipFee(ctx context.Context, userID uuid.UUID) (pricing.Money, error)
	GetPaymentRequest(ctx context.Context, id uuid.UUID) (PaymentRequest, error)
	GetPlan(ctx context.Context, id uuid.UUID) (Plan, error)
	GetSubscription(ctx context.Context, id uuid.UUID) (Subscription, error)
}

// Mutator applies primary completion effects. It is only handed out inside
// the atomic completion boundary.
type Mutator interface {
	Lookup
	ConfirmRegistration(ctx context.Context, registrationID, transactionID uuid.UUID) error
	CreateRegistration(ctx context.Context, reg Registration) (Registration, error)
	// MarkMerchandisePaid settles the PENDING lines among lineIDs and returns them.
	MarkMerchandisePaid(ctx context.Context, registrationID, transactionID uuid.UUID, lineIDs []uuid.UUID) ([]MerchandiseLine, error)
	// DecrementStock lowers stock by qty, clamping at zero, and returns the shortfall.
	DecrementStock(ctx context.Context, itemID uuid.UUID, qty int) (int, error)
	CreateMerchandiseOrder(ctx context.Context, userID, transactionID uuid.UUID, lines []CartLine) error
	// RemoveFromCart takes the paid quantities out of the cart, dropping
	// lines that reach zero.
	RemoveFromCart(ctx context.Context, userID uuid.UUID, paid []CartLine) error
	ActivateMembership(ctx context.Context, userID, transactionID uuid.UUID, validUntil time.Time) error
	RecordDonation(ctx context.Context, d Donation) error
	// ConsumePaymentRequest flips an APPROVED request to PAID. It reports
	// false when the request was already consumed or is no longer approved.
	ConsumePaymentRequest(ctx context.Context, id, transactionID uuid.UUID) (bool, error)
	UpdateSubscription(ctx context.Context, sub Subscription) error
	CreateSubscription(ctx context.Context, sub Subscription) (Subscription, error)
}

// AccessCodeIssuer stores an access code on a registration if it has none yet
// and returns the code now stored.
type AccessCodeIssuer interface {
	IssueAccessCode(ctx context.Context, registrationID uuid.UUID, code string) (string, error)
}
