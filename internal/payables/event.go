package payables

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/paycore/internal/ledger"
	"github.com/noah-isme/paycore/internal/pricing"
)

const (
	keyRegistrationFee = "registrationFee"
	keyGuestFee        = "guestFee"
	keyMerchandise     = "merchandise"
	keyDonation        = "donation"
)

type registrationMetadata struct {
	RegistrationID uuid.UUID   `json:"registrationId"`
	EventID        uuid.UUID   `json:"eventId"`
	GuestCount     int         `json:"guestCount"`
	MerchandiseIDs []uuid.UUID `json:"merchandiseLineIds,omitempty"`
}

type eventPaymentMetadata struct {
	EventID        uuid.UUID     `json:"eventId"`
	Guests         []Guest       `json:"guests"`
	DonationAmount pricing.Money `json:"donationAmount,omitempty"`
}

// EventRegistration settles the outstanding balance of an existing registration.
type EventRegistration struct {
	Logger zerolog.Logger
}

func (EventRegistration) Type() ledger.ReferenceType { return ledger.RefEventRegistration }

func (EventRegistration) Quote(ctx context.Context, lk Lookup, req Request) (Quote, error) {
	reg, err := ownedRegistration(ctx, lk, req)
	if err != nil {
		return Quote{}, err
	}
	if reg.PaymentStatus == PaymentPaid {
		return Quote{}, Reject("registration is already paid")
	}
	ev, err := lk.GetEvent(ctx, reg.EventID)
	if err != nil {
		return Quote{}, notFound(err, "event")
	}
	lines, err := lk.ListPendingMerchandise(ctx, reg.ID)
	if err != nil {
		return Quote{}, err
	}

	q := eventFees(ev, len(reg.Guests))
	merch, items, ids := merchandiseLines(lines)
	q.Components = append(q.Components, pricing.Component{Key: keyMerchandise, Label: "Merchandise", Amount: merch})
	q.Items = append(q.Items, items...)
	q.Description = fmt.Sprintf("Registration for %s", ev.Title)
	q.Metadata = registrationMetadata{
		RegistrationID: reg.ID,
		EventID:        ev.ID,
		GuestCount:     len(reg.Guests),
		MerchandiseIDs: ids,
	}
	return q, nil
}

func (p EventRegistration) Complete(ctx context.Context, tx Mutator, txn ledger.Transaction) error {
	var meta registrationMetadata
	if err := decodeMetadata(txn, &meta); err != nil {
		return err
	}
	if err := tx.ConfirmRegistration(ctx, txn.ReferenceID, txn.ID); err != nil {
		return fmt.Errorf("confirm registration: %w", err)
	}
	return settleMerchandise(ctx, tx, txn, meta.MerchandiseIDs, p.Logger)
}

func (EventRegistration) FollowUps() []FollowUp {
	return []FollowUp{FollowUpAccessCode, FollowUpInvoice, FollowUpNotification}
}

func (EventRegistration) Describe(ctx context.Context, lk Lookup, txn ledger.Transaction) (map[string]any, error) {
	reg, err := lk.GetRegistration(ctx, txn.ReferenceID)
	if err != nil {
		return nil, err
	}
	return describeEvent(ctx, lk, reg.EventID, map[string]any{
		"registrationId": reg.ID,
		"guests":         reg.Guests,
	})
}

// EventPayment registers and pays in one step. The registration row is only
// created once the payment completes.
type EventPayment struct{}

func (EventPayment) Type() ledger.ReferenceType { return ledger.RefEventPayment }

func (EventPayment) Quote(ctx context.Context, lk Lookup, req Request) (Quote, error) {
	ev, err := lk.GetEvent(ctx, req.ReferenceID)
	if err != nil {
		return Quote{}, notFound(err, "event")
	}
	if ev.Status != EventOpen {
		return Quote{}, Reject("event is not open for registration")
	}
	if ev.RegistrationOpensAt != nil && req.Now.Before(*ev.RegistrationOpensAt) {
		return Quote{}, Reject("registration has not opened yet")
	}
	if ev.RegistrationClosesAt != nil && req.Now.After(*ev.RegistrationClosesAt) {
		return Quote{}, Reject("registration window has closed")
	}
	existing, err := lk.FindRegistration(ctx, ev.ID, req.UserID)
	switch {
	case err == nil && existing.Status != RegistrationCancelled:
		return Quote{}, Reject("user is already registered for this event")
	case err != nil && !errors.Is(err, ledger.ErrNotFound):
		return Quote{}, err
	}
	guests := req.Context.Guests
	if ev.Capacity > 0 {
		reserved, err := lk.CountReservedSeats(ctx, ev.ID)
		if err != nil {
			return Quote{}, err
		}
		if reserved+1+len(guests) > ev.Capacity {
			return Quote{}, Reject("event is full")
		}
	}
	donation := req.Context.DonationAmount
	if donation < 0 {
		return Quote{}, Reject("donation amount must not be negative")
	}
	if donation > 0 && !ev.AcceptsDonations {
		return Quote{}, Reject("event does not accept donations")
	}

	q := eventFees(ev, len(guests))
	if donation > 0 {
		q.Components = append(q.Components, pricing.Component{Key: keyDonation, Label: "Donation", Amount: donation})
		q.Items = append(q.Items, pricing.LineItem("Donation", 1, donation))
	}
	if guests == nil {
		guests = []Guest{}
	}
	q.Description = fmt.Sprintf("Registration for %s", ev.Title)
	q.Metadata = eventPaymentMetadata{EventID: ev.ID, Guests: guests, DonationAmount: donation}
	return q, nil
}

func (EventPayment) Complete(ctx context.Context, tx Mutator, txn ledger.Transaction) error {
	var meta eventPaymentMetadata
	if err := decodeMetadata(txn, &meta); err != nil {
		return err
	}
	existing, err := tx.FindRegistration(ctx, txn.ReferenceID, txn.UserID)
	switch {
	case err == nil && existing.Status != RegistrationCancelled:
		if err := tx.ConfirmRegistration(ctx, existing.ID, txn.ID); err != nil {
			return fmt.Errorf("confirm registration: %w", err)
		}
	case err == nil || errors.Is(err, ledger.ErrNotFound):
		txnID := txn.ID
		if _, err := tx.CreateRegistration(ctx, Registration{
			ID:            uuid.New(),
			EventID:       txn.ReferenceID,
			UserID:        txn.UserID,
			Guests:        meta.Guests,
			Status:        RegistrationConfirmed,
			PaymentStatus: PaymentPaid,
			TransactionID: &txnID,
		}); err != nil {
			return fmt.Errorf("create registration: %w", err)
		}
	default:
		return err
	}
	if meta.DonationAmount > 0 {
		if err := tx.RecordDonation(ctx, Donation{
			ID:            uuid.New(),
			EventID:       txn.ReferenceID,
			UserID:        txn.UserID,
			TransactionID: txn.ID,
			Amount:        meta.DonationAmount,
		}); err != nil {
			return fmt.Errorf("record donation: %w", err)
		}
	}
	return nil
}

func (EventPayment) FollowUps() []FollowUp {
	return []FollowUp{FollowUpAccessCode, FollowUpInvoice, FollowUpNotification}
}

func (EventPayment) Describe(ctx context.Context, lk Lookup, txn ledger.Transaction) (map[string]any, error) {
	var meta eventPaymentMetadata
	if err := decodeMetadata(txn, &meta); err != nil {
		return nil, err
	}
	return describeEvent(ctx, lk, txn.ReferenceID, map[string]any{
		"guests":         meta.Guests,
		"donationAmount": meta.DonationAmount,
	})
}

// EventMerchandise pays for merchandise attached to an existing registration.
type EventMerchandise struct {
	Logger zerolog.Logger
}

func (EventMerchandise) Type() ledger.ReferenceType { return ledger.RefEventMerchandise }

func (EventMerchandise) Quote(ctx context.Context, lk Lookup, req Request) (Quote, error) {
	reg, err := ownedRegistration(ctx, lk, req)
	if err != nil {
		return Quote{}, err
	}
	lines, err := lk.ListPendingMerchandise(ctx, reg.ID)
	if err != nil {
		return Quote{}, err
	}
	if len(lines) == 0 {
		return Quote{}, Reject("registration has no pending merchandise")
	}
	total, items, ids := merchandiseLines(lines)
	return Quote{
		Components:  []pricing.Component{{Key: keyMerchandise, Label: "Merchandise", Amount: total}},
		Items:       items,
		Description: "Event merchandise",
		Metadata: registrationMetadata{
			RegistrationID: reg.ID,
			EventID:        reg.EventID,
			MerchandiseIDs: ids,
		},
	}, nil
}

func (p EventMerchandise) Complete(ctx context.Context, tx Mutator, txn ledger.Transaction) error {
	var meta registrationMetadata
	if err := decodeMetadata(txn, &meta); err != nil {
		return err
	}
	return settleMerchandise(ctx, tx, txn, meta.MerchandiseIDs, p.Logger)
}

func (EventMerchandise) FollowUps() []FollowUp {
	return []FollowUp{FollowUpInvoice, FollowUpNotification}
}

func (EventMerchandise) Describe(ctx context.Context, lk Lookup, txn ledger.Transaction) (map[string]any, error) {
	reg, err := lk.GetRegistration(ctx, txn.ReferenceID)
	if err != nil {
		return nil, err
	}
	return describeEvent(ctx, lk, reg.EventID, map[string]any{"registrationId": reg.ID})
}

// RegistrationFor resolves the registration a completed event transaction paid for.
func RegistrationFor(ctx context.Context, lk Lookup, txn ledger.Transaction) (Registration, error) {
	switch txn.ReferenceType {
	case ledger.RefEventRegistration, ledger.RefEventMerchandise:
		return lk.GetRegistration(ctx, txn.ReferenceID)
	case ledger.RefEventPayment:
		return lk.FindRegistration(ctx, txn.ReferenceID, txn.UserID)
	default:
		return Registration{}, fmt.Errorf("payables: %s has no registration", txn.ReferenceType)
	}
}

func ownedRegistration(ctx context.Context, lk Lookup, req Request) (Registration, error) {
	reg, err := lk.GetRegistration(ctx, req.ReferenceID)
	if err != nil {
		return Registration{}, notFound(err, "registration")
	}
	if reg.UserID != req.UserID {
		return Registration{}, Reject("registration does not belong to the user")
	}
	if reg.Status == RegistrationCancelled {
		return Registration{}, Reject("registration has been cancelled")
	}
	return reg, nil
}

func eventFees(ev Event, guests int) Quote {
	q := Quote{}
	if ev.RegistrationFee > 0 {
		q.Components = append(q.Components, pricing.Component{Key: keyRegistrationFee, Label: "Registration fee", Amount: ev.RegistrationFee})
		q.Items = append(q.Items, pricing.LineItem(fmt.Sprintf("Registration - %s", ev.Title), 1, ev.RegistrationFee))
	}
	if guests > 0 && ev.GuestFee > 0 {
		q.Components = append(q.Components, pricing.Component{Key: keyGuestFee, Label: "Guest fee", Amount: pricing.Money(guests) * ev.GuestFee})
		q.Items = append(q.Items, pricing.LineItem("Guest ticket", guests, ev.GuestFee))
	}
	return q
}

func merchandiseLines(lines []MerchandiseLine) (pricing.Money, []pricing.Item, []uuid.UUID) {
	var total pricing.Money
	items := make([]pricing.Item, 0, len(lines))
	ids := make([]uuid.UUID, 0, len(lines))
	for _, l := range lines {
		it := pricing.LineItem(l.Name, l.Quantity, l.UnitPrice)
		total += it.Amount
		items = append(items, it)
		ids = append(ids, l.ID)
	}
	return total, items, ids
}

// settleMerchandise pays only the lines priced at initiation. Lines added
// to the registration afterwards stay PENDING for a later payment.
func settleMerchandise(ctx context.Context, tx Mutator, txn ledger.Transaction, lineIDs []uuid.UUID, logger zerolog.Logger) error {
	if len(lineIDs) == 0 {
		return nil
	}
	paid, err := tx.MarkMerchandisePaid(ctx, txn.ReferenceID, txn.ID, lineIDs)
	if err != nil {
		return fmt.Errorf("mark merchandise paid: %w", err)
	}
	if len(paid) != len(lineIDs) {
		logger.Warn().
			Int("priced", len(lineIDs)).
			Int("settled", len(paid)).
			Str("transaction_id", txn.ID.String()).
			Msg("merchandise_lines_changed")
	}
	for _, line := range paid {
		shortfall, err := tx.DecrementStock(ctx, line.ItemID, line.Quantity)
		if err != nil {
			return fmt.Errorf("decrement stock: %w", err)
		}
		if shortfall > 0 {
			logger.Warn().
				Str("item_id", line.ItemID.String()).
				Int("shortfall", shortfall).
				Str("transaction_id", txn.ID.String()).
				Msg("merchandise_oversold")
		}
	}
	return nil
}

func describeEvent(ctx context.Context, lk Lookup, eventID uuid.UUID, extra map[string]any) (map[string]any, error) {
	ev, err := lk.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	detail := map[string]any{
		"eventId":    ev.ID,
		"eventTitle": ev.Title,
		"venue":      ev.Venue,
		"startsAt":   ev.StartsAt,
	}
	for k, v := range extra {
		detail[k] = v
	}
	return detail, nil
}
