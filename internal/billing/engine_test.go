package billing_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/paycore/internal/billing"
	"github.com/noah-isme/paycore/internal/common"
	"github.com/noah-isme/paycore/internal/events"
	"github.com/noah-isme/paycore/internal/ledger"
	"github.com/noah-isme/paycore/internal/payables"
	"github.com/noah-isme/paycore/internal/payment"
	"github.com/noah-isme/paycore/internal/pricing"
	"github.com/noah-isme/paycore/internal/store"
)

type dispatchCall struct {
	txn   ledger.Transaction
	kinds []payables.FollowUp
}

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []dispatchCall
}

func (d *recordingDispatcher) Dispatch(_ context.Context, txn ledger.Transaction, kinds []payables.FollowUp) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, dispatchCall{txn: txn, kinds: kinds})
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

type failingProvider struct {
	*payment.Midtrans
}

func (failingProvider) CreateOrder(context.Context, payment.OrderRequest) (payment.Order, error) {
	return payment.Order{}, errors.New("connection reset by peer")
}

type brokenMembership struct {
	payables.Membership
}

func (brokenMembership) Complete(context.Context, payables.Mutator, ledger.Transaction) error {
	return errors.New("membership table locked")
}

type fixture struct {
	engine   *billing.Engine
	mem      *store.Memory
	midtrans *payment.Midtrans
	effects  *recordingDispatcher
	clock    *time.Time
	user     payables.User
	event    payables.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	clock := &now
	mem := store.NewMemory(func() time.Time { return *clock })

	user := payables.User{ID: uuid.New(), Name: "Rina", Email: "rina@example.com", Batch: "2019"}
	mem.PutUser(user)
	mem.PutMembershipFee(user.ID, 500)
	opens := now.Add(-24 * time.Hour)
	closes := now.Add(7 * 24 * time.Hour)
	event := payables.Event{
		ID:                   uuid.New(),
		Title:                "Alumni Gathering",
		Venue:                "Hall A",
		Status:               payables.EventOpen,
		StartsAt:             now.Add(14 * 24 * time.Hour),
		RegistrationOpensAt:  &opens,
		RegistrationClosesAt: &closes,
		Capacity:             50,
		RegistrationFee:      100_000,
		GuestFee:             50_000,
		AcceptsDonations:     true,
	}
	mem.PutEvent(event)

	midtrans := payment.NewMidtrans(payment.MidtransConfig{ServerKey: "server-key", ClientKey: "client-key"})
	effects := &recordingDispatcher{}
	engine := &billing.Engine{
		Store:           mem,
		Payables:        payables.NewRegistry(pricing.DefaultPolicy(), zerolog.Nop()),
		Providers:       payment.NewRegistry(midtrans),
		DefaultProvider: "midtrans",
		Bounds:          payment.Bounds{Min: 100, Max: 100_000_000},
		Effects:         effects,
		Activity:        &events.Bus{Store: mem, Now: func() time.Time { return *clock }},
		Currency:        "IDR",
		TTL:             time.Hour,
		Logger:          zerolog.Nop(),
		Now:             func() time.Time { return *clock },
	}
	return &fixture{engine: engine, mem: mem, midtrans: midtrans, effects: effects, clock: clock, user: user, event: event}
}

func (f *fixture) initiateEvent(t *testing.T, guests int) billing.InitiateResult {
	t.Helper()
	ctx := payables.Context{}
	for i := 0; i < guests; i++ {
		ctx.Guests = append(ctx.Guests, payables.Guest{Name: "Guest"})
	}
	res, err := f.engine.Initiate(context.Background(), billing.InitiateInput{
		CalculateInput: billing.CalculateInput{
			ReferenceType: string(ledger.RefEventPayment),
			ReferenceID:   f.event.ID,
			UserID:        f.user.ID,
			Context:       ctx,
		},
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) proof(txn ledger.Transaction, paymentID string) payment.PaymentProof {
	return payment.PaymentProof{
		OrderID:   txn.ProviderOrderID,
		PaymentID: paymentID,
		Signature: f.midtrans.ProofSignature(txn.ProviderOrderID, paymentID),
	}
}

func requireAppError(t *testing.T, err error, status int, code string) {
	t.Helper()
	var appErr *common.AppError
	require.True(t, errors.As(err, &appErr), "expected AppError, got %v", err)
	require.Equal(t, status, appErr.HTTPStatus)
	require.Equal(t, code, appErr.Code)
}

func TestCalculateMembershipIsFeeExempt(t *testing.T) {
	f := newFixture(t)

	calc, err := f.engine.Calculate(context.Background(), billing.CalculateInput{
		ReferenceType: "membership",
		ReferenceID:   f.user.ID,
		UserID:        f.user.ID,
	})
	require.NoError(t, err)
	require.Equal(t, pricing.Money(500), calc.Breakdown.Total)
	require.Equal(t, pricing.Money(0), calc.Breakdown.ProcessingFee)
	require.Equal(t, pricing.Money(500), calc.Breakdown.Component("membershipFee"))
	require.Equal(t, "rina@example.com", calc.Payer.Email)
}

func TestCalculateRejectsUnknownReferenceType(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Calculate(context.Background(), billing.CalculateInput{
		ReferenceType: "GIFT_CARD",
		ReferenceID:   uuid.New(),
		UserID:        f.user.ID,
	})
	requireAppError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
}

func TestInitiateRejectsMismatchedExpectedAmount(t *testing.T) {
	f := newFixture(t)
	expected := pricing.Money(600)

	_, err := f.engine.Initiate(context.Background(), billing.InitiateInput{
		CalculateInput: billing.CalculateInput{
			ReferenceType: string(ledger.RefMembership),
			ReferenceID:   f.user.ID,
			UserID:        f.user.ID,
		},
		ExpectedAmount: &expected,
	})
	requireAppError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
	require.Empty(t, f.mem.Transactions())
}

func TestInitiateCreatesPendingTransaction(t *testing.T) {
	f := newFixture(t)

	res := f.initiateEvent(t, 1)
	txn := res.Transaction
	require.Equal(t, ledger.StatusPending, txn.Status)
	require.Equal(t, pricing.Money(150_000), txn.Breakdown.Subtotal)
	require.Equal(t, pricing.Money(3_000), txn.Breakdown.ProcessingFee)
	require.Equal(t, pricing.Money(153_000), txn.Amount)
	require.Equal(t, txn.Number, txn.ProviderOrderID)
	require.Equal(t, "midtrans", txn.Provider)
	require.Equal(t, f.clock.Add(time.Hour), txn.ExpiresAt)
	require.Equal(t, "SNAP-"+txn.Number, res.Checkout["token"])
	require.Equal(t, "client-key", res.Checkout["clientKey"])

	stored, err := f.mem.GetTransaction(context.Background(), txn.ID)
	require.NoError(t, err)
	require.Equal(t, txn.Number, stored.ProviderOrderID)

	topics := []string{}
	for _, a := range f.mem.Activity() {
		topics = append(topics, a.Topic)
	}
	require.Equal(t, []string{events.TopicPaymentInitiated}, topics)
}

func TestInitiateRejectsClosedRegistrationWindow(t *testing.T) {
	f := newFixture(t)
	*f.clock = f.clock.Add(30 * 24 * time.Hour)

	_, err := f.engine.Initiate(context.Background(), billing.InitiateInput{
		CalculateInput: billing.CalculateInput{
			ReferenceType: string(ledger.RefEventPayment),
			ReferenceID:   f.event.ID,
			UserID:        f.user.ID,
		},
	})
	requireAppError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
	require.ErrorContains(t, err, "registration window has closed")
	require.Empty(t, f.mem.Transactions())
}

func TestInitiateGatewayFailureLeavesTransactionPending(t *testing.T) {
	f := newFixture(t)
	f.engine.Providers = payment.NewRegistry(failingProvider{Midtrans: f.midtrans})

	_, err := f.engine.Initiate(context.Background(), billing.InitiateInput{
		CalculateInput: billing.CalculateInput{
			ReferenceType: string(ledger.RefMembership),
			ReferenceID:   f.user.ID,
			UserID:        f.user.ID,
		},
	})
	requireAppError(t, err, http.StatusBadGateway, "GATEWAY_ERROR")
	require.ErrorIs(t, err, billing.ErrGateway)

	txns := f.mem.Transactions()
	require.Len(t, txns, 1)
	require.Equal(t, ledger.StatusPending, txns[0].Status)
	require.Empty(t, txns[0].ProviderOrderID)
}

func TestInitiateRejectsUnknownProvider(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Initiate(context.Background(), billing.InitiateInput{
		CalculateInput: billing.CalculateInput{
			ReferenceType: string(ledger.RefMembership),
			ReferenceID:   f.user.ID,
			UserID:        f.user.ID,
		},
		Provider: "paypal",
	})
	requireAppError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
	require.Empty(t, f.mem.Transactions())
}

func TestVerifyTamperedSignatureLeavesPending(t *testing.T) {
	f := newFixture(t)
	txn := f.initiateEvent(t, 0).Transaction

	proof := f.proof(txn, "pay-1")
	proof.Signature = f.midtrans.ProofSignature(txn.ProviderOrderID, "pay-2")
	res, err := f.engine.Verify(context.Background(), billing.VerifyInput{TransactionID: txn.ID, UserID: f.user.ID, Proof: proof})
	requireAppError(t, err, http.StatusPaymentRequired, "PAYMENT_VERIFICATION_FAILED")
	require.ErrorIs(t, err, billing.ErrVerificationFailed)
	require.False(t, res.Verified)

	stored, err := f.mem.GetTransaction(context.Background(), txn.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusPending, stored.Status)
	require.Zero(t, f.effects.count())
	_, err = f.mem.FindRegistration(context.Background(), f.event.ID, f.user.ID)
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestVerifyCompletesOnceAndShortCircuits(t *testing.T) {
	f := newFixture(t)
	txn := f.initiateEvent(t, 2).Transaction
	in := billing.VerifyInput{TransactionID: txn.ID, UserID: f.user.ID, Proof: f.proof(txn, "pay-1")}

	res, err := f.engine.Verify(context.Background(), in)
	require.NoError(t, err)
	require.True(t, res.Verified)
	require.Equal(t, ledger.StatusCompleted, res.Transaction.Status)
	require.Equal(t, "pay-1", res.Transaction.ProviderPaymentID)
	require.NotNil(t, res.Transaction.CompletedAt)

	reg, err := f.mem.FindRegistration(context.Background(), f.event.ID, f.user.ID)
	require.NoError(t, err)
	require.Equal(t, payables.RegistrationConfirmed, reg.Status)
	require.Equal(t, payables.PaymentPaid, reg.PaymentStatus)
	require.Len(t, reg.Guests, 2)
	require.Equal(t, txn.ID, *reg.TransactionID)

	require.Equal(t, 1, f.effects.count())
	require.Equal(t, []payables.FollowUp{payables.FollowUpAccessCode, payables.FollowUpInvoice, payables.FollowUpNotification}, f.effects.calls[0].kinds)

	again, err := f.engine.Verify(context.Background(), in)
	require.NoError(t, err)
	require.True(t, again.Verified)
	require.Equal(t, ledger.StatusCompleted, again.Transaction.Status)
	require.Equal(t, 1, f.effects.count())
}

func TestConcurrentVerifyDispatchesOnce(t *testing.T) {
	f := newFixture(t)
	txn := f.initiateEvent(t, 0).Transaction
	in := billing.VerifyInput{TransactionID: txn.ID, UserID: f.user.ID, Proof: f.proof(txn, "pay-1")}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.engine.Verify(context.Background(), in)
			if err == nil && !res.Verified {
				err = errors.New("not verified")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, 1, f.effects.count())

	seats, err := f.mem.CountReservedSeats(context.Background(), f.event.ID)
	require.NoError(t, err)
	require.Equal(t, 1, seats)
}

func TestVerifyRejectsExpiredTransaction(t *testing.T) {
	f := newFixture(t)
	txn := f.initiateEvent(t, 0).Transaction
	*f.clock = f.clock.Add(2 * time.Hour)

	_, err := f.engine.Verify(context.Background(), billing.VerifyInput{TransactionID: txn.ID, UserID: f.user.ID, Proof: f.proof(txn, "pay-1")})
	requireAppError(t, err, http.StatusConflict, "INVALID_STATE")
	require.ErrorIs(t, err, billing.ErrInvalidState)

	got, err := f.engine.Get(context.Background(), txn.ID, f.user.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusExpired, got.Status)
	require.Zero(t, f.effects.count())
}

func TestCompleteFromWebhookAcceptsLateCapture(t *testing.T) {
	f := newFixture(t)
	txn := f.initiateEvent(t, 0).Transaction
	*f.clock = f.clock.Add(3 * time.Hour)

	stored, err := f.mem.GetTransaction(context.Background(), txn.ID)
	require.NoError(t, err)
	updated, changed, err := f.engine.CompleteFromWebhook(context.Background(), stored, payment.WebhookEvent{
		EventID:    "pay-9:settlement",
		Action:     payment.ActionCaptured,
		OrderID:    txn.ProviderOrderID,
		PaymentID:  "pay-9",
		Amount:     txn.Amount,
		OccurredAt: f.clock.Add(-90 * time.Minute),
	})
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, ledger.StatusCompleted, updated.Status)
	require.Equal(t, 1, f.effects.count())

	var topics []string
	for _, a := range f.mem.Activity() {
		topics = append(topics, a.Topic)
	}
	require.Contains(t, topics, events.TopicPaymentLateCapture)
	require.Contains(t, topics, events.TopicPaymentCompleted)
}

func TestCompletionRollsBackWhenDomainMutationFails(t *testing.T) {
	f := newFixture(t)
	f.engine.Payables.Register(brokenMembership{})

	res, err := f.engine.Initiate(context.Background(), billing.InitiateInput{
		CalculateInput: billing.CalculateInput{
			ReferenceType: string(ledger.RefMembership),
			ReferenceID:   f.user.ID,
			UserID:        f.user.ID,
		},
	})
	require.NoError(t, err)
	txn := res.Transaction

	_, err = f.engine.Verify(context.Background(), billing.VerifyInput{TransactionID: txn.ID, UserID: f.user.ID, Proof: f.proof(txn, "pay-1")})
	require.ErrorContains(t, err, "membership table locked")

	stored, err := f.mem.GetTransaction(context.Background(), txn.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusPending, stored.Status)
	require.Zero(t, f.effects.count())
}

func TestFailThenVerifyIsInvalidState(t *testing.T) {
	f := newFixture(t)
	txn := f.initiateEvent(t, 0).Transaction

	failed, changed, err := f.engine.Fail(context.Background(), txn, "deny", nil)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, ledger.StatusFailed, failed.Status)

	_, changed, err = f.engine.Fail(context.Background(), txn, "deny", nil)
	require.NoError(t, err)
	require.False(t, changed)

	_, err = f.engine.Verify(context.Background(), billing.VerifyInput{TransactionID: txn.ID, UserID: f.user.ID, Proof: f.proof(txn, "pay-1")})
	requireAppError(t, err, http.StatusConflict, "INVALID_STATE")

	_, _, err = f.engine.CompleteFromWebhook(context.Background(), failed, payment.WebhookEvent{Action: payment.ActionCaptured})
	require.ErrorIs(t, err, billing.ErrInvalidState)
}

func TestGetHidesOtherUsersTransactions(t *testing.T) {
	f := newFixture(t)
	txn := f.initiateEvent(t, 0).Transaction

	_, err := f.engine.Get(context.Background(), txn.ID, uuid.New())
	requireAppError(t, err, http.StatusNotFound, "NOT_FOUND")

	got, err := f.engine.Get(context.Background(), txn.ID, f.user.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusPending, got.Status)
}
