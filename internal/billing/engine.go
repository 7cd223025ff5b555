package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/paycore/internal/common"
	"github.com/noah-isme/paycore/internal/events"
	"github.com/noah-isme/paycore/internal/ledger"
	"github.com/noah-isme/paycore/internal/obs"
	"github.com/noah-isme/paycore/internal/payables"
	"github.com/noah-isme/paycore/internal/payment"
	"github.com/noah-isme/paycore/internal/pricing"
)

var tracer = otel.Tracer("github.com/noah-isme/paycore/internal/billing")

// Dispatcher schedules secondary follow-ups. It is only called after the
// completing transaction has committed.
type Dispatcher interface {
	Dispatch(ctx context.Context, txn ledger.Transaction, kinds []payables.FollowUp)
}

// ActivityRecorder appends to the payment activity log.
type ActivityRecorder interface {
	Emit(ctx context.Context, topic string, transactionID, userID uuid.UUID, payload any) (events.Activity, error)
}

// Engine orchestrates calculation, initiation and completion of payments.
type Engine struct {
	Store           Store
	Payables        *payables.Registry
	Providers       *payment.Registry
	DefaultProvider string
	Bounds          payment.Bounds
	Effects         Dispatcher
	Activity        ActivityRecorder
	Currency        string
	TTL             time.Duration
	CallbackURL     string
	Logger          zerolog.Logger
	Now             func() time.Time
}

// CalculateInput identifies the reference to price.
type CalculateInput struct {
	ReferenceType string
	ReferenceID   uuid.UUID
	UserID        uuid.UUID
	Context       payables.Context
}

// InitiateInput extends CalculateInput with gateway selection.
type InitiateInput struct {
	CalculateInput
	Description string
	Provider    string
	// ExpectedAmount, when set, must equal the computed total.
	ExpectedAmount *pricing.Money
}

// InitiateResult is returned to the caller after a successful initiation.
type InitiateResult struct {
	Transaction ledger.Transaction `json:"transaction"`
	Breakdown   pricing.Breakdown  `json:"breakdown"`
	Checkout    map[string]any     `json:"checkout"`
}

// VerifyInput carries the client's proof for a transaction.
type VerifyInput struct {
	TransactionID uuid.UUID
	UserID        uuid.UUID
	Proof         payment.PaymentProof
}

// VerifyResult reports the verification outcome.
type VerifyResult struct {
	Verified    bool               `json:"verified"`
	Transaction ledger.Transaction `json:"transaction"`
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *Engine) ttl() time.Duration {
	if e.TTL > 0 {
		return e.TTL
	}
	return 24 * time.Hour
}

func (e *Engine) currency() string {
	if strings.TrimSpace(e.Currency) == "" {
		return "IDR"
	}
	return strings.ToUpper(e.Currency)
}

// Calculate prices a reference without writing anything.
func (e *Engine) Calculate(ctx context.Context, in CalculateInput) (payables.Calculation, error) {
	ctx, span := tracer.Start(ctx, "Engine.Calculate", trace.WithAttributes(
		attribute.String("payment.reference_type", in.ReferenceType),
		attribute.String("payment.reference_id", in.ReferenceID.String()),
	))
	defer span.End()

	calc, err := e.calculate(ctx, in)
	if err != nil {
		recordSpanError(span, err)
		obs.CountOperation("calculate", in.ReferenceType, "rejected")
		return payables.Calculation{}, err
	}
	obs.CountOperation("calculate", in.ReferenceType, "ok")
	return calc, nil
}

func (e *Engine) calculate(ctx context.Context, in CalculateInput) (payables.Calculation, error) {
	rt, ok := ledger.ParseReferenceType(in.ReferenceType)
	if !ok {
		return payables.Calculation{}, ValidationError(fmt.Sprintf("unsupported reference type %q", in.ReferenceType), nil)
	}
	if in.ReferenceID == uuid.Nil || in.UserID == uuid.Nil {
		return payables.Calculation{}, ValidationError("referenceId and userId are required", nil)
	}
	calc, err := e.Payables.Calculate(ctx, e.Store, payables.Request{
		Type:        rt,
		ReferenceID: in.ReferenceID,
		UserID:      in.UserID,
		Context:     in.Context,
		Now:         e.now(),
	})
	if err != nil {
		var rule *payables.RuleError
		if errors.As(err, &rule) {
			return payables.Calculation{}, ValidationError(rule.Message, nil)
		}
		return payables.Calculation{}, fmt.Errorf("billing: calculate %s: %w", rt, err)
	}
	return calc, nil
}

// Initiate prices the reference, persists a PENDING transaction and opens a
// gateway order. A gateway failure leaves the row PENDING.
func (e *Engine) Initiate(ctx context.Context, in InitiateInput) (InitiateResult, error) {
	ctx, span := tracer.Start(ctx, "Engine.Initiate", trace.WithAttributes(
		attribute.String("payment.reference_type", in.ReferenceType),
		attribute.String("payment.provider", in.Provider),
	))
	defer span.End()

	res, err := e.initiate(ctx, in)
	if err != nil {
		recordSpanError(span, err)
		obs.CountOperation("initiate", in.ReferenceType, resultLabel(err))
		return InitiateResult{}, err
	}
	span.SetAttributes(attribute.String("payment.transaction_id", res.Transaction.ID.String()))
	obs.CountOperation("initiate", in.ReferenceType, "ok")
	return res, nil
}

func (e *Engine) initiate(ctx context.Context, in InitiateInput) (InitiateResult, error) {
	providerName := strings.TrimSpace(in.Provider)
	if providerName == "" {
		providerName = e.DefaultProvider
	}
	provider, err := e.Providers.Get(providerName)
	if err != nil {
		return InitiateResult{}, ValidationError(fmt.Sprintf("unsupported payment provider %q", providerName), nil)
	}

	calc, err := e.calculate(ctx, in.CalculateInput)
	if err != nil {
		return InitiateResult{}, err
	}
	total := calc.Breakdown.Total
	if in.ExpectedAmount != nil && *in.ExpectedAmount != total {
		return InitiateResult{}, ValidationError("amount does not match the calculated total", map[string]any{
			"expectedAmount": *in.ExpectedAmount,
			"totalAmount":    total,
		})
	}
	if err := e.Bounds.Validate(total); err != nil {
		return InitiateResult{}, ValidationError(err.Error(), nil)
	}

	now := e.now()
	description := strings.TrimSpace(in.Description)
	if description == "" {
		description = calc.Description
	}
	txn := ledger.Transaction{
		ID:            uuid.New(),
		Number:        payment.NewTransactionNumber(now),
		UserID:        in.UserID,
		ReferenceType: calc.ReferenceType,
		ReferenceID:   calc.ReferenceID,
		Amount:        total,
		Currency:      e.currency(),
		Description:   description,
		Breakdown:     calc.Breakdown,
		Items:         calc.Items,
		Metadata:      calc.Metadata,
		Status:        ledger.StatusPending,
		Provider:      provider.Name(),
		InitiatedAt:   now,
		ExpiresAt:     now.Add(e.ttl()),
		UpdatedAt:     now,
	}
	txn, err = e.createTransaction(ctx, txn)
	if err != nil {
		return InitiateResult{}, err
	}
	e.record(ctx, events.TopicPaymentInitiated, txn, map[string]any{
		"transactionNumber": txn.Number,
		"referenceType":     txn.ReferenceType,
		"amount":            txn.Amount,
		"provider":          txn.Provider,
	})

	orderReq := payment.OrderRequest{
		TransactionID: txn.ID,
		OrderID:       txn.Number,
		Amount:        txn.Amount,
		Currency:      txn.Currency,
		Description:   txn.Description,
		Customer:      payment.Customer{Name: calc.Payer.Name, Email: calc.Payer.Email, Phone: calc.Payer.Phone},
		Items:         calc.Items,
		ExpiresAt:     txn.ExpiresAt,
		CallbackURL:   e.CallbackURL,
	}
	started := time.Now()
	order, err := provider.CreateOrder(ctx, orderReq)
	obs.ObserveGateway(provider.Name(), "create_order", obs.DurationMillis(time.Since(started)))
	if err != nil {
		e.Logger.Error().Err(err).
			Str("transaction_id", txn.ID.String()).
			Str("provider", provider.Name()).
			Msg("payment_create_order_failed")
		details := map[string]any{"transactionId": txn.ID}
		if errors.Is(err, payment.ErrInvalidOrder) {
			return InitiateResult{}, ValidationError("payment order was rejected", details)
		}
		return InitiateResult{}, GatewayError(err, details)
	}

	expiresAt := txn.ExpiresAt
	if !order.ExpiresAt.IsZero() && order.ExpiresAt.Before(expiresAt) {
		expiresAt = order.ExpiresAt
	}
	txn, err = e.Store.AttachProviderOrder(ctx, txn.ID, provider.Name(), order.ProviderOrderID, order.Data, expiresAt)
	if err != nil {
		return InitiateResult{}, fmt.Errorf("billing: attach provider order: %w", err)
	}
	e.Logger.Info().
		Str("transaction_id", txn.ID.String()).
		Str("transaction_number", txn.Number).
		Str("reference_type", string(txn.ReferenceType)).
		Int64("amount", txn.Amount).
		Str("provider", txn.Provider).
		Msg("payment_initiated")

	return InitiateResult{
		Transaction: txn,
		Breakdown:   txn.Breakdown,
		Checkout:    provider.CheckoutParams(orderReq, order),
	}, nil
}

// createTransaction retries once when the random transaction number collides.
func (e *Engine) createTransaction(ctx context.Context, txn ledger.Transaction) (ledger.Transaction, error) {
	created, err := e.Store.CreateTransaction(ctx, txn)
	if errors.Is(err, ledger.ErrDuplicate) {
		txn.Number = payment.NewTransactionNumber(txn.InitiatedAt)
		created, err = e.Store.CreateTransaction(ctx, txn)
	}
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("billing: create transaction: %w", err)
	}
	return created, nil
}

// Verify checks the client's proof and completes the transaction. An
// unverified proof returns Verified=false with a SignatureError and leaves the
// status untouched.
func (e *Engine) Verify(ctx context.Context, in VerifyInput) (VerifyResult, error) {
	ctx, span := tracer.Start(ctx, "Engine.Verify", trace.WithAttributes(
		attribute.String("payment.transaction_id", in.TransactionID.String()),
	))
	defer span.End()

	res, err := e.verify(ctx, in)
	rt := string(res.Transaction.ReferenceType)
	if err != nil {
		recordSpanError(span, err)
		obs.CountOperation("verify", rt, resultLabel(err))
		return res, err
	}
	obs.CountOperation("verify", rt, "ok")
	return res, nil
}

func (e *Engine) verify(ctx context.Context, in VerifyInput) (VerifyResult, error) {
	txn, err := e.load(ctx, in.TransactionID, in.UserID)
	if err != nil {
		return VerifyResult{}, err
	}
	switch {
	case txn.Status == ledger.StatusCompleted:
		obs.CountCompletion("verify", "short_circuit")
		return VerifyResult{Verified: true, Transaction: txn}, nil
	case txn.Status == ledger.StatusFailed:
		return VerifyResult{Transaction: txn}, invalidStateError("transaction has failed")
	case txn.Expired(e.now()):
		txn.Status = ledger.StatusExpired
		return VerifyResult{Transaction: txn}, invalidStateError("transaction has expired")
	}

	if txn.ProviderOrderID == "" || in.Proof.OrderID != txn.ProviderOrderID {
		e.securityWarning(txn, "order id mismatch")
		return VerifyResult{Transaction: txn}, SignatureError("order id mismatch")
	}
	provider, err := e.Providers.Get(txn.Provider)
	if err != nil {
		return VerifyResult{Transaction: txn}, fmt.Errorf("billing: provider %q: %w", txn.Provider, err)
	}
	started := time.Now()
	verification, err := provider.VerifyPayment(ctx, in.Proof)
	obs.ObserveGateway(provider.Name(), "verify_payment", obs.DurationMillis(time.Since(started)))
	if err != nil {
		return VerifyResult{Transaction: txn}, GatewayError(err, map[string]any{"transactionId": txn.ID})
	}
	if !verification.Verified {
		e.securityWarning(txn, verification.Reason)
		return VerifyResult{Transaction: txn}, SignatureError(verification.Reason)
	}

	completedAt := verification.CompletedAt
	if completedAt.IsZero() {
		completedAt = e.now()
	}
	updated, _, err := e.complete(ctx, txn, ledger.Completion{
		TransactionID:     txn.ID,
		ProviderPaymentID: verification.ProviderPaymentID,
		PaymentData:       verification.Data,
		CompletedAt:       completedAt,
	}, "verify")
	if err != nil {
		return VerifyResult{Transaction: txn}, err
	}
	return VerifyResult{Verified: true, Transaction: updated}, nil
}

// CompleteFromWebhook completes txn from a verified captured gateway event.
// Captures that arrive after expiry still complete: the money was received.
// It reports whether this call performed the transition.
func (e *Engine) CompleteFromWebhook(ctx context.Context, txn ledger.Transaction, evt payment.WebhookEvent) (ledger.Transaction, bool, error) {
	ctx, span := tracer.Start(ctx, "Engine.CompleteFromWebhook", trace.WithAttributes(
		attribute.String("payment.transaction_id", txn.ID.String()),
		attribute.String("payment.provider", txn.Provider),
	))
	defer span.End()

	switch txn.Status {
	case ledger.StatusCompleted:
		obs.CountCompletion("webhook", "short_circuit")
		return txn, false, nil
	case ledger.StatusFailed:
		err := invalidStateError("transaction has already failed")
		recordSpanError(span, err)
		return txn, false, err
	}
	late := txn.Expired(e.now())
	completedAt := evt.OccurredAt
	if completedAt.IsZero() {
		completedAt = e.now()
	}
	paymentID := evt.PaymentID
	if paymentID == "" {
		paymentID = evt.EventID
	}
	updated, changed, err := e.complete(ctx, txn, ledger.Completion{
		TransactionID:     txn.ID,
		ProviderPaymentID: paymentID,
		PaymentData:       evt.Data,
		CompletedAt:       completedAt,
	}, "webhook")
	if err != nil {
		recordSpanError(span, err)
		return txn, false, err
	}
	if changed && late {
		e.Logger.Warn().
			Str("transaction_id", txn.ID.String()).
			Time("expires_at", txn.ExpiresAt).
			Msg("payment_late_capture")
		e.record(ctx, events.TopicPaymentLateCapture, updated, map[string]any{
			"transactionNumber": updated.Number,
			"expiresAt":         txn.ExpiresAt,
			"capturedAt":        completedAt,
		})
	}
	return updated, changed, nil
}

// complete performs the guarded PENDING -> COMPLETED flip together with the
// primary domain mutation, then dispatches follow-ups once committed. Only the
// caller that wins the conditional update dispatches.
func (e *Engine) complete(ctx context.Context, txn ledger.Transaction, c ledger.Completion, path string) (ledger.Transaction, bool, error) {
	p, ok := e.Payables.Get(txn.ReferenceType)
	if !ok {
		return txn, false, fmt.Errorf("billing: no payable registered for %s", txn.ReferenceType)
	}
	var (
		updated ledger.Transaction
		changed bool
	)
	err := e.Store.InTx(ctx, func(tx Tx) error {
		var err error
		updated, changed, err = tx.CompleteTransaction(ctx, c)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
		return p.Complete(ctx, tx, updated)
	})
	if err != nil {
		obs.CountCompletion(path, "error")
		if errors.Is(err, ledger.ErrNotFound) {
			return txn, false, notFoundError()
		}
		return txn, false, fmt.Errorf("billing: complete transaction %s: %w", txn.ID, err)
	}
	if !changed {
		obs.CountCompletion(path, "short_circuit")
		e.Logger.Info().
			Str("transaction_id", txn.ID.String()).
			Str("status", string(updated.Status)).
			Str("path", path).
			Msg("payment_completion_short_circuit")
		if updated.Status != ledger.StatusCompleted {
			return updated, false, invalidStateError(fmt.Sprintf("transaction is %s", strings.ToLower(string(updated.Status))))
		}
		return updated, false, nil
	}

	obs.CountCompletion(path, "completed")
	e.Logger.Info().
		Str("transaction_id", updated.ID.String()).
		Str("reference_type", string(updated.ReferenceType)).
		Str("provider_payment_id", updated.ProviderPaymentID).
		Str("path", path).
		Msg("payment_completed")

	// Follow-ups outlive the request that triggered them.
	detached := context.WithoutCancel(ctx)
	if e.Effects != nil {
		e.Effects.Dispatch(detached, updated, e.Payables.FollowUps(updated.ReferenceType))
	}
	e.record(detached, events.TopicPaymentCompleted, updated, map[string]any{
		"transactionNumber": updated.Number,
		"amount":            updated.Amount,
		"path":              path,
	})
	return updated, true, nil
}

// Fail moves a PENDING transaction to FAILED on an explicit gateway failure signal.
func (e *Engine) Fail(ctx context.Context, txn ledger.Transaction, reason string, data json.RawMessage) (ledger.Transaction, bool, error) {
	ctx, span := tracer.Start(ctx, "Engine.Fail", trace.WithAttributes(
		attribute.String("payment.transaction_id", txn.ID.String()),
	))
	defer span.End()

	var (
		updated ledger.Transaction
		changed bool
	)
	err := e.Store.InTx(ctx, func(tx Tx) error {
		var err error
		updated, changed, err = tx.FailTransaction(ctx, txn.ID, reason, data)
		return err
	})
	if err != nil {
		recordSpanError(span, err)
		return txn, false, fmt.Errorf("billing: fail transaction %s: %w", txn.ID, err)
	}
	if !changed {
		return updated, false, nil
	}
	e.Logger.Warn().
		Str("transaction_id", updated.ID.String()).
		Str("reason", reason).
		Msg("payment_failed")

	payload := map[string]any{
		"transactionNumber": updated.Number,
		"amount":            updated.Amount,
		"currency":          updated.Currency,
		"reason":            reason,
	}
	if user, err := e.Store.GetUser(ctx, updated.UserID); err == nil {
		payload["email"] = user.Email
		payload["name"] = user.Name
	}
	e.record(context.WithoutCancel(ctx), events.TopicPaymentFailed, updated, payload)
	return updated, true, nil
}

// Get returns the caller's transaction with its effective status.
func (e *Engine) Get(ctx context.Context, id, userID uuid.UUID) (ledger.Transaction, error) {
	txn, err := e.load(ctx, id, userID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	txn.Status = txn.EffectiveStatus(e.now())
	return txn, nil
}

func (e *Engine) load(ctx context.Context, id, userID uuid.UUID) (ledger.Transaction, error) {
	txn, err := e.Store.GetTransaction(ctx, id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return ledger.Transaction{}, notFoundError()
		}
		return ledger.Transaction{}, fmt.Errorf("billing: load transaction: %w", err)
	}
	if userID != uuid.Nil && txn.UserID != userID {
		return ledger.Transaction{}, notFoundError()
	}
	return txn, nil
}

func (e *Engine) record(ctx context.Context, topic string, txn ledger.Transaction, payload map[string]any) {
	if e.Activity == nil {
		return
	}
	if _, err := e.Activity.Emit(ctx, topic, txn.ID, txn.UserID, payload); err != nil {
		e.Logger.Warn().Err(err).
			Str("topic", topic).
			Str("transaction_id", txn.ID.String()).
			Msg("payment_activity_failed")
	}
}

func (e *Engine) securityWarning(txn ledger.Transaction, reason string) {
	e.Logger.Warn().
		Bool("security_event", true).
		Str("transaction_id", txn.ID.String()).
		Str("provider", txn.Provider).
		Str("reason", reason).
		Msg("payment_verification_rejected")
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrGateway):
		return "gateway_error"
	case errors.Is(err, ErrVerificationFailed):
		return "unverified"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	}
	if _, ok := common.AsAppError(err); ok {
		return "rejected"
	}
	return "error"
}
