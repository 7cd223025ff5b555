package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/paycore/internal/ledger"
	"github.com/noah-isme/paycore/internal/obs"
	"github.com/noah-isme/paycore/internal/payment"
)

var tracer = otel.Tracer("github.com/noah-isme/paycore/internal/webhook")

// Store is the persistence the processor needs.
type Store interface {
	ledger.WebhookStore
	FindByProviderOrder(ctx context.Context, provider, orderID string) (ledger.Transaction, error)
}

// Completer applies gateway outcomes to transactions.
type Completer interface {
	CompleteFromWebhook(ctx context.Context, txn ledger.Transaction, evt payment.WebhookEvent) (ledger.Transaction, bool, error)
	Fail(ctx context.Context, txn ledger.Transaction, reason string, data json.RawMessage) (ledger.Transaction, bool, error)
}

// Delivery is one inbound gateway callback.
type Delivery struct {
	Provider string
	Payload  []byte
	Header   http.Header
}

// Result describes what happened to a delivery.
type Result struct {
	WebhookID     uuid.UUID
	Status        ledger.WebhookStatus
	Duplicate     bool
	TransactionID *uuid.UUID
	Changed       bool
	Message       string
}

// Processor verifies, deduplicates and applies payment webhooks. Every
// delivery is persisted before it is inspected.
type Processor struct {
	Store     Store
	Providers *payment.Registry
	Engine    Completer
	Replay    ReplayGuard
	ReplayTTL time.Duration
	Logger    zerolog.Logger
	Now       func() time.Time
}

func (p *Processor) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

// Process handles one delivery. It returns an error only when the provider is
// unknown or the receipt could not be persisted; every other outcome is
// recorded on the webhook row.
func (p *Processor) Process(ctx context.Context, d Delivery) (Result, error) {
	provider, err := p.Providers.Get(d.Provider)
	if err != nil {
		return Result{}, err
	}
	ctx, span := tracer.Start(ctx, "Webhook.Process", trace.WithAttributes(attribute.String("payment.provider", provider.Name())))
	defer span.End()

	signature := ""
	if header := provider.SignatureHeader(); header != "" {
		signature = d.Header.Get(header)
	}
	wh, err := p.Store.InsertWebhook(ctx, ledger.Webhook{
		ID:         uuid.New(),
		Provider:   provider.Name(),
		Payload:    rawPayload(d.Payload),
		Signature:  signature,
		Status:     ledger.WebhookReceived,
		ReceivedAt: p.now(),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist webhook")
		obs.CountWebhook(provider.Name(), "persist_error")
		return Result{}, fmt.Errorf("webhook: persist receipt: %w", err)
	}

	res := p.handle(ctx, provider, wh, d.Payload, signature)
	span.SetAttributes(attribute.String("webhook.status", string(res.Status)), attribute.Bool("webhook.duplicate", res.Duplicate))
	if res.Status == ledger.WebhookFailed {
		span.SetStatus(codes.Error, res.Message)
	}
	return res, nil
}

func (p *Processor) handle(ctx context.Context, provider payment.Provider, wh ledger.Webhook, payload []byte, signature string) Result {
	name := provider.Name()
	res := Result{WebhookID: wh.ID}

	if !provider.VerifyWebhookSignature(payload, signature) {
		p.Logger.Warn().
			Bool("security_event", true).
			Str("provider", name).
			Str("webhook_id", wh.ID.String()).
			Msg("webhook signature rejected")
		obs.CountWebhook(name, "invalid_signature")
		return p.finish(ctx, res, ledger.WebhookUpdate{ID: wh.ID, Status: ledger.WebhookFailed, ErrorMessage: "invalid signature"})
	}
	if err := p.Store.UpdateWebhook(ctx, ledger.WebhookUpdate{ID: wh.ID, Status: ledger.WebhookVerified, SignatureValid: true}); err != nil {
		p.Logger.Error().Err(err).Str("webhook_id", wh.ID.String()).Msg("mark webhook verified failed")
	}

	evt, err := provider.ProcessWebhook(payload)
	if err != nil {
		obs.CountWebhook(name, "malformed")
		return p.finish(ctx, res, ledger.WebhookUpdate{ID: wh.ID, Status: ledger.WebhookFailed, SignatureValid: true, ErrorMessage: truncate("malformed payload: "+err.Error(), 500)})
	}
	upd := ledger.WebhookUpdate{ID: wh.ID, SignatureValid: true, EventID: evt.EventID, EventType: evt.EventType}

	guardKey := p.guardKey(name, evt, payload)
	acquired, holder, err := p.acquire(ctx, guardKey, wh.ID)
	if err != nil {
		// the guard is an optimisation; completion is idempotent on its own
		p.Logger.Warn().Err(err).Str("webhook_id", wh.ID.String()).Msg("webhook replay guard unavailable")
		acquired = true
		guardKey = ""
	}
	if !acquired {
		p.Logger.Info().
			Str("provider", name).
			Str("webhook_id", wh.ID.String()).
			Str("claimed_by", holder).
			Str("event_id", evt.EventID).
			Msg("webhook redelivery short-circuited")
		obs.CountWebhook(name, "duplicate")
		res.Duplicate = true
		upd.Status = ledger.WebhookProcessed
		upd.ErrorMessage = "duplicate delivery"
		return p.finish(ctx, res, upd)
	}

	txnID, changed, err := p.apply(ctx, name, evt)
	upd.TransactionID = txnID
	res.TransactionID = txnID
	res.Changed = changed
	if err != nil {
		p.release(ctx, guardKey, wh.ID)
		obs.CountWebhook(name, "failed")
		upd.Status = ledger.WebhookFailed
		upd.ErrorMessage = truncate(err.Error(), 500)
		return p.finish(ctx, res, upd)
	}
	obs.CountWebhook(name, string(evt.Action))
	upd.Status = ledger.WebhookProcessed
	return p.finish(ctx, res, upd)
}

var (
	errTransactionNotFound = errors.New("transaction not found")
	errAmountMismatch      = errors.New("amount mismatch")
)

func (p *Processor) apply(ctx context.Context, provider string, evt payment.WebhookEvent) (*uuid.UUID, bool, error) {
	if evt.Action != payment.ActionCaptured && evt.Action != payment.ActionFailed {
		return nil, false, nil
	}
	txn, err := p.Store.FindByProviderOrder(ctx, provider, evt.OrderID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, false, errTransactionNotFound
		}
		return nil, false, err
	}
	id := txn.ID
	switch evt.Action {
	case payment.ActionCaptured:
		if evt.Amount > 0 && evt.Amount != txn.Amount {
			p.Logger.Warn().
				Bool("security_event", true).
				Str("transaction_id", txn.ID.String()).
				Int64("expected", txn.Amount).
				Int64("received", evt.Amount).
				Msg("webhook amount mismatch")
			return &id, false, errAmountMismatch
		}
		_, changed, err := p.Engine.CompleteFromWebhook(ctx, txn, evt)
		return &id, changed, err
	default:
		_, changed, err := p.Engine.Fail(ctx, txn, "gateway reported "+evt.Status, evt.Data)
		return &id, changed, err
	}
}

func (p *Processor) finish(ctx context.Context, res Result, upd ledger.WebhookUpdate) Result {
	processed := p.now()
	upd.ProcessedAt = &processed
	if err := p.Store.UpdateWebhook(ctx, upd); err != nil {
		p.Logger.Error().Err(err).Str("webhook_id", upd.ID.String()).Msg("update webhook status failed")
	}
	res.Status = upd.Status
	res.Message = upd.ErrorMessage
	return res
}

func (p *Processor) guardKey(provider string, evt payment.WebhookEvent, payload []byte) string {
	id := strings.TrimSpace(evt.EventID)
	if id == "" {
		id = payloadDigest(payload)
	}
	return provider + ":" + id
}

func (p *Processor) acquire(ctx context.Context, key string, owner uuid.UUID) (bool, string, error) {
	if p.Replay == nil {
		return true, "", nil
	}
	ttl := p.ReplayTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return p.Replay.Claim(ctx, key, owner, ttl)
}

func (p *Processor) release(ctx context.Context, key string, owner uuid.UUID) {
	if p.Replay == nil || key == "" {
		return
	}
	if err := p.Replay.Release(context.WithoutCancel(ctx), key, owner); err != nil {
		p.Logger.Warn().Err(err).Str("key", key).Msg("release webhook replay guard failed")
	}
}

func rawPayload(payload []byte) json.RawMessage {
	if json.Valid(payload) {
		return append(json.RawMessage(nil), payload...)
	}
	encoded, _ := json.Marshal(string(payload))
	return encoded
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// payloadDigest keys deliveries that carry no event id.
func payloadDigest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
