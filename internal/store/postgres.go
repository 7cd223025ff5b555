package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noah-isme/paycore/internal/billing"
	"github.com/noah-isme/paycore/internal/events"
	"github.com/noah-isme/paycore/internal/ledger"
	"github.com/noah-isme/paycore/internal/payables"
	"github.com/noah-isme/paycore/internal/pricing"
)

// ErrStoreUnavailable indicates the database pool is not configured.
var ErrStoreUnavailable = errors.New("store: database unavailable")

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres implements the payment stores on a pgx pool.
type Postgres struct {
	queries
	pool *pgxpool.Pool
}

// NewPostgres wraps pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{queries: queries{db: pool}, pool: pool}
}

// InTx runs fn inside a READ COMMITTED transaction. The conditional updates
// make the completion race safe at that level.
func (p *Postgres) InTx(ctx context.Context, fn func(tx billing.Tx) error) error {
	if p == nil || p.pool == nil {
		return ErrStoreUnavailable
	}
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(context.Background()) }()
	if err := fn(queries{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

type queries struct {
	db querier
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ledger.ErrDuplicate, pgErr.ConstraintName)
	}
	return err
}

const transactionColumns = `id, transaction_number, user_id, reference_type, reference_id, amount, currency,
description, breakdown, items, metadata, status, failure_reason, provider, provider_order_id,
provider_payment_id, provider_order_data, provider_payment_data, initiated_at, expires_at,
completed_at, updated_at`

func scanTransaction(row pgx.Row) (ledger.Transaction, error) {
	var (
		txn                                ledger.Transaction
		breakdown, items                   []byte
		orderID, paymentID, failure, descr *string
		completedAt                        *time.Time
	)
	err := row.Scan(&txn.ID, &txn.Number, &txn.UserID, &txn.ReferenceType, &txn.ReferenceID, &txn.Amount, &txn.Currency,
		&descr, &breakdown, &items, &txn.Metadata, &txn.Status, &failure, &txn.Provider, &orderID,
		&paymentID, &txn.ProviderOrderData, &txn.ProviderPaymentData, &txn.InitiatedAt, &txn.ExpiresAt,
		&completedAt, &txn.UpdatedAt)
	if err != nil {
		return ledger.Transaction{}, mapErr(err)
	}
	if err := json.Unmarshal(breakdown, &txn.Breakdown); err != nil {
		return ledger.Transaction{}, fmt.Errorf("store: decode breakdown: %w", err)
	}
	if len(items) > 0 {
		if err := json.Unmarshal(items, &txn.Items); err != nil {
			return ledger.Transaction{}, fmt.Errorf("store: decode items: %w", err)
		}
	}
	txn.Description = deref(descr)
	txn.FailureReason = deref(failure)
	txn.ProviderOrderID = deref(orderID)
	txn.ProviderPaymentID = deref(paymentID)
	txn.CompletedAt = completedAt
	return txn, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func rawOrNil(v json.RawMessage) any {
	if len(v) == 0 {
		return nil
	}
	return []byte(v)
}

func (q queries) CreateTransaction(ctx context.Context, txn ledger.Transaction) (ledger.Transaction, error) {
	breakdown, err := json.Marshal(txn.Breakdown)
	if err != nil {
		return ledger.Transaction{}, err
	}
	items, err := json.Marshal(txn.Items)
	if err != nil {
		return ledger.Transaction{}, err
	}
	row := q.db.QueryRow(ctx, `INSERT INTO payment_transactions (id, transaction_number, user_id, reference_type,
reference_id, amount, currency, description, breakdown, items, metadata, status, provider, initiated_at, expires_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $14)
RETURNING `+transactionColumns,
		txn.ID, txn.Number, txn.UserID, txn.ReferenceType, txn.ReferenceID, txn.Amount, txn.Currency,
		nullable(txn.Description), breakdown, items, rawOrNil(txn.Metadata), txn.Status, txn.Provider,
		txn.InitiatedAt, txn.ExpiresAt)
	return scanTransaction(row)
}

func (q queries) GetTransaction(ctx context.Context, id uuid.UUID) (ledger.Transaction, error) {
	return scanTransaction(q.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM payment_transactions WHERE id = $1`, id))
}

func (q queries) FindByProviderOrder(ctx context.Context, provider, orderID string) (ledger.Transaction, error) {
	return scanTransaction(q.db.QueryRow(ctx, `SELECT `+transactionColumns+`
FROM payment_transactions WHERE provider = $1 AND provider_order_id = $2`, provider, orderID))
}

func (q queries) AttachProviderOrder(ctx context.Context, id uuid.UUID, provider, orderID string, data json.RawMessage, expiresAt time.Time) (ledger.Transaction, error) {
	return scanTransaction(q.db.QueryRow(ctx, `UPDATE payment_transactions
SET provider = $2, provider_order_id = $3, provider_order_data = $4,
    expires_at = COALESCE($5, expires_at), updated_at = now()
WHERE id = $1
RETURNING `+transactionColumns, id, provider, orderID, rawOrNil(data), nullableTime(expiresAt)))
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// CompleteTransaction flips PENDING to COMPLETED. When no row matches the
// guard the current row is returned with changed=false.
func (q queries) CompleteTransaction(ctx context.Context, c ledger.Completion) (ledger.Transaction, bool, error) {
	txn, err := scanTransaction(q.db.QueryRow(ctx, `UPDATE payment_transactions
SET status = 'COMPLETED', provider_payment_id = $2, provider_payment_data = $3,
    completed_at = $4, updated_at = now()
WHERE id = $1 AND status = 'PENDING'
RETURNING `+transactionColumns, c.TransactionID, nullable(c.ProviderPaymentID), rawOrNil(c.PaymentData), c.CompletedAt.UTC()))
	if errors.Is(err, ledger.ErrNotFound) {
		current, err := q.GetTransaction(ctx, c.TransactionID)
		return current, false, err
	}
	if err != nil {
		return ledger.Transaction{}, false, err
	}
	return txn, true, nil
}

func (q queries) FailTransaction(ctx context.Context, id uuid.UUID, reason string, data json.RawMessage) (ledger.Transaction, bool, error) {
	txn, err := scanTransaction(q.db.QueryRow(ctx, `UPDATE payment_transactions
SET status = 'FAILED', failure_reason = $2,
    provider_payment_data = COALESCE($3, provider_payment_data), updated_at = now()
WHERE id = $1 AND status = 'PENDING'
RETURNING `+transactionColumns, id, nullable(reason), rawOrNil(data)))
	if errors.Is(err, ledger.ErrNotFound) {
		current, err := q.GetTransaction(ctx, id)
		return current, false, err
	}
	if err != nil {
		return ledger.Transaction{}, false, err
	}
	return txn, true, nil
}

// Webhooks.

func (q queries) InsertWebhook(ctx context.Context, wh ledger.Webhook) (ledger.Webhook, error) {
	if wh.ID == uuid.Nil {
		wh.ID = uuid.New()
	}
	if wh.Status == "" {
		wh.Status = ledger.WebhookReceived
	}
	err := q.db.QueryRow(ctx, `INSERT INTO payment_webhooks (id, provider, event_id, event_type, payload, signature,
signature_valid, status) VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING received_at`,
		wh.ID, wh.Provider, nullable(wh.EventID), nullable(wh.EventType), []byte(wh.Payload), nullable(wh.Signature),
		wh.SignatureValid, wh.Status).Scan(&wh.ReceivedAt)
	if err != nil {
		return ledger.Webhook{}, mapErr(err)
	}
	return wh, nil
}

func (q queries) UpdateWebhook(ctx context.Context, upd ledger.WebhookUpdate) error {
	tag, err := q.db.Exec(ctx, `UPDATE payment_webhooks
SET status = $2, signature_valid = $3, event_id = COALESCE($4, event_id), event_type = COALESCE($5, event_type),
    transaction_id = COALESCE($6, transaction_id), error_message = $7, processed_at = $8
WHERE id = $1`, upd.ID, upd.Status, upd.SignatureValid, nullable(upd.EventID), nullable(upd.EventType),
		upd.TransactionID, nullable(upd.ErrorMessage), upd.ProcessedAt)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

// Invoices.

const invoiceColumns = `id, invoice_number, transaction_id, document, rendered_url, rendered_at,
email_sent_to, email_sent_at, email_send_count, created_at, updated_at`

func scanInvoice(row pgx.Row) (ledger.Invoice, error) {
	var (
		inv             ledger.Invoice
		rendered, email *string
	)
	err := row.Scan(&inv.ID, &inv.Number, &inv.TransactionID, &inv.Document, &rendered, &inv.RenderedAt,
		&email, &inv.EmailSentAt, &inv.EmailSendCount, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return ledger.Invoice{}, mapErr(err)
	}
	inv.RenderedURL = deref(rendered)
	inv.EmailSentTo = deref(email)
	return inv, nil
}

// CreateInvoiceIfAbsent relies on the unique transaction_id constraint; on
// conflict the existing row is loaded.
func (q queries) CreateInvoiceIfAbsent(ctx context.Context, inv ledger.Invoice) (ledger.Invoice, bool, error) {
	created, err := scanInvoice(q.db.QueryRow(ctx, `INSERT INTO payment_invoices (id, invoice_number, transaction_id, document)
VALUES ($1, $2, $3, $4)
ON CONFLICT (transaction_id) DO NOTHING
RETURNING `+invoiceColumns, inv.ID, inv.Number, inv.TransactionID, []byte(inv.Document)))
	if errors.Is(err, ledger.ErrNotFound) {
		existing, err := q.GetInvoiceByTransaction(ctx, inv.TransactionID)
		return existing, false, err
	}
	if err != nil {
		return ledger.Invoice{}, false, err
	}
	return created, true, nil
}

func (q queries) GetInvoice(ctx context.Context, id uuid.UUID) (ledger.Invoice, error) {
	return scanInvoice(q.db.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM payment_invoices WHERE id = $1`, id))
}

func (q queries) GetInvoiceByTransaction(ctx context.Context, transactionID uuid.UUID) (ledger.Invoice, error) {
	return scanInvoice(q.db.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM payment_invoices WHERE transaction_id = $1`, transactionID))
}

func (q queries) SetInvoiceRendered(ctx context.Context, id uuid.UUID, location string, at time.Time) (ledger.Invoice, error) {
	return scanInvoice(q.db.QueryRow(ctx, `UPDATE payment_invoices
SET rendered_url = $2, rendered_at = $3, updated_at = now()
WHERE id = $1 RETURNING `+invoiceColumns, id, location, at.UTC()))
}

func (q queries) RecordInvoiceEmail(ctx context.Context, id uuid.UUID, to string, at time.Time) (ledger.Invoice, error) {
	return scanInvoice(q.db.QueryRow(ctx, `UPDATE payment_invoices
SET email_sent_to = $2, email_sent_at = $3, email_send_count = email_send_count + 1, updated_at = now()
WHERE id = $1 RETURNING `+invoiceColumns, id, to, at.UTC()))
}

func (q queries) InsertActivity(ctx context.Context, a events.Activity) (events.Activity, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	var userID *uuid.UUID
	if a.UserID != uuid.Nil {
		userID = &a.UserID
	}
	_, err := q.db.Exec(ctx, `INSERT INTO payment_activity (id, topic, transaction_id, user_id, payload, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6)`, a.ID, a.Topic, a.TransactionID, userID, []byte(a.Payload), a.OccurredAt)
	if err != nil {
		return events.Activity{}, mapErr(err)
	}
	return a, nil
}

// Reference lookups.

func (q queries) GetUser(ctx context.Context, id uuid.UUID) (payables.User, error) {
	var (
		u            payables.User
		phone, batch *string
	)
	err := q.db.QueryRow(ctx, `SELECT id, name, email, phone, batch FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Name, &u.Email, &phone, &batch)
	if err != nil {
		return payables.User{}, mapErr(err)
	}
	u.Phone = deref(phone)
	u.Batch = deref(batch)
	return u, nil
}

func (q queries) GetEvent(ctx context.Context, id uuid.UUID) (payables.Event, error) {
	var (
		e     payables.Event
		venue *string
	)
	err := q.db.QueryRow(ctx, `SELECT id, title, venue, status, starts_at, registration_opens_at, registration_closes_at,
capacity, registration_fee, guest_fee, accepts_donations FROM events WHERE id = $1`, id).
		Scan(&e.ID, &e.Title, &venue, &e.Status, &e.StartsAt, &e.RegistrationOpensAt, &e.RegistrationClosesAt,
			&e.Capacity, &e.RegistrationFee, &e.GuestFee, &e.AcceptsDonations)
	if err != nil {
		return payables.Event{}, mapErr(err)
	}
	e.Venue = deref(venue)
	return e, nil
}

const registrationColumns = `id, event_id, user_id, guests, status, payment_status, access_code, transaction_id, created_at`

func scanRegistration(row pgx.Row) (payables.Registration, error) {
	var (
		r      payables.Registration
		guests []byte
		code   *string
	)
	if err := row.Scan(&r.ID, &r.EventID, &r.UserID, &guests, &r.Status, &r.PaymentStatus, &code, &r.TransactionID, &r.CreatedAt); err != nil {
		return payables.Registration{}, mapErr(err)
	}
	if len(guests) > 0 {
		if err := json.Unmarshal(guests, &r.Guests); err != nil {
			return payables.Registration{}, fmt.Errorf("store: decode guests: %w", err)
		}
	}
	r.AccessCode = deref(code)
	return r, nil
}

func (q queries) GetRegistration(ctx context.Context, id uuid.UUID) (payables.Registration, error) {
	return scanRegistration(q.db.QueryRow(ctx, `SELECT `+registrationColumns+` FROM event_registrations WHERE id = $1`, id))
}

func (q queries) FindRegistration(ctx context.Context, eventID, userID uuid.UUID) (payables.Registration, error) {
	return scanRegistration(q.db.QueryRow(ctx, `SELECT `+registrationColumns+` FROM event_registrations
WHERE event_id = $1 AND user_id = $2
ORDER BY (status = 'CANCELLED'), created_at DESC LIMIT 1`, eventID, userID))
}

func (q queries) CountReservedSeats(ctx context.Context, eventID uuid.UUID) (int, error) {
	var seats int
	err := q.db.QueryRow(ctx, `SELECT COALESCE(SUM(1 + jsonb_array_length(guests)), 0)
FROM event_registrations WHERE event_id = $1 AND status <> 'CANCELLED'`, eventID).Scan(&seats)
	return seats, mapErr(err)
}

func (q queries) ListPendingMerchandise(ctx context.Context, registrationID uuid.UUID) ([]payables.MerchandiseLine, error) {
	rows, err := q.db.Query(ctx, `SELECT rm.id, rm.registration_id, rm.item_id, mi.name, rm.quantity, rm.unit_price, rm.status
FROM registration_merchandise rm JOIN merchandise_items mi ON mi.id = rm.item_id
WHERE rm.registration_id = $1 AND rm.status = 'PENDING' ORDER BY rm.id`, registrationID)
	if err != nil {
		return nil, mapErr(err)
	}
	return collectMerchandise(rows)
}

func collectMerchandise(rows pgx.Rows) ([]payables.MerchandiseLine, error) {
	defer rows.Close()
	var out []payables.MerchandiseLine
	for rows.Next() {
		var l payables.MerchandiseLine
		if err := rows.Scan(&l.ID, &l.RegistrationID, &l.ItemID, &l.Name, &l.Quantity, &l.UnitPrice, &l.Status); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (q queries) ListCart(ctx context.Context, userID uuid.UUID) ([]payables.CartLine, error) {
	rows, err := q.db.Query(ctx, `SELECT mi.id, mi.name, ci.quantity, mi.price, mi.stock, mi.active
FROM cart_items ci JOIN merchandise_items mi ON mi.id = ci.item_id
WHERE ci.user_id = $1 ORDER BY ci.created_at, mi.id`, userID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	out := []payables.CartLine{}
	for rows.Next() {
		var l payables.CartLine
		if err := rows.Scan(&l.ItemID, &l.Name, &l.Quantity, &l.UnitPrice, &l.Stock, &l.Active); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// MembershipFee resolves the fee from the user's batch.
func (q queries) MembershipFee(ctx context.Context, userID uuid.UUID) (pricing.Money, error) {
	var fee pricing.Money
	err := q.db.QueryRow(ctx, `SELECT mf.fee FROM users u JOIN membership_fees mf ON mf.batch = u.batch
WHERE u.id = $1`, userID).Scan(&fee)
	return fee, mapErr(err)
}

func (q queries) GetPaymentRequest(ctx context.Context, id uuid.UUID) (payables.PaymentRequest, error) {
	var pr payables.PaymentRequest
	err := q.db.QueryRow(ctx, `SELECT id, user_id, subscription_id, plan_id, kind, status, amount, billing_cycle
FROM payment_requests WHERE id = $1`, id).
		Scan(&pr.ID, &pr.UserID, &pr.SubscriptionID, &pr.PlanID, &pr.Kind, &pr.Status, &pr.Amount, &pr.BillingCycle)
	return pr, mapErr(err)
}

func (q queries) GetPlan(ctx context.Context, id uuid.UUID) (payables.Plan, error) {
	var p payables.Plan
	err := q.db.QueryRow(ctx, `SELECT id, name, monthly_price, yearly_price, active FROM subscription_plans WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.MonthlyPrice, &p.YearlyPrice, &p.Active)
	return p, mapErr(err)
}

func (q queries) GetSubscription(ctx context.Context, id uuid.UUID) (payables.Subscription, error) {
	var s payables.Subscription
	err := q.db.QueryRow(ctx, `SELECT id, user_id, plan_id, billing_cycle, status, current_period_end, transaction_id
FROM subscriptions WHERE id = $1`, id).
		Scan(&s.ID, &s.UserID, &s.PlanID, &s.BillingCycle, &s.Status, &s.CurrentPeriodEnd, &s.TransactionID)
	return s, mapErr(err)
}

// Completion mutations.

func (q queries) ConfirmRegistration(ctx context.Context, registrationID, transactionID uuid.UUID) error {
	tag, err := q.db.Exec(ctx, `UPDATE event_registrations
SET status = 'CONFIRMED', payment_status = 'PAID', transaction_id = $2
WHERE id = $1`, registrationID, transactionID)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func (q queries) CreateRegistration(ctx context.Context, reg payables.Registration) (payables.Registration, error) {
	if reg.ID == uuid.Nil {
		reg.ID = uuid.New()
	}
	guests := reg.Guests
	if guests == nil {
		guests = []payables.Guest{}
	}
	encoded, err := json.Marshal(guests)
	if err != nil {
		return payables.Registration{}, err
	}
	return scanRegistration(q.db.QueryRow(ctx, `INSERT INTO event_registrations (id, event_id, user_id, guests, status,
payment_status, transaction_id) VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING `+registrationColumns, reg.ID, reg.EventID, reg.UserID, encoded, reg.Status, reg.PaymentStatus, reg.TransactionID))
}

func (q queries) MarkMerchandisePaid(ctx context.Context, registrationID, transactionID uuid.UUID, lineIDs []uuid.UUID) ([]payables.MerchandiseLine, error) {
	ids := make([]string, len(lineIDs))
	for i, id := range lineIDs {
		ids[i] = id.String()
	}
	rows, err := q.db.Query(ctx, `UPDATE registration_merchandise rm
SET status = 'PAID', transaction_id = $2
FROM merchandise_items mi
WHERE mi.id = rm.item_id AND rm.registration_id = $1 AND rm.status = 'PENDING' AND rm.id = ANY($3::uuid[])
RETURNING rm.id, rm.registration_id, rm.item_id, mi.name, rm.quantity, rm.unit_price, rm.status`, registrationID, transactionID, ids)
	if err != nil {
		return nil, mapErr(err)
	}
	return collectMerchandise(rows)
}

// DecrementStock locks the item row so concurrent completions serialise.
func (q queries) DecrementStock(ctx context.Context, itemID uuid.UUID, qty int) (int, error) {
	var stock int
	if err := q.db.QueryRow(ctx, `SELECT stock FROM merchandise_items WHERE id = $1 FOR UPDATE`, itemID).Scan(&stock); err != nil {
		return 0, mapErr(err)
	}
	shortfall := 0
	next := stock - qty
	if next < 0 {
		shortfall = -next
		next = 0
	}
	if _, err := q.db.Exec(ctx, `UPDATE merchandise_items SET stock = $2 WHERE id = $1`, itemID, next); err != nil {
		return 0, mapErr(err)
	}
	return shortfall, nil
}

func (q queries) CreateMerchandiseOrder(ctx context.Context, userID, transactionID uuid.UUID, lines []payables.CartLine) error {
	encoded, err := json.Marshal(lines)
	if err != nil {
		return err
	}
	_, err = q.db.Exec(ctx, `INSERT INTO merchandise_orders (id, user_id, transaction_id, lines) VALUES ($1, $2, $3, $4)`,
		uuid.New(), userID, transactionID, encoded)
	return mapErr(err)
}

func (q queries) RemoveFromCart(ctx context.Context, userID uuid.UUID, paid []payables.CartLine) error {
	for _, l := range paid {
		// quantity is CHECKed positive, so fully paid lines are deleted rather than zeroed
		if _, err := q.db.Exec(ctx, `DELETE FROM cart_items WHERE user_id = $1 AND item_id = $2 AND quantity <= $3`,
			userID, l.ItemID, l.Quantity); err != nil {
			return mapErr(err)
		}
		if _, err := q.db.Exec(ctx, `UPDATE cart_items SET quantity = quantity - $3 WHERE user_id = $1 AND item_id = $2`,
			userID, l.ItemID, l.Quantity); err != nil {
			return mapErr(err)
		}
	}
	return nil
}

func (q queries) ActivateMembership(ctx context.Context, userID, transactionID uuid.UUID, validUntil time.Time) error {
	_, err := q.db.Exec(ctx, `INSERT INTO memberships (user_id, valid_until, transaction_id) VALUES ($1, $2, $3)
ON CONFLICT (user_id) DO UPDATE SET valid_until = EXCLUDED.valid_until, transaction_id = EXCLUDED.transaction_id`,
		userID, validUntil.UTC(), transactionID)
	return mapErr(err)
}

func (q queries) RecordDonation(ctx context.Context, d payables.Donation) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	_, err := q.db.Exec(ctx, `INSERT INTO donations (id, event_id, user_id, transaction_id, amount) VALUES ($1, $2, $3, $4, $5)`,
		d.ID, d.EventID, d.UserID, d.TransactionID, d.Amount)
	return mapErr(err)
}

func (q queries) ConsumePaymentRequest(ctx context.Context, id, transactionID uuid.UUID) (bool, error) {
	tag, err := q.db.Exec(ctx, `UPDATE payment_requests SET status = 'PAID', transaction_id = $2
WHERE id = $1 AND status = 'APPROVED'`, id, transactionID)
	if err != nil {
		return false, mapErr(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (q queries) UpdateSubscription(ctx context.Context, sub payables.Subscription) error {
	tag, err := q.db.Exec(ctx, `UPDATE subscriptions
SET plan_id = $2, billing_cycle = $3, status = $4, current_period_end = $5, transaction_id = $6
WHERE id = $1`, sub.ID, sub.PlanID, sub.BillingCycle, sub.Status, sub.CurrentPeriodEnd.UTC(), sub.TransactionID)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func (q queries) CreateSubscription(ctx context.Context, sub payables.Subscription) (payables.Subscription, error) {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	_, err := q.db.Exec(ctx, `INSERT INTO subscriptions (id, user_id, plan_id, billing_cycle, status, current_period_end, transaction_id)
VALUES ($1, $2, $3, $4, $5, $6, $7)`, sub.ID, sub.UserID, sub.PlanID, sub.BillingCycle, sub.Status, sub.CurrentPeriodEnd.UTC(), sub.TransactionID)
	if err != nil {
		return payables.Subscription{}, mapErr(err)
	}
	return sub, nil
}

// IssueAccessCode sets the code only when none is stored and returns the stored value.
func (q queries) IssueAccessCode(ctx context.Context, registrationID uuid.UUID, code string) (string, error) {
	var stored string
	err := q.db.QueryRow(ctx, `UPDATE event_registrations
SET access_code = COALESCE(access_code, $2)
WHERE id = $1 RETURNING access_code`, registrationID, code).Scan(&stored)
	return stored, mapErr(err)
}

var (
	_ billing.Store             = (*Postgres)(nil)
	_ billing.Tx                = queries{}
	_ ledger.WebhookStore       = (*Postgres)(nil)
	_ ledger.InvoiceStore       = (*Postgres)(nil)
	_ events.ActivityStore      = (*Postgres)(nil)
	_ payables.AccessCodeIssuer = (*Postgres)(nil)
)
