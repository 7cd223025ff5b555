package store

import (
	"context"
	"encoding/json"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/paycore/internal/billing"
	"github.com/noah-isme/paycore/internal/events"
	"github.com/noah-isme/paycore/internal/ledger"
	"github.com/noah-isme/paycore/internal/payables"
	"github.com/noah-isme/paycore/internal/pricing"
)

// MerchandiseItem is a sellable item with tracked stock.
type MerchandiseItem struct {
	ID     uuid.UUID
	Name   string
	Price  pricing.Money
	Stock  int
	Active bool
}

// CartEntry is one line of a user's merchandise cart.
type CartEntry struct {
	ItemID   uuid.UUID
	Quantity int
}

// MembershipRecord holds a user's membership fee and activation.
type MembershipRecord struct {
	UserID        uuid.UUID
	Fee           pricing.Money
	ValidUntil    *time.Time
	TransactionID *uuid.UUID
}

// MerchandiseOrder is the order created when a merchandise cart is paid.
type MerchandiseOrder struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	TransactionID uuid.UUID
	Lines         []payables.CartLine
	CreatedAt     time.Time
}

type state struct {
	now func() time.Time

	transactions  map[uuid.UUID]ledger.Transaction
	webhooks      map[uuid.UUID]ledger.Webhook
	invoices      map[uuid.UUID]ledger.Invoice
	activity      []events.Activity
	users         map[uuid.UUID]payables.User
	memberships   map[uuid.UUID]MembershipRecord
	events        map[uuid.UUID]payables.Event
	registrations map[uuid.UUID]payables.Registration
	merchandise   map[uuid.UUID]payables.MerchandiseLine
	items         map[uuid.UUID]MerchandiseItem
	carts         map[uuid.UUID][]CartEntry
	orders        []MerchandiseOrder
	donations     []payables.Donation
	requests      map[uuid.UUID]payables.PaymentRequest
	plans         map[uuid.UUID]payables.Plan
	subscriptions map[uuid.UUID]payables.Subscription
}

func newState(now func() time.Time) *state {
	return &state{
		now:           now,
		transactions:  map[uuid.UUID]ledger.Transaction{},
		webhooks:      map[uuid.UUID]ledger.Webhook{},
		invoices:      map[uuid.UUID]ledger.Invoice{},
		users:         map[uuid.UUID]payables.User{},
		memberships:   map[uuid.UUID]MembershipRecord{},
		events:        map[uuid.UUID]payables.Event{},
		registrations: map[uuid.UUID]payables.Registration{},
		merchandise:   map[uuid.UUID]payables.MerchandiseLine{},
		items:         map[uuid.UUID]MerchandiseItem{},
		carts:         map[uuid.UUID][]CartEntry{},
		requests:      map[uuid.UUID]payables.PaymentRequest{},
		plans:         map[uuid.UUID]payables.Plan{},
		subscriptions: map[uuid.UUID]payables.Subscription{},
	}
}

// clone copies every table. Row values are replaced wholesale on write, so a
// shallow copy per map is enough to isolate an uncommitted InTx.
func (s *state) clone() *state {
	return &state{
		now:           s.now,
		transactions:  maps.Clone(s.transactions),
		webhooks:      maps.Clone(s.webhooks),
		invoices:      maps.Clone(s.invoices),
		activity:      slices.Clone(s.activity),
		users:         maps.Clone(s.users),
		memberships:   maps.Clone(s.memberships),
		events:        maps.Clone(s.events),
		registrations: maps.Clone(s.registrations),
		merchandise:   maps.Clone(s.merchandise),
		items:         maps.Clone(s.items),
		carts:         maps.Clone(s.carts),
		orders:        slices.Clone(s.orders),
		donations:     slices.Clone(s.donations),
		requests:      maps.Clone(s.requests),
		plans:         maps.Clone(s.plans),
		subscriptions: maps.Clone(s.subscriptions),
	}
}

func (s *state) stamp() time.Time { return s.now().UTC() }

// Memory is an in-process Store with the same transition semantics as Postgres.
// It backs tests and STORAGE_DRIVER=memory.
type Memory struct {
	mu sync.Mutex
	s  *state
}

// NewMemory returns an empty store. now defaults to time.Now.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{s: newState(now)}
}

// InTx serialises fn against a private copy that is only published when fn succeeds.
func (m *Memory) InTx(ctx context.Context, fn func(tx billing.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	work := m.s.clone()
	if err := fn(work); err != nil {
		return err
	}
	m.s = work
	return nil
}

func withState[T any](m *Memory, fn func(s *state) (T, error)) (T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.s)
}

// Seed helpers.

func (m *Memory) PutUser(u payables.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.users[u.ID] = u
}

func (m *Memory) PutMembershipFee(userID uuid.UUID, fee pricing.Money) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.s.memberships[userID]
	rec.UserID = userID
	rec.Fee = fee
	m.s.memberships[userID] = rec
}

func (m *Memory) PutEvent(e payables.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.events[e.ID] = e
}

func (m *Memory) PutRegistration(r payables.Registration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.registrations[r.ID] = r
}

func (m *Memory) PutMerchandiseLine(l payables.MerchandiseLine) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.Status == "" {
		l.Status = payables.MerchandisePending
	}
	m.s.merchandise[l.ID] = l
}

func (m *Memory) PutItem(it MerchandiseItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.items[it.ID] = it
}

func (m *Memory) PutCart(userID uuid.UUID, entries ...CartEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.carts[userID] = slices.Clone(entries)
}

func (m *Memory) PutPaymentRequest(pr payables.PaymentRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.requests[pr.ID] = pr
}

func (m *Memory) PutPlan(p payables.Plan) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.plans[p.ID] = p
}

func (m *Memory) PutSubscription(sub payables.Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.subscriptions[sub.ID] = sub
}

// Inspection helpers.

func (m *Memory) Item(id uuid.UUID) MerchandiseItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.items[id]
}

func (m *Memory) Membership(userID uuid.UUID) MembershipRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.memberships[userID]
}

func (m *Memory) MerchandiseLine(id uuid.UUID) payables.MerchandiseLine {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.merchandise[id]
}

func (m *Memory) Cart(userID uuid.UUID) []CartEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.s.carts[userID])
}

func (m *Memory) PaymentRequest(id uuid.UUID) payables.PaymentRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.requests[id]
}

func (m *Memory) Subscription(id uuid.UUID) payables.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.subscriptions[id]
}

func (m *Memory) Subscriptions(userID uuid.UUID) []payables.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []payables.Subscription
	for _, sub := range m.s.subscriptions {
		if sub.UserID == userID {
			out = append(out, sub)
		}
	}
	return out
}

func (m *Memory) Orders() []MerchandiseOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.s.orders)
}

func (m *Memory) Donations() []payables.Donation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.s.donations)
}

func (m *Memory) Transactions() []ledger.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ledger.Transaction, 0, len(m.s.transactions))
	for _, t := range m.s.transactions {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b ledger.Transaction) int { return a.InitiatedAt.Compare(b.InitiatedAt) })
	return out
}

func (m *Memory) Webhooks() []ledger.Webhook {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ledger.Webhook, 0, len(m.s.webhooks))
	for _, w := range m.s.webhooks {
		out = append(out, w)
	}
	slices.SortFunc(out, func(a, b ledger.Webhook) int { return a.ReceivedAt.Compare(b.ReceivedAt) })
	return out
}

func (m *Memory) Activity() []events.Activity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.s.activity)
}

// Locked delegations to the shared state.

func (m *Memory) CreateTransaction(ctx context.Context, txn ledger.Transaction) (ledger.Transaction, error) {
	return withState(m, func(s *state) (ledger.Transaction, error) { return s.CreateTransaction(ctx, txn) })
}

func (m *Memory) GetTransaction(ctx context.Context, id uuid.UUID) (ledger.Transaction, error) {
	return withState(m, func(s *state) (ledger.Transaction, error) { return s.GetTransaction(ctx, id) })
}

func (m *Memory) FindByProviderOrder(ctx context.Context, provider, orderID string) (ledger.Transaction, error) {
	return withState(m, func(s *state) (ledger.Transaction, error) { return s.FindByProviderOrder(ctx, provider, orderID) })
}

func (m *Memory) AttachProviderOrder(ctx context.Context, id uuid.UUID, provider, orderID string, data json.RawMessage, expiresAt time.Time) (ledger.Transaction, error) {
	return withState(m, func(s *state) (ledger.Transaction, error) {
		return s.AttachProviderOrder(ctx, id, provider, orderID, data, expiresAt)
	})
}

func (m *Memory) InsertWebhook(ctx context.Context, wh ledger.Webhook) (ledger.Webhook, error) {
	return withState(m, func(s *state) (ledger.Webhook, error) { return s.InsertWebhook(ctx, wh) })
}

func (m *Memory) UpdateWebhook(ctx context.Context, upd ledger.WebhookUpdate) error {
	_, err := withState(m, func(s *state) (struct{}, error) { return struct{}{}, s.UpdateWebhook(ctx, upd) })
	return err
}

func (m *Memory) CreateInvoiceIfAbsent(ctx context.Context, inv ledger.Invoice) (ledger.Invoice, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.CreateInvoiceIfAbsent(ctx, inv)
}

func (m *Memory) GetInvoice(ctx context.Context, id uuid.UUID) (ledger.Invoice, error) {
	return withState(m, func(s *state) (ledger.Invoice, error) { return s.GetInvoice(ctx, id) })
}

func (m *Memory) GetInvoiceByTransaction(ctx context.Context, transactionID uuid.UUID) (ledger.Invoice, error) {
	return withState(m, func(s *state) (ledger.Invoice, error) { return s.GetInvoiceByTransaction(ctx, transactionID) })
}

func (m *Memory) SetInvoiceRendered(ctx context.Context, id uuid.UUID, location string, at time.Time) (ledger.Invoice, error) {
	return withState(m, func(s *state) (ledger.Invoice, error) { return s.SetInvoiceRendered(ctx, id, location, at) })
}

func (m *Memory) RecordInvoiceEmail(ctx context.Context, id uuid.UUID, to string, at time.Time) (ledger.Invoice, error) {
	return withState(m, func(s *state) (ledger.Invoice, error) { return s.RecordInvoiceEmail(ctx, id, to, at) })
}

func (m *Memory) InsertActivity(ctx context.Context, a events.Activity) (events.Activity, error) {
	return withState(m, func(s *state) (events.Activity, error) { return s.InsertActivity(ctx, a) })
}

func (m *Memory) IssueAccessCode(ctx context.Context, registrationID uuid.UUID, code string) (string, error) {
	return withState(m, func(s *state) (string, error) { return s.IssueAccessCode(ctx, registrationID, code) })
}

func (m *Memory) GetUser(ctx context.Context, id uuid.UUID) (payables.User, error) {
	return withState(m, func(s *state) (payables.User, error) { return s.GetUser(ctx, id) })
}

func (m *Memory) GetEvent(ctx context.Context, id uuid.UUID) (payables.Event, error) {
	return withState(m, func(s *state) (payables.Event, error) { return s.GetEvent(ctx, id) })
}

func (m *Memory) GetRegistration(ctx context.Context, id uuid.UUID) (payables.Registration, error) {
	return withState(m, func(s *state) (payables.Registration, error) { return s.GetRegistration(ctx, id) })
}

func (m *Memory) FindRegistration(ctx context.Context, eventID, userID uuid.UUID) (payables.Registration, error) {
	return withState(m, func(s *state) (payables.Registration, error) { return s.FindRegistration(ctx, eventID, userID) })
}

func (m *Memory) CountReservedSeats(ctx context.Context, eventID uuid.UUID) (int, error) {
	return withState(m, func(s *state) (int, error) { return s.CountReservedSeats(ctx, eventID) })
}

func (m *Memory) ListPendingMerchandise(ctx context.Context, registrationID uuid.UUID) ([]payables.MerchandiseLine, error) {
	return withState(m, func(s *state) ([]payables.MerchandiseLine, error) {
		return s.ListPendingMerchandise(ctx, registrationID)
	})
}

func (m *Memory) ListCart(ctx context.Context, userID uuid.UUID) ([]payables.CartLine, error) {
	return withState(m, func(s *state) ([]payables.CartLine, error) { return s.ListCart(ctx, userID) })
}

func (m *Memory) MembershipFee(ctx context.Context, userID uuid.UUID) (pricing.Money, error) {
	return withState(m, func(s *state) (pricing.Money, error) { return s.MembershipFee(ctx, userID) })
}

func (m *Memory) GetPaymentRequest(ctx context.Context, id uuid.UUID) (payables.PaymentRequest, error) {
	return withState(m, func(s *state) (payables.PaymentRequest, error) { return s.GetPaymentRequest(ctx, id) })
}

func (m *Memory) GetPlan(ctx context.Context, id uuid.UUID) (payables.Plan, error) {
	return withState(m, func(s *state) (payables.Plan, error) { return s.GetPlan(ctx, id) })
}

func (m *Memory) GetSubscription(ctx context.Context, id uuid.UUID) (payables.Subscription, error) {
	return withState(m, func(s *state) (payables.Subscription, error) { return s.GetSubscription(ctx, id) })
}

// Transactions.

func (s *state) CreateTransaction(_ context.Context, txn ledger.Transaction) (ledger.Transaction, error) {
	if _, ok := s.transactions[txn.ID]; ok {
		return ledger.Transaction{}, ledger.ErrDuplicate
	}
	for _, existing := range s.transactions {
		if existing.Number == txn.Number {
			return ledger.Transaction{}, ledger.ErrDuplicate
		}
	}
	if txn.UpdatedAt.IsZero() {
		txn.UpdatedAt = s.stamp()
	}
	s.transactions[txn.ID] = txn
	return txn, nil
}

func (s *state) GetTransaction(_ context.Context, id uuid.UUID) (ledger.Transaction, error) {
	txn, ok := s.transactions[id]
	if !ok {
		return ledger.Transaction{}, ledger.ErrNotFound
	}
	return txn, nil
}

func (s *state) FindByProviderOrder(_ context.Context, provider, orderID string) (ledger.Transaction, error) {
	for _, txn := range s.transactions {
		if txn.Provider == provider && txn.ProviderOrderID == orderID {
			return txn, nil
		}
	}
	return ledger.Transaction{}, ledger.ErrNotFound
}

func (s *state) AttachProviderOrder(_ context.Context, id uuid.UUID, provider, orderID string, data json.RawMessage, expiresAt time.Time) (ledger.Transaction, error) {
	txn, ok := s.transactions[id]
	if !ok {
		return ledger.Transaction{}, ledger.ErrNotFound
	}
	for otherID, other := range s.transactions {
		if otherID != id && other.Provider == provider && other.ProviderOrderID == orderID {
			return ledger.Transaction{}, ledger.ErrDuplicate
		}
	}
	txn.Provider = provider
	txn.ProviderOrderID = orderID
	txn.ProviderOrderData = data
	if !expiresAt.IsZero() {
		txn.ExpiresAt = expiresAt
	}
	txn.UpdatedAt = s.stamp()
	s.transactions[id] = txn
	return txn, nil
}

func (s *state) CompleteTransaction(_ context.Context, c ledger.Completion) (ledger.Transaction, bool, error) {
	txn, ok := s.transactions[c.TransactionID]
	if !ok {
		return ledger.Transaction{}, false, ledger.ErrNotFound
	}
	if txn.Status != ledger.StatusPending {
		return txn, false, nil
	}
	completed := c.CompletedAt.UTC()
	txn.Status = ledger.StatusCompleted
	txn.ProviderPaymentID = c.ProviderPaymentID
	txn.ProviderPaymentData = c.PaymentData
	txn.CompletedAt = &completed
	txn.UpdatedAt = s.stamp()
	s.transactions[txn.ID] = txn
	return txn, true, nil
}

func (s *state) FailTransaction(_ context.Context, id uuid.UUID, reason string, data json.RawMessage) (ledger.Transaction, bool, error) {
	txn, ok := s.transactions[id]
	if !ok {
		return ledger.Transaction{}, false, ledger.ErrNotFound
	}
	if txn.Status != ledger.StatusPending {
		return txn, false, nil
	}
	txn.Status = ledger.StatusFailed
	txn.FailureReason = reason
	if len(data) > 0 {
		txn.ProviderPaymentData = data
	}
	txn.UpdatedAt = s.stamp()
	s.transactions[id] = txn
	return txn, true, nil
}

// Webhooks.

func (s *state) InsertWebhook(_ context.Context, wh ledger.Webhook) (ledger.Webhook, error) {
	if wh.ID == uuid.Nil {
		wh.ID = uuid.New()
	}
	if wh.ReceivedAt.IsZero() {
		wh.ReceivedAt = s.stamp()
	}
	if wh.Status == "" {
		wh.Status = ledger.WebhookReceived
	}
	s.webhooks[wh.ID] = wh
	return wh, nil
}

func (s *state) UpdateWebhook(_ context.Context, upd ledger.WebhookUpdate) error {
	wh, ok := s.webhooks[upd.ID]
	if !ok {
		return ledger.ErrNotFound
	}
	wh.Status = upd.Status
	wh.SignatureValid = upd.SignatureValid
	if upd.EventID != "" {
		wh.EventID = upd.EventID
	}
	if upd.EventType != "" {
		wh.EventType = upd.EventType
	}
	if upd.TransactionID != nil {
		wh.TransactionID = upd.TransactionID
	}
	wh.ErrorMessage = upd.ErrorMessage
	wh.ProcessedAt = upd.ProcessedAt
	s.webhooks[wh.ID] = wh
	return nil
}

// Invoices.

func (s *state) CreateInvoiceIfAbsent(_ context.Context, inv ledger.Invoice) (ledger.Invoice, bool, error) {
	for _, existing := range s.invoices {
		if existing.TransactionID == inv.TransactionID {
			return existing, false, nil
		}
	}
	for _, existing := range s.invoices {
		if existing.Number == inv.Number {
			return ledger.Invoice{}, false, ledger.ErrDuplicate
		}
	}
	now := s.stamp()
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = now
	}
	inv.UpdatedAt = now
	s.invoices[inv.ID] = inv
	return inv, true, nil
}

func (s *state) GetInvoice(_ context.Context, id uuid.UUID) (ledger.Invoice, error) {
	inv, ok := s.invoices[id]
	if !ok {
		return ledger.Invoice{}, ledger.ErrNotFound
	}
	return inv, nil
}

func (s *state) GetInvoiceByTransaction(_ context.Context, transactionID uuid.UUID) (ledger.Invoice, error) {
	for _, inv := range s.invoices {
		if inv.TransactionID == transactionID {
			return inv, nil
		}
	}
	return ledger.Invoice{}, ledger.ErrNotFound
}

func (s *state) SetInvoiceRendered(_ context.Context, id uuid.UUID, location string, at time.Time) (ledger.Invoice, error) {
	inv, ok := s.invoices[id]
	if !ok {
		return ledger.Invoice{}, ledger.ErrNotFound
	}
	at = at.UTC()
	inv.RenderedURL = location
	inv.RenderedAt = &at
	inv.UpdatedAt = s.stamp()
	s.invoices[id] = inv
	return inv, nil
}

func (s *state) RecordInvoiceEmail(_ context.Context, id uuid.UUID, to string, at time.Time) (ledger.Invoice, error) {
	inv, ok := s.invoices[id]
	if !ok {
		return ledger.Invoice{}, ledger.ErrNotFound
	}
	at = at.UTC()
	inv.EmailSentTo = to
	inv.EmailSentAt = &at
	inv.EmailSendCount++
	inv.UpdatedAt = s.stamp()
	s.invoices[id] = inv
	return inv, nil
}

func (s *state) InsertActivity(_ context.Context, a events.Activity) (events.Activity, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	s.activity = append(s.activity, a)
	return a, nil
}

// Reference lookups.

func (s *state) GetUser(_ context.Context, id uuid.UUID) (payables.User, error) {
	u, ok := s.users[id]
	if !ok {
		return payables.User{}, ledger.ErrNotFound
	}
	return u, nil
}

func (s *state) GetEvent(_ context.Context, id uuid.UUID) (payables.Event, error) {
	e, ok := s.events[id]
	if !ok {
		return payables.Event{}, ledger.ErrNotFound
	}
	return e, nil
}

func (s *state) GetRegistration(_ context.Context, id uuid.UUID) (payables.Registration, error) {
	r, ok := s.registrations[id]
	if !ok {
		return payables.Registration{}, ledger.ErrNotFound
	}
	return r, nil
}

func (s *state) FindRegistration(_ context.Context, eventID, userID uuid.UUID) (payables.Registration, error) {
	var (
		found payables.Registration
		ok    bool
	)
	for _, r := range s.registrations {
		if r.EventID != eventID || r.UserID != userID {
			continue
		}
		// Active registrations win over cancelled ones.
		if !ok || found.Status == payables.RegistrationCancelled {
			found, ok = r, true
		}
	}
	if !ok {
		return payables.Registration{}, ledger.ErrNotFound
	}
	return found, nil
}

func (s *state) CountReservedSeats(_ context.Context, eventID uuid.UUID) (int, error) {
	seats := 0
	for _, r := range s.registrations {
		if r.EventID == eventID && r.Status != payables.RegistrationCancelled {
			seats += r.Seats()
		}
	}
	return seats, nil
}

func (s *state) ListPendingMerchandise(_ context.Context, registrationID uuid.UUID) ([]payables.MerchandiseLine, error) {
	var out []payables.MerchandiseLine
	for _, l := range s.merchandise {
		if l.RegistrationID == registrationID && l.Status == payables.MerchandisePending {
			out = append(out, l)
		}
	}
	slices.SortFunc(out, func(a, b payables.MerchandiseLine) int { return compareUUID(a.ID, b.ID) })
	return out, nil
}

func (s *state) ListCart(_ context.Context, userID uuid.UUID) ([]payables.CartLine, error) {
	entries := s.carts[userID]
	out := make([]payables.CartLine, 0, len(entries))
	for _, e := range entries {
		it, ok := s.items[e.ItemID]
		if !ok {
			continue
		}
		out = append(out, payables.CartLine{
			ItemID:    it.ID,
			Name:      it.Name,
			Quantity:  e.Quantity,
			UnitPrice: it.Price,
			Stock:     it.Stock,
			Active:    it.Active,
		})
	}
	return out, nil
}

func (s *state) MembershipFee(_ context.Context, userID uuid.UUID) (pricing.Money, error) {
	rec, ok := s.memberships[userID]
	if !ok {
		return 0, ledger.ErrNotFound
	}
	return rec.Fee, nil
}

func (s *state) GetPaymentRequest(_ context.Context, id uuid.UUID) (payables.PaymentRequest, error) {
	pr, ok := s.requests[id]
	if !ok {
		return payables.PaymentRequest{}, ledger.ErrNotFound
	}
	return pr, nil
}

func (s *state) GetPlan(_ context.Context, id uuid.UUID) (payables.Plan, error) {
	p, ok := s.plans[id]
	if !ok {
		return payables.Plan{}, ledger.ErrNotFound
	}
	return p, nil
}

func (s *state) GetSubscription(_ context.Context, id uuid.UUID) (payables.Subscription, error) {
	sub, ok := s.subscriptions[id]
	if !ok {
		return payables.Subscription{}, ledger.ErrNotFound
	}
	return sub, nil
}

// Completion mutations.

func (s *state) ConfirmRegistration(_ context.Context, registrationID, transactionID uuid.UUID) error {
	r, ok := s.registrations[registrationID]
	if !ok {
		return ledger.ErrNotFound
	}
	r.Status = payables.RegistrationConfirmed
	r.PaymentStatus = payables.PaymentPaid
	r.TransactionID = &transactionID
	s.registrations[registrationID] = r
	return nil
}

func (s *state) CreateRegistration(_ context.Context, reg payables.Registration) (payables.Registration, error) {
	for _, r := range s.registrations {
		if r.EventID == reg.EventID && r.UserID == reg.UserID && r.Status != payables.RegistrationCancelled {
			return payables.Registration{}, ledger.ErrDuplicate
		}
	}
	if reg.ID == uuid.Nil {
		reg.ID = uuid.New()
	}
	if reg.CreatedAt.IsZero() {
		reg.CreatedAt = s.stamp()
	}
	s.registrations[reg.ID] = reg
	return reg, nil
}

func (s *state) MarkMerchandisePaid(_ context.Context, registrationID, _ uuid.UUID, lineIDs []uuid.UUID) ([]payables.MerchandiseLine, error) {
	var paid []payables.MerchandiseLine
	for _, id := range lineIDs {
		l, ok := s.merchandise[id]
		if !ok || l.RegistrationID != registrationID || l.Status != payables.MerchandisePending {
			continue
		}
		l.Status = payables.MerchandisePaid
		s.merchandise[id] = l
		paid = append(paid, l)
	}
	slices.SortFunc(paid, func(a, b payables.MerchandiseLine) int { return compareUUID(a.ID, b.ID) })
	return paid, nil
}

func (s *state) DecrementStock(_ context.Context, itemID uuid.UUID, qty int) (int, error) {
	it, ok := s.items[itemID]
	if !ok {
		return 0, ledger.ErrNotFound
	}
	shortfall := 0
	if qty > it.Stock {
		shortfall = qty - it.Stock
		it.Stock = 0
	} else {
		it.Stock -= qty
	}
	s.items[itemID] = it
	return shortfall, nil
}

func (s *state) CreateMerchandiseOrder(_ context.Context, userID, transactionID uuid.UUID, lines []payables.CartLine) error {
	s.orders = append(s.orders, MerchandiseOrder{
		ID:            uuid.New(),
		UserID:        userID,
		TransactionID: transactionID,
		Lines:         slices.Clone(lines),
		CreatedAt:     s.stamp(),
	})
	return nil
}

func (s *state) RemoveFromCart(_ context.Context, userID uuid.UUID, paid []payables.CartLine) error {
	bought := make(map[uuid.UUID]int, len(paid))
	for _, l := range paid {
		bought[l.ItemID] += l.Quantity
	}
	var kept []CartEntry
	for _, e := range s.carts[userID] {
		e.Quantity -= bought[e.ItemID]
		delete(bought, e.ItemID)
		if e.Quantity > 0 {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(s.carts, userID)
		return nil
	}
	s.carts[userID] = kept
	return nil
}

func (s *state) ActivateMembership(_ context.Context, userID, transactionID uuid.UUID, validUntil time.Time) error {
	rec := s.memberships[userID]
	rec.UserID = userID
	until := validUntil.UTC()
	rec.ValidUntil = &until
	rec.TransactionID = &transactionID
	s.memberships[userID] = rec
	return nil
}

func (s *state) RecordDonation(_ context.Context, d payables.Donation) error {
	for _, existing := range s.donations {
		if existing.TransactionID == d.TransactionID && existing.EventID == d.EventID {
			return ledger.ErrDuplicate
		}
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.stamp()
	}
	s.donations = append(s.donations, d)
	return nil
}

func (s *state) ConsumePaymentRequest(_ context.Context, id, _ uuid.UUID) (bool, error) {
	pr, ok := s.requests[id]
	if !ok {
		return false, ledger.ErrNotFound
	}
	if pr.Status != payables.RequestApproved {
		return false, nil
	}
	pr.Status = payables.RequestPaid
	s.requests[id] = pr
	return true, nil
}

func (s *state) UpdateSubscription(_ context.Context, sub payables.Subscription) error {
	if _, ok := s.subscriptions[sub.ID]; !ok {
		return ledger.ErrNotFound
	}
	s.subscriptions[sub.ID] = sub
	return nil
}

func (s *state) CreateSubscription(_ context.Context, sub payables.Subscription) (payables.Subscription, error) {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	s.subscriptions[sub.ID] = sub
	return sub, nil
}

func (s *state) IssueAccessCode(_ context.Context, registrationID uuid.UUID, code string) (string, error) {
	r, ok := s.registrations[registrationID]
	if !ok {
		return "", ledger.ErrNotFound
	}
	if r.AccessCode != "" {
		return r.AccessCode, nil
	}
	r.AccessCode = code
	s.registrations[registrationID] = r
	return code, nil
}

func compareUUID(a, b uuid.UUID) int {
	return slices.Compare(a[:], b[:])
}

var (
	_ billing.Store             = (*Memory)(nil)
	_ billing.Tx                = (*state)(nil)
	_ ledger.WebhookStore       = (*Memory)(nil)
	_ ledger.InvoiceStore       = (*Memory)(nil)
	_ events.ActivityStore      = (*Memory)(nil)
	_ payables.AccessCodeIssuer = (*Memory)(nil)
)
