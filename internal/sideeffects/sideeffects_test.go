package sideeffects_test

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/paycore/internal/common"
	"github.com/noah-isme/paycore/internal/invoice"
	"github.com/noah-isme/paycore/internal/ledger"
	"github.com/noah-isme/paycore/internal/lock"
	"github.com/noah-isme/paycore/internal/notify"
	"github.com/noah-isme/paycore/internal/payables"
	"github.com/noah-isme/paycore/internal/pricing"
	"github.com/noah-isme/paycore/internal/queue"
	"github.com/noah-isme/paycore/internal/sideeffects"
	"github.com/noah-isme/paycore/internal/store"
)

type fixture struct {
	mem      *store.Memory
	handlers *sideeffects.Handlers
	outbox   *common.InMemoryEmail
	reg      payables.Registration
	txn      ledger.Transaction
}

func newFixture(t *testing.T, status ledger.Status) *fixture {
	t.Helper()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	mem := store.NewMemory(clock)

	user := payables.User{ID: uuid.New(), Name: "Rina", Email: "rina@example.com"}
	mem.PutUser(user)
	event := payables.Event{ID: uuid.New(), Title: "Alumni Gathering", Status: payables.EventOpen, StartsAt: now.Add(72 * time.Hour), Capacity: 10, RegistrationFee: 100_000}
	mem.PutEvent(event)
	reg := payables.Registration{
		ID:            uuid.New(),
		EventID:       event.ID,
		UserID:        user.ID,
		Status:        payables.RegistrationConfirmed,
		PaymentStatus: payables.PaymentPaid,
		CreatedAt:     now,
	}
	mem.PutRegistration(reg)

	txn := ledger.Transaction{
		ID:            uuid.New(),
		Number:        "PT-20260501-SIDEFX",
		UserID:        user.ID,
		ReferenceType: ledger.RefEventRegistration,
		ReferenceID:   reg.ID,
		Amount:        103_000,
		Currency:      "IDR",
		Breakdown: pricing.Breakdown{
			Subtotal:      100_000,
			Components:    []pricing.Component{{Key: "registration_fee", Label: "Biaya registrasi", Amount: 100_000}},
			ProcessingFee: 3_000,
			Total:         103_000,
		},
		Status:    status,
		Provider:  "midtrans",
		ExpiresAt: now.Add(time.Hour),
	}
	if status == ledger.StatusCompleted {
		txn.CompletedAt = &now
	}
	txn, err := mem.CreateTransaction(context.Background(), txn)
	require.NoError(t, err)

	outbox := &common.InMemoryEmail{}
	sender := notify.EmailSender{Mail: outbox}
	renderer, err := invoice.NewHTMLRenderer("", "")
	require.NoError(t, err)
	registry := payables.NewRegistry(pricing.DefaultPolicy(), zerolog.Nop())
	handlers := &sideeffects.Handlers{
		Store: mem,
		Invoices: &invoice.Generator{
			Store:    mem,
			Payables: registry,
			Renderer: renderer,
			Sender:   sender,
			Logger:   zerolog.Nop(),
			Now:      clock,
		},
		Sender:  sender,
		Logger:  zerolog.Nop(),
		NewCode: func() string { return "AC-TEST0001" },
	}
	return &fixture{mem: mem, handlers: handlers, outbox: outbox, reg: reg, txn: txn}
}

func (f *fixture) registration(t *testing.T) payables.Registration {
	t.Helper()
	reg, err := f.mem.GetRegistration(context.Background(), f.reg.ID)
	require.NoError(t, err)
	return reg
}

func (f *fixture) invoice(t *testing.T) ledger.Invoice {
	t.Helper()
	inv, err := f.mem.GetInvoiceByTransaction(context.Background(), f.txn.ID)
	require.NoError(t, err)
	return inv
}

func TestInlineRunnerRunsFollowUpsInOrder(t *testing.T) {
	f := newFixture(t, ledger.StatusCompleted)
	runner := &sideeffects.InlineRunner{Handlers: f.handlers, Logger: zerolog.Nop()}
	d := &sideeffects.Dispatcher{Runner: runner, Logger: zerolog.Nop()}

	ctx, cancel := context.WithCancel(context.Background())
	d.Dispatch(ctx, f.txn, []payables.FollowUp{payables.FollowUpAccessCode, payables.FollowUpInvoice, payables.FollowUpNotification})
	cancel()
	runner.Wait()

	require.Equal(t, "AC-TEST0001", f.registration(t).AccessCode)
	inv := f.invoice(t)
	require.NotNil(t, inv.RenderedAt)
	require.Equal(t, 1, inv.EmailSendCount)

	require.Len(t, f.outbox.Outbox, 2)
	require.Equal(t, "Invoice "+inv.Number, f.outbox.Outbox[0].Subject)
	require.Equal(t, "Pembayaran berhasil", f.outbox.Outbox[1].Subject)
	require.Contains(t, f.outbox.Outbox[1].HTML, "AC-TEST0001")
}

func TestHandlersAreIdempotent(t *testing.T) {
	f := newFixture(t, ledger.StatusCompleted)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, f.handlers.Run(ctx, payables.FollowUpAccessCode, f.txn.ID))
		require.NoError(t, f.handlers.Run(ctx, payables.FollowUpInvoice, f.txn.ID))
	}
	f.handlers.NewCode = func() string { return "AC-OTHER" }
	require.NoError(t, f.handlers.Run(ctx, payables.FollowUpAccessCode, f.txn.ID))

	require.Equal(t, "AC-TEST0001", f.registration(t).AccessCode)
	require.Equal(t, 1, f.invoice(t).EmailSendCount)
	require.Len(t, f.outbox.Outbox, 1)
}

func TestHandlersRejectIncompleteTransactions(t *testing.T) {
	f := newFixture(t, ledger.StatusPending)

	err := f.handlers.Run(context.Background(), payables.FollowUpAccessCode, f.txn.ID)
	require.Error(t, err)
	require.Empty(t, f.registration(t).AccessCode)

	f = newFixture(t, ledger.StatusCompleted)
	err = f.handlers.Run(context.Background(), payables.FollowUp("sms"), f.txn.ID)
	require.ErrorIs(t, err, sideeffects.ErrUnknownKind)
}

func TestQueueRunnerAndWorker(t *testing.T) {
	f := newFixture(t, ledger.StatusCompleted)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	runner := sideeffects.QueueRunner{Queue: queue.Enqueuer{R: client, Prefix: "fx"}, MaxAttempts: 3}
	kinds := []payables.FollowUp{payables.FollowUpAccessCode, payables.FollowUpInvoice}
	require.NoError(t, runner.Submit(context.Background(), f.txn.ID, kinds))
	require.NoError(t, runner.Submit(context.Background(), f.txn.ID, kinds))

	depth, err := client.ZCard(context.Background(), queue.ReadyKey("fx", "invoice")).Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), depth)

	worker := sideeffects.Worker{Handlers: f.handlers, Locker: lock.Locker{R: client, RetryBackoff: 5 * time.Millisecond}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := zerolog.Nop()
	for _, qw := range worker.QueueWorkers(sideeffects.WorkerOptions{Redis: client, Prefix: "fx", VisibilityTimeout: time.Second, Logger: &logger}) {
		go func(qw queue.Worker) { _ = qw.Run(ctx) }(qw)
	}

	require.Eventually(t, func() bool {
		reg, err := f.mem.GetRegistration(context.Background(), f.reg.ID)
		if err != nil || reg.AccessCode == "" {
			return false
		}
		inv, err := f.mem.GetInvoiceByTransaction(context.Background(), f.txn.ID)
		return err == nil && inv.EmailSendCount == 1
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWorkerDiscardsUndecodablePayload(t *testing.T) {
	f := newFixture(t, ledger.StatusCompleted)
	worker := sideeffects.Worker{Handlers: f.handlers}

	err := worker.Handle(context.Background(), queue.Task{Kind: "invoice", Payload: []byte("not json")})
	require.NoError(t, err)
	require.Empty(t, f.outbox.Outbox)
}

func TestIdempotencyKey(t *testing.T) {
	id := uuid.MustParse("6f1c1c52-3a37-4c55-9d59-2d8a3c7b8e10")
	require.Equal(t, "6f1c1c52-3a37-4c55-9d59-2d8a3c7b8e10:invoice", sideeffects.IdempotencyKey(id, payables.FollowUpInvoice))
}
