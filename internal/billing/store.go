package billing

import (
	"context"

	"github.com/noah-isme/paycore/internal/ledger"
	"github.com/noah-isme/paycore/internal/payables"
)

// Store is the persistence surface the engine needs.
type Store interface {
	ledger.TransactionStore
	payables.Lookup
	// InTx runs fn inside one atomic storage transaction. fn's error rolls it back.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the view of the store inside an atomic boundary.
type Tx interface {
	ledger.TransitionStore
	payables.Mutator
}
