package ledger

import (
	"context"

	"go.uber.org/zap"
)

// =============================================================================
// IDEMPOTENCY GUARD
// =============================================================================

// Direction separates credit and reversal dedup keys for the same
// transaction id.
type Direction string

const (
	DirectionCredit   Direction = "credit"
	DirectionReversal Direction = "reversal"
)

// SeenCache is an optional fast path in front of the task store. It is
// written only after commit, so a hit proves the transaction was processed.
// A miss proves nothing.
type SeenCache interface {
	Seen(ctx context.Context, dir Direction, txID TransactionID) (bool, error)
	MarkSeen(ctx context.Context, dir Direction, txID TransactionID) error
}

// Guard answers "has this transaction id already been processed?".
//
// The store check inside the account transaction is authoritative; the
// unique index on transaction id is the final backstop.
type Guard struct {
	store Reader
	cache SeenCache
	log   *zap.Logger
}

func NewGuard(store Reader, cache SeenCache, log *zap.Logger) *Guard {
	if log == nil {
		log = zap.NewNop()
	}
	return &Guard{store: store, cache: cache, log: log}
}

// HasBeenProcessed reports whether txID exists in any state.
func (g *Guard) HasBeenProcessed(ctx context.Context, txID TransactionID) (bool, error) {
	if g.seen(ctx, DirectionCredit, txID) {
		return true, nil
	}
	t, err := g.store.FindTaskByTransaction(ctx, txID)
	if err != nil {
		return false, err
	}
	return t != nil, nil
}

// HasBeenReversed reports whether txID has reached Chargeback.
func (g *Guard) HasBeenReversed(ctx context.Context, txID TransactionID) (bool, error) {
	if g.seen(ctx, DirectionReversal, txID) {
		return true, nil
	}
	t, err := g.store.FindTaskByTransaction(ctx, txID)
	if err != nil {
		return false, err
	}
	return t != nil && t.State == StateChargeback, nil
}

func (g *Guard) seen(ctx context.Context, dir Direction, txID TransactionID) bool {
	if g.cache == nil {
		return false
	}
	ok, err := g.cache.Seen(ctx, dir, txID)
	if err != nil {
		g.log.Warn("seen cache lookup failed",
			zap.String("direction", string(dir)),
			zap.String("transaction_id", string(txID)),
			zap.Error(err))
		return false
	}
	return ok
}

func (g *Guard) remember(ctx context.Context, dir Direction, txID TransactionID) {
	if g.cache == nil {
		return
	}
	if err := g.cache.MarkSeen(ctx, dir, txID); err != nil {
		g.log.Warn("seen cache write failed",
			zap.String("direction", string(dir)),
			zap.String("transaction_id", string(txID)),
			zap.Error(err))
	}
}
