package engine

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/spotdex/matcher/pkg/book"
	"github.com/spotdex/matcher/pkg/settlement"
)

// PhantomFilter cross-checks match legs against authoritative chain state
// before they reach a settlement batch. Indexed data can lag the chain, so
// an order can sit in the book after it was filled or cancelled on-chain;
// such a phantom is evicted immediately and ignored for the rest of the
// cycle. The ignore set is rebuilt every cycle so it cannot grow without
// bound across the process lifetime.
type PhantomFilter struct {
	reader  settlement.ChainReader
	book    *book.Book
	sugar   *zap.SugaredLogger
	ignored map[common.Hash]struct{}
}

func NewPhantomFilter(reader settlement.ChainReader, b *book.Book, sugar *zap.SugaredLogger) *PhantomFilter {
	return &PhantomFilter{
		reader:  reader,
		book:    b,
		sugar:   sugar,
		ignored: make(map[common.Hash]struct{}),
	}
}

// Reset clears the per-cycle ignore set. Call at the start of each cycle.
func (f *PhantomFilter) Reset() {
	f.ignored = make(map[common.Hash]struct{})
}

// Ignored reports whether an id was found phantom earlier in this cycle.
func (f *PhantomFilter) Ignored(id common.Hash) bool {
	_, ok := f.ignored[id]
	return ok
}

// Verify checks both legs of a match. It returns true when both legs are
// live on-chain. A phantom leg evicts the order from the book, records the
// id in the ignore set, and drops the match; the surviving leg keeps its
// already-decremented size and simply matches again in a later cycle once
// the indexer view catches up. A chain query failure is a transient error
// and fails the cycle instead of condemning the order.
func (f *PhantomFilter) Verify(ctx context.Context, m Match) (bool, error) {
	liveBuy, err := f.verifyLeg(ctx, m.BuyID)
	if err != nil {
		return false, err
	}
	liveSell, err := f.verifyLeg(ctx, m.SellID)
	if err != nil {
		return false, err
	}
	return liveBuy && liveSell, nil
}

func (f *PhantomFilter) verifyLeg(ctx context.Context, id common.Hash) (bool, error) {
	if _, skip := f.ignored[id]; skip {
		return false, nil
	}

	record, err := f.reader.OrderByID(ctx, id)
	if err != nil {
		return false, err
	}
	if record != nil {
		return true, nil
	}

	// Not an error: a detected staleness condition. Evicting twice is a
	// no-op because the book ignores unknown ids.
	f.ignored[id] = struct{}{}
	f.book.Evict(id)
	f.sugar.Warnw("phantom_order_evicted", "order", id)
	return false, nil
}
