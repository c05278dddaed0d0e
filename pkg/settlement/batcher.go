package settlement

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Result aggregates the outcome of one cycle's settlement submissions.
type Result struct {
	SettledPairs int
	FailedPairs  int
	GasUsed      uint64
	Receipts     []Receipt
}

// Batcher groups verified matches into bounded sub-batches and submits
// them, one batch in flight per signer. A failed batch is not dropped: it
// falls back to per-pair submission so one malformed or stale pair cannot
// block the unrelated matches that shared its batch.
type Batcher struct {
	clients  []Submitter // one per signer wallet
	maxPairs int         // pairs per settlement transaction
	sugar    *zap.SugaredLogger
}

func NewBatcher(clients []Submitter, maxPairs int, sugar *zap.SugaredLogger) *Batcher {
	if maxPairs < 1 {
		maxPairs = 1
	}
	return &Batcher{clients: clients, maxPairs: maxPairs, sugar: sugar}
}

// Submit settles all pairs and reports the aggregate outcome. Batches are
// distributed across the signer clients; errors are isolated per batch and
// then per pair, never propagated as a submission-wide failure.
func (b *Batcher) Submit(ctx context.Context, pairs []Pair) Result {
	if len(pairs) == 0 {
		return Result{}
	}
	if len(b.clients) == 0 {
		// Nothing to drain the work channel; without this every pair
		// would block the dispatch loop forever.
		b.sugar.Errorw("no_settlement_clients", "pairs", len(pairs))
		return Result{FailedPairs: len(pairs)}
	}

	batches := b.split(pairs)

	var (
		mu  sync.Mutex
		res Result
		wg  sync.WaitGroup
	)
	work := make(chan []Pair)

	for _, client := range b.clients {
		wg.Add(1)
		go func(client Submitter) {
			defer wg.Done()
			for batch := range work {
				out := b.submitBatch(ctx, client, batch)
				mu.Lock()
				res.SettledPairs += out.SettledPairs
				res.FailedPairs += out.FailedPairs
				res.GasUsed += out.GasUsed
				res.Receipts = append(res.Receipts, out.Receipts...)
				mu.Unlock()
			}
		}(client)
	}

	for _, batch := range batches {
		select {
		case work <- batch:
		case <-ctx.Done():
			// Undelivered work still counts: every pair ends the cycle
			// either settled or failed.
			mu.Lock()
			res.FailedPairs += len(batch)
			mu.Unlock()
		}
	}
	close(work)
	wg.Wait()

	return res
}

// submitBatch tries the whole batch first, then isolates failures by
// resubmitting each pair on its own.
func (b *Batcher) submitBatch(ctx context.Context, client Submitter, batch []Pair) Result {
	rcpt, err := client.MatchPairs(ctx, batch)
	if err == nil {
		b.sugar.Infow("batch_settled",
			"pairs", len(batch),
			"tx", rcpt.TxHash,
			"gas_used", rcpt.GasUsed)
		return Result{
			SettledPairs: len(batch),
			GasUsed:      rcpt.GasUsed,
			Receipts:     []Receipt{*rcpt},
		}
	}
	if len(batch) == 1 {
		b.sugar.Errorw("pair_failed",
			"buy", batch[0].BuyID,
			"sell", batch[0].SellID,
			"err", err)
		return Result{FailedPairs: 1}
	}

	b.sugar.Errorw("batch_failed_retrying_pairs",
		"pairs", len(batch),
		"err", err)

	var res Result
	for _, pair := range batch {
		if ctx.Err() != nil {
			res.FailedPairs++
			continue
		}
		rcpt, err := client.MatchPairs(ctx, []Pair{pair})
		if err != nil {
			res.FailedPairs++
			b.sugar.Errorw("pair_failed",
				"buy", pair.BuyID,
				"sell", pair.SellID,
				"err", err)
			continue
		}
		res.SettledPairs++
		res.GasUsed += rcpt.GasUsed
		res.Receipts = append(res.Receipts, *rcpt)
	}
	return res
}

func (b *Batcher) split(pairs []Pair) [][]Pair {
	var batches [][]Pair
	for len(pairs) > 0 {
		n := b.maxPairs
		if n > len(pairs) {
			n = len(pairs)
		}
		batches = append(batches, pairs[:n])
		pairs = pairs[n:]
	}
	return batches
}
