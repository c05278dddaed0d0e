// Package engine drives the matching cycle: snapshot the book, cross the
// two sides by price-time priority, verify candidate matches against chain
// state, and hand the survivors to the settlement batcher.
package engine

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/spotdex/matcher/params"
	"github.com/spotdex/matcher/pkg/book"
	"github.com/spotdex/matcher/pkg/model"
	"github.com/spotdex/matcher/pkg/settlement"
	"github.com/spotdex/matcher/pkg/stats"
)

// State is the run loop's cycle state. At most one cycle runs at a time.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
)

// Status is the admin surface's view of the matcher.
type Status struct {
	State       State     `json:"state"`
	Active      bool      `json:"active"`
	Mode        string    `json:"mode"`
	Cycles      uint64    `json:"cycles"`
	Matches     uint64    `json:"matches"`
	BuyOrders   int       `json:"buy_orders"`
	SellOrders  int       `json:"sell_orders"`
	LastCycleAt time.Time `json:"last_cycle_at,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// OrderSource delivers the current open-order set for one side. Poll mode
// calls it every cycle; push mode feeds the book directly and leaves it nil.
type OrderSource interface {
	FetchOrders(ctx context.Context, side model.Side) ([]*model.Order, error)
}

// Matcher owns one order book and runs matching cycles against it.
type Matcher struct {
	cfg     params.Matcher
	book    *book.Book
	source  OrderSource // nil in push mode
	filter  *PhantomFilter
	batcher *settlement.Batcher
	stats   stats.Recorder // optional
	sugar   *zap.SugaredLogger

	mu          sync.Mutex
	state       State
	active      bool
	cycles      uint64
	matches     uint64
	lastCycleAt time.Time
	lastErr     error
}

func NewMatcher(
	cfg params.Matcher,
	b *book.Book,
	source OrderSource,
	filter *PhantomFilter,
	batcher *settlement.Batcher,
	recorder stats.Recorder,
	sugar *zap.SugaredLogger,
) *Matcher {
	return &Matcher{
		cfg:     cfg,
		book:    b,
		source:  source,
		filter:  filter,
		batcher: batcher,
		stats:   recorder,
		sugar:   sugar,
		state:   StateIdle,
		active:  true,
	}
}

// Start resumes cycle scheduling.
func (m *Matcher) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = true
	m.sugar.Infow("matcher_started")
}

// Stop pauses cycle scheduling after the in-flight cycle, if any,
// completes. State and connections are kept warm.
func (m *Matcher) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = false
	m.sugar.Infow("matcher_stopped")
}

func (m *Matcher) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		State:       m.state,
		Active:      m.active,
		Mode:        string(m.cfg.Mode),
		Cycles:      m.cycles,
		Matches:     m.matches,
		LastCycleAt: m.lastCycleAt,
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	st.BuyOrders = m.book.Len(model.Buy)
	st.SellOrders = m.book.Len(model.Sell)
	return st
}

// Book exposes the matcher's book for the push-feed ingestion path and the
// admin depth endpoint.
func (m *Matcher) Book() *book.Book {
	return m.book
}

// Run drives repeated matching cycles until ctx is cancelled. Cycles run
// strictly one at a time; a failed cycle waits the longer error backoff
// before the next tick. The stop command is observed between cycles only.
func (m *Matcher) Run(ctx context.Context) error {
	for {
		if err := sleep(ctx, m.pause()); err != nil {
			return err
		}
		if !m.isActive() {
			continue
		}

		m.setState(StateRunning)
		err := m.runCycle(ctx)
		m.finishCycle(err)

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.sugar.Errorw("cycle_failed", "err", err)
		}
	}
}

func (m *Matcher) pause() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastErr != nil {
		return m.cfg.ErrorBackoff
	}
	return m.cfg.CyclePause
}

func (m *Matcher) isActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *Matcher) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}

func (m *Matcher) finishCycle(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateIdle
	m.cycles++
	m.lastCycleAt = time.Now()
	m.lastErr = err
}

// runCycle executes one full fetch/cross/verify/settle pass. The crossing
// runs entirely under the book lock, so stream ingestion can never swap an
// order pointer mid-pass, and it completes before any network call is made.
func (m *Matcher) runCycle(ctx context.Context) error {
	fetchStart := time.Now()
	if m.cfg.Mode == params.FeedPoll {
		if err := m.refreshBook(ctx); err != nil {
			return err
		}
	}
	fetchTime := time.Since(fetchStart)

	matchStart := time.Now()
	var (
		buys, sells []*model.Order
		matches     []Match
	)
	m.book.MatchPass(func(b, s []*model.Order) {
		buys, sells = b, s
		matches = Cross(b, s)
	})
	matchTime := time.Since(matchStart)

	if len(matches) == 0 {
		m.sugar.Debugw("cycle_no_matches",
			"buy_orders", len(buys),
			"sell_orders", len(sells))
		return nil
	}

	pairs, totalAmount, err := m.verifyMatches(ctx, matches)
	if err != nil {
		return err
	}
	m.evictFilled(buys, sells)
	if len(pairs) == 0 {
		return nil
	}

	postStart := time.Now()
	res := m.batcher.Submit(ctx, pairs)
	postTime := time.Since(postStart)

	m.mu.Lock()
	m.matches += uint64(res.SettledPairs)
	m.mu.Unlock()

	m.sugar.Infow("cycle_done",
		"matches", len(matches),
		"settled_pairs", res.SettledPairs,
		"failed_pairs", res.FailedPairs,
		"total_amount", totalAmount.String(),
		"gas_used", res.GasUsed,
		"fetch_ms", fetchTime.Milliseconds(),
		"match_ms", matchTime.Milliseconds(),
		"post_ms", postTime.Milliseconds())

	if m.stats != nil && res.SettledPairs > 0 {
		txID := ""
		if len(res.Receipts) > 0 {
			txID = res.Receipts[0].TxHash.Hex()
		}
		m.stats.Record(stats.TransactionLog{
			TotalAmount:  totalAmount.String(),
			MatchCount:   len(matches),
			SettledPairs: res.SettledPairs,
			FailedPairs:  res.FailedPairs,
			TxID:         txID,
			GasUsed:      res.GasUsed,
			BuyOrders:    len(buys),
			SellOrders:   len(sells),
			FetchTimeMS:  fetchTime.Milliseconds(),
			MatchTimeMS:  matchTime.Milliseconds(),
			PostTimeMS:   postTime.Milliseconds(),
		})
	}
	return nil
}

// refreshBook treats the indexer response as a full snapshot and replaces
// the book wholesale (poll mode policy; push mode never clears).
func (m *Matcher) refreshBook(ctx context.Context) error {
	buys, err := m.source.FetchOrders(ctx, model.Buy)
	if err != nil {
		return err
	}
	sells, err := m.source.FetchOrders(ctx, model.Sell)
	if err != nil {
		return err
	}

	m.book.Clear()
	for _, o := range buys {
		m.book.Upsert(o)
	}
	for _, o := range sells {
		m.book.Upsert(o)
	}
	return nil
}

// verifyMatches runs the phantom filter over the candidate matches. A
// dropped match refunds its fill to the legs that are still live so their
// remaining size equals what can actually settle; phantom legs stay
// evicted with zero size.
func (m *Matcher) verifyMatches(ctx context.Context, matches []Match) ([]settlement.Pair, *big.Int, error) {
	m.filter.Reset()

	pairs := make([]settlement.Pair, 0, len(matches))
	totalAmount := new(big.Int)
	refunds := make(map[common.Hash]*big.Int)

	for _, match := range matches {
		ok, err := m.filter.Verify(ctx, match)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			for _, leg := range []common.Hash{match.BuyID, match.SellID} {
				if m.filter.Ignored(leg) {
					continue
				}
				if refunds[leg] == nil {
					refunds[leg] = new(big.Int)
				}
				refunds[leg].Add(refunds[leg], match.Amount)
			}
			continue
		}
		pairs = append(pairs, settlement.Pair{BuyID: match.BuyID, SellID: match.SellID})
		totalAmount.Add(totalAmount, match.Amount)
	}

	if len(refunds) > 0 {
		m.book.Refund(refunds)
	}
	return pairs, totalAmount, nil
}

// evictFilled removes fully consumed orders from the book. Harmless in
// poll mode (the next cycle rebuilds anyway) and required in push mode,
// where full fill and phantom eviction are the only ways out of the book.
func (m *Matcher) evictFilled(buys, sells []*model.Order) {
	for _, o := range buys {
		if o.Filled() {
			m.book.Remove(o.ID)
		}
	}
	for _, o := range sells {
		if o.Filled() {
			m.book.Remove(o.ID)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
