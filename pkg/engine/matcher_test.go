package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spotdex/matcher/params"
	"github.com/spotdex/matcher/pkg/book"
	"github.com/spotdex/matcher/pkg/model"
	"github.com/spotdex/matcher/pkg/settlement"
	"github.com/spotdex/matcher/pkg/stats"
)

type fakeSource struct {
	buys  []*model.Order
	sells []*model.Order
	err   error
}

func (f *fakeSource) FetchOrders(_ context.Context, side model.Side) ([]*model.Order, error) {
	if f.err != nil {
		return nil, f.err
	}
	if side == model.Buy {
		return f.buys, nil
	}
	return f.sells, nil
}

type fakeSubmitter struct {
	mu      sync.Mutex
	batches [][]settlement.Pair
	bad     map[common.Hash]bool // buy ids whose pair reverts
}

func (f *fakeSubmitter) MatchMany(_ context.Context, ids []common.Hash) (*settlement.Receipt, error) {
	return &settlement.Receipt{TxHash: common.HexToHash("0xbeef"), GasUsed: uint64(1000 * len(ids))}, nil
}

func (f *fakeSubmitter) MatchPairs(_ context.Context, pairs []settlement.Pair) (*settlement.Receipt, error) {
	f.mu.Lock()
	f.batches = append(f.batches, pairs)
	f.mu.Unlock()
	for _, p := range pairs {
		if f.bad[p.BuyID] {
			return nil, settlement.ErrReverted
		}
	}
	return &settlement.Receipt{TxHash: common.HexToHash("0xbeef"), GasUsed: uint64(2000 * len(pairs))}, nil
}

func (f *fakeSubmitter) settledPairs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, batch := range f.batches {
		ok := true
		for _, p := range batch {
			if f.bad[p.BuyID] {
				ok = false
			}
		}
		if ok {
			n += len(batch)
		}
	}
	return n
}

type fakeRecorder struct {
	mu   sync.Mutex
	logs []stats.TransactionLog
}

func (f *fakeRecorder) Record(log stats.TransactionLog) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, log)
}

func testMatcher(cfg params.Matcher, b *book.Book, src OrderSource, reader settlement.ChainReader, sub settlement.Submitter, rec stats.Recorder) *Matcher {
	sugar := zap.NewNop().Sugar()
	filter := NewPhantomFilter(reader, b, sugar)
	batcher := settlement.NewBatcher([]settlement.Submitter{sub}, 10, sugar)
	return NewMatcher(cfg, b, src, filter, batcher, rec, sugar)
}

func pollCfg() params.Matcher {
	return params.Matcher{
		Mode:         params.FeedPoll,
		CyclePause:   time.Millisecond,
		ErrorBackoff: 2 * time.Millisecond,
	}
}

func TestRunCycleSettlesCrossingOrders(t *testing.T) {
	src := &fakeSource{
		buys:  []*model.Order{order("0x01", model.Buy, 100, 5, 1, assetA)},
		sells: []*model.Order{order("0x02", model.Sell, 90, 5, 1, assetA)},
	}
	sub := &fakeSubmitter{}
	rec := &fakeRecorder{}
	b := book.New()
	m := testMatcher(pollCfg(), b, src, newFakeReader(), sub, rec)

	require.NoError(t, m.runCycle(context.Background()))

	require.Len(t, sub.batches, 1)
	require.Len(t, sub.batches[0], 1)
	assert.Equal(t, common.HexToHash("0x01"), sub.batches[0][0].BuyID)
	assert.Equal(t, common.HexToHash("0x02"), sub.batches[0][0].SellID)

	// Fully filled orders left the book.
	assert.Equal(t, 0, b.Len(model.Buy))
	assert.Equal(t, 0, b.Len(model.Sell))

	require.Len(t, rec.logs, 1)
	assert.Equal(t, "5", rec.logs[0].TotalAmount)
	assert.Equal(t, 1, rec.logs[0].MatchCount)
	assert.Equal(t, 1, rec.logs[0].SettledPairs)
	assert.NotEmpty(t, rec.logs[0].TxID)
}

func TestRunCyclePhantomSellLeavesBuyUntouched(t *testing.T) {
	// Push mode: book pre-populated, no source. The sell leg is phantom:
	// it must be evicted while the buy keeps its full size and nothing is
	// submitted for settlement.
	b := book.New()
	buy := order("0x01", model.Buy, 100, 5, 1, assetA)
	sell := order("0x02", model.Sell, 90, 5, 1, assetA)
	b.Upsert(buy)
	b.Upsert(sell)

	reader := newFakeReader()
	reader.phantom[sell.ID] = true
	sub := &fakeSubmitter{}
	rec := &fakeRecorder{}
	cfg := pollCfg()
	cfg.Mode = params.FeedPush
	m := testMatcher(cfg, b, nil, reader, sub, rec)

	require.NoError(t, m.runCycle(context.Background()))

	assert.Empty(t, sub.batches)
	assert.Empty(t, rec.logs)
	assert.Equal(t, 0, b.Len(model.Sell))
	require.Equal(t, 1, b.Len(model.Buy))
	// The dropped match's fill was refunded: size unchanged.
	assert.Equal(t, "5", buy.Size.String())
}

func TestRunCyclePartialFillStaysInBook(t *testing.T) {
	b := book.New()
	buy := order("0x01", model.Buy, 100, 10, 1, assetA)
	sell := order("0x02", model.Sell, 100, 4, 1, assetA)
	b.Upsert(buy)
	b.Upsert(sell)

	cfg := pollCfg()
	cfg.Mode = params.FeedPush
	m := testMatcher(cfg, b, nil, newFakeReader(), &fakeSubmitter{}, nil)

	require.NoError(t, m.runCycle(context.Background()))

	assert.Equal(t, 0, b.Len(model.Sell))
	require.Equal(t, 1, b.Len(model.Buy))
	assert.Equal(t, "6", buy.Size.String())
}

func TestRunCycleFetchErrorAborts(t *testing.T) {
	src := &fakeSource{err: errors.New("indexer down")}
	m := testMatcher(pollCfg(), book.New(), src, newFakeReader(), &fakeSubmitter{}, nil)

	err := m.runCycle(context.Background())
	require.Error(t, err)
}

func TestStartStopStatus(t *testing.T) {
	m := testMatcher(pollCfg(), book.New(), &fakeSource{}, newFakeReader(), &fakeSubmitter{}, nil)

	st := m.Status()
	assert.True(t, st.Active)
	assert.Equal(t, StateIdle, st.State)

	m.Stop()
	assert.False(t, m.Status().Active)
	m.Start()
	assert.True(t, m.Status().Active)
}

func TestRunHonorsStopAndCancel(t *testing.T) {
	src := &fakeSource{
		buys:  []*model.Order{order("0x01", model.Buy, 100, 5, 1, assetA)},
		sells: []*model.Order{order("0x02", model.Sell, 90, 5, 1, assetA)},
	}
	sub := &fakeSubmitter{}
	m := testMatcher(pollCfg(), book.New(), src, newFakeReader(), sub, nil)
	m.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	// Stopped: the loop ticks but never starts a cycle.
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, sub.batches)
	assert.Equal(t, uint64(0), m.Status().Cycles)

	m.Start()
	require.Eventually(t, func() bool {
		return m.Status().Cycles > 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("run loop did not observe cancellation")
	}
}

func TestRunBacksOffAfterError(t *testing.T) {
	src := &fakeSource{err: errors.New("indexer down")}
	m := testMatcher(pollCfg(), book.New(), src, newFakeReader(), &fakeSubmitter{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	require.Eventually(t, func() bool {
		st := m.Status()
		return st.Cycles > 0 && st.LastError != ""
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, m.Status().LastError, "indexer down")
}
