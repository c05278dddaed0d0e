// Package book holds the matcher's working set of resting orders, one FIFO
// queue per price level per side. Iteration order over a side is strict
// price-time priority: best price first, earliest arrival first within a
// level. Orders leave the book on full fill, phantom eviction, or (in poll
// mode) a wholesale rebuild from a fresh indexer snapshot.
package book

import (
	"container/heap"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/spotdex/matcher/pkg/model"
)

// Level is an aggregated view of one price slot, used by the admin surface.
type Level struct {
	Price  *big.Int
	Size   *big.Int
	Orders int
}

type slot struct {
	side model.Side
	key  string // decimal price key into the level maps
}

type Book struct {
	mu sync.Mutex

	// Heap-tracked best price per side (O(1) peek).
	bidHeap maxPriceHeap
	askHeap minPriceHeap

	// Price level queues, FIFO within a level. Keys are decimal price
	// strings since big.Int is not a valid map key.
	bids map[string][]*model.Order
	asks map[string][]*model.Order

	// Order index for O(1) removal.
	index map[common.Hash]slot
}

func New() *Book {
	b := &Book{
		bids:  make(map[string][]*model.Order),
		asks:  make(map[string][]*model.Order),
		index: make(map[common.Hash]slot),
	}
	heap.Init(&b.bidHeap)
	heap.Init(&b.askHeap)
	return b
}

// Upsert inserts a new order at the tail of its price level or replaces an
// existing order with the same id in place, preserving its queue position.
// A replacement whose price or side changed is re-queued as a fresh insert.
func (b *Book) Upsert(o *model.Order) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := o.Price.String()
	if prev, ok := b.index[o.ID]; ok {
		if prev.side == o.Side && prev.key == key {
			queue := b.levels(prev.side)[prev.key]
			for i, resting := range queue {
				if resting.ID == o.ID {
					queue[i] = o
					return
				}
			}
		}
		b.removeLocked(o.ID)
	}

	levels := b.levels(o.Side)
	if len(levels[key]) == 0 {
		if o.Side == model.Buy {
			heap.Push(&b.bidHeap, o.Price)
		} else {
			heap.Push(&b.askHeap, o.Price)
		}
	}
	levels[key] = append(levels[key], o)
	b.index[o.ID] = slot{side: o.Side, key: key}
}

// Remove drops an order from the book. Emptied price levels are removed
// from both the level map and the best-price heap. Removing an unknown id
// is a no-op, which makes phantom eviction idempotent.
func (b *Book) Remove(id common.Hash) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removeLocked(id)
}

func (b *Book) removeLocked(id common.Hash) bool {
	at, ok := b.index[id]
	if !ok {
		return false
	}

	levels := b.levels(at.side)
	queue := levels[at.key]
	for i, o := range queue {
		if o.ID == id {
			levels[at.key] = append(queue[:i], queue[i+1:]...)
			if len(levels[at.key]) == 0 {
				delete(levels, at.key)
				b.dropHeapPrice(at.side, o.Price)
			}
			delete(b.index, id)
			return true
		}
	}
	return false
}

// Evict zeroes an order's remaining size and drops it from the book. Used
// for phantom orders so any snapshot still holding the pointer sees it as
// fully consumed. Evicting an unknown id is a no-op.
func (b *Book) Evict(id common.Hash) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	at, ok := b.index[id]
	if !ok {
		return false
	}
	for _, o := range b.levels(at.side)[at.key] {
		if o.ID == id {
			o.Size.SetInt64(0)
			break
		}
	}
	return b.removeLocked(id)
}

// Refund adds fill amounts back onto resting orders whose counterparty
// turned out to be phantom. Ids no longer in the book are skipped.
func (b *Book) Refund(amounts map[common.Hash]*big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, amount := range amounts {
		at, ok := b.index[id]
		if !ok {
			continue
		}
		for _, o := range b.levels(at.side)[at.key] {
			if o.ID == id {
				o.Size.Add(o.Size, amount)
				break
			}
		}
	}
}

// dropHeapPrice removes one price entry from a side's heap. O(N) over
// levels, but only runs when a level empties.
func (b *Book) dropHeapPrice(side model.Side, price *big.Int) {
	if side == model.Buy {
		for i := 0; i < b.bidHeap.Len(); i++ {
			if b.bidHeap[i].Cmp(price) == 0 {
				heap.Remove(&b.bidHeap, i)
				return
			}
		}
		return
	}
	for i := 0; i < b.askHeap.Len(); i++ {
		if b.askHeap[i].Cmp(price) == 0 {
			heap.Remove(&b.askHeap, i)
			return
		}
	}
}

// Snapshot returns a flattened priority-ordered view of one side: best
// price first, FIFO within a level. The slice is fresh but shares the
// order pointers, so size mutations by the matching engine are visible to
// the book. This is a read, not a drain.
func (b *Book) Snapshot(side model.Side) []*model.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked(side)
}

// MatchPass runs fn over priority-ordered snapshots of both sides while
// holding the book lock for the whole pass. The push feed upserts
// concurrently with the matching cycle, and a same-id upsert landing
// mid-pass would swap the resting pointer out from under the engine's
// size arithmetic, losing the fill. fn must not call back into the book.
func (b *Book) MatchPass(fn func(buys, sells []*model.Order)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b.snapshotLocked(model.Buy), b.snapshotLocked(model.Sell))
}

func (b *Book) snapshotLocked(side model.Side) []*model.Order {
	levels := b.levels(side)
	prices := make([]*big.Int, 0, len(levels))
	for _, queue := range levels {
		if len(queue) > 0 {
			prices = append(prices, queue[0].Price)
		}
	}
	sort.Slice(prices, func(i, j int) bool {
		if side == model.Buy {
			return prices[i].Cmp(prices[j]) > 0
		}
		return prices[i].Cmp(prices[j]) < 0
	})

	var out []*model.Order
	for _, p := range prices {
		out = append(out, levels[p.String()]...)
	}
	return out
}

// Clear wipes both sides. Poll mode uses this to rebuild the book from a
// full indexer snapshot each cycle; push mode must never call it.
func (b *Book) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bids = make(map[string][]*model.Order)
	b.asks = make(map[string][]*model.Order)
	b.index = make(map[common.Hash]slot)
	b.bidHeap = b.bidHeap[:0]
	b.askHeap = b.askHeap[:0]
}

// Len counts resting orders on one side.
func (b *Book) Len(side model.Side) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, queue := range b.levels(side) {
		n += len(queue)
	}
	return n
}

// BestPrice returns the best resting price for a side (highest bid, lowest
// ask), or nil when the side is empty.
func (b *Book) BestPrice(side model.Side) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if side == model.Buy {
		return b.bidHeap.Peek()
	}
	return b.askHeap.Peek()
}

// Depth aggregates a side into per-price levels, best price first.
func (b *Book) Depth(side model.Side) []Level {
	b.mu.Lock()
	defer b.mu.Unlock()

	levels := b.levels(side)
	out := make([]Level, 0, len(levels))
	for _, queue := range levels {
		if len(queue) == 0 {
			continue
		}
		total := new(big.Int)
		for _, o := range queue {
			total.Add(total, o.Size)
		}
		out = append(out, Level{Price: queue[0].Price, Size: total, Orders: len(queue)})
	}
	sort.Slice(out, func(i, j int) bool {
		if side == model.Buy {
			return out[i].Price.Cmp(out[j].Price) > 0
		}
		return out[i].Price.Cmp(out[j].Price) < 0
	})
	return out
}

func (b *Book) levels(side model.Side) map[string][]*model.Order {
	if side == model.Buy {
		return b.bids
	}
	return b.asks
}
