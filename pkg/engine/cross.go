package engine

import (
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/spotdex/matcher/pkg/model"
)

// Match pairs one buy leg with one sell leg for a given fill amount.
// Matches live only within the cycle that produced them; they are handed
// to the settlement batcher and never persisted.
type Match struct {
	BuyID  common.Hash
	SellID common.Hash
	Amount *big.Int
}

// Cross runs price-time-priority matching over priority-ordered snapshots
// of the two sides: buys sorted by descending price, sells by ascending
// price, FIFO within a price level (the order the book's Snapshot
// produces). Orders are segmented per asset up front and each segment is
// crossed independently, so a token mismatch never stalls the cursors.
//
// Remaining sizes are decremented in place; orders left with size > 0
// stay in the book for the next cycle. The loop advances at least one
// cursor per iteration and bails as soon as the best remaining buy no
// longer reaches the best remaining sell, which bounds a segment of
// n buys and m sells at O(n+m) steps.
func Cross(buys, sells []*model.Order) []Match {
	byAssetBuys := groupByAsset(buys)
	byAssetSells := groupByAsset(sells)

	// Deterministic asset ordering keeps match sequence stable across runs.
	assets := make([]common.Address, 0, len(byAssetBuys))
	for asset := range byAssetBuys {
		if _, ok := byAssetSells[asset]; ok {
			assets = append(assets, asset)
		}
	}
	sort.Slice(assets, func(i, j int) bool {
		return assets[i].Cmp(assets[j]) < 0
	})

	var matches []Match
	for _, asset := range assets {
		matches = crossAsset(byAssetBuys[asset], byAssetSells[asset], matches)
	}
	return matches
}

func crossAsset(buys, sells []*model.Order, matches []Match) []Match {
	var bi, si int
	for bi < len(buys) && si < len(sells) {
		buy, sell := buys[bi], sells[si]

		// Residue from earlier cycles that has not been evicted yet.
		if buy.Filled() {
			bi++
			continue
		}
		if sell.Filled() {
			si++
			continue
		}

		// Both sides are price-sorted, so once the best buy is under the
		// best sell no later pair can cross either.
		if buy.Price.Cmp(sell.Price) < 0 {
			break
		}

		fill := new(big.Int).Set(buy.Size)
		if sell.Size.Cmp(fill) < 0 {
			fill.Set(sell.Size)
		}

		matches = append(matches, Match{BuyID: buy.ID, SellID: sell.ID, Amount: fill})
		buy.Size.Sub(buy.Size, fill)
		sell.Size.Sub(sell.Size, fill)

		if buy.Filled() {
			bi++
		}
		if sell.Filled() {
			si++
		}
	}
	return matches
}

// groupByAsset splits a priority-ordered snapshot into per-asset sequences,
// preserving relative order so priority survives segmentation.
func groupByAsset(orders []*model.Order) map[common.Address][]*model.Order {
	grouped := make(map[common.Address][]*model.Order)
	for _, o := range orders {
		grouped[o.Asset] = append(grouped[o.Asset], o)
	}
	return grouped
}
