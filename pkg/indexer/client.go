// Package indexer adapts the external GraphQL order indexer into the
// matcher's canonical order representation, either by polling the HTTP
// endpoint or by holding a websocket subscription open.
package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"go.uber.org/zap"

	"github.com/spotdex/matcher/params"
	"github.com/spotdex/matcher/pkg/model"
)

// sideQueryName maps a book side onto the indexer's per-side collections.
func sideQueryName(side model.Side) string {
	if side == model.Buy {
		return "ActiveBuyOrder"
	}
	return "ActiveSellOrder"
}

// buildQuery renders the per-side GraphQL document. Buys come back best
// price first (desc), sells worst-last (asc); the client re-sorts locally
// anyway so a misconfigured indexer cannot break priority.
func buildQuery(side model.Side, limit int) string {
	direction := "desc"
	if side == model.Sell {
		direction = "asc"
	}
	return fmt.Sprintf(`query {
		%s(limit: %d, order_by: {price: %s}) {
			id
			trader
			asset
			price
			size
			order_type
			timestamp
		}
	}`, sideQueryName(side), limit, direction)
}

// Client polls the indexer's GraphQL HTTP endpoint for open orders.
type Client struct {
	url   string
	limit int
	http  *http.Client
	sugar *zap.SugaredLogger
}

func NewClient(cfg params.Indexer, sugar *zap.SugaredLogger) *Client {
	return &Client{
		url:   cfg.HTTPURL,
		limit: cfg.FetchLimit,
		http:  &http.Client{Timeout: cfg.FetchTimeout},
		sugar: sugar,
	}
}

type graphqlResponse struct {
	Data   map[string][]model.IndexerOrder `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// FetchOrders returns the current open-order set for one side in strict
// priority order. A single malformed record is skipped with a warning; a
// malformed response fails the whole fetch.
func (c *Client) FetchOrders(ctx context.Context, side model.Side) ([]*model.Order, error) {
	payload, err := json.Marshal(map[string]string{"query": buildQuery(side, c.limit)})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("indexer fetch %s: %w", side, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("indexer fetch %s: status %d", side, resp.StatusCode)
	}

	var decoded graphqlResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("indexer fetch %s: decode: %w", side, err)
	}
	if len(decoded.Errors) > 0 {
		return nil, fmt.Errorf("indexer fetch %s: %s", side, decoded.Errors[0].Message)
	}

	raw := decoded.Data[sideQueryName(side)]
	orders := make([]*model.Order, 0, len(raw))
	for _, rec := range raw {
		o, err := rec.Normalize()
		if err != nil {
			c.sugar.Warnw("bad_indexer_record", "err", err)
			continue
		}
		if o.Side != side {
			c.sugar.Warnw("side_mismatch_record", "order", o.ID, "want", side, "got", o.Side)
			continue
		}
		if o.Filled() {
			continue
		}
		orders = append(orders, o)
	}

	SortByPriority(orders, side)
	return orders, nil
}

// SortByPriority orders a slice best price first, earliest arrival first
// at equal price.
func SortByPriority(orders []*model.Order, side model.Side) {
	sort.SliceStable(orders, func(i, j int) bool {
		cmp := orders[i].Price.Cmp(orders[j].Price)
		if cmp == 0 {
			return orders[i].CreatedAt < orders[j].CreatedAt
		}
		if side == model.Buy {
			return cmp > 0
		}
		return cmp < 0
	})
}
