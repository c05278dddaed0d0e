package indexer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spotdex/matcher/params"
	"github.com/spotdex/matcher/pkg/model"
)

// wsServer runs handler over each upgraded connection. Handler errors end
// the connection; assertions happen on the test goroutine via channels.
func wsServer(t *testing.T, handler func(*websocket.Conn)) string {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newTestStream(url string, staleAfter time.Duration, onOrder func(*model.Order)) *Stream {
	s := NewStream(params.Indexer{
		WSURL:      url,
		FetchLimit: 5,
		StaleAfter: staleAfter,
	}, onOrder, zap.NewNop().Sugar())
	s.reconnect = 10 * time.Millisecond
	return s
}

func TestStreamSubscribesAndDeliversOrders(t *testing.T) {
	starts := make(chan wsMessage, 2)
	url := wsServer(t, func(conn *websocket.Conn) {
		var init wsMessage
		if conn.ReadJSON(&init) != nil || init.Type != msgConnectionInit {
			return
		}
		if conn.WriteJSON(wsMessage{Type: msgConnectionAck}) != nil {
			return
		}
		for i := 0; i < 2; i++ {
			var start wsMessage
			if conn.ReadJSON(&start) != nil {
				return
			}
			starts <- start
		}
		if conn.WriteJSON(wsMessage{Type: msgKeepAlive}) != nil {
			return
		}
		payload, _ := json.Marshal(dataPayload{Data: map[string][]model.IndexerOrder{
			"ActiveBuyOrder": {
				{ID: "0x01", Trader: "0x1", Asset: "0x2", Price: "100", Size: "5", OrderType: "buy", Timestamp: "1714557600"},
				{ID: "0x02", Trader: "0x1", Asset: "0x2", Price: "bad", Size: "5", OrderType: "buy", Timestamp: "1714557600"},
			},
		}})
		if conn.WriteJSON(wsMessage{Type: msgData, ID: "buy", Payload: payload}) != nil {
			return
		}
		// Hold the connection open until the client hangs up.
		var msg wsMessage
		_ = conn.ReadJSON(&msg)
	})

	got := make(chan *model.Order, 4)
	s := newTestStream(url, time.Second, func(o *model.Order) { got <- o })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// One start frame per side, ids "buy" and "sell".
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case msg := <-starts:
			assert.Equal(t, msgStart, msg.Type)
			assert.Contains(t, string(msg.Payload), "subscription")
			seen[msg.ID] = true
		case <-time.After(2 * time.Second):
			t.Fatal("missing subscription start frame")
		}
	}
	assert.True(t, seen["buy"])
	assert.True(t, seen["sell"])

	select {
	case o := <-got:
		assert.Equal(t, common.HexToHash("0x01"), o.ID)
		assert.Equal(t, "100", o.Price.String())
		assert.Equal(t, model.Buy, o.Side)
	case <-time.After(2 * time.Second):
		t.Fatal("no order delivered")
	}

	// The malformed record was skipped, not delivered.
	select {
	case o := <-got:
		t.Fatalf("unexpected second delivery %s", o.ID)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, StreamStreaming, s.State())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not observe cancellation")
	}
	assert.Equal(t, StreamDisconnected, s.State())
}

func TestStreamReconnectsWhenFeedGoesStale(t *testing.T) {
	dials := make(chan struct{}, 8)
	url := wsServer(t, func(conn *websocket.Conn) {
		dials <- struct{}{}
		var init wsMessage
		if conn.ReadJSON(&init) != nil {
			return
		}
		if conn.WriteJSON(wsMessage{Type: msgConnectionAck}) != nil {
			return
		}
		// Accept the subscriptions, then go silent: no data, no keep-alives.
		for {
			var msg wsMessage
			if conn.ReadJSON(&msg) != nil {
				return
			}
		}
	})

	s := newTestStream(url, 50*time.Millisecond, func(*model.Order) {})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	// The staleness deadline must tear the first connection down and dial
	// again.
	for i := 0; i < 2; i++ {
		select {
		case <-dials:
		case <-time.After(2 * time.Second):
			t.Fatal("stream did not reconnect after going stale")
		}
	}
}

func TestStreamReconnectsOnServerComplete(t *testing.T) {
	dials := make(chan struct{}, 8)
	url := wsServer(t, func(conn *websocket.Conn) {
		dials <- struct{}{}
		var init wsMessage
		if conn.ReadJSON(&init) != nil {
			return
		}
		_ = conn.WriteJSON(wsMessage{Type: msgConnectionAck})
		_ = conn.WriteJSON(wsMessage{Type: msgComplete, ID: "buy"})
		var msg wsMessage
		_ = conn.ReadJSON(&msg)
	})

	s := newTestStream(url, time.Second, func(*model.Order) {})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case <-dials:
		case <-time.After(2 * time.Second):
			t.Fatal("stream did not reconnect after server complete")
		}
	}
}

func TestHandleDataSkipsBadRecords(t *testing.T) {
	var got []*model.Order
	s := newTestStream("ws://unused", time.Second, func(o *model.Order) {
		got = append(got, o)
	})

	payload, err := json.Marshal(dataPayload{Data: map[string][]model.IndexerOrder{
		"ActiveSellOrder": {
			{ID: "0x01", Trader: "0x1", Asset: "0x2", Price: "110", Size: "3", OrderType: "sell", Timestamp: "1714557600"},
			{ID: "", Price: "100", Size: "1", OrderType: "sell", Timestamp: "1714557600"},
		},
	}})
	require.NoError(t, err)

	s.handleData(payload)
	require.Len(t, got, 1)
	assert.Equal(t, common.HexToHash("0x01"), got[0].ID)
	assert.Equal(t, model.Sell, got[0].Side)
}
