package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/spotdex/matcher/params"
	"github.com/spotdex/matcher/pkg/model"
)

// StreamState tracks the push feed's connection lifecycle. Transitions:
// Disconnected -> Connecting -> Subscribed -> Streaming, with a single
// timeout- or error-driven edge from any connected state back to
// Connecting.
type StreamState string

const (
	StreamDisconnected StreamState = "disconnected"
	StreamConnecting   StreamState = "connecting"
	StreamSubscribed   StreamState = "subscribed"
	StreamStreaming    StreamState = "streaming"
)

// graphql-ws (legacy Hasura) frame types.
const (
	msgConnectionInit = "connection_init"
	msgConnectionAck  = "connection_ack"
	msgKeepAlive      = "ka"
	msgStart          = "start"
	msgData           = "data"
	msgError          = "error"
	msgComplete       = "complete"
)

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type dataPayload struct {
	Data map[string][]model.IndexerOrder `json:"data"`
}

// Stream holds a GraphQL subscription open against the indexer websocket
// and feeds every delivered order into the book via the OnOrder callback.
// The feed is additive: the stream never clears anything, it only upserts.
type Stream struct {
	url        string
	limit      int
	staleAfter time.Duration
	reconnect  time.Duration
	onOrder    func(*model.Order)
	sugar      *zap.SugaredLogger

	mu    sync.Mutex
	state StreamState
}

func NewStream(cfg params.Indexer, onOrder func(*model.Order), sugar *zap.SugaredLogger) *Stream {
	return &Stream{
		url:        cfg.WSURL,
		limit:      cfg.FetchLimit,
		staleAfter: cfg.StaleAfter,
		reconnect:  5 * time.Second,
		onOrder:    onOrder,
		sugar:      sugar,
		state:      StreamDisconnected,
	}
}

// State returns the current connection state for the admin surface.
func (s *Stream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Stream) setState(st StreamState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run keeps the subscription alive until ctx is cancelled, reconnecting
// with a fixed backoff after any connection loss or staleness timeout.
func (s *Stream) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			s.setState(StreamDisconnected)
			return ctx.Err()
		}

		err := s.connectAndStream(ctx)
		s.setState(StreamDisconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.sugar.Errorw("stream_lost_reconnecting", "err", err, "backoff", s.reconnect)

		t := time.NewTimer(s.reconnect)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// connectAndStream performs one full Connecting -> Subscribed -> Streaming
// pass and returns when the connection dies or goes stale.
func (s *Stream) connectAndStream(ctx context.Context) error {
	s.setState(StreamConnecting)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}
	defer conn.Close()

	// Close the socket when ctx ends so the blocked read returns.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	if err := conn.WriteJSON(wsMessage{Type: msgConnectionInit}); err != nil {
		return fmt.Errorf("connection_init: %w", err)
	}

	for {
		// Any frame, keep-alives included, proves the feed is alive; the
		// deadline rearms per message and fires the reconnect transition.
		if err := conn.SetReadDeadline(time.Now().Add(s.staleAfter)); err != nil {
			return err
		}

		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read: %w", err)
		}

		switch msg.Type {
		case msgConnectionAck:
			if err := s.subscribe(conn); err != nil {
				return err
			}
			s.setState(StreamSubscribed)
			s.sugar.Infow("stream_subscribed", "url", s.url)

		case msgKeepAlive:
			// deadline already rearmed above

		case msgData:
			s.setState(StreamStreaming)
			s.handleData(msg.Payload)

		case msgError:
			s.sugar.Errorw("stream_server_error", "id", msg.ID, "payload", string(msg.Payload))

		case msgComplete:
			return fmt.Errorf("subscription %s completed by server", msg.ID)
		}
	}
}

// subscribe starts one subscription per side, ids "buy" and "sell".
func (s *Stream) subscribe(conn *websocket.Conn) error {
	for _, side := range []model.Side{model.Buy, model.Sell} {
		query := fmt.Sprintf(`subscription {
			%s(limit: %d) {
				id
				trader
				asset
				price
				size
				order_type
				timestamp
			}
		}`, sideQueryName(side), s.limit)

		payload, err := json.Marshal(map[string]string{"query": query})
		if err != nil {
			return err
		}
		msg := wsMessage{Type: msgStart, ID: side.String(), Payload: payload}
		if err := conn.WriteJSON(msg); err != nil {
			return fmt.Errorf("subscribe %s: %w", side, err)
		}
	}
	return nil
}

func (s *Stream) handleData(payload json.RawMessage) {
	var decoded dataPayload
	if err := json.Unmarshal(payload, &decoded); err != nil {
		s.sugar.Errorw("bad_stream_payload", "err", err)
		return
	}

	for _, records := range decoded.Data {
		for _, rec := range records {
			o, err := rec.Normalize()
			if err != nil {
				s.sugar.Warnw("bad_stream_record", "err", err)
				continue
			}
			s.onOrder(o)
		}
	}
}
