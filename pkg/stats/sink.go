// Package stats ships per-cycle settlement statistics to Postgres. The
// matcher treats it as a fire-and-forget channel: a slow or absent
// database never blocks a matching cycle.
package stats

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// TransactionLog is one settled cycle's worth of numbers.
type TransactionLog struct {
	TotalAmount  string // base units, decimal string (may exceed int64)
	MatchCount   int
	SettledPairs int
	FailedPairs  int
	TxID         string
	GasUsed      uint64
	BuyOrders    int
	SellOrders   int
	FetchTimeMS  int64
	MatchTimeMS  int64
	PostTimeMS   int64
}

// Recorder accepts transaction logs without blocking.
type Recorder interface {
	Record(TransactionLog)
}

// Sink buffers transaction logs and drains them into the
// transaction_stats table. With a nil pool it degrades to log-only.
type Sink struct {
	pool  *pgxpool.Pool
	ch    chan TransactionLog
	sugar *zap.SugaredLogger
}

func NewSink(pool *pgxpool.Pool, sugar *zap.SugaredLogger) *Sink {
	return &Sink{
		pool:  pool,
		ch:    make(chan TransactionLog, 64),
		sugar: sugar,
	}
}

// Record enqueues a log record, dropping it if the buffer is full. The
// sink is an observability channel, not a ledger; dropping beats stalling
// the matcher.
func (s *Sink) Record(log TransactionLog) {
	select {
	case s.ch <- log:
	default:
		s.sugar.Warnw("stats_buffer_full_dropping", "tx", log.TxID)
	}
}

// Run drains the buffer until ctx is cancelled.
func (s *Sink) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case log := <-s.ch:
			s.write(ctx, log)
		}
	}
}

func (s *Sink) write(ctx context.Context, log TransactionLog) {
	if s.pool == nil {
		s.sugar.Infow("transaction_stats",
			"total_amount", log.TotalAmount,
			"matches", log.MatchCount,
			"tx", log.TxID,
			"gas_used", log.GasUsed)
		return
	}

	avgGas := uint64(0)
	if log.MatchCount > 0 {
		avgGas = log.GasUsed / uint64(log.MatchCount)
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO transaction_stats
			(total_transactions, total_amount, avg_gas_used, total_gas_used,
			 match_time_ms, buy_orders, sell_orders, receive_time_ms, post_time_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		log.MatchCount,
		log.TotalAmount,
		avgGas,
		log.GasUsed,
		log.MatchTimeMS,
		log.BuyOrders,
		log.SellOrders,
		log.FetchTimeMS,
		log.PostTimeMS,
	)
	if err != nil {
		s.sugar.Errorw("stats_insert_failed", "tx", log.TxID, "err", err)
	}
}
