// Package settlement talks to the on-chain spot market contract: submitting
// matched order batches and answering order-existence queries for the
// phantom filter. The contract is treated as an opaque collaborator with a
// match(order_ids) -> success|failure contract.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/spotdex/matcher/params"
)

// ErrReverted marks a mined settlement transaction that the contract
// rejected. The batcher uses it to trigger the per-pair fallback.
var ErrReverted = errors.New("settlement transaction reverted")

// Pair names the two legs of one match; the contract settles them together.
type Pair struct {
	BuyID  common.Hash
	SellID common.Hash
}

// Receipt is the acknowledgment for one settled batch.
type Receipt struct {
	TxHash  common.Hash
	GasUsed uint64
}

// OrderRecord is the authoritative on-chain view of an order.
type OrderRecord struct {
	ID     common.Hash
	Trader common.Address
	Asset  common.Address
	Price  *big.Int
	Size   *big.Int
}

// Submitter settles matched orders on chain.
type Submitter interface {
	// MatchMany settles the given order ids in one transaction; ids are
	// interleaved buy,sell,buy,sell as the contract expects.
	MatchMany(ctx context.Context, ids []common.Hash) (*Receipt, error)
	// MatchPairs settles explicit (buy, sell) pairs in one transaction.
	MatchPairs(ctx context.Context, pairs []Pair) (*Receipt, error)
}

// ChainReader answers order-existence queries against chain state.
type ChainReader interface {
	// OrderByID returns the on-chain record for an order, or (nil, nil)
	// when the order no longer exists with nonzero size.
	OrderByID(ctx context.Context, id common.Hash) (*OrderRecord, error)
}

const marketABI = `[
	{"type":"function","name":"matchOrderMany","stateMutability":"nonpayable","inputs":[{"name":"orderIds","type":"bytes32[]"}],"outputs":[]},
	{"type":"function","name":"orders","stateMutability":"view","inputs":[{"name":"orderId","type":"bytes32"}],"outputs":[{"name":"trader","type":"address"},{"name":"asset","type":"address"},{"name":"price","type":"uint256"},{"name":"size","type":"uint256"}]}
]`

// ContractClient is the go-ethereum backed Submitter/ChainReader. One
// client wraps one signing key; nonce safety is guaranteed by allowing a
// single in-flight transaction per client.
type ContractClient struct {
	eth         *ethclient.Client
	contract    *bind.BoundContract
	opts        *bind.TransactOpts
	signer      common.Address
	callTimeout time.Duration

	mu sync.Mutex // serializes transactions for this signer
}

// Dial connects to the settlement RPC and binds the market contract with
// the given hex-encoded signer key.
func Dial(ctx context.Context, cfg params.Settlement, keyHex string) (*ContractClient, error) {
	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial settlement rpc: %w", err)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse signer key: %w", err)
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(cfg.ChainID))
	if err != nil {
		return nil, fmt.Errorf("build transactor: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(marketABI))
	if err != nil {
		return nil, fmt.Errorf("parse market abi: %w", err)
	}

	return &ContractClient{
		eth:         eth,
		contract:    bind.NewBoundContract(cfg.ContractAddr, parsed, eth, eth, eth),
		opts:        opts,
		signer:      crypto.PubkeyToAddress(key.PublicKey),
		callTimeout: cfg.CallTimeout,
	}, nil
}

// Signer returns the address this client transacts from.
func (c *ContractClient) Signer() common.Address {
	return c.signer
}

func (c *ContractClient) MatchMany(ctx context.Context, ids []common.Hash) (*Receipt, error) {
	if len(ids) == 0 {
		return nil, errors.New("empty id set")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	raw := make([][32]byte, len(ids))
	for i, id := range ids {
		raw[i] = id
	}

	opts := *c.opts
	opts.Context = ctx
	tx, err := c.contract.Transact(&opts, "matchOrderMany", raw)
	if err != nil {
		return nil, fmt.Errorf("matchOrderMany: %w", err)
	}

	rcpt, err := bind.WaitMined(ctx, c.eth, tx)
	if err != nil {
		return nil, fmt.Errorf("wait mined %s: %w", tx.Hash(), err)
	}
	if rcpt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("tx %s: %w", tx.Hash(), ErrReverted)
	}
	return &Receipt{TxHash: tx.Hash(), GasUsed: rcpt.GasUsed}, nil
}

func (c *ContractClient) MatchPairs(ctx context.Context, pairs []Pair) (*Receipt, error) {
	ids := make([]common.Hash, 0, len(pairs)*2)
	for _, p := range pairs {
		ids = append(ids, p.BuyID, p.SellID)
	}
	return c.MatchMany(ctx, ids)
}

func (c *ContractClient) OrderByID(ctx context.Context, id common.Hash) (*OrderRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	var out []interface{}
	err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "orders", [32]byte(id))
	if err != nil {
		return nil, fmt.Errorf("orders(%s): %w", id, err)
	}
	if len(out) != 4 {
		return nil, fmt.Errorf("orders(%s): unexpected return arity %d", id, len(out))
	}

	record := &OrderRecord{
		ID:     id,
		Trader: out[0].(common.Address),
		Asset:  out[1].(common.Address),
		Price:  out[2].(*big.Int),
		Size:   out[3].(*big.Int),
	}
	// The contract zeroes filled and cancelled orders; callers read a nil
	// record as "phantom".
	if record.Size == nil || record.Size.Sign() == 0 {
		return nil, nil
	}
	return record, nil
}
