package params

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// FeedMode selects how the matcher learns about resting orders.
type FeedMode string

const (
	// FeedPoll fetches the full open-order set from the indexer every cycle.
	FeedPoll FeedMode = "poll"
	// FeedPush accumulates orders delivered over a GraphQL websocket subscription.
	FeedPush FeedMode = "push"
)

type Indexer struct {
	HTTPURL      string
	WSURL        string
	FetchLimit   int
	FetchTimeout time.Duration
	// StaleAfter is how long the push stream may stay silent (no data, no
	// keep-alive) before the connection is considered dead and rebuilt.
	StaleAfter time.Duration
}

type Settlement struct {
	RPCURL       string
	ContractAddr common.Address
	// PrivateKeys holds one hex-encoded signer key per concurrent batch slot.
	// Each in-flight batch uses its own signer to avoid nonce contention.
	PrivateKeys []string
	ChainID     int64
	CallTimeout time.Duration
}

type Matcher struct {
	Mode FeedMode
	// CyclePause is the idle wait between successful matching cycles.
	CyclePause time.Duration
	// ErrorBackoff is the longer wait applied after a failed cycle.
	ErrorBackoff time.Duration
	// MaxBatchSize caps orders per settlement transaction. Zero derives it
	// from FetchLimit/10, matching the contract's gas budget assumptions.
	MaxBatchSize int
}

type Config struct {
	Indexer     Indexer
	Settlement  Settlement
	Matcher     Matcher
	AdminAddr   string
	DatabaseURL string
	LogFile     string
}

func Default() Config {
	return Config{
		Indexer: Indexer{
			FetchLimit:   1000,
			FetchTimeout: 10 * time.Second,
			StaleAfter:   5 * time.Minute,
		},
		Settlement: Settlement{
			ChainID:     1,
			CallTimeout: 30 * time.Second,
		},
		Matcher: Matcher{
			Mode:         FeedPoll,
			CyclePause:   time.Second,
			ErrorBackoff: 5 * time.Second,
		},
		AdminAddr: ":8080",
		LogFile:   "data/matcher.log",
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) (Config, error) {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.Indexer.HTTPURL = getEnv("INDEXER_HTTP_URL", cfg.Indexer.HTTPURL)
	cfg.Indexer.WSURL = getEnv("INDEXER_WS_URL", cfg.Indexer.WSURL)
	if v := os.Getenv("FETCH_ORDER_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Indexer.FetchLimit = n
		}
	}
	if v := os.Getenv("FETCH_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Indexer.FetchTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("STREAM_STALE_AFTER_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Indexer.StaleAfter = time.Duration(ms) * time.Millisecond
		}
	}

	cfg.Settlement.RPCURL = getEnv("SETTLEMENT_RPC_URL", cfg.Settlement.RPCURL)
	if v := os.Getenv("CONTRACT_ADDRESS"); v != "" {
		if !common.IsHexAddress(v) {
			return cfg, fmt.Errorf("CONTRACT_ADDRESS %q is not a valid address", v)
		}
		cfg.Settlement.ContractAddr = common.HexToAddress(v)
	}
	if v := os.Getenv("PRIVATE_KEYS"); v != "" {
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				cfg.Settlement.PrivateKeys = append(cfg.Settlement.PrivateKeys, k)
			}
		}
	} else if v := os.Getenv("PRIVATE_KEY"); v != "" {
		cfg.Settlement.PrivateKeys = []string{v}
	}
	if v := os.Getenv("CHAIN_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Settlement.ChainID = id
		}
	}
	if v := os.Getenv("SETTLEMENT_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Settlement.CallTimeout = time.Duration(ms) * time.Millisecond
		}
	}

	switch mode := os.Getenv("FEED_MODE"); mode {
	case "", string(FeedPoll):
		cfg.Matcher.Mode = FeedPoll
	case string(FeedPush):
		cfg.Matcher.Mode = FeedPush
	default:
		return cfg, fmt.Errorf("FEED_MODE %q: want %q or %q", mode, FeedPoll, FeedPush)
	}
	if v := os.Getenv("CYCLE_PAUSE_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Matcher.CyclePause = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("ERROR_BACKOFF_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Matcher.ErrorBackoff = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("MAX_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Matcher.MaxBatchSize = n
		}
	}

	cfg.AdminAddr = getEnv("ADMIN_ADDR", cfg.AdminAddr)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.LogFile = getEnv("LOG_FILE", cfg.LogFile)

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.Matcher.Mode {
	case FeedPoll:
		if c.Indexer.HTTPURL == "" {
			return fmt.Errorf("FEED_MODE=poll requires INDEXER_HTTP_URL")
		}
	case FeedPush:
		if c.Indexer.WSURL == "" {
			return fmt.Errorf("FEED_MODE=push requires INDEXER_WS_URL")
		}
	}
	if c.Settlement.RPCURL == "" {
		return fmt.Errorf("SETTLEMENT_RPC_URL is required")
	}
	if (c.Settlement.ContractAddr == common.Address{}) {
		return fmt.Errorf("CONTRACT_ADDRESS is required")
	}
	if len(c.Settlement.PrivateKeys) == 0 {
		return fmt.Errorf("PRIVATE_KEY (or PRIVATE_KEYS) is required")
	}
	return nil
}

// BatchSize resolves the effective settlement batch cap.
func (c Config) BatchSize() int {
	if c.Matcher.MaxBatchSize > 0 {
		return c.Matcher.MaxBatchSize
	}
	n := c.Indexer.FetchLimit / 10
	if n < 1 {
		n = 1
	}
	return n
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
