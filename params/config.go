package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Consensus struct {
	Validators []string
	Ppc        time.Duration // leader status wait (Case-2)
	Delta      time.Duration // network upper bound
}

type Node struct {
	SingleNode bool
	// MinBlockTime is the minimum block interval for single-node devnet with
	// fast-path enabled. It is loaded from config but nothing in this build
	// reads it, so it does not throttle block production.
	//
	// Recommended values:
	//   - Devnet (single node):  200ms (5 blocks/sec, prevents log spam)
	//   - Testnet (multi-node):  100ms (10 blocks/sec, closer to production)
	//   - Production (WAN):      0ms (no artificial throttle; network latency provides natural pacing)
	MinBlockTime time.Duration
}

// Rollup holds the executor's view of the chain it settles against: which
// lane its blob transactions live on, which contracts it watches, and the
// deposit-quarantine window.
type Rollup struct {
	LaneID             string
	WatchedContracts   []string
	AcceptedTokens     []string
	DepositQuarantine  uint64 // blocks, per spec §4.1
	SnapshotDir        string
	TradeHistoryDBPath string
}

// API holds the REST/WebSocket server's bind configuration.
type API struct {
	ListenAddr    string
	CORSOrigins   []string
	EventBusDepth int
}

type Config struct {
	Consensus Consensus
	Node      Node
	Rollup    Rollup
	API       API
}

func Default() Config {
	return Config{
		Consensus: Consensus{
			Validators: []string{"val1", "val2", "val3", "val4"},
			Ppc:        150 * time.Millisecond,
			Delta:      50 * time.Millisecond,
		},
		Node: Node{
			SingleNode:   true,
			MinBlockTime: 200 * time.Millisecond, // Devnet default: prevent log spam
		},
		Rollup: Rollup{
			LaneID:             "orderbook",
			WatchedContracts:   []string{"orderbook"},
			AcceptedTokens:     []string{"BTC", "ETH", "USDC"},
			DepositQuarantine:  5,
			SnapshotDir:        "./data/snapshots",
			TradeHistoryDBPath: "./data/trades",
		},
		API: API{
			ListenAddr:    ":8080",
			CORSOrigins:   []string{"*"},
			EventBusDepth: 256,
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment
// variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if ppc := os.Getenv("CONSENSUS_PPC_MS"); ppc != "" {
		if ms, err := strconv.Atoi(ppc); err == nil {
			cfg.Consensus.Ppc = time.Duration(ms) * time.Millisecond
		}
	}
	if delta := os.Getenv("CONSENSUS_DELTA_MS"); delta != "" {
		if ms, err := strconv.Atoi(delta); err == nil {
			cfg.Consensus.Delta = time.Duration(ms) * time.Millisecond
		}
	}
	if minBlock := os.Getenv("NODE_MIN_BLOCK_TIME_MS"); minBlock != "" {
		if ms, err := strconv.Atoi(minBlock); err == nil {
			cfg.Node.MinBlockTime = time.Duration(ms) * time.Millisecond
		}
	}
	if singleNode := os.Getenv("SINGLE_NODE"); singleNode != "" {
		cfg.Node.SingleNode = singleNode == "true"
	}
	if vals := os.Getenv("CONSENSUS_VALIDATORS"); vals != "" {
		cfg.Consensus.Validators = strings.Split(vals, ",")
	}

	if lane := os.Getenv("ROLLUP_LANE_ID"); lane != "" {
		cfg.Rollup.LaneID = lane
	}
	if contracts := os.Getenv("ROLLUP_WATCHED_CONTRACTS"); contracts != "" {
		cfg.Rollup.WatchedContracts = strings.Split(contracts, ",")
	}
	if tokens := os.Getenv("ROLLUP_ACCEPTED_TOKENS"); tokens != "" {
		cfg.Rollup.AcceptedTokens = strings.Split(tokens, ",")
	}
	if q := os.Getenv("ROLLUP_DEPOSIT_QUARANTINE_BLOCKS"); q != "" {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			cfg.Rollup.DepositQuarantine = n
		}
	}
	if dir := os.Getenv("ROLLUP_SNAPSHOT_DIR"); dir != "" {
		cfg.Rollup.SnapshotDir = dir
	}
	if dir := os.Getenv("ROLLUP_TRADE_DB_PATH"); dir != "" {
		cfg.Rollup.TradeHistoryDBPath = dir
	}

	if addr := os.Getenv("API_LISTEN_ADDR"); addr != "" {
		cfg.API.ListenAddr = addr
	}
	if origins := os.Getenv("API_CORS_ORIGINS"); origins != "" {
		cfg.API.CORSOrigins = strings.Split(origins, ",")
	}
	if depth := os.Getenv("API_EVENT_BUS_DEPTH"); depth != "" {
		if n, err := strconv.Atoi(depth); err == nil {
			cfg.API.EventBusDepth = n
		}
	}

	return cfg
}

// getEnv returns environment variable value or default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
