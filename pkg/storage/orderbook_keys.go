package storage

import "fmt"

// Orderbook key schema for Pebble storage, alongside the consensus keys
// already declared in pebble_store.go (b:, c:, cm):
//
//   snap:executor                        → gob-encoded executor.Snapshot
//   trade:<pair>:<timestamp20>:<seq>      → json-encoded TradeRecord

const (
	prefixSnapshot = "snap:"
	prefixTrade    = "trade:"
)

func snapshotKey() []byte { return []byte(prefixSnapshot + "executor") }

// tradeKey is zero-padded on timestamp (20 digits) so a prefix scan over a
// pair orders trades ascending by time.
func tradeKey(pair string, timestampMs uint64, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%020d", prefixTrade, pair, timestampMs, seq))
}

func tradePrefix(pair string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixTrade, pair))
}

func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
