package storage

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/hyli-rollup/orderbook/pkg/consensus"
	"github.com/hyli-rollup/orderbook/pkg/executor"
)

type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}
func (s *PebbleStore) Close() error { return s.db.Close() }

// keys: b:<32-byte-hash>, c:<8-byte-view>, cm:committed
func kBlock(h consensus.Hash) []byte { return append([]byte("b:"), h[:]...) }
func kCert(v consensus.View) []byte  { return append([]byte("c:"), viewKey(v)...) }
func kCommitted() []byte             { return []byte("cm") }

func (s *PebbleStore) SaveBlock(b consensus.Block) {
	key := kBlock(consensus.HashOfBlock(b))
	val, err := encodeGob(b)
	if err != nil {
		panic(fmt.Errorf("encode block: %w", err))
	}
	if err := s.db.Set(key, val, pebble.Sync); err != nil {
		panic(err)
	}
}

func (s *PebbleStore) GetBlock(h consensus.Hash) (consensus.Block, bool) {
	val, closer, err := s.db.Get(kBlock(h))
	if err != nil {
		if err == pebble.ErrNotFound {
			return consensus.Block{}, false
		}
		panic(err)
	}
	defer closer.Close()
	var out consensus.Block
	if err := decodeGob(val, &out); err != nil {
		panic(err)
	}
	return out, true
}

func (s *PebbleStore) SaveCert(c consensus.Certificate) {
	val, err := encodeGob(c)
	if err != nil {
		panic(fmt.Errorf("encode cert: %w", err))
	}
	if err := s.db.Set(kCert(c.View), val, pebble.Sync); err != nil {
		panic(err)
	}
}

func (s *PebbleStore) GetCert(v consensus.View) (consensus.Certificate, bool) {
	val, closer, err := s.db.Get(kCert(v))
	if err != nil {
		if err == pebble.ErrNotFound {
			return consensus.Certificate{}, false
		}
		panic(err)
	}
	defer closer.Close()
	var out consensus.Certificate
	if err := decodeGob(val, &out); err != nil {
		panic(err)
	}
	return out, true
}

func (s *PebbleStore) SetCommitted(h consensus.Hash) {
	if err := s.db.Set(kCommitted(), h[:], pebble.Sync); err != nil {
		panic(err)
	}
}

func (s *PebbleStore) GetCommitted() (consensus.Hash, bool) {
	val, closer, err := s.db.Get(kCommitted())
	if err != nil {
		if err == pebble.ErrNotFound {
			return consensus.Hash{}, false
		}
		panic(err)
	}
	defer closer.Close()
	var out consensus.Hash
	copy(out[:], val)
	return out, true
}

var _ consensus.BlockStore = (*PebbleStore)(nil)

// ============================================================================
// Executor snapshot persistence
// ============================================================================

// SaveExecutorSnapshot writes the executor store's snapshot, per spec §5:
// the snapshot file is written only at shutdown.
func (s *PebbleStore) SaveExecutorSnapshot(snap *executor.Snapshot) error {
	data, err := encodeGob(snap)
	if err != nil {
		return fmt.Errorf("encode executor snapshot: %w", err)
	}
	if err := s.db.Set(snapshotKey(), data, pebble.Sync); err != nil {
		return fmt.Errorf("save executor snapshot: %w", err)
	}
	return nil
}

// LoadExecutorSnapshot reads back the snapshot written by
// SaveExecutorSnapshot, read only at startup. Returns nil, nil if absent
// (first run).
func (s *PebbleStore) LoadExecutorSnapshot() (*executor.Snapshot, error) {
	data, closer, err := s.db.Get(snapshotKey())
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load executor snapshot: %w", err)
	}
	defer closer.Close()

	var snap executor.Snapshot
	if err := decodeGob(data, &snap); err != nil {
		return nil, fmt.Errorf("decode executor snapshot: %w", err)
	}
	return &snap, nil
}

// ============================================================================
// Indexer trade-history cache
// ============================================================================

// TradeRecord is one indexer-visible trade, derived from a matched order
// book event (orders_history entries, per spec §4.3).
type TradeRecord struct {
	Pair      string
	Timestamp uint64
	Price     uint32
	Seq       uint64
}

// SaveTrade appends one trade record for a pair, range-scannable by time.
func (s *PebbleStore) SaveTrade(rec TradeRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal trade: %w", err)
	}
	key := tradeKey(rec.Pair, rec.Timestamp, rec.Seq)
	if err := s.db.Set(key, data, pebble.NoSync); err != nil {
		return fmt.Errorf("save trade: %w", err)
	}
	return nil
}

// LoadTradeHistory returns every trade for a pair with timestamp in
// [from, to], ascending by time.
func (s *PebbleStore) LoadTradeHistory(pair string, from, to uint64) ([]TradeRecord, error) {
	prefix := tradePrefix(pair)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("iterate trades: %w", err)
	}
	defer iter.Close()

	var out []TradeRecord
	for iter.First(); iter.Valid(); iter.Next() {
		var rec TradeRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue
		}
		if rec.Timestamp < from || rec.Timestamp > to {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
