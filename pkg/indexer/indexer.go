// Package indexer exposes read-model queries over the order book's
// optimistic projection: balances, orders, trade history, and OHLCV
// candles, per spec §4.3. It never mutates state — the executor's single
// cooperative loop remains the only writer (spec §5).
package indexer

import (
	"sort"

	"github.com/hyli-rollup/orderbook/pkg/ome"
)

// View holds the latest published snapshot of the order book's optimistic
// state, under a single-writer/many-reader discipline: the node publishes
// the restored optimistic state at startup and the devnet App publishes
// the post-settlement optimistic state after every finalized block, and
// any number of readers call Snapshot concurrently without blocking the
// writer for longer than a pointer swap. Dissemination alone does not
// publish: a transaction seen only through dissemination shows up at the
// next finalized block's publish.
type View struct {
	current atomicState
}

func NewView() *View { return &View{} }

// Publish installs a new snapshot. Readers share the published state, so
// it is never mutated after it is installed.
func (v *View) Publish(s *ome.State) {
	v.current.store(s)
}

// Snapshot returns the most recently published state, or nil if none has
// been published yet. The returned value must be treated as read-only by
// callers.
func (v *View) Snapshot() *ome.State {
	return v.current.load()
}

// Indexer answers read-model queries against a View.
type Indexer struct {
	view *View
}

func New(view *View) *Indexer {
	return &Indexer{view: view}
}

// Balances returns every user's balances, or nil if no state has been
// published yet.
func (ix *Indexer) Balances() map[string]map[string]uint32 {
	s := ix.view.Snapshot()
	if s == nil {
		return nil
	}
	return s.Balances
}

// BalanceForAccount returns one user's balances (possibly empty).
func (ix *Indexer) BalanceForAccount(user string) map[string]uint32 {
	s := ix.view.Snapshot()
	if s == nil {
		return nil
	}
	return s.Balances[user]
}

// Orders returns every resting order.
func (ix *Indexer) Orders() map[string]*ome.Order {
	s := ix.view.Snapshot()
	if s == nil {
		return nil
	}
	return s.Orders
}

// PairOrders is the bid/ask split for one trading pair, in book order
// (best price first).
type PairOrders struct {
	BuyOrders  []*ome.Order
	SellOrders []*ome.Order
}

// OrdersByPair returns the resting book for one pair.
func (ix *Indexer) OrdersByPair(pair ome.TokenPair) PairOrders {
	s := ix.view.Snapshot()
	if s == nil {
		return PairOrders{}
	}
	return PairOrders{
		BuyOrders:  resolveOrders(s, s.BuyOrders[pair]),
		SellOrders: resolveOrders(s, s.SellOrders[pair]),
	}
}

func resolveOrders(s *ome.State, ids []string) []*ome.Order {
	out := make([]*ome.Order, 0, len(ids))
	for _, id := range ids {
		if o, ok := s.Orders[id]; ok {
			out = append(out, o)
		}
	}
	return out
}

// OrdersByUser returns every resting order owned by user.
func (ix *Indexer) OrdersByUser(user string) []*ome.Order {
	s := ix.view.Snapshot()
	if s == nil {
		return nil
	}
	var out []*ome.Order
	for _, o := range s.Orders {
		if o.Owner == user {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out
}

// History returns the flat trade-price history for a pair between
// [from, to] inclusive, ascending by timestamp.
func (ix *Indexer) History(pair ome.TokenPair, from, to ome.TimestampMs) []ome.HistoryEntry {
	s := ix.view.Snapshot()
	if s == nil {
		return nil
	}
	var out []ome.HistoryEntry
	for _, h := range s.OrdersHistory[pair] {
		if h.Timestamp >= from && h.Timestamp <= to {
			out = append(out, h)
		}
	}
	return out
}

// Candle is one OHLCV bucket.
type Candle struct {
	Timestamp ome.TimestampMs
	Open      uint32
	High      uint32
	Low       uint32
	Close     uint32
	Volume    uint64
}

// Candles buckets History(pair, from, to) into fixed-width windows of
// intervalMs, skipping empty buckets rather than emitting gaps, per
// spec §4.3.
func (ix *Indexer) Candles(pair ome.TokenPair, from, to ome.TimestampMs, intervalMs uint64) []Candle {
	if intervalMs == 0 {
		return nil
	}
	entries := ix.History(pair, from, to)
	if len(entries) == 0 {
		return nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Timestamp < entries[j].Timestamp })

	var candles []Candle
	var cur *Candle
	var bucketStart uint64
	for _, e := range entries {
		start := (uint64(e.Timestamp) / intervalMs) * intervalMs
		if cur == nil || start != bucketStart {
			if cur != nil {
				candles = append(candles, *cur)
			}
			bucketStart = start
			cur = &Candle{
				Timestamp: ome.TimestampMs(start),
				Open:      e.Price,
				High:      e.Price,
				Low:       e.Price,
				Close:     e.Price,
				Volume:    uint64(e.Price),
			}
			continue
		}
		if e.Price > cur.High {
			cur.High = e.Price
		}
		if e.Price < cur.Low {
			cur.Low = e.Price
		}
		cur.Close = e.Price
		cur.Volume += uint64(e.Price)
	}
	if cur != nil {
		candles = append(candles, *cur)
	}
	return candles
}
