// Package devnet wires pkg/consensus and pkg/executor together into a
// runnable single-lane sequencer: transactions flow in as
// executor.BlobTransaction, get ordered and finalized by the BFT engine
// inherited from the teacher, and settled blocks drive the executor's
// two-lifecycle model (spec §4.2, §5).
package devnet

import (
	"bytes"
	"encoding/gob"
	"sync"

	"github.com/hyli-rollup/orderbook/pkg/executor"
	"github.com/hyli-rollup/orderbook/pkg/ome"
)

func encodeTx(tx executor.BlobTransaction) []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(tx)
	return buf.Bytes()
}

func decodeTx(b []byte) (executor.BlobTransaction, bool) {
	var tx executor.BlobTransaction
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&tx); err != nil {
		return executor.BlobTransaction{}, false
	}
	return tx, true
}

// firstActionKind peeks at a transaction's first blob to classify it for
// proposal ordering. Mixed-kind transactions classify by their first blob,
// matching how the executor itself treats the whole transaction atomically.
func firstActionKind(tx executor.BlobTransaction) (ome.ActionKind, bool) {
	if len(tx.Blobs) == 0 {
		return 0, false
	}
	action, err := ome.DecodeAction(tx.Blobs[0].Data)
	if err != nil {
		return 0, false
	}
	return action.Kind, true
}

// Mempool holds pending transactions in three buckets — deposits and
// withdrawals, then cancels, then order creation — mirroring the teacher's
// non-order/cancel/order priority split so cancels and custody movements
// always clear ahead of new order flow within a proposal.
type Mempool struct {
	mu       sync.Mutex
	custody  [][]byte // deposit / withdraw
	cancel   [][]byte
	orders   [][]byte
}

func NewMempool() *Mempool { return &Mempool{} }

// PushTx classifies and enqueues a transaction.
func (m *Mempool) PushTx(tx executor.BlobTransaction) {
	raw := encodeTx(tx)
	kind, ok := firstActionKind(tx)
	m.mu.Lock()
	defer m.mu.Unlock()
	if !ok {
		m.orders = append(m.orders, raw)
		return
	}
	switch kind {
	case ome.ActionCancel:
		m.cancel = append(m.cancel, raw)
	case ome.ActionDeposit, ome.ActionWithdraw:
		m.custody = append(m.custody, raw)
	default:
		m.orders = append(m.orders, raw)
	}
}

// SelectForProposal drains up to maxBytes worth of pending transactions in
// priority order, removing them from the mempool.
func (m *Mempool) SelectForProposal(maxBytes int64) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out [][]byte
	var used int64
	pull := func(q *[][]byte) {
		for len(*q) > 0 {
			tx := (*q)[0]
			n := int64(len(tx))
			if maxBytes > 0 && used+n > maxBytes {
				return
			}
			out = append(out, tx)
			used += n
			*q = (*q)[1:]
		}
	}
	pull(&m.custody)
	pull(&m.cancel)
	pull(&m.orders)
	return out
}

// Len returns the total number of pending transactions.
func (m *Mempool) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.custody) + len(m.cancel) + len(m.orders)
}
