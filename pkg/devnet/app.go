package devnet

import (
	"crypto/sha256"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyli-rollup/orderbook/pkg/abci"
	"github.com/hyli-rollup/orderbook/pkg/consensus"
	"github.com/hyli-rollup/orderbook/pkg/executor"
	"github.com/hyli-rollup/orderbook/pkg/indexer"
	"github.com/hyli-rollup/orderbook/pkg/ome"
)

// App adapts the Executor to the BFT engine's abci.Application hook: every
// proposal drains the Mempool, every finalized block becomes a
// BlockSettled notification, and the engine's AppHash is a SHA-256 digest
// over every settled contract's name and commitment, taken in sorted name
// order (spec §4.2's "authoritative" state). App never touches Executor.Store directly — it
// only ever reaches it through Executor.SubmitBlockSettled, so that
// Executor.Run remains the one goroutine mutating Store (spec §5).
type App struct {
	Executor *executor.Executor
	Mempool  *Mempool
	View     *indexer.View
	Logger   *zap.SugaredLogger

	chainID string

	mu              sync.Mutex
	lastCommitments map[ome.ContractName][]byte
}

// NewApp wires an Executor and Mempool into a devnet Application.
func NewApp(ex *executor.Executor, mp *Mempool, view *indexer.View, chainID string) *App {
	return &App{Executor: ex, Mempool: mp, View: view, chainID: chainID}
}

func (a *App) PrepareProposal(req abci.RequestPrepareProposal) abci.ResponsePrepareProposal {
	return abci.ResponsePrepareProposal{Txs: a.Mempool.SelectForProposal(req.MaxTxBytes)}
}

func (a *App) ProcessProposal(_ abci.RequestProcessProposal) abci.ResponseProcessProposal {
	return abci.ResponseProcessProposal{Accept: true}
}

// FinalizeBlock decodes every tx in the block, treats them all as
// successfully sequenced (single-lane devnet has no slashing/timeout
// path), and drives the executor's settlement algorithm. It then publishes
// the post-settlement optimistic orderbook state to the read model and
// computes an AppHash from every settled contract's commitment.
func (a *App) FinalizeBlock(req abci.RequestFinalizeBlock) abci.ResponseFinalizeBlock {
	block := executor.Block{
		BlockHeight: ome.BlockHeight(req.Height),
		Timestamp:   ome.TimestampMs(req.Timestamp * 1000),
		ChainID:     a.chainID,
	}

	for _, raw := range req.Txs {
		tx, ok := decodeTx(raw)
		if !ok {
			continue
		}
		block.Txs = append(block.Txs, executor.BlockTx{TxHash: tx.TxHash, Tx: tx})
		block.SuccessfulTxs = append(block.SuccessfulTxs, tx.TxHash)
	}

	result := a.Executor.SubmitBlockSettled(block)

	a.mu.Lock()
	a.lastCommitments = result.Commitments
	a.mu.Unlock()

	if result.OrderbookState != nil {
		a.View.Publish(result.OrderbookState)
	}

	return abci.ResponseFinalizeBlock{
		Events:  []string{"commit"},
		AppHash: hashCommitments(result.Commitments),
	}
}

// computeAppHash re-derives the AppHash from the commitments captured by
// the most recent FinalizeBlock call. It never reads Executor.Store
// directly — only the snapshot SubmitBlockSettled already handed back.
func (a *App) computeAppHash() consensus.Hash {
	a.mu.Lock()
	defer a.mu.Unlock()
	return hashCommitments(a.lastCommitments)
}

// hashCommitments hashes every contract's name and commitment, sorted by
// name for determinism across validators.
func hashCommitments(commitments map[ome.ContractName][]byte) consensus.Hash {
	names := make([]string, 0, len(commitments))
	for name := range commitments {
		names = append(names, string(name))
	}
	sort.Strings(names)

	h := sha256.New()
	for _, name := range names {
		h.Write([]byte(name))
		h.Write(commitments[ome.ContractName(name)])
	}
	var out consensus.Hash
	copy(out[:], h.Sum(nil))
	return out
}

var _ abci.Application = (*App)(nil)

// DisseminateLoop feeds newly pushed transactions through the executor's
// optimistic path as soon as they are seen, before they are ever
// sequenced, per spec §4.2's WaitingDissemination lifecycle. It never
// calls the executor's Handle* methods directly — it submits to Run, the
// executor's own single cooperative loop, so that loop is the only thing
// that ever mutates Store. Call it once with the channel the API/p2p
// layer pushes submitted transactions into.
func DisseminateLoop(ex *executor.Executor, mp *Mempool, incoming <-chan executor.BlobTransaction, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case tx, ok := <-incoming:
			if !ok {
				return
			}
			ex.SubmitDissemination(tx, ome.TimestampMs(time.Now().UnixMilli()))
			mp.PushTx(tx)
		}
	}
}
