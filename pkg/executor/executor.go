package executor

import (
	"bytes"
	"context"
	"fmt"

	"github.com/hyli-rollup/orderbook/pkg/ome"
	"go.uber.org/zap"
)

// Executor owns Store exclusively. Spec §5 calls for a single cooperative
// loop driven by the two message streams spec §2 describes
// (WaitingDissemination and BlockSettled); Run is that loop. Nothing else
// may call HandleWaitingDissemination/HandleBlockSettled concurrently with
// Run, or read/write Store directly, once Run is started — callers submit
// work through SubmitDissemination/SubmitBlockSettled instead, from any
// goroutine.
type Executor struct {
	Store  *Store
	Logger *zap.SugaredLogger

	// Out receives every TxExecutionSuccess/FailedTx/Rollback event. It is
	// the executor's side of the single-producer-many-consumer bus spec §9
	// calls for; pkg/bus owns the per-topic fan-out downstream of it.
	Out chan Event

	disseminate  chan disseminateRequest
	blockSettled chan blockSettledRequest
}

// NewExecutor returns an Executor writing to a freshly allocated, bounded
// output channel.
func NewExecutor(store *Store, logger *zap.SugaredLogger) *Executor {
	return &Executor{
		Store:        store,
		Logger:       logger,
		Out:          make(chan Event, 1024),
		disseminate:  make(chan disseminateRequest, 256),
		blockSettled: make(chan blockSettledRequest, 16),
	}
}

type disseminateRequest struct {
	tx  BlobTransaction
	now ome.TimestampMs
}

type blockSettledRequest struct {
	block Block
	resp  chan BlockSettledResult
}

// BlockSettledResult is the snapshot handed back to the caller of
// SubmitBlockSettled once Run has applied the block. It is captured inside
// the loop and safe to read from any goroutine — it is never a reference
// into the live Store.
type BlockSettledResult struct {
	// Commitments holds every settled contract's post-settlement Commit()
	// bytes, keyed by contract name.
	Commitments map[ome.ContractName][]byte
	// OrderbookState is a clone of the optimistic order book state as it
	// stands after the block's re-run, or nil if this build's orderbook
	// contract was not among OptimisticStates.
	OrderbookState *ome.State
}

// SubmitDissemination queues tx for the Run loop to execute against the
// optimistic projection. Safe to call from any goroutine; does not block
// on execution, only on the (buffered) queue.
func (e *Executor) SubmitDissemination(tx BlobTransaction, now ome.TimestampMs) {
	e.disseminate <- disseminateRequest{tx: tx, now: now}
}

// SubmitBlockSettled queues a settled block for the Run loop and blocks
// until it has been fully applied, returning a snapshot of the resulting
// settled state. Safe to call from any goroutine.
func (e *Executor) SubmitBlockSettled(block Block) BlockSettledResult {
	resp := make(chan BlockSettledResult, 1)
	e.blockSettled <- blockSettledRequest{block: block, resp: resp}
	return <-resp
}

// Run is the single cooperative loop that owns all mutation of Store. It
// processes dissemination and block-settled requests serially, one at a
// time, until ctx is cancelled. Exactly one goroutine may run this at a
// time; everything else reaches Store only through Submit*.
func (e *Executor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-e.disseminate:
			e.HandleWaitingDissemination(req.tx, req.now)
		case req := <-e.blockSettled:
			e.HandleBlockSettled(req.block)
			req.resp <- e.snapshotAfterSettle()
		}
	}
}

// snapshotAfterSettle must only be called from within Run: it reads Store
// directly, immediately after HandleBlockSettled, before the loop accepts
// any further request.
func (e *Executor) snapshotAfterSettle() BlockSettledResult {
	result := BlockSettledResult{Commitments: make(map[ome.ContractName][]byte, len(e.Store.SettledStates))}
	for name, box := range e.Store.SettledStates {
		result.Commitments[name] = box.Commit()
	}
	for _, box := range e.Store.OptimisticStates {
		if box.Kind == KindOrderbook && box.Orderbook != nil {
			result.OrderbookState = box.Orderbook.State.Clone()
		}
	}
	return result
}

func (e *Executor) emit(ev Event) {
	select {
	case e.Out <- ev:
	default:
		if e.Logger != nil {
			e.Logger.Warnw("executor event bus full, dropping event", "kind", ev.Kind)
		}
	}
}

// executeBlobTx is all-or-nothing with respect to the contracts it
// touches: every touched contract is cloned into a scratch map, every blob
// is handled in sequence, and only on full success are the scratch clones
// committed back into contracts. A blob targeting a contract not present in
// contracts is skipped — it does not void the transaction (spec §4.2).
//
// Returns the OME-level events produced, the set of contract names
// actually touched (nil if the tx touched none of contracts — "ignored"),
// and an error if any blob failed.
func executeBlobTx(contracts map[ome.ContractName]*ContractBox, tx BlobTransaction, txCtx ome.TxContext) ([]ome.Event, []ome.ContractName, error) {
	scratch := make(map[ome.ContractName]*ContractBox)
	for _, b := range tx.Blobs {
		if _, already := scratch[b.ContractName]; already {
			continue
		}
		if box, ok := contracts[b.ContractName]; ok {
			scratch[b.ContractName] = box
		}
	}
	if len(scratch) == 0 {
		return nil, nil, nil
	}

	var allEvents []ome.Event
	for i, b := range tx.Blobs {
		box, managed := scratch[b.ContractName]
		if !managed {
			continue
		}
		calldata := ome.Calldata{
			Identity:    tx.Identity,
			TxHash:      tx.TxHash,
			Blobs:       tx.Blobs,
			Index:       i,
			TxCtx:       &txCtx,
			TxBlobCount: len(tx.Blobs),
		}
		out, next, err := box.Handle(calldata)
		if err != nil {
			return nil, nil, &TxError{TxHash: tx.TxHash, BlobIndex: i, ContractName: b.ContractName, Inner: err}
		}
		scratch[b.ContractName] = next
		allEvents = append(allEvents, out.Events...)
	}

	touched := make([]ome.ContractName, 0, len(scratch))
	for name, box := range scratch {
		contracts[name] = box
		touched = append(touched, name)
	}
	return allEvents, touched, nil
}

// TxError wraps an OME failure with the transaction-level context the
// executor needs to produce a FailedTx event.
type TxError struct {
	TxHash       [32]byte
	BlobIndex    int
	ContractName ome.ContractName
	Inner        error
}

func (e *TxError) Error() string {
	return fmt.Sprintf("tx %x blob %d contract %s: %v", e.TxHash, e.BlobIndex, e.ContractName, e.Inner)
}

func (e *TxError) Unwrap() error { return e.Inner }

// HandleWaitingDissemination executes a mempool-seen transaction against
// the optimistic projection. If it touches no watched contract, it is
// silently dropped. The dissemination context is {lane_id, block_height}
// per spec §4.2; now is stamped onto it as Timestamp, extending that
// context, because the OME needs a timestamp to stamp resting orders with
// and dissemination has no block to draw one from.
func (e *Executor) HandleWaitingDissemination(tx BlobTransaction, now ome.TimestampMs) {
	if !e.Store.touchesWatched(tx) {
		return
	}
	txCtx := ome.TxContext{
		LaneId:      e.Store.ValidatorLaneId,
		BlockHeight: e.Store.BlockHeight,
		Timestamp:   now,
	}
	events, touched, err := executeBlobTx(e.Store.OptimisticStates, tx, txCtx)
	if err != nil {
		e.emit(Event{Kind: EventFailedTx, Identity: tx.Identity, TxHash: tx.TxHash, Reason: err.Error()})
		return
	}
	if touched == nil {
		return
	}
	e.Store.UnsettledUnsequencedTxs = append(e.Store.UnsettledUnsequencedTxs, UnsettledTx{Tx: tx, Ctx: txCtx})
	e.emit(Event{
		Kind:     EventTxExecutionSuccess,
		Tx:       tx,
		Outputs:  events,
		Snapshot: snapshotOf(e.Store.OptimisticStates, e.Store.WatchedContracts),
	})
}

// HandleBlockSettled advances the executor by one settled block, per the
// five-step algorithm in spec §4.2.
func (e *Executor) HandleBlockSettled(block Block) {
	e.Store.BlockHeight = block.BlockHeight
	shouldRerun := false

	// Step 2: promote sequenced transactions out of the unsequenced set.
	for _, btx := range block.Txs {
		if !e.Store.touchesWatched(btx.Tx) {
			continue
		}
		e.Store.UnsettledUnsequencedTxs, _ = removeUnsettledByHash(e.Store.UnsettledUnsequencedTxs, btx.TxHash)
		ctx := ome.TxContext{
			LaneId:      e.Store.ValidatorLaneId,
			BlockHeight: block.BlockHeight,
			Timestamp:   block.Timestamp,
			BlockHash:   block.BlockHash,
			ChainID:     block.ChainID,
		}
		e.Store.UnsettledSequencedTxs = append(e.Store.UnsettledSequencedTxs, UnsettledTx{Tx: btx.Tx, Ctx: ctx})
		shouldRerun = true
	}

	// Step 3: settled-successful transactions execute against SettledStates
	// and leave the unsettled lists entirely.
	for _, hash := range block.SuccessfulTxs {
		u, ok := findUnsettledByHash(e.Store.UnsettledSequencedTxs, hash)
		if !ok {
			u, ok = findUnsettledByHash(e.Store.UnsettledUnsequencedTxs, hash)
		}
		if !ok {
			continue
		}
		var removed bool
		e.Store.UnsettledSequencedTxs, removed = removeUnsettledByHash(e.Store.UnsettledSequencedTxs, hash)
		if !removed {
			e.Store.UnsettledUnsequencedTxs, _ = removeUnsettledByHash(e.Store.UnsettledUnsequencedTxs, hash)
		}
		if _, _, err := executeBlobTx(e.Store.SettledStates, u.Tx, u.Ctx); err != nil && e.Logger != nil {
			// This really should not happen: settlement is authoritative.
			// Log, don't fail — an upstream desync, not a local bug.
			e.Logger.Errorw("settled execution failed", "tx_hash", fmt.Sprintf("%x", hash), "err", err)
		}
		shouldRerun = true
	}

	// Step 4: failed/timed-out transactions simply leave the unsettled lists.
	for _, hash := range append(append([][32]byte{}, block.FailedTxs...), block.TimedOutTxs...) {
		var removedSeq, removedUnseq bool
		e.Store.UnsettledSequencedTxs, removedSeq = removeUnsettledByHash(e.Store.UnsettledSequencedTxs, hash)
		e.Store.UnsettledUnsequencedTxs, removedUnseq = removeUnsettledByHash(e.Store.UnsettledUnsequencedTxs, hash)
		if removedSeq || removedUnseq {
			shouldRerun = true
		}
	}

	if shouldRerun {
		e.rerunFromSettled()
	}
}

// rerunFromSettled resets the optimistic projection from the settled one
// and replays every still-unsettled transaction, emitting Rollback if any
// watched contract's commitment ends up different from before the reset.
func (e *Executor) rerunFromSettled() {
	before := snapshotOf(e.Store.OptimisticStates, e.Store.WatchedContracts)

	fresh := make(map[ome.ContractName]*ContractBox, len(e.Store.SettledStates))
	for name, box := range e.Store.SettledStates {
		fresh[name] = box.Clone()
	}
	e.Store.OptimisticStates = fresh

	for _, u := range e.Store.UnsettledSequencedTxs {
		if _, _, err := executeBlobTx(e.Store.OptimisticStates, u.Tx, u.Ctx); err != nil && e.Logger != nil {
			e.Logger.Warnw("re-run of sequenced tx failed, leaving unsettled", "tx_hash", fmt.Sprintf("%x", u.Tx.TxHash), "err", err)
		}
	}
	for _, u := range e.Store.UnsettledUnsequencedTxs {
		if _, _, err := executeBlobTx(e.Store.OptimisticStates, u.Tx, u.Ctx); err != nil && e.Logger != nil {
			e.Logger.Warnw("re-run of unsequenced tx failed, leaving unsettled", "tx_hash", fmt.Sprintf("%x", u.Tx.TxHash), "err", err)
		}
	}

	after := snapshotOf(e.Store.OptimisticStates, e.Store.WatchedContracts)
	if snapshotsDiffer(before, after) {
		e.emit(Event{Kind: EventRollback, OptimisticStates: after})
	}
}

func snapshotsDiffer(a, b StateSnapshot) bool {
	if len(a) != len(b) {
		return true
	}
	for name, va := range a {
		vb, ok := b[name]
		if !ok || !bytes.Equal(va, vb) {
			return true
		}
	}
	return false
}
