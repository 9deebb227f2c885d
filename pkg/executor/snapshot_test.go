package executor

import (
	"testing"

	"github.com/hyli-rollup/orderbook/pkg/ome"
)

func TestSnapshotRoundTripPreservesCommitments(t *testing.T) {
	ex := newTestExecutor(t)
	pair := ome.TokenPair{Base: "BTC", Quote: "USDC"}

	deposit := depositTx("alice", "USDC", 10_000, 1)
	block := Block{
		BlockHeight:   1,
		Timestamp:     1000,
		Txs:           []BlockTx{{TxHash: deposit.TxHash, Tx: deposit}},
		SuccessfulTxs: [][32]byte{deposit.TxHash},
	}
	ex.HandleBlockSettled(block)
	// Clear the deposit's quarantine so the order below can rest.
	ex.HandleBlockSettled(Block{BlockHeight: 1 + ome.QuarantineBlocks, Timestamp: 1500})

	rest := orderTx("alice", "buy1", ome.Buy, u32(100), pair, 5, 2)
	ex.HandleWaitingDissemination(rest, 2000)
	for len(ex.Out) > 0 {
		<-ex.Out
	}

	settledBefore := ex.Store.SettledStates[contractName].Commit()
	optimisticBefore := ex.Store.OptimisticStates[contractName].OptimisticCommitment()

	snap, err := ex.BuildSnapshot()
	if err != nil {
		t.Fatalf("BuildSnapshot: %v", err)
	}

	restored, err := RestoreStore(snap, DeserializeOrderbookBox(ome.Engine{}))
	if err != nil {
		t.Fatalf("RestoreStore: %v", err)
	}

	if restored.BlockHeight != ex.Store.BlockHeight {
		t.Errorf("restored block height = %d, want %d", restored.BlockHeight, ex.Store.BlockHeight)
	}
	if got := restored.SettledStates[contractName].Commit(); string(got) != string(settledBefore) {
		t.Errorf("restored settled commitment differs from original")
	}
	if got := restored.OptimisticStates[contractName].OptimisticCommitment(); string(got) != string(optimisticBefore) {
		t.Errorf("restored optimistic commitment differs from original")
	}
	if len(restored.UnsettledUnsequencedTxs) != len(ex.Store.UnsettledUnsequencedTxs) {
		t.Errorf("restored unsettled unsequenced count = %d, want %d", len(restored.UnsettledUnsequencedTxs), len(ex.Store.UnsettledUnsequencedTxs))
	}
}
