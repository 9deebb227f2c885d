package executor

import "github.com/hyli-rollup/orderbook/pkg/ome"

// EventKind tags an executor-level output event, as distinct from the
// OME's own Event (an executor event may wrap zero or more OME events).
type EventKind uint8

const (
	EventTxExecutionSuccess EventKind = iota
	EventFailedTx
	EventRollback
)

// StateSnapshot is a point-in-time digest per watched contract, attached to
// TxExecutionSuccess so consumers can cheaply tell whether their view of a
// contract changed without re-fetching the whole projection.
type StateSnapshot map[ome.ContractName][]byte

// Event is the executor's output: a TxExecutionSuccess/FailedTx/Rollback,
// matching spec §4.2's RollupExecutorEvent.
type Event struct {
	Kind EventKind

	// TxExecutionSuccess
	Tx       BlobTransaction
	Outputs  []ome.Event
	Snapshot StateSnapshot

	// FailedTx
	Identity string
	TxHash   [32]byte
	Reason   string

	// Rollback
	OptimisticStates StateSnapshot
}

func snapshotOf(states map[ome.ContractName]*ContractBox, watched map[ome.ContractName]struct{}) StateSnapshot {
	snap := make(StateSnapshot, len(watched))
	for name := range watched {
		if box, ok := states[name]; ok {
			snap[name] = box.OptimisticCommitment()
		}
	}
	return snap
}
