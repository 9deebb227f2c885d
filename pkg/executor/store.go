package executor

import "github.com/hyli-rollup/orderbook/pkg/ome"

// BlobTransaction is one multi-blob transaction as it arrives from either
// the block-settlement stream or the dissemination stream.
type BlobTransaction struct {
	Identity string
	TxHash   [32]byte
	Blobs    []ome.Blob
}

// UnsettledTx pairs a transaction with the context it should be
// (re-)executed under.
type UnsettledTx struct {
	Tx  BlobTransaction
	Ctx ome.TxContext
}

// BlockTx is one transaction as carried inside a settled block.
type BlockTx struct {
	TxHash [32]byte
	Tx     BlobTransaction
}

// Block is the payload of a BlockSettled notification.
type Block struct {
	BlockHeight   ome.BlockHeight
	Timestamp     ome.TimestampMs
	BlockHash     [32]byte
	ChainID       string
	Txs           []BlockTx
	SuccessfulTxs [][32]byte
	FailedTxs     [][32]byte
	TimedOutTxs   [][32]byte
}

// Store holds everything the executor mutates. It is owned exclusively by
// the single cooperative loop described in spec §5 — nothing outside
// Executor's own methods may write to it.
type Store struct {
	ValidatorLaneId  ome.LaneId
	BlockHeight      ome.BlockHeight
	WatchedContracts map[ome.ContractName]struct{}

	SettledStates    map[ome.ContractName]*ContractBox
	OptimisticStates map[ome.ContractName]*ContractBox

	UnsettledSequencedTxs   []UnsettledTx
	UnsettledUnsequencedTxs []UnsettledTx
}

// NewStore returns an empty store watching the given contracts.
func NewStore(lane ome.LaneId, watched []ome.ContractName) *Store {
	w := make(map[ome.ContractName]struct{}, len(watched))
	for _, n := range watched {
		w[n] = struct{}{}
	}
	return &Store{
		ValidatorLaneId:  lane,
		WatchedContracts: w,
		SettledStates:    make(map[ome.ContractName]*ContractBox),
		OptimisticStates: make(map[ome.ContractName]*ContractBox),
	}
}

func (s *Store) isWatched(name ome.ContractName) bool {
	_, ok := s.WatchedContracts[name]
	return ok
}

// touchesWatched reports whether any blob in the transaction targets a
// watched contract.
func (s *Store) touchesWatched(tx BlobTransaction) bool {
	for _, b := range tx.Blobs {
		if s.isWatched(b.ContractName) {
			return true
		}
	}
	return false
}

func removeUnsettledByHash(list []UnsettledTx, hash [32]byte) ([]UnsettledTx, bool) {
	for i, u := range list {
		if u.Tx.TxHash == hash {
			return append(list[:i:i], list[i+1:]...), true
		}
	}
	return list, false
}

func findUnsettledByHash(list []UnsettledTx, hash [32]byte) (UnsettledTx, bool) {
	for _, u := range list {
		if u.Tx.TxHash == hash {
			return u, true
		}
	}
	return UnsettledTx{}, false
}
