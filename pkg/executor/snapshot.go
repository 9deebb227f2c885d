package executor

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/hyli-rollup/orderbook/pkg/ome"
)

// Snapshot is the on-disk layout spec §6 requires: everything needed to
// reconstruct a Store except the deserializer for each contract kind,
// which the caller supplies to RestoreStore (this build has exactly one
// kind, handled by DeserializeOrderbookBox below).
type Snapshot struct {
	ValidatorLaneId  ome.LaneId
	BlockHeight      ome.BlockHeight
	WatchedContracts []ome.ContractName
	SettledStates    map[ome.ContractName][]byte
	OptimisticStates map[ome.ContractName][]byte
	UnsettledSequenced   []unsettledTxWire
	UnsettledUnsequenced []unsettledTxWire
}

type unsettledTxWire struct {
	Identity string
	TxHash   [32]byte
	Blobs    []ome.Blob
	Ctx      ome.TxContext
}

// ContractDeserializer turns a contract's snapshot bytes back into a live
// ContractBox. The order book's canonical Commit() output has no decoder
// and leaves out LatestDeposit, so it cannot rebuild a State; instead the
// snapshot stores the order book's own gob-encoded State directly (see
// serializeBox). ContractDeserializer exists to keep the
// snapshot format extensible to a future second contract kind, per spec
// §6's "contract_deserializer: (bytes, ContractName) -> Contract".
type ContractDeserializer func(name ome.ContractName, data []byte) (*ContractBox, error)

// DeserializeOrderbookBox is the ContractDeserializer for this build's one
// contract kind.
func DeserializeOrderbookBox(engine ome.Engine) ContractDeserializer {
	return func(name ome.ContractName, data []byte) (*ContractBox, error) {
		var state ome.State
		dec := gob.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&state); err != nil {
			return nil, fmt.Errorf("decode orderbook state for %s: %w", name, err)
		}
		return NewOrderbookBox(&state, engine), nil
	}
}

func serializeBox(box *ContractBox) ([]byte, error) {
	var buf bytes.Buffer
	switch box.Kind {
	case KindOrderbook:
		enc := gob.NewEncoder(&buf)
		if err := enc.Encode(box.Orderbook.State); err != nil {
			return nil, fmt.Errorf("encode orderbook state: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, errUnknownKind(box.Kind)
	}
}

// BuildSnapshot captures the store's current contents for persistence.
func (e *Executor) BuildSnapshot() (*Snapshot, error) {
	snap := &Snapshot{
		ValidatorLaneId:      e.Store.ValidatorLaneId,
		BlockHeight:          e.Store.BlockHeight,
		SettledStates:        make(map[ome.ContractName][]byte, len(e.Store.SettledStates)),
		OptimisticStates:     make(map[ome.ContractName][]byte, len(e.Store.OptimisticStates)),
		UnsettledSequenced:   make([]unsettledTxWire, 0, len(e.Store.UnsettledSequencedTxs)),
		UnsettledUnsequenced: make([]unsettledTxWire, 0, len(e.Store.UnsettledUnsequencedTxs)),
	}
	for name := range e.Store.WatchedContracts {
		snap.WatchedContracts = append(snap.WatchedContracts, name)
	}
	for name, box := range e.Store.SettledStates {
		b, err := serializeBox(box)
		if err != nil {
			return nil, err
		}
		snap.SettledStates[name] = b
	}
	for name, box := range e.Store.OptimisticStates {
		b, err := serializeBox(box)
		if err != nil {
			return nil, err
		}
		snap.OptimisticStates[name] = b
	}
	for _, u := range e.Store.UnsettledSequencedTxs {
		snap.UnsettledSequenced = append(snap.UnsettledSequenced, unsettledTxWire{
			Identity: u.Tx.Identity, TxHash: u.Tx.TxHash, Blobs: u.Tx.Blobs, Ctx: u.Ctx,
		})
	}
	for _, u := range e.Store.UnsettledUnsequencedTxs {
		snap.UnsettledUnsequenced = append(snap.UnsettledUnsequenced, unsettledTxWire{
			Identity: u.Tx.Identity, TxHash: u.Tx.TxHash, Blobs: u.Tx.Blobs, Ctx: u.Ctx,
		})
	}
	return snap, nil
}

// RestoreStore rebuilds a Store from a Snapshot using deserialize for every
// contract name present. Called only at startup, per spec §5's
// write-at-shutdown / read-at-startup discipline.
func RestoreStore(snap *Snapshot, deserialize ContractDeserializer) (*Store, error) {
	store := NewStore(snap.ValidatorLaneId, snap.WatchedContracts)
	store.BlockHeight = snap.BlockHeight
	for name, data := range snap.SettledStates {
		box, err := deserialize(name, data)
		if err != nil {
			return nil, err
		}
		store.SettledStates[name] = box
	}
	for name, data := range snap.OptimisticStates {
		box, err := deserialize(name, data)
		if err != nil {
			return nil, err
		}
		store.OptimisticStates[name] = box
	}
	for _, w := range snap.UnsettledSequenced {
		store.UnsettledSequencedTxs = append(store.UnsettledSequencedTxs, UnsettledTx{
			Tx:  BlobTransaction{Identity: w.Identity, TxHash: w.TxHash, Blobs: w.Blobs},
			Ctx: w.Ctx,
		})
	}
	for _, w := range snap.UnsettledUnsequenced {
		store.UnsettledUnsequencedTxs = append(store.UnsettledUnsequencedTxs, UnsettledTx{
			Tx:  BlobTransaction{Identity: w.Identity, TxHash: w.TxHash, Blobs: w.Blobs},
			Ctx: w.Ctx,
		})
	}
	return store, nil
}
