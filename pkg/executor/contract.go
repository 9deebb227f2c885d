// Package executor implements the optimistic rollup executor (ORE): a
// host-side speculative executor that keeps a settled and an optimistic
// projection of every watched contract, ingests sequenced and disseminated
// transactions, and rolls back + re-executes when the two projections
// diverge.
package executor

import "github.com/hyli-rollup/orderbook/pkg/ome"

// ContractKind tags the one contract kind this build ships. The spec's
// ContractBox hint permits either a closed tagged union or an open
// interface registry with dynamic dispatch; a tagged union is chosen here
// because this build manages exactly one contract kind — see DESIGN.md and
// the note on contract.go below for how a second kind would be added.
type ContractKind uint8

const (
	KindOrderbook ContractKind = iota
)

// HyleOutput is the result of handling one blob against one contract.
type HyleOutput struct {
	Success bool
	Events  []ome.Event
}

// ContractBox is the tagged-union wrapper the executor stores per
// ContractName in both the settled and optimistic maps. Adding a second
// contract kind means: add a value to ContractKind, add a field here, and
// extend the switches in Handle/Clone/Commit/OptimisticCommitment — no
// change to the executor's control flow.
type ContractBox struct {
	Kind      ContractKind
	Orderbook *OrderbookContract
}

// NewOrderbookBox wraps a freshly constructed order book state.
func NewOrderbookBox(state *ome.State, engine ome.Engine) *ContractBox {
	return &ContractBox{
		Kind:      KindOrderbook,
		Orderbook: &OrderbookContract{State: state, Engine: engine},
	}
}

// Handle dispatches a calldata blob to the wrapped contract and returns the
// resulting output plus the next state to commit on success. It never
// mutates the receiver — callers decide whether to keep the result.
func (b *ContractBox) Handle(calldata ome.Calldata) (HyleOutput, *ContractBox, error) {
	switch b.Kind {
	case KindOrderbook:
		events, next, err := b.Orderbook.Engine.Execute(b.Orderbook.State, calldata)
		if err != nil {
			return HyleOutput{Success: false}, nil, err
		}
		return HyleOutput{Success: true, Events: events}, &ContractBox{
			Kind:      KindOrderbook,
			Orderbook: &OrderbookContract{State: next, Engine: b.Orderbook.Engine},
		}, nil
	default:
		return HyleOutput{}, nil, errUnknownKind(b.Kind)
	}
}

// Clone returns a deep copy, safe for the executor's re-run-from-settled
// machinery to mutate independently of the original.
func (b *ContractBox) Clone() *ContractBox {
	switch b.Kind {
	case KindOrderbook:
		return &ContractBox{
			Kind:      KindOrderbook,
			Orderbook: &OrderbookContract{State: b.Orderbook.State.Clone(), Engine: b.Orderbook.Engine},
		}
	default:
		return &ContractBox{Kind: b.Kind}
	}
}

// Commit returns the canonical on-chain state commitment.
func (b *ContractBox) Commit() []byte {
	switch b.Kind {
	case KindOrderbook:
		return b.Orderbook.State.Commit()
	default:
		return nil
	}
}

// OptimisticCommitment returns the digest used solely for divergence
// detection between the settled and optimistic projections.
func (b *ContractBox) OptimisticCommitment() []byte {
	switch b.Kind {
	case KindOrderbook:
		return b.Orderbook.State.OptimisticCommitment()
	default:
		return nil
	}
}

// OrderbookContract is the one contract kind this build manages: the order
// matching engine's state plus the (stateless) engine that transitions it.
type OrderbookContract struct {
	State  *ome.State
	Engine ome.Engine
}

func errUnknownKind(k ContractKind) error {
	return &UnknownKindError{Kind: k}
}

// UnknownKindError is returned when a ContractBox carries a Kind this build
// does not implement — it should never occur with the closed set above.
type UnknownKindError struct{ Kind ContractKind }

func (e *UnknownKindError) Error() string {
	return "executor: unknown contract kind"
}
