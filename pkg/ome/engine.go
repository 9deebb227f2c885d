package ome

import "sort"

// TransferWitness is an optional hook a host may wire in to verify that a
// Deposit action is backed by a real token-transfer blob elsewhere in the
// same transaction. Disabled (nil) by default per spec §9's open question:
// the source leaves this as a TODO and implementers are told to expose a
// pluggable check rather than guess at enforcement.
type TransferWitness func(identity, token string, amount uint32) error

// Engine wraps Execute with host-provided hooks. The zero value is a
// correct engine with no transfer-witness enforcement.
type Engine struct {
	Witness TransferWitness
}

// balanceTouch tracks a single (user, token) pair touched during one
// action, so BalanceUpdated events can be aggregated and emitted once per
// pair at the end of the action (spec §4.1 determinism rule).
type balanceTouch struct {
	user  string
	token string
}

type execCtx struct {
	events  []Event
	touched map[balanceTouch]struct{}
}

func newExecCtx() *execCtx {
	return &execCtx{touched: make(map[balanceTouch]struct{})}
}

func (c *execCtx) emit(e Event) {
	c.events = append(c.events, e)
}

func (c *execCtx) touch(user, token string) {
	c.touched[balanceTouch{user: user, token: token}] = struct{}{}
}

// flushBalances appends one BalanceUpdated event per distinct (user,token)
// touched during the action, sorted by (token, user) for determinism, with
// each event carrying the final balance after every transfer — never
// per-transfer deltas.
func (c *execCtx) flushBalances(s *State) {
	touches := make([]balanceTouch, 0, len(c.touched))
	for t := range c.touched {
		touches = append(touches, t)
	}
	sort.Slice(touches, func(i, j int) bool {
		if touches[i].token != touches[j].token {
			return touches[i].token < touches[j].token
		}
		return touches[i].user < touches[j].user
	})
	for _, t := range touches {
		c.emit(Event{
			Kind:   EventBalanceUpdated,
			User:   t.user,
			Token:  t.token,
			Amount: s.balance(t.user, t.token),
		})
	}
}

// Execute is the engine's single pure transition. On any failure, state is
// left unchanged (the returned next is nil) and err is a non-nil *Error.
func (eng *Engine) Execute(state *State, calldata Calldata) ([]Event, *State, error) {
	if calldata.TxCtx == nil {
		return nil, nil, newErr(ErrInvalidLane, "missing tx context")
	}
	if calldata.TxCtx.LaneId != state.LaneId {
		return nil, nil, newErr(ErrInvalidLane, "tx lane=%s state lane=%s", calldata.TxCtx.LaneId, state.LaneId)
	}
	if len(calldata.Blobs) != calldata.TxBlobCount {
		return nil, nil, newErr(ErrBlobCountMismatch, "have=%d want=%d", len(calldata.Blobs), calldata.TxBlobCount)
	}
	for _, b := range calldata.Blobs {
		if _, ok := state.AcceptedTokens[b.ContractName]; !ok {
			return nil, nil, newErr(ErrUnwhitelistedBlob, "contract=%s", b.ContractName)
		}
	}
	if calldata.Index < 0 || calldata.Index >= len(calldata.Blobs) {
		return nil, nil, newErr(ErrInvalidAction, "blob index %d out of range", calldata.Index)
	}

	action, err := DecodeAction(calldata.Blobs[calldata.Index].Data)
	if err != nil {
		return nil, nil, err
	}

	next := state.Clone()
	ctx := newExecCtx()

	switch action.Kind {
	case ActionDeposit:
		err = eng.deposit(next, ctx, calldata, action)
	case ActionWithdraw:
		err = withdraw(next, ctx, calldata, action)
	case ActionCancel:
		err = cancel(next, ctx, calldata, action)
	case ActionCreateOrder:
		err = createOrder(next, ctx, calldata, action)
	default:
		err = newErr(ErrInvalidAction, "unknown action kind %d", action.Kind)
	}
	if err != nil {
		return nil, nil, err
	}

	ctx.flushBalances(next)
	return ctx.events, next, nil
}

func (eng *Engine) deposit(s *State, ctx *execCtx, cd Calldata, a *OrderbookAction) error {
	if eng.Witness != nil {
		if err := eng.Witness(cd.Identity, a.Token, a.Amount); err != nil {
			return newErr(ErrInsufficientBal, "transfer witness rejected: %v", err)
		}
	}
	s.addBalance(cd.Identity, a.Token, a.Amount)
	if s.LatestDeposit[cd.Identity] == nil {
		s.LatestDeposit[cd.Identity] = make(map[string]BlockHeight)
	}
	s.LatestDeposit[cd.Identity][a.Token] = cd.TxCtx.BlockHeight
	ctx.touch(cd.Identity, a.Token)
	return nil
}

func withdraw(s *State, ctx *execCtx, cd Calldata, a *OrderbookAction) error {
	if err := s.subBalance(cd.Identity, a.Token, a.Amount); err != nil {
		return err
	}
	ctx.touch(cd.Identity, a.Token)
	return nil
}

func cancel(s *State, ctx *execCtx, cd Calldata, a *OrderbookAction) error {
	o, ok := s.Orders[a.CancelOrderID]
	if !ok {
		return newErr(ErrNotFound, "order_id=%s", a.CancelOrderID)
	}
	if o.Owner != cd.Identity {
		return newErr(ErrNotOwner, "order_id=%s owner=%s caller=%s", a.CancelOrderID, o.Owner, cd.Identity)
	}
	token := requiredToken(o.Side, o.Pair)
	price := uint32(0)
	if o.Price != nil {
		price = *o.Price
	}
	reserved := reservedAmount(o.Side, o.Quantity, price)

	if err := s.transfer(OrderbookAccount, o.Owner, token, reserved); err != nil {
		return err
	}
	ctx.touch(OrderbookAccount, token)
	ctx.touch(o.Owner, token)

	delete(s.Orders, a.CancelOrderID)
	setQueue(s, o.Side, o.Pair, removeFromQueue(queueFor(s, o.Side, o.Pair), a.CancelOrderID))

	ctx.emit(Event{Kind: EventOrderCancelled, OrderID: a.CancelOrderID, Pair: o.Pair})
	return nil
}

func createOrder(s *State, ctx *execCtx, cd Calldata, a *OrderbookAction) error {
	if _, exists := s.Orders[a.OrderID]; exists {
		return newErr(ErrDuplicateOrderId, "order_id=%s", a.OrderID)
	}
	if a.Price != nil && *a.Price == 0 {
		return newErr(ErrPriceZero, "order_id=%s", a.OrderID)
	}
	reqToken := requiredToken(a.Side, a.Pair)

	if deps, ok := s.LatestDeposit[cd.Identity]; ok {
		if h, ok := deps[reqToken]; ok && cd.TxCtx.BlockHeight < h+QuarantineBlocks {
			return newErr(ErrDepositQuarantine, "user=%s token=%s deposited_at=%d now=%d", cd.Identity, reqToken, h, cd.TxCtx.BlockHeight)
		}
	}

	incoming := &Order{
		Owner:     cd.Identity,
		OrderID:   a.OrderID,
		Side:      a.Side,
		Price:     a.Price,
		Pair:      a.Pair,
		Quantity:  a.Quantity,
		Timestamp: cd.TxCtx.Timestamp,
	}

	if !incoming.IsMarket() {
		required := reservedAmount(a.Side, a.Quantity, *a.Price)
		if s.balance(cd.Identity, reqToken) < required {
			return newErr(ErrInsufficientBal, "user=%s token=%s have=%d need=%d", cd.Identity, reqToken, s.balance(cd.Identity, reqToken), required)
		}
	}

	remaining, err := match(s, ctx, incoming)
	if err != nil {
		return err
	}

	if remaining > 0 && !incoming.IsMarket() {
		incoming.Quantity = remaining
		s.Orders[incoming.OrderID] = incoming
		insertSorted(s, incoming.Side, incoming.Pair, incoming.OrderID)

		debit := reservedAmount(incoming.Side, remaining, *incoming.Price)
		if err := s.transfer(cd.Identity, OrderbookAccount, reqToken, debit); err != nil {
			return err
		}
		ctx.emit(Event{Kind: EventOrderCreated, Order: incoming.Clone()})
		ctx.touch(cd.Identity, reqToken)
		ctx.touch(OrderbookAccount, reqToken)
	}
	return nil
}

// match runs the price-time-priority matching loop against the opposite
// side of incoming.Pair, mutating s and ctx in place, and returns the
// quantity of incoming that remains unfilled (0 if fully filled).
//
// Market-order solvency: a market Buy/Sell that would exceed the caller's
// available balance mid-match aborts the whole action with
// InsufficientBalance — no partial market execution — per spec §9's
// resolution of the market-order open question. The check runs against a
// scratch balance so a failing match leaves s untouched (Execute discards
// next on any error).
func match(s *State, ctx *execCtx, incoming *Order) (uint32, error) {
	remaining := incoming.Quantity
	scratchBalance := s.balance(incoming.Owner, requiredToken(incoming.Side, incoming.Pair))
	isMarket := incoming.IsMarket()

	for remaining > 0 {
		opp := oppositeQueue(s, incoming.Side, incoming.Pair)
		if len(opp) == 0 {
			if isMarket {
				return 0, newErr(ErrNoLiquidity, "pair=%s/%s", incoming.Pair.Base, incoming.Pair.Quote)
			}
			break
		}
		headID := opp[0]
		head := s.Orders[headID]

		if !isMarket {
			if incoming.Side == Buy && *head.Price > *incoming.Price {
				break
			}
			if incoming.Side == Sell && *head.Price < *incoming.Price {
				break
			}
		}

		tradePrice := *head.Price
		s.OrdersHistory[incoming.Pair] = append(s.OrdersHistory[incoming.Pair], HistoryEntry{
			Timestamp: incoming.Timestamp,
			Price:     tradePrice,
		})

		switch {
		case head.Quantity > remaining:
			if isMarket {
				cost := marketCost(incoming.Side, remaining, tradePrice)
				if cost > scratchBalance {
					return 0, newErr(ErrInsufficientBal, "market order exceeds balance mid-match")
				}
				scratchBalance -= cost
			}
			if err := settle(s, ctx, incoming, head, remaining, tradePrice); err != nil {
				return 0, err
			}
			head.Quantity -= remaining
			ctx.emit(Event{Kind: EventOrderUpdate, OrderID: head.OrderID, RemainingQuantity: head.Quantity, Pair: incoming.Pair})
			remaining = 0

		case head.Quantity == remaining:
			if isMarket {
				cost := marketCost(incoming.Side, remaining, tradePrice)
				if cost > scratchBalance {
					return 0, newErr(ErrInsufficientBal, "market order exceeds balance mid-match")
				}
				scratchBalance -= cost
			}
			if err := settle(s, ctx, incoming, head, remaining, tradePrice); err != nil {
				return 0, err
			}
			ctx.emit(Event{Kind: EventOrderExecuted, OrderID: head.OrderID, Pair: incoming.Pair})
			ctx.emit(Event{Kind: EventOrderExecuted, OrderID: incoming.OrderID, Pair: incoming.Pair})
			delete(s.Orders, head.OrderID)
			setOppositeQueue(s, incoming.Side, incoming.Pair, removeFromQueue(opp, head.OrderID))
			remaining = 0

		default: // head.Quantity < remaining
			if isMarket {
				cost := marketCost(incoming.Side, head.Quantity, tradePrice)
				if cost > scratchBalance {
					return 0, newErr(ErrInsufficientBal, "market order exceeds balance mid-match")
				}
				scratchBalance -= cost
			}
			if err := settle(s, ctx, incoming, head, head.Quantity, tradePrice); err != nil {
				return 0, err
			}
			ctx.emit(Event{Kind: EventOrderExecuted, OrderID: head.OrderID, Pair: incoming.Pair})
			delete(s.Orders, head.OrderID)
			setOppositeQueue(s, incoming.Side, incoming.Pair, removeFromQueue(opp, head.OrderID))
			remaining -= head.Quantity
		}
	}
	return remaining, nil
}

// marketCost returns how much of the required token a market order would
// spend to fill q at tradePrice.
func marketCost(side OrderSide, q uint32, tradePrice uint32) uint32 {
	if side == Buy {
		return q * tradePrice
	}
	return q
}

// settle performs the four atomic balance moves for a trade of quantity q
// at price p between incoming and a resting order, per spec §4.1.
func settle(s *State, ctx *execCtx, incoming, resting *Order, q uint32, p uint32) error {
	if incoming.Side == Buy {
		if err := s.transfer(incoming.Owner, resting.Owner, incoming.Pair.Quote, q*p); err != nil {
			return err
		}
		if err := s.transfer(OrderbookAccount, incoming.Owner, incoming.Pair.Base, q); err != nil {
			return err
		}
		ctx.touch(incoming.Owner, incoming.Pair.Quote)
		ctx.touch(resting.Owner, incoming.Pair.Quote)
		ctx.touch(OrderbookAccount, incoming.Pair.Base)
		ctx.touch(incoming.Owner, incoming.Pair.Base)
	} else {
		if err := s.transfer(incoming.Owner, resting.Owner, incoming.Pair.Base, q); err != nil {
			return err
		}
		if err := s.transfer(OrderbookAccount, incoming.Owner, incoming.Pair.Quote, q*p); err != nil {
			return err
		}
		ctx.touch(incoming.Owner, incoming.Pair.Base)
		ctx.touch(resting.Owner, incoming.Pair.Base)
		ctx.touch(OrderbookAccount, incoming.Pair.Quote)
		ctx.touch(incoming.Owner, incoming.Pair.Quote)
	}
	return nil
}
