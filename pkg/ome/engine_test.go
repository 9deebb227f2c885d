package ome

import (
	"errors"
	"testing"
)

func u32(v uint32) *uint32 { return &v }

func newTestState() *State {
	s := NewState("lane-1")
	s.addBalance("alice", "USDC", 10_000)
	s.addBalance("bob", "USDC", 10_000)
	s.addBalance("alice", "BTC", 10)
	s.addBalance("bob", "BTC", 10)
	return s
}

func ctxAt(height BlockHeight, ts TimestampMs) Calldata {
	return Calldata{
		TxCtx: &TxContext{LaneId: "lane-1", BlockHeight: height, Timestamp: ts},
	}
}

func exec(t *testing.T, eng *Engine, s *State, identity string, a *OrderbookAction, height BlockHeight, ts TimestampMs) ([]Event, *State) {
	t.Helper()
	cd := ctxAt(height, ts)
	cd.Identity = identity
	cd.Blobs = []Blob{{ContractName: "orderbook", Data: EncodeAction(a)}}
	cd.TxBlobCount = 1
	events, next, err := eng.Execute(s, cd)
	if err != nil {
		t.Fatalf("Execute(%v): unexpected error: %v", a, err)
	}
	return events, next
}

func execErr(t *testing.T, eng *Engine, s *State, identity string, a *OrderbookAction, height BlockHeight, ts TimestampMs) error {
	t.Helper()
	cd := ctxAt(height, ts)
	cd.Identity = identity
	cd.Blobs = []Blob{{ContractName: "orderbook", Data: EncodeAction(a)}}
	cd.TxBlobCount = 1
	_, _, err := eng.Execute(s, cd)
	if err == nil {
		t.Fatalf("Execute(%v): expected error, got none", a)
	}
	return err
}

func TestCreateOrderRestsWhenNoMatch(t *testing.T) {
	eng := &Engine{}
	s := newTestState()
	pair := TokenPair{Base: "BTC", Quote: "USDC"}

	action := &OrderbookAction{
		Kind: ActionCreateOrder, OrderID: "o1", Side: Buy,
		Price: u32(100), Pair: pair, Quantity: 5,
	}
	events, next := exec(t, eng, s, "alice", action, 1, 1000)

	if len(next.BuyOrders[pair]) != 1 || next.BuyOrders[pair][0] != "o1" {
		t.Fatalf("expected resting order o1, got %v", next.BuyOrders[pair])
	}
	if got := next.balance("alice", "USDC"); got != 10_000-500 {
		t.Errorf("alice USDC = %d, want %d", got, 10_000-500)
	}
	if got := next.balance(OrderbookAccount, "USDC"); got != 500 {
		t.Errorf("orderbook USDC = %d, want 500", got)
	}

	var sawCreated bool
	for _, e := range events {
		if e.Kind == EventOrderCreated {
			sawCreated = true
		}
	}
	if !sawCreated {
		t.Errorf("expected OrderCreated event, events=%v", events)
	}
}

func TestMatchingFullFill(t *testing.T) {
	eng := &Engine{}
	s := newTestState()
	pair := TokenPair{Base: "BTC", Quote: "USDC"}

	_, s = exec(t, eng, s, "alice", &OrderbookAction{
		Kind: ActionCreateOrder, OrderID: "sell1", Side: Sell,
		Price: u32(100), Pair: pair, Quantity: 5,
	}, 1, 1000)

	events, next := exec(t, eng, s, "bob", &OrderbookAction{
		Kind: ActionCreateOrder, OrderID: "buy1", Side: Buy,
		Price: u32(100), Pair: pair, Quantity: 5,
	}, 1, 1001)

	if len(next.BuyOrders[pair]) != 0 || len(next.SellOrders[pair]) != 0 {
		t.Fatalf("expected both queues empty after full fill, buy=%v sell=%v", next.BuyOrders[pair], next.SellOrders[pair])
	}
	if _, ok := next.Orders["sell1"]; ok {
		t.Errorf("sell1 should be removed from Orders")
	}
	if got := next.balance("bob", "BTC"); got != 10+5 {
		t.Errorf("bob BTC = %d, want 15", got)
	}
	if got := next.balance("alice", "USDC"); got != 10_000+500 {
		t.Errorf("alice USDC = %d, want %d", got, 10_000+500)
	}
	if got := next.balance(OrderbookAccount, "BTC"); got != 0 {
		t.Errorf("orderbook BTC = %d, want 0 (fully drained)", got)
	}

	var execCount int
	for _, e := range events {
		if e.Kind == EventOrderExecuted {
			execCount++
		}
	}
	if execCount != 2 {
		t.Errorf("expected 2 OrderExecuted events (both sides fully filled), got %d", execCount)
	}
}

func TestMatchingPartialFillRestsRemainder(t *testing.T) {
	eng := &Engine{}
	s := newTestState()
	pair := TokenPair{Base: "BTC", Quote: "USDC"}

	_, s = exec(t, eng, s, "alice", &OrderbookAction{
		Kind: ActionCreateOrder, OrderID: "sell1", Side: Sell,
		Price: u32(100), Pair: pair, Quantity: 3,
	}, 1, 1000)

	_, next := exec(t, eng, s, "bob", &OrderbookAction{
		Kind: ActionCreateOrder, OrderID: "buy1", Side: Buy,
		Price: u32(100), Pair: pair, Quantity: 5,
	}, 1, 1001)

	if len(next.SellOrders[pair]) != 0 {
		t.Fatalf("expected sell side empty, got %v", next.SellOrders[pair])
	}
	if len(next.BuyOrders[pair]) != 1 || next.BuyOrders[pair][0] != "buy1" {
		t.Fatalf("expected buy1 resting with remainder, got %v", next.BuyOrders[pair])
	}
	if got := next.Orders["buy1"].Quantity; got != 2 {
		t.Errorf("buy1 remaining quantity = %d, want 2", got)
	}
}

func TestPriceTimePriority(t *testing.T) {
	eng := &Engine{}
	s := newTestState()
	s.addBalance("carol", "BTC", 10)
	pair := TokenPair{Base: "BTC", Quote: "USDC"}

	_, s = exec(t, eng, s, "alice", &OrderbookAction{
		Kind: ActionCreateOrder, OrderID: "sell-100-first", Side: Sell,
		Price: u32(100), Pair: pair, Quantity: 1,
	}, 1, 1000)
	_, s = exec(t, eng, s, "carol", &OrderbookAction{
		Kind: ActionCreateOrder, OrderID: "sell-99", Side: Sell,
		Price: u32(99), Pair: pair, Quantity: 1,
	}, 1, 1001)
	_, s = exec(t, eng, s, "carol", &OrderbookAction{
		Kind: ActionCreateOrder, OrderID: "sell-100-second", Side: Sell,
		Price: u32(100), Pair: pair, Quantity: 1,
	}, 1, 1002)

	q := s.SellOrders[pair]
	if len(q) != 3 || q[0] != "sell-99" {
		t.Fatalf("expected best price (99) at head, got %v", q)
	}
	if q[1] != "sell-100-first" || q[2] != "sell-100-second" {
		t.Fatalf("expected FIFO tie-break among equal prices, got %v", q)
	}
}

func TestCancelRefundsReservation(t *testing.T) {
	eng := &Engine{}
	s := newTestState()
	pair := TokenPair{Base: "BTC", Quote: "USDC"}

	_, s = exec(t, eng, s, "alice", &OrderbookAction{
		Kind: ActionCreateOrder, OrderID: "buy1", Side: Buy,
		Price: u32(100), Pair: pair, Quantity: 5,
	}, 1, 1000)

	before := s.balance("alice", "USDC")
	events, next := exec(t, eng, s, "alice", &OrderbookAction{
		Kind: ActionCancel, CancelOrderID: "buy1",
	}, 1, 1001)

	if got := next.balance("alice", "USDC"); got != before+500 {
		t.Errorf("alice USDC after cancel = %d, want %d", got, before+500)
	}
	if got := next.balance(OrderbookAccount, "USDC"); got != 0 {
		t.Errorf("orderbook USDC after cancel = %d, want 0", got)
	}
	if _, ok := next.Orders["buy1"]; ok {
		t.Errorf("buy1 should be removed from Orders after cancel")
	}

	var balanceEvents int
	for _, e := range events {
		if e.Kind == EventBalanceUpdated {
			balanceEvents++
		}
	}
	if balanceEvents != 2 {
		t.Errorf("expected 2 BalanceUpdated events on cancel (custodial debit + owner credit), got %d", balanceEvents)
	}
}

func TestCancelSellRefundsBaseQuantityOnly(t *testing.T) {
	eng := &Engine{}
	s := newTestState()
	pair := TokenPair{Base: "BTC", Quote: "USDC"}

	_, s = exec(t, eng, s, "alice", &OrderbookAction{
		Kind: ActionCreateOrder, OrderID: "sell1", Side: Sell,
		Price: u32(100), Pair: pair, Quantity: 3,
	}, 1, 1000)

	beforeBTC := s.balance("alice", "BTC")
	_, next := exec(t, eng, s, "alice", &OrderbookAction{
		Kind: ActionCancel, CancelOrderID: "sell1",
	}, 1, 1001)

	if got := next.balance("alice", "BTC"); got != beforeBTC+3 {
		t.Errorf("alice BTC after cancel = %d, want %d (quantity only, not quantity*price)", got, beforeBTC+3)
	}
}

func TestCancelRejectsNonOwner(t *testing.T) {
	eng := &Engine{}
	s := newTestState()
	pair := TokenPair{Base: "BTC", Quote: "USDC"}

	_, s = exec(t, eng, s, "alice", &OrderbookAction{
		Kind: ActionCreateOrder, OrderID: "buy1", Side: Buy,
		Price: u32(100), Pair: pair, Quantity: 5,
	}, 1, 1000)

	err := execErr(t, eng, s, "bob", &OrderbookAction{
		Kind: ActionCancel, CancelOrderID: "buy1",
	}, 1, 1001)

	if !errors.Is(err, &Error{Kind: ErrNotOwner}) {
		t.Errorf("expected ErrNotOwner, got %v", err)
	}
}

func TestCreateOrderRejectsInsufficientBalance(t *testing.T) {
	eng := &Engine{}
	s := NewState("lane-1")
	pair := TokenPair{Base: "BTC", Quote: "USDC"}

	err := execErr(t, eng, s, "alice", &OrderbookAction{
		Kind: ActionCreateOrder, OrderID: "buy1", Side: Buy,
		Price: u32(100), Pair: pair, Quantity: 5,
	}, 1, 1000)

	if !errors.Is(err, &Error{Kind: ErrInsufficientBal}) {
		t.Errorf("expected ErrInsufficientBal, got %v", err)
	}
}

func TestCreateOrderRejectsDuplicateID(t *testing.T) {
	eng := &Engine{}
	s := newTestState()
	pair := TokenPair{Base: "BTC", Quote: "USDC"}

	_, s = exec(t, eng, s, "alice", &OrderbookAction{
		Kind: ActionCreateOrder, OrderID: "buy1", Side: Buy,
		Price: u32(100), Pair: pair, Quantity: 1,
	}, 1, 1000)

	err := execErr(t, eng, s, "alice", &OrderbookAction{
		Kind: ActionCreateOrder, OrderID: "buy1", Side: Buy,
		Price: u32(100), Pair: pair, Quantity: 1,
	}, 1, 1001)

	if !errors.Is(err, &Error{Kind: ErrDuplicateOrderId}) {
		t.Errorf("expected ErrDuplicateOrderId, got %v", err)
	}
}

func TestCreateOrderRejectsZeroPrice(t *testing.T) {
	eng := &Engine{}
	s := newTestState()
	pair := TokenPair{Base: "BTC", Quote: "USDC"}

	err := execErr(t, eng, s, "alice", &OrderbookAction{
		Kind: ActionCreateOrder, OrderID: "buy1", Side: Buy,
		Price: u32(0), Pair: pair, Quantity: 1,
	}, 1, 1000)

	if !errors.Is(err, &Error{Kind: ErrPriceZero}) {
		t.Errorf("expected ErrPriceZero, got %v", err)
	}
	if _, ok := s.Orders["buy1"]; ok {
		t.Errorf("expected a zero-price order to be rejected, not rested")
	}
}

func TestMarketOrderConsumesLiquidityAcrossLevels(t *testing.T) {
	eng := &Engine{}
	s := newTestState()
	pair := TokenPair{Base: "BTC", Quote: "USDC"}

	_, s = exec(t, eng, s, "alice", &OrderbookAction{
		Kind: ActionCreateOrder, OrderID: "sell-99", Side: Sell,
		Price: u32(99), Pair: pair, Quantity: 2,
	}, 1, 1000)
	_, s = exec(t, eng, s, "alice", &OrderbookAction{
		Kind: ActionCreateOrder, OrderID: "sell-101", Side: Sell,
		Price: u32(101), Pair: pair, Quantity: 2,
	}, 1, 1001)

	_, next := exec(t, eng, s, "bob", &OrderbookAction{
		Kind: ActionCreateOrder, OrderID: "mkt-buy", Side: Buy,
		Price: nil, Pair: pair, Quantity: 3,
	}, 1, 1002)

	if got := next.balance("bob", "BTC"); got != 13 {
		t.Errorf("bob BTC = %d, want 13 (10 + 3 filled across two levels)", got)
	}
	if len(next.SellOrders[pair]) != 1 || next.Orders[next.SellOrders[pair][0]].Quantity != 1 {
		t.Fatalf("expected sell-101 resting with 1 remaining, got %v", next.SellOrders[pair])
	}
}

func TestMarketOrderAbortsWithNoLiquidity(t *testing.T) {
	eng := &Engine{}
	s := newTestState()
	pair := TokenPair{Base: "BTC", Quote: "USDC"}

	err := execErr(t, eng, s, "bob", &OrderbookAction{
		Kind: ActionCreateOrder, OrderID: "mkt-buy", Side: Buy,
		Price: nil, Pair: pair, Quantity: 3,
	}, 1, 1000)

	if !errors.Is(err, &Error{Kind: ErrNoLiquidity}) {
		t.Errorf("expected ErrNoLiquidity, got %v", err)
	}
}

func TestDepositStartsQuarantineAndCreateOrderIsRejectedUntilElapsed(t *testing.T) {
	eng := &Engine{}
	s := NewState("lane-1")
	pair := TokenPair{Base: "BTC", Quote: "USDC"}

	_, s = exec(t, eng, s, "alice", &OrderbookAction{
		Kind: ActionDeposit, Token: "USDC", Amount: 1_000,
	}, 10, 5000)

	err := execErr(t, eng, s, "alice", &OrderbookAction{
		Kind: ActionCreateOrder, OrderID: "buy1", Side: Buy,
		Price: u32(100), Pair: pair, Quantity: 1,
	}, 10+QuarantineBlocks-1, 5001)
	if !errors.Is(err, &Error{Kind: ErrDepositQuarantine}) {
		t.Errorf("expected ErrDepositQuarantine one block before quarantine elapses, got %v", err)
	}

	_, next := exec(t, eng, s, "alice", &OrderbookAction{
		Kind: ActionCreateOrder, OrderID: "buy1", Side: Buy,
		Price: u32(100), Pair: pair, Quantity: 1,
	}, 10+QuarantineBlocks, 5002)
	if _, ok := next.Orders["buy1"]; !ok {
		t.Errorf("expected buy1 to rest once quarantine has elapsed")
	}
}

func TestCreateOrderWithNoPriorDepositSkipsQuarantine(t *testing.T) {
	eng := &Engine{}
	s := newTestState() // pre-funded, no LatestDeposit record
	pair := TokenPair{Base: "BTC", Quote: "USDC"}

	_, next := exec(t, eng, s, "alice", &OrderbookAction{
		Kind: ActionCreateOrder, OrderID: "buy1", Side: Buy,
		Price: u32(100), Pair: pair, Quantity: 1,
	}, 0, 1000)
	if _, ok := next.Orders["buy1"]; !ok {
		t.Errorf("expected buy1 to rest immediately with no prior deposit record")
	}
}

func TestWithdrawRejectsInsufficientBalance(t *testing.T) {
	eng := &Engine{}
	s := NewState("lane-1")

	err := execErr(t, eng, s, "alice", &OrderbookAction{
		Kind: ActionWithdraw, Token: "USDC", Amount: 1,
	}, 1, 1000)
	if !errors.Is(err, &Error{Kind: ErrInsufficientBal}) {
		t.Errorf("expected ErrInsufficientBal, got %v", err)
	}
}

func TestUnwhitelistedBlobRejected(t *testing.T) {
	eng := &Engine{}
	s := NewState("lane-1")
	cd := Calldata{
		Identity:    "alice",
		TxCtx:       &TxContext{LaneId: "lane-1", BlockHeight: 1, Timestamp: 1000},
		Blobs:       []Blob{{ContractName: "not-whitelisted", Data: nil}},
		TxBlobCount: 1,
	}
	_, _, err := eng.Execute(s, cd)
	if !errors.Is(err, &Error{Kind: ErrUnwhitelistedBlob}) {
		t.Errorf("expected ErrUnwhitelistedBlob, got %v", err)
	}
}

func TestExecuteIsDeterministicAcrossRuns(t *testing.T) {
	run := func() []byte {
		eng := &Engine{}
		s := newTestState()
		pair := TokenPair{Base: "BTC", Quote: "USDC"}
		_, s = exec(t, eng, s, "alice", &OrderbookAction{
			Kind: ActionCreateOrder, OrderID: "sell1", Side: Sell,
			Price: u32(100), Pair: pair, Quantity: 5,
		}, 1, 1000)
		_, s = exec(t, eng, s, "bob", &OrderbookAction{
			Kind: ActionCreateOrder, OrderID: "buy1", Side: Buy,
			Price: u32(100), Pair: pair, Quantity: 3,
		}, 1, 1001)
		return s.Commit()
	}
	a, b := run(), run()
	if string(a) != string(b) {
		t.Errorf("two identical runs produced different commitments")
	}
}

func TestFailedExecuteLeavesStateUntouched(t *testing.T) {
	eng := &Engine{}
	s := NewState("lane-1")
	before := s.Commit()

	cd := ctxAt(1, 1000)
	cd.Identity = "alice"
	action := &OrderbookAction{Kind: ActionWithdraw, Token: "USDC", Amount: 1}
	cd.Blobs = []Blob{{ContractName: "orderbook", Data: EncodeAction(action)}}
	cd.TxBlobCount = 1

	_, next, err := eng.Execute(s, cd)
	if err == nil {
		t.Fatalf("expected error")
	}
	if next != nil {
		t.Errorf("expected nil next state on failure")
	}
	if string(s.Commit()) != string(before) {
		t.Errorf("input state was mutated despite failed execution")
	}
}
