package ome

// HistoryEntry is one append-only trade-price record for a pair.
type HistoryEntry struct {
	Timestamp TimestampMs
	Price     uint32
}

// State is the order book contract's entire state, as held by the
// executor's settled/optimistic maps. Iteration over its maps must never
// influence results: the only order-sensitive structures are BuyOrders and
// SellOrders, which are plain ordered slices of order ids.
type State struct {
	LaneId LaneId

	// Balances[user][token] = amount.
	Balances map[string]map[string]uint32

	// LatestDeposit[user][token] = block height of last deposit.
	LatestDeposit map[string]map[string]BlockHeight

	Orders map[string]*Order

	// Queues hold order ids only; Orders is the sole owner of Order
	// values (no cycles — see spec's cyclic-looking-references note).
	BuyOrders  map[TokenPair][]string
	SellOrders map[TokenPair][]string

	OrdersHistory map[TokenPair][]HistoryEntry

	AcceptedTokens map[ContractName]struct{}
}

// NewState returns an empty state for the given lane, with the implicit
// whitelist of "orderbook", "wallet", and "secp256k1" contracts.
func NewState(lane LaneId) *State {
	s := &State{
		LaneId:         lane,
		Balances:       make(map[string]map[string]uint32),
		LatestDeposit:  make(map[string]map[string]BlockHeight),
		Orders:         make(map[string]*Order),
		BuyOrders:      make(map[TokenPair][]string),
		SellOrders:     make(map[TokenPair][]string),
		OrdersHistory:  make(map[TokenPair][]HistoryEntry),
		AcceptedTokens: make(map[ContractName]struct{}),
	}
	s.AcceptedTokens["orderbook"] = struct{}{}
	s.AcceptedTokens["wallet"] = struct{}{}
	s.AcceptedTokens["secp256k1"] = struct{}{}
	return s
}

// Clone returns a deep copy, used by the executor to snapshot state before
// a speculative execution and to roll back on failure.
func (s *State) Clone() *State {
	cp := &State{
		LaneId:         s.LaneId,
		Balances:       make(map[string]map[string]uint32, len(s.Balances)),
		LatestDeposit:  make(map[string]map[string]BlockHeight, len(s.LatestDeposit)),
		Orders:         make(map[string]*Order, len(s.Orders)),
		BuyOrders:      make(map[TokenPair][]string, len(s.BuyOrders)),
		SellOrders:     make(map[TokenPair][]string, len(s.SellOrders)),
		OrdersHistory:  make(map[TokenPair][]HistoryEntry, len(s.OrdersHistory)),
		AcceptedTokens: make(map[ContractName]struct{}, len(s.AcceptedTokens)),
	}
	for user, bals := range s.Balances {
		m := make(map[string]uint32, len(bals))
		for tok, amt := range bals {
			m[tok] = amt
		}
		cp.Balances[user] = m
	}
	for user, deps := range s.LatestDeposit {
		m := make(map[string]BlockHeight, len(deps))
		for tok, h := range deps {
			m[tok] = h
		}
		cp.LatestDeposit[user] = m
	}
	for id, o := range s.Orders {
		cp.Orders[id] = o.Clone()
	}
	for pair, ids := range s.BuyOrders {
		cp.BuyOrders[pair] = append([]string(nil), ids...)
	}
	for pair, ids := range s.SellOrders {
		cp.SellOrders[pair] = append([]string(nil), ids...)
	}
	for pair, hist := range s.OrdersHistory {
		cp.OrdersHistory[pair] = append([]HistoryEntry(nil), hist...)
	}
	for name := range s.AcceptedTokens {
		cp.AcceptedTokens[name] = struct{}{}
	}
	return cp
}

func (s *State) balance(user, token string) uint32 {
	bals, ok := s.Balances[user]
	if !ok {
		return 0
	}
	return bals[token]
}

func (s *State) addBalance(user, token string, amount uint32) {
	bals, ok := s.Balances[user]
	if !ok {
		bals = make(map[string]uint32)
		s.Balances[user] = bals
	}
	bals[token] += amount
}

// subBalance decrements user's token balance, failing InsufficientBalance
// rather than ever going negative (invariant I3).
func (s *State) subBalance(user, token string, amount uint32) error {
	bals := s.Balances[user]
	if bals[token] < amount {
		return newErr(ErrInsufficientBal, "user=%s token=%s have=%d need=%d", user, token, bals[token], amount)
	}
	bals[token] -= amount
	return nil
}

// transfer moves amount of token from one identity to another, failing
// InsufficientBalance without mutating anything on error.
func (s *State) transfer(from, to, token string, amount uint32) error {
	if err := s.subBalance(from, token, amount); err != nil {
		return err
	}
	s.addBalance(to, token, amount)
	return nil
}

// requiredToken returns the token a side must reserve: quote for Buy, base
// for Sell.
func requiredToken(side OrderSide, pair TokenPair) string {
	if side == Buy {
		return pair.Quote
	}
	return pair.Base
}

// reservedAmount returns the quantity of requiredToken a resting order of
// this side/price/quantity reserves: quantity*price for Buy, quantity for
// Sell.
func reservedAmount(side OrderSide, quantity uint32, price uint32) uint32 {
	if side == Buy {
		return quantity * price
	}
	return quantity
}

// insertSorted inserts orderID into the queue preserving invariant P1:
// BuyOrders is non-increasing in price, SellOrders is non-decreasing in
// price, ties broken by arrival order (append at the end of an equal-price
// run, since queues are already arrival-ordered).
func insertSorted(s *State, side OrderSide, pair TokenPair, orderID string) {
	price := *s.Orders[orderID].Price
	if side == Buy {
		q := s.BuyOrders[pair]
		pos := len(q)
		for i, id := range q {
			if *s.Orders[id].Price < price {
				pos = i
				break
			}
		}
		s.BuyOrders[pair] = insertAt(q, pos, orderID)
		return
	}
	q := s.SellOrders[pair]
	pos := len(q)
	for i, id := range q {
		if *s.Orders[id].Price > price {
			pos = i
			break
		}
	}
	s.SellOrders[pair] = insertAt(q, pos, orderID)
}

func insertAt(q []string, pos int, id string) []string {
	q = append(q, "")
	copy(q[pos+1:], q[pos:])
	q[pos] = id
	return q
}

func removeFromQueue(q []string, id string) []string {
	for i, v := range q {
		if v == id {
			return append(q[:i], q[i+1:]...)
		}
	}
	return q
}

func queueFor(s *State, side OrderSide, pair TokenPair) []string {
	if side == Buy {
		return s.BuyOrders[pair]
	}
	return s.SellOrders[pair]
}

func oppositeQueue(s *State, side OrderSide, pair TokenPair) []string {
	if side == Buy {
		return s.SellOrders[pair]
	}
	return s.BuyOrders[pair]
}

func setOppositeQueue(s *State, side OrderSide, pair TokenPair, q []string) {
	if side == Buy {
		s.SellOrders[pair] = q
	} else {
		s.BuyOrders[pair] = q
	}
}

func setQueue(s *State, side OrderSide, pair TokenPair, q []string) {
	if side == Buy {
		s.BuyOrders[pair] = q
	} else {
		s.SellOrders[pair] = q
	}
}
