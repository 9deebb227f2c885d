package ome

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

// Canonical encoding: a hand-rolled, sorted-key, length-prefixed binary
// codec. It plays the role the source fills with borsh — no borsh-style
// library exists anywhere in the dependency surface available to this
// module, so this is a deliberate from-scratch substitute rather than a
// borrowed, unrelated format (see DESIGN.md).

func writeString(buf *bytes.Buffer, s string) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(s)))
	buf.Write(n[:])
	buf.WriteString(s)
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], v)
	buf.Write(n[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], v)
	buf.Write(n[:])
}

func writeByte(buf *bytes.Buffer, b byte) {
	buf.WriteByte(b)
}

func writeOptUint32(buf *bytes.Buffer, v *uint32) {
	if v == nil {
		writeByte(buf, 0)
		return
	}
	writeByte(buf, 1)
	writeUint32(buf, *v)
}

func writePair(buf *bytes.Buffer, p TokenPair) {
	writeString(buf, p.Base)
	writeString(buf, p.Quote)
}

// EncodeAction canonically encodes an OrderbookAction, the payload carried
// inside a blob's Data field.
func EncodeAction(a *OrderbookAction) []byte {
	var buf bytes.Buffer
	writeByte(&buf, byte(a.Kind))
	switch a.Kind {
	case ActionCreateOrder:
		writeString(&buf, a.OrderID)
		writeByte(&buf, byte(a.Side))
		writeOptUint32(&buf, a.Price)
		writePair(&buf, a.Pair)
		writeUint32(&buf, a.Quantity)
	case ActionCancel:
		writeString(&buf, a.CancelOrderID)
	case ActionDeposit, ActionWithdraw:
		writeString(&buf, a.Token)
		writeUint32(&buf, a.Amount)
	}
	return buf.Bytes()
}

type decoder struct {
	b   []byte
	pos int
}

func (d *decoder) readByte() (byte, error) {
	if d.pos >= len(d.b) {
		return 0, fmt.Errorf("unexpected end of input")
	}
	v := d.b[d.pos]
	d.pos++
	return v, nil
}

func (d *decoder) readString() (string, error) {
	if d.pos+4 > len(d.b) {
		return "", fmt.Errorf("unexpected end of input reading string length")
	}
	n := binary.BigEndian.Uint32(d.b[d.pos:])
	d.pos += 4
	if d.pos+int(n) > len(d.b) {
		return "", fmt.Errorf("unexpected end of input reading string body")
	}
	s := string(d.b[d.pos : d.pos+int(n)])
	d.pos += int(n)
	return s, nil
}

func (d *decoder) readUint32() (uint32, error) {
	if d.pos+4 > len(d.b) {
		return 0, fmt.Errorf("unexpected end of input reading uint32")
	}
	v := binary.BigEndian.Uint32(d.b[d.pos:])
	d.pos += 4
	return v, nil
}

func (d *decoder) readOptUint32() (*uint32, error) {
	tag, err := d.readByte()
	if err != nil {
		return nil, err
	}
	if tag == 0 {
		return nil, nil
	}
	v, err := d.readUint32()
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (d *decoder) readPair() (TokenPair, error) {
	base, err := d.readString()
	if err != nil {
		return TokenPair{}, err
	}
	quote, err := d.readString()
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{Base: base, Quote: quote}, nil
}

// DecodeAction decodes bytes previously produced by EncodeAction. It
// returns an *Error with ErrInvalidAction on malformed input.
func DecodeAction(b []byte) (*OrderbookAction, error) {
	d := &decoder{b: b}
	kindByte, err := d.readByte()
	if err != nil {
		return nil, newErr(ErrInvalidAction, "%v", err)
	}
	a := &OrderbookAction{Kind: ActionKind(kindByte)}
	switch a.Kind {
	case ActionCreateOrder:
		if a.OrderID, err = d.readString(); err != nil {
			return nil, newErr(ErrInvalidAction, "%v", err)
		}
		sideByte, err := d.readByte()
		if err != nil {
			return nil, newErr(ErrInvalidAction, "%v", err)
		}
		a.Side = OrderSide(sideByte)
		if a.Price, err = d.readOptUint32(); err != nil {
			return nil, newErr(ErrInvalidAction, "%v", err)
		}
		if a.Pair, err = d.readPair(); err != nil {
			return nil, newErr(ErrInvalidAction, "%v", err)
		}
		if a.Quantity, err = d.readUint32(); err != nil {
			return nil, newErr(ErrInvalidAction, "%v", err)
		}
	case ActionCancel:
		if a.CancelOrderID, err = d.readString(); err != nil {
			return nil, newErr(ErrInvalidAction, "%v", err)
		}
	case ActionDeposit, ActionWithdraw:
		if a.Token, err = d.readString(); err != nil {
			return nil, newErr(ErrInvalidAction, "%v", err)
		}
		if a.Amount, err = d.readUint32(); err != nil {
			return nil, newErr(ErrInvalidAction, "%v", err)
		}
	default:
		return nil, newErr(ErrInvalidAction, "unknown action kind %d", kindByte)
	}
	return a, nil
}

func encodeOrder(buf *bytes.Buffer, o *Order) {
	writeString(buf, o.Owner)
	writeString(buf, o.OrderID)
	writeByte(buf, byte(o.Side))
	writeOptUint32(buf, o.Price)
	writePair(buf, o.Pair)
	writeUint32(buf, o.Quantity)
	writeUint64(buf, uint64(o.Timestamp))
}

func encodeEvent(buf *bytes.Buffer, e *Event) {
	writeByte(buf, byte(e.Kind))
	switch e.Kind {
	case EventOrderCreated:
		encodeOrder(buf, e.Order)
	case EventOrderCancelled, EventOrderExecuted:
		writeString(buf, e.OrderID)
		writePair(buf, e.Pair)
	case EventOrderUpdate:
		writeString(buf, e.OrderID)
		writeUint32(buf, e.RemainingQuantity)
		writePair(buf, e.Pair)
	case EventBalanceUpdated:
		writeString(buf, e.User)
		writeString(buf, e.Token)
		writeUint32(buf, e.Amount)
	}
}

// EncodeEvents canonically encodes the ordered event log produced by one
// Execute call — the OME's "output" per spec §6.
func EncodeEvents(events []Event) []byte {
	var buf bytes.Buffer
	writeUint32(&buf, uint32(len(events)))
	for i := range events {
		encodeEvent(&buf, &events[i])
	}
	return buf.Bytes()
}

// commitmentFields is the exact field tuple spec §4.2 requires for both
// commit() and optimistic_commitments(): (lane_id, balances, orders,
// buy_orders, sell_orders, orders_history, accepted_tokens). Both commit()
// and OptimisticCommitment() encode this same tuple, so the two outputs are
// always identical. The one State field the tuple leaves out is
// LatestDeposit: two states that differ only in deposit heights encode to
// the same bytes under both commit() and OptimisticCommitment().
func commitmentFields(s *State, buf *bytes.Buffer) {
	writeString(buf, string(s.LaneId))

	users := make([]string, 0, len(s.Balances))
	for u := range s.Balances {
		users = append(users, u)
	}
	sort.Strings(users)
	writeUint32(buf, uint32(len(users)))
	for _, u := range users {
		writeString(buf, u)
		toks := make([]string, 0, len(s.Balances[u]))
		for t := range s.Balances[u] {
			toks = append(toks, t)
		}
		sort.Strings(toks)
		writeUint32(buf, uint32(len(toks)))
		for _, t := range toks {
			writeString(buf, t)
			writeUint32(buf, s.Balances[u][t])
		}
	}

	orderIDs := make([]string, 0, len(s.Orders))
	for id := range s.Orders {
		orderIDs = append(orderIDs, id)
	}
	sort.Strings(orderIDs)
	writeUint32(buf, uint32(len(orderIDs)))
	for _, id := range orderIDs {
		encodeOrder(buf, s.Orders[id])
	}

	writeQueueMap(buf, s.BuyOrders)
	writeQueueMap(buf, s.SellOrders)

	pairs := make([]TokenPair, 0, len(s.OrdersHistory))
	for p := range s.OrdersHistory {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool { return pairKey(pairs[i]) < pairKey(pairs[j]) })
	writeUint32(buf, uint32(len(pairs)))
	for _, p := range pairs {
		writePair(buf, p)
		hist := s.OrdersHistory[p]
		writeUint32(buf, uint32(len(hist)))
		for _, h := range hist {
			writeUint64(buf, uint64(h.Timestamp))
			writeUint32(buf, h.Price)
		}
	}

	names := make([]string, 0, len(s.AcceptedTokens))
	for n := range s.AcceptedTokens {
		names = append(names, string(n))
	}
	sort.Strings(names)
	writeUint32(buf, uint32(len(names)))
	for _, n := range names {
		writeString(buf, n)
	}
}

func pairKey(p TokenPair) string {
	return p.Base + "/" + p.Quote
}

func writeQueueMap(buf *bytes.Buffer, m map[TokenPair][]string) {
	pairs := make([]TokenPair, 0, len(m))
	for p := range m {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool { return pairKey(pairs[i]) < pairKey(pairs[j]) })
	writeUint32(buf, uint32(len(pairs)))
	for _, p := range pairs {
		writePair(buf, p)
		q := m[p]
		writeUint32(buf, uint32(len(q)))
		for _, id := range q {
			writeString(buf, id)
		}
	}
}

// Commit returns the canonical serialization of the order book state — the
// on-chain state commitment. It covers every State field except
// LatestDeposit (see commitmentFields); deposit heights are not committed.
func (s *State) Commit() []byte {
	var buf bytes.Buffer
	commitmentFields(s, &buf)
	return buf.Bytes()
}

// OptimisticCommitment returns the digest the executor uses solely for
// divergence detection. For the order book it covers the same tuple as
// Commit (see commitmentFields).
func (s *State) OptimisticCommitment() []byte {
	var buf bytes.Buffer
	commitmentFields(s, &buf)
	return buf.Bytes()
}
