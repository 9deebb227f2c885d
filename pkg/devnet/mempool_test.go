package devnet

import (
	"testing"

	"github.com/hyli-rollup/orderbook/pkg/executor"
	"github.com/hyli-rollup/orderbook/pkg/ome"
)

func u32(v uint32) *uint32 { return &v }

func actionTx(hash byte, action *ome.OrderbookAction) executor.BlobTransaction {
	var h [32]byte
	h[0] = hash
	return executor.BlobTransaction{
		Identity: "alice",
		TxHash:   h,
		Blobs:    []ome.Blob{{ContractName: "orderbook", Data: ome.EncodeAction(action)}},
	}
}

func TestMempoolOrdersCustodyThenCancelThenOrders(t *testing.T) {
	m := NewMempool()

	order1 := actionTx(1, &ome.OrderbookAction{Kind: ome.ActionCreateOrder, OrderID: "o1", Side: ome.Buy, Price: u32(100), Pair: ome.TokenPair{Base: "BTC", Quote: "USDC"}, Quantity: 1})
	cancel1 := actionTx(2, &ome.OrderbookAction{Kind: ome.ActionCancel, CancelOrderID: "o1"})
	deposit1 := actionTx(3, &ome.OrderbookAction{Kind: ome.ActionDeposit, Token: "USDC", Amount: 100})
	withdraw1 := actionTx(4, &ome.OrderbookAction{Kind: ome.ActionWithdraw, Token: "USDC", Amount: 50})
	order2 := actionTx(5, &ome.OrderbookAction{Kind: ome.ActionCreateOrder, OrderID: "o2", Side: ome.Sell, Price: u32(100), Pair: ome.TokenPair{Base: "BTC", Quote: "USDC"}, Quantity: 1})

	m.PushTx(order1)
	m.PushTx(cancel1)
	m.PushTx(deposit1)
	m.PushTx(withdraw1)
	m.PushTx(order2)

	if got := m.Len(); got != 5 {
		t.Fatalf("Len() = %d, want 5", got)
	}

	raw := m.SelectForProposal(0)
	if len(raw) != 5 {
		t.Fatalf("SelectForProposal returned %d txs, want 5", len(raw))
	}

	want := []executor.BlobTransaction{deposit1, withdraw1, cancel1, order1, order2}
	for i, w := range want {
		got, ok := decodeTx(raw[i])
		if !ok {
			t.Fatalf("tx[%d] failed to decode", i)
		}
		if got.TxHash != w.TxHash {
			t.Errorf("tx[%d] hash = %x, want %x (custody, then cancel, then orders, FIFO within each bucket)", i, got.TxHash, w.TxHash)
		}
	}

	if m.Len() != 0 {
		t.Errorf("expected mempool drained after SelectForProposal, got %d remaining", m.Len())
	}
}

func TestMempoolSelectForProposalRespectsMaxBytes(t *testing.T) {
	m := NewMempool()
	for i := byte(0); i < 3; i++ {
		m.PushTx(actionTx(i, &ome.OrderbookAction{Kind: ome.ActionDeposit, Token: "USDC", Amount: 1}))
	}

	raw := m.SelectForProposal(1)
	if len(raw) == 0 {
		t.Fatalf("expected at least one tx selected even with a tight byte budget")
	}
	if m.Len() == 0 {
		t.Errorf("expected some txs to remain queued after a tight byte budget")
	}
}

func TestFirstActionKindClassifiesDepositAsCustody(t *testing.T) {
	tx := actionTx(1, &ome.OrderbookAction{Kind: ome.ActionDeposit, Token: "USDC", Amount: 1})
	kind, ok := firstActionKind(tx)
	if !ok || kind != ome.ActionDeposit {
		t.Errorf("firstActionKind = (%v, %v), want (ActionDeposit, true)", kind, ok)
	}
}

func TestEncodeDecodeTxRoundTrip(t *testing.T) {
	tx := actionTx(7, &ome.OrderbookAction{Kind: ome.ActionCreateOrder, OrderID: "o1", Side: ome.Buy, Price: u32(50), Pair: ome.TokenPair{Base: "BTC", Quote: "USDC"}, Quantity: 2})
	raw := encodeTx(tx)
	got, ok := decodeTx(raw)
	if !ok {
		t.Fatalf("decodeTx failed")
	}
	if got.Identity != tx.Identity || got.TxHash != tx.TxHash || len(got.Blobs) != len(tx.Blobs) {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, tx)
	}
}
