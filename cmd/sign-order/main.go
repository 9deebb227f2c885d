// Command sign-order builds, EIP-712-signs, and optionally submits a
// CreateOrder or Cancel action against a running node's REST API. It exits
// 0 on success and non-zero on any user or transport error, per spec §6.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os"

	"github.com/hyli-rollup/orderbook/pkg/api"
	"github.com/hyli-rollup/orderbook/pkg/crypto"
)

func main() {
	var (
		mode     = flag.String("mode", "order", "order or cancel")
		key      = flag.String("key", "", "hex-encoded private key (generates a fresh one if empty)")
		orderID  = flag.String("order-id", "", "order id (required)")
		side     = flag.String("side", "buy", "buy or sell (order mode only)")
		price    = flag.Int64("price", -1, "limit price, omit or -1 for a market order")
		base     = flag.String("base", "", "base token (order mode only)")
		quote    = flag.String("quote", "", "quote token (order mode only)")
		quantity = flag.Uint64("quantity", 0, "order quantity (order mode only)")
		nonce    = flag.Uint64("nonce", 0, "signature nonce")
		apiAddr  = flag.String("api", "", "if set, POST the signed request to http://<api>/api/v1/orders[/cancel]")
	)
	flag.Parse()

	if *orderID == "" {
		fmt.Fprintln(os.Stderr, "sign-order: -order-id is required")
		os.Exit(1)
	}

	signer, err := resolveSigner(*key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sign-order: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("owner: %s\n", signer.Address().Hex())

	eip712 := crypto.NewEIP712Signer(crypto.DefaultDomain())

	switch *mode {
	case "order":
		if err := signAndMaybeSubmitOrder(signer, eip712, *orderID, *side, *price, *base, *quote, uint32(*quantity), *nonce, *apiAddr); err != nil {
			fmt.Fprintf(os.Stderr, "sign-order: %v\n", err)
			os.Exit(1)
		}
	case "cancel":
		if err := signAndMaybeSubmitCancel(signer, eip712, *orderID, *nonce, *apiAddr); err != nil {
			fmt.Fprintf(os.Stderr, "sign-order: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "sign-order: unknown -mode %q (want order or cancel)\n", *mode)
		os.Exit(1)
	}
}

func resolveSigner(keyHex string) (*crypto.Signer, error) {
	if keyHex == "" {
		s, err := crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("generate key: %w", err)
		}
		fmt.Printf("generated private key (keep secret): %s\n", s.PrivateKeyHex())
		return s, nil
	}
	return crypto.FromPrivateKeyHex(keyHex)
}

func signAndMaybeSubmitOrder(signer *crypto.Signer, eip712 *crypto.EIP712Signer, orderID, side string, price int64, base, quote string, quantity uint32, nonce uint64, apiAddr string) error {
	if base == "" || quote == "" {
		return fmt.Errorf("-base and -quote are required in order mode")
	}
	order := &crypto.OrderEIP712{
		OrderID:  orderID,
		Side:     crypto.SideToUint8(side),
		HasPrice: price >= 0,
		Base:     base,
		Quote:    quote,
		Quantity: quantity,
		Nonce:    new(big.Int).SetUint64(nonce),
		Owner:    signer.Address(),
	}
	var priceField *uint32
	if price >= 0 {
		p := uint32(price)
		order.Price = p
		priceField = &p
	}

	sig, err := eip712.SignOrder(signer, order)
	if err != nil {
		return fmt.Errorf("sign order: %w", err)
	}
	fmt.Printf("signature: 0x%x\n", sig)

	req := api.SubmitOrderRequest{
		OrderID:   orderID,
		Owner:     signer.Address().Hex(),
		Side:      side,
		Price:     priceField,
		Base:      base,
		Quote:     quote,
		Quantity:  quantity,
		Nonce:     nonce,
		Signature: fmt.Sprintf("%x", sig),
	}
	return printOrSubmit(req, apiAddr, "/api/v1/orders")
}

func signAndMaybeSubmitCancel(signer *crypto.Signer, eip712 *crypto.EIP712Signer, orderID string, nonce uint64, apiAddr string) error {
	cancel := &crypto.CancelEIP712{
		OrderID: orderID,
		Nonce:   new(big.Int).SetUint64(nonce),
		Owner:   signer.Address(),
	}
	sig, err := eip712.SignCancel(signer, cancel)
	if err != nil {
		return fmt.Errorf("sign cancel: %w", err)
	}
	fmt.Printf("signature: 0x%x\n", sig)

	req := api.CancelOrderRequest{
		OrderID:   orderID,
		Owner:     signer.Address().Hex(),
		Nonce:     nonce,
		Signature: fmt.Sprintf("%x", sig),
	}
	return printOrSubmit(req, apiAddr, "/api/v1/orders/cancel")
}

func printOrSubmit(req interface{}, apiAddr, path string) error {
	body, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	fmt.Println(string(body))

	if apiAddr == "" {
		return nil
	}
	url := fmt.Sprintf("http://%s%s", apiAddr, path)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("submit to %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("submit to %s: status %s", url, resp.Status)
	}
	fmt.Printf("submitted: %s\n", resp.Status)
	return nil
}
