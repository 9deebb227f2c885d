package crypto

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// EIP712Domain separates signatures across chains/contracts so a signed
// order/cancel cannot be replayed against a different deployment.
type EIP712Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// OrderEIP712 is the typed-data structure a user's wallet signs to
// authorize a CreateOrder action. HasPrice/Price encode the engine's
// Option<u32> price (price=None, HasPrice=false denotes a market order).
type OrderEIP712 struct {
	OrderID  string
	Side     uint8 // 0 = Buy, 1 = Sell — matches ome.OrderSide
	HasPrice bool
	Price    uint32
	Base     string
	Quote    string
	Quantity uint32
	Nonce    *big.Int
	Owner    common.Address
}

// CancelEIP712 is the typed-data structure signed to authorize a Cancel
// action.
type CancelEIP712 struct {
	OrderID string
	Nonce   *big.Int
	Owner   common.Address
}

// EIP712Signer hashes and verifies order/cancel typed data for one domain.
// It stamps blob transactions before they reach the devnet mempool — the
// ORE itself never re-derives this signature; it treats calldata identity
// as already verified, per spec §1.
type EIP712Signer struct {
	domain EIP712Domain
}

func NewEIP712Signer(domain EIP712Domain) *EIP712Signer {
	return &EIP712Signer{domain: domain}
}

// DefaultDomain returns the devnet's EIP-712 domain.
func DefaultDomain() EIP712Domain {
	return EIP712Domain{
		Name:              "HyliOrderbook",
		Version:           "1",
		ChainID:           big.NewInt(1337),
		VerifyingContract: common.Address{},
	}
}

func (e *EIP712Signer) domainSeparator(types apitypes.Types) (string, error) {
	td := apitypes.TypedData{
		Types: types,
		Domain: apitypes.TypedDataDomain{
			Name:              e.domain.Name,
			Version:           e.domain.Version,
			ChainId:           (*math.HexOrDecimal256)(e.domain.ChainID),
			VerifyingContract: e.domain.VerifyingContract.Hex(),
		},
	}
	sep, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return "", fmt.Errorf("hash domain: %w", err)
	}
	return string(sep), nil
}

func finalDigest(domainSeparator, structHash string) []byte {
	raw := []byte(fmt.Sprintf("\x19\x01%s%s", domainSeparator, structHash))
	return crypto.Keccak256Hash(raw).Bytes()
}

func priceString(hasPrice bool, price uint32) string {
	if !hasPrice {
		return "0"
	}
	return fmt.Sprintf("%d", price)
}

// HashOrder hashes a CreateOrder per EIP-712.
func (e *EIP712Signer) HashOrder(order *OrderEIP712) ([]byte, error) {
	types := apitypes.Types{
		"EIP712Domain": []apitypes.Type{
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
			{Name: "verifyingContract", Type: "address"},
		},
		"Order": []apitypes.Type{
			{Name: "orderId", Type: "string"},
			{Name: "side", Type: "uint8"},
			{Name: "hasPrice", Type: "bool"},
			{Name: "price", Type: "uint256"},
			{Name: "base", Type: "string"},
			{Name: "quote", Type: "string"},
			{Name: "quantity", Type: "uint256"},
			{Name: "nonce", Type: "uint256"},
			{Name: "owner", Type: "address"},
		},
	}
	message := apitypes.TypedDataMessage{
		"orderId":  order.OrderID,
		"side":     fmt.Sprintf("%d", order.Side),
		"hasPrice": order.HasPrice,
		"price":    priceString(order.HasPrice, order.Price),
		"base":     order.Base,
		"quote":    order.Quote,
		"quantity": fmt.Sprintf("%d", order.Quantity),
		"nonce":    order.Nonce.String(),
		"owner":    order.Owner.Hex(),
	}

	domainSep, err := e.domainSeparator(types)
	if err != nil {
		return nil, err
	}
	td := apitypes.TypedData{Types: types, PrimaryType: "Order"}
	structHash, err := td.HashStruct("Order", message)
	if err != nil {
		return nil, fmt.Errorf("hash order: %w", err)
	}
	return finalDigest(domainSep, string(structHash)), nil
}

// SignOrder signs an order with signer and returns the 65-byte signature.
func (e *EIP712Signer) SignOrder(signer *Signer, order *OrderEIP712) ([]byte, error) {
	hash, err := e.HashOrder(order)
	if err != nil {
		return nil, fmt.Errorf("hash order: %w", err)
	}
	return signer.Sign(hash)
}

// VerifyOrderSignature reports whether signature was produced by
// order.Owner over order.
func (e *EIP712Signer) VerifyOrderSignature(order *OrderEIP712, signature []byte) (bool, error) {
	hash, err := e.HashOrder(order)
	if err != nil {
		return false, fmt.Errorf("hash order: %w", err)
	}
	recovered, err := RecoverAddress(hash, signature)
	if err != nil {
		return false, fmt.Errorf("recover address: %w", err)
	}
	return recovered == order.Owner, nil
}

// RecoverOrderSigner recovers the address that signed order.
func (e *EIP712Signer) RecoverOrderSigner(order *OrderEIP712, signature []byte) (common.Address, error) {
	hash, err := e.HashOrder(order)
	if err != nil {
		return common.Address{}, fmt.Errorf("hash order: %w", err)
	}
	return RecoverAddress(hash, signature)
}

// OrderToJSON renders the typed-data document a wallet's
// eth_signTypedData_v4 call expects.
func (e *EIP712Signer) OrderToJSON(order *OrderEIP712) (string, error) {
	typedData := map[string]interface{}{
		"types": map[string]interface{}{
			"EIP712Domain": []map[string]string{
				{"name": "name", "type": "string"},
				{"name": "version", "type": "string"},
				{"name": "chainId", "type": "uint256"},
				{"name": "verifyingContract", "type": "address"},
			},
			"Order": []map[string]string{
				{"name": "orderId", "type": "string"},
				{"name": "side", "type": "uint8"},
				{"name": "hasPrice", "type": "bool"},
				{"name": "price", "type": "uint256"},
				{"name": "base", "type": "string"},
				{"name": "quote", "type": "string"},
				{"name": "quantity", "type": "uint256"},
				{"name": "nonce", "type": "uint256"},
				{"name": "owner", "type": "address"},
			},
		},
		"primaryType": "Order",
		"domain": map[string]interface{}{
			"name":              e.domain.Name,
			"version":           e.domain.Version,
			"chainId":           e.domain.ChainID.String(),
			"verifyingContract": e.domain.VerifyingContract.Hex(),
		},
		"message": map[string]interface{}{
			"orderId":  order.OrderID,
			"side":     order.Side,
			"hasPrice": order.HasPrice,
			"price":    priceString(order.HasPrice, order.Price),
			"base":     order.Base,
			"quote":    order.Quote,
			"quantity": order.Quantity,
			"nonce":    order.Nonce.String(),
			"owner":    order.Owner.Hex(),
		},
	}
	b, err := json.MarshalIndent(typedData, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json: %w", err)
	}
	return string(b), nil
}

// HashCancel hashes a Cancel per EIP-712.
func (e *EIP712Signer) HashCancel(cancel *CancelEIP712) ([]byte, error) {
	types := apitypes.Types{
		"EIP712Domain": []apitypes.Type{
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
			{Name: "verifyingContract", Type: "address"},
		},
		"Cancel": []apitypes.Type{
			{Name: "orderId", Type: "string"},
			{Name: "nonce", Type: "uint256"},
			{Name: "owner", Type: "address"},
		},
	}
	message := apitypes.TypedDataMessage{
		"orderId": cancel.OrderID,
		"nonce":   cancel.Nonce.String(),
		"owner":   cancel.Owner.Hex(),
	}
	domainSep, err := e.domainSeparator(types)
	if err != nil {
		return nil, err
	}
	td := apitypes.TypedData{Types: types, PrimaryType: "Cancel"}
	structHash, err := td.HashStruct("Cancel", message)
	if err != nil {
		return nil, fmt.Errorf("hash cancel: %w", err)
	}
	return finalDigest(domainSep, string(structHash)), nil
}

// SignCancel signs a cancel with signer and returns the 65-byte signature.
func (e *EIP712Signer) SignCancel(signer *Signer, cancel *CancelEIP712) ([]byte, error) {
	hash, err := e.HashCancel(cancel)
	if err != nil {
		return nil, fmt.Errorf("hash cancel: %w", err)
	}
	return signer.Sign(hash)
}

// VerifyCancelSignature reports whether signature was produced by
// cancel.Owner over cancel.
func (e *EIP712Signer) VerifyCancelSignature(cancel *CancelEIP712, signature []byte) (bool, error) {
	hash, err := e.HashCancel(cancel)
	if err != nil {
		return false, fmt.Errorf("hash cancel: %w", err)
	}
	recovered, err := RecoverAddress(hash, signature)
	if err != nil {
		return false, fmt.Errorf("recover address: %w", err)
	}
	return recovered == cancel.Owner, nil
}

// SideToUint8 converts an ome.OrderSide string form to its wire value.
func SideToUint8(side string) uint8 {
	switch side {
	case "buy", "Buy", "BUY":
		return 0
	case "sell", "Sell", "SELL":
		return 1
	default:
		return 0
	}
}

// Uint8ToSide converts a wire side value back to its string form.
func Uint8ToSide(side uint8) string {
	if side == 0 {
		return "buy"
	}
	return "sell"
}
