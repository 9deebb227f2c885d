package api

import (
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"strconv"

	ethcommon "github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/hyli-rollup/orderbook/pkg/bus"
	"github.com/hyli-rollup/orderbook/pkg/crypto"
	"github.com/hyli-rollup/orderbook/pkg/executor"
	"github.com/hyli-rollup/orderbook/pkg/indexer"
	"github.com/hyli-rollup/orderbook/pkg/ome"
)

// OrderbookContractName is the single contract name this devnet watches,
// per spec §9.
const OrderbookContractName ome.ContractName = "orderbook"

// SubmitFunc hands a freshly built blob transaction to the node's mempool
// dissemination path (see cmd/node).
type SubmitFunc func(tx executor.BlobTransaction)

// Server serves the REST and WebSocket surfaces spec §6 describes, backed
// by an Indexer for reads and a SubmitFunc for writes.
type Server struct {
	router *mux.Router
	hub    *Hub
	ix     *indexer.Indexer
	eip712 *crypto.EIP712Signer
	submit SubmitFunc
	cors   []string
}

// NewServer wires a Server over the given read model, signature domain, and
// submission path.
func NewServer(ix *indexer.Indexer, eip712 *crypto.EIP712Signer, submit SubmitFunc, corsOrigins []string) *Server {
	s := &Server{
		router: mux.NewRouter(),
		hub:    NewHub(),
		ix:     ix,
		eip712: eip712,
		submit: submit,
		cors:   corsOrigins,
	}
	s.setupRoutes()
	return s
}

// BridgeBus subscribes to every topic on b and forwards messages to
// WebSocket clients subscribed to the matching topic, until stop is
// closed.
func (s *Server) BridgeBus(b *bus.Bus, stop <-chan struct{}) {
	sub := b.Subscribe()
	go func() {
		for {
			select {
			case <-stop:
				sub.Close()
				return
			case msg, ok := <-sub.Messages():
				if !ok {
					return
				}
				s.hub.BroadcastToTopic(string(msg.Topic), WSEvent{
					Topic: string(msg.Topic),
					Kind:  eventKindName(msg.Event.Kind),
					Data:  msg.Event,
				})
			}
		}
	}()
}

func eventKindName(k ome.EventKind) string {
	switch k {
	case ome.EventOrderCreated:
		return "order_created"
	case ome.EventOrderCancelled:
		return "order_cancelled"
	case ome.EventOrderExecuted:
		return "order_executed"
	case ome.EventOrderUpdate:
		return "order_update"
	case ome.EventBalanceUpdated:
		return "balance_updated"
	default:
		return "unknown"
	}
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/pairs/{base}/{quote}/orderbook", s.handleOrderbook).Methods("GET")
	api.HandleFunc("/pairs/{base}/{quote}/trades", s.handleTrades).Methods("GET")
	api.HandleFunc("/pairs/{base}/{quote}/candles", s.handleCandles).Methods("GET")

	api.HandleFunc("/accounts/{owner}/balances", s.handleBalances).Methods("GET")
	api.HandleFunc("/accounts/{owner}/orders", s.handleAccountOrders).Methods("GET")

	api.HandleFunc("/balances", s.handleAllBalances).Methods("GET")
	api.HandleFunc("/orders", s.handleAllOrders).Methods("GET")

	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders/cancel", s.handleCancelOrder).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start runs the HTTP server, blocking until it exits.
func (s *Server) Start(addr string) error {
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedOrigins:   s.cors,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	handler := c.Handler(s.router)

	log.Printf("[api] server starting on %s", addr)
	return http.ListenAndServe(addr, handler)
}

func pairFromVars(r *http.Request) ome.TokenPair {
	vars := mux.Vars(r)
	return ome.TokenPair{Base: vars["base"], Quote: vars["quote"]}
}

func (s *Server) handleOrderbook(w http.ResponseWriter, r *http.Request) {
	pair := pairFromVars(r)
	po := s.ix.OrdersByPair(pair)

	resp := OrderbookSnapshot{Base: pair.Base, Quote: pair.Quote}
	for _, o := range po.BuyOrders {
		resp.BuyOrders = append(resp.BuyOrders, toOrderView(o))
	}
	for _, o := range po.SellOrders {
		resp.SellOrders = append(resp.SellOrders, toOrderView(o))
	}
	respondJSON(w, resp)
}

func toOrderView(o *ome.Order) OrderView {
	return OrderView{
		OrderID:   o.OrderID,
		Owner:     o.Owner,
		Side:      o.Side.String(),
		Price:     o.Price,
		Base:      o.Pair.Base,
		Quote:     o.Pair.Quote,
		Quantity:  o.Quantity,
		Timestamp: uint64(o.Timestamp),
	}
}

func parseRangeParams(r *http.Request) (from, to ome.TimestampMs) {
	q := r.URL.Query()
	if v, err := strconv.ParseUint(q.Get("from"), 10, 64); err == nil {
		from = ome.TimestampMs(v)
	}
	to = ome.TimestampMs(^uint64(0))
	if v, err := strconv.ParseUint(q.Get("to"), 10, 64); err == nil {
		to = ome.TimestampMs(v)
	}
	return from, to
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	pair := pairFromVars(r)
	from, to := parseRangeParams(r)
	entries := s.ix.History(pair, from, to)

	out := make([]TradeView, 0, len(entries))
	for _, e := range entries {
		out = append(out, TradeView{Timestamp: uint64(e.Timestamp), Price: e.Price})
	}
	respondJSON(w, out)
}

func (s *Server) handleCandles(w http.ResponseWriter, r *http.Request) {
	pair := pairFromVars(r)
	from, to := parseRangeParams(r)
	intervalMs, _ := strconv.ParseUint(r.URL.Query().Get("interval"), 10, 64)
	if intervalMs == 0 {
		intervalMs = 60_000
	}
	candles := s.ix.Candles(pair, from, to, intervalMs)

	out := make([]CandleView, 0, len(candles))
	for _, c := range candles {
		out = append(out, CandleView{
			Timestamp: uint64(c.Timestamp),
			Open:      c.Open,
			High:      c.High,
			Low:       c.Low,
			Close:     c.Close,
			Volume:    c.Volume,
		})
	}
	respondJSON(w, out)
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	owner := mux.Vars(r)["owner"]
	respondJSON(w, BalancesResponse{Owner: owner, Balances: s.ix.BalanceForAccount(owner)})
}

func (s *Server) handleAccountOrders(w http.ResponseWriter, r *http.Request) {
	owner := mux.Vars(r)["owner"]
	orders := s.ix.OrdersByUser(owner)
	out := make([]OrderView, 0, len(orders))
	for _, o := range orders {
		out = append(out, toOrderView(o))
	}
	respondJSON(w, out)
}

// handleAllBalances serves every account's balances in one response, per
// spec §4.3's aggregate read model (Indexer.Balances()).
func (s *Server) handleAllBalances(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.ix.Balances())
}

// handleAllOrders serves every resting order across every pair, per spec
// §4.3's aggregate read model (Indexer.Orders()).
func (s *Server) handleAllOrders(w http.ResponseWriter, r *http.Request) {
	orders := s.ix.Orders()
	out := make([]OrderView, 0, len(orders))
	for _, o := range orders {
		out = append(out, toOrderView(o))
	}
	respondJSON(w, out)
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if !ethcommon.IsHexAddress(req.Owner) {
		respondError(w, http.StatusBadRequest, "invalid owner address", "")
		return
	}
	owner := ethcommon.HexToAddress(req.Owner)

	order := &crypto.OrderEIP712{
		OrderID:  req.OrderID,
		Side:     crypto.SideToUint8(req.Side),
		HasPrice: req.Price != nil,
		Base:     req.Base,
		Quote:    req.Quote,
		Quantity: req.Quantity,
		Nonce:    new(big.Int).SetUint64(req.Nonce),
		Owner:    owner,
	}
	if req.Price != nil {
		order.Price = *req.Price
	}
	sig, err := hexToBytes(req.Signature)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid signature encoding", err.Error())
		return
	}
	valid, err := s.eip712.VerifyOrderSignature(order, sig)
	if err != nil || !valid {
		respondError(w, http.StatusUnauthorized, "signature verification failed", "")
		return
	}

	action := &ome.OrderbookAction{
		Kind:     ome.ActionCreateOrder,
		OrderID:  req.OrderID,
		Side:     sideFromString(req.Side),
		Price:    req.Price,
		Pair:     ome.TokenPair{Base: req.Base, Quote: req.Quote},
		Quantity: req.Quantity,
	}
	s.submitAction(w, req.Owner, action)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if !ethcommon.IsHexAddress(req.Owner) {
		respondError(w, http.StatusBadRequest, "invalid owner address", "")
		return
	}
	owner := ethcommon.HexToAddress(req.Owner)

	cancel := &crypto.CancelEIP712{
		OrderID: req.OrderID,
		Nonce:   new(big.Int).SetUint64(req.Nonce),
		Owner:   owner,
	}
	sig, err := hexToBytes(req.Signature)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid signature encoding", err.Error())
		return
	}
	valid, err := s.eip712.VerifyCancelSignature(cancel, sig)
	if err != nil || !valid {
		respondError(w, http.StatusUnauthorized, "signature verification failed", "")
		return
	}

	action := &ome.OrderbookAction{Kind: ome.ActionCancel, CancelOrderID: req.OrderID}
	s.submitAction(w, req.Owner, action)
}

func (s *Server) submitAction(w http.ResponseWriter, identity string, action *ome.OrderbookAction) {
	data := ome.EncodeAction(action)
	body := append([]byte(identity), data...)
	txHash := ethcrypto.Keccak256Hash(body)

	tx := executor.BlobTransaction{
		Identity: identity,
		TxHash:   txHash,
		Blobs:    []ome.Blob{{ContractName: OrderbookContractName, Data: data}},
	}
	s.submit(tx)

	respondJSON(w, SubmitResponse{Status: "submitted", TxHash: txHash.Hex()})
}

func sideFromString(side string) ome.OrderSide {
	if side == "sell" || side == "Sell" || side == "SELL" {
		return ome.Sell
	}
	return ome.Buy
}

func hexToBytes(s string) ([]byte, error) {
	if len(s) >= 2 && s[:2] == "0x" {
		s = s[2:]
	}
	b := ethcommon.FromHex("0x" + s)
	if len(b) == 0 && s != "" {
		return nil, fmt.Errorf("invalid hex string")
	}
	return b, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, errMsg string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: errMsg, Message: message})
}
