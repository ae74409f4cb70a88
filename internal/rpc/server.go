// Package rpc provides a JSON-RPC 2.0 server for the liquidity daemon.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/klingon-exchange/klingon-liquidity/internal/aggregator"
	"github.com/klingon-exchange/klingon-liquidity/internal/node"
	"github.com/klingon-exchange/klingon-liquidity/pkg/logging"
)

// Server is a JSON-RPC 2.0 server.
type Server struct {
	node  *node.Node
	agg   *aggregator.Aggregator
	log   *logging.Logger
	wsHub *WSHub

	server   *http.Server
	listener net.Listener

	handlers map[string]Handler
	mu       sync.RWMutex
}

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Standard error codes. Aggregator failures use the application codes
// returned by aggregator.ErrorCode.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// errInvalidParams marks request parameters that could not be decoded.
var errInvalidParams = errors.New("invalid params")

// NewServer creates a JSON-RPC server for a node. Aggregator events are
// forwarded to websocket clients from the moment the server exists.
func NewServer(n *node.Node) *Server {
	s := &Server{
		node:     n,
		agg:      n.Aggregator(),
		log:      logging.GetDefault().Component("rpc"),
		wsHub:    NewWSHub(),
		handlers: make(map[string]Handler),
	}

	go s.wsHub.Run()
	s.agg.OnEvent(func(e *aggregator.Event) {
		s.wsHub.Broadcast(EventType(e.Type), e.Subject, e)
	})

	s.registerHandlers()
	return s
}

// registerHandlers registers all JSON-RPC method handlers.
func (s *Server) registerHandlers() {
	s.handlers["node_info"] = s.nodeInfo
	s.handlers["events_list"] = s.eventsList
	s.handlers["htlc_newSecret"] = s.htlcNewSecret

	// Protocol parameters
	s.handlers["protocol_initialize"] = s.protocolInitialize
	s.handlers["protocol_getParams"] = s.protocolGetParams
	s.handlers["protocol_setFee"] = s.protocolSetFee
	s.handlers["protocol_setMaxSlippage"] = s.protocolSetMaxSlippage
	s.handlers["protocol_setTreasury"] = s.protocolSetTreasury
	s.handlers["protocol_setDefaultTimeout"] = s.protocolSetDefaultTimeout
	s.handlers["protocol_setEmergencyShutdown"] = s.protocolSetEmergencyShutdown
	s.handlers["protocol_fees"] = s.protocolFees
	s.handlers["protocol_claimFees"] = s.protocolClaimFees

	// Registry
	s.handlers["chain_register"] = s.chainRegister
	s.handlers["chain_get"] = s.chainGet
	s.handlers["chain_list"] = s.chainList
	s.handlers["chain_setStatus"] = s.chainSetStatus
	s.handlers["chain_statusString"] = s.chainStatusString
	s.handlers["pool_register"] = s.poolRegister
	s.handlers["pool_get"] = s.poolGet
	s.handlers["pool_list"] = s.poolList
	s.handlers["pool_setStatus"] = s.poolSetStatus
	s.handlers["pool_setFee"] = s.poolSetFee
	s.handlers["token_map"] = s.tokenMap
	s.handlers["token_getMapping"] = s.tokenGetMapping
	s.handlers["token_listMappings"] = s.tokenListMappings
	s.handlers["oracle_register"] = s.oracleRegister
	s.handlers["oracle_get"] = s.oracleGet

	// Prices and relayers
	s.handlers["price_update"] = s.priceUpdate
	s.handlers["price_refresh"] = s.priceRefresh
	s.handlers["price_get"] = s.priceGet
	s.handlers["relayer_authorize"] = s.relayerAuthorize
	s.handlers["relayer_get"] = s.relayerGet
	s.handlers["relayer_stake"] = s.relayerStake
	s.handlers["relayer_unstake"] = s.relayerUnstake

	// Liquidity
	s.handlers["liquidity_add"] = s.liquidityAdd
	s.handlers["liquidity_remove"] = s.liquidityRemove
	s.handlers["liquidity_getProvider"] = s.liquidityGetProvider
	s.handlers["liquidity_listProviders"] = s.liquidityListProviders

	// Routing and swaps
	s.handlers["route_find"] = s.routeFind
	s.handlers["route_get"] = s.routeGet
	s.handlers["swap_initiate"] = s.swapInitiate
	s.handlers["swap_execute"] = s.swapExecute
	s.handlers["swap_refund"] = s.swapRefund
	s.handlers["swap_get"] = s.swapGet
	s.handlers["swap_list"] = s.swapList
}

// Handler returns the HTTP handler serving JSON-RPC and websocket requests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /", s.handleRPC)
	mux.HandleFunc("POST /{$}", s.handleRPC)
	mux.HandleFunc("OPTIONS /", s.handleCORS)
	mux.HandleFunc("OPTIONS /{$}", s.handleCORS)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /ws/", s.handleWS)
	return corsMiddleware(mux)
}

// Start starts the RPC server.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("RPC server error", "error", err)
		}
	}()

	s.log.Info("RPC server started", "addr", listener.Addr().String(), "ws", "ws://"+listener.Addr().String()+"/ws")
	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop stops the RPC server and disconnects websocket clients.
func (s *Server) Stop() error {
	defer s.wsHub.Stop()
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// handleRPC handles incoming JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, ParseError, "Parse error", nil)
		return
	}

	if req.JSONRPC != "2.0" {
		s.writeError(w, req.ID, InvalidRequest, "Invalid Request", nil)
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()

	if !ok {
		s.writeError(w, req.ID, MethodNotFound, "Method not found", req.Method)
		return
	}

	result, err := handler(r.Context(), req.Params)
	if err != nil {
		code := errorCode(err)
		if code == InternalError {
			s.log.Warn("RPC call failed", "method", req.Method, "error", err)
		}
		s.writeError(w, req.ID, code, err.Error(), nil)
		return
	}

	s.writeResult(w, req.ID, result)
}

// errorCode picks the JSON-RPC error code for a handler error.
func errorCode(err error) int {
	if errors.Is(err, errInvalidParams) {
		return InvalidParams
	}
	if code := aggregator.ErrorCode(err); code != 0 {
		return code
	}
	return InternalError
}

// parseParams decodes request params into v.
func parseParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return fmt.Errorf("%w: missing params", errInvalidParams)
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("%w: %v", errInvalidParams, err)
	}
	return nil
}

// writeResult writes a successful response.
func (s *Server) writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// WSHub returns the WebSocket hub.
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// handleCORS handles CORS preflight requests.
func (s *Server) handleCORS(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// corsMiddleware adds CORS headers to all responses.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
