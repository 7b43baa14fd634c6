// Package rpc exposes the wallet's call bridge as a JSON-RPC 2.0 server
// plus a WebSocket stream of payment state transitions.
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

	"github.com/tideswap/tidewallet/internal/config"
	"github.com/tideswap/tidewallet/internal/payment"
	"github.com/tideswap/tidewallet/internal/recovery"
	"github.com/tideswap/tidewallet/internal/storage"
	"github.com/tideswap/tidewallet/internal/wallet"
	"github.com/tideswap/tidewallet/pkg/logging"
)

// Server is a JSON-RPC 2.0 server over the wallet engine, persister and
// recoverer.
type Server struct {
	engine    *wallet.Engine
	store     *storage.Storage
	recoverer *recovery.Recoverer
	cfg       *config.Config
	log       *logging.Logger
	wsHub     *WSHub

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

// Standard error codes plus the server-defined code carrying typed
// payment errors in Data.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
	PaymentFailed  = -32000
)

// NewServer creates a new JSON-RPC server.
func NewServer(engine *wallet.Engine, store *storage.Storage, recoverer *recovery.Recoverer, cfg *config.Config) *Server {
	s := &Server{
		engine:    engine,
		store:     store,
		recoverer: recoverer,
		cfg:       cfg,
		log:       logging.GetDefault().Component("rpc"),
		handlers:  make(map[string]Handler),
		wsHub:     NewWSHub(),
	}
	s.registerHandlers()
	return s
}

func (s *Server) registerHandlers() {
	s.handlers["getInfo"] = s.getInfo
	s.handlers["prepareReceivePayment"] = s.prepareReceivePayment
	s.handlers["receivePayment"] = s.receivePayment
	s.handlers["prepareSendPayment"] = s.prepareSendPayment
	s.handlers["sendPayment"] = s.sendPayment
	s.handlers["listPayments"] = s.listPayments
	s.handlers["restore"] = s.restore
	s.handlers["backup"] = s.backup
	s.handlers["emptyWalletCache"] = s.emptyWalletCache
}

// Start starts the RPC server.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	go s.wsHub.Run()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /", s.handleRPC)
	mux.HandleFunc("OPTIONS /", s.handleCORS)
	mux.HandleFunc("GET /ws", s.handleWS)

	s.server = &http.Server{
		Handler:      corsMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("RPC server error", "error", err)
		}
	}()

	s.log.Info("RPC server started", "addr", addr, "ws", "ws://"+addr+"/ws")
	return nil
}

// Stop stops the RPC server.
func (s *Server) Stop() error {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// WSHub returns the WebSocket hub.
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// handleRPC handles incoming JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, &Error{Code: ParseError, Message: "Parse error"})
		return
	}

	if req.JSONRPC != "2.0" {
		s.writeError(w, req.ID, &Error{Code: InvalidRequest, Message: "Invalid Request"})
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()

	if !ok {
		s.writeError(w, req.ID, &Error{Code: MethodNotFound, Message: "Method not found", Data: req.Method})
		return
	}

	result, err := handler(r.Context(), req.Params)
	if err != nil {
		s.writeError(w, req.ID, errorFrom(err))
		return
	}
	s.writeResult(w, req.ID, result)
}

// errorFrom maps handler errors onto the wire. Typed payment errors keep
// their tag in Data so callers can branch without string matching.
func errorFrom(err error) *Error {
	var perr *payment.Error
	if errors.As(err, &perr) {
		return &Error{Code: PaymentFailed, Message: perr.Error(), Data: perr}
	}
	return &Error{Code: InternalError, Message: err.Error()}
}

func (s *Server) writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := Response{JSONRPC: "2.0", Result: result, ID: id}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) writeError(w http.ResponseWriter, id interface{}, rpcErr *Error) {
	resp := Response{JSONRPC: "2.0", Error: rpcErr, ID: id}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
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

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
