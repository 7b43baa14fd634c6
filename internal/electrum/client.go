// Package electrum implements the chain backend over the Electrum
// protocol: newline-delimited JSON-RPC over TCP or TLS. It is the only
// package that talks to the network.
package electrum

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/tideswap/tidewallet/pkg/helpers"
	"github.com/tideswap/tidewallet/pkg/logging"
)

// ErrNotConnected is returned when a call is made before Connect or after
// the connection dropped.
var ErrNotConnected = fmt.Errorf("electrum: not connected")

// HistoryItem is one entry of a script's on-chain history. Height 0 means
// the transaction is still in the mempool.
type HistoryItem struct {
	TxID   string
	Height uint32
}

// TxInfo is a fetched transaction plus the chain facts Electrum reports
// about it.
type TxInfo struct {
	Tx            *wire.MsgTx
	BlockTime     int64
	Confirmations int64
}

// Client is a single-connection Electrum client. All calls serialize on
// one socket; the protocol is strictly request/response for the methods
// used here.
type Client struct {
	server  string
	useTLS  bool
	timeout time.Duration
	log     *logging.Logger

	mu        sync.Mutex
	conn      net.Conn
	reader    *bufio.Reader
	connected bool
	requestID atomic.Uint64
}

// NewClient creates a client for one server address ("host:port").
func NewClient(server string, useTLS bool) *Client {
	return &Client{
		server:  server,
		useTLS:  useTLS,
		timeout: 30 * time.Second,
		log:     logging.GetDefault().Component("electrum"),
	}
}

// Connect establishes the connection and performs the protocol handshake.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	dialer := &net.Dialer{Timeout: c.timeout}
	var (
		conn net.Conn
		err  error
	)
	if c.useTLS {
		conn, err = tls.DialWithDialer(dialer, "tcp", c.server, &tls.Config{
			MinVersion: tls.VersionTLS12,
		})
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", c.server)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	c.conn = conn
	c.reader = bufio.NewReader(conn)
	c.connected = true

	if _, err := c.callLocked("server.version", []interface{}{"tidewallet", "1.4"}); err != nil {
		conn.Close()
		c.conn = nil
		c.connected = false
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	c.log.Debug("connected", "server", c.server, "tls", c.useTLS)
	return nil
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
	return nil
}

// IsConnected reports whether the socket is up.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Tip returns the current chain tip height via headers.subscribe.
func (c *Client) Tip(ctx context.Context) (uint32, error) {
	result, err := c.call(ctx, "blockchain.headers.subscribe", []interface{}{})
	if err != nil {
		return 0, err
	}
	headerMap, ok := result.(map[string]interface{})
	if !ok {
		return 0, fmt.Errorf("unexpected headers response format")
	}
	height, ok := headerMap["height"].(float64)
	if !ok {
		return 0, fmt.Errorf("height not found in response")
	}
	if height < 0 {
		return 0, fmt.Errorf("negative tip height %v", height)
	}
	return uint32(height), nil
}

// ScriptHistory returns the confirmed and mempool history of a script.
// Electrum reports mempool entries with height 0 or -1; both map to 0.
func (c *Client) ScriptHistory(ctx context.Context, scriptPubKey []byte) ([]HistoryItem, error) {
	result, err := c.call(ctx, "blockchain.scripthash.get_history", []interface{}{ScriptHash(scriptPubKey)})
	if err != nil {
		return nil, err
	}
	historyList, ok := result.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected history response format")
	}

	items := make([]HistoryItem, 0, len(historyList))
	for _, h := range historyList {
		entry, ok := h.(map[string]interface{})
		if !ok {
			continue
		}
		txID, ok := entry["tx_hash"].(string)
		if !ok {
			continue
		}
		var height uint32
		if raw, ok := entry["height"].(float64); ok && raw > 0 {
			height = uint32(raw)
		}
		items = append(items, HistoryItem{TxID: txID, Height: height})
	}
	return items, nil
}

// Transaction fetches a transaction with its verbose chain metadata.
func (c *Client) Transaction(ctx context.Context, txID string) (*TxInfo, error) {
	result, err := c.call(ctx, "blockchain.transaction.get", []interface{}{txID, true})
	if err != nil {
		return nil, err
	}
	txMap, ok := result.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected transaction response format")
	}
	rawHex, ok := txMap["hex"].(string)
	if !ok {
		return nil, fmt.Errorf("transaction %s: hex missing from response", txID)
	}
	msgTx, err := decodeTx(rawHex)
	if err != nil {
		return nil, fmt.Errorf("transaction %s: %w", txID, err)
	}

	info := &TxInfo{Tx: msgTx}
	if confirmations, ok := txMap["confirmations"].(float64); ok {
		info.Confirmations = int64(confirmations)
	}
	if blockTime, ok := txMap["blocktime"].(float64); ok {
		info.BlockTime = int64(blockTime)
	}
	return info, nil
}

// Broadcast submits a signed transaction and returns its txid.
func (c *Client) Broadcast(ctx context.Context, tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("serialize tx: %w", err)
	}
	result, err := c.call(ctx, "blockchain.transaction.broadcast", []interface{}{hex.EncodeToString(buf.Bytes())})
	if err != nil {
		return "", fmt.Errorf("broadcast failed: %w", err)
	}
	txID, ok := result.(string)
	if !ok {
		return "", fmt.Errorf("unexpected broadcast response format")
	}
	c.log.Info("broadcast transaction", "txid", txID)
	return txID, nil
}

// EstimateFee returns a fee rate in sat/vB for confirmation within the
// given number of blocks, or 0 if the server has no estimate.
func (c *Client) EstimateFee(ctx context.Context, blocks int) (float32, error) {
	result, err := c.call(ctx, "blockchain.estimatefee", []interface{}{blocks})
	if err != nil {
		return 0, err
	}
	fee, ok := result.(float64)
	if !ok || fee <= 0 {
		return 0, nil
	}
	// Electrum reports BTC/kB.
	return float32(fee * 1e8 / 1000), nil
}

// call makes an Electrum JSON-RPC call.
func (c *Client) call(ctx context.Context, method string, params []interface{}) (interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.callLocked(method, params)
}

func (c *Client) callLocked(method string, params []interface{}) (interface{}, error) {
	if !c.connected || c.conn == nil {
		return nil, ErrNotConnected
	}

	id := c.requestID.Add(1)
	request := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	}
	data, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	c.conn.SetDeadline(time.Now().Add(c.timeout))

	// Requests and responses are newline delimited.
	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		c.connected = false
		return nil, err
	}
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		c.connected = false
		return nil, err
	}

	var response struct {
		JSONRPC string      `json:"jsonrpc"`
		ID      uint64      `json:"id"`
		Result  interface{} `json:"result"`
		Error   *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(line, &response); err != nil {
		return nil, err
	}
	if response.Error != nil {
		return nil, fmt.Errorf("electrum error %d: %s", response.Error.Code, response.Error.Message)
	}
	return response.Result, nil
}

// ScriptHash converts a scriptPubKey to Electrum's scripthash format:
// SHA256(scriptPubKey) with the byte order reversed, hex encoded.
func ScriptHash(scriptPubKey []byte) string {
	hash := sha256.Sum256(scriptPubKey)
	return hex.EncodeToString(helpers.ReverseBytes(hash[:]))
}

func decodeTx(rawHex string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, fmt.Errorf("invalid tx hex: %w", err)
	}
	msgTx := wire.NewMsgTx(wire.TxVersion)
	if err := msgTx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("deserialize tx: %w", err)
	}
	return msgTx, nil
}
