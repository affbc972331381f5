package solana

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// WSClientConfig configures WebSocket client behavior.
type WSClientConfig struct {
	// ReconnectDelay is initial delay before reconnect attempt.
	ReconnectDelay time.Duration
	// MaxReconnectDelay is maximum delay between reconnect attempts.
	MaxReconnectDelay time.Duration
	// PingInterval is interval for sending ping frames.
	PingInterval time.Duration
	// ReadTimeout is timeout for reading messages.
	ReadTimeout time.Duration
	// WriteTimeout is timeout for writing messages.
	WriteTimeout time.Duration
	// RequestTimeout bounds how long a subscribe/unsubscribe waits for its reply.
	RequestTimeout time.Duration
	// Logger receives connection diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultWSConfig returns default WebSocket configuration.
func DefaultWSConfig() WSClientConfig {
	return WSClientConfig{
		ReconnectDelay:    1 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		PingInterval:      30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		RequestTimeout:    30 * time.Second,
	}
}

const notificationBuffer = 256

// subscription tracks one logical subscription across reconnects.
type subscription struct {
	handle    uint64
	method    string
	params    []interface{}
	serverID  int64
	accountCh chan AccountNotification
	slotCh    chan SlotNotification
	done      chan struct{}
	stopOnce  sync.Once
}

func (s *subscription) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// WSClientImpl implements WSClient using gorilla/websocket.
type WSClientImpl struct {
	endpoint string
	config   WSClientConfig
	logger   *slog.Logger

	conn      *websocket.Conn
	connMu    sync.Mutex
	closed    atomic.Bool
	requestID atomic.Uint64
	handleID  atomic.Uint64

	// subs maps local handle to subscription; byServer maps server id to handle
	subs     map[uint64]*subscription
	byServer map[int64]uint64
	subsMu   sync.RWMutex

	// pending maps request ID to channel waiting for the reply
	pending   map[uint64]chan wsReply
	pendingMu sync.Mutex

	// done signals shutdown
	done chan struct{}
	wg   sync.WaitGroup

	// reconnecting indicates reconnection in progress
	reconnecting atomic.Bool
}

// Compile-time interface check.
var _ WSClient = (*WSClientImpl)(nil)

type wsReply struct {
	result json.RawMessage
	err    error
}

// NewWSClient creates a new WebSocket client and connects to the endpoint.
func NewWSClient(ctx context.Context, endpoint string, config *WSClientConfig) (*WSClientImpl, error) {
	cfg := DefaultWSConfig()
	if config != nil {
		cfg = *config
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &WSClientImpl{
		endpoint: endpoint,
		config:   cfg,
		logger:   logger.With("component", "solana-ws"),
		subs:     make(map[uint64]*subscription),
		byServer: make(map[int64]uint64),
		pending:  make(map[uint64]chan wsReply),
		done:     make(chan struct{}),
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	c.wg.Add(1)
	go c.readLoop()

	c.wg.Add(1)
	go c.pingLoop()

	return c, nil
}

// connect establishes WebSocket connection.
func (c *WSClientImpl) connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	c.conn = conn
	return nil
}

// AccountSubscribe subscribes to changes of a single account.
func (c *WSClientImpl) AccountSubscribe(ctx context.Context, address string, commitment Commitment) (uint64, <-chan AccountNotification, error) {
	cfg := map[string]interface{}{"encoding": "base64"}
	if commitment != "" {
		cfg["commitment"] = commitment
	}
	sub := &subscription{
		method:    "accountSubscribe",
		params:    []interface{}{address, cfg},
		accountCh: make(chan AccountNotification, notificationBuffer),
		done:      make(chan struct{}),
	}
	if err := c.subscribe(ctx, sub); err != nil {
		return 0, nil, err
	}
	return sub.handle, sub.accountCh, nil
}

// SlotSubscribe subscribes to slot changes.
func (c *WSClientImpl) SlotSubscribe(ctx context.Context) (uint64, <-chan SlotNotification, error) {
	sub := &subscription{
		method: "slotSubscribe",
		slotCh: make(chan SlotNotification, notificationBuffer),
		done:   make(chan struct{}),
	}
	if err := c.subscribe(ctx, sub); err != nil {
		return 0, nil, err
	}
	return sub.handle, sub.slotCh, nil
}

func (c *WSClientImpl) subscribe(ctx context.Context, sub *subscription) error {
	serverID, err := c.subscribeInternal(ctx, sub.method, sub.params)
	if err != nil {
		return err
	}

	sub.handle = c.handleID.Add(1)
	sub.serverID = serverID

	c.subsMu.Lock()
	c.subs[sub.handle] = sub
	c.byServer[serverID] = sub.handle
	c.subsMu.Unlock()
	return nil
}

// subscribeInternal sends a subscribe request and returns the server subscription id.
func (c *WSClientImpl) subscribeInternal(ctx context.Context, method string, params []interface{}) (int64, error) {
	raw, err := c.request(ctx, method, params)
	if err != nil {
		return 0, err
	}
	var serverID int64
	if err := json.Unmarshal(raw, &serverID); err != nil {
		return 0, fmt.Errorf("decode subscription id: %w", err)
	}
	return serverID, nil
}

// Unsubscribe cancels a subscription by handle.
func (c *WSClientImpl) Unsubscribe(ctx context.Context, handle uint64) error {
	c.subsMu.RLock()
	sub, ok := c.subs[handle]
	c.subsMu.RUnlock()
	if !ok {
		return nil
	}

	// Release any dispatcher blocked on this subscription before taking the write lock.
	sub.stop()

	c.subsMu.Lock()
	if _, live := c.subs[handle]; !live {
		c.subsMu.Unlock()
		return nil
	}
	delete(c.subs, handle)
	if c.byServer[sub.serverID] == handle {
		delete(c.byServer, sub.serverID)
	}
	serverID := sub.serverID
	if sub.accountCh != nil {
		close(sub.accountCh)
	}
	if sub.slotCh != nil {
		close(sub.slotCh)
	}
	c.subsMu.Unlock()

	method := "accountUnsubscribe"
	if sub.method == "slotSubscribe" {
		method = "slotUnsubscribe"
	}
	if _, err := c.request(ctx, method, []interface{}{serverID}); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

// request sends a JSON-RPC request over the socket and waits for its reply.
func (c *WSClientImpl) request(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("client closed")
	}

	reqID := c.requestID.Add(1)
	req := wsRequest{
		JSONRPC: "2.0",
		ID:      reqID,
		Method:  method,
		Params:  params,
	}

	replyCh := make(chan wsReply, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = replyCh
	c.pendingMu.Unlock()

	forget := func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}

	c.connMu.Lock()
	if c.conn == nil {
		c.connMu.Unlock()
		forget()
		return nil, fmt.Errorf("not connected")
	}

	c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	err := c.conn.WriteJSON(req)
	c.connMu.Unlock()

	if err != nil {
		forget()
		return nil, fmt.Errorf("write %s: %w", method, err)
	}

	timer := time.NewTimer(c.config.RequestTimeout)
	defer timer.Stop()

	select {
	case reply, ok := <-replyCh:
		if !ok {
			return nil, fmt.Errorf("client closed")
		}
		return reply.result, reply.err
	case <-timer.C:
		forget()
		return nil, fmt.Errorf("%s timeout after %s", method, c.config.RequestTimeout)
	case <-c.done:
		return nil, fmt.Errorf("client closed")
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

// Close closes the WebSocket connection.
func (c *WSClientImpl) Close() error {
	if c.closed.Swap(true) {
		return nil // Already closed
	}

	close(c.done)

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.conn.Close()
	}
	c.connMu.Unlock()

	c.subsMu.Lock()
	for handle, sub := range c.subs {
		sub.stop()
		if sub.accountCh != nil {
			close(sub.accountCh)
		}
		if sub.slotCh != nil {
			close(sub.slotCh)
		}
		delete(c.subs, handle)
	}
	c.byServer = make(map[int64]uint64)
	c.subsMu.Unlock()

	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	c.wg.Wait()
	return nil
}

// readLoop reads messages from WebSocket and dispatches to subscribers.
func (c *WSClientImpl) readLoop() {
	defer c.wg.Done()

	reconnectDelay := c.config.ReconnectDelay

	for !c.closed.Load() {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()

		if conn == nil {
			select {
			case <-c.done:
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))

		_, message, err := conn.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return
			}

			if !c.reconnecting.Swap(true) {
				c.logger.Warn("websocket read failed, reconnecting", "error", err, "delay", reconnectDelay)
				go c.reconnect(reconnectDelay)
			}

			reconnectDelay = reconnectDelay * 2
			if reconnectDelay > c.config.MaxReconnectDelay {
				reconnectDelay = c.config.MaxReconnectDelay
			}

			select {
			case <-c.done:
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		reconnectDelay = c.config.ReconnectDelay

		c.handleMessage(message)
	}
}

// reconnect attempts to reconnect and resubscribe.
func (c *WSClientImpl) reconnect(delay time.Duration) {
	defer c.reconnecting.Store(false)

	if c.closed.Load() {
		return
	}

	select {
	case <-c.done:
		return
	case <-time.After(delay):
	}

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := c.connect(ctx); err != nil {
		// Reconnect failed, will retry on next read error
		c.logger.Warn("websocket reconnect failed", "error", err)
		return
	}

	c.resubscribeAll()
}

// resubscribeAll re-establishes every live subscription after reconnect.
func (c *WSClientImpl) resubscribeAll() {
	c.subsMu.RLock()
	subs := make([]*subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subsMu.RUnlock()

	for _, sub := range subs {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		newID, err := c.subscribeInternal(ctx, sub.method, sub.params)
		cancel()

		if err != nil {
			c.logger.Warn("resubscribe failed", "method", sub.method, "error", err)
			continue
		}

		c.subsMu.Lock()
		if _, live := c.subs[sub.handle]; live {
			delete(c.byServer, sub.serverID)
			sub.serverID = newID
			c.byServer[newID] = sub.handle
		}
		c.subsMu.Unlock()
	}
}

// handleMessage processes incoming WebSocket message.
func (c *WSClientImpl) handleMessage(message []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		c.logger.Debug("undecodable websocket message", "error", err)
		return
	}

	if env.Method != "" {
		c.handleNotification(&env)
		return
	}

	if env.ID == nil {
		return
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[*env.ID]
	if ok {
		delete(c.pending, *env.ID)
	}
	c.pendingMu.Unlock()

	if !ok {
		if env.Error != nil {
			c.logger.Warn("websocket error response", "code", env.Error.Code, "message", env.Error.Message)
		}
		return
	}

	reply := wsReply{result: env.Result}
	if env.Error != nil {
		reply.err = env.Error
	}
	select {
	case ch <- reply:
	default:
	}
}

// handleNotification dispatches a subscription notification.
func (c *WSClientImpl) handleNotification(env *wsEnvelope) {
	var params wsNotificationParams
	if err := json.Unmarshal(env.Params, &params); err != nil {
		return
	}

	c.subsMu.RLock()
	defer c.subsMu.RUnlock()

	handle, ok := c.byServer[params.Subscription]
	if !ok {
		return
	}
	sub := c.subs[handle]
	if sub == nil {
		return
	}

	switch env.Method {
	case "accountNotification":
		if sub.accountCh == nil {
			return
		}
		notif, err := decodeAccountNotification(params.Result)
		if err != nil {
			c.logger.Debug("decode account notification", "error", err)
			return
		}
		select {
		case sub.accountCh <- notif:
		case <-sub.done:
		case <-c.done:
		}
	case "slotNotification":
		if sub.slotCh == nil {
			return
		}
		var v wsSlotValue
		if err := json.Unmarshal(params.Result, &v); err != nil {
			return
		}
		select {
		case sub.slotCh <- SlotNotification{Slot: v.Slot, Parent: v.Parent, Root: v.Root}:
		case <-sub.done:
		case <-c.done:
		}
	}
}

func decodeAccountNotification(raw json.RawMessage) (AccountNotification, error) {
	var res wsAccountResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return AccountNotification{}, err
	}
	notif := AccountNotification{Slot: res.Context.Slot}
	if res.Value == nil {
		return notif, nil
	}
	info := &AccountInfo{
		Slot:       res.Context.Slot,
		Lamports:   res.Value.Lamports,
		Owner:      res.Value.Owner,
		Executable: res.Value.Executable,
		RentEpoch:  res.Value.RentEpoch,
	}
	if len(res.Value.Data) >= 1 {
		data, err := base64.StdEncoding.DecodeString(res.Value.Data[0])
		if err != nil {
			return AccountNotification{}, fmt.Errorf("decode account data: %w", err)
		}
		info.Data = data
	}
	notif.Account = info
	return notif, nil
}

// pingLoop sends periodic ping frames to keep connection alive.
func (c *WSClientImpl) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.connMu.Lock()
			if c.conn != nil {
				c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
				// Failures surface on the read side, which drives reconnect.
				_ = c.conn.WriteMessage(websocket.PingMessage, nil)
			}
			c.connMu.Unlock()
		}
	}
}

// WebSocket message types

type wsRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type wsEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type wsNotificationParams struct {
	Subscription int64           `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

type wsAccountResult struct {
	Context rpcContext           `json:"context"`
	Value   *getAccountInfoValue `json:"value"`
}

type wsSlotValue struct {
	Parent uint64 `json:"parent"`
	Root   uint64 `json:"root"`
	Slot   uint64 `json:"slot"`
}
