package adminchat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"nhooyr.io/websocket"
)

// Inbound hub events.
const (
	EventReceiveMessage   = "ReceiveMessage"
	EventUserOnline       = "UserOnline"
	EventUserOffline      = "UserOffline"
	EventTypingIndicator  = "TypingIndicator"
	EventMessageRead      = "MessageRead"
	EventMessageDelivered = "MessageDelivered"
)

// Outbound hub methods.
const (
	MethodSendTypingIndicator = "SendTypingIndicator"
	MethodMessageDelivered    = "MessageDelivered"
	MethodMessagesRead        = "MessagesRead"
	MethodGetOnlineUsersCount = "GetOnlineUsersCount"
	MethodIsUserOnline        = "IsUserOnline"
	MethodGetOnlineUsers      = "GetOnlineUsers"
)

// ============================================================================
// Configuration
// ============================================================================

// ConnState represents the hub connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// Conn is the transport the hub client reads and writes. *websocket.Conn
// satisfies it.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens a transport to the hub endpoint.
type Dialer func(ctx context.Context, endpoint string, header http.Header) (Conn, error)

// WebSocketDialer returns the default dialer. httpClient may be nil.
func WebSocketDialer(httpClient *http.Client) Dialer {
	return func(ctx context.Context, endpoint string, header http.Header) (Conn, error) {
		c, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
			HTTPClient: httpClient,
			HTTPHeader: header,
		})
		if err != nil {
			return nil, err
		}
		c.SetReadLimit(1 << 20)
		return c, nil
	}
}

// HubConfig configures a HubClient.
type HubConfig struct {
	// URL is the hub endpoint; http(s) schemes are rewritten to ws(s).
	URL string
	// Token is used when TokenSource is nil.
	Token       string
	TokenSource func() string

	// MaxReconnectAttempts bounds automatic reconnection after a drop.
	MaxReconnectAttempts int
	ReconnectDelays      []time.Duration
	ReconnectMaxDelay    time.Duration

	// KeepAliveInterval is the ping period; negative disables the heartbeat.
	KeepAliveInterval time.Duration
	// ServerTimeout is how long the hub may stay silent before the
	// transport is considered dead.
	ServerTimeout    time.Duration
	HandshakeTimeout time.Duration

	Clock   Clock
	Dialer  Dialer
	Logger  *slog.Logger
	Metrics *Metrics
}

func (c *HubConfig) defaults() {
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectDelays == nil {
		c.ReconnectDelays = DefaultReconnectDelays
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = 15 * time.Second
	}
	if c.ServerTimeout == 0 {
		c.ServerTimeout = 30 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 15 * time.Second
	}
	if c.Clock == nil {
		c.Clock = SystemClock
	}
	if c.Dialer == nil {
		c.Dialer = WebSocketDialer(nil)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ============================================================================
// HubClient
// ============================================================================

// HubHandler receives the raw arguments of an inbound invocation.
type HubHandler func(args []json.RawMessage)

type completion struct {
	result json.RawMessage
	err    error
}

// HubClient owns the single hub transport: it connects, reconnects on a
// schedule, keeps the link alive and dispatches inbound events in the order
// the transport delivered them.
type HubClient struct {
	config *HubConfig
	logger *slog.Logger

	mu          sync.Mutex
	state       ConnState
	conn        Conn
	connCancel  context.CancelFunc
	retryCancel context.CancelFunc
	lastErr     error
	lastRecv    time.Time
	policy      *retryPolicy

	wmu sync.Mutex

	hmu            sync.RWMutex
	handlers       map[string]HubHandler
	onState        []func(old, new ConnState)
	onTerminal     []func(error)
	onReconnecting []func(attempt int, delay time.Duration)

	pmu     sync.Mutex
	pending map[string]chan completion
}

// NewHubClient creates a disconnected client.
func NewHubClient(config HubConfig) *HubClient {
	config.defaults()
	config.Metrics.setState(StateDisconnected)
	return &HubClient{
		config:   &config,
		logger:   config.Logger,
		state:    StateDisconnected,
		policy:   newRetryPolicy(&config),
		handlers: make(map[string]HubHandler),
		pending:  make(map[string]chan completion),
	}
}

// State returns the current connection state.
func (h *HubClient) State() ConnState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// LastError returns the most recent connection failure, or nil.
func (h *HubClient) LastError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

// Subscribe registers the handler for an event, replacing any previous one.
// Event names are matched case-insensitively.
func (h *HubClient) Subscribe(event string, fn HubHandler) {
	h.hmu.Lock()
	h.handlers[strings.ToLower(event)] = fn
	h.hmu.Unlock()
}

// Unsubscribe removes the handler for an event.
func (h *HubClient) Unsubscribe(event string) {
	h.hmu.Lock()
	delete(h.handlers, strings.ToLower(event))
	h.hmu.Unlock()
}

// OnStateChange registers a state transition observer.
func (h *HubClient) OnStateChange(fn func(old, new ConnState)) {
	h.hmu.Lock()
	h.onState = append(h.onState, fn)
	h.hmu.Unlock()
}

// OnTerminal registers an observer called once each time reconnection gives
// up.
func (h *HubClient) OnTerminal(fn func(error)) {
	h.hmu.Lock()
	h.onTerminal = append(h.onTerminal, fn)
	h.hmu.Unlock()
}

// OnReconnecting registers an observer called before each reconnect attempt.
func (h *HubClient) OnReconnecting(fn func(attempt int, delay time.Duration)) {
	h.hmu.Lock()
	h.onReconnecting = append(h.onReconnecting, fn)
	h.hmu.Unlock()
}

// OnReceiveMessage subscribes to pushed messages. Payloads without an id are
// dropped.
func (h *HubClient) OnReceiveMessage(fn func(Message)) {
	h.Subscribe(EventReceiveMessage, func(args []json.RawMessage) {
		if len(args) == 0 {
			return
		}
		m, ok := normalizeMessage(gjson.ParseBytes(args[0]))
		if !ok {
			h.logger.Warn("dropping message without id", slog.String("event", EventReceiveMessage))
			return
		}
		fn(m)
	})
}

// OnUserOnline subscribes to presence arrivals.
func (h *HubClient) OnUserOnline(fn func(UserConnection)) {
	h.Subscribe(EventUserOnline, h.userConnectionHandler(fn))
}

// OnUserOffline subscribes to presence departures.
func (h *HubClient) OnUserOffline(fn func(UserConnection)) {
	h.Subscribe(EventUserOffline, h.userConnectionHandler(fn))
}

func (h *HubClient) userConnectionHandler(fn func(UserConnection)) HubHandler {
	return func(args []json.RawMessage) {
		if len(args) == 0 {
			return
		}
		if u, ok := normalizeUserConnection(gjson.ParseBytes(args[0]), h.config.Clock.Now()); ok {
			fn(u)
		}
	}
}

// OnTypingIndicator subscribes to typing changes of counterparts.
func (h *HubClient) OnTypingIndicator(fn func(TypingIndicator)) {
	h.Subscribe(EventTypingIndicator, func(args []json.RawMessage) {
		if len(args) == 0 {
			return
		}
		if ti, ok := normalizeTyping(gjson.ParseBytes(args[0]), h.config.Clock.Now()); ok {
			fn(ti)
		}
	})
}

// OnMessageRead subscribes to read receipts.
func (h *HubClient) OnMessageRead(fn func([]Receipt)) {
	h.Subscribe(EventMessageRead, receiptHandler(fn))
}

// OnMessageDelivered subscribes to delivery receipts.
func (h *HubClient) OnMessageDelivered(fn func([]Receipt)) {
	h.Subscribe(EventMessageDelivered, receiptHandler(fn))
}

// receiptHandler also accepts the positional form (messageId, userId).
func receiptHandler(fn func([]Receipt)) HubHandler {
	return func(args []json.RawMessage) {
		if len(args) == 0 {
			return
		}
		first := gjson.ParseBytes(args[0])
		receipts := normalizeReceipts(first)
		if len(args) > 1 && first.Type == gjson.String {
			userID := gjson.ParseBytes(args[1]).String()
			for i := range receipts {
				receipts[i].UserID = userID
			}
		}
		if len(receipts) > 0 {
			fn(receipts)
		}
	}
}

// Connect dials the hub and performs the protocol handshake. It is a no-op
// when already connected; any other session in progress, including a
// reconnect loop, is torn down first. A failed connect is not retried.
func (h *HubClient) Connect(ctx context.Context) error {
	h.mu.Lock()
	if h.state == StateConnected {
		h.mu.Unlock()
		return nil
	}
	stale := h.detachLocked()
	h.policy.reset()
	old := h.state
	h.state = StateConnecting
	h.mu.Unlock()

	closeConn(stale, "superseded")
	h.notifyState(old, StateConnecting)

	conn, early, err := h.dial(ctx)
	if err != nil {
		cerr := &ConnectionError{Op: "connect", Err: err}
		h.mu.Lock()
		h.lastErr = cerr
		old = h.state
		h.state = StateDisconnected
		h.mu.Unlock()
		h.notifyState(old, StateDisconnected)
		return cerr
	}
	if !h.attach(nil, conn, early) {
		closeConn(conn, "superseded")
		if h.State() == StateConnected {
			return nil
		}
		return &ConnectionError{Op: "connect", Err: context.Canceled}
	}
	return nil
}

// Disconnect stops any reconnect loop and closes the transport. Safe to
// call in any state.
func (h *HubClient) Disconnect() {
	h.mu.Lock()
	conn := h.detachLocked()
	old := h.state
	h.state = StateDisconnected
	h.mu.Unlock()

	closeConn(conn, "client disconnect")
	h.failPending(&NotConnectedError{Target: "pending invocation", State: StateDisconnected})
	h.notifyState(old, StateDisconnected)
}

// detachLocked cancels loops and returns the transport to close outside
// the lock.
func (h *HubClient) detachLocked() Conn {
	if h.connCancel != nil {
		h.connCancel()
		h.connCancel = nil
	}
	if h.retryCancel != nil {
		h.retryCancel()
		h.retryCancel = nil
	}
	conn := h.conn
	h.conn = nil
	return conn
}

func closeConn(conn Conn, reason string) {
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, reason)
	}
}

// Send fires an invocation without waiting for a completion.
func (h *HubClient) Send(ctx context.Context, target string, args ...interface{}) error {
	conn, err := h.connected(target)
	if err != nil {
		return err
	}
	data, err := encodeInvocation("", target, args)
	if err != nil {
		return fmt.Errorf("encode %s: %w", target, err)
	}
	return h.write(ctx, conn, target, data)
}

// Invoke sends an invocation and waits for its completion.
func (h *HubClient) Invoke(ctx context.Context, target string, args ...interface{}) (json.RawMessage, error) {
	conn, err := h.connected(target)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	data, err := encodeInvocation(id, target, args)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", target, err)
	}

	ch := make(chan completion, 1)
	h.pmu.Lock()
	h.pending[id] = ch
	h.pmu.Unlock()
	defer func() {
		h.pmu.Lock()
		delete(h.pending, id)
		h.pmu.Unlock()
	}()

	start := h.config.Clock.Now()
	if err := h.write(ctx, conn, target, data); err != nil {
		return nil, err
	}
	select {
	case c := <-ch:
		h.config.Metrics.observeInvoke(target, h.config.Clock.Now().Sub(start).Seconds())
		return c.result, c.err
	case <-ctx.Done():
		return nil, &RequestFailure{Op: target, Err: ctx.Err()}
	}
}

func (h *HubClient) connected(target string) (Conn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateConnected || h.conn == nil {
		return nil, &NotConnectedError{Target: target, State: h.state}
	}
	return h.conn, nil
}

func (h *HubClient) write(ctx context.Context, conn Conn, target string, data []byte) error {
	h.wmu.Lock()
	defer h.wmu.Unlock()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return &RequestFailure{Op: target, Err: err}
	}
	return nil
}

// GetOnlineUsersCount asks the hub how many users are online.
func (h *HubClient) GetOnlineUsersCount(ctx context.Context) (int, error) {
	raw, err := h.Invoke(ctx, MethodGetOnlineUsersCount)
	if err != nil {
		return 0, err
	}
	return int(gjson.ParseBytes(raw).Int()), nil
}

// IsUserOnline asks the hub whether userID has a live connection.
func (h *HubClient) IsUserOnline(ctx context.Context, userID string) (bool, error) {
	raw, err := h.Invoke(ctx, MethodIsUserOnline, userID)
	if err != nil {
		return false, err
	}
	return gjson.ParseBytes(raw).Bool(), nil
}

// GetOnlineUsers lists the users the hub reports online.
func (h *HubClient) GetOnlineUsers(ctx context.Context) ([]UserConnection, error) {
	raw, err := h.Invoke(ctx, MethodGetOnlineUsers)
	if err != nil {
		return nil, err
	}
	now := h.config.Clock.Now()
	var users []UserConnection
	for _, v := range gjson.ParseBytes(raw).Array() {
		if u, ok := normalizeUserConnection(v, now); ok {
			users = append(users, u)
		}
	}
	return users, nil
}

// ============================================================================
// Transport lifecycle
// ============================================================================

func (h *HubClient) token() string {
	if h.config.TokenSource != nil {
		return h.config.TokenSource()
	}
	return h.config.Token
}

func (h *HubClient) endpoint(token string) (string, error) {
	raw := strings.Replace(h.config.URL, "https://", "wss://", 1)
	raw = strings.Replace(raw, "http://", "ws://", 1)
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse hub url: %w", err)
	}
	if token != "" {
		q := u.Query()
		q.Set("access_token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// dial opens the transport and completes the handshake. Records that
// arrived together with the handshake response are returned for dispatch.
func (h *HubClient) dial(ctx context.Context) (Conn, [][]byte, error) {
	token := h.token()
	endpoint, err := h.endpoint(token)
	if err != nil {
		return nil, nil, err
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	dctx, cancel := context.WithTimeout(ctx, h.config.HandshakeTimeout)
	defer cancel()

	conn, err := h.config.Dialer(dctx, endpoint, header)
	if err != nil {
		return nil, nil, fmt.Errorf("dial: %w", err)
	}
	if err := conn.Write(dctx, websocket.MessageText, handshakeRequest); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "handshake")
		return nil, nil, fmt.Errorf("write handshake: %w", err)
	}
	_, data, err := conn.Read(dctx)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "handshake")
		return nil, nil, fmt.Errorf("read handshake: %w", err)
	}
	early, err := parseHandshakeResponse(data)
	if err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "handshake")
		return nil, nil, err
	}
	return conn, early, nil
}

// attach installs a freshly handshaken transport and starts its loops. When
// retryCtx is non-nil and already cancelled, the transport is rejected.
func (h *HubClient) attach(retryCtx context.Context, conn Conn, early [][]byte) bool {
	h.mu.Lock()
	if retryCtx != nil && retryCtx.Err() != nil {
		h.mu.Unlock()
		return false
	}
	if retryCtx == nil && h.state != StateConnecting {
		h.mu.Unlock()
		return false
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	h.conn = conn
	h.connCancel = cancel
	h.retryCancel = nil
	h.lastErr = nil
	h.lastRecv = h.config.Clock.Now()
	h.policy.reset()
	old := h.state
	h.state = StateConnected
	h.mu.Unlock()

	h.logger.Info("hub connected", slog.String("event", "connected"))
	h.notifyState(old, StateConnected)

	for _, rec := range early {
		if stop, allow, err := h.handleRecord(rec); stop {
			h.connectionLost(conn, err, allow)
			return true
		}
	}
	go h.readLoop(loopCtx, conn)
	if h.config.KeepAliveInterval > 0 {
		go h.keepAlive(loopCtx, conn)
	}
	return true
}

func (h *HubClient) readLoop(ctx context.Context, conn Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			h.connectionLost(conn, err, true)
			return
		}
		h.mu.Lock()
		h.lastRecv = h.config.Clock.Now()
		h.mu.Unlock()

		for _, rec := range splitRecords(data) {
			if stop, allow, err := h.handleRecord(rec); stop {
				h.connectionLost(conn, err, allow)
				return
			}
		}
	}
}

var errServerTimeout = errors.New("server timeout")

func (h *HubClient) keepAlive(ctx context.Context, conn Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.config.Clock.After(h.config.KeepAliveInterval):
		}

		h.mu.Lock()
		silent := h.config.Clock.Now().Sub(h.lastRecv)
		h.mu.Unlock()
		if silent > h.config.ServerTimeout {
			h.logger.Warn("hub silent, dropping transport", slog.Duration("silent", silent))
			h.connectionLost(conn, errServerTimeout, true)
			return
		}

		h.wmu.Lock()
		err := conn.Write(ctx, websocket.MessageText, encodePing())
		h.wmu.Unlock()
		if err != nil {
			if ctx.Err() == nil {
				h.connectionLost(conn, fmt.Errorf("ping: %w", err), true)
			}
			return
		}
	}
}

// handleRecord processes one inbound record. stop is true for a close frame.
func (h *HubClient) handleRecord(rec []byte) (stop, allowReconnect bool, err error) {
	f, err := decodeFrame(rec)
	if err != nil {
		h.logger.Warn("skipping malformed hub record", slog.String("error", err.Error()))
		return false, false, nil
	}
	switch f.Type {
	case frameInvocation:
		h.dispatch(f.Target, f.Arguments)
	case frameCompletion:
		h.complete(f)
	case framePing:
	case frameClose:
		reason := f.Error
		if reason == "" {
			reason = "closed by server"
		}
		return true, f.AllowReconnect, errors.New(reason)
	}
	return false, false, nil
}

func (h *HubClient) dispatch(target string, args []json.RawMessage) {
	h.config.Metrics.hubEvent(target)
	h.hmu.RLock()
	fn := h.handlers[strings.ToLower(target)]
	h.hmu.RUnlock()
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("hub handler panicked", slog.String("event", target), slog.Any("panic", r))
		}
	}()
	fn(args)
}

func (h *HubClient) complete(f *hubFrame) {
	h.pmu.Lock()
	ch, ok := h.pending[f.InvocationID]
	delete(h.pending, f.InvocationID)
	h.pmu.Unlock()
	if !ok {
		return
	}
	c := completion{result: f.Result}
	if f.Error != "" {
		c.err = &RequestFailure{Op: "invoke", Message: f.Error}
	}
	ch <- c
}

func (h *HubClient) failPending(err error) {
	h.pmu.Lock()
	defer h.pmu.Unlock()
	for id, ch := range h.pending {
		ch <- completion{err: err}
		delete(h.pending, id)
	}
}

// connectionLost handles the end of conn. Only the first report for the
// current transport has any effect.
func (h *HubClient) connectionLost(conn Conn, cause error, allowReconnect bool) {
	h.mu.Lock()
	if h.conn != conn {
		h.mu.Unlock()
		return
	}
	if h.connCancel != nil {
		h.connCancel()
		h.connCancel = nil
	}
	h.conn = nil
	old := h.state
	cerr := &ConnectionError{Op: "read", Err: cause}
	h.lastErr = cerr

	var retryCtx context.Context
	if allowReconnect {
		var cancel context.CancelFunc
		retryCtx, cancel = context.WithCancel(context.Background())
		h.retryCancel = cancel
		h.state = StateReconnecting
	} else {
		h.state = StateDisconnected
	}
	next := h.state
	h.mu.Unlock()

	closeConn(conn, "connection lost")
	h.failPending(cerr)
	h.logger.Warn("hub connection lost", slog.String("error", cause.Error()), slog.Bool("reconnect", allowReconnect))
	h.notifyState(old, next)

	if retryCtx != nil {
		go h.reconnectLoop(retryCtx)
	}
}

func (h *HubClient) reconnectLoop(ctx context.Context) {
	for {
		h.mu.Lock()
		delay, ok := h.policy.next()
		attempt := h.policy.attempts()
		lastErr := h.lastErr
		h.mu.Unlock()

		if !ok {
			h.giveUp(ctx, attempt, lastErr)
			return
		}

		h.config.Metrics.reconnectAttempt()
		h.logger.Info("hub reconnecting", slog.Int("attempt", attempt), slog.Duration("delay", delay))
		h.notifyReconnecting(attempt, delay)

		if delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-h.config.Clock.After(delay):
			}
		}
		if ctx.Err() != nil {
			return
		}

		conn, early, err := h.dial(ctx)
		if err != nil {
			h.mu.Lock()
			if ctx.Err() == nil {
				h.lastErr = &ConnectionError{Op: "reconnect", Err: err}
			}
			h.mu.Unlock()
			h.logger.Warn("hub reconnect failed", slog.Int("attempt", attempt), slog.String("error", err.Error()))
			continue
		}
		if !h.attach(ctx, conn, early) {
			closeConn(conn, "superseded")
		}
		return
	}
}

func (h *HubClient) giveUp(ctx context.Context, attempts int, last error) {
	h.mu.Lock()
	if ctx.Err() != nil {
		h.mu.Unlock()
		return
	}
	h.retryCancel = nil
	cause := fmt.Errorf("%w after %d attempts", ErrReconnectExhausted, attempts)
	if last != nil {
		cause = fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, attempts, last)
	}
	terr := &ConnectionError{Op: "reconnect", Err: cause, Terminal: true}
	h.lastErr = terr
	old := h.state
	h.state = StateDisconnected
	h.mu.Unlock()

	h.logger.Error("hub reconnect exhausted", slog.Int("attempts", attempts))
	h.notifyState(old, StateDisconnected)

	h.hmu.RLock()
	observers := append([]func(error){}, h.onTerminal...)
	h.hmu.RUnlock()
	for _, fn := range observers {
		fn(terr)
	}
}

func (h *HubClient) notifyState(old, new ConnState) {
	if old == new {
		return
	}
	h.config.Metrics.setState(new)
	h.hmu.RLock()
	observers := append([]func(ConnState, ConnState){}, h.onState...)
	h.hmu.RUnlock()
	for _, fn := range observers {
		fn(old, new)
	}
}

func (h *HubClient) notifyReconnecting(attempt int, delay time.Duration) {
	h.hmu.RLock()
	observers := append([]func(int, time.Duration){}, h.onReconnecting...)
	h.hmu.RUnlock()
	for _, fn := range observers {
		fn(attempt, delay)
	}
}
