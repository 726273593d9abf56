package dingtalk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/zulandar/dingline/internal/telegraph"
	"go.uber.org/zap"
)

// State is the connection lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOnline
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOnline:
		return "online"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// conn is the connection manager. It negotiates the gateway, owns the
// socket, drives heartbeats and supervises reconnection. At most one socket
// is active at a time.
type conn struct {
	rest              *restClient
	tokens            *TokenManager
	bus               *telegraph.EventBus
	logger            *zap.Logger
	rec               Recorder
	dialer            *websocket.Dialer
	router            *frameRouter
	heartbeat         time.Duration
	reconnectInterval time.Duration
	maxReconnect      int
	timeout           time.Duration

	ctx    context.Context // cancelled by stop; bounds frame handling
	cancel context.CancelFunc

	mu             sync.Mutex
	state          State
	retry          int
	alive          bool
	stopped        bool
	exhausted      bool
	ws             *websocket.Conn
	onlineSince    time.Time
	hbStop         chan struct{}
	reconnectTimer *time.Timer
	ready          chan error // signalled once when a pending start resolves

	writeMu sync.Mutex
}

// start runs the initial handshake and blocks until the gateway confirms
// registration, the reconnect budget runs out, or ctx is done.
func (c *conn) start(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("dingtalk: connect: already %s", state)
	}
	c.setStateLocked(StateConnecting)
	ready := make(chan error, 1)
	c.ready = ready
	c.mu.Unlock()

	if _, err := c.tokens.Acquire(ctx); err != nil {
		c.resetIdle()
		return err
	}
	if err := c.handshake(ctx); err != nil {
		c.resetIdle()
		return err
	}

	select {
	case err := <-ready:
		return err
	case <-ctx.Done():
		if !c.abandonStart(ready) {
			// Resolved while we were giving up; report that outcome.
			return <-ready
		}
		return ctx.Err()
	}
}

// abandonStart tears down a start that is still waiting for REGISTERED: the
// socket is closed, a pending reconnect is cancelled and the connection
// returns to idle. It reports false when the start already resolved.
func (c *conn) abandonStart(ready chan error) bool {
	c.mu.Lock()
	if c.ready != ready {
		c.mu.Unlock()
		return false
	}
	c.ready = nil
	c.stopHeartbeatLocked()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	ws := c.ws
	c.ws = nil
	c.retry = 0
	if !c.stopped {
		c.setStateLocked(StateIdle)
	}
	c.mu.Unlock()

	if ws != nil {
		ws.Close()
	}
	c.logger.Debug("connect abandoned before registration")
	return true
}

func (c *conn) resetIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = nil
	if !c.stopped {
		c.setStateLocked(StateIdle)
	}
}

// errAbandoned reports a handshake that finished after its connect attempt
// was given up.
var errAbandoned = errors.New("dingtalk: connect abandoned")

// handshake negotiates a gateway endpoint with a valid token and opens the
// socket. The connection becomes online only when REGISTERED arrives.
func (c *conn) handshake(ctx context.Context) error {
	tok, err := c.tokens.Token()
	if err != nil {
		return err
	}
	wsURL, err := c.rest.openGateway(ctx, tok.AccessToken)
	if err != nil {
		return err
	}
	ws, resp, err := c.dialer.DialContext(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dingtalk: dial gateway: %w", err)
	}
	ws.SetPongHandler(func(string) error {
		c.setAlive(true)
		return nil
	})

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		ws.Close()
		return ErrClosed
	}
	if c.state == StateIdle {
		c.mu.Unlock()
		ws.Close()
		return errAbandoned
	}
	c.ws = ws
	c.alive = true
	c.mu.Unlock()

	c.logger.Debug("gateway socket open")
	go c.readLoop(ws)
	return nil
}

// readLoop delivers frames from one socket to the router in arrival order.
func (c *conn) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.onClose(ws, err)
			return
		}
		c.router.route(c.ctx, data)
	}
}

func (c *conn) onClose(ws *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.ws != ws {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	c.stopHeartbeatLocked()
	wasOnline := c.state == StateOnline
	if c.stopped {
		c.setStateLocked(StateClosed)
		c.mu.Unlock()
		return
	}
	retry := c.retry
	c.mu.Unlock()

	ws.Close()
	c.logger.Warn("gateway socket closed", zap.Error(cause))
	if wasOnline {
		c.bus.Emit(telegraph.EventOffline, telegraph.Lifecycle{State: StateReconnecting.String(), RetryCount: retry, Err: cause})
	}
	c.scheduleReconnect()
}

// scheduleReconnect arms the reconnect timer, or gives up for good once the
// retry budget is spent.
func (c *conn) scheduleReconnect() {
	c.mu.Lock()
	if c.stopped || c.state == StateIdle {
		c.mu.Unlock()
		return
	}
	if c.retry >= c.maxReconnect {
		c.setStateLocked(StateClosed)
		first := !c.exhausted
		c.exhausted = true
		ready := c.ready
		c.ready = nil
		retry := c.retry
		c.mu.Unlock()

		if first {
			c.logger.Error("reconnect budget exhausted; giving up", zap.Int("attempts", retry))
			c.bus.Emit(telegraph.EventExhausted, telegraph.Lifecycle{
				State:      StateClosed.String(),
				RetryCount: retry,
				Err:        ErrConnectionExhausted,
			})
		}
		if ready != nil {
			ready <- ErrConnectionExhausted
		}
		return
	}
	c.setStateLocked(StateReconnecting)
	retry := c.retry
	c.reconnectTimer = time.AfterFunc(c.reconnectInterval, c.reconnect)
	c.mu.Unlock()

	c.logger.Info("reconnect scheduled",
		zap.Duration("in", c.reconnectInterval),
		zap.Int("attempt", retry+1),
		zap.Int("max", c.maxReconnect))
	c.bus.Emit(telegraph.EventReconnecting, telegraph.Lifecycle{State: StateReconnecting.String(), RetryCount: retry})
}

func (c *conn) reconnect() {
	c.mu.Lock()
	if c.stopped || c.state == StateIdle {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	c.retry++
	attempt := c.retry
	c.mu.Unlock()

	c.rec.Reconnect()
	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
	err := c.handshake(ctx)
	cancel()
	if err != nil {
		c.logger.Warn("reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
		c.scheduleReconnect()
	}
}

// handleSystem processes SYSTEM frames.
func (c *conn) handleSystem(f Frame) {
	switch f.Headers.Topic() {
	case topicRegistered:
		c.mu.Lock()
		if c.stopped || c.ws == nil {
			c.mu.Unlock()
			return
		}
		c.setStateLocked(StateOnline)
		c.retry = 0
		c.exhausted = false
		c.alive = true
		c.onlineSince = time.Now()
		c.startHeartbeatLocked(c.ws)
		ready := c.ready
		c.ready = nil
		c.mu.Unlock()

		c.rec.Liveness(true)
		c.logger.Info("online", zap.String("connection_id", f.Headers.get("connectionId")))
		c.bus.Emit(telegraph.EventOnline, telegraph.Lifecycle{State: StateOnline.String()})
		if ready != nil {
			ready <- nil
		}
	case topicDisconnect:
		c.logger.Info("gateway requested disconnect")
		c.setAlive(false)
	case topicKeepAlive:
		c.setAlive(true)
		c.echo(f)
	case topicPing:
		c.echo(f)
	default:
		c.logger.Debug("unhandled system frame", zap.String("topic", f.Headers.Topic()))
	}
}

// echo acknowledges a keepalive or ping frame with its own headers and data.
func (c *conn) echo(f Frame) {
	if err := c.writeJSON(AckFrame{Code: 200, Headers: f.Headers, Message: "OK", Data: f.Data}); err != nil {
		c.logger.Warn("heartbeat ack failed", zap.Error(err))
	}
}

func (c *conn) startHeartbeatLocked(ws *websocket.Conn) {
	c.stopHeartbeatLocked()
	stop := make(chan struct{})
	c.hbStop = stop
	go func() {
		ticker := time.NewTicker(c.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				// Liveness is telemetry only; a missing pong never forces a reconnect.
				c.setAlive(false)
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.heartbeat)); err != nil {
					c.logger.Debug("ping failed", zap.Error(err))
				}
			}
		}
	}()
}

func (c *conn) stopHeartbeatLocked() {
	if c.hbStop != nil {
		close(c.hbStop)
		c.hbStop = nil
	}
}

func (c *conn) setAlive(alive bool) {
	c.mu.Lock()
	c.alive = alive
	c.mu.Unlock()
	c.rec.Liveness(alive)
}

func (c *conn) setStateLocked(s State) {
	c.state = s
	c.rec.StateChanged(s.String())
}

// writeJSON writes one frame to the active socket.
func (c *conn) writeJSON(v any) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return fmt.Errorf("dingtalk: no active socket")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteJSON(v)
}

// stop closes the connection for good. It is idempotent, cancels the
// heartbeat and any pending reconnect, and closes the socket.
func (c *conn) stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.stopHeartbeatLocked()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	ws := c.ws
	c.ws = nil
	c.setStateLocked(StateClosed)
	ready := c.ready
	c.ready = nil
	c.mu.Unlock()

	c.cancel()
	if ws != nil {
		c.writeMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		ws.Close()
	}
	if ready != nil {
		ready <- ErrClosed
	}
}

type connStatus struct {
	state       State
	retry       int
	alive       bool
	onlineSince time.Time
}

func (c *conn) status() connStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return connStatus{state: c.state, retry: c.retry, alive: c.alive, onlineSince: c.onlineSince}
}
