package collab

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"cowrite/collab/internal/protocol"
)

// Status is the connection lifecycle state surfaced to the UI.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// ErrNotConnected is returned by Send while the channel is down. Callers
// treat it as "will reconcile on next sync", not as a failure to surface.
var ErrNotConnected = errors.New("collab: not connected")

// wire is the subset of *websocket.Conn the manager uses, separated so tests
// can run without a network.
type wire interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// DialFunc opens the underlying channel. The default dials a websocket.
type DialFunc func(ctx context.Context, url string) (wire, error)

func wsDial(ctx context.Context, url string) (wire, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return ws, nil
}

// Handlers receive the connection's inbound events. OnSync fires exactly once
// per established connection, before any OnUpdate for that connection; live
// updates that race ahead of the sync are buffered until it lands.
type Handlers struct {
	OnStatus   func(Status)
	OnSync     func(protocol.Message)
	OnUpdate   func(payload []byte)
	OnPresence func(protocol.Message)
}

// ConnConfig configures a Conn.
type ConnConfig struct {
	URL         string
	DocumentID  string
	UserID      string
	UserName    string
	UserEmail   string
	Token       string
	Dial        DialFunc      // nil = websocket
	DialTimeout time.Duration // 0 = 10s
}

// Conn owns the network lifecycle for one (document, user) editing session.
// At most one live channel exists at a time; reconnects are scheduled with
// exponential backoff and a manual Disconnect cancels anything pending.
type Conn struct {
	cfg      ConnConfig
	dial     DialFunc
	handlers Handlers
	retry    *backoff.ExponentialBackOff

	mu         sync.Mutex
	status     Status
	ws         wire
	retryTimer *time.Timer
	closed     bool
	gen        uint64 // bumped on every Connect/Disconnect to fence stale goroutines
	statusQ    []Status
	notifying  bool
}

// NewConn creates a connection manager. It does not dial; call Connect.
func NewConn(cfg ConnConfig) *Conn {
	if cfg.Dial == nil {
		cfg.Dial = wsDial
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 500 * time.Millisecond
	retry.MaxInterval = 30 * time.Second
	retry.MaxElapsedTime = 0 // retry until Disconnect
	return &Conn{
		cfg:    cfg,
		dial:   cfg.Dial,
		retry:  retry,
		status: StatusDisconnected,
	}
}

// SetHandlers registers inbound callbacks. Must be called before Connect.
func (c *Conn) SetHandlers(h Handlers) {
	c.handlers = h
}

// Status returns the current connection state.
func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connect opens the channel and sends the join handshake. Idempotent while a
// connection attempt or live channel exists. Fire-and-forget: the result
// surfaces through the status callback and the sync/update handlers.
func (c *Conn) Connect() {
	c.mu.Lock()
	if c.status == StatusConnecting || c.status == StatusConnected {
		c.mu.Unlock()
		return
	}
	c.closed = false
	c.stopRetryLocked()
	c.gen++
	gen := c.gen
	c.setStatusLocked(StatusConnecting)
	c.mu.Unlock()

	go c.run(gen)
}

// Reconnect forces a fresh connection attempt, tearing down any live channel
// first. Used by the manual "Reconnect" action.
func (c *Conn) Reconnect() {
	c.Disconnect()
	c.retry.Reset()
	c.Connect()
}

// Disconnect tears the channel down and cancels any pending reconnect.
// Idempotent. A reconnect timer superseded by Disconnect never fires.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	c.closed = true
	c.gen++
	c.stopRetryLocked()
	ws := c.ws
	c.ws = nil
	c.setStatusLocked(StatusDisconnected)
	c.mu.Unlock()

	if ws != nil {
		_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = ws.Close()
	}
}

// Send transmits one message over the live channel.
func (c *Conn) Send(m protocol.Message) error {
	raw, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil || c.status != StatusConnected {
		return ErrNotConnected
	}
	return c.ws.WriteMessage(websocket.TextMessage, raw)
}

func (c *Conn) run(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	ws, err := c.dial(ctx, c.cfg.URL)
	cancel()

	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		if ws != nil {
			_ = ws.Close()
		}
		return
	}
	if err != nil {
		log.Printf("collab: dial %s failed: %v", c.cfg.URL, err)
		c.setStatusLocked(StatusError)
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return
	}
	c.ws = ws
	c.mu.Unlock()

	join := protocol.Join(c.cfg.DocumentID, c.cfg.UserID, c.cfg.UserName, c.cfg.Token)
	join.UserEmail = c.cfg.UserEmail
	raw, err := protocol.Encode(join)
	if err == nil {
		err = ws.WriteMessage(websocket.TextMessage, raw)
	}
	if err != nil {
		log.Printf("collab: join handshake for %s failed: %v", c.cfg.DocumentID, err)
		c.transportClosed(gen, ws)
		return
	}

	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		_ = ws.Close()
		return
	}
	c.setStatusLocked(StatusConnected)
	c.retry.Reset()
	c.mu.Unlock()

	c.readLoop(gen, ws)
}

func (c *Conn) readLoop(gen uint64, ws wire) {
	synced := false
	var early [][]byte

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			c.transportClosed(gen, ws)
			return
		}
		msg, err := protocol.Decode(raw)
		if err != nil {
			// One bad frame should not kill the session.
			log.Printf("collab: dropping frame on %s: %v", c.cfg.DocumentID, err)
			continue
		}
		switch msg.Type {
		case protocol.TypeSync:
			if synced {
				log.Printf("collab: duplicate sync on %s ignored", c.cfg.DocumentID)
				continue
			}
			synced = true
			if c.handlers.OnSync != nil {
				c.handlers.OnSync(msg)
			}
			for _, payload := range early {
				if c.handlers.OnUpdate != nil {
					c.handlers.OnUpdate(payload)
				}
			}
			early = nil
		case protocol.TypeUpdate:
			if !synced {
				early = append(early, msg.Payload)
				continue
			}
			if c.handlers.OnUpdate != nil {
				c.handlers.OnUpdate(msg.Payload)
			}
		case protocol.TypeAwareness, protocol.TypeLeave:
			if c.handlers.OnPresence != nil {
				c.handlers.OnPresence(msg)
			}
		case protocol.TypeError:
			log.Printf("collab: relay rejected message on %s: %s %s", c.cfg.DocumentID, msg.Code, msg.Reason)
		}
	}
}

// transportClosed handles an unexpected close of the underlying channel and
// schedules an automatic reconnect unless the session was torn down.
func (c *Conn) transportClosed(gen uint64, ws wire) {
	_ = ws.Close()

	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	c.setStatusLocked(StatusDisconnected)
	c.scheduleReconnectLocked()
	c.mu.Unlock()
}

func (c *Conn) scheduleReconnectLocked() {
	delay := c.retry.NextBackOff()
	if delay == backoff.Stop {
		delay = c.retry.MaxInterval
	}
	c.retryTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		dead := c.closed
		c.retryTimer = nil
		c.mu.Unlock()
		if !dead {
			c.Connect()
		}
	})
}

func (c *Conn) stopRetryLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

// setStatusLocked records a transition and hands it to a single drain
// goroutine, so the callback sees transitions in the order they happened and
// never runs under the lock.
func (c *Conn) setStatusLocked(s Status) {
	if c.status == s {
		return
	}
	c.status = s
	if c.handlers.OnStatus == nil {
		return
	}
	c.statusQ = append(c.statusQ, s)
	if !c.notifying {
		c.notifying = true
		go c.drainStatusQ()
	}
}

func (c *Conn) drainStatusQ() {
	c.mu.Lock()
	for len(c.statusQ) > 0 {
		s := c.statusQ[0]
		c.statusQ = c.statusQ[1:]
		c.mu.Unlock()
		c.handlers.OnStatus(s)
		c.mu.Lock()
	}
	c.notifying = false
	c.mu.Unlock()
}
