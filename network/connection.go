package network

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"filerelay/metrics"
	"filerelay/models"
	"filerelay/protocol"
)

var (
	// ErrConnectionClosed indicates the physical connection is gone.
	ErrConnectionClosed = errors.New("network: connection closed")
	// ErrConnectionClosing indicates the connection no longer accepts sessions.
	ErrConnectionClosing = errors.New("network: connection closing")
	// ErrKeepAliveTimeout indicates no traffic arrived after a ping.
	ErrKeepAliveTimeout = errors.New("network: keep-alive timeout")
)

// ConnectionState represents the lifecycle state of one peer connection.
type ConnectionState string

const (
	StateReady   ConnectionState = "READY"
	StateClosing ConnectionState = "CLOSING"
	StateClosed  ConnectionState = "CLOSED"
)

// ConnectionOptions controls runtime behavior of a Connection.
type ConnectionOptions struct {
	PeerAddress       string
	Inbound           bool
	MaxFrameSize      int
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
}

func (o ConnectionOptions) withDefaults() ConnectionOptions {
	out := o
	if out.MaxFrameSize <= 0 {
		out.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if out.KeepAliveInterval <= 0 {
		out.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if out.KeepAliveTimeout <= 0 {
		out.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	return out
}

// connectionHooks lets the manager observe connection-level events.
type connectionHooks struct {
	// onStartup is called from the read loop for a STARTUP on session id 0.
	onStartup func(c *Connection, frame protocol.Frame)
	// onClosed is called once after the transport is closed.
	onClosed func(c *Connection, err error)
}

// Connection is one physical transport to a peer, shared by many sessions.
type Connection struct {
	conn    net.Conn
	options ConnectionOptions
	hooks   connectionHooks

	sendMu sync.Mutex

	// sessionsMu guards the session table, the id allocator, refCount and state.
	sessionsMu  sync.Mutex
	sessions    map[uint32]*Session
	nextLocalID uint32
	state       ConnectionState

	lastActivity atomic.Int64

	waitMu       sync.Mutex
	waitingPong  bool
	pongDeadline time.Time

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

func newConnection(conn net.Conn, options ConnectionOptions, hooks connectionHooks) *Connection {
	opts := options.withDefaults()
	if opts.PeerAddress == "" {
		opts.PeerAddress = conn.RemoteAddr().String()
	}

	c := &Connection{
		conn:     conn,
		options:  opts,
		hooks:    hooks,
		sessions: make(map[uint32]*Session),
		state:    StateReady,
		closed:   make(chan struct{}),
	}

	direction := "outbound"
	if opts.Inbound {
		direction = "inbound"
	}
	metrics.ConnectionsOpen.Inc()
	metrics.ConnectionsTotal.WithLabelValues(direction).Inc()

	c.touchActivity()
	go c.readLoop()
	go c.keepAliveLoop()

	return c
}

// PeerAddress returns the key this connection is registered under.
func (c *Connection) PeerAddress() string {
	return c.options.PeerAddress
}

// Inbound reports whether the peer dialed us.
func (c *Connection) Inbound() bool {
	return c.options.Inbound
}

// State returns the current connection state.
func (c *Connection) State() ConnectionState {
	c.sessionsMu.Lock()
	defer c.sessionsMu.Unlock()
	return c.state
}

// RefCount returns the number of live sessions.
func (c *Connection) RefCount() int {
	c.sessionsMu.Lock()
	defer c.sessionsMu.Unlock()
	return len(c.sessions)
}

// Done is closed when the transport is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

// LastError returns the terminal connection error, if any.
func (c *Connection) LastError() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.closeErr
}

// Send writes one frame. It returns once the transport accepted every byte.
func (c *Connection) Send(frame protocol.Frame) error {
	select {
	case <-c.closed:
		return c.closedError()
	default:
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := protocol.WriteFrame(c.conn, frame, c.options.MaxFrameSize); err != nil {
		var frameErr *protocol.FrameError
		if errors.As(err, &frameErr) {
			return err
		}
		c.closeWithError(err)
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	c.touchActivity()
	return nil
}

// Close terminates the transport.
func (c *Connection) Close() error {
	c.closeWithError(nil)
	return nil
}

// register allocates a local id unique among live sessions and adds s to the table.
func (c *Connection) register(s *Session) (uint32, error) {
	c.sessionsMu.Lock()
	defer c.sessionsMu.Unlock()
	if c.state != StateReady {
		return 0, ErrConnectionClosing
	}

	for {
		c.nextLocalID++
		if c.nextLocalID == 0 {
			continue
		}
		if _, taken := c.sessions[c.nextLocalID]; !taken {
			break
		}
	}
	id := c.nextLocalID
	c.sessions[id] = s
	return id, nil
}

// deregister removes a session and returns the remaining count.
func (c *Connection) deregister(localID uint32) int {
	c.sessionsMu.Lock()
	defer c.sessionsMu.Unlock()
	delete(c.sessions, localID)
	return len(c.sessions)
}

func (c *Connection) lookup(localID uint32) *Session {
	c.sessionsMu.Lock()
	defer c.sessionsMu.Unlock()
	return c.sessions[localID]
}

func (c *Connection) liveSessions() []*Session {
	c.sessionsMu.Lock()
	defer c.sessionsMu.Unlock()
	out := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	return out
}

// markClosingIfIdle stops new sessions when none are live. It reports whether
// the connection may be closed.
func (c *Connection) markClosingIfIdle() bool {
	c.sessionsMu.Lock()
	defer c.sessionsMu.Unlock()
	if c.state != StateReady || len(c.sessions) > 0 {
		return false
	}
	c.state = StateClosing
	return true
}

func (c *Connection) markClosing() {
	c.sessionsMu.Lock()
	defer c.sessionsMu.Unlock()
	if c.state == StateReady {
		c.state = StateClosing
	}
}

func (c *Connection) readLoop() {
	reader := protocol.NewReader(c.conn, c.options.MaxFrameSize)
	for {
		frame, err := reader.ReadFrame()
		if err != nil {
			var frameErr *protocol.FrameError
			switch {
			case errors.As(err, &frameErr):
				c.closeWithError(models.Wrap(models.CodeProtocolViolation, err))
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				c.closeWithError(nil)
			default:
				c.closeWithError(err)
			}
			return
		}

		c.touchActivity()
		c.ackPong()
		c.dispatch(frame)
	}
}

func (c *Connection) dispatch(frame protocol.Frame) {
	if frame.LocalID == 0 {
		c.dispatchControl(frame)
		return
	}

	s := c.lookup(frame.LocalID)
	if s == nil {
		log.WithFields(log.Fields{
			"peer":      c.PeerAddress(),
			"local_id":  frame.LocalID,
			"remote_id": frame.RemoteID,
			"type":      frame.Type,
		}).Debug("dropping frame for unknown session")
		metrics.FramesDropped.WithLabelValues("unknown_session").Inc()
		return
	}
	s.deliver(frame)
}

func (c *Connection) dispatchControl(frame protocol.Frame) {
	switch frame.Type {
	case protocol.Startup:
		if c.hooks.onStartup != nil {
			c.hooks.onStartup(c, frame)
		}
	case protocol.KeepAlive:
		if len(frame.Payload) > 0 && frame.Payload[0] == protocol.KeepAlivePing {
			go func() {
				_ = c.Send(protocol.Frame{Type: protocol.KeepAlive, Payload: []byte{protocol.KeepAlivePong}})
			}()
		}
	case protocol.Shutdown:
		log.WithField("peer", c.PeerAddress()).Info("peer announced shutdown")
		c.markClosing()
		lost := models.NewError(models.CodeConnectionLost, "peer %s shutting down", c.PeerAddress())
		for _, s := range c.liveSessions() {
			s.abort(lost, false)
		}
	default:
		log.WithFields(log.Fields{
			"peer": c.PeerAddress(),
			"type": frame.Type,
		}).Debug("dropping connection-level frame")
		metrics.FramesDropped.WithLabelValues("control").Inc()
	}
}

func (c *Connection) keepAliveLoop() {
	checkEvery := c.options.KeepAliveInterval / 2
	if checkEvery <= 0 {
		checkEvery = c.options.KeepAliveInterval
	}
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if c.waitingPongExpired() {
				c.closeWithError(models.Wrap(models.CodeConnectionLost, ErrKeepAliveTimeout))
				return
			}

			idleFor := time.Since(time.Unix(0, c.lastActivity.Load()))
			if idleFor < c.options.KeepAliveInterval || c.isWaitingPong() {
				continue
			}

			if err := c.Send(protocol.Frame{Type: protocol.KeepAlive, Payload: []byte{protocol.KeepAlivePing}}); err != nil {
				return
			}
			c.setWaitingPong(time.Now().Add(c.options.KeepAliveTimeout))
		case <-c.closed:
			return
		}
	}
}

func (c *Connection) touchActivity() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Connection) setWaitingPong(deadline time.Time) {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	c.waitingPong = true
	c.pongDeadline = deadline
}

func (c *Connection) ackPong() {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	c.waitingPong = false
	c.pongDeadline = time.Time{}
}

func (c *Connection) isWaitingPong() bool {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	return c.waitingPong
}

func (c *Connection) waitingPongExpired() bool {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	return c.waitingPong && time.Now().After(c.pongDeadline)
}

func (c *Connection) closedError() error {
	if err := c.LastError(); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return ErrConnectionClosed
}

// closeWithError closes the transport once and aborts every live session
// with ConnectionLost.
func (c *Connection) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.closeErr = err
		c.errMu.Unlock()

		c.sessionsMu.Lock()
		c.state = StateClosed
		c.sessionsMu.Unlock()

		closeErr := c.conn.Close()
		close(c.closed)
		metrics.ConnectionsOpen.Dec()

		logger := log.WithField("peer", c.PeerAddress())
		if err != nil {
			logger = logger.WithError(err)
		}
		logger.Debug("connection closed")

		reason := err
		if reason == nil {
			reason = errors.New("connection closed")
		}
		lost := models.Wrap(models.CodeConnectionLost, reason)
		for _, s := range c.liveSessions() {
			s.abort(lost, false)
		}

		if c.hooks.onClosed != nil {
			c.hooks.onClosed(c, closeErr)
		}
	})
}
