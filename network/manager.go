package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"filerelay/models"
	"filerelay/protocol"
)

const (
	// DefaultConnectTimeout bounds TCP dial duration.
	DefaultConnectTimeout = 30 * time.Second
	// DefaultStartupTimeout bounds the STARTUP/AUTHENT exchange and the wait for a request.
	DefaultStartupTimeout = 30 * time.Second
	// DefaultRequestTimeout bounds the wait for the peer to accept a request,
	// which includes the peer's pre-tasks.
	DefaultRequestTimeout = 5 * time.Minute
	// DefaultCloseGraceDelay keeps an idle outbound connection open for reuse.
	DefaultCloseGraceDelay = 10 * time.Second
	// DefaultKeepAliveInterval sends ping on idle connections.
	DefaultKeepAliveInterval = 60 * time.Second
	// DefaultKeepAliveTimeout waits this long for traffic after ping.
	DefaultKeepAliveTimeout = 15 * time.Second
	// DefaultWritePoolSize bounds concurrent block writes.
	DefaultWritePoolSize = 8
)

// ErrManagerClosed is returned once ShutdownAll has run.
var ErrManagerClosed = errors.New("network: manager shut down")

// InboundHandler runs a freshly accepted requested-side session. It is called
// on its own goroutine before the STARTUP frame is processed.
type InboundHandler func(s *Session)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Auth  Authenticator
	Store RecordStore

	MaxFrameSize      int
	ConnectTimeout    time.Duration
	StartupTimeout    time.Duration
	RequestTimeout    time.Duration
	CloseGraceDelay   time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	WritePoolSize     int

	// ReceiveWindow is the number of blocks a receiving session advertises.
	// Negative disables credits.
	ReceiveWindow int

	// SuppressClose keeps idle connections open until ShutdownAll.
	SuppressClose bool

	// Dial overrides the TCP dialer.
	Dial func(ctx context.Context, address string) (net.Conn, error)
}

func (o ManagerOptions) withDefaults() ManagerOptions {
	out := o
	if out.MaxFrameSize <= 0 {
		out.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = DefaultConnectTimeout
	}
	if out.StartupTimeout <= 0 {
		out.StartupTimeout = DefaultStartupTimeout
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = DefaultRequestTimeout
	}
	if out.ReceiveWindow == 0 {
		out.ReceiveWindow = DefaultReceiveWindow
	}
	if out.CloseGraceDelay <= 0 {
		out.CloseGraceDelay = DefaultCloseGraceDelay
	}
	if out.KeepAliveInterval <= 0 {
		out.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if out.KeepAliveTimeout <= 0 {
		out.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if out.WritePoolSize <= 0 {
		out.WritePoolSize = DefaultWritePoolSize
	}
	if out.Dial == nil {
		dialer := &net.Dialer{Timeout: out.ConnectTimeout}
		out.Dial = func(ctx context.Context, address string) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp", address)
		}
	}
	return out
}

// Manager owns every connection to every peer and the sessions multiplexed on them.
type Manager struct {
	options ManagerOptions
	pool    *WritePool

	ctx    context.Context
	cancel context.CancelFunc

	accepting atomic.Bool
	handler   atomic.Pointer[InboundHandler]

	mu        sync.Mutex
	conns     map[string]*Connection
	listeners []net.Listener
	live      map[string]*Session
	sendLoops map[*Session]context.CancelFunc

	idle *ttlcache.Cache[string, *Connection]

	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// NewManager validates options and starts the idle-connection reaper.
func NewManager(options ManagerOptions) (*Manager, error) {
	if options.Auth == nil {
		return nil, errors.New("auth is required")
	}
	if options.Store == nil {
		return nil, errors.New("store is required")
	}
	opts := options.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		options:   opts,
		pool:      NewWritePool(opts.WritePoolSize),
		ctx:       ctx,
		cancel:    cancel,
		conns:     make(map[string]*Connection),
		live:      make(map[string]*Session),
		sendLoops: make(map[*Session]context.CancelFunc),
		idle: ttlcache.New[string, *Connection](
			ttlcache.WithTTL[string, *Connection](opts.CloseGraceDelay),
			ttlcache.WithDisableTouchOnHit[string, *Connection](),
		),
	}
	m.accepting.Store(true)

	m.idle.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *Connection]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		m.closeIfIdle(item.Value())
	})
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.idle.Start()
	}()

	return m, nil
}

// SetInboundHandler installs the function that runs accepted sessions.
func (m *Manager) SetInboundHandler(h InboundHandler) {
	m.handler.Store(&h)
}

// Pool returns the shared write pool.
func (m *Manager) Pool() *WritePool {
	return m.pool
}

// Listen opens a TCP listener and serves it in the background.
func (m *Manager) Listen(address string) (net.Addr, error) {
	if address == "" {
		address = ":0"
	}
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.Serve(ln); err != nil {
			log.WithError(err).Error("listener stopped")
		}
	}()
	return ln.Addr(), nil
}

// Serve accepts inbound connections on ln until ln is closed.
func (m *Manager) Serve(ln net.Listener) error {
	m.mu.Lock()
	if !m.accepting.Load() {
		m.mu.Unlock()
		_ = ln.Close()
		return ErrManagerClosed
	}
	m.listeners = append(m.listeners, ln)
	m.mu.Unlock()

	log.WithField("address", ln.Addr().String()).Info("accepting connections")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || !m.accepting.Load() {
				return nil
			}
			log.WithError(err).Warn("accept connection")
			continue
		}
		m.adopt(conn, conn.RemoteAddr().String(), true)
	}
}

// Connect returns a ready connection to address, reusing an existing one.
func (m *Manager) Connect(ctx context.Context, address string) (*Connection, error) {
	if !m.accepting.Load() {
		return nil, ErrManagerClosed
	}
	if c := m.readyConnection(address); c != nil {
		return c, nil
	}

	ctx, cancel := context.WithTimeout(ctx, m.options.ConnectTimeout)
	defer cancel()
	raw, err := m.options.Dial(ctx, address)
	if err != nil {
		return nil, models.Wrap(models.CodeConnectionImpossible, fmt.Errorf("dial %q: %w", address, err))
	}

	if c := m.readyConnection(address); c != nil {
		_ = raw.Close()
		return c, nil
	}
	return m.adopt(raw, address, false), nil
}

// Open connects to address and creates a requester session on it.
func (m *Manager) Open(ctx context.Context, address string) (*Session, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		c, err := m.Connect(ctx, address)
		if err != nil {
			return nil, err
		}
		s, err := m.OpenSession(c, protocol.Requester)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, ErrConnectionClosing) {
			return nil, err
		}
		m.forget(c)
		lastErr = err
	}
	return nil, models.Wrap(models.CodeConnectionImpossible, lastErr)
}

// OpenSession allocates a session on c.
func (m *Manager) OpenSession(c *Connection, role protocol.Role) (*Session, error) {
	if !m.accepting.Load() {
		return nil, ErrManagerClosed
	}
	s, err := newSession(m, c, role)
	if err != nil {
		return nil, err
	}
	m.idle.Delete(c.PeerAddress())
	return s, nil
}

// RegisterSendLoop ties cancel to the session's lifetime.
func (m *Manager) RegisterSendLoop(s *Session, cancel context.CancelFunc) {
	if s.ended.Load() {
		cancel()
		return
	}
	m.mu.Lock()
	m.sendLoops[s] = cancel
	m.mu.Unlock()
	if s.ended.Load() {
		m.stopSendLoop(s)
	}
}

func (m *Manager) stopSendLoop(s *Session) {
	m.mu.Lock()
	cancel, ok := m.sendLoops[s]
	delete(m.sendLoops, s)
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

// LiveTransfer reports whether a session currently runs transfer id.
func (m *Manager) LiveTransfer(id string) bool {
	return m.SessionFor(id) != nil
}

// SessionFor returns the live session bound to transfer id.
func (m *Manager) SessionFor(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live[id]
}

// ConnectionCount returns the number of open connections.
func (m *Manager) ConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Connection returns the connection registered under address.
func (m *Manager) Connection(address string) *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[address]
}

// ShutdownAll stops accepting, aborts every session, announces SHUTDOWN and
// closes every transport. Failures are logged, never returned.
func (m *Manager) ShutdownAll() {
	m.shutdownOnce.Do(func() {
		m.mu.Lock()
		m.accepting.Store(false)
		listeners := m.listeners
		m.listeners = nil
		conns := make([]*Connection, 0, len(m.conns))
		for _, c := range m.conns {
			conns = append(conns, c)
		}
		m.mu.Unlock()

		for _, ln := range listeners {
			if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				log.WithError(err).Warn("close listener")
			}
		}

		lost := models.NewError(models.CodeConnectionLost, "local shutdown")
		for _, c := range conns {
			c.markClosing()
			for _, s := range c.liveSessions() {
				s.abort(lost, true)
			}
		}

		var g errgroup.Group
		for _, c := range conns {
			c := c
			g.Go(func() error {
				if err := c.Send(protocol.Frame{Type: protocol.Shutdown}); err != nil {
					log.WithError(err).WithField("peer", c.PeerAddress()).Debug("could not announce shutdown")
				}
				return c.Close()
			})
		}
		if err := g.Wait(); err != nil {
			log.WithError(err).Warn("close connections")
		}

		m.idle.Stop()
		m.cancel()
		m.wg.Wait()
		log.Info("connection manager shut down")
	})
}

func (m *Manager) readyConnection(address string) *Connection {
	m.mu.Lock()
	c, ok := m.conns[address]
	m.mu.Unlock()
	if !ok || c.State() != StateReady {
		return nil
	}
	m.idle.Delete(address)
	return c
}

func (m *Manager) adopt(raw net.Conn, address string, inbound bool) *Connection {
	c := newConnection(raw, ConnectionOptions{
		PeerAddress:       address,
		Inbound:           inbound,
		MaxFrameSize:      m.options.MaxFrameSize,
		KeepAliveInterval: m.options.KeepAliveInterval,
		KeepAliveTimeout:  m.options.KeepAliveTimeout,
	}, connectionHooks{
		onStartup: m.acceptSession,
		onClosed:  m.connectionClosed,
	})

	m.mu.Lock()
	m.conns[address] = c
	m.mu.Unlock()

	log.WithFields(log.Fields{"peer": address, "inbound": inbound}).Debug("connection established")
	return c
}

func (m *Manager) forget(c *Connection) {
	m.mu.Lock()
	if m.conns[c.PeerAddress()] == c {
		delete(m.conns, c.PeerAddress())
	}
	m.mu.Unlock()
}

func (m *Manager) connectionClosed(c *Connection, err error) {
	m.forget(c)
	m.idle.Delete(c.PeerAddress())
	if err != nil && !errors.Is(err, net.ErrClosed) {
		log.WithError(err).WithField("peer", c.PeerAddress()).Debug("close transport")
	}
}

// acceptSession creates a requested session for a STARTUP on id 0.
func (m *Manager) acceptSession(c *Connection, frame protocol.Frame) {
	handler := m.handler.Load()
	if !m.accepting.Load() || handler == nil {
		m.refuse(c, frame, models.NewError(models.CodeConnectionImpossible, "not accepting transfers"))
		return
	}
	s, err := m.OpenSession(c, protocol.Requested)
	if err != nil {
		m.refuse(c, frame, models.Wrap(models.CodeConnectionImpossible, err))
		return
	}
	go (*handler)(s)
	s.deliver(frame)
}

func (m *Manager) refuse(c *Connection, frame protocol.Frame, err error) {
	log.WithError(err).WithField("peer", c.PeerAddress()).Info("refusing inbound session")
	payload := protocol.ErrorPayload{Code: models.CodeOf(err), Message: err.Error()}.Marshal()
	go func() {
		_ = c.Send(protocol.Frame{LocalID: frame.RemoteID, Type: protocol.Error, Payload: payload})
	}()
}

func (m *Manager) trackTransfer(id string, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.live[id]; ok && existing != s {
		return models.NewError(models.CodeQueryStillRunning, "transfer %s already has a live session", id)
	}
	m.live[id] = s
	return nil
}

// releaseTransfer drops s from the live transfer table.
func (m *Manager) releaseTransfer(s *Session) {
	rec := s.Record()
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID != "" && m.live[rec.ID] == s {
		delete(m.live, rec.ID)
	}
}

// closeSession releases s and schedules an idle outbound connection for closing.
func (m *Manager) closeSession(s *Session) {
	remaining := s.conn.deregister(s.localID)

	if remaining > 0 || s.conn.Inbound() || m.options.SuppressClose || !m.accepting.Load() {
		return
	}
	if s.conn.State() == StateReady {
		m.idle.Set(s.conn.PeerAddress(), s.conn, ttlcache.DefaultTTL)
	}
}

func (m *Manager) closeIfIdle(c *Connection) {
	if !c.markClosingIfIdle() {
		return
	}
	log.WithField("peer", c.PeerAddress()).Debug("closing idle connection")
	_ = c.Close()
}
