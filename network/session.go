package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"filerelay/completion"
	"filerelay/metrics"
	"filerelay/models"
	"filerelay/protocol"
)

// RecordStore is the part of the transfer store a session mutates.
type RecordStore interface {
	AtomicAdvanceRank(id string, newRank int) error
	RewindRank(id string, rank int) error
	SetStatus(id string, status models.Status, code models.ErrorCode) error
	UpdateFileInfo(id string, size int64, info string) error
}

// Authenticator validates and produces AUTHENT payloads.
type Authenticator interface {
	Credentials() ([]byte, error)
	Verify(payload []byte) (string, error)
	Accept() ([]byte, error)
	CheckAcceptance(payload []byte) (string, error)
}

// BlockSink durably applies received blocks.
type BlockSink interface {
	// WriteBlock persists the block at rank before returning.
	WriteBlock(rank int, data []byte) error
	// Finish checks the complete file against the sender's digest and publishes it.
	Finish(rank int, digest []byte) error
}

// IncomingRequest is the request VALID received by the requested side.
type IncomingRequest struct {
	Peer    string
	Rank    int
	Request protocol.Request
}

// Agreement is the rank both sides confirmed before the first DATA.
type Agreement struct {
	Rank     int
	Response protocol.Response
}

// Session is one logical transfer multiplexed on a Connection.
type Session struct {
	manager *Manager
	conn    *Connection
	role    protocol.Role
	machine *protocol.Machine

	localID  uint32
	remoteID atomic.Uint32

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	rec      models.TransferRecord
	bound    bool
	sink     BlockSink
	peer     string
	incoming IncomingRequest
	endErr   error

	startupDone         *completion.Signal[struct{}]
	connectionValidated *completion.Signal[string]
	requestReceived     *completion.Signal[IncomingRequest]
	requestValidated    *completion.Signal[Agreement]
	transferEnded       *completion.Signal[models.Outcome]

	// credits limits DATA emitted by a sending session. recvWindow is the
	// window a receiving session advertised and unapplied counts the DATA
	// frames queued or being written; ungranted is touched only by run.
	credits    *creditGate
	recvWindow atomic.Int32
	unapplied  atomic.Int32
	ungranted  int

	inbox     *frameQueue
	done      chan struct{}
	ended     atomic.Bool
	closeOnce sync.Once
}

func newSession(m *Manager, c *Connection, role protocol.Role) (*Session, error) {
	ctx, cancel := context.WithCancel(m.ctx)
	s := &Session{
		manager:             m,
		conn:                c,
		role:                role,
		machine:             protocol.NewMachine(role),
		ctx:                 ctx,
		cancel:              cancel,
		startupDone:         completion.New[struct{}](),
		connectionValidated: completion.New[string](),
		requestReceived:     completion.New[IncomingRequest](),
		requestValidated:    completion.New[Agreement](),
		transferEnded:       completion.New[models.Outcome](),
		credits:             newCreditGate(),
		inbox:               newFrameQueue(),
		done:                make(chan struct{}),
	}

	id, err := c.register(s)
	if err != nil {
		cancel()
		return nil, err
	}
	s.localID = id
	metrics.SessionsActive.Inc()

	go s.run()
	return s, nil
}

// LocalID returns the id peers use to address this session.
func (s *Session) LocalID() uint32 { return s.localID }

// RemoteID returns the peer's id for this session, 0 until STARTUP is exchanged.
func (s *Session) RemoteID() uint32 { return s.remoteID.Load() }

// Role returns the local role.
func (s *Session) Role() protocol.Role { return s.role }

// State returns the protocol state.
func (s *Session) State() protocol.State { return s.machine.State() }

// Connection returns the connection carrying this session.
func (s *Session) Connection() *Connection { return s.conn }

// Peer returns the authenticated peer host id.
func (s *Session) Peer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// Record returns a snapshot of the bound transfer record.
func (s *Session) Record() models.TransferRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec
}

// Rank returns the rank of the next block to send or expect.
func (s *Session) Rank() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Rank
}

func (s *Session) StartupDone() *completion.Signal[struct{}]            { return s.startupDone }
func (s *Session) ConnectionValidated() *completion.Signal[string]      { return s.connectionValidated }
func (s *Session) RequestReceived() *completion.Signal[IncomingRequest] { return s.requestReceived }
func (s *Session) RequestValidated() *completion.Signal[Agreement]      { return s.requestValidated }
func (s *Session) TransferEnded() *completion.Signal[models.Outcome]    { return s.transferEnded }

func (s *Session) logger() *log.Entry {
	fields := log.Fields{
		"peer":      s.conn.PeerAddress(),
		"local_id":  s.localID,
		"remote_id": s.remoteID.Load(),
		"role":      s.role,
	}
	s.mu.Lock()
	if s.bound {
		fields["transfer_id"] = s.rec.ID
		fields["rank"] = s.rec.Rank
	}
	s.mu.Unlock()
	return log.WithFields(fields)
}

// Start runs the STARTUP and AUTHENT exchange for either role and returns the
// authenticated peer id. It fails with ConnectionImpossible on timeout.
func (s *Session) Start(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.manager.options.StartupTimeout)
	defer cancel()

	if s.role == protocol.Requester {
		startup := protocol.StartupPayload{Version: protocol.Version, Flags: protocol.DefaultFlags}
		if err := s.send(protocol.Startup, startup.Marshal()); err != nil {
			return "", err
		}
		if _, err := s.startupDone.Await(ctx, 0); err != nil {
			return "", s.waitFailed(err, "startup")
		}

		creds, err := s.manager.options.Auth.Credentials()
		if err != nil {
			e := models.Wrap(models.CodeInternal, err)
			s.abort(e, true)
			return "", e
		}
		if err := s.send(protocol.Authent, creds); err != nil {
			return "", err
		}
	}

	peer, err := s.connectionValidated.Await(ctx, 0)
	if err != nil {
		return "", s.waitFailed(err, "authentication")
	}
	return peer, nil
}

// Request binds rec to this requester session, sends the request and waits
// for the peer to confirm the rank. The wait is bounded by RequestTimeout.
func (s *Session) Request(ctx context.Context, rec models.TransferRecord, req protocol.Request, sink BlockSink) (Agreement, error) {
	if peer := s.Peer(); peer != rec.Requested {
		e := models.NewError(models.CodeAuthenticationFailed, "connected to %q, transfer targets %q", peer, rec.Requested)
		s.abort(e, true)
		return Agreement{}, e
	}
	if err := s.bind(rec, sink); err != nil {
		s.abort(err, true)
		return Agreement{}, err
	}
	req.Window = 0
	if !rec.IsSender {
		req.Window = s.advertiseWindow()
	}

	payload, err := protocol.RequestPayload(rec.Rank, req)
	if err != nil {
		e := models.Wrap(models.CodeInternal, err)
		s.abort(e, true)
		return Agreement{}, e
	}
	if err := s.send(protocol.Valid, payload); err != nil {
		return Agreement{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.manager.options.RequestTimeout)
	defer cancel()
	agreement, err := s.requestValidated.Await(ctx, 0)
	if err != nil {
		return Agreement{}, s.waitFailed(err, "request validation")
	}
	return agreement, nil
}

// AwaitRequest waits on the requested side for the requester's VALID.
func (s *Session) AwaitRequest(ctx context.Context) (IncomingRequest, error) {
	ctx, cancel := context.WithTimeout(ctx, s.manager.options.StartupTimeout)
	defer cancel()
	in, err := s.requestReceived.Await(ctx, 0)
	if err != nil {
		return IncomingRequest{}, s.waitFailed(err, "request")
	}
	return in, nil
}

// Accept binds rec on the requested side, settles the rank with the
// requester and answers VALID, entering TRANSFER_ACTIVE.
func (s *Session) Accept(rec models.TransferRecord, sink BlockSink, resp protocol.Response) (Agreement, error) {
	if err := s.bind(rec, sink); err != nil {
		s.abort(err, true)
		return Agreement{}, err
	}

	s.mu.Lock()
	peerRank := s.incoming.Rank
	peerWindow := s.incoming.Request.Window
	s.mu.Unlock()

	resp.Window = 0
	if rec.IsSender {
		s.credits.open(peerWindow)
	} else {
		resp.Window = s.advertiseWindow()
	}

	agreed, err := s.reconcile(peerRank, true)
	if err != nil {
		s.abort(err, true)
		return Agreement{}, err
	}
	payload, err := protocol.ResponsePayload(agreed, resp)
	if err != nil {
		e := models.Wrap(models.CodeInternal, err)
		s.abort(e, true)
		return Agreement{}, e
	}
	if err := s.startRunning(); err != nil {
		return Agreement{}, err
	}
	if err := s.send(protocol.Valid, payload); err != nil {
		return Agreement{}, err
	}
	agreement := Agreement{Rank: agreed, Response: resp}
	s.requestValidated.Resolve(agreement)
	return agreement, nil
}

// Reject refuses the request with a classified error.
func (s *Session) Reject(err error) {
	s.abort(err, true)
}

// SendBlock sends the block at the current rank and advances the rank once
// the transport accepted it. It suspends while the receiver's window is used up.
func (s *Session) SendBlock(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec := s.Record()
	if !rec.IsSender {
		return models.NewError(models.CodeProtocolViolation, "session %d does not send data", s.localID)
	}
	if err := s.credits.acquire(ctx, s.done); err != nil {
		if errors.Is(err, ErrConnectionClosed) {
			return s.failure()
		}
		return err
	}

	payload := protocol.DataPayload{Rank: rec.Rank, Block: data}.Marshal()
	if err := s.send(protocol.Data, payload); err != nil {
		return err
	}
	if err := s.advance(rec.Rank + 1); err != nil {
		return err
	}
	metrics.Blocks.WithLabelValues(metrics.DirectionOut).Inc()
	metrics.Bytes.WithLabelValues(metrics.DirectionOut).Add(float64(len(data)))
	return nil
}

// EndTransfer closes the data phase. A nil cause sends ENDTRANSFER with the
// file digest and waits for the receiver's VALID; otherwise the session is
// aborted with cause and ERROR is sent.
func (s *Session) EndTransfer(ctx context.Context, digest []byte, cause error) (models.Outcome, error) {
	if cause != nil {
		s.abort(cause, true)
		return s.Wait(ctx)
	}
	end := protocol.StatusPayload{Rank: s.Rank(), Status: models.CodeOK, Extra: digest}
	if err := s.send(protocol.EndTransfer, end.Marshal()); err != nil {
		return s.Wait(ctx)
	}
	return s.Wait(ctx)
}

// Wait blocks until transferEnded resolves. The error is the classified
// failure of a non-successful outcome.
func (s *Session) Wait(ctx context.Context) (models.Outcome, error) {
	outcome, err := s.transferEnded.Await(ctx, 0)
	if err != nil {
		return models.Outcome{}, err
	}
	return outcome, outcome.Err()
}

// Abort ends the session with err from any state and notifies the peer.
func (s *Session) Abort(err error) {
	s.abort(err, true)
}

func (s *Session) run() {
	for {
		frame, ok := s.inbox.pop(s.done)
		if !ok {
			return
		}
		s.handle(frame)
	}
}

func (s *Session) deliver(frame protocol.Frame) {
	if frame.Type == protocol.Data {
		if window := s.recvWindow.Load(); window > 0 && s.unapplied.Add(1) > window {
			metrics.FramesDropped.WithLabelValues("window_overrun").Inc()
			go s.abort(models.NewError(models.CodeProtocolViolation, "peer exceeded the receive window of %d blocks", window), true)
			return
		}
	}
	if !s.inbox.push(frame) {
		metrics.FramesDropped.WithLabelValues("closed_session").Inc()
	}
}

func (s *Session) handle(frame protocol.Frame) {
	switch frame.Type {
	case protocol.Error:
		p, err := protocol.UnmarshalError(frame.Payload)
		if err != nil {
			s.abort(models.Wrap(models.CodeProtocolViolation, err), false)
			return
		}
		s.abort(p.Err(), false)
		return
	case protocol.Shutdown:
		s.abort(models.NewError(models.CodeConnectionLost, "peer shut the session down"), false)
		return
	}

	state, err := s.machine.Receive(frame.Type)
	if err != nil {
		s.abort(models.Wrap(models.CodeProtocolViolation, err), true)
		return
	}

	switch frame.Type {
	case protocol.Startup:
		s.onStartup(frame)
	case protocol.Authent:
		s.onAuthent(frame)
	case protocol.Valid:
		s.onValid(state, frame)
	case protocol.Data:
		s.onData(frame)
	case protocol.EndTransfer:
		s.onEndTransfer(frame)
	case protocol.KeepAlive:
		s.onKeepAlive(frame)
	}
}

func (s *Session) onStartup(frame protocol.Frame) {
	p, err := protocol.UnmarshalStartup(frame.Payload)
	if err != nil {
		s.abort(models.Wrap(models.CodeProtocolViolation, err), true)
		return
	}
	s.remoteID.Store(frame.RemoteID)
	if p.Version != protocol.Version {
		s.abort(models.NewError(models.CodeProtocolViolation, "unsupported protocol version %d", p.Version), true)
		return
	}

	if s.role == protocol.Requested {
		echo := protocol.StartupPayload{Version: protocol.Version, Flags: p.Flags & protocol.DefaultFlags}
		if err := s.send(protocol.Startup, echo.Marshal()); err != nil {
			return
		}
	}
	s.startupDone.Resolve(struct{}{})
}

func (s *Session) onAuthent(frame protocol.Frame) {
	auth := s.manager.options.Auth
	if s.role == protocol.Requested {
		peer, err := auth.Verify(frame.Payload)
		if err != nil {
			s.abort(classify(err, models.CodeAuthenticationFailed), true)
			return
		}
		acceptance, err := auth.Accept()
		if err != nil {
			s.abort(models.Wrap(models.CodeInternal, err), true)
			return
		}
		if err := s.send(protocol.Authent, acceptance); err != nil {
			return
		}
		s.setPeer(peer)
		s.connectionValidated.Resolve(peer)
		return
	}

	peer, err := auth.CheckAcceptance(frame.Payload)
	if err != nil {
		s.abort(classify(err, models.CodeAuthenticationFailed), true)
		return
	}
	s.setPeer(peer)
	s.connectionValidated.Resolve(peer)
}

func (s *Session) onValid(state protocol.State, frame protocol.Frame) {
	switch state {
	case protocol.StateConnected:
		rank, req, err := protocol.ParseRequest(frame.Payload)
		if err != nil {
			s.abort(models.Wrap(models.CodeProtocolViolation, err), true)
			return
		}
		if peer := s.Peer(); req.Requester != peer {
			s.abort(models.NewError(models.CodeAuthenticationFailed, "request names %q, peer authenticated as %q", req.Requester, peer), true)
			return
		}
		in := IncomingRequest{Peer: req.Requester, Rank: rank, Request: req}
		s.mu.Lock()
		s.incoming = in
		s.mu.Unlock()
		s.requestReceived.Resolve(in)

	case protocol.StateTransferActive:
		rank, resp, err := protocol.ParseResponse(frame.Payload)
		if err != nil {
			s.abort(models.Wrap(models.CodeProtocolViolation, err), true)
			return
		}
		agreed, err := s.reconcile(rank, false)
		if err != nil {
			s.abort(err, true)
			return
		}
		rec := s.Record()
		if !rec.IsSender && resp.FileSize != rec.FileSize {
			if err := s.manager.options.Store.UpdateFileInfo(rec.ID, resp.FileSize, resp.FileInfo); err != nil {
				s.abort(models.Wrap(models.CodeInternal, err), true)
				return
			}
			s.mu.Lock()
			s.rec.FileSize = resp.FileSize
			s.rec.FileInfo = resp.FileInfo
			s.mu.Unlock()
		}
		if rec.IsSender {
			s.credits.open(resp.Window)
		}
		if err := s.startRunning(); err != nil {
			return
		}
		s.requestValidated.Resolve(Agreement{Rank: agreed, Response: resp})

	case protocol.StateClosed:
		p, err := protocol.UnmarshalStatus(frame.Payload)
		if err != nil {
			s.abort(models.Wrap(models.CodeProtocolViolation, err), false)
			return
		}
		if rank := s.Rank(); p.Rank != rank {
			s.abort(models.NewError(models.CodeRankMismatch, "receiver validated rank %d, sent %d", p.Rank, rank), false)
			return
		}
		s.finish()
	}
}

func (s *Session) onData(frame protocol.Frame) {
	rec := s.Record()
	if rec.IsSender {
		s.abort(models.NewError(models.CodeProtocolViolation, "DATA received by the sending side"), true)
		return
	}
	p, err := protocol.UnmarshalData(frame.Payload)
	if err != nil {
		s.abort(models.Wrap(models.CodeProtocolViolation, err), true)
		return
	}
	if p.Rank != rec.Rank {
		s.abort(models.NewError(models.CodeRankMismatch, "received block %d, expected %d", p.Rank, rec.Rank), true)
		return
	}

	err = s.manager.pool.Do(s.ctx, func() error {
		return s.sink.WriteBlock(p.Rank, p.Block)
	})
	if err != nil {
		s.abort(classify(fmt.Errorf("write block %d: %w", p.Rank, err), models.CodeInternal), true)
		return
	}
	if err := s.advance(p.Rank + 1); err != nil {
		return
	}
	metrics.Blocks.WithLabelValues(metrics.DirectionIn).Inc()
	metrics.Bytes.WithLabelValues(metrics.DirectionIn).Add(float64(len(p.Block)))
	s.returnCredit()
}

// returnCredit releases the applied block from the window and grants the
// sender credit once a batch accumulated. The block leaves the window before
// the credit is sent.
func (s *Session) returnCredit() {
	window := int(s.recvWindow.Load())
	if window <= 0 {
		return
	}
	s.unapplied.Add(-1)
	s.ungranted++
	if s.ungranted < grantBatch(window) {
		return
	}
	n := s.ungranted
	s.ungranted = 0
	_ = s.send(protocol.KeepAlive, protocol.CreditPayload(n))
}

func (s *Session) onKeepAlive(frame protocol.Frame) {
	n, ok, err := protocol.ParseCredit(frame.Payload)
	if err != nil {
		s.abort(models.Wrap(models.CodeProtocolViolation, err), true)
		return
	}
	if ok {
		s.credits.grant(n)
	}
}

// advertiseWindow records and returns the receive window this session offers.
func (s *Session) advertiseWindow() int {
	window := s.manager.options.ReceiveWindow
	if window < 0 {
		window = 0
	}
	s.recvWindow.Store(int32(window))
	return window
}

func (s *Session) onEndTransfer(frame protocol.Frame) {
	rec := s.Record()
	if rec.IsSender {
		s.abort(models.NewError(models.CodeProtocolViolation, "ENDTRANSFER received by the sending side"), true)
		return
	}
	p, err := protocol.UnmarshalStatus(frame.Payload)
	if err != nil {
		s.abort(models.Wrap(models.CodeProtocolViolation, err), true)
		return
	}
	if p.Status != models.CodeOK {
		s.abort(models.NewError(p.Status, "peer ended transfer"), false)
		return
	}
	if p.Rank != rec.Rank || p.Rank != rec.TotalBlocks() {
		s.abort(models.NewError(models.CodeRankMismatch, "final rank %d, applied %d of %d blocks", p.Rank, rec.Rank, rec.TotalBlocks()), true)
		return
	}

	err = s.manager.pool.Do(s.ctx, func() error {
		return s.sink.Finish(p.Rank, p.Extra)
	})
	if err != nil {
		s.abort(classify(err, models.CodeInternal), true)
		return
	}
	ack := protocol.StatusPayload{Rank: p.Rank, Status: models.CodeOK}
	if err := s.send(protocol.Valid, ack.Marshal()); err != nil {
		return
	}
	s.finish()
}

// reconcile settles the rank the data phase resumes from. A sender ahead of
// the receiver rewinds to the receiver's durable rank. answering is true on
// the requested side, whose answer the requester must accept verbatim.
func (s *Session) reconcile(peerRank int, answering bool) (int, error) {
	rec := s.Record()
	local := rec.Rank
	switch {
	case peerRank == local:
		return local, nil
	case rec.IsSender && peerRank < local:
		if err := s.manager.options.Store.RewindRank(rec.ID, peerRank); err != nil {
			return 0, models.Wrap(models.CodeInternal, fmt.Errorf("rewind to rank %d: %w", peerRank, err))
		}
		s.mu.Lock()
		s.rec.Rank = peerRank
		s.mu.Unlock()
		s.logger().WithField("from_rank", local).Info("rewound to receiver rank")
		return peerRank, nil
	case !rec.IsSender && answering && peerRank > local:
		return local, nil
	default:
		return 0, models.NewError(models.CodeRankMismatch, "local rank %d, peer rank %d", local, peerRank)
	}
}

func (s *Session) startRunning() error {
	rec := s.Record()
	if err := s.manager.options.Store.SetStatus(rec.ID, models.StatusRunning, models.CodeOK); err != nil {
		e := models.Wrap(models.CodeInternal, err)
		s.abort(e, true)
		return e
	}
	s.mu.Lock()
	s.rec.Status = models.StatusRunning
	s.rec.ErrorCode = models.CodeOK
	s.mu.Unlock()
	return nil
}

// advance persists newRank, then reflects it in memory.
func (s *Session) advance(newRank int) error {
	s.mu.Lock()
	id := s.rec.ID
	current := s.rec.Rank
	s.mu.Unlock()

	if newRank != current+1 {
		panic(fmt.Sprintf("network: rank regression on %s: %d -> %d", id, current, newRank))
	}
	if err := s.manager.options.Store.AtomicAdvanceRank(id, newRank); err != nil {
		e := models.Wrap(models.CodeInternal, fmt.Errorf("persist rank %d: %w", newRank, err))
		s.abort(e, true)
		return e
	}

	s.mu.Lock()
	s.rec.Rank = newRank
	s.mu.Unlock()
	return nil
}

func (s *Session) bind(rec models.TransferRecord, sink BlockSink) error {
	if !rec.IsSender && sink == nil {
		return models.NewError(models.CodeInternal, "receiving session needs a block sink")
	}
	s.mu.Lock()
	if s.bound {
		s.mu.Unlock()
		return models.NewError(models.CodeInternal, "session already bound to %s", s.rec.ID)
	}
	s.rec = rec
	s.sink = sink
	s.bound = true
	s.mu.Unlock()

	return s.manager.trackTransfer(rec.ID, s)
}

func (s *Session) setPeer(peer string) {
	s.mu.Lock()
	s.peer = peer
	s.mu.Unlock()
}

// send applies pt to the state machine and writes it to the peer's session.
func (s *Session) send(pt protocol.PacketType, payload []byte) error {
	if s.ended.Load() {
		return s.failure()
	}
	if _, err := s.machine.Send(pt); err != nil {
		e := models.Wrap(models.CodeProtocolViolation, err)
		s.abort(e, true)
		return s.failure()
	}
	err := s.conn.Send(protocol.Frame{
		LocalID:  s.remoteID.Load(),
		RemoteID: s.localID,
		Type:     pt,
		Payload:  payload,
	})
	if err != nil {
		s.abort(models.Wrap(models.CodeConnectionLost, err), false)
		return s.failure()
	}
	return nil
}

// failure returns the error the session ended with.
func (s *Session) failure() error {
	s.mu.Lock()
	err := s.endErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	<-s.transferEnded.Done()
	if outcome, _, _ := s.transferEnded.Result(); outcome.Err() != nil {
		return outcome.Err()
	}
	return models.NewError(models.CodeInternal, "session %d already ended", s.localID)
}

func (s *Session) waitFailed(err error, phase string) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, completion.ErrTimedOut):
		e := models.NewError(models.CodeConnectionImpossible, "%s timed out", phase)
		s.abort(e, true)
	case errors.Is(err, context.Canceled):
		s.abort(models.NewError(models.CodeCanceled, "%s canceled", phase), true)
	default:
		s.abort(err, true)
	}
	return s.failure()
}

// finish records a successful outcome.
func (s *Session) finish() {
	if !s.ended.CompareAndSwap(false, true) {
		return
	}
	outcome := models.Outcome{Code: models.CodeOK, Rank: s.Rank()}
	s.startupDone.Cancel()
	s.connectionValidated.Cancel()
	s.requestReceived.Cancel()
	s.requestValidated.Cancel()
	s.logger().Info("transfer ended")

	s.end(outcome)
}

// abort ends the session with err. Only the first of finish or abort wins.
func (s *Session) abort(err error, notifyPeer bool) {
	code := models.CodeOf(err)
	if code == models.CodeOK {
		code = models.CodeInternal
		err = models.Wrap(code, err)
	}
	prev := s.machine.Fail()
	if !s.ended.CompareAndSwap(false, true) {
		return
	}

	s.mu.Lock()
	s.endErr = err
	s.mu.Unlock()
	outcome := models.Outcome{Code: code, Rank: s.Rank(), Message: err.Error()}
	s.cancelPending(err)

	s.logger().WithError(err).WithField("state", prev).Warn("session aborted")

	if remote := s.remoteID.Load(); notifyPeer && remote != 0 {
		payload := protocol.ErrorPayload{Code: code, Message: err.Error()}.Marshal()
		frame := protocol.Frame{LocalID: remote, RemoteID: s.localID, Type: protocol.Error, Payload: payload}
		if sendErr := s.conn.Send(frame); sendErr != nil {
			s.logger().WithError(sendErr).Debug("could not notify peer of abort")
		}
	}

	s.end(outcome)
}

// end releases the transfer, publishes the outcome and then frees the local id.
func (s *Session) end(outcome models.Outcome) {
	s.manager.stopSendLoop(s)
	s.manager.releaseTransfer(s)
	s.transferEnded.Resolve(outcome)
	s.closeSession(outcome)
}

func (s *Session) cancelPending(err error) {
	s.startupDone.Fail(err)
	s.connectionValidated.Fail(err)
	s.requestReceived.Fail(err)
	s.requestValidated.Fail(err)
}

// closeSession releases the local id. Every signal is resolved by now.
func (s *Session) closeSession(outcome models.Outcome) {
	s.closeOnce.Do(func() {
		s.cancel()
		s.inbox.close()
		close(s.done)
		metrics.SessionsActive.Dec()
		metrics.Outcomes.WithLabelValues(outcome.Code.String()).Inc()
		s.manager.closeSession(s)
	})
}

func classify(err error, fallback models.ErrorCode) error {
	var te *models.TransferError
	if errors.As(err, &te) {
		return err
	}
	return models.Wrap(fallback, err)
}
