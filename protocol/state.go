package protocol

import (
	"errors"
	"fmt"
	"sync"
)

// State is a node of the session state machine.
type State int

const (
	StateIdle State = iota
	StateStartupSent
	StateAuthPending
	StateConnected
	StateTransferActive
	StateEndPending
	StateClosed
	StateError
)

var stateNames = [...]string{
	StateIdle:           "IDLE",
	StateStartupSent:    "STARTUP_SENT",
	StateAuthPending:    "AUTH_PENDING",
	StateConnected:      "CONNECTED",
	StateTransferActive: "TRANSFER_ACTIVE",
	StateEndPending:     "END_PENDING",
	StateClosed:         "CLOSED",
	StateError:          "ERROR",
}

func (s State) String() string {
	if s >= StateIdle && s <= StateError {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateError
}

// Role is the side of a session a host plays.
type Role int

const (
	Requester Role = iota
	Requested
)

func (r Role) String() string {
	if r == Requester {
		return "requester"
	}
	return "requested"
}

// Peer returns the opposite role.
func (r Role) Peer() Role {
	if r == Requester {
		return Requested
	}
	return Requester
}

// ErrRejected is returned for a packet that is illegal in the current state.
var ErrRejected = errors.New("protocol: transition rejected")

// anyRole marks transitions legal for either emitter.
const anyRole Role = -1

type transition struct {
	from    State
	packet  PacketType
	emitter Role
}

// transitions is keyed by the role of the host that emitted the packet.
var transitions = map[transition]State{
	{StateIdle, Startup, Requester}:             StateStartupSent,
	{StateStartupSent, Startup, Requested}:      StateStartupSent,
	{StateStartupSent, Authent, Requester}:      StateAuthPending,
	{StateAuthPending, Authent, Requested}:      StateConnected,
	{StateConnected, Valid, Requester}:          StateConnected,
	{StateConnected, Valid, Requested}:          StateTransferActive,
	{StateTransferActive, Data, anyRole}:        StateTransferActive,
	{StateTransferActive, EndTransfer, anyRole}: StateEndPending,
	{StateEndPending, Valid, anyRole}:           StateClosed,
}

// Next is the pure transition function. ok is false for a rejected
// transition, in which case the returned state equals from.
func Next(from State, packet PacketType, emitter Role) (State, bool) {
	if from.Terminal() {
		return from, false
	}
	switch packet {
	case Error, Shutdown:
		return StateError, true
	case KeepAlive:
		return from, true
	}
	if to, ok := transitions[transition{from, packet, emitter}]; ok {
		return to, true
	}
	if to, ok := transitions[transition{from, packet, anyRole}]; ok {
		return to, true
	}
	return from, false
}

// Machine tracks the state of one session for the host playing role.
type Machine struct {
	mu    sync.Mutex
	role  Role
	state State
}

// NewMachine returns a machine in IDLE.
func NewMachine(role Role) *Machine {
	return &Machine{role: role, state: StateIdle}
}

// Role returns the local role.
func (m *Machine) Role() Role {
	return m.role
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Send applies a packet emitted by this host.
func (m *Machine) Send(packet PacketType) (State, error) {
	return m.apply(packet, m.role)
}

// Receive applies a packet emitted by the peer.
func (m *Machine) Receive(packet PacketType) (State, error) {
	return m.apply(packet, m.role.Peer())
}

func (m *Machine) apply(packet PacketType, emitter Role) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, ok := Next(m.state, packet, emitter)
	if !ok {
		return m.state, fmt.Errorf("%w: %s from %s in %s", ErrRejected, packet, emitter, m.state)
	}
	m.state = next
	return next, nil
}

// Fail forces the machine into ERROR unless it is already terminal.
// It returns the state the machine was in.
func (m *Machine) Fail() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.state
	if !prev.Terminal() {
		m.state = StateError
	}
	return prev
}
