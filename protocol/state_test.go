package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allStates = []State{
	StateIdle, StateStartupSent, StateAuthPending, StateConnected,
	StateTransferActive, StateEndPending, StateClosed, StateError,
}

var allPackets = []PacketType{Startup, Authent, Valid, Data, Error, EndTransfer, Shutdown, KeepAlive}

func TestHappyPathBothSides(t *testing.T) {
	requester := NewMachine(Requester)
	requested := NewMachine(Requested)

	step := func(from *Machine, to *Machine, p PacketType) {
		_, err := from.Send(p)
		require.NoError(t, err, "send %s", p)
		_, err = to.Receive(p)
		require.NoError(t, err, "receive %s", p)
		assert.Equal(t, from.State(), to.State(), "after %s", p)
	}

	step(requester, requested, Startup)
	step(requested, requester, Startup)
	step(requester, requested, Authent)
	step(requested, requester, Authent)
	assert.Equal(t, StateConnected, requester.State())
	step(requester, requested, Valid)
	step(requested, requester, Valid)
	assert.Equal(t, StateTransferActive, requester.State())
	step(requester, requested, Data)
	step(requester, requested, KeepAlive)
	step(requester, requested, EndTransfer)
	step(requested, requester, Valid)
	assert.Equal(t, StateClosed, requester.State())
	assert.Equal(t, StateClosed, requested.State())
}

func TestRejectedTransitionLeavesStateUnchanged(t *testing.T) {
	for _, from := range allStates {
		for _, p := range allPackets {
			for _, emitter := range []Role{Requester, Requested} {
				next, ok := Next(from, p, emitter)
				if ok {
					continue
				}
				assert.Equal(t, from, next, "%s %s %s", from, p, emitter)

				again, ok := Next(from, p, emitter)
				assert.False(t, ok)
				assert.Equal(t, from, again)
			}
		}
	}
}

func TestTerminalStatesAcceptNothing(t *testing.T) {
	for _, from := range []State{StateClosed, StateError} {
		for _, p := range allPackets {
			_, ok := Next(from, p, Requester)
			assert.False(t, ok, "%s accepted %s", from, p)
		}
	}
}

func TestErrorReachableFromEveryNonTerminalState(t *testing.T) {
	for _, from := range allStates {
		if from.Terminal() {
			continue
		}
		next, ok := Next(from, Error, Requested)
		assert.True(t, ok)
		assert.Equal(t, StateError, next)
	}
}

func TestOnlyRequestedAcceptsAuthent(t *testing.T) {
	_, ok := Next(StateAuthPending, Authent, Requester)
	assert.False(t, ok)
	next, ok := Next(StateAuthPending, Authent, Requested)
	assert.True(t, ok)
	assert.Equal(t, StateConnected, next)
}

func TestMachineRejectsDataBeforeTransfer(t *testing.T) {
	m := NewMachine(Requested)
	_, err := m.Receive(Data)
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, StateIdle, m.State())
}

func TestMachineFail(t *testing.T) {
	m := NewMachine(Requester)
	_, err := m.Send(Startup)
	require.NoError(t, err)
	assert.Equal(t, StateStartupSent, m.Fail())
	assert.Equal(t, StateError, m.State())

	closed := &Machine{role: Requester, state: StateClosed}
	closed.Fail()
	assert.Equal(t, StateClosed, closed.State())
}
