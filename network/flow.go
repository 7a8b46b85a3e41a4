package network

import (
	"context"
	"sync"
)

// DefaultReceiveWindow is the number of DATA blocks a receiver lets the
// sender have in flight before a credit arrives.
const DefaultReceiveWindow = 32

// creditGate holds the DATA blocks the sender may still emit. A gate that was
// never opened, or opened with a zero window, does not limit the sender.
type creditGate struct {
	mu      sync.Mutex
	limited bool
	avail   int
	notify  chan struct{}
}

func newCreditGate() *creditGate {
	return &creditGate{notify: make(chan struct{}, 1)}
}

// open starts flow control with the peer's advertised window.
func (g *creditGate) open(window int) {
	g.mu.Lock()
	g.limited = window > 0
	g.avail = window
	g.mu.Unlock()
	g.wake()
}

// grant returns n blocks of credit.
func (g *creditGate) grant(n int) {
	if n <= 0 {
		return
	}
	g.mu.Lock()
	g.avail += n
	g.mu.Unlock()
	g.wake()
}

// acquire takes one block of credit, suspending until the receiver grants
// more, ctx ends or done is closed.
func (g *creditGate) acquire(ctx context.Context, done <-chan struct{}) error {
	for {
		g.mu.Lock()
		if !g.limited || g.avail > 0 {
			if g.limited {
				g.avail--
			}
			g.mu.Unlock()
			return nil
		}
		g.mu.Unlock()

		select {
		case <-g.notify:
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			return ErrConnectionClosed
		}
	}
}

func (g *creditGate) available() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.avail
}

func (g *creditGate) wake() {
	select {
	case g.notify <- struct{}{}:
	default:
	}
}

// grantBatch is how many applied blocks a receiver accumulates before it
// sends one credit.
func grantBatch(window int) int {
	if window < 2 {
		return 1
	}
	return window / 2
}
