// Package slave implements the Observer Slave (spec §4.5): it
// connects to a remote master, publishes this server's local
// component view, and receives the federation's merged global view
// in return. Reconnection policy lives in the runner, not here.
package slave

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/tutu-network/monitor/internal/monitor/domain"
	"github.com/tutu-network/monitor/internal/monitor/wire"
)

// State is what a Slave exposes to its owner: the mid this master
// assigned to us, and the merged global component list.
type State struct {
	Mid        domain.Mid
	Components []domain.ComponentInfo
}

// Slave is a single connection to a remote master.
type Slave struct {
	conn *wire.Conn

	mu    sync.Mutex
	state State

	onState func(State)
	closed  chan struct{}
}

// Dial connects to addr with the given timeout and starts the read
// loop. Call SetLocalComponents once connected to publish this
// server's view immediately.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Slave, error) {
	d := net.Dialer{Timeout: timeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	s := &Slave{
		conn:   wire.NewConn(nc),
		closed: make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// OnState registers the callback invoked whenever a new MsgMaster
// updates this slave's view of (mid, global_components).
func (s *Slave) OnState(cb func(State)) {
	s.mu.Lock()
	s.onState = cb
	s.mu.Unlock()
}

// SetLocalComponents sends MsgSlave with this server's current local
// components. Call on connect and on any change to local components.
func (s *Slave) SetLocalComponents(components []domain.ComponentInfo) error {
	return s.conn.Send(domain.MsgSlave{Components: components})
}

// State returns the most recently received (mid, global_components).
func (s *Slave) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Closed is signalled once the connection to the master is lost.
func (s *Slave) Closed() <-chan struct{} { return s.closed }

// Close closes the connection to the master.
func (s *Slave) Close() error { return s.conn.Close() }

func (s *Slave) readLoop() {
	defer close(s.closed)
	for {
		msg, err := s.conn.Recv()
		if err != nil {
			return
		}

		switch m := msg.(type) {
		case domain.MsgMaster:
			st := State{Mid: m.Mid, Components: m.Components}
			s.mu.Lock()
			s.state = st
			cb := s.onState
			s.mu.Unlock()
			if cb != nil {
				cb(st)
			}
		default:
			// Protocol violation: close the connection.
			s.conn.Close()
			return
		}
	}
}
