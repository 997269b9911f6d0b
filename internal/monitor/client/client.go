// Package client is the Observer Client library embedded in
// components (spec §4.6): it connects to the local Monitor Server,
// maintains blessing_res, and surfaces the server's global state.
package client

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/tutu-network/monitor/internal/monitor/domain"
	"github.com/tutu-network/monitor/internal/monitor/wire"
)

// Client is one component's connection to its local Observer Server.
type Client struct {
	conn *wire.Conn

	mu          sync.Mutex
	cid         domain.Cid
	mid         domain.Mid
	name        *string
	group       *string
	data        domain.RawMessage
	blessingRes domain.BlessingRes
	state       domain.ClientState

	onState   func(domain.ClientState)
	onClose   func()
	closed    chan struct{}
}

// Dial connects to the local Monitor Server at addr and sends the
// initial MsgClient. name/group/data describe this component; pass
// nil name/group if the component announces itself later via Announce.
func Dial(ctx context.Context, addr string, timeout time.Duration, name, group *string, data domain.RawMessage) (*Client, error) {
	d := net.Dialer{Timeout: timeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	c := &Client{
		conn:        wire.NewConn(nc),
		name:        name,
		group:       group,
		data:        data,
		blessingRes: domain.NoRes(),
		closed:      make(chan struct{}),
	}

	if err := c.sendAnnounce(); err != nil {
		nc.Close()
		return nil, err
	}

	go c.readLoop()
	return c, nil
}

// OnState registers the callback invoked whenever a new MsgServer
// rebuilds this client's ClientState.
func (c *Client) OnState(cb func(domain.ClientState)) {
	c.mu.Lock()
	c.onState = cb
	c.mu.Unlock()
}

// OnClose registers the callback invoked when the server requests a
// graceful shutdown (MsgClose).
func (c *Client) OnClose(cb func()) {
	c.mu.Lock()
	c.onClose = cb
	c.mu.Unlock()
}

// Announce updates name/group/data and sends a fresh MsgClient.
func (c *Client) Announce(name, group *string, data domain.RawMessage) error {
	c.mu.Lock()
	c.name, c.group, c.data = name, group, data
	c.mu.Unlock()
	return c.sendAnnounce()
}

// SetReady updates the component's blessing_res and, if it actually
// changed, sends a fresh MsgClient.
func (c *Client) SetReady(ready bool) error {
	c.mu.Lock()
	changed := c.blessingRes.Ready != ready
	c.blessingRes.Ready = ready
	c.mu.Unlock()
	if !changed {
		return nil
	}
	return c.sendAnnounce()
}

// SetBlessingToken writes the token the component has accepted (a
// readback of blessing_req.token) and, if changed, announces it.
func (c *Client) SetBlessingToken(token *int64) error {
	c.mu.Lock()
	same := (c.blessingRes.Token == nil) == (token == nil)
	if same && token != nil {
		same = *c.blessingRes.Token == *token
	}
	c.blessingRes.Token = token
	c.mu.Unlock()
	if same {
		return nil
	}
	return c.sendAnnounce()
}

// State returns the most recent ClientState built from the server's
// last MsgServer.
func (c *Client) State() domain.ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Closed is signalled once the connection to the server is lost.
func (c *Client) Closed() <-chan struct{} { return c.closed }

// Close closes the connection to the server.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) sendAnnounce() error {
	c.mu.Lock()
	msg := domain.MsgClient{
		Name:        c.name,
		Group:       c.group,
		Data:        c.data,
		BlessingRes: c.blessingRes,
	}
	c.mu.Unlock()
	return c.conn.Send(msg)
}

func (c *Client) readLoop() {
	defer close(c.closed)
	for {
		msg, err := c.conn.Recv()
		if err != nil {
			return
		}

		switch m := msg.(type) {
		case domain.MsgServer:
			c.mu.Lock()
			c.cid = m.Cid
			c.mid = m.Mid
			var info domain.ComponentInfo
			for _, comp := range m.Components {
				if comp.Cid == m.Cid && comp.Mid == m.Mid {
					info = comp
					break
				}
			}
			st := domain.ClientState{Info: info, Components: m.Components}
			c.state = st
			cb := c.onState
			c.mu.Unlock()
			if cb != nil {
				cb(st)
			}
		case domain.MsgClose:
			c.mu.Lock()
			cb := c.onClose
			c.mu.Unlock()
			if cb != nil {
				cb()
			}
			c.conn.Close()
			return
		default:
			c.conn.Close()
			return
		}
	}
}
