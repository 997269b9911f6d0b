package controller

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/tutu-network/monitor/internal/monitor/client"
	"github.com/tutu-network/monitor/internal/monitor/domain"
	"github.com/tutu-network/monitor/internal/monitor/wire"
)

func startFakeServer(t *testing.T) (net.Listener, chan *wire.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	accepted := make(chan *wire.Conn, 4)
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- wire.NewConn(nc)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln, accepted
}

type fakeRunner struct {
	mu      sync.Mutex
	closing chan struct{}
	closed  bool
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{closing: make(chan struct{})}
}

func (r *fakeRunner) WaitClosing() <-chan struct{} { return r.closing }

func (r *fakeRunner) CloseUncancellable() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
	}
}

func (r *fakeRunner) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func TestControllerRunsOnceConfirmedAndClosesWhenRevoked(t *testing.T) {
	ln, accepted := startFakeServer(t)
	name := "comp"
	c, err := client.Dial(context.Background(), ln.Addr().String(), time.Second, &name, nil, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()
	conn := <-accepted
	if _, err := conn.Recv(); err != nil {
		t.Fatalf("Recv initial: %v", err)
	}

	var mu sync.Mutex
	var runners []*fakeRunner
	ctl := New(c, func() Runner {
		mu.Lock()
		defer mu.Unlock()
		r := newFakeRunner()
		runners = append(runners, r)
		return r
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctl.Run(ctx)

	token := int64(1)
	send := func(reqToken *int64) {
		if err := conn.Send(domain.MsgServer{
			Cid: 1, Mid: 0,
			Components: []domain.ComponentInfo{
				{
					Cid: 1, Mid: 0,
					BlessingReq: domain.BlessingReq{Token: reqToken},
					BlessingRes: domain.BlessingRes{Ready: true},
				},
			},
		}); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	// Grant a token: controller should echo it via SetBlessingToken.
	send(&token)

	echoMsg, err := conn.Recv()
	if err != nil {
		t.Fatalf("Recv echo: %v", err)
	}
	echo, ok := echoMsg.(domain.MsgClient)
	if !ok || echo.BlessingRes.Token == nil || *echo.BlessingRes.Token != 1 {
		t.Fatalf("expected echoed token 1, got %+v", echoMsg)
	}

	// Server reflects the echoed readback back to the component:
	// blessing_res.token==blessing_req.token should start a runner.
	if err := conn.Send(domain.MsgServer{
		Cid: 1, Mid: 0,
		Components: []domain.ComponentInfo{
			{
				Cid: 1, Mid: 0,
				BlessingReq: domain.BlessingReq{Token: &token},
				BlessingRes: domain.BlessingRes{Ready: true, Token: &token},
			},
		},
	}); err != nil {
		t.Fatalf("send confirm: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(runners)
		mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("runner never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Revoke the grant: the runner must be closed and the client's
	// token readback cleared.
	send(nil)

	clearMsg, err := conn.Recv()
	if err != nil {
		t.Fatalf("Recv clear: %v", err)
	}
	clear, ok := clearMsg.(domain.MsgClient)
	if !ok || clear.BlessingRes.Token != nil {
		t.Fatalf("expected cleared token, got %+v", clearMsg)
	}

	mu.Lock()
	r := runners[0]
	mu.Unlock()
	deadline = time.Now().Add(time.Second)
	for !r.isClosed() {
		if time.Now().After(deadline) {
			t.Fatal("runner was never closed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
