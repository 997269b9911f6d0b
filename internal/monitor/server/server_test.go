package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/tutu-network/monitor/internal/monitor/client"
	"github.com/tutu-network/monitor/internal/monitor/domain"
	"github.com/tutu-network/monitor/internal/monitor/wire"
)

func ptr[T any](v T) *T { return &v }

func startServer(t *testing.T, cfg Config) (*Server, string, context.CancelFunc) {
	t.Helper()
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	srv := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())

	ln, err := srv.Listen(ctx)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go srv.Serve(ctx, ln)
	t.Cleanup(cancel)
	return srv, ln.Addr().String(), cancel
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestServerAssignsRankFromCacheOnReconnect(t *testing.T) {
	srv, addr, _ := startServer(t, Config{DefaultRank: 0})
	// Clients only see the global list handed back via Update; feed
	// every local change straight back the way the runner would.
	srv.OnLocalChange(func(local []domain.ComponentInfo) { srv.Update(0, local) })

	name := "comp-a"
	c1, err := client.Dial(context.Background(), addr, time.Second, &name, nil, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	waitFor(t, time.Second, func() bool { return c1.State().Info.Name != nil })

	srv.SetRank(c1.State().Info.Cid, 42)
	waitFor(t, time.Second, func() bool { return c1.State().Info.Rank == 42 })
	c1.Close()

	c2, err := client.Dial(context.Background(), addr, time.Second, &name, nil, nil)
	if err != nil {
		t.Fatalf("Dial (reconnect): %v", err)
	}
	defer c2.Close()
	waitFor(t, time.Second, func() bool { return c2.State().Info.Rank == 42 })
}

func TestServerBroadcastsComponentListToAllClients(t *testing.T) {
	srv, addr, _ := startServer(t, Config{})

	nameA, nameB := "a", "b"
	ca, err := client.Dial(context.Background(), addr, time.Second, &nameA, nil, nil)
	if err != nil {
		t.Fatalf("Dial a: %v", err)
	}
	defer ca.Close()
	cb, err := client.Dial(context.Background(), addr, time.Second, &nameB, nil, nil)
	if err != nil {
		t.Fatalf("Dial b: %v", err)
	}
	defer cb.Close()

	waitFor(t, time.Second, func() bool { return len(srv.LocalComponents()) == 2 })

	// ClientState.Components is built from MsgServer.Components, which
	// the server always fills from global_components (s.global) — so a
	// client only sees the merged view the runner hands back via
	// Update. Drive that here the way the runner would.
	srv.Update(0, srv.LocalComponents())

	waitFor(t, time.Second, func() bool { return len(ca.State().Components) == 2 })
	waitFor(t, time.Second, func() bool { return len(cb.State().Components) == 2 })
}

func TestServerClosesConnectionOnUnexpectedMessage(t *testing.T) {
	_, addr, _ := startServer(t, Config{GracefulClose: 200 * time.Millisecond})

	nc, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn := wire.NewConn(nc)
	defer conn.Close()

	if err := conn.Send(domain.MsgSlave{}); err != nil {
		t.Fatalf("send: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		_, err := conn.Recv()
		return err != nil
	})
}

func TestSetRankIsNoOpForUnknownCid(t *testing.T) {
	srv, _, _ := startServer(t, Config{})
	srv.SetRank(domain.Cid(999), 10) // must not panic or hang
}
