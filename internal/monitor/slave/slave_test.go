package slave

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/tutu-network/monitor/internal/monitor/domain"
	"github.com/tutu-network/monitor/internal/monitor/wire"
)

func startFakeMaster(t *testing.T) (net.Listener, chan *wire.Conn) {
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

func TestSlaveSendsLocalComponentsAndReceivesMaster(t *testing.T) {
	ln, accepted := startFakeMaster(t)

	sl, err := Dial(context.Background(), ln.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sl.Close()

	conn := <-accepted
	if err := sl.SetLocalComponents(nil); err != nil {
		t.Fatalf("SetLocalComponents: %v", err)
	}
	msg, err := conn.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if _, ok := msg.(domain.MsgSlave); !ok {
		t.Fatalf("expected MsgSlave, got %T", msg)
	}

	name := "c"
	masterMsg := domain.MsgMaster{
		Mid: 5,
		Components: []domain.ComponentInfo{
			{Cid: 1, Mid: 5, Name: &name},
		},
	}

	gotState := make(chan State, 1)
	sl.OnState(func(st State) { gotState <- st })

	if err := conn.Send(masterMsg); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case st := <-gotState:
		if st.Mid != 5 || len(st.Components) != 1 {
			t.Fatalf("unexpected state: %+v", st)
		}
	case <-time.After(time.Second):
		t.Fatal("OnState callback never fired")
	}

	if sl.State().Mid != 5 {
		t.Fatalf("State() = %+v", sl.State())
	}
}

func TestSlaveClosesOnUnexpectedMessage(t *testing.T) {
	ln, accepted := startFakeMaster(t)

	sl, err := Dial(context.Background(), ln.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sl.Close()

	conn := <-accepted
	if err := conn.Send(domain.MsgClient{}); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case <-sl.Closed():
	case <-time.After(time.Second):
		t.Fatal("slave did not close on unexpected message")
	}
}
