package master

import (
	"context"
	"testing"
	"time"

	"github.com/tutu-network/monitor/internal/monitor/domain"
	"github.com/tutu-network/monitor/internal/monitor/slave"
)

func ptr[T any](v T) *T { return &v }

func startMaster(t *testing.T, cfg Config) (*Master, string) {
	t.Helper()
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	m := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ln, err := m.Listen(ctx)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go m.Serve(ctx, ln)
	return m, ln.Addr().String()
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

func TestMasterRejectsSlaveWhileInactive(t *testing.T) {
	_, addr := startMaster(t, Config{})

	sl, err := slave.Dial(context.Background(), addr, time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sl.Close()

	if err := sl.SetLocalComponents(nil); err != nil {
		t.Fatalf("SetLocalComponents: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		select {
		case <-sl.Closed():
			return true
		default:
			return false
		}
	})
}

func TestMasterBlessAllMergesSlaveAndLocalComponents(t *testing.T) {
	m, addr := startMaster(t, Config{DefaultAlgorithm: domain.BlessAll})
	m.Activate()

	m.SetLocalComponents([]domain.ComponentInfo{
		{Cid: 1, Group: ptr("g"), BlessingRes: domain.BlessingRes{Ready: true}},
	})

	sl, err := slave.Dial(context.Background(), addr, time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sl.Close()

	if err := sl.SetLocalComponents([]domain.ComponentInfo{
		{Cid: 1, Group: ptr("g"), BlessingRes: domain.BlessingRes{Ready: true}},
	}); err != nil {
		t.Fatalf("SetLocalComponents: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		return len(m.GlobalComponents()) == 2
	})

	for _, c := range m.GlobalComponents() {
		if c.BlessingReq.Token == nil {
			t.Errorf("component mid=%d cid=%d not blessed: %+v", c.Mid, c.Cid, c)
		}
	}
}

func TestMasterGlobalComponentsCallbackFiresOnChange(t *testing.T) {
	m, _ := startMaster(t, Config{DefaultAlgorithm: domain.BlessAll})

	var got []domain.ComponentInfo
	done := make(chan struct{}, 1)
	m.OnGlobalComponents(func(global []domain.ComponentInfo) {
		got = global
		select {
		case done <- struct{}{}:
		default:
		}
	})

	m.Activate()
	m.SetLocalComponents([]domain.ComponentInfo{
		{Cid: 1, Group: ptr("g"), BlessingRes: domain.BlessingRes{Ready: true}},
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 component, got %d", len(got))
	}
}

func TestMasterRemovingSlaveDropsItsComponents(t *testing.T) {
	m, addr := startMaster(t, Config{DefaultAlgorithm: domain.BlessAll})
	m.Activate()

	sl, err := slave.Dial(context.Background(), addr, time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := sl.SetLocalComponents([]domain.ComponentInfo{
		{Cid: 1, Group: ptr("g"), BlessingRes: domain.BlessingRes{Ready: true}},
	}); err != nil {
		t.Fatalf("SetLocalComponents: %v", err)
	}
	waitFor(t, time.Second, func() bool { return len(m.GlobalComponents()) == 1 })

	sl.Close()
	waitFor(t, time.Second, func() bool { return len(m.GlobalComponents()) == 0 })
}
