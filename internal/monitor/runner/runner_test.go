package runner

import (
	"context"
	"testing"
	"time"

	"github.com/tutu-network/monitor/internal/monitor/client"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestRunnerWithNoParentsIsPermanentMaster(t *testing.T) {
	r := New(Config{
		ServerAddr: "127.0.0.1:18180",
		MasterAddr: "127.0.0.1:18181",
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	waitFor(t, time.Second, func() bool { return r.Master.Active() })
}

func TestRunnerFailsOverToLocalMasterWhenParentDies(t *testing.T) {
	n := 3
	node1 := New(Config{
		ServerAddr: "127.0.0.1:18190",
		MasterAddr: "127.0.0.1:18191",
	})
	ctx1, cancel1 := context.WithCancel(context.Background())
	go node1.Run(ctx1)
	waitFor(t, time.Second, func() bool { return node1.Master.Active() })

	node2 := New(Config{
		ServerAddr:        "127.0.0.1:18192",
		MasterAddr:        "127.0.0.1:18193",
		Parents:           []string{"127.0.0.1:18191"},
		ConnectTimeout:    300 * time.Millisecond,
		ConnectRetryCount: &n,
		ConnectRetryDelay: 50 * time.Millisecond,
	})
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	go node2.Run(ctx2)

	waitFor(t, 2*time.Second, func() bool { return node1.Master.SlaveCount() == 1 })
	waitFor(t, time.Second, func() bool { return !node2.Master.Active() })

	cancel1() // kill node1

	waitFor(t, 5*time.Second, func() bool { return node2.Master.Active() })
}

func TestRunnerMirrorsLocalComponentsToMasterAndBack(t *testing.T) {
	r := New(Config{
		ServerAddr: "127.0.0.1:18280",
		MasterAddr: "127.0.0.1:18281",
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)
	waitFor(t, time.Second, func() bool { return r.Master.Active() })

	name := "comp"
	group := "g"
	c, err := client.Dial(context.Background(), "127.0.0.1:18280", time.Second, &name, &group, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	waitFor(t, time.Second, func() bool { return c.State().Info.Name != nil })
	if err := c.SetReady(true); err != nil {
		t.Fatalf("SetReady: %v", err)
	}

	// BLESS_ALL by default: the component should receive a token back
	// through server -> master -> server -> client.
	waitFor(t, time.Second, func() bool {
		return c.State().Info.BlessingReq.Token != nil
	})
}
