// Package runner implements the node-level Runner (spec §4.8): it
// owns the local Observer Server, an Observer Master (initially
// inactive), and at most one Observer Slave, and activates the local
// master only once connecting to every configured parent has failed
// within one full retry cycle — the operational rule that enforces
// the federation's single-active-master invariant.
package runner

import (
	"context"
	"log"
	"time"

	"github.com/tutu-network/monitor/internal/monitor/domain"
	"github.com/tutu-network/monitor/internal/monitor/master"
	"github.com/tutu-network/monitor/internal/monitor/metrics"
	"github.com/tutu-network/monitor/internal/monitor/server"
	"github.com/tutu-network/monitor/internal/monitor/slave"
)

// Config controls one node's Runner.
type Config struct {
	ServerAddr    string
	DefaultRank   int
	GracefulClose time.Duration

	MasterAddr       string
	DefaultAlgorithm domain.Algorithm
	GroupAlgorithms  map[string]domain.Algorithm

	// Parents are tried in order on every connect round. Empty means
	// this node is permanently the master.
	Parents []string

	ConnectTimeout time.Duration
	// ConnectRetryCount is the number of rounds to try all parents
	// before declaring them unreachable. nil means infinite — used
	// internally for the unbounded background reconnect loop
	// regardless of what is configured here.
	ConnectRetryCount *int
	ConnectRetryDelay time.Duration
}

// UIPublisher is the optional UI collaborator: pushed a snapshot on
// every state change (spec §6 UI surface). Implemented by
// internal/monitor/ui.Server.
type UIPublisher interface {
	Publish(mid domain.Mid, local, global []domain.ComponentInfo)
}

// Runner is the node-level supervisor.
type Runner struct {
	cfg    Config
	Server *server.Server
	Master *master.Master
	UI     UIPublisher

	currentSlave *slave.Slave
}

// New creates a Runner with its Server and Master wired but not yet
// started.
func New(cfg Config) *Runner {
	srv := server.New(server.Config{
		Addr:          cfg.ServerAddr,
		DefaultRank:   cfg.DefaultRank,
		GracefulClose: cfg.GracefulClose,
	})
	m := master.New(master.Config{
		Addr:             cfg.MasterAddr,
		DefaultAlgorithm: cfg.DefaultAlgorithm,
		GroupAlgorithms:  cfg.GroupAlgorithms,
	})

	r := &Runner{cfg: cfg, Server: srv, Master: m}

	srv.OnLocalChange(func(local []domain.ComponentInfo) {
		r.Master.SetLocalComponents(local)
		if s := r.currentSlave; s != nil {
			if err := s.SetLocalComponents(local); err != nil {
				log.Printf("[runner] slave publish failed: %v", err)
			}
		}
		r.publishUI()
	})

	m.OnGlobalComponents(func(global []domain.ComponentInfo) {
		if r.Master.Active() {
			r.Server.Update(domain.LocalMid, global)
		}
		r.publishUI()
	})

	return r
}

// SetRank implements ui.RankSetter, delegating to the local Server.
func (r *Runner) SetRank(cid domain.Cid, rank int) {
	r.Server.SetRank(cid, rank)
}

func (r *Runner) publishUI() {
	if r.UI == nil {
		return
	}
	mid := domain.LocalMid
	if s := r.currentSlave; s != nil {
		mid = s.State().Mid
	}
	r.UI.Publish(mid, r.Server.LocalComponents(), r.Master.GlobalComponents())
}

// Run starts the Server and Master listeners and drives the control
// loop until ctx is cancelled. It returns when the node is shut down.
func (r *Runner) Run(ctx context.Context) error {
	errCh := make(chan error, 2)
	go func() { errCh <- r.Server.Run(ctx) }()
	go func() { errCh <- r.Master.Run(ctx) }()

	if len(r.cfg.Parents) == 0 {
		// This node is permanently the master — no remote federation
		// to fail over from.
		r.Master.Activate()
		<-ctx.Done()
		return ctx.Err()
	}

	r.controlLoop(ctx)
	return ctx.Err()
}

// controlLoop implements the connect/activate/deactivate cycle from
// spec §4.8.
func (r *Runner) controlLoop(ctx context.Context) {
	for ctx.Err() == nil {
		sl, ok := r.connect(ctx, r.cfg.ConnectRetryCount)
		if ok {
			r.runWithSlave(ctx, sl)
			continue
		}

		// Final failure this cycle: no parent reachable. Become
		// master, then keep retrying unboundedly in the background —
		// the instant a parent accepts us, we deactivate again.
		r.Master.Activate()
		r.Server.Update(domain.LocalMid, r.Master.GlobalComponents())
		log.Printf("[runner] no parent reachable, local master active")

		sl, ok = r.connect(ctx, nil)
		if !ok {
			return // ctx cancelled
		}
		r.runWithSlave(ctx, sl)
	}
}

// runWithSlave deactivates the master, adopts sl as the current
// slave, mirrors state both ways, and blocks until sl closes.
func (r *Runner) runWithSlave(ctx context.Context, sl *slave.Slave) {
	r.Master.Deactivate()

	sl.OnState(func(st slave.State) {
		if !r.Master.Active() {
			r.Server.Update(st.Mid, st.Components)
		}
		r.publishUI()
	})

	if err := sl.SetLocalComponents(r.Server.LocalComponents()); err != nil {
		log.Printf("[runner] initial slave publish failed: %v", err)
	}
	r.currentSlave = sl

	select {
	case <-sl.Closed():
	case <-ctx.Done():
		sl.Close()
	}
	r.currentSlave = nil
}

// connect tries each configured parent in order, up to maxRounds
// rounds (nil means unbounded) with ConnectRetryDelay between rounds
// and ConnectTimeout per attempt.
func (r *Runner) connect(ctx context.Context, maxRounds *int) (*slave.Slave, bool) {
	for round := 0; maxRounds == nil || round < *maxRounds; round++ {
		for _, parent := range r.cfg.Parents {
			if ctx.Err() != nil {
				return nil, false
			}
			sl, err := slave.Dial(ctx, parent, r.cfg.ConnectTimeout)
			if err == nil {
				return sl, true
			}
			metrics.SlaveConnectFailures.Inc()
			log.Printf("[runner] connect to parent %s failed: %v", parent, err)
		}

		if ctx.Err() != nil {
			return nil, false
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(r.cfg.ConnectRetryDelay):
		}
	}
	return nil, false
}
