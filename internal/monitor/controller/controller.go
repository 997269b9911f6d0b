// Package controller implements the Component Controller (spec §4.7):
// it owns an Observer Client and a user-supplied runner factory, and
// runs exactly one runner whenever the component is active, closing
// it promptly when it ceases to be active.
package controller

import (
	"context"
	"log"

	"github.com/tutu-network/monitor/internal/monitor/client"
	"github.com/tutu-network/monitor/internal/monitor/domain"
)

// Runner is an abstract, user-provided resource representing the
// component's active work.
type Runner interface {
	// WaitClosing is signalled once the runner has finished on its
	// own (the user's work ended).
	WaitClosing() <-chan struct{}
	// CloseUncancellable shuts the runner down and blocks until
	// cleanup completes. It must not be interruptible by context
	// cancellation — the controller relies on this to guarantee the
	// user's cleanup always runs.
	CloseUncancellable()
}

// Factory yields a fresh Runner on demand. The controller guarantees
// at most one live Runner at a time.
type Factory func() Runner

type phase int

const (
	phaseIdle phase = iota
	phaseConfirming
	phaseActive
)

// Controller drives the Idle -> Confirming -> Active state machine.
type Controller struct {
	client  *client.Client
	factory Factory

	stateCh chan domain.ClientState
}

// New creates a Controller for c, using factory to build runners.
// Call Run to start the state machine.
func New(c *client.Client, factory Factory) *Controller {
	ctl := &Controller{
		client:  c,
		factory: factory,
		stateCh: make(chan domain.ClientState, 1),
	}
	c.OnState(func(st domain.ClientState) { ctl.push(st) })
	return ctl
}

// push delivers a new state, coalescing with any not-yet-consumed
// pending state (notifications coalesce naturally; only the most
// recent state matters, spec §9).
func (ctl *Controller) push(st domain.ClientState) {
	select {
	case ctl.stateCh <- st:
		return
	default:
	}
	select {
	case <-ctl.stateCh:
	default:
	}
	select {
	case ctl.stateCh <- st:
	default:
	}
}

// Run drives the state machine until ctx is cancelled. It must be
// called from a single goroutine.
func (ctl *Controller) Run(ctx context.Context) {
	p := phaseIdle
	var echoed int64
	var runner Runner
	var runnerClosing <-chan struct{}

	closeRunner := func() {
		if runner != nil {
			runner.CloseUncancellable()
			runner = nil
			runnerClosing = nil
		}
	}
	defer closeRunner()

	for {
		select {
		case <-ctx.Done():
			return

		case st := <-ctl.stateCh:
			info := st.Info

			switch p {
			case phaseIdle:
				if info.BlessingRes.Ready && info.BlessingReq.Token != nil {
					echoed = *info.BlessingReq.Token
					if err := ctl.client.SetBlessingToken(&echoed); err != nil {
						log.Printf("[controller] failed to echo token: %v", err)
						continue
					}
					p = phaseConfirming
				}

			case phaseConfirming:
				switch {
				case !info.BlessingRes.Ready || info.BlessingReq.Token == nil || *info.BlessingReq.Token != echoed:
					_ = ctl.client.SetBlessingToken(nil)
					p = phaseIdle
				case info.BlessingRes.TokenEquals(info.BlessingReq):
					runner = ctl.factory()
					runnerClosing = runner.WaitClosing()
					p = phaseActive
				}

			case phaseActive:
				active := info.BlessingRes.Ready &&
					info.BlessingReq.Token != nil &&
					*info.BlessingReq.Token == echoed &&
					info.BlessingRes.TokenEquals(info.BlessingReq)
				if !active {
					closeRunner()
					_ = ctl.client.SetBlessingToken(nil)
					p = phaseIdle
				}
			}

		case <-runnerClosing:
			// The runner ended on its own — the user's work is done.
			// Close the controller entirely.
			closeRunner()
			return
		}
	}
}
