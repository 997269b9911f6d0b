// Package master implements the Observer Master (spec §4.4): it
// accepts slave connections, merges each slave's local view into the
// global component list, and runs the blessing engine over that
// merged view.
package master

import (
	"bytes"
	"context"
	"log"
	"net"
	"sync"
	"time"

	"github.com/tutu-network/monitor/internal/monitor/blessing"
	"github.com/tutu-network/monitor/internal/monitor/domain"
	"github.com/tutu-network/monitor/internal/monitor/metrics"
	"github.com/tutu-network/monitor/internal/monitor/wire"
)

// Config controls one Observer Master.
type Config struct {
	Addr              string
	DefaultAlgorithm  domain.Algorithm
	GroupAlgorithms   map[string]domain.Algorithm
}

type slaveEntry struct {
	mid  domain.Mid
	conn *wire.Conn
}

// Master is the Observer Master.
type Master struct {
	cfg     Config
	counter blessing.TokenCounter
	now     func() time.Time

	mu       sync.Mutex
	active   bool
	nextMid  domain.Mid
	slaves   map[domain.Mid]*slaveEntry
	byMid    map[domain.Mid][]domain.ComponentInfo // mid_components
	midOrder []domain.Mid
	global   []domain.ComponentInfo

	onGlobal func(global []domain.ComponentInfo)
}

// New creates a Master. It starts inactive — call Activate before it
// will accept slave connections or run the blessing engine.
func New(cfg Config) *Master {
	return &Master{
		cfg:    cfg,
		now:    time.Now,
		slaves: make(map[domain.Mid]*slaveEntry),
		byMid:  make(map[domain.Mid][]domain.ComponentInfo),
	}
}

// OnGlobalComponents registers the callback invoked every time the
// flattened global component list changes. The runner uses this to
// push the merged view into its own Server with mid=0.
func (m *Master) OnGlobalComponents(cb func(global []domain.ComponentInfo)) {
	m.mu.Lock()
	m.onGlobal = cb
	m.mu.Unlock()
}

// Activate makes the master accept slave connections and start
// running the blessing engine. Only one master in a federation may be
// active at a time (spec §4.8 single-active-master invariant) — this
// package does not itself enforce that; the runner does.
func (m *Master) Activate() {
	m.mu.Lock()
	m.active = true
	m.mu.Unlock()
	metrics.MasterActive.Set(1)
	m.recompute()
}

// Deactivate stops accepting slave connections and running elections.
// Existing slave connections are left untouched by this call; Run's
// caller is expected to cancel the context to actually close them.
func (m *Master) Deactivate() {
	m.mu.Lock()
	m.active = false
	m.mu.Unlock()
	metrics.MasterActive.Set(0)
}

// Active reports whether the master currently accepts connections.
func (m *Master) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Listen binds cfg.Addr. Split from Run so callers (and tests) can
// learn the bound address before Serve starts accepting — useful when
// cfg.Addr uses port 0.
func (m *Master) Listen(ctx context.Context) (net.Listener, error) {
	lc := net.ListenConfig{}
	return lc.Listen(ctx, "tcp", m.cfg.Addr)
}

// Serve accepts slave connections on ln until ctx is cancelled.
// Connections are only accepted while the master is active; Serve
// itself may be started before Activate and will simply reject
// connects until then.
func (m *Master) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				log.Printf("[master] accept error: %v", err)
				return err
			}
		}

		if !m.Active() {
			nc.Close()
			continue
		}
		go m.handleConn(ctx, nc)
	}
}

// Run listens on cfg.Addr and serves slave connections until ctx is
// cancelled.
func (m *Master) Run(ctx context.Context) error {
	ln, err := m.Listen(ctx)
	if err != nil {
		return err
	}
	return m.Serve(ctx, ln)
}

func (m *Master) handleConn(ctx context.Context, nc net.Conn) {
	conn := wire.NewConn(nc)
	mid := m.addSlave(conn)
	defer m.removeSlave(mid)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		msg, err := conn.Recv()
		if err != nil {
			return
		}

		slaveMsg, ok := msg.(domain.MsgSlave)
		if !ok {
			log.Printf("[master] mid %d: unexpected message %T, closing", mid, msg)
			conn.Close()
			return
		}
		m.applySlaveMessage(mid, slaveMsg)
	}
}

func (m *Master) addSlave(conn *wire.Conn) domain.Mid {
	m.mu.Lock()
	m.nextMid++
	if m.nextMid == domain.LocalMid {
		m.nextMid++
	}
	mid := m.nextMid
	m.slaves[mid] = &slaveEntry{mid: mid, conn: conn}
	count := len(m.slaves)
	m.mu.Unlock()
	metrics.SlavesConnected.Set(float64(count))
	return mid
}

func (m *Master) removeSlave(mid domain.Mid) {
	m.mu.Lock()
	delete(m.slaves, mid)
	delete(m.byMid, mid)
	m.midOrder = removeMid(m.midOrder, mid)
	count := len(m.slaves)
	m.mu.Unlock()
	metrics.SlavesConnected.Set(float64(count))
	m.recompute()
}

// applySlaveMessage replaces mid's components, re-stamped with mid;
// any pre-existing blessing_req for the same cid is carried over so a
// re-announcement does not lose a grant.
func (m *Master) applySlaveMessage(mid domain.Mid, msg domain.MsgSlave) {
	m.mu.Lock()
	prev := m.byMid[mid]
	prevReq := make(map[domain.Cid]domain.BlessingReq, len(prev))
	for _, c := range prev {
		prevReq[c.Cid] = c.BlessingReq
	}

	next := make([]domain.ComponentInfo, len(msg.Components))
	for i, c := range msg.Components {
		c.Mid = mid
		if req, ok := prevReq[c.Cid]; ok {
			c.BlessingReq = req
		}
		next[i] = c
	}

	if _, ok := m.byMid[mid]; !ok {
		m.midOrder = append(m.midOrder, mid)
	}
	m.byMid[mid] = next
	m.mu.Unlock()

	m.recompute()
}

// SetLocalComponents publishes the master's own server's local
// components at mid 0. This is how the runner feeds the master's
// locally-attached Server into the global view without the two
// packages knowing about each other.
func (m *Master) SetLocalComponents(components []domain.ComponentInfo) {
	next := make([]domain.ComponentInfo, len(components))

	m.mu.Lock()
	prev := m.byMid[domain.LocalMid]
	prevReq := make(map[domain.Cid]domain.BlessingReq, len(prev))
	for _, c := range prev {
		prevReq[c.Cid] = c.BlessingReq
	}
	for i, c := range components {
		c.Mid = domain.LocalMid
		if req, ok := prevReq[c.Cid]; ok {
			c.BlessingReq = req
		}
		next[i] = c
	}
	if _, ok := m.byMid[domain.LocalMid]; !ok {
		m.midOrder = append([]domain.Mid{domain.LocalMid}, m.midOrder...)
	}
	m.byMid[domain.LocalMid] = next
	m.mu.Unlock()

	m.recompute()
}

// SlaveCount reports the number of slaves currently connected.
func (m *Master) SlaveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slaves)
}

// GlobalComponents returns the current merged, blessed global list.
func (m *Master) GlobalComponents() []domain.ComponentInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.ComponentInfo(nil), m.global...)
}

// recompute flattens mid_components, runs the blessing engine, writes
// the resulting diffs back, and — if the flattened list changed —
// stores it and pushes MsgMaster to every connected slave and invokes
// the OnGlobalComponents callback.
func (m *Master) recompute() {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}

	flat := m.flattenLocked()
	diffs := blessing.Calculate(flat, m.cfg.GroupAlgorithms, m.cfg.DefaultAlgorithm, m.now, m.counter.Next)
	m.applyDiffsLocked(diffs)
	m.recordBlessingMetricsLocked(flat, diffs)

	newGlobal := m.flattenLocked()
	changed := !sameComponents(newGlobal, m.global)
	if changed {
		m.global = newGlobal
	}

	slavesCopy := make([]*slaveEntry, 0, len(m.slaves))
	for _, s := range m.slaves {
		slavesCopy = append(slavesCopy, s)
	}
	cb := m.onGlobal
	m.mu.Unlock()

	if !changed {
		return
	}

	for _, s := range slavesCopy {
		msg := domain.MsgMaster{Mid: s.mid, Components: newGlobal}
		if err := s.conn.Send(msg); err != nil {
			log.Printf("[master] mid %d: send failed: %v", s.mid, err)
		}
	}
	if cb != nil {
		cb(newGlobal)
	}
}

// recordBlessingMetricsLocked increments BlessingRounds once per group
// represented in flat, and TokensIssued for every diff that grants a
// fresh token. Must be called with m.mu held.
func (m *Master) recordBlessingMetricsLocked(flat []domain.ComponentInfo, diffs []blessing.Diff) {
	seen := make(map[string]bool)
	for _, c := range flat {
		key := ""
		if c.Group != nil {
			key = *c.Group
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		algo := m.cfg.DefaultAlgorithm
		if a, ok := m.cfg.GroupAlgorithms[key]; ok {
			algo = a
		}
		metrics.BlessingRounds.WithLabelValues(string(algo)).Inc()
	}

	byKey := make(map[[2]int64]domain.BlessingReq, len(flat))
	for _, c := range flat {
		byKey[[2]int64{int64(c.Mid), int64(c.Cid)}] = c.BlessingReq
	}
	for _, d := range diffs {
		if d.Req.Token == nil {
			continue
		}
		prev := byKey[[2]int64{int64(d.Mid), int64(d.Cid)}]
		if prev.Token != nil {
			continue // carried over, not freshly granted
		}
		algo := m.algorithmForCidLocked(flat, d.Cid, d.Mid)
		metrics.TokensIssued.WithLabelValues(string(algo)).Inc()
	}
}

func (m *Master) algorithmForCidLocked(flat []domain.ComponentInfo, cid domain.Cid, mid domain.Mid) domain.Algorithm {
	for _, c := range flat {
		if c.Cid != cid || c.Mid != mid {
			continue
		}
		key := ""
		if c.Group != nil {
			key = *c.Group
		}
		if a, ok := m.cfg.GroupAlgorithms[key]; ok {
			return a
		}
		return m.cfg.DefaultAlgorithm
	}
	return m.cfg.DefaultAlgorithm
}

func (m *Master) flattenLocked() []domain.ComponentInfo {
	var flat []domain.ComponentInfo
	for _, mid := range m.midOrder {
		flat = append(flat, m.byMid[mid]...)
	}
	return flat
}

func (m *Master) applyDiffsLocked(diffs []blessing.Diff) {
	for _, d := range diffs {
		list := m.byMid[d.Mid]
		for i := range list {
			if list[i].Cid == d.Cid {
				list[i].BlessingReq = d.Req
				break
			}
		}
	}
}

func removeMid(order []domain.Mid, mid domain.Mid) []domain.Mid {
	for i, x := range order {
		if x == mid {
			return append(order[:i], order[i+1:]...)
		}
	}
	return order
}

func sameComponents(a, b []domain.ComponentInfo) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Cid != b[i].Cid || a[i].Mid != b[i].Mid {
			return false
		}
		if (a[i].Name == nil) != (b[i].Name == nil) || (a[i].Name != nil && *a[i].Name != *b[i].Name) {
			return false
		}
		if (a[i].Group == nil) != (b[i].Group == nil) || (a[i].Group != nil && *a[i].Group != *b[i].Group) {
			return false
		}
		if !bytes.Equal(a[i].Data, b[i].Data) {
			return false
		}
		if !a[i].BlessingReq.Equal(b[i].BlessingReq) {
			return false
		}
		if a[i].BlessingRes.Ready != b[i].BlessingRes.Ready {
			return false
		}
		if (a[i].BlessingRes.Token == nil) != (b[i].BlessingRes.Token == nil) {
			return false
		}
		if a[i].BlessingRes.Token != nil && *a[i].BlessingRes.Token != *b[i].BlessingRes.Token {
			return false
		}
		if a[i].Rank != b[i].Rank {
			return false
		}
	}
	return true
}
