// Package server implements the Observer Server (spec §4.3): it
// accepts component connections, assigns local cids, owns
// local-component state and the rank cache, and fans out the global
// component view received from above.
package server

import (
	"context"
	"log"
	"net"
	"sync"
	"time"

	"github.com/tutu-network/monitor/internal/monitor/domain"
	"github.com/tutu-network/monitor/internal/monitor/metrics"
	"github.com/tutu-network/monitor/internal/monitor/wire"
)

// Config controls one Observer Server.
type Config struct {
	Addr             string
	DefaultRank      int
	GracefulClose    time.Duration // default-close handshake timeout
}

// DefaultConfig returns the spec's default graceful-close timeout (3s).
func DefaultConfig() Config {
	return Config{GracefulClose: 3 * time.Second}
}

type connEntry struct {
	cid  domain.Cid
	conn *wire.Conn
}

// Server is the Observer Server.
type Server struct {
	cfg Config

	mu        sync.Mutex
	nextCid   domain.Cid
	local     []domain.ComponentInfo // ordered, by connect order
	conns     map[domain.Cid]*connEntry
	rankCache map[domain.NameGroup]int
	mid       domain.Mid
	global    []domain.ComponentInfo

	onLocalChange func([]domain.ComponentInfo)
}

// New creates a Server. Call Run to start accepting connections.
func New(cfg Config) *Server {
	return &Server{
		cfg:       cfg,
		conns:     make(map[domain.Cid]*connEntry),
		rankCache: make(map[domain.NameGroup]int),
	}
}

// OnLocalChange registers a callback invoked, with a fresh snapshot,
// every time the server's local component list changes (connect,
// disconnect, or MsgClient). The runner uses this to mirror the
// server's local view up to the master and, if connected, the slave.
func (s *Server) OnLocalChange(cb func([]domain.ComponentInfo)) {
	s.mu.Lock()
	s.onLocalChange = cb
	s.mu.Unlock()
}

// Listen binds cfg.Addr. Split from Run so callers (and tests) can
// learn the bound address before Serve starts accepting — useful when
// cfg.Addr uses port 0.
func (s *Server) Listen(ctx context.Context) (net.Listener, error) {
	lc := net.ListenConfig{}
	return lc.Listen(ctx, "tcp", s.cfg.Addr)
}

// Serve accepts connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
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
				log.Printf("[server] accept error: %v", err)
				return err
			}
		}
		go s.handleConn(ctx, nc)
	}
}

// Run listens on cfg.Addr and serves connections until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.Listen(ctx)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) handleConn(ctx context.Context, nc net.Conn) {
	conn := wire.NewConn(nc)
	cid := s.addClient(conn)
	s.notifyLocalChange()
	defer s.removeClient(cid)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.gracefulClose(conn)
		case <-stop:
		}
	}()

	s.sendSnapshotTo(cid, conn)

	for {
		msg, err := conn.Recv()
		if err != nil {
			return
		}

		switch m := msg.(type) {
		case domain.MsgClient:
			s.applyClientMessage(cid, m)
			s.broadcast()
			s.notifyLocalChange()
		default:
			log.Printf("[server] cid %d: unexpected message %T, closing", cid, msg)
			s.gracefulClose(conn)
			return
		}
	}
}

// addClient allocates a fresh cid and a placeholder ComponentInfo.
func (s *Server) addClient(conn *wire.Conn) domain.Cid {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextCid++
	cid := s.nextCid

	s.local = append(s.local, domain.ComponentInfo{
		Cid:  cid,
		Mid:  s.mid,
		Rank: s.cfg.DefaultRank,
	})
	s.conns[cid] = &connEntry{cid: cid, conn: conn}
	count := len(s.conns)
	metrics.ComponentsConnected.Set(float64(count))
	return cid
}

func (s *Server) removeClient(cid domain.Cid) {
	s.mu.Lock()
	delete(s.conns, cid)
	for i, c := range s.local {
		if c.Cid == cid {
			s.local = append(s.local[:i], s.local[i+1:]...)
			break
		}
	}
	count := len(s.conns)
	s.mu.Unlock()
	metrics.ComponentsConnected.Set(float64(count))
	s.broadcast()
	s.notifyLocalChange()
}

// applyClientMessage updates (name, group, data, blessing_res) for
// cid. On the component's first MsgClient, the rank cache is
// consulted to restore a previously-seen rank.
func (s *Server) applyClientMessage(cid domain.Cid, m domain.MsgClient) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.local {
		if s.local[i].Cid != cid {
			continue
		}

		first := s.local[i].Name == nil
		s.local[i].Name = m.Name
		s.local[i].Group = m.Group
		s.local[i].Data = m.Data
		s.local[i].BlessingRes = m.BlessingRes

		if first && m.Name != nil {
			key, ok := s.local[i].Key()
			if ok {
				if rank, cached := s.rankCache[key]; cached {
					s.local[i].Rank = rank
				}
			}
		}
		return
	}
}

// Update is called by the runner whenever the master's merged global
// view changes. It overlays blessing_req from the matching (mid,cid)
// global entry onto each local component, so server-side state
// follows master decisions.
func (s *Server) Update(mid domain.Mid, global []domain.ComponentInfo) {
	s.mu.Lock()
	s.mid = mid
	s.global = append([]domain.ComponentInfo(nil), global...)

	byKey := make(map[[2]int64]domain.BlessingReq, len(global))
	for _, g := range global {
		byKey[[2]int64{int64(g.Mid), int64(g.Cid)}] = g.BlessingReq
	}
	for i := range s.local {
		s.local[i].Mid = mid
		if req, ok := byKey[[2]int64{int64(mid), int64(s.local[i].Cid)}]; ok {
			s.local[i].BlessingReq = req
		}
	}
	s.mu.Unlock()

	s.broadcast()
}

// SetRank updates a connected component's rank and, if it has a name,
// persists the change into the rank cache. A cid with no active
// connection is a no-op (spec §9 open question).
func (s *Server) SetRank(cid domain.Cid, rank int) {
	found := false
	s.mu.Lock()
	for i := range s.local {
		if s.local[i].Cid != cid {
			continue
		}
		s.local[i].Rank = rank
		if key, ok := s.local[i].Key(); ok {
			s.rankCache[key] = rank
		}
		found = true
		break
	}
	s.mu.Unlock()

	if found {
		s.broadcast()
		s.notifyLocalChange()
	}
}

// LocalComponents returns a snapshot of the server's local components,
// for the runner to mirror upward.
func (s *Server) LocalComponents() []domain.ComponentInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ComponentInfo(nil), s.local...)
}

// snapshot captures what must be sent to every client connection: the
// current mid, local components, and global components.
func (s *Server) snapshot() (domain.Mid, []domain.ComponentInfo, []domain.ComponentInfo, []*connEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]*connEntry, 0, len(s.conns))
	for _, e := range s.conns {
		entries = append(entries, e)
	}
	return s.mid, append([]domain.ComponentInfo(nil), s.local...), append([]domain.ComponentInfo(nil), s.global...), entries
}

func (s *Server) broadcast() {
	mid, _, global, entries := s.snapshot()
	for _, e := range entries {
		msg := domain.MsgServer{Cid: e.cid, Mid: mid, Components: global}
		if err := e.conn.Send(msg); err != nil {
			log.Printf("[server] cid %d: send failed: %v", e.cid, err)
		}
	}
}

// notifyLocalChange invokes the OnLocalChange callback, if any, with
// a fresh local-component snapshot.
func (s *Server) notifyLocalChange() {
	s.mu.Lock()
	cb := s.onLocalChange
	local := append([]domain.ComponentInfo(nil), s.local...)
	s.mu.Unlock()

	if cb != nil {
		cb(local)
	}
}

func (s *Server) sendSnapshotTo(cid domain.Cid, conn *wire.Conn) {
	mid, _, global, _ := s.snapshot()
	if err := conn.Send(domain.MsgServer{Cid: cid, Mid: mid, Components: global}); err != nil {
		log.Printf("[server] cid %d: initial send failed: %v", cid, err)
	}
}

// gracefulClose sends MsgClose and waits up to cfg.GracefulClose for
// the peer to close, then forces the connection closed.
func (s *Server) gracefulClose(conn *wire.Conn) {
	_ = conn.Send(domain.MsgClose{})

	timeout := s.cfg.GracefulClose
	if timeout <= 0 {
		timeout = DefaultConfig().GracefulClose
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, err := conn.Recv(); err != nil {
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(timeout):
	}
	conn.Close()
}
