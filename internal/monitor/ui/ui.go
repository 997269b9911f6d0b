// Package ui is the optional UI collaborator (spec §6 UI surface): it
// pushes a JSON snapshot over SSE on every state change and accepts a
// single "set_rank" request type. Any other request type closes the
// session's SSE stream.
package ui

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/tutu-network/monitor/internal/monitor/domain"
)

// Snapshot is the JSON payload pushed to every UI session.
type Snapshot struct {
	Mid              domain.Mid             `json:"mid"`
	LocalComponents  []domain.ComponentInfo `json:"local_components"`
	GlobalComponents []domain.ComponentInfo `json:"global_components"`
}

// RankSetter is the runner collaborator invoked on a set_rank request.
type RankSetter interface {
	SetRank(cid domain.Cid, rank int)
}

type session struct {
	id     string
	notify chan []byte
	done   chan struct{}
}

// Server is the UI's HTTP surface: one SSE stream per connected
// session, plus a set_rank endpoint.
type Server struct {
	setter RankSetter

	mu       sync.Mutex
	sessions map[string]*session
	last     *Snapshot
}

// New creates a UI server. setter receives set_rank requests.
func New(setter RankSetter) *Server {
	return &Server{
		setter:   setter,
		sessions: make(map[string]*session),
	}
}

// Publish pushes a fresh snapshot to every open session (spec §6:
// "Pushes a JSON snapshot ... on every state change").
func (s *Server) Publish(mid domain.Mid, local, global []domain.ComponentInfo) {
	snap := Snapshot{Mid: mid, LocalComponents: local, GlobalComponents: global}
	data, err := json.Marshal(snap)
	if err != nil {
		log.Printf("[ui] marshal snapshot: %v", err)
		return
	}

	s.mu.Lock()
	s.last = &snap
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		select {
		case sess.notify <- data:
		default:
			log.Printf("[ui] session %s: notify buffer full, dropping snapshot", sess.id)
		}
	}
}

// Handler returns the chi router serving the SSE stream and the
// set_rank endpoint.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/events", s.handleSSE)
	r.Post("/request", s.handleRequest)
	return r
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	sess := &session{
		id:     uuid.New().String(),
		notify: make(chan []byte, 16),
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.sessions[sess.id] = sess
	last := s.last
	s.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Session-Id", sess.id)
	flusher.Flush()

	if last != nil {
		if data, err := json.Marshal(last); err == nil {
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess.id)
		s.mu.Unlock()
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sess.done:
			return
		case msg := <-sess.notify:
			fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		}
	}
}

// request is the single accepted UI request shape. Any Type other
// than "set_rank" closes the session's SSE stream (spec §6: "any
// other type closes the UI connection").
type request struct {
	Type    string      `json:"type"`
	Cid     domain.Cid  `json:"cid"`
	Rank    int         `json:"rank"`
	Session string      `json:"session"`
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if req.Type != "set_rank" {
		s.closeSession(req.Session)
		http.Error(w, "unknown request type, session closed", http.StatusBadRequest)
		return
	}

	s.setter.SetRank(req.Cid, req.Rank)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) closeSession(id string) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	if ok {
		close(sess.done)
	}
}

// Serve returns an *http.Server configured with addr, handler and
// idleTimeout. It does not start listening; the caller runs it.
func Serve(addr string, handler http.Handler, idleTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:        addr,
		Handler:     handler,
		IdleTimeout: idleTimeout,
	}
}
