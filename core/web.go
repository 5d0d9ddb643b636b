package core

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/rethos/rethos-go/stats"
)

// wsWriteTimeout bounds a snapshot push so one stuck subscriber cannot
// hold up the dispatcher.
const wsWriteTimeout = time.Second

// StatsServer exposes the statistics counters over HTTP: a JSON view,
// the packed binary snapshot, and a websocket pushing the packed
// snapshot on every stats tick. It only ever sees immutable snapshots
// published by the dispatcher.
type StatsServer struct {
	httpServer *http.Server
	upgrader   websocket.Upgrader

	mu          sync.Mutex
	snapshot    *stats.Stats
	subscribers map[*websocket.Conn]struct{}
}

// NewStatsServer starts the HTTP listener on the given address.
func NewStatsServer(address string) (s *StatsServer) {
	router := mux.NewRouter()

	s = &StatsServer{
		httpServer: &http.Server{
			Addr:    address,
			Handler: router,
		},
		snapshot:    new(stats.Stats),
		subscribers: make(map[*websocket.Conn]struct{}),
	}

	router.HandleFunc("/stats", s.handleJSON).Methods(http.MethodGet)
	router.HandleFunc("/stats/raw", s.handleRaw).Methods(http.MethodGet)
	router.HandleFunc("/stats/ws", s.handleWebsocket)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log().WithError(err).Error("Statistics HTTP server failed")
		}
	}()

	return s
}

func (s *StatsServer) log() *log.Entry {
	return log.WithField("StatsServer", s.httpServer.Addr)
}

// Publish stores the latest snapshot and pushes its packed form to all
// websocket subscribers. Called from the dispatcher on each stats tick;
// snap must not be mutated afterwards.
func (s *StatsServer) Publish(snap *stats.Stats) {
	raw, err := snap.MarshalBinary()
	if err != nil {
		s.log().WithError(err).Warn("Packing statistics snapshot failed")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshot = snap

	for conn := range s.subscribers {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteMessage(websocket.BinaryMessage, raw); err != nil {
			s.log().WithError(err).Debug("Dropping websocket subscriber")
			_ = conn.Close()
			delete(s.subscribers, conn)
		}
	}
}

func (s *StatsServer) handleJSON(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	snap := s.snapshot
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		s.log().WithError(err).Warn("Writing statistics JSON failed")
	}
}

func (s *StatsServer) handleRaw(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	snap := s.snapshot
	s.mu.Unlock()

	raw, err := snap.MarshalBinary()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := w.Write(raw); err != nil {
		s.log().WithError(err).Warn("Writing statistics snapshot failed")
	}
}

func (s *StatsServer) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log().WithError(err).Warn("Upgrading websocket failed")
		return
	}

	s.mu.Lock()
	s.subscribers[conn] = struct{}{}
	s.mu.Unlock()

	s.log().WithField("client", conn.RemoteAddr()).Debug("Websocket subscriber attached")

	// Drain the client's side; its only purpose is to signal closing.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.mu.Lock()
				delete(s.subscribers, conn)
				s.mu.Unlock()
				_ = conn.Close()
				return
			}
		}
	}()
}

// Close shuts the HTTP server and all websocket subscribers down.
func (s *StatsServer) Close() error {
	s.mu.Lock()
	for conn := range s.subscribers {
		_ = conn.Close()
	}
	s.subscribers = make(map[*websocket.Conn]struct{})
	s.mu.Unlock()

	return s.httpServer.Close()
}
