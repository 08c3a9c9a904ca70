// Package gateway exposes a read-only monitoring surface over HTTP : JSON
// snapshots of the engine state and a websocket stream of live events.
package gateway

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/cantroller/cantroller/pkg/bus"
	"github.com/cantroller/cantroller/pkg/can"
	"github.com/cantroller/cantroller/pkg/respond"
	"github.com/cantroller/cantroller/pkg/sim"
	"github.com/cantroller/cantroller/pkg/transmit"
	"github.com/cantroller/cantroller/pkg/trip"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const clientQueueSize = 256

type Server struct {
	manager   *bus.Manager
	scheduler *transmit.Scheduler
	responder *respond.Engine
	simulator *sim.Engine

	serveMux *http.ServeMux
	upgrader websocket.Upgrader

	clientsMu sync.Mutex
	clients   map[*wsClient]struct{}
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func NewServer(manager *bus.Manager, scheduler *transmit.Scheduler, responder *respond.Engine, simulator *sim.Engine) *Server {
	s := &Server{
		manager:   manager,
		scheduler: scheduler,
		responder: responder,
		simulator: simulator,
		serveMux:  http.NewServeMux(),
		clients:   make(map[*wsClient]struct{}),
	}
	s.serveMux.HandleFunc("/api/status", s.handleStatus)
	s.serveMux.HandleFunc("/api/transmit", s.handleTransmit)
	s.serveMux.HandleFunc("/api/rules", s.handleRules)
	s.serveMux.HandleFunc("/api/simulation", s.handleSimulation)
	s.serveMux.HandleFunc("/ws", s.handleWebsocket)

	// Live events fan out to every websocket client in event order
	manager.OnConnectionChanged(func(state bus.State) {
		s.broadcast(event{Type: "connection_changed", State: state.String()})
	})
	manager.OnMessageReceived(func(frame can.Frame) {
		s.broadcast(event{Type: "message_received", Frame: &frame})
	})
	manager.OnMessageSent(func(frame can.Frame) {
		s.broadcast(event{Type: "message_sent", Frame: &frame})
	})
	simulator.OnDataUpdated(func(point trip.Point) {
		s.broadcast(event{Type: "data_updated", Point: &point})
	})
	return s
}

// ListenAndServe blocks serving the gateway
func (s *Server) ListenAndServe(addr string) error {
	log.Infof("[GATEWAY] listening on %v", addr)
	return http.ListenAndServe(addr, s.serveMux)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.serveMux.ServeHTTP(w, r)
}

type statusResponse struct {
	State    string       `json:"state"`
	Channel  string       `json:"channel"`
	Bitrate  string       `json:"bitrate"`
	Counters bus.Counters `json:"counters"`
}

type simulationResponse struct {
	State    string      `json:"state"`
	Speed    float64     `json:"speed"`
	Profile  string      `json:"profile,omitempty"`
	Progress int         `json:"progress"`
	Current  *trip.Point `json:"current,omitempty"`
}

type event struct {
	Type  string      `json:"type"`
	State string      `json:"state,omitempty"`
	Frame *can.Frame  `json:"frame,omitempty"`
	Point *trip.Point `json:"point,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, statusResponse{
		State:    s.manager.State().String(),
		Channel:  s.manager.Channel(),
		Bitrate:  s.manager.Bitrate().String(),
		Counters: s.manager.Counters(),
	})
}

func (s *Server) handleTransmit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.scheduler.Snapshot())
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.responder.Snapshot())
}

func (s *Server) handleSimulation(w http.ResponseWriter, r *http.Request) {
	resp := simulationResponse{
		State:    s.simulator.State().String(),
		Speed:    s.simulator.Speed(),
		Progress: s.simulator.Progress(),
	}
	if profile := s.simulator.Profile(); profile != nil {
		resp.Profile = profile.Name()
	}
	if point, ok := s.simulator.Current(); ok {
		resp.Current = &point
	}
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnf("[GATEWAY] encode failed : %v", err)
	}
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("[GATEWAY] websocket upgrade failed : %v", err)
		return
	}
	client := &wsClient{conn: conn, send: make(chan []byte, clientQueueSize)}
	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	s.clientsMu.Unlock()
	go s.writeLoop(client)
}

func (s *Server) writeLoop(client *wsClient) {
	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, client)
		s.clientsMu.Unlock()
		client.conn.Close()
	}()
	for msg := range client.send {
		if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// broadcast queues an event for every client, dropping clients whose queue
// is full so a slow reader never blocks a producer
func (s *Server) broadcast(ev event) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for client := range s.clients {
		select {
		case client.send <- raw:
		default:
			delete(s.clients, client)
			close(client.send)
			log.Warn("[GATEWAY] dropping slow websocket client")
		}
	}
}
