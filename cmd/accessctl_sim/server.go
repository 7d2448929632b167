package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/w1xm/accessctl_sim/barrier"
	"github.com/w1xm/accessctl_sim/internal/modbus"
	"github.com/w1xm/accessctl_sim/registers"
)

const (
	Vendor  = "LPO Queneau"
	Product = "Accessctl"
)

type Device struct {
	Vendor  string `json:"vendor"`
	Product string `json:"product"`
}

// Status is the snapshot served by /api/status and /api/ws.
type Status struct {
	Device Device `json:"device"`

	Angle   float64        `json:"angle"`
	Moving  barrier.Motion `json:"moving"`
	Elapsed float64        `json:"elapsed"`
	Closed  bool           `json:"closed"`
	Open    bool           `json:"open"`

	OpenCmd  bool   `json:"open_cmd"`
	CloseCmd bool   `json:"close_cmd"`
	StopCmd  bool   `json:"stop_cmd"`
	Counter  uint32 `json:"counter"`
}

type Command struct {
	Command string `json:"command"`
	Value   int64  `json:"value"`
}

var errBadCommand = errors.New("bad command")

type Server struct {
	store   *registers.Store
	model   modbus.StatusSource
	handler *modbus.Handler
	log     logrus.FieldLogger

	statusMu   sync.RWMutex
	statusCond *sync.Cond
	status     Status
	seq        uint64
}

func NewServer(store *registers.Store, model modbus.StatusSource, handler *modbus.Handler, logger logrus.FieldLogger) *Server {
	s := &Server{
		store:   store,
		model:   model,
		handler: handler,
		log:     logger.WithField("component", "http"),
	}
	s.statusCond = sync.NewCond(s.statusMu.RLocker())
	s.status = s.snapshot(model.Status())
	return s
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/status", s.StatusHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/ws", s.StatusSocketHandler)
	r.HandleFunc("/api/command", s.CommandHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/send", s.handler.SendHandler).Methods(http.MethodPost)
	return r
}

func (s *Server) snapshot(b barrier.Status) Status {
	status := Status{
		Device:  Device{Vendor: Vendor, Product: Product},
		Angle:   b.Angle,
		Moving:  b.Moving,
		Elapsed: b.Elapsed,
		Closed:  b.Closed(),
		Open:    b.Open(),
		Counter: s.store.Counter(),
	}
	if coils, err := s.store.ReadCoils(0, registers.NumCoils); err == nil {
		status.OpenCmd = coils[registers.OpenCmd]
		status.CloseCmd = coils[registers.CloseCmd]
		status.StopCmd = coils[registers.StopCmd]
	}
	return status
}

// statusCallback is installed as the model's StatusCallback.
func (s *Server) statusCallback(b barrier.Status) {
	status := s.snapshot(b)
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.status = status
	s.seq++
	s.statusCond.Broadcast()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func writeJSON(w http.ResponseWriter, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write(data)
	return err
}

func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if err := writeJSON(w, s.snapshot(s.model.Status())); err != nil {
		s.log.WithError(err).Warn("writing status")
	}
}

func (s *Server) apply(cmd Command) error {
	switch cmd.Command {
	case "open":
		return s.store.Pulse(registers.OpenCmd)
	case "close":
		return s.store.Pulse(registers.CloseCmd)
	case "stop":
		return s.store.Pulse(registers.StopCmd)
	case "counter":
		if cmd.Value < 0 || cmd.Value > registers.MaxCounter {
			return fmt.Errorf("%w: counter %d not in 0..%d", errBadCommand, cmd.Value, registers.MaxCounter)
		}
		s.store.SetCounter(uint32(cmd.Value))
		return nil
	}
	return fmt.Errorf("%w: unknown command %q", errBadCommand, cmd.Command)
}

func (s *Server) CommandHandler(w http.ResponseWriter, r *http.Request) {
	var cmd Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.apply(cmd); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, errBadCommand) {
			code = http.StatusBadRequest
		}
		http.Error(w, err.Error(), code)
		return
	}
	s.log.WithField("command", cmd.Command).WithField("remote", r.RemoteAddr).Info("command accepted")
	if err := writeJSON(w, s.snapshot(s.model.Status())); err != nil {
		s.log.WithError(err).Warn("writing status")
	}
}

// StatusSocketHandler pushes a snapshot after every tick. Commands sent
// on the socket are applied like POST /api/command.
func (s *Server) StatusSocketHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("upgrading websocket")
		return
	}
	defer conn.Close()
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer func() {
			cancel()
			s.statusMu.Lock()
			s.statusCond.Broadcast()
			s.statusMu.Unlock()
		}()
		for {
			var msg Command
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if err := s.apply(msg); err != nil {
				s.log.WithError(err).Warn("websocket command")
			}
		}
	}()

	s.statusMu.RLock()
	status, seq := s.status, s.seq
	s.statusMu.RUnlock()
	for {
		if err := conn.WriteJSON(status); err != nil {
			s.log.WithError(err).Debug("writing websocket")
			return
		}
		s.statusMu.RLock()
		for s.seq == seq && ctx.Err() == nil {
			s.statusCond.Wait()
		}
		status, seq = s.status, s.seq
		s.statusMu.RUnlock()
		if ctx.Err() != nil {
			return
		}
	}
}
