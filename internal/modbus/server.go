package modbus

import (
	"context"
	"fmt"
	"strings"
	"time"

	goserial "github.com/goburrow/serial"
	mbserver "github.com/simonvetter/modbus"
	"github.com/tarm/serial"
	rtuserver "github.com/tbrandon/mbserver"
)

const (
	TypeTCP = "tcp"
	TypeRTU = "rtu"

	DefaultTCPPort  = "502"
	DefaultBaudRate = 19200

	tcpTimeout    = 30 * time.Second
	tcpMaxClients = 16
)

type ServerConfig struct {
	Type string
	// Port is a TCP port or host:port for tcp, a serial device for rtu.
	Port     string
	BaudRate int
}

// Server exposes a Handler over Modbus/TCP or RTU.
type Server struct {
	cfg     ServerConfig
	handler *Handler
}

func NewServer(cfg ServerConfig, handler *Handler) *Server {
	return &Server{cfg: cfg, handler: handler}
}

// ListenAddr returns the TCP address the server binds.
func (s *Server) ListenAddr() string {
	port := s.cfg.Port
	if port == "" {
		port = DefaultTCPPort
	}
	if strings.Contains(port, ":") {
		return port
	}
	return "0.0.0.0:" + port
}

// Serve runs until ctx is done or the transport fails.
func (s *Server) Serve(ctx context.Context) error {
	switch s.cfg.Type {
	case TypeTCP:
		return s.serveTCP(ctx)
	case TypeRTU:
		return s.serveSerial(ctx)
	}
	return fmt.Errorf("unknown modbus type %q", s.cfg.Type)
}

func (s *Server) serveTCP(ctx context.Context) error {
	srv, err := mbserver.NewServer(&mbserver.ServerConfiguration{
		URL:        "tcp://" + s.ListenAddr(),
		Timeout:    tcpTimeout,
		MaxClients: tcpMaxClients,
	}, s.handler)
	if err != nil {
		return fmt.Errorf("creating modbus server: %w", err)
	}
	if err := srv.Start(); err != nil {
		return fmt.Errorf("listening on %s: %w", s.ListenAddr(), err)
	}
	s.handler.log.WithField("addr", s.ListenAddr()).Info("modbus/tcp server listening")
	<-ctx.Done()
	s.handler.log.Info("shutdown; stopping modbus server")
	srv.Stop()
	return ctx.Err()
}

func (s *Server) serveSerial(ctx context.Context) error {
	baud := s.cfg.BaudRate
	if baud == 0 {
		baud = DefaultBaudRate
	}
	// ListenRTU exits the process when the port cannot be opened, so try
	// the device first.
	port, err := serial.OpenPort(&serial.Config{Name: s.cfg.Port, Baud: baud})
	if err != nil {
		return fmt.Errorf("opening %q: %w", s.cfg.Port, err)
	}
	port.Close()

	srv := rtuserver.NewServer()
	s.handler.register(srv, s.cfg.Port)
	if err := srv.ListenRTU(&goserial.Config{
		Address:  s.cfg.Port,
		BaudRate: baud,
		DataBits: 8,
		StopBits: 1,
		Parity:   "N",
	}); err != nil {
		return fmt.Errorf("serving %q: %w", s.cfg.Port, err)
	}
	s.handler.log.WithField("port", s.cfg.Port).WithField("baud", baud).Info("modbus/rtu server listening")
	<-ctx.Done()
	s.handler.log.Info("shutdown; closing serial port")
	// Close waits for the port reader, which only wakes on input.
	go srv.Close()
	return ctx.Err()
}
