// Package modbus serves the simulated barrier controller over Modbus and
// provides the client side used by the tools that talk to it.
package modbus

import (
	"context"
	"time"

	"github.com/goburrow/modbus"
	log "github.com/sirupsen/logrus"
	"github.com/w1xm/accessctl_sim/internal/modbus/modbushttp"
)

type modbusHandler interface {
	modbus.ClientHandler
	Connect() error
	Close() error
}

type Client struct {
	// Address creates a Modbus/TCP connection (host:port)
	Address string
	// Port and BaudRate create a local serial connection
	Port string
	// BaudRate defaults to 19200
	BaudRate int
	SlaveId  byte
	// URL creates a connection through the simulator's HTTP tunnel
	URL string

	// Poll function to be called in a loop while the connection is active
	Poll func() error
	// PollInterval is the pause between polls
	PollInterval time.Duration

	handler modbusHandler
	modbus.Client
}

func (c *Client) name() string {
	switch {
	case c.URL != "":
		return c.URL
	case c.Address != "":
		return c.Address
	}
	return c.Port
}

func (c *Client) newHandler() modbusHandler {
	switch {
	case c.URL != "":
		return modbushttp.NewClient(c.URL, c.SlaveId)
	case c.Address != "":
		handler := modbus.NewTCPClientHandler(c.Address)
		handler.Timeout = 1 * time.Second
		handler.SlaveId = c.SlaveId
		return handler
	}
	baud := c.BaudRate
	if baud == 0 {
		baud = DefaultBaudRate
	}
	handler := modbus.NewRTUClientHandler(c.Port)
	handler.BaudRate = baud
	handler.DataBits = 8
	handler.Parity = "N"
	handler.StopBits = 1
	handler.Timeout = 1 * time.Second
	handler.SlaveId = c.SlaveId
	return handler
}

// Open connects once, for one-shot commands.
func (c *Client) Open() error {
	c.handler = c.newHandler()
	c.Client = modbus.NewClient(c.handler)
	return c.handler.Connect()
}

func (c *Client) Close() error {
	if c.handler == nil {
		return nil
	}
	return c.handler.Close()
}

// Connect calls Poll in a loop, reconnecting whenever it fails.
func (c *Client) Connect(ctx context.Context) error {
	c.handler = c.newHandler()
	c.Client = modbus.NewClient(c.handler)
	go c.reconnectLoop(ctx)
	return nil
}

func (c *Client) reconnectLoop(ctx context.Context) {
	port := c.name()
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(1 * time.Second):
		}

		err := c.handler.Connect()
		if err != nil {
			log.Printf("opening %q: %v", port, err)
			continue
		}
		if err := c.watch(ctx); err != nil {
			log.Printf("watching %q: %v", port, err)
		}
	}
}

func (c *Client) watch(ctx context.Context) error {
	defer c.handler.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := c.Poll(); err != nil {
			return err
		}
		if c.PollInterval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.PollInterval):
			}
		}
	}
}

func (c *Client) WriteCoil(coil int, value bool) error {
	var v uint16
	if value {
		v = 0xFF00
	}
	_, err := c.WriteSingleCoil(uint16(coil), v)
	return err
}

func BytesToBits(bs []byte) []bool {
	var out []bool
	for _, b := range bs {
		for i := 0; i < 8; i++ {
			out = append(out, (b>>uint(i)&1) == 1)
		}
	}
	return out
}
