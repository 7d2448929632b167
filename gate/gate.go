// Package gate drives a barrier controller over Modbus.
package gate

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/w1xm/accessctl_sim/barrier"
	"github.com/w1xm/accessctl_sim/internal/modbus"
	"github.com/w1xm/accessctl_sim/registers"
)

type Status struct {
	OpenCmd  bool
	CloseCmd bool
	StopCmd  bool

	Closed bool
	Open   bool
	Moving bool

	// Angle in degrees, resolved to 0.1.
	Angle   float64
	Motion  barrier.Motion
	Elapsed int
	Counter uint32
}

type StatusCallback func(status Status)

type Gate struct {
	statusCallback StatusCallback
	mu             sync.Mutex
	client         *modbus.Client
}

// Open connects once, for one-shot commands.
func Open(client *modbus.Client) (*Gate, error) {
	g := &Gate{client: client}
	if err := client.Open(); err != nil {
		return nil, err
	}
	return g, nil
}

// Connect polls the gate in the background, reconnecting on failure, and
// reports every poll to statusCallback.
func Connect(ctx context.Context, client *modbus.Client, statusCallback StatusCallback) (*Gate, error) {
	g := &Gate{
		client:         client,
		statusCallback: statusCallback,
	}
	client.Poll = g.pollOnce
	return g, client.Connect(ctx)
}

func (g *Gate) Close() error {
	return g.client.Close()
}

func (g *Gate) pollOnce() error {
	status, err := g.Status()
	if err != nil {
		return err
	}
	if g.statusCallback != nil {
		g.statusCallback(status)
	}
	return nil
}

// Status reads every region of the controller.
func (g *Gate) Status() (Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var status Status
	results, err := g.client.ReadCoils(0, registers.NumCoils)
	if err != nil {
		return status, fmt.Errorf("reading coils: %w", err)
	}
	coils := modbus.BytesToBits(results)
	status.OpenCmd = coils[registers.OpenCmd]
	status.CloseCmd = coils[registers.CloseCmd]
	status.StopCmd = coils[registers.StopCmd]

	results, err = g.client.ReadDiscreteInputs(0, 3)
	if err != nil {
		return status, fmt.Errorf("reading inputs: %w", err)
	}
	inputs := modbus.BytesToBits(results)
	status.Closed = inputs[modbus.InputClosed]
	status.Open = inputs[modbus.InputOpen]
	status.Moving = inputs[modbus.InputMoving]

	results, err = g.client.ReadInputRegisters(0, 3)
	if err != nil {
		return status, fmt.Errorf("reading input registers: %w", err)
	}
	status.Angle = float64(binary.BigEndian.Uint16(results[2*modbus.RegAngle:])) / 10
	status.Motion = barrier.Motion(int16(binary.BigEndian.Uint16(results[2*modbus.RegMotion:])))
	status.Elapsed = int(binary.BigEndian.Uint16(results[2*modbus.RegElapsed:]))

	results, err = g.client.ReadHoldingRegisters(0, registers.NumCounterWords)
	if err != nil {
		return status, fmt.Errorf("reading counter: %w", err)
	}
	status.Counter = registers.DecodeCounter([registers.NumCounterWords]uint16{
		binary.BigEndian.Uint16(results[0:]),
		binary.BigEndian.Uint16(results[2:]),
	})
	return status, nil
}

func (g *Gate) pulse(coil int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.client.WriteCoil(coil, true)
}

func (g *Gate) RequestOpen() error {
	return g.pulse(registers.OpenCmd)
}

func (g *Gate) RequestClose() error {
	return g.pulse(registers.CloseCmd)
}

func (g *Gate) RequestStop() error {
	return g.pulse(registers.StopCmd)
}

// SetCounter writes both counter words in one request.
func (g *Gate) SetCounter(v uint32) error {
	if v > registers.MaxCounter {
		return fmt.Errorf("counter %d exceeds %d", v, registers.MaxCounter)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	words := registers.EncodeCounter(v)
	data := make([]byte, 2*len(words))
	for i, w := range words {
		binary.BigEndian.PutUint16(data[2*i:], w)
	}
	_, err := g.client.WriteMultipleRegisters(0, registers.NumCounterWords, data)
	return err
}
