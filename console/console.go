// Package console is the operator's terminal for the simulator.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/w1xm/accessctl_sim/barrier"
	"github.com/w1xm/accessctl_sim/registers"
)

const (
	DefaultRefresh = 1 * time.Second

	backspace = 0x08
	del       = 0x7f

	enterScreen = "\x1b[?1049h"
	leaveScreen = "\x1b[?1049l"
	clearScreen = "\x1b[H\x1b[2J"
)

var (
	ErrInvalidEntry = errors.New("invalid entry")
	ErrOutOfRange   = errors.New("value out of range")
)

type StatusSource interface {
	Status() barrier.Status
}

type Console struct {
	// Refresh is how often the screen is redrawn while no key arrives.
	Refresh time.Duration
	Logger  logrus.FieldLogger

	store  *registers.Store
	model  StatusSource
	in     io.Reader
	out    io.Writer
	notice string
}

func New(store *registers.Store, model StatusSource, in io.Reader, out io.Writer) *Console {
	return &Console{
		Refresh: DefaultRefresh,
		Logger:  logrus.StandardLogger(),
		store:   store,
		model:   model,
		in:      in,
		out:     out,
	}
}

// ParseCounter validates an operator entry for the counter.
func ParseCounter(input string) (uint32, error) {
	v, err := strconv.ParseUint(input, 10, 64)
	if err != nil {
		var nerr *strconv.NumError
		if errors.As(err, &nerr) && nerr.Err == strconv.ErrRange {
			return 0, ErrOutOfRange
		}
		return 0, ErrInvalidEntry
	}
	if v > registers.MaxCounter {
		return 0, ErrOutOfRange
	}
	return uint32(v), nil
}

// Run draws the screen and handles keys until 'q', end of input or ctx is
// done. It never touches the barrier state directly; motion keys pulse the
// command coils like a Modbus client would.
func (c *Console) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	keys := make(chan byte)
	errc := make(chan error, 1)
	go c.readKeys(keys, errc, done)

	fmt.Fprint(c.out, enterScreen)
	defer fmt.Fprint(c.out, leaveScreen)

	t := time.NewTicker(c.Refresh)
	defer t.Stop()
	c.render()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		case key, ok := <-keys:
			if !ok {
				return <-errc
			}
			if key == 'q' {
				return nil
			}
			c.handleKey(ctx, key, keys)
		}
		c.render()
	}
}

func (c *Console) readKeys(keys chan<- byte, errc chan<- error, done <-chan struct{}) {
	defer close(keys)
	br := bufio.NewReader(c.in)
	for {
		b, err := br.ReadByte()
		if err != nil {
			if err == io.EOF {
				err = nil
			}
			errc <- err
			return
		}
		select {
		case keys <- b:
		case <-done:
			errc <- nil
			return
		}
	}
}

func (c *Console) handleKey(ctx context.Context, key byte, keys <-chan byte) {
	switch key {
	case 'o':
		c.pulse(registers.OpenCmd, "open")
	case 'c':
		c.pulse(registers.CloseCmd, "close")
	case 's':
		c.pulse(registers.StopCmd, "stop")
	case 'w':
		c.editCounter(ctx, keys)
	}
}

func (c *Console) pulse(coil int, name string) {
	if err := c.store.Pulse(coil); err != nil {
		c.Logger.WithError(err).Errorf("console %s command", name)
		return
	}
	c.Logger.WithField("command", name).Info("console command")
}

func (c *Console) editCounter(ctx context.Context, keys <-chan byte) {
	var buf strings.Builder
	c.notice = ""
	c.render()
	c.drawEntry("")
	for {
		var key byte
		var ok bool
		select {
		case <-ctx.Done():
			return
		case key, ok = <-keys:
		}
		if ok && key >= '0' && key <= '9' {
			buf.WriteByte(key)
		} else if ok && (key == backspace || key == del) {
			s := buf.String()
			if len(s) > 0 {
				buf.Reset()
				buf.WriteString(s[:len(s)-1])
			}
		} else {
			break
		}
		c.drawEntry(buf.String())
	}
	v, err := ParseCounter(buf.String())
	if err != nil {
		if errors.Is(err, ErrOutOfRange) {
			c.notice = fmt.Sprintf("Invalid value! Please enter a number between 0 and %d.", registers.MaxCounter)
		} else {
			c.notice = "Invalid entry! Please enter a valid number."
		}
		c.Logger.WithField("input", buf.String()).Warn("rejected counter entry")
		return
	}
	c.store.SetCounter(v)
	c.Logger.WithField("value", v).Info("counter overridden from console")
}

func (c *Console) drawEntry(input string) {
	fmt.Fprintf(c.out, "\x1b[7;1H\x1b[2KEnter a new value for the input register (0-%d):\x1b[8;1H\x1b[2K%s", registers.MaxCounter, input)
}

func (c *Console) render() {
	s := c.model.Status()
	var b strings.Builder
	b.WriteString(clearScreen)
	fmt.Fprintf(&b, "Barrier angle: %.1f° (direction: %d, t: %.1f)\r\n", s.Angle, int(s.Moving), s.Elapsed)
	fmt.Fprintf(&b, "Raw weighbridge count: %d\r\n", c.store.Counter())
	b.WriteString("\r\n")
	b.WriteString("Press: 'o' open, 'c' close, 's' stop, 'w' write count, 'q' quit\r\n")
	// A notice is drawn on one redraw only.
	if c.notice != "" {
		fmt.Fprintf(&b, "\x1b[9;1H%s", c.notice)
		c.notice = ""
	}
	io.WriteString(c.out, b.String())
}
