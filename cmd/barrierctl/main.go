// Command barrierctl talks to a barrier controller over Modbus/TCP, serial
// RTU, or the simulator's HTTP tunnel.
//
// Usage:
//
//	barrierctl [flags] open|close|stop|status|watch
//	barrierctl [flags] counter [value]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/w1xm/accessctl_sim/gate"
	"github.com/w1xm/accessctl_sim/internal/logging"
	"github.com/w1xm/accessctl_sim/internal/modbus"
	"github.com/w1xm/accessctl_sim/registers"
)

var (
	address  = flag.String("address", "", "Modbus/TCP host:port")
	port     = flag.String("serial", "", "serial port name")
	baud     = flag.Int("baud", modbus.DefaultBaudRate, "serial baud rate")
	url      = flag.String("url", "", "simulator HTTP tunnel, e.g. http://127.0.0.1:8502/api/send")
	slave    = flag.Int("slave", 1, "slave address")
	interval = flag.Duration("interval", 500*time.Millisecond, "poll interval for watch")
	logLevel = flag.String("log_level", "warn", "log level")
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] open|close|stop|status|watch|counter [value]\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	logger := logging.New(*logLevel, os.Stderr)
	logrus.SetLevel(logger.GetLevel())

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}
	if *address == "" && *port == "" && *url == "" {
		logger.Fatal("one of -address, -serial or -url is required")
	}
	client := &modbus.Client{
		Address:  *address,
		Port:     *port,
		BaudRate: *baud,
		URL:      *url,
		SlaveId:  byte(*slave),
	}
	if err := run(client, flag.Args()); err != nil {
		logger.Fatal(err)
	}
}

func run(client *modbus.Client, args []string) error {
	if args[0] == "watch" {
		return watch(client)
	}
	g, err := gate.Open(client)
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer g.Close()

	switch args[0] {
	case "open":
		return g.RequestOpen()
	case "close":
		return g.RequestClose()
	case "stop":
		return g.RequestStop()
	case "status":
		status, err := g.Status()
		if err != nil {
			return err
		}
		printStatus(status)
		return nil
	case "counter":
		if len(args) < 2 {
			status, err := g.Status()
			if err != nil {
				return err
			}
			fmt.Println(status.Counter)
			return nil
		}
		v, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil || v > registers.MaxCounter {
			return fmt.Errorf("counter must be a number between 0 and %d", registers.MaxCounter)
		}
		return g.SetCounter(uint32(v))
	}
	return fmt.Errorf("unknown command %q", args[0])
}

func printStatus(s gate.Status) {
	state := "between limits"
	switch {
	case s.Closed:
		state = "closed"
	case s.Open:
		state = "open"
	}
	fmt.Printf("angle %.1f° %s, %s, t=%ds, counter %d\n", s.Angle, state, s.Motion, s.Elapsed, s.Counter)
	if s.OpenCmd || s.CloseCmd || s.StopCmd {
		fmt.Printf("pending: open=%v close=%v stop=%v\n", s.OpenCmd, s.CloseCmd, s.StopCmd)
	}
}

func watch(client *modbus.Client) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	client.PollInterval = *interval
	var last gate.Status
	first := true
	if _, err := gate.Connect(ctx, client, func(s gate.Status) {
		if first || s != last {
			printStatus(s)
		}
		first, last = false, s
	}); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}
