package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/w1xm/accessctl_sim/registers"
)

const validTCP = `
modbus:
  type: tcp
  port: 502
  slave_address: 1
  input_register_value: 300
barrier:
  initial_angle: 0
  angular_speed: 10
`

func TestParse_TCP(t *testing.T) {
	cfg, err := Parse([]byte(validTCP))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := &Config{
		Modbus: ModbusConfig{
			Type:               "tcp",
			Port:               "502",
			SlaveAddress:       1,
			InputRegisterValue: 300,
		},
		Barrier: BarrierConfig{
			InitialAngle: 0,
			AngularSpeed: 10,
			Period:       "100ms",
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "accessctl_sim.log",
		},
	}
	if diff := cmp.Diff(cfg, want); diff != "" {
		t.Errorf("unexpected config: got(-)/want(+):\n%s", diff)
	}
	if got := cfg.Barrier.PeriodDuration(); got != 100*time.Millisecond {
		t.Errorf("PeriodDuration() = %v, want 100ms", got)
	}
}

func TestParse_RTU(t *testing.T) {
	cfg, err := Parse([]byte(`
modbus:
  type: rtu
  port: /dev/ttyUSB0
  slave_address: 17
  input_register_value: 0
barrier:
  initial_angle: 90
  angular_speed: 7.5
  period: 50ms
http:
  addr: 127.0.0.1:8502
logging:
  level: debug
  file: /tmp/sim.log
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Modbus.Port != "/dev/ttyUSB0" || cfg.Modbus.BaudRate != 19200 {
		t.Errorf("unexpected modbus config: %+v", cfg.Modbus)
	}
	if cfg.Barrier.PeriodDuration() != 50*time.Millisecond {
		t.Errorf("unexpected period: %q", cfg.Barrier.Period)
	}
	if cfg.HTTP.Addr != "127.0.0.1:8502" {
		t.Errorf("unexpected http addr: %q", cfg.HTTP.Addr)
	}
}

func TestParse_Errors(t *testing.T) {
	for _, test := range []struct {
		name    string
		replace [2]string
		want    string
	}{
		{"missing type", [2]string{"  type: tcp\n", ""}, "modbus.type is required"},
		{"missing port", [2]string{"  port: 502\n", ""}, "modbus.port is required"},
		{"missing speed", [2]string{"  angular_speed: 10\n", ""}, "barrier.angular_speed is required"},
		{"missing angle", [2]string{"  initial_angle: 0\n", ""}, "barrier.initial_angle is required"},
		{"bad type", [2]string{"type: tcp", "type: ascii"}, "must be tcp or rtu"},
		{"slave zero", [2]string{"slave_address: 1", "slave_address: 0"}, "slave_address"},
		{"counter too big", [2]string{"input_register_value: 300", "input_register_value: 16777216"}, "input_register_value"},
		{"angle too big", [2]string{"initial_angle: 0", "initial_angle: 91"}, "initial_angle"},
		{"negative speed", [2]string{"angular_speed: 10", "angular_speed: -1"}, "angular_speed"},
		{"unknown key", [2]string{"  angular_speed: 10\n", "  angular_speed: 10\n  torque: 3\n"}, "torque"},
		{"bad period", [2]string{"  angular_speed: 10\n", "  angular_speed: 10\n  period: fast\n"}, "barrier.period"},
		{"not yaml", [2]string{"modbus:", "modbus: ["}, "parsing config"},
	} {
		t.Run(test.name, func(t *testing.T) {
			input := strings.Replace(validTCP, test.replace[0], test.replace[1], 1)
			_, err := Parse([]byte(input))
			if err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !strings.Contains(err.Error(), test.want) {
				t.Errorf("error %q does not mention %q", err, test.want)
			}
		})
	}
}

func TestValidate_LogLevel(t *testing.T) {
	cfg, err := Parse([]byte(validTCP))
	if err != nil {
		t.Fatal(err)
	}
	for level, ok := range map[string]bool{"off": true, "none": true, "warn": true, "chatty": false} {
		cfg.Logging.Level = level
		if err := Validate(cfg); (err == nil) != ok {
			t.Errorf("level %q: got %v", level, err)
		}
	}
}

func TestValidate_CounterMatchesRegisters(t *testing.T) {
	cfg, err := Parse([]byte(validTCP))
	if err != nil {
		t.Fatal(err)
	}
	cfg.Modbus.InputRegisterValue = registers.MaxCounter
	if err := Validate(cfg); err != nil {
		t.Errorf("counter %d: %v", registers.MaxCounter, err)
	}
	cfg.Modbus.InputRegisterValue = registers.MaxCounter + 1
	if err := Validate(cfg); err == nil {
		t.Errorf("counter %d: expected error", registers.MaxCounter+1)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sim.yaml")
	if err := os.WriteFile(path, []byte(validTCP), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Modbus.InputRegisterValue != 300 {
		t.Errorf("input_register_value = %d, want 300", cfg.Modbus.InputRegisterValue)
	}
	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestResolvePath(t *testing.T) {
	t.Setenv(PathEnv, "")
	if got := ResolvePath(""); got != DefaultPath {
		t.Errorf("ResolvePath(\"\") = %q, want %q", got, DefaultPath)
	}
	if got := ResolvePath("x.yaml"); got != "x.yaml" {
		t.Errorf("ResolvePath(x.yaml) = %q", got)
	}
	t.Setenv(PathEnv, "/etc/accessctl.yaml")
	if got := ResolvePath("x.yaml"); got != "/etc/accessctl.yaml" {
		t.Errorf("ResolvePath with %s = %q", PathEnv, got)
	}
}
