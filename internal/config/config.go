// internal/config/config.go
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPath = "accessctl_sim.yaml"
	// PathEnv overrides the config path given on the command line.
	PathEnv = "ACCESSCTL_CONFIG"
)

type Config struct {
	Modbus  ModbusConfig  `yaml:"modbus"`
	Barrier BarrierConfig `yaml:"barrier"`
	HTTP    HTTPConfig    `yaml:"http"`
	Logging LoggingConfig `yaml:"logging"`
}

// ---- MODBUS ----

type ModbusConfig struct {
	Type string `yaml:"type"` // tcp | rtu
	// Port is a TCP port for tcp, a serial device for rtu.
	Port               Port   `yaml:"port"`
	SlaveAddress       int    `yaml:"slave_address"`
	InputRegisterValue uint32 `yaml:"input_register_value"`
	BaudRate           int    `yaml:"baud_rate"`
}

// Port accepts both `port: 502` and `port: /dev/ttyUSB0`.
type Port string

func (p *Port) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: port must be a scalar", value.Line)
	}
	*p = Port(value.Value)
	return nil
}

// ---- BARRIER ----

type BarrierConfig struct {
	InitialAngle float64 `yaml:"initial_angle"`
	AngularSpeed float64 `yaml:"angular_speed"`
	// Period is a Go duration string, e.g. "100ms".
	Period string `yaml:"period"`
}

func (b BarrierConfig) PeriodDuration() time.Duration {
	d, err := time.ParseDuration(b.Period)
	if err != nil {
		return 0
	}
	return d
}

// ---- HTTP ----

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// ---- LOGGING ----

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// ResolvePath loads an optional .env file and applies PathEnv.
func ResolvePath(path string) string {
	_ = godotenv.Load()
	if p := os.Getenv(PathEnv); p != "" {
		return p
	}
	if path == "" {
		return DefaultPath
	}
	return path
}

// Load reads, defaults and validates the config at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// required lists the keys that have no default.
var required = []struct {
	section string
	keys    []string
}{
	{"modbus", []string{"type", "port", "slave_address", "input_register_value"}},
	{"barrier", []string{"initial_angle", "angular_speed"}},
}

func checkRequired(data []byte) error {
	var raw map[string]map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	for _, r := range required {
		section, ok := raw[r.section]
		if !ok {
			return fmt.Errorf("%s: section missing", r.section)
		}
		for _, k := range r.keys {
			if _, ok := section[k]; !ok {
				return fmt.Errorf("%s.%s is required", r.section, k)
			}
		}
	}
	return nil
}

func Parse(data []byte) (*Config, error) {
	if err := checkRequired(data); err != nil {
		return nil, err
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	Normalize(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
