// internal/config/validate.go
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/w1xm/accessctl_sim/registers"
)

const maxSlaveAddr = 247

// Normalize fills in defaults for optional keys.
// Required keys are left alone so Validate can report them.
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}
	if cfg.Modbus.Type == "rtu" && cfg.Modbus.BaudRate == 0 {
		cfg.Modbus.BaudRate = 19200
	}
	if cfg.Modbus.Type == "tcp" && cfg.Modbus.Port == "" {
		cfg.Modbus.Port = "502"
	}
	if cfg.Barrier.Period == "" {
		cfg.Barrier.Period = "100ms"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = "accessctl_sim.log"
	}
}

// Validate checks configuration correctness.
// It MUST NOT mutate configuration.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config: empty")
	}

	// ------------------------------------------------------------
	// MODBUS
	// ------------------------------------------------------------

	m := cfg.Modbus
	switch m.Type {
	case "tcp", "rtu":
	case "":
		return errors.New("modbus.type is required")
	default:
		return fmt.Errorf("modbus.type %q: must be tcp or rtu", m.Type)
	}
	if m.Type == "rtu" && m.Port == "" {
		return errors.New("modbus.port is required for rtu")
	}
	if m.Type == "rtu" && m.BaudRate <= 0 {
		return fmt.Errorf("modbus.baud_rate %d: must be positive", m.BaudRate)
	}
	if m.SlaveAddress < 1 || m.SlaveAddress > maxSlaveAddr {
		return fmt.Errorf("modbus.slave_address %d: must be in [1, %d]", m.SlaveAddress, maxSlaveAddr)
	}
	if m.InputRegisterValue > registers.MaxCounter {
		return fmt.Errorf("modbus.input_register_value %d: must be in [0, %d]", m.InputRegisterValue, registers.MaxCounter)
	}

	// ------------------------------------------------------------
	// BARRIER
	// ------------------------------------------------------------

	b := cfg.Barrier
	if b.InitialAngle < 0 || b.InitialAngle > 90 {
		return fmt.Errorf("barrier.initial_angle %v: must be in [0, 90]", b.InitialAngle)
	}
	if b.AngularSpeed <= 0 {
		return fmt.Errorf("barrier.angular_speed %v: must be positive", b.AngularSpeed)
	}
	if d, err := time.ParseDuration(b.Period); err != nil {
		return fmt.Errorf("barrier.period: %w", err)
	} else if d <= 0 {
		return fmt.Errorf("barrier.period %v: must be positive", d)
	}

	// ------------------------------------------------------------
	// LOGGING
	// ------------------------------------------------------------

	switch cfg.Logging.Level {
	case "off", "none":
	default:
		if _, err := logrus.ParseLevel(cfg.Logging.Level); err != nil {
			return fmt.Errorf("logging.level: %w", err)
		}
	}

	return nil
}
