// Package barrier simulates the gate arm driven by the command coils.
package barrier

import (
	"context"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/w1xm/accessctl_sim/registers"
)

type Motion int

const (
	Closing Motion = -1
	Idle    Motion = 0
	Opening Motion = 1
)

func (m Motion) String() string {
	switch m {
	case Closing:
		return "closing"
	case Idle:
		return "idle"
	case Opening:
		return "opening"
	}
	return fmt.Sprintf("Motion(%d)", int(m))
}

const (
	MinAngle = 0.0
	MaxAngle = 90.0
	// Angles within Tolerance of a travel limit count as being at it.
	Tolerance = 0.1

	DefaultPeriod = 100 * time.Millisecond
	// MaxCatchUp bounds the steps run on one wake-up after the ticker fell behind.
	MaxCatchUp = 10
)

type Status struct {
	Angle   float64 `json:"angle"`
	Moving  Motion  `json:"moving"`
	Elapsed float64 `json:"elapsed"`
}

func (s Status) Closed() bool {
	return atLimit(s.Angle, MinAngle)
}

func (s Status) Open() bool {
	return atLimit(s.Angle, MaxAngle)
}

type StatusCallback func(status Status)

type Config struct {
	InitialAngle float64
	// AngularSpeed is in degrees/second.
	AngularSpeed float64
	Period       time.Duration

	// StatusCallback, if set, is called after every step.
	StatusCallback StatusCallback
	Logger         logrus.FieldLogger
}

// Model owns the barrier state. Only Step mutates it, and Step is the only
// place command coils are cleared.
type Model struct {
	store          *registers.Store
	speed          float64
	period         time.Duration
	statusCallback StatusCallback
	log            logrus.FieldLogger
	now            func() time.Time

	mu     sync.RWMutex
	status Status
}

func New(store *registers.Store, cfg Config) *Model {
	period := cfg.Period
	if period <= 0 {
		period = DefaultPeriod
	}
	log := cfg.Logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Model{
		store:          store,
		speed:          cfg.AngularSpeed,
		period:         period,
		statusCallback: cfg.StatusCallback,
		log:            log.WithField("component", "barrier"),
		now:            time.Now,
		status:         Status{Angle: clamp(cfg.InitialAngle)},
	}
}

func (m *Model) Period() time.Duration {
	return m.period
}

func (m *Model) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func atLimit(angle, limit float64) bool {
	return math.Abs(angle-limit) <= Tolerance
}

func clamp(angle float64) float64 {
	return math.Max(MinAngle, math.Min(MaxAngle, angle))
}

// Step advances the model by one period.
func (m *Model) Step() {
	dt := m.period.Seconds()
	var status Status
	m.store.UpdateCoils(func(coils []bool) {
		m.mu.Lock()
		defer m.mu.Unlock()
		s := &m.status
		old := s.Moving

		// Close, then open, then stop: a later command overrides an earlier one.
		if coils[registers.CloseCmd] && !atLimit(s.Angle, MinAngle) {
			s.Moving = Closing
			coils[registers.CloseCmd] = false
		}
		if coils[registers.OpenCmd] && !atLimit(s.Angle, MaxAngle) {
			s.Moving = Opening
			coils[registers.OpenCmd] = false
		}
		if coils[registers.StopCmd] {
			s.Moving = Idle
			coils[registers.StopCmd] = false
		}

		if s.Moving != Idle {
			s.Angle = clamp(s.Angle + m.speed*dt*float64(s.Moving))
			// Only the limit being approached stops the arm, so steps of
			// Tolerance or less (1 deg/s at 10 Hz) still leave the opposite limit.
			if (s.Moving == Closing && atLimit(s.Angle, MinAngle)) ||
				(s.Moving == Opening && atLimit(s.Angle, MaxAngle)) {
				s.Moving = Idle
			}
		}
		s.Elapsed += dt

		if s.Moving != old {
			m.log.WithFields(logrus.Fields{
				"angle": s.Angle,
				"from":  old,
				"to":    s.Moving,
			}).Info("motion changed")
		}
		status = *s
	})
	if m.statusCallback != nil {
		m.statusCallback(status)
	}
}

// dueSteps returns how many steps are owed at now, given done steps since start.
func dueSteps(start, now time.Time, period time.Duration, done int64) int64 {
	n := int64(now.Sub(start)/period) - done
	if n < 0 {
		return 0
	}
	return n
}

// Run steps the model every period until ctx is done. Steps owed after a
// late wake-up are run immediately, up to MaxCatchUp; the rest are dropped.
func (m *Model) Run(ctx context.Context) error {
	start := m.now()
	t := time.NewTicker(m.period)
	defer t.Stop()
	var done int64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		due := dueSteps(start, m.now(), m.period, done)
		if due > MaxCatchUp {
			m.log.WithField("dropped", due-MaxCatchUp).Warn("tick overran; dropping missed periods")
			done += due - MaxCatchUp
			due = MaxCatchUp
		}
		for ; due > 0; due-- {
			m.Step()
			done++
		}
	}
}
