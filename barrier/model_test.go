package barrier

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/w1xm/accessctl_sim/registers"
)

const period = 100 * time.Millisecond

func newModel(angle, speed float64) (*Model, *registers.Store) {
	store := registers.New(0)
	return New(store, Config{InitialAngle: angle, AngularSpeed: speed, Period: period}), store
}

func coils(t *testing.T, s *registers.Store) []bool {
	t.Helper()
	c, err := s.ReadCoils(0, registers.NumCoils)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestOpenRampsToLimit(t *testing.T) {
	for _, speed := range []float64{1, 7, 10, 33.3, 90} {
		m, store := newModel(0, speed)
		store.Pulse(registers.OpenCmd)
		step := speed * period.Seconds()
		prev := m.Status().Angle
		for i := 0; i < 10000; i++ {
			m.Step()
			s := m.Status()
			if s.Moving == Idle {
				if !s.Open() {
					t.Fatalf("speed %v: stopped at %v before reaching the open limit", speed, s.Angle)
				}
				break
			}
			if math.Abs(s.Angle-prev-step) > 1e-9 {
				t.Fatalf("speed %v: step %d moved %v, want %v", speed, i, s.Angle-prev, step)
			}
			prev = s.Angle
		}
		final := m.Status()
		if final.Moving != Idle || !final.Open() {
			t.Fatalf("speed %v: final status %+v, want idle at open limit", speed, final)
		}
		for i := 0; i < 20; i++ {
			m.Step()
		}
		if got := m.Status().Angle; got != final.Angle {
			t.Errorf("speed %v: angle drifted from %v to %v while idle", speed, final.Angle, got)
		}
		if got := m.Status().Angle; got > MaxAngle {
			t.Errorf("speed %v: angle %v beyond the open limit", speed, got)
		}
	}
}

func TestTieBreak(t *testing.T) {
	for _, test := range []struct {
		name   string
		angle  float64
		pulse  []int
		moving Motion
		coils  []bool
	}{
		{
			name:   "open wins over close",
			angle:  45,
			pulse:  []int{registers.OpenCmd, registers.CloseCmd},
			moving: Opening,
			coils:  []bool{false, false, false, false},
		},
		{
			name:   "stop wins over open",
			angle:  45,
			pulse:  []int{registers.OpenCmd, registers.StopCmd},
			moving: Idle,
			coils:  []bool{false, false, false, false},
		},
		{
			name:   "stop wins over everything",
			angle:  45,
			pulse:  []int{registers.OpenCmd, registers.CloseCmd, registers.StopCmd},
			moving: Idle,
			coils:  []bool{false, false, false, false},
		},
		{
			name:   "close alone",
			angle:  45,
			pulse:  []int{registers.CloseCmd},
			moving: Closing,
			coils:  []bool{false, false, false, false},
		},
		{
			name:   "close while closed stays latched",
			angle:  0,
			pulse:  []int{registers.CloseCmd},
			moving: Idle,
			coils:  []bool{false, true, false, false},
		},
		{
			name:   "open while open stays latched",
			angle:  90,
			pulse:  []int{registers.OpenCmd},
			moving: Idle,
			coils:  []bool{true, false, false, false},
		},
		{
			name:   "close at open limit with open latched",
			angle:  90,
			pulse:  []int{registers.OpenCmd, registers.CloseCmd},
			moving: Closing,
			coils:  []bool{true, false, false, false},
		},
		{
			name:   "spare is ignored",
			angle:  45,
			pulse:  []int{registers.Spare},
			moving: Idle,
			coils:  []bool{false, false, false, true},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			m, store := newModel(test.angle, 10)
			for _, c := range test.pulse {
				store.Pulse(c)
			}
			m.Step()
			if got := m.Status().Moving; got != test.moving {
				t.Errorf("Moving = %v, want %v", got, test.moving)
			}
			if diff := cmp.Diff(coils(t, store), test.coils); diff != "" {
				t.Errorf("unexpected coils: got(-)/want(+):\n%s", diff)
			}
		})
	}
}

func TestIdleKeepsAngleAndAdvancesTime(t *testing.T) {
	m, _ := newModel(45, 10)
	for i := 0; i < 100; i++ {
		m.Step()
	}
	want := Status{Angle: 45, Moving: Idle, Elapsed: 100 * period.Seconds()}
	if diff := cmp.Diff(m.Status(), want, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("unexpected status: got(-)/want(+):\n%s", diff)
	}
}

func TestStopHaltsMidTravel(t *testing.T) {
	m, store := newModel(45, 10)
	store.Pulse(registers.CloseCmd)
	m.Step()
	m.Step()
	store.Pulse(registers.StopCmd)
	m.Step()
	angle := m.Status().Angle
	if math.Abs(angle-43) > 1e-9 {
		t.Fatalf("angle after two closing steps = %v, want 43", angle)
	}
	for i := 0; i < 5; i++ {
		m.Step()
	}
	if got := m.Status(); got.Moving != Idle || got.Angle != angle {
		t.Errorf("status after stop = %+v, want idle at %v", got, angle)
	}
}

func TestCloseSnapsAtLowerLimit(t *testing.T) {
	// 0.7 degree steps from 1.0 overshoot zero; the arm stops at the limit.
	m, store := newModel(1.0, 7)
	store.Pulse(registers.CloseCmd)
	m.Step()
	m.Step()
	got := m.Status()
	if got.Moving != Idle || got.Angle != MinAngle {
		t.Errorf("status = %+v, want idle at %v", got, MinAngle)
	}
}

func TestSlowArmLeavesLimit(t *testing.T) {
	for _, test := range []struct {
		speed  float64
		angle  float64
		cmd    int
		moving Motion
	}{
		{speed: 1, angle: MinAngle, cmd: registers.OpenCmd, moving: Opening},
		{speed: 0.5, angle: MinAngle, cmd: registers.OpenCmd, moving: Opening},
		{speed: 1, angle: MaxAngle, cmd: registers.CloseCmd, moving: Closing},
		{speed: 0.5, angle: MaxAngle, cmd: registers.CloseCmd, moving: Closing},
	} {
		m, store := newModel(test.angle, test.speed)
		store.Pulse(test.cmd)
		m.Step()
		want := test.angle + float64(test.moving)*test.speed*period.Seconds()
		got := m.Status()
		if got.Moving != test.moving || math.Abs(got.Angle-want) > 1e-9 {
			t.Errorf("speed %v from %v: got %+v, want %v at %v", test.speed, test.angle, got, test.moving, want)
		}
	}
}

func TestInitialAngleClamped(t *testing.T) {
	m, _ := newModel(120, 10)
	if got := m.Status().Angle; got != MaxAngle {
		t.Errorf("Angle = %v, want %v", got, MaxAngle)
	}
}

func TestStatusCallback(t *testing.T) {
	var got []Status
	m := New(registers.New(0), Config{
		InitialAngle:   10,
		AngularSpeed:   10,
		Period:         period,
		StatusCallback: func(s Status) { got = append(got, s) },
	})
	m.Step()
	m.Step()
	if len(got) != 2 {
		t.Fatalf("callback called %d times, want 2", len(got))
	}
	if math.Abs(got[1].Elapsed-2*period.Seconds()) > 1e-9 {
		t.Errorf("Elapsed = %v, want %v", got[1].Elapsed, 2*period.Seconds())
	}
}

func TestDueSteps(t *testing.T) {
	start := time.Unix(1000, 0)
	for _, test := range []struct {
		name    string
		elapsed time.Duration
		done    int64
		want    int64
	}{
		{"on time", 100 * time.Millisecond, 0, 1},
		{"late delivery", 150 * time.Millisecond, 0, 1},
		{"one missed", 200 * time.Millisecond, 0, 2},
		{"caught up", 300 * time.Millisecond, 3, 0},
		{"long stall", 5 * time.Second, 10, 40},
		{"clock behind", 50 * time.Millisecond, 1, 0},
	} {
		t.Run(test.name, func(t *testing.T) {
			if got := dueSteps(start, start.Add(test.elapsed), period, test.done); got != test.want {
				t.Errorf("dueSteps = %d, want %d", got, test.want)
			}
		})
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	m := New(registers.New(0), Config{InitialAngle: 45, AngularSpeed: 10, Period: 5 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := m.Run(ctx); err != context.DeadlineExceeded {
		t.Errorf("Run = %v, want %v", err, context.DeadlineExceeded)
	}
	if m.Status().Elapsed == 0 {
		t.Error("Run did not step the model")
	}
}

func TestMotionString(t *testing.T) {
	for m, want := range map[Motion]string{Closing: "closing", Idle: "idle", Opening: "opening", 3: "Motion(3)"} {
		if got := m.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(m), got, want)
		}
	}
}
