// Package simulator emulates a reflow controller in memory.
//
// Every input report read advances the simulation by one second: the heater
// raises the temperature, the oven loses heat toward ambient when the heater is
// off, and stages follow the uploaded profile the way the controller firmware
// sequences them. It is used by `--simulate` and by tests that need a device
// which behaves like the real one.
package simulator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/oblq/reflowctl/internal/report"
)

// ErrUnplugged is returned while the simulated controller is disconnected.
var ErrUnplugged = errors.New("simulated controller unplugged")

// ErrClosed is returned by a closed handle.
var ErrClosed = errors.New("handle closed")

const ambient = 25.0

type Simulator struct {
	mutex sync.Mutex

	profile report.Profile
	gains   report.PIDGains

	heatRate float64 // °C per simulated second with the heater on
	coolRate float64 // °C per simulated second with the heater off
	latency  time.Duration

	unplugged bool

	temp       float64
	lastErr    float64
	integral   float64
	stage      report.Stage
	stageTicks int
	elapsed    int
	heater     bool
	fan        bool
	started    bool
	output     uint8
	terms      report.PIDTerms
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithRates sets the heating and cooling rates in °C per simulated second.
func WithRates(heat, cool float64) Option {
	return func(s *Simulator) {
		if heat > 0 {
			s.heatRate = heat
		}
		if cool > 0 {
			s.coolRate = cool
		}
	}
}

// WithLatency delays every read, like a device answering on its poll interval.
func WithLatency(latency time.Duration) Option {
	return func(s *Simulator) {
		s.latency = latency
	}
}

// WithProfile preloads a profile, as if uploaded earlier.
func WithProfile(p report.Profile) Option {
	return func(s *Simulator) {
		s.profile = p
	}
}

func New(opts ...Option) *Simulator {
	s := &Simulator{
		profile:  report.DefaultProfile,
		gains:    report.PIDGains{Kp: 40, Ki: 2, Kd: 10, CycleTime: 5},
		heatRate: 2.5,
		coolRate: 3,
		temp:     ambient,
		stage:    report.StageWaiting,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open returns a new handle on the simulated controller.
func (s *Simulator) Open() (*Handle, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.unplugged {
		return nil, ErrUnplugged
	}
	return &Handle{sim: s}, nil
}

// SetPlugged connects or disconnects the simulated controller.
// Handles opened before an unplug keep failing until reopened.
func (s *Simulator) SetPlugged(plugged bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.unplugged = !plugged
}

// Profile returns the currently uploaded profile.
func (s *Simulator) Profile() report.Profile {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.profile
}

// Gains returns the currently uploaded PID gains.
func (s *Simulator) Gains() report.PIDGains {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.gains
}

// Stage returns the current stage without advancing the simulation.
func (s *Simulator) Stage() report.Stage {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.stage
}

// ---------------------------------------------------------------------------------------------------------------------

func (s *Simulator) command(out report.OutputReport) {
	switch out.Command {
	case report.CmdStartReflow:
		if s.stage == report.StageWaiting {
			s.enter(report.StagePreheat)
			s.started = true
			s.elapsed = 0
			s.integral = 0
		}

	case report.CmdUploadProfile:
		if p, err := report.ProfileFromPayload(out.Payload); err == nil {
			s.profile = p
		}

	case report.CmdUploadPIDGains:
		if g, err := report.PIDGainsFromPayload(out.Payload); err == nil {
			s.gains = g
		}

	case report.CmdGetPIDGains:
		// the gains ride on every input report

	case report.CmdReset:
		s.enter(report.StageWaiting)
		s.started = false
		s.heater = false
		s.fan = false
	}
}

func (s *Simulator) enter(stage report.Stage) {
	s.stage = stage
	s.stageTicks = 0
}

func (s *Simulator) setpoint() float64 {
	switch s.stage {
	case report.StagePreheat:
		return float64(s.profile.PreheatTemp)
	case report.StageSoak:
		return float64(s.profile.SoakTemp)
	case report.StageHeating, report.StageReflow:
		return float64(s.profile.ReflowTemp)
	case report.StageCooling:
		return float64(s.profile.CoolingTemp)
	case report.StageBake:
		return float64(s.profile.BakeTemp)
	default:
		return 0
	}
}

// step advances the simulation by one second.
func (s *Simulator) step() {
	setpoint := s.setpoint()

	switch s.stage {
	case report.StageWaiting:
		s.heater = false
		s.fan = false
	case report.StageCooling:
		s.heater = false
		s.fan = true
	default:
		s.heater = s.temp < setpoint
		s.fan = false
	}

	s.pid(setpoint)

	if s.heater {
		s.temp += s.heatRate
	} else if s.temp > ambient {
		loss := s.coolRate
		if !s.fan {
			loss /= 3
		}
		s.temp -= loss
		if s.temp < ambient {
			s.temp = ambient
		}
	}

	if s.started {
		s.elapsed++
	}
	s.stageTicks++

	switch s.stage {
	case report.StagePreheat:
		if s.temp >= float64(s.profile.PreheatTemp) {
			s.enter(report.StageSoak)
		}
	case report.StageSoak:
		if s.stageTicks >= int(s.profile.SoakTime) {
			s.enter(report.StageHeating)
		}
	case report.StageHeating:
		if s.temp >= float64(s.profile.ReflowTemp) {
			s.enter(report.StageReflow)
		}
	case report.StageReflow:
		if s.stageTicks >= int(s.profile.ReflowTime) {
			s.enter(report.StageCooling)
		}
	case report.StageCooling:
		if s.temp <= float64(s.profile.CoolingTemp) {
			s.enter(report.StageWaiting)
			s.started = false
			s.fan = false
		}
	}
}

func (s *Simulator) pid(setpoint float64) {
	if s.stage == report.StageWaiting || s.stage == report.StageCooling {
		s.terms = report.PIDTerms{}
		s.output = 0
		return
	}

	e := setpoint - s.temp
	s.integral += e
	d := e - s.lastErr
	s.lastErr = e

	s.terms = report.PIDTerms{
		P: clamp(e * float64(s.gains.Kp) / 10),
		I: clamp(s.integral * float64(s.gains.Ki) / 100),
		D: clamp(d * float64(s.gains.Kd) / 10),
	}
	s.output = clamp(float64(s.terms.P) + float64(s.terms.I) + float64(s.terms.D))
	if s.output > 100 {
		s.output = 100
	}
}

func (s *Simulator) snapshot() report.InputReport {
	return report.InputReport{
		Stage:          s.stage,
		Temperature:    clamp(s.temp),
		Setpoint:       clamp(s.setpoint()),
		Heater:         s.heater,
		Fan:            s.fan,
		ElapsedMinutes: uint8(s.elapsed / 60 % 256),
		ElapsedSeconds: uint8(s.elapsed % 60),
		Started:        s.started,
		Gains:          s.gains,
		Terms:          s.terms,
		Output:         s.output,
	}
}

func clamp(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return uint8(v + 0.5)
	}
}

// ---------------------------------------------------------------------------------------------------------------------

// Handle is an open simulated device. It implements the report exchange
// surface of the real controller.
type Handle struct {
	sim    *Simulator
	mutex  sync.Mutex
	closed bool
}

func (h *Handle) check() error {
	h.mutex.Lock()
	closed := h.closed
	h.mutex.Unlock()

	if closed {
		return ErrClosed
	}
	if h.sim.unplugged {
		return ErrUnplugged
	}
	return nil
}

// ReadReport advances the simulation one second and returns the input report.
func (h *Handle) ReadReport(ctx context.Context, buf []byte) (int, error) {
	if h.sim.latency > 0 {
		select {
		case <-time.After(h.sim.latency):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	h.sim.mutex.Lock()
	defer h.sim.mutex.Unlock()

	if err := h.check(); err != nil {
		return 0, err
	}

	h.sim.step()
	return copy(buf, h.sim.snapshot().Encode()), nil
}

// WriteReport applies a command.
func (h *Handle) WriteReport(ctx context.Context, buf []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	h.sim.mutex.Lock()
	defer h.sim.mutex.Unlock()

	if err := h.check(); err != nil {
		return 0, err
	}

	out, err := report.DecodeOutput(buf)
	if err != nil {
		return 0, err
	}
	h.sim.command(out)
	return len(buf), nil
}

func (h *Handle) Close() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.closed = true
	return nil
}
