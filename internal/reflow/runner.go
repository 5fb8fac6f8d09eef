// Package reflow drives one reflow cycle: it starts the controller, polls its
// input report until the profile is done and publishes what it sees.
package reflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/oblq/reflowctl/internal/report"
	"github.com/oblq/reflowctl/internal/telemetry"
)

var (
	// ErrNotStarted means the controller stayed in WAITING after START.
	ErrNotStarted = errors.New("controller did not start the profile")

	// ErrDeviceLost means too many consecutive exchanges failed.
	ErrDeviceLost = errors.New("controller lost")

	ErrRunInProgress = errors.New("a run is already in progress")
)

// Oven is the part of the controller session used by a run.
type Oven interface {
	Start(ctx context.Context) error
	Status(ctx context.Context) (report.InputReport, error)
	Reset(ctx context.Context) error
}

// Publisher receives the run events.
type Publisher interface {
	Publish(e telemetry.Event)
}

type Config struct {
	PollInterval           time.Duration `yaml:"poll_interval"`
	StartTimeout           time.Duration `yaml:"start_timeout"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
	ResetOnAbort           bool          `yaml:"reset_on_abort"`
}

func DefaultConfig() Config {
	return Config{
		PollInterval:           time.Second,
		StartTimeout:           10 * time.Second,
		MaxConsecutiveFailures: 3,
		ResetOnAbort:           true,
	}
}

// RunOptions tweak a single run.
type RunOptions struct {
	// Attach follows a cycle already started, without sending START.
	Attach bool
}

// Runner runs reflow cycles, one at a time.
type Runner struct {
	oven Oven
	pub  Publisher
	log  logrus.FieldLogger
	now  func() time.Time

	mutex   sync.Mutex
	config  Config
	running bool
}

func NewRunner(oven Oven, pub Publisher, config Config, log logrus.FieldLogger) *Runner {
	if log == nil {
		l := logrus.New()
		l.Out = io.Discard
		log = l
	}
	return &Runner{
		oven:   oven,
		pub:    pub,
		log:    log,
		now:    time.Now,
		config: config,
	}
}

// Running reports whether a run is active.
func (r *Runner) Running() bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.running
}

// SetConfig replaces the configuration used by the next run.
func (r *Runner) SetConfig(config Config) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.config = config
}

func (r *Runner) acquire() (Config, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.running {
		return Config{}, false
	}
	r.running = true
	return r.config, true
}

func (r *Runner) release() {
	r.mutex.Lock()
	r.running = false
	r.mutex.Unlock()
}

// Run executes one reflow cycle and blocks until the controller is back in
// WAITING, the run fails or ctx is cancelled. The summary is returned in
// every case once the run has begun.
func (r *Runner) Run(ctx context.Context, opts RunOptions) (*telemetry.RunSummary, error) {
	config, ok := r.acquire()
	if !ok {
		return nil, ErrRunInProgress
	}
	defer r.release()

	config = normalize(config)

	run := &run{
		Runner: r,
		config: config,
		summary: &telemetry.RunSummary{
			ID:             uuid.NewString(),
			StartedAt:      r.now(),
			StageDurations: map[string]time.Duration{},
		},
	}
	run.log = r.log.WithField("run_id", run.summary.ID)

	return run.execute(ctx, opts)
}

func normalize(config Config) Config {
	def := DefaultConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.StartTimeout <= 0 {
		config.StartTimeout = def.StartTimeout
	}
	if config.MaxConsecutiveFailures < 0 {
		config.MaxConsecutiveFailures = 0
	}
	return config
}

// ---------------------------------------------------------------------------------------------------------------------

type run struct {
	*Runner
	config  Config
	summary *telemetry.RunSummary
	log     logrus.FieldLogger

	seq          int
	failures     int
	stage        report.Stage
	stageSince   time.Time
	seen         bool // at least one report read
	leftWaiting  bool
	waitingSince time.Time
}

func (r *run) publish(e telemetry.Event) {
	e.RunID = r.summary.ID
	if e.Time.IsZero() {
		e.Time = r.now()
	}
	r.pub.Publish(e)
}

func (r *run) execute(ctx context.Context, opts RunOptions) (*telemetry.RunSummary, error) {
	r.publish(telemetry.Event{Type: telemetry.EventRunStarted})
	r.log.WithField("attach", opts.Attach).Info("reflow run started")

	err := r.start(ctx, opts)
	if err == nil {
		err = r.poll(ctx)
	}
	return r.finish(ctx, err)
}

func (r *run) start(ctx context.Context, opts RunOptions) error {
	if opts.Attach {
		return nil
	}
	if err := r.oven.Start(ctx); err != nil {
		return fmt.Errorf("start reflow: %w", err)
	}
	return nil
}

func (r *run) poll(ctx context.Context) error {
	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		done, err := r.tick(ctx)
		if done || err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// tick reads one input report. It returns true once the cycle is over.
func (r *run) tick(ctx context.Context) (bool, error) {
	in, err := r.oven.Status(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		r.failures++
		r.publish(telemetry.Event{Type: telemetry.EventDeviceError, Error: err.Error()})
		r.log.WithError(err).WithField("failures", r.failures).Warn("status read failed")

		if r.failures > r.config.MaxConsecutiveFailures {
			return false, fmt.Errorf("%w: %d consecutive failures: %v", ErrDeviceLost, r.failures, err)
		}
		return false, nil
	}
	r.failures = 0

	now := r.now()
	r.seq++
	sample := telemetry.NewSample(r.summary.ID, r.seq, now, in)
	r.summary.Samples++
	if in.Temperature > r.summary.PeakTemp {
		r.summary.PeakTemp = in.Temperature
	}

	r.publish(telemetry.Event{Type: telemetry.EventSample, Time: now, Sample: &sample})
	r.track(in.Stage, now)

	if in.Stage.Active() {
		r.leftWaiting = true
		return false, nil
	}

	if r.leftWaiting {
		r.log.Info("controller back in WAITING, profile done")
		return true, nil
	}

	if r.waitingSince.IsZero() {
		r.waitingSince = now
	} else if now.Sub(r.waitingSince) > r.config.StartTimeout {
		return false, fmt.Errorf("%w within %s", ErrNotStarted, r.config.StartTimeout)
	}
	return false, nil
}

func (r *run) track(stage report.Stage, now time.Time) {
	if !r.seen {
		r.seen = true
		r.stage = stage
		r.stageSince = now
		return
	}
	if stage == r.stage {
		return
	}

	r.summary.StageDurations[r.stage.String()] += now.Sub(r.stageSince)
	r.publish(telemetry.Event{Type: telemetry.EventStageChange, Time: now, From: r.stage, To: stage})
	r.log.WithFields(logrus.Fields{"from": r.stage, "to": stage}).Info("stage changed")

	r.stage = stage
	r.stageSince = now
}

func (r *run) finish(ctx context.Context, err error) (*telemetry.RunSummary, error) {
	now := r.now()
	if r.seen && r.stage.Active() {
		r.summary.StageDurations[r.stage.String()] += now.Sub(r.stageSince)
	}
	r.summary.EndedAt = now

	switch {
	case err == nil:
		r.summary.Result = telemetry.ResultCompleted
	case ctx.Err() != nil:
		r.summary.Result = telemetry.ResultAborted
		r.summary.Error = err.Error()
		r.resetAfterAbort()
	default:
		r.summary.Result = telemetry.ResultFailed
		r.summary.Error = err.Error()
	}

	summary := *r.summary
	r.publish(telemetry.Event{Type: telemetry.EventRunFinished, Time: now, Summary: &summary})

	log := r.log.WithFields(logrus.Fields{
		"result":   r.summary.Result,
		"peak":     r.summary.PeakTemp,
		"samples":  r.summary.Samples,
		"duration": r.summary.Duration().Round(time.Second),
	})
	if err != nil {
		log.WithError(err).Warn("reflow run ended")
	} else {
		log.Info("reflow run completed")
	}

	return r.summary, err
}

// resetAfterAbort puts the controller back in WAITING. The run context is
// already done, so the command gets its own.
func (r *run) resetAfterAbort() {
	if !r.config.ResetOnAbort {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.oven.Reset(ctx); err != nil {
		r.log.WithError(err).Error("reset after abort failed")
		return
	}
	r.log.Info("controller reset after abort")
}
