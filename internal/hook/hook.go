// Package hook runs user commands when a run changes stage or finishes.
package hook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/oblq/reflowctl/internal/exec"
	"github.com/oblq/reflowctl/internal/telemetry"
)

type Config struct {
	// OnStageChange runs on every stage transition.
	OnStageChange string `yaml:"on_stage_change"`

	// OnRunFinished runs once at the end of a run, whatever the result.
	OnRunFinished string `yaml:"on_run_finished"`

	Timeout time.Duration `yaml:"timeout"`
}

// Empty reports whether no command is configured.
func (c Config) Empty() bool {
	return c.OnStageChange == "" && c.OnRunFinished == ""
}

// Runner is a telemetry sink running the configured commands.
// A failing command is logged, it never affects the run.
type Runner struct {
	log     logrus.FieldLogger
	command func(ctx context.Context, cmd string, env ...string) (string, error)

	mutex  sync.Mutex
	config Config

	temperature uint8
}

func New(config Config, log logrus.FieldLogger) *Runner {
	r := &Runner{
		log:     log,
		command: exec.CommandPipe,
	}
	r.SetConfig(config)
	return r
}

// SetConfig replaces the commands, the next event uses them.
func (r *Runner) SetConfig(config Config) {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	r.mutex.Lock()
	r.config = config
	r.mutex.Unlock()
}

func (r *Runner) Name() string { return "hooks" }

func (r *Runner) Handle(e telemetry.Event) error {
	r.mutex.Lock()
	config := r.config
	r.mutex.Unlock()

	var cmd string
	env := []string{"REFLOW_RUN_ID=" + e.RunID}

	switch e.Type {
	case telemetry.EventSample:
		if e.Sample != nil {
			r.temperature = e.Sample.Temperature
		}
		return nil

	case telemetry.EventStageChange:
		cmd = config.OnStageChange
		env = append(env,
			"REFLOW_STAGE="+e.To.String(),
			"REFLOW_PREV_STAGE="+e.From.String(),
			fmt.Sprintf("REFLOW_TEMPERATURE=%d", r.temperature),
		)

	case telemetry.EventRunFinished:
		cmd = config.OnRunFinished
		env = append(env, fmt.Sprintf("REFLOW_TEMPERATURE=%d", r.temperature))
		if e.Summary != nil {
			env = append(env,
				"REFLOW_RESULT="+string(e.Summary.Result),
				fmt.Sprintf("REFLOW_PEAK_TEMPERATURE=%d", e.Summary.PeakTemp),
			)
		}

	default:
		return nil
	}

	if cmd == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.Timeout)
	defer cancel()

	log := r.log.WithFields(logrus.Fields{"run_id": e.RunID, "event": e.Type})

	out, err := r.command(ctx, cmd, env...)
	if err != nil {
		log.WithError(err).Warn("hook failed")
		return nil
	}
	log.WithField("output", out).Debug("hook done")
	return nil
}
