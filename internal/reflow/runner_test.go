package reflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/oblq/reflowctl/internal/oven"
	"github.com/oblq/reflowctl/internal/report"
	"github.com/oblq/reflowctl/internal/telemetry"
	"github.com/oblq/reflowctl/modules/simulator"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type step struct {
	in  report.InputReport
	err error
}

// fakeOven replays scripted status reads, then repeats the last one.
// A nil script blocks Status until ctx is done.
type fakeOven struct {
	mutex    sync.Mutex
	script   []step
	reads    int
	starts   int
	resets   int
	startErr error
}

func (f *fakeOven) Start(context.Context) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.starts++
	return f.startErr
}

func (f *fakeOven) Reset(ctx context.Context) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.resets++
	return ctx.Err()
}

func (f *fakeOven) Status(ctx context.Context) (report.InputReport, error) {
	f.mutex.Lock()
	if f.script == nil {
		f.mutex.Unlock()
		<-ctx.Done()
		return report.InputReport{}, ctx.Err()
	}
	i := f.reads
	if i >= len(f.script) {
		i = len(f.script) - 1
	}
	f.reads++
	s := f.script[i]
	f.mutex.Unlock()
	return s.in, s.err
}

type recorder struct {
	mutex  sync.Mutex
	events []telemetry.Event
}

func (r *recorder) Publish(e telemetry.Event) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) ofType(t telemetry.EventType) []telemetry.Event {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	var out []telemetry.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func stageStep(stage report.Stage, temp uint8) step {
	return step{in: report.InputReport{Stage: stage, Temperature: temp, Started: stage != report.StageWaiting}}
}

func fastConfig() Config {
	return Config{
		PollInterval:           time.Millisecond,
		StartTimeout:           20 * time.Millisecond,
		MaxConsecutiveFailures: 3,
		ResetOnAbort:           true,
	}
}

func TestRunCompletes(t *testing.T) {
	o := &fakeOven{script: []step{
		stageStep(report.StageWaiting, 25),
		stageStep(report.StagePreheat, 60),
		stageStep(report.StagePreheat, 100),
		stageStep(report.StageSoak, 150),
		{err: oven.ErrTimeout},
		stageStep(report.StageHeating, 200),
		stageStep(report.StageReflow, 232),
		stageStep(report.StageCooling, 120),
		stageStep(report.StageWaiting, 60),
	}}
	rec := &recorder{}

	summary, err := NewRunner(o, rec, fastConfig(), nil).Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, o.starts)
	assert.Equal(t, 9, o.reads)
	assert.Equal(t, 0, o.resets)

	assert.Equal(t, telemetry.ResultCompleted, summary.Result)
	assert.Equal(t, uint8(232), summary.PeakTemp)
	assert.Equal(t, 8, summary.Samples)
	assert.NotEmpty(t, summary.ID)
	assert.False(t, summary.EndedAt.Before(summary.StartedAt))
	assert.Contains(t, summary.StageDurations, "SOAK")

	var transitions [][2]report.Stage
	for _, e := range rec.ofType(telemetry.EventStageChange) {
		transitions = append(transitions, [2]report.Stage{e.From, e.To})
	}
	assert.Equal(t, [][2]report.Stage{
		{report.StageWaiting, report.StagePreheat},
		{report.StagePreheat, report.StageSoak},
		{report.StageSoak, report.StageHeating},
		{report.StageHeating, report.StageReflow},
		{report.StageReflow, report.StageCooling},
		{report.StageCooling, report.StageWaiting},
	}, transitions)

	assert.Len(t, rec.ofType(telemetry.EventSample), 8)
	assert.Len(t, rec.ofType(telemetry.EventDeviceError), 1)
	require.Len(t, rec.ofType(telemetry.EventRunStarted), 1)

	finished := rec.ofType(telemetry.EventRunFinished)
	require.Len(t, finished, 1)
	assert.Equal(t, summary.ID, finished[0].RunID)
	assert.Equal(t, telemetry.ResultCompleted, finished[0].Summary.Result)

	for _, e := range rec.events {
		assert.Equal(t, summary.ID, e.RunID)
	}
}

func TestRunAttach(t *testing.T) {
	o := &fakeOven{script: []step{
		stageStep(report.StageReflow, 230),
		stageStep(report.StageWaiting, 60),
	}}

	summary, err := NewRunner(o, &recorder{}, fastConfig(), nil).Run(context.Background(), RunOptions{Attach: true})
	require.NoError(t, err)
	assert.Equal(t, 0, o.starts)
	assert.Equal(t, telemetry.ResultCompleted, summary.Result)
}

func TestRunUnknownStageCountsAsActive(t *testing.T) {
	o := &fakeOven{script: []step{
		stageStep(report.Stage(9), 80),
		stageStep(report.StageWaiting, 60),
	}}
	rec := &recorder{}

	_, err := NewRunner(o, rec, fastConfig(), nil).Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	samples := rec.ofType(telemetry.EventSample)
	require.NotEmpty(t, samples)
	assert.Equal(t, report.Stage(9), samples[0].Sample.Stage)
	assert.Equal(t, "UNKNOWN(9)", samples[0].Sample.StageName)
}

func TestRunNotStarted(t *testing.T) {
	o := &fakeOven{script: []step{stageStep(report.StageWaiting, 25)}}

	summary, err := NewRunner(o, &recorder{}, fastConfig(), nil).Run(context.Background(), RunOptions{})
	require.ErrorIs(t, err, ErrNotStarted)
	assert.Equal(t, telemetry.ResultFailed, summary.Result)
	assert.Equal(t, 0, o.resets)
}

func TestRunDeviceLost(t *testing.T) {
	o := &fakeOven{script: []step{
		stageStep(report.StageSoak, 150),
		{err: oven.ErrTimeout},
	}}
	rec := &recorder{}

	summary, err := NewRunner(o, rec, fastConfig(), nil).Run(context.Background(), RunOptions{})
	require.ErrorIs(t, err, ErrDeviceLost)
	assert.Equal(t, telemetry.ResultFailed, summary.Result)
	assert.Len(t, rec.ofType(telemetry.EventDeviceError), 4)
	assert.Equal(t, 5, o.reads)
}

func TestRunStartFails(t *testing.T) {
	o := &fakeOven{startErr: oven.ErrTimeout}

	summary, err := NewRunner(o, &recorder{}, fastConfig(), nil).Run(context.Background(), RunOptions{})
	require.ErrorIs(t, err, oven.ErrTimeout)
	assert.Equal(t, telemetry.ResultFailed, summary.Result)
	assert.Equal(t, 0, o.reads)
}

func TestRunAbortResets(t *testing.T) {
	tests := []struct {
		name   string
		reset  bool
		resets int
	}{
		{name: "reset", reset: true, resets: 1},
		{name: "leave running", reset: false, resets: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := &fakeOven{}
			config := fastConfig()
			config.ResetOnAbort = tt.reset

			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()

			summary, err := NewRunner(o, &recorder{}, config, nil).Run(ctx, RunOptions{})
			require.True(t, errors.Is(err, context.DeadlineExceeded))
			assert.Equal(t, telemetry.ResultAborted, summary.Result)
			assert.Equal(t, tt.resets, o.resets)
		})
	}
}

func TestRunInProgress(t *testing.T) {
	o := &fakeOven{}
	r := NewRunner(o, &recorder{}, fastConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := r.Run(ctx, RunOptions{})
		done <- err
	}()

	require.Eventually(t, r.Running, time.Second, time.Millisecond)

	_, err := r.Run(context.Background(), RunOptions{})
	assert.ErrorIs(t, err, ErrRunInProgress)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.False(t, r.Running())
}

func TestRunWithSimulator(t *testing.T) {
	sim := simulator.New(simulator.WithRates(20, 20), simulator.WithProfile(report.Profile{
		PreheatTemp: 100,
		SoakTemp:    150,
		SoakTime:    5,
		ReflowTemp:  230,
		ReflowTime:  5,
		CoolingTemp: 60,
		BakeTemp:    100,
	}))
	session := oven.NewSession(func() (oven.Device, error) { return sim.Open() })
	defer session.Close()

	rec := &recorder{}
	summary, err := NewRunner(session, rec, fastConfig(), nil).Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, telemetry.ResultCompleted, summary.Result)
	assert.GreaterOrEqual(t, summary.PeakTemp, uint8(230))
	assert.Equal(t, report.StageWaiting, sim.Stage())

	var entered []report.Stage
	for _, e := range rec.ofType(telemetry.EventStageChange) {
		entered = append(entered, e.To)
	}
	assert.Equal(t, []report.Stage{
		report.StageSoak,
		report.StageHeating,
		report.StageReflow,
		report.StageCooling,
		report.StageWaiting,
	}, entered)
}
