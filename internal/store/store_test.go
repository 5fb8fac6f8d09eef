package store

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oblq/reflowctl/internal/report"
	"github.com/oblq/reflowctl/internal/telemetry"
)

var base = time.UnixMilli(1714557600000)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history", "reflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sample(runID string, seq int, stage report.Stage, temp uint8, heater bool) telemetry.Sample {
	return telemetry.NewSample(runID, seq, base.Add(time.Duration(seq)*time.Second), report.InputReport{
		Stage:          stage,
		Temperature:    temp,
		Setpoint:       150,
		Heater:         heater,
		ElapsedSeconds: uint8(seq),
		Started:        true,
		Gains:          report.PIDGains{Kp: 40, Ki: 2, Kd: 10, CycleTime: 5},
		Terms:          report.PIDTerms{P: uint8(seq), I: 3, D: 1},
		Output:         42,
	})
}

func TestStoreRuns(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	require.NoError(t, s.SaveRunStart(ctx, "first", base))
	require.NoError(t, s.SaveRunStart(ctx, "second", base.Add(time.Hour)))

	for i := 1; i <= 3; i++ {
		require.NoError(t, s.SaveSample(ctx, sample("first", i, report.StageSoak, uint8(140+i), i%2 == 0)))
	}

	summary := telemetry.RunSummary{
		ID:             "first",
		StartedAt:      base,
		EndedAt:        base.Add(6 * time.Minute),
		Result:         telemetry.ResultCompleted,
		PeakTemp:       231,
		Samples:        360,
		StageDurations: map[string]time.Duration{"SOAK": 90 * time.Second, "REFLOW": 40 * time.Second},
	}
	require.NoError(t, s.FinishRun(ctx, summary))

	got, err := s.Run(ctx, "first")
	require.NoError(t, err)
	if diff := cmp.Diff(summary.StageDurations, got.StageDurations); diff != "" {
		t.Errorf("stage durations mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, telemetry.ResultCompleted, got.Result)
	assert.Equal(t, uint8(231), got.PeakTemp)
	assert.Equal(t, 360, got.Samples)
	assert.True(t, summary.StartedAt.Equal(got.StartedAt))
	assert.Equal(t, 6*time.Minute, got.Duration())

	runs, err := s.Runs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "second", runs[0].ID, "newest first")
	assert.True(t, runs[0].EndedAt.IsZero())
	assert.Empty(t, runs[0].Result)

	runs, err = s.Runs(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	samples, err := s.Samples(ctx, "first")
	require.NoError(t, err)
	require.Len(t, samples, 3)
	assert.Equal(t, 1, samples[0].Seq)
	assert.Equal(t, uint8(143), samples[2].Temperature)
	assert.Equal(t, "SOAK", samples[1].StageName)
	assert.True(t, samples[1].Heater)
	assert.False(t, samples[0].Heater)
	assert.Equal(t, 2*time.Second, samples[1].Elapsed)
	assert.Equal(t, uint8(42), samples[1].Output)
	assert.True(t, base.Add(3*time.Second).Equal(samples[2].Time))

	// the whole reading survives the round trip
	want := sample("first", 2, report.StageSoak, 142, true)
	want.Time = samples[1].Time
	if diff := cmp.Diff(want, samples[1]); diff != "" {
		t.Errorf("sample mismatch (-want +got):\n%s", diff)
	}
}

func TestStoreRunNotFound(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	_, err := s.Run(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)

	err = s.FinishRun(ctx, telemetry.RunSummary{ID: "missing", EndedAt: base})
	assert.ErrorIs(t, err, ErrRunNotFound)

	samples, err := s.Samples(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, samples)
}

func TestOpenInMemory(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.SaveRunStart(context.Background(), "run", base))
	runs, err := s.Runs(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestSampleFilter(t *testing.T) {
	f := &SampleFilter{MinTempChange: 2}

	tests := []struct {
		name   string
		sample telemetry.Sample
		want   bool
	}{
		{name: "first", sample: sample("r", 1, report.StagePreheat, 100, true), want: true},
		{name: "small rise", sample: sample("r", 2, report.StagePreheat, 101, true)},
		{name: "small drop", sample: sample("r", 3, report.StagePreheat, 99, true)},
		{name: "rise", sample: sample("r", 4, report.StagePreheat, 102, true), want: true},
		{name: "heater off", sample: sample("r", 5, report.StagePreheat, 102, false), want: true},
		{name: "stage", sample: sample("r", 6, report.StageSoak, 103, false), want: true},
		{name: "drop", sample: sample("r", 7, report.StageSoak, 101, false), want: true},
		{name: "steady", sample: sample("r", 8, report.StageSoak, 101, false)},
		{name: "new run", sample: sample("r2", 1, report.StageSoak, 101, false), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, f.Keep(tt.sample))
		})
	}
}

func TestSink(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	log := logrus.New()
	log.Out = io.Discard
	sink := NewSink(s, 5, log)

	require.NoError(t, sink.Handle(telemetry.Event{Type: telemetry.EventRunStarted, RunID: "run", Time: base}))

	temps := []uint8{100, 101, 102, 103, 104, 105, 106}
	for i, temp := range temps {
		sm := sample("run", i+1, report.StageSoak, temp, true)
		require.NoError(t, sink.Handle(telemetry.Event{Type: telemetry.EventSample, RunID: "run", Sample: &sm}))
	}

	// events the store does not care about
	require.NoError(t, sink.Handle(telemetry.Event{Type: telemetry.EventStageChange, RunID: "run"}))
	require.NoError(t, sink.Handle(telemetry.Event{Type: telemetry.EventStatus}))

	summary := telemetry.RunSummary{ID: "run", StartedAt: base, EndedAt: base.Add(time.Minute), Result: telemetry.ResultAborted, Error: "context canceled", Samples: len(temps)}
	require.NoError(t, sink.Handle(telemetry.Event{Type: telemetry.EventRunFinished, RunID: "run", Summary: &summary}))

	samples, err := s.Samples(ctx, "run")
	require.NoError(t, err)
	var stored []uint8
	for _, sm := range samples {
		stored = append(stored, sm.Temperature)
	}
	assert.Equal(t, []uint8{100, 105}, stored)

	got, err := s.Run(ctx, "run")
	require.NoError(t, err)
	assert.Equal(t, telemetry.ResultAborted, got.Result)
	assert.Equal(t, "context canceled", got.Error)
}
