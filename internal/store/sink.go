package store

import (
	"context"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/oblq/reflowctl/internal/telemetry"
)

// SampleFilter decides which samples are worth a row.
type SampleFilter struct {
	// MinTempChange is the minimum change (in °C) from the last stored
	// sample needed to store another one while nothing else changed.
	MinTempChange float64

	last *telemetry.Sample
}

// Keep reports whether s must be stored and, if so, remembers it.
func (f *SampleFilter) Keep(s telemetry.Sample) bool {
	keep := f.last == nil ||
		f.last.RunID != s.RunID ||
		f.last.Stage != s.Stage ||
		f.last.Heater != s.Heater ||
		f.last.Fan != s.Fan ||
		math.Abs(float64(s.Temperature)-float64(f.last.Temperature)) >= f.MinTempChange

	if keep {
		f.last = &s
	}
	return keep
}

// Reset forgets the last stored sample.
func (f *SampleFilter) Reset() {
	f.last = nil
}

// Sink persists the run events received from the telemetry hub.
type Sink struct {
	store   *Store
	filter  SampleFilter
	timeout time.Duration
	log     logrus.FieldLogger
}

func NewSink(store *Store, minTempChange float64, log logrus.FieldLogger) *Sink {
	return &Sink{
		store:   store,
		filter:  SampleFilter{MinTempChange: minTempChange},
		timeout: 5 * time.Second,
		log:     log,
	}
}

func (s *Sink) Name() string { return "store" }

func (s *Sink) Handle(e telemetry.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	switch e.Type {
	case telemetry.EventRunStarted:
		s.filter.Reset()
		return s.store.SaveRunStart(ctx, e.RunID, e.Time)

	case telemetry.EventSample:
		if e.Sample == nil || !s.filter.Keep(*e.Sample) {
			return nil
		}
		return s.store.SaveSample(ctx, *e.Sample)

	case telemetry.EventRunFinished:
		if e.Summary == nil {
			return nil
		}
		if err := s.store.FinishRun(ctx, *e.Summary); err != nil {
			return err
		}
		s.log.WithField("run_id", e.RunID).Debug("run saved")
	}
	return nil
}
