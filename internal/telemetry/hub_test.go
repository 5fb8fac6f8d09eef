package telemetry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/oblq/reflowctl/internal/report"
)

type recordSink struct {
	name    string
	mutex   sync.Mutex
	events  []Event
	entered chan struct{}
	release chan struct{}
	err     error
}

func (s *recordSink) Name() string { return s.name }

func (s *recordSink) Handle(e Event) error {
	if s.entered != nil {
		select {
		case s.entered <- struct{}{}:
		default:
		}
	}
	if s.release != nil {
		<-s.release
	}
	s.mutex.Lock()
	s.events = append(s.events, e)
	s.mutex.Unlock()
	return s.err
}

func (s *recordSink) types() []EventType {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	var types []EventType
	for _, e := range s.events {
		types = append(types, e.Type)
	}
	return types
}

func sampleEvent(seq int) Event {
	s := NewSample("run", seq, time.Now(), report.InputReport{Stage: report.StageSoak, Temperature: 150})
	return Event{Type: EventSample, RunID: "run", Sample: &s}
}

func TestHubFanOut(t *testing.T) {
	defer goleak.VerifyNone(t)

	hub := NewHub(nil, 8)
	a := &recordSink{name: "a"}
	b := &recordSink{name: "b", err: errors.New("sink down")}
	hub.Attach(a)
	hub.Attach(b)

	hub.Publish(Event{Type: EventRunStarted, RunID: "run"})
	hub.Publish(sampleEvent(1))
	hub.Publish(Event{Type: EventStageChange, RunID: "run", From: report.StageSoak, To: report.StageHeating})
	hub.Publish(Event{Type: EventRunFinished, RunID: "run"})
	hub.Close()

	want := []EventType{EventRunStarted, EventSample, EventStageChange, EventRunFinished}
	assert.Equal(t, want, a.types())
	assert.Equal(t, want, b.types())

	// publishing after close is ignored
	hub.Publish(sampleEvent(2))
	hub.Attach(&recordSink{name: "late"})
	assert.Len(t, a.types(), 4)
}

func TestHubDropsSamplesOnly(t *testing.T) {
	defer goleak.VerifyNone(t)

	hub := NewHub(nil, 1)

	var dropped []string
	hub.OnDrop(func(sink string, et EventType) {
		assert.Equal(t, EventSample, et)
		dropped = append(dropped, sink)
	})

	slow := &recordSink{name: "slow", entered: make(chan struct{}, 1), release: make(chan struct{})}
	hub.Attach(slow)

	hub.Publish(sampleEvent(1))
	select {
	case <-slow.entered:
	case <-time.After(time.Second):
		t.Fatal("sink never received the first event")
	}

	hub.Publish(sampleEvent(2)) // fills the queue
	hub.Publish(sampleEvent(3)) // dropped
	hub.Publish(sampleEvent(4)) // dropped

	done := make(chan struct{})
	go func() {
		hub.Publish(Event{Type: EventStageChange, From: report.StageSoak, To: report.StageHeating})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("stage change must wait for room instead of being dropped")
	case <-time.After(50 * time.Millisecond):
	}

	close(slow.release)
	<-done
	hub.Close()

	assert.Equal(t, []EventType{EventSample, EventSample, EventStageChange}, slow.types())
	assert.Equal(t, uint64(2), hub.Dropped("slow"))
	assert.Equal(t, []string{"slow", "slow"}, dropped)
}

func TestNewSample(t *testing.T) {
	in := report.InputReport{
		Stage:          report.StageReflow,
		Temperature:    228,
		Setpoint:       230,
		Heater:         true,
		ElapsedMinutes: 3,
		ElapsedSeconds: 12,
		Started:        true,
		Output:         80,
	}
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	s := NewSample("abc", 7, at, in)
	require.Equal(t, "REFLOW", s.StageName)
	assert.Equal(t, 3*time.Minute+12*time.Second, s.Elapsed)
	assert.Equal(t, "abc", s.RunID)
	assert.Equal(t, 7, s.Seq)
	assert.Equal(t, at, s.Time)
	assert.True(t, s.Heater)
	assert.False(t, s.Fan)
}

func TestRunSummaryDuration(t *testing.T) {
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	s := RunSummary{StartedAt: start}
	assert.Zero(t, s.Duration())

	s.EndedAt = start.Add(6 * time.Minute)
	assert.Equal(t, 6*time.Minute, s.Duration())
}
