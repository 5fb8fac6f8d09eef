package telemetry

import (
	"time"

	"github.com/oblq/reflowctl/internal/report"
)

// EventType tells sinks what an Event carries.
type EventType string

const (
	EventSample      EventType = "sample"
	EventStageChange EventType = "stage_change"
	EventRunStarted  EventType = "run_started"
	EventRunFinished EventType = "run_finished"
	EventDeviceError EventType = "device_error"

	// EventStatus is an idle-time reading, outside of any run.
	EventStatus EventType = "status"
)

// droppable events may be skipped for a slow sink, the rest must arrive.
func (t EventType) droppable() bool {
	return t == EventSample || t == EventStatus
}

// Result is how a run ended.
type Result string

const (
	ResultCompleted Result = "completed"
	ResultAborted   Result = "aborted"
	ResultFailed    Result = "failed"
)

// Sample is one decoded input report stamped with its run and time.
type Sample struct {
	RunID       string          `json:"run_id,omitempty"`
	Seq         int             `json:"seq"`
	Time        time.Time       `json:"time"`
	Stage       report.Stage    `json:"stage"`
	StageName   string          `json:"stage_name"`
	Temperature uint8           `json:"temperature"`
	Setpoint    uint8           `json:"setpoint"`
	Heater      bool            `json:"heater"`
	Fan         bool            `json:"fan"`
	Elapsed     time.Duration   `json:"elapsed"`
	Started     bool            `json:"started"`
	Gains       report.PIDGains `json:"gains"`
	Terms       report.PIDTerms `json:"terms"`
	Output      uint8           `json:"output"`
}

// NewSample builds a Sample from an input report.
func NewSample(runID string, seq int, t time.Time, in report.InputReport) Sample {
	return Sample{
		RunID:       runID,
		Seq:         seq,
		Time:        t,
		Stage:       in.Stage,
		StageName:   in.Stage.String(),
		Temperature: in.Temperature,
		Setpoint:    in.Setpoint,
		Heater:      in.Heater,
		Fan:         in.Fan,
		Elapsed:     in.Elapsed(),
		Started:     in.Started,
		Gains:       in.Gains,
		Terms:       in.Terms,
		Output:      in.Output,
	}
}

// RunSummary describes a finished (or running) reflow run.
type RunSummary struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	Result    Result    `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	PeakTemp  uint8     `json:"peak_temp"`
	Samples   int       `json:"samples"`

	// StageDurations is keyed by stage name.
	StageDurations map[string]time.Duration `json:"stage_durations,omitempty"`
}

// Duration is the run wall time.
func (s RunSummary) Duration() time.Duration {
	if s.EndedAt.IsZero() {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}

// Event is the unit published to sinks.
type Event struct {
	Type    EventType    `json:"type"`
	RunID   string       `json:"run_id,omitempty"`
	Time    time.Time    `json:"time"`
	Sample  *Sample      `json:"sample,omitempty"`
	From    report.Stage `json:"from"`
	To      report.Stage `json:"to"`
	Summary *RunSummary  `json:"summary,omitempty"`
	Error   string       `json:"error,omitempty"`
}
