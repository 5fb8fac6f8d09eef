package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oblq/reflowctl/internal/report"
	"github.com/oblq/reflowctl/internal/telemetry"
)

func Test_sampleLine(t *testing.T) {
	tests := []struct {
		name string
		in   report.InputReport
		want string
	}{
		{
			name: "reflow",
			in:   report.InputReport{Stage: report.StageReflow, Temperature: 228, Setpoint: 230, Heater: true, ElapsedMinutes: 4, ElapsedSeconds: 5, Output: 80},
			want: "04:05 | REFLOW   | 228°C -> 230°C | heater ON  | fan OFF | out  80",
		},
		{
			name: "cooling",
			in:   report.InputReport{Stage: report.StageCooling, Temperature: 95, Setpoint: 60, Fan: true, ElapsedMinutes: 7},
			want: "07:00 | COOLING  |  95°C ->  60°C | heater OFF | fan ON  | out   0",
		},
		{
			name: "unknown stage",
			in:   report.InputReport{Stage: report.Stage(9), Temperature: 25},
			want: "00:00 | UNKNOWN(9) |  25°C ->   0°C | heater OFF | fan OFF | out   0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := telemetry.NewSample("run", 1, time.Now(), tt.in)
			require.Equal(t, tt.want, sampleLine(s))
		})
	}
}

func Test_statusText(t *testing.T) {
	in := report.InputReport{
		Stage:          report.StageSoak,
		Temperature:    150,
		Setpoint:       150,
		Heater:         true,
		ElapsedMinutes: 1,
		ElapsedSeconds: 30,
		Started:        true,
		Gains:          report.PIDGains{Kp: 40, Ki: 2, Kd: 10, CycleTime: 5},
		Terms:          report.PIDTerms{P: 3, I: 4, D: 5},
		Output:         12,
	}

	want := "Stage:       SOAK\n" +
		"Temperature: 150°C\n" +
		"Setpoint:    150°C\n" +
		"Heater:      ON\n" +
		"Fan:         OFF\n" +
		"Time:        01:30\n" +
		"Started:     true\n" +
		"PID:         Kp 40  Ki 2  Kd 10  cycle 5s\n" +
		"Terms:       P 3  I 4  D 5\n" +
		"Output:      12\n"
	require.Equal(t, want, statusText(in))
}

func Test_console(t *testing.T) {
	var out bytes.Buffer
	c := console{out: &out}

	s := telemetry.NewSample("run", 1, time.Now(), report.InputReport{Stage: report.StagePreheat, Temperature: 30, Setpoint: 150, Heater: true})
	events := []telemetry.Event{
		{Type: telemetry.EventRunStarted},
		{Type: telemetry.EventSample, Sample: &s},
		{Type: telemetry.EventStageChange, From: report.StagePreheat, To: report.StageSoak},
		{Type: telemetry.EventDeviceError, Error: "timeout"},
		{Type: telemetry.EventStatus, Sample: &s},
	}
	for _, e := range events {
		require.NoError(t, c.Handle(e))
	}

	require.Equal(t, sampleLine(s)+"\n---- PREHEAT -> SOAK\n!!!! timeout\n", out.String())
}
