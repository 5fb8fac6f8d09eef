package report

import (
	"fmt"
	"time"
)

const (
	// InputReportSize is the length of an input report, report ID included.
	InputReportSize = 17

	// MaxPayload is the number of payload bytes following the command code.
	MaxPayload = 7

	// OutputReportSize is report ID + command + payload.
	OutputReportSize = 2 + MaxPayload
)

// input report layout
const (
	offReportID    = 0
	offStage       = 1
	offTemperature = 2
	offSetpoint    = 3
	offHeater      = 4
	offFan         = 5
	offElapsedMin  = 6
	offElapsedSec  = 7
	offStart       = 8
	offKp          = 9
	offKi          = 10
	offKd          = 11
	offCycleTime   = 12
	offPTerm       = 13
	offITerm       = 14
	offDTerm       = 15
	offOutput      = 16
)

// PIDGains are the controller loop gains plus the PWM cycle time.
type PIDGains struct {
	Kp        uint8 `yaml:"kp" json:"kp"`
	Ki        uint8 `yaml:"ki" json:"ki"`
	Kd        uint8 `yaml:"kd" json:"kd"`
	CycleTime uint8 `yaml:"cycle_time" json:"cycle_time"`
}

// Payload returns the UPLOAD_PID_GAINS payload.
func (g PIDGains) Payload() []byte {
	return []byte{g.Kp, g.Ki, g.Kd, g.CycleTime}
}

// PIDTerms are the last computed P, I and D contributions.
type PIDTerms struct {
	P uint8 `json:"p"`
	I uint8 `json:"i"`
	D uint8 `json:"d"`
}

// InputReport is a decoded input report.
type InputReport struct {
	ReportID       byte
	Stage          Stage
	Temperature    uint8
	Setpoint       uint8
	Heater         bool
	Fan            bool
	ElapsedMinutes uint8
	ElapsedSeconds uint8
	Started        bool
	Gains          PIDGains
	Terms          PIDTerms
	Output         uint8
}

// Elapsed returns the elapsed time reported by the controller.
func (r InputReport) Elapsed() time.Duration {
	return time.Duration(r.ElapsedMinutes)*time.Minute + time.Duration(r.ElapsedSeconds)*time.Second
}

// ShortReportError is returned when a buffer can not hold a full input report.
type ShortReportError struct {
	Got  int
	Want int
}

func (e *ShortReportError) Error() string {
	return fmt.Sprintf("short input report: got %d bytes, want %d", e.Got, e.Want)
}

// DecodeInput decodes an input report.
// Bytes past InputReportSize are HID padding and are ignored.
func DecodeInput(buf []byte) (InputReport, error) {
	if len(buf) < InputReportSize {
		return InputReport{}, &ShortReportError{Got: len(buf), Want: InputReportSize}
	}

	return InputReport{
		ReportID:       buf[offReportID],
		Stage:          Stage(buf[offStage]),
		Temperature:    buf[offTemperature],
		Setpoint:       buf[offSetpoint],
		Heater:         buf[offHeater] != 0,
		Fan:            buf[offFan] != 0,
		ElapsedMinutes: buf[offElapsedMin],
		ElapsedSeconds: buf[offElapsedSec],
		Started:        buf[offStart] != 0,
		Gains: PIDGains{
			Kp:        buf[offKp],
			Ki:        buf[offKi],
			Kd:        buf[offKd],
			CycleTime: buf[offCycleTime],
		},
		Terms: PIDTerms{
			P: buf[offPTerm],
			I: buf[offITerm],
			D: buf[offDTerm],
		},
		Output: buf[offOutput],
	}, nil
}

// Encode returns the 17 bytes the controller would send for r.
func (r InputReport) Encode() []byte {
	buf := make([]byte, InputReportSize)
	buf[offReportID] = r.ReportID
	buf[offStage] = byte(r.Stage)
	buf[offTemperature] = r.Temperature
	buf[offSetpoint] = r.Setpoint
	buf[offHeater] = boolByte(r.Heater)
	buf[offFan] = boolByte(r.Fan)
	buf[offElapsedMin] = r.ElapsedMinutes
	buf[offElapsedSec] = r.ElapsedSeconds
	buf[offStart] = boolByte(r.Started)
	buf[offKp] = r.Gains.Kp
	buf[offKi] = r.Gains.Ki
	buf[offKd] = r.Gains.Kd
	buf[offCycleTime] = r.Gains.CycleTime
	buf[offPTerm] = r.Terms.P
	buf[offITerm] = r.Terms.I
	buf[offDTerm] = r.Terms.D
	buf[offOutput] = r.Output
	return buf
}

// PIDGainsFromInput extracts the gains echoed in an input report.
func PIDGainsFromInput(r InputReport) PIDGains {
	return r.Gains
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
