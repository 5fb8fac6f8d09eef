package report

import "fmt"

// Command is the code carried in byte 1 of an output report.
type Command byte

const (
	CmdStartReflow    Command = 0x00
	CmdUploadProfile  Command = 0x03
	CmdGetPIDGains    Command = 0x04
	CmdUploadPIDGains Command = 0x05
	CmdReset          Command = 0x07
)

func (c Command) String() string {
	switch c {
	case CmdStartReflow:
		return "START_REFLOW"
	case CmdUploadProfile:
		return "UPLOAD_PROFILE"
	case CmdGetPIDGains:
		return "GET_PID_GAINS"
	case CmdUploadPIDGains:
		return "UPLOAD_PID_GAINS"
	case CmdReset:
		return "RESET"
	default:
		return fmt.Sprintf("CMD(0x%02X)", byte(c))
	}
}

// PayloadTooLongError is returned when a command payload does not fit a report.
type PayloadTooLongError struct {
	Command Command
	Len     int
}

func (e *PayloadTooLongError) Error() string {
	return fmt.Sprintf("%s payload is %d bytes, at most %d fit in an output report",
		e.Command, e.Len, MaxPayload)
}

// OutputReport is a command sent to the controller.
type OutputReport struct {
	ReportID byte
	Command  Command
	Payload  []byte
}

// NewOutputReport builds an output report with report ID 0.
func NewOutputReport(cmd Command, payload ...byte) (OutputReport, error) {
	if len(payload) > MaxPayload {
		return OutputReport{}, &PayloadTooLongError{Command: cmd, Len: len(payload)}
	}
	return OutputReport{Command: cmd, Payload: payload}, nil
}

// Encode lays the report out as [report ID, command, payload..., zero padding].
// size is the device output report length; anything below OutputReportSize is raised to it.
func (r OutputReport) Encode(size int) []byte {
	if size < OutputReportSize {
		size = OutputReportSize
	}
	buf := make([]byte, size)
	buf[0] = r.ReportID
	buf[1] = byte(r.Command)
	copy(buf[2:], r.Payload)
	return buf
}

// DecodeOutput parses an encoded output report. The payload keeps its padding.
func DecodeOutput(buf []byte) (OutputReport, error) {
	if len(buf) < 2 {
		return OutputReport{}, fmt.Errorf("output report too short: %d bytes", len(buf))
	}
	end := len(buf)
	if end > OutputReportSize {
		end = OutputReportSize
	}
	payload := make([]byte, end-2)
	copy(payload, buf[2:end])
	return OutputReport{ReportID: buf[0], Command: Command(buf[1]), Payload: payload}, nil
}
