package oven

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/oblq/reflowctl/internal/report"
)

// Device is an open HID handle able to exchange raw reports.
// Implementations must abort a transfer when ctx is done.
type Device interface {
	ReadReport(ctx context.Context, buf []byte) (int, error)
	WriteReport(ctx context.Context, buf []byte) (int, error)
	Close() error
}

// Opener looks for the controller and opens it.
type Opener func() (Device, error)

// Session exchanges reports with the reflow controller.
//
// The device is opened on the first transfer. A failed or timed-out transfer
// closes the handle, and the next transfer looks for the device again, so a
// controller that was unplugged and plugged back is picked up transparently.
//
// Only one transfer is in flight at a time; Session is safe for concurrent use.
type Session struct {
	open   Opener
	config Config

	mutex sync.Mutex
	dev   Device
}

// NewSession creates a session that obtains its device from open.
func NewSession(open Opener, opts ...Option) *Session {
	if open == nil {
		panic("opener cannot be nil")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Session{
		open:   open,
		config: cfg,
	}
}

// Connected reports whether a device handle is currently open.
func (s *Session) Connected() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.dev != nil
}

// Close releases the device handle. The session stays usable.
func (s *Session) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.closeDevice()
}

// Send writes a command with its payload.
func (s *Session) Send(ctx context.Context, cmd report.Command, payload ...byte) error {
	out, err := report.NewOutputReport(cmd, payload...)
	if err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.write(ctx, out)
}

// Start asks the controller to begin the uploaded reflow profile.
func (s *Session) Start(ctx context.Context) error {
	return s.Send(ctx, report.CmdStartReflow)
}

// Reset returns the controller to WAITING.
func (s *Session) Reset(ctx context.Context) error {
	return s.Send(ctx, report.CmdReset)
}

// UploadProfile validates and uploads a reflow profile.
func (s *Session) UploadProfile(ctx context.Context, p report.Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return s.Send(ctx, report.CmdUploadProfile, p.Payload()...)
}

// UploadPIDGains uploads the PID gains and cycle time.
func (s *Session) UploadPIDGains(ctx context.Context, g report.PIDGains) error {
	return s.Send(ctx, report.CmdUploadPIDGains, g.Payload()...)
}

// PIDGains requests the gains and reads them back from the next input report.
// The write and the read happen under the same lock so no other transfer can
// consume the answer.
func (s *Session) PIDGains(ctx context.Context) (report.PIDGains, error) {
	out, err := report.NewOutputReport(report.CmdGetPIDGains)
	if err != nil {
		return report.PIDGains{}, err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := s.write(ctx, out); err != nil {
		return report.PIDGains{}, err
	}

	in, err := s.read(ctx)
	if err != nil {
		return report.PIDGains{}, err
	}
	return report.PIDGainsFromInput(in), nil
}

// Status reads one input report.
func (s *Session) Status(ctx context.Context) (report.InputReport, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.read(ctx)
}

// ---------------------------------------------------------------------------------------------------------------------

func (s *Session) write(ctx context.Context, out report.OutputReport) error {
	buf := out.Encode(s.config.OutputReportSize)

	err := s.transfer(ctx, func(dev Device) error {
		wctx, cancel := context.WithTimeout(ctx, s.config.WriteTimeout)
		defer cancel()

		n, err := dev.WriteReport(wctx, buf)
		if err != nil {
			return &TransferError{Op: "write", N: n, Err: s.timeoutOr(ctx, wctx, err)}
		}
		if n != len(buf) {
			return &TransferError{Op: "write", N: n, Err: io.ErrShortWrite}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", out.Command, err)
	}

	s.config.Logger.WithField("cmd", out.Command).Debug("output report written")
	return nil
}

func (s *Session) read(ctx context.Context) (in report.InputReport, err error) {
	buf := make([]byte, s.config.InputReportSize)

	err = s.transfer(ctx, func(dev Device) error {
		rctx, cancel := context.WithTimeout(ctx, s.config.ReadTimeout)
		defer cancel()

		n, err := dev.ReadReport(rctx, buf)
		if err != nil {
			return &TransferError{Op: "read", N: n, Err: s.timeoutOr(ctx, rctx, err)}
		}
		if n == 0 {
			return &TransferError{Op: "read", Err: ErrNoData}
		}

		in, err = report.DecodeInput(buf[:n])
		return err
	})
	if err != nil {
		return report.InputReport{}, err
	}

	s.config.Logger.WithField("stage", in.Stage).Debug("input report read")
	return in, nil
}

// transfer runs fn against an open device, closing the handle on failure and
// retrying on a reopened one up to config.Retries times. Callers hold the mutex.
func (s *Session) transfer(ctx context.Context, fn func(Device) error) (err error) {
	for attempt := 0; attempt <= s.config.Retries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err == nil {
				err = ctxErr
			}
			return err
		}
		if attempt > 0 {
			s.config.Logger.WithField("attempt", attempt).WithError(err).Warn("retrying transfer")
		}

		var dev Device
		if dev, err = s.device(); err != nil {
			continue
		}

		if err = fn(dev); err == nil {
			return nil
		}

		// close communications: the next attempt gets a fresh handle
		_ = s.closeDevice()

		if ctx.Err() != nil {
			return err
		}
	}
	return err
}

func (s *Session) device() (Device, error) {
	if s.dev != nil {
		return s.dev, nil
	}

	dev, err := s.open()
	if err != nil {
		return nil, fmt.Errorf("open controller: %w", err)
	}
	if dev == nil {
		return nil, errors.New("open controller: no device returned")
	}

	s.dev = dev
	s.config.Logger.Info("controller connected")
	return dev, nil
}

func (s *Session) closeDevice() error {
	if s.dev == nil {
		return nil
	}
	err := s.dev.Close()
	s.dev = nil
	s.config.Logger.Debug("controller handle closed")
	return err
}

// timeoutOr maps an error caused by the per-transfer deadline to ErrTimeout.
// Errors caused by the caller's own context are returned as is.
func (s *Session) timeoutOr(parent, transfer context.Context, err error) error {
	if parent.Err() == nil && errors.Is(transfer.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}
