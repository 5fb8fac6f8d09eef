package reflowcontroller

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/gousb"
)

// list all devices:
//  go get -v github.com/google/gousb/lsusb
// lsusb
// Bus 001 Device 007: ID 04db:1234 Reflow Controller

const (
	// DefaultVendorID is the controller vendor ID.
	DefaultVendorID = 0x04DB

	// DefaultProductID is the controller product ID.
	DefaultProductID = 0x1234
)

// ErrNotFound is returned when no device matches the configured VID/PID.
var ErrNotFound = errors.New("reflow controller not found")

type Config struct {
	VendorID  uint16 `yaml:"vendor_id"`
	ProductID uint16 `yaml:"product_id"`

	// InEndpoint and OutEndpoint are the interrupt endpoint numbers
	// of the default interface.
	InEndpoint  int `yaml:"in_endpoint"`
	OutEndpoint int `yaml:"out_endpoint"`

	// ReportIDPrefix makes the device look like the Windows HID API:
	// the firmware uses unnumbered reports, libusb transfers them without
	// the report ID byte, and reports handed to the caller carry a leading 0.
	ReportIDPrefix bool `yaml:"report_id_prefix"`
}

// DefaultConfig returns the factory VID/PID and endpoints.
func DefaultConfig() Config {
	return Config{
		VendorID:       DefaultVendorID,
		ProductID:      DefaultProductID,
		InEndpoint:     1,
		OutEndpoint:    1,
		ReportIDPrefix: true,
	}
}

// Device is an open reflow controller.
type Device struct {
	config Config

	ctx      *gousb.Context
	dev      *gousb.Device
	intf     *gousb.Interface
	intfDone func()

	inEndpoint  *gousb.InEndpoint
	outEndpoint *gousb.OutEndpoint
}

// Open looks for the controller and claims its default interface.
func Open(config Config) (d *Device, err error) {
	d = &Device{config: config}

	// Initialize a new Context.
	d.ctx = gousb.NewContext()

	defer func() {
		if err != nil {
			_ = d.Close()
			d = nil
		}
	}()

	// Open any device with a given VID/PID using a convenience function.
	d.dev, err = d.ctx.OpenDeviceWithVIDPID(gousb.ID(config.VendorID), gousb.ID(config.ProductID))
	if err != nil {
		return d, fmt.Errorf("could not open a device: %v", err)
	}
	if d.dev == nil {
		return d, fmt.Errorf("%w: %04x:%04x", ErrNotFound, config.VendorID, config.ProductID)
	}

	// The HID driver owns the interface, detach it while we hold it.
	if err = d.dev.SetAutoDetach(true); err != nil {
		return d, fmt.Errorf("unable to set autodetach on device: %v", err)
	}

	// Claim the default interface using a convenience function.
	// The default interface is always #0 alt #0 in the currently active
	// config.
	d.intf, d.intfDone, err = d.dev.DefaultInterface()
	if err != nil {
		return d, fmt.Errorf("%s.DefaultInterface(): %v", d.dev, err)
	}

	d.inEndpoint, err = d.intf.InEndpoint(config.InEndpoint)
	if err != nil {
		return d, fmt.Errorf("%s.InEndpoint(%d): %v", d.intf, config.InEndpoint, err)
	}

	d.outEndpoint, err = d.intf.OutEndpoint(config.OutEndpoint)
	if err != nil {
		return d, fmt.Errorf("%s.OutEndpoint(%d): %v", d.intf, config.OutEndpoint, err)
	}

	return d, nil
}

// ReadReport reads one input report with an interrupt transfer.
// Cancelling ctx cancels the transfer.
func (d *Device) ReadReport(ctx context.Context, buf []byte) (int, error) {
	offset := 0
	if d.config.ReportIDPrefix {
		offset = 1
	}
	if len(buf) <= offset {
		return 0, fmt.Errorf("read buffer too small: %d bytes", len(buf))
	}

	// a buffer smaller than the endpoint packet size overflows in libusb
	size := d.inEndpoint.Desc.MaxPacketSize
	if size < len(buf)-offset {
		size = len(buf) - offset
	}
	packet := make([]byte, size)

	// readBytes might be smaller than the buffer size. readBytes might be greater than zero even if err is not nil.
	readBytes, err := d.inEndpoint.ReadContext(ctx, packet)
	if readBytes == 0 {
		return 0, err
	}

	if offset == 1 {
		buf[0] = 0
	}
	return offset + copy(buf[offset:], packet[:readBytes]), err
}

// WriteReport writes one output report with an interrupt transfer.
// buf[0] is the report ID.
func (d *Device) WriteReport(ctx context.Context, buf []byte) (int, error) {
	if !d.config.ReportIDPrefix {
		return d.outEndpoint.WriteContext(ctx, buf)
	}
	if len(buf) == 0 {
		return 0, nil
	}

	numBytes, err := d.outEndpoint.WriteContext(ctx, buf[1:])
	if numBytes == len(buf)-1 {
		// report ID counted as written
		numBytes++
	}
	return numBytes, err
}

// Info returns the manufacturer, product and serial number strings.
func (d *Device) Info() (manufacturer, product, serial string, err error) {
	if manufacturer, err = d.dev.Manufacturer(); err != nil {
		return
	}
	if product, err = d.dev.Product(); err != nil {
		return
	}
	serial, err = d.dev.SerialNumber()
	return
}

func (d *Device) String() string {
	if d.dev == nil {
		return "reflowcontroller(closed)"
	}
	return d.dev.String()
}

// Close releases the interface, the device and the libusb context.
func (d *Device) Close() error {
	if d.intfDone != nil {
		d.intfDone()
		d.intfDone = nil
		d.intf = nil
	}

	var err error
	if d.dev != nil {
		err = d.dev.Close()
		d.dev = nil
	}
	if d.ctx != nil {
		if cErr := d.ctx.Close(); err == nil {
			err = cErr
		}
		d.ctx = nil
	}
	return err
}
