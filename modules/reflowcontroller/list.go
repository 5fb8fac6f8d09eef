package reflowcontroller

import (
	"fmt"

	"github.com/google/gousb"
)

// DeviceInfo describes a USB device seen on the bus.
type DeviceInfo struct {
	Bus       int
	Address   int
	VendorID  uint16
	ProductID uint16
	Speed     string

	// Match is true for devices with the configured VID/PID.
	Match bool
}

func (i DeviceInfo) String() string {
	s := fmt.Sprintf("Bus %03d Device %03d: ID %04x:%04x %s", i.Bus, i.Address, i.VendorID, i.ProductID, i.Speed)
	if i.Match {
		s += " <- reflow controller"
	}
	return s
}

// List enumerates the USB devices without opening them.
func List(config Config) ([]DeviceInfo, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	var infos []DeviceInfo

	// the opener never asks to open, it only records descriptors
	_, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		infos = append(infos, DeviceInfo{
			Bus:       desc.Bus,
			Address:   desc.Address,
			VendorID:  uint16(desc.Vendor),
			ProductID: uint16(desc.Product),
			Speed:     desc.Speed.String(),
			Match:     matches(config, desc),
		})
		return false
	})
	if err != nil {
		return infos, fmt.Errorf("enumerate usb devices: %v", err)
	}

	return infos, nil
}

func matches(config Config, desc *gousb.DeviceDesc) bool {
	return uint16(desc.Vendor) == config.VendorID && uint16(desc.Product) == config.ProductID
}
