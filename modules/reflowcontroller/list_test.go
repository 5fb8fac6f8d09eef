package reflowcontroller

import (
	"testing"

	"github.com/google/gousb"
	"github.com/stretchr/testify/assert"
)

func Test_matches(t *testing.T) {
	config := DefaultConfig()

	tests := []struct {
		name string
		desc *gousb.DeviceDesc
		want bool
	}{
		{name: "controller", desc: &gousb.DeviceDesc{Vendor: 0x04db, Product: 0x1234}, want: true},
		{name: "other product", desc: &gousb.DeviceDesc{Vendor: 0x04db, Product: 0x1235}},
		{name: "other vendor", desc: &gousb.DeviceDesc{Vendor: 0x1b1c, Product: 0x1234}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matches(config, tt.desc))
		})
	}
}

func TestDeviceInfoString(t *testing.T) {
	info := DeviceInfo{Bus: 1, Address: 7, VendorID: 0x04db, ProductID: 0x1234, Speed: "full", Match: true}
	assert.Equal(t, "Bus 001 Device 007: ID 04db:1234 full <- reflow controller", info.String())
}
