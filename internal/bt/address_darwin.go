//go:build darwin

package bt

import (
	"fmt"

	"tinygo.org/x/bluetooth"
)

// ParseAddress turns a persisted peripheral identifier back into an address
// the adapter can connect to without a scan. CoreBluetooth identifies
// peripherals by UUID rather than MAC.
func ParseAddress(s string) (bluetooth.Address, error) {
	uuid, err := bluetooth.ParseUUID(s)
	if err != nil {
		return bluetooth.Address{}, fmt.Errorf("invalid device address %q: %w", s, err)
	}
	return bluetooth.Address{UUID: uuid}, nil
}
