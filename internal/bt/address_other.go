//go:build !darwin

package bt

import (
	"fmt"

	"tinygo.org/x/bluetooth"
)

// ParseAddress turns a persisted MAC address string back into an address the
// adapter can connect to without a scan.
func ParseAddress(s string) (bluetooth.Address, error) {
	mac, err := bluetooth.ParseMAC(s)
	if err != nil {
		return bluetooth.Address{}, fmt.Errorf("invalid device address %q: %w", s, err)
	}
	return bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}, nil
}
