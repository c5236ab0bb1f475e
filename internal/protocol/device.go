package protocol

import (
	"fmt"
	"strconv"
)

// DeviceIDLen is the fixed width of the DEVICE header value.
const DeviceIDLen = 10

// DeviceID identifies an authenticated device.
type DeviceID int64

// ParseDeviceID parses a DEVICE header value. The value must be exactly ten
// ASCII digits.
func ParseDeviceID(s string) (DeviceID, error) {
	if len(s) != DeviceIDLen {
		return 0, fmt.Errorf("device id %q must be %d characters", s, DeviceIDLen)
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, fmt.Errorf("device id %q is not numeric", s)
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("device id %q: %w", s, err)
	}
	return DeviceID(n), nil
}

// String renders the id zero-padded to the wire width.
func (d DeviceID) String() string {
	return fmt.Sprintf("%0*d", DeviceIDLen, int64(d))
}
