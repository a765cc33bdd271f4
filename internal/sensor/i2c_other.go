//go:build !linux

package sensor

import (
	"fmt"
	"runtime"
)

// OpenI2C is only available on Linux
func OpenI2C(busNumber int, addr uint16) (Bus, error) {
	return nil, fmt.Errorf("i2c bus %d (0x%02x): not supported on %s", busNumber, addr, runtime.GOOS)
}
