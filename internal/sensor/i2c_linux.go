//go:build linux

package sensor

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// i2cSlave is the i2c-dev ioctl selecting the target address
const i2cSlave = 0x0703

// i2cDev talks to one device through /dev/i2c-N
type i2cDev struct {
	f *os.File
}

// OpenI2C opens /dev/i2c-<busNumber> bound to addr
func OpenI2C(busNumber int, addr uint16) (Bus, error) {
	path := fmt.Sprintf("/dev/i2c-%d", busNumber)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	if err := unix.IoctlSetInt(int(f.Fd()), i2cSlave, int(addr)); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to select I2C address 0x%02x on %s: %w", addr, path, err)
	}

	return &i2cDev{f: f}, nil
}

func (d *i2cDev) ReadRegister(reg byte) (uint16, error) {
	if _, err := d.f.Write([]byte{reg}); err != nil {
		return 0, fmt.Errorf("i2c register 0x%02x select: %w", reg, err)
	}
	buf := make([]byte, 2)
	if _, err := d.f.Read(buf); err != nil {
		return 0, fmt.Errorf("i2c register 0x%02x read: %w", reg, err)
	}
	return uint16(buf[0])<<8 | uint16(buf[1]), nil
}

func (d *i2cDev) WriteRegister(reg byte, value uint16) error {
	if _, err := d.f.Write([]byte{reg, byte(value >> 8), byte(value)}); err != nil {
		return fmt.Errorf("i2c register 0x%02x write: %w", reg, err)
	}
	return nil
}

func (d *i2cDev) Close() error {
	return d.f.Close()
}
