// Package sensor reads the INA219 power monitor on Waveshare UPS boards
package sensor

import (
	"errors"
	"fmt"
	"sync"

	"upsagent/internal/telemetry"
)

// ErrUnknownModel is returned for a board model this package has no
// calibration for.
var ErrUnknownModel = errors.New("unrecognized UPS model")

// Source produces raw readings. Implementations need not be safe for
// concurrent use; the sampler is the only caller.
type Source interface {
	Read() (telemetry.RawReading, error)
	Close() error
}

// Model identifies a board variant and its INA219 calibration
type Model string

const (
	Model32V2A Model = "32V_2A" // UPS HAT, 2S pack
	Model16V5A Model = "16V_5A" // UPS HAT (B)
)

// DefaultBus is the I2C bus the Raspberry Pi header exposes
const DefaultBus = 1

// DefaultAddress returns the board's factory I2C address for the model
func DefaultAddress(m Model) (uint16, error) {
	switch m {
	case Model32V2A:
		return 0x42, nil
	case Model16V5A:
		return 0x43, nil
	default:
		return 0, fmt.Errorf("%w %q", ErrUnknownModel, string(m))
	}
}

// Open opens the I2C bus and calibrates the INA219 for model.
// addr 0 selects the model's default address.
func Open(m Model, busNumber int, addr uint16) (*INA219, error) {
	cal, err := calibrationFor(m)
	if err != nil {
		return nil, err
	}
	if addr == 0 {
		addr, _ = DefaultAddress(m)
	}

	bus, err := OpenI2C(busNumber, addr)
	if err != nil {
		return nil, err
	}

	dev, err := NewINA219(bus, cal)
	if err != nil {
		bus.Close()
		return nil, err
	}
	return dev, nil
}

// Fake is a Source returning queued readings, for tests and dry runs.
// Once the queue is drained the last reading repeats.
type Fake struct {
	mu       sync.Mutex
	readings []telemetry.RawReading
	last     telemetry.RawReading
	err      error
	reads    int
	closed   bool
}

// NewFake returns a Fake primed with readings
func NewFake(readings ...telemetry.RawReading) *Fake {
	return &Fake{readings: readings}
}

// Push appends readings to the queue
func (f *Fake) Push(readings ...telemetry.RawReading) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readings = append(f.readings, readings...)
}

// FailWith makes every following Read return err
func (f *Fake) FailWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Read implements Source
func (f *Fake) Read() (telemetry.RawReading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.reads++
	if f.err != nil {
		return telemetry.RawReading{}, f.err
	}
	if len(f.readings) > 0 {
		f.last = f.readings[0]
		f.readings = f.readings[1:]
	}
	return f.last, nil
}

// Reads returns how many times Read was called
func (f *Fake) Reads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

// Close implements Source
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Closed reports whether Close was called
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
