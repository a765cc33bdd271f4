package sensor

import (
	"fmt"

	"upsagent/internal/telemetry"
)

// INA219 registers
const (
	regConfig       = 0x00
	regShuntVoltage = 0x01
	regBusVoltage   = 0x02
	regPower        = 0x03
	regCurrent      = 0x04
	regCalibration  = 0x05
)

// Config register fields
const (
	busRange16V = 0x00
	busRange32V = 0x01

	gainDiv2_80mV  = 0x01
	gainDiv8_320mV = 0x03

	adc12Bit32Samples = 0x0D

	modeShuntBusContinuous = 0x07
)

// Bus is a register-level connection to a single I2C device.
// Registers are 16 bits wide, most significant byte first.
type Bus interface {
	ReadRegister(reg byte) (uint16, error)
	WriteRegister(reg byte, value uint16) error
	Close() error
}

// Calibration holds the values programmed into the chip and the scale
// factors for its current and power registers
type Calibration struct {
	Value      uint16
	CurrentLSB float64 // mA per bit
	PowerLSB   float64 // W per bit
	BusRange   uint16
	Gain       uint16
}

func (c Calibration) configWord() uint16 {
	return c.BusRange<<13 |
		c.Gain<<11 |
		adc12Bit32Samples<<7 |
		adc12Bit32Samples<<3 |
		modeShuntBusContinuous
}

// Values from the board vendor's reference driver
var calibrations = map[Model]Calibration{
	Model32V2A: {
		Value:      4096,
		CurrentLSB: 0.1,
		PowerLSB:   0.002,
		BusRange:   busRange32V,
		Gain:       gainDiv8_320mV,
	},
	Model16V5A: {
		Value:      26868,
		CurrentLSB: 0.1524,
		PowerLSB:   0.003048,
		BusRange:   busRange16V,
		Gain:       gainDiv2_80mV,
	},
}

func calibrationFor(m Model) (Calibration, error) {
	cal, ok := calibrations[m]
	if !ok {
		return Calibration{}, fmt.Errorf("%w %q", ErrUnknownModel, string(m))
	}
	return cal, nil
}

// INA219 is a calibrated power monitor
type INA219 struct {
	bus Bus
	cal Calibration
}

// NewINA219 programs the calibration and configuration registers
func NewINA219(bus Bus, cal Calibration) (*INA219, error) {
	d := &INA219{bus: bus, cal: cal}
	if err := bus.WriteRegister(regCalibration, cal.Value); err != nil {
		return nil, fmt.Errorf("failed to write INA219 calibration: %w", err)
	}
	if err := bus.WriteRegister(regConfig, cal.configWord()); err != nil {
		return nil, fmt.Errorf("failed to write INA219 config: %w", err)
	}
	return d, nil
}

// Read implements Source.
// The calibration register is rewritten first since the chip resets it
// on a supply glitch, which is exactly when a UPS reading matters.
func (d *INA219) Read() (telemetry.RawReading, error) {
	if err := d.bus.WriteRegister(regCalibration, d.cal.Value); err != nil {
		return telemetry.RawReading{}, fmt.Errorf("failed to write INA219 calibration: %w", err)
	}

	shunt, err := d.bus.ReadRegister(regShuntVoltage)
	if err != nil {
		return telemetry.RawReading{}, fmt.Errorf("failed to read shunt voltage: %w", err)
	}
	bus, err := d.bus.ReadRegister(regBusVoltage)
	if err != nil {
		return telemetry.RawReading{}, fmt.Errorf("failed to read bus voltage: %w", err)
	}
	current, err := d.bus.ReadRegister(regCurrent)
	if err != nil {
		return telemetry.RawReading{}, fmt.Errorf("failed to read current: %w", err)
	}
	power, err := d.bus.ReadRegister(regPower)
	if err != nil {
		return telemetry.RawReading{}, fmt.Errorf("failed to read power: %w", err)
	}

	return telemetry.RawReading{
		BusVoltage:   float64(bus>>3) * 0.004,
		ShuntVoltage: float64(int16(shunt)) * 0.01,
		Current:      float64(int16(current)) * d.cal.CurrentLSB,
		Power:        float64(int16(power)) * d.cal.PowerLSB,
	}, nil
}

// Close releases the bus
func (d *INA219) Close() error {
	return d.bus.Close()
}

var _ Source = (*INA219)(nil)
