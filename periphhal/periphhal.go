// Package periphhal implements the port hardware abstraction on top of
// periph.io GPIO and analog pins. The protection comparators are done in
// software by sampling the VBUS and current sense ADCs from the control
// loop, which makes it suitable for bring-up boards without comparator
// hardware but too slow to protect against real shorts.
package periphhal

import (
	"fmt"
	"log/slog"

	"periph.io/x/conn/v3/analog"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"

	"github.com/oxplot/go-pdport"
	"github.com/oxplot/go-pdport/internal/logging"
)

// Pins are the pins of one port. Optional pins may be nil.
type Pins struct {
	SourceFET gpio.PinOut
	SinkFET   gpio.PinOut
	Discharge gpio.PinOut
	VConn     gpio.PinOut
	Rd        gpio.PinOut // High applies Rd on both CC lines
	Rp        gpio.PinOut // Low removes Rp
	CCOVP     gpio.PinOut // Optional, high while a CC over-voltage is handled

	Regulator analog.PinDAC // Optional, sets the source voltage
	VBus      analog.PinADC
	IBus      analog.PinADC // Optional, signed source current
	IVConn    analog.PinADC // Optional, VCONN current
}

// Config holds the analog scaling and comparator margins.
type Config struct {
	// Bus millivolts per millivolt at the VBUS pin, milliamps per millivolt
	// at the current sense pins and bus millivolts per millivolt at the
	// regulator pin.
	VBusScale      int64
	IBusScale      int64
	IVConnScale    int64
	RegulatorScale int64

	// Comparator margins in percent of the armed threshold.
	OVPMargin int8
	UVPMargin int8

	RCPCurrent      uint16 // Reverse current in milliamps that trips RCP
	VConnOCPCurrent uint16 // VCONN current in milliamps that trips VCONN OCP
}

// DefaultConfig returns a configuration for a 100k/10k VBUS divider and
// 1mV/mA current sense amplifiers.
func DefaultConfig() Config {
	return Config{
		VBusScale:       11,
		IBusScale:       1,
		IVConnScale:     1,
		RegulatorScale:  11,
		OVPMargin:       10,
		UVPMargin:       20,
		RCPCurrent:      100,
		VConnOCPCurrent: 600,
	}
}

type comparator struct {
	armed     bool
	fired     bool
	threshold uint16
	fn        pdport.EdgeFunc
}

// HAL is a pdport.HAL over periph.io pins. It must only be used from the
// control loop and Task must be called on every iteration.
type HAL struct {
	pins Pins
	cfg  Config
	log  *slog.Logger

	comps    [len(pdport.Protections)]comparator
	vconnOCP comparator
	vconnHi  bool

	err error
}

var _ pdport.HAL = (*HAL)(nil)

// New creates a HAL over pins.
func New(pins Pins, cfg Config) *HAL {
	return &HAL{pins: pins, cfg: cfg, log: logging.NewNop()}
}

// SetLogger sets the logger. nil disables logging.
func (h *HAL) SetLogger(l *slog.Logger) {
	h.log = logging.OrNop(l)
}

// Err returns the first pin error seen. The pdport.HAL methods have no way
// to report errors so they are kept here.
func (h *HAL) Err() error {
	return h.err
}

func (h *HAL) fail(what string, err error) {
	h.log.Error("pin access failed", "pin", what, "error", err)
	if h.err == nil {
		h.err = fmt.Errorf("periphhal: %s: %w", what, err)
	}
}

func (h *HAL) out(p gpio.PinOut, what string, on bool) bool {
	if p == nil {
		return false
	}
	if err := p.Out(gpio.Level(on)); err != nil {
		h.fail(what, err)
		return false
	}
	return true
}

func (h *HAL) readMilli(p analog.PinADC, what string, scale int64) (int64, bool) {
	if p == nil {
		return 0, false
	}
	s, err := p.Read()
	if err != nil {
		h.fail(what, err)
		return 0, false
	}
	return int64(s.V/physic.MilliVolt) * scale, true
}

// SetSourceFET implements pdport.PowerHAL interface.
func (h *HAL) SetSourceFET(on bool) { h.out(h.pins.SourceFET, "source_fet", on) }

// SetSinkFET implements pdport.PowerHAL interface.
func (h *HAL) SetSinkFET(on bool) { h.out(h.pins.SinkFET, "sink_fet", on) }

// SetDischarge implements pdport.PowerHAL interface.
func (h *HAL) SetDischarge(on bool) { h.out(h.pins.Discharge, "discharge", on) }

// SetVoltage implements pdport.PowerHAL interface. Without a regulator pin
// the supply is fixed and the call is ignored.
func (h *HAL) SetVoltage(mV uint16) {
	if h.pins.Regulator == nil {
		return
	}
	pin := physic.ElectricPotential(int64(mV)/h.cfg.RegulatorScale) * physic.MilliVolt
	if err := h.pins.Regulator.Out(analog.Sample{V: pin}); err != nil {
		h.fail("regulator", err)
	}
}

// MeasureVBus implements pdport.PowerHAL interface.
func (h *HAL) MeasureVBus() uint16 {
	v, _ := h.readMilli(h.pins.VBus, "vbus", h.cfg.VBusScale)
	if v < 0 {
		return 0
	}
	if v > 0xffff {
		return 0xffff
	}
	return uint16(v)
}

// VBusPresent implements pdport.PowerHAL interface.
func (h *HAL) VBusPresent(mV uint16, margin int8) bool {
	return h.MeasureVBus() > threshold(mV, margin)
}

func threshold(mV uint16, margin int8) uint16 {
	if mV == pdport.VSafe0 {
		return pdport.VSafe0Hi
	}
	return uint16(int32(mV) + int32(mV)*int32(margin)/100)
}

// ArmProtection implements pdport.PowerHAL interface.
func (h *HAL) ArmProtection(p pdport.Protection, threshold uint16, fn pdport.EdgeFunc) {
	h.comps[p] = comparator{armed: true, threshold: threshold, fn: fn}
}

// DisarmProtection implements pdport.PowerHAL interface.
func (h *HAL) DisarmProtection(p pdport.Protection) {
	h.comps[p] = comparator{}
}

// SetVConn implements pdport.PortHAL interface.
func (h *HAL) SetVConn(on bool) bool {
	if h.pins.VConn == nil {
		return !on
	}
	return h.out(h.pins.VConn, "vconn", on)
}

// ArmVConnOCP implements pdport.PortHAL interface.
func (h *HAL) ArmVConnOCP(fn pdport.EdgeFunc) {
	h.vconnOCP = comparator{armed: true, threshold: h.cfg.VConnOCPCurrent, fn: fn}
	h.vconnHi = false
}

// DisarmVConnOCP implements pdport.PortHAL interface.
func (h *HAL) DisarmVConnOCP() {
	h.vconnOCP = comparator{}
}

// EnableRd implements pdport.PortHAL interface.
func (h *HAL) EnableRd() { h.out(h.pins.Rd, "rd", true) }

// DisableRd implements pdport.PortHAL interface.
func (h *HAL) DisableRd() { h.out(h.pins.Rd, "rd", false) }

// DisableRp implements pdport.PortHAL interface.
func (h *HAL) DisableRp() { h.out(h.pins.Rp, "rp", false) }

// SetCCOVPPending implements pdport.PortHAL interface.
func (h *HAL) SetCCOVPPending() { h.out(h.pins.CCOVP, "cc_ovp", true) }

// Cleanup implements pdport.PortHAL interface.
func (h *HAL) Cleanup() {
	for p := range h.comps {
		h.comps[p] = comparator{}
	}
	h.vconnOCP = comparator{}
	h.out(h.pins.VConn, "vconn", false)
	h.out(h.pins.Discharge, "discharge", false)
	h.out(h.pins.CCOVP, "cc_ovp", false)
	h.out(h.pins.Rp, "rp", true)
}

// Task samples the sense inputs and runs the edge function of every armed
// comparator that tripped. A comparator fires once per arming.
func (h *HAL) Task() {
	vbus, haveV := h.readMilli(h.pins.VBus, "vbus", h.cfg.VBusScale)
	ibus, haveI := h.readMilli(h.pins.IBus, "ibus", h.cfg.IBusScale)

	for _, p := range pdport.Protections {
		c := &h.comps[p]
		if !c.armed || c.fired {
			continue
		}
		level, trip := false, false
		thr := int64(c.threshold)
		switch p {
		case pdport.ProtectOVP:
			level, trip = true, haveV && vbus > thr+thr*int64(h.cfg.OVPMargin)/100
		case pdport.ProtectUVP:
			level, trip = false, haveV && vbus < thr-thr*int64(h.cfg.UVPMargin)/100
		case pdport.ProtectOCP, pdport.ProtectSCP:
			level, trip = true, haveI && ibus > thr
		case pdport.ProtectRCP:
			level, trip = true, haveI && ibus < -int64(h.cfg.RCPCurrent)
		}
		if !trip {
			continue
		}
		c.fired = true
		h.log.Warn("protection tripped", "protection", p, "vbus", vbus, "ibus", ibus)
		c.fn(level)
	}

	if h.vconnOCP.armed {
		iv, ok := h.readMilli(h.pins.IVConn, "ivconn", h.cfg.IVConnScale)
		hi := ok && iv > int64(h.vconnOCP.threshold)
		if hi != h.vconnHi {
			h.vconnHi = hi
			h.vconnOCP.fn(hi)
		}
	}
}
