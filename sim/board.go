package sim

import (
	"time"

	"periph.io/x/conn/v3/analog"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/physic"

	"github.com/oxplot/go-pdport/periphhal"
	"github.com/oxplot/go-pdport/swtimer"
)

// BoardConfig holds the electrical model of a simulated port.
type BoardConfig struct {
	// Rates in millivolts per millisecond.
	SlewRate      int64 // Regulator and partner supply slew
	DischargeRate int64 // Extra decay with the discharge switch on
	BleedRate     int64 // Decay of an undriven bus

	IdleCurrent  uint16 // Partner sink draw before a contract, in milliamps
	VConnCurrent uint16 // Cable draw on VCONN, in milliamps
}

// DefaultBoardConfig returns a model where a 20V step takes 100ms.
func DefaultBoardConfig() BoardConfig {
	return BoardConfig{
		SlewRate:      200,
		DischargeRate: 150,
		BleedRate:     5,
		IdleCurrent:   100,
		VConnCurrent:  50,
	}
}

// Board is the simulated power path of one port. Its outputs are periph
// GPIO test pins and its sense inputs are analog pins reading the model, so
// the periphhal HAL can drive it like real hardware. Board must be stepped
// from the control loop before the HAL samples it.
type Board struct {
	cfg   BoardConfig
	clock swtimer.Clock
	last  time.Time

	sourceFET, sinkFET, discharge, vconn, rd, rp, ccovp *gpiotest.Pin

	regulator int64 // mV set through the DAC
	vbus      int64 // mV
	ibus      int64 // mA, negative when current flows into the port
	ivconn    int64 // mA

	// Partner side.
	partnerSink   bool
	partnerSupply int64 // mV driven by a source partner, 0 when off
	load          int64 // mA drawn by a sink partner
	emca          bool

	// Injected faults.
	backfeed   int64
	short      bool
	extraLoad  int64
	vconnExtra int64
}

// NewBoard returns a board with nothing attached and VBUS at 0V.
func NewBoard(clock swtimer.Clock, cfg BoardConfig) *Board {
	return &Board{
		cfg:       cfg,
		clock:     clock,
		last:      clock.Now(),
		sourceFET: &gpiotest.Pin{N: "SRC_EN"},
		sinkFET:   &gpiotest.Pin{N: "SNK_EN"},
		discharge: &gpiotest.Pin{N: "DISCH"},
		vconn:     &gpiotest.Pin{N: "VCONN_EN"},
		rd:        &gpiotest.Pin{N: "RD_EN"},
		rp:        &gpiotest.Pin{N: "RP_EN", L: gpio.High},
		ccovp:     &gpiotest.Pin{N: "CC_OVP"},
		regulator: 5000,
	}
}

// Pins returns the pins of the board for periphhal.New. The analog pins
// read in bus millivolts and milliamps, so the HAL must use unit scales.
func (b *Board) Pins() periphhal.Pins {
	return periphhal.Pins{
		SourceFET: b.sourceFET,
		SinkFET:   b.sinkFET,
		Discharge: b.discharge,
		VConn:     b.vconn,
		Rd:        b.rd,
		Rp:        b.rp,
		CCOVP:     b.ccovp,
		Regulator: &dac{name: "VREG", b: b},
		VBus:      &adc{name: "VBUS_SENSE", read: func() int64 { return b.vbus }},
		IBus:      &adc{name: "IBUS_SENSE", read: func() int64 { return b.ibus }},
		IVConn:    &adc{name: "IVCONN_SENSE", read: func() int64 { return b.ivconn }},
	}
}

// HALConfig returns the periphhal configuration matching Pins.
func HALConfig() periphhal.Config {
	c := periphhal.DefaultConfig()
	c.VBusScale = 1
	c.IBusScale = 1
	c.IVConnScale = 1
	c.RegulatorScale = 1
	return c
}

// VBus returns the modelled VBUS voltage in millivolts.
func (b *Board) VBus() uint16 {
	return uint16(b.vbus)
}

// IBus returns the modelled source current in milliamps.
func (b *Board) IBus() int64 {
	return b.ibus
}

// SourceOn returns true if the source FET is closed.
func (b *Board) SourceOn() bool {
	return b.sourceFET.Read() == gpio.High
}

// SinkOn returns true if the sink FET is closed.
func (b *Board) SinkOn() bool {
	return b.sinkFET.Read() == gpio.High
}

// VConnOn returns true if VCONN is switched on.
func (b *Board) VConnOn() bool {
	return b.vconn.Read() == gpio.High
}

// AttachSink connects a sink partner drawing the idle current.
func (b *Board) AttachSink(emca bool) {
	b.partnerSink = true
	b.load = int64(b.cfg.IdleCurrent)
	b.emca = emca
}

// AttachSource connects a source partner supplying mV.
func (b *Board) AttachSource(mV uint16, emca bool) {
	b.partnerSupply = int64(mV)
	b.emca = emca
}

// Detach removes the partner.
func (b *Board) Detach() {
	b.partnerSink = false
	b.partnerSupply = 0
	b.load = 0
	b.emca = false
}

// SetLoad sets the current drawn by a sink partner.
func (b *Board) SetLoad(mA uint16) {
	b.load = int64(mA)
}

// SetPartnerSupply changes the voltage driven by a source partner.
func (b *Board) SetPartnerSupply(mV uint16) {
	b.partnerSupply = int64(mV)
}

// InjectOverload adds mA to the partner load.
func (b *Board) InjectOverload(mA uint16) {
	b.extraLoad = int64(mA)
}

// InjectShort shorts VBUS to ground while on is set.
func (b *Board) InjectShort(on bool) {
	b.short = on
}

// InjectBackfeed makes an external supply drive VBUS at mV. 0 removes it.
func (b *Board) InjectBackfeed(mV uint16) {
	b.backfeed = int64(mV)
}

// InjectVConnOverload adds mA to the VCONN load.
func (b *Board) InjectVConnOverload(mA uint16) {
	b.vconnExtra = int64(mA)
}

// ClearFaults removes every injected fault.
func (b *Board) ClearFaults() {
	b.backfeed = 0
	b.short = false
	b.extraLoad = 0
	b.vconnExtra = 0
}

// Task advances the model to the present time.
func (b *Board) Task() {
	now := b.clock.Now()
	ms := now.Sub(b.last).Milliseconds()
	if ms <= 0 {
		return
	}
	b.last = b.last.Add(time.Duration(ms) * time.Millisecond)
	b.step(ms)
}

func (b *Board) step(ms int64) {
	sourcing := b.SourceOn()

	// The strongest supply wins. A short pulls everything down.
	target, driven := int64(0), false
	if sourcing {
		target, driven = b.regulator, true
	}
	if b.partnerSupply > target {
		target, driven = b.partnerSupply, true
	}
	if b.backfeed > target {
		target, driven = b.backfeed, true
	}
	if b.short {
		target, driven = 0, true
	}

	switch {
	case driven:
		b.vbus = approach(b.vbus, target, b.cfg.SlewRate*ms)
	default:
		rate := b.cfg.BleedRate
		if b.discharge.Read() == gpio.High {
			rate += b.cfg.DischargeRate
		}
		if b.partnerSink {
			rate += b.cfg.BleedRate * 4
		}
		b.vbus = approach(b.vbus, 0, rate*ms)
	}
	b.ibus = 0
	if sourcing {
		switch {
		case b.short:
			b.ibus = 12000
		case b.backfeed > b.regulator:
			b.ibus = -500
		case b.partnerSink && b.vbus > 800:
			b.ibus = b.load + b.extraLoad
		}
	}

	b.ivconn = 0
	if b.VConnOn() {
		if b.emca {
			b.ivconn = int64(b.cfg.VConnCurrent)
		}
		b.ivconn += b.vconnExtra
	}
}

func approach(v, target, step int64) int64 {
	if v < target {
		return min(v+step, target)
	}
	return max(v-step, target)
}

// adc is an analog input reading a model value in millivolts.
type adc struct {
	name string
	read func() int64
}

func (a *adc) String() string   { return a.name }
func (a *adc) Name() string     { return a.name }
func (a *adc) Number() int      { return -1 }
func (a *adc) Function() string { return "ADC" }
func (a *adc) Halt() error      { return nil }

func (a *adc) Range() (analog.Sample, analog.Sample) {
	return analog.Sample{V: -25 * physic.Volt}, analog.Sample{V: 25 * physic.Volt}
}

func (a *adc) Read() (analog.Sample, error) {
	v := a.read()
	return analog.Sample{V: physic.ElectricPotential(v) * physic.MilliVolt, Raw: int32(v)}, nil
}

// dac is the regulator setpoint of the board.
type dac struct {
	name string
	b    *Board
}

func (d *dac) String() string   { return d.name }
func (d *dac) Name() string     { return d.name }
func (d *dac) Number() int      { return -1 }
func (d *dac) Function() string { return "DAC" }
func (d *dac) Halt() error      { return nil }

func (d *dac) Range() (analog.Sample, analog.Sample) {
	return analog.Sample{}, analog.Sample{V: 21500 * physic.MilliVolt}
}

func (d *dac) Out(s analog.Sample) error {
	d.b.regulator = int64(s.V / physic.MilliVolt)
	return nil
}
