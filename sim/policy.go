package sim

import (
	"errors"
	"fmt"
	"strings"

	"github.com/oxplot/go-pdport/pdmsg"
)

// CVPolicy is the constant voltage policy of a simulated sink. It picks the
// highest fixed supply between MinVoltage and MaxVoltage that can supply
// Current. If none can, it asks for the first PDO at a reduced current and
// flags a capability mismatch, the way real sinks do.
type CVPolicy struct {
	// Minimum accepted voltage in millivolts.
	MinVoltage uint16

	// Maximum accepted voltage in millivolts.
	MaxVoltage uint16

	// Current in milliamps the source must be able to supply at the
	// negotiated voltage.
	Current uint16

	// Prefer the lowest voltage in range instead of the highest.
	PreferLowerVoltage bool
}

var (
	errBadVoltage            = errors.New("sim: voltage must be >= 3300mV & <= 21000mV")
	errBadCurrent            = errors.New("sim: current must be <= 5000mA")
	errMaxVoltageLessThanMin = errors.New("sim: max voltage must be >= min voltage")
)

// Validate returns an error if the policy parameters are invalid.
func (c CVPolicy) Validate() error {
	if c.Current > 5000 {
		return errBadCurrent
	}
	if c.MinVoltage < 3300 || c.MaxVoltage < 3300 || c.MinVoltage > 21000 || c.MaxVoltage > 21000 {
		return errBadVoltage
	}
	if c.MinVoltage > c.MaxVoltage {
		return errMaxVoltageLessThanMin
	}
	return nil
}

// EvaluateCapabilities returns the request for the best matching PDO. It
// never returns pdmsg.EmptyRequestDO for a non-empty list.
func (c CVPolicy) EvaluateCapabilities(pdos []pdmsg.PDO) pdmsg.RequestDO {
	var best uint16
	if c.PreferLowerVoltage {
		best = ^uint16(0)
	}
	rdo := pdmsg.EmptyRequestDO
	for i, p := range pdos {
		if p.Type() != pdmsg.PDOTypeFixedSupply {
			continue
		}
		fs := pdmsg.FixedSupplyPDO(p)
		v := fs.Voltage()
		if v < c.MinVoltage || v > c.MaxVoltage || fs.MaxCurrent() < c.Current {
			continue
		}
		if (c.PreferLowerVoltage && v < best) || (!c.PreferLowerVoltage && v > best) {
			rdo = pdmsg.FixedRequest(uint8(i)+1, c.Current, c.Current)
			best = v
		}
	}
	if rdo != pdmsg.EmptyRequestDO || len(pdos) == 0 {
		return rdo
	}

	cur := pdmsg.FixedSupplyPDO(pdos[0]).MaxCurrent()
	if c.Current < cur {
		cur = c.Current
	}
	rdo = pdmsg.FixedRequest(1, cur, c.Current)
	rdo.SetCapabilityMismatch(true)
	return rdo
}

// DescribePDOs returns a one line description of pdos for logging.
func DescribePDOs(pdos []pdmsg.PDO) string {
	var b strings.Builder
	for i, p := range pdos {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%d) ", i+1)
		switch p.Type() {
		case pdmsg.PDOTypeFixedSupply:
			fs := pdmsg.FixedSupplyPDO(p)
			fmt.Fprintf(&b, "Fixed %.1fV @ max. %.1fA", float32(fs.Voltage())/1000, float32(fs.MaxCurrent())/1000)
		case pdmsg.PDOTypePPS:
			pps := pdmsg.PPSPDO(p)
			fmt.Fprintf(&b, "Programmable %.1f-%.1fV @ max. %.1fA",
				float32(pps.MinVoltage())/1000, float32(pps.MaxVoltage())/1000, float32(pps.MaxCurrent())/1000)
		default:
			fmt.Fprintf(&b, "%s (unsupported)", p.Type())
		}
	}
	return b.String()
}
