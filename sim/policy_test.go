package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/oxplot/go-pdport/pdmsg"
)

func fixed(mV, mA uint16) pdmsg.PDO {
	return pdmsg.PDO(pdmsg.FixedSupply(mV, mA))
}

func TestCVPolicyValidate(t *testing.T) {
	tests := []struct {
		name   string
		policy CVPolicy
		err    error
	}{
		{"ok", CVPolicy{MinVoltage: 5000, MaxVoltage: 20000, Current: 3000}, nil},
		{"current", CVPolicy{MinVoltage: 5000, MaxVoltage: 20000, Current: 5001}, errBadCurrent},
		{"low", CVPolicy{MinVoltage: 3000, MaxVoltage: 5000}, errBadVoltage},
		{"high", CVPolicy{MinVoltage: 5000, MaxVoltage: 28000}, errBadVoltage},
		{"order", CVPolicy{MinVoltage: 9000, MaxVoltage: 5000}, errMaxVoltageLessThanMin},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.err, tt.policy.Validate())
		})
	}
}

func TestEvaluateCapabilities(t *testing.T) {
	caps := []pdmsg.PDO{
		fixed(5000, 3000),
		pdmsg.PDO(pdmsg.PPS(3300, 11000, 3000)),
		fixed(9000, 3000),
		fixed(15000, 2000),
		fixed(20000, 1500),
	}

	t.Run("highest in range", func(t *testing.T) {
		rdo := CVPolicy{MinVoltage: 5000, MaxVoltage: 15000, Current: 2000}.EvaluateCapabilities(caps)
		assert.Equal(t, uint8(4), rdo.SelectedObjectPosition())
		assert.Equal(t, uint16(2000), rdo.FixedOperatingCurrent())
		assert.False(t, rdo.CapabilityMismatch())
	})

	t.Run("current rules out higher voltages", func(t *testing.T) {
		rdo := CVPolicy{MinVoltage: 5000, MaxVoltage: 20000, Current: 2500}.EvaluateCapabilities(caps)
		assert.Equal(t, uint8(3), rdo.SelectedObjectPosition())
	})

	t.Run("prefer lower", func(t *testing.T) {
		p := CVPolicy{MinVoltage: 9000, MaxVoltage: 20000, Current: 1000, PreferLowerVoltage: true}
		assert.Equal(t, uint8(3), p.EvaluateCapabilities(caps).SelectedObjectPosition())
	})

	t.Run("mismatch falls back to 5V", func(t *testing.T) {
		rdo := CVPolicy{MinVoltage: 12000, MaxVoltage: 14000, Current: 4000}.EvaluateCapabilities(caps)
		assert.Equal(t, uint8(1), rdo.SelectedObjectPosition())
		assert.True(t, rdo.CapabilityMismatch())
		assert.Equal(t, uint16(3000), rdo.FixedOperatingCurrent())
		assert.Equal(t, uint16(4000), rdo.FixedMaxOperatingCurrent())
	})

	t.Run("empty", func(t *testing.T) {
		assert.Equal(t, pdmsg.EmptyRequestDO, CVPolicy{MinVoltage: 5000, MaxVoltage: 5000}.EvaluateCapabilities(nil))
	})
}

func TestDescribePDOs(t *testing.T) {
	s := DescribePDOs([]pdmsg.PDO{
		fixed(5000, 3000),
		pdmsg.PDO(pdmsg.PPS(3300, 11000, 3000)),
		pdmsg.PDO(1 << 30),
	})
	assert.Equal(t, "1) Fixed 5.0V @ max. 3.0A, 2) Programmable 3.3-11.0V @ max. 3.0A, 3) battery (unsupported)", s)
}
