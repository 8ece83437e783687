package trace

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxplot/go-pdport"
)

func TestRecordAndRead(t *testing.T) {
	var buf bytes.Buffer
	r := NewRecorder(&buf)
	now := time.Unix(0, 0)
	r.SetClock(func() time.Time { return now })

	r.EventDispatched(0, pdport.EventConnect, true)
	now = now.Add(1500 * time.Microsecond)
	r.FaultCounted(1, pdport.FaultVBusOCP, 2)
	r.FaultEscalated(1, pdport.FaultVBusOCP)
	r.PortDisabled(1)
	r.SwapResolved(0, pdport.SwapDR, pdport.ResponseTimeout)
	r.VBus(0, 9010)
	r.EventDispatched(0, pdport.EventVendorResponseTimeout, false)
	require.NoError(t, r.Err())

	recs, err := ReadAll(&buf)
	require.NoError(t, err)
	require.Len(t, recs, 7)

	assert.Equal(t, Record{Kind: KindEvent, Event: pdport.EventConnect, Forwarded: true}, recs[0])
	assert.Equal(t, Record{Kind: KindFault, Elapsed: 1500 * time.Microsecond, Port: 1, Fault: pdport.FaultVBusOCP, Count: 2}, recs[1])
	assert.Equal(t, KindEscalation, recs[2].Kind)
	assert.Equal(t, pdport.FaultVBusOCP, recs[2].Fault)
	assert.Equal(t, Record{Kind: KindPortDisable, Elapsed: 1500 * time.Microsecond, Port: 1}, recs[3])
	assert.Equal(t, pdport.SwapDR, recs[4].Swap)
	assert.Equal(t, pdport.ResponseTimeout, recs[4].Response)
	assert.Equal(t, uint16(9010), recs[5].MilliVolts)
	assert.False(t, recs[6].Forwarded)

	assert.Equal(t, "     1.500ms port=1 fault vbus_ocp count=2", recs[1].String())
}

type failWriter struct{ n int }

func (w *failWriter) Write(p []byte) (int, error) {
	w.n++
	return 0, errors.New("disk full")
}

func TestRecorderKeepsFirstError(t *testing.T) {
	w := &failWriter{}
	r := NewRecorder(w)
	r.PortDisabled(0)
	r.PortDisabled(0)
	assert.ErrorContains(t, r.Err(), "disk full")
	assert.Equal(t, 1, w.n)
}

func TestReaderRejectsGarbage(t *testing.T) {
	data, err := cbor.Marshal([]any{uint64(99), nil})
	require.NoError(t, err)
	_, err = NewReader(bytes.NewReader(data)).Next()
	assert.ErrorContains(t, err, "invalid record kind")

	data, err = cbor.Marshal([]any{uint64(KindEvent)})
	require.NoError(t, err)
	_, err = NewReader(bytes.NewReader(data)).Next()
	assert.ErrorContains(t, err, "2-element array")

	data, err = cbor.Marshal([]any{uint64(KindEvent), map[string]any{"port": 1}})
	require.NoError(t, err)
	_, err = NewReader(bytes.NewReader(data)).Next()
	assert.ErrorContains(t, err, "integer map key")
}

func TestReaderEOF(t *testing.T) {
	_, err := NewReader(bytes.NewReader(nil)).Next()
	assert.Equal(t, io.EOF, err)

	data, err := cbor.Marshal([]any{uint64(KindPortDisable), nil})
	require.NoError(t, err)
	recs, err := ReadAll(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, []Record{{Kind: KindPortDisable}}, recs)
}
