// Package trace records port controller activity as a stream of CBOR
// messages and reads it back.
//
// Every record is a two element array [kind, payload] where payload is a map
// with integer keys, or nil when the record has no fields.
package trace

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/oxplot/go-pdport"
)

// Kind is the type of a trace record.
type Kind uint8

// Record kinds.
const (
	KindEvent Kind = iota + 1
	KindFault
	KindEscalation
	KindPortDisable
	KindSwap
	KindVBus
)

func (k Kind) String() string {
	switch k {
	case KindEvent:
		return "event"
	case KindFault:
		return "fault"
	case KindEscalation:
		return "escalation"
	case KindPortDisable:
		return "port_disable"
	case KindSwap:
		return "swap"
	case KindVBus:
		return "vbus"
	default:
		return "INVALID"
	}
}

// Payload map keys.
const (
	keyElapsed    = 0 // Microseconds since the recorder was created
	keyPort       = 1
	keyEvent      = 2
	keyForwarded  = 3
	keyFault      = 4
	keyCount      = 5
	keySwap       = 6
	keyResponse   = 7
	keyMilliVolts = 8
)

// Record is one decoded trace record. Only the fields of its kind are set.
type Record struct {
	Kind       Kind
	Elapsed    time.Duration
	Port       uint8
	Event      pdport.Event
	Forwarded  bool
	Fault      pdport.FaultType
	Count      uint8
	Swap       pdport.Swap
	Response   pdport.Response
	MilliVolts uint16
}

func (r Record) String() string {
	head := fmt.Sprintf("%10.3fms port=%d %s", float64(r.Elapsed)/float64(time.Millisecond), r.Port, r.Kind)
	switch r.Kind {
	case KindEvent:
		return fmt.Sprintf("%s %s forwarded=%t", head, r.Event, r.Forwarded)
	case KindFault:
		return fmt.Sprintf("%s %s count=%d", head, r.Fault, r.Count)
	case KindEscalation:
		return fmt.Sprintf("%s %s", head, r.Fault)
	case KindSwap:
		return fmt.Sprintf("%s %s %s", head, r.Swap, r.Response)
	case KindVBus:
		return fmt.Sprintf("%s %dmV", head, r.MilliVolts)
	}
	return head
}

// Recorder writes trace records to a writer. It implements pdport.Observer.
// Write errors are kept and reported by Err; the first one stops the
// recording.
type Recorder struct {
	mu    sync.Mutex
	w     io.Writer
	now   func() time.Time
	start time.Time
	err   error
}

var _ pdport.Observer = (*Recorder)(nil)

// NewRecorder creates a recorder writing to w.
func NewRecorder(w io.Writer) *Recorder {
	return &Recorder{w: w, now: time.Now, start: time.Now()}
}

// SetClock replaces the time source and restarts the elapsed time from it.
func (r *Recorder) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.start = now()
	r.mu.Unlock()
}

// Err returns the first write error.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Recorder) write(k Kind, port uint8, payload map[int]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return
	}
	payload[keyElapsed] = uint64(r.now().Sub(r.start) / time.Microsecond)
	payload[keyPort] = uint64(port)

	data, err := cbor.Marshal([]any{uint64(k), payload})
	if err != nil {
		r.err = fmt.Errorf("trace: failed to encode record: %w", err)
		return
	}
	if _, err := r.w.Write(data); err != nil {
		r.err = fmt.Errorf("trace: write failed: %w", err)
	}
}

// FaultCounted implements pdport.Observer interface.
func (r *Recorder) FaultCounted(port uint8, t pdport.FaultType, count uint8) {
	r.write(KindFault, port, map[int]any{keyFault: uint64(t), keyCount: uint64(count)})
}

// FaultEscalated implements pdport.Observer interface.
func (r *Recorder) FaultEscalated(port uint8, t pdport.FaultType) {
	r.write(KindEscalation, port, map[int]any{keyFault: uint64(t)})
}

// PortDisabled implements pdport.Observer interface.
func (r *Recorder) PortDisabled(port uint8) {
	r.write(KindPortDisable, port, map[int]any{})
}

// SwapResolved implements pdport.Observer interface.
func (r *Recorder) SwapResolved(port uint8, s pdport.Swap, resp pdport.Response) {
	r.write(KindSwap, port, map[int]any{keySwap: uint64(s), keyResponse: uint64(resp)})
}

// EventDispatched implements pdport.Observer interface.
func (r *Recorder) EventDispatched(port uint8, e pdport.Event, forwarded bool) {
	r.write(KindEvent, port, map[int]any{keyEvent: uint64(e), keyForwarded: forwarded})
}

// VBus records a VBUS measurement in millivolts.
func (r *Recorder) VBus(port uint8, mV uint16) {
	r.write(KindVBus, port, map[int]any{keyMilliVolts: uint64(mV)})
}

// Reader decodes trace records from a stream.
type Reader struct {
	dec *cbor.Decoder
}

// NewReader creates a reader of the records in rd.
func NewReader(rd io.Reader) *Reader {
	return &Reader{dec: cbor.NewDecoder(rd)}
}

// Next returns the next record. It returns io.EOF at the end of a well
// formed stream.
func (r *Reader) Next() (Record, error) {
	var msg []any
	if err := r.dec.Decode(&msg); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("trace: failed to decode record: %w", err)
	}
	return parseRecord(msg)
}

// ReadAll decodes every record in rd.
func ReadAll(rd io.Reader) ([]Record, error) {
	r := NewReader(rd)
	var recs []Record
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return recs, nil
		}
		if err != nil {
			return recs, err
		}
		recs = append(recs, rec)
	}
}

func parseRecord(msg []any) (Record, error) {
	if len(msg) != 2 {
		return Record{}, fmt.Errorf("trace: expected 2-element array, got %d elements", len(msg))
	}
	kind, ok := msg[0].(uint64)
	if !ok || kind == 0 || kind > uint64(KindVBus) {
		return Record{}, fmt.Errorf("trace: invalid record kind %v", msg[0])
	}
	rec := Record{Kind: Kind(kind)}
	if msg[1] == nil {
		return rec, nil
	}

	raw, ok := msg[1].(map[any]any)
	if !ok {
		return Record{}, fmt.Errorf("trace: expected map or nil for payload, got %T", msg[1])
	}
	payload := make(map[int]uint64, len(raw))
	for key, val := range raw {
		k, ok := key.(uint64)
		if !ok {
			return Record{}, fmt.Errorf("trace: expected integer map key, got %T", key)
		}
		switch v := val.(type) {
		case uint64:
			payload[int(k)] = v
		case bool:
			if v {
				payload[int(k)] = 1
			} else {
				payload[int(k)] = 0
			}
		default:
			return Record{}, fmt.Errorf("trace: unexpected value type %T for key %d", val, k)
		}
	}

	rec.Elapsed = time.Duration(payload[keyElapsed]) * time.Microsecond
	rec.Port = uint8(payload[keyPort])
	rec.Event = pdport.Event(payload[keyEvent])
	rec.Forwarded = payload[keyForwarded] != 0
	rec.Fault = pdport.FaultType(payload[keyFault])
	rec.Count = uint8(payload[keyCount])
	rec.Swap = pdport.Swap(payload[keySwap])
	rec.Response = pdport.Response(payload[keyResponse])
	rec.MilliVolts = uint16(payload[keyMilliVolts])
	return rec, nil
}
