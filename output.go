package tracelog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Serializer renders events for flush output.
type Serializer interface {
	// AppendEvent appends the serialized event to dst. On error, dst is
	// returned unmodified.
	AppendEvent(dst []byte, ev *TraceEvent, argFilter ArgumentFilterPredicate) ([]byte, error)

	// Separator joins consecutive events.
	Separator() []byte
}

// ArgumentFilterPredicate decides, at flush time, which arguments of an event
// survive serialization. If allowed is false, every argument is stripped. If
// allowed is true and keepArg is non-nil, arguments for which keepArg returns
// false are stripped individually.
type ArgumentFilterPredicate func(category, name string) (allowed bool, keepArg func(argName string) bool)

const strippedArgValue = "__stripped__"

// EventRecord is the serialized form of an event. Timestamps and durations
// are in microseconds.
type EventRecord struct {
	Name             string   `json:"name" msgpack:"name"`
	Category         string   `json:"cat" msgpack:"cat"`
	Phase            string   `json:"ph" msgpack:"ph"`
	Timestamp        float64  `json:"ts" msgpack:"ts"`
	Duration         *float64 `json:"dur,omitempty" msgpack:"dur,omitempty"`
	ThreadTimestamp  *float64 `json:"tts,omitempty" msgpack:"tts,omitempty"`
	ThreadDuration   *float64 `json:"tdur,omitempty" msgpack:"tdur,omitempty"`
	InstructionCount *int64   `json:"ticount,omitempty" msgpack:"ticount,omitempty"`
	InstructionDelta *int64   `json:"tidelta,omitempty" msgpack:"tidelta,omitempty"`
	ProcessID        int      `json:"pid" msgpack:"pid"`
	ThreadID         int      `json:"tid" msgpack:"tid"`
	ID               string   `json:"id,omitempty" msgpack:"id,omitempty"`
	ID2              *ID2     `json:"id2,omitempty" msgpack:"id2,omitempty"`
	BindID           string   `json:"bind_id,omitempty" msgpack:"bind_id,omitempty"`
	FlowIn           bool     `json:"flow_in,omitempty" msgpack:"flow_in,omitempty"`
	FlowOut          bool     `json:"flow_out,omitempty" msgpack:"flow_out,omitempty"`
	Scope            string   `json:"scope,omitempty" msgpack:"scope,omitempty"`
	InstantScope     string   `json:"s,omitempty" msgpack:"s,omitempty"`
	Args             any      `json:"args,omitempty" msgpack:"args,omitempty"`
}

// ID2 carries a process-local or global event ID.
type ID2 struct {
	Local  string `json:"local,omitempty" msgpack:"local,omitempty"`
	Global string `json:"global,omitempty" msgpack:"global,omitempty"`
}

// ArgMap returns the args as a map, or nil if they were stripped entirely.
func (r EventRecord) ArgMap() map[string]any {
	m, _ := r.Args.(map[string]any)
	return m
}

func microseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Microsecond)
}

// NewEventRecord converts an event to its serialized form. If rawJSON is true,
// structured argument values are embedded as JSON; otherwise they're strings.
func NewEventRecord(ev *TraceEvent, argFilter ArgumentFilterPredicate, rawJSON bool) EventRecord {
	rec := EventRecord{
		Name:      ev.Name,
		Category:  ev.CategoryName(),
		Phase:     ev.Phase.String(),
		Timestamp: microseconds(ev.Timestamp),
		ProcessID: ev.ProcessID,
		ThreadID:  ev.ThreadID,
		Scope:     ev.Scope,
		FlowIn:    ev.Flags&FlagFlowIn != 0,
		FlowOut:   ev.Flags&FlagFlowOut != 0,
	}

	if ev.Phase == PhaseComplete {
		if ev.Duration >= 0 {
			dur := microseconds(ev.Duration)
			rec.Duration = &dur
		}
		if ev.ThreadDuration >= 0 && ev.ThreadTimestamp > 0 {
			tdur := microseconds(ev.ThreadDuration)
			rec.ThreadDuration = &tdur
		}
		if ev.InstructionDelta >= 0 && ev.InstructionCount > 0 {
			delta := ev.InstructionDelta
			rec.InstructionDelta = &delta
		}
	}

	if ev.ThreadTimestamp > 0 {
		tts := microseconds(ev.ThreadTimestamp)
		rec.ThreadTimestamp = &tts
	}

	if ev.InstructionCount > 0 {
		count := ev.InstructionCount
		rec.InstructionCount = &count
	}

	switch id := fmt.Sprintf("0x%x", ev.ID); {
	case ev.Flags&FlagHasLocalID != 0:
		rec.ID2 = &ID2{Local: id}
	case ev.Flags&FlagHasGlobalID != 0:
		rec.ID2 = &ID2{Global: id}
	case ev.Flags&FlagHasID != 0:
		rec.ID = id
	}

	if ev.Flags&(FlagFlowIn|FlagFlowOut) != 0 && ev.BindID != 0 {
		rec.BindID = fmt.Sprintf("0x%x", ev.BindID)
	}

	if ev.Phase == PhaseInstant {
		rec.InstantScope = ev.Flags.Scope()
	}

	rec.Args = recordArgs(ev, argFilter, rawJSON)

	return rec
}

func recordArgs(ev *TraceEvent, argFilter ArgumentFilterPredicate, rawJSON bool) any {
	if ev.NumArgs <= 0 {
		if ev.Phase == PhaseMetadata {
			return map[string]any{}
		}
		return nil
	}

	var keepArg func(string) bool
	if argFilter != nil && ev.Phase != PhaseMetadata {
		allowed, keep := argFilter(ev.CategoryName(), ev.Name)
		if !allowed {
			return strippedArgValue
		}
		keepArg = keep
	}

	args := make(map[string]any, ev.NumArgs)
	for i := 0; i < ev.NumArgs; i++ {
		a := ev.Args[i]
		if keepArg != nil && !keepArg(a.Name) {
			args[a.Name] = strippedArgValue
			continue
		}
		args[a.Name] = argRecordValue(a, rawJSON)
	}
	return args
}

func argRecordValue(a Arg, rawJSON bool) any {
	switch a.Kind {
	case ArgDouble:
		switch f := a.Value().(float64); {
		case math.IsNaN(f):
			return "NaN"
		case math.IsInf(f, 1):
			return "Infinity"
		case math.IsInf(f, -1):
			return "-Infinity"
		default:
			return f
		}
	case ArgConvertable:
		if a.obj == nil {
			return nil
		}
		raw := a.obj.AppendAsTraceFormat(nil)
		if rawJSON {
			return json.RawMessage(raw)
		}
		return string(raw)
	default:
		return a.Value()
	}
}

//
//
//

// JSONSerializer renders events as JSON objects separated by ",\n".
type JSONSerializer struct{}

var jsonSeparator = []byte(",\n")

func (JSONSerializer) Separator() []byte { return jsonSeparator }

func (JSONSerializer) AppendEvent(dst []byte, ev *TraceEvent, argFilter ArgumentFilterPredicate) ([]byte, error) {
	buf, err := json.Marshal(NewEventRecord(ev, argFilter, true))
	if err != nil {
		return dst, err
	}
	return append(dst, buf...), nil
}

// MsgpackSerializer renders events as a stream of concatenated msgpack maps.
type MsgpackSerializer struct{}

func (MsgpackSerializer) Separator() []byte { return nil }

func (MsgpackSerializer) AppendEvent(dst []byte, ev *TraceEvent, argFilter ArgumentFilterPredicate) ([]byte, error) {
	buf, err := msgpack.Marshal(NewEventRecord(ev, argFilter, false))
	if err != nil {
		return dst, err
	}
	return append(dst, buf...), nil
}

// DecodeJSONEvents parses JSON flush output, i.e. events joined by commas.
func DecodeJSONEvents(data []byte) ([]EventRecord, error) {
	data = bytes.TrimSpace(data)
	if len(data) <= 0 {
		return nil, nil
	}

	doc := make([]byte, 0, len(data)+2)
	doc = append(doc, '[')
	doc = append(doc, data...)
	doc = append(doc, ']')

	var recs []EventRecord
	if err := json.Unmarshal(doc, &recs); err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}
	return recs, nil
}

// DecodeMsgpackEvents parses msgpack flush output.
func DecodeMsgpackEvents(data []byte) ([]EventRecord, error) {
	var (
		dec  = msgpack.NewDecoder(bytes.NewReader(data))
		recs []EventRecord
	)
	for {
		var rec EventRecord
		err := dec.Decode(&rec)
		switch {
		case errors.Is(err, io.EOF):
			return recs, nil
		case err != nil:
			return nil, fmt.Errorf("decode events: %w", err)
		}
		recs = append(recs, rec)
	}
}

//
//
//

// Collector is an OutputFunc target that accumulates flush output in memory,
// joining batches with the separator.
type Collector struct {
	mtx     sync.Mutex
	sep     []byte
	buf     bytes.Buffer
	calls   int
	done    bool
	written bool
}

// NewCollector returns a collector for the given serializer's output.
func NewCollector(s Serializer) *Collector {
	return &Collector{sep: s.Separator()}
}

// Output implements OutputFunc.
func (c *Collector) Output(data []byte, hasMore bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.calls++
	if len(data) > 0 {
		if c.written {
			c.buf.Write(c.sep)
		}
		c.buf.Write(data)
		c.written = true
	}
	if !hasMore {
		c.done = true
	}
}

// Bytes returns everything collected so far.
func (c *Collector) Bytes() []byte {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return bytes.Clone(c.buf.Bytes())
}

// Done returns true once the final output call has been received.
func (c *Collector) Done() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.done
}

// Calls returns the number of output calls received.
func (c *Collector) Calls() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.calls
}

// TraceFileWriter writes JSON flush output to an io.Writer as a complete trace
// document, {"traceEvents":[...]}.
type TraceFileWriter struct {
	mtx     sync.Mutex
	w       io.Writer
	started bool
	written bool
	err     error
}

// NewTraceFileWriter returns a writer that emits a trace document to w.
func NewTraceFileWriter(w io.Writer) *TraceFileWriter {
	return &TraceFileWriter{w: w}
}

// Output implements OutputFunc.
func (tw *TraceFileWriter) Output(data []byte, hasMore bool) {
	tw.mtx.Lock()
	defer tw.mtx.Unlock()

	if tw.err != nil {
		return
	}

	if !tw.started {
		tw.write([]byte(`{"traceEvents":[`))
		tw.started = true
	}

	if len(data) > 0 {
		if tw.written {
			tw.write(jsonSeparator)
		}
		tw.write(data)
		tw.written = true
	}

	if !hasMore {
		tw.write([]byte("]}\n"))
	}
}

func (tw *TraceFileWriter) write(p []byte) {
	if tw.err != nil {
		return
	}
	_, tw.err = tw.w.Write(p)
}

// Err returns the first write error, if any.
func (tw *TraceFileWriter) Err() error {
	tw.mtx.Lock()
	defer tw.mtx.Unlock()
	return tw.err
}
