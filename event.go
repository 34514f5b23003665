package tracelog

import (
	"fmt"
	"math"
	"time"
)

// Phase identifies the kind of a trace event.
type Phase byte

const (
	PhaseBegin          Phase = 'B'
	PhaseEnd            Phase = 'E'
	PhaseComplete       Phase = 'X'
	PhaseInstant        Phase = 'I'
	PhaseAsyncBegin     Phase = 'b'
	PhaseAsyncEnd       Phase = 'e'
	PhaseAsyncInstant   Phase = 'n'
	PhaseFlowBegin      Phase = 's'
	PhaseFlowStep       Phase = 't'
	PhaseFlowEnd        Phase = 'f'
	PhaseCounter        Phase = 'C'
	PhaseSample         Phase = 'P'
	PhaseCreateObject   Phase = 'N'
	PhaseSnapshotObject Phase = 'O'
	PhaseDeleteObject   Phase = 'D'
	PhaseMark           Phase = 'R'
	PhaseClockSync      Phase = 'c'
	PhaseMetadata       Phase = 'M'
)

func (p Phase) String() string { return string(rune(p)) }

// Flags modify how an event is interpreted.
type Flags uint32

const (
	FlagNone              Flags = 0
	FlagHasID             Flags = 1 << 1
	FlagExplicitTimestamp Flags = 1 << 4
	FlagAsyncTTS          Flags = 1 << 5
	FlagBindToEnclosing   Flags = 1 << 6
	FlagFlowIn            Flags = 1 << 7
	FlagFlowOut           Flags = 1 << 8
	FlagHasContextID      Flags = 1 << 9
	FlagHasProcessID      Flags = 1 << 10
	FlagHasLocalID        Flags = 1 << 11
	FlagHasGlobalID       Flags = 1 << 12

	// Instant events encode their scope in bits 2 and 3.
	FlagScopeGlobal  Flags = 0 << 2
	FlagScopeProcess Flags = 1 << 2
	FlagScopeThread  Flags = 2 << 2
	FlagScopeMask    Flags = 3 << 2
)

// Scope returns the instant-event scope letter: "g", "p", or "t".
func (f Flags) Scope() string {
	switch f & FlagScopeMask {
	case FlagScopeGlobal:
		return "g"
	case FlagScopeProcess:
		return "p"
	default:
		return "t"
	}
}

//
//
//

// MaxArgs is the maximum number of arguments an event can carry.
const MaxArgs = 3

// ArgKind is the type of an argument value.
type ArgKind uint8

const (
	ArgNone ArgKind = iota
	ArgBool
	ArgInt
	ArgUint
	ArgDouble
	ArgPointer
	ArgString
	ArgConvertable
)

// Convertable is implemented by structured argument values that know how to
// render themselves as trace format JSON.
type Convertable interface {
	AppendAsTraceFormat(dst []byte) []byte
}

// Arg is a single named, typed argument. Construct args with Bool, Int, Uint,
// Double, Pointer, String, or Object.
type Arg struct {
	Name string
	Kind ArgKind
	bits uint64
	str  string
	obj  Convertable
}

func Bool(name string, v bool) Arg {
	a := Arg{Name: name, Kind: ArgBool}
	if v {
		a.bits = 1
	}
	return a
}

func Int(name string, v int64) Arg { return Arg{Name: name, Kind: ArgInt, bits: uint64(v)} }

func Uint(name string, v uint64) Arg { return Arg{Name: name, Kind: ArgUint, bits: v} }

func Double(name string, v float64) Arg {
	return Arg{Name: name, Kind: ArgDouble, bits: math.Float64bits(v)}
}

func Pointer(name string, v uintptr) Arg { return Arg{Name: name, Kind: ArgPointer, bits: uint64(v)} }

func String(name, v string) Arg { return Arg{Name: name, Kind: ArgString, str: v} }

// Object returns an argument with a structured value.
func Object(name string, v Convertable) Arg { return Arg{Name: name, Kind: ArgConvertable, obj: v} }

// Value returns the argument value as a plain Go value. Pointers are rendered
// as hex strings, and convertables as their trace format bytes.
func (a Arg) Value() any {
	switch a.Kind {
	case ArgBool:
		return a.bits != 0
	case ArgInt:
		return int64(a.bits)
	case ArgUint:
		return a.bits
	case ArgDouble:
		return math.Float64frombits(a.bits)
	case ArgPointer:
		return fmt.Sprintf("0x%x", a.bits)
	case ArgString:
		return a.str
	case ArgConvertable:
		if a.obj == nil {
			return nil
		}
		return string(a.obj.AppendAsTraceFormat(nil))
	default:
		return nil
	}
}

//
//
//

// Handle identifies one event in the active buffer, so that a call site can
// later patch its duration. The zero value is invalid. Handles are plain values
// and are resolved only through the engine, never cached across a flush.
type Handle struct {
	ChunkSeq   uint32
	ChunkIndex uint32
	EventIndex uint16
}

// IsValid returns false for the zero handle.
func (h Handle) IsValid() bool { return h.ChunkSeq != 0 }

func (h Handle) String() string {
	return fmt.Sprintf("%d/%d/%d", h.ChunkSeq, h.ChunkIndex, h.EventIndex)
}

// EventParams are the optional fields of an added event.
type EventParams struct {
	Scope     string
	ID        uint64
	BindID    uint64
	ProcessID int           // used with FlagHasProcessID
	ThreadID  int           // zero means the calling thread
	Timestamp time.Duration // used with FlagExplicitTimestamp
	Flags     Flags
	Args      []Arg // at most MaxArgs, extras are ignored
}

// TraceEvent is a single recorded event. Timestamps are offsets from the
// engine's epoch. Once written into a chunk, only the duration fields of an
// open complete event are ever modified.
type TraceEvent struct {
	Timestamp        time.Duration
	Duration         time.Duration // complete events only, -1 while open
	ThreadTimestamp  time.Duration
	ThreadDuration   time.Duration
	InstructionCount int64
	InstructionDelta int64
	ID               uint64
	BindID           uint64
	Category         *Category
	Name             string
	Scope            string
	ProcessID        int
	ThreadID         int
	Phase            Phase
	Flags            Flags
	NumArgs          int
	Args             [MaxArgs]Arg
}

// CategoryName returns the name of the event's category group.
func (ev *TraceEvent) CategoryName() string {
	if ev.Category == nil {
		return ""
	}
	return ev.Category.Name()
}

// Arg returns the argument with the given name.
func (ev *TraceEvent) Arg(name string) (Arg, bool) {
	for i := 0; i < ev.NumArgs; i++ {
		if ev.Args[i].Name == name {
			return ev.Args[i], true
		}
	}
	return Arg{}, false
}

func (ev *TraceEvent) reset() {
	*ev = TraceEvent{}
}

func (ev *TraceEvent) initialize(
	ts, threadTS time.Duration,
	instructions int64,
	phase Phase,
	cat *Category,
	name string,
	pid, tid int,
	p *EventParams,
) {
	ev.Timestamp = ts
	ev.Duration = -1
	ev.ThreadTimestamp = threadTS
	ev.ThreadDuration = -1
	ev.InstructionCount = instructions
	ev.InstructionDelta = -1
	ev.ID = p.ID
	ev.BindID = p.BindID
	ev.Category = cat
	ev.Name = name
	ev.Scope = p.Scope
	ev.ProcessID = pid
	ev.ThreadID = tid
	ev.Phase = phase
	ev.Flags = p.Flags
	ev.NumArgs = copy(ev.Args[:], p.Args)
}

// updateDuration closes an open complete event.
func (ev *TraceEvent) updateDuration(now, threadNow time.Duration, instructions int64) {
	if ev.Phase != PhaseComplete || ev.Duration >= 0 {
		return
	}
	ev.Duration = max(now-ev.Timestamp, 0)
	if threadNow > 0 {
		ev.ThreadDuration = max(threadNow-ev.ThreadTimestamp, 0)
	}
	if instructions > 0 {
		ev.InstructionDelta = max(instructions-ev.InstructionCount, 0)
	}
}
