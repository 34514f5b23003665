package tracelog_test

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/peterbourgon/tracelog"
)

func TestArgumentFilter(t *testing.T) {
	t.Parallel()

	argFilter := func(category, name string) (bool, func(string) bool) {
		if name == "secret" {
			return false, nil
		}
		return true, func(arg string) bool { return arg == "ok" }
	}

	tl := newTestTraceLog(t, tracelog.WithArgumentFilter(argFilter))
	mustEnable(t, tl, mustConfig(t, "foo", "enable-argument-filter"), tracelog.RecordingMode)

	var (
		th  = tl.NewThread("main")
		cat = tl.GetCategory("foo")
	)
	th.Instant(cat, "secret", tracelog.String("password", "hunter2"))
	th.Instant(cat, "public", tracelog.String("ok", "yes"), tracelog.String("bad", "no"))

	mustDisable(t, tl)
	_, events := flushRecords(t, tl, th)

	secret, _ := findRecord(events, "secret")
	if want, have := any("__stripped__"), secret.Args; want != have {
		t.Errorf("secret args: want %v, have %v", want, have)
	}

	public, _ := findRecord(events, "public")
	if want, have := map[string]any{"ok": "yes", "bad": "__stripped__"}, public.ArgMap(); !cmp.Equal(want, have) {
		t.Error(cmp.Diff(want, have))
	}
}

func TestArgumentFilterNotEnabled(t *testing.T) {
	t.Parallel()

	tl := newTestTraceLog(t, tracelog.WithArgumentFilter(func(string, string) (bool, func(string) bool) {
		return false, nil
	}))
	mustEnable(t, tl, mustConfig(t, "foo", ""), tracelog.RecordingMode)

	th := tl.NewThread("main")
	th.Instant(tl.GetCategory("foo"), "event", tracelog.Int("n", 1))

	mustDisable(t, tl)
	_, events := flushRecords(t, tl, th)

	if want, have := map[string]any{"n": 1.0}, events[0].ArgMap(); !cmp.Equal(want, have) {
		t.Error(cmp.Diff(want, have))
	}
}

type point struct{ x, y int }

func (p point) AppendAsTraceFormat(dst []byte) []byte {
	buf, _ := json.Marshal(map[string]int{"x": p.x, "y": p.y})
	return append(dst, buf...)
}

func TestEventRecordFields(t *testing.T) {
	t.Parallel()

	tl := newTestTraceLog(t)
	mustEnable(t, tl, mustConfig(t, "foo", ""), tracelog.RecordingMode)

	var (
		th  = tl.NewThread("main")
		cat = tl.GetCategory("foo")
	)

	th.AddTraceEvent(tracelog.PhaseInstant, cat, "args", tracelog.EventParams{
		Flags: tracelog.FlagScopeProcess,
		Args: []tracelog.Arg{
			tracelog.Double("nan", math.NaN()),
			tracelog.Object("point", point{1, 2}),
			tracelog.Bool("flag", true),
		},
	})
	th.AddTraceEvent(tracelog.PhaseAsyncBegin, cat, "async", tracelog.EventParams{
		Flags: tracelog.FlagHasID,
		ID:    0xff,
	})
	th.AddTraceEvent(tracelog.PhaseAsyncBegin, cat, "local", tracelog.EventParams{
		Flags: tracelog.FlagHasLocalID,
		ID:    0x10,
	})
	th.AddTraceEvent(tracelog.PhaseFlowBegin, cat, "flow", tracelog.EventParams{
		Flags:  tracelog.FlagFlowOut,
		BindID: 0xab,
	})
	th.AddTraceEvent(tracelog.PhaseInstant, cat, "other-process", tracelog.EventParams{
		Flags:     tracelog.FlagHasProcessID,
		ProcessID: 99,
	})

	mustDisable(t, tl)
	_, events := flushRecords(t, tl, th)

	args, _ := findRecord(events, "args")
	if want, have := "p", args.InstantScope; want != have {
		t.Errorf("scope: want %q, have %q", want, have)
	}
	wantArgs := map[string]any{
		"nan":   "NaN",
		"point": map[string]any{"x": 1.0, "y": 2.0},
		"flag":  true,
	}
	if have := args.ArgMap(); !cmp.Equal(wantArgs, have) {
		t.Error(cmp.Diff(wantArgs, have))
	}

	async, _ := findRecord(events, "async")
	if want, have := "0xff", async.ID; want != have {
		t.Errorf("id: want %q, have %q", want, have)
	}

	local, _ := findRecord(events, "local")
	if local.ID2 == nil || local.ID2.Local != "0x10" {
		t.Errorf("id2: have %+v", local.ID2)
	}

	flow, _ := findRecord(events, "flow")
	if want, have := "0xab", flow.BindID; want != have {
		t.Errorf("bind_id: want %q, have %q", want, have)
	}
	if !flow.FlowOut || flow.FlowIn {
		t.Errorf("flow flags: in %v, out %v", flow.FlowIn, flow.FlowOut)
	}

	other, _ := findRecord(events, "other-process")
	if want, have := 99, other.ProcessID; want != have {
		t.Errorf("pid: want %d, have %d", want, have)
	}
}

func TestMsgpackSerializer(t *testing.T) {
	t.Parallel()

	tl := newTestTraceLog(t, tracelog.WithSerializer(tracelog.MsgpackSerializer{}))
	mustEnable(t, tl, mustConfig(t, "foo", ""), tracelog.RecordingMode)

	th := tl.NewThread("main")
	cat := tl.GetCategory("foo")
	th.Instant(cat, "a", tracelog.String("k", "v"))
	th.Region(cat, "b")()

	mustDisable(t, tl)

	c := tracelog.NewCollector(tracelog.MsgpackSerializer{})
	if err := tl.Flush(tracelog.WithThread(context.Background(), th), c.Output); err != nil {
		t.Fatal(err)
	}

	recs, err := tracelog.DecodeMsgpackEvents(c.Bytes())
	if err != nil {
		t.Fatal(err)
	}

	var names []string
	for _, rec := range recs {
		if rec.Phase != "M" {
			names = append(names, rec.Name)
		}
	}
	if want, have := []string{"a", "b"}, names; !cmp.Equal(want, have) {
		t.Fatal(cmp.Diff(want, have))
	}

	b := recs[len(recs)-1]
	if want, have := "X", b.Phase; want != have {
		t.Errorf("phase: want %q, have %q", want, have)
	}
	if b.Duration == nil {
		t.Errorf("complete event without duration")
	}
}

func TestTraceFileWriter(t *testing.T) {
	t.Parallel()

	tl := newTestTraceLog(t)
	mustEnable(t, tl, mustConfig(t, "foo", ""), tracelog.RecordingMode)

	th := tl.NewThread("main")
	for i := 0; i < 3; i++ {
		th.Instant(tl.GetCategory("foo"), "event")
	}

	mustDisable(t, tl)

	var buf bytes.Buffer
	w := tracelog.NewTraceFileWriter(&buf)
	if err := tl.Flush(tracelog.WithThread(context.Background(), th), w.Output); err != nil {
		t.Fatal(err)
	}
	if err := w.Err(); err != nil {
		t.Fatal(err)
	}

	var doc struct {
		TraceEvents []tracelog.EventRecord `json:"traceEvents"`
	}
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("%v\n%s", err, buf.String())
	}

	var n int
	for _, rec := range doc.TraceEvents {
		if rec.Name == "event" {
			n++
		}
	}
	if want, have := 3, n; want != have {
		t.Errorf("events: want %d, have %d", want, have)
	}
}

func TestTraceFileWriterEmpty(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := tracelog.NewTraceFileWriter(&buf)
	w.Output(nil, false)

	if want, have := `{"traceEvents":[]}`, strings.TrimSpace(buf.String()); want != have {
		t.Errorf("want %s, have %s", want, have)
	}
}

func TestFlushBatches(t *testing.T) {
	t.Parallel()

	tl := newTestTraceLog(t)
	mustEnable(t, tl, mustConfig(t, "foo", ""), tracelog.RecordingMode)

	var (
		th   = tl.NewThread("main")
		cat  = tl.GetCategory("foo")
		long = strings.Repeat("x", 1000)
	)
	for i := 0; i < 500; i++ {
		th.Instant(cat, "event", tracelog.String("payload", long))
	}

	mustDisable(t, tl)

	var calls []int
	c := tracelog.NewCollector(tracelog.JSONSerializer{})
	out := func(data []byte, hasMore bool) {
		calls = append(calls, len(data))
		c.Output(data, hasMore)
	}
	if err := tl.Flush(tracelog.WithThread(context.Background(), th), out); err != nil {
		t.Fatal(err)
	}

	if len(calls) < 4 {
		t.Errorf("want multiple batches, have %v", calls)
	}

	recs, err := tracelog.DecodeJSONEvents(c.Bytes())
	if err != nil {
		t.Fatal(err)
	}

	var n int
	for _, rec := range recs {
		if rec.Name == "event" {
			n++
		}
	}
	if want, have := 500, n; want != have {
		t.Errorf("events: want %d, have %d", want, have)
	}
}
