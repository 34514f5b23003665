package tracelog_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/peterbourgon/tracelog"
)

func TestAllowlistFilter(t *testing.T) {
	t.Parallel()

	tl := newTestTraceLog(t)
	cfg := mustConfig(t, "foo,bar", "")
	cfg.EventFilters = []tracelog.EventFilterConfig{{
		Predicate:  tracelog.AllowlistPredicate,
		Categories: mustFilter(t, "foo"),
		Args:       map[string]any{"event_name_allowlist": []any{"keep*", "exact"}},
	}}
	mustEnable(t, tl, cfg, tracelog.AllModes)

	var (
		th  = tl.NewThread("main")
		foo = tl.GetCategory("foo")
		bar = tl.GetCategory("bar")
	)

	if foo.Filters() == 0 {
		t.Fatalf("foo: no filters enabled")
	}
	if bar.Filters() != 0 {
		t.Fatalf("bar: filters enabled")
	}

	th.Instant(foo, "keep-1")
	th.Instant(foo, "drop-1")
	th.Instant(foo, "exact")
	th.Instant(foo, "exactly")
	th.Instant(bar, "drop-2") // unfiltered category, recorded

	mustDisable(t, tl)
	_, events := flushRecords(t, tl, th)

	if want, have := []string{"keep-1", "exact", "drop-2"}, recordNames(events); !cmp.Equal(want, have) {
		t.Error(cmp.Diff(want, have))
	}
}

func TestCELFilter(t *testing.T) {
	t.Parallel()

	tl := newTestTraceLog(t)
	cfg := mustConfig(t, "foo", "")
	cfg.EventFilters = []tracelog.EventFilterConfig{{
		Predicate:  tracelog.CELPredicate,
		Categories: mustFilter(t, "foo"),
		Args:       map[string]any{"expression": `phase == "I" && (name.startsWith("keep") || args.size() > 1)`},
	}}
	mustEnable(t, tl, cfg, tracelog.AllModes)

	var (
		th  = tl.NewThread("main")
		foo = tl.GetCategory("foo")
	)

	th.Instant(foo, "keep")
	th.Instant(foo, "drop")
	th.Instant(foo, "two-args", tracelog.Int("a", 1), tracelog.Int("b", 2))
	th.Begin(foo, "keep-begin")

	mustDisable(t, tl)
	_, events := flushRecords(t, tl, th)

	if want, have := []string{"keep", "two-args"}, recordNames(events); !cmp.Equal(want, have) {
		t.Error(cmp.Diff(want, have))
	}
}

func TestFilterConfigErrors(t *testing.T) {
	t.Parallel()

	for _, testcase := range []struct {
		name   string
		filter tracelog.EventFilterConfig
		want   error
	}{
		{
			name:   "unknown predicate",
			filter: tracelog.EventFilterConfig{Predicate: "nope"},
			want:   tracelog.ErrUnknownPredicate,
		},
		{
			name:   "CEL syntax error",
			filter: tracelog.EventFilterConfig{Predicate: tracelog.CELPredicate, Args: map[string]any{"expression": "name ==="}},
			want:   tracelog.ErrInvalidConfig,
		},
		{
			name:   "CEL non-boolean",
			filter: tracelog.EventFilterConfig{Predicate: tracelog.CELPredicate, Args: map[string]any{"expression": "name"}},
			want:   tracelog.ErrInvalidConfig,
		},
		{
			name:   "CEL missing expression",
			filter: tracelog.EventFilterConfig{Predicate: tracelog.CELPredicate},
			want:   tracelog.ErrInvalidConfig,
		},
		{
			name:   "bad allowlist",
			filter: tracelog.EventFilterConfig{Predicate: tracelog.AllowlistPredicate, Args: map[string]any{"event_name_allowlist": 123}},
			want:   tracelog.ErrInvalidConfig,
		},
	} {
		t.Run(testcase.name, func(t *testing.T) {
			t.Parallel()

			tl := newTestTraceLog(t)
			cfg := mustConfig(t, "foo", "")
			cfg.EventFilters = []tracelog.EventFilterConfig{testcase.filter}

			if want, have := testcase.want, tl.SetEnabled(cfg, tracelog.AllModes); !errors.Is(have, want) {
				t.Errorf("want %v, have %v", want, have)
			}
			if tl.IsEnabled() {
				t.Errorf("engine enabled despite error")
			}
		})
	}

	t.Run("too many filters", func(t *testing.T) {
		t.Parallel()

		tl := newTestTraceLog(t)
		cfg := mustConfig(t, "foo", "")
		for i := 0; i <= tracelog.MaxEventFilters; i++ {
			cfg.EventFilters = append(cfg.EventFilters, tracelog.EventFilterConfig{Predicate: tracelog.StreamPredicate})
		}
		if want, have := tracelog.ErrTooManyFilters, tl.SetEnabled(cfg, tracelog.AllModes); !errors.Is(have, want) {
			t.Errorf("want %v, have %v", want, have)
		}
	})

	t.Run("filtering without filters", func(t *testing.T) {
		t.Parallel()

		tl := newTestTraceLog(t)
		if want, have := tracelog.ErrInvalidConfig, tl.SetEnabled(mustConfig(t, "foo", ""), tracelog.FilteringMode); !errors.Is(have, want) {
			t.Errorf("want %v, have %v", want, have)
		}
	})
}

type countingFilter struct {
	accept bool
	seen   []string
	ended  []string
}

func (f *countingFilter) FilterTraceEvent(ev *tracelog.TraceEvent) bool {
	f.seen = append(f.seen, ev.Name)
	return f.accept
}

func (f *countingFilter) EndEvent(category, name string) {
	f.ended = append(f.ended, category+"/"+name)
}

func TestCustomFilterPredicate(t *testing.T) {
	t.Parallel()

	var (
		accepting = &countingFilter{accept: true}
		rejecting = &countingFilter{accept: false}
	)

	tl := newTestTraceLog(t,
		tracelog.WithEventFilterPredicate("accept", func(*tracelog.TraceLog, tracelog.EventFilterConfig) (tracelog.EventFilter, error) {
			return accepting, nil
		}),
		tracelog.WithEventFilterPredicate("reject", func(*tracelog.TraceLog, tracelog.EventFilterConfig) (tracelog.EventFilter, error) {
			return rejecting, nil
		}),
	)

	cfg := mustConfig(t, "foo,bar", "")
	cfg.EventFilters = []tracelog.EventFilterConfig{
		{Predicate: "accept", Categories: mustFilter(t, "foo")},
		{Predicate: "reject", Categories: mustFilter(t, "foo,bar")},
	}
	mustEnable(t, tl, cfg, tracelog.AllModes)

	var (
		th  = tl.NewThread("main")
		foo = tl.GetCategory("foo")
		bar = tl.GetCategory("bar")
	)

	th.Region(foo, "foo-region")()
	th.Instant(bar, "bar-instant")

	mustDisable(t, tl)
	_, events := flushRecords(t, tl, th)

	// One accepting filter is enough to record.
	if want, have := []string{"foo-region"}, recordNames(events); !cmp.Equal(want, have) {
		t.Error(cmp.Diff(want, have))
	}
	if want, have := []string{"foo-region"}, accepting.seen; !cmp.Equal(want, have) {
		t.Error(cmp.Diff(want, have))
	}
	if want, have := []string{"foo-region", "bar-instant"}, rejecting.seen; !cmp.Equal(want, have) {
		t.Error(cmp.Diff(want, have))
	}
	if want, have := []string{"foo/foo-region"}, accepting.ended; !cmp.Equal(want, have) {
		t.Error(cmp.Diff(want, have))
	}
}

func TestFilteringWithoutRecording(t *testing.T) {
	t.Parallel()

	filter := &countingFilter{accept: true}
	tl := newTestTraceLog(t, tracelog.WithEventFilterPredicate("count", func(*tracelog.TraceLog, tracelog.EventFilterConfig) (tracelog.EventFilter, error) {
		return filter, nil
	}))

	cfg := tracelog.TraceConfig{EventFilters: []tracelog.EventFilterConfig{{Predicate: "count", Categories: mustFilter(t, "foo")}}}
	mustEnable(t, tl, cfg, tracelog.FilteringMode)

	var (
		th  = tl.NewThread("main")
		foo = tl.GetCategory("foo")
	)

	if !foo.IsEnabled() || foo.IsEnabledForRecording() {
		t.Fatalf("filter-only category: state %08b", foo.State())
	}

	h, err := th.AddTraceEvent(tracelog.PhaseInstant, foo, "observed", tracelog.EventParams{})
	if err != nil {
		t.Fatal(err)
	}
	if h.IsValid() {
		t.Errorf("unrecorded event has a valid handle %s", h)
	}
	if want, have := []string{"observed"}, filter.seen; !cmp.Equal(want, have) {
		t.Error(cmp.Diff(want, have))
	}
	if want, have := tracelog.FilteringMode, tl.EnabledModes(); want != have {
		t.Errorf("modes: want %s, have %s", want, have)
	}
}

func TestStreamFilter(t *testing.T) {
	t.Parallel()

	tl := newTestTraceLog(t)
	cfg := mustConfig(t, "foo", "")
	cfg.EventFilters = []tracelog.EventFilterConfig{{
		Predicate:  tracelog.StreamPredicate,
		Categories: mustFilter(t, "foo"),
		Args:       map[string]any{"record": false},
	}}
	mustEnable(t, tl, cfg, tracelog.AllModes)

	var (
		th          = tl.NewThread("main")
		foo         = tl.GetCategory("foo")
		ctx, cancel = context.WithCancel(context.Background())
		ch          = make(chan tracelog.TraceEvent, 100)
		done        = make(chan tracelog.StreamStats, 1)
	)
	defer cancel()

	go func() {
		stats, _ := tl.Subscribe(ctx, func(ev tracelog.TraceEvent) bool { return ev.Name == "ping" }, ch)
		done <- stats
	}()

	var received tracelog.TraceEvent
	deadline := time.Now().Add(5 * time.Second)
	for received.Name == "" {
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for streamed event")
		}
		th.Instant(foo, "ping", tracelog.String("k", "v"))
		th.Instant(foo, "pong")
		select {
		case received = <-ch:
		case <-time.After(time.Millisecond):
		}
	}

	if want, have := "foo", received.CategoryName(); want != have {
		t.Errorf("category: want %q, have %q", want, have)
	}
	if a, ok := received.Arg("k"); !ok || a.Value() != "v" {
		t.Errorf("arg k: have %v (%v)", a.Value(), ok)
	}

	cancel()
	stats := <-done
	if stats.Sends <= 0 || stats.Skips <= 0 {
		t.Errorf("stats: %+v", stats)
	}

	mustDisable(t, tl)
	_, events := flushRecords(t, tl, th)
	if want, have := 0, len(events); want != have {
		t.Errorf("streamed events were recorded: %v", recordNames(events))
	}
}
