package tracelog_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/peterbourgon/tracelog"
)

func TestParseCategoryFilter(t *testing.T) {
	t.Parallel()

	for _, testcase := range []struct {
		filter string
		group  string
		want   bool
	}{
		{"", "foo", true},
		{"", "disabled-by-default-foo", false},
		{"*", "foo", true},
		{"*", "disabled-by-default-foo", false},
		{"foo", "foo", true},
		{"foo", "bar", false},
		{"foo*", "foobar", true},
		{"foo*", "barfoo", false},
		{"-foo", "foo", false},
		{"-foo", "bar", true},
		{"-foo*", "foobar", false},
		{"foo,-bar", "baz", false},
		{"foo,-bar", "bar", false},
		{"foo,-bar", "foo", true},
		{"*,-foo", "foo", false},
		{"*,-foo", "bar", true},
		{"foo", "bar,foo", true},
		{"-foo", "foo,bar", true},
		{"-foo,-bar", "foo,bar", false},
		{"foo*,-foobar", "foobar", false},
		{"foo*,-foobar", "foobar,foobaz", true},
		{"disabled-by-default-foo", "disabled-by-default-foo", true},
		{"disabled-by-default-foo", "foo", true},
		{"disabled-by-default-*", "disabled-by-default-bar", true},
		{"foo,disabled-by-default-foo", "foo,disabled-by-default-foo", true},
	} {
		f, err := tracelog.ParseCategoryFilter(testcase.filter)
		if err != nil {
			t.Errorf("%q: %v", testcase.filter, err)
			continue
		}
		if want, have := testcase.want, f.IsCategoryGroupEnabled(testcase.group); want != have {
			t.Errorf("filter %q, group %q: want %v, have %v", testcase.filter, testcase.group, want, have)
		}
	}
}

func TestParseCategoryFilterErrors(t *testing.T) {
	t.Parallel()

	for _, s := range []string{
		"foo,,bar",
		" foo",
		"foo ",
		"f*o",
		"foo**",
		"fo?",
		"foo[1]",
		"-",
	} {
		if _, err := tracelog.ParseCategoryFilter(s); !errors.Is(err, tracelog.ErrInvalidConfig) {
			t.Errorf("%q: want %v, have %v", s, tracelog.ErrInvalidConfig, err)
		}
	}
}

func TestCategoryFilterString(t *testing.T) {
	t.Parallel()

	f := mustFilter(t, "foo,-bar,disabled-by-default-baz,foo")
	if want, have := "foo,disabled-by-default-baz,-bar", f.String(); want != have {
		t.Errorf("want %q, have %q", want, have)
	}
	if want, have := f.String(), mustFilter(t, f.String()).String(); want != have {
		t.Errorf("round trip: want %q, have %q", want, have)
	}
}

func TestCategoryFilterMerge(t *testing.T) {
	t.Parallel()

	for _, testcase := range []struct {
		a, b string
		want string
	}{
		{"foo", "bar", "foo,bar"},
		{"foo", "", ""},
		{"", "foo", ""},
		{"foo,-x", "bar,-y", "foo,bar,-x,-y"},
		{"-x", "disabled-by-default-z", "disabled-by-default-z,-x"},
	} {
		f := mustFilter(t, testcase.a)
		f.Merge(mustFilter(t, testcase.b))
		if want, have := testcase.want, f.String(); want != have {
			t.Errorf("%q + %q: want %q, have %q", testcase.a, testcase.b, want, have)
		}
	}
}

func TestParseTraceConfig(t *testing.T) {
	t.Parallel()

	cfg, err := tracelog.ParseTraceConfig("foo,-bar", "record-continuously,enable-argument-filter")
	if err != nil {
		t.Fatal(err)
	}
	if want, have := tracelog.RecordContinuously, cfg.RecordMode; want != have {
		t.Errorf("mode: want %s, have %s", want, have)
	}
	if want, have := true, cfg.EnableArgumentFilter; want != have {
		t.Errorf("argument filter: want %v, have %v", want, have)
	}
	if want, have := "foo,-bar", cfg.Categories.String(); want != have {
		t.Errorf("categories: want %q, have %q", want, have)
	}

	if _, err := tracelog.ParseTraceConfig("foo", "record-forever"); !errors.Is(err, tracelog.ErrInvalidConfig) {
		t.Errorf("bad option: want %v, have %v", tracelog.ErrInvalidConfig, err)
	}
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	for _, testcase := range []struct {
		input string
		want  tracelog.Mode
	}{
		{"", 0},
		{"disabled", 0},
		{"recording", tracelog.RecordingMode},
		{"filtering", tracelog.FilteringMode},
		{"recording|filtering", tracelog.AllModes},
		{"filtering, recording", tracelog.AllModes},
		{"all", tracelog.AllModes},
	} {
		have, err := tracelog.ParseMode(testcase.input)
		if err != nil {
			t.Errorf("%q: %v", testcase.input, err)
			continue
		}
		if want := testcase.want; want != have {
			t.Errorf("%q: want %s, have %s", testcase.input, want, have)
		}
		if roundtrip, err := tracelog.ParseMode(have.String()); err != nil || roundtrip != have {
			t.Errorf("%q: round trip: %s, %v", testcase.input, roundtrip, err)
		}
	}

	if _, err := tracelog.ParseMode("recording|sampling"); !errors.Is(err, tracelog.ErrInvalidConfig) {
		t.Errorf("want %v, have %v", tracelog.ErrInvalidConfig, err)
	}
}

func TestLoadTraceConfig(t *testing.T) {
	t.Parallel()

	files := map[string]string{
		"config.json": `{
			"record_mode": "record-continuously",
			"trace_buffer_size_in_events": 1000,
			"enable_argument_filter": true,
			"included_categories": ["foo", "disabled-by-default-bar"],
			"excluded_categories": ["baz"],
			"event_filters": [{
				"filter_predicate": "event_allowlist_predicate",
				"included_categories": ["foo"],
				"filter_args": {"event_name_allowlist": ["a", "b"]}
			}]
		}`,
		"config.yaml": `
record_mode: record-continuously
trace_buffer_size_in_events: 1000
enable_argument_filter: true
included_categories: [foo, disabled-by-default-bar]
excluded_categories: [baz]
event_filters:
  - filter_predicate: event_allowlist_predicate
    included_categories: [foo]
    filter_args:
      event_name_allowlist: [a, b]
`,
		"config.toml": `
record_mode = "record-continuously"
trace_buffer_size_in_events = 1000
enable_argument_filter = true
included_categories = ["foo", "disabled-by-default-bar"]
excluded_categories = ["baz"]

[[event_filters]]
filter_predicate = "event_allowlist_predicate"
included_categories = ["foo"]
filter_args = { event_name_allowlist = ["a", "b"] }
`,
	}

	dir := t.TempDir()
	for name, data := range files {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
				t.Fatal(err)
			}

			cfg, err := tracelog.LoadTraceConfig(path)
			if err != nil {
				t.Fatal(err)
			}

			if want, have := tracelog.RecordContinuously, cfg.RecordMode; want != have {
				t.Errorf("mode: want %s, have %s", want, have)
			}
			if want, have := 1000, cfg.BufferSizeInEvents; want != have {
				t.Errorf("buffer size: want %d, have %d", want, have)
			}
			if want, have := true, cfg.EnableArgumentFilter; want != have {
				t.Errorf("argument filter: want %v, have %v", want, have)
			}
			if want, have := "foo,disabled-by-default-bar,-baz", cfg.Categories.String(); want != have {
				t.Errorf("categories: want %q, have %q", want, have)
			}
			if want, have := 1, len(cfg.EventFilters); want != have {
				t.Fatalf("filters: want %d, have %d", want, have)
			}
			if want, have := tracelog.AllowlistPredicate, cfg.EventFilters[0].Predicate; want != have {
				t.Errorf("predicate: want %q, have %q", want, have)
			}

			tl := newTestTraceLog(t)
			mustEnable(t, tl, cfg, tracelog.AllModes)
		})
	}
}

func TestLoadTraceConfigErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for name, data := range map[string]string{
		"unknown-key.json": `{"categories": "foo"}`,
		"bad-mode.yaml":    `record_mode: sometimes`,
		"bad-filter.toml":  `included_categories = ["f*o"]`,
		"config.ini":       `[foo]`,
	} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := tracelog.LoadTraceConfig(path); !errors.Is(err, tracelog.ErrInvalidConfig) {
			t.Errorf("%s: want %v, have %v", name, tracelog.ErrInvalidConfig, err)
		}
	}
}

func TestTraceConfigFileRoundTrip(t *testing.T) {
	t.Parallel()

	cfg := mustConfig(t, "foo,-bar", "record-as-much-as-possible")
	cfg.BufferSizeInEvents = 10

	have, err := tracelog.NewTraceConfigFile(cfg).TraceConfig()
	if err != nil {
		t.Fatal(err)
	}
	if want, have := cfg.String(), have.String(); want != have {
		t.Errorf("want %s, have %s", want, have)
	}
	if !cmp.Equal(cfg.Categories.Included(), have.Categories.Included()) {
		t.Error(cmp.Diff(cfg.Categories.Included(), have.Categories.Included()))
	}
}
