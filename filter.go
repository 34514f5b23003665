package tracelog

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
)

// EventFilter observes events in the categories it's enabled for, independent
// of recording. FilterTraceEvent returns true if the event may be recorded; an
// event rejected by every applicable filter isn't recorded. EndEvent is called
// when a complete event in a filtered category is closed.
//
// Filters are called from producer goroutines concurrently, and must not
// retain or modify the event.
type EventFilter interface {
	FilterTraceEvent(ev *TraceEvent) bool
	EndEvent(category, name string)
}

// EventFilterFactory constructs an event filter from its config. Factories are
// registered by predicate name.
type EventFilterFactory func(tl *TraceLog, cfg EventFilterConfig) (EventFilter, error)

// Builtin event filter predicates.
const (
	AllowlistPredicate = "event_allowlist_predicate"
	CELPredicate       = "cel_predicate"
	StreamPredicate    = "stream_predicate"
)

func builtinPredicates() map[string]EventFilterFactory {
	return map[string]EventFilterFactory{
		AllowlistPredicate: newAllowlistFilter,
		CELPredicate:       newCELFilter,
		StreamPredicate:    newStreamFilter,
	}
}

// buildEventFilters instantiates the filters named by the config.
func (tl *TraceLog) buildEventFilters(cfgs []EventFilterConfig) ([]EventFilter, error) {
	filters := make([]EventFilter, 0, len(cfgs))
	for i, cfg := range cfgs {
		factory, ok := tl.predicates[cfg.Predicate]
		if !ok {
			return nil, fmt.Errorf("event filter %d: %w: %q", i, ErrUnknownPredicate, cfg.Predicate)
		}
		f, err := factory(tl, cfg)
		if err != nil {
			return nil, fmt.Errorf("event filter %d (%s): %w", i, cfg.Predicate, err)
		}
		filters = append(filters, f)
	}
	return filters, nil
}

func stringsArg(args map[string]any, key string) ([]string, error) {
	switch v := args[key].(type) {
	case nil:
		return nil, nil
	case []string:
		return v, nil
	case string:
		return strings.Split(v, ","), nil
	case []any:
		res := make([]string, 0, len(v))
		for _, x := range v {
			s, ok := x.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s: want strings, have %T", ErrInvalidConfig, key, x)
			}
			res = append(res, s)
		}
		return res, nil
	default:
		return nil, fmt.Errorf("%w: %s: want strings, have %T", ErrInvalidConfig, key, v)
	}
}

//
//
//

// allowlistFilter accepts events whose name matches one of a set of patterns.
type allowlistFilter struct {
	patterns []string
}

func newAllowlistFilter(_ *TraceLog, cfg EventFilterConfig) (EventFilter, error) {
	patterns, err := stringsArg(cfg.Args, "event_name_allowlist")
	if err != nil {
		return nil, err
	}
	for _, p := range patterns {
		if err := validatePattern(p); err != nil {
			return nil, fmt.Errorf("%w: allowlist pattern %q: %w", ErrInvalidConfig, p, err)
		}
	}
	return &allowlistFilter{patterns: patterns}, nil
}

func (f *allowlistFilter) FilterTraceEvent(ev *TraceEvent) bool {
	return matchAny(f.patterns, ev.Name)
}

func (f *allowlistFilter) EndEvent(category, name string) {}

//
//
//

// celFilter accepts events for which a CEL expression evaluates to true. The
// expression can refer to category, name, phase, tid, and args.
type celFilter struct {
	prog cel.Program
}

func newCELFilter(_ *TraceLog, cfg EventFilterConfig) (EventFilter, error) {
	expr, _ := cfg.Args["expression"].(string)
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: cel_predicate requires an expression", ErrInvalidConfig)
	}

	env, err := cel.NewEnv(
		cel.Variable("category", cel.StringType),
		cel.Variable("name", cel.StringType),
		cel.Variable("phase", cel.StringType),
		cel.Variable("tid", cel.IntType),
		cel.Variable("args", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, err
	}

	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, iss.Err())
	}

	checked, iss := env.Check(ast)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, iss.Err())
	}

	if t := checked.OutputType(); !t.IsExactType(cel.BoolType) && !t.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("%w: expression must be boolean, is %s", ErrInvalidConfig, checked.OutputType())
	}

	prog, err := env.Program(checked)
	if err != nil {
		return nil, err
	}

	return &celFilter{prog: prog}, nil
}

func (f *celFilter) FilterTraceEvent(ev *TraceEvent) bool {
	args := make(map[string]any, ev.NumArgs)
	for i := 0; i < ev.NumArgs; i++ {
		args[ev.Args[i].Name] = ev.Args[i].Value()
	}

	out, _, err := f.prog.Eval(map[string]any{
		"category": ev.CategoryName(),
		"name":     ev.Name,
		"phase":    ev.Phase.String(),
		"tid":      int64(ev.ThreadID),
		"args":     args,
	})
	if err != nil {
		return false
	}

	b, ok := out.Value().(bool)
	return ok && b
}

func (f *celFilter) EndEvent(category, name string) {}

//
//
//

// streamFilter publishes a copy of every event to the engine's subscribers.
// It accepts events for recording unless the "record" arg is false.
type streamFilter struct {
	tl     *TraceLog
	record bool
}

func newStreamFilter(tl *TraceLog, cfg EventFilterConfig) (EventFilter, error) {
	record := true
	if v, ok := cfg.Args["record"]; ok {
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: record: want bool, have %T", ErrInvalidConfig, v)
		}
		record = b
	}
	return &streamFilter{tl: tl, record: record}, nil
}

func (f *streamFilter) FilterTraceEvent(ev *TraceEvent) bool {
	f.tl.broker.Publish(*ev)
	return f.record
}

func (f *streamFilter) EndEvent(category, name string) {}
