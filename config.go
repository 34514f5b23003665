package tracelog

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Mode is a bitmask of independently enabled engine modes.
type Mode uint8

const (
	// RecordingMode buffers events in enabled categories for a later flush.
	RecordingMode Mode = 1 << 0

	// FilteringMode passes events in filtered categories to event filters.
	FilteringMode Mode = 1 << 1

	// AllModes is every mode.
	AllModes = RecordingMode | FilteringMode
)

func (m Mode) String() string {
	var parts []string
	if m&RecordingMode != 0 {
		parts = append(parts, "recording")
	}
	if m&FilteringMode != 0 {
		parts = append(parts, "filtering")
	}
	if len(parts) <= 0 {
		return "disabled"
	}
	return strings.Join(parts, "|")
}

// ParseMode parses a "|" or "," separated list of mode names, as produced by
// Mode.String. The empty string and "disabled" parse to zero.
func ParseMode(s string) (Mode, error) {
	var m Mode
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' }) {
		switch strings.TrimSpace(part) {
		case "recording":
			m |= RecordingMode
		case "filtering":
			m |= FilteringMode
		case "all":
			m |= AllModes
		case "disabled", "":
		default:
			return 0, fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, part)
		}
	}
	return m, nil
}

// RecordMode selects the buffer discipline for a recording session.
type RecordMode int

const (
	// RecordUntilFull uses a bounded vector buffer, and drops events once it's
	// full.
	RecordUntilFull RecordMode = iota

	// RecordContinuously uses a ring buffer, recycling the oldest chunks.
	RecordContinuously

	// RecordAsMuchAsPossible uses a much larger bounded vector buffer.
	RecordAsMuchAsPossible

	// EchoToConsole uses a small ring buffer, and writes every event to the
	// engine's echo writer as it's added.
	EchoToConsole
)

const (
	recordUntilFullString        = "record-until-full"
	recordContinuouslyString     = "record-continuously"
	recordAsMuchAsPossibleString = "record-as-much-as-possible"
	echoToConsoleString          = "trace-to-console"
	enableArgumentFilterString   = "enable-argument-filter"
)

func (m RecordMode) String() string {
	switch m {
	case RecordUntilFull:
		return recordUntilFullString
	case RecordContinuously:
		return recordContinuouslyString
	case RecordAsMuchAsPossible:
		return recordAsMuchAsPossibleString
	case EchoToConsole:
		return echoToConsoleString
	default:
		return fmt.Sprintf("RecordMode(%d)", int(m))
	}
}

// ParseRecordMode parses the long form of a record mode, e.g.
// "record-continuously", or the short form, e.g. "continuously".
func ParseRecordMode(s string) (RecordMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case recordUntilFullString, "until-full", "":
		return RecordUntilFull, nil
	case recordContinuouslyString, "continuously":
		return RecordContinuously, nil
	case recordAsMuchAsPossibleString, "as-much-as-possible":
		return RecordAsMuchAsPossible, nil
	case echoToConsoleString, "echo-to-console":
		return EchoToConsole, nil
	default:
		return 0, fmt.Errorf("%w: unknown record mode %q", ErrInvalidConfig, s)
	}
}

//
//
//

const disabledByDefaultPrefix = "disabled-by-default-"

// CategoryFilter decides which category groups are enabled. It's parsed from
// a comma-separated list of terms, where "foo" includes category foo, "-foo"
// excludes it, and a single trailing "*" matches any suffix.
//
// For a single category, excluded patterns win over included ones. If any
// include is given, only matching categories are enabled; otherwise every
// category that isn't excluded is enabled. Categories prefixed with
// "disabled-by-default-" are only ever enabled by an explicit include. A group
// ("foo,bar") is enabled if any of its members is enabled, even when other
// members are excluded.
type CategoryFilter struct {
	included []string
	disabled []string
	excluded []string
}

// ParseCategoryFilter parses a category filter string. Malformed terms are an
// error, rather than being silently ignored.
func ParseCategoryFilter(s string) (CategoryFilter, error) {
	var f CategoryFilter
	if strings.TrimSpace(s) == "" {
		return f, nil
	}

	for _, term := range strings.Split(s, ",") {
		exclude := strings.HasPrefix(term, "-")
		pattern := strings.TrimPrefix(term, "-")

		if err := validatePattern(pattern); err != nil {
			return CategoryFilter{}, fmt.Errorf("%w: term %q: %w", ErrInvalidConfig, term, err)
		}

		switch {
		case exclude:
			f.excluded = appendUnique(f.excluded, pattern)
		case strings.HasPrefix(pattern, disabledByDefaultPrefix):
			f.disabled = appendUnique(f.disabled, pattern)
		default:
			f.included = appendUnique(f.included, pattern)
		}
	}

	return f, nil
}

var (
	errEmptyPattern    = errors.New("empty pattern")
	errPatternSpace    = errors.New("leading or trailing whitespace")
	errPatternWildcard = errors.New("only a single trailing * wildcard is allowed")
)

func validatePattern(p string) error {
	switch {
	case p == "":
		return errEmptyPattern
	case strings.TrimSpace(p) != p:
		return errPatternSpace
	case strings.ContainsAny(p, "?[]\\"):
		return errPatternWildcard
	case strings.Count(p, "*") > 1:
		return errPatternWildcard
	case strings.Contains(p, "*") && !strings.HasSuffix(p, "*"):
		return errPatternWildcard
	}
	return nil
}

func matchPattern(pattern, name string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(name, prefix)
	}
	return pattern == name
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if matchPattern(p, name) {
			return true
		}
	}
	return false
}

func isDisabledByDefault(name string) bool {
	return strings.HasPrefix(name, disabledByDefaultPrefix)
}

// IsEmpty returns true if the filter has no terms at all.
func (f CategoryFilter) IsEmpty() bool {
	return len(f.included)+len(f.disabled)+len(f.excluded) <= 0
}

// IsCategoryGroupEnabled returns true if the group, which may be a
// comma-separated list of category names, is enabled by the filter.
func (f CategoryFilter) IsCategoryGroupEnabled(group string) bool {
	names := strings.Split(group, ",")

	// Any enabled member enables the whole group.
	for _, name := range names {
		if isDisabledByDefault(name) {
			if matchAny(f.disabled, name) {
				return true
			}
			continue
		}
		if matchAny(f.included, name) && !matchAny(f.excluded, name) {
			return true
		}
	}

	if len(f.included) > 0 {
		return false
	}

	// No includes: any ordinary member that isn't excluded enables the group.
	for _, name := range names {
		if isDisabledByDefault(name) {
			continue
		}
		if !matchAny(f.excluded, name) {
			return true
		}
	}

	return false
}

// Merge combines other into f, the way nested enable calls combine. Included
// patterns are kept only if both filters have them, because an empty include
// list means "everything". Excluded and disabled-by-default patterns are
// unioned.
func (f *CategoryFilter) Merge(other CategoryFilter) {
	if len(f.included) > 0 && len(other.included) > 0 {
		for _, p := range other.included {
			f.included = appendUnique(f.included, p)
		}
	} else {
		f.included = nil
	}
	for _, p := range other.disabled {
		f.disabled = appendUnique(f.disabled, p)
	}
	for _, p := range other.excluded {
		f.excluded = appendUnique(f.excluded, p)
	}
}

// String renders the filter in its parseable form.
func (f CategoryFilter) String() string {
	terms := make([]string, 0, len(f.included)+len(f.disabled)+len(f.excluded))
	terms = append(terms, f.included...)
	terms = append(terms, f.disabled...)
	for _, p := range f.excluded {
		terms = append(terms, "-"+p)
	}
	return strings.Join(terms, ",")
}

// Included returns the include patterns, including disabled-by-default ones.
func (f CategoryFilter) Included() []string {
	return append(slices.Clone(f.included), f.disabled...)
}

// Excluded returns the exclude patterns.
func (f CategoryFilter) Excluded() []string {
	return slices.Clone(f.excluded)
}

func (f CategoryFilter) clone() CategoryFilter {
	return CategoryFilter{
		included: slices.Clone(f.included),
		disabled: slices.Clone(f.disabled),
		excluded: slices.Clone(f.excluded),
	}
}

func appendUnique(list []string, s string) []string {
	if slices.Contains(list, s) {
		return list
	}
	return append(list, s)
}

//
//
//

// EventFilterConfig describes one event filter: the name of a registered
// predicate, the categories it applies to, and predicate-specific arguments.
type EventFilterConfig struct {
	Predicate  string
	Categories CategoryFilter
	Args       map[string]any
}

// MaxEventFilters is the maximum number of simultaneously enabled filters.
const MaxEventFilters = 32

// TraceConfig is the complete configuration for enabling the engine.
type TraceConfig struct {
	Categories           CategoryFilter
	RecordMode           RecordMode
	BufferSizeInEvents   int // zero means the default for the record mode
	EnableArgumentFilter bool
	EventFilters         []EventFilterConfig
}

// ParseTraceConfig builds a config from a category filter string and a
// comma-separated options string, e.g. "record-continuously,enable-argument-filter".
func ParseTraceConfig(categories, options string) (TraceConfig, error) {
	filter, err := ParseCategoryFilter(categories)
	if err != nil {
		return TraceConfig{}, err
	}

	cfg := TraceConfig{Categories: filter}
	for _, opt := range strings.Split(options, ",") {
		switch opt = strings.TrimSpace(opt); opt {
		case "":
			continue
		case enableArgumentFilterString:
			cfg.EnableArgumentFilter = true
		default:
			mode, err := ParseRecordMode(opt)
			if err != nil {
				return TraceConfig{}, fmt.Errorf("options: %w", err)
			}
			cfg.RecordMode = mode
		}
	}

	return cfg, nil
}

// Validate checks the config for errors that can be detected without an
// engine, e.g. too many event filters.
func (c TraceConfig) Validate() error {
	if c.BufferSizeInEvents < 0 {
		return fmt.Errorf("%w: negative buffer size", ErrInvalidConfig)
	}
	if len(c.EventFilters) > MaxEventFilters {
		return fmt.Errorf("%w: %d event filters, max %d", ErrTooManyFilters, len(c.EventFilters), MaxEventFilters)
	}
	for i, fc := range c.EventFilters {
		if fc.Predicate == "" {
			return fmt.Errorf("%w: event filter %d: missing predicate", ErrInvalidConfig, i)
		}
	}
	return nil
}

// Merge combines other into c. The category filters are merged, and other's
// event filters are appended. The record mode and buffer size of c are kept.
func (c *TraceConfig) Merge(other TraceConfig) {
	c.Categories.Merge(other.Categories)
	c.EnableArgumentFilter = c.EnableArgumentFilter || other.EnableArgumentFilter
	c.EventFilters = append(c.EventFilters, other.EventFilters...)
}

// Clone returns a deep copy of the config.
func (c TraceConfig) Clone() TraceConfig {
	c.Categories = c.Categories.clone()
	c.EventFilters = slices.Clone(c.EventFilters)
	return c
}

// String renders the category filter and options.
func (c TraceConfig) String() string {
	s := fmt.Sprintf("categories=%q mode=%s", c.Categories.String(), c.RecordMode)
	if c.BufferSizeInEvents > 0 {
		s += fmt.Sprintf(" buffer=%d", c.BufferSizeInEvents)
	}
	if c.EnableArgumentFilter {
		s += " argfilter"
	}
	if n := len(c.EventFilters); n > 0 {
		s += fmt.Sprintf(" filters=%d", n)
	}
	return s
}
