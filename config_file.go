package tracelog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// TraceConfigFile is the serialized form of a TraceConfig, as found in config
// files and HTTP requests. The keys follow the conventional trace config
// dictionary, e.g. included_categories and record_mode.
type TraceConfigFile struct {
	RecordMode           string            `json:"record_mode,omitempty" yaml:"record_mode,omitempty" toml:"record_mode,omitempty"`
	BufferSizeInEvents   int               `json:"trace_buffer_size_in_events,omitempty" yaml:"trace_buffer_size_in_events,omitempty" toml:"trace_buffer_size_in_events,omitempty"`
	EnableArgumentFilter bool              `json:"enable_argument_filter,omitempty" yaml:"enable_argument_filter,omitempty" toml:"enable_argument_filter,omitempty"`
	IncludedCategories   []string          `json:"included_categories,omitempty" yaml:"included_categories,omitempty" toml:"included_categories,omitempty"`
	ExcludedCategories   []string          `json:"excluded_categories,omitempty" yaml:"excluded_categories,omitempty" toml:"excluded_categories,omitempty"`
	EventFilters         []EventFilterFile `json:"event_filters,omitempty" yaml:"event_filters,omitempty" toml:"event_filters,omitempty"`
}

// EventFilterFile is the serialized form of an EventFilterConfig.
type EventFilterFile struct {
	Predicate          string         `json:"filter_predicate" yaml:"filter_predicate" toml:"filter_predicate"`
	IncludedCategories []string       `json:"included_categories,omitempty" yaml:"included_categories,omitempty" toml:"included_categories,omitempty"`
	ExcludedCategories []string       `json:"excluded_categories,omitempty" yaml:"excluded_categories,omitempty" toml:"excluded_categories,omitempty"`
	Args               map[string]any `json:"filter_args,omitempty" yaml:"filter_args,omitempty" toml:"filter_args,omitempty"`
}

// NewTraceConfigFile returns the serialized form of the config.
func NewTraceConfigFile(cfg TraceConfig) TraceConfigFile {
	f := TraceConfigFile{
		RecordMode:           cfg.RecordMode.String(),
		BufferSizeInEvents:   cfg.BufferSizeInEvents,
		EnableArgumentFilter: cfg.EnableArgumentFilter,
		IncludedCategories:   cfg.Categories.Included(),
		ExcludedCategories:   cfg.Categories.Excluded(),
	}
	for _, fc := range cfg.EventFilters {
		f.EventFilters = append(f.EventFilters, EventFilterFile{
			Predicate:          fc.Predicate,
			IncludedCategories: fc.Categories.Included(),
			ExcludedCategories: fc.Categories.Excluded(),
			Args:               fc.Args,
		})
	}
	return f
}

// TraceConfig parses and validates the serialized config.
func (f TraceConfigFile) TraceConfig() (TraceConfig, error) {
	categories, err := categoryFilterFromLists(f.IncludedCategories, f.ExcludedCategories)
	if err != nil {
		return TraceConfig{}, err
	}

	mode, err := ParseRecordMode(f.RecordMode)
	if err != nil {
		return TraceConfig{}, err
	}

	cfg := TraceConfig{
		Categories:           categories,
		RecordMode:           mode,
		BufferSizeInEvents:   f.BufferSizeInEvents,
		EnableArgumentFilter: f.EnableArgumentFilter,
	}

	for i, ff := range f.EventFilters {
		fcats, err := categoryFilterFromLists(ff.IncludedCategories, ff.ExcludedCategories)
		if err != nil {
			return TraceConfig{}, fmt.Errorf("event filter %d: %w", i, err)
		}
		cfg.EventFilters = append(cfg.EventFilters, EventFilterConfig{
			Predicate:  ff.Predicate,
			Categories: fcats,
			Args:       ff.Args,
		})
	}

	if err := cfg.Validate(); err != nil {
		return TraceConfig{}, err
	}

	return cfg, nil
}

func categoryFilterFromLists(included, excluded []string) (CategoryFilter, error) {
	terms := make([]string, 0, len(included)+len(excluded))
	terms = append(terms, included...)
	for _, e := range excluded {
		terms = append(terms, "-"+e)
	}
	return ParseCategoryFilter(strings.Join(terms, ","))
}

// DecodeTraceConfig parses a serialized config in the given format, which is
// one of json, yaml, or toml.
func DecodeTraceConfig(data []byte, format string) (TraceConfig, error) {
	var f TraceConfigFile
	switch strings.ToLower(format) {
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&f); err != nil {
			return TraceConfig{}, fmt.Errorf("%w: decode JSON: %w", ErrInvalidConfig, err)
		}
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &f); err != nil {
			return TraceConfig{}, fmt.Errorf("%w: decode YAML: %w", ErrInvalidConfig, err)
		}
	case "toml":
		md, err := toml.Decode(string(data), &f)
		if err != nil {
			return TraceConfig{}, fmt.Errorf("%w: decode TOML: %w", ErrInvalidConfig, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return TraceConfig{}, fmt.Errorf("%w: unknown TOML keys %v", ErrInvalidConfig, undecoded)
		}
	default:
		return TraceConfig{}, fmt.Errorf("%w: unknown config format %q", ErrInvalidConfig, format)
	}
	return f.TraceConfig()
}

// LoadTraceConfig reads a config file, choosing the format by extension:
// .json, .yaml or .yml, or .toml.
func LoadTraceConfig(path string) (TraceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return TraceConfig{}, fmt.Errorf("read trace config: %w", err)
	}

	cfg, err := DecodeTraceConfig(data, strings.TrimPrefix(filepath.Ext(path), "."))
	if err != nil {
		return TraceConfig{}, fmt.Errorf("%s: %w", path, err)
	}

	return cfg, nil
}
