package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffval"
	"github.com/peterbourgon/tracelog"
	"github.com/peterbourgon/tracelog/internal/tlutil"
)

func (cfg *rootConfig) execStatus(ctx context.Context, args []string) error {
	status, err := cfg.newClient().Status(ctx)
	if err != nil {
		return err
	}

	cfg.info.Printf("modes %s, buffer %s of %s events, traces recorded %d",
		status.Modes,
		tlutil.HumanizeCount(status.Buffer.EventCount),
		tlutil.HumanizeCount(status.Buffer.EventCapacity),
		status.NumTraces,
	)

	return cfg.encoder()(status)
}

func (cfg *rootConfig) execCategories(ctx context.Context, args []string) error {
	categories, err := cfg.newClient().Categories(ctx)
	if err != nil {
		return err
	}

	encode := cfg.encoder()
	for _, c := range categories {
		if err := encode(c); err != nil {
			return err
		}
	}

	return nil
}

//
//
//

// traceConfigFlags are shared by commands that build a trace config.
type traceConfigFlags struct {
	configFile string
	categories string
	options    string
}

func (f *traceConfigFlags) register(fs *ff.FlagSet) {
	fs.AddFlag(ff.FlagConfig{ShortName: 'f', LongName: "config" /*     */, Value: ffval.NewValue(&f.configFile) /* */, Usage: "trace config file (.json, .yaml, .toml)", Placeholder: "FILE"})
	fs.AddFlag(ff.FlagConfig{ShortName: 'c', LongName: "categories" /* */, Value: ffval.NewValue(&f.categories) /* */, Usage: "category filter, e.g. 'foo,-bar,disabled-by-default-baz'", Placeholder: "FILTER"})
	fs.AddFlag(ff.FlagConfig{ShortName: 0x0, LongName: "options" /*    */, Value: ffval.NewValue(&f.options) /*    */, Usage: "trace options, e.g. 'record-continuously,enable-argument-filter'"})
}

// traceConfig loads the config file if one is given, and merges the category
// filter and options flags into it.
func (f *traceConfigFlags) traceConfig() (tracelog.TraceConfig, error) {
	flagConfig, err := tracelog.ParseTraceConfig(f.categories, f.options)
	if err != nil {
		return tracelog.TraceConfig{}, err
	}

	if f.configFile == "" {
		return flagConfig, nil
	}

	fileConfig, err := tracelog.LoadTraceConfig(f.configFile)
	if err != nil {
		return tracelog.TraceConfig{}, err
	}

	fileConfig.Merge(flagConfig)
	return fileConfig, nil
}

type startConfig struct {
	*rootConfig
	traceConfigFlags

	modes string
}

func (cfg *startConfig) register(fs *ff.FlagSet) {
	cfg.traceConfigFlags.register(fs)
	fs.AddFlag(ff.FlagConfig{ShortName: 'm', LongName: "modes", Value: ffval.NewValueDefault(&cfg.modes, "recording"), Usage: "modes to enable: recording, filtering, or both separated by '|'"})
}

func (cfg *startConfig) Exec(ctx context.Context, args []string) error {
	traceConfig, err := cfg.traceConfig()
	if err != nil {
		return err
	}

	modes, err := tracelog.ParseMode(cfg.modes)
	if err != nil {
		return err
	}

	cfg.debug.Printf("start: %s, modes %s", traceConfig, modes)

	status, err := cfg.newClient().Start(ctx, traceConfig, modes)
	if err != nil {
		return err
	}

	cfg.info.Printf("started session %s, modes %s", status.SessionID, status.Modes)
	return nil
}

type stopConfig struct {
	*rootConfig

	modes string
}

func (cfg *stopConfig) register(fs *ff.FlagSet) {
	fs.AddFlag(ff.FlagConfig{ShortName: 'm', LongName: "modes", Value: ffval.NewValueDefault(&cfg.modes, "all"), Usage: "modes to disable: recording, filtering, or all"})
}

func (cfg *stopConfig) Exec(ctx context.Context, args []string) error {
	modes, err := tracelog.ParseMode(cfg.modes)
	if err != nil {
		return err
	}

	status, err := cfg.newClient().Stop(ctx, modes)
	if err != nil {
		return err
	}

	cfg.info.Printf("modes now %s, buffer %s of %s events (%s)",
		status.Modes,
		tlutil.HumanizeCount(status.Buffer.EventCount),
		tlutil.HumanizeCount(status.Buffer.EventCapacity),
		status.BufferUsage,
	)
	return nil
}

type dumpConfig struct {
	*rootConfig

	outFile string
	archive string
	discard bool
}

func (cfg *dumpConfig) register(fs *ff.FlagSet) {
	fs.AddFlag(ff.FlagConfig{ShortName: 0x0, LongName: "out" /*     */, Value: ffval.NewValue(&cfg.outFile) /* */, Usage: "write the trace to this file instead of stdout", Placeholder: "FILE"})
	fs.AddFlag(ff.FlagConfig{ShortName: 'a', LongName: "archive" /* */, Value: ffval.NewValue(&cfg.archive) /* */, Usage: "also archive the trace on the server under this name", Placeholder: "NAME"})
	fs.AddFlag(ff.FlagConfig{ShortName: 0x0, LongName: "discard" /* */, Value: ffval.NewValue(&cfg.discard) /* */, Usage: "cancel tracing and discard the buffer", NoDefault: true})
}

func (cfg *dumpConfig) Exec(ctx context.Context, args []string) error {
	client := cfg.newClient()

	if cfg.discard {
		if err := client.Cancel(ctx); err != nil {
			return err
		}
		cfg.info.Printf("tracing canceled")
		return nil
	}

	var (
		w  io.Writer = cfg.stdout
		cw           = &countingWriter{}
	)
	if cfg.outFile != "" {
		f, err := os.Create(cfg.outFile)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	sessionID, err := client.Dump(ctx, io.MultiWriter(w, cw), cfg.archive)
	if err != nil {
		return err
	}

	cfg.info.Printf("dumped %s", tlutil.HumanizeBytes(cw.n))
	if sessionID != "" {
		cfg.info.Printf("archived as session %s", sessionID)
	}

	return nil
}

type countingWriter struct{ n int64 }

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n += int64(len(p))
	return len(p), nil
}
