// tracelog is a CLI tool for recording traces, and for controlling trace log
// servers.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"

	"github.com/oklog/run"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
)

func main() {
	var (
		ctx    = context.Background()
		stdin  = os.Stdin
		stdout = os.Stdout
		stderr = os.Stderr
		args   = os.Args[1:]
	)
	err := exec(ctx, stdin, stdout, stderr, args)
	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.As(err, &(run.SignalError{})):
		os.Exit(0)
	case err != nil:
		fmt.Fprintf(stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func exec(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) (err error) {
	rootConfig := &rootConfig{
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
	}

	rootFlags := ff.NewFlagSet("tracelog")
	rootConfig.registerBaseFlags(rootFlags)

	rootCommand := &ff.Command{
		Name:      "tracelog",
		ShortHelp: "record traces, and control trace log servers",
		Flags:     rootFlags,
	}

	// Config for `tracelog record`.
	recordConfig := &recordConfig{rootConfig: rootConfig}
	recordFlags := ff.NewFlagSet("record").SetParent(rootFlags)
	recordConfig.register(recordFlags)
	recordCommand := &ff.Command{
		Name:      "record",
		ShortHelp: "record a synthetic workload in a local trace log",
		LongHelp:  "Run concurrent workers that emit trace events, and write the trace when they stop.",
		Flags:     recordFlags,
		Exec:      recordConfig.Exec,
	}
	rootCommand.Subcommands = append(rootCommand.Subcommands, recordCommand)

	// Config for `tracelog status`.
	statusFlags := ff.NewFlagSet("status").SetParent(rootFlags)
	statusCommand := &ff.Command{
		Name:      "status",
		ShortHelp: "print the state of a remote trace log",
		Flags:     statusFlags,
		Exec:      rootConfig.execStatus,
	}
	rootCommand.Subcommands = append(rootCommand.Subcommands, statusCommand)

	// Config for `tracelog categories`.
	categoriesFlags := ff.NewFlagSet("categories").SetParent(rootFlags)
	categoriesCommand := &ff.Command{
		Name:      "categories",
		ShortHelp: "list the categories of a remote trace log",
		Flags:     categoriesFlags,
		Exec:      rootConfig.execCategories,
	}
	rootCommand.Subcommands = append(rootCommand.Subcommands, categoriesCommand)

	// Config for `tracelog start`.
	startConfig := &startConfig{rootConfig: rootConfig}
	startFlags := ff.NewFlagSet("start").SetParent(rootFlags)
	startConfig.register(startFlags)
	startCommand := &ff.Command{
		Name:      "start",
		ShortHelp: "enable recording or filtering in a remote trace log",
		Flags:     startFlags,
		Exec:      startConfig.Exec,
	}
	rootCommand.Subcommands = append(rootCommand.Subcommands, startCommand)

	// Config for `tracelog stop`.
	stopConfig := &stopConfig{rootConfig: rootConfig}
	stopFlags := ff.NewFlagSet("stop").SetParent(rootFlags)
	stopConfig.register(stopFlags)
	stopCommand := &ff.Command{
		Name:      "stop",
		ShortHelp: "disable modes in a remote trace log",
		Flags:     stopFlags,
		Exec:      stopConfig.Exec,
	}
	rootCommand.Subcommands = append(rootCommand.Subcommands, stopCommand)

	// Config for `tracelog dump`.
	dumpConfig := &dumpConfig{rootConfig: rootConfig}
	dumpFlags := ff.NewFlagSet("dump").SetParent(rootFlags)
	dumpConfig.register(dumpFlags)
	dumpCommand := &ff.Command{
		Name:      "dump",
		ShortHelp: "flush the trace buffer of a remote trace log",
		LongHelp:  "Recording must be stopped first. With --discard, tracing is canceled instead.",
		Flags:     dumpFlags,
		Exec:      dumpConfig.Exec,
	}
	rootCommand.Subcommands = append(rootCommand.Subcommands, dumpCommand)

	// Config for `tracelog stream`.
	streamConfig := &streamConfig{rootConfig: rootConfig}
	streamFlags := ff.NewFlagSet("stream").SetParent(rootFlags)
	streamConfig.register(streamFlags)
	streamCommand := &ff.Command{
		Name:      "stream",
		ShortHelp: "continuously stream events from a remote trace log",
		LongHelp:  "Stream events published by stream_predicate event filters.",
		Flags:     streamFlags,
		Exec:      streamConfig.Exec,
	}
	rootCommand.Subcommands = append(rootCommand.Subcommands, streamCommand)

	// Config for `tracelog archive`.
	archiveConfig := &archiveConfig{rootConfig: rootConfig}
	archiveFlags := ff.NewFlagSet("archive").SetParent(rootFlags)
	archiveConfig.register(archiveFlags)
	archiveCommand := &ff.Command{
		Name:      "archive",
		ShortHelp: "manage archived trace sessions",
		LongHelp:  "Archived sessions are read from the local --store directory if it's set, otherwise from the remote --uri.",
		Flags:     archiveFlags,
		Subcommands: []*ff.Command{
			{
				Name:      "list",
				ShortHelp: "list archived sessions, newest first",
				Flags:     ff.NewFlagSet("list").SetParent(archiveFlags),
				Exec:      archiveConfig.execList,
			},
			{
				Name:      "export",
				Usage:     "tracelog archive export [FLAGS] <ID>",
				ShortHelp: "write an archived session as a trace file",
				Flags:     ff.NewFlagSet("export").SetParent(archiveFlags),
				Exec:      archiveConfig.execExport,
			},
			{
				Name:      "delete",
				Usage:     "tracelog archive delete [FLAGS] <ID>",
				ShortHelp: "delete an archived session",
				Flags:     ff.NewFlagSet("delete").SetParent(archiveFlags),
				Exec:      archiveConfig.execDelete,
			},
		},
	}
	rootCommand.Subcommands = append(rootCommand.Subcommands, archiveCommand)

	// Print help when appropriate.
	showHelp := true
	defer func() {
		errHelp := errors.Is(err, ff.ErrHelp) || errors.Is(err, ff.ErrNoExec)
		if showHelp || errHelp {
			fmt.Fprintf(stderr, "\n%s\n", ffhelp.Command(rootCommand))
		}
		if errHelp {
			err = nil
		}
	}()

	// Initial parsing.
	if err := rootCommand.Parse(args, ff.WithEnvVarPrefix("TRACELOG")); err != nil {
		return err
	}

	// Validation and set-up.
	{
		var (
			infodst, debugdst io.Writer
			level             slog.Level
		)
		switch rootConfig.logLevel {
		case "n", "none":
			infodst, debugdst, level = io.Discard, io.Discard, slog.LevelError+1
		case "i", "info":
			infodst, debugdst, level = stderr, io.Discard, slog.LevelWarn
		case "d", "debug":
			infodst, debugdst, level = stderr, stderr, slog.LevelDebug
		default:
			return fmt.Errorf("invalid log level %q", rootConfig.logLevel)
		}
		rootConfig.info = log.New(infodst, "", 0)
		rootConfig.debug = log.New(debugdst, "[DEBUG] ", log.Lmsgprefix)
		rootConfig.logger = slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
	}

	rootConfig.debug.Printf("URI: %s", rootConfig.uri)

	// Run errors shouldn't show help by default.
	showHelp = false

	// Run the selected command.
	return rootCommand.Run(ctx)
}
