package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/oklog/ulid/v2"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffval"
	"github.com/peterbourgon/tracelog/internal/tlutil"
	"github.com/peterbourgon/tracelog/tlstore"
)

type archiveConfig struct {
	*rootConfig

	storeDir string
	outFile  string
}

func (cfg *archiveConfig) register(fs *ff.FlagSet) {
	fs.AddFlag(ff.FlagConfig{ShortName: 's', LongName: "store" /* */, Value: ffval.NewValue(&cfg.storeDir) /* */, Usage: "local archive directory; if unset, use the server at --uri", Placeholder: "DIR"})
	fs.AddFlag(ff.FlagConfig{ShortName: 0x0, LongName: "out" /*   */, Value: ffval.NewValue(&cfg.outFile) /*  */, Usage: "export to this file instead of stdout", Placeholder: "FILE"})
}

func (cfg *archiveConfig) openStore() (*tlstore.Store, error) {
	return tlstore.Open(tlstore.Config{
		Dir:    cfg.storeDir,
		Logger: cfg.logger,
	})
}

func (cfg *archiveConfig) execList(ctx context.Context, args []string) error {
	var (
		sessions []tlstore.SessionInfo
		err      error
	)
	switch {
	case cfg.storeDir != "":
		store, openErr := cfg.openStore()
		if openErr != nil {
			return openErr
		}
		defer store.Close()
		sessions, err = store.Sessions(ctx)
	default:
		sessions, err = cfg.newClient().Sessions(ctx)
	}
	if err != nil {
		return err
	}

	for _, info := range sessions {
		cfg.info.Printf("%s  %-20s  %-7s  %9s  %s",
			info.ID,
			info.Name,
			info.Format,
			tlutil.HumanizeBytes(info.Bytes),
			info.Created.Format("2006-01-02 15:04:05"),
		)
	}

	encode := cfg.encoder()
	for _, info := range sessions {
		if err := encode(info); err != nil {
			return err
		}
	}

	return nil
}

func (cfg *archiveConfig) execExport(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("exactly one session ID is required")
	}

	id, err := ulid.ParseStrict(args[0])
	if err != nil {
		return fmt.Errorf("invalid session ID: %w", err)
	}

	var w io.Writer = cfg.stdout
	if cfg.outFile != "" {
		f, err := os.Create(cfg.outFile)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if cfg.storeDir == "" {
		return cfg.newClient().Export(ctx, id.String(), w)
	}

	store, err := cfg.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	info, err := store.Export(ctx, id, w)
	if err != nil {
		return err
	}

	cfg.debug.Printf("exported %s (%s, %d fragments)", info.Name, tlutil.HumanizeBytes(info.Bytes), info.Fragments)
	return nil
}

func (cfg *archiveConfig) execDelete(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("exactly one session ID is required")
	}

	id, err := ulid.ParseStrict(args[0])
	if err != nil {
		return fmt.Errorf("invalid session ID: %w", err)
	}

	if cfg.storeDir == "" {
		return cfg.newClient().Delete(ctx, id.String())
	}

	store, err := cfg.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Delete(id); err != nil {
		return err
	}

	cfg.info.Printf("deleted %s", id)
	return nil
}
