package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/felixge/fgprof"
	"github.com/oklog/run"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffval"
	"github.com/peterbourgon/tracelog"
	"github.com/peterbourgon/tracelog/internal/tlutil"
	"github.com/peterbourgon/tracelog/tlhttp"
	"github.com/peterbourgon/tracelog/tlstore"
	"golang.org/x/sync/errgroup"
)

type recordConfig struct {
	*rootConfig
	traceConfigFlags

	workers      int
	duration     time.Duration
	interval     time.Duration
	format       string
	outFile      string
	listen       string
	storeDir     string
	name         string
	echo         bool
	flushTimeout time.Duration
}

func (cfg *recordConfig) register(fs *ff.FlagSet) {
	cfg.traceConfigFlags.register(fs)
	fs.AddFlag(ff.FlagConfig{ShortName: 'w', LongName: "workers" /*       */, Value: ffval.NewValueDefault(&cfg.workers, 4) /*                      */, Usage: "number of concurrent workers"})
	fs.AddFlag(ff.FlagConfig{ShortName: 'd', LongName: "duration" /*      */, Value: ffval.NewValueDefault(&cfg.duration, 5*time.Second) /*         */, Usage: "how long to run the workload, 0 means until interrupted"})
	fs.AddFlag(ff.FlagConfig{ShortName: 0x0, LongName: "interval" /*      */, Value: ffval.NewValueDefault(&cfg.interval, 10*time.Millisecond) /*   */, Usage: "time between worker iterations"})
	fs.AddFlag(ff.FlagConfig{ShortName: 0x0, LongName: "format" /*        */, Value: ffval.NewEnum(&cfg.format, "json", "msgpack") /*              */, Usage: "trace output format: json, msgpack"})
	fs.AddFlag(ff.FlagConfig{ShortName: 0x0, LongName: "out" /*           */, Value: ffval.NewValue(&cfg.outFile) /*                               */, Usage: "write the trace to this file", Placeholder: "FILE"})
	fs.AddFlag(ff.FlagConfig{ShortName: 0x0, LongName: "listen" /*        */, Value: ffval.NewValue(&cfg.listen) /*                                */, Usage: "serve the trace log over HTTP on this address, e.g. localhost:8080 or unix:///tmp/tracelog.sock", Placeholder: "ADDR"})
	fs.AddFlag(ff.FlagConfig{ShortName: 's', LongName: "store" /*         */, Value: ffval.NewValue(&cfg.storeDir) /*                              */, Usage: "archive the trace in this directory", Placeholder: "DIR"})
	fs.AddFlag(ff.FlagConfig{ShortName: 0x0, LongName: "name" /*          */, Value: ffval.NewValueDefault(&cfg.name, "record") /*                 */, Usage: "name of the archived session"})
	fs.AddFlag(ff.FlagConfig{ShortName: 'e', LongName: "echo" /*          */, Value: ffval.NewValue(&cfg.echo) /*                                  */, Usage: "echo every event to stderr as it's recorded", NoDefault: true})
	fs.AddFlag(ff.FlagConfig{ShortName: 0x0, LongName: "flush-timeout" /* */, Value: ffval.NewValueDefault(&cfg.flushTimeout, tracelog.DefaultFlushTimeout) /* */, Usage: "how long a flush waits for threads"})
}

func (cfg *recordConfig) Exec(ctx context.Context, args []string) error {
	traceConfig, err := cfg.traceConfig()
	if err != nil {
		return err
	}

	if cfg.echo {
		traceConfig.RecordMode = tracelog.EchoToConsole
	}

	var serializer tracelog.Serializer = tracelog.JSONSerializer{}
	if cfg.format == tlstore.FormatMsgpack {
		serializer = tracelog.MsgpackSerializer{}
	}

	tl := tracelog.New(
		tracelog.WithLogger(cfg.logger),
		tracelog.WithSerializer(serializer),
		tracelog.WithEchoWriter(cfg.stderr),
		tracelog.WithFlushTimeout(cfg.flushTimeout),
	)
	defer tl.Shutdown(context.Background())

	tl.SetProcessName("tracelog record")
	tl.UpdateProcessLabel(1, cfg.name)

	var store *tlstore.Store
	if cfg.storeDir != "" {
		s, err := tlstore.Open(tlstore.Config{Dir: cfg.storeDir, Logger: cfg.logger})
		if err != nil {
			return err
		}
		defer s.Close()
		store = s
	}

	modes := tracelog.RecordingMode
	if len(traceConfig.EventFilters) > 0 {
		modes |= tracelog.FilteringMode
	}

	if err := tl.SetEnabled(traceConfig, modes); err != nil {
		return err
	}

	cfg.info.Printf("recording: %s", traceConfig)
	cfg.debug.Printf("modes %s, workers %d, duration %s, interval %s", modes, cfg.workers, cfg.duration, cfg.interval)

	begin := time.Now()

	var g run.Group

	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return cfg.runWorkload(ctx, tl)
		}, func(error) {
			cancel()
		})
	}

	if cfg.listen != "" {
		ln, err := listen(cfg.listen)
		if err != nil {
			return err
		}

		tlServer := tlhttp.NewServer(tlhttp.ServerConfig{
			TraceLog: tl,
			Store:    store,
			Logger:   cfg.logger,
		})

		mux := http.NewServeMux()
		mux.Handle("/debug/fgprof", fgprof.Handler())
		mux.Handle("/stream", tlServer) // server-sent events aren't compressed
		mux.Handle("/", gziphandler.GzipHandler(tlServer))

		httpServer := &http.Server{Handler: mux}

		g.Add(func() error {
			cfg.info.Printf("listening on %s", ln.Addr())
			return httpServer.Serve(ln)
		}, func(error) {
			httpServer.Close()
		})
	}

	{
		g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))
	}

	runErr := g.Run()
	if runErr != nil && !errors.As(runErr, &(run.SignalError{})) {
		cfg.debug.Printf("run group: %v", runErr)
	}

	if err := tl.SetDisabled(tracelog.AllModes); err != nil {
		return err
	}

	if err := cfg.writeTrace(ctx, tl, store); err != nil {
		return err
	}

	stats := tl.ChunkStats()
	cfg.info.Printf("ran %s, chunks checked out %s, reused %s, lost %s",
		tlutil.HumanizeDuration(time.Since(begin)),
		tlutil.HumanizeCount(stats.Checkout),
		tlutil.HumanizePercent(stats.ReusePercent/100),
		tlutil.HumanizeCount(stats.Lost),
	)

	return nil
}

// runWorkload runs the workers until the duration elapses, or the context is
// canceled.
func (cfg *recordConfig) runWorkload(ctx context.Context, tl *tracelog.TraceLog) error {
	if cfg.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.duration)
		defer cancel()
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 1; i <= cfg.workers; i++ {
		g.Go(func() error {
			return cfg.runWorker(ctx, tl, i)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	if cfg.duration > 0 {
		return nil // finished normally, which stops the run group
	}

	return ctx.Err()
}

func (cfg *recordConfig) runWorker(ctx context.Context, tl *tracelog.TraceLog, id int) error {
	th := tl.NewThread(fmt.Sprintf("worker-%d", id))
	defer th.Close()

	th.SetSortIndex(id)

	var (
		app    = tl.GetCategory("app")
		appio  = tl.GetCategory("app.io")
		debug  = tl.GetCategory("disabled-by-default-app.debug")
		ticker = time.NewTicker(cfg.interval)
	)
	defer ticker.Stop()

	for n := int64(1); ; n++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		th.RunPending()

		end := th.Region(app, "iteration", tracelog.Int("n", n))

		th.Begin(appio, "read", tracelog.Int("worker", int64(id)))
		time.Sleep(time.Duration(rand.IntN(500)) * time.Microsecond)
		th.End(appio, "read")

		th.Instant(debug, "state", tracelog.Double("load", rand.Float64()))
		th.Counter(app, "progress", tracelog.Int("iterations", n))

		end()
	}
}

// writeTrace flushes the trace log to the output file, or stdout, and to the
// store.
func (cfg *recordConfig) writeTrace(ctx context.Context, tl *tracelog.TraceLog, store *tlstore.Store) error {
	var w io.Writer
	switch {
	case cfg.outFile != "":
		f, err := os.Create(cfg.outFile)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	case store == nil && !cfg.echo:
		w = cfg.stdout
	}

	var outputs []tracelog.OutputFunc

	var tw *tracelog.TraceFileWriter
	if w != nil {
		switch cfg.format {
		case tlstore.FormatMsgpack:
			outputs = append(outputs, func(data []byte, hasMore bool) { w.Write(data) })
		default:
			tw = tracelog.NewTraceFileWriter(w)
			outputs = append(outputs, tw.Output)
		}
	}

	var sess *tlstore.Session
	if store != nil {
		s, err := store.NewSession(cfg.name, cfg.format)
		if err != nil {
			return err
		}
		sess = s
		outputs = append(outputs, sess.Output)
	}

	var written int
	out := func(data []byte, hasMore bool) {
		written += len(data)
		for _, output := range outputs {
			output(data, hasMore)
		}
	}

	if err := tl.Flush(ctx, out); err != nil {
		return fmt.Errorf("flush: %w", err)
	}

	cfg.debug.Printf("flushed %s", tlutil.HumanizeBytes(written))

	if tw != nil {
		if err := tw.Err(); err != nil {
			return fmt.Errorf("write trace: %w", err)
		}
	}

	if sess != nil {
		if err := sess.Err(); err != nil {
			return fmt.Errorf("archive trace: %w", err)
		}
		cfg.info.Printf("archived as session %s", sess.ID())
	}

	return nil
}

// listen on a TCP address, or a unix:// socket path.
func listen(addr string) (net.Listener, error) {
	network, address := "tcp", addr
	if path, ok := strings.CutPrefix(addr, "unix://"); ok {
		network, address = "unix", path
	}

	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	return ln, nil
}
