package main

import (
	"context"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffval"
	"github.com/peterbourgon/tracelog"
	"github.com/peterbourgon/tracelog/tlhttp"
)

type streamConfig struct {
	*rootConfig

	categories    string
	name          string
	sendBuf       int
	recvBuf       int
	statsInterval time.Duration
	retryInterval time.Duration

	events chan tracelog.EventRecord
}

func (cfg *streamConfig) register(fs *ff.FlagSet) {
	fs.AddFlag(ff.FlagConfig{ShortName: 'c', LongName: "categories" /*     */, Value: ffval.NewValue(&cfg.categories) /*                           */, Usage: "only events in categories matching this filter", NoDefault: true})
	fs.AddFlag(ff.FlagConfig{ShortName: 'n', LongName: "name" /*           */, Value: ffval.NewValue(&cfg.name) /*                                 */, Usage: "only events with this name", NoDefault: true})
	fs.AddFlag(ff.FlagConfig{ShortName: 0x0, LongName: "send-buffer" /*    */, Value: ffval.NewValueDefault(&cfg.sendBuf, 100) /*                  */, Usage: "remote send buffer size"})
	fs.AddFlag(ff.FlagConfig{ShortName: 0x0, LongName: "recv-buffer" /*    */, Value: ffval.NewValueDefault(&cfg.recvBuf, 100) /*                  */, Usage: "local receive buffer size"})
	fs.AddFlag(ff.FlagConfig{ShortName: 0x0, LongName: "stats-interval" /* */, Value: ffval.NewValueDefault(&cfg.statsInterval, 10*time.Second) /* */, Usage: "stats reporting interval"})
	fs.AddFlag(ff.FlagConfig{ShortName: 0x0, LongName: "retry-interval" /* */, Value: ffval.NewValueDefault(&cfg.retryInterval, 1*time.Second) /*  */, Usage: "connection retry interval"})
}

func (cfg *streamConfig) Exec(ctx context.Context, args []string) error {
	if _, err := tracelog.ParseCategoryFilter(cfg.categories); err != nil {
		return err
	}

	cfg.registerDefaultTransport()
	cfg.events = make(chan tracelog.EventRecord, cfg.recvBuf)

	cfg.debug.Printf("categories: %q", cfg.categories)
	cfg.debug.Printf("name: %q", cfg.name)
	cfg.debug.Printf("send buffer: %d", cfg.sendBuf)
	cfg.debug.Printf("recv buffer: %d", cfg.recvBuf)
	cfg.debug.Printf("stats interval: %s", cfg.statsInterval)
	cfg.debug.Printf("retry interval: %s", cfg.retryInterval)

	var g run.Group

	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			cfg.runStream(ctx)
			return ctx.Err()
		}, func(error) {
			cancel()
		})
	}

	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return cfg.writeEvents(ctx)
		}, func(error) {
			cancel()
		})
	}

	{
		g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))
	}

	return g.Run()
}

func (cfg *streamConfig) runStream(ctx context.Context) {
	var lastDataTime atomic.Value

	onStats := func(stats tracelog.StreamStats) {
		lastDataTime.Store(time.Now())
		cfg.debug.Printf("%s: %s", cfg.uri, stats)
	}

	// Report if it's been too long without any data.
	reporterDone := make(chan struct{})
	go func() {
		defer close(reporterDone)

		ticker := time.NewTicker(cfg.statsInterval)
		defer ticker.Stop()

		for {
			select {
			case ts := <-ticker.C:
				last, ok := lastDataTime.Load().(time.Time)
				delta := ts.Sub(last)
				switch {
				case !ok:
					cfg.debug.Printf("%s: no data", cfg.uri)
				case delta > 2*cfg.statsInterval:
					cfg.debug.Printf("%s: last data %s ago", cfg.uri, delta.Truncate(100*time.Millisecond))
				}

			case <-ctx.Done():
				return
			}
		}
	}()
	defer func() {
		<-reporterDone
	}()

	sc := &tlhttp.StreamClient{
		URI:           cfg.uri,
		Categories:    cfg.categories,
		Name:          cfg.name,
		SendBuffer:    cfg.sendBuf,
		OnStats:       onStats,
		RetryInterval: cfg.retryInterval,
		StatsInterval: cfg.statsInterval,
	}

	for ctx.Err() == nil {
		subctx, cancel := context.WithCancel(ctx)
		errc := make(chan error, 1)
		go func() { errc <- sc.Stream(subctx, cfg.events) }() // returns only on terminal errors

		select {
		case <-subctx.Done():
			cfg.debug.Printf("%s: stream done", cfg.uri)
			cancel()
			<-errc
			return

		case err := <-errc:
			cfg.debug.Printf("%s: stream error, will retry (%v)", cfg.uri, err)
			cancel()
			contextSleep(ctx, cfg.retryInterval) // parent context, not subctx
		}
	}
}

func (cfg *streamConfig) writeEvents(ctx context.Context) error {
	encode := cfg.encoder()

	var count uint64
	for {
		select {
		case rec := <-cfg.events:
			count++
			encode(rec)
		case <-ctx.Done():
			cfg.debug.Printf("emitted event count %d", count)
			return ctx.Err()
		}
	}
}

func contextSleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}
