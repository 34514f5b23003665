package main

import (
	"encoding/json"
	"io"
	"log"
	"log/slog"
	"net/http"
	"sync"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffval"
	"github.com/peterbourgon/tracelog/tlhttp"
	"github.com/peterbourgon/unixtransport"
)

type rootConfig struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	uri      string
	logLevel string
	output   string

	info, debug *log.Logger
	logger      *slog.Logger
}

func (cfg *rootConfig) registerBaseFlags(fs *ff.FlagSet) {
	fs.AddFlag(ff.FlagConfig{ShortName: 'u', LongName: "uri" /*    */, Value: ffval.NewValueDefault(&cfg.uri, "localhost:8080") /*                      */, Usage: "trace log server URI, e.g. localhost:8080 or unix:///tmp/tracelog.sock", Placeholder: "URI"})
	fs.AddFlag(ff.FlagConfig{ShortName: 'l', LongName: "log" /*    */, Value: ffval.NewEnum(&cfg.logLevel, "info", "i", "debug", "d", "none", "n") /* */, Usage: "log level: i/info, d/debug, n/none", Placeholder: "LEVEL"})
	fs.AddFlag(ff.FlagConfig{ShortName: 'o', LongName: "output" /* */, Value: ffval.NewEnum(&cfg.output, "prettyjson", "ndjson") /*                    */, Usage: "output format: prettyjson, ndjson", Placeholder: "FORMAT"})
}

// newClient returns a client for the remote server. URIs with a unix://
// scheme connect over a Unix domain socket.
func (cfg *rootConfig) newClient() *tlhttp.Client {
	return tlhttp.NewClient(cfg.newHTTPClient(), cfg.uri)
}

func (cfg *rootConfig) newHTTPClient() *http.Client {
	transport := &http.Transport{}
	unixtransport.Register(transport)
	return &http.Client{Transport: transport}
}

var defaultTransportOnce sync.Once

// registerDefaultTransport lets the default HTTP client, which streams use,
// connect over Unix domain sockets.
func (cfg *rootConfig) registerDefaultTransport() {
	defaultTransportOnce.Do(func() {
		if transport, ok := http.DefaultTransport.(*http.Transport); ok {
			unixtransport.Register(transport)
		}
	})
}

func (cfg *rootConfig) encoder() func(v any) error {
	enc := json.NewEncoder(cfg.stdout)
	if cfg.output == "prettyjson" {
		enc.SetIndent("", "    ")
	}
	return enc.Encode
}
