package tlhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bernerdschaefer/eventsource"
	"github.com/peterbourgon/tracelog"
)

// StreamInit is the data of the first event in a stream.
type StreamInit struct {
	Categories string `json:"categories,omitempty"`
	Name       string `json:"name,omitempty"`
	SendBuffer int    `json:"sendbuf"`
}

// handleStream sends events published by stream_predicate filters as
// server-sent events. Requests must Accept: text/event-stream. Events can be
// narrowed with the categories (a category filter) and name query parameters.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !RequestExplicitlyAccepts(r, "text/event-stream") {
		respondError(w, http.StatusBadRequest, fmt.Errorf("invalid request Accept header (%s)", r.Header.Get("accept")))
		return
	}

	var (
		query   = r.URL.Query()
		name    = query.Get("name")
		stats   = parseDefault(query.Get("stats"), time.ParseDuration, 10*time.Second)
		sendbuf = parseRange(query.Get("sendbuf"), strconv.Atoi, 0, 100, 100000)
		eventc  = make(chan tracelog.TraceEvent, sendbuf)
		donec   = make(chan struct{})
	)

	categories, err := tracelog.ParseCategoryFilter(query.Get("categories"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	if stats <= 0 {
		stats = 10 * time.Second
	}

	allow := func(ev tracelog.TraceEvent) bool {
		if name != "" && ev.Name != name {
			return false
		}
		if !categories.IsEmpty() && !categories.IsCategoryGroupEnabled(ev.CategoryName()) {
			return false
		}
		return true
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		defer close(donec)
		stats, err := s.tl.Subscribe(ctx, allow, eventc)
		s.logger.Debug("stream done", "stats", stats.String(), "err", err)
	}()
	defer func() {
		cancel()
		<-donec
	}()

	eventsource.Handler(func(lastID string, encoder *eventsource.Encoder, stop <-chan bool) {
		stats := time.NewTicker(stats)
		defer stats.Stop()

		initc := make(chan struct{}, 1)
		initc <- struct{}{}

		var seq uint64
		for {
			select {
			case <-initc:
				data, err := json.Marshal(StreamInit{
					Categories: categories.String(),
					Name:       name,
					SendBuffer: cap(eventc),
				})
				if err != nil {
					s.logger.Warn("marshal stream init", "err", err)
					continue
				}

				if err := encoder.Encode(eventsource.Event{
					Type: "init",
					Data: data,
				}); err != nil {
					s.logger.Debug("encode stream init", "err", err)
					return
				}

			case <-stats.C:
				stats, err := s.tl.StreamStats(eventc)
				if err != nil {
					continue // subscription not yet registered, or already gone
				}

				data, err := json.Marshal(stats)
				if err != nil {
					s.logger.Warn("marshal stream stats", "err", err)
					continue
				}

				if err := encoder.Encode(eventsource.Event{
					Type: "stats",
					Data: data,
				}); err != nil {
					s.logger.Debug("encode stream stats", "err", err)
					return
				}

			case ev := <-eventc:
				data, err := json.Marshal(tracelog.NewEventRecord(&ev, nil, true))
				if err != nil {
					s.logger.Warn("marshal stream event", "category", ev.CategoryName(), "name", ev.Name, "err", err)
					continue
				}

				seq++
				if err := encoder.Encode(eventsource.Event{
					Type: "event",
					ID:   strconv.FormatUint(seq, 10),
					Data: data,
				}); err != nil {
					s.logger.Debug("encode stream event", "err", err)
					return
				}

			case <-donec:
				return

			case <-stop:
				cancel()
				return

			case <-ctx.Done():
				return
			}
		}
	}).ServeHTTP(w, r)
}

//
//
//

// StreamClient streams events from a server. Requests are made with the
// default HTTP client, so unix socket URIs require unixtransport to be
// registered with http.DefaultTransport.
type StreamClient struct {
	// URI of the remote server, without the /stream path. Required.
	URI string

	// Categories is a category filter that narrows the stream. Optional.
	Categories string

	// Name narrows the stream to events with exactly this name. Optional.
	Name string

	// SendBuffer used by the remote server. Min 0, max 100k.
	SendBuffer int

	// OnStats is called for every stats update received. Optional.
	OnStats func(tracelog.StreamStats)

	// RetryInterval between reconnect attempts. Default 3s, min 1s, max 60s.
	RetryInterval time.Duration

	// StatsInterval for stream stats updates. Default 10s, min 1s, max 60s.
	StatsInterval time.Duration
}

func (c *StreamClient) initialize() {
	if c.URI != "" && !strings.Contains(c.URI, "://") {
		c.URI = "http://" + c.URI
	}

	if min, max := 0, 100000; c.SendBuffer < min {
		c.SendBuffer = min
	} else if c.SendBuffer > max {
		c.SendBuffer = max
	}

	if c.OnStats == nil {
		c.OnStats = func(tracelog.StreamStats) {}
	}

	if def, min, max := 3*time.Second, 1*time.Second, 60*time.Second; c.RetryInterval == 0 {
		c.RetryInterval = def
	} else if c.RetryInterval < min {
		c.RetryInterval = min
	} else if c.RetryInterval > max {
		c.RetryInterval = max
	}

	if def, min, max := 10*time.Second, 1*time.Second, 60*time.Second; c.StatsInterval == 0 {
		c.StatsInterval = def
	} else if c.StatsInterval < min {
		c.StatsInterval = min
	} else if c.StatsInterval > max {
		c.StatsInterval = max
	}
}

// streamURI returns the stream endpoint of the remote server, with every
// stream parameter in the query.
func (c *StreamClient) streamURI() (string, error) {
	uri, err := url.Parse(joinPath(c.URI, "/stream"))
	if err != nil {
		return "", err
	}

	query := uri.Query()
	if c.Categories != "" {
		query.Set("categories", c.Categories)
	}
	if c.Name != "" {
		query.Set("name", c.Name)
	}
	if c.SendBuffer > 0 {
		query.Set("sendbuf", strconv.Itoa(c.SendBuffer))
	}
	query.Set("stats", c.StatsInterval.String())
	uri.RawQuery = query.Encode()

	return uri.String(), nil
}

// Stream events from the remote server to the channel. The stream stops when
// the context is canceled, or a non-recoverable error occurs.
func (c *StreamClient) Stream(ctx context.Context, ch chan<- tracelog.EventRecord) error {
	c.initialize()

	// The request deliberately has no context: eventsource treats context
	// cancelation as a recoverable error, and would block for a retry interval
	// before noticing. It also re-uses the request over reconnects, so every
	// parameter has to be in the URL.
	uri, err := c.streamURI()
	if err != nil {
		return err
	}

	req, err := http.NewRequest("GET", uri, nil)
	if err != nil {
		return err
	}

	es := eventsource.New(req, c.RetryInterval)
	go func() {
		<-ctx.Done()
		es.Close()
	}()

	for {
		ev, err := es.Read()
		if errors.Is(err, eventsource.ErrClosed) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read server-sent event: %w", err)
		}

		switch ev.Type {
		case "init":
			// OK

		case "event":
			var rec tracelog.EventRecord
			if err := json.Unmarshal(ev.Data, &rec); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			select {
			case <-ctx.Done():
				return nil
			case ch <- rec:
				// OK
			}

		case "stats":
			var stats tracelog.StreamStats
			if err := json.Unmarshal(ev.Data, &stats); err != nil {
				return fmt.Errorf("invalid stats event: %w", err)
			}
			c.OnStats(stats)
		}
	}
}
