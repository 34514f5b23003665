package tlhttp_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/peterbourgon/tracelog"
	"github.com/peterbourgon/tracelog/tlhttp"
	"github.com/peterbourgon/tracelog/tlstore"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, withStore bool) (*tracelog.TraceLog, *tlhttp.Client, string) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tl := tracelog.New(tracelog.WithLogger(logger))

	var store *tlstore.Store
	if withStore {
		s, err := tlstore.Open(tlstore.Config{Dir: t.TempDir(), Logger: logger})
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		store = s
	}

	server := httptest.NewServer(tlhttp.NewServer(tlhttp.ServerConfig{
		TraceLog: tl,
		Store:    store,
		Logger:   logger,
	}))
	t.Cleanup(server.Close)

	return tl, tlhttp.NewClient(http.DefaultClient, server.URL), server.URL
}

type traceDocument struct {
	TraceEvents []tracelog.EventRecord `json:"traceEvents"`
}

func eventNames(doc traceDocument) []string {
	var names []string
	for _, rec := range doc.TraceEvents {
		if rec.Phase != "M" {
			names = append(names, rec.Name)
		}
	}
	return names
}

func TestStartStopDump(t *testing.T) {
	t.Parallel()

	var (
		ctx           = context.Background()
		tl, client, _ = newTestServer(t, true)
		th            = tl.NewThread("worker")
		foo           = tl.GetCategory("foo")
		bar           = tl.GetCategory("bar")
		cfg, err      = tracelog.ParseTraceConfig("foo", "record-until-full")
	)
	require.NoError(t, err)

	status, err := client.Start(ctx, cfg, tracelog.RecordingMode)
	require.NoError(t, err)
	require.Equal(t, "recording", status.Modes)
	require.NotEmpty(t, status.SessionID)
	require.Equal(t, []string{"foo"}, status.Config.IncludedCategories)

	th.Instant(foo, "alpha")
	th.Instant(bar, "beta")
	th.Instant(foo, "gamma")
	th.Close()

	_, err = client.Dump(ctx, io.Discard, "")
	var re *tlhttp.ResponseError
	require.ErrorAs(t, err, &re)
	require.Equal(t, http.StatusConflict, re.StatusCode)

	status, err = client.Stop(ctx, tracelog.AllModes)
	require.NoError(t, err)
	require.Equal(t, "disabled", status.Modes)

	var buf bytes.Buffer
	sessionID, err := client.Dump(ctx, &buf, "first")
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)

	var doc traceDocument
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc), buf.String())
	require.Equal(t, []string{"alpha", "gamma"}, eventNames(doc))

	sessions, err := client.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, "first", sessions[0].Name)
	require.Equal(t, sessionID, sessions[0].ID.String())
	require.True(t, sessions[0].Complete)

	var exported bytes.Buffer
	require.NoError(t, client.Export(ctx, sessionID, &exported))

	var exportedDoc traceDocument
	require.NoError(t, json.Unmarshal(exported.Bytes(), &exportedDoc), exported.String())
	require.Equal(t, eventNames(doc), eventNames(exportedDoc))

	require.NoError(t, client.Delete(ctx, sessionID))
	err = client.Export(ctx, sessionID, io.Discard)
	require.ErrorAs(t, err, &re)
	require.Equal(t, http.StatusNotFound, re.StatusCode)
}

func TestCategories(t *testing.T) {
	t.Parallel()

	var (
		ctx           = context.Background()
		tl, client, _ = newTestServer(t, false)
	)

	tl.GetCategory("foo")
	tl.GetCategory("bar")

	cfg, err := tracelog.ParseTraceConfig("foo", "")
	require.NoError(t, err)
	_, err = client.Start(ctx, cfg, tracelog.RecordingMode)
	require.NoError(t, err)

	categories, err := client.Categories(ctx)
	require.NoError(t, err)

	byName := map[string]tlhttp.CategoryInfo{}
	for _, c := range categories {
		byName[c.Name] = c
	}
	require.True(t, byName["foo"].Recording)
	require.False(t, byName["bar"].Recording)
}

func TestStartErrors(t *testing.T) {
	t.Parallel()

	var (
		ctx            = context.Background()
		_, client, uri = newTestServer(t, false)
		re             *tlhttp.ResponseError
	)

	cfg := tracelog.TraceConfig{EventFilters: []tracelog.EventFilterConfig{{Predicate: "no_such_predicate"}}}
	_, err := client.Start(ctx, cfg, tracelog.FilteringMode)
	require.ErrorAs(t, err, &re)
	require.Equal(t, http.StatusBadRequest, re.StatusCode)

	res, err := http.Post(uri+"/start?options=record-forever", "text/plain", nil)
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	_, err = client.Sessions(ctx)
	require.ErrorAs(t, err, &re)
	require.Equal(t, http.StatusNotFound, re.StatusCode)
}

func TestCancel(t *testing.T) {
	t.Parallel()

	var (
		ctx           = context.Background()
		tl, client, _ = newTestServer(t, false)
		th            = tl.NewThread("worker")
		foo           = tl.GetCategory("foo")
	)

	cfg, err := tracelog.ParseTraceConfig("foo", "")
	require.NoError(t, err)
	_, err = client.Start(ctx, cfg, tracelog.RecordingMode)
	require.NoError(t, err)

	th.Instant(foo, "alpha")
	th.Close()

	require.NoError(t, client.Cancel(ctx))

	status, err := client.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, "disabled", status.Modes)

	var buf bytes.Buffer
	_, err = client.Dump(ctx, &buf, "")
	require.NoError(t, err)

	var doc traceDocument
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc), buf.String())
	require.Empty(t, eventNames(doc))
}

func TestDumpArchiveRemovedOnFlushError(t *testing.T) {
	t.Parallel()

	// The engine logs when a thread's full task queue rejects a flush task,
	// which happens after the flush has started.
	var (
		started = make(chan struct{})
		once    sync.Once
	)
	w := writerFunc(func(p []byte) (int, error) {
		if bytes.Contains(p, []byte("thread rejected flush task")) {
			once.Do(func() { close(started) })
		}
		return len(p), nil
	})

	var (
		ctx    = context.Background()
		logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
		tl     = tracelog.New(tracelog.WithLogger(logger), tracelog.WithFlushTimeout(time.Minute))
		th     = tl.NewThread("busy")
		foo    = tl.GetCategory("foo")
	)

	store, err := tlstore.Open(tlstore.Config{Dir: t.TempDir(), Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	server := httptest.NewServer(tlhttp.NewServer(tlhttp.ServerConfig{TraceLog: tl, Store: store, Logger: logger}))
	t.Cleanup(server.Close)
	client := tlhttp.NewClient(http.DefaultClient, server.URL)

	cfg, err := tracelog.ParseTraceConfig("foo", "")
	require.NoError(t, err)
	_, err = client.Start(ctx, cfg, tracelog.RecordingMode)
	require.NoError(t, err)

	th.Instant(foo, "alpha")

	_, err = client.Stop(ctx, tracelog.AllModes)
	require.NoError(t, err)

	for th.PostTask(func() {}) {
		// fill the queue
	}

	flushCtx, cancel := context.WithCancel(ctx)
	flushDone := make(chan error, 1)
	go func() { flushDone <- tl.Flush(flushCtx, nil) }()
	defer func() {
		cancel()
		<-flushDone
	}()

	select {
	case <-started:
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for flush to start")
	}

	_, err = client.Dump(ctx, io.Discard, "second")
	var re *tlhttp.ResponseError
	require.ErrorAs(t, err, &re)
	require.Equal(t, http.StatusConflict, re.StatusCode)

	sessions, err := client.Sessions(ctx)
	require.NoError(t, err)
	require.Empty(t, sessions)
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

func TestStream(t *testing.T) {
	t.Parallel()

	var (
		ctx, cancel     = context.WithCancel(context.Background())
		tl, client, uri = newTestServer(t, false)
		th              = tl.NewThread("worker")
		foo             = tl.GetCategory("foo")
	)
	defer cancel()

	cfg := tracelog.TraceConfig{EventFilters: []tracelog.EventFilterConfig{{
		Predicate:  tracelog.StreamPredicate,
		Categories: mustFilter(t, "foo"),
	}}}
	_, err := client.Start(ctx, cfg, tracelog.FilteringMode)
	require.NoError(t, err)

	var (
		sc   = &tlhttp.StreamClient{URI: uri, Name: "ping", RetryInterval: time.Second}
		ch   = make(chan tracelog.EventRecord, 10)
		errc = make(chan error, 1)
	)
	go func() { errc <- sc.Stream(ctx, ch) }()

	var received tracelog.EventRecord
	deadline := time.Now().Add(10 * time.Second)
	for received.Name == "" {
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for streamed event")
		}
		th.Instant(foo, "pong")
		th.Instant(foo, "ping", tracelog.Int("n", 1))
		select {
		case received = <-ch:
		case <-time.After(10 * time.Millisecond):
		}
	}

	require.Equal(t, "ping", received.Name)
	require.Equal(t, "foo", received.Category)
	require.Equal(t, float64(1), received.ArgMap()["n"])

	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for stream to stop")
	}
}

func TestStreamRequiresAccept(t *testing.T) {
	t.Parallel()

	_, _, uri := newTestServer(t, false)

	res, err := http.Get(uri + "/stream")
	require.NoError(t, err)
	defer res.Body.Close()

	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	var er tlhttp.ErrorResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&er))
	require.Contains(t, er.Error, "Accept")
}

func mustFilter(t *testing.T, s string) tracelog.CategoryFilter {
	t.Helper()
	f, err := tracelog.ParseCategoryFilter(s)
	require.NoError(t, err)
	return f
}
