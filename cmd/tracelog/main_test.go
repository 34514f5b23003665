package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/peterbourgon/tracelog"
	"github.com/peterbourgon/tracelog/tlhttp"
	"github.com/peterbourgon/tracelog/tlstore"
	"github.com/stretchr/testify/require"
)

func TestRecordAndArchive(t *testing.T) {
	var (
		ctx      = context.Background()
		dir      = t.TempDir()
		outFile  = filepath.Join(dir, "trace.json")
		storeDir = filepath.Join(dir, "store")
		stdout   bytes.Buffer
		stderr   bytes.Buffer
	)

	require.NoError(t, exec(ctx, strings.NewReader(""), &stdout, &stderr, []string{
		"record",
		"--log=none",
		"--duration=200ms",
		"--interval=5ms",
		"--workers=2",
		"--categories=app,app.io",
		"--out", outFile,
		"--store", storeDir,
		"--name", "test-run",
	}))

	data, err := os.ReadFile(outFile)
	require.NoError(t, err)

	var doc struct {
		TraceEvents []tracelog.EventRecord `json:"traceEvents"`
	}
	require.NoError(t, json.Unmarshal(data, &doc), string(data))

	names := map[string]int{}
	threads := map[string]bool{}
	for _, rec := range doc.TraceEvents {
		names[rec.Name]++
		if rec.Name == "thread_name" {
			threads[rec.ArgMap()["name"].(string)] = true
		}
	}
	require.Positive(t, names["iteration"])
	require.Positive(t, names["read"])
	require.Zero(t, names["state"]) // disabled by default
	require.True(t, threads["worker-1"])
	require.True(t, threads["worker-2"])

	stdout.Reset()
	require.NoError(t, exec(ctx, strings.NewReader(""), &stdout, &stderr, []string{
		"archive", "list",
		"--log=none",
		"--output=ndjson",
		"--store", storeDir,
	}))

	var info tlstore.SessionInfo
	require.NoError(t, json.NewDecoder(&stdout).Decode(&info), stdout.String())
	require.Equal(t, "test-run", info.Name)
	require.True(t, info.Complete)

	stdout.Reset()
	require.NoError(t, exec(ctx, strings.NewReader(""), &stdout, &stderr, []string{
		"archive", "export",
		"--log=none",
		"--store", storeDir,
		info.ID.String(),
	}))

	var exported struct {
		TraceEvents []tracelog.EventRecord `json:"traceEvents"`
	}
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &exported), stdout.String())
	require.Len(t, exported.TraceEvents, len(doc.TraceEvents))
}

func TestInvalidFlags(t *testing.T) {
	var stdout, stderr bytes.Buffer

	err := exec(context.Background(), strings.NewReader(""), &stdout, &stderr, []string{"record", "--categories=foo,,bar"})
	require.Error(t, err)

	err = exec(context.Background(), strings.NewReader(""), &stdout, &stderr, []string{"start", "--modes=sampling"})
	require.ErrorIs(t, err, tracelog.ErrInvalidConfig)
}

func TestUnixSocket(t *testing.T) {
	var (
		ctx    = context.Background()
		uri    = "unix://" + filepath.Join(t.TempDir(), "s.sock")
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
		tl     = tracelog.New(tracelog.WithLogger(logger))
	)

	ln, err := listen(uri)
	require.NoError(t, err)

	server := &http.Server{Handler: tlhttp.NewServer(tlhttp.ServerConfig{TraceLog: tl, Logger: logger})}
	go server.Serve(ln)
	t.Cleanup(func() { server.Close() })

	var stdout, stderr bytes.Buffer
	require.NoError(t, exec(ctx, strings.NewReader(""), &stdout, &stderr, []string{
		"start",
		"--log=none",
		"--uri", uri,
		"--categories=foo",
	}))
	require.Equal(t, tracelog.RecordingMode, tl.EnabledModes())

	require.NoError(t, exec(ctx, strings.NewReader(""), &stdout, &stderr, []string{
		"status",
		"--log=none",
		"--output=ndjson",
		"--uri", uri,
	}))

	var status tlhttp.StatusResponse
	require.NoError(t, json.NewDecoder(&stdout).Decode(&status), stdout.String())
	require.Equal(t, "recording", status.Modes)

	cfg := &rootConfig{uri: uri}
	res, err := cfg.newClient().Stop(ctx, tracelog.AllModes)
	require.NoError(t, err)
	require.Equal(t, "disabled", res.Modes)
}
