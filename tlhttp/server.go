// Package tlhttp provides an HTTP interface to a trace log: enabling and
// disabling recording, dumping the trace buffer, streaming filtered events,
// and browsing archived sessions.
package tlhttp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/peterbourgon/tracelog"
	"github.com/peterbourgon/tracelog/internal/tlutil"
	"github.com/peterbourgon/tracelog/tlstore"
)

// ServerConfig collects the dependencies of a server.
type ServerConfig struct {
	// TraceLog served by the server. Required.
	TraceLog *tracelog.TraceLog

	// Store that dumps can be archived to. Optional; without one, the archive
	// endpoints respond 404.
	Store *tlstore.Store

	// Logger for request errors. Optional.
	Logger *slog.Logger
}

// Server is an http.Handler for a trace log.
type Server struct {
	tl     *tracelog.TraceLog
	store  *tlstore.Store
	logger *slog.Logger
	mux    *http.ServeMux
}

var _ http.Handler = (*Server)(nil)

// NewServer returns a server for the trace log in the config.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s := &Server{
		tl:     cfg.TraceLog,
		store:  cfg.Store,
		logger: cfg.Logger,
		mux:    http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.mux.HandleFunc("GET /categories", s.handleCategories)
	s.mux.HandleFunc("POST /start", s.handleStart)
	s.mux.HandleFunc("POST /stop", s.handleStop)
	s.mux.HandleFunc("POST /dump", s.handleDump)
	s.mux.HandleFunc("GET /stream", s.handleStream)
	s.mux.HandleFunc("GET /archive", s.handleArchiveList)
	s.mux.HandleFunc("GET /archive/{id}", s.handleArchiveExport)
	s.mux.HandleFunc("DELETE /archive/{id}", s.handleArchiveDelete)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	iw := newInterceptor(w)

	defer func(begin time.Time) {
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"code", iw.Code(),
			"sent", tlutil.HumanizeBytes(iw.Written()),
			"took", tlutil.HumanizeDuration(time.Since(begin)),
		)
	}(time.Now())

	s.mux.ServeHTTP(iw, r)
}

//
//
//

// StatusResponse describes the state of the trace log.
type StatusResponse struct {
	Modes       string                   `json:"modes"`
	SessionID   string                   `json:"session_id,omitempty"`
	NumTraces   int                      `json:"num_traces"`
	Config      tracelog.TraceConfigFile `json:"config"`
	Buffer      tracelog.TraceLogStatus  `json:"buffer"`
	BufferUsage string                   `json:"buffer_usage"`
	Chunks      tracelog.ChunkCounts     `json:"chunks"`
}

func (s *Server) status() StatusResponse {
	res := StatusResponse{
		Modes:       s.tl.EnabledModes().String(),
		NumTraces:   s.tl.NumTracesRecorded(),
		Config:      tracelog.NewTraceConfigFile(s.tl.TraceConfig()),
		Buffer:      s.tl.GetStatus(),
		BufferUsage: tlutil.HumanizePercent(s.tl.BufferUsage()),
		Chunks:      s.tl.ChunkStats(),
	}
	if id := s.tl.SessionID(); id != (ulid.ULID{}) {
		res.SessionID = id.String()
	}
	return res
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.status())
}

// CategoryInfo describes a registered category group.
type CategoryInfo struct {
	Name      string `json:"name"`
	Recording bool   `json:"recording,omitempty"`
	Filtering bool   `json:"filtering,omitempty"`
	Filters   uint32 `json:"filters,omitempty"`
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	var categories []CategoryInfo
	s.tl.ForEachCategory(func(c *tracelog.Category) {
		categories = append(categories, CategoryInfo{
			Name:      c.Name(),
			Recording: c.State()&tracelog.StateEnabledForRecording != 0,
			Filtering: c.State()&tracelog.StateEnabledForFiltering != 0,
			Filters:   c.Filters(),
		})
	})
	respondJSON(w, http.StatusOK, categories)
}

// handleStart enables the modes in the modes query parameter, default
// recording. The config is a JSON TraceConfigFile body, or else the
// categories and options query parameters.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var (
		query     = r.URL.Query()
		modes     = parseDefault(query.Get("modes"), tracelog.ParseMode, tracelog.RecordingMode)
		cfg       tracelog.TraceConfig
		configErr error
	)

	switch {
	case RequestHasContentType(r, "application/json"):
		var f tracelog.TraceConfigFile
		body := http.MaxBytesReader(w, r.Body, maxRequestBodySizeBytes)
		if err := json.NewDecoder(body).Decode(&f); err != nil {
			respondError(w, http.StatusBadRequest, fmt.Errorf("decode config: %w", err))
			return
		}
		cfg, configErr = f.TraceConfig()
	default:
		cfg, configErr = tracelog.ParseTraceConfig(query.Get("categories"), query.Get("options"))
	}
	if configErr != nil {
		respondError(w, http.StatusBadRequest, configErr, errors.Unwrap(configErr))
		return
	}

	if modes == 0 {
		respondError(w, http.StatusBadRequest, fmt.Errorf("no modes to enable"))
		return
	}

	if err := s.tl.SetEnabled(cfg, modes); err != nil {
		respondError(w, codeFor(err), err)
		return
	}

	respondJSON(w, http.StatusOK, s.status())
}

// handleStop disables the modes in the modes query parameter, default all.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	modes := parseDefault(r.URL.Query().Get("modes"), tracelog.ParseMode, tracelog.AllModes)
	if modes == 0 {
		modes = tracelog.AllModes
	}

	if err := s.tl.SetDisabled(modes); err != nil {
		respondError(w, codeFor(err), err)
		return
	}

	respondJSON(w, http.StatusOK, s.status())
}

// handleDump flushes the trace buffer into the response. With discard=true,
// tracing is canceled and nothing is written. With archive=<name>, the output
// is also saved as a session in the store.
func (s *Server) handleDump(w http.ResponseWriter, r *http.Request) {
	var (
		ctx     = r.Context()
		query   = r.URL.Query()
		discard = parseDefault(query.Get("discard"), strconv.ParseBool, false)
		archive = query.Get("archive")
	)

	if discard {
		if err := s.tl.CancelTracing(ctx, nil); err != nil {
			respondError(w, codeFor(err), err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if s.tl.EnabledModes()&tracelog.RecordingMode != 0 {
		respondError(w, http.StatusConflict, tracelog.ErrRecording)
		return
	}

	var (
		buf         bytes.Buffer
		contentType string
		format      string
		write       tracelog.OutputFunc
	)
	switch s.tl.Serializer().(type) {
	case tracelog.MsgpackSerializer:
		contentType, format = "application/msgpack", tlstore.FormatMsgpack
		write = func(data []byte, hasMore bool) { buf.Write(data) }
	default:
		tw := tracelog.NewTraceFileWriter(&buf)
		contentType, format = "application/json; charset=utf-8", tlstore.FormatJSON
		write = tw.Output
	}

	out := write
	var sess *tlstore.Session
	if archive != "" {
		if s.store == nil {
			respondError(w, http.StatusNotFound, fmt.Errorf("no archive configured"))
			return
		}
		ss, err := s.store.NewSession(archive, format)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err)
			return
		}
		sess = ss
		out = func(data []byte, hasMore bool) {
			write(data, hasMore)
			sess.Output(data, hasMore)
		}
	}

	if err := s.tl.Flush(ctx, out); err != nil {
		if sess != nil {
			if err := s.store.Delete(sess.ID()); err != nil {
				s.logger.Warn("delete incomplete dump session", "session", sess.ID().String(), "err", err)
			}
		}
		respondError(w, codeFor(err), err)
		return
	}

	if sess != nil {
		if err := sess.Err(); err != nil {
			s.logger.Warn("archive dump failed", "session", sess.ID().String(), "err", err)
		} else {
			w.Header().Set("x-tracelog-session", sess.ID().String())
		}
	}

	w.Header().Set("content-type", contentType)
	w.WriteHeader(http.StatusOK)
	buf.WriteTo(w)
}

//
//
//

func (s *Server) handleArchiveList(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		respondError(w, http.StatusNotFound, fmt.Errorf("no archive configured"))
		return
	}

	sessions, err := s.store.Sessions(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleArchiveExport(w http.ResponseWriter, r *http.Request) {
	id, ok := s.archiveID(w, r)
	if !ok {
		return
	}

	info, err := s.store.Get(id)
	if err != nil {
		respondError(w, codeFor(err), err)
		return
	}

	switch info.Format {
	case tlstore.FormatMsgpack:
		w.Header().Set("content-type", "application/msgpack")
	default:
		w.Header().Set("content-type", "application/json; charset=utf-8")
	}

	if _, err := s.store.Export(r.Context(), id, w); err != nil {
		s.logger.Warn("archive export failed", "session", id.String(), "err", err)
	}
}

func (s *Server) handleArchiveDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := s.archiveID(w, r)
	if !ok {
		return
	}

	if err := s.store.Delete(id); err != nil {
		respondError(w, codeFor(err), err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) archiveID(w http.ResponseWriter, r *http.Request) (ulid.ULID, bool) {
	if s.store == nil {
		respondError(w, http.StatusNotFound, fmt.Errorf("no archive configured"))
		return ulid.ULID{}, false
	}

	id, err := ulid.ParseStrict(r.PathValue("id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("invalid session ID: %w", err))
		return ulid.ULID{}, false
	}

	return id, true
}

//
//
//

func codeFor(err error) int {
	switch {
	case errors.Is(err, tracelog.ErrInvalidConfig),
		errors.Is(err, tracelog.ErrUnknownPredicate),
		errors.Is(err, tracelog.ErrTooManyFilters):
		return http.StatusBadRequest
	case errors.Is(err, tracelog.ErrRecording),
		errors.Is(err, tracelog.ErrFlushInProgress),
		errors.Is(err, tracelog.ErrObserverDispatch):
		return http.StatusConflict
	case errors.Is(err, tracelog.ErrShutdown):
		return http.StatusServiceUnavailable
	case errors.Is(err, tlstore.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
