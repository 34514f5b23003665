// Package tlstore archives flushed trace sessions in a Pebble database.
//
// A Session is an output function for a flush. Each output fragment is
// persisted as it arrives, and the session is marked complete on the final
// call. Stored sessions can be listed, exported as complete trace documents,
// and deleted.
package tlstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/oklog/ulid/v2"
	"github.com/peterbourgon/tracelog"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrNotFound is returned for unknown session IDs.
var ErrNotFound = errors.New("session not found")

// Formats of stored fragments.
const (
	FormatJSON    = "json"
	FormatMsgpack = "msgpack"
)

// Config for a store.
type Config struct {
	// Dir is the Pebble database directory. Required.
	Dir string

	// Sync forces a WAL sync for every write. Optional. By default, writes are
	// synced only when a session completes.
	Sync bool

	// Logger receives diagnostics. Optional. By default, slog.Default.
	Logger *slog.Logger
}

// Store is an archive of trace sessions.
type Store struct {
	db     *pebble.DB
	sync   bool
	logger *slog.Logger
}

// Open creates or opens a store.
func Open(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("tlstore: Dir is required")
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	db, err := pebble.Open(cfg.Dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}

	return &Store{
		db:     db,
		sync:   cfg.Sync,
		logger: cfg.Logger,
	}, nil
}

// Close the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) writeOptions() *pebble.WriteOptions {
	if s.sync {
		return pebble.Sync
	}
	return pebble.NoSync
}

//
//
//

// SessionInfo describes a stored session.
type SessionInfo struct {
	ID        ulid.ULID `msgpack:"id" json:"id"`
	Name      string    `msgpack:"name" json:"name"`
	Format    string    `msgpack:"format" json:"format"`
	Created   time.Time `msgpack:"created" json:"created"`
	Finished  time.Time `msgpack:"finished,omitempty" json:"finished,omitzero"`
	Fragments int       `msgpack:"fragments" json:"fragments"`
	Bytes     int       `msgpack:"bytes" json:"bytes"`
	Complete  bool      `msgpack:"complete" json:"complete"`
}

// Session receives flush output for one trace session.
type Session struct {
	store *Store

	mtx  sync.Mutex
	info SessionInfo
	err  error
}

// NewSession creates an empty session with the given name and fragment
// format. The session is stored immediately, and marked incomplete until the
// final output call.
func (s *Store) NewSession(name, format string) (*Session, error) {
	switch format {
	case FormatJSON, FormatMsgpack:
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}

	now := time.Now().UTC()
	sess := &Session{
		store: s,
		info: SessionInfo{
			ID:      ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()),
			Name:    name,
			Format:  format,
			Created: now,
		},
	}

	if err := s.putInfo(sess.info, s.writeOptions()); err != nil {
		return nil, err
	}

	return sess, nil
}

// ID of the session.
func (sess *Session) ID() ulid.ULID {
	return sess.info.ID
}

// Output persists a flush output fragment. It implements tracelog.OutputFunc.
// Write errors are retained and returned by Err; subsequent fragments are
// discarded.
func (sess *Session) Output(data []byte, hasMore bool) {
	sess.mtx.Lock()
	defer sess.mtx.Unlock()

	if sess.err != nil {
		return
	}

	s := sess.store

	if len(data) > 0 {
		key := fragmentKey(sess.info.ID, uint64(sess.info.Fragments))
		if err := s.db.Set(key, data, s.writeOptions()); err != nil {
			sess.err = fmt.Errorf("write fragment: %w", err)
			s.logger.Error("archive write failed", "session", sess.info.ID.String(), "err", err)
			return
		}
		sess.info.Fragments++
		sess.info.Bytes += len(data)
	}

	if !hasMore {
		sess.info.Complete = true
		sess.info.Finished = time.Now().UTC()
		if err := s.putInfo(sess.info, pebble.Sync); err != nil {
			sess.err = err
			s.logger.Error("archive write failed", "session", sess.info.ID.String(), "err", err)
			return
		}
		s.logger.Debug("archived trace session",
			"session", sess.info.ID.String(),
			"fragments", sess.info.Fragments,
			"bytes", sess.info.Bytes,
		)
	}
}

// Info returns the current session info.
func (sess *Session) Info() SessionInfo {
	sess.mtx.Lock()
	defer sess.mtx.Unlock()
	return sess.info
}

// Err returns the first write error, if any.
func (sess *Session) Err() error {
	sess.mtx.Lock()
	defer sess.mtx.Unlock()
	return sess.err
}

//
//
//

// Sessions returns every stored session, newest first.
func (s *Store) Sessions(ctx context.Context) ([]SessionInfo, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(infoKeyPrefix),
		UpperBound: prefixUpperBound([]byte(infoKeyPrefix)),
	})
	if err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	defer iter.Close()

	var infos []SessionInfo
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var info SessionInfo
		if err := msgpack.Unmarshal(iter.Value(), &info); err != nil {
			s.logger.Warn("skipping corrupt session info", "key", string(iter.Key()), "err", err)
			continue
		}
		infos = append(infos, info)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}

	slices.Reverse(infos)
	return infos, nil
}

// Get returns the info for a session.
func (s *Store) Get(id ulid.ULID) (SessionInfo, error) {
	val, closer, err := s.db.Get(infoKey(id))
	switch {
	case errors.Is(err, pebble.ErrNotFound):
		return SessionInfo{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	case err != nil:
		return SessionInfo{}, fmt.Errorf("get session: %w", err)
	}
	defer closer.Close()

	var info SessionInfo
	if err := msgpack.Unmarshal(val, &info); err != nil {
		return SessionInfo{}, fmt.Errorf("decode session info: %w", err)
	}
	return info, nil
}

// Export writes a stored session to w. JSON sessions are written as a complete
// trace document; msgpack sessions are written as the concatenated fragments.
func (s *Store) Export(ctx context.Context, id ulid.ULID, w io.Writer) (SessionInfo, error) {
	info, err := s.Get(id)
	if err != nil {
		return SessionInfo{}, err
	}

	var out tracelog.OutputFunc
	var errfn func() error
	switch info.Format {
	case FormatJSON:
		tw := tracelog.NewTraceFileWriter(w)
		out, errfn = tw.Output, tw.Err
	default:
		var werr error
		out = func(data []byte, _ bool) {
			if werr == nil {
				_, werr = w.Write(data)
			}
		}
		errfn = func() error { return werr }
	}

	prefix := fragmentPrefix(id)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return SessionInfo{}, fmt.Errorf("iterate fragments: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return SessionInfo{}, err
		}
		out(bytes.Clone(iter.Value()), true)
	}
	if err := iter.Error(); err != nil {
		return SessionInfo{}, fmt.Errorf("iterate fragments: %w", err)
	}

	out(nil, false)

	if err := errfn(); err != nil {
		return SessionInfo{}, fmt.Errorf("write export: %w", err)
	}

	return info, nil
}

// Delete removes a session and its fragments.
func (s *Store) Delete(id ulid.ULID) error {
	if _, err := s.Get(id); err != nil {
		return err
	}

	prefix := fragmentPrefix(id)

	b := s.db.NewBatch()
	defer b.Close()

	if err := b.DeleteRange(prefix, prefixUpperBound(prefix), nil); err != nil {
		return fmt.Errorf("delete fragments: %w", err)
	}
	if err := b.Delete(infoKey(id), nil); err != nil {
		return fmt.Errorf("delete session info: %w", err)
	}

	return b.Commit(pebble.Sync)
}

func (s *Store) putInfo(info SessionInfo, opts *pebble.WriteOptions) error {
	val, err := msgpack.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode session info: %w", err)
	}
	if err := s.db.Set(infoKey(info.ID), val, opts); err != nil {
		return fmt.Errorf("write session info: %w", err)
	}
	return nil
}
