// Package sqlstore is a signalstore.Store backed by a SQLite file. Several
// processes may share one database file; watchers tail it by polling and are
// woken early by writes made through the same Store.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	_ "modernc.org/sqlite"

	"github.com/webroker/reelwatch/internal/signalstore"
)

const defaultPollInterval = 250 * time.Millisecond

type Options struct {
	// TTL expires sessions this long after creation. Zero disables expiry.
	TTL time.Duration
	// PollInterval bounds how stale a watcher may be for writes made by
	// other processes.
	PollInterval time.Duration
	// SweepInterval is how often expired sessions are deleted. Defaults to
	// TTL/4, at least one second.
	SweepInterval time.Duration
	Now           func() time.Time
	Logger        *slog.Logger
}

type Store struct {
	db     *sql.DB
	ttl    time.Duration
	poll   time.Duration
	now    func() time.Time
	logger *slog.Logger

	changed changeSignal

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

var _ signalstore.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT PRIMARY KEY,
	offer_type  TEXT,
	offer_sdp   TEXT,
	answer_type TEXT,
	answer_sdp  TEXT,
	version     INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS candidates (
	session_id TEXT NOT NULL,
	side       TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	candidate  TEXT NOT NULL,
	PRIMARY KEY (session_id, side, seq)
);`

// Open opens (or creates) the database at path.
func Open(path string, opts Options) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// One connection keeps the per-connection pragmas in force and
	// serializes writers inside this process.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		schema,
	} {
		if _, err := db.Exec(stmt); err != nil {
			return nil, multierr.Append(fmt.Errorf("init sqlite %q: %w", path, err), db.Close())
		}
	}

	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		db:      db,
		ttl:     opts.TTL,
		poll:    opts.PollInterval,
		now:     opts.Now,
		logger:  opts.Logger.With("component", "sqlstore"),
		changed: changeSignal{ch: make(chan struct{})},
		ctx:     ctx,
		cancel:  cancel,
	}
	if s.ttl > 0 {
		interval := opts.SweepInterval
		if interval <= 0 {
			interval = max(s.ttl/4, time.Second)
		}
		s.wg.Add(1)
		go s.sweepLoop(interval)
	}
	return s, nil
}

func (s *Store) sweepLoop(interval time.Duration) {
	defer s.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			n, err := s.Sweep(s.ctx)
			if err != nil {
				if s.ctx.Err() == nil {
					s.logger.Warn("session sweep failed", "err", err)
				}
				continue
			}
			if n > 0 {
				s.logger.Debug("swept expired sessions", "count", n)
			}
		}
	}
}

func unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", signalstore.ErrStoreUnavailable, err)
}

func (s *Store) liveCutoff() int64 {
	if s.ttl <= 0 {
		return 0
	}
	return s.now().Add(-s.ttl).UnixMilli()
}

func (s *Store) CreateSession(ctx context.Context) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, created_at) VALUES (?, ?)`,
		id, s.now().UnixMilli())
	if err != nil {
		return "", unavailable(err)
	}
	return id, nil
}

// readDoc returns the live session row and its version.
func (s *Store) readDoc(ctx context.Context, id string) (signalstore.Document, int64, error) {
	var (
		offerType, offerSDP, answerType, answerSDP sql.NullString
		version                                    int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT offer_type, offer_sdp, answer_type, answer_sdp, version
		   FROM sessions WHERE id = ? AND created_at > ?`,
		id, s.liveCutoff(),
	).Scan(&offerType, &offerSDP, &answerType, &answerSDP, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return signalstore.Document{}, 0, signalstore.ErrSessionNotFound
	}
	if err != nil {
		return signalstore.Document{}, 0, unavailable(err)
	}
	doc := signalstore.Document{ID: id}
	if offerSDP.Valid {
		doc.Offer = &signalstore.SessionDescription{Type: offerType.String, SDP: offerSDP.String}
	}
	if answerSDP.Valid {
		doc.Answer = &signalstore.SessionDescription{Type: answerType.String, SDP: answerSDP.String}
	}
	return doc, version, nil
}

func (s *Store) ReadSession(ctx context.Context, id string) (signalstore.Document, error) {
	doc, _, err := s.readDoc(ctx, id)
	return doc, err
}

func (s *Store) exists(ctx context.Context, id string) error {
	_, _, err := s.readDoc(ctx, id)
	return err
}

func (s *Store) WriteOffer(ctx context.Context, id string, offer signalstore.SessionDescription) error {
	if err := offer.Validate("offer"); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET offer_type = ?, offer_sdp = ?, version = version + 1
		  WHERE id = ? AND created_at > ? AND offer_sdp IS NULL`,
		offer.Type, offer.SDP, id, s.liveCutoff())
	if err != nil {
		return unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(err)
	}
	if n == 0 {
		if err := s.exists(ctx, id); err != nil {
			return err
		}
		return signalstore.ErrOfferAlreadySet
	}
	s.changed.notify()
	return nil
}

func (s *Store) WriteAnswer(ctx context.Context, id string, answer signalstore.SessionDescription) error {
	if err := answer.Validate("answer"); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET answer_type = ?, answer_sdp = ?, version = version + 1
		  WHERE id = ? AND created_at > ?`,
		answer.Type, answer.SDP, id, s.liveCutoff())
	if err != nil {
		return unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(err)
	}
	if n == 0 {
		return signalstore.ErrSessionNotFound
	}
	s.changed.notify()
	return nil
}

func (s *Store) AppendCandidate(ctx context.Context, id string, side signalstore.Side, c signalstore.Candidate) error {
	if !side.Valid() {
		return signalstore.ErrInvalidSide
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode candidate: %w", err)
	}
	if err := s.exists(ctx, id); err != nil {
		return err
	}
	// A single INSERT ... SELECT allocates the next seq atomically even when
	// other processes append to the same file.
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO candidates (session_id, side, seq, candidate)
		 SELECT ?, ?, COALESCE(MAX(seq), 0) + 1, ?
		   FROM candidates WHERE session_id = ? AND side = ?`,
		id, string(side), string(payload), id, string(side))
	if err != nil {
		return unavailable(err)
	}
	s.changed.notify()
	return nil
}

func (s *Store) candidatesAfter(ctx context.Context, id string, side signalstore.Side, after int64) ([]signalstore.CandidateRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, candidate FROM candidates
		  WHERE session_id = ? AND side = ? AND seq > ?
		  ORDER BY seq`,
		id, string(side), after)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var out []signalstore.CandidateRecord
	for rows.Next() {
		var (
			seq     int64
			payload string
		)
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, unavailable(err)
		}
		var c signalstore.Candidate
		if err := json.Unmarshal([]byte(payload), &c); err != nil {
			return nil, fmt.Errorf("decode candidate %s/%s/%d: %w", id, side, seq, err)
		}
		out = append(out, signalstore.CandidateRecord{Seq: seq, Side: side, Candidate: c})
	}
	return out, unavailable(rows.Err())
}

func (s *Store) WatchSession(ctx context.Context, id string, fn func(signalstore.Document)) (signalstore.Subscription, error) {
	doc, version, err := s.readDoc(ctx, id)
	if err != nil {
		return nil, err
	}
	feed := signalstore.NewFeed(fn)
	feed.Push(doc)

	return s.tail(feed.Close, func(ctx context.Context) (bool, error) {
		doc, v, err := s.readDoc(ctx, id)
		if err != nil {
			return false, err
		}
		if v > version {
			version = v
			feed.Push(doc)
		}
		return true, nil
	}), nil
}

func (s *Store) WatchCandidates(ctx context.Context, id string, side signalstore.Side, fn func(signalstore.CandidateRecord)) (signalstore.Subscription, error) {
	if !side.Valid() {
		return nil, signalstore.ErrInvalidSide
	}
	if err := s.exists(ctx, id); err != nil {
		return nil, err
	}
	existing, err := s.candidatesAfter(ctx, id, side, 0)
	if err != nil {
		return nil, err
	}
	feed := signalstore.NewFeed(fn)
	var last int64
	for _, rec := range existing {
		feed.Push(rec)
		last = rec.Seq
	}

	return s.tail(feed.Close, func(ctx context.Context) (bool, error) {
		recs, err := s.candidatesAfter(ctx, id, side, last)
		if err != nil {
			return false, err
		}
		for _, rec := range recs {
			feed.Push(rec)
			last = rec.Seq
		}
		return true, nil
	}), nil
}

// tail runs check until the subscription is cancelled, the store closes or
// check reports that the session is gone.
func (s *Store) tail(closeFeed func(), check func(context.Context) (bool, error)) signalstore.Subscription {
	ctx, cancel := context.WithCancel(s.ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer closeFeed()

		ticker := time.NewTicker(s.poll)
		defer ticker.Stop()
		for {
			wake := s.changed.wait()
			select {
			case <-ctx.Done():
				return
			case <-wake:
			case <-ticker.C:
			}
			more, err := check(ctx)
			if errors.Is(err, signalstore.ErrSessionNotFound) {
				return
			}
			if err != nil && ctx.Err() == nil {
				s.logger.Warn("watch poll failed", "err", err)
				continue
			}
			if !more {
				return
			}
		}
	}()

	return signalstore.NewSubscription(func() {
		closeFeed()
		cancel()
	})
}

// Sweep deletes expired sessions and their candidates.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	if s.ttl <= 0 {
		return 0, nil
	}
	cutoff := s.liveCutoff()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, unavailable(err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM candidates WHERE session_id IN (SELECT id FROM sessions WHERE created_at <= ?)`,
		cutoff); err != nil {
		return 0, unavailable(err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at <= ?`, cutoff)
	if err != nil {
		return 0, unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable(err)
	}
	if err := tx.Commit(); err != nil {
		return 0, unavailable(err)
	}
	return n, nil
}

func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// changeSignal wakes every waiter on each notify.
type changeSignal struct {
	mu sync.Mutex
	ch chan struct{}
}

func (c *changeSignal) wait() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch
}

func (c *changeSignal) notify() {
	c.mu.Lock()
	close(c.ch)
	c.ch = make(chan struct{})
	c.mu.Unlock()
}
