// Package mongostore is a signalstore.Store backed by a MongoDB collection.
// Watches are served from change streams, so the deployment must be a
// replica set.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/multierr"

	"github.com/webroker/reelwatch/internal/signalstore"
)

const (
	idField                 = "_id"
	offerField              = "offer"
	answerField             = "answer"
	offererCandidatesField  = "offerer_candidates"
	answererCandidatesField = "answerer_candidates"
	versionField            = "version"
	createdAtField          = "created_at"

	defaultDatabase   = "reelwatch"
	defaultCollection = "signal_sessions"

	reopenBackoff = time.Second
)

type Options struct {
	URI        string
	Database   string
	Collection string
	// TTL expires sessions this long after creation. Zero disables expiry.
	TTL    time.Duration
	Logger *slog.Logger
}

type mongoDescription struct {
	Type string `bson:"type"`
	SDP  string `bson:"sdp"`
}

type mongoCandidate struct {
	Candidate        string  `bson:"candidate"`
	SDPMid           *string `bson:"sdp_mid"`
	SDPMLineIndex    *uint16 `bson:"sdp_m_line_index"`
	UsernameFragment *string `bson:"username_fragment"`
}

type mongoSession struct {
	ID                 string            `bson:"_id"`
	Offer              *mongoDescription `bson:"offer,omitempty"`
	Answer             *mongoDescription `bson:"answer,omitempty"`
	OffererCandidates  []mongoCandidate  `bson:"offerer_candidates"`
	AnswererCandidates []mongoCandidate  `bson:"answerer_candidates"`
	Version            int64             `bson:"version"`
	CreatedAt          time.Time         `bson:"created_at"`
}

func candidateToMongo(c signalstore.Candidate) mongoCandidate {
	return mongoCandidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func (c mongoCandidate) toStore() signalstore.Candidate {
	return signalstore.Candidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func (d *mongoDescription) toStore() *signalstore.SessionDescription {
	if d == nil {
		return nil
	}
	return &signalstore.SessionDescription{Type: d.Type, SDP: d.SDP}
}

func (m *mongoSession) document() signalstore.Document {
	return signalstore.Document{
		ID:     m.ID,
		Offer:  m.Offer.toStore(),
		Answer: m.Answer.toStore(),
	}
}

func (m *mongoSession) candidates(side signalstore.Side) []mongoCandidate {
	if side == signalstore.SideOfferer {
		return m.OffererCandidates
	}
	return m.AnswererCandidates
}

func candidatesField(side signalstore.Side) string {
	if side == signalstore.SideOfferer {
		return offererCandidatesField
	}
	return answererCandidatesField
}

type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
	ttl    time.Duration
	logger *slog.Logger

	cancelCtx  context.Context
	cancelFunc context.CancelFunc
	workers    sync.WaitGroup
	closeOnce  sync.Once
}

var _ signalstore.Store = (*Store)(nil)

// ttlIndexSeconds converts ttl for a TTL index. Mongo treats 0 as "expire
// now", so sub-second TTLs round up to one second.
func ttlIndexSeconds(ttl time.Duration) int32 {
	secs := (ttl + time.Second - 1) / time.Second
	return int32(min(max(secs, 1), math.MaxInt32))
}

// Open connects to opts.URI and ensures the collection's indexes.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.URI == "" {
		return nil, errors.New("mongostore: URI is required")
	}
	if opts.Database == "" {
		opts.Database = defaultDatabase
	}
	if opts.Collection == "" {
		opts.Collection = defaultCollection
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(opts.URI))
	if err != nil {
		return nil, fmt.Errorf("%w: connect: %v", signalstore.ErrStoreUnavailable, err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, multierr.Append(
			fmt.Errorf("%w: ping: %v", signalstore.ErrStoreUnavailable, err),
			client.Disconnect(context.Background()),
		)
	}

	coll := client.Database(opts.Database).Collection(opts.Collection)
	if opts.TTL > 0 {
		_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    bson.D{{createdAtField, 1}},
			Options: options.Index().SetExpireAfterSeconds(ttlIndexSeconds(opts.TTL)),
		})
		if err != nil {
			return nil, multierr.Append(
				fmt.Errorf("create ttl index: %w", err),
				client.Disconnect(context.Background()),
			)
		}
	}

	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	return &Store{
		client:     client,
		coll:       coll,
		ttl:        opts.TTL,
		logger:     opts.Logger.With("component", "mongostore"),
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
	}, nil
}

func unavailable(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", signalstore.ErrStoreUnavailable, err)
}

// liveFilter matches id while it has not expired. The server-side TTL
// monitor only runs about once a minute.
func (s *Store) liveFilter(id string) bson.D {
	filter := bson.D{{idField, id}}
	if s.ttl > 0 {
		filter = append(filter, bson.E{createdAtField, bson.D{{"$gt", time.Now().Add(-s.ttl)}}})
	}
	return filter
}

func (s *Store) CreateSession(ctx context.Context) (string, error) {
	id := uuid.NewString()
	_, err := s.coll.InsertOne(ctx, mongoSession{
		ID:                 id,
		OffererCandidates:  []mongoCandidate{},
		AnswererCandidates: []mongoCandidate{},
		CreatedAt:          time.Now(),
	})
	if err != nil {
		return "", unavailable(err)
	}
	return id, nil
}

func (s *Store) read(ctx context.Context, id string) (*mongoSession, error) {
	var m mongoSession
	err := s.coll.FindOne(ctx, s.liveFilter(id)).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, signalstore.ErrSessionNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return &m, nil
}

func (s *Store) ReadSession(ctx context.Context, id string) (signalstore.Document, error) {
	m, err := s.read(ctx, id)
	if err != nil {
		return signalstore.Document{}, err
	}
	return m.document(), nil
}

func (s *Store) WriteOffer(ctx context.Context, id string, offer signalstore.SessionDescription) error {
	if err := offer.Validate("offer"); err != nil {
		return err
	}
	filter := append(s.liveFilter(id), bson.E{offerField, bson.D{{"$exists", false}}})
	res, err := s.coll.UpdateOne(ctx, filter, bson.D{
		{"$set", bson.D{{offerField, mongoDescription{Type: offer.Type, SDP: offer.SDP}}}},
		{"$inc", bson.D{{versionField, 1}}},
	})
	if err != nil {
		return unavailable(err)
	}
	if res.MatchedCount == 0 {
		if _, err := s.read(ctx, id); err != nil {
			return err
		}
		return signalstore.ErrOfferAlreadySet
	}
	return nil
}

func (s *Store) WriteAnswer(ctx context.Context, id string, answer signalstore.SessionDescription) error {
	if err := answer.Validate("answer"); err != nil {
		return err
	}
	res, err := s.coll.UpdateOne(ctx, s.liveFilter(id), bson.D{
		{"$set", bson.D{{answerField, mongoDescription{Type: answer.Type, SDP: answer.SDP}}}},
		{"$inc", bson.D{{versionField, 1}}},
	})
	if err != nil {
		return unavailable(err)
	}
	if res.MatchedCount == 0 {
		return signalstore.ErrSessionNotFound
	}
	return nil
}

// AppendCandidate pushes onto the side's array; array position is the seq.
func (s *Store) AppendCandidate(ctx context.Context, id string, side signalstore.Side, c signalstore.Candidate) error {
	if !side.Valid() {
		return signalstore.ErrInvalidSide
	}
	res, err := s.coll.UpdateOne(ctx, s.liveFilter(id), bson.D{
		{"$push", bson.D{{candidatesField(side), candidateToMongo(c)}}},
	})
	if err != nil {
		return unavailable(err)
	}
	if res.MatchedCount == 0 {
		return signalstore.ErrSessionNotFound
	}
	return nil
}

func (s *Store) WatchSession(ctx context.Context, id string, fn func(signalstore.Document)) (signalstore.Subscription, error) {
	version := int64(-1)
	return watch(ctx, s, id, fn, func(m *mongoSession, feed *signalstore.Feed[signalstore.Document]) {
		if m.Version > version {
			version = m.Version
			feed.Push(m.document())
		}
	})
}

func (s *Store) WatchCandidates(ctx context.Context, id string, side signalstore.Side, fn func(signalstore.CandidateRecord)) (signalstore.Subscription, error) {
	if !side.Valid() {
		return nil, signalstore.ErrInvalidSide
	}
	var delivered int
	return watch(ctx, s, id, fn, func(m *mongoSession, feed *signalstore.Feed[signalstore.CandidateRecord]) {
		cands := m.candidates(side)
		for ; delivered < len(cands); delivered++ {
			feed.Push(signalstore.CandidateRecord{
				Seq:       int64(delivered + 1),
				Side:      side,
				Candidate: cands[delivered].toStore(),
			})
		}
	})
}

// watch opens a change stream on id before reading the current document, so
// no update can fall between the snapshot and the stream. apply dedupes.
func watch[T any](ctx context.Context, s *Store, id string, fn func(T), apply func(*mongoSession, *signalstore.Feed[T])) (signalstore.Subscription, error) {
	cs, err := s.openStream(ctx, id, nil)
	if err != nil {
		return nil, err
	}
	m, err := s.read(ctx, id)
	if err != nil {
		return nil, multierr.Append(err, cs.Close(context.Background()))
	}

	feed := signalstore.NewFeed(fn)
	apply(m, feed)

	watchCtx, cancel := context.WithCancel(s.cancelCtx)
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		defer feed.Close()
		s.follow(watchCtx, id, cs, func(m *mongoSession) { apply(m, feed) })
	}()

	return signalstore.NewSubscription(func() {
		feed.Close()
		cancel()
	}), nil
}

func (s *Store) openStream(ctx context.Context, id string, resumeToken bson.Raw) (*mongo.ChangeStream, error) {
	csOpts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	if len(resumeToken) != 0 {
		csOpts.SetStartAfter(resumeToken)
	}
	cs, err := s.coll.Watch(ctx, mongo.Pipeline{
		{{"$match", bson.D{
			{"documentKey._id", id},
			{"operationType", bson.D{{"$in", bson.A{"insert", "update", "replace", "delete"}}}},
		}}},
	}, csOpts)
	if err != nil {
		return nil, unavailable(err)
	}
	return cs, nil
}

type changeEvent struct {
	OperationType string        `bson:"operationType"`
	FullDocument  *mongoSession `bson:"fullDocument"`
}

// follow applies change events until ctx ends or the session is deleted.
// A broken stream is reopened from its last resume token.
func (s *Store) follow(ctx context.Context, id string, cs *mongo.ChangeStream, apply func(*mongoSession)) {
	defer func() { _ = cs.Close(context.Background()) }()
	for {
		for cs.Next(ctx) {
			var ev changeEvent
			if err := cs.Decode(&ev); err != nil {
				s.logger.Warn("decode change event", "session_id", id, "err", err)
				continue
			}
			if ev.OperationType == "delete" {
				return
			}
			if ev.FullDocument != nil {
				apply(ev.FullDocument)
			}
		}
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("change stream interrupted", "session_id", id, "err", cs.Err())

		token := cs.ResumeToken()
		_ = cs.Close(context.Background())
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(reopenBackoff):
			}
			next, err := s.openStream(ctx, id, token)
			if err != nil {
				s.logger.Warn("reopen change stream", "session_id", id, "err", err)
				continue
			}
			cs = next
			break
		}
		// Catch up on anything the resume window no longer covers.
		if m, err := s.read(ctx, id); err == nil {
			apply(m)
		} else if errors.Is(err, signalstore.ErrSessionNotFound) {
			return
		}
	}
}

func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancelFunc()
		s.workers.Wait()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = s.client.Disconnect(ctx)
	})
	return err
}
