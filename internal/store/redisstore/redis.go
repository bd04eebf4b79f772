// Package redisstore implements the store adapter on Redis. Documents are
// hashes of JSON encoded fields, collections are sorted sets scored by
// first-insertion sequence, and every write is announced on a pub/sub
// channel for the document and one for its collection.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/lockedin-study/lockedin-sync/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	defaultPrefix         = "lockedin:"
	defaultHealthInterval = 5 * time.Second
)

// createScript writes a document, either exclusively (ARGV[2] == "0") or as
// a merge. KEYS: doc hash, collection index, sequence counter. ARGV: doc
// id, merge flag, then field/value pairs.
var createScript = redis.NewScript(`
if ARGV[2] == "0" and redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 3))
local seq = redis.call('INCR', KEYS[3])
redis.call('ZADD', KEYS[2], 'NX', seq, ARGV[1])
return 1
`)

// updateScript overwrites fields of an existing document only.
var updateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 1))
return 1
`)

// Store is a Redis-backed store.Adapter.
type Store struct {
	client *redis.Client
	prefix string
	log    *zerolog.Logger

	// healthInterval is how often an idle subscription pings the server.
	// Pub/sub reconnects silently, so a lost server is only seen this way.
	healthInterval time.Duration
}

// New connects to the Redis server at redisURL.
func New(ctx context.Context, redisURL string, log *zerolog.Logger) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", classify(err))
	}

	return NewWithClient(client, log), nil
}

// NewWithClient creates a store from an existing Redis client.
func NewWithClient(client *redis.Client, log *zerolog.Logger) *Store {
	if log == nil {
		nop := zerolog.Nop()
		log = &nop
	}
	return &Store{client: client, prefix: defaultPrefix, log: log, healthInterval: defaultHealthInterval}
}

func (s *Store) docKey(path string) string {
	return s.prefix + "doc:" + path
}

func (s *Store) indexKey(collection string) string {
	return s.prefix + "idx:" + collection
}

func (s *Store) seqKey() string {
	return s.prefix + "seq"
}

func (s *Store) channel(path string) string {
	return s.prefix + "chg:" + path
}

// Get fetches a single document.
func (s *Store) Get(ctx context.Context, path string) (store.Document, error) {
	_, id, err := store.DocumentPath(path)
	if err != nil {
		return store.Document{}, err
	}
	values, err := s.client.HGetAll(ctx, s.docKey(path)).Result()
	if err != nil {
		return store.Document{}, fmt.Errorf("get %s: %w", path, classify(err))
	}
	if len(values) == 0 {
		return store.Document{}, fmt.Errorf("get %s: %w", path, store.ErrNotFound)
	}
	return toDocument(path, id, values), nil
}

// Create writes a document, merging into an existing one when merge is set
// and failing with store.ErrAlreadyExists otherwise.
func (s *Store) Create(ctx context.Context, path string, fields store.Fields, merge bool) error {
	collection, id, err := store.DocumentPath(path)
	if err != nil {
		return err
	}
	pairs, err := fieldArgs(fields)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	mergeFlag := "0"
	if merge {
		mergeFlag = "1"
	}
	args := append([]interface{}{id, mergeFlag}, pairs...)
	keys := []string{s.docKey(path), s.indexKey(collection), s.seqKey()}

	written, err := createScript.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return fmt.Errorf("create %s: %w", path, classify(err))
	}
	if written == 0 {
		return fmt.Errorf("create %s: %w", path, store.ErrAlreadyExists)
	}

	s.announce(ctx, path, collection)
	return nil
}

// Update overwrites the named fields of an existing document.
func (s *Store) Update(ctx context.Context, path string, fields store.Fields) error {
	collection, _, err := store.DocumentPath(path)
	if err != nil {
		return err
	}
	pairs, err := fieldArgs(fields)
	if err != nil {
		return fmt.Errorf("update %s: %w", path, err)
	}

	written, err := updateScript.Run(ctx, s.client, []string{s.docKey(path)}, pairs...).Int()
	if err != nil {
		return fmt.Errorf("update %s: %w", path, classify(err))
	}
	if written == 0 {
		return fmt.Errorf("update %s: %w", path, store.ErrNotFound)
	}

	s.announce(ctx, path, collection)
	return nil
}

// Delete removes a document and its collection index entry.
func (s *Store) Delete(ctx context.Context, path string) error {
	collection, id, err := store.DocumentPath(path)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.docKey(path))
	pipe.ZRem(ctx, s.indexKey(collection), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete %s: %w", path, classify(err))
	}

	s.announce(ctx, path, collection)
	return nil
}

// announce notifies subscribers of path and of its collection. Subscribers
// refetch full state, so a lost announcement only delays convergence.
func (s *Store) announce(ctx context.Context, path, collection string) {
	pipe := s.client.Pipeline()
	pipe.Publish(ctx, s.channel(path), "changed")
	pipe.Publish(ctx, s.channel(collection), "changed")
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Warn().Err(err).Str("path", path).Msg("failed to announce change")
	}
}

// Subscribe streams snapshots of a document or collection path.
func (s *Store) Subscribe(ctx context.Context, path string) (*store.Subscription, error) {
	if _, err := store.Split(path); err != nil {
		return nil, err
	}

	// Subscribe before the first read so no write between the two is missed.
	pubsub := s.client.Subscribe(ctx, s.channel(path))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", path, classify(err))
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan store.Snapshot)
	errc := make(chan error, 1)
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer close(out)
		defer pubsub.Close()

		messages := pubsub.Channel()
		health := time.NewTicker(s.healthInterval)
		defer health.Stop()
		for {
			snap, err := s.snapshot(ctx, path)
			if err != nil {
				if ctx.Err() == nil {
					errc <- err
				}
				return
			}
			select {
			case out <- snap:
			case <-ctx.Done():
				return
			}

		wait:
			for {
				select {
				case <-ctx.Done():
					return
				case _, ok := <-messages:
					if !ok {
						errc <- fmt.Errorf("subscribe %s: %w", path, store.ErrUnavailable)
						return
					}
					break wait
				case <-health.C:
					if err := s.healthCheck(ctx); err != nil {
						if ctx.Err() == nil {
							s.log.Warn().Err(err).Str("path", path).Msg("redis health check failed, closing subscription")
							errc <- fmt.Errorf("subscribe %s: %w", path, err)
						}
						return
					}
				}
			}
			// One refetch covers every change already announced.
			drain(messages)
		}
	}()

	return store.NewSubscription(out, errc, func() {
		cancel()
		<-done
	}), nil
}

func (s *Store) snapshot(ctx context.Context, path string) (store.Snapshot, error) {
	if !store.IsCollection(path) {
		doc, err := s.Get(ctx, path)
		if errors.Is(err, store.ErrNotFound) {
			return store.Snapshot{Path: path}, nil
		}
		if err != nil {
			return store.Snapshot{}, err
		}
		return store.Snapshot{Path: path, Exists: true, Docs: []store.Document{doc}}, nil
	}

	ids, err := s.client.ZRange(ctx, s.indexKey(path), 0, -1).Result()
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("list %s: %w", path, classify(err))
	}
	snap := store.Snapshot{Path: path, Exists: true, Docs: make([]store.Document, 0, len(ids))}
	if len(ids) == 0 {
		return snap, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.docKey(path+"/"+id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return store.Snapshot{}, fmt.Errorf("list %s: %w", path, classify(err))
	}
	for i, cmd := range cmds {
		values := cmd.Val()
		// Index entries can briefly outlive a deleted hash.
		if len(values) == 0 {
			continue
		}
		snap.Docs = append(snap.Docs, toDocument(path+"/"+ids[i], ids[i], values))
	}
	return snap, nil
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *Store) Ping(ctx context.Context) error {
	return classify(s.client.Ping(ctx).Err())
}

// healthCheck pings with a timeout and reports only failures that mean
// the server is gone or refusing us.
func (s *Store) healthCheck(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, s.healthInterval)
	defer cancel()
	err := s.Ping(pingCtx)
	if errors.Is(err, store.ErrUnavailable) || errors.Is(err, store.ErrPermissionDenied) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return nil
}

func drain(messages <-chan *redis.Message) {
	for {
		select {
		case _, ok := <-messages:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func toDocument(path, id string, values map[string]string) store.Document {
	fields := make(map[string]json.RawMessage, len(values))
	for name, value := range values {
		fields[name] = json.RawMessage(value)
	}
	return store.Document{Path: path, ID: id, Fields: fields}
}

func fieldArgs(fields store.Fields) ([]interface{}, error) {
	encoded, err := fields.Encode()
	if err != nil {
		return nil, err
	}
	args := make([]interface{}, 0, len(encoded)*2)
	for name, raw := range encoded {
		args = append(args, name, string(raw))
	}
	return args, nil
}

// classify maps Redis client errors onto the store error kinds.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return store.ErrNotFound
	}

	var redisErr redis.Error
	if errors.As(err, &redisErr) {
		msg := redisErr.Error()
		for _, prefix := range []string{"NOPERM", "NOAUTH", "WRONGPASS"} {
			if strings.HasPrefix(msg, prefix) {
				return fmt.Errorf("%w: %v", store.ErrPermissionDenied, err)
			}
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) ||
		errors.Is(err, redis.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return err
}
