// Package pgstore implements the store adapter on PostgreSQL. Every
// document is a row holding its fields as JSONB, and each committed write
// is announced with pg_notify so subscribers can refetch.
package pgstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/lib/pq"
	"github.com/lockedin-study/lockedin-sync/internal/store"
	"github.com/rs/zerolog"
)

const notifyChannel = "lockedin_changes"

type Store struct {
	DB  *sql.DB
	Log *zerolog.Logger

	listener *pq.Listener

	mu       sync.Mutex
	watchers map[*watcher]struct{}
	done     chan struct{}
}

type watcher struct {
	path string
	kick chan struct{}
	fail chan error
}

// New opens the database at connStr and starts listening for change
// notifications.
func New(ctx context.Context, connStr string, log *zerolog.Logger) (*Store, error) {
	if log == nil {
		nop := zerolog.Nop()
		log = &nop
	}

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open database connection")
		return nil, err
	}

	// Check we are actually connected
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		log.Error().Err(err).Msg("Database connection failed during ping")
		db.Close()
		return nil, fmt.Errorf("connect to postgres: %w", classify(err))
	}

	s := &Store{
		DB:       db,
		Log:      log,
		watchers: make(map[*watcher]struct{}),
		done:     make(chan struct{}),
	}

	s.listener = pq.NewListener(connStr, 500*time.Millisecond, 30*time.Second, s.listenerEvent)
	if err := s.listener.Listen(notifyChannel); err != nil {
		s.listener.Close()
		db.Close()
		return nil, fmt.Errorf("listen %s: %w", notifyChannel, classify(err))
	}
	go s.dispatch()

	return s, nil
}

// listenerEvent runs on the listener goroutine and must not block.
func (s *Store) listenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnectionAttemptFailed:
		s.Log.Warn().Err(err).Msg("change listener reconnect failed")
		s.failAll(fmt.Errorf("%w: %v", store.ErrUnavailable, err))
	case pq.ListenerEventDisconnected:
		s.Log.Warn().Err(err).Msg("change listener disconnected")
	case pq.ListenerEventReconnected:
		s.Log.Info().Msg("change listener reconnected")
		s.kickAll()
	}
}

func (s *Store) dispatch() {
	defer close(s.done)
	for n := range s.listener.Notify {
		// nil after a reconnect: notifications may have been lost.
		if n == nil {
			s.kickAll()
			continue
		}
		s.kickPath(n.Extra)
	}
}

func (s *Store) kickPath(path string) {
	collection, _, err := store.DocumentPath(path)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for w := range s.watchers {
		if w.path == path || w.path == collection {
			kick(w.kick)
		}
	}
}

func (s *Store) kickAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for w := range s.watchers {
		kick(w.kick)
	}
}

func (s *Store) failAll(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for w := range s.watchers {
		select {
		case w.fail <- err:
		default:
		}
	}
}

func kick(c chan struct{}) {
	select {
	case c <- struct{}{}:
	default:
	}
}

func (s *Store) addWatcher(path string) *watcher {
	w := &watcher{path: path, kick: make(chan struct{}, 1), fail: make(chan error, 1)}
	s.mu.Lock()
	s.watchers[w] = struct{}{}
	s.mu.Unlock()
	return w
}

func (s *Store) removeWatcher(w *watcher) {
	s.mu.Lock()
	delete(s.watchers, w)
	s.mu.Unlock()
}

// Get fetches a single document.
func (s *Store) Get(ctx context.Context, path string) (store.Document, error) {
	_, id, err := store.DocumentPath(path)
	if err != nil {
		return store.Document{}, err
	}

	var raw []byte
	err = s.DB.QueryRowContext(ctx, `SELECT fields FROM documents WHERE path = $1`, path).Scan(&raw)
	if err == sql.ErrNoRows {
		return store.Document{}, fmt.Errorf("get %s: %w", path, store.ErrNotFound)
	}
	if err != nil {
		return store.Document{}, fmt.Errorf("get %s: %w", path, classify(err))
	}
	return toDocument(path, id, raw)
}

// Create writes a document, merging into an existing one when merge is set
// and failing with store.ErrAlreadyExists otherwise.
func (s *Store) Create(ctx context.Context, path string, fields store.Fields, merge bool) error {
	collection, id, err := store.DocumentPath(path)
	if err != nil {
		return err
	}
	payload, err := encode(fields)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	query := `
		INSERT INTO documents (path, collection, doc_id, fields)
		VALUES ($1, $2, $3, $4::jsonb)
		ON CONFLICT (path) DO NOTHING`
	if merge {
		query = `
		INSERT INTO documents (path, collection, doc_id, fields)
		VALUES ($1, $2, $3, $4::jsonb)
		ON CONFLICT (path) DO UPDATE
		SET fields = documents.fields || EXCLUDED.fields, updated_at = now()`
	}

	written, err := s.write(ctx, path, query, path, collection, id, payload)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if !written {
		return fmt.Errorf("create %s: %w", path, store.ErrAlreadyExists)
	}
	return nil
}

// Update overwrites the named fields of an existing document.
func (s *Store) Update(ctx context.Context, path string, fields store.Fields) error {
	if _, _, err := store.DocumentPath(path); err != nil {
		return err
	}
	payload, err := encode(fields)
	if err != nil {
		return fmt.Errorf("update %s: %w", path, err)
	}

	written, err := s.write(ctx, path, `
		UPDATE documents SET fields = fields || $2::jsonb, updated_at = now()
		WHERE path = $1`, path, payload)
	if err != nil {
		return fmt.Errorf("update %s: %w", path, err)
	}
	if !written {
		return fmt.Errorf("update %s: %w", path, store.ErrNotFound)
	}
	return nil
}

// Delete removes a document.
func (s *Store) Delete(ctx context.Context, path string) error {
	if _, _, err := store.DocumentPath(path); err != nil {
		return err
	}
	if _, err := s.write(ctx, path, `DELETE FROM documents WHERE path = $1`, path); err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

// write executes query and announces path in the same transaction. It
// reports whether any row was affected; nothing is announced otherwise.
func (s *Store) write(ctx context.Context, path, query string, args ...interface{}) (bool, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("error starting transaction: %w", classify(err))
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, classify(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, classify(err)
	}
	if affected == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, path); err != nil {
		return false, classify(err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("error committing transaction: %w", classify(err))
	}
	return true, nil
}

// Subscribe streams snapshots of a document or collection path.
func (s *Store) Subscribe(ctx context.Context, path string) (*store.Subscription, error) {
	if _, err := store.Split(path); err != nil {
		return nil, err
	}

	// Register before the first read so no write between the two is missed.
	w := s.addWatcher(path)

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan store.Snapshot)
	errc := make(chan error, 1)
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer close(out)
		defer s.removeWatcher(w)

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

			select {
			case <-ctx.Done():
				return
			case <-w.kick:
			case err := <-w.fail:
				errc <- fmt.Errorf("subscribe %s: %w", path, err)
				return
			}
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

	rows, err := s.DB.QueryContext(ctx, `
		SELECT path, doc_id, fields FROM documents
		WHERE collection = $1 ORDER BY seq`, path)
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("list %s: %w", path, classify(err))
	}
	defer rows.Close()

	snap := store.Snapshot{Path: path, Exists: true}
	for rows.Next() {
		var docPath, id string
		var raw []byte
		if err := rows.Scan(&docPath, &id, &raw); err != nil {
			return store.Snapshot{}, fmt.Errorf("error scanning documents: %w", err)
		}
		doc, err := toDocument(docPath, id, raw)
		if err != nil {
			s.Log.Warn().Err(err).Str("path", docPath).Msg("skipping undecodable document")
			continue
		}
		snap.Docs = append(snap.Docs, doc)
	}
	if err := rows.Err(); err != nil {
		return store.Snapshot{}, fmt.Errorf("list %s: %w", path, classify(err))
	}
	return snap, nil
}

func (s *Store) Close() error {
	s.listener.Close()
	<-s.done
	if err := s.DB.Close(); err != nil {
		return err
	}
	s.Log.Info().Msg("database connection closed")
	return nil
}

// encode returns the fields as a JSON object literal. It is passed as a
// string since lib/pq sends []byte as bytea.
func encode(fields store.Fields) (string, error) {
	encoded, err := fields.Encode()
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(encoded)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func toDocument(path, id string, raw []byte) (store.Document, error) {
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return store.Document{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return store.Document{Path: path, ID: id, Fields: fields}, nil
}

// classify maps driver errors onto the store error kinds.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code.Class() == "28", pqErr.Code == "42501":
			return fmt.Errorf("%w: %v", store.ErrPermissionDenied, err)
		case pqErr.Code.Class() == "08", pqErr.Code.Class() == "57":
			return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return err
}
