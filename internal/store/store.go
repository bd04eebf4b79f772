// Package store defines the adapter boundary to the shared realtime
// document store. Concrete backends live in the redisstore and pgstore
// subpackages.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrNotFound         = errors.New("document not found")
	ErrAlreadyExists    = errors.New("document already exists")
	ErrPermissionDenied = errors.New("permission denied")
	ErrUnavailable      = errors.New("store unavailable")
	ErrInvalidPath      = errors.New("invalid path")
	ErrNoFields         = errors.New("no fields to write")
)

// Fields is a partial document write. Values are JSON encoded per field so
// that a merge only overwrites the fields it names.
type Fields map[string]any

// Encode marshals every value of f into its JSON form.
func (f Fields) Encode() (map[string]json.RawMessage, error) {
	if len(f) == 0 {
		return nil, ErrNoFields
	}
	encoded := make(map[string]json.RawMessage, len(f))
	for name, value := range f {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encode field %q: %w", name, err)
		}
		encoded[name] = raw
	}
	return encoded, nil
}

// Document is one stored record. Fields hold the raw JSON of each field.
type Document struct {
	Path   string
	ID     string
	Fields map[string]json.RawMessage
}

// Decode unmarshals the document fields into v as if they were one JSON
// object.
func (d Document) Decode(v any) error {
	raw, err := json.Marshal(d.Fields)
	if err != nil {
		return fmt.Errorf("decode %s: %w", d.Path, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", d.Path, err)
	}
	return nil
}

// Snapshot is the full current state behind a subscription. For a document
// path Docs holds zero or one entry; for a collection it holds every
// document in first-seen order.
type Snapshot struct {
	Path   string
	Exists bool
	Docs   []Document
}

// Adapter is the contract every backing store implements.
type Adapter interface {
	// Get fetches a document once. Returns ErrNotFound when absent.
	Get(ctx context.Context, path string) (Document, error)

	// Create writes a document. With merge the named fields are upserted
	// and other stored fields are kept; without merge the write only
	// succeeds if the document does not exist yet (ErrAlreadyExists).
	Create(ctx context.Context, path string, fields Fields, merge bool) error

	// Update overwrites the named fields of an existing document.
	// Returns ErrNotFound when absent.
	Update(ctx context.Context, path string, fields Fields) error

	// Delete removes a document. Deleting a missing document is not an error.
	Delete(ctx context.Context, path string) error

	// Subscribe streams snapshots of a document or collection. The first
	// snapshot is the state at subscription time.
	Subscribe(ctx context.Context, path string) (*Subscription, error)

	Close() error
}

// Subscription delivers snapshots on C until it is closed or fails. A
// failure is sent on Err before C is closed.
type Subscription struct {
	C   <-chan Snapshot
	Err <-chan error

	stop func()
	once sync.Once
}

// NewSubscription wraps the channels of a backend subscription. stop must
// cancel delivery and return only once the producer has exited.
func NewSubscription(c <-chan Snapshot, errc <-chan error, stop func()) *Subscription {
	return &Subscription{C: c, Err: errc, stop: stop}
}

// Close cancels the subscription and waits for its producer to exit. It is
// safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(s.stop)
}

// Pump forwards every snapshot of sub into out, wrapped by wrap, until ctx
// is done or the subscription ends. A terminal subscription error is
// forwarded as a final wrapped value.
func Pump[T any](ctx context.Context, sub *Subscription, out chan<- T, wrap func(Snapshot, error) T) {
	send := func(v T) bool {
		select {
		case out <- v:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-sub.C:
			if !ok {
				select {
				case err := <-sub.Err:
					if err != nil {
						send(wrap(Snapshot{}, err))
					}
				default:
				}
				return
			}
			if !send(wrap(snap, nil)) {
				return
			}
		}
	}
}
