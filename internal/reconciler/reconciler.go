// Package reconciler keeps the local group list in step with the group
// documents in the store: one subscription per joined group, and groups
// whose document disappears are dropped locally.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/lockedin-study/lockedin-sync/internal/apperrors"
	"github.com/lockedin-study/lockedin-sync/internal/store"
	"github.com/lockedin-study/lockedin-sync/models"
	"github.com/rs/zerolog"
)

// Local is the part of the local session the reconciler maintains.
type Local interface {
	Groups() []string
	ActiveGroup() string
	RemoveGroup(groupID string) (string, error)
}

// Event is one notification from a group subscription. Events are tagged
// with the subscription generation that produced them.
type Event struct {
	GroupID  string
	Snapshot store.Snapshot
	Err      error

	generation uint64
}

// Result describes what applying an event changed.
type Result struct {
	// Stale is set for events from a cancelled generation; nothing changed.
	Stale bool
	// Removed is the group id dropped because its document vanished.
	Removed string
	// Active is the active group after the event.
	Active        string
	ActiveChanged bool
}

// Reconciler is owned by a single goroutine; only Events may be read
// from elsewhere.
type Reconciler struct {
	adapter store.Adapter
	local   Local
	log     *zerolog.Logger

	events chan Event

	generation uint64
	cancel     context.CancelFunc
	subs       []*store.Subscription
	wg         sync.WaitGroup

	groups map[string]models.Group
}

func New(adapter store.Adapter, local Local, log *zerolog.Logger) *Reconciler {
	if log == nil {
		nop := zerolog.Nop()
		log = &nop
	}
	return &Reconciler{
		adapter: adapter,
		local:   local,
		log:     log,
		events:  make(chan Event),
		groups:  make(map[string]models.Group),
	}
}

// Events delivers notifications for the current generation of
// subscriptions. Pass each one to Apply.
func (r *Reconciler) Events() <-chan Event {
	return r.events
}

// Sync replaces the subscription set with one subscription per group in
// the local list. Every previous subscription is closed, and its
// forwarder has exited, before the new set is opened.
func (r *Reconciler) Sync(ctx context.Context) error {
	const op = "reconciler.Sync"

	r.Stop()
	r.generation++
	gen := r.generation

	ids := r.local.Groups()
	for id := range r.groups {
		if !slices.Contains(ids, id) {
			delete(r.groups, id)
		}
	}

	subCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	for _, id := range ids {
		sub, err := r.adapter.Subscribe(subCtx, store.GroupPath(id))
		if err != nil {
			r.Stop()
			return apperrors.FromStore(op, err)
		}
		r.subs = append(r.subs, sub)

		r.wg.Add(1)
		go func(id string) {
			defer r.wg.Done()
			store.Pump(subCtx, sub, r.events, func(snap store.Snapshot, err error) Event {
				return Event{GroupID: id, Snapshot: snap, Err: err, generation: gen}
			})
		}(id)
	}

	r.log.Debug().Uint64("generation", gen).Strs("groups", ids).Msg("group subscriptions synced")
	return nil
}

// Apply folds one event into the in-memory group list and the local
// session. Subscription failures caused by permissions or connectivity
// come back as apperrors connectivity errors.
func (r *Reconciler) Apply(ev Event) (Result, error) {
	const op = "reconciler.Apply"

	if ev.generation != r.generation {
		return Result{Stale: true}, nil
	}

	logger := r.log.With().Str("group_id", ev.GroupID).Logger()
	active := r.local.ActiveGroup()

	if ev.Err != nil {
		err := apperrors.FromStore(op, ev.Err)
		if apperrors.IsConnectivity(err) {
			logger.Error().Err(ev.Err).Msg("group subscription lost")
		} else {
			logger.Warn().Err(ev.Err).Msg("group subscription failed")
		}
		return Result{Active: active}, err
	}

	if ev.Snapshot.Exists && len(ev.Snapshot.Docs) == 1 {
		group, err := models.GroupFromDocument(ev.Snapshot.Docs[0])
		if err != nil {
			logger.Warn().Err(err).Msg("ignoring malformed group document")
			return Result{Active: active}, nil
		}
		r.groups[ev.GroupID] = group.Public()
		return Result{Active: active}, nil
	}

	delete(r.groups, ev.GroupID)
	next, err := r.local.RemoveGroup(ev.GroupID)
	if err != nil {
		return Result{Active: active}, fmt.Errorf("%s: %w", op, err)
	}
	logger.Info().Str("active", next).Msg("group no longer exists, removed locally")

	return Result{
		Removed:       ev.GroupID,
		Active:        next,
		ActiveChanged: next != active,
	}, nil
}

// Groups returns the known group documents in local list order. Groups
// whose first snapshot has not arrived yet are omitted.
func (r *Reconciler) Groups() []models.Group {
	var out []models.Group
	for _, id := range r.local.Groups() {
		if g, ok := r.groups[id]; ok {
			out = append(out, g)
		}
	}
	return out
}

// Stop closes every subscription and waits for the forwarders to exit.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	for _, sub := range r.subs {
		sub.Close()
	}
	r.subs = nil
	r.wg.Wait()
}

// ReconcileOnce checks every local group with a one-off fetch and drops
// the ones whose document is gone. It returns the removed ids.
func ReconcileOnce(ctx context.Context, adapter store.Adapter, local Local, log *zerolog.Logger) ([]string, error) {
	const op = "reconciler.ReconcileOnce"

	var removed []string
	for _, id := range local.Groups() {
		_, err := adapter.Get(ctx, store.GroupPath(id))
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return removed, apperrors.FromStore(op, err)
		}
		if _, err := local.RemoveGroup(id); err != nil {
			return removed, fmt.Errorf("%s: %w", op, err)
		}
		if log != nil {
			log.Info().Str("group_id", id).Msg("group no longer exists, removed locally")
		}
		removed = append(removed, id)
	}
	return removed, nil
}
