// Package presence publishes the local member's lock status into the
// active group and keeps the group roster from the members collection.
package presence

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/lockedin-study/lockedin-sync/internal/apperrors"
	"github.com/lockedin-study/lockedin-sync/internal/events"
	"github.com/lockedin-study/lockedin-sync/internal/store"
	"github.com/lockedin-study/lockedin-sync/models"
	"github.com/rs/zerolog"
)

const (
	LockedMessage = "🔥 locked in"

	defaultWriteTimeout = 10 * time.Second
)

// Categories are the distraction reasons picked at random for unlock
// messages.
var Categories = []string{"YouTube", "Instagram", "KakaoTalk", "Webtoon", "Netflix", "Games", "TikTok"}

var ErrNoActiveGroup = errors.New("no active group")

// DistractedMessage is the status message for an unlock. forced marks an
// unlock caused by leaving the app.
func DistractedMessage(category string, forced bool) string {
	if forced {
		return fmt.Sprintf("🚨 left app (%s?)", category)
	}
	return fmt.Sprintf("🚨 distracted (%s)", category)
}

type IdentitySource interface {
	Identity() models.Identity
}

// Update is one roster notification, tagged with the watch generation
// that produced it.
type Update struct {
	GroupID  string
	Snapshot store.Snapshot
	Err      error

	generation uint64
}

// Broadcaster is owned by a single goroutine. Writes started by SetLock
// run in the background, in call order.
type Broadcaster struct {
	adapter  store.Adapter
	identity IdentitySource
	notifier events.Notifier
	log      *zerolog.Logger

	intn         func(n int) int
	now          func() time.Time
	writeTimeout time.Duration

	locked  bool
	groupID string
	roster  []models.Member

	updates    chan Update
	generation uint64
	cancel     context.CancelFunc
	sub        *store.Subscription
	wg         sync.WaitGroup

	// tail is closed when the most recent write has finished.
	tail   chan struct{}
	writes sync.WaitGroup
}

func New(adapter store.Adapter, identity IdentitySource, notifier events.Notifier, log *zerolog.Logger) *Broadcaster {
	if log == nil {
		nop := zerolog.Nop()
		log = &nop
	}
	if notifier == nil {
		notifier = events.NopNotifier{}
	}
	return &Broadcaster{
		adapter:      adapter,
		identity:     identity,
		notifier:     notifier,
		log:          log,
		intn:         rand.Intn,
		now:          func() time.Time { return time.Now().UTC() },
		writeTimeout: defaultWriteTimeout,
		updates:      make(chan Update),
	}
}

// WithRand replaces the random source used to pick distraction categories.
func (b *Broadcaster) WithRand(intn func(n int) int) *Broadcaster {
	b.intn = intn
	return b
}

func (b *Broadcaster) Updates() <-chan Update {
	return b.updates
}

// Watch switches the roster subscription to groupID. An empty id stops
// watching. The roster is cleared until the first snapshot arrives, and
// the lock flag is cleared since it belonged to the previous group.
func (b *Broadcaster) Watch(ctx context.Context, groupID string) error {
	const op = "presence.Watch"

	b.Stop()
	b.generation++
	b.groupID = groupID
	b.roster = nil
	b.locked = false

	if groupID == "" {
		return nil
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub, err := b.adapter.Subscribe(subCtx, store.MembersPath(groupID))
	if err != nil {
		cancel()
		return apperrors.FromStore(op, err)
	}
	b.cancel = cancel
	b.sub = sub

	gen := b.generation
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		store.Pump(subCtx, sub, b.updates, func(snap store.Snapshot, err error) Update {
			return Update{GroupID: groupID, Snapshot: snap, Err: err, generation: gen}
		})
	}()

	b.log.Debug().Str("group_id", groupID).Uint64("generation", gen).Msg("watching roster")
	return nil
}

// Apply replaces the roster with the snapshot in u. applied is false for
// updates from a previous watch. Malformed member records are skipped and
// logged.
func (b *Broadcaster) Apply(u Update) ([]models.Member, bool, error) {
	const op = "presence.Apply"

	if u.generation != b.generation {
		return b.roster, false, nil
	}
	if u.Err != nil {
		err := apperrors.FromStore(op, u.Err)
		b.log.Error().Err(u.Err).Str("group_id", u.GroupID).Msg("roster subscription failed")
		return b.roster, false, err
	}

	roster, err := models.RosterFromSnapshot(u.Snapshot)
	if err != nil {
		b.log.Warn().Err(err).Str("group_id", u.GroupID).Msg("skipped malformed member records")
	}
	b.roster = roster
	return roster, true, nil
}

// SetLock sets the local lock flag and writes the matching status to the
// active group. The flag changes immediately and is kept even if the write
// fails. The write result arrives on the returned channel.
func (b *Broadcaster) SetLock(ctx context.Context, locked, forced bool) (<-chan error, error) {
	const op = "presence.SetLock"

	identity := b.identity.Identity()
	if b.groupID == "" || !identity.Valid() {
		return nil, apperrors.E(apperrors.KindValidation, op, ErrNoActiveGroup)
	}
	if locked {
		forced = false
	}

	b.locked = locked

	status := models.StatusFocus
	message := LockedMessage
	if !locked {
		status = models.StatusDistracted
		message = DistractedMessage(Categories[b.intn(len(Categories))], forced)
	}

	event := events.StatusEvent{
		GroupID:     b.groupID,
		UserID:      identity.UserID,
		DisplayName: identity.DisplayName,
		Status:      string(status),
		Message:     message,
		Forced:      forced,
		Timestamp:   b.now(),
	}
	path := store.MemberPath(b.groupID, identity.UserID)
	logger := b.log.With().Str("group_id", b.groupID).Str("user_id", identity.UserID).Str("status", string(status)).Logger()

	// The write outlives the caller's request but not the timeout.
	writeCtx := context.WithoutCancel(ctx)

	prev := b.tail
	next := make(chan struct{})
	b.tail = next
	result := make(chan error, 1)

	b.writes.Add(1)
	go func() {
		defer b.writes.Done()
		defer close(next)
		if prev != nil {
			<-prev
		}

		wctx, cancel := context.WithTimeout(writeCtx, b.writeTimeout)
		defer cancel()

		if err := b.adapter.Update(wctx, path, store.Fields{"status": status, "message": message}); err != nil {
			logger.Warn().Err(err).Msg("status write failed, keeping local state")
			result <- apperrors.FromStore(op, err)
			return
		}
		logger.Debug().Str("message", message).Msg("status written")

		if err := b.notifier.Notify(wctx, event); err != nil {
			logger.Warn().Err(err).Msg("failed to publish status event")
		}
		result <- nil
	}()

	return result, nil
}

func (b *Broadcaster) Locked() bool {
	return b.locked
}

func (b *Broadcaster) GroupID() string {
	return b.groupID
}

// Roster returns the last applied roster in arrival order.
func (b *Broadcaster) Roster() []models.Member {
	return b.roster
}

// Stop closes the roster subscription and waits for its forwarder.
// Pending status writes are not waited for; see Wait.
func (b *Broadcaster) Stop() {
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	if b.sub != nil {
		b.sub.Close()
		b.sub = nil
	}
	b.wg.Wait()
}

// Wait blocks until every status write started so far has finished.
func (b *Broadcaster) Wait() {
	b.writes.Wait()
}
