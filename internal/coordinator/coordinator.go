// Package coordinator owns the session state of one client and runs the
// event loop that ties the directory, reconciler, presence broadcaster,
// timer and lifecycle monitor together.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lockedin-study/lockedin-sync/internal/apperrors"
	"github.com/lockedin-study/lockedin-sync/internal/directory"
	"github.com/lockedin-study/lockedin-sync/internal/events"
	"github.com/lockedin-study/lockedin-sync/internal/lifecycle"
	"github.com/lockedin-study/lockedin-sync/internal/presence"
	"github.com/lockedin-study/lockedin-sync/internal/reconciler"
	"github.com/lockedin-study/lockedin-sync/internal/session"
	"github.com/lockedin-study/lockedin-sync/internal/store"
	"github.com/lockedin-study/lockedin-sync/internal/timer"
	"github.com/lockedin-study/lockedin-sync/models"
	"github.com/rs/zerolog"
)

var ErrStopped = errors.New("coordinator stopped")

// Dialer opens a store adapter for a connection URL.
type Dialer func(ctx context.Context, url string) (store.Adapter, error)

type Options struct {
	Session *session.Store
	// Adapter may be nil when no store URL is configured; the coordinator
	// then starts in the config-missing state.
	Adapter  store.Adapter
	Dial     Dialer
	Notifier events.Notifier
	WakeLock lifecycle.WakeLock
	Logger   *zerolog.Logger

	TickInterval time.Duration
	Intn         func(n int) int
}

// View is a consistent snapshot of the session for display.
type View struct {
	Identity        models.Identity      `json:"identity"`
	Groups          []models.Group       `json:"groups"`
	ActiveGroup     string               `json:"activeGroup"`
	Roster          []models.Member      `json:"roster"`
	Locked          bool                 `json:"locked"`
	Running         bool                 `json:"running"`
	Distracted      *models.Member       `json:"distracted,omitempty"`
	ElapsedSeconds  int64                `json:"elapsedSeconds"`
	Elapsed         string               `json:"elapsed"`
	Visibility      lifecycle.Visibility `json:"visibility"`
	ConfigMissing   bool                 `json:"configMissing"`
	ConnectionError string               `json:"connectionError,omitempty"`
	LastWriteError  string               `json:"lastWriteError,omitempty"`
}

type command struct {
	// exempt commands run even in the config-missing and connection-error
	// states.
	exempt bool
	fn     func() error
	reply  chan error
}

type Coordinator struct {
	opts Options
	log  *zerolog.Logger

	session *session.Store
	adapter store.Adapter
	notify  events.Notifier

	directory  *directory.Directory
	reconciler *reconciler.Reconciler
	presence   *presence.Broadcaster
	timer      *timer.Session
	monitor    *lifecycle.Monitor

	// loopCtx scopes subscriptions; it is the context passed to Run.
	loopCtx context.Context

	connErr      error
	lastWriteErr error

	cmds      chan command
	writeErrs chan error
	done      chan struct{}
}

func New(opts Options) (*Coordinator, error) {
	if opts.Session == nil {
		return nil, errors.New("coordinator: session store is required")
	}
	log := opts.Logger
	if log == nil {
		nop := zerolog.Nop()
		log = &nop
	}
	notify := opts.Notifier
	if notify == nil {
		notify = events.NopNotifier{}
	}

	return &Coordinator{
		opts:      opts,
		log:       log,
		session:   opts.Session,
		adapter:   opts.Adapter,
		notify:    notify,
		timer:     timer.NewSession(opts.TickInterval),
		monitor:   lifecycle.NewMonitor(opts.WakeLock, log),
		cmds:      make(chan command),
		writeErrs: make(chan error),
		done:      make(chan struct{}),
	}, nil
}

// Run drives the event loop until ctx is done. Public methods block until
// Run is serving.
func (c *Coordinator) Run(ctx context.Context) error {
	c.loopCtx = ctx
	defer close(c.done)
	defer c.shutdown()

	c.start()

	for {
		select {
		case <-ctx.Done():
			return nil

		case cmd := <-c.cmds:
			if !cmd.exempt {
				if err := c.blocked(); err != nil {
					cmd.reply <- err
					continue
				}
			}
			cmd.reply <- cmd.fn()

		case ev := <-c.groupEvents():
			c.handleGroupEvent(ev)

		case u := <-c.rosterUpdates():
			c.handleRosterUpdate(u)

		case <-c.timer.C():
			c.timer.Tick()

		case err := <-c.writeErrs:
			c.lastWriteErr = err
		}
	}
}

func (c *Coordinator) groupEvents() <-chan reconciler.Event {
	if c.reconciler == nil {
		return nil
	}
	return c.reconciler.Events()
}

func (c *Coordinator) rosterUpdates() <-chan presence.Update {
	if c.presence == nil {
		return nil
	}
	return c.presence.Updates()
}

// start builds the components on the current adapter and opens the
// subscriptions for the local group list and the active group.
func (c *Coordinator) start() {
	c.connErr = nil
	c.lastWriteErr = nil
	if c.adapter == nil {
		c.log.Warn().Msg("no store configured, waiting for credentials")
		return
	}

	c.directory = directory.New(c.adapter, c.session, c.log)
	c.reconciler = reconciler.New(c.adapter, c.session, c.log)
	c.presence = presence.New(c.adapter, c.session, c.notify, c.log)
	if c.opts.Intn != nil {
		c.directory.WithRand(c.opts.Intn)
		c.presence.WithRand(c.opts.Intn)
	}

	if err := c.reconciler.Sync(c.loopCtx); err != nil {
		c.fail(err)
		return
	}
	c.activate(c.session.ActiveGroup())
}

// stop tears the components down. Pending status writes are left to
// finish on their own timeout.
func (c *Coordinator) stop() {
	if c.reconciler != nil {
		c.reconciler.Stop()
	}
	if c.presence != nil {
		c.presence.Stop()
	}
	c.timer.Stop()
	c.monitor.LockChanged(c.loopCtx, false)
}

func (c *Coordinator) shutdown() {
	c.stop()
	if c.presence != nil {
		c.presence.Wait()
	}
	c.monitor.Close()
	if c.adapter != nil {
		if err := c.adapter.Close(); err != nil {
			c.log.Warn().Err(err).Msg("failed to close store")
		}
	}
	c.log.Info().Msg("coordinator stopped")
}

// fail enters the connection-error state. Everything but View and
// ResetCredentials is refused until credentials are reset.
func (c *Coordinator) fail(err error) {
	c.connErr = err
	c.log.Error().Err(err).Msg("store connection lost, waiting for credential reset")
	c.stop()
}

func (c *Coordinator) blocked() error {
	switch {
	case c.adapter == nil:
		return apperrors.E(apperrors.KindConfigMissing, "coordinator", errors.New("no store credentials"))
	case c.connErr != nil:
		return apperrors.E(apperrors.KindConnectivity, "coordinator", c.connErr)
	}
	return nil
}

// activate points presence at groupID and rederives the timer. The lock
// is dropped on a group switch.
func (c *Coordinator) activate(groupID string) {
	if err := c.presence.Watch(c.loopCtx, groupID); err != nil {
		if apperrors.IsConnectivity(err) {
			c.fail(err)
			return
		}
		c.log.Warn().Err(err).Str("group_id", groupID).Msg("failed to watch roster")
	}
	c.monitor.LockChanged(c.loopCtx, false)
	c.refreshTimer()
}

func (c *Coordinator) refreshTimer() {
	st, changed := c.timer.Update(c.presence.Roster(), c.presence.Locked())
	if changed {
		ev := c.log.Debug().Bool("running", st.Running)
		if st.Distracted != nil {
			ev = ev.Str("distracted_user_id", st.Distracted.UserID)
		}
		ev.Msg("timer state changed")
	}
}

func (c *Coordinator) handleGroupEvent(ev reconciler.Event) {
	res, err := c.reconciler.Apply(ev)
	if err != nil {
		if apperrors.IsConnectivity(err) {
			c.fail(err)
		}
		return
	}
	if res.Removed == "" {
		return
	}
	if err := c.reconciler.Sync(c.loopCtx); err != nil {
		c.fail(err)
		return
	}
	if res.Active != c.presence.GroupID() {
		c.activate(res.Active)
	}
}

func (c *Coordinator) handleRosterUpdate(u presence.Update) {
	_, applied, err := c.presence.Apply(u)
	if err != nil {
		if apperrors.IsConnectivity(err) {
			c.fail(err)
		}
		return
	}
	if applied {
		c.refreshTimer()
	}
}

// setLock starts a status write and tracks its result in the background.
func (c *Coordinator) setLock(ctx context.Context, locked, forced bool) error {
	result, err := c.presence.SetLock(ctx, locked, forced)
	if err != nil {
		return err
	}
	c.lastWriteErr = nil
	go func() {
		if err := <-result; err != nil {
			select {
			case c.writeErrs <- err:
			case <-c.done:
			}
		}
	}()
	c.monitor.LockChanged(c.loopCtx, locked)
	c.refreshTimer()
	return nil
}

// do runs fn on the loop goroutine and returns its error.
func (c *Coordinator) do(ctx context.Context, exempt bool, fn func() error) error {
	cmd := command{exempt: exempt, fn: fn, reply: make(chan error, 1)}
	select {
	case c.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Join creates or joins a group and makes it active. A lock held in the
// previously active group is released there.
func (c *Coordinator) Join(ctx context.Context, req directory.JoinRequest) (directory.JoinResult, error) {
	var res directory.JoinResult
	err := c.do(ctx, false, func() error {
		var err error
		res, err = c.directory.CreateOrJoin(ctx, req)
		if err != nil {
			return err
		}
		if res.GroupID != c.presence.GroupID() {
			c.releaseLock(ctx)
		}
		if err := c.reconciler.Sync(c.loopCtx); err != nil {
			c.fail(err)
			return err
		}
		c.activate(res.GroupID)
		return nil
	})
	return res, err
}

// Leave removes the local member from a group.
func (c *Coordinator) Leave(ctx context.Context, groupID string) error {
	return c.do(ctx, false, func() error {
		active, err := c.directory.Leave(ctx, groupID)
		if err != nil {
			return err
		}
		return c.afterRemoval(active)
	})
}

// DeleteGroup deletes a group the local user owns.
func (c *Coordinator) DeleteGroup(ctx context.Context, groupID string) error {
	return c.do(ctx, false, func() error {
		active, err := c.directory.Delete(ctx, groupID)
		if err != nil {
			return err
		}
		return c.afterRemoval(active)
	})
}

func (c *Coordinator) afterRemoval(active string) error {
	if err := c.reconciler.Sync(c.loopCtx); err != nil {
		c.fail(err)
		return err
	}
	if active != c.presence.GroupID() {
		c.activate(active)
	}
	return nil
}

func (c *Coordinator) Rename(ctx context.Context, groupID, name string) error {
	return c.do(ctx, false, func() error {
		return c.directory.Rename(ctx, groupID, name)
	})
}

// SelectGroup switches the active group. A held lock is released in the
// group being left first.
func (c *Coordinator) SelectGroup(ctx context.Context, groupID string) error {
	return c.do(ctx, false, func() error {
		if groupID == c.presence.GroupID() {
			return nil
		}
		if err := c.session.SetActiveGroup(groupID); err != nil {
			return apperrors.E(apperrors.KindValidation, "coordinator.SelectGroup", err)
		}
		c.releaseLock(ctx)
		c.activate(groupID)
		return nil
	})
}

// releaseLock unlocks in the current group before it stops being active.
func (c *Coordinator) releaseLock(ctx context.Context) {
	if !c.presence.Locked() {
		return
	}
	if err := c.setLock(ctx, false, false); err != nil {
		c.log.Warn().Err(err).Str("group_id", c.presence.GroupID()).
			Msg("failed to release lock before switching group")
	}
}

// SetLock engages or releases the local lock in the active group.
func (c *Coordinator) SetLock(ctx context.Context, locked bool) error {
	return c.do(ctx, false, func() error {
		return c.setLock(ctx, locked, false)
	})
}

// SetVisibility reports a foreground/background change. Going to the
// background while locked forces an unlock.
func (c *Coordinator) SetVisibility(ctx context.Context, v lifecycle.Visibility) error {
	return c.do(ctx, false, func() error {
		if !c.monitor.SetVisibility(v, c.presence.Locked()) {
			return nil
		}
		return c.setLock(ctx, false, true)
	})
}

func (c *Coordinator) ResetTimer(ctx context.Context) error {
	return c.do(ctx, false, func() error {
		c.timer.Reset()
		return nil
	})
}

// ResetCredentials saves a new store URL, reconnects and restarts every
// component. An empty URL forgets the saved one and leaves the session
// unconfigured.
func (c *Coordinator) ResetCredentials(ctx context.Context, url string) error {
	const op = "coordinator.ResetCredentials"
	return c.do(ctx, true, func() error {
		if err := c.session.SetStoreURL(url); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}

		c.stop()
		if c.adapter != nil {
			if err := c.adapter.Close(); err != nil {
				c.log.Warn().Err(err).Msg("failed to close previous store")
			}
			c.adapter = nil
		}
		c.directory, c.reconciler, c.presence = nil, nil, nil

		if url == "" {
			c.start()
			return nil
		}
		if c.opts.Dial == nil {
			return apperrors.E(apperrors.KindConfigMissing, op, errors.New("no dialer configured"))
		}

		adapter, err := c.opts.Dial(ctx, url)
		if err != nil {
			err = apperrors.FromStore(op, err)
			if !apperrors.IsConnectivity(err) {
				err = apperrors.E(apperrors.KindConnectivity, op, err)
			}
			c.connErr = err
			return err
		}
		c.adapter = adapter
		c.log.Info().Msg("store credentials reset")
		c.start()
		return c.connErr
	})
}

// View returns the current session state.
func (c *Coordinator) View(ctx context.Context) (View, error) {
	var v View
	err := c.do(ctx, true, func() error {
		v = c.view()
		return nil
	})
	return v, err
}

func (c *Coordinator) view() View {
	v := View{
		Identity:       c.session.Identity(),
		ActiveGroup:    c.session.ActiveGroup(),
		ElapsedSeconds: c.timer.Elapsed(),
		Elapsed:        timer.Format(c.timer.Elapsed()),
		Visibility:     c.monitor.Visibility(),
		ConfigMissing:  c.adapter == nil,
	}
	if c.connErr != nil {
		v.ConnectionError = c.connErr.Error()
	}
	if c.lastWriteErr != nil {
		v.LastWriteError = c.lastWriteErr.Error()
	}
	if c.reconciler != nil {
		v.Groups = c.reconciler.Groups()
	}
	if c.presence != nil && c.connErr == nil {
		v.Roster = append([]models.Member(nil), c.presence.Roster()...)
		v.Locked = c.presence.Locked()
	}
	st := c.timer.State()
	v.Running = st.Running
	v.Distracted = st.Distracted
	return v
}
