package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/livevote/go/internal/models"
	"github.com/mcdev12/livevote/go/internal/votes/identity"
	"github.com/mcdev12/livevote/go/internal/votes/projection"
)

var (
	ErrAuthFailure  = errors.New("anonymous sign-in failed")
	ErrWriteFailure = errors.New("vote store write failed")
	ErrInvalidName  = errors.New("display name must not be empty")
	ErrStopped      = errors.New("session controller stopped")
)

// IdentityProvider signs participants in and reports auth-state changes.
// A watch may open with a notification that does not reflect a real sign-in.
type IdentityProvider interface {
	SignInAnonymously(ctx context.Context) error
	Watch(ctx context.Context) <-chan identity.AuthState
}

// VoteStore is a live connection to the remote vote table.
type VoteStore interface {
	Set(ctx context.Context, key models.ParticipantID, record models.VoteRecord) error
	Remove(ctx context.Context, key models.ParticipantID) error
	OnDisconnectRemove(ctx context.Context, key models.ParticipantID) error
	Subscribe(ctx context.Context) (TableStream, error)
	Close() error
}

// TableStream is a push stream of full tables. The channel closes when the
// stream is unsubscribed or the store connection ends.
type TableStream interface {
	Snapshots() <-chan models.VoteTable
	Unsubscribe(ctx context.Context) error
}

// ConnectFunc opens a store connection for a signed-in participant.
type ConnectFunc func(ctx context.Context, auth identity.AuthState) (VoteStore, error)

// Renderer receives the projected list after every push.
type Renderer interface {
	OnVotesUpdated(votes []models.ProjectedVote)
}

// Config holds optional controller settings.
type Config struct {
	// WriteTimeout bounds each store request. Zero leaves them unbounded.
	WriteTimeout time.Duration
	Logger       *zerolog.Logger
}

type eventKind int

const (
	eventStart eventKind = iota
	eventCast
	eventClose
)

type event struct {
	kind  eventKind
	name  models.DisplayName
	vote  int
	reply chan error
}

type signInResult struct {
	attempt int
	err     error
}

// Controller runs one participant's session. All state transitions happen on
// the goroutine running Run; the exported methods only enqueue events.
type Controller struct {
	identity     IdentityProvider
	connect      ConnectFunc
	renderer     Renderer
	logger       zerolog.Logger
	writeTimeout time.Duration

	events  chan event
	results chan signInResult
	stopped chan struct{}

	mu            sync.RWMutex
	state         State
	participantID models.ParticipantID

	// Owned by the Run goroutine.
	attempt     int
	name        models.DisplayName
	guard       leadingNotificationGuard
	authCh      <-chan identity.AuthState
	cancelWatch context.CancelFunc
	store       VoteStore
	stream      TableStream
	snapshots   <-chan models.VoteTable
}

// NewController creates an idle controller. Call Run to start it.
func NewController(provider IdentityProvider, connect ConnectFunc, renderer Renderer, cfg Config) *Controller {
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Controller{
		identity:     provider,
		connect:      connect,
		renderer:     renderer,
		logger:       logger.With().Str("component", "session").Logger(),
		writeTimeout: cfg.WriteTimeout,
		events:       make(chan event, 64),
		results:      make(chan signInResult, 1),
		stopped:      make(chan struct{}),
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// ParticipantID returns the id of the active session, or "" when none is.
func (c *Controller) ParticipantID() models.ParticipantID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.participantID
}

// StartSession asks the controller to sign in and join under name. It is
// ignored while a session is authenticating or active.
func (c *Controller) StartSession(name string) error {
	displayName, ok := models.ValidateDisplayName(name)
	if !ok {
		return ErrInvalidName
	}
	return c.enqueue(event{kind: eventStart, name: displayName})
}

// CastVote sets the session's vote. Votes cast before the session is active
// are dropped.
func (c *Controller) CastVote(vote int) error {
	return c.enqueue(event{kind: eventCast, vote: vote})
}

// Close signs the session out cleanly: it stops the subscription, removes
// the record and closes the store connection.
func (c *Controller) Close(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := c.enqueue(event{kind: eventClose, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-c.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) enqueue(ev event) error {
	select {
	case c.events <- ev:
		return nil
	case <-c.stopped:
		return ErrStopped
	}
}

// Run processes events until ctx is cancelled. UI events, auth
// notifications, sign-in results and table pushes are handled one at a time.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.stopped)
	defer c.teardown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev := <-c.events:
			switch ev.kind {
			case eventStart:
				c.onStart(ctx, ev.name)
			case eventCast:
				c.onCast(ctx, ev.vote)
			case eventClose:
				ev.reply <- c.onClose(ctx)
			}

		case st, ok := <-c.authCh:
			if !ok {
				c.authCh = nil
				continue
			}
			c.onAuthState(ctx, st)

		case res := <-c.results:
			c.onSignInResult(res)

		case snap, ok := <-c.snapshots:
			if !ok {
				c.onStreamEnded()
				continue
			}
			c.onSnapshot(snap)
		}
	}
}

func (c *Controller) onStart(ctx context.Context, name models.DisplayName) {
	switch state := c.State(); state {
	case StateAuthenticating, StateActive:
		c.logger.Warn().Str("state", state.String()).Msg("session already started, ignoring start")
		return
	}

	c.attempt++
	c.name = name
	c.guard.Reset()

	watchCtx, cancel := context.WithCancel(ctx)
	c.cancelWatch = cancel
	c.authCh = c.identity.Watch(watchCtx)
	c.setState(StateAuthenticating, "")

	c.logger.Info().Str("name", string(name)).Int("attempt", c.attempt).Msg("starting session")

	attempt := c.attempt
	go func() {
		err := c.identity.SignInAnonymously(watchCtx)
		select {
		case c.results <- signInResult{attempt: attempt, err: err}:
		case <-watchCtx.Done():
		}
	}()
}

func (c *Controller) onSignInResult(res signInResult) {
	if res.attempt != c.attempt || c.State() != StateAuthenticating {
		return
	}
	if res.err == nil {
		// The signed-in notification drives the transition.
		return
	}
	c.logger.Error().Err(fmt.Errorf("%w: %v", ErrAuthFailure, res.err)).Msg("not logged in")
	c.stopWatch()
	c.setState(StateIdle, "")
}

func (c *Controller) onAuthState(ctx context.Context, st identity.AuthState) {
	if c.State() != StateAuthenticating {
		return
	}
	if !c.guard.Admit() {
		c.logger.Debug().Bool("signed_in", st.SignedIn).Msg("ignoring leading auth notification")
		return
	}
	if !st.SignedIn {
		c.logger.Debug().Msg("auth notification without sign-in, still waiting")
		return
	}
	c.activate(ctx, st)
}

// activate publishes the placeholder record, arms its removal on disconnect
// and subscribes to the table.
func (c *Controller) activate(ctx context.Context, st identity.AuthState) {
	c.stopWatch()
	id := st.ParticipantID

	store, err := c.connect(ctx, st)
	if err != nil {
		c.logger.Error().Err(fmt.Errorf("%w: connect: %v", ErrWriteFailure, err)).Msg("could not open vote store")
		c.setState(StateIdle, "")
		return
	}

	fail := func(step string, err error) {
		c.logger.Error().
			Err(fmt.Errorf("%w: %s: %v", ErrWriteFailure, step, err)).
			Str("participant_id", string(id)).
			Msg("could not join vote table")
		if cerr := store.Close(); cerr != nil {
			c.logger.Debug().Err(cerr).Msg("failed to close vote store")
		}
		c.setState(StateIdle, "")
	}

	opCtx, cancel := c.opContext(ctx)
	err = store.Set(opCtx, id, models.NewPlaceholderRecord(c.name))
	cancel()
	if err != nil {
		fail("set placeholder", err)
		return
	}

	opCtx, cancel = c.opContext(ctx)
	err = store.OnDisconnectRemove(opCtx, id)
	cancel()
	if err != nil {
		fail("arm disconnect removal", err)
		return
	}

	opCtx, cancel = c.opContext(ctx)
	stream, err := store.Subscribe(opCtx)
	cancel()
	if err != nil {
		fail("subscribe", err)
		return
	}

	c.store = store
	c.stream = stream
	c.snapshots = stream.Snapshots()
	c.setState(StateActive, id)

	c.logger.Info().
		Str("participant_id", string(id)).
		Str("name", string(c.name)).
		Msg("logged in, session active")
}

func (c *Controller) onCast(ctx context.Context, vote int) {
	if c.State() != StateActive {
		c.logger.Debug().Int("vote", vote).Msg("vote cast before session is active, ignoring")
		return
	}

	id := c.ParticipantID()
	opCtx, cancel := c.opContext(ctx)
	defer cancel()
	if err := c.store.Set(opCtx, id, models.VoteRecord{DisplayName: c.name, Vote: vote}); err != nil {
		c.logger.Error().
			Err(fmt.Errorf("%w: %v", ErrWriteFailure, err)).
			Str("participant_id", string(id)).
			Int("vote", vote).
			Msg("vote was not recorded")
		return
	}
	c.logger.Debug().Int("vote", vote).Msg("vote cast")
}

func (c *Controller) onSnapshot(snap models.VoteTable) {
	if c.State() != StateActive {
		return
	}
	c.renderer.OnVotesUpdated(projection.Project(snap, c.ParticipantID()))
}

func (c *Controller) onStreamEnded() {
	c.snapshots = nil
	if c.State() != StateActive {
		return
	}
	c.logger.Warn().Str("participant_id", string(c.ParticipantID())).Msg("vote store connection lost")
	c.releaseStore()
	c.setState(StateDisconnected, "")
}

func (c *Controller) onClose(ctx context.Context) error {
	switch c.State() {
	case StateAuthenticating:
		c.stopWatch()
		c.setState(StateIdle, "")
		return nil
	case StateActive:
	default:
		return nil
	}

	id := c.ParticipantID()
	var errs []error

	opCtx, cancel := c.opContext(ctx)
	if err := c.stream.Unsubscribe(opCtx); err != nil {
		errs = append(errs, fmt.Errorf("unsubscribe: %w", err))
	}
	cancel()

	opCtx, cancel = c.opContext(ctx)
	if err := c.store.Remove(opCtx, id); err != nil {
		errs = append(errs, fmt.Errorf("%w: remove: %v", ErrWriteFailure, err))
	}
	cancel()

	c.stream = nil
	c.snapshots = nil
	c.releaseStore()
	c.setState(StateDisconnected, "")

	c.logger.Info().Str("participant_id", string(id)).Msg("signed out")
	return errors.Join(errs...)
}

func (c *Controller) teardown() {
	c.stopWatch()
	c.releaseStore()
}

func (c *Controller) releaseStore() {
	if c.store == nil {
		return
	}
	if err := c.store.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("failed to close vote store")
	}
	c.store = nil
	c.stream = nil
	c.snapshots = nil
}

func (c *Controller) stopWatch() {
	if c.cancelWatch != nil {
		c.cancelWatch()
		c.cancelWatch = nil
	}
	c.authCh = nil
}

func (c *Controller) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.writeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.writeTimeout)
}

func (c *Controller) setState(state State, id models.ParticipantID) {
	c.mu.Lock()
	prev := c.state
	c.state = state
	c.participantID = id
	c.mu.Unlock()

	if prev != state {
		c.logger.Debug().Str("from", prev.String()).Str("to", state.String()).Msg("session state changed")
	}
}
