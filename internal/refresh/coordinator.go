// Package refresh coordinates credential refreshes across concurrently failing calls.
//
// The Coordinator is a two-state machine (Idle, Refreshing). The first call that
// fails with an expired access credential starts the only refresh; every other call
// failing the same way while it runs is queued and replayed in arrival order once the
// refresh settles. A failed refresh rejects the whole queue and fires the logout
// broadcast once.
//
// The refresh runs on its own goroutine. Replays are started in queue order and each
// one is sent from its caller's goroutine, so a slow replay never holds up the next.
// The mutex guards the state decision only.
package refresh

import (
	"context"
	"log/slog"
	"sync"

	"github.com/fclairamb/tokengate/internal/credentials"
	"github.com/fclairamb/tokengate/internal/failure"
	"github.com/fclairamb/tokengate/internal/logout"
)

// State is the coordinator state.
type State int

const (
	// Idle means no refresh is in flight.
	Idle State = iota
	// Refreshing means exactly one refresh call is in flight and failures are queued.
	Refreshing
)

func (s State) String() string {
	if s == Refreshing {
		return "refreshing"
	}

	return "idle"
}

// Messages surfaced on terminal session loss.
const (
	MessageSessionExpired = "Session expired, please sign in again"
	MessageNotSignedIn    = "Not signed in"
)

// Refresher exchanges a refresh credential for a new pair.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (credentials.Pair, error)
}

// Job is a call that failed with an expired access credential.
type Job interface {
	// Generation is the credential store generation the call was sent with.
	Generation() uint64
	// Attempts is how many times the call was already replayed.
	Attempts() int
	// Replay hands the call back to its caller to be sent again through the full
	// pipeline. The returned channel is closed once the request is on its way or the
	// caller stopped waiting.
	Replay() <-chan struct{}
	// Reject resolves the call with err.
	Reject(err *failure.Error)
}

// Recorder observes coordinator transitions.
type Recorder interface {
	RefreshStarted()
	RefreshFinished(success bool)
	Queued()
	Replayed()
	SessionTerminated(reason string)
}

// Options configures a Coordinator.
type Options struct {
	Store     *credentials.Store
	Refresher Refresher
	Logout    *logout.Broadcaster
	Logger    *slog.Logger
	Recorder  Recorder
	// MaxAttempts bounds how many times one call may be replayed after a refresh.
	// 0 means unbounded.
	MaxAttempts int
}

// Coordinator is the single-flight refresh state machine.
type Coordinator struct {
	mu      sync.Mutex
	state   State
	waiters []Job

	store       *credentials.Store
	refresher   Refresher
	logout      *logout.Broadcaster
	logger      *slog.Logger
	recorder    Recorder
	maxAttempts int
}

// New creates an idle coordinator.
func New(opts Options) *Coordinator {
	c := &Coordinator{
		store:       opts.Store,
		refresher:   opts.Refresher,
		logout:      opts.Logout,
		logger:      opts.Logger,
		recorder:    opts.Recorder,
		maxAttempts: opts.MaxAttempts,
	}

	if c.logout == nil {
		c.logout = logout.New()
	}

	if c.logger == nil {
		c.logger = slog.Default()
	}

	if c.recorder == nil {
		c.recorder = nopRecorder{}
	}

	return c
}

// State returns the current state and the number of queued calls.
func (c *Coordinator) State() (State, int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state, len(c.waiters)
}

// HandleUnauthenticated takes over a call rejected for an expired access credential.
// The call is resolved through job, either now or once the in-flight refresh settles.
// It never waits on the network.
func (c *Coordinator) HandleUnauthenticated(ctx context.Context, job Job) {
	if c.maxAttempts > 0 && job.Attempts() >= c.maxAttempts {
		c.logger.WarnContext(ctx, "replay still unauthenticated after refresh",
			slog.Int("attempts", job.Attempts()))
		c.terminate(ctx, job, failure.New(failure.Forbidden, failure.ReasonRefreshExhausted, MessageSessionExpired))

		return
	}

	c.mu.Lock()

	if c.state == Refreshing {
		c.waiters = append(c.waiters, job)
		position := len(c.waiters)
		c.mu.Unlock()

		c.recorder.Queued()
		c.logger.DebugContext(ctx, "queued behind in-flight refresh", slog.Int("position", position))

		return
	}

	pair, gen := c.store.Snapshot()

	// The call was sent before the latest refresh or login landed: replay it with the
	// newer credential instead of spending the refresh credential again.
	if job.Generation() != gen && pair.AccessToken != "" {
		c.mu.Unlock()

		c.logger.DebugContext(ctx, "credentials changed since dispatch, replaying",
			slog.Uint64("sent_generation", job.Generation()),
			slog.Uint64("generation", gen))
		c.recorder.Replayed()
		job.Replay()

		return
	}

	if !pair.HasRefresh() {
		c.mu.Unlock()

		c.terminate(ctx, job, failure.New(failure.Forbidden, failure.ReasonNoRefreshToken, MessageNotSignedIn))

		return
	}

	c.state = Refreshing
	c.waiters = []Job{job}
	c.mu.Unlock()

	go c.run(context.WithoutCancel(ctx), pair.RefreshToken, gen)
}

// HandleForbidden ends the session for a call the server rejected terminally.
// It never starts a refresh and leaves any in-flight refresh and its queue alone.
func (c *Coordinator) HandleForbidden(ctx context.Context, job Job, cause *failure.Error) {
	c.terminate(ctx, job, cause)
}

// run performs the refresh call and settles the queue.
func (c *Coordinator) run(ctx context.Context, refreshToken string, gen uint64) {
	c.recorder.RefreshStarted()
	c.logger.InfoContext(ctx, "refreshing credentials", slog.Uint64("generation", gen))

	pair, err := c.refresher.Refresh(ctx, refreshToken)
	c.recorder.RefreshFinished(err == nil)

	if err != nil {
		c.fail(ctx, gen, err)
		return
	}

	if !c.store.ReplaceIf(ctx, gen, pair) {
		if !c.signedIn() {
			waiters := c.drain()

			c.logger.WarnContext(ctx, "session ended during refresh, discarding refresh result",
				slog.Int("waiters", len(waiters)))
			c.reject(waiters, failure.New(failure.Forbidden, failure.ReasonSessionEnded, MessageSessionExpired))

			return
		}

		c.logger.WarnContext(ctx, "credentials replaced during refresh, discarding refresh result",
			slog.Uint64("generation", gen))
	}

	waiters := c.drain()

	c.logger.InfoContext(ctx, "credentials refreshed, replaying queued requests",
		slog.Int("waiters", len(waiters)))
	c.replay(waiters)
}

// fail settles the queue after a failed refresh.
func (c *Coordinator) fail(ctx context.Context, gen uint64, err error) {
	cause := &failure.Error{
		Kind:    failure.Forbidden,
		Reason:  failure.ReasonRefreshFailed,
		Message: MessageSessionExpired,
		Err:     err,
	}

	if !c.store.ClearIf(ctx, gen) {
		waiters := c.drain()

		if c.signedIn() {
			// A login landed while refreshing; its credential is still good.
			c.logger.WarnContext(ctx, "refresh failed after credentials were replaced, replaying with new credentials",
				slog.Int("waiters", len(waiters)),
				slog.Any("error", err))
			c.replay(waiters)

			return
		}

		// The session was already ended and broadcast by whoever cleared the store.
		c.logger.WarnContext(ctx, "refresh failed after the session ended",
			slog.Int("waiters", len(waiters)),
			slog.Any("error", err))
		c.reject(waiters, cause)

		return
	}

	waiters := c.drain()

	c.logger.WarnContext(ctx, "credential refresh failed, ending session",
		slog.Int("waiters", len(waiters)),
		slog.String("reason", failure.ReasonRefreshFailed),
		slog.Any("error", err))

	c.recorder.SessionTerminated(failure.ReasonRefreshFailed)
	c.logout.Fire()
	c.reject(waiters, cause)
}

// replay starts the waiters in queue order. Each one is on its way before the next starts.
func (c *Coordinator) replay(waiters []Job) {
	for _, w := range waiters {
		c.recorder.Replayed()
		<-w.Replay()
	}
}

// reject resolves every waiter with its own copy of cause.
func (c *Coordinator) reject(waiters []Job, cause *failure.Error) {
	for _, w := range waiters {
		e := *cause
		w.Reject(&e)
	}
}

// signedIn reports whether the store holds an access credential.
func (c *Coordinator) signedIn() bool {
	pair, _ := c.store.Snapshot()

	return pair.AccessToken != ""
}

// drain empties the queue and returns to Idle.
func (c *Coordinator) drain() []Job {
	c.mu.Lock()
	defer c.mu.Unlock()

	waiters := c.waiters
	c.waiters = nil
	c.state = Idle

	return waiters
}

// terminate clears the session, broadcasts logout and rejects job.
func (c *Coordinator) terminate(ctx context.Context, job Job, cause *failure.Error) {
	c.store.Clear(ctx)

	c.logger.WarnContext(ctx, "session terminated",
		slog.String("reason", cause.Reason),
		slog.Int("status", cause.Status))

	job.Reject(cause)
	c.recorder.SessionTerminated(cause.Reason)
	c.logout.Fire()
}

type nopRecorder struct{}

func (nopRecorder) RefreshStarted()          {}
func (nopRecorder) RefreshFinished(bool)     {}
func (nopRecorder) Queued()                  {}
func (nopRecorder) Replayed()                {}
func (nopRecorder) SessionTerminated(string) {}
