package gateway

import (
	"context"
	"sync"

	"github.com/fclairamb/tokengate/internal/failure"
	"github.com/fclairamb/tokengate/internal/inflight"
)

type result struct {
	resp *Response
	err  error
	// replay asks the waiting caller to send the call again. It is closed once the
	// request is handed to the transport.
	replay chan struct{}
}

// job is a call handed to the refresh coordinator. It is resolved exactly once,
// by a replay or a rejection.
type job struct {
	call     *call
	gen      uint64
	attempts int
	done     chan result
}

func newJob(c *call, gen uint64, attempts int) *job {
	return &job{call: c, gen: gen, attempts: attempts, done: make(chan result, 1)}
}

func (j *job) Generation() uint64 { return j.gen }

func (j *job) Attempts() int { return j.attempts }

// Replay wakes the caller to send the call again with the current credentials.
func (j *job) Replay() <-chan struct{} {
	sent := make(chan struct{})
	j.done <- result{replay: sent}

	return sent
}

func (j *job) Reject(err *failure.Error) {
	j.done <- result{err: err}
}

// wait blocks until the coordinator resolves the job, or the call's context ends.
func (j *job) wait() (*Response, error) {
	select {
	case r := <-j.done:
		return j.settle(r)
	default:
	}

	ctx := j.call.ctx

	select {
	case r := <-j.done:
		return j.settle(r)
	case <-ctx.Done():
		go j.abandon()

		return nil, failure.Classify(failure.Raw{Err: context.Cause(ctx), Superseded: inflight.Superseded(ctx)})
	}
}

// settle returns a rejection as is, or sends a replay from the caller's goroutine.
func (j *job) settle(r result) (*Response, error) {
	if r.replay == nil {
		return r.resp, r.err
	}

	var once sync.Once

	sent := func() { once.Do(func() { close(r.replay) }) }
	defer sent()

	return j.call.attempt(j.attempts+1, sent)
}

// abandon consumes the resolution of a job nobody waits for anymore.
func (j *job) abandon() {
	if r := <-j.done; r.replay != nil {
		close(r.replay)
	}
}
