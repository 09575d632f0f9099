// Package gateway is the single entry point for authenticated outbound calls.
//
// Every call goes through the same pipeline: the per-endpoint in-flight registry,
// the outbound decorator, the transport, and the failure classifier. Calls rejected
// for an expired access credential are handed to the refresh coordinator, which
// replays them through the same pipeline once new credentials are in place.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fclairamb/tokengate/internal/credentials"
	"github.com/fclairamb/tokengate/internal/failure"
	"github.com/fclairamb/tokengate/internal/inflight"
	"github.com/fclairamb/tokengate/internal/logout"
	"github.com/fclairamb/tokengate/internal/refresh"
)

// maxResponseBytes bounds how much of an upstream body is buffered.
const maxResponseBytes = 32 << 20

// Gateway errors.
var (
	ErrNoBaseURL   = errors.New("no base URL configured for relative path")
	ErrEmptyBody   = errors.New("response has no body")
	ErrNoStore     = errors.New("credential store is required")
	ErrNoRefresher = errors.New("refresher is required")
)

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options configures a Gateway.
type Options struct {
	BaseURL   string
	Doer      Doer
	Store     *credentials.Store
	Refresher refresh.Refresher
	Logger    *slog.Logger
	// Registerer receives the gateway metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer
	// MaxRefreshAttempts bounds replays per call. 0 means unbounded.
	MaxRefreshAttempts int
}

// Gateway dispatches authenticated calls.
type Gateway struct {
	baseURL  string
	doer     Doer
	store    *credentials.Store
	inflight *inflight.Registry
	coord    *refresh.Coordinator
	logout   *logout.Broadcaster
	metrics  *Metrics
	logger   *slog.Logger
}

// New creates a Gateway.
func New(opts Options) (*Gateway, error) {
	if opts.Store == nil {
		return nil, ErrNoStore
	}

	if opts.Refresher == nil {
		return nil, ErrNoRefresher
	}

	g := &Gateway{
		baseURL:  strings.TrimSuffix(opts.BaseURL, "/"),
		doer:     opts.Doer,
		store:    opts.Store,
		inflight: inflight.NewRegistry(),
		logout:   logout.New(),
		metrics:  NewMetrics(opts.Registerer),
		logger:   opts.Logger,
	}

	if g.doer == nil {
		g.doer = http.DefaultClient
	}

	if g.logger == nil {
		g.logger = slog.Default()
	}

	g.coord = refresh.New(refresh.Options{
		Store:       opts.Store,
		Refresher:   opts.Refresher,
		Logout:      g.logout,
		Logger:      g.logger,
		Recorder:    g.metrics,
		MaxAttempts: opts.MaxRefreshAttempts,
	})

	return g, nil
}

// SetLogoutCallback registers the function invoked when the session ends.
// The last registration wins; nil unregisters.
func (g *Gateway) SetLogoutCallback(fn func()) {
	g.logout.SetCallback(fn)
}

// Store returns the credential store the gateway reads from.
func (g *Gateway) Store() *credentials.Store {
	return g.store
}

// Status is a point-in-time view of the gateway.
type Status struct {
	RefreshState string
	Queued       int
	InFlight     int
	Superseded   int64
	Logouts      int64
}

// Status returns the current gateway state.
func (g *Gateway) Status() Status {
	state, queued := g.coord.State()
	superseded, active := g.inflight.Stats()

	return Status{
		RefreshState: state.String(),
		Queued:       queued,
		InFlight:     active,
		Superseded:   superseded,
		Logouts:      g.logout.Fired(),
	}
}

// Dispatch sends req and returns the upstream answer. Every error is a *failure.Error.
//
// A call rejected for an expired access credential is recovered transparently when
// the refresh succeeds. A newer call with the same endpoint key cancels this one,
// which then resolves with failure.Canceled.
func (g *Gateway) Dispatch(ctx context.Context, req Request) (*Response, error) {
	payload, err := encodeBody(req.Body)
	if err != nil {
		g.metrics.observe(failure.Other.String())
		return nil, &failure.Error{Kind: failure.Other, Reason: failure.ReasonInvalidRequest, Message: err.Error(), Err: err}
	}

	ctx, release := g.inflight.Track(ctx, req.EndpointKey)
	defer release()

	call := &call{gateway: g, ctx: ctx, req: req, payload: payload}

	resp, err := call.attempt(0, nil)
	if err != nil {
		var ferr *failure.Error
		if errors.As(err, &ferr) {
			g.metrics.observe(ferr.Kind.String())
		}

		return nil, err
	}

	g.metrics.observe("ok")

	return resp, nil
}

// call is one dispatched request and its replays.
type call struct {
	gateway *Gateway
	ctx     context.Context
	req     Request
	payload []byte
}

// attempt sends the call once and routes a failure to the coordinator.
// sent, when set, is called right before the request goes to the transport.
func (c *call) attempt(attempts int, sent func()) (*Response, error) {
	g := c.gateway
	pair, gen := g.store.Snapshot()

	resp, raw, err := g.send(c.ctx, c.req, c.payload, pair, sent)
	if err != nil {
		return nil, err
	}

	if raw == nil {
		return resp, nil
	}

	ferr := failure.Classify(*raw)

	logger := g.logger.With(
		slog.String("method", c.req.Method),
		slog.String("path", c.req.Path),
		slog.String("kind", ferr.Kind.String()),
		slog.String("reason", ferr.Reason),
		slog.Int("status", ferr.Status),
	)

	switch ferr.Kind {
	case failure.Unauthenticated:
		logger.DebugContext(c.ctx, "call rejected for credentials", slog.Int("attempts", attempts))

		j := newJob(c, gen, attempts)
		g.coord.HandleUnauthenticated(c.ctx, j)

		return j.wait()
	case failure.Forbidden:
		j := newJob(c, gen, attempts)
		g.coord.HandleForbidden(c.ctx, j, ferr)

		return j.wait()
	case failure.Canceled:
		logger.DebugContext(c.ctx, "call superseded")

		return nil, ferr
	default:
		logger.InfoContext(c.ctx, "call failed", slog.String("message", ferr.Message))

		return nil, ferr
	}
}

// send performs one HTTP exchange. A nil raw means success. A non-nil error means
// the request could not be built.
func (g *Gateway) send(ctx context.Context, req Request, payload []byte, pair credentials.Pair, sent func()) (*Response, *failure.Raw, error) {
	target, err := resolveURL(g.baseURL, req)
	if err != nil {
		return nil, nil, &failure.Error{Kind: failure.Other, Reason: failure.ReasonInvalidRequest, Message: err.Error(), Err: err}
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, newBodyReader(payload))
	if err != nil {
		err = fmt.Errorf("failed to create request: %w", err)
		return nil, nil, &failure.Error{Kind: failure.Other, Reason: failure.ReasonInvalidRequest, Message: err.Error(), Err: err}
	}

	httpReq.Header = Decorate(req.Headers, pair)

	if sent != nil {
		sent()
	}

	httpResp, err := g.doer.Do(httpReq)
	if err != nil {
		return nil, &failure.Raw{Err: err, Superseded: inflight.Superseded(ctx)}, nil
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, &failure.Raw{Err: fmt.Errorf("failed to read response: %w", err), Superseded: inflight.Superseded(ctx)}, nil
	}

	// A response that arrives after a newer call took the key is discarded.
	if inflight.Superseded(ctx) {
		return nil, &failure.Raw{Err: context.Cause(ctx), Superseded: true}, nil
	}

	if httpResp.StatusCode >= http.StatusBadRequest {
		return nil, &failure.Raw{Status: httpResp.StatusCode, Body: body}, nil
	}

	return &Response{Status: httpResp.StatusCode, Header: httpResp.Header, Body: body}, nil, nil
}
