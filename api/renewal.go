package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/seji7/trpgweb/telemetry"
)

type renewalState int

const (
	stateIdle renewalState = iota
	stateRenewing
)

// pendingRequest is a call that failed with the expiry signal and waits for
// the outcome of a renewal. retried is set before the request is parked so a
// second 401 after replay is final.
type pendingRequest struct {
	ctx       context.Context
	req       Request
	sentWith  string
	retried   bool
	renewOnly bool
	done      chan renewalResult
}

type renewalResult struct {
	resp *Response
	err  error
}

// renewalCoordinator serializes renewal. While a renewal is in flight every
// other expiry joins its queue instead of issuing a second renewal call; the
// queue is then replayed in arrival order or rejected as a whole.
type renewalCoordinator struct {
	current func() string
	renew   func(ctx context.Context) (string, error)
	replay  func(ctx context.Context, req Request, token string) (*Response, error)
	failed  func(ctx context.Context, cause error)

	mu    sync.Mutex
	state renewalState
	queue []*pendingRequest
}

func (rc *renewalCoordinator) renewAndRetry(p *pendingRequest) (*Response, error) {
	p.done = make(chan renewalResult, 1)

	rc.mu.Lock()
	if rc.state == stateIdle {
		tok := rc.current()
		switch {
		case tok == "":
			// An earlier renewal already ended the session.
			rc.mu.Unlock()
			return nil, fmt.Errorf("%w: no credential to renew", ErrSessionExpired)
		case !p.renewOnly && tok != p.sentWith:
			// Renewed after this request was sent; replay without another renewal.
			rc.mu.Unlock()
			r := rc.replayOne(p, tok)
			return r.resp, r.err
		}
		rc.state = stateRenewing
		rc.queue = append(rc.queue, p)
		rc.mu.Unlock()
		go rc.run(context.WithoutCancel(p.ctx))
	} else {
		rc.queue = append(rc.queue, p)
		rc.mu.Unlock()
	}

	telemetry.AddGauge(telemetry.RenewalWaiters, 1)
	defer telemetry.AddGauge(telemetry.RenewalWaiters, -1)
	select {
	case r := <-p.done:
		return r.resp, r.err
	case <-p.ctx.Done():
		return nil, p.ctx.Err()
	}
}

// run is executed by exactly one goroutine per Idle->Renewing transition.
func (rc *renewalCoordinator) run(ctx context.Context) {
	start := time.Now()
	telemetry.Inc(telemetry.RenewalsStarted)
	token, err := rc.renew(ctx)
	telemetry.ObserveSince(telemetry.RenewalDuration, start)

	if err != nil {
		telemetry.Inc(telemetry.RenewalsFailed)
		rc.failed(ctx, err)
		rejected := fmt.Errorf("%w: %v", ErrSessionExpired, err)
		rc.drain(func(p *pendingRequest) { p.done <- renewalResult{err: rejected} })
		return
	}

	telemetry.Inc(telemetry.RenewalsSucceeded)
	slog.Debug("credential renewed", slog.Duration("took", time.Since(start)), slog.String("component", "api"))
	rc.drain(func(p *pendingRequest) { p.done <- rc.replayOne(p, token) })
}

// drain hands queued requests to fn in arrival order, including requests that
// join while draining, then returns the coordinator to Idle.
func (rc *renewalCoordinator) drain(fn func(*pendingRequest)) {
	for {
		rc.mu.Lock()
		batch := rc.queue
		rc.queue = nil
		if len(batch) == 0 {
			rc.state = stateIdle
			rc.mu.Unlock()
			return
		}
		rc.mu.Unlock()
		for _, p := range batch {
			fn(p)
		}
	}
}

func (rc *renewalCoordinator) replayOne(p *pendingRequest, token string) renewalResult {
	if p.renewOnly {
		return renewalResult{}
	}
	if err := p.ctx.Err(); err != nil {
		return renewalResult{err: err}
	}
	telemetry.Inc(telemetry.RequestsReplayed)
	resp, err := rc.replay(p.ctx, p.req, token)
	if err != nil {
		return renewalResult{err: err}
	}
	if resp.StatusCode == http.StatusUnauthorized && p.retried {
		return renewalResult{err: fmt.Errorf("%w: %s %s rejected after renewal", ErrSessionExpired, p.req.Method, p.req.Path)}
	}
	return renewalResult{resp: resp}
}
