// Package mapping implements the per-mapping acquisition state machine:
// INIT -> ACQUIRING -> ACTIVE -> REACQUIRING -> {ACTIVE, FAILED} -> STOPPED.
package mapping

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"nat2d/dispatch"
	"nat2d/endpoint"
	"nat2d/probe"
)

const (
	lossThreshold        = 3
	reacquireHardTimeout = 10 * time.Minute
	reacquireMaxBackoff  = 60 * time.Second

	// terminalPublishTimeout bounds how long stop() waits for the
	// Dispatcher to accept the terminal event. The Dispatcher may have
	// already exited by the time a Runner reaches stop(), in which case
	// nothing will ever read from its publish channel; this timeout
	// keeps that case from hanging shutdown.
	terminalPublishTimeout = 2 * time.Second
)

// ProberFactory builds a fresh Prober for an acquisition or reacquisition
// attempt. A fresh instance is requested each attempt because a failed
// STUN dial or a rejected UPnP request invalidates whatever state the
// previous instance held.
type ProberFactory func() probe.Prober

// Runner drives one configured mapping through its acquisition state
// machine and publishes EndpointEvents to the Dispatcher for every
// binding on the mapping.
type Runner struct {
	id         string
	factory    ProberFactory
	dispatcher *dispatch.Dispatcher

	mu         sync.Mutex
	state      State
	generation uint64
	lastEP     *endpoint.Public
	failures   int
}

// NewRunner builds a Runner for mappingID. The mapping's bindings are not
// owned by the Runner; the Supervisor registers them as Dispatcher
// subscribers against the same mappingID before starting Run.
func NewRunner(mappingID string, factory ProberFactory, dispatcher *dispatch.Dispatcher) *Runner {
	return &Runner{
		id:         mappingID,
		factory:    factory,
		dispatcher: dispatcher,
		state:      StateInit,
	}
}

// Snapshot is a point-in-time read of the Runner's state, for the status
// panel.
type Snapshot struct {
	MappingID  string
	State      State
	Endpoint   *endpoint.Public
	Generation uint64
}

func (r *Runner) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{MappingID: r.id, State: r.state, Endpoint: r.lastEP, Generation: r.generation}
}

func (r *Runner) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
	r.log().WithField("state", s).Info("mapping: state transition")
}

func (r *Runner) log() *logrus.Entry {
	return logrus.WithField("mapper", r.id)
}

// isFatal reports whether err is probe.ErrNotAuthorized, the only class of
// probe error the Runner treats as unrecoverable, matching spec §4.1's UPnP "action not authorized" ->
// FAILED rule.
func isFatal(err error) bool {
	return errors.Is(err, probe.ErrNotAuthorized)
}

// Run blocks until ctx is cancelled, driving the acquisition state
// machine and publishing events as the endpoint is acquired, changes, or
// is lost. On return it has already emitted the terminal event and
// released any held resource.
func (r *Runner) Run(ctx context.Context) {
	r.setState(StateAcquiring)

	var (
		current probe.Prober
		results <-chan probe.Result
	)

	for {
		r.mu.Lock()
		state := r.state
		r.mu.Unlock()

		switch state {
		case StateAcquiring:
			p, res, ep, ok := r.acquireLoop(ctx, false)
			if !ok {
				if r.Snapshot().State == StateFailed {
					// acquireLoop already released p; stay dormant until shutdown.
					continue
				}
				r.stop(ctx, p)
				return
			}
			current, results = p, res
			r.recordEndpoint(ep)
			r.setState(StateActive)

		case StateActive:
			lost, ok := r.maintain(ctx, current, results)
			if !ok {
				// Fatal rejection: release the prober and stay dormant in
				// FAILED until shutdown.
				current.Stop(ctx)
				current, results = nil, nil
				continue
			}
			current.Stop(ctx)
			current, results = nil, nil
			if lost {
				r.setState(StateReacquiring)
			}

		case StateReacquiring:
			p, res, ep, ok := r.acquireLoop(ctx, true)
			if !ok {
				if r.Snapshot().State == StateFailed {
					// acquireLoop already released p; stay dormant until shutdown.
					continue
				}
				r.stop(ctx, p)
				return
			}
			current, results = p, res
			r.recordEndpoint(ep)
			r.setState(StateActive)

		case StateFailed:
			<-ctx.Done()
			r.stop(ctx, current)
			return
		}

		if ctx.Err() != nil {
			r.stop(ctx, current)
			return
		}
	}
}

// acquireLoop drives ACQUIRING (no backoff, a fixed 1s wait between attempts)
// or REACQUIRING (exponential backoff capped at 60s, with a 10-minute
// hard timeout after which a terminal event is emitted once and retrying
// continues) until a Prober's first Result succeeds or ctx is cancelled.
func (r *Runner) acquireLoop(ctx context.Context, backoffEnabled bool) (probe.Prober, <-chan probe.Result, endpoint.Public, bool) {
	var bo *backoff.ExponentialBackOff
	var deadline *time.Timer
	emittedNil := false

	if backoffEnabled {
		bo = backoff.NewExponentialBackOff()
		bo.InitialInterval = time.Second
		bo.MaxInterval = reacquireMaxBackoff
		bo.Multiplier = 2
		deadline = time.NewTimer(reacquireHardTimeout)
		defer deadline.Stop()
	}

	for {
		p := r.factory()
		results := p.Run(ctx)
		res, open := <-results
		if open && res.Err == nil {
			return p, results, res.Endpoint, true
		}
		if open && res.Err != nil {
			r.log().WithError(res.Err).Warn("mapping: acquisition attempt failed")
			if isFatal(res.Err) {
				p.Stop(ctx)
				r.setState(StateFailed)
				return p, nil, endpoint.Public{}, false
			}
		}
		p.Stop(ctx)

		wait := time.Second
		if backoffEnabled {
			d, _ := bo.NextBackOff()
			wait = d
		}

		select {
		case <-ctx.Done():
			return nil, nil, endpoint.Public{}, false
		case <-time.After(wait):
		case <-deadlineChan(deadline):
			if !emittedNil {
				r.emitTerminal(ctx)
				emittedNil = true
			}
		}
	}
}

func deadlineChan(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

// maintain runs the current Prober's maintenance loop until it signals
// loss (consecutive failures >= lossThreshold), a fatal error, or ctx is
// cancelled. ok is false only on a fatal error (-> FAILED); lost is true
// when the Runner should move to REACQUIRING.
func (r *Runner) maintain(ctx context.Context, p probe.Prober, results <-chan probe.Result) (lost bool, ok bool) {
	for {
		select {
		case <-ctx.Done():
			return false, true
		case res, open := <-results:
			if !open {
				return true, true
			}
			if res.Err != nil {
				if isFatal(res.Err) {
					r.setState(StateFailed)
					return false, false
				}
				r.mu.Lock()
				r.failures++
				lost := r.failures >= lossThreshold
				r.mu.Unlock()
				r.log().WithError(res.Err).Warn("mapping: probe failure")
				if lost {
					return true, true
				}
				continue
			}
			r.mu.Lock()
			r.failures = 0
			changed := r.lastEP == nil || !r.lastEP.Equal(res.Endpoint)
			r.mu.Unlock()
			if changed {
				r.recordEndpoint(res.Endpoint)
			}
		}
	}
}

func (r *Runner) recordEndpoint(ep endpoint.Public) {
	r.mu.Lock()
	r.generation++
	gen := r.generation
	r.lastEP = &ep
	r.failures = 0
	r.mu.Unlock()

	r.log().WithFields(logrus.Fields{"endpoint": ep.String(), "generation": gen}).Info("mapping: endpoint acquired")
	r.dispatcher.Publish(context.Background(), r.id, &ep, gen)
}

func (r *Runner) emitTerminal(ctx context.Context) {
	r.mu.Lock()
	r.generation++
	gen := r.generation
	r.lastEP = nil
	r.mu.Unlock()

	r.log().WithField("generation", gen).Warn("mapping: emitting terminal event")
	r.dispatcher.Publish(ctx, r.id, nil, gen)
}

// stop releases p and publishes the terminal event on a short-lived context
// independent of ctx: ctx is typically already cancelled by the time stop
// runs, and emitTerminal must still be able to reach the Dispatcher's
// publish channel for as long as it's still being drained, without
// blocking forever once the Dispatcher has exited and no longer accepts
// any send.
func (r *Runner) stop(ctx context.Context, p probe.Prober) {
	r.setState(StateStopped)
	if p != nil {
		if err := p.Stop(ctx); err != nil {
			r.log().WithError(err).Warn("mapping: error releasing prober on stop")
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), terminalPublishTimeout)
	defer cancel()
	r.emitTerminal(shutdownCtx)
}
