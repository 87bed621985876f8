// Package watcher implements the five Watcher Handler families (DNSPod,
// AliDNS, Cloudflare, HTTP webhook, local script) that consume
// EndpointEvents from the Dispatcher and perform the configured side
// effect with idempotence and retry.
package watcher

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"nat2d/config"
	"nat2d/dispatch"
	"nat2d/endpoint"
)

// ReconciledState records the last endpoint+value a binding's side
// effect was successfully applied for, and, when the handler created the
// underlying DNS record itself, the provider-assigned id so it can be
// deleted on shutdown. User-supplied record ids are never tracked here
// and so are never deleted.
type ReconciledState struct {
	Endpoint *endpoint.Public
	Value    string
	RecordID string
}

// Applier performs one Handler family's side effect. Implementations own
// no concurrency themselves; Handler.Serve calls Apply from a single
// goroutine per binding, which is what gives each binding's
// ReconciledState its required serialization.
type Applier interface {
	// Apply renders ev against state and performs the side effect,
	// returning the state to record on success. ev.Endpoint == nil is
	// the terminal event: implementations that auto-created a resource
	// must release it and clear RecordID.
	Apply(ctx context.Context, ev dispatch.EndpointEvent, state *ReconciledState) (*ReconciledState, error)
	// Kind names the watcher family, e.g. "dnspod", for logging.
	Kind() string
}

// retriableError marks an Apply failure as transient: the Handler will
// retry with backoff rather than abandoning the binding.
type retriableError struct{ err error }

func (r *retriableError) Error() string { return r.err.Error() }
func (r *retriableError) Unwrap() error { return r.err }

// Retriable wraps err so the Handler's retry loop keeps trying instead of
// abandoning the binding. Use for timeouts, connection errors, 5xx and
// 429 provider responses.
func Retriable(err error) error {
	if err == nil {
		return nil
	}
	return &retriableError{err}
}

func isRetriable(err error) bool {
	var r *retriableError
	return errors.As(err, &r)
}

var backoffSchedule = []time.Duration{
	time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
}

const backoffCap = 60 * time.Second

// Handler drives one (watcher_name, binding) subscription: it serializes
// Apply calls against its own ReconciledState, retrying transient
// failures with exponential backoff until either the call succeeds or a
// newer event makes the in-flight one obsolete.
type Handler struct {
	watcherName string
	applier     Applier

	mu      sync.Mutex
	binding config.WatcherBinding
	state   *ReconciledState
}

// NewHandler builds a Handler for one watcher definition.
func NewHandler(watcherName string, applier Applier) *Handler {
	return &Handler{watcherName: watcherName, applier: applier}
}

// Snapshot is a point-in-time read of a Handler's reconciled state, for
// the status panel.
type Snapshot struct {
	WatcherName string
	Kind        string
	Binding     config.WatcherBinding
	Value       string
	Endpoint    *endpoint.Public
}

// Snapshot returns the Handler's current reconciled state. Safe to call
// concurrently with Serve.
func (h *Handler) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap := Snapshot{WatcherName: h.watcherName, Kind: h.applier.Kind(), Binding: h.binding}
	if h.state != nil {
		snap.Value = h.state.Value
		snap.Endpoint = h.state.Endpoint
	}
	return snap
}

func (h *Handler) setState(binding config.WatcherBinding, state *ReconciledState) {
	h.mu.Lock()
	h.binding = binding
	h.state = state
	h.mu.Unlock()
}

// Serve consumes sub until ctx is cancelled or the terminal event (the
// Dispatcher's one subscriber-mapping carries exactly one Runner, so a
// terminal event means that Runner has stopped and nothing further will
// ever arrive) has been applied. It owns the binding's ReconciledState
// for its entire lifetime, including releasing any resource it
// auto-created before returning.
func (h *Handler) Serve(ctx context.Context, sub *dispatch.Subscription) {
	var state *ReconciledState
	h.setState(sub.Binding(), nil)
	log := logrus.WithFields(logrus.Fields{"watcher": h.watcherName, "kind": h.applier.Kind(), "binding": sub.Binding().Name})

	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return
		}
		state = h.applyWithRetry(ctx, sub, ev, state, log)
		h.setState(ev.Binding, state)
		if ev.Endpoint == nil {
			return
		}
	}
}

func (h *Handler) applyWithRetry(ctx context.Context, sub *dispatch.Subscription, ev dispatch.EndpointEvent, state *ReconciledState, log *logrus.Entry) *ReconciledState {
	if same(state, ev) {
		return state
	}

	attempt := 0
	for {
		newState, err := h.applier.Apply(ctx, ev, state)
		if err == nil {
			log.WithField("generation", ev.Generation).Debug("watcher: apply succeeded")
			return newState
		}

		if !isRetriable(err) {
			log.WithError(err).WithField("generation", ev.Generation).Error("watcher: abandoning binding after non-retriable error")
			return state
		}

		wait := backoffCap
		if attempt < len(backoffSchedule) {
			wait = backoffSchedule[attempt]
		}
		attempt++
		log.WithError(err).WithField("retry_in", wait).Warn("watcher: apply failed, retrying")

		select {
		case <-ctx.Done():
			return state
		case <-time.After(wait):
		case <-sub.Notify():
		}

		if newer, ok := sub.TryNext(); ok {
			ev = newer
			attempt = 0
			if same(state, ev) {
				return state
			}
		}
	}
}

// same reports whether ev is a no-op against the already-reconciled
// state: same endpoint, same rendered value.
func same(state *ReconciledState, ev dispatch.EndpointEvent) bool {
	if state == nil {
		return false
	}
	if ev.Endpoint == nil {
		return state.Endpoint == nil
	}
	if state.Endpoint == nil {
		return false
	}
	return state.Endpoint.Equal(*ev.Endpoint) && state.Value == Render(ev.Binding.Value, *ev.Endpoint)
}

// Render replaces the literal tokens {ip} and {port} with the decimal
// IPv4 address and decimal port of ep. No other substitutions are made.
func Render(template string, ep endpoint.Public) string {
	template = strings.ReplaceAll(template, "{ip}", ep.IP)
	template = strings.ReplaceAll(template, "{port}", strconv.Itoa(int(ep.Port)))
	return template
}
