// Package dispatch routes EndpointEvents from Mapping Runners to Watcher
// Handlers through a per-subscriber single-slot mailbox: a newer event
// always overwrites an undelivered older one, so a slow Handler never
// works through a backlog of stale endpoints.
package dispatch

import (
	"context"

	"nat2d/config"
	"nat2d/endpoint"
)

// EndpointEvent carries one mapping's endpoint observation to one watcher
// binding. Endpoint is nil for the terminal event a Runner emits when it
// stops (a Runner in FAILED emits it once shutdown reaches it), telling the
// Handler to roll back.
type EndpointEvent struct {
	MappingID  string
	Binding    config.WatcherBinding
	Endpoint   *endpoint.Public
	Generation uint64
}

type slot struct {
	watcherName string
	binding     config.WatcherBinding

	notify  chan struct{}
	pending chan EndpointEvent // capacity 1, drained/overwritten only by the Run goroutine
}

// Subscription is a Handler's read side of its mailbox for one binding.
type Subscription struct {
	watcherName string
	binding     config.WatcherBinding
	notify      <-chan struct{}
	take        func() (EndpointEvent, bool)
}

// WatcherName returns the subscriber's watcher name.
func (s *Subscription) WatcherName() string { return s.watcherName }

// Binding returns the configuration binding this subscription was
// registered with.
func (s *Subscription) Binding() config.WatcherBinding { return s.binding }

// TryNext returns a pending event without blocking, for a retry loop to
// check whether it should abandon its current attempt in favor of a
// newer event.
func (s *Subscription) TryNext() (EndpointEvent, bool) {
	return s.take()
}

// Notify returns the channel signaled whenever a new event is published,
// so a retry loop can wake up early from a backoff sleep.
func (s *Subscription) Notify() <-chan struct{} {
	return s.notify
}

// Next blocks until an event is available and returns the most recent
// one, discarding any it superseded. Returns ctx.Err() if ctx is done
// first.
func (s *Subscription) Next(ctx context.Context) (EndpointEvent, error) {
	for {
		if ev, ok := s.take(); ok {
			return ev, nil
		}
		select {
		case <-ctx.Done():
			return EndpointEvent{}, ctx.Err()
		case <-s.notify:
		}
	}
}

// Dispatcher fans EndpointEvents out from mapping ids to the watcher
// bindings registered against them.
type Dispatcher struct {
	subscribe   chan subscribeReq
	publish     chan publishReq
	subscribers map[string][]*slot // mappingID -> subscriber slots
}

type subscribeReq struct {
	mappingID   string
	watcherName string
	binding     config.WatcherBinding
	result      chan *Subscription
}

type publishReq struct {
	mappingID  string
	endpoint   *endpoint.Public
	generation uint64
}

// New returns a Dispatcher with no registered subscribers. Run must be
// started before Subscribe/Publish are used.
func New() *Dispatcher {
	return &Dispatcher{
		subscribe:   make(chan subscribeReq),
		publish:     make(chan publishReq),
		subscribers: make(map[string][]*slot),
	}
}

// Run owns all subscriber bookkeeping on a single goroutine, so Subscribe
// and Publish never race each other.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-d.subscribe:
			s := &slot{
				watcherName: req.watcherName,
				binding:     req.binding,
				notify:      make(chan struct{}, 1),
				pending:     make(chan EndpointEvent, 1),
			}
			d.subscribers[req.mappingID] = append(d.subscribers[req.mappingID], s)
			req.result <- &Subscription{
				watcherName: s.watcherName,
				binding:     s.binding,
				notify:      s.notify,
				take: func() (EndpointEvent, bool) {
					select {
					case ev := <-s.pending:
						return ev, true
					default:
						return EndpointEvent{}, false
					}
				},
			}
		case req := <-d.publish:
			for _, s := range d.subscribers[req.mappingID] {
				ev := EndpointEvent{
					MappingID:  req.mappingID,
					Binding:    s.binding,
					Endpoint:   req.endpoint,
					Generation: req.generation,
				}
				// Drain any undelivered event before writing the new one:
				// this is the overwrite-on-send stale-drop semantics.
				select {
				case <-s.pending:
				default:
				}
				s.pending <- ev
				select {
				case s.notify <- struct{}{}:
				default:
				}
			}
		}
	}
}

// Subscribe registers a watcher binding as a subscriber of mappingID's
// events. Must be called after Run has started.
func (d *Dispatcher) Subscribe(ctx context.Context, mappingID, watcherName string, binding config.WatcherBinding) (*Subscription, error) {
	result := make(chan *Subscription, 1)
	select {
	case d.subscribe <- subscribeReq{mappingID: mappingID, watcherName: watcherName, binding: binding, result: result}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case s := <-result:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Publish fans out an endpoint observation to every subscriber of
// mappingID. endpoint nil marks the terminal event.
func (d *Dispatcher) Publish(ctx context.Context, mappingID string, ep *endpoint.Public, generation uint64) error {
	select {
	case d.publish <- publishReq{mappingID: mappingID, endpoint: ep, generation: generation}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
