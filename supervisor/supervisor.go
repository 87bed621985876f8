// Package supervisor wires a loaded configuration into running Mapping
// Runners and Watcher Handlers, and owns their shared collaborators (the
// Dispatcher and the UPnP Client).
package supervisor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"nat2d/config"
	"nat2d/dispatch"
	"nat2d/mapping"
	"nat2d/probe"
	"nat2d/upnpclient"
	"nat2d/watcher"
)

// shutdownGrace bounds how long the Dispatcher and Watcher Handlers are
// kept alive past ctx cancellation so every Runner's terminal event can
// still reach them and be applied (e.g. an auto-created DNS record
// deleted) before the process exits.
const shutdownGrace = 10 * time.Second

// Supervisor owns every Runner and Handler for one loaded configuration
// and drives them for the lifetime of a context.
type Supervisor struct {
	cfg        *config.Config
	dispatcher *dispatch.Dispatcher
	upnp       *upnpclient.Client

	mappings []config.Mapping
	runners  []*mapping.Runner
	handlers []*handlerEntry
}

type handlerEntry struct {
	mappingID   string
	watcherName string
	binding     config.WatcherBinding
	handler     *watcher.Handler
	sub         *dispatch.Subscription
}

// New validates cfg and builds every Runner/Handler pair, but starts
// nothing; call Run to start the daemon.
func New(cfg *config.Config) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	mappings, err := config.ParseMappings(cfg)
	if err != nil {
		return nil, err
	}
	sort.Slice(mappings, func(i, j int) bool { return mappings[i].ID < mappings[j].ID })

	appliers, err := buildAppliers(cfg)
	if err != nil {
		return nil, err
	}

	s := &Supervisor{
		cfg:        cfg,
		dispatcher: dispatch.New(),
		upnp:       upnpclient.New(),
		mappings:   mappings,
	}

	for _, m := range mappings {
		s.runners = append(s.runners, mapping.NewRunner(m.ID, s.proberFactory(m), s.dispatcher))

		for _, b := range m.Bindings {
			applier, ok := appliers[b.Name]
			if !ok {
				return nil, fmt.Errorf("no watcher named %q in %s", b.Name, m.ID)
			}
			s.handlers = append(s.handlers, &handlerEntry{
				mappingID:   m.ID,
				watcherName: b.Name,
				binding:     b,
				handler:     watcher.NewHandler(b.Name, applier),
			})
		}
	}
	return s, nil
}

// buildAppliers constructs one watcher.Applier per named watcher across
// every family, rejecting duplicate names across families up front.
func buildAppliers(cfg *config.Config) (map[string]watcher.Applier, error) {
	out := make(map[string]watcher.Applier)
	add := func(name string, a watcher.Applier) error {
		if _, exists := out[name]; exists {
			return fmt.Errorf("watcher name %q is defined more than once", name)
		}
		out[name] = a
		return nil
	}

	for name, creds := range cfg.DNSPod {
		if err := add(name, watcher.NewDNSPod(creds)); err != nil {
			return nil, err
		}
	}
	for name, creds := range cfg.AliDNS {
		a, err := watcher.NewAliDNS(creds)
		if err != nil {
			return nil, fmt.Errorf("watcher %q: %w", name, err)
		}
		if err := add(name, a); err != nil {
			return nil, err
		}
	}
	for name, creds := range cfg.Cloudflare {
		if err := add(name, watcher.NewCloudflare(creds)); err != nil {
			return nil, err
		}
	}
	for name, spec := range cfg.HTTP {
		a, err := watcher.NewHTTP(spec)
		if err != nil {
			return nil, fmt.Errorf("watcher %q: %w", name, err)
		}
		if err := add(name, a); err != nil {
			return nil, err
		}
	}
	for name, spec := range cfg.Script {
		if err := add(name, watcher.NewScript(spec)); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// proberFactory selects the acquisition strategy for m: UPnP if enabled
// (a tagged alternative to STUN, never combined with it), else STUN-TCP or
// STUN-UDP by protocol.
func (s *Supervisor) proberFactory(m config.Mapping) mapping.ProberFactory {
	if m.UPnPEnabled(s.cfg.GlobalUPnP()) {
		protocol := "TCP"
		if m.Protocol == config.ProtocolUDP {
			protocol = "UDP"
		}
		return func() probe.Prober {
			return probe.NewUPnP(s.upnp, m.LocalPort, m.LocalPort, m.LocalIP, protocol, "nat2d:"+m.ID)
		}
	}

	switch m.Protocol {
	case config.ProtocolTCP:
		opts := s.cfg.TCP
		return func() probe.Prober {
			return probe.NewStunTCP(
				m.LocalAddr(), opts.Stun, opts.Keepalive,
				time.Duration(opts.Interval)*time.Second,
				time.Duration(opts.StunInterval)*time.Second,
			)
		}
	default:
		opts := s.cfg.UDP
		return func() probe.Prober {
			return probe.NewStunUDP(m.LocalAddr(), opts.Stun, time.Duration(opts.Interval)*time.Second)
		}
	}
}

// Run starts the Dispatcher, every Mapping Runner, and every Watcher
// Handler, blocking until ctx is cancelled and every goroutine has exited.
//
// The Dispatcher and every Handler run on a separate drainCtx rather than
// ctx itself: ctx cancellation only tells Runners to stop probing and emit
// their terminal event, and the Dispatcher/Handlers must still be alive to
// receive and apply that event (e.g. delete an auto-created DNS record)
// instead of racing ctx.Done() and exiting first. Shutdown proceeds in two
// bounded stages once ctx is done: wait for every Runner to stop (each
// publishes its terminal event as its last act), then wait for every
// Handler to apply it and return on its own; only then is drainCtx
// cancelled and the Dispatcher torn down. Each stage is capped at
// shutdownGrace in case something hangs.
func (s *Supervisor) Run(ctx context.Context) error {
	var dispatcherWg, runnersWg, handlersWg sync.WaitGroup

	drainCtx, drainCancel := context.WithCancel(context.Background())
	defer drainCancel()

	dispatcherWg.Add(1)
	go func() {
		defer dispatcherWg.Done()
		s.dispatcher.Run(drainCtx)
	}()

	for _, he := range s.handlers {
		sub, err := s.dispatcher.Subscribe(ctx, he.mappingID, he.watcherName, he.binding)
		if err != nil {
			drainCancel()
			dispatcherWg.Wait()
			return fmt.Errorf("subscribe %s/%s: %w", he.mappingID, he.watcherName, err)
		}
		he.sub = sub
	}

	for _, r := range s.runners {
		runnersWg.Add(1)
		go func(r *mapping.Runner) {
			defer runnersWg.Done()
			r.Run(ctx)
		}(r)
	}

	for _, he := range s.handlers {
		handlersWg.Add(1)
		go func(he *handlerEntry) {
			defer handlersWg.Done()
			he.handler.Serve(drainCtx, he.sub)
		}(he)
	}

	<-ctx.Done()

	waitBounded(&runnersWg, "every runner to stop")
	waitBounded(&handlersWg, "every handler to finish draining")

	drainCancel()
	dispatcherWg.Wait()
	return nil
}

func waitBounded(wg *sync.WaitGroup, what string) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		logrus.WithField("waiting_for", what).Warn("supervisor: shutdown grace period elapsed")
	}
}

// Snapshots returns a point-in-time read of every Runner's state, for the
// status panel.
func (s *Supervisor) Snapshots() []mapping.Snapshot {
	out := make([]mapping.Snapshot, 0, len(s.runners))
	for _, r := range s.runners {
		out = append(out, r.Snapshot())
	}
	return out
}

// WatcherSnapshots returns a point-in-time read of every Handler's
// reconciled state, for the status panel.
func (s *Supervisor) WatcherSnapshots() []watcher.Snapshot {
	out := make([]watcher.Snapshot, 0, len(s.handlers))
	for _, he := range s.handlers {
		out = append(out, he.handler.Snapshot())
	}
	return out
}
