package mapping

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nat2d/config"
	"nat2d/dispatch"
	"nat2d/endpoint"
	"nat2d/probe"
)

// scriptedProber replays a fixed sequence of Results then blocks until
// Stop is called, letting tests drive the Runner through specific
// transitions deterministically.
type scriptedProber struct {
	script []probe.Result
	stopCh chan struct{}
	stops  *int
}

func (p *scriptedProber) Run(ctx context.Context) <-chan probe.Result {
	out := make(chan probe.Result, len(p.script))
	for _, r := range p.script {
		out <- r
	}
	go func() {
		select {
		case <-p.stopCh:
		case <-ctx.Done():
		}
		close(out)
	}()
	return out
}

func (p *scriptedProber) Stop(ctx context.Context) error {
	*p.stops++
	close(p.stopCh)
	return nil
}

func newScripted(script ...probe.Result) *scriptedProber {
	n := 0
	return &scriptedProber{script: script, stopCh: make(chan struct{}), stops: &n}
}

func TestRunnerStableEndpointEmitsOneEvent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := dispatch.New()
	go d.Run(ctx)

	sub, err := d.Subscribe(ctx, "m1", "w1", config.WatcherBinding{Name: "w1"})
	require.NoError(t, err)

	ep := endpoint.Public{IP: "203.0.113.7", Port: 6001}
	p := newScripted(probe.Result{Endpoint: ep})

	r := NewRunner("m1", func() probe.Prober { return p }, d)
	go r.Run(ctx)

	ev, err := sub.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), ev.Generation)
	require.Equal(t, ep, *ev.Endpoint)
}

func TestRunnerEndpointChangeBumpsGeneration(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := dispatch.New()
	go d.Run(ctx)

	sub, err := d.Subscribe(ctx, "m1", "w1", config.WatcherBinding{Name: "w1"})
	require.NoError(t, err)

	ep1 := endpoint.Public{IP: "203.0.113.7", Port: 6001}
	ep2 := endpoint.Public{IP: "203.0.113.7", Port: 6002}
	p := newScripted(probe.Result{Endpoint: ep1}, probe.Result{Endpoint: ep2})

	r := NewRunner("m1", func() probe.Prober { return p }, d)
	go r.Run(ctx)

	ev1, err := sub.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), ev1.Generation)

	var ev2 dispatch.EndpointEvent
	require.Eventually(t, func() bool {
		ev2, err = sub.Next(ctx)
		return err == nil && ev2.Generation == 2
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, ep2, *ev2.Endpoint)
}

func TestRunnerShutdownEmitsTerminalEvent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := dispatch.New()
	go d.Run(ctx)

	sub, err := d.Subscribe(ctx, "m1", "w1", config.WatcherBinding{Name: "w1"})
	require.NoError(t, err)

	ep := endpoint.Public{IP: "203.0.113.7", Port: 6001}
	p := newScripted(probe.Result{Endpoint: ep})

	runCtx, runCancel := context.WithCancel(context.Background())
	r := NewRunner("m1", func() probe.Prober { return p }, d)
	go r.Run(runCtx)

	_, err = sub.Next(ctx)
	require.NoError(t, err)

	runCancel()

	var ev dispatch.EndpointEvent
	require.Eventually(t, func() bool {
		ev, err = sub.Next(ctx)
		return err == nil && ev.Endpoint == nil
	}, time.Second, 10*time.Millisecond)
	require.Nil(t, ev.Endpoint)
}

func TestRunnerLossThresholdTransitionsToReacquiring(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := dispatch.New()
	go d.Run(ctx)

	sub, err := d.Subscribe(ctx, "m1", "w1", config.WatcherBinding{Name: "w1"})
	require.NoError(t, err)

	ep := endpoint.Public{IP: "203.0.113.7", Port: 6001}
	activeProber := newScripted(
		probe.Result{Endpoint: ep},
		probe.Result{Err: errFailure},
		probe.Result{Err: errFailure},
		probe.Result{Err: errFailure},
	)
	reacquireProber := newScripted(probe.Result{Endpoint: ep})

	calls := 0
	r := NewRunner("m1", func() probe.Prober {
		calls++
		if calls == 1 {
			return activeProber
		}
		return reacquireProber
	}, d)
	go r.Run(ctx)

	_, err = sub.Next(ctx)
	require.NoError(t, err)

	var ev dispatch.EndpointEvent
	require.Eventually(t, func() bool {
		ev, err = sub.Next(ctx)
		return err == nil && ev.Generation == 2
	}, 3*time.Second, 10*time.Millisecond)
	require.NotNil(t, ev.Endpoint)
}

// TestRunnerStopReturnsWhenDispatcherAlreadyExited covers the shutdown
// interleaving where the Dispatcher's Run goroutine observes ctx.Done()
// and returns before a Runner reaches stop(): nothing is left reading
// the publish channel, so stop() must still return instead of blocking
// forever on the terminal Publish call.
func TestRunnerStopReturnsWhenDispatcherAlreadyExited(t *testing.T) {
	dispatchCtx, dispatchCancel := context.WithCancel(context.Background())
	d := dispatch.New()
	go d.Run(dispatchCtx)
	dispatchCancel()
	time.Sleep(50 * time.Millisecond) // let Run actually observe cancellation and return

	p := newScripted()
	r := NewRunner("m1", func() probe.Prober { return p }, d)

	done := make(chan struct{})
	go func() {
		r.stop(context.Background(), p)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("stop blocked forever on a Dispatcher that had already exited")
	}
}

var errFailure = &staticError{"probe failed"}

type staticError struct{ msg string }

func (e *staticError) Error() string { return e.msg }
