package routers

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nat2d/config"
	"nat2d/supervisor"
)

func testSupervisor(t *testing.T) *supervisor.Supervisor {
	cfg := &config.Config{
		Map: map[string][]config.WatcherBinding{
			"tcp://127.0.0.1:8080": {{Name: "hook", Value: "{ip}:{port}"}},
		},
		HTTP: map[string]config.HTTPSpec{
			"hook": {URL: "http://127.0.0.1:9/hook", Method: "POST"},
		},
	}
	sup, err := supervisor.New(cfg)
	require.NoError(t, err)
	return sup
}

func TestRunServesStatusAndShutsDownOnCancel(t *testing.T) {
	sup := testSupervisor(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, "127.0.0.1:19981", sup)
	}()

	var resp *http.Response
	require.Eventually(t, func() bool {
		var err error
		resp, err = http.Get("http://127.0.0.1:19981/api/status")
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after ctx cancellation")
	}
}
