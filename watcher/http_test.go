package watcher

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"nat2d/config"
	"nat2d/dispatch"
	"nat2d/endpoint"
)

func TestHTTPApplyRendersURLAndBody(t *testing.T) {
	var gotQuery, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h, err := NewHTTP(config.HTTPSpec{URL: srv.URL + "/hook?addr={ip}:{port}", Method: "POST", Body: "ip={ip}"})
	require.NoError(t, err)

	ep := endpoint.Public{IP: "203.0.113.7", Port: 6001}
	ev := dispatch.EndpointEvent{Binding: config.WatcherBinding{Name: "w1"}, Endpoint: &ep}

	next, err := h.Apply(context.Background(), ev, nil)
	require.NoError(t, err)
	require.Equal(t, "addr=203.0.113.7:6001", gotQuery)
	require.Equal(t, "ip=203.0.113.7", gotBody)
	require.Equal(t, "ip=203.0.113.7", next.Value)
}

func TestHTTPApplyBindingValueOverridesBody(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h, err := NewHTTP(config.HTTPSpec{URL: srv.URL, Method: "POST", Body: "default"})
	require.NoError(t, err)

	ep := endpoint.Public{IP: "203.0.113.7", Port: 6001}
	ev := dispatch.EndpointEvent{Binding: config.WatcherBinding{Name: "w1", Value: "override {ip}"}, Endpoint: &ep}

	_, err = h.Apply(context.Background(), ev, nil)
	require.NoError(t, err)
	require.Equal(t, "override 203.0.113.7", gotBody)
}

func TestHTTPApplyNonRetriableOn4xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	h, err := NewHTTP(config.HTTPSpec{URL: srv.URL, Method: "GET"})
	require.NoError(t, err)

	ep := endpoint.Public{IP: "203.0.113.7", Port: 6001}
	ev := dispatch.EndpointEvent{Binding: config.WatcherBinding{Name: "w1"}, Endpoint: &ep}

	_, err = h.Apply(context.Background(), ev, nil)
	require.Error(t, err)
	require.False(t, isRetriable(err))
}

func TestHTTPApplyRetriableOn5xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	h, err := NewHTTP(config.HTTPSpec{URL: srv.URL, Method: "GET"})
	require.NoError(t, err)

	ep := endpoint.Public{IP: "203.0.113.7", Port: 6001}
	ev := dispatch.EndpointEvent{Binding: config.WatcherBinding{Name: "w1"}, Endpoint: &ep}

	_, err = h.Apply(context.Background(), ev, nil)
	require.Error(t, err)
	require.True(t, isRetriable(err))
}

func TestHTTPApplyTerminalEventReturnsEmptyState(t *testing.T) {
	h, err := NewHTTP(config.HTTPSpec{URL: "http://example.invalid", Method: "GET"})
	require.NoError(t, err)

	next, err := h.Apply(context.Background(), dispatch.EndpointEvent{Binding: config.WatcherBinding{Name: "w1"}}, &ReconciledState{Value: "x"})
	require.NoError(t, err)
	require.Empty(t, next.Value)
}
