package watcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"nat2d/config"
	"nat2d/dispatch"
	"nat2d/endpoint"
)

func overrideCloudflareBaseURL(url string) (restore func()) {
	prev := cloudflareBaseURL
	cloudflareBaseURL = url
	return func() { cloudflareBaseURL = prev }
}

func TestCloudflareApplyCreatesPlainRecord(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		switch {
		case strings.HasSuffix(r.URL.Path, "/zones"):
			w.Write([]byte(`{"errors":[],"success":true,"result":[{"id":"zone1"}]}`))
		case strings.HasSuffix(r.URL.Path, "/dns_records") && r.Method == http.MethodGet:
			w.Write([]byte(`{"errors":[],"success":true,"result":[]}`))
		case strings.HasSuffix(r.URL.Path, "/dns_records") && r.Method == http.MethodPost:
			w.Write([]byte(`{"errors":[],"success":true,"result":{"id":"rec1"}}`))
		}
	}))
	defer srv.Close()

	c := NewCloudflare(config.CloudflareCreds{Token: "tok"})
	c.client = srv.Client()
	origBase := overrideCloudflareBaseURL(srv.URL + "/client/v4/zones")
	defer origBase()

	ep := endpoint.Public{IP: "203.0.113.7", Port: 6001}
	ev := dispatch.EndpointEvent{
		Binding:  config.WatcherBinding{Name: "w1", Domain: "sub.example.com", RecordType: "A", Value: "{ip}"},
		Endpoint: &ep,
	}

	next, err := c.Apply(context.Background(), ev, nil)
	require.NoError(t, err)
	require.Equal(t, "rec1", next.RecordID)
	require.Equal(t, "Bearer tok", gotAuth)
}

func TestCloudflareRejectsUnsupportedRecordType(t *testing.T) {
	c := NewCloudflare(config.CloudflareCreds{Token: "tok"})
	ep := endpoint.Public{IP: "203.0.113.7", Port: 6001}
	ev := dispatch.EndpointEvent{
		Binding:  config.WatcherBinding{Name: "w1", Domain: "sub.example.com", RecordType: "NS", Value: "{ip}"},
		Endpoint: &ep,
	}
	_, err := c.Apply(context.Background(), ev, nil)
	require.ErrorContains(t, err, "unsupported record type")
}

func TestCloudflareSRVPayloadParsing(t *testing.T) {
	base := cfRecordBase{Name: "@", Type: "SRV"}
	payload, err := cloudflareRecordPayload(base, "SRV", "0 5 5060 www.example.com")
	require.NoError(t, err)
	srv, ok := payload.(cfSRVRecord)
	require.True(t, ok)
	require.Equal(t, uint16(5060), srv.Data.Port)
	require.Equal(t, "www.example.com", srv.Data.Target)
}

func TestCloudflareURIRequiresPriority(t *testing.T) {
	base := cfRecordBase{Name: "@", Type: "URI"}
	_, err := cloudflareRecordPayload(base, "URI", "https://example.com")
	require.ErrorContains(t, err, "priority is required")
}

func TestCloudflareApplyTerminalEventDeletesAutoCreatedRecord(t *testing.T) {
	var gotMethods []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethods = append(gotMethods, r.Method)
		switch {
		case strings.HasSuffix(r.URL.Path, "/zones"):
			w.Write([]byte(`{"errors":[],"success":true,"result":[{"id":"zone1"}]}`))
		case strings.HasSuffix(r.URL.Path, "/rec1") && r.Method == http.MethodDelete:
			w.Write([]byte(`{"errors":[],"success":true,"result":{"id":"rec1"}}`))
		}
	}))
	defer srv.Close()

	c := NewCloudflare(config.CloudflareCreds{Token: "tok"})
	c.client = srv.Client()
	restore := overrideCloudflareBaseURL(srv.URL + "/client/v4/zones")
	defer restore()

	ev := dispatch.EndpointEvent{Binding: config.WatcherBinding{Name: "w1", Domain: "sub.example.com", RecordType: "A"}}
	next, err := c.Apply(context.Background(), ev, &ReconciledState{RecordID: "rec1"})
	require.NoError(t, err)
	require.Empty(t, next.RecordID)
	require.Contains(t, gotMethods, http.MethodDelete)
}

func TestCloudflareApplyTerminalEventLeavesUserSuppliedRecordAlone(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.Write([]byte(`{"errors":[],"success":true,"result":[{"id":"zone1"}]}`))
	}))
	defer srv.Close()

	c := NewCloudflare(config.CloudflareCreds{Token: "tok"})
	c.client = srv.Client()
	restore := overrideCloudflareBaseURL(srv.URL + "/client/v4/zones")
	defer restore()

	ev := dispatch.EndpointEvent{Binding: config.WatcherBinding{Name: "w1", Domain: "sub.example.com", RecordType: "A", RecordID: "user-supplied"}}
	next, err := c.Apply(context.Background(), ev, &ReconciledState{RecordID: "user-supplied"})
	require.NoError(t, err)
	require.Empty(t, next.RecordID)
	require.False(t, called)
}
