package watcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"nat2d/config"
	"nat2d/dispatch"
	"nat2d/endpoint"
)

func TestAliDNSApplyCreatesRecordWhenNoneExists(t *testing.T) {
	var gotActions []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		action := r.Header.Get("x-acs-action")
		gotActions = append(gotActions, action)
		switch action {
		case "DescribeSubDomainRecords":
			w.Write([]byte(`{"RequestId":"1"}`))
		case "AddDomainRecord":
			w.Write([]byte(`{"RequestId":"2","RecordId":"abc123"}`))
		}
	}))
	defer srv.Close()

	a, err := NewAliDNS(config.AliDNSCreds{URL: srv.URL, SecretID: "id", SecretKey: "key"})
	require.NoError(t, err)
	a.client = srv.Client()

	ep := endpoint.Public{IP: "203.0.113.7", Port: 6001}
	ev := dispatch.EndpointEvent{
		Binding:  config.WatcherBinding{Name: "w1", Domain: "sub.example.com", RecordType: "A", Value: "{ip}"},
		Endpoint: &ep,
	}

	next, err := a.Apply(context.Background(), ev, nil)
	require.NoError(t, err)
	require.Equal(t, "abc123", next.RecordID)
	require.Contains(t, gotActions, "DescribeSubDomainRecords")
	require.Contains(t, gotActions, "AddDomainRecord")
}

func TestAliDNSApplyTerminalEventDeletesAutoCreatedRecord(t *testing.T) {
	var gotActions []string
	var gotRecordID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		action := r.Header.Get("x-acs-action")
		gotActions = append(gotActions, action)
		gotRecordID = r.URL.Query().Get("RecordId")
		w.Write([]byte(`{"RequestId":"1"}`))
	}))
	defer srv.Close()

	a, err := NewAliDNS(config.AliDNSCreds{URL: srv.URL, SecretID: "id", SecretKey: "key"})
	require.NoError(t, err)
	a.client = srv.Client()

	ev := dispatch.EndpointEvent{Binding: config.WatcherBinding{Name: "w1", Domain: "sub.example.com", RecordType: "A"}}
	next, err := a.Apply(context.Background(), ev, &ReconciledState{RecordID: "x"})
	require.NoError(t, err)
	require.Empty(t, next.RecordID)
	require.Contains(t, gotActions, "DeleteDomainRecord")
	require.Equal(t, "x", gotRecordID)
}

func TestAliDNSApplyTerminalEventLeavesUserSuppliedRecordAlone(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.Write([]byte(`{"RequestId":"1"}`))
	}))
	defer srv.Close()

	a, err := NewAliDNS(config.AliDNSCreds{URL: srv.URL, SecretID: "id", SecretKey: "key"})
	require.NoError(t, err)
	a.client = srv.Client()

	ev := dispatch.EndpointEvent{Binding: config.WatcherBinding{Name: "w1", Domain: "sub.example.com", RecordType: "A", RecordID: "user-supplied"}}
	next, err := a.Apply(context.Background(), ev, &ReconciledState{RecordID: "user-supplied"})
	require.NoError(t, err)
	require.Empty(t, next.RecordID)
	require.False(t, called)
}

func TestAliDNSSignIsDeterministicForSameInput(t *testing.T) {
	a, err := NewAliDNS(config.AliDNSCreds{SecretID: "id", SecretKey: "key"})
	require.NoError(t, err)

	headers := map[string]string{
		"x-acs-action":          "AddDomainRecord",
		"x-acs-content-sha256": sha256Hex(nil),
	}
	u, err := url.Parse("https://dns.aliyuncs.com/?B=2&A=1")
	require.NoError(t, err)
	sig1 := a.sign(u, headers)
	sig2 := a.sign(u, headers)
	require.Equal(t, sig1, sig2)
	require.Contains(t, sig1, "ACS3-HMAC-SHA256 Credential=id")
}
