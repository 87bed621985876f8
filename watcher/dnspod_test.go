package watcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nat2d/config"
	"nat2d/dispatch"
	"nat2d/endpoint"
)

func fixedTime() time.Time {
	return time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)
}

func TestDNSPodHeadersAreSigned(t *testing.T) {
	d := NewDNSPod(config.DNSPodCreds{SecretID: "id", SecretKey: "key"})
	headers := d.headers("DescribeRecordList", []byte(`{"Domain":"example.com"}`), fixedTime())
	require.Contains(t, headers["Authorization"], "TC3-HMAC-SHA256 Credential=id/")
	require.Equal(t, "DescribeRecordList", headers["X-TC-Action"])
}

func TestDNSPodApplyCreatesRecordWhenNoneExists(t *testing.T) {
	var gotActions []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		action := r.Header.Get("X-TC-Action")
		gotActions = append(gotActions, action)
		switch action {
		case "DescribeRecordList":
			w.Write([]byte(`{"Response":{"RequestId":"1","Error":{"Code":"ResourceNotFound.NoDataOfRecord","Message":"none"}}}`))
		case "CreateRecord":
			w.Write([]byte(`{"Response":{"RequestId":"2","RecordId":42}}`))
		}
	}))
	defer srv.Close()

	d := NewDNSPod(config.DNSPodCreds{SecretID: "id", SecretKey: "key"})
	d.client = srv.Client()
	d.testHost = srv.URL

	ep := endpoint.Public{IP: "203.0.113.7", Port: 6001}
	ev := dispatch.EndpointEvent{
		Binding:  config.WatcherBinding{Name: "w1", Domain: "sub.example.com", RecordType: "A", Value: "{ip}"},
		Endpoint: &ep,
	}

	next, err := d.Apply(context.Background(), ev, nil)
	require.NoError(t, err)
	require.Equal(t, "42", next.RecordID)
	require.Equal(t, "203.0.113.7", next.Value)
	require.Contains(t, gotActions, "DescribeRecordList")
	require.Contains(t, gotActions, "CreateRecord")
}

func TestDNSPodApplyUpdatesExistingRecordID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		require.Equal(t, float64(99), body["RecordId"])
		w.Write([]byte(`{"Response":{"RequestId":"1","RecordId":99}}`))
	}))
	defer srv.Close()

	d := NewDNSPod(config.DNSPodCreds{SecretID: "id", SecretKey: "key"})
	d.client = srv.Client()
	d.testHost = srv.URL

	ep := endpoint.Public{IP: "203.0.113.7", Port: 6001}
	ev := dispatch.EndpointEvent{
		Binding:  config.WatcherBinding{Name: "w1", Domain: "sub.example.com", RecordType: "A", Value: "{ip}", RecordID: "99"},
		Endpoint: &ep,
	}

	next, err := d.Apply(context.Background(), ev, nil)
	require.NoError(t, err)
	require.Empty(t, next.RecordID)
}
