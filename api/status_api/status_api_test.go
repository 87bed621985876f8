package status_api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
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

func TestGetStatusReturnsOneEntryPerMapping(t *testing.T) {
	gin.SetMode(gin.TestMode)
	sup := testSupervisor(t)
	app := New(sup)

	r := gin.New()
	r.GET("/status", app.GetStatus)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"mapping_id":"tcp://127.0.0.1:8080"`)
	require.Contains(t, w.Body.String(), `"state":"INIT"`)
}

func TestGetWatchersReturnsOneEntryPerBinding(t *testing.T) {
	gin.SetMode(gin.TestMode)
	sup := testSupervisor(t)
	app := New(sup)

	r := gin.New()
	r.GET("/watchers", app.GetWatchers)

	req := httptest.NewRequest(http.MethodGet, "/watchers", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"watcher_name":"hook"`)
	require.Contains(t, w.Body.String(), `"kind":"http"`)
}
