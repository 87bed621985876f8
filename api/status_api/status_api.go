// Package status_api implements the read-only introspection endpoints
// backing the debug status panel.
package status_api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"nat2d/supervisor"
)

// StatusApi serves the mapping and watcher snapshots held by a Supervisor.
// It never mutates engine state.
type StatusApi struct {
	sup *supervisor.Supervisor
}

// New builds a StatusApi backed by sup.
func New(sup *supervisor.Supervisor) StatusApi {
	return StatusApi{sup: sup}
}

type mappingStatus struct {
	MappingID  string `json:"mapping_id"`
	State      string `json:"state"`
	Endpoint   string `json:"endpoint,omitempty"`
	Generation uint64 `json:"generation"`
}

// GetStatus returns the current state, endpoint and generation of every
// configured mapping.
func (a StatusApi) GetStatus(c *gin.Context) {
	snapshots := a.sup.Snapshots()
	out := make([]mappingStatus, 0, len(snapshots))
	for _, s := range snapshots {
		ms := mappingStatus{MappingID: s.MappingID, State: string(s.State), Generation: s.Generation}
		if s.Endpoint != nil {
			ms.Endpoint = s.Endpoint.String()
		}
		out = append(out, ms)
	}
	c.JSON(http.StatusOK, gin.H{"mappings": out})
}

type watcherStatus struct {
	WatcherName string `json:"watcher_name"`
	Kind        string `json:"kind"`
	Binding     string `json:"binding"`
	Value       string `json:"value,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
}

// GetWatchers returns the reconciled (public_endpoint, rendered_value) pair
// for every (watcher_name, binding) the Supervisor is driving.
func (a StatusApi) GetWatchers(c *gin.Context) {
	snapshots := a.sup.WatcherSnapshots()
	out := make([]watcherStatus, 0, len(snapshots))
	for _, s := range snapshots {
		ws := watcherStatus{WatcherName: s.WatcherName, Kind: s.Kind, Binding: s.Binding.Name, Value: s.Value}
		if s.Endpoint != nil {
			ws.Endpoint = s.Endpoint.String()
		}
		out = append(out, ws)
	}
	c.JSON(http.StatusOK, gin.H{"watchers": out})
}
