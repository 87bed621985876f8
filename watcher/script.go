package watcher

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"nat2d/config"
	"nat2d/dispatch"
)

// Script applies endpoint changes by running a configured local
// executable, appending the rendered binding value as its final argument
// when one is set.
type Script struct {
	path string
	args []string
}

// NewScript builds a Script applier from its configured spec.
func NewScript(spec config.ScriptSpec) *Script {
	return &Script{path: spec.Path, args: spec.Args}
}

func (s *Script) Kind() string { return "script" }

func (s *Script) Apply(ctx context.Context, ev dispatch.EndpointEvent, state *ReconciledState) (*ReconciledState, error) {
	if ev.Endpoint == nil {
		return &ReconciledState{}, nil
	}

	args := append([]string{}, s.args...)
	value := ""
	if ev.Binding.Value != "" {
		value = Render(ev.Binding.Value, *ev.Endpoint)
		args = append(args, value)
	}

	runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(runCtx, s.path, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if runCtx.Err() != nil {
			return state, Retriable(fmt.Errorf("script: %s timed out: %w", s.path, err))
		}
		if len(output) > 0 {
			return state, fmt.Errorf("script: %s: %s", s.path, output)
		}
		return state, fmt.Errorf("script: %s: %w", s.path, err)
	}

	return &ReconciledState{Endpoint: ev.Endpoint, Value: value}, nil
}
