package watcher

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nat2d/config"
	"nat2d/dispatch"
)

// HTTP applies endpoint changes by issuing a configured HTTP request,
// templating {ip}/{port} into the URL query string and body.
type HTTP struct {
	url     *url.URL
	method  string
	body    string
	headers map[string]string
	client  *http.Client
}

// NewHTTP builds an HTTP applier from its configured spec.
func NewHTTP(spec config.HTTPSpec) (*HTTP, error) {
	u, err := url.Parse(spec.URL)
	if err != nil {
		return nil, fmt.Errorf("http: invalid url %q: %w", spec.URL, err)
	}
	method := strings.ToUpper(spec.Method)
	if method == "" {
		method = http.MethodGet
	}
	return &HTTP{
		url:     u,
		method:  method,
		body:    spec.Body,
		headers: spec.Headers,
		client:  &http.Client{Timeout: 15 * time.Second},
	}, nil
}

func (h *HTTP) Kind() string { return "http" }

func (h *HTTP) Apply(ctx context.Context, ev dispatch.EndpointEvent, state *ReconciledState) (*ReconciledState, error) {
	if ev.Endpoint == nil {
		return &ReconciledState{}, nil
	}

	body := ev.Binding.Value
	if body == "" {
		body = h.body
	}
	renderedBody := Render(body, *ev.Endpoint)

	u := *h.url
	if u.RawQuery != "" {
		u.RawQuery = Render(u.RawQuery, *ev.Endpoint)
	}

	var reqBody *strings.Reader
	if renderedBody != "" {
		reqBody = strings.NewReader(renderedBody)
	}

	var req *http.Request
	var err error
	if reqBody != nil {
		req, err = http.NewRequestWithContext(ctx, h.method, u.String(), reqBody)
	} else {
		req, err = http.NewRequestWithContext(ctx, h.method, u.String(), nil)
	}
	if err != nil {
		return state, err
	}
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return state, Retriable(fmt.Errorf("http: request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == 429 {
		return state, Retriable(fmt.Errorf("http: %s %s: %d", h.method, u.String(), resp.StatusCode))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return state, fmt.Errorf("http: %s %s: %d", h.method, u.String(), resp.StatusCode)
	}

	return &ReconciledState{Endpoint: ev.Endpoint, Value: renderedBody}, nil
}
