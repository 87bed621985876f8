package watcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nat2d/config"
	"nat2d/dispatch"
)

// cloudflareBaseURL is a var, not a const, so tests can point it at a
// local server; production code never reassigns it.
var cloudflareBaseURL = "https://api.cloudflare.com/client/v4/zones"

// cloudflareRecordTypes mirrors the allowlist enforced at config-validate
// time in config/validate.go; kept here too so Apply never depends on
// validation having run against the exact binding it's handed.
var cloudflareRecordTypes = map[string]bool{
	"A": true, "AAAA": true, "CNAME": true, "HTTPS": true,
	"MX": true, "SRV": true, "SVCB": true, "TXT": true, "URI": true,
}

// Cloudflare applies endpoint changes as DNS record create/update calls
// against the Cloudflare API, authenticated with a bearer API token.
type Cloudflare struct {
	token  string
	client *http.Client
}

// NewCloudflare builds a Cloudflare applier from its configured token.
func NewCloudflare(creds config.CloudflareCreds) *Cloudflare {
	return &Cloudflare{token: creds.Token, client: &http.Client{Timeout: 10 * time.Second}}
}

func (c *Cloudflare) Kind() string { return "cf" }

type cfError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

type cfEnvelope[T any] struct {
	Errors  []cfError `json:"errors"`
	Success bool      `json:"success"`
	Result  T         `json:"result"`
}

func (e cfEnvelope[T]) ok() error {
	if e.Success {
		return nil
	}
	if len(e.Errors) > 0 {
		return fmt.Errorf("error %d: %s", e.Errors[0].Code, e.Errors[0].Message)
	}
	return fmt.Errorf("unknown error")
}

type cfID struct {
	ID string `json:"id"`
}

type cfRecordBase struct {
	Name     string  `json:"name"`
	Proxied  bool    `json:"proxied"`
	Type     string  `json:"type"`
	Priority *uint16 `json:"priority,omitempty"`
	TTL      *uint32 `json:"ttl,omitempty"`
}

type cfPlainRecord struct {
	cfRecordBase
	Content string `json:"content"`
}

type cfSVCBRecord struct {
	cfRecordBase
	Data cfSVCBData `json:"data"`
}

type cfSVCBData struct {
	Priority uint16 `json:"priority"`
	Target   string `json:"target"`
	Value    string `json:"value"`
}

type cfSRVRecord struct {
	cfRecordBase
	Data cfSRVData `json:"data"`
}

type cfSRVData struct {
	Port     uint16 `json:"port"`
	Priority uint16 `json:"priority"`
	Target   string `json:"target"`
	Weight   uint16 `json:"weight"`
}

type cfURIRecord struct {
	cfRecordBase
	Data cfURIData `json:"data"`
}

type cfURIData struct {
	Target string `json:"target"`
	Weight uint16 `json:"weight"`
}

func (c *Cloudflare) Apply(ctx context.Context, ev dispatch.EndpointEvent, state *ReconciledState) (*ReconciledState, error) {
	b := ev.Binding
	sub, domain, ok := config.SplitDomain(b.Domain)
	if !ok {
		return state, fmt.Errorf("invalid domain %q", b.Domain)
	}
	recordType := strings.ToUpper(b.RecordType)
	if !cloudflareRecordTypes[recordType] {
		return state, fmt.Errorf("unsupported record type %q", recordType)
	}

	if ev.Endpoint == nil {
		if state != nil && state.RecordID != "" && b.RecordID == "" {
			zoneID, err := c.lookupZoneID(ctx, domain)
			if err != nil {
				return state, err
			}
			if err := c.deleteRecord(ctx, zoneID, state.RecordID); err != nil {
				return state, err
			}
		}
		return &ReconciledState{}, nil
	}

	zoneID, err := c.lookupZoneID(ctx, domain)
	if err != nil {
		return state, err
	}

	value := Render(b.Value, *ev.Endpoint)

	recordID := b.RecordID
	autoCreated := false
	if recordID == "" && state != nil {
		recordID = state.RecordID
	}
	if recordID == "" {
		found, err := c.lookupRecordID(ctx, zoneID, b.Domain, recordType)
		if err != nil {
			return state, err
		}
		if found != "" {
			recordID = found
		} else {
			autoCreated = true
		}
	}

	proxied := false
	if b.Proxied != nil {
		proxied = *b.Proxied
	}
	base := cfRecordBase{Name: rrName(sub), Proxied: proxied, Type: recordType, Priority: b.Priority, TTL: b.TTL}

	payload, err := cloudflareRecordPayload(base, recordType, value)
	if err != nil {
		return state, err
	}

	var newID string
	if recordID == "" {
		newID, err = c.createRecord(ctx, zoneID, payload)
	} else {
		newID, err = c.updateRecord(ctx, zoneID, recordID, payload)
	}
	if err != nil {
		return state, err
	}

	next := &ReconciledState{Endpoint: ev.Endpoint, Value: value}
	if autoCreated {
		next.RecordID = newID
	} else if b.RecordID == "" && state != nil {
		next.RecordID = state.RecordID
	}
	return next, nil
}

func cloudflareRecordPayload(base cfRecordBase, recordType, value string) (any, error) {
	switch recordType {
	case "HTTPS", "SVCB":
		if base.Priority == nil {
			return nil, fmt.Errorf("cloudflare: priority is required for %s records", recordType)
		}
		target, pairs, ok := strings.Cut(strings.TrimSpace(value), " ")
		if !ok {
			return nil, fmt.Errorf("cloudflare: invalid value format (expected `target key-value-pairs`)")
		}
		return cfSVCBRecord{cfRecordBase: base, Data: cfSVCBData{Priority: *base.Priority, Target: target, Value: strings.TrimSpace(pairs)}}, nil
	case "SRV":
		fields := strings.Fields(value)
		if len(fields) != 4 {
			return nil, fmt.Errorf("cloudflare: invalid value format (expected `priority weight port target`)")
		}
		priority, err := strconv.ParseUint(fields[0], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("cloudflare: invalid priority: %w", err)
		}
		weight, err := strconv.ParseUint(fields[1], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("cloudflare: invalid weight: %w", err)
		}
		port, err := strconv.ParseUint(fields[2], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("cloudflare: invalid port: %w", err)
		}
		return cfSRVRecord{cfRecordBase: base, Data: cfSRVData{Port: uint16(port), Priority: uint16(priority), Target: fields[3], Weight: uint16(weight)}}, nil
	case "URI":
		if base.Priority == nil {
			return nil, fmt.Errorf("cloudflare: priority is required for URI records")
		}
		return cfURIRecord{cfRecordBase: base, Data: cfURIData{Target: value, Weight: 0}}, nil
	default:
		return cfPlainRecord{cfRecordBase: base, Content: value}, nil
	}
}

func (c *Cloudflare) lookupZoneID(ctx context.Context, domain string) (string, error) {
	var resp cfEnvelope[[]cfID]
	if err := c.get(ctx, cloudflareBaseURL+"?name="+domain, &resp); err != nil {
		return "", err
	}
	if len(resp.Result) == 0 {
		return "", fmt.Errorf("cloudflare: zone %q not found in account", domain)
	}
	return resp.Result[0].ID, nil
}

func (c *Cloudflare) lookupRecordID(ctx context.Context, zoneID, domain, recordType string) (string, error) {
	url := fmt.Sprintf("%s/%s/dns_records?name=%s&type=%s", cloudflareBaseURL, zoneID, domain, recordType)
	var resp cfEnvelope[[]cfID]
	if err := c.get(ctx, url, &resp); err != nil {
		return "", err
	}
	if len(resp.Result) == 0 {
		return "", nil
	}
	return resp.Result[0].ID, nil
}

func (c *Cloudflare) createRecord(ctx context.Context, zoneID string, record any) (string, error) {
	url := fmt.Sprintf("%s/%s/dns_records", cloudflareBaseURL, zoneID)
	var resp cfEnvelope[cfID]
	if err := c.send(ctx, http.MethodPost, url, record, &resp); err != nil {
		return "", err
	}
	return resp.Result.ID, nil
}

func (c *Cloudflare) updateRecord(ctx context.Context, zoneID, recordID string, record any) (string, error) {
	url := fmt.Sprintf("%s/%s/dns_records/%s", cloudflareBaseURL, zoneID, recordID)
	var resp cfEnvelope[cfID]
	if err := c.send(ctx, http.MethodPatch, url, record, &resp); err != nil {
		return "", err
	}
	return resp.Result.ID, nil
}

func (c *Cloudflare) deleteRecord(ctx context.Context, zoneID, recordID string) error {
	url := fmt.Sprintf("%s/%s/dns_records/%s", cloudflareBaseURL, zoneID, recordID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	var resp cfEnvelope[cfID]
	return c.do(req, &resp)
}

func (c *Cloudflare) get(ctx context.Context, url string, out interface{ ok() error }) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	return c.do(req, out)
}

func (c *Cloudflare) send(ctx context.Context, method, url string, body any, out interface{ ok() error }) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	return c.do(req, out)
}

func (c *Cloudflare) do(req *http.Request, out interface{ ok() error }) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return Retriable(fmt.Errorf("cloudflare: request failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Retriable(fmt.Errorf("cloudflare: read response: %w", err))
	}
	if resp.StatusCode >= 500 || resp.StatusCode == 429 {
		return Retriable(fmt.Errorf("cloudflare: http %d", resp.StatusCode))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("cloudflare: decode response: %w", err)
	}
	if err := out.ok(); err != nil {
		return fmt.Errorf("cloudflare: %w", err)
	}
	return nil
}
