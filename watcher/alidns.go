package watcher

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"nat2d/config"
	"nat2d/dispatch"
)

// AliDNS applies endpoint changes against Alibaba Cloud DNS, signed with
// the ACS3-HMAC-SHA256 scheme.
type AliDNS struct {
	url       string
	host      string
	secretID  string
	secretKey string
	client    *http.Client
}

// NewAliDNS builds an AliDNS applier from its configured credentials.
func NewAliDNS(creds config.AliDNSCreds) (*AliDNS, error) {
	endpoint := creds.URL
	if endpoint == "" {
		endpoint = "https://dns.aliyuncs.com"
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("alidns: invalid url %q: %w", endpoint, err)
	}
	return &AliDNS{
		url:       endpoint,
		host:      u.Host,
		secretID:  creds.SecretID,
		secretKey: creds.SecretKey,
		client:    &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (a *AliDNS) Kind() string { return "alidns" }

type aliBaseResponse struct {
	RequestID string `json:"RequestId"`
	Code      string `json:"Code,omitempty"`
	Message   string `json:"Message,omitempty"`
}

func (r aliBaseResponse) ok() error {
	if r.Code == "" {
		return nil
	}
	msg := r.Message
	if msg == "" {
		msg = "please refer to the API documentation"
	}
	return fmt.Errorf("%s: %s", r.Code, msg)
}

type aliRecord struct {
	DomainName string  `json:"DomainName,omitempty"`
	RR         string  `json:"RR,omitempty"`
	Type       string  `json:"Type"`
	Value      string  `json:"Value"`
	Priority   *uint16 `json:"Priority,omitempty"`
	TTL        *uint32 `json:"TTL,omitempty"`
}

type aliSubDomainRecordsResponse struct {
	aliBaseResponse
	DomainRecords *struct {
		Record []struct {
			RecordID string `json:"RecordId"`
		} `json:"Record"`
	} `json:"DomainRecords,omitempty"`
}

type aliRecordResponse struct {
	aliBaseResponse
	RecordID string `json:"RecordId,omitempty"`
}

func (a *AliDNS) Apply(ctx context.Context, ev dispatch.EndpointEvent, state *ReconciledState) (*ReconciledState, error) {
	b := ev.Binding
	sub, domain, ok := config.SplitDomain(b.Domain)
	if !ok {
		return state, fmt.Errorf("invalid domain %q", b.Domain)
	}

	if ev.Endpoint == nil {
		if state != nil && state.RecordID != "" && b.RecordID == "" {
			if err := a.deleteRecord(ctx, state.RecordID); err != nil {
				return state, err
			}
		}
		return &ReconciledState{}, nil
	}

	value := Render(b.Value, *ev.Endpoint)

	recordID := b.RecordID
	autoCreated := false
	if recordID == "" && state != nil {
		recordID = state.RecordID
	}
	if recordID == "" {
		found, err := a.lookupRecordID(ctx, b.Domain, b.RecordType)
		if err != nil {
			return state, err
		}
		if found != "" {
			recordID = found
		} else {
			autoCreated = true
		}
	}

	record := aliRecord{
		DomainName: domain,
		RR:         rrName(sub),
		Type:       b.RecordType,
		Value:      value,
		Priority:   b.Priority,
		TTL:        b.TTL,
	}

	var newID string
	var err error
	if recordID == "" {
		newID, err = a.createRecord(ctx, record)
	} else {
		newID, err = a.updateRecord(ctx, recordID, record)
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

func rrName(sub string) string {
	if sub == "" {
		return "@"
	}
	return sub
}

func (a *AliDNS) lookupRecordID(ctx context.Context, domain, recordType string) (string, error) {
	query := map[string]string{"SubDomain": domain, "Type": recordType}
	var resp aliSubDomainRecordsResponse
	if err := a.call(ctx, "DescribeSubDomainRecords", query, &resp); err != nil {
		return "", err
	}
	if resp.DomainRecords == nil || len(resp.DomainRecords.Record) == 0 {
		return "", nil
	}
	return resp.DomainRecords.Record[0].RecordID, nil
}

func (a *AliDNS) createRecord(ctx context.Context, record aliRecord) (string, error) {
	var resp aliRecordResponse
	if err := a.call(ctx, "AddDomainRecord", recordQuery(record, ""), &resp); err != nil {
		return "", err
	}
	if resp.RecordID == "" {
		return "", fmt.Errorf("alidns: record id not found in response")
	}
	return resp.RecordID, nil
}

func (a *AliDNS) updateRecord(ctx context.Context, recordID string, record aliRecord) (string, error) {
	var resp aliRecordResponse
	if err := a.call(ctx, "UpdateDomainRecord", recordQuery(record, recordID), &resp); err != nil {
		return "", err
	}
	if resp.RecordID == "" {
		return "", fmt.Errorf("alidns: record id not found in response")
	}
	return resp.RecordID, nil
}

func (a *AliDNS) deleteRecord(ctx context.Context, recordID string) error {
	var resp aliRecordResponse
	return a.call(ctx, "DeleteDomainRecord", map[string]string{"RecordId": recordID}, &resp)
}

func recordQuery(record aliRecord, recordID string) map[string]string {
	q := map[string]string{
		"DomainName": record.DomainName,
		"RR":         record.RR,
		"Type":       record.Type,
		"Value":      record.Value,
	}
	if record.Priority != nil {
		q["Priority"] = strconv.FormatUint(uint64(*record.Priority), 10)
	}
	if record.TTL != nil {
		q["TTL"] = strconv.FormatUint(uint64(*record.TTL), 10)
	}
	if recordID != "" {
		q["RecordId"] = recordID
	}
	return q
}

// call signs and issues one ACS3-HMAC-SHA256 request. See
// https://help.aliyun.com/zh/sdk/product-overview/v3-request-structure-and-signature.
func (a *AliDNS) call(ctx context.Context, action string, query map[string]string, out any) error {
	u, err := url.Parse(a.url)
	if err != nil {
		return err
	}
	q := u.Query()
	for k, v := range query {
		q.Set(k, v)
	}
	u.RawQuery = sortedEncode(q)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return err
	}

	hashedEmptyBody := sha256Hex(nil)
	nonce := make([]byte, 16)
	_, _ = rand.Read(nonce)

	acsHeaders := map[string]string{
		"x-acs-action":             action,
		"x-acs-version":            "2015-01-09",
		"x-acs-date":               time.Now().UTC().Format("2006-01-02T15:04:05Z"),
		"x-acs-content-sha256":     hashedEmptyBody,
		"x-acs-signature-nonce":    hex.EncodeToString(nonce),
	}
	for k, v := range acsHeaders {
		req.Header.Set(k, v)
	}
	req.Header.Set("Authorization", a.sign(u, acsHeaders))

	resp, err := a.client.Do(req)
	if err != nil {
		return Retriable(fmt.Errorf("alidns: request failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Retriable(fmt.Errorf("alidns: read response: %w", err))
	}
	if resp.StatusCode >= 500 || resp.StatusCode == 429 {
		return Retriable(fmt.Errorf("alidns: http %d", resp.StatusCode))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("alidns: decode response: %w", err)
	}
	base, ok := extractAliBase(out)
	if ok {
		if err := base.ok(); err != nil {
			return fmt.Errorf("alidns: %w", err)
		}
	}
	return nil
}

func extractAliBase(out any) (aliBaseResponse, bool) {
	switch v := out.(type) {
	case *aliSubDomainRecordsResponse:
		return v.aliBaseResponse, true
	case *aliRecordResponse:
		return v.aliBaseResponse, true
	default:
		return aliBaseResponse{}, false
	}
}

func (a *AliDNS) sign(u *url.URL, acsHeaders map[string]string) string {
	var names []string
	for k := range acsHeaders {
		names = append(names, k)
	}
	sort.Strings(names)

	var canonicalHeaders []string
	for _, name := range names {
		canonicalHeaders = append(canonicalHeaders, fmt.Sprintf("%s:%s", name, strings.TrimSpace(acsHeaders[name])))
	}
	signedHeaders := strings.Join(names, ";")

	canonicalRequest := fmt.Sprintf(
		"POST\n/\n%s\nhost:%s\n%s\n\nhost;%s\n%s",
		strings.ReplaceAll(u.RawQuery, "+", "%20"),
		a.host,
		strings.Join(canonicalHeaders, "\n"),
		signedHeaders,
		acsHeaders["x-acs-content-sha256"],
	)
	stringToSign := fmt.Sprintf("ACS3-HMAC-SHA256\n%s", sha256Hex([]byte(canonicalRequest)))

	mac := hmac.New(sha256.New, []byte(a.secretKey))
	mac.Write([]byte(stringToSign))
	signature := hex.EncodeToString(mac.Sum(nil))

	return fmt.Sprintf(
		"ACS3-HMAC-SHA256 Credential=%s, SignedHeaders=host;%s, Signature=%s",
		a.secretID, signedHeaders, signature,
	)
}

func sortedEncode(q url.Values) string {
	var keys []string
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		for j, v := range q[k] {
			if j > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}
