package watcher

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"nat2d/config"
	"nat2d/dispatch"
)

const dnspodHost = "dnspod.tencentcloudapi.com"

// DNSPod applies endpoint changes as record create/update/delete calls
// against the Tencent Cloud DNSPod API, signed with the TC3-HMAC-SHA256
// scheme.
type DNSPod struct {
	secretID  string
	secretKey string
	client    *http.Client
	// testHost overrides the request URL in tests; empty in production,
	// where requests always go to dnspodHost.
	testHost string
}

// NewDNSPod builds a DNSPod applier from its configured credentials.
func NewDNSPod(creds config.DNSPodCreds) *DNSPod {
	return &DNSPod{
		secretID:  creds.SecretID,
		secretKey: creds.SecretKey,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DNSPod) Kind() string { return "dnspod" }

type dnspodRecord struct {
	Domain     string `json:"Domain"`
	SubDomain  string `json:"SubDomain"`
	RecordType string `json:"RecordType"`
	Value      string `json:"Value"`
	RecordLine string `json:"RecordLine"`
	MX         *int   `json:"MX,omitempty"`
	TTL        *uint32 `json:"TTL,omitempty"`
}

type dnspodError struct {
	Code    string `json:"Code"`
	Message string `json:"Message"`
}

type dnspodBaseResponse struct {
	RequestID string       `json:"RequestId"`
	Error     *dnspodError `json:"Error,omitempty"`
}

type dnspodEnvelope[T any] struct {
	Response T `json:"Response"`
}

type dnspodRecordResponse struct {
	dnspodBaseResponse
	RecordID *uint64 `json:"RecordId,omitempty"`
}

type dnspodListResponse struct {
	dnspodBaseResponse
	RecordList []struct {
		RecordID uint64 `json:"RecordId"`
	} `json:"RecordList,omitempty"`
}

func (d *DNSPod) Apply(ctx context.Context, ev dispatch.EndpointEvent, state *ReconciledState) (*ReconciledState, error) {
	b := ev.Binding
	sub, domain, ok := config.SplitDomain(b.Domain)
	if !ok {
		return state, fmt.Errorf("invalid domain %q", b.Domain)
	}

	if ev.Endpoint == nil {
		if state != nil && state.RecordID != "" && b.RecordID == "" {
			if err := d.deleteRecord(ctx, state.RecordID); err != nil {
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
		found, err := d.lookupRecordID(ctx, domain, sub, b.RecordType)
		if err != nil {
			return state, err
		}
		if found != "" {
			recordID = found
		} else {
			autoCreated = true
		}
	}

	var mx *int
	if b.Priority != nil {
		v := int(*b.Priority)
		mx = &v
	}
	record := dnspodRecord{
		Domain:     domain,
		SubDomain:  sub,
		RecordType: b.RecordType,
		Value:      value,
		RecordLine: "默认",
		MX:         mx,
		TTL:        b.TTL,
	}

	var newID string
	var err error
	if recordID == "" {
		newID, err = d.createRecord(ctx, record)
	} else {
		newID, err = d.updateRecord(ctx, recordID, record)
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

func (d *DNSPod) lookupRecordID(ctx context.Context, domain, sub, recordType string) (string, error) {
	payload, _ := json.Marshal(map[string]string{"Domain": domain, "Subdomain": sub, "RecordType": recordType})
	var resp dnspodEnvelope[dnspodListResponse]
	if err := d.call(ctx, "DescribeRecordList", payload, &resp); err != nil {
		if resp.Response.Error != nil && resp.Response.Error.Code == "ResourceNotFound.NoDataOfRecord" {
			return "", nil
		}
		return "", err
	}
	if len(resp.Response.RecordList) == 0 {
		return "", nil
	}
	return strconv.FormatUint(resp.Response.RecordList[0].RecordID, 10), nil
}

func (d *DNSPod) createRecord(ctx context.Context, record dnspodRecord) (string, error) {
	payload, _ := json.Marshal(record)
	var resp dnspodEnvelope[dnspodRecordResponse]
	if err := d.call(ctx, "CreateRecord", payload, &resp); err != nil {
		return "", err
	}
	if resp.Response.RecordID == nil {
		return "", fmt.Errorf("dnspod: record id missing from create response")
	}
	return strconv.FormatUint(*resp.Response.RecordID, 10), nil
}

func (d *DNSPod) updateRecord(ctx context.Context, recordID string, record dnspodRecord) (string, error) {
	id, err := strconv.ParseUint(recordID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("dnspod: invalid record id %q: %w", recordID, err)
	}
	body := struct {
		RecordID uint64 `json:"RecordId"`
		dnspodRecord
	}{RecordID: id, dnspodRecord: record}
	payload, _ := json.Marshal(body)
	var resp dnspodEnvelope[dnspodRecordResponse]
	if err := d.call(ctx, "ModifyRecord", payload, &resp); err != nil {
		return "", err
	}
	if resp.Response.RecordID == nil {
		return "", fmt.Errorf("dnspod: record id missing from update response")
	}
	return strconv.FormatUint(*resp.Response.RecordID, 10), nil
}

func (d *DNSPod) deleteRecord(ctx context.Context, recordID string) error {
	id, err := strconv.ParseUint(recordID, 10, 64)
	if err != nil {
		return fmt.Errorf("dnspod: invalid record id %q: %w", recordID, err)
	}
	payload, _ := json.Marshal(map[string]uint64{"RecordId": id})
	var resp dnspodEnvelope[dnspodRecordResponse]
	return d.call(ctx, "DeleteRecord", payload, &resp)
}

func (d *DNSPod) call(ctx context.Context, action string, payload []byte, out any) error {
	url := "https://" + dnspodHost
	if d.testHost != "" {
		url = d.testHost
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for k, v := range d.headers(action, payload, now) {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return Retriable(fmt.Errorf("dnspod: request failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Retriable(fmt.Errorf("dnspod: read response: %w", err))
	}
	if resp.StatusCode >= 500 || resp.StatusCode == 429 {
		return Retriable(fmt.Errorf("dnspod: http %d", resp.StatusCode))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("dnspod: decode response: %w", err)
	}

	base, ok := extractBase(out)
	if ok && base.Error != nil {
		if base.Error.Code == "ResourceNotFound.NoDataOfRecord" {
			return fmt.Errorf("dnspod: %s: %s", base.Error.Code, base.Error.Message)
		}
		return fmt.Errorf("dnspod: %s: %s", base.Error.Code, base.Error.Message)
	}
	return nil
}

func extractBase(out any) (dnspodBaseResponse, bool) {
	switch v := out.(type) {
	case *dnspodEnvelope[dnspodListResponse]:
		return v.Response.dnspodBaseResponse, true
	case *dnspodEnvelope[dnspodRecordResponse]:
		return v.Response.dnspodBaseResponse, true
	default:
		return dnspodBaseResponse{}, false
	}
}

// headers builds the TC3-HMAC-SHA256 signed header set as described at
// https://cloud.tencent.com/document/api/1427/56189.
func (d *DNSPod) headers(action string, payload []byte, now time.Time) map[string]string {
	date := now.Format("2006-01-02")
	hashedPayload := sha256Hex(payload)

	canonicalRequest := fmt.Sprintf(
		"POST\n/\n\ncontent-type:application/json; charset=utf-8\nhost:%s\nx-tc-action:%s\n\ncontent-type;host;x-tc-action\n%s",
		dnspodHost, toLower(action), hashedPayload,
	)
	stringToSign := fmt.Sprintf(
		"TC3-HMAC-SHA256\n%d\n%s/dnspod/tc3_request\n%s",
		now.Unix(), date, sha256Hex([]byte(canonicalRequest)),
	)

	secretDate := hmacSHA256([]byte("TC3"+d.secretKey), date)
	secretService := hmacSHA256(secretDate, "dnspod")
	secretSigning := hmacSHA256(secretService, "tc3_request")
	signature := hex.EncodeToString(hmacSHA256(secretSigning, stringToSign))

	authorization := fmt.Sprintf(
		"TC3-HMAC-SHA256 Credential=%s/%s/dnspod/tc3_request, SignedHeaders=content-type;host;x-tc-action, Signature=%s",
		d.secretID, date, signature,
	)

	return map[string]string{
		"Content-Type":    "application/json; charset=utf-8",
		"X-TC-Version":    "2021-03-23",
		"X-TC-Action":     action,
		"X-TC-Timestamp":  strconv.FormatInt(now.Unix(), 10),
		"Authorization":   authorization,
	}
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
