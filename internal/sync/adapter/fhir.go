package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ehrsync/ehrsync/internal/platform/secrets"
	"github.com/ehrsync/ehrsync/internal/sync/provider"
)

const fhirMediaType = "application/fhir+json"

// FHIRAdapter talks FHIR R4 over HTTP to one vendor connection, shaped by
// the vendor's Profile. All seven supported vendors share this
// implementation.
type FHIRAdapter struct {
	profile Profile
	conn    *provider.Connection
	tokens  *tokenSource
	limit   *limiter
	client  *http.Client
	baseURL string
}

// NewFHIRAdapter builds an adapter for conn using decrypted credentials.
func NewFHIRAdapter(conn *provider.Connection, creds secrets.Credentials, client *http.Client) (*FHIRAdapter, error) {
	p, ok := ProfileFor(conn.Provider)
	if !ok {
		return nil, fmt.Errorf("no profile for provider %q", conn.Provider)
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	rps := conn.RateLimitRPS
	if rps <= 0 {
		rps = 5
	}
	burst := conn.RateLimitBurst
	if burst <= 0 {
		burst = 10
	}
	return &FHIRAdapter{
		profile: p,
		conn:    conn,
		tokens:  newTokenSource(p.Auth, p.Provider, creds, client, p.Scope),
		limit:   newLimiter(rps, burst),
		client:  client,
		baseURL: strings.TrimRight(conn.BaseURL, "/"),
	}, nil
}

func (a *FHIRAdapter) Provider() provider.Type    { return a.profile.Provider }
func (a *FHIRAdapter) Capabilities() Capabilities { return a.profile.Capabilities }

func (a *FHIRAdapter) Fetch(ctx context.Context, req FetchRequest) (*Page, error) {
	if !a.profile.Capabilities.SupportsResource(req.ResourceType) {
		return nil, &Error{
			Kind: KindUnsupportedResource, Provider: a.profile.Provider, Op: "fetch",
			Message: fmt.Sprintf("resource type %q not supported", req.ResourceType),
		}
	}

	if req.VendorID != "" {
		body, err := a.do(ctx, http.MethodGet,
			fmt.Sprintf("%s/%s/%s", a.baseURL, req.ResourceType, req.VendorID), nil, "fetch")
		if err != nil {
			return nil, err
		}
		var res map[string]any
		if err := json.Unmarshal(body, &res); err != nil {
			return nil, &Error{Kind: KindTransient, Provider: a.profile.Provider, Op: "fetch", Message: "decode resource", Err: err}
		}
		return &Page{Resources: []map[string]any{res}}, nil
	}

	target := req.Cursor
	if target == "" {
		size := req.PageSize
		if size <= 0 || size > a.profile.Capabilities.MaxPageSize {
			size = a.profile.Capabilities.MaxPageSize
		}
		q := url.Values{"_count": {strconv.Itoa(size)}}
		if !req.Since.IsZero() && a.profile.Capabilities.SupportsSince {
			q.Set(a.profile.SinceParam, "gt"+req.Since.UTC().Format(time.RFC3339))
		}
		target = fmt.Sprintf("%s/%s?%s", a.baseURL, req.ResourceType, q.Encode())
	}

	body, err := a.do(ctx, http.MethodGet, target, nil, "fetch")
	if err != nil {
		return nil, err
	}

	var bundle struct {
		Entry []struct {
			Resource map[string]any `json:"resource"`
		} `json:"entry"`
		Link []struct {
			Relation string `json:"relation"`
			URL      string `json:"url"`
		} `json:"link"`
	}
	if err := json.Unmarshal(body, &bundle); err != nil {
		return nil, &Error{Kind: KindTransient, Provider: a.profile.Provider, Op: "fetch", Message: "decode bundle", Err: err}
	}

	page := &Page{}
	for _, e := range bundle.Entry {
		if e.Resource != nil {
			page.Resources = append(page.Resources, e.Resource)
		}
	}
	for _, l := range bundle.Link {
		if l.Relation == "next" {
			page.NextCursor = l.URL
		}
	}
	return page, nil
}

func (a *FHIRAdapter) Push(ctx context.Context, resourceType string, payload map[string]any) (*PushResult, error) {
	if !a.profile.Capabilities.SupportsPush {
		return nil, &Error{
			Kind: KindUnsupportedResource, Provider: a.profile.Provider, Op: "push",
			Message: "connection does not support push",
		}
	}
	if !a.profile.Capabilities.SupportsResource(resourceType) {
		return nil, &Error{
			Kind: KindUnsupportedResource, Provider: a.profile.Provider, Op: "push",
			Message: fmt.Sprintf("resource type %q not supported", resourceType),
		}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, &Error{Kind: KindVendorValidation, Provider: a.profile.Provider, Op: "push", Message: "encode payload", Err: err}
	}

	// Existing vendor id means update, otherwise create.
	method := http.MethodPost
	target := a.baseURL + "/" + resourceType
	if id, _ := payload["id"].(string); id != "" {
		method = http.MethodPut
		target = target + "/" + id
	}

	body, err := a.do(ctx, method, target, raw, "push")
	if err != nil {
		return nil, err
	}

	var res struct {
		ID   string `json:"id"`
		Meta struct {
			VersionID string `json:"versionId"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, &Error{Kind: KindTransient, Provider: a.profile.Provider, Op: "push", Message: "decode push response", Err: err}
	}
	return &PushResult{VendorID: res.ID, VendorVersion: res.Meta.VersionID}, nil
}

func (a *FHIRAdapter) HealthCheck(ctx context.Context) error {
	_, err := a.do(ctx, http.MethodGet, a.baseURL+"/metadata", nil, "health")
	return err
}

// do runs one authenticated, rate-limited request and classifies failures.
// A single re-auth is attempted on 401 in case a cached token just expired.
func (a *FHIRAdapter) do(ctx context.Context, method, target string, payload []byte, op string) ([]byte, error) {
	if err := a.limit.wait(ctx); err != nil {
		return nil, &Error{Kind: KindTransient, Provider: a.profile.Provider, Op: op, Message: "rate limit wait interrupted", Err: err}
	}

	body, status, retryAfter, err := a.roundTrip(ctx, method, target, payload)
	if err != nil {
		return nil, a.transportError(op, err)
	}
	if status == http.StatusUnauthorized {
		a.tokens.invalidate()
		body, status, retryAfter, err = a.roundTrip(ctx, method, target, payload)
		if err != nil {
			return nil, a.transportError(op, err)
		}
	}

	switch {
	case status >= 200 && status < 300:
		return body, nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return nil, &Error{
			Kind: KindAuth, Provider: a.profile.Provider, Op: op,
			StatusCode: status, Message: "vendor rejected credentials",
		}
	case status == http.StatusTooManyRequests:
		return nil, &Error{
			Kind: KindRateLimited, Provider: a.profile.Provider, Op: op,
			StatusCode: status, Message: "vendor throttled request",
			RetryAfter: retryAfter,
		}
	case status == http.StatusNotFound:
		return nil, &Error{
			Kind: KindUnsupportedResource, Provider: a.profile.Provider, Op: op,
			StatusCode: status, Message: "vendor endpoint not found",
		}
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return nil, &Error{
			Kind: KindVendorValidation, Provider: a.profile.Provider, Op: op,
			StatusCode: status, Message: vendorDetail(body),
		}
	default:
		return nil, &Error{
			Kind: KindTransient, Provider: a.profile.Provider, Op: op,
			StatusCode: status, Message: "unexpected vendor response",
		}
	}
}

// transportError wraps a roundTrip failure as transient unless the cause was
// already classified. Token-endpoint rejections arrive here as KindAuth and
// must keep that kind so the job fails fatally instead of retrying.
func (a *FHIRAdapter) transportError(op string, err error) error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return &Error{Kind: KindTransient, Provider: a.profile.Provider, Op: op, Message: "request failed", Err: err}
}

func (a *FHIRAdapter) roundTrip(ctx context.Context, method, target string, payload []byte) ([]byte, int, time.Duration, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return nil, 0, 0, err
	}
	req.Header.Set("Accept", fhirMediaType)
	if payload != nil {
		req.Header.Set("Content-Type", fhirMediaType)
	}

	auth, err := a.tokens.header(ctx)
	if err != nil {
		return nil, 0, 0, err
	}
	req.Header.Set("Authorization", auth)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, 0, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, 0, 0, err
	}
	return body, resp.StatusCode, parseRetryAfter(resp.Header.Get("Retry-After")), nil
}

// parseRetryAfter handles the delta-seconds form; HTTP-date is rare from
// FHIR servers and falls back to zero (caller uses default backoff).
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// vendorDetail pulls the first OperationOutcome issue text out of an error
// body so operators see the vendor's own words.
func vendorDetail(body []byte) string {
	var outcome struct {
		Issue []struct {
			Diagnostics string `json:"diagnostics"`
			Details     struct {
				Text string `json:"text"`
			} `json:"details"`
		} `json:"issue"`
	}
	if err := json.Unmarshal(body, &outcome); err == nil && len(outcome.Issue) > 0 {
		if d := outcome.Issue[0].Diagnostics; d != "" {
			return d
		}
		if t := outcome.Issue[0].Details.Text; t != "" {
			return t
		}
	}
	return "vendor rejected payload"
}
