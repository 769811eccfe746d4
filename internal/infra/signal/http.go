package signal

import (
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
)

// HTTPSource queries a JSON outage-report API:
//
//	GET {base}/v1/outages?provider={id}&zip={zip}
//
// 200 carries a Report, 204 and 404 mean no outage, 429 is honoured as a
// rate limit with Retry-After.
type HTTPSource struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
	now        func() time.Time
}

// NewHTTPSource creates an HTTP-based signal source.
func NewHTTPSource(name, baseURL, apiKey string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSource{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		now: time.Now,
	}
}

func (s *HTTPSource) Name() string { return s.name }

func (s *HTTPSource) Query(ctx context.Context, providerID, zip string) (*Report, error) {
	q := url.Values{}
	q.Set("provider", providerID)
	q.Set("zip", zip)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/v1/outages?"+q.Encode(), nil)
	if err != nil {
		return nil, s.fail(KindTransport, 0, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, s.fail(KindTimeout, 0, err)
		}
		return nil, s.fail(KindTransport, 0, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent, resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, s.fail(KindRateLimited, parseRetryAfter(resp.Header.Get("Retry-After"), s.now()), nil)
	case resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusUnauthorized:
		return nil, s.fail(KindBlocked, 0, fmt.Errorf("http %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, s.fail(KindUpstream, parseRetryAfter(resp.Header.Get("Retry-After"), s.now()),
			fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var report Report
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&report); err != nil {
		return nil, s.fail(KindBadResponse, 0, fmt.Errorf("parse response: %w", err))
	}
	if report.ReportCount <= 0 {
		return nil, nil
	}
	return report.normalize(providerID, zip, s.now()), nil
}

func (s *HTTPSource) fail(kind ErrorKind, retryAfter time.Duration, err error) error {
	return &Error{Source: s.name, Kind: kind, RetryAfter: retryAfter, Err: err}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
