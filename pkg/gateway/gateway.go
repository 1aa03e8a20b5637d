// Package gateway implements the single-token upstream API façade: cache
// lookup, budget check with burst-wait and cache-only degradation, an
// HTTP round trip against the upstream with a shared pooled transport,
// and request logging through the event log. It composes pkg/cache and
// pkg/ratebudget; callers never talk to either directly.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/relayguard/aegis/pkg/cache"
	"github.com/relayguard/aegis/pkg/eventlog"
	"github.com/relayguard/aegis/pkg/ratebudget"
)

// sharedTransport pools connections across every Gateway instance in a
// process; all upstream calls benefit from keep-alive reuse.
var sharedTransport = &http.Transport{
	DialContext: (&net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
	MaxIdleConns:        100,
	MaxIdleConnsPerHost: 10,
	IdleConnTimeout:     90 * time.Second,
}

// APIError is returned for non-2xx upstream responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream HTTP %d: %s", e.StatusCode, e.Body)
}

// RateLimitError is returned when the budget denies the request outright.
type RateLimitError struct {
	Reason string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate budget denied request: %s", e.Reason)
}

// TokenSource centralizes bearer-token access so token rotation has
// exactly one replacement site.
type TokenSource func() (string, error)

// EscapeEntityID percent-encodes an upstream entity identifier for use
// as a single path segment. Identifiers may contain "/" or ":" (threat
// actor aliases, CVE ids); both must be escaped or the path splits.
// url.PathEscape leaves ":" intact, so it is handled here.
func EscapeEntityID(id string) string {
	return strings.ReplaceAll(url.PathEscape(id), ":", "%3A")
}

// Request describes one Gateway call.
type Request struct {
	Method      string
	Path        string
	Consumer    string
	Category    string
	Body        []byte
	ForceRefresh bool
}

// Response is the Gateway's opaque-to-the-core result.
type Response struct {
	StatusCode int
	Body       []byte
	CacheHit   bool
}

// Gateway composes the cache, budget manager, and HTTP client.
type Gateway struct {
	BaseURL string
	Cache   *cache.Cache
	Budget  *ratebudget.Manager
	Token   TokenSource
	Events  *eventlog.Sink

	client *http.Client
}

// New builds a Gateway with a 30-second HTTP timeout against the shared
// pooled transport.
func New(baseURL string, c *cache.Cache, budget *ratebudget.Manager, token TokenSource, events *eventlog.Sink) *Gateway {
	return &Gateway{
		BaseURL: baseURL,
		Cache:   c,
		Budget:  budget,
		Token:   token,
		Events:  events,
		client:  &http.Client{Timeout: 30 * time.Second, Transport: sharedTransport},
	}
}

// Do executes the request through the full cache, budget, burst-wait,
// HTTP sequence.
func (g *Gateway) Do(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	resp, cacheHit, err := g.do(ctx, req)
	g.logOutcome(req, resp, cacheHit, err, time.Since(start))
	return resp, err
}

func (g *Gateway) do(ctx context.Context, req Request) (Response, bool, error) {
	// 1. Cache lookup.
	if !req.ForceRefresh {
		if data, ok := g.Cache.Get(req.Category, req.Path, req.Body); ok {
			return Response{StatusCode: http.StatusOK, Body: data, CacheHit: true}, true, nil
		}
	}

	// 2. Budget check.
	check, err := g.Budget.CheckBudget(req.Consumer, req.Path)
	if err != nil {
		return Response{}, false, fmt.Errorf("gateway: budget check: %w", err)
	}
	if !check.Allowed {
		if check.CacheOnly {
			if data, ok := g.Cache.GetStale(req.Category, req.Path, req.Body); ok {
				return Response{StatusCode: http.StatusOK, Body: data, CacheHit: true}, true, nil
			}
			// Cache-only miss: fall through and attempt the live call.
		} else {
			if data, ok := g.Cache.GetStale(req.Category, req.Path, req.Body); ok {
				return Response{StatusCode: http.StatusOK, Body: data, CacheHit: true}, true, nil
			}
			return Response{}, false, &RateLimitError{Reason: check.Reason}
		}
	}
	if check.CacheOnly {
		if data, ok := g.Cache.GetStale(req.Category, req.Path, req.Body); ok {
			return Response{StatusCode: http.StatusOK, Body: data, CacheHit: true}, true, nil
		}
	}

	// 3. Burst-wait.
	waitMS, ok, err := g.Budget.BurstWait()
	if err != nil {
		return Response{}, false, fmt.Errorf("gateway: burst wait: %w", err)
	}
	if !ok {
		return Response{}, false, &RateLimitError{Reason: "burst"}
	}
	if waitMS > 0 {
		select {
		case <-time.After(time.Duration(waitMS) * time.Millisecond):
		case <-ctx.Done():
			return Response{}, false, ctx.Err()
		}
	}

	// 4. Emit HTTP request. A 5xx is retried once; a 429 is served stale
	// when a cached copy exists.
	resp, cacheHit, err := g.roundTrip(ctx, req)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode >= 500 {
		resp, cacheHit, err = g.roundTrip(ctx, req)
	}
	var rlErr *RateLimitError
	if errors.As(err, &rlErr) {
		if data, ok := g.Cache.GetStale(req.Category, req.Path, req.Body); ok {
			return Response{StatusCode: http.StatusOK, Body: data, CacheHit: true}, true, nil
		}
	}
	return resp, cacheHit, err
}

func (g *Gateway) roundTrip(ctx context.Context, req Request) (Response, bool, error) {
	token, err := g.Token()
	if err != nil {
		return Response{}, false, fmt.Errorf("gateway: token source: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, g.BaseURL+req.Path, bytes.NewReader(req.Body))
	if err != nil {
		return Response{}, false, fmt.Errorf("gateway: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	if len(req.Body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		_ = g.Budget.RecordError()
		return Response{}, false, fmt.Errorf("gateway: request failed: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	snapshot := snapshotFromHeaders(httpResp.Header)

	switch {
	case httpResp.StatusCode == http.StatusTooManyRequests:
		_ = g.Budget.RecordError()
		if snapshot != nil {
			_ = g.Budget.RecordRequest(req.Consumer, req.Path, snapshot)
		}
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return Response{StatusCode: httpResp.StatusCode}, false, &RateLimitError{Reason: string(body)}

	case httpResp.StatusCode >= 500:
		_ = g.Budget.RecordError()
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return Response{StatusCode: httpResp.StatusCode}, false, &APIError{StatusCode: httpResp.StatusCode, Body: string(body)}

	case httpResp.StatusCode >= 200 && httpResp.StatusCode < 300:
		_ = g.Budget.RecordSuccess()
		if err := g.Budget.RecordRequest(req.Consumer, req.Path, snapshot); err != nil {
			return Response{}, false, fmt.Errorf("gateway: record request: %w", err)
		}
		body, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return Response{}, false, fmt.Errorf("gateway: read body: %w", err)
		}
		if err := g.Cache.Set(req.Category, req.Path, body, req.Body); err != nil {
			// Cache write failure must not fail the caller's request.
			if g.Events != nil {
				g.Events.MustWrite(eventlog.Event{Kind: "cache_write_failed", Severity: eventlog.SeverityWarning, Summary: req.Path})
			}
		}
		return Response{StatusCode: httpResp.StatusCode, Body: body}, false, nil

	default:
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return Response{StatusCode: httpResp.StatusCode, Body: body}, false, nil
	}
}

func (g *Gateway) logOutcome(req Request, resp Response, cacheHit bool, err error, elapsed time.Duration) {
	if g.Events == nil {
		return
	}
	severity := eventlog.SeverityInfo
	summary := fmt.Sprintf("%s %s", req.Method, req.Path)
	payload := map[string]any{
		"consumer":   req.Consumer,
		"category":   req.Category,
		"cache_hit":  cacheHit,
		"elapsed_ms": elapsed.Milliseconds(),
	}
	if err != nil {
		severity = eventlog.SeverityWarning
		payload["error"] = err.Error()
	} else {
		payload["status_code"] = resp.StatusCode
	}
	g.Events.MustWrite(eventlog.Event{Kind: "gateway_request", Severity: severity, Summary: summary, Payload: payload})
}
