// Package httpclient builds the single shared HTTP client an installer
// instance uses for every manifest, metadata, asset, library, and chunk
// request (spec §4.3). The transport chain, outermost to innermost, is:
// rate limiter -> circuit breaker -> retry-with-backoff -> base
// *http.Transport.
package httpclient

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/graniteproject/installer/internal/resilience"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

// retryableStatus is the transport-level status-code set the spec names
// for exponential-backoff retry (§4.3).
var retryableStatus = map[int]struct{}{
	403: {}, 429: {}, 500: {}, 502: {}, 503: {}, 504: {}, 567: {},
}

// Options configures New.
type Options struct {
	MaxWorkers      int
	RateLimiter     *resilience.RateLimiter
	Breaker         *resilience.MirrorBreaker
	RetryAttempts   int    // total attempts per request, including the first
	OnRateLimitWait func() // called once whenever a request has to block for a token
}

// New builds the shared client. Connection pool sizes are set from
// MaxWorkers (both total and per-host, per spec §4.3); TLS verification
// is disabled deliberately — throughput over integrity, mirrored by
// hash-guarding the main archive elsewhere. Every request made through
// this client is a GET or HEAD with no body, so the round tripper never
// needs to replay a request body across retries.
func New(opts Options) *http.Client {
	base := &http.Transport{
		MaxIdleConns:        opts.MaxWorkers,
		MaxIdleConnsPerHost: opts.MaxWorkers,
		MaxConnsPerHost:     opts.MaxWorkers,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: true},
	}

	attempts := opts.RetryAttempts
	if attempts <= 0 {
		attempts = 3
	}

	rt := &roundTripper{
		base:            base,
		limiter:         opts.RateLimiter,
		breaker:         opts.Breaker,
		maxAttempts:     attempts,
		onRateLimitWait: opts.OnRateLimitWait,
	}

	return &http.Client{
		Transport: rt,
		Timeout:   60 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return nil // HEAD follows redirects, per spec §4.3
		},
	}
}

type roundTripper struct {
	base            http.RoundTripper
	limiter         *resilience.RateLimiter
	breaker         *resilience.MirrorBreaker
	maxAttempts     int
	onRateLimitWait func()
}

func (rt *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", userAgent)

	if rt.limiter != nil && !rt.limiter.Allow() {
		if rt.onRateLimitWait != nil {
			rt.onRateLimitWait()
		}
		if !rt.limiter.Wait(req.Context().Done()) {
			return nil, fmt.Errorf("httpclient: rate limiter cancelled")
		}
	}
	if rt.breaker != nil && !rt.breaker.Allow() {
		return nil, fmt.Errorf("httpclient: circuit breaker open for mirror")
	}

	var resp *http.Response
	operation := func() error {
		r, err := rt.base.RoundTrip(req)
		if err != nil {
			return err
		}
		if _, retryable := retryableStatus[r.StatusCode]; retryable {
			r.Body.Close()
			return fmt.Errorf("httpclient: retryable status %d", r.StatusCode)
		}
		resp = r
		return nil
	}

	b := backoff.NewExponentialBackOff()
	err := backoff.Retry(operation, backoff.WithMaxRetries(backoff.WithContext(b, req.Context()), uint64(rt.maxAttempts-1)))

	if rt.breaker != nil {
		rt.breaker.RecordResult(err == nil)
	}
	return resp, err
}
