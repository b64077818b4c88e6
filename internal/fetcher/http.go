package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mdverse/mdverse-harvest/internal/resilience"
)

// Options configures a Requester.
type Options struct {
	UserAgent string
	// Timeout bounds each attempt, not the whole retry loop.
	Timeout     time.Duration
	MaxAttempts int
	Backoff     resilience.Backoff
	Policy      resilience.StatusPolicy
	// Breakers is optional; nil disables circuit breaking.
	Breakers *resilience.HostBreakers
	// Throttle is optional and receives 429 feedback.
	Throttle *AdaptiveLimiter
	Client   *http.Client
}

// AdaptiveLimiter wraps a rate.Limiter that slows down on 429 responses and
// recovers on success, bounded to [initial/4, initial].
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	initialRate rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates an adaptive limiter starting at perSecond.
func NewAdaptiveLimiter(perSecond float64, burst int) *AdaptiveLimiter {
	r := rate.Limit(perSecond)
	if burst < 1 {
		burst = 1
	}
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(r, burst),
		initialRate: r,
		minRate:     r / 4,
		currentRate: r,
	}
}

// Wait blocks until the limiter admits one event.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess raises the rate by 20%, up to the initial rate.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.currentRate >= a.initialRate {
		return
	}
	a.currentRate = min(a.currentRate*1.2, a.initialRate)
	a.limiter.SetLimit(a.currentRate)
}

// OnRateLimit halves the rate, down to a quarter of the initial rate.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentRate = max(a.currentRate*0.5, a.minRate)
	a.limiter.SetLimit(a.currentRate)
	zap.L().Warn("adaptive rate limit: reducing rate after 429",
		zap.Float64("new_rate", float64(a.currentRate)),
	)
}

// Limit returns the current rate.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

// Requester performs logical requests with per-attempt timeouts and a
// bounded retry loop. Exhaustion is reported as a nil response.
type Requester struct {
	client *http.Client
	opts   Options
}

// NewRequester creates a Requester with the given options.
func NewRequester(opts Options) *Requester {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff == nil {
		opts.Backoff = resilience.DefaultRetryConfig().Backoff
	}
	if opts.Policy == nil {
		opts.Policy = resilience.LenientPolicy{}
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "mdverse-harvest/1.0"
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 10,
				MaxConnsPerHost:     20,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &Requester{client: client, opts: opts}
}

// statusError marks a response the policy refuses to retry.
type statusError struct {
	status int
	url    string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("http %d from %s", e.status, e.url)
}

// Do performs req. It never returns an error: a nil response means the
// request was exhausted, rejected or canceled, and Outcome says which.
func (r *Requester) Do(ctx context.Context, req Request) (*Response, Outcome) {
	start := time.Now()
	target := req.Target()
	shown := req.Redacted()
	out := Outcome{URL: shown}
	log := zap.L().With(zap.String("url", shown))

	var breaker *resilience.CircuitBreaker
	if r.opts.Breakers != nil {
		breaker = r.opts.Breakers.For(target)
		if err := breaker.Allow(); err != nil {
			out.Status = OutcomeRejected
			out.LastErr = err
			log.Warn("request rejected", zap.Error(err))
			return nil, out
		}
	}

	cfg := resilience.RetryConfig{
		MaxAttempts: r.opts.MaxAttempts,
		Backoff:     r.opts.Backoff,
		OnRetry: func(attempt int, err error) {
			log.Warn("http request failed, retrying",
				zap.Int("attempt", attempt),
				zap.Int("status", out.LastStatus),
				zap.Error(err),
			)
		},
	}
	if req.MaxAttempts > 0 {
		cfg.MaxAttempts = req.MaxAttempts
	}
	if req.Backoff != nil {
		cfg.Backoff = req.Backoff
	}

	resp, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (*Response, error) {
		out.Attempts++
		resp, err := r.attempt(ctx, req, target, shown)
		if resp != nil {
			out.LastStatus = resp.StatusCode
		}
		return resp, err
	})
	out.Elapsed = time.Since(start)
	out.LastErr = err

	var se *statusError
	switch {
	case err == nil:
		out.Status = OutcomeSuccess
	case ctx.Err() != nil:
		out.Status = OutcomeCanceled
	case errors.As(err, &se):
		out.Status = OutcomeRejected
	default:
		out.Status = OutcomeExhausted
	}

	if breaker != nil {
		breaker.Record(out.Status == OutcomeSuccess || out.Status == OutcomeRejected)
	}

	if out.Status != OutcomeSuccess {
		log.Warn("request failed",
			zap.String("outcome", string(out.Status)),
			zap.Int("attempts", out.Attempts),
			zap.Int("last_status", out.LastStatus),
			zap.Duration("elapsed", out.Elapsed),
			zap.Error(err),
		)
		return nil, out
	}
	log.Debug("request succeeded",
		zap.Int("attempts", out.Attempts),
		zap.Duration("elapsed", out.Elapsed),
	)
	return resp, out
}

// attempt performs one HTTP exchange. shown is the redacted target used in
// error messages.
func (r *Requester) attempt(ctx context.Context, req Request, target, shown string) (*Response, error) {
	timeout := r.opts.Timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(actx, method, target, body)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: create request")
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}
	hreq.Header.Set("User-Agent", r.opts.UserAgent)
	if req.Body != nil && hreq.Header.Get("Content-Type") == "" {
		hreq.Header.Set("Content-Type", "application/json")
	}

	hresp, err := r.client.Do(hreq)
	if err != nil {
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		return nil, resilience.NewTransientError(eris.Wrapf(err, "fetcher: transport %s", shown), 0)
	}
	defer hresp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(hresp.Body)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "fetcher: read body"), hresp.StatusCode)
	}
	resp := &Response{
		StatusCode: hresp.StatusCode,
		Header:     hresp.Header,
		Body:       data,
		URL:        target,
		FetchedAt:  time.Now().UTC(),
	}

	if hresp.StatusCode == http.StatusTooManyRequests && r.opts.Throttle != nil {
		r.opts.Throttle.OnRateLimit()
	}

	if r.opts.Policy.Retryable(hresp.StatusCode) {
		te := resilience.NewTransientError(eris.Errorf("http %d from %s", hresp.StatusCode, shown), hresp.StatusCode)
		if r.opts.Policy.HonorRetryAfter() {
			te.RetryAfter = resilience.ParseRetryAfter(hresp.Header.Get("Retry-After"), time.Now())
		}
		return resp, te
	}
	if hresp.StatusCode < 200 || hresp.StatusCode > 299 {
		return resp, &statusError{status: hresp.StatusCode, url: shown}
	}

	if r.opts.Throttle != nil {
		r.opts.Throttle.OnSuccess()
	}
	return resp, nil
}
