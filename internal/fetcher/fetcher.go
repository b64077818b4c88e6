// Package fetcher issues HTTP requests against repository endpoints with
// retries, and fans batches of requests out under a concurrency bound.
package fetcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"

	"github.com/mdverse/mdverse-harvest/internal/resilience"
)

// ErrNoResponse is returned by Outcome.Err when a request produced no
// usable response.
var ErrNoResponse = eris.New("fetcher: no response")

// Client is the subset of Requester that source adapters depend on.
type Client interface {
	Do(ctx context.Context, req Request) (*Response, Outcome)
}

// Request describes one logical HTTP request. Zero-valued overrides fall
// back to the requester's defaults.
type Request struct {
	Method string
	URL    string
	Params url.Values
	Header http.Header
	// Body is sent as application/json when non-nil.
	Body []byte

	Timeout     time.Duration
	MaxAttempts int
	Backoff     resilience.Backoff
}

// Target returns the URL with Params encoded into the query string.
func (r Request) Target() string {
	if len(r.Params) == 0 {
		return r.URL
	}
	u, err := url.Parse(r.URL)
	if err != nil {
		return r.URL
	}
	q := u.Query()
	for k, vs := range r.Params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

var secretParams = []string{"access_token", "token", "api_key"}

// Redacted returns Target with credential parameters masked, for logs.
func (r Request) Redacted() string {
	target := r.Target()
	u, err := url.Parse(target)
	if err != nil || u.RawQuery == "" {
		return target
	}
	q := u.Query()
	masked := false
	for _, k := range secretParams {
		if q.Has(k) {
			q.Set(k, "REDACTED")
			masked = true
		}
	}
	if !masked {
		return target
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	URL        string
	FetchedAt  time.Time
}

// JSON returns the body as a gjson result for path queries.
func (r *Response) JSON() gjson.Result {
	return gjson.ParseBytes(r.Body)
}

// Decode unmarshals the body into v.
func (r *Response) Decode(v any) error {
	if !json.Valid(r.Body) {
		return eris.Errorf("fetcher: malformed JSON body from %s", r.URL)
	}
	return eris.Wrapf(json.Unmarshal(r.Body, v), "fetcher: decode %s", r.URL)
}

// OutcomeStatus is the terminal state of a logical request.
type OutcomeStatus string

const (
	OutcomeSuccess   OutcomeStatus = "success"
	OutcomeExhausted OutcomeStatus = "exhausted"
	OutcomeRejected  OutcomeStatus = "rejected"
	OutcomeCanceled  OutcomeStatus = "canceled"
)

// Outcome describes how a logical request ended. It is only logged.
type Outcome struct {
	URL        string
	Attempts   int
	Elapsed    time.Duration
	Status     OutcomeStatus
	LastStatus int
	LastErr    error
}

// OK reports whether the request produced a response.
func (o Outcome) OK() bool { return o.Status == OutcomeSuccess }

// Err returns nil on success, otherwise ErrNoResponse annotated with how
// the request ended.
func (o Outcome) Err() error {
	if o.OK() {
		return nil
	}
	return eris.Wrapf(ErrNoResponse, "%s: %s after %d attempts (last status %d)", o.URL, o.Status, o.Attempts, o.LastStatus)
}
