// Package httpx holds the shared HTTP client setup and retry helper used by
// outbound integrations.
package httpx

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"time"
)

func NewClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	return &http.Client{Timeout: timeout, Transport: tr}
}

// Policy bounds Retry. Zero values fall back to defaults.
type Policy struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
	Jitter   float64 // 0.2 = 20%
}

func (p Policy) withDefaults() Policy {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	if p.Initial <= 0 {
		p.Initial = 500 * time.Millisecond
	}
	if p.Max <= 0 {
		p.Max = 10 * time.Second
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

// Permanent wraps an error that Retry must not retry.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// Retry runs fn with exponential backoff until it succeeds, returns a
// Permanent error, attempts are exhausted or ctx is done. The returned
// error is never wrapped in Permanent.
func Retry(ctx context.Context, p Policy, fn func() error) error {
	p = p.withDefaults()
	d := p.Initial
	var err error
	for i := 0; i < p.Attempts; i++ {
		if i > 0 {
			t := time.NewTimer(jitter(d, p.Jitter))
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return errors.Join(ctx.Err(), err)
			}
			d *= 2
			if d > p.Max {
				d = p.Max
			}
		}
		err = fn()
		if err == nil {
			return nil
		}
		var pe permanentError
		if errors.As(err, &pe) {
			return pe.err
		}
	}
	return err
}

// RetryableStatus reports whether an HTTP status is worth another attempt.
func RetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}

func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 || d <= 0 {
		return d
	}
	delta := float64(d) * frac
	return time.Duration(float64(d) - delta + rand.Float64()*2*delta)
}
