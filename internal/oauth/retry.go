// retry.go -- Bounded retry policy for token endpoint calls.
package oauth

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"
)

// RetryPolicy bounds token endpoint calls.
//
//	Attempts is the total number of tries, including the first.
//	Backoff is the linear step; the sleep after attempt n is Backoff*n.
//	Timeout caps the whole sequence, attempts and sleeps included.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
	Timeout  time.Duration
}

// DefaultRetryPolicy is 3 attempts, 250ms linear backoff, 12s overall deadline.
var DefaultRetryPolicy = RetryPolicy{
	Attempts: 3,
	Backoff:  250 * time.Millisecond,
	Timeout:  12 * time.Second,
}

// normalized fills zero or negative fields from DefaultRetryPolicy.
func (rp RetryPolicy) normalized() RetryPolicy {
	if rp.Attempts <= 0 {
		rp.Attempts = DefaultRetryPolicy.Attempts
	}
	if rp.Backoff < 0 {
		rp.Backoff = DefaultRetryPolicy.Backoff
	}
	if rp.Timeout <= 0 {
		rp.Timeout = DefaultRetryPolicy.Timeout
	}
	return rp
}

// wait sleeps Backoff*attempt. Returns false if ctx ends first.
func (rp RetryPolicy) wait(ctx context.Context, attempt int) bool {
	d := rp.Backoff * time.Duration(attempt)
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// IsTransient reports whether err is a network-level failure worth retrying:
// connection reset, timed out, network unreachable, or a temporary DNS failure.
// HTTP status errors never reach here; they are not retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTemporary || dnsErr.IsTimeout
	}
	// Dialer connect timeout; the caller checks its own deadline before asking.
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" && opErr.Timeout() {
		return true
	}
	return false
}
