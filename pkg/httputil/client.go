// Package httputil holds shared HTTP client setup.
package httputil

import (
	"time"

	"github.com/go-resty/resty/v2"
)

// NewDefaultRestyClient returns a resty client with a timeout and a small
// retry budget for transient failures.
func NewDefaultRestyClient(baseURL string, timeout time.Duration) *resty.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("User-Agent", "zapdesk/1.0")
}
