package main

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// newHTTPClient builds the resty client shared by the archive and post fetchers
func newHTTPClient(cfg Config) *resty.Client {
	client := resty.New().
		SetTimeout(cfg.RequestTimeout()).
		SetHeader("User-Agent", cfg.UserAgent).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(10)).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(res *resty.Response, err error) bool {
			if res == nil {
				return false
			}
			code := res.StatusCode()
			return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
		})

	client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		slog.Debug("Start request", "method", req.Method, "url", req.URL)
		return nil
	})
	client.OnAfterResponse(func(_ *resty.Client, res *resty.Response) error {
		slog.Debug("Request finished",
			"method", res.Request.Method,
			"url", res.Request.URL,
			"status", res.StatusCode(),
			"elapsed", res.Time())
		if res.StatusCode() == http.StatusTooManyRequests {
			slog.Warn("Rate limit exceeded (429)", "url", res.Request.URL)
		}
		return nil
	})
	client.OnError(func(req *resty.Request, err error) {
		slog.Error("Request failed", "method", req.Method, "url", req.URL, "error", err)
	})

	return client
}
