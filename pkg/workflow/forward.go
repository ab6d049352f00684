package workflow

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/httpclient"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const DefaultForwardTimeout = 30 * time.Second

// ForwardResult records the outcome of posting an event to a trigger's target_url.
type ForwardResult struct {
	URL        string `json:"url"`
	StatusCode int    `json:"status_code,omitempty"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

// Forwarder posts the original event payload to trigger target URLs.
type Forwarder struct {
	client  *httpclient.Client
	timeout time.Duration
	logger  ectologger.Logger
}

func NewForwarder(client *httpclient.Client, timeout time.Duration, logger ectologger.Logger) *Forwarder {
	if timeout <= 0 {
		timeout = DefaultForwardTimeout
	}
	return &Forwarder{client: client, timeout: timeout, logger: logger}
}

func (f *Forwarder) Forward(ctx context.Context, url, token string, payload map[string]any) *ForwardResult {
	ctx, span := tracing.StartSpan(ctx, "Forwarder.Forward")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	result := &ForwardResult{URL: url}
	headers := map[string]string{}
	if token != "" {
		headers["Authorization"] = "Bearer " + token
	}

	resp, err := f.client.PostJSON(ctx, url, payload, headers)
	if err != nil {
		tracing.Fail(span, err)
		result.Error = err.Error()
		f.logger.WithContext(ctx).WithError(err).Warnf("Failed to forward event to %s", url)
		return result
	}

	result.StatusCode = resp.StatusCode
	if !httpclient.IsSuccessStatus(resp.StatusCode) {
		err := httpclient.NewStatusError("POST", url, resp)
		tracing.Fail(span, err)
		result.Error = err.Error()
		f.logger.WithContext(ctx).Warnf("Target %s rejected forwarded event with %d", url, resp.StatusCode)
		return result
	}
	result.Success = true
	return result
}
