package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/boogy/m2m-auth/pkg/utils"
	"github.com/boogy/m2m-auth/pkg/version"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultTimeout bounds every outbound call to the identity provider
	DefaultTimeout = 10 * time.Second

	// maxResponseSize limits how much of a response body is read (1MB)
	maxResponseSize = 1 << 20

	tracerName = "github.com/boogy/m2m-auth/pkg/client"
)

var tracer = otel.Tracer(tracerName)

// NewHTTPClient returns an http.Client with the given timeout, or DefaultTimeout if timeout is not positive.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// validator is implemented by response shapes that can reject a syntactically valid body
type validator interface {
	Validate() error
}

// withDeadline applies the client timeout to ctx unless the caller already set a deadline
func withDeadline(ctx context.Context, httpClient *http.Client) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	timeout := httpClient.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// do sends req and decodes a 2xx JSON body into out. It never retries.
func do(httpClient *http.Client, req *http.Request, op string, out any) error {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	target := req.URL.Redacted()

	resp, err := httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: op, URL: target, Err: err}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Debug("Failed to close response body", slog.String("op", op), slog.String("error", err.Error()))
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return &TransportError{Op: op, URL: target, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return &TransportError{
			Op:         op,
			URL:        target,
			StatusCode: resp.StatusCode,
			Body:       utils.TruncateString(string(body), 256),
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	if len(body) > maxResponseSize {
		return &DecodeError{Op: op, URL: target, Err: errors.New("response body exceeds 1MB")}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &DecodeError{Op: op, URL: target, Err: err}
	}

	if v, ok := out.(validator); ok {
		if err := v.Validate(); err != nil {
			return &DecodeError{Op: op, URL: target, Err: err}
		}
	}

	return nil
}

// endSpan records err on span, if any, and ends it
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
