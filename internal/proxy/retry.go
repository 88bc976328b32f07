package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/bedrock-gateway/internal/providers"
)

var (
	// ErrCircuitOpen is returned when the breaker of the target model rejects
	// the call.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrInvalidOutput is returned when the backend answers with a body that
	// is not JSON.
	ErrInvalidOutput = errors.New("model returned a non-JSON response")
)

// retryBackoff is the pause before the n-th retry, multiplied by n.
var retryBackoff = 200 * time.Millisecond

// invocation describes one backend call as seen by invokeWithRetry.
type invocation struct {
	requestID string
	route     string
	family    string
	model     string
	body      []byte
}

// invokeWithRetry calls the backend model up to g.maxRetries times. Only
// retryable failures (throttling, 5xx, timeouts, transport errors) are
// retried; the target model never changes. Each attempt gets its own
// g.invokeTimeout derived from ctx.
//
// It returns the raw backend output, the number of attempts actually made,
// and the last error when every attempt failed.
func (g *Gateway) invokeWithRetry(ctx context.Context, inv invocation) ([]byte, int, error) {
	var lastErr error
	attempts := 0

	for attempts < g.maxRetries {
		if g.cb != nil && !g.cb.Allow(inv.model) {
			g.log.WarnContext(ctx, "circuit_breaker_open",
				slog.String("request_id", inv.requestID),
				slog.String("backend_model", inv.model),
			)
			if g.metrics != nil {
				g.metrics.RecordCircuitBreakerRejection(inv.model, g.cb.StateLabel(inv.model))
				g.metrics.SetCircuitBreaker(inv.model, int64(g.cb.State(inv.model)))
				g.metrics.ObserveInvocation(inv.family, inv.route, "circuit_reject", 0)
			}
			if lastErr == nil {
				lastErr = fmt.Errorf("%w for model %s", ErrCircuitOpen, inv.model)
			}
			break
		}

		if attempts > 0 {
			if err := sleepCtx(ctx, time.Duration(attempts)*retryBackoff); err != nil {
				lastErr = err
				break
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, g.invokeTimeout)
		start := time.Now()
		out, err := g.backend.InvokeModel(attemptCtx, inv.model, inv.body)
		cancel()
		dur := time.Since(start)
		attempts++

		if err == nil && !gjson.ValidBytes(out) {
			err = ErrInvalidOutput
		}

		if err == nil {
			if g.cb != nil {
				g.cb.RecordSuccess(inv.model)
				if g.metrics != nil {
					g.metrics.SetCircuitBreaker(inv.model, int64(g.cb.State(inv.model)))
				}
			}
			if g.metrics != nil {
				g.metrics.ObserveInvocation(inv.family, inv.route, "success", dur)
			}
			return out, attempts, nil
		}

		// ── Failure ───────────────────────────────────────────────────────────
		reason := classifyError(err)

		// Only outage-shaped failures count against the model. Client errors
		// and malformed answers would let one caller trip it for everyone.
		if g.cb != nil {
			if isRetryable(err) {
				g.cb.RecordFailure(inv.model)
			} else {
				g.cb.RecordNeutral(inv.model)
			}
			if g.metrics != nil {
				g.metrics.SetCircuitBreaker(inv.model, int64(g.cb.State(inv.model)))
			}
		}
		if g.metrics != nil {
			g.metrics.ObserveInvocation(inv.family, inv.route, reason, dur)
			g.metrics.RecordError(inv.family, reason)
		}
		g.log.WarnContext(ctx, "invoke_attempt_failed",
			slog.String("request_id", inv.requestID),
			slog.String("backend_model", inv.model),
			slog.Int("attempt", attempts),
			slog.String("reason", reason),
			slog.Int64("latency_ms", dur.Milliseconds()),
			slog.String("error", err.Error()),
		)

		lastErr = err

		if !isRetryable(err) {
			break
		}
		if attempts < g.maxRetries && g.metrics != nil {
			g.metrics.RecordRetry(inv.route, reason)
		}
	}

	if lastErr == nil {
		lastErr = errors.New("no attempt was made")
	}
	return nil, attempts, lastErr
}

// isRetryable returns true for errors worth another attempt on the same model.
//
//   - 429 and 5xx backend errors → retryable (throttling, infrastructure)
//   - context.DeadlineExceeded   → retryable (attempt timeout)
//   - other 4xx backend errors   → NOT retryable (bad body, auth, unknown model)
//   - open breaker, bad output   → NOT retryable
//   - unknown errors             → retryable (transport failures)
func isRetryable(err error) bool {
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrInvalidOutput) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		status := sc.HTTPStatus()
		return status == 429 || (status >= 500 && status < 600)
	}
	return true
}

// classifyError converts an error into a short category string used in log
// fields and metrics labels.
func classifyError(err error) string {
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrInvalidOutput):
		return "invalid_output"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		return fmt.Sprintf("http_%d", sc.HTTPStatus())
	}
	return "unknown"
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
