package transport

import (
	"context"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aethermsg/chatcore/errors"
)

// retryConfig bounds the exponential backoff withRetry applies around a
// single RPC attempt. The defaults mirror the teacher's OpenRouter client
// (3 attempts, linear-ish backoff) generalized to true exponential
// backoff since the AS/DS/QS surface is hit far more often than an LLM
// completion call.
type retryConfig struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

var defaultRetry = retryConfig{
	maxAttempts: 3,
	baseDelay:   250 * time.Millisecond,
	maxDelay:    5 * time.Second,
}

// withRetry runs fn, retrying while isRetryableError(err) holds, up to
// cfg.maxAttempts, with exponential backoff between attempts. Grounded
// on ai/openrouter/client.go's Chat retry loop (attempt counter, debug
// logging each failure, give up on a non-retryable error immediately).
func withRetry(ctx context.Context, log *zap.SugaredLogger, cfg retryConfig, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt < cfg.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := cfg.baseDelay * (1 << uint(attempt-1))
			if delay > cfg.maxDelay {
				delay = cfg.maxDelay
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return errors.Wrap(ctx.Err(), op)
			}
		}

		err = fn()
		if err == nil {
			return nil
		}

		if !isRetryableError(err) {
			return err
		}
		if log != nil {
			log.Debugw("retrying transport call", "op", op, "attempt", attempt+1, "error", err.Error())
		}
	}
	return errors.WithKind(errors.Wrapf(err, "%s: exhausted retries", op), errors.KindTransport)
}

// isRetryableError checks if err is worth retrying: a network-level
// failure, a context deadline, or a Kind tagged Transport/ResourceExhausted
// by statusToKind. Adapted from ai/openrouter/client.go's isRetryableError,
// generalized from raw syscall/string sniffing to also honor the Kind
// tagging doRequest attaches to non-2xx responses.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.GetKind(err).Retryable() {
		return true
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return true
	}
	errStr := strings.ToLower(err.Error())
	for _, s := range []string{
		"connection reset by peer",
		"connection refused",
		"timeout",
		"temporary failure",
		"network is unreachable",
		"i/o timeout",
		"eof",
	} {
		if strings.Contains(errStr, s) {
			return true
		}
	}
	return false
}
