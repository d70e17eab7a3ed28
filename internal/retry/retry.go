// Package retry retries manifest database operations with exponential backoff.
// It is never used around toolchain processes: a failed stage is final.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/loykin/stagebuild/internal/common"
)

// Config holds configuration for database operation retries
type Config struct {
	MaxRetries      int           // Maximum number of retry attempts
	InitialDelay    time.Duration // Initial delay before first retry
	MaxDelay        time.Duration // Maximum delay between retries
	BackoffFactor   float64       // Multiplier for exponential backoff
	RetryableErrors []string      // Error substrings that trigger retries
}

// DefaultRetryConfig returns the retry policy used by the manifest store
func DefaultRetryConfig() *Config {
	return &Config{
		MaxRetries:    3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		RetryableErrors: []string{
			"connection refused",
			"connection reset",
			"database is locked",
			"sqlite_busy",
			"deadlock",
			"could not serialize access",
			"broken pipe",
		},
	}
}

// NoRetry returns a config that runs an operation exactly once.
func NoRetry() *Config {
	return &Config{MaxRetries: 0}
}

func (rc *Config) isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	errStr := strings.ToLower(err.Error())
	for _, retryableErr := range rc.RetryableErrors {
		if strings.Contains(errStr, retryableErr) {
			return true
		}
	}
	return false
}

func (rc *Config) calculateDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return rc.InitialDelay
	}
	delay := time.Duration(float64(rc.InitialDelay) * math.Pow(rc.BackoffFactor, float64(attempt)))
	if delay > rc.MaxDelay {
		delay = rc.MaxDelay
	}
	return delay
}

// Operation is a database operation that can be retried
type Operation func(ctx context.Context) error

// WithRetry runs op until it succeeds, fails with a non-retryable error,
// exhausts the attempts, or ctx is done.
func WithRetry(ctx context.Context, config *Config, name string, op Operation) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	logger := common.GetLogger().WithComponent("manifest-retry")

	var lastErr error
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		err := op(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info("manifest operation succeeded after retry", "op", name, "attempt", attempt+1)
			}
			return nil
		}
		lastErr = err

		if attempt == config.MaxRetries {
			break
		}
		if !config.isRetryableError(err) {
			logger.Debug("manifest operation failed with non-retryable error", "op", name, "error", err.Error())
			return err
		}

		delay := config.calculateDelay(attempt)
		logger.Warn("manifest operation failed, retrying",
			"op", name,
			"error", err.Error(),
			"attempt", attempt+1,
			"max_attempts", config.MaxRetries+1,
			"retry_delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s cancelled during retry: %w", name, ctx.Err())
		case <-timer.C:
		}
	}

	if config.MaxRetries == 0 {
		return lastErr
	}
	logger.Error("manifest operation failed after all retry attempts", "op", name, "error", lastErr.Error(), "attempts", config.MaxRetries+1)
	return fmt.Errorf("%s failed after %d attempts: %w", name, config.MaxRetries+1, lastErr)
}
