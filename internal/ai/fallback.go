package ai

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
	"google.golang.org/api/googleapi"

	openai "github.com/sashabaranov/go-openai"

	"github.com/sombapp/receipt-service/internal/models"
)

// FallbackClient wraps a provider with the budget and retry policy:
// a request-per-minute rate limit, a concurrency cap, per-attempt
// timeouts and exponential backoff on transient failures.
type FallbackClient struct {
	provider        Provider
	limiter         *rate.Limiter
	sem             *semaphore.Weighted
	maxAttempts     int
	initialBackoff  time.Duration
	maxBackoff      time.Duration
	timeout         time.Duration
	defaultCurrency string
}

func NewFallbackClient(provider Provider, cfg models.AIConfig, defaultCurrency string) *FallbackClient {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 30
	}
	concurrent := cfg.MaxConcurrent
	if concurrent <= 0 {
		concurrent = 4
	}
	timeout := time.Duration(cfg.TimeoutSec * float64(time.Second))
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	initial := time.Duration(cfg.InitialBackoffSec * float64(time.Second))
	if initial <= 0 {
		initial = time.Second
	}
	max := time.Duration(cfg.MaxBackoffSec * float64(time.Second))
	if max <= 0 {
		max = 8 * time.Second
	}
	return &FallbackClient{
		provider:        provider,
		limiter:         rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm),
		sem:             semaphore.NewWeighted(int64(concurrent)),
		maxAttempts:     maxAttempts,
		initialBackoff:  initial,
		maxBackoff:      max,
		timeout:         timeout,
		defaultCurrency: defaultCurrency,
	}
}

// Extract sends the receipt to the model and returns a validated
// result. Retries apply only to rate limits and timeouts; a malformed
// response or a hard service error fails immediately.
func (c *FallbackClient) Extract(ctx context.Context, imageData []byte, mimeType, ocrText string) (*models.ExtractionResult, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, &models.FallbackFailure{Reason: models.ReasonTimeout, Err: err}
	}
	defer c.sem.Release(1)

	prompt := BuildPrompt(ocrText)
	backoff := c.initialBackoff

	var lastErr *models.FallbackFailure
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &models.FallbackFailure{Reason: models.ReasonTimeout, Err: err}
		}

		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		raw, err := c.provider.Extract(callCtx, prompt, imageData, mimeType)
		cancel()

		if err == nil {
			res, perr := parseResponse(raw, c.defaultCurrency)
			if perr != nil {
				return nil, perr
			}
			log.Printf("[AI] %s extracted %d items (attempt %d)", c.provider.Name(), len(res.Items), attempt)
			return res, nil
		}

		failure := categorize(err)
		if !failure.Retryable() || attempt == c.maxAttempts {
			return nil, failure
		}
		lastErr = failure
		log.Printf("[AI] Attempt %d/%d failed (%s), retrying in %s", attempt, c.maxAttempts, failure.Reason, backoff)

		select {
		case <-ctx.Done():
			return nil, &models.FallbackFailure{Reason: models.ReasonTimeout, Err: ctx.Err()}
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
	}
	return nil, lastErr
}

// categorize maps provider errors onto the failure taxonomy.
func categorize(err error) *models.FallbackFailure {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &models.FallbackFailure{Reason: models.ReasonTimeout, Err: err}
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if gerr.Code == http.StatusTooManyRequests {
			return &models.FallbackFailure{Reason: models.ReasonRateLimited, Err: err}
		}
		return &models.FallbackFailure{Reason: models.ReasonServiceError, Err: err}
	}

	var aerr *openai.APIError
	if errors.As(err, &aerr) {
		if aerr.HTTPStatusCode == http.StatusTooManyRequests {
			return &models.FallbackFailure{Reason: models.ReasonRateLimited, Err: err}
		}
		return &models.FallbackFailure{Reason: models.ReasonServiceError, Err: err}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "quota"), strings.Contains(msg, "429"):
		return &models.FallbackFailure{Reason: models.ReasonRateLimited, Err: err}
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline"):
		return &models.FallbackFailure{Reason: models.ReasonTimeout, Err: err}
	default:
		return &models.FallbackFailure{Reason: models.ReasonServiceError, Err: err}
	}
}
