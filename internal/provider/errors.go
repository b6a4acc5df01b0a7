package provider

import (
	"context"
	"errors"
	"regexp"
	"strconv"

	"github.com/hyperjump/tanya/internal/models"
)

var statusCodePattern = regexp.MustCompile(`status code: (\d{3})`)

// statusCode extracts an HTTP status from a client error message, or 0.
func statusCode(err error) int {
	m := statusCodePattern.FindStringSubmatch(err.Error())
	if m == nil {
		return 0
	}
	code, _ := strconv.Atoi(m[1])
	return code
}

// classify maps a provider error onto the error taxonomy. Client errors other
// than 408 and 429 mean the input can never succeed; everything else is transient.
// Cancellation is returned unchanged.
func classify(err error, limiter *RateLimiter) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	code := statusCode(err)
	switch {
	case code == 429:
		if limiter != nil {
			limiter.Backoff(0)
		}
		return models.Transient(err)
	case code == 408:
		return models.Transient(err)
	case code >= 400 && code < 500:
		return models.Permanent(err)
	default:
		return models.Transient(err)
	}
}
