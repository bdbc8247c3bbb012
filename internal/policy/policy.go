// Package policy holds the pure retry-decision logic: transient-error
// classification, exponential backoff with jitter, and the retry-metadata
// transition applied on every failure. Nothing here touches storage or clocks
// beyond the timestamps passed in, so every function is deterministic given
// its inputs (modulo jitter).
package policy

import (
	"math"
	"math/rand"
	"strings"
	"time"

	"repo-analysis-engine/internal/models"
)

// Policy carries the retry configuration shared by the scheduler and sweep loop.
type Policy struct {
	RetryableTags []string
	MaxRetries    int
	BaseDelay     time.Duration
	Multiplier    float64
	MaxDelay      time.Duration
}

// softenedSuffixes are stripped from a tag to match looser phrasings, so
// "Rate limit exceeded" still matches RATE_LIMIT_ERROR via "RATELIMIT".
var softenedSuffixes = []string{"ERROR", "FAILURE", "EXCEPTION"}

// IsRetryable reports whether an executor error message looks transient.
// Matching is case-insensitive and ignores whitespace, hyphens and underscores.
func (p Policy) IsRetryable(errMsg string) bool {
	norm := normalize(errMsg)
	if norm == "" {
		return false
	}
	for _, tag := range p.RetryableTags {
		t := normalize(tag)
		if t == "" {
			continue
		}
		if strings.Contains(norm, t) {
			return true
		}
		for _, suffix := range softenedSuffixes {
			if soft := strings.TrimSuffix(t, suffix); soft != t && soft != "" && strings.Contains(norm, soft) {
				return true
			}
		}
	}
	return false
}

func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToUpper(s) {
		switch r {
		case ' ', '\t', '\n', '\r', '-', '_':
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Delay computes the backoff before the given attempt (numbered from 1):
// min(base * multiplier^(attempt-1) + jitter, max), jitter uniform in
// [0, 0.1*raw). The jitter spreads retries so many jobs failing together do
// not all come back in the same sweep tick.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	raw := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	jitter := rand.Float64() * 0.1 * raw
	delay := time.Duration(raw + jitter)
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Materialize returns the metadata with zero-value defaults applied: a job
// that never failed has count 0, no attempts, and is still retryable.
func (p Policy) Materialize(meta *models.RetryMetadata) models.RetryMetadata {
	if meta == nil {
		return models.RetryMetadata{
			MaxRetries:  p.MaxRetries,
			IsRetryable: true,
		}
	}
	out := *meta
	if out.MaxRetries == 0 {
		out.MaxRetries = p.MaxRetries
	}
	return out
}

// Next applies one failure to the metadata and returns the updated copy.
// The attempt is retryable only when the error classifies as transient and
// the attempt number is still under the retry limit; in that case NextRetryAt
// is set from the backoff delay, otherwise it is cleared and the job is done
// retrying.
func (p Policy) Next(meta *models.RetryMetadata, errMsg string, now time.Time) models.RetryMetadata {
	cur := p.Materialize(meta)
	attempt := cur.RetryCount + 1
	retryable := p.IsRetryable(errMsg) && attempt < cur.MaxRetries

	rec := models.RetryAttempt{
		AttemptNumber: attempt,
		Timestamp:     now,
		Error:         errMsg,
	}

	out := cur
	out.RetryCount = attempt
	out.LastError = errMsg
	out.IsRetryable = retryable
	out.NextRetryAt = nil
	if retryable {
		delay := p.Delay(attempt)
		rec.DelayMs = delay.Milliseconds()
		next := now.Add(delay)
		out.NextRetryAt = &next
	}
	out.Attempts = append(append([]models.RetryAttempt(nil), cur.Attempts...), rec)
	return out
}
