package provider

import (
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryAfterDeltaSeconds(t *testing.T) {
	resp := &Response{Status: 429, Headers: http.Header{}}
	resp.Headers.Set("Retry-After", "90")

	d, ok := resp.RetryAfter()
	assert.True(t, ok)
	assert.Equal(t, 90*time.Second, d)
}

func TestRetryAfterEpochReset(t *testing.T) {
	resp := &Response{Status: 429, Headers: http.Header{}}
	reset := time.Now().Add(5 * time.Minute).Unix()
	resp.Headers.Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))

	d, ok := resp.RetryAfter()
	assert.True(t, ok)
	assert.InDelta(t, (5 * time.Minute).Seconds(), d.Seconds(), 2)
}

func TestRetryAfterPastEpochIgnored(t *testing.T) {
	resp := &Response{Status: 429, Headers: http.Header{}}
	resp.Headers.Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10))

	_, ok := resp.RetryAfter()
	assert.False(t, ok)
}

func TestRetryAfterGarbageOrMissing(t *testing.T) {
	resp := &Response{Status: 429, Headers: http.Header{}}
	_, ok := resp.RetryAfter()
	assert.False(t, ok)

	resp.Headers.Set("Retry-After", "soon")
	_, ok = resp.RetryAfter()
	assert.False(t, ok)

	resp.Headers.Set("Retry-After", "-5")
	_, ok = resp.RetryAfter()
	assert.False(t, ok)
}
