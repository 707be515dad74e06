// Package server implements per-connection command throttling on top of
// golang.org/x/time/rate.
package server

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/Tyrowin/relaychat/internal/protocol"
)

// rateLimiter allows capacity commands per interval, refilled continuously.
type rateLimiter struct {
	limiter *rate.Limiter
}

func newRateLimiter(capacity int, interval time.Duration) *rateLimiter {
	if capacity <= 0 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}

	return &rateLimiter{
		limiter: rate.NewLimiter(rate.Limit(float64(capacity)/interval.Seconds()), capacity),
	}
}

func (rl *rateLimiter) allow() bool {
	return rl.limiter.Allow()
}

// exemptFromRateLimit lists bulk data commands, which are not throttled.
var exemptFromRateLimit = map[string]bool{
	protocol.TagFileTransfer:         true,
	protocol.TagGroupFileTransfer:    true,
	protocol.TagGroupScreenDataStart: true,
	protocol.TagGroupScreenDataChunk: true,
	protocol.TagGroupScreenDataEnd:   true,
	protocol.TagGroupScreenDataAbort: true,
}
