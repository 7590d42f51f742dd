package ratelimit

import (
	"math"
	"time"

	"golang.org/x/time/rate"
)

// Throttle is a process wide token bucket in front of every API route. A nil
// Throttle admits everything.
type Throttle struct {
	limiter *rate.Limiter
}

// NewThrottle allows rps requests per second with bursts of up to burst. It
// returns nil when rps is not positive. A non-positive burst defaults to one
// second's worth of requests.
func NewThrottle(rps float64, burst int) *Throttle {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = int(math.Ceil(rps))
	}
	return &Throttle{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// AllowAt reports whether a request arriving at now may proceed.
func (t *Throttle) AllowAt(now time.Time) bool {
	if t == nil {
		return true
	}
	return t.limiter.AllowN(now, 1)
}
