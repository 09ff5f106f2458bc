package policy

import (
	"time"

	"golang.org/x/time/rate"
)

// Flood limits how fast one client may send commands.
type Flood struct {
	limiter *rate.Limiter
}

// NewFlood allows perSecond commands a second on average with bursts of up
// to burst. A perSecond of 0 or less disables the limit.
func NewFlood(perSecond float64, burst int) *Flood {
	if perSecond <= 0 {
		return &Flood{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst < 1 {
		burst = 1
	}
	return &Flood{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Allow takes a token for a command received at t.
func (f *Flood) Allow(t time.Time) bool {
	return f.limiter.AllowN(t, 1)
}
