package realtime

import "time"

// BackoffPolicy computes the delay before an automatic reconnect.
type BackoffPolicy struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

// DefaultBackoff grows 1s by 1.5x per attempt up to 10s.
var DefaultBackoff = BackoffPolicy{
	Base:   time.Second,
	Factor: 1.5,
	Max:    10 * time.Second,
}

// Delay returns min(Base * Factor^attempts, Max).
func (p BackoffPolicy) Delay(attempts int) time.Duration {
	d := float64(p.Base)
	for i := 0; i < attempts; i++ {
		d *= p.Factor
		if d >= float64(p.Max) {
			return p.Max
		}
	}
	if d >= float64(p.Max) {
		return p.Max
	}
	return time.Duration(d)
}
