package download

import "time"

// rateWindow is the sampling window for the transfer rate.
const rateWindow = 500 * time.Millisecond

// rateMeter smooths the transfer rate with an exponential moving average
// over fixed windows. Each new window sample is weighted 1/4.
type rateMeter struct {
	now         func() time.Time
	windowStart time.Time
	windowBytes int64
	rate        float64
}

func newRateMeter(now func() time.Time) *rateMeter {
	return &rateMeter{now: now, windowStart: now()}
}

// observe records n bytes and returns the current rate in bytes/second.
func (r *rateMeter) observe(n int64) float64 {
	r.windowBytes += n
	now := r.now()
	elapsed := now.Sub(r.windowStart)
	if elapsed >= rateWindow || (r.rate == 0 && elapsed > 0) {
		sample := float64(r.windowBytes) / elapsed.Seconds()
		if r.rate == 0 {
			r.rate = sample
		} else {
			r.rate = (r.rate*3 + sample) / 4
		}
		r.windowStart = now
		r.windowBytes = 0
	}
	return r.rate
}
