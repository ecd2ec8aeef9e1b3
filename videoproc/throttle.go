package videoproc

import (
	"time"

	"github.com/benbjohnson/clock"
)

// errorThrottle decides which of a run of repeated errors get logged. The first occurrence of an
// error is always logged, then repeats only on power of two counts. A quiet period longer than
// cooldown starts the count over.
type errorThrottle struct {
	clock    clock.Clock
	cooldown time.Duration

	prevMsg   string
	count     int
	lastErrAt time.Time
}

func newErrorThrottle(clk clock.Clock, cooldown time.Duration) *errorThrottle {
	return &errorThrottle{clock: clk, cooldown: cooldown}
}

// observe records err and returns whether to log it along with the repeat count.
func (et *errorThrottle) observe(err error) (bool, int) {
	now := et.clock.Now()
	if now.Sub(et.lastErrAt) > et.cooldown {
		et.count = 0
	}
	et.lastErrAt = now

	if msg := err.Error(); msg != et.prevMsg {
		et.prevMsg = msg
		et.count = 1
	} else {
		et.count++
	}
	return et.count&(et.count-1) == 0, et.count
}
