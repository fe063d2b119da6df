package export

import (
	"fmt"
	"time"

	"github.com/marmos91/rawexport/internal/logger"
)

// rateLimit is a token bucket allowing at most burst events per interval.
type rateLimit struct {
	interval time.Duration
	burst    uint
	begin    time.Time
	num      uint
	now      func() time.Time // swappable for tests
}

func newRateLimit(interval time.Duration, burst uint) *rateLimit {
	return &rateLimit{
		interval: interval,
		burst:    burst,
		now:      time.Now,
	}
}

// allow reports whether another event fits in the current window, starting a
// new window when the previous one has elapsed.
func (rl *rateLimit) allow() bool {
	ts := rl.now()

	if rl.begin.IsZero() || ts.Sub(rl.begin) > rl.interval {
		rl.begin = ts
		rl.num = 1
		return true
	}

	if rl.num < rl.burst {
		rl.num++
		return true
	}

	return false
}

// reportProgress derives a completion percentage from the uncompressed byte
// counter, suppresses duplicates, rate-limits emission, and publishes the
// result to the status notifier and the log.
//
// Only called after at least one byte of work, so the -1 sentinel in
// lastPercent never leaks a premature 0%.
func (s *Session) reportProgress() {
	var percent int
	if s.size <= 0 || s.writtenUncompressed >= uint64(s.size) {
		percent = 100
	} else {
		percent = int(s.writtenUncompressed * 100 / uint64(s.size))
	}

	if percent == s.lastPercent {
		return
	}

	if !s.limiter.allow() {
		return
	}

	_ = s.notifier.Notify(fmt.Sprintf("X_EXPORT_PROGRESS=%d", percent))
	logger.Info("export progress",
		logger.KeySessionID, s.id,
		logger.KeyPath, s.path,
		logger.KeyPercent, percent)

	s.lastPercent = percent
}
