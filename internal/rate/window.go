// Package rate provides the two limiters chatd uses: a fixed-window counter
// for message rates inside the hub, and a token-bucket gate for connection
// attempts on the accept path.
package rate

import "time"

// Window is a fixed-window counter. Each Allow increments the count for the
// current window; the call is admitted while the count stays at or below the
// limit. When the window elapses the count resets.
//
// Not safe for concurrent use; callers hold their own lock (the hub holds its
// critical section across every check).
type Window struct {
	limit  int
	period time.Duration
	count  int
	start  time.Time
}

// NewWindow returns a limiter admitting limit events per period.
func NewWindow(limit int, period time.Duration) *Window {
	return &Window{
		limit:  limit,
		period: period,
		start:  time.Now(),
	}
}

// Allow records one event and reports whether it is within the limit.
func (w *Window) Allow() bool {
	return w.allowAt(time.Now())
}

func (w *Window) allowAt(now time.Time) bool {
	if now.Sub(w.start) >= w.period {
		w.start = now
		w.count = 0
	}
	w.count++
	return w.count <= w.limit
}
