package execution

import (
	"sync"
	"time"
)

// RateLimitState bounds submission frequency: at most maxPerHour submissions
// across any rolling one-hour window, and never two submissions closer than
// minGap. It is the single process-wide shared resource on the execution
// path; the critical sections never span a network call.
type RateLimitState struct {
	mu          sync.Mutex
	maxPerHour  int
	minGap      time.Duration
	submissions []time.Time
	now         func() time.Time
}

func NewRateLimitState(maxPerHour int, minGap time.Duration) *RateLimitState {
	return &RateLimitState{
		maxPerHour: maxPerHour,
		minGap:     minGap,
		now:        time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (r *RateLimitState) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Allow reports whether a submission may proceed right now. It does not
// reserve a slot; call Record once the submission is actually attempted.
func (r *RateLimitState) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.pruneLocked(now)

	if len(r.submissions) >= r.maxPerHour {
		return false
	}
	if n := len(r.submissions); n > 0 && now.Sub(r.submissions[n-1]) < r.minGap {
		return false
	}
	return true
}

// Record marks one submission attempt against the window.
func (r *RateLimitState) Record() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submissions = append(r.submissions, r.now())
}

// InWindow returns the number of submissions inside the rolling hour.
func (r *RateLimitState) InWindow() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked(r.now())
	return len(r.submissions)
}

func (r *RateLimitState) pruneLocked(now time.Time) {
	cutoff := now.Add(-time.Hour)
	i := 0
	for i < len(r.submissions) && !r.submissions[i].After(cutoff) {
		i++
	}
	if i > 0 {
		r.submissions = append(r.submissions[:0], r.submissions[i:]...)
	}
}
