// Package utils holds test helpers shared across packages.
package utils

import (
	"runtime"
	"testing"
	"time"
)

// LeakChecker compares goroutine counts before and after a test body.
// Transports and dispatch loops start goroutines per request, so every
// Serve or Close path should settle back to the baseline.
type LeakChecker struct {
	t        testing.TB
	baseline int
	slack    int
	settle   time.Duration
}

// NewLeakChecker records the current goroutine count as the baseline.
func NewLeakChecker(t testing.TB) *LeakChecker {
	t.Helper()
	c := &LeakChecker{t: t, settle: 2 * time.Second}
	c.baseline = runtime.NumGoroutine()
	return c
}

// WithSlack tolerates n extra goroutines, for runtimes like net/http that
// keep idle workers around.
func (c *LeakChecker) WithSlack(n int) *LeakChecker {
	c.slack = n
	return c
}

// WithSettle sets how long Verify waits for goroutines to exit.
func (c *LeakChecker) WithSettle(d time.Duration) *LeakChecker {
	c.settle = d
	return c
}

// Verify polls until the goroutine count is back within slack of the
// baseline and fails the test with a full stack dump otherwise.
func (c *LeakChecker) Verify() {
	c.t.Helper()

	deadline := time.Now().Add(c.settle)
	current := runtime.NumGoroutine()
	for current > c.baseline+c.slack && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
		current = runtime.NumGoroutine()
	}
	if current <= c.baseline+c.slack {
		return
	}

	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	c.t.Errorf("goroutine leak: baseline %d, now %d (slack %d)\n%s", c.baseline, current, c.slack, buf[:n])
}
