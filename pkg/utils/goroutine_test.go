package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type recordingTB struct {
	testing.TB
	failed bool
}

func (r *recordingTB) Helper() {}
func (r *recordingTB) Errorf(string, ...interface{}) { r.failed = true }

func TestLeakChecker_NoLeak(t *testing.T) {
	c := NewLeakChecker(t)

	done := make(chan struct{})
	go func() { close(done) }()
	<-done

	c.Verify()
}

func TestLeakChecker_DetectsLeak(t *testing.T) {
	rec := &recordingTB{TB: t}
	c := NewLeakChecker(rec).WithSettle(100 * time.Millisecond)

	stop := make(chan struct{})
	go func() { <-stop }()

	c.Verify()
	close(stop)
	assert.True(t, rec.failed)
}
