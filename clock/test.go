package clock

import (
	"sync"
	"time"
)

// TestClock is a settable clock for tests.
type TestClock struct {
	mu    sync.Mutex
	nowMs uint64
}

func NewTestClock(startMs uint64) *TestClock {
	return &TestClock{nowMs: startMs}
}

func (tc *TestClock) CurrentTimeMs() uint64 {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.nowMs
}

func (tc *TestClock) CurrentTimeSec() uint64 {
	return tc.CurrentTimeMs() / 1000
}

func (tc *TestClock) Now() time.Time {
	return time.UnixMilli(int64(tc.CurrentTimeMs()))
}

func (tc *TestClock) AdvanceMs(d uint64) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.nowMs += d
}
