package ratelimit

import (
	"sync"
	"time"
)

// Clock 은 token bucket 보충 계산에 사용하는 시간 소스입니다.
// 테스트에서는 FakeClock 으로 시간을 결정적으로 진행시킬 수 있습니다.
type Clock interface {
	Now() time.Time
}

// SystemClock 은 time.Now 를 사용하는 기본 Clock 입니다.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// FakeClock 은 수동으로 진행시키는 Clock 입니다.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock 은 start 시각에 멈춰 있는 FakeClock 을 생성합니다.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance 는 시계를 d 만큼 앞으로 진행시킵니다.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
