// Package connlimit 은 클라이언트 식별자(IP) 별 동시 연결 수를 제한합니다.
//
// Admit 이 true 를 반환한 연결은 종료 시 정확히 한 번 Release 되어야 합니다.
// Ticket 은 이 "정확히 한 번" 규칙을 sync.Once 로 보장하는 핸들입니다.
package connlimit

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultMaxPerIdentity 는 식별자당 기본 동시 연결 상한입니다. (nginx limit_conn addr 10)
const DefaultMaxPerIdentity = 10

const shardCount = 64

type shard struct {
	mu     sync.Mutex
	counts map[string]int
}

// Limiter 는 식별자 -> 현재 연결 수 레지스트리입니다.
// 카운터가 0 이 되면 엔트리를 삭제하므로 별도의 유휴 정리가 필요 없습니다.
type Limiter struct {
	max    int
	shards [shardCount]shard
}

// New 는 식별자당 최대 limit 개의 동시 연결을 허용하는 Limiter 를 생성합니다.
func New(limit int) *Limiter {
	if limit <= 0 {
		limit = DefaultMaxPerIdentity
	}
	l := &Limiter{max: limit}
	for i := range l.shards {
		l.shards[i].counts = make(map[string]int)
	}
	return l
}

func (l *Limiter) shardFor(identity string) *shard {
	return &l.shards[xxhash.Sum64String(identity)%shardCount]
}

// Admit 은 식별자의 카운터가 상한 미만이면 1 증가시키고 true 를 반환합니다.
// false 인 경우 카운터는 변경되지 않으며 Release 를 호출하면 안 됩니다.
func (l *Limiter) Admit(identity string) bool {
	s := l.shardFor(identity)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.counts[identity] >= l.max {
		return false
	}
	s.counts[identity]++
	return true
}

// Release 는 식별자의 카운터를 1 감소시킵니다.
// 카운터가 없으면(짝이 맞지 않는 호출) 아무것도 하지 않고 false 를 반환합니다.
func (l *Limiter) Release(identity string) bool {
	s := l.shardFor(identity)
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.counts[identity]
	if !ok || n <= 0 {
		return false
	}
	if n == 1 {
		delete(s.counts, identity)
	} else {
		s.counts[identity] = n - 1
	}
	return true
}

// Count 는 식별자의 현재 연결 수를 반환합니다.
func (l *Limiter) Count(identity string) int {
	s := l.shardFor(identity)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[identity]
}

// Max 는 식별자당 상한을 반환합니다.
func (l *Limiter) Max() int {
	return l.max
}

// Len 은 연결이 하나 이상 열려 있는 식별자 수를 반환합니다.
func (l *Limiter) Len() int {
	n := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		n += len(s.counts)
		s.mu.Unlock()
	}
	return n
}

// Ticket 은 승인된 연결 하나를 나타냅니다.
type Ticket struct {
	l        *Limiter
	identity string
	once     sync.Once
}

// Acquire 는 Admit 과 같지만, 성공 시 정확히 한 번만 Release 되는 Ticket 을 반환합니다.
func (l *Limiter) Acquire(identity string) (*Ticket, bool) {
	if !l.Admit(identity) {
		return nil, false
	}
	return &Ticket{l: l, identity: identity}, true
}

// Identity 는 티켓의 식별자를 반환합니다.
func (t *Ticket) Identity() string {
	return t.identity
}

// Release 는 여러 번 호출되어도 카운터를 한 번만 감소시킵니다.
func (t *Ticket) Release() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		t.l.Release(t.identity)
	})
}
