// Package ratelimit 은 클라이언트 식별자(IP) 별 token bucket 요청 제한을 제공합니다.
//
// 각 식별자는 첫 요청 시 capacity 만큼 가득 찬 bucket 을 lazily 할당받고,
// 초당 RefillRate 개의 토큰이 capacity 까지 보충됩니다. 요청 하나가 토큰 하나를 소비하며,
// 토큰이 1 개 미만이면 거부되고 토큰은 변경되지 않습니다.
// (nginx 의 "limit_req rate=10r/s burst=20 nodelay" 와 같은 의미)
//
// 유휴 상태가 IdleTTL 을 넘은 bucket 은 Sweep 으로 정리됩니다.
package ratelimit

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/time/rate"
)

const shardCount = 64

// Config 는 Limiter 설정입니다.
type Config struct {
	Capacity   int           // bucket 용량 (burst)
	RefillRate float64       // 초당 보충 토큰 수
	IdleTTL    time.Duration // 마지막 요청 이후 bucket 을 보존하는 시간
	Clock      Clock         // nil 이면 SystemClock
}

// DefaultConfig 는 10 req/s, burst 20, 10 분 유휴 보존 설정을 반환합니다.
func DefaultConfig() Config {
	return Config{
		Capacity:   20,
		RefillRate: 10,
		IdleTTL:    10 * time.Minute,
	}
}

// bucket 은 식별자 하나의 RateBucket 입니다.
// mu 는 보충/소비와 eviction 을 직렬화합니다.
type bucket struct {
	mu       sync.Mutex
	limiter  *rate.Limiter
	lastSeen time.Time
	evicted  bool
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// Limiter 는 식별자 -> bucket 레지스트리입니다.
// 서로 다른 식별자는 다른 bucket 락을 사용하므로 보충/소비 단계에서 경합하지 않습니다.
type Limiter struct {
	cfg    Config
	clock  Clock
	shards [shardCount]shard
}

// New 는 Limiter 를 생성합니다. 0 이하의 값은 DefaultConfig 값으로 대체됩니다.
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.RefillRate <= 0 {
		cfg.RefillRate = def.RefillRate
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = def.IdleTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock{}
	}

	l := &Limiter{cfg: cfg, clock: clock}
	for i := range l.shards {
		l.shards[i].buckets = make(map[string]*bucket)
	}
	return l
}

func (l *Limiter) shardFor(identity string) *shard {
	return &l.shards[xxhash.Sum64String(identity)%shardCount]
}

// lookup 은 식별자의 bucket 을 찾거나 새로 만듭니다. shard 락은 조회 동안만 잡습니다.
func (l *Limiter) lookup(identity string, create bool) *bucket {
	s := l.shardFor(identity)
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[identity]
	if !ok && create {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(l.cfg.RefillRate), l.cfg.Capacity)}
		s.buckets[identity] = b
	}
	return b
}

// Allow 는 요청 하나에 대해 토큰을 소비할 수 있으면 true 를 반환합니다.
// 거부된 요청은 토큰을 소비하지 않습니다.
func (l *Limiter) Allow(identity string) bool {
	for {
		b := l.lookup(identity, true)
		b.mu.Lock()
		if b.evicted {
			// Sweep 이 조회와 락 사이에 bucket 을 제거했습니다. 새 bucket 으로 재시도합니다.
			b.mu.Unlock()
			continue
		}
		now := l.clock.Now()
		b.lastSeen = now
		ok := b.limiter.AllowN(now, 1)
		b.mu.Unlock()
		return ok
	}
}

// Tokens 는 식별자의 현재 토큰 수를 반환합니다. bucket 이 없으면 (capacity, false) 입니다.
func (l *Limiter) Tokens(identity string) (float64, bool) {
	b := l.lookup(identity, false)
	if b == nil {
		return float64(l.cfg.Capacity), false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.evicted {
		return float64(l.cfg.Capacity), false
	}
	return b.limiter.TokensAt(l.clock.Now()), true
}

// Sweep 은 IdleTTL 이상 요청이 없던 bucket 을 제거하고 제거된 개수를 반환합니다.
// 진행 중인 Allow 가 있는 bucket 은 그 호출이 끝날 때까지 기다린 뒤 다시 판단합니다.
func (l *Limiter) Sweep() int {
	now := l.clock.Now()
	removed := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for id, b := range s.buckets {
			b.mu.Lock()
			if now.Sub(b.lastSeen) >= l.cfg.IdleTTL {
				b.evicted = true
				delete(s.buckets, id)
				removed++
			}
			b.mu.Unlock()
		}
		s.mu.Unlock()
	}
	return removed
}

// Len 은 현재 추적 중인 식별자 수를 반환합니다.
func (l *Limiter) Len() int {
	n := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		n += len(s.buckets)
		s.mu.Unlock()
	}
	return n
}

// Config 는 적용된 설정을 반환합니다.
func (l *Limiter) Config() Config {
	return l.cfg
}
