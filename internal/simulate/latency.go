package simulate

import (
	"math/rand"
	"sync"
	"time"
)

const (
	DefaultMinLatency = 100 * time.Millisecond
	DefaultMaxLatency = 1500 * time.Millisecond
	DefaultLossRate   = 0.01
)

// LatencySampler produces link latency samples and packet loss events.
type LatencySampler struct {
	mu   sync.Mutex
	rng  *rand.Rand
	min  time.Duration
	max  time.Duration
	loss float64
}

// NewLatencySampler samples uniformly from [min, max). Zero values take the
// defaults above; a negative loss disables packet loss.
func NewLatencySampler(seed int64, min, max time.Duration, loss float64) *LatencySampler {
	if min <= 0 {
		min = DefaultMinLatency
	}
	if max <= min {
		max = min + (DefaultMaxLatency - DefaultMinLatency)
	}
	if loss == 0 {
		loss = DefaultLossRate
	}
	if loss < 0 {
		loss = 0
	}
	return &LatencySampler{rng: rand.New(rand.NewSource(seed)), min: min, max: max, loss: loss}
}

// Sample returns the next latency and whether the packet was lost.
func (s *LatencySampler) Sample() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.min + time.Duration(s.rng.Int63n(int64(s.max-s.min)))
	return d, s.rng.Float64() < s.loss
}
