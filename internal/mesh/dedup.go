package mesh

import (
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

const (
	// defaultSeenTTL is how long a relayed frame is remembered.
	defaultSeenTTL = 2 * time.Minute

	// sweepInterval is the period of the expiry sweep.
	sweepInterval = 10 * time.Second
)

// seenSet remembers frame digests for a TTL so a frame circulating through
// a cyclic peer topology is delivered and relayed at most once per window.
type seenSet struct {
	mu    sync.Mutex
	ttl   time.Duration
	until map[[32]byte]time.Time // until maps a digest to its expiry
	now   func() time.Time       // now is replaceable in tests
	stop  chan struct{}
	wg    sync.WaitGroup
}

func newSeenSet(ttl time.Duration) *seenSet {
	if ttl <= 0 {
		ttl = defaultSeenTTL
	}

	return &seenSet{
		ttl:   ttl,
		until: make(map[[32]byte]time.Time),
		now:   time.Now,
		stop:  make(chan struct{}),
	}
}

// firstSight records body and reports whether it was not already present.
func (s *seenSet) firstSight(body []byte) bool {
	digest := blake3.Sum256(body)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if exp, ok := s.until[digest]; ok && now.Before(exp) {
		return false
	}

	s.until[digest] = now.Add(s.ttl)

	return true
}

func (s *seenSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.until)
}

// sweep drops expired digests.
func (s *seenSet) sweep() {
	now := s.now()

	s.mu.Lock()
	for d, exp := range s.until {
		if !now.Before(exp) {
			delete(s.until, d)
		}
	}
	s.mu.Unlock()
}

// run sweeps periodically until close.
func (s *seenSet) run() {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.sweep()
			case <-s.stop:
				return
			}
		}
	}()
}

func (s *seenSet) close() {
	close(s.stop)
	s.wg.Wait()
}
