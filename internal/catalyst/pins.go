package catalyst

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// Pins protects hashes that are being written but are not yet referenced by a
// committed deployment. Garbage collection skips pinned hashes. While a sweep
// runs, hashes that get unpinned stay protected until the sweep ends, since
// the sweep's referenced set predates their commit.
type Pins struct {
	counts *xsync.MapOf[string, int]

	mu       sync.Mutex
	sweeps   int
	released *xsync.MapOf[string, struct{}]
}

func NewPins() *Pins {
	return &Pins{
		counts:   xsync.NewMapOf[string, int](),
		released: xsync.NewMapOf[string, struct{}](),
	}
}

// Pin holds each hash until the returned function is called.
func (p *Pins) Pin(hashes ...string) (unpin func()) {
	for _, h := range hashes {
		p.counts.Compute(h, func(old int, _ bool) (int, bool) {
			return old + 1, false
		})
	}
	return func() {
		p.mu.Lock()
		sweeping := p.sweeps > 0
		p.mu.Unlock()
		for _, h := range hashes {
			if sweeping {
				p.released.Store(h, struct{}{})
			}
			p.counts.Compute(h, func(old int, _ bool) (int, bool) {
				return old - 1, old <= 1
			})
		}
	}
}

func (p *Pins) Pinned(hash string) bool {
	if n, ok := p.counts.Load(hash); ok && n > 0 {
		return true
	}
	_, ok := p.released.Load(hash)
	return ok
}

// BeginSweep marks a garbage collection sweep as running.
func (p *Pins) BeginSweep() (end func()) {
	p.mu.Lock()
	p.sweeps++
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.sweeps--
		if p.sweeps == 0 {
			p.released.Clear()
		}
	}
}
