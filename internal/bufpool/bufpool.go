// Package bufpool implements the memory-pool allocator contract spec
// §1 scopes to "its contract, not its internals": Get returns a
// reusable byte slice sized class-wise, Put returns it to the pool.
// sync.Pool is the idiomatic Go expression of this contract — a
// per-P free list with the same "reuse under pressure, collect under
// GC" behavior the original's fixed-size-class pool targets, without
// requiring a bespoke allocator.
package bufpool

import "sync"

// sizeClasses mirrors a typical fixed-size-class pool: small buffers
// for headers, large ones for static-file reads under the zero-copy
// threshold. Get rounds up to the nearest class.
var sizeClasses = []int{4 << 10, 16 << 10, 64 << 10, 256 << 10}

// Pool hands out []byte buffers from one of a fixed set of size
// classes, backed by a sync.Pool per class so buffers are reused
// across requests instead of allocated fresh each time.
type Pool struct {
	maxTotal uint64
	inUse    uint64
	mu       sync.Mutex
	classes  []*sync.Pool
}

// New creates a Pool. maxTotalBytes bounds how many bytes may be
// checked out at once (spec §5's "memory-pool total ≤ configured");
// once the cap is hit, Get falls back to a plain allocation that is
// never pooled rather than blocking a reactor callback.
func New(maxTotalBytes uint64) *Pool {
	p := &Pool{maxTotal: maxTotalBytes}
	for _, size := range sizeClasses {
		size := size
		p.classes = append(p.classes, &sync.Pool{
			New: func() any { return make([]byte, size) },
		})
	}
	return p
}

// Get returns a buffer of at least n bytes. The returned slice's
// length equals its capacity; callers reslice as needed.
func (p *Pool) Get(n int) []byte {
	class := p.classFor(n)
	if class < 0 {
		return make([]byte, n)
	}

	p.mu.Lock()
	if p.maxTotal > 0 && p.inUse+uint64(sizeClasses[class]) > p.maxTotal {
		p.mu.Unlock()
		return make([]byte, n)
	}
	p.inUse += uint64(sizeClasses[class])
	p.mu.Unlock()

	buf := p.classes[class].Get().([]byte)
	return buf[:sizeClasses[class]]
}

// Put returns buf to its size class. Buffers not originally obtained
// from a size class (oversize or cap-rejected allocations) are
// silently dropped rather than pooled.
func (p *Pool) Put(buf []byte) {
	class := p.classFor(cap(buf))
	if class < 0 || cap(buf) != sizeClasses[class] {
		return
	}

	p.mu.Lock()
	if p.inUse >= uint64(sizeClasses[class]) {
		p.inUse -= uint64(sizeClasses[class])
	} else {
		p.inUse = 0
	}
	p.mu.Unlock()

	p.classes[class].Put(buf[:cap(buf)])
}

// InUse reports how many bytes are currently checked out, for metrics.
func (p *Pool) InUse() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

func (p *Pool) classFor(n int) int {
	for i, size := range sizeClasses {
		if n <= size {
			return i
		}
	}
	return -1
}
