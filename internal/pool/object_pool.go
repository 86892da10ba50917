// Package pool provides object pooling using sync.Pool.
package pool

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// Pool is a generic object pool.
type Pool[T any] struct {
	pool  sync.Pool
	reset func(*T)

	// Metrics
	gets atomic.Int64
	puts atomic.Int64
	news atomic.Int64
}

// NewPool creates a new object pool. reset runs before an object is returned
// to the pool and may replace it.
func NewPool[T any](newFunc func() T, resetFunc func(*T)) *Pool[T] {
	p := &Pool[T]{reset: resetFunc}
	p.pool.New = func() any {
		p.news.Add(1)
		return newFunc()
	}
	return p
}

// Get retrieves an object from the pool.
func (p *Pool[T]) Get() T {
	p.gets.Add(1)
	return p.pool.Get().(T)
}

// Put returns an object to the pool.
func (p *Pool[T]) Put(obj T) {
	p.puts.Add(1)
	if p.reset != nil {
		p.reset(&obj)
	}
	p.pool.Put(obj)
}

// Stats returns pool statistics.
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Gets: p.gets.Load(),
		Puts: p.puts.Load(),
		News: p.news.Load(),
	}
}

// PoolStats contains pool statistics.
type PoolStats struct {
	Gets int64 `json:"gets"`
	Puts int64 `json:"puts"`
	News int64 `json:"news"`
}

// HitRate returns the fraction of Gets served without allocating.
func (s PoolStats) HitRate() float64 {
	if s.Gets == 0 {
		return 0
	}
	return float64(s.Gets-s.News) / float64(s.Gets)
}

// maxRetainedBuffer 超过该容量的缓冲区不回收，避免大图响应长期占用内存
const maxRetainedBuffer = 4 << 20

// ByteBufferPool 上游响应体读取缓冲区。
// 从缓冲区派生的数据必须在 Put 之前拷贝出来。
var ByteBufferPool = NewPool(
	func() *bytes.Buffer {
		return bytes.NewBuffer(make([]byte, 0, 64<<10))
	},
	func(b **bytes.Buffer) {
		if (*b).Cap() > maxRetainedBuffer {
			*b = bytes.NewBuffer(make([]byte, 0, 64<<10))
			return
		}
		(*b).Reset()
	},
)
