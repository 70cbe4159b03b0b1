package order

import (
	"log"
	"sync"
)

// Pool bounds how many broker calls run at once. Every task gets its own
// goroutine; a slot must be acquired before it runs.
type Pool struct {
	slots  chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewPool creates a pool with the given worker count.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = 10
	}
	return &Pool{slots: make(chan struct{}, workers)}
}

// Go runs fn on the pool. It returns false once the pool is closed.
func (p *Pool) Go(fn func()) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		log.Printf("❌ order pool closed, task rejected")
		return false
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		p.slots <- struct{}{}
		defer func() { <-p.slots }()
		fn()
	}()
	return true
}

// Run executes fn(i) for i in [0,n) on the pool and waits for all of them.
// Indices rejected by a closed pool are reported back.
func (p *Pool) Run(n int, fn func(i int)) (rejected []int) {
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		if !p.Go(func() {
			defer wg.Done()
			fn(i)
		}) {
			wg.Done()
			rejected = append(rejected, i)
		}
	}
	wg.Wait()
	return rejected
}

// Busy returns the number of occupied slots.
func (p *Pool) Busy() int {
	return len(p.slots)
}

// Size returns the worker count.
func (p *Pool) Size() int {
	return cap(p.slots)
}

// Close rejects new tasks and waits for running ones.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}
