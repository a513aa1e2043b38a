/*
Copyright 2026 The Vitess Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package parallel

import (
	"context"
	"sync"

	"parapply.io/parapply/go/vt/log"
	"parapply.io/parapply/go/vt/vterrors"
)

var (
	// ErrServiceClosed is returned when the service shut down while the
	// caller was waiting on it.
	ErrServiceClosed = vterrors.New(vterrors.Canceled, "parallel apply service is closed")
	// ErrPoolBusy is returned when the pool is resized while in use.
	ErrPoolBusy = vterrors.New(vterrors.FailedPrecondition, "worker pool is in use")
)

// pool is the fixed set of workers shared by all domains. A worker is idle
// when no domain owns it.
type pool struct {
	svc *Service

	mu      sync.Mutex
	cond    *sync.Cond
	workers []*worker
	idle    []*worker
	nextID  int
	closed  bool
}

func newPool(svc *Service, size int) *pool {
	p := &pool{svc: svc}
	p.cond = sync.NewCond(&p.mu)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.growLocked(size)
	return p
}

func (p *pool) growLocked(n int) {
	for i := 0; i < n; i++ {
		p.nextID++
		w := newWorker(p, p.nextID)
		p.workers = append(p.workers, w)
		p.idle = append(p.idle, w)
		go w.run()
	}
	workersTotal.Set(int64(len(p.workers)))
}

// get hands an idle worker to owner, blocking until one is available.
func (p *pool) get(ctx context.Context, owner *workerSlot) (*worker, error) {
	p.mu.Lock()
	if len(p.idle) == 0 && !p.closed {
		stop := context.AfterFunc(ctx, func() {
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		})
		for len(p.idle) == 0 && !p.closed && ctx.Err() == nil {
			p.cond.Wait()
		}
		stop()
	}
	if p.closed {
		p.mu.Unlock()
		return nil, ErrServiceClosed
	}
	if len(p.idle) == 0 {
		p.mu.Unlock()
		return nil, vterrors.Wrap(vterrors.WithCode(ctx.Err(), vterrors.Canceled), "waiting for an idle worker")
	}
	w := p.idle[len(p.idle)-1]
	p.idle[len(p.idle)-1] = nil
	p.idle = p.idle[:len(p.idle)-1]
	p.mu.Unlock()
	workersBusy.Add(1)

	w.mu.Lock()
	w.owner = owner
	w.mu.Unlock()
	return w, nil
}

// release returns w to the idle list. It is called by w itself with w.mu
// held.
func (p *pool) release(w *worker) {
	p.mu.Lock()
	p.idle = append(p.idle, w)
	p.cond.Broadcast()
	p.mu.Unlock()
	workersBusy.Add(-1)
}

func (p *pool) counts() (total, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers), len(p.idle)
}

// resize changes the number of workers. The caller guarantees no work is
// in flight, so the workers still owned by a domain are about to go idle.
func (p *pool) resize(n int) error {
	p.mu.Lock()
	for len(p.idle) != len(p.workers) && !p.closed {
		p.cond.Wait()
	}
	if p.closed {
		p.mu.Unlock()
		return ErrServiceClosed
	}
	var stopped []*worker
	switch {
	case n > len(p.workers):
		p.growLocked(n - len(p.workers))
	case n < len(p.workers):
		stopped = p.idle[n:]
		p.idle = p.idle[:n:n]
		p.workers = p.workers[:0]
		p.workers = append(p.workers, p.idle...)
		workersTotal.Set(int64(n))
	}
	p.mu.Unlock()

	for _, w := range stopped {
		w.stop()
	}
	for _, w := range stopped {
		<-w.done
	}
	log.Infof("Parallel apply worker pool resized to %d", n)
	return nil
}

// shutdown stops every worker and waits for them to exit. Workers finish
// the items already queued to them first.
func (p *pool) shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.cond.Broadcast()
	workers := p.workers
	p.workers = nil
	p.idle = nil
	p.mu.Unlock()

	for _, w := range workers {
		w.stop()
	}
	for _, w := range workers {
		<-w.done
	}
	workersTotal.Set(0)
}
