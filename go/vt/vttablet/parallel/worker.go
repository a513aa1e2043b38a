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
	"errors"
	"sync"

	"parapply.io/parapply/go/vt/binlog/event"
	"parapply.io/parapply/go/vt/log"
)

// freeBatch is the number of recycled groups a worker keeps locally before
// handing them back to its shared free list.
const freeBatch = 16

type itemKind int

const (
	itemEvent itemKind = iota
	// itemPosition only moves the cursor forward.
	itemPosition
	// itemAbandonStop and itemAbandonRestart end a group the dispatcher
	// will not complete.
	itemAbandonStop
	itemAbandonRestart
)

type queueItem struct {
	kind itemKind
	g    *group
	gen  uint64
	ev   *event.Event
	// start and end mark the first and last event of a group.
	start, end bool
	span       *span
	size       int64
	weight     int64
}

// workerSlot is the handle a domain keeps on a worker it owns. A worker
// whose owner no longer points at the slot was reclaimed by the pool.
type workerSlot struct {
	w *worker
}

type worker struct {
	id   int
	pool *pool
	svc  *Service
	done chan struct{}

	mu          sync.Mutex
	cond        *sync.Cond
	queue       []queueItem
	queuedBytes int64
	owner       *workerSlot
	sharedFree  []*group
	exit        bool

	// Owned by the worker goroutine.
	cur       *group
	batch     []queueItem
	localFree []*group
}

func newWorker(p *pool, id int) *worker {
	w := &worker{
		id:   id,
		pool: p,
		svc:  p.svc,
		done: make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

func (w *worker) stop() {
	w.mu.Lock()
	w.exit = true
	w.cond.Broadcast()
	w.mu.Unlock()
}

// enqueueLocked appends it to the queue and wakes the worker. w.mu must be
// held.
func (w *worker) enqueueLocked(it queueItem) {
	w.queue = append(w.queue, it)
	w.queuedBytes += it.size
	queuedBytes.Add(it.size)
	w.cond.Broadcast()
}

// allocGroupLocked takes a group from the shared free list. w.mu must be
// held.
func (w *worker) allocGroupLocked() *group {
	if n := len(w.sharedFree); n > 0 {
		g := w.sharedFree[n-1]
		w.sharedFree[n-1] = nil
		w.sharedFree = w.sharedFree[:n-1]
		return g
	}
	return &group{}
}

// waitBudgetLocked blocks until the queue has room for size more bytes.
// An empty queue always accepts. w.mu must be held.
func (w *worker) waitBudgetLocked(ctx context.Context, size int64, owner *workerSlot) error {
	limit := w.svc.cfg.WorkerQueueBytes
	if w.queuedBytes == 0 || w.queuedBytes+size <= limit {
		return nil
	}
	stop := context.AfterFunc(ctx, func() {
		w.mu.Lock()
		w.cond.Broadcast()
		w.mu.Unlock()
	})
	defer stop()
	for w.queuedBytes > 0 && w.queuedBytes+size > limit {
		if owner != nil && w.owner != owner {
			return errReclaimed
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		w.cond.Wait()
	}
	return nil
}

func (w *worker) run() {
	defer close(w.done)
	for {
		w.mu.Lock()
		for len(w.queue) == 0 {
			if w.cur == nil && w.owner != nil {
				w.flushFreeLocked()
				w.owner = nil
				w.pool.release(w)
			}
			if w.exit {
				w.mu.Unlock()
				if g := w.cur; g != nil {
					log.Warningf("Worker %d exiting in the middle of group %v, rolling it back", w.id, g.gtid)
					w.abandon(g, resultSkipped)
				}
				return
			}
			w.cond.Wait()
		}
		w.batch = append(w.batch[:0], w.queue...)
		clear(w.queue)
		w.queue = w.queue[:0]
		queuedBytes.Add(-w.queuedBytes)
		w.queuedBytes = 0
		w.cond.Broadcast()
		w.mu.Unlock()

		var weight int64
		for i := range w.batch {
			weight += w.batch[i].weight
		}
		w.svc.releaseBudget(weight)

		for i := range w.batch {
			w.handle(&w.batch[i])
			w.batch[i] = queueItem{}
		}
		if len(w.localFree) >= freeBatch {
			w.mu.Lock()
			w.flushFreeLocked()
			w.mu.Unlock()
		}
	}
}

func (w *worker) flushFreeLocked() {
	w.sharedFree = append(w.sharedFree, w.localFree...)
	clear(w.localFree)
	w.localFree = w.localFree[:0]
}

func (w *worker) recycle(g *group) {
	g.reset()
	w.localFree = append(w.localFree, g)
	if w.cur == g {
		w.cur = nil
	}
}

func (w *worker) handle(it *queueItem) {
	if it.kind == itemPosition {
		w.svc.positionDone(it.span)
		return
	}
	g := it.g
	if it.gen != g.gen {
		log.Errorf("Worker %d got an item for a recycled group (generation %d, want %d), dropping it", w.id, it.gen, g.gen)
		return
	}
	switch it.kind {
	case itemAbandonStop:
		w.abandon(g, resultSkipped)
	case itemAbandonRestart:
		w.abandon(g, resultAbandoned)
	case itemEvent:
		if it.start {
			w.startGroup(g)
			return
		}
		g.events++
		if it.end {
			w.endGroup(g, it.ev)
			return
		}
		w.bodyEvent(g, it.ev)
	}
}

// startGroup waits for the group's batch to be allowed to run and opens
// its transaction, or decides to skip it.
func (w *worker) startGroup(g *group) {
	w.cur = g
	g.events = 1
	g.outcome = resultSkipped
	skip, err := g.e.waitForStart(w.svc.ctx, g)
	if err != nil || skip {
		g.skip = true
		return
	}
	if err := w.begin(g); err != nil {
		if err = w.retry(g, err); err != nil {
			w.fail(g, err)
		}
	}
}

func (w *worker) bodyEvent(g *group, ev *event.Event) {
	if g.skip {
		return
	}
	if err := g.tx.Apply(g.ctx, ev); err != nil {
		if err = w.retry(g, err); err != nil {
			w.fail(g, err)
		}
	}
}

func (w *worker) endGroup(g *group, ev *event.Event) {
	if g.skip {
		w.finishUnapplied(g)
		return
	}
	if err := w.commit(g, ev); err != nil {
		if err = w.retry(g, err); err != nil {
			w.fail(g, err)
			w.finishUnapplied(g)
		}
	}
}

// commit runs the end of a group: the start of its commit is announced
// before the last event is applied, then the group waits for its
// predecessor and commits.
func (w *worker) commit(g *group, ev *event.Event) error {
	g.e.markStartCommit(g)
	if !ev.IsCommitMarker() {
		if err := g.tx.Apply(g.ctx, ev); err != nil {
			return err
		}
	}
	if err := g.e.waitForPriorCommit(g.ctx, g); err != nil {
		return err
	}
	if err := g.tx.Commit(g.ctx); err != nil {
		return err
	}
	g.tx = nil
	g.e.finish(g, resultCommitted)
	w.svc.groupFinished(g, resultCommitted)
	w.recycle(g)
	return nil
}

// fail handles an error that will not be retried. The rest of the group's
// events are ignored and the group finishes when its end arrives.
func (w *worker) fail(g *group, err error) {
	w.rollback(g)
	g.skip = true
	switch {
	case errors.Is(err, errPriorNotApplied):
		g.outcome = resultSkipped
	case w.svc.ctx.Err() != nil:
		g.outcome = resultSkipped
	default:
		g.outcome = resultFailed
		g.e.setStopOnError(g)
		log.Errorf("Domain %d group %d (%v) failed: %v", g.e.domain, g.subID, g.gtid, err)
		w.svc.recordError(err, g)
	}
}

// finishUnapplied finishes a group that was not applied, in commit order.
func (w *worker) finishUnapplied(g *group) {
	g.e.markStartCommit(g)
	if err := g.e.waitPriorFinished(w.svc.ctx, g); err != nil {
		log.V(1).Infof("Finishing group %d of domain %d out of order on shutdown", g.subID, g.e.domain)
	}
	g.e.finish(g, g.outcome)
	w.svc.groupFinished(g, g.outcome)
	w.recycle(g)
}

func (w *worker) abandon(g *group, res result) {
	w.rollback(g)
	g.skip = true
	if g.outcome != resultFailed {
		g.outcome = res
	}
	w.finishUnapplied(g)
}

// begin starts a new attempt at g.
func (w *worker) begin(g *group) error {
	ctx, cancel := context.WithCancel(w.svc.ctx)
	g.e.mu.Lock()
	g.cancel = cancel
	g.committing = false
	g.killed.Store(false)
	g.e.mu.Unlock()
	g.ctx = ctx

	tx, err := w.svc.exec.Begin(ctx, g.ref())
	if err != nil {
		return err
	}
	g.tx = tx
	return nil
}

func (w *worker) rollback(g *group) {
	if g.tx != nil {
		if err := g.tx.Rollback(); err != nil {
			log.Warningf("Rollback of group %d of domain %d failed: %v", g.subID, g.e.domain, err)
		}
		g.tx = nil
	}
	g.e.mu.Lock()
	if g.cancel != nil {
		g.cancel()
		g.cancel = nil
	}
	g.e.mu.Unlock()
}
