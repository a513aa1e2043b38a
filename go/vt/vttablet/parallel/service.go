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
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"parapply.io/parapply/go/vt/binlog/event"
	"parapply.io/parapply/go/vt/log"
	"parapply.io/parapply/go/vt/vterrors"
)

// Service owns everything the parallel apply of one log needs: the worker
// pool, the per domain commit order state, the queued bytes budget and the
// cursor bookkeeping. It is opened once and closed once.
type Service struct {
	cfg   Config
	exec  Executor
	log   Log
	store CursorStore

	ctx    context.Context
	cancel context.CancelFunc

	pool   *pool
	budget *semaphore.Weighted
	cursor *cursorTracker

	mu      sync.Mutex
	cond    *sync.Cond
	entries map[uint32]*entry
	// pending counts the groups and position items handed to workers and
	// not yet finished.
	pending     int
	openGroups  int
	dispatching int
	stopped     bool
	closed      bool
	err         error
}

// NewService validates cfg and returns a service that still needs Open.
func NewService(cfg Config, exec Executor, journal Log, store CursorStore) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	svc := &Service{
		cfg:     cfg,
		exec:    exec,
		log:     journal,
		store:   store,
		budget:  semaphore.NewWeighted(cfg.MaxQueuedBytes),
		entries: make(map[uint32]*entry),
	}
	svc.cond = sync.NewCond(&svc.mu)
	return svc, nil
}

// Open starts the workers. Groups are applied from cursor on; cancelling
// ctx aborts everything in flight.
func (svc *Service) Open(ctx context.Context, cursor *event.Cursor) error {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.pool != nil || svc.closed {
		return vterrors.New(vterrors.FailedPrecondition, "parallel apply service already opened")
	}
	if cursor == nil {
		cursor = event.NewCursor()
	}
	svc.ctx, svc.cancel = context.WithCancel(ctx)
	svc.cursor = newCursorTracker(svc.store, cursor)
	svc.pool = newPool(svc, svc.cfg.Workers)
	return nil
}

// Stop lets every group that already started run to completion and skips
// the rest. Nothing is applied after Stop.
func (svc *Service) Stop() {
	svc.mu.Lock()
	svc.stopped = true
	entries := svc.entryList()
	svc.mu.Unlock()
	for _, e := range entries {
		e.stop()
	}
}

// Close stops the service and waits for the workers to exit. Groups the
// dispatcher left open are rolled back.
func (svc *Service) Close() {
	svc.mu.Lock()
	if svc.closed || svc.pool == nil {
		svc.closed = true
		svc.mu.Unlock()
		return
	}
	svc.closed = true
	open := svc.openGroups
	svc.mu.Unlock()

	if open > 0 {
		// No more events will come for those groups.
		svc.cancel()
	}
	if err := svc.WaitIdle(svc.ctx); err != nil {
		log.Warningf("Closing parallel apply service with work in flight: %v", err)
	}
	svc.cancel()
	svc.pool.shutdown()
}

// WaitIdle blocks until every dispatched group and position item is
// finished.
func (svc *Service) WaitIdle(ctx context.Context) error {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.pending == 0 {
		return nil
	}
	stop := context.AfterFunc(ctx, func() {
		svc.mu.Lock()
		svc.cond.Broadcast()
		svc.mu.Unlock()
	})
	defer stop()
	for svc.pending > 0 {
		if err := ctx.Err(); err != nil {
			return vterrors.Wrap(vterrors.WithCode(err, vterrors.Canceled), "waiting for workers to go idle")
		}
		svc.cond.Wait()
	}
	return nil
}

// Err returns the first fatal error.
func (svc *Service) Err() error {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return svc.err
}

func (svc *Service) recordError(err error, g *group) {
	if g != nil {
		err = vterrors.Wrapf(err, "domain %d group %d (%v)", g.e.domain, g.subID, g.gtid)
	}
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.err == nil {
		svc.err = err
	}
}

// SetWorkerPoolSize resizes the worker pool. It is refused while any
// group is in flight.
func (svc *Service) SetWorkerPoolSize(n int) error {
	if n <= 0 {
		return vterrors.Errorf(vterrors.InvalidArgument, "worker pool size must be positive, got %d", n)
	}
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.pool == nil || svc.closed {
		return ErrServiceClosed
	}
	if svc.pending > 0 || svc.openGroups > 0 || svc.dispatching > 0 {
		return ErrPoolBusy
	}
	if err := svc.pool.resize(n); err != nil {
		return err
	}
	svc.cfg.Workers = n
	par := svc.cfg.domainParallelism()
	for _, e := range svc.entries {
		e.slots = make([]*workerSlot, par)
		for i := range e.slots {
			e.slots[i] = &workerSlot{}
		}
		e.slotIdx = par - 1
	}
	return nil
}

// KillForRetry aborts the current attempt of a group that waits for its
// predecessor, making it roll back and retry. It reports whether such a
// group was found.
func (svc *Service) KillForRetry(domain uint32, subID uint64) bool {
	svc.mu.Lock()
	e := svc.entries[domain]
	svc.mu.Unlock()
	return e != nil && e.killGroup(subID)
}

// entryFor returns the entry of domain, creating it on first use.
func (svc *Service) entryFor(domain uint32) (*entry, error) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if e, ok := svc.entries[domain]; ok {
		return e, nil
	}
	if len(svc.entries) >= svc.cfg.MaxDomains {
		return nil, vterrors.Errorf(vterrors.ResourceExhausted, "cannot track replication domain %d: %d domains already in use", domain, len(svc.entries))
	}
	e := newEntry(svc, domain, svc.cursor.domainPosition(domain), svc.cfg.domainParallelism())
	if svc.stopped {
		e.stop()
	}
	svc.entries[domain] = e
	return e, nil
}

// entryList returns the entries ordered by domain. svc.mu must be held.
func (svc *Service) entryList() []*entry {
	entries := make([]*entry, 0, len(svc.entries))
	for _, e := range svc.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].domain < entries[j].domain })
	return entries
}

func (svc *Service) beginDispatch() {
	svc.mu.Lock()
	svc.dispatching++
	svc.mu.Unlock()
}

func (svc *Service) endDispatch() {
	svc.mu.Lock()
	svc.dispatching--
	svc.mu.Unlock()
}

func (svc *Service) addPending(n int) {
	svc.mu.Lock()
	svc.pending += n
	if svc.pending == 0 {
		svc.cond.Broadcast()
	}
	svc.mu.Unlock()
}

func (svc *Service) addOpenGroups(n int) {
	svc.mu.Lock()
	svc.openGroups += n
	svc.mu.Unlock()
}

// acquire takes size bytes from the global queued bytes budget. A single
// event larger than the budget takes all of it.
func (svc *Service) acquire(ctx context.Context, size int64) (int64, error) {
	weight := min(size, svc.cfg.MaxQueuedBytes)
	if weight <= 0 {
		return 0, nil
	}
	if err := svc.budget.Acquire(ctx, weight); err != nil {
		return 0, vterrors.Wrap(vterrors.WithCode(err, vterrors.Canceled), "waiting for queued bytes budget")
	}
	return weight, nil
}

func (svc *Service) releaseBudget(weight int64) {
	if weight > 0 {
		svc.budget.Release(weight)
	}
}

// groupFinished does the bookkeeping shared by every way a group ends.
func (svc *Service) groupFinished(g *group, res result) {
	var err error
	switch res {
	case resultCommitted:
		err = svc.cursor.committed(g.span, g.gtid, g.subID)
	case resultAbandoned:
		err = svc.cursor.resolve(g.span, true)
	default:
		err = svc.cursor.resolve(g.span, false)
	}
	if err != nil {
		log.Errorf("Cannot persist the apply cursor: %v", err)
		svc.recordError(err, nil)
	}
	groupResults.Add(res.String(), 1)
	svc.addPending(-1)
}

func (svc *Service) positionDone(s *span) {
	if err := svc.cursor.resolve(s, true); err != nil {
		log.Errorf("Cannot persist the apply cursor: %v", err)
		svc.recordError(err, nil)
	}
	svc.addPending(-1)
}

// applySerial applies ev in a transaction of its own, retrying temporary
// errors.
func (svc *Service) applySerial(ctx context.Context, ev *event.Event) error {
	for retries := 0; ; retries++ {
		err := svc.applyOnce(ctx, ev)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || svc.exec.Classify(err) != ErrorTemporary || retries >= svc.cfg.MaxRetries {
			return vterrors.Wrapf(err, "cannot apply %v", ev)
		}
		groupRetries.Add(1)
		log.V(1).Infof("Retrying %v: %v", ev, err)
	}
}

func (svc *Service) applyOnce(ctx context.Context, ev *event.Event) error {
	tx, err := svc.exec.Begin(ctx, GroupRef{})
	if err != nil {
		return err
	}
	if err := tx.Apply(ctx, ev); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			log.Warningf("Rollback of %v failed: %v", ev, rerr)
		}
		return err
	}
	return tx.Commit(ctx)
}

// Status is a snapshot of the service.
type Status struct {
	Workers     int            `json:"workers"`
	BusyWorkers int            `json:"busy_workers"`
	IdleWorkers int            `json:"idle_workers"`
	Pending     int            `json:"pending"`
	Cursor      *event.Cursor  `json:"cursor,omitempty"`
	Domains     []DomainStatus `json:"domains"`
	Err         string         `json:"error,omitempty"`
}

// Status returns a snapshot of the pool and of every domain.
func (svc *Service) Status() *Status {
	svc.mu.Lock()
	st := &Status{Pending: svc.pending}
	if svc.err != nil {
		st.Err = svc.err.Error()
	}
	entries := svc.entryList()
	p, cursor := svc.pool, svc.cursor
	svc.mu.Unlock()

	if p != nil {
		total, idle := p.counts()
		st.Workers, st.IdleWorkers, st.BusyWorkers = total, idle, total-idle
	}
	if cursor != nil {
		st.Cursor = cursor.snapshot()
	}
	st.Domains = make([]DomainStatus, 0, len(entries))
	for _, e := range entries {
		st.Domains = append(st.Domains, e.status())
	}
	return st
}
