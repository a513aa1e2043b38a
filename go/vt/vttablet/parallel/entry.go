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
	"strconv"
	"sync"
	"sync/atomic"

	"parapply.io/parapply/go/vt/binlog/event"
	"parapply.io/parapply/go/vt/vterrors"
)

var (
	errKilled          = vterrors.New(vterrors.Aborted, "killed to let an earlier group retry")
	errPriorNotApplied = vterrors.New(vterrors.Aborted, "an earlier group of the domain was not applied")
)

type groupState int

const (
	stateQueued groupState = iota
	stateWaitingForPredecessor
	stateExecuting
	stateCommitStarted
	stateCommitted
	stateFailed
	stateSkipped
)

var groupStateNames = [...]string{"Queued", "WaitingForPredecessor", "Executing", "CommitStarted", "Committed", "Failed", "Skipped"}

func (s groupState) String() string {
	return groupStateNames[s]
}

type result int

const (
	resultCommitted result = iota
	resultFailed
	resultSkipped
	// resultAbandoned is a group the source never completed. It is rolled
	// back and does not hold back later groups.
	resultAbandoned
)

func (r result) String() string {
	switch r {
	case resultCommitted:
		return outcomeCommitted
	case resultFailed:
		return outcomeFailed
	case resultAbandoned:
		return outcomeAbandoned
	}
	return outcomeSkipped
}

// group is the bookkeeping of one event group. Groups are recycled through
// the free lists of the worker that ran them; gen changes on every recycle
// so queued references to an older use can be told apart.
type group struct {
	gen uint64

	e     *entry
	gco   *gco
	span  *span
	subID uint64
	gtid  event.GTID
	flags event.Flags

	startOffset int64
	// events is the number of group events the worker consumed, the GTID
	// event included. A retry replays exactly that many.
	events  int
	retries int

	// Guarded by e.mu.
	state         groupState
	commitStarted bool
	registered    bool
	committing    bool
	cancel        context.CancelFunc
	killed        atomic.Bool

	// Owned by the worker goroutine.
	ctx     context.Context
	tx      Transaction
	skip    bool
	outcome result
}

func (g *group) ref() GroupRef {
	return GroupRef{Domain: g.e.domain, SubID: g.subID, GTID: g.gtid, Retry: g.retries}
}

func (g *group) reset() {
	gen := g.gen + 1
	*g = group{gen: gen}
}

// gco is a group commit orderer: the groups of one batch that were group
// committed together on the source and may run concurrently.
type gco struct {
	commitID uint64
	// waitCount is the number of groups of the domain that must have
	// started to commit before a group of this batch may start.
	waitCount uint64
	// waitFinished is the sub_id that must have finished before a group of
	// this batch may start. It is set around serial groups.
	waitFinished uint64
	// lastSubID is the highest sub_id in the batch.
	lastSubID uint64
}

// entry is the commit order state of one replication domain.
type entry struct {
	domain uint32
	label  string
	svc    *Service

	mu   sync.Mutex
	cond *sync.Cond

	currentSubID       uint64
	lastCommittedSubID uint64
	// firstUnappliedSubID is the lowest sub_id that finished without being
	// applied. Every later group is rolled back, so the applied groups of a
	// domain always form a prefix.
	firstUnappliedSubID uint64
	stopOnErrorSubID    uint64
	forceAbort          bool
	// stopSubID is the highest sub_id allowed to run once forceAbort is set.
	stopSubID    uint64
	startedSubID uint64

	countQueued     uint64
	countCommitting uint64

	// gcos is ordered by batch arrival; the last one is the current batch.
	gcos []*gco
	// waiters are the groups registered to wait for their predecessor.
	waiters map[uint64]*group

	retries  int64
	lastGTID event.GTID

	// Owned by the dispatcher.
	slots        []*workerSlot
	slotIdx      int
	lastCommitID uint64
	lastSerial   bool
}

func newEntry(svc *Service, domain uint32, pos event.DomainPosition, parallelism int) *entry {
	e := &entry{
		domain:             domain,
		label:              strconv.FormatUint(uint64(domain), 10),
		svc:                svc,
		currentSubID:       pos.SubID,
		lastCommittedSubID: pos.SubID,
		startedSubID:       pos.SubID,
		lastGTID:           pos.GTID,
		waiters:            make(map[uint64]*group),
		slots:              make([]*workerSlot, parallelism),
		slotIdx:            parallelism - 1,
	}
	e.cond = sync.NewCond(&e.mu)
	for i := range e.slots {
		e.slots[i] = &workerSlot{}
	}
	return e
}

// waitLocked blocks until cond holds or ctx is done. e.mu must be held.
func (e *entry) waitLocked(ctx context.Context, cond func() bool) error {
	if cond() {
		return nil
	}
	stop := context.AfterFunc(ctx, func() {
		e.mu.Lock()
		e.cond.Broadcast()
		e.mu.Unlock()
	})
	defer stop()
	for !cond() {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.cond.Wait()
	}
	return nil
}

// assignLocked gives g the next sub_id and puts it in a batch. A group
// starts a new batch when the source recorded no batch for it, when its
// batch differs from the previous group's, or when it or the previous
// group must run serially.
func (e *entry) assignLocked(g *group, commitID uint64, serial bool) {
	e.currentSubID++
	g.subID = e.currentSubID
	g.e = e

	var cur *gco
	if n := len(e.gcos); n > 0 {
		cur = e.gcos[n-1]
	}
	if cur == nil || commitID == 0 || commitID != e.lastCommitID || serial || e.lastSerial {
		cur = &gco{commitID: commitID, waitCount: e.countQueued}
		if serial || e.lastSerial {
			cur.waitFinished = g.subID - 1
		}
		e.gcos = append(e.gcos, cur)
	}
	cur.lastSubID = g.subID
	g.gco = cur
	g.state = stateQueued
	e.countQueued++
	e.lastCommitID = commitID
	e.lastSerial = serial
}

// registerWaitLocked records that g must wait for its predecessor to
// finish before it commits, unless the predecessor already did.
func (e *entry) registerWaitLocked(g *group) {
	if g.subID-1 > e.lastCommittedSubID {
		g.registered = true
		e.waiters[g.subID] = g
	}
}

func (e *entry) registerWait(g *group) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.registerWaitLocked(g)
}

func (e *entry) unregisterWaitLocked(g *group) {
	if g.registered {
		g.registered = false
		delete(e.waiters, g.subID)
	}
}

func (e *entry) unregisterWait(g *group) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unregisterWaitLocked(g)
}

func (e *entry) shouldSkipLocked(g *group) bool {
	switch {
	case e.stopOnErrorSubID != 0 && g.subID > e.stopOnErrorSubID:
		return true
	case e.forceAbort && g.subID > e.stopSubID:
		return true
	case e.firstUnappliedSubID != 0 && g.subID > e.firstUnappliedSubID:
		return true
	}
	return false
}

// waitForStart blocks until g's batch may start and reports whether g must
// be skipped instead of executed.
func (e *entry) waitForStart(ctx context.Context, g *group) (skip bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	g.state = stateWaitingForPredecessor
	err = e.waitLocked(ctx, func() bool {
		return e.shouldSkipLocked(g) ||
			(e.countCommitting >= g.gco.waitCount && e.lastCommittedSubID >= g.gco.waitFinished)
	})
	if err != nil {
		return true, err
	}
	if e.shouldSkipLocked(g) {
		return true, nil
	}
	if g.subID > e.startedSubID {
		e.startedSubID = g.subID
	}
	g.state = stateExecuting
	return false, nil
}

func (e *entry) markStartCommitLocked(g *group) {
	if g.commitStarted {
		return
	}
	g.commitStarted = true
	if g.state < stateCommitStarted {
		g.state = stateCommitStarted
	}
	e.countCommitting++
	e.cond.Broadcast()
}

// markStartCommit releases the groups of later batches waiting for g. It
// is idempotent.
func (e *entry) markStartCommit(g *group) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.markStartCommitLocked(g)
}

// unmarkStartCommit reverses markStartCommit before g is retried.
func (e *entry) unmarkStartCommit(g *group) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if g.commitStarted {
		g.commitStarted = false
		g.state = stateExecuting
		e.countCommitting--
	}
}

// waitForPriorCommit blocks until g's predecessor finished. It fails with
// errPriorNotApplied when any earlier group of the domain was not applied,
// and with errKilled when g is killed while waiting.
func (e *entry) waitForPriorCommit(ctx context.Context, g *group) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if g.registered {
		err := e.waitLocked(ctx, func() bool {
			return g.killed.Load() || e.lastCommittedSubID >= g.subID-1
		})
		if g.killed.Load() {
			return errKilled
		}
		if err != nil {
			return err
		}
		e.unregisterWaitLocked(g)
	}
	if e.firstUnappliedSubID != 0 && e.firstUnappliedSubID < g.subID {
		return errPriorNotApplied
	}
	g.committing = true
	return nil
}

// waitPriorFinished blocks until g's predecessor finished, whatever its
// outcome.
func (e *entry) waitPriorFinished(ctx context.Context, g *group) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.waitLocked(ctx, func() bool {
		return e.lastCommittedSubID >= g.subID-1
	})
}

// setStopOnError records g as the stop point of the domain. The first
// failure wins.
func (e *entry) setStopOnError(g *group) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopOnErrorSubID == 0 {
		e.stopOnErrorSubID = g.subID
		e.cond.Broadcast()
	}
}

// stop lets the groups that already started run to completion and makes
// every later one skip.
func (e *entry) stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.forceAbort {
		e.forceAbort = true
		e.stopSubID = e.startedSubID
		e.cond.Broadcast()
	}
}

// finish records the outcome of g and wakes up everything waiting on the
// domain's progress.
func (e *entry) finish(g *group, res result) {
	e.mu.Lock()
	e.markStartCommitLocked(g)
	if g.subID > e.lastCommittedSubID {
		e.lastCommittedSubID = g.subID
	}
	switch res {
	case resultCommitted:
		e.lastGTID = g.gtid
		g.state = stateCommitted
	case resultFailed, resultSkipped:
		if e.firstUnappliedSubID == 0 || g.subID < e.firstUnappliedSubID {
			e.firstUnappliedSubID = g.subID
		}
		g.state = stateSkipped
		if res == resultFailed {
			g.state = stateFailed
		}
	case resultAbandoned:
		g.state = stateSkipped
	}
	e.unregisterWaitLocked(g)
	if g.cancel != nil {
		g.cancel()
		g.cancel = nil
	}
	for len(e.gcos) > 1 && e.gcos[0].lastSubID <= e.lastCommittedSubID {
		e.gcos[0] = nil
		e.gcos = e.gcos[1:]
	}
	lastCommitted := e.lastCommittedSubID
	e.cond.Broadcast()
	e.mu.Unlock()

	lastCommittedSub.Set(e.label, int64(lastCommitted))
}

// killLaterWaiters kills every group after subID that is in the middle of
// an attempt while registered to wait for its predecessor. Such a group
// may hold storage locks the group at subID needs.
func (e *entry) killLaterWaiters(subID uint64) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	killed := 0
	for s, g := range e.waiters {
		if s > subID && e.killLocked(g) {
			killed++
		}
	}
	return killed
}

// killGroup kills the attempt of the group with the given sub_id.
func (e *entry) killGroup(subID uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.waiters[subID]
	return ok && e.killLocked(g)
}

func (e *entry) killLocked(g *group) bool {
	if g.cancel == nil || g.committing || g.killed.Load() || !g.flags.Has(event.FlagTransactional) {
		return false
	}
	g.killed.Store(true)
	g.cancel()
	e.cond.Broadcast()
	killsForRetry.Add(1)
	return true
}

// DomainStatus is a snapshot of the commit order state of a domain.
type DomainStatus struct {
	Domain             uint32 `json:"domain"`
	CurrentSubID       uint64 `json:"current_sub_id"`
	LastCommittedSubID uint64 `json:"last_committed_sub_id"`
	StopOnErrorSubID   uint64 `json:"stop_on_error_sub_id,omitempty"`
	ForceAbort         bool   `json:"force_abort,omitempty"`
	Batches            int    `json:"batches"`
	Waiters            int    `json:"waiters"`
	Retries            int64  `json:"retries"`
	LastGTID           string `json:"last_gtid,omitempty"`
}

func (e *entry) status() DomainStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := DomainStatus{
		Domain:             e.domain,
		CurrentSubID:       e.currentSubID,
		LastCommittedSubID: e.lastCommittedSubID,
		StopOnErrorSubID:   e.stopOnErrorSubID,
		ForceAbort:         e.forceAbort,
		Batches:            len(e.gcos),
		Waiters:            len(e.waiters),
		Retries:            e.retries,
	}
	if !e.lastGTID.IsZero() {
		st.LastGTID = e.lastGTID.String()
	}
	return st
}
