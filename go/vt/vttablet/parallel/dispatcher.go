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
	"time"

	"parapply.io/parapply/go/vt/binlog/event"
	"parapply.io/parapply/go/vt/log"
	"parapply.io/parapply/go/vt/vterrors"
)

// Result tells the caller of Dispatch what happens to the event.
type Result int

const (
	// Accepted events were handed to a worker or handled inline.
	Accepted Result = iota
	// RunSerially events must be passed to Serial. Every worker is idle by
	// then.
	RunSerially
)

func (r Result) String() string {
	if r == RunSerially {
		return "RunSerially"
	}
	return "Accepted"
}

var errReclaimed = errors.New("worker was reclaimed by the pool")

type openGroup struct {
	e    *entry
	g    *group
	gen  uint64
	w    *worker
	slot *workerSlot
	span *span
}

// Dispatcher routes the events of the log to the workers. It is used by a
// single goroutine, in log order.
type Dispatcher struct {
	svc *Service

	state   event.GroupState
	logFile string
	cur     *openGroup
	// discard is the span of an already applied group being read past.
	discard *span

	skipCounter int64
	skipping    bool
	skipSpan    *span
	serialCat   event.Category

	// lastW got the last complete group. Position items follow it as long
	// as lastSlot still owns it.
	lastW    *worker
	lastSlot *workerSlot
}

// NewDispatcher returns a dispatcher feeding svc. logFile is the source
// log the first event belongs to. The first skipCounter events are
// skipped, rounded up to the end of a group.
func NewDispatcher(svc *Service, logFile string, skipCounter int64) *Dispatcher {
	return &Dispatcher{svc: svc, logFile: logFile, skipCounter: skipCounter}
}

// InGroup reports whether the last dispatched event left a group open.
func (d *Dispatcher) InGroup() bool {
	return d.state != event.GroupNone
}

// Dispatch hands ev, of size bytes, to the worker running its group. Data
// events outside of any group, and every event while skipping, come back
// as RunSerially.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *event.Event, size int64) (Result, error) {
	d.svc.beginDispatch()
	defer d.svc.endDispatch()

	cat := event.Categorize(ev, d.state)
	d.state = cat.Next(ev, d.state)
	if cat == event.CategoryControl {
		return Accepted, d.control(ctx, ev)
	}
	if d.skipCounter > 0 || d.skipping || cat == event.CategoryStandalone {
		d.serialCat = cat
		if err := d.svc.WaitIdle(ctx); err != nil {
			return Accepted, err
		}
		return RunSerially, nil
	}
	switch cat {
	case event.CategoryGroupStart:
		return Accepted, d.groupStart(ctx, ev, size)
	case event.CategoryGroupBody:
		return Accepted, d.groupEvent(ctx, ev, size, false)
	case event.CategoryGroupEnd:
		return Accepted, d.groupEvent(ctx, ev, size, true)
	}
	return Accepted, vterrors.Errorf(vterrors.Internal, "cannot dispatch %v: unexpected category %v", ev, cat)
}

// Serial runs an event Dispatch returned RunSerially for.
func (d *Dispatcher) Serial(ctx context.Context, ev *event.Event) error {
	cursor := d.svc.cursor
	if d.skipCounter > 0 || d.skipping {
		serialEvents.Add("Skipped", 1)
		if d.skipCounter > 0 {
			d.skipCounter--
		}
		switch d.serialCat {
		case event.CategoryGroupStart:
			d.skipping = true
			d.skipSpan = cursor.begin(ev.Offset, d.logFile)
			return nil
		case event.CategoryGroupBody:
			return nil
		case event.CategoryGroupEnd:
			d.skipping = false
			s := d.skipSpan
			d.skipSpan = nil
			if s == nil {
				s = cursor.begin(ev.Offset, d.logFile)
			}
			cursor.setEnd(s, ev.EndOffset)
			return cursor.resolve(s, true)
		}
		s := cursor.begin(ev.Offset, d.logFile)
		cursor.setEnd(s, ev.EndOffset)
		return cursor.resolve(s, true)
	}

	s := cursor.begin(ev.Offset, d.logFile)
	cursor.setEnd(s, ev.EndOffset)
	if !ev.IsCommitMarker() {
		if err := d.svc.applySerial(ctx, ev); err != nil {
			return err
		}
	}
	serialEvents.Add("Applied", 1)
	return cursor.resolve(s, true)
}

// Abandon gives up on the group left open when the log ends before it
// does. The group is rolled back and the cursor stays before it.
func (d *Dispatcher) Abandon() {
	d.dropOpenGroup(itemAbandonStop, 0)
	d.state = event.GroupNone
}

func (d *Dispatcher) control(ctx context.Context, ev *event.Event) error {
	controlEvents.Add(ev.Type.String(), 1)
	switch ev.Type {
	case event.TypeRotate:
		if ev.Payload != "" {
			d.logFile = ev.Payload
		}
	case event.TypeHeartbeat:
		if ev.Timestamp > 0 {
			replicationLag.Set(int64(time.Since(ev.Time()) / time.Second))
		}
	case event.TypeFormatDescription:
		if ev.MasterRestart {
			if d.cur != nil || d.discard != nil || d.skipping {
				log.Warningf("Source restarted in the middle of a group at offset %d, rolling back the partial group", ev.Offset)
				d.dropOpenGroup(itemAbandonRestart, ev.Offset)
				d.state = event.GroupNone
			}
			if err := d.svc.WaitIdle(ctx); err != nil {
				return err
			}
		}
	}
	if d.cur != nil || d.discard != nil || d.skipping {
		// Covered by the span of the enclosing group.
		return nil
	}
	s := d.svc.cursor.begin(ev.Offset, d.logFile)
	d.svc.cursor.setEnd(s, ev.EndOffset)
	return d.queuePosition(s)
}

// queuePosition resolves s after everything queued to the worker of the
// last group, or right away when that worker went idle.
func (d *Dispatcher) queuePosition(s *span) error {
	if w := d.lastW; w != nil {
		d.svc.addPending(1)
		w.mu.Lock()
		if w.owner == d.lastSlot {
			w.enqueueLocked(queueItem{kind: itemPosition, span: s})
			w.mu.Unlock()
			return nil
		}
		w.mu.Unlock()
		d.svc.addPending(-1)
		d.lastW, d.lastSlot = nil, nil
	}
	return d.svc.cursor.resolve(s, true)
}

// dropOpenGroup ends whatever group is open without its end event. With
// itemAbandonRestart the source will never send the rest, and the bytes up
// to end are passed; with itemAbandonStop the cursor stays before the
// group.
func (d *Dispatcher) dropOpenGroup(kind itemKind, end int64) {
	passed := kind == itemAbandonRestart
	cursor := d.svc.cursor
	if og := d.cur; og != nil {
		d.cur = nil
		cursor.setEnd(og.span, end)
		og.w.mu.Lock()
		og.w.enqueueLocked(queueItem{kind: kind, g: og.g, gen: og.gen})
		og.w.mu.Unlock()
		d.svc.addOpenGroups(-1)
	}
	for _, s := range []*span{d.discard, d.skipSpan} {
		if s == nil {
			continue
		}
		cursor.setEnd(s, end)
		if err := cursor.resolve(s, passed); err != nil {
			d.svc.recordError(err, nil)
		}
	}
	d.discard, d.skipSpan, d.skipping = nil, nil, false
}

func (d *Dispatcher) groupStart(ctx context.Context, ev *event.Event, size int64) error {
	if d.cur != nil || d.discard != nil {
		log.Warningf("Group %v starts before the previous group ended, rolling back the partial group", ev.GTID)
		d.dropOpenGroup(itemAbandonRestart, ev.Offset)
	}
	if d.svc.cursor.applied(ev.GTID) {
		alreadyApplied.Add(1)
		log.V(2).Infof("Group %v at offset %d is already applied", ev.GTID, ev.Offset)
		d.discard = d.svc.cursor.begin(ev.Offset, d.logFile)
		return nil
	}
	e, err := d.svc.entryFor(ev.GTID.Domain)
	if err != nil {
		return err
	}
	weight, err := d.svc.acquire(ctx, size)
	if err != nil {
		return err
	}
	s := d.svc.cursor.begin(ev.Offset, d.logFile)
	d.svc.addPending(1)
	w, slot, err := d.chooseWorker(ctx, e, size)
	if err != nil {
		d.svc.addPending(-1)
		d.svc.releaseBudget(weight)
		return err
	}

	// w.mu is held.
	g := w.allocGroupLocked()
	g.gtid = ev.GTID
	g.flags = ev.Flags
	g.startOffset = ev.Offset
	g.span = s
	serial := ev.Flags.Has(event.FlagDDL) || !ev.Flags.Has(event.FlagTransactional)
	e.mu.Lock()
	e.assignLocked(g, ev.CommitID, serial)
	e.registerWaitLocked(g)
	subID := g.subID
	e.mu.Unlock()
	gen := g.gen
	w.enqueueLocked(queueItem{kind: itemEvent, g: g, gen: gen, ev: ev, start: true, size: size, weight: weight})
	w.mu.Unlock()

	d.cur = &openGroup{e: e, g: g, gen: gen, w: w, slot: slot, span: s}
	d.svc.addOpenGroups(1)
	groupsDispatched.Add(1)
	currentSub.Set(e.label, int64(subID))
	return nil
}

func (d *Dispatcher) groupEvent(ctx context.Context, ev *event.Event, size int64, end bool) error {
	if s := d.discard; s != nil {
		if !end {
			return nil
		}
		d.discard = nil
		d.svc.cursor.setEnd(s, ev.EndOffset)
		return d.svc.cursor.resolve(s, true)
	}
	og := d.cur
	if og == nil {
		return vterrors.Errorf(vterrors.Internal, "cannot dispatch %v: no group is open", ev)
	}
	weight, err := d.svc.acquire(ctx, size)
	if err != nil {
		return err
	}
	if end {
		d.svc.cursor.setEnd(og.span, ev.EndOffset)
	}
	og.w.mu.Lock()
	if err := og.w.waitBudgetLocked(ctx, size, nil); err != nil {
		og.w.mu.Unlock()
		d.svc.releaseBudget(weight)
		return vterrors.Wrap(vterrors.WithCode(err, vterrors.Canceled), "waiting for worker queue")
	}
	og.w.enqueueLocked(queueItem{kind: itemEvent, g: og.g, gen: og.gen, ev: ev, end: end, size: size, weight: weight})
	og.w.mu.Unlock()
	if end {
		d.cur = nil
		d.svc.addOpenGroups(-1)
		d.lastW, d.lastSlot = og.w, og.slot
	}
	return nil
}

// chooseWorker picks the worker for a new group of e and returns it with
// its mutex held. Each domain cycles through its slots; a slot whose
// worker went back to the pool gets a new one.
func (d *Dispatcher) chooseWorker(ctx context.Context, e *entry, size int64) (*worker, *workerSlot, error) {
	e.slotIdx++
	if e.slotIdx >= len(e.slots) {
		e.slotIdx = 0
	}
	slot := e.slots[e.slotIdx]
	for {
		w := slot.w
		if w == nil {
			var err error
			if w, err = d.svc.pool.get(ctx, slot); err != nil {
				return nil, nil, err
			}
			slot.w = w
		}
		w.mu.Lock()
		if w.owner != slot {
			w.mu.Unlock()
			slot.w = nil
			continue
		}
		err := w.waitBudgetLocked(ctx, size, slot)
		if err == errReclaimed {
			w.mu.Unlock()
			slot.w = nil
			continue
		}
		if err != nil {
			w.mu.Unlock()
			return nil, nil, vterrors.Wrap(vterrors.WithCode(err, vterrors.Canceled), "waiting for worker queue")
		}
		return w, slot, nil
	}
}
