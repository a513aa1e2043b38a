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
	"sync"

	"parapply.io/parapply/go/vt/binlog/event"
)

type spanState int

const (
	spanOpen spanState = iota
	spanDone
	// spanBlocked is a span whose group was not applied. The cursor never
	// moves past it.
	spanBlocked
)

// span is a range of journal offsets the dispatcher handed out: a group,
// a discarded group or a control event.
type span struct {
	start, end int64
	logFile    string
	state      spanState
}

// cursorTracker derives the persisted cursor from spans finishing in any
// order. The offset only moves past a span once it and every span before
// it are done, so it always lands on a group boundary.
type cursorTracker struct {
	store CursorStore

	mu     sync.Mutex
	cursor *event.Cursor
	spans  []*span
}

func newCursorTracker(store CursorStore, c *event.Cursor) *cursorTracker {
	return &cursorTracker{store: store, cursor: c.Clone()}
}

func (t *cursorTracker) begin(start int64, logFile string) *span {
	s := &span{start: start, end: start, logFile: logFile}
	t.mu.Lock()
	t.spans = append(t.spans, s)
	t.mu.Unlock()
	return s
}

func (t *cursorTracker) setEnd(s *span, end int64) {
	t.mu.Lock()
	s.end = end
	t.mu.Unlock()
}

// resolve marks s done, or blocked when the group was not applied, and
// persists the cursor if it moved.
func (t *cursorTracker) resolve(s *span, done bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resolveLocked(s, done, false)
}

// committed records the commit of a group of domain and resolves its span.
// A successor may get here first, so the domain position only moves
// forward.
func (t *cursorTracker) committed(s *span, gtid event.GTID, subID uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	changed := false
	if pos, ok := t.cursor.Domains[gtid.Domain]; !ok || subID > pos.SubID {
		t.cursor.Domains[gtid.Domain] = event.DomainPosition{GTID: gtid, SubID: subID}
		changed = true
	}
	return t.resolveLocked(s, true, changed)
}

func (t *cursorTracker) resolveLocked(s *span, done, changed bool) error {
	s.state = spanBlocked
	if done {
		s.state = spanDone
	}
	for len(t.spans) > 0 && t.spans[0].state == spanDone {
		head := t.spans[0]
		t.cursor.Offset = head.end
		if head.logFile != "" {
			t.cursor.LogFile = head.logFile
		}
		t.spans[0] = nil
		t.spans = t.spans[1:]
		changed = true
	}
	if !changed {
		return nil
	}
	return t.store.MarkCommitted(t.cursor)
}

// applied reports whether the group with gtid is already covered.
func (t *cursorTracker) applied(gtid event.GTID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cursor.Applied(gtid)
}

func (t *cursorTracker) domainPosition(domain uint32) event.DomainPosition {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cursor.Domains[domain]
}

func (t *cursorTracker) snapshot() *event.Cursor {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cursor.Clone()
}
