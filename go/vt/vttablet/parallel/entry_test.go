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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parapply.io/parapply/go/vt/binlog/event"
)

func newTestEntry(subID uint64) *entry {
	return newEntry(&Service{}, 0, event.DomainPosition{SubID: subID}, 2)
}

func TestBatchAssignment(t *testing.T) {
	e := newTestEntry(0)
	type in struct {
		commitID uint64
		serial   bool
	}
	cases := []struct {
		in           in
		newBatch     bool
		waitCount    uint64
		waitFinished uint64
	}{
		{in{5, false}, true, 0, 0},
		{in{5, false}, false, 0, 0},
		{in{6, false}, true, 2, 0},
		{in{0, false}, true, 3, 0},
		{in{0, false}, true, 4, 0},
		{in{7, true}, true, 5, 5},
		{in{7, false}, true, 6, 6},
		{in{7, false}, false, 6, 6},
	}
	var prev *gco
	for i, tc := range cases {
		g := &group{}
		e.mu.Lock()
		e.assignLocked(g, tc.in.commitID, tc.in.serial)
		e.mu.Unlock()
		assert.EqualValues(t, i+1, g.subID)
		assert.Equal(t, tc.newBatch, g.gco != prev, "case %d", i)
		assert.Equal(t, tc.waitCount, g.gco.waitCount, "case %d", i)
		assert.Equal(t, tc.waitFinished, g.gco.waitFinished, "case %d", i)
		assert.Equal(t, g.subID, g.gco.lastSubID)
		prev = g.gco
	}
	assert.Len(t, e.gcos, 6)
}

func TestStopOnErrorFirstFailureWins(t *testing.T) {
	e := newTestEntry(0)
	e.setStopOnError(&group{subID: 5})
	e.setStopOnError(&group{subID: 3})
	e.setStopOnError(&group{subID: 9})
	assert.EqualValues(t, 5, e.status().StopOnErrorSubID)
}

func TestStartGateAndSkip(t *testing.T) {
	ctx := context.Background()
	e := newTestEntry(0)
	groups := make([]*group, 4)
	e.mu.Lock()
	for i := range groups {
		groups[i] = &group{}
		e.assignLocked(groups[i], uint64(i/2+1), false)
		e.registerWaitLocked(groups[i])
	}
	e.mu.Unlock()

	// The first batch needs nothing.
	for _, g := range groups[:2] {
		skip, err := e.waitForStart(ctx, g)
		require.NoError(t, err)
		assert.False(t, skip)
	}
	// The second batch waits for both groups of the first one to start
	// committing.
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err := e.waitForStart(cancelled, groups[2])
	assert.ErrorIs(t, err, context.Canceled)

	e.markStartCommit(groups[0])
	e.markStartCommit(groups[0])
	_, err = e.waitForStart(cancelled, groups[2])
	assert.ErrorIs(t, err, context.Canceled, "markStartCommit is idempotent")

	e.markStartCommit(groups[1])
	skip, err := e.waitForStart(ctx, groups[2])
	require.NoError(t, err)
	assert.False(t, skip)

	// A stop lets started groups run and skips the others.
	e.stop()
	skip, err = e.waitForStart(ctx, groups[3])
	require.NoError(t, err)
	assert.True(t, skip)
	assert.EqualValues(t, 3, e.stopSubID)
}

func TestFinishInOrderAndFirstUnapplied(t *testing.T) {
	ctx := context.Background()
	e := newTestEntry(10)
	groups := make([]*group, 3)
	e.mu.Lock()
	for i := range groups {
		groups[i] = &group{}
		e.assignLocked(groups[i], 1, false)
		e.registerWaitLocked(groups[i])
	}
	e.mu.Unlock()
	assert.EqualValues(t, 11, groups[0].subID)
	assert.False(t, groups[0].registered, "predecessor already finished")
	assert.True(t, groups[1].registered)
	assert.Len(t, e.waiters, 2)

	require.NoError(t, e.waitForPriorCommit(ctx, groups[0]))
	e.finish(groups[0], resultSkipped)
	assert.EqualValues(t, 11, e.firstUnappliedSubID)

	err := e.waitForPriorCommit(ctx, groups[1])
	assert.ErrorIs(t, err, errPriorNotApplied)
	e.finish(groups[1], resultSkipped)
	e.finish(groups[2], resultSkipped)

	st := e.status()
	assert.EqualValues(t, 13, st.LastCommittedSubID)
	assert.Zero(t, st.Waiters)
	assert.Equal(t, 1, st.Batches)
	assert.EqualValues(t, 3, e.countCommitting)
}

func TestAbandonedGroupDoesNotBlockSuccessors(t *testing.T) {
	e := newTestEntry(0)
	g1, g2 := &group{}, &group{}
	e.mu.Lock()
	e.assignLocked(g1, 0, false)
	e.assignLocked(g2, 0, false)
	e.registerWaitLocked(g2)
	e.mu.Unlock()

	e.finish(g1, resultAbandoned)
	require.NoError(t, e.waitForPriorCommit(context.Background(), g2))
	assert.Zero(t, e.firstUnappliedSubID)
}

func TestKillLaterWaiters(t *testing.T) {
	e := newTestEntry(0)
	groups := make([]*group, 4)
	e.mu.Lock()
	for i := range groups {
		groups[i] = &group{}
		e.assignLocked(groups[i], 1, false)
		e.registerWaitLocked(groups[i])
	}
	e.mu.Unlock()

	// groups[1] has no attempt running, groups[3] is past its prior wait.
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	groups[2].cancel = cancel2
	_, cancel3 := context.WithCancel(context.Background())
	defer cancel3()
	groups[3].cancel = cancel3
	groups[3].committing = true

	assert.Equal(t, 1, e.killLaterWaiters(groups[0].subID))
	assert.True(t, groups[2].killed.Load())
	assert.Error(t, ctx2.Err())
	assert.False(t, groups[1].killed.Load())
	assert.False(t, groups[3].killed.Load())

	err := e.waitForPriorCommit(context.Background(), groups[2])
	assert.ErrorIs(t, err, errKilled)
	assert.False(t, e.killGroup(groups[2].subID), "already killed")
}

func TestUnmarkStartCommit(t *testing.T) {
	e := newTestEntry(0)
	g := &group{}
	e.mu.Lock()
	e.assignLocked(g, 0, false)
	e.mu.Unlock()

	e.markStartCommit(g)
	assert.EqualValues(t, 1, e.countCommitting)
	assert.Equal(t, stateCommitStarted, g.state)
	e.unmarkStartCommit(g)
	e.unmarkStartCommit(g)
	assert.EqualValues(t, 0, e.countCommitting)
	assert.Equal(t, "Executing", g.state.String())
}

func TestGroupRecycling(t *testing.T) {
	w := &worker{}
	g := &group{subID: 7, events: 3}
	w.cur = g
	w.recycle(g)
	assert.EqualValues(t, 1, g.gen)
	assert.Zero(t, g.subID)
	assert.Nil(t, w.cur)

	w.flushFreeLocked()
	assert.Empty(t, w.localFree)
	assert.Same(t, g, w.allocGroupLocked())
	assert.NotSame(t, g, w.allocGroupLocked())
}
