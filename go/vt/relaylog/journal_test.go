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

package relaylog

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parapply.io/parapply/go/vt/binlog/event"
	"parapply.io/parapply/go/vt/vterrors"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := OpenInMem()
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func appendGroup(t *testing.T, j *Journal, seq uint64, queries ...string) (start int64) {
	t.Helper()
	start, err := j.Append(&event.Event{
		Type:  event.TypeGTID,
		GTID:  event.GTID{Domain: 0, Server: 1, Sequence: seq},
		Flags: event.FlagTransactional,
	})
	require.NoError(t, err)
	for _, q := range queries {
		_, err := j.Append(&event.Event{Type: event.TypeQuery, Payload: q})
		require.NoError(t, err)
	}
	_, err = j.Append(&event.Event{Type: event.TypeXID})
	require.NoError(t, err)
	return start
}

func TestAppendAndRead(t *testing.T) {
	j := newTestJournal(t)
	ev := &event.Event{Type: event.TypeQuery, Payload: "insert into t values (1)"}
	off, err := j.Append(ev)
	require.NoError(t, err)
	assert.EqualValues(t, 0, off)
	assert.EqualValues(t, 0, ev.Offset)
	assert.Greater(t, ev.EndOffset, ev.Offset)
	assert.Equal(t, ev.EndOffset, j.Tail())

	second := appendGroup(t, j, 1, "update t set a = 2")
	assert.Equal(t, ev.EndOffset, second)

	r, err := j.NewReader(0)
	require.NoError(t, err)
	var types []event.Type
	var prevEnd int64
	for {
		got, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, prevEnd, got.Offset, "offsets are contiguous")
		prevEnd = got.EndOffset
		types = append(types, got.Type)
	}
	assert.Equal(t, []event.Type{event.TypeQuery, event.TypeGTID, event.TypeQuery, event.TypeXID}, types)
	assert.Equal(t, j.Tail(), r.Offset())
}

func TestSeekToRejectsBadOffsets(t *testing.T) {
	j := newTestJournal(t)
	appendGroup(t, j, 1, "q")

	_, err := j.NewReader(1)
	assert.Equal(t, vterrors.InvalidArgument, vterrors.Code(err))
	_, err = j.NewReader(j.Tail() + 10)
	assert.Equal(t, vterrors.OutOfRange, vterrors.Code(err))

	r, err := j.NewReader(j.Tail())
	require.NoError(t, err)
	_, err = r.Next()
	assert.Equal(t, io.EOF, err)

	assert.Equal(t, vterrors.InvalidArgument, vterrors.Code(r.SeekTo(1)))
	assert.Equal(t, j.Tail(), r.Offset(), "a failed seek leaves the reader where it was")
	require.NoError(t, r.SeekTo(j.Head()))
	ev, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, event.TypeGTID, ev.Type)
}

func TestReopenKeepsTail(t *testing.T) {
	fs := vfs.NewMem()
	j, err := Open("journal", Options{FS: fs})
	require.NoError(t, err)
	appendGroup(t, j, 1, "q1")
	tail := j.Tail()
	require.NoError(t, j.Close())

	j, err = Open("journal", Options{FS: fs})
	require.NoError(t, err)
	defer j.Close()
	assert.Equal(t, tail, j.Tail())
	next := appendGroup(t, j, 2, "q2")
	assert.Equal(t, tail, next)
}

func TestWaitForAppend(t *testing.T) {
	j := newTestJournal(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, j.WaitForAppend(ctx, 0), context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() {
		done <- j.WaitForAppend(context.Background(), 0)
	}()
	_, err := j.Append(&event.Event{Type: event.TypeHeartbeat})
	require.NoError(t, err)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("WaitForAppend did not return after an append")
	}

	go func() {
		done <- j.WaitForAppend(context.Background(), j.Tail())
	}()
	require.NoError(t, j.Close())
	assert.Error(t, <-done)
}

func TestCursorStore(t *testing.T) {
	j := newTestJournal(t)
	c, err := j.LoadCursor()
	require.NoError(t, err)
	assert.EqualValues(t, 0, c.Offset)
	assert.Empty(t, c.Domains)

	appendGroup(t, j, 1, "q1")
	c.Offset = j.Tail()
	c.Domains[0] = event.DomainPosition{GTID: event.GTID{Server: 1, Sequence: 1}, SubID: 1}
	require.NoError(t, j.MarkCommitted(c))

	got, err := j.LoadCursor()
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func TestPurge(t *testing.T) {
	j := newTestJournal(t)
	appendGroup(t, j, 1, "q1")
	second := appendGroup(t, j, 2, "q2")

	err := j.Purge(second)
	assert.Equal(t, vterrors.FailedPrecondition, vterrors.Code(err), "cannot purge past the cursor")

	c := event.NewCursor()
	c.Offset = second
	require.NoError(t, j.MarkCommitted(c))
	assert.Equal(t, vterrors.InvalidArgument, vterrors.Code(j.Purge(second-1)))
	require.NoError(t, j.Purge(second))
	assert.Equal(t, second, j.Head())

	_, err = j.NewReader(0)
	assert.Equal(t, vterrors.OutOfRange, vterrors.Code(err))
	r, err := j.NewReader(second)
	require.NoError(t, err)
	ev, err := r.Next()
	require.NoError(t, err)
	assert.EqualValues(t, 2, ev.GTID.Sequence)
}
