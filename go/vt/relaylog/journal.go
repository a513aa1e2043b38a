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

// Package relaylog is the durable local journal the applier reads
// replication events from. Events are stored in pebble keyed by their byte
// offset in the journal, so any group can be re-read from its start offset
// when it has to be retried. The same store keeps the applier's resumption
// cursor.
package relaylog

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"parapply.io/parapply/go/vt/binlog/event"
	"parapply.io/parapply/go/vt/log"
	"parapply.io/parapply/go/vt/vterrors"
)

var (
	eventPrefix = []byte("e/")
	headKey     = []byte("m/head")
	tailKey     = []byte("m/tail")
	cursorKey   = []byte("m/cursor")
)

// Options control how a journal is opened.
type Options struct {
	// FS overrides the pebble filesystem. Tests use vfs.NewMem.
	FS vfs.FS
	// NoSync skips the fsync on every append. The cursor is always synced.
	NoSync bool
}

// Journal is an append-only log of events.
type Journal struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions

	mu sync.Mutex
	// head is the offset of the oldest record still stored.
	head int64
	// tail is the offset the next appended record gets.
	tail int64
	// appended is closed and replaced on every append.
	appended chan struct{}
	closed   bool
}

// Open opens or creates the journal stored in dir.
func Open(dir string, opts Options) (*Journal, error) {
	popts := &pebble.Options{}
	if opts.FS != nil {
		popts.FS = opts.FS
	}
	db, err := pebble.Open(dir, popts)
	if err != nil {
		return nil, vterrors.Wrapf(vterrors.WithCode(err, vterrors.Unavailable), "cannot open journal in %s", dir)
	}
	j := &Journal{
		db:        db,
		writeOpts: pebble.Sync,
		appended:  make(chan struct{}),
	}
	if opts.NoSync {
		j.writeOpts = pebble.NoSync
	}
	if j.head, err = j.loadOffset(headKey); err != nil {
		db.Close()
		return nil, err
	}
	if j.tail, err = j.loadOffset(tailKey); err != nil {
		db.Close()
		return nil, err
	}
	log.Infof("Opened journal %s: head %d, tail %d", dir, j.head, j.tail)
	return j, nil
}

// OpenInMem opens an empty journal backed by memory.
func OpenInMem() (*Journal, error) {
	return Open("", Options{FS: vfs.NewMem(), NoSync: true})
}

// Close closes the journal and wakes up all waiters.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.appended)
	j.mu.Unlock()
	return j.db.Close()
}

func (j *Journal) loadOffset(key []byte) (int64, error) {
	value, closer, err := j.db.Get(key)
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, vterrors.Wrapf(vterrors.WithCode(err, vterrors.Unavailable), "cannot read %s", key)
	}
	defer closer.Close()
	if len(value) != 8 {
		return 0, vterrors.Errorf(vterrors.DataLoss, "corrupt journal metadata %s", key)
	}
	return int64(binary.BigEndian.Uint64(value)), nil
}

func encodeOffset(offset int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(offset))
	return buf[:]
}

func eventKey(offset int64) []byte {
	key := make([]byte, 0, len(eventPrefix)+8)
	key = append(key, eventPrefix...)
	return append(key, encodeOffset(offset)...)
}

// Append writes ev at the tail of the journal and sets its Offset and
// EndOffset. It returns the offset the event was written at.
func (j *Journal) Append(ev *event.Event) (int64, error) {
	data, err := event.Marshal(ev)
	if err != nil {
		return 0, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return 0, vterrors.New(vterrors.FailedPrecondition, "journal is closed")
	}
	offset := j.tail
	end := offset + int64(len(data))

	b := j.db.NewBatch()
	defer b.Close()
	if err := b.Set(eventKey(offset), data, nil); err != nil {
		return 0, vterrors.Wrap(err, "cannot append event")
	}
	if err := b.Set(tailKey, encodeOffset(end), nil); err != nil {
		return 0, vterrors.Wrap(err, "cannot append event")
	}
	if err := b.Commit(j.writeOpts); err != nil {
		return 0, vterrors.Wrapf(vterrors.WithCode(err, vterrors.Unavailable), "cannot append event at %d", offset)
	}

	ev.Offset = offset
	ev.EndOffset = end
	j.tail = end
	close(j.appended)
	j.appended = make(chan struct{})
	return offset, nil
}

// Head returns the offset of the oldest stored record.
func (j *Journal) Head() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.head
}

// Tail returns the offset the next appended record will get.
func (j *Journal) Tail() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.tail
}

// WaitForAppend blocks until the journal holds data past offset, ctx is
// done, or the journal is closed.
func (j *Journal) WaitForAppend(ctx context.Context, offset int64) error {
	for {
		j.mu.Lock()
		if j.tail > offset {
			j.mu.Unlock()
			return nil
		}
		if j.closed {
			j.mu.Unlock()
			return vterrors.New(vterrors.Canceled, "journal is closed")
		}
		appended := j.appended
		j.mu.Unlock()

		select {
		case <-appended:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// read returns the event stored at offset.
func (j *Journal) read(offset int64) (*event.Event, error) {
	value, closer, err := j.db.Get(eventKey(offset))
	if err == pebble.ErrNotFound {
		return nil, pebble.ErrNotFound
	}
	if err != nil {
		return nil, vterrors.Wrapf(vterrors.WithCode(err, vterrors.Unavailable), "cannot read event at %d", offset)
	}
	defer closer.Close()
	ev, err := event.Unmarshal(value)
	if err != nil {
		return nil, vterrors.Wrapf(err, "at offset %d", offset)
	}
	ev.Offset = offset
	ev.EndOffset = offset + int64(len(value))
	return ev, nil
}

// Purge deletes every record that ends at or before offset. offset must be
// a record boundary no later than the persisted cursor, so that nothing a
// restart or retry could still need is removed.
func (j *Journal) Purge(offset int64) error {
	cursor, err := j.LoadCursor()
	if err != nil {
		return err
	}
	if offset > cursor.Offset {
		return vterrors.Errorf(vterrors.FailedPrecondition, "cannot purge to %d: cursor is at %d", offset, cursor.Offset)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if offset <= j.head {
		return nil
	}
	if offset < j.tail {
		_, closer, err := j.db.Get(eventKey(offset))
		if err == pebble.ErrNotFound {
			return vterrors.Errorf(vterrors.InvalidArgument, "cannot purge to %d: not a record boundary", offset)
		}
		if err != nil {
			return vterrors.Wrap(err, "cannot purge")
		}
		closer.Close()
	}

	b := j.db.NewBatch()
	defer b.Close()
	if err := b.DeleteRange(eventKey(j.head), eventKey(offset), nil); err != nil {
		return vterrors.Wrap(err, "cannot purge")
	}
	if err := b.Set(headKey, encodeOffset(offset), nil); err != nil {
		return vterrors.Wrap(err, "cannot purge")
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return vterrors.Wrapf(vterrors.WithCode(err, vterrors.Unavailable), "cannot purge to %d", offset)
	}
	log.Infof("Purged journal records before offset %d", offset)
	j.head = offset
	return nil
}
