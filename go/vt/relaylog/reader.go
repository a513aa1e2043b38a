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
	"io"

	"github.com/cockroachdb/pebble"

	"parapply.io/parapply/go/vt/binlog/event"
	"parapply.io/parapply/go/vt/vterrors"
)

// Reader reads events sequentially from a journal.
type Reader struct {
	j      *Journal
	offset int64
}

var _ event.Source = (*Reader)(nil)

// NewReader returns a reader positioned at offset. offset must be the start
// of a stored record or the current tail.
func (j *Journal) NewReader(offset int64) (*Reader, error) {
	r := &Reader{j: j}
	if err := r.SeekTo(offset); err != nil {
		return nil, err
	}
	return r, nil
}

// OpenReader is NewReader returning the event.Source interface.
func (j *Journal) OpenReader(offset int64) (event.Source, error) {
	r, err := j.NewReader(offset)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// SeekTo repositions the reader.
func (r *Reader) SeekTo(offset int64) error {
	head, tail := r.j.Head(), r.j.Tail()
	if offset < head || offset > tail {
		return vterrors.Errorf(vterrors.OutOfRange, "offset %d is outside the journal [%d, %d]", offset, head, tail)
	}
	if offset < tail {
		if _, err := r.j.read(offset); err != nil {
			if err == pebble.ErrNotFound {
				return vterrors.Errorf(vterrors.InvalidArgument, "offset %d is not a record boundary", offset)
			}
			return err
		}
	}
	r.offset = offset
	return nil
}

// Offset returns the offset of the next event Next will return.
func (r *Reader) Offset() int64 {
	return r.offset
}

// Next returns the next event, or io.EOF when the reader reached the tail.
// Decoding failures are returned with the DataLoss code.
func (r *Reader) Next() (*event.Event, error) {
	if r.offset >= r.j.Tail() {
		return nil, io.EOF
	}
	ev, err := r.j.read(r.offset)
	if err == pebble.ErrNotFound {
		if r.offset < r.j.Head() {
			return nil, vterrors.Errorf(vterrors.OutOfRange, "event at %d was purged", r.offset)
		}
		return nil, vterrors.Errorf(vterrors.DataLoss, "missing event at %d", r.offset)
	}
	if err != nil {
		return nil, err
	}
	r.offset = ev.EndOffset
	return ev, nil
}

// Close implements event.Source.
func (r *Reader) Close() error {
	return nil
}
