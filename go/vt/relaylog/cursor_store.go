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
	"github.com/cockroachdb/pebble"

	"parapply.io/parapply/go/vt/binlog/event"
	"parapply.io/parapply/go/vt/vterrors"
)

// MarkCommitted durably records c as the resumption cursor. It must only be
// called with offsets that sit on a group boundary.
func (j *Journal) MarkCommitted(c *event.Cursor) error {
	data, err := event.MarshalCursor(c)
	if err != nil {
		return vterrors.Wrap(err, "cannot encode cursor")
	}
	if err := j.db.Set(cursorKey, data, pebble.Sync); err != nil {
		return vterrors.Wrapf(vterrors.WithCode(err, vterrors.Unavailable), "cannot persist cursor at %d", c.Offset)
	}
	return nil
}

// LoadCursor returns the persisted cursor, or an empty cursor positioned at
// the head of the journal when none was recorded yet.
func (j *Journal) LoadCursor() (*event.Cursor, error) {
	value, closer, err := j.db.Get(cursorKey)
	if err == pebble.ErrNotFound {
		c := event.NewCursor()
		c.Offset = j.Head()
		return c, nil
	}
	if err != nil {
		return nil, vterrors.Wrap(vterrors.WithCode(err, vterrors.Unavailable), "cannot read cursor")
	}
	defer closer.Close()
	return event.UnmarshalCursor(value)
}
