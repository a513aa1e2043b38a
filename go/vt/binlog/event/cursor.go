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

package event

import (
	"encoding/json"
	"maps"

	"parapply.io/parapply/go/vt/vterrors"
)

// DomainPosition is the last group of a domain known to be applied.
type DomainPosition struct {
	GTID  GTID   `json:"gtid"`
	SubID uint64 `json:"sub_id"`
}

// Cursor is the durable resumption point of the applier. Offset always
// points at a group boundary in the journal. Domains may run ahead of
// Offset; groups between Offset and a domain's position are recognized as
// applied and skipped on restart.
type Cursor struct {
	LogFile string                    `json:"log_file,omitempty"`
	Offset  int64                     `json:"offset"`
	Domains map[uint32]DomainPosition `json:"domains,omitempty"`
}

// NewCursor returns an empty cursor at the start of the journal.
func NewCursor() *Cursor {
	return &Cursor{Domains: make(map[uint32]DomainPosition)}
}

// Applied reports whether the group identified by gtid is already covered
// by the cursor.
func (c *Cursor) Applied(gtid GTID) bool {
	pos, ok := c.Domains[gtid.Domain]
	return ok && gtid.Sequence <= pos.GTID.Sequence
}

// Clone returns a deep copy.
func (c *Cursor) Clone() *Cursor {
	clone := *c
	clone.Domains = maps.Clone(c.Domains)
	if clone.Domains == nil {
		clone.Domains = make(map[uint32]DomainPosition)
	}
	return &clone
}

// Merge raises the position of every domain in positions that is ahead of
// the cursor.
func (c *Cursor) Merge(positions map[uint32]GTID) {
	for domain, gtid := range positions {
		if !c.Applied(gtid) {
			pos := c.Domains[domain]
			pos.GTID = gtid
			c.Domains[domain] = pos
		}
	}
}

// MarshalCursor encodes a cursor.
func MarshalCursor(c *Cursor) ([]byte, error) {
	return json.Marshal(c)
}

// UnmarshalCursor decodes a cursor.
func UnmarshalCursor(data []byte) (*Cursor, error) {
	c := NewCursor()
	if err := json.Unmarshal(data, c); err != nil {
		return nil, vterrors.Wrap(vterrors.WithCode(err, vterrors.DataLoss), "cannot decode cursor")
	}
	if c.Domains == nil {
		c.Domains = make(map[uint32]DomainPosition)
	}
	return c, nil
}
