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

	"parapply.io/parapply/go/vt/binlog/event"
)

// ErrorClass tells the retry logic what to do with an execution error.
type ErrorClass int

const (
	// ErrorPermanent errors stop the domain at the failing group.
	ErrorPermanent ErrorClass = iota
	// ErrorTemporary errors are retried.
	ErrorTemporary
)

func (c ErrorClass) String() string {
	if c == ErrorTemporary {
		return "temporary"
	}
	return "permanent"
}

// GroupRef identifies the group a transaction is opened for. The zero
// GroupRef is used for events applied outside of any group.
type GroupRef struct {
	Domain uint32
	SubID  uint64
	GTID   event.GTID
	Retry  int
}

// Executor applies event groups to the target storage.
type Executor interface {
	// Begin opens the transaction a group is applied in. Cancelling ctx
	// must abort the transaction.
	Begin(ctx context.Context, ref GroupRef) (Transaction, error)
	// Classify decides whether err is worth retrying.
	Classify(err error) ErrorClass
}

// Transaction is one attempt at applying a group.
type Transaction interface {
	Apply(ctx context.Context, ev *event.Event) error
	Commit(ctx context.Context) error
	Rollback() error
}

// PositionLoader is implemented by executors that store the last applied
// GTID of each domain alongside the data.
type PositionLoader interface {
	LoadPositions(ctx context.Context) (map[uint32]event.GTID, error)
}

// Log is the journal events are read from.
type Log interface {
	OpenReader(offset int64) (event.Source, error)
	WaitForAppend(ctx context.Context, offset int64) error
}

// CursorStore persists the resumption cursor.
type CursorStore interface {
	LoadCursor() (*event.Cursor, error)
	MarkCommitted(c *event.Cursor) error
}
