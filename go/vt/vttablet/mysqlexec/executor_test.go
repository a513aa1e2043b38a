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

package mysqlexec

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parapply.io/parapply/go/vt/binlog/event"
	"parapply.io/parapply/go/vt/relaylog"
	"parapply.io/parapply/go/vt/vterrors"
	"parapply.io/parapply/go/vt/vttablet/parallel"
)

func newTestExecutor(t *testing.T) (*Executor, *fakeDB) {
	t.Helper()
	db, f := newFakeDB(t)
	e, err := New(db, "")
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e, f
}

func TestCommitStoresPosition(t *testing.T) {
	e, f := newTestExecutor(t)
	ctx := context.Background()
	gtid := event.GTID{Domain: 1, Server: 10, Sequence: 42}

	tx, err := e.Begin(ctx, parallel.GroupRef{Domain: 1, SubID: 7, GTID: gtid})
	require.NoError(t, err)
	require.NoError(t, tx.Apply(ctx, &event.Event{Type: event.TypeQuery, Payload: "insert into t values (1)"}))
	require.NoError(t, tx.Apply(ctx, &event.Event{Type: event.TypeXID}))
	require.NoError(t, tx.Commit(ctx))

	committed := f.committedStatements()
	require.Len(t, committed, 2)
	assert.Equal(t, "insert into t values (1)", committed[0])
	assert.Contains(t, committed[1], "insert into `_parapply`.`apply_position`")
	assert.Contains(t, committed[1], "[1 10 42 7 ")

	positions, err := e.LoadPositions(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[uint32]event.GTID{1: gtid}, positions)
}

func TestSerialTransactionHasNoPosition(t *testing.T) {
	e, f := newTestExecutor(t)
	ctx := context.Background()

	tx, err := e.Begin(ctx, parallel.GroupRef{})
	require.NoError(t, err)
	require.NoError(t, tx.Apply(ctx, &event.Event{Type: event.TypeQuery, Payload: "create table t (id int)"}))
	require.NoError(t, tx.Commit(ctx))

	assert.Equal(t, []string{"create table t (id int)"}, f.committedStatements())
}

func TestRollbackDiscardsStatements(t *testing.T) {
	e, f := newTestExecutor(t)
	ctx := context.Background()

	tx, err := e.Begin(ctx, parallel.GroupRef{Domain: 0, SubID: 1, GTID: event.GTID{Server: 1, Sequence: 1}})
	require.NoError(t, err)
	require.NoError(t, tx.Apply(ctx, &event.Event{Type: event.TypeQuery, Payload: "update t set a = 1"}))
	require.NoError(t, tx.Rollback())
	// A second rollback finds the transaction done.
	require.NoError(t, tx.Rollback())

	assert.Empty(t, f.committedStatements())
	assert.Equal(t, []string{"update t set a = 1"}, f.allStatements())
}

func TestApplyError(t *testing.T) {
	e, f := newTestExecutor(t)
	ctx := context.Background()
	f.failNext("update", &mysql.MySQLError{Number: 1213, Message: "Deadlock found when trying to get lock"})

	tx, err := e.Begin(ctx, parallel.GroupRef{SubID: 1, GTID: event.GTID{Server: 1, Sequence: 1}})
	require.NoError(t, err)
	err = tx.Apply(ctx, &event.Event{Type: event.TypeQuery, Payload: "update t set a = 1"})
	require.Error(t, err)
	var merr *mysql.MySQLError
	require.ErrorAs(t, err, &merr)
	assert.EqualValues(t, 1213, merr.Number)
	assert.Equal(t, parallel.ErrorTemporary, e.Classify(err))
	require.NoError(t, tx.Rollback())
}

func TestClassify(t *testing.T) {
	e, _ := newTestExecutor(t)
	testcases := []struct {
		name string
		err  error
		want parallel.ErrorClass
	}{{
		name: "lock wait timeout",
		err:  &mysql.MySQLError{Number: 1205},
		want: parallel.ErrorTemporary,
	}, {
		name: "deadlock",
		err:  vterrors.Wrap(&mysql.MySQLError{Number: 1213}, "cannot apply"),
		want: parallel.ErrorTemporary,
	}, {
		name: "duplicate key",
		err:  &mysql.MySQLError{Number: 1062},
		want: parallel.ErrorPermanent,
	}, {
		name: "wrapped missing table",
		err:  vterrors.Wrap(&mysql.MySQLError{Number: 1146, Message: "Table 'db.t' doesn't exist"}, "cannot apply"),
		want: parallel.ErrorPermanent,
	}, {
		name: "bad connection",
		err:  driver.ErrBadConn,
		want: parallel.ErrorTemporary,
	}, {
		name: "cancelled attempt",
		err:  context.Canceled,
		want: parallel.ErrorTemporary,
	}, {
		name: "plain error",
		err:  errors.New("boom"),
		want: parallel.ErrorPermanent,
	}}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, e.Classify(tc.err))
		})
	}
}

func TestLoadPositionsWithoutTable(t *testing.T) {
	e, f := newTestExecutor(t)
	f.failNext("select", &mysql.MySQLError{Number: 1146, Message: "Table '_parapply.apply_position' doesn't exist"})

	positions, err := e.LoadPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, positions)

	f.failNext("select", &mysql.MySQLError{Number: 1045, Message: "Access denied"})
	_, err = e.LoadPositions(context.Background())
	require.Error(t, err)
}

func TestInitCreatesPositionTable(t *testing.T) {
	e, f := newTestExecutor(t)
	require.NoError(t, e.Init(context.Background()))

	stmts := f.allStatements()
	require.Len(t, stmts, 2)
	assert.Equal(t, "create database if not exists `_parapply`", stmts[0])
	assert.Contains(t, stmts[1], "create table if not exists `_parapply`.`apply_position`")
}

func TestNewPositionTable(t *testing.T) {
	db, _ := newFakeDB(t)
	testcases := []struct {
		table string
		want  string
		err   bool
	}{
		{table: "", want: "`_parapply`.`apply_position`"},
		{table: "pos", want: "`pos`"},
		{table: "meta.pos", want: "`meta`.`pos`"},
		{table: "we`ird.pos", want: "`we``ird`.`pos`"},
		{table: ".pos", err: true},
		{table: "meta.", err: true},
	}
	for _, tc := range testcases {
		t.Run(tc.table, func(t *testing.T) {
			e, err := New(db, tc.table)
			if tc.err {
				assert.Equal(t, vterrors.InvalidArgument, vterrors.Code(err))
				return
			}
			require.NoError(t, err)
			defer e.Close()
			assert.Equal(t, tc.want, e.table)
		})
	}
}

func TestOpenRejectsBadDSN(t *testing.T) {
	_, err := Open(Config{DSN: "no-slash"}, 4)
	assert.Equal(t, vterrors.InvalidArgument, vterrors.Code(err))
}

func TestApplierCommitsThroughExecutor(t *testing.T) {
	e, f := newTestExecutor(t)
	j, err := relaylog.OpenInMem()
	require.NoError(t, err)
	defer j.Close()

	for seq := uint64(1); seq <= 3; seq++ {
		evs := []*event.Event{
			{Type: event.TypeGTID, GTID: event.GTID{Domain: 0, Server: 1, Sequence: seq}, CommitID: 5, Flags: event.FlagTransactional},
			{Type: event.TypeQuery, Payload: fmt.Sprintf("insert into t values (%d)", seq)},
			{Type: event.TypeXID},
		}
		for _, ev := range evs {
			_, err := j.Append(ev)
			require.NoError(t, err)
		}
	}

	cfg := parallel.DefaultConfig()
	cfg.Workers = 2
	cfg.StopAtEOF = true
	a, err := parallel.NewApplier(cfg, e, j, j)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, a.Run(ctx))

	positions, err := e.LoadPositions(ctx)
	require.NoError(t, err)
	assert.Equal(t, event.GTID{Domain: 0, Server: 1, Sequence: 3}, positions[0])
	data := 0
	for _, stmt := range f.committedStatements() {
		if strings.HasPrefix(stmt, "insert into t ") {
			data++
		}
	}
	assert.Equal(t, 3, data)

	cursor, err := j.LoadCursor()
	require.NoError(t, err)
	assert.Equal(t, j.Tail(), cursor.Offset)
}
