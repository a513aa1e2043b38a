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
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeDB is a database/sql driver backend that records statements and
// keeps the position table in memory.
type fakeDB struct {
	mu         sync.Mutex
	statements []string
	committed  []string
	positions  map[uint32][]driver.Value
	// errs maps a statement prefix to the error its next execution fails
	// with.
	errs map[string]error
}

var (
	fakeDBs   sync.Map
	fakeDBSeq atomic.Int64
)

func init() {
	sql.Register("mysqlexec_fake", fakeDriver{})
}

// newFakeDB returns a pool backed by a new fakeDB.
func newFakeDB(t *testing.T) (*sql.DB, *fakeDB) {
	t.Helper()
	f := &fakeDB{positions: make(map[uint32][]driver.Value), errs: make(map[string]error)}
	name := fmt.Sprintf("fake%d", fakeDBSeq.Add(1))
	fakeDBs.Store(name, f)
	db, err := sql.Open("mysqlexec_fake", name)
	require.NoError(t, err)
	t.Cleanup(func() {
		db.Close()
		fakeDBs.Delete(name)
	})
	return db, f
}

func (f *fakeDB) failNext(prefix string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[prefix] = err
}

func (f *fakeDB) committedStatements() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.committed...)
}

func (f *fakeDB) allStatements() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.statements...)
}

type fakeDriver struct{}

func (fakeDriver) Open(name string) (driver.Conn, error) {
	v, ok := fakeDBs.Load(name)
	if !ok {
		return nil, fmt.Errorf("unknown fake database %q", name)
	}
	return &fakeConn{db: v.(*fakeDB)}, nil
}

type fakeConn struct {
	db        *fakeDB
	inTx      bool
	pending   []string
	positions map[uint32][]driver.Value
}

func (c *fakeConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare is not supported: %s", query)
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *fakeConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	c.inTx = true
	c.pending = nil
	c.positions = make(map[uint32][]driver.Value)
	return c, nil
}

func (c *fakeConn) Commit() error {
	f := c.db
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, c.pending...)
	for domain, row := range c.positions {
		f.positions[domain] = row
	}
	c.inTx, c.pending, c.positions = false, nil, nil
	return nil
}

func (c *fakeConn) Rollback() error {
	c.inTx, c.pending, c.positions = false, nil, nil
	return nil
}

func (c *fakeConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	f := c.db
	f.mu.Lock()
	defer f.mu.Unlock()
	for prefix, err := range f.errs {
		if strings.HasPrefix(query, prefix) {
			delete(f.errs, prefix)
			return nil, err
		}
	}
	stmt := query
	if len(args) > 0 {
		values := make([]any, len(args))
		for i, a := range args {
			values[i] = a.Value
		}
		stmt = fmt.Sprintf("%s %v", query, values)
	}
	f.statements = append(f.statements, stmt)
	if strings.HasPrefix(query, "insert into") && len(args) == 5 {
		row := []driver.Value{args[0].Value, args[1].Value, args[2].Value}
		if c.inTx {
			c.positions[uint32(args[0].Value.(int64))] = row
		} else {
			f.positions[uint32(args[0].Value.(int64))] = row
		}
	}
	if c.inTx {
		c.pending = append(c.pending, stmt)
	} else {
		f.committed = append(f.committed, stmt)
	}
	return driver.RowsAffected(1), nil
}

func (c *fakeConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	f := c.db
	f.mu.Lock()
	defer f.mu.Unlock()
	for prefix, err := range f.errs {
		if strings.HasPrefix(query, prefix) {
			delete(f.errs, prefix)
			return nil, err
		}
	}
	rows := &fakeRows{}
	for _, row := range f.positions {
		rows.rows = append(rows.rows, row)
	}
	return rows, nil
}

type fakeRows struct {
	rows [][]driver.Value
}

func (r *fakeRows) Columns() []string {
	return []string{"domain_id", "server_id", "seq_no"}
}

func (r *fakeRows) Close() error { return nil }

func (r *fakeRows) Next(dest []driver.Value) error {
	if len(r.rows) == 0 {
		return io.EOF
	}
	copy(dest, r.rows[0])
	r.rows = r.rows[1:]
	return nil
}
