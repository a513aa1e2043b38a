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

// Package mysqlexec applies event groups to a MySQL or MariaDB server
// through database/sql. Every group commits together with its GTID in a
// position table, so the data and the applied position never disagree.
package mysqlexec

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/pflag"

	"parapply.io/parapply/go/mysql/sqlerror"
	"parapply.io/parapply/go/sqlescape"
	"parapply.io/parapply/go/stats"
	"parapply.io/parapply/go/vt/binlog/event"
	"parapply.io/parapply/go/vt/log"
	"parapply.io/parapply/go/vt/vterrors"
	"parapply.io/parapply/go/vt/vttablet/parallel"
)

// DefaultPositionTable is the table positions are stored in when none is
// configured.
const DefaultPositionTable = "_parapply.apply_position"

// slowQueryThreshold is the duration past which an applied statement is
// logged.
const slowQueryThreshold = 2 * time.Second

var (
	queryCount  = stats.NewCountersWithSingleLabel("MysqlExecQueries", "Number of statements executed by outcome", "Result", "OK", "Error")
	txCount     = stats.NewCountersWithSingleLabel("MysqlExecTransactions", "Number of transactions by outcome", "Result", "Commit", "Rollback")
	slowQueries = stats.NewCounter("MysqlExecSlowQueries", "Number of applied statements slower than the slow query threshold")

	poolsMu sync.Mutex
	pools   = make(map[*sql.DB]struct{})
	_       = stats.NewGaugesFuncWithMultiLabels("MysqlExecConnections", "Connections of the executor pools by state", []string{"State"}, connectionCounts)
)

func connectionCounts() map[string]int64 {
	poolsMu.Lock()
	defer poolsMu.Unlock()
	counts := map[string]int64{"Open": 0, "InUse": 0, "Idle": 0, "Waited": 0}
	for db := range pools {
		st := db.Stats()
		counts["Open"] += int64(st.OpenConnections)
		counts["InUse"] += int64(st.InUse)
		counts["Idle"] += int64(st.Idle)
		counts["Waited"] += st.WaitCount
	}
	return counts
}

const (
	upsertPosition = "insert into %s (domain_id, server_id, seq_no, sub_id, time_updated) values (?, ?, ?, ?, ?) " +
		"on duplicate key update server_id = values(server_id), seq_no = values(seq_no), sub_id = values(sub_id), time_updated = values(time_updated)"

	selectPositions = "select domain_id, server_id, seq_no from %s"
)

// Config holds the connection settings of the executor.
type Config struct {
	// DSN is a go-sql-driver/mysql data source name.
	DSN string `mapstructure:"db-dsn"`
	// PositionTable is the database qualified table positions are stored in.
	PositionTable string `mapstructure:"db-position-table"`
	// MaxOpenConns bounds the connection pool. Zero uses one connection
	// per worker plus one.
	MaxOpenConns int `mapstructure:"db-max-open-conns"`
}

// RegisterFlags installs the executor flags on fs.
func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.DSN, "db-dsn", c.DSN, "Data source name of the target server, e.g. user:pass@tcp(127.0.0.1:3306)/")
	fs.StringVar(&c.PositionTable, "db-position-table", c.PositionTable, "Table the applied GTID of each domain is stored in")
	fs.IntVar(&c.MaxOpenConns, "db-max-open-conns", c.MaxOpenConns, "Maximum number of connections to the target server (0 means workers + 1)")
}

// Executor implements parallel.Executor on a database/sql pool.
type Executor struct {
	db       *sql.DB
	schema   string
	table    string
	upsert   string
	selectQ  string
	ownsPool bool
}

var (
	_ parallel.Executor       = (*Executor)(nil)
	_ parallel.PositionLoader = (*Executor)(nil)
)

// Open connects to the server described by cfg. workers sizes the
// connection pool when cfg does not.
func Open(cfg Config, workers int) (*Executor, error) {
	mcfg, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, vterrors.Wrap(vterrors.WithCode(err, vterrors.InvalidArgument), "invalid data source name")
	}
	// Statements are replayed verbatim; several of them may share an
	// event.
	mcfg.MultiStatements = true
	connector, err := mysql.NewConnector(mcfg)
	if err != nil {
		return nil, vterrors.Wrap(vterrors.WithCode(err, vterrors.InvalidArgument), "cannot create connector")
	}
	db := sql.OpenDB(connector)
	maxConns := cfg.MaxOpenConns
	if maxConns <= 0 {
		maxConns = workers + 1
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	e, err := New(db, cfg.PositionTable)
	if err != nil {
		db.Close()
		return nil, err
	}
	e.ownsPool = true
	log.Infof("Executor connected to %s as %s with up to %d connections", mcfg.Addr, mcfg.User, maxConns)
	return e, nil
}

// New returns an executor on an existing pool. table defaults to
// DefaultPositionTable.
func New(db *sql.DB, table string) (*Executor, error) {
	if table == "" {
		table = DefaultPositionTable
	}
	schema, name, ok := strings.Cut(table, ".")
	if !ok {
		schema, name = "", table
	}
	if name == "" || (ok && schema == "") {
		return nil, vterrors.Errorf(vterrors.InvalidArgument, "invalid position table %q", table)
	}
	qualified := sqlescape.EscapeID(name)
	if schema != "" {
		qualified = sqlescape.EscapeID(schema) + "." + qualified
	}
	e := &Executor{
		db:      db,
		schema:  schema,
		table:   qualified,
		upsert:  fmt.Sprintf(upsertPosition, qualified),
		selectQ: fmt.Sprintf(selectPositions, qualified),
	}
	poolsMu.Lock()
	pools[db] = struct{}{}
	poolsMu.Unlock()
	return e, nil
}

// Init creates the position table if needed.
func (e *Executor) Init(ctx context.Context) error {
	var stmts []string
	if e.schema != "" {
		stmts = append(stmts, "create database if not exists "+sqlescape.EscapeID(e.schema))
	}
	stmts = append(stmts, fmt.Sprintf(`create table if not exists %s (
  domain_id int unsigned not null,
  server_id int unsigned not null,
  seq_no bigint unsigned not null,
  sub_id bigint unsigned not null,
  time_updated bigint not null,
  primary key (domain_id)) engine=InnoDB`, e.table))
	for _, stmt := range stmts {
		if _, err := e.db.ExecContext(ctx, stmt); err != nil {
			return vterrors.Wrapf(err, "cannot create position table %s", e.table)
		}
	}
	return nil
}

// Close releases the pool if the executor opened it.
func (e *Executor) Close() error {
	poolsMu.Lock()
	delete(pools, e.db)
	poolsMu.Unlock()
	if e.ownsPool {
		return e.db.Close()
	}
	return nil
}

// Begin implements parallel.Executor. The transaction is rolled back by
// the driver when ctx is cancelled.
func (e *Executor) Begin(ctx context.Context, ref parallel.GroupRef) (parallel.Transaction, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, vterrors.Wrap(err, "cannot begin transaction")
	}
	return &transaction{e: e, tx: tx, ref: ref}, nil
}

// Classify implements parallel.Executor.
func (e *Executor) Classify(err error) parallel.ErrorClass {
	if sqlerror.IsUnrecoverable(err) {
		return parallel.ErrorPermanent
	}
	if sqlerror.IsTemporary(err) {
		return parallel.ErrorTemporary
	}
	return parallel.ErrorPermanent
}

// LoadPositions implements parallel.PositionLoader.
func (e *Executor) LoadPositions(ctx context.Context) (map[uint32]event.GTID, error) {
	rows, err := e.db.QueryContext(ctx, e.selectQ)
	if err != nil {
		if serr, ok := sqlerror.NewSQLErrorFromError(err).(*sqlerror.SQLError); ok && serr.Num == sqlerror.ERNoSuchTable {
			return map[uint32]event.GTID{}, nil
		}
		return nil, vterrors.Wrapf(err, "cannot read %s", e.table)
	}
	defer rows.Close()
	positions := make(map[uint32]event.GTID)
	for rows.Next() {
		var gtid event.GTID
		if err := rows.Scan(&gtid.Domain, &gtid.Server, &gtid.Sequence); err != nil {
			return nil, vterrors.Wrapf(err, "cannot read %s", e.table)
		}
		positions[gtid.Domain] = gtid
	}
	if err := rows.Err(); err != nil {
		return nil, vterrors.Wrapf(err, "cannot read %s", e.table)
	}
	return positions, nil
}

type transaction struct {
	e   *Executor
	tx  *sql.Tx
	ref parallel.GroupRef
}

func (t *transaction) exec(ctx context.Context, query string, args ...any) error {
	start := time.Now()
	_, err := t.tx.ExecContext(ctx, query, args...)
	if elapsed := time.Since(start); elapsed > slowQueryThreshold {
		slowQueries.Add(1)
		log.Infof("SLOW QUERY (%v) '%s'", elapsed, query)
	}
	if err != nil {
		queryCount.Add("Error", 1)
		return err
	}
	queryCount.Add("OK", 1)
	return nil
}

// Apply runs the statement carried by ev. Events without a statement are
// ignored.
func (t *transaction) Apply(ctx context.Context, ev *event.Event) error {
	if ev.Payload == "" || ev.IsCommitMarker() {
		return nil
	}
	if err := t.exec(ctx, ev.Payload); err != nil {
		return vterrors.Wrapf(err, "cannot apply %v", ev)
	}
	return nil
}

// Commit records the group's GTID and commits.
func (t *transaction) Commit(ctx context.Context) error {
	if !t.ref.GTID.IsZero() {
		gtid := t.ref.GTID
		if err := t.exec(ctx, t.e.upsert, gtid.Domain, gtid.Server, gtid.Sequence, t.ref.SubID, time.Now().Unix()); err != nil {
			return vterrors.Wrapf(err, "cannot update position to %v", gtid)
		}
	}
	if err := t.tx.Commit(); err != nil {
		return vterrors.Wrap(err, "cannot commit")
	}
	txCount.Add("Commit", 1)
	return nil
}

// Rollback implements parallel.Transaction. Rolling back a transaction
// the driver already ended is not an error.
func (t *transaction) Rollback() error {
	err := t.tx.Rollback()
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return vterrors.Wrap(err, "cannot roll back")
	}
	txCount.Add("Rollback", 1)
	return nil
}
