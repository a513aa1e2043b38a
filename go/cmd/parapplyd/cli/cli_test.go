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

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parapply.io/parapply/go/vt/binlog/event"
	"parapply.io/parapply/go/vt/relaylog"
	"parapply.io/parapply/go/vt/vterrors"
	"parapply.io/parapply/go/vt/vttablet/parallel"
)

const sampleEvents = `# two groups of domain 0
{"type":"gtid","gtid":"0-1-1","commit_id":3,"flags":2}
{"type":"query","payload":"insert into t values (1)"}
{"type":"xid"}

{"type":"gtid","gtid":"0-1-2","commit_id":3,"flags":2}
{"type":"query","payload":"insert into t values (2)"}
{"type":"xid"}
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestImportAndStatus(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, "events.jsonl", sampleEvents)

	out, err := execute(t, "import", "--journal-dir", dir, "--journal-no-sync", "--file", file)
	require.NoError(t, err)
	assert.Contains(t, out, "imported 6 events")

	out, err = execute(t, "status", "--journal-dir", dir)
	require.NoError(t, err)
	var st journalStatus
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.EqualValues(t, 0, st.Head)
	assert.Positive(t, st.Tail)
	assert.Equal(t, st.Tail, st.Pending)
	assert.EqualValues(t, 0, st.Cursor.Offset)
}

func TestImportRejectsBadLine(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, "events.jsonl", sampleEvents+"not json\n")

	_, err := execute(t, "import", "--journal-dir", dir, "--file", file)
	require.Error(t, err)
	assert.Equal(t, vterrors.DataLoss, vterrors.Code(err))
	assert.Contains(t, err.Error(), "line 9")
}

func TestImportFromStdin(t *testing.T) {
	dir := t.TempDir()
	root := newRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetIn(strings.NewReader(sampleEvents))
	root.SetArgs([]string{"import", "--journal-dir", dir})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "imported 6 events")
}

func TestJournalDirIsRequired(t *testing.T) {
	_, err := execute(t, "status")
	assert.Equal(t, vterrors.InvalidArgument, vterrors.Code(err))
}

func TestApplyRejectsBadSettings(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "apply", "--journal-dir", dir, "--workers", "0", "--db-dsn", "u@tcp(127.0.0.1:1)/")
	assert.Equal(t, vterrors.InvalidArgument, vterrors.Code(err))

	_, err = execute(t, "apply", "--journal-dir", dir, "--db-dsn", "no-slash")
	assert.Equal(t, vterrors.InvalidArgument, vterrors.Code(err))
}

func TestConfigFileAndEnvironment(t *testing.T) {
	config := writeFile(t, "parapply.yaml", `
workers: 7
max-retries: 2
retry-interval: 250ms
db-dsn: "u:p@tcp(db:3306)/"
journal-dir: /from/config
`)
	t.Setenv("PARAPPLY_MAX_DOMAINS", "9")
	t.Setenv("PARAPPLY_DB_POSITION_TABLE", "meta.pos")

	o := newOptions()
	root := newRootCommand(o)
	cmd, _, err := root.Find([]string{"apply"})
	require.NoError(t, err)
	require.NoError(t, cmd.ParseFlags([]string{"--config", config, "--max-retries", "5"}))
	require.NoError(t, o.preRun(cmd, nil))
	require.NoError(t, o.loadApply())

	assert.Equal(t, 7, o.apply.Workers)
	// Flags set on the command line win over the config file.
	assert.Equal(t, 5, o.apply.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, o.apply.RetryInterval)
	assert.Equal(t, 9, o.apply.MaxDomains)
	assert.Equal(t, "u:p@tcp(db:3306)/", o.db.DSN)
	assert.Equal(t, "meta.pos", o.db.PositionTable)
	assert.Equal(t, "/from/config", o.journalDir)
	assert.True(t, o.initTable)
	assert.Equal(t, "parapply", o.namespace)
}

func TestMissingConfigFile(t *testing.T) {
	_, err := execute(t, "status", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Equal(t, vterrors.InvalidArgument, vterrors.Code(err))
}

// recordingExecutor commits every group without touching storage.
type recordingExecutor struct {
	mu      sync.Mutex
	commits []event.GTID
}

func (r *recordingExecutor) Begin(ctx context.Context, ref parallel.GroupRef) (parallel.Transaction, error) {
	return &recordingTx{r: r, ref: ref}, nil
}

func (r *recordingExecutor) Classify(err error) parallel.ErrorClass {
	return parallel.ErrorPermanent
}

type recordingTx struct {
	r   *recordingExecutor
	ref parallel.GroupRef
}

func (tx *recordingTx) Apply(ctx context.Context, ev *event.Event) error { return nil }
func (tx *recordingTx) Rollback() error { return nil }

func (tx *recordingTx) Commit(ctx context.Context) error {
	tx.r.mu.Lock()
	defer tx.r.mu.Unlock()
	tx.r.commits = append(tx.r.commits, tx.ref.GTID)
	return nil
}

func importSample(t *testing.T) *relaylog.Journal {
	t.Helper()
	j, err := relaylog.OpenInMem()
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	n, err := importEvents(j, strings.NewReader(sampleEvents))
	require.NoError(t, err)
	require.Equal(t, 6, n)
	return j
}

func TestRunApplierDrainsJournal(t *testing.T) {
	j := importSample(t)
	o := newOptions()
	o.apply.StopAtEOF = true
	o.metricsAddr = "127.0.0.1:0"
	o.namespace = "parapply_test"
	exec := &recordingExecutor{}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, runApplier(ctx, o, exec, j))

	assert.Equal(t, []event.GTID{{Server: 1, Sequence: 1}, {Server: 1, Sequence: 2}}, exec.commits)
	cursor, err := j.LoadCursor()
	require.NoError(t, err)
	assert.Equal(t, j.Tail(), cursor.Offset)
}

func TestStatusEndpoint(t *testing.T) {
	j := importSample(t)
	applier, err := parallel.NewApplier(parallel.DefaultConfig(), &recordingExecutor{}, j, j)
	require.NoError(t, err)
	mux := newStatusMux("parapply_test", applier)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var st parallel.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.NotNil(t, st.Cursor)
	assert.EqualValues(t, 0, st.Cursor.Offset)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/vars", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ParallelGroupsDispatched")
}
