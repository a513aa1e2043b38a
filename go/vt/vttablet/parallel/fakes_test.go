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
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"parapply.io/parapply/go/test/utils"
	"parapply.io/parapply/go/vt/binlog/event"
	"parapply.io/parapply/go/vt/relaylog"
)

func TestMain(m *testing.M) {
	code := m.Run()
	if code == 0 {
		if err := utils.GetLeaks(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			code = 1
		}
	}
	os.Exit(code)
}

var errTransient = errors.New("lock wait timeout exceeded")

// fakeExecutor records what the groups commit. Hooks run under no lock and
// must be set before the first group is dispatched.
type fakeExecutor struct {
	mu      sync.Mutex
	commits []event.GTID
	applied []string
	serial  []string
	begins  map[event.GTID]int

	onApply  func(ctx context.Context, ref GroupRef, ev *event.Event) error
	onCommit func(ctx context.Context, ref GroupRef) error
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{begins: make(map[event.GTID]int)}
}

func (f *fakeExecutor) Begin(ctx context.Context, ref GroupRef) (Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.begins[ref.GTID]++
	f.mu.Unlock()
	return &fakeTx{f: f, ref: ref}, nil
}

func (f *fakeExecutor) Classify(err error) ErrorClass {
	if errors.Is(err, errTransient) {
		return ErrorTemporary
	}
	return ErrorPermanent
}

func (f *fakeExecutor) committed() []event.GTID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]event.GTID(nil), f.commits...)
}

func (f *fakeExecutor) appliedPayloads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.applied...)
}

func (f *fakeExecutor) beginCount(gtid event.GTID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.begins[gtid]
}

type fakeTx struct {
	f       *fakeExecutor
	ref     GroupRef
	applied []string
}

func (tx *fakeTx) Apply(ctx context.Context, ev *event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if tx.f.onApply != nil {
		if err := tx.f.onApply(ctx, tx.ref, ev); err != nil {
			return err
		}
	}
	tx.applied = append(tx.applied, ev.Payload)
	return nil
}

func (tx *fakeTx) Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if tx.f.onCommit != nil {
		if err := tx.f.onCommit(ctx, tx.ref); err != nil {
			return err
		}
	}
	tx.f.mu.Lock()
	defer tx.f.mu.Unlock()
	if tx.ref == (GroupRef{}) {
		tx.f.serial = append(tx.f.serial, tx.applied...)
		return nil
	}
	tx.f.commits = append(tx.f.commits, tx.ref.GTID)
	tx.f.applied = append(tx.f.applied, tx.applied...)
	return nil
}

func (tx *fakeTx) Rollback() error {
	tx.applied = nil
	return nil
}

// harness runs a Service and a Dispatcher over an in-memory journal.
type harness struct {
	t    *testing.T
	ctx  context.Context
	j    *relaylog.Journal
	exec *fakeExecutor
	svc  *Service
	d    *Dispatcher
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Workers = 4
	cfg.MaxRetries = 3
	return cfg
}

func newHarness(t *testing.T, cfg Config, cursor *event.Cursor) *harness {
	t.Helper()
	j, err := relaylog.OpenInMem()
	require.NoError(t, err)
	exec := newFakeExecutor()
	svc, err := NewService(cfg, exec, j, j)
	require.NoError(t, err)
	if cursor == nil {
		cursor = event.NewCursor()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	require.NoError(t, svc.Open(ctx, cursor))
	h := &harness{t: t, ctx: ctx, j: j, exec: exec, svc: svc, d: NewDispatcher(svc, cursor.LogFile, cfg.SkipCounter)}
	t.Cleanup(func() {
		svc.Close()
		cancel()
		require.NoError(t, j.Close())
	})
	return h
}

func gtid(domain uint32, seq uint64) event.GTID {
	return event.GTID{Domain: domain, Server: 1, Sequence: seq}
}

// group appends a transactional group to the journal.
func (h *harness) group(id event.GTID, commitID uint64, payloads ...string) []*event.Event {
	h.t.Helper()
	evs := []*event.Event{{Type: event.TypeGTID, GTID: id, CommitID: commitID, Flags: event.FlagTransactional}}
	for _, p := range payloads {
		evs = append(evs, &event.Event{Type: event.TypeQuery, Payload: p})
	}
	evs = append(evs, &event.Event{Type: event.TypeXID})
	return h.append(evs...)
}

func (h *harness) append(evs ...*event.Event) []*event.Event {
	h.t.Helper()
	for _, ev := range evs {
		_, err := h.j.Append(ev)
		require.NoError(h.t, err)
	}
	return evs
}

func (h *harness) dispatch(evs ...*event.Event) {
	h.t.Helper()
	for _, ev := range evs {
		res, err := h.d.Dispatch(h.ctx, ev, ev.Size())
		require.NoError(h.t, err)
		if res == RunSerially {
			require.NoError(h.t, h.d.Serial(h.ctx, ev))
		}
	}
}

func (h *harness) waitIdle() {
	h.t.Helper()
	require.NoError(h.t, h.svc.WaitIdle(h.ctx))
}

func (h *harness) domain(domain uint32) DomainStatus {
	h.t.Helper()
	for _, st := range h.svc.Status().Domains {
		if st.Domain == domain {
			return st
		}
	}
	h.t.Fatalf("no status for domain %d", domain)
	return DomainStatus{}
}

func (h *harness) persisted() *event.Cursor {
	h.t.Helper()
	c, err := h.j.LoadCursor()
	require.NoError(h.t, err)
	return c
}

// waitChan fails the test if ch is not closed in time.
func waitChan(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}
