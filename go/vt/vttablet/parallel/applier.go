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
	"io"
	"sync"

	"parapply.io/parapply/go/sync2"
	"parapply.io/parapply/go/vt/binlog/event"
	"parapply.io/parapply/go/vt/log"
	"parapply.io/parapply/go/vt/vterrors"
)

// Applier reads the journal from the persisted cursor on and applies it
// through a Service.
type Applier struct {
	cfg   Config
	exec  Executor
	log   Log
	store CursorStore

	svm sync2.ServiceManager

	mu  sync.Mutex
	svc *Service
}

// NewApplier returns an applier that is not running yet.
func NewApplier(cfg Config, exec Executor, journal Log, store CursorStore) (*Applier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Applier{cfg: cfg, exec: exec, log: journal, store: store}, nil
}

// Start launches the apply loop in the background. Cancelling ctx aborts
// the groups in flight; Stop ends the loop at a group boundary instead.
func (a *Applier) Start(ctx context.Context) error {
	ok := a.svm.Go(func(svm *sync2.ServiceManager) error {
		return a.run(ctx, svm.ShuttingDown())
	})
	if !ok {
		return vterrors.New(vterrors.FailedPrecondition, "applier is already running")
	}
	return nil
}

// Stop asks the loop to stop after the current group and waits for it.
// Groups that already started finish; the others are left for the next
// run.
func (a *Applier) Stop() error {
	a.svm.Stop()
	return a.svm.Wait()
}

// Wait blocks until the loop returns and returns its error.
func (a *Applier) Wait() error {
	return a.svm.Wait()
}

// Run applies the journal until it is drained with StopAtEOF set, a fatal
// error happens, or ctx is done. When ctx is done the applier stops at a
// group boundary.
func (a *Applier) Run(ctx context.Context) error {
	if err := a.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.svm.Wait()
	}()
	select {
	case <-ctx.Done():
		return a.Stop()
	case <-done:
		return a.Wait()
	}
}

// Status returns the state of the running service, or the persisted
// cursor when the applier is not running.
func (a *Applier) Status() (*Status, error) {
	a.mu.Lock()
	svc := a.svc
	a.mu.Unlock()
	if svc != nil {
		return svc.Status(), nil
	}
	c, err := a.store.LoadCursor()
	if err != nil {
		return nil, err
	}
	return &Status{Cursor: c, Domains: []DomainStatus{}}, nil
}

// SetWorkerPoolSize resizes the pool of the running service, or the pool
// the next run starts with.
func (a *Applier) SetWorkerPoolSize(n int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.svc != nil {
		if err := a.svc.SetWorkerPoolSize(n); err != nil {
			return err
		}
	} else if n <= 0 {
		return vterrors.Errorf(vterrors.InvalidArgument, "worker pool size must be positive, got %d", n)
	}
	a.cfg.Workers = n
	return nil
}

// KillForRetry forwards to the running service.
func (a *Applier) KillForRetry(domain uint32, subID uint64) bool {
	a.mu.Lock()
	svc := a.svc
	a.mu.Unlock()
	return svc != nil && svc.KillForRetry(domain, subID)
}

func (a *Applier) setService(svc *Service) {
	a.mu.Lock()
	a.svc = svc
	a.mu.Unlock()
}

func (a *Applier) run(ctx context.Context, shutdown <-chan struct{}) error {
	cursor, err := a.store.LoadCursor()
	if err != nil {
		return vterrors.Wrap(err, "cannot load the apply cursor")
	}
	if pl, ok := a.exec.(PositionLoader); ok {
		positions, err := pl.LoadPositions(ctx)
		if err != nil {
			return vterrors.Wrap(err, "cannot load applied positions")
		}
		cursor.Merge(positions)
	}
	a.mu.Lock()
	cfg := a.cfg
	a.mu.Unlock()
	svc, err := NewService(cfg, a.exec, a.log, a.store)
	if err != nil {
		return err
	}
	if err := svc.Open(ctx, cursor); err != nil {
		return err
	}
	a.setService(svc)
	defer a.setService(nil)

	src, err := a.log.OpenReader(cursor.Offset)
	if err != nil {
		svc.Close()
		return vterrors.Wrapf(err, "cannot read the journal at offset %d", cursor.Offset)
	}
	defer src.Close()

	log.Infof("Parallel apply starting at offset %d of %q with %d workers", cursor.Offset, cursor.LogFile, cfg.Workers)
	d := NewDispatcher(svc, cursor.LogFile, cfg.SkipCounter)
	err = a.loop(ctx, shutdown, svc, d, src, cursor.Offset)
	if err != nil {
		svc.recordError(err, nil)
	}
	if err != nil || svc.Err() != nil || isClosed(shutdown) {
		svc.Stop()
	}
	svc.Close()
	final := svc.cursor.snapshot()
	log.Infof("Parallel apply stopped at offset %d of %q", final.Offset, final.LogFile)
	return svc.Err()
}

// loop feeds the dispatcher until the journal is drained, a stop is
// requested or an error happens. Stops and errors only end the loop at a
// group boundary.
func (a *Applier) loop(ctx context.Context, shutdown <-chan struct{}, svc *Service, d *Dispatcher, src event.Source, next int64) error {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-shutdown:
			cancel()
		case <-waitCtx.Done():
		}
	}()

	for {
		if !d.InGroup() && (svc.Err() != nil || isClosed(shutdown)) {
			return nil
		}
		ev, err := src.Next()
		if err == io.EOF {
			if isClosed(shutdown) {
				d.Abandon()
				return nil
			}
			if a.cfg.StopAtEOF {
				if d.InGroup() {
					log.Warningf("Journal ends inside a group at offset %d, leaving it for the next run", next)
					d.Abandon()
				}
				return nil
			}
			if err := a.log.WaitForAppend(waitCtx, next); err != nil {
				if ctx.Err() != nil {
					d.Abandon()
					return ctx.Err()
				}
				if waitCtx.Err() != nil {
					continue
				}
				d.Abandon()
				return vterrors.Wrap(err, "cannot wait for the journal")
			}
			continue
		}
		if err != nil {
			d.Abandon()
			return vterrors.Wrapf(err, "cannot read the journal at offset %d", next)
		}
		next = ev.EndOffset
		res, err := d.Dispatch(ctx, ev, ev.Size())
		if err != nil {
			d.Abandon()
			return err
		}
		if res == RunSerially {
			if err := d.Serial(ctx, ev); err != nil {
				return err
			}
		}
	}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
