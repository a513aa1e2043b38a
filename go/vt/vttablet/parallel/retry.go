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
	"errors"
	"io"
	"time"

	"parapply.io/parapply/go/vt/binlog/event"
	"parapply.io/parapply/go/vt/log"
	"parapply.io/parapply/go/vt/vterrors"
)

// maxRetryBackoff caps the wait before a single retry.
const maxRetryBackoff = time.Minute

// retry handles err, raised while g was executing. Temporary errors roll
// the group back and replay it from the journal until it gets past the
// point it had reached, or until the retries run out. A nil return means
// the group is back where it was before the error.
func (w *worker) retry(g *group, err error) error {
	e := g.e
	for {
		var re *retryReadError
		if errors.Is(err, errPriorNotApplied) || errors.As(err, &re) || w.svc.ctx.Err() != nil {
			return err
		}
		if !g.flags.Has(event.FlagTransactional) {
			// Partial effects survive the rollback.
			return err
		}
		killed := g.killed.Load()
		if !killed && w.svc.exec.Classify(err) != ErrorTemporary {
			return err
		}
		if g.retries >= w.svc.cfg.MaxRetries {
			log.Errorf("Domain %d group %d (%v) failed after %d retries: %v", e.domain, g.subID, g.gtid, g.retries, err)
			return vterrors.Wrapf(err, "after %d retries", g.retries)
		}
		g.retries++
		groupRetries.Add(1)
		e.mu.Lock()
		e.retries++
		e.mu.Unlock()
		log.V(1).Infof("Retrying group %d of domain %d (%v), attempt %d: %v", g.subID, e.domain, g.gtid, g.retries, err)

		w.rollback(g)
		e.unregisterWait(g)
		e.unmarkStartCommit(g)
		if !killed {
			// Later groups waiting on this one may hold locks it needs.
			if n := e.killLaterWaiters(g.subID); n > 0 {
				log.V(1).Infof("Killed %d later groups of domain %d to retry group %d", n, e.domain, g.subID)
			}
		}
		e.registerWait(g)

		if err := w.backoff(g.retries); err != nil {
			return err
		}
		err = w.replay(g)
		if err == nil {
			return nil
		}
	}
}

func (w *worker) backoff(retries int) error {
	d := w.svc.cfg.RetryInterval * time.Duration(retries)
	if d <= 0 {
		return nil
	}
	d = min(d, maxRetryBackoff)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-w.svc.ctx.Done():
		return w.svc.ctx.Err()
	}
}

// replay reads the events g consumed so far back from the journal and runs
// them through a new attempt. When the end of the group was among them,
// the group commits.
func (w *worker) replay(g *group) error {
	src, err := w.svc.log.OpenReader(g.startOffset)
	if err != nil {
		return readError(err, g)
	}
	defer src.Close()

	if err := w.begin(g); err != nil {
		return err
	}
	state := event.GroupNone
	for n := 0; n < g.events; {
		ev, err := src.Next()
		if err != nil {
			if err == io.EOF {
				err = vterrors.Errorf(vterrors.DataLoss, "journal ends after %d of %d events", n, g.events)
			}
			return readError(err, g)
		}
		cat := event.Categorize(ev, state)
		state = cat.Next(ev, state)
		if cat == event.CategoryControl {
			continue
		}
		n++
		switch {
		case n == 1:
			if cat != event.CategoryGroupStart || ev.GTID != g.gtid {
				return readError(vterrors.Errorf(vterrors.DataLoss, "found %v instead of the group start", ev), g)
			}
		case cat == event.CategoryGroupEnd:
			return w.commit(g, ev)
		case cat == event.CategoryGroupBody:
			if err := g.tx.Apply(g.ctx, ev); err != nil {
				return err
			}
		default:
			return readError(vterrors.Errorf(vterrors.DataLoss, "unexpected %v event inside the group", cat), g)
		}
	}
	return nil
}

// retryReadError marks journal failures met while retrying so that they are
// not retried themselves.
type retryReadError struct {
	err error
}

func (e *retryReadError) Error() string { return e.err.Error() }
func (e *retryReadError) Unwrap() error { return e.err }

func readError(err error, g *group) error {
	return &retryReadError{err: vterrors.Wrapf(err, "cannot replay group %d of domain %d from offset %d", g.subID, g.e.domain, g.startOffset)}
}
