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
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"parapply.io/parapply/go/stats"
	"parapply.io/parapply/go/stats/prometheusbackend"
	"parapply.io/parapply/go/vt/log"
	"parapply.io/parapply/go/vt/relaylog"
	"parapply.io/parapply/go/vt/vttablet/mysqlexec"
	"parapply.io/parapply/go/vt/vttablet/parallel"
)

// shutdownTimeout bounds the graceful shutdown of the metrics server.
const shutdownTimeout = 5 * time.Second

// promOnce guards the prometheus backend, which can only be registered once
// per process.
var promOnce sync.Once

func newApplyCommand(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Applies the journal to the target server.",
		Long: "Applies the journal from the stored position on and keeps tailing it until interrupted.\n" +
			"With --stop-at-eof it returns once the journal is drained.",
		Example: `parapplyd apply \
	--journal-dir /var/lib/parapply \
	--db-dsn 'repl:secret@tcp(127.0.0.1:3306)/' \
	--workers 16 \
	--metrics-addr :15990`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.runApply(cmd.Context())
		},
	}
	fs := cmd.Flags()
	o.apply.RegisterFlags(fs)
	o.db.RegisterFlags(fs)
	fs.String("metrics-addr", "", "Address to serve /metrics, /debug/vars and /debug/status on; empty disables it")
	fs.String("metrics-namespace", "parapply", "Namespace of the prometheus metrics")
	fs.Bool("init-position-table", true, "Create the position table on the target server if it does not exist")
	return cmd
}

func (o *options) runApply(ctx context.Context) error {
	if err := o.loadApply(); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	exec, err := mysqlexec.Open(o.db, o.apply.Workers)
	if err != nil {
		return err
	}
	defer exec.Close()
	if o.initTable {
		if err := exec.Init(ctx); err != nil {
			return err
		}
	}
	j, err := o.openJournal()
	if err != nil {
		return err
	}
	defer j.Close()
	return runApplier(ctx, o, exec, j)
}

// runApplier runs the applier and, when configured, the metrics server
// until the applier returns.
func runApplier(ctx context.Context, o *options, exec parallel.Executor, j *relaylog.Journal) error {
	applier, err := parallel.NewApplier(o.apply, exec, j, j)
	if err != nil {
		return err
	}
	stats.NewGaugeFunc("JournalHeadOffset", "Offset of the oldest record in the journal", j.Head)
	stats.NewGaugeFunc("JournalTailOffset", "Offset the next journal record is written at", j.Tail)

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(gctx)
	defer cancel()
	if o.metricsAddr != "" {
		srv := &http.Server{
			Addr:              o.metricsAddr,
			Handler:           newStatusMux(o.namespace, applier),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			log.Infof("Serving metrics on %s", o.metricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-runCtx.Done()
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancelShutdown()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		defer cancel()
		return applier.Run(runCtx)
	})
	return g.Wait()
}

// newStatusMux serves the metrics and the applier status.
func newStatusMux(namespace string, applier *parallel.Applier) *http.ServeMux {
	mux := http.NewServeMux()
	registered := false
	promOnce.Do(func() {
		prometheusbackend.Init(mux, namespace)
		registered = true
	})
	if !registered {
		mux.Handle("/metrics", promhttp.Handler())
	}
	mux.Handle("/debug/vars", expvar.Handler())
	mux.HandleFunc("/debug/status", func(w http.ResponseWriter, r *http.Request) {
		st, err := applier.Status()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(st); err != nil {
			log.Warningf("Cannot write status: %v", err)
		}
	})
	return mux
}
