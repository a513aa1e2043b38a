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
	"time"

	"github.com/spf13/pflag"

	"parapply.io/parapply/go/vt/vterrors"
)

// Config holds the tunables of the parallel applier. Field tags are used
// when the configuration is loaded through viper.
type Config struct {
	// Workers is the size of the shared worker pool.
	Workers int `mapstructure:"workers"`
	// DomainParallelism bounds how many workers a single domain may hold.
	// Zero means the pool size.
	DomainParallelism int `mapstructure:"domain-parallelism"`
	// MaxDomains bounds the number of distinct replication domains.
	MaxDomains int `mapstructure:"max-domains"`
	// MaxQueuedBytes is the global budget of dispatched but not yet
	// dequeued event bytes.
	MaxQueuedBytes int64 `mapstructure:"max-queued-bytes"`
	// WorkerQueueBytes is the per worker budget of queued event bytes.
	WorkerQueueBytes int64 `mapstructure:"worker-queue-bytes"`
	// MaxRetries bounds the retries of a group failing with a temporary
	// error.
	MaxRetries int `mapstructure:"max-retries"`
	// RetryInterval is the base backoff before a retry. The n-th retry
	// waits n times this interval.
	RetryInterval time.Duration `mapstructure:"retry-interval"`
	// SkipCounter skips this many events at start, rounded up to the end of
	// the group the last one falls in.
	SkipCounter int64 `mapstructure:"skip-counter"`
	// StopAtEOF makes the applier return once the journal is drained
	// instead of waiting for more events.
	StopAtEOF bool `mapstructure:"stop-at-eof"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Workers:           4,
		DomainParallelism: 0,
		MaxDomains:        64,
		MaxQueuedBytes:    64 * 1024 * 1024,
		WorkerQueueBytes:  128 * 1024,
		MaxRetries:        10,
		RetryInterval:     0,
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch {
	case c.Workers <= 0:
		return vterrors.Errorf(vterrors.InvalidArgument, "workers must be positive, got %d", c.Workers)
	case c.DomainParallelism < 0:
		return vterrors.Errorf(vterrors.InvalidArgument, "domain-parallelism must not be negative, got %d", c.DomainParallelism)
	case c.MaxDomains <= 0:
		return vterrors.Errorf(vterrors.InvalidArgument, "max-domains must be positive, got %d", c.MaxDomains)
	case c.MaxQueuedBytes <= 0:
		return vterrors.Errorf(vterrors.InvalidArgument, "max-queued-bytes must be positive, got %d", c.MaxQueuedBytes)
	case c.WorkerQueueBytes <= 0:
		return vterrors.Errorf(vterrors.InvalidArgument, "worker-queue-bytes must be positive, got %d", c.WorkerQueueBytes)
	case c.MaxRetries < 0:
		return vterrors.Errorf(vterrors.InvalidArgument, "max-retries must not be negative, got %d", c.MaxRetries)
	case c.RetryInterval < 0:
		return vterrors.Errorf(vterrors.InvalidArgument, "retry-interval must not be negative, got %v", c.RetryInterval)
	case c.SkipCounter < 0:
		return vterrors.Errorf(vterrors.InvalidArgument, "skip-counter must not be negative, got %d", c.SkipCounter)
	}
	return nil
}

func (c *Config) domainParallelism() int {
	if c.DomainParallelism == 0 || c.DomainParallelism > c.Workers {
		return c.Workers
	}
	return c.DomainParallelism
}

// RegisterFlags installs the applier flags on fs, with c's values as
// defaults.
func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.IntVar(&c.Workers, "workers", c.Workers, "Number of worker goroutines applying event groups in parallel")
	fs.IntVar(&c.DomainParallelism, "domain-parallelism", c.DomainParallelism, "Maximum number of workers a single replication domain may use (0 means the pool size)")
	fs.IntVar(&c.MaxDomains, "max-domains", c.MaxDomains, "Maximum number of replication domains")
	fs.Int64Var(&c.MaxQueuedBytes, "max-queued-bytes", c.MaxQueuedBytes, "Maximum bytes of events dispatched to workers but not yet picked up")
	fs.Int64Var(&c.WorkerQueueBytes, "worker-queue-bytes", c.WorkerQueueBytes, "Maximum bytes of events queued on a single worker")
	fs.IntVar(&c.MaxRetries, "max-retries", c.MaxRetries, "Number of times a group failing with a temporary error is retried")
	fs.DurationVar(&c.RetryInterval, "retry-interval", c.RetryInterval, "Base backoff between retries of a group")
	fs.Int64Var(&c.SkipCounter, "skip-counter", c.SkipCounter, "Number of events to skip at start; never stops inside a group")
	fs.BoolVar(&c.StopAtEOF, "stop-at-eof", c.StopAtEOF, "Return once the journal is drained instead of waiting for more events")
}
