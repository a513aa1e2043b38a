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
	"parapply.io/parapply/go/stats"
)

// Outcome names used as labels of groupResults.
const (
	outcomeCommitted = "Committed"
	outcomeFailed    = "Failed"
	outcomeSkipped   = "Skipped"
	outcomeAbandoned = "Abandoned"
)

var (
	groupsDispatched = stats.NewCounter("ParallelGroupsDispatched", "Number of event groups handed to workers")
	groupResults     = stats.NewCountersWithSingleLabel("ParallelGroupResults", "Number of finished event groups by outcome", "Result", outcomeCommitted, outcomeFailed, outcomeSkipped, outcomeAbandoned)
	groupRetries     = stats.NewCounter("ParallelGroupRetries", "Number of event group retries")
	killsForRetry    = stats.NewCounter("ParallelKillsForRetry", "Number of later groups killed to let an earlier group retry")
	alreadyApplied   = stats.NewCounter("ParallelGroupsAlreadyApplied", "Number of groups discarded because the cursor already covers them")
	serialEvents     = stats.NewCountersWithSingleLabel("ParallelSerialEvents", "Number of events handled by the dispatcher itself", "Action", "Applied", "Skipped")
	controlEvents    = stats.NewCountersWithSingleLabel("ParallelControlEvents", "Number of control events handled inline", "Type")
	queuedBytes      = stats.NewGauge("ParallelQueuedBytes", "Bytes of events dispatched to workers and not yet picked up")
	workersBusy      = stats.NewGauge("ParallelWorkersBusy", "Number of workers owned by a domain")
	workersTotal     = stats.NewGauge("ParallelWorkers", "Size of the worker pool")
	replicationLag   = stats.NewGauge("ParallelReplicationLagSeconds", "Lag behind the source measured on the last heartbeat")
	lastCommittedSub = stats.NewGaugesWithSingleLabel("ParallelLastCommittedSubID", "Highest finished sub_id per domain", "Domain")
	currentSub       = stats.NewGaugesWithSingleLabel("ParallelCurrentSubID", "Highest dispatched sub_id per domain", "Domain")
)
