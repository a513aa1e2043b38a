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

package sync2

import (
	"sync"
	"sync/atomic"
)

// These are the three predefined states of a service.
const (
	ServiceStopped = iota
	ServiceRunning
	ServiceShuttingDown
)

var stateNames = []string{
	"Stopped",
	"Running",
	"ShuttingDown",
}

// ServiceManager manages the state of a service through its lifecycle.
type ServiceManager struct {
	mu    sync.Mutex
	wg    sync.WaitGroup
	err   error
	state atomic.Int64
	// shutdown is created when the service starts and is closed when the service
	// enters the ServiceShuttingDown state.
	shutdown chan struct{}
}

// Go tries to change the state from ServiceStopped to ServiceRunning.
// If the current state is not ServiceStopped (already running),
// it returns false immediately.
// On successful transition, it launches the service as a goroutine and returns true.
// The service func is required to regularly check the state of the service manager.
// If the state is not ServiceRunning, it must treat it as end of service and return.
// When the service func returns, the state is reverted to ServiceStopped.
func (svm *ServiceManager) Go(service func(svm *ServiceManager) error) bool {
	svm.mu.Lock()
	defer svm.mu.Unlock()
	if !svm.state.CompareAndSwap(ServiceStopped, ServiceRunning) {
		return false
	}
	svm.wg.Add(1)
	svm.err = nil
	shutdown := make(chan struct{})
	svm.shutdown = shutdown
	go func() {
		err := service(svm)
		svm.mu.Lock()
		svm.err = err
		svm.mu.Unlock()
		svm.state.Store(ServiceStopped)
		svm.wg.Done()
	}()
	return true
}

// Stop tries to change the state from ServiceRunning to ServiceShuttingDown.
// If the current state is not ServiceRunning, it returns false immediately.
// On successful transition, it waits for the service to finish, and returns true.
// You are allowed to 'Go' again after a Stop.
func (svm *ServiceManager) Stop() bool {
	svm.mu.Lock()
	if !svm.state.CompareAndSwap(ServiceRunning, ServiceShuttingDown) {
		svm.mu.Unlock()
		return false
	}
	// Signal the service that we've transitioned to ServiceShuttingDown.
	close(svm.shutdown)
	svm.mu.Unlock()
	svm.wg.Wait()
	return true
}

// ShuttingDown returns a channel that the service can select on to be notified
// when it should shut down. The channel is closed when the state transitions
// from ServiceRunning to ServiceShuttingDown.
func (svm *ServiceManager) ShuttingDown() <-chan struct{} {
	svm.mu.Lock()
	defer svm.mu.Unlock()
	return svm.shutdown
}

// IsRunning returns true if the state is ServiceRunning.
func (svm *ServiceManager) IsRunning() bool {
	return svm.state.Load() == ServiceRunning
}

// Wait waits for the service to terminate if it's currently running and
// returns the error the last run finished with.
func (svm *ServiceManager) Wait() error {
	svm.wg.Wait()
	svm.mu.Lock()
	defer svm.mu.Unlock()
	return svm.err
}

// State returns the current state of the service.
// This should only be used to report the current state.
func (svm *ServiceManager) State() int64 {
	return svm.state.Load()
}

// StateName returns the name of the current state.
func (svm *ServiceManager) StateName() string {
	return stateNames[svm.State()]
}
