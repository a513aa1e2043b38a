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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parapply.io/parapply/go/test/utils"
)

func TestServiceManagerLifecycle(t *testing.T) {
	defer utils.EnsureNoLeaks(t)
	var svm ServiceManager
	assert.Equal(t, "Stopped", svm.StateName())

	started := make(chan struct{})
	require.True(t, svm.Go(func(svm *ServiceManager) error {
		close(started)
		<-svm.ShuttingDown()
		return nil
	}))
	<-started
	assert.True(t, svm.IsRunning())
	assert.False(t, svm.Go(func(*ServiceManager) error { return nil }), "second Go must be rejected while running")

	require.True(t, svm.Stop())
	assert.Equal(t, "Stopped", svm.StateName())
	assert.False(t, svm.Stop())
	assert.NoError(t, svm.Wait())
}

func TestServiceManagerReportsError(t *testing.T) {
	defer utils.EnsureNoLeaks(t)
	var svm ServiceManager
	boom := errors.New("boom")
	require.True(t, svm.Go(func(*ServiceManager) error { return boom }))
	assert.ErrorIs(t, svm.Wait(), boom)
	assert.False(t, svm.IsRunning())

	// Restartable after the service ended on its own.
	require.True(t, svm.Go(func(svm *ServiceManager) error {
		<-svm.ShuttingDown()
		return nil
	}))
	require.True(t, svm.Stop())
	assert.NoError(t, svm.Wait())
}
