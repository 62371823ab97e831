/*
Copyright 2024 The EventProcessor Authors

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

package pump

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kedacore/eventprocessor/pkg/eventprocessor"
)

func TestManager_CreatePumpReplacesExisting(t *testing.T) {
	m := NewManager("hub", "$Default", logr.Discard())

	reader1 := &fakeReader{}
	handler1 := newRecordingHandler()
	cfg1 := newTestConfig(reader1, handler1)
	m.CreatePump(context.Background(), cfg1)

	require.Eventually(t, func() bool { return m.Has("0") }, time.Second, time.Millisecond)
	assert.Equal(t, 1, m.Count())

	reader2 := &fakeReader{}
	handler2 := newRecordingHandler()
	cfg2 := newTestConfig(reader2, handler2)
	m.CreatePump(context.Background(), cfg2)

	<-handler1.closed
	assert.Equal(t, eventprocessor.CloseReasonShutdown, *handler1.closeReason)
	assert.Equal(t, 1, m.Count(), "at most one live pump per partition id")
}

func TestManager_RemovePump(t *testing.T) {
	m := NewManager("hub", "$Default", logr.Discard())
	reader := &fakeReader{}
	handler := newRecordingHandler()
	m.CreatePump(context.Background(), newTestConfig(reader, handler))

	require.Eventually(t, func() bool { return m.Has("0") }, time.Second, time.Millisecond)

	m.RemovePump("0", eventprocessor.CloseReasonOwnershipLost)
	<-handler.closed
	assert.Equal(t, eventprocessor.CloseReasonOwnershipLost, *handler.closeReason)
	assert.False(t, m.Has("0"))
}

func TestManager_RemoveAllPumpsStopsEveryPartition(t *testing.T) {
	m := NewManager("hub", "$Default", logr.Discard())

	handlers := make([]*recordingHandler, 3)
	for i := 0; i < 3; i++ {
		reader := &fakeReader{}
		handlers[i] = newRecordingHandler()
		cfg := newTestConfig(reader, handlers[i])
		cfg.PartitionContext.PartitionID = string(rune('0' + i))
		m.CreatePump(context.Background(), cfg)
	}

	require.Eventually(t, func() bool { return m.Count() == 3 }, time.Second, time.Millisecond)

	err := m.RemoveAllPumps(eventprocessor.CloseReasonShutdown)
	require.NoError(t, err)

	for _, h := range handlers {
		<-h.closed
		assert.Equal(t, eventprocessor.CloseReasonShutdown, *h.closeReason)
	}
	assert.Equal(t, 0, m.Count())
}

func TestManager_RemoveAllPumpsAggregatesCloseErrors(t *testing.T) {
	m := NewManager("hub", "$Default", logr.Discard())
	reader := &fakeReader{closeErr: assertError("disk full")}
	handler := newRecordingHandler()
	m.CreatePump(context.Background(), newTestConfig(reader, handler))

	require.Eventually(t, func() bool { return m.Count() == 1 }, time.Second, time.Millisecond)

	err := m.RemoveAllPumps(eventprocessor.CloseReasonShutdown)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}
