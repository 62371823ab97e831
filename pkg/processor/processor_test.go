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

package processor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kedacore/eventprocessor/pkg/eventprocessor"
	"github.com/kedacore/eventprocessor/pkg/store/inmemory"
)

// blockingReader never produces events until closed, and records the
// position it was opened at and how many times Close was called.
type blockingReader struct {
	mu            sync.Mutex
	closed        bool
	openedAt      eventprocessor.StartPosition
	receiveCalled chan struct{}
	once          sync.Once
}

func (r *blockingReader) ReceiveBatch(ctx context.Context, _ int, _ int) ([]eventprocessor.ReceivedEvent, error) {
	r.once.Do(func() {
		if r.receiveCalled != nil {
			close(r.receiveCalled)
		}
	})
	<-ctx.Done()
	return nil, ctx.Err()
}

func (r *blockingReader) Close(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *blockingReader) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// fakeBrokerSession hands out one blockingReader per OpenReader call and
// serves a fixed, static partition id set.
type fakeBrokerSession struct {
	partitionIDs []string

	mu      sync.Mutex
	readers map[string]*blockingReader
}

func newFakeBrokerSession(partitionIDs ...string) *fakeBrokerSession {
	return &fakeBrokerSession{partitionIDs: partitionIDs, readers: make(map[string]*blockingReader)}
}

func (s *fakeBrokerSession) GetPartitionIds(context.Context) ([]string, error) {
	return s.partitionIDs, nil
}

func (s *fakeBrokerSession) OpenReader(_ context.Context, _ string, partitionID string, startPosition eventprocessor.StartPosition, _ int64) (eventprocessor.Reader, error) {
	r := &blockingReader{openedAt: startPosition, receiveCalled: make(chan struct{})}
	s.mu.Lock()
	s.readers[partitionID] = r
	s.mu.Unlock()
	return r, nil
}

func (s *fakeBrokerSession) readerFor(partitionID string) *blockingReader {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readers[partitionID]
}

// noopHandler does nothing with events or errors, beyond the base no-op
// Initialize and Close.
type noopHandler struct {
	eventprocessor.BasePartitionProcessor
}

func (noopHandler) ProcessEvents(context.Context, []eventprocessor.ReceivedEvent, *eventprocessor.CheckpointManager) error {
	return nil
}

func (noopHandler) ProcessError(context.Context, error) error { return nil }

// noopFactory builds handlers that do nothing beyond the base no-ops.
type noopFactory struct{}

func (noopFactory) NewPartitionProcessor(eventprocessor.PartitionContext, *eventprocessor.CheckpointManager) (eventprocessor.PartitionProcessor, error) {
	return noopHandler{}, nil
}

func testOptions() eventprocessor.Options {
	opts := eventprocessor.DefaultOptions()
	opts.LoadBalanceInterval = 20 * time.Millisecond
	opts.InactiveTimeLimit = 200 * time.Millisecond
	return opts
}

func ownedPartitions(t *testing.T, store *inmemory.Store, eventHubName, consumerGroupName string) map[string]string {
	t.Helper()
	ownership, err := store.ListOwnership(context.Background(), eventHubName, consumerGroupName)
	require.NoError(t, err)

	owners := make(map[string]string, len(ownership))
	cutoff := time.Now().Add(-testOptions().InactiveTimeLimit)
	for _, o := range ownership {
		if o.LastModifiedTime.After(cutoff) {
			owners[o.PartitionID] = o.OwnerID
		}
	}
	return owners
}

// S1: a lone processor converges to own every partition.
func TestEventProcessor_LoneProcessorClaimsAllPartitions(t *testing.T) {
	store := inmemory.New()
	session := newFakeBrokerSession("0", "1", "2")

	p, err := New("hub", "$Default", session, store, noopFactory{}, testOptions())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop(context.Background())

	require.Eventually(t, func() bool {
		return len(ownedPartitions(t, store, "hub", "$Default")) == 3
	}, 2*time.Second, 10*time.Millisecond)

	owners := ownedPartitions(t, store, "hub", "$Default")
	for _, ownerID := range owners {
		assert.Equal(t, p.OwnerID(), ownerID)
	}
}

// S2: two processors converge to a fair share of the partitions.
func TestEventProcessor_TwoProcessorsConvergeToFairShare(t *testing.T) {
	store := inmemory.New()
	sessionA := newFakeBrokerSession("0", "1", "2", "3")
	sessionB := newFakeBrokerSession("0", "1", "2", "3")

	pa, err := New("hub", "$Default", sessionA, store, noopFactory{}, testOptions())
	require.NoError(t, err)
	pb, err := New("hub", "$Default", sessionB, store, noopFactory{}, testOptions())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pa.Start(ctx)
	pb.Start(ctx)
	defer pa.Stop(context.Background())
	defer pb.Stop(context.Background())

	require.Eventually(t, func() bool {
		owners := ownedPartitions(t, store, "hub", "$Default")
		if len(owners) != 4 {
			return false
		}
		counts := map[string]int{}
		for _, ownerID := range owners {
			counts[ownerID]++
		}
		for _, c := range counts {
			if c != 2 {
				return false
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond)
}

// S3: when one of two processors stops, the survivor eventually takes over
// every partition once the stopped processor's ownerships age out.
func TestEventProcessor_SurvivorTakesOverAfterPeerStops(t *testing.T) {
	store := inmemory.New()
	sessionA := newFakeBrokerSession("0", "1")
	sessionB := newFakeBrokerSession("0", "1")

	pa, err := New("hub", "$Default", sessionA, store, noopFactory{}, testOptions())
	require.NoError(t, err)
	pb, err := New("hub", "$Default", sessionB, store, noopFactory{}, testOptions())
	require.NoError(t, err)

	ctxA, cancelA := context.WithCancel(context.Background())
	ctx := context.Background()
	pa.Start(ctxA)
	pb.Start(ctx)
	defer pb.Stop(context.Background())

	require.Eventually(t, func() bool {
		return len(ownedPartitions(t, store, "hub", "$Default")) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancelA()
	pa.Stop(context.Background())

	require.Eventually(t, func() bool {
		owners := ownedPartitions(t, store, "hub", "$Default")
		if len(owners) != 2 {
			return false
		}
		for _, ownerID := range owners {
			if ownerID != pb.OwnerID() {
				return false
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond)
}

// S4: ClaimOwnership racing on a stale ETag never double-commits — the
// in-memory store enforces this directly, exercised here through the
// processor's claim path with two processors racing the same partition.
func TestEventProcessor_StaleETagRaceNeverDoubleCommits(t *testing.T) {
	store := inmemory.New()
	sessionA := newFakeBrokerSession("0")
	sessionB := newFakeBrokerSession("0")

	pa, err := New("hub", "$Default", sessionA, store, noopFactory{}, testOptions())
	require.NoError(t, err)
	pb, err := New("hub", "$Default", sessionB, store, noopFactory{}, testOptions())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pa.Start(ctx)
	pb.Start(ctx)
	defer pa.Stop(context.Background())
	defer pb.Stop(context.Background())

	require.Eventually(t, func() bool {
		return len(ownedPartitions(t, store, "hub", "$Default")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Never(t, func() bool {
		ownership, err := store.ListOwnership(context.Background(), "hub", "$Default")
		require.NoError(t, err)
		return len(ownership) > 1
	}, 200*time.Millisecond, 10*time.Millisecond)
}

// S6: a partition claimed with a persisted checkpoint resumes from that
// checkpoint's sequence number rather than the processor's initial position.
func TestEventProcessor_ResumesFromPersistedCheckpoint(t *testing.T) {
	store := inmemory.New()
	seq := int64(77)
	_, err := store.ClaimOwnership(context.Background(), []eventprocessor.PartitionOwnership{{
		EventHubName:      "hub",
		ConsumerGroupName: "$Default",
		PartitionID:       "0",
		OwnerID:           "stale-owner",
		SequenceNumber:    &seq,
		LastModifiedTime:  time.Now().Add(-time.Hour),
	}})
	require.NoError(t, err)

	session := newFakeBrokerSession("0")
	opts := testOptions()
	p, err := New("hub", "$Default", session, store, noopFactory{}, opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop(context.Background())

	require.Eventually(t, func() bool {
		return session.readerFor("0") != nil
	}, 2*time.Second, 10*time.Millisecond)

	reader := session.readerFor("0")
	assert.Equal(t, eventprocessor.StartPositionSequenceNumber, reader.openedAt.Kind)
	assert.Equal(t, seq, reader.openedAt.SequenceNumber)
}

// Stop is idempotent and releases every owned pump, leaving the broker
// readers closed.
func TestEventProcessor_StopClosesAllReaders(t *testing.T) {
	store := inmemory.New()
	session := newFakeBrokerSession("0", "1")

	p, err := New("hub", "$Default", session, store, noopFactory{}, testOptions())
	require.NoError(t, err)

	ctx := context.Background()
	p.Start(ctx)

	require.Eventually(t, func() bool {
		return session.readerFor("0") != nil && session.readerFor("1") != nil
	}, 2*time.Second, 10*time.Millisecond)

	p.Stop(context.Background())
	p.Stop(context.Background())

	assert.True(t, session.readerFor("0").isClosed())
	assert.True(t, session.readerFor("1").isClosed())
}
