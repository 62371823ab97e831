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

// Package inmemory implements eventprocessor.PartitionManager as a
// mutex-guarded map with a monotonically increasing ETag counter, the
// default store spec §9 calls for: required for tests and for quickstart
// use, with an ETag mismatch resulting in no write and an empty response.
package inmemory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/kedacore/eventprocessor/pkg/eventprocessor"
)

// Store is an in-memory eventprocessor.PartitionManager. The zero value is
// not usable; construct with New. Safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	records map[string]eventprocessor.PartitionOwnership
	nextTag uint64
	now     func() time.Time
}

// New builds an empty Store.
func New() *Store {
	return &Store{
		records: make(map[string]eventprocessor.PartitionOwnership),
		now:     time.Now,
	}
}

func key(eventHubName, consumerGroupName, partitionID string) string {
	return eventHubName + "/" + consumerGroupName + "/" + partitionID
}

// ListOwnership returns every ownership record held for
// (eventHubName, consumerGroupName).
func (s *Store) ListOwnership(_ context.Context, eventHubName, consumerGroupName string) ([]eventprocessor.PartitionOwnership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := eventHubName + "/" + consumerGroupName + "/"
	var out []eventprocessor.PartitionOwnership
	for k, v := range s.records {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, v)
		}
	}
	return out, nil
}

// ClaimOwnership applies compare-and-set semantics per record: a request is
// committed only if its ETag matches the stored ETag, or the record does
// not exist yet and the request carries no ETag. Uncommitted requests are
// silently omitted from the result, never erroring the whole batch.
func (s *Store) ClaimOwnership(_ context.Context, requested []eventprocessor.PartitionOwnership) ([]eventprocessor.PartitionOwnership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	committed := make([]eventprocessor.PartitionOwnership, 0, len(requested))
	for _, req := range requested {
		k := key(req.EventHubName, req.ConsumerGroupName, req.PartitionID)
		existing, present := s.records[k]

		if present && existing.ETag != req.ETag {
			continue
		}
		if !present && req.ETag != "" {
			continue
		}

		req.LastModifiedTime = s.now()
		req.ETag = s.newETag()
		s.records[k] = req
		committed = append(committed, req)
	}
	return committed, nil
}

// UpdateCheckpoint writes a checkpoint's offset and sequence number into the
// corresponding ownership record. A non-empty checkpoint ETag must match the
// stored one or the write fails with a "stale ETag" error; an empty ETag
// overwrites the record unconditionally. A missing record is an error.
func (s *Store) UpdateCheckpoint(_ context.Context, checkpoint eventprocessor.Checkpoint) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(checkpoint.EventHubName, checkpoint.ConsumerGroupName, checkpoint.PartitionID)
	existing, present := s.records[k]
	if !present {
		return "", errors.Errorf("inmemory: no ownership record for partition %q, claim before checkpointing", checkpoint.PartitionID)
	}
	if existing.ETag != checkpoint.ETag && checkpoint.ETag != "" {
		return "", errors.New("inmemory: stale ETag on checkpoint write")
	}

	existing.Offset = checkpoint.Offset
	existing.SequenceNumber = checkpoint.SequenceNumber
	existing.OwnerID = checkpoint.OwnerID
	existing.LastModifiedTime = s.now()
	existing.ETag = s.newETag()
	s.records[k] = existing

	return existing.ETag, nil
}

func (s *Store) newETag() string {
	s.nextTag++
	return fmt.Sprintf("etag-%d", s.nextTag)
}
