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

package eventprocessor

import (
	"context"

	"github.com/kedacore/eventprocessor/pkg/eventprocessor/metrics"
)

// CheckpointManager is the gateway object user code writes checkpoints
// through. It forwards to PartitionManager.UpdateCheckpoint with a
// fully-populated Checkpoint; it does no caching or coalescing of its own,
// the caller decides the cadence.
type CheckpointManager struct {
	partitionCtx PartitionContext
	ownerID      string
	manager      PartitionManager
}

// NewCheckpointManager builds a CheckpointManager bound to one claimed
// partition and the processor instance that claimed it.
func NewCheckpointManager(partitionCtx PartitionContext, manager PartitionManager, ownerID string) *CheckpointManager {
	return &CheckpointManager{
		partitionCtx: partitionCtx,
		ownerID:      ownerID,
		manager:      manager,
	}
}

// PartitionContext returns the identity of the partition this manager
// checkpoints.
func (c *CheckpointManager) PartitionContext() PartitionContext {
	return c.partitionCtx
}

// UpdateCheckpoint persists offset and sequenceNumber as the new checkpoint
// for this partition and returns the store's new ETag. Errors propagate to
// the caller unchanged; this method never retries or swallows a failure.
func (c *CheckpointManager) UpdateCheckpoint(ctx context.Context, offset, sequenceNumber int64) (string, error) {
	etag, err := c.manager.UpdateCheckpoint(ctx, Checkpoint{
		EventHubName:      c.partitionCtx.EventHubName,
		ConsumerGroupName: c.partitionCtx.ConsumerGroupName,
		OwnerID:           c.ownerID,
		PartitionID:       c.partitionCtx.PartitionID,
		Offset:            &offset,
		SequenceNumber:    &sequenceNumber,
	})
	metrics.RecordCheckpointWrite(c.partitionCtx.EventHubName, c.partitionCtx.ConsumerGroupName, c.partitionCtx.PartitionID, err)
	return etag, err
}
