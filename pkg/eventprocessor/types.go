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

// Package eventprocessor implements a decentralized event-stream processor
// for a partitioned, append-only log service. Multiple independent
// EventProcessor instances divide a set of partitions among themselves using
// only a shared key-value store with optimistic concurrency, continuously
// pump events from the partitions they own to user-supplied handlers, and
// checkpoint progress so work resumes after restart or rebalance.
package eventprocessor

import "time"

// PartitionOwnership is the durable record of one processor's claim on one
// partition. It is keyed logically by (EventHubName, ConsumerGroupName,
// PartitionID) and is never deleted; an abandoned claim is recognized by age,
// not by removal.
type PartitionOwnership struct {
	EventHubName      string
	ConsumerGroupName string
	PartitionID       string
	OwnerID           string
	OwnerLevel        int64
	Offset            *int64
	SequenceNumber    *int64
	LastModifiedTime  time.Time
	ETag              string
}

// Checkpoint is a persisted progress marker written only by the current
// owner of a partition.
type Checkpoint struct {
	EventHubName      string
	ConsumerGroupName string
	OwnerID           string
	PartitionID       string
	Offset            *int64
	SequenceNumber    *int64
	ETag              string
}

// PartitionContext is the immutable identity of a partition assignment
// handed to user code. It carries no behavior of its own; checkpoint writes
// go through a CheckpointManager instead.
type PartitionContext struct {
	EventHubName      string
	ConsumerGroupName string
	PartitionID       string
}

// ReceivedEvent is one event pulled from a partition.
type ReceivedEvent struct {
	Body             []byte
	Offset           int64
	SequenceNumber   int64
	EnqueuedTime     time.Time
	Properties       map[string]any
	SystemProperties map[string]any
}

// CloseReason tags why a PartitionPump stopped.
type CloseReason int

const (
	// CloseReasonShutdown means the pump was stopped deliberately, by the
	// supervisor or the processor shutting down.
	CloseReasonShutdown CloseReason = iota
	// CloseReasonOwnershipLost means the broker told the pump its reader
	// was displaced by another owner.
	CloseReasonOwnershipLost
	// CloseReasonEventHubException means a non-retryable broker error
	// ended the pump.
	CloseReasonEventHubException
)

// String renders the CloseReason the way it is logged and reported to user
// code, matching the tag names in the spec's external interface.
func (r CloseReason) String() string {
	switch r {
	case CloseReasonShutdown:
		return "Shutdown"
	case CloseReasonOwnershipLost:
		return "OwnershipLost"
	case CloseReasonEventHubException:
		return "EventHubException"
	default:
		return "Unknown"
	}
}

// StartPositionKind selects which field of StartPosition is meaningful.
type StartPositionKind int

const (
	StartPositionEarliest StartPositionKind = iota
	StartPositionLatest
	StartPositionOffset
	StartPositionSequenceNumber
	StartPositionEnqueuedTime
)

// StartPosition is the position a BrokerSession reader opens at.
type StartPosition struct {
	Kind           StartPositionKind
	Offset         int64
	SequenceNumber int64
	EnqueuedTime   time.Time
}

// EarliestPosition returns a StartPosition pointing at the start of the
// partition's retained log.
func EarliestPosition() StartPosition {
	return StartPosition{Kind: StartPositionEarliest}
}

// LatestPosition returns a StartPosition pointing past the last event
// currently in the partition.
func LatestPosition() StartPosition {
	return StartPosition{Kind: StartPositionLatest}
}

// FromOffset returns a StartPosition at a specific broker-assigned offset.
func FromOffset(offset int64) StartPosition {
	return StartPosition{Kind: StartPositionOffset, Offset: offset}
}

// FromSequenceNumber returns a StartPosition at a specific sequence number,
// the position the core derives from a persisted checkpoint.
func FromSequenceNumber(sequenceNumber int64) StartPosition {
	return StartPosition{Kind: StartPositionSequenceNumber, SequenceNumber: sequenceNumber}
}

// FromEnqueuedTime returns a StartPosition at the first event enqueued at or
// after t.
func FromEnqueuedTime(t time.Time) StartPosition {
	return StartPosition{Kind: StartPositionEnqueuedTime, EnqueuedTime: t}
}
