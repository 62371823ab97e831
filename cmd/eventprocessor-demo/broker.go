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

package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/kedacore/eventprocessor/pkg/eventprocessor"
)

// demoBrokerSession simulates a broker with a fixed partition count, each
// partition emitting one synthetic event per second. It exists only so the
// demo has something to pump without a live Event Hubs namespace; real
// deployments use internal/eventhubsession.Session instead.
type demoBrokerSession struct {
	partitionCount int
}

func newDemoBrokerSession(partitionCount int) *demoBrokerSession {
	return &demoBrokerSession{partitionCount: partitionCount}
}

func (s *demoBrokerSession) GetPartitionIds(context.Context) ([]string, error) {
	ids := make([]string, s.partitionCount)
	for i := range ids {
		ids[i] = strconv.Itoa(i)
	}
	return ids, nil
}

func (s *demoBrokerSession) OpenReader(_ context.Context, _ string, partitionID string, startPosition eventprocessor.StartPosition, _ int64) (eventprocessor.Reader, error) {
	seq := int64(0)
	if startPosition.Kind == eventprocessor.StartPositionSequenceNumber {
		seq = startPosition.SequenceNumber
	}
	return &demoReader{partitionID: partitionID, nextSeq: seq + 1}, nil
}

// demoReader emits one synthetic event per ReceiveBatch call, waiting one
// second for the tick instead of a real broker round trip; maxBatchSize and
// maxWaitSeconds are ignored.
type demoReader struct {
	partitionID string
	nextSeq     int64
}

func (r *demoReader) ReceiveBatch(ctx context.Context, maxBatchSize int, maxWaitSeconds int) ([]eventprocessor.ReceivedEvent, error) {
	select {
	case <-time.After(time.Second):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	seq := r.nextSeq
	r.nextSeq++
	return []eventprocessor.ReceivedEvent{{
		Body:           []byte(fmt.Sprintf("partition %s tick %d", r.partitionID, seq)),
		SequenceNumber: seq,
		EnqueuedTime:   time.Now(),
	}}, nil
}

func (r *demoReader) Close(context.Context) error { return nil }
