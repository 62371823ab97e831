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

// Command eventprocessor-demo wires an EventProcessor to the in-memory
// PartitionManager and a stdout PartitionProcessor. It is a quickstart, not
// a CLI: there is nothing here to configure (the event hub name, consumer
// group and partition count are constants), just enough to watch the
// balancer claim partitions and pumps dispatch batches end to end without a
// real broker or store.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/kedacore/eventprocessor/pkg/eventprocessor"
	"github.com/kedacore/eventprocessor/pkg/processor"
	"github.com/kedacore/eventprocessor/pkg/store/inmemory"
)

const (
	demoEventHubName      = "demo-hub"
	demoConsumerGroupName = "$Default"
	demoPartitionCount    = 4
)

func main() {
	zapLog, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build logger:", err)
		os.Exit(1)
	}
	defer zapLog.Sync() //nolint:errcheck
	log := zapr.NewLogger(zapLog)

	store := inmemory.New()
	session := newDemoBrokerSession(demoPartitionCount)
	factory := eventprocessor.PartitionProcessorFactoryFunc(newStdoutProcessor)

	opts := eventprocessor.DefaultOptions()
	opts.MaxBatchSize = eventprocessor.ProductionBatchSize
	opts.LoadBalanceInterval = 2 * time.Second
	opts.Logger = log

	p, err := processor.New(demoEventHubName, demoConsumerGroupName, session, store, factory, opts)
	if err != nil {
		log.Error(err, "failed to construct EventProcessor")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("starting demo processor", "ownerId", p.OwnerID())
	p.Start(ctx)

	<-ctx.Done()
	log.Info("shutting down")
	p.Stop(context.Background())
}

// stdoutProcessor prints every event it receives, and its own lifecycle
// transitions, to stdout.
type stdoutProcessor struct {
	eventprocessor.BasePartitionProcessor
	partitionCtx eventprocessor.PartitionContext
	checkpoints  *eventprocessor.CheckpointManager
}

func newStdoutProcessor(partitionCtx eventprocessor.PartitionContext, checkpoints *eventprocessor.CheckpointManager) (eventprocessor.PartitionProcessor, error) {
	fmt.Printf("partition %s: claimed\n", partitionCtx.PartitionID)
	return &stdoutProcessor{partitionCtx: partitionCtx, checkpoints: checkpoints}, nil
}

func (h *stdoutProcessor) ProcessEvents(ctx context.Context, events []eventprocessor.ReceivedEvent, checkpoints *eventprocessor.CheckpointManager) error {
	if len(events) == 0 {
		return nil
	}
	last := events[len(events)-1]
	for _, e := range events {
		fmt.Printf("partition %s: event seq=%d body=%q\n", h.partitionCtx.PartitionID, e.SequenceNumber, e.Body)
	}
	_, err := checkpoints.UpdateCheckpoint(ctx, last.Offset, last.SequenceNumber)
	return err
}

func (h *stdoutProcessor) ProcessError(_ context.Context, err error) error {
	fmt.Printf("partition %s: error: %v\n", h.partitionCtx.PartitionID, err)
	return nil
}

func (h *stdoutProcessor) Close(_ context.Context, reason eventprocessor.CloseReason) error {
	fmt.Printf("partition %s: closed (%s)\n", h.partitionCtx.PartitionID, reason)
	return nil
}
