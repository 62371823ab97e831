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

// Package processor ties together the load balancer, the pump manager, and
// the external PartitionManager/BrokerSession contracts into the outer
// control loop described in spec §4.5: EventProcessor.
package processor

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/kedacore/eventprocessor/internal/retry"
	"github.com/kedacore/eventprocessor/pkg/eventprocessor"
	"github.com/kedacore/eventprocessor/pkg/eventprocessor/balancer"
	"github.com/kedacore/eventprocessor/pkg/eventprocessor/metrics"
	"github.com/kedacore/eventprocessor/pkg/eventprocessor/pump"
)

// storeCallBudget bounds how long the in-tick backoff (internal/retry) may
// spend retrying a single PartitionManager or BrokerSession call before
// giving up and letting the outer tick retry instead.
const storeCallBudget = 3 * time.Second

// loadBalancer is the subset of balancer.PartitionLoadBalancer the
// EventProcessor depends on, so tests can substitute a scripted decision
// function without going through the real (randomized) algorithm.
type loadBalancer interface {
	LoadBalance(currentOwnership map[string]eventprocessor.PartitionOwnership, allPartitionIDs []string) (string, bool)
}

// EventProcessor is the outer control loop (spec §4.5): it ticks on an
// interval, reads the full ownership snapshot, asks the load balancer for
// at most one partition to claim, and on a successful claim hands a fresh
// pump off to its PumpManager.
type EventProcessor struct {
	eventHubName      string
	consumerGroupName string
	ownerID           string

	session  eventprocessor.BrokerSession
	manager  eventprocessor.PartitionManager
	factory  eventprocessor.PartitionProcessorFactory
	balancer loadBalancer
	pumps    *pump.Manager

	opts eventprocessor.Options

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	loopDone chan struct{}
}

// New constructs an EventProcessor for one (eventHubName, consumerGroupName)
// pair. It assigns itself a fresh ProcessorIdentity immediately; a restart
// means constructing a new EventProcessor and therefore a new identity.
func New(eventHubName, consumerGroupName string, session eventprocessor.BrokerSession, manager eventprocessor.PartitionManager, factory eventprocessor.PartitionProcessorFactory, opts eventprocessor.Options) (*EventProcessor, error) {
	opts = opts.WithDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	ownerID := uuid.NewString()

	return &EventProcessor{
		eventHubName:      eventHubName,
		consumerGroupName: consumerGroupName,
		ownerID:           ownerID,
		session:           session,
		manager:           manager,
		factory:           factory,
		balancer:          balancer.New(ownerID, opts.InactiveTimeLimit),
		pumps:             pump.NewManager(eventHubName, consumerGroupName, opts.Logger),
		opts:              opts,
	}, nil
}

// OwnerID returns this processor instance's stable identity.
func (p *EventProcessor) OwnerID() string { return p.ownerID }

// Start is idempotent: calling Start while already running has no effect.
// Otherwise it launches the control loop as a background goroutine.
func (p *EventProcessor) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.loopDone = make(chan struct{})
	p.running = true

	go func() {
		defer close(p.loopDone)
		p.controlLoop(loopCtx)
	}()
}

// Stop is idempotent: it cancels the control loop, stops every owned pump,
// and waits for the control loop goroutine to exit. Errors during pump
// shutdown are logged, not returned.
func (p *EventProcessor) Stop(context.Context) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.loopDone
	p.running = false
	p.mu.Unlock()

	cancel()

	if err := p.pumps.RemoveAllPumps(eventprocessor.CloseReasonShutdown); err != nil {
		p.opts.Logger.Error(err, "error stopping pumps during shutdown")
	}

	<-done
}

func (p *EventProcessor) controlLoop(ctx context.Context) {
	log := p.opts.Logger.WithValues("eventHub", p.eventHubName, "consumerGroup", p.consumerGroupName, "ownerId", p.ownerID)

	ticker := time.NewTicker(p.opts.LoadBalanceInterval)
	defer ticker.Stop()

	for {
		p.tick(ctx, log)

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// tick is one control-loop iteration (spec §4.5's "Control loop body").
// Every error from the store, the broker session, or the claim is logged
// and ends the tick, so the next tick retries; an error never terminates
// the loop.
func (p *EventProcessor) tick(ctx context.Context, log logr.Logger) {
	var ownership []eventprocessor.PartitionOwnership
	err := retry.Do(ctx, storeCallBudget, func() error {
		var innerErr error
		ownership, innerErr = p.manager.ListOwnership(ctx, p.eventHubName, p.consumerGroupName)
		return innerErr
	})
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		log.Error(err, "failed to list partition ownership, will retry next tick")
		return
	}

	ownershipMap := make(map[string]eventprocessor.PartitionOwnership, len(ownership))
	for _, o := range ownership {
		ownershipMap[o.PartitionID] = o
	}

	var partitionIDs []string
	err = retry.Do(ctx, storeCallBudget, func() error {
		var innerErr error
		partitionIDs, innerErr = p.session.GetPartitionIds(ctx)
		return innerErr
	})
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		log.Error(err, "failed to list partition ids, will retry next tick")
		return
	}

	if len(partitionIDs) == 0 {
		return
	}

	target, ok := p.balancer.LoadBalance(ownershipMap, partitionIDs)
	if !ok {
		return
	}

	metrics.RecordClaimAttempt(p.eventHubName, p.consumerGroupName)
	if err := p.claim(ctx, log, target, ownershipMap[target]); err != nil {
		log.Error(err, "failed to claim partition", "partitionId", target)
	}
}

// claim is spec §4.5.1's claim procedure.
func (p *EventProcessor) claim(ctx context.Context, log logr.Logger, partitionID string, previous eventprocessor.PartitionOwnership) error {
	request := eventprocessor.PartitionOwnership{
		EventHubName:      p.eventHubName,
		ConsumerGroupName: p.consumerGroupName,
		PartitionID:       partitionID,
		OwnerID:           p.ownerID,
		OwnerLevel:        0,
		Offset:            previous.Offset,
		SequenceNumber:    previous.SequenceNumber,
		ETag:              previous.ETag,
	}

	committed, err := p.manager.ClaimOwnership(ctx, []eventprocessor.PartitionOwnership{request})
	if err != nil {
		log.Info("claim attempt failed, someone else likely won the race", "partitionId", partitionID, "error", err.Error())
		return nil
	}
	if len(committed) == 0 {
		log.Info("claim attempt was not committed, someone else likely won the race", "partitionId", partitionID)
		return nil
	}

	metrics.RecordClaimWon(p.eventHubName, p.consumerGroupName)

	won := committed[0]
	startPosition := p.startPositionFor(won)

	partitionCtx := eventprocessor.PartitionContext{
		EventHubName:      p.eventHubName,
		ConsumerGroupName: p.consumerGroupName,
		PartitionID:       partitionID,
	}
	checkpoints := eventprocessor.NewCheckpointManager(partitionCtx, p.manager, p.ownerID)

	handler, err := p.factory.NewPartitionProcessor(partitionCtx, checkpoints)
	if err != nil {
		return err
	}

	p.pumps.CreatePump(ctx, pump.Config{
		PartitionContext: partitionCtx,
		ConsumerGroup:    p.consumerGroupName,
		Session:          p.session,
		Handler:          handler,
		Checkpoints:      checkpoints,
		StartPosition:    startPosition,
		OwnerLevel:       0,
		MaxBatchSize:     p.opts.MaxBatchSize,
		MaxWaitSeconds:   p.opts.MaxWaitSeconds,
		Logger:           p.opts.Logger,
	})

	return nil
}

// startPositionFor derives a pump's starting position per spec §4.3 step 1:
// the persisted sequence number if present, else the processor-level
// initial position.
func (p *EventProcessor) startPositionFor(o eventprocessor.PartitionOwnership) eventprocessor.StartPosition {
	if o.SequenceNumber != nil {
		return eventprocessor.FromSequenceNumber(*o.SequenceNumber)
	}
	return p.opts.InitialEventPosition
}
