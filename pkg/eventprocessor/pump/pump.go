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

// Package pump implements the per-partition read/dispatch state machine
// (spec §4.3) and its supervisor, the PumpManager (spec §4.4).
package pump

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"

	"github.com/kedacore/eventprocessor/pkg/eventprocessor"
	"github.com/kedacore/eventprocessor/pkg/eventprocessor/metrics"
)

// State is one state of the PartitionPump state machine described in spec
// §4.3. Closed is terminal.
type State int

const (
	StateCreated State = iota
	StateInitializing
	StateRunning
	StateStopping
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateInitializing:
		return "Initializing"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Config carries everything one PartitionPump needs for its lifetime.
type Config struct {
	PartitionContext eventprocessor.PartitionContext
	ConsumerGroup    string
	Session          eventprocessor.BrokerSession
	Handler          eventprocessor.PartitionProcessor
	Checkpoints      *eventprocessor.CheckpointManager
	StartPosition    eventprocessor.StartPosition
	OwnerLevel       int64
	MaxBatchSize     int
	MaxWaitSeconds   int
	Logger           logr.Logger
}

// PartitionPump owns one partition's reader and dispatches its events to
// user code until stopped or until an unrecoverable error occurs.
type PartitionPump struct {
	cfg Config
	log logr.Logger

	mu    sync.Mutex
	state State

	isReceiving atomic.Bool
	cancel      context.CancelFunc
	reasonOnce  sync.Once
	reason      eventprocessor.CloseReason
	closeErr    error
	done        chan struct{}
}

// New constructs a pump in the Created state. Call Start to begin its
// receive loop.
func New(cfg Config) *PartitionPump {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}
	if cfg.MaxWaitSeconds <= 0 {
		cfg.MaxWaitSeconds = 60
	}
	log := cfg.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	log = log.WithValues(
		"eventHub", cfg.PartitionContext.EventHubName,
		"consumerGroup", cfg.PartitionContext.ConsumerGroupName,
		"partitionId", cfg.PartitionContext.PartitionID,
	)
	return &PartitionPump{
		cfg:   cfg,
		log:   log,
		state: StateCreated,
		done:  make(chan struct{}),
	}
}

// State returns the pump's current state.
func (p *PartitionPump) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// latchReason records the first close reason observed, whether it came from
// an external Stop() call or an internal error classification. Later calls
// are no-ops, so the reason reported to user Close() is whichever was
// decided first.
func (p *PartitionPump) latchReason(r eventprocessor.CloseReason) eventprocessor.CloseReason {
	p.reasonOnce.Do(func() { p.reason = r })
	return p.reason
}

// Start transitions Created -> Initializing -> Running and launches the
// receive loop as a background goroutine. Start is not idempotent; callers
// (the PumpManager) must not call it twice on the same pump.
func (p *PartitionPump) Start(ctx context.Context) {
	p.mu.Lock()
	p.state = StateInitializing
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	p.isReceiving.Store(true)

	go p.run(runCtx)
}

func (p *PartitionPump) run(ctx context.Context) {
	defer close(p.done)

	if err := p.cfg.Handler.Initialize(ctx, p.cfg.PartitionContext); err != nil {
		p.log.Error(err, "user Initialize returned an error, proceeding anyway")
	}

	p.mu.Lock()
	p.state = StateRunning
	p.mu.Unlock()

	reader, err := p.cfg.Session.OpenReader(ctx, p.cfg.ConsumerGroup, p.cfg.PartitionContext.PartitionID, p.cfg.StartPosition, p.cfg.OwnerLevel)
	if err != nil {
		p.log.Error(err, "failed to open broker reader")
		if perr := p.cfg.Handler.ProcessError(ctx, err); perr != nil {
			p.log.Error(perr, "user ProcessError returned an error")
		}
		p.finish(ctx, nil, p.latchReason(eventprocessor.CloseReasonEventHubException))
		return
	}

	reason := p.receiveLoop(ctx, reader)
	p.finish(ctx, reader, reason)
}

// receiveLoop is spec §4.3's "Receive loop (Running state)".
func (p *PartitionPump) receiveLoop(ctx context.Context, reader eventprocessor.Reader) eventprocessor.CloseReason {
	for {
		events, err := reader.ReceiveBatch(ctx, p.cfg.MaxBatchSize, p.cfg.MaxWaitSeconds)

		if !p.isReceiving.Load() {
			// Stop() was called while the receive was in flight; exit
			// without dispatching whatever (if anything) came back. Stop()
			// always latches its reason before flipping isReceiving, so
			// this reads back whatever Stop decided.
			return p.latchReason(eventprocessor.CloseReasonShutdown)
		}

		if err != nil && ctx.Err() != nil {
			// The pump's context was cancelled from above (the processor
			// shutting down) before Stop reached it. That is a shutdown,
			// not a broker fault, so it is not reported to ProcessError.
			return p.latchReason(eventprocessor.CloseReasonShutdown)
		}

		if err != nil {
			if perr := p.cfg.Handler.ProcessError(ctx, err); perr != nil {
				p.log.Error(perr, "user ProcessError returned an error")
			}

			if eventprocessor.IsReceiverDisconnected(err) {
				return p.latchReason(eventprocessor.CloseReasonOwnershipLost)
			}
			if be, ok := err.(*eventprocessor.BrokerError); ok && be.Retryable() {
				continue
			}
			return p.latchReason(eventprocessor.CloseReasonEventHubException)
		}

		if len(events) > 0 {
			metrics.RecordEventsProcessed(p.cfg.PartitionContext.EventHubName, p.cfg.PartitionContext.ConsumerGroupName, p.cfg.PartitionContext.PartitionID, len(events))
		}

		if perr := p.cfg.Handler.ProcessEvents(ctx, events, p.cfg.Checkpoints); perr != nil {
			if eerr := p.cfg.Handler.ProcessError(ctx, perr); eerr != nil {
				p.log.Error(eerr, "user ProcessError returned an error")
			}
		}

		if !p.isReceiving.Load() {
			return p.latchReason(eventprocessor.CloseReasonShutdown)
		}
	}
}

func (p *PartitionPump) finish(ctx context.Context, reader eventprocessor.Reader, reason eventprocessor.CloseReason) {
	if reader != nil {
		if err := reader.Close(context.Background()); err != nil {
			p.log.Error(err, "failed to close broker reader")
			p.mu.Lock()
			p.closeErr = err
			p.mu.Unlock()
		}
	}

	p.mu.Lock()
	p.state = StateStopping
	p.mu.Unlock()

	if err := p.cfg.Handler.Close(ctx, reason); err != nil {
		p.log.Error(err, "user Close returned an error")
	}

	metrics.RecordPumpClosed(p.cfg.PartitionContext.EventHubName, p.cfg.PartitionContext.ConsumerGroupName, p.cfg.PartitionContext.PartitionID, reason.String())

	p.mu.Lock()
	p.state = StateClosed
	p.mu.Unlock()
}

// Stop is idempotent: it marks the pump as no longer receiving, cancels the
// in-flight receive via the pump's own context, and blocks until the
// receive loop has fully unwound and Close(reason) has been invoked. It
// returns the error (if any) encountered closing the broker reader, so a
// supervisor stopping many pumps at once can report which ones failed to
// release their reader cleanly.
func (p *PartitionPump) Stop(reason eventprocessor.CloseReason) error {
	p.mu.Lock()
	if p.state == StateClosed {
		err := p.closeErr
		p.mu.Unlock()
		return err
	}
	if p.state == StateCreated {
		// Start was never called; there is no receive loop to unwind.
		p.state = StateClosed
		p.mu.Unlock()
		return nil
	}
	cancel := p.cancel
	p.mu.Unlock()

	p.latchReason(reason)
	p.isReceiving.Store(false)
	if cancel != nil {
		cancel()
	}
	<-p.done

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeErr
}
