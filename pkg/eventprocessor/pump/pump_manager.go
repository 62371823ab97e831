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
	"sync"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-multierror"

	"github.com/kedacore/eventprocessor/pkg/eventprocessor"
	"github.com/kedacore/eventprocessor/pkg/eventprocessor/metrics"
)

// Manager is an indexed collection of the pumps one EventProcessor is
// currently running, at most one per partition id (spec §4.4). All
// mutation of the index goes through Manager's mutex; it is the
// serialization point the concurrency model in spec §5 requires.
type Manager struct {
	eventHubName      string
	consumerGroupName string
	log               logr.Logger

	mu    sync.Mutex
	pumps map[string]*PartitionPump
}

// NewManager builds an empty Manager for one (eventHubName,
// consumerGroupName) pair.
func NewManager(eventHubName, consumerGroupName string, log logr.Logger) *Manager {
	return &Manager{
		eventHubName:      eventHubName,
		consumerGroupName: consumerGroupName,
		log:               log,
		pumps:             make(map[string]*PartitionPump),
	}
}

// CreatePump constructs a pump from cfg, starts it, and stores it under
// cfg.PartitionContext.PartitionID. If a pump already exists for that
// partition, the existing one is stopped with CloseReasonShutdown before
// the new one replaces it, so at most one live pump per partition id ever
// exists.
func (m *Manager) CreatePump(ctx context.Context, cfg Config) {
	partitionID := cfg.PartitionContext.PartitionID

	m.mu.Lock()
	existing := m.pumps[partitionID]
	m.mu.Unlock()

	if existing != nil {
		if err := existing.Stop(eventprocessor.CloseReasonShutdown); err != nil {
			m.log.Error(err, "failed to cleanly stop the pump being replaced", "partitionId", partitionID)
		}
	}

	p := New(cfg)

	m.mu.Lock()
	m.pumps[partitionID] = p
	count := len(m.pumps)
	m.mu.Unlock()

	metrics.SetActivePartitions(m.eventHubName, m.consumerGroupName, count)

	p.Start(ctx)
}

// RemovePump stops and removes the pump for partitionID, if any.
func (m *Manager) RemovePump(partitionID string, reason eventprocessor.CloseReason) {
	m.mu.Lock()
	p, ok := m.pumps[partitionID]
	if ok {
		delete(m.pumps, partitionID)
	}
	count := len(m.pumps)
	m.mu.Unlock()

	if !ok {
		return
	}

	metrics.SetActivePartitions(m.eventHubName, m.consumerGroupName, count)
	if err := p.Stop(reason); err != nil {
		m.log.Error(err, "failed to cleanly stop pump", "partitionId", partitionID)
	}
}

// RemoveAllPumps stops every live pump in parallel and returns once all of
// them have closed. Stopping a pump closes its broker reader; readers that
// fail to close cleanly contribute their error to the aggregated result
// rather than being dropped.
func (m *Manager) RemoveAllPumps(reason eventprocessor.CloseReason) error {
	m.mu.Lock()
	pumps := make([]*PartitionPump, 0, len(m.pumps))
	for _, p := range m.pumps {
		pumps = append(pumps, p)
	}
	m.pumps = make(map[string]*PartitionPump)
	m.mu.Unlock()

	metrics.SetActivePartitions(m.eventHubName, m.consumerGroupName, 0)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var result *multierror.Error

	for _, p := range pumps {
		wg.Add(1)
		go func(p *PartitionPump) {
			defer wg.Done()
			if err := p.Stop(reason); err != nil {
				mu.Lock()
				result = multierror.Append(result, err)
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()

	return result.ErrorOrNil()
}

// Count returns the number of pumps currently tracked.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pumps)
}

// Has reports whether a pump is currently tracked for partitionID.
func (m *Manager) Has(partitionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pumps[partitionID]
	return ok
}
