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

// Package balancer implements the pure partition-assignment decision
// function described in spec §4.1: a decentralized load balancer that
// converges a fleet of processors toward an even partition assignment using
// only a shared ownership snapshot, with no direct peer communication.
package balancer

import (
	"math/rand"
	"time"

	"github.com/kedacore/eventprocessor/pkg/eventprocessor"
)

// PartitionLoadBalancer picks at most one partition for its owner to claim
// on a given tick. It is pure: no I/O, deterministic given its inputs and
// the wall clock.
type PartitionLoadBalancer struct {
	selfOwnerID       string
	inactiveTimeLimit time.Duration
	now               func() time.Time
	rand              *rand.Rand
}

// New builds a PartitionLoadBalancer for selfOwnerID. inactiveTimeLimit
// defaults to 60s when zero, matching spec §4.1.
func New(selfOwnerID string, inactiveTimeLimit time.Duration) *PartitionLoadBalancer {
	if inactiveTimeLimit <= 0 {
		inactiveTimeLimit = 60 * time.Second
	}
	return &PartitionLoadBalancer{
		selfOwnerID:       selfOwnerID,
		inactiveTimeLimit: inactiveTimeLimit,
		now:               time.Now,
		rand:              rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// LoadBalance implements spec §4.1's algorithm. currentOwnership need not
// contain every id in allPartitionIDs, and allPartitionIDs may contain ids
// absent from currentOwnership. It returns ("", false) when this owner
// should not claim anything this tick.
func (b *PartitionLoadBalancer) LoadBalance(currentOwnership map[string]eventprocessor.PartitionOwnership, allPartitionIDs []string) (string, bool) {
	now := b.now()

	active := make(map[string]eventprocessor.PartitionOwnership, len(currentOwnership))
	ownerCounts := make(map[string]int)
	for id, own := range currentOwnership {
		if now.Sub(own.LastModifiedTime) <= b.inactiveTimeLimit {
			active[id] = own
			ownerCounts[own.OwnerID]++
		}
	}

	selfCount := ownerCounts[b.selfOwnerID]
	activeOwners := len(ownerCounts)
	if selfCount == 0 {
		activeOwners++
	}
	if activeOwners == 0 {
		activeOwners = 1
	}

	total := len(allPartitionIDs)
	minPer := total / activeOwners
	extras := total % activeOwners

	if selfCount > minPer {
		return "", false
	}
	if selfCount == minPer {
		ownersAtMinPlusOne := 0
		for _, c := range ownerCounts {
			if c == minPer+1 {
				ownersAtMinPlusOne++
			}
		}
		if ownersAtMinPlusOne >= extras {
			return "", false
		}
	}

	var unowned []string
	var abandoned []string
	var stealable []string
	for _, id := range allPartitionIDs {
		own, present := currentOwnership[id]
		if !present {
			unowned = append(unowned, id)
			continue
		}
		if _, isActive := active[id]; !isActive {
			abandoned = append(abandoned, id)
			continue
		}
		if ownerCounts[own.OwnerID] > minPer+1 {
			stealable = append(stealable, id)
		}
	}

	switch {
	case len(unowned) > 0:
		return unowned[b.rand.Intn(len(unowned))], true
	case len(abandoned) > 0:
		return abandoned[b.rand.Intn(len(abandoned))], true
	case len(stealable) > 0:
		return stealable[b.rand.Intn(len(stealable))], true
	default:
		return "", false
	}
}
