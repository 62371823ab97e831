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

// Package eventhubsession adapts the real Azure Event Hubs SDK
// (azeventhubs.ConsumerClient) to the eventprocessor.BrokerSession and
// eventprocessor.Reader contracts, so the core never imports azeventhubs
// directly.
package eventhubsession

import (
	"context"
	"strconv"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azeventhubs"
	"github.com/pkg/errors"

	"github.com/kedacore/eventprocessor/pkg/eventprocessor"
)

// Session wraps an azeventhubs.ConsumerClient bound to one event hub and
// consumer group.
type Session struct {
	client *azeventhubs.ConsumerClient
}

// Config names the event hub a Session connects to.
type Config struct {
	FullyQualifiedNamespace string
	EventHubName            string
	ConsumerGroup           string

	// ConnectionString, when set, is used instead of DefaultAzureCredential.
	ConnectionString string
}

// New dials a ConsumerClient, using cfg.ConnectionString when set and
// azidentity.DefaultAzureCredential otherwise, matching the source's
// back-compat preference for connection strings over managed identity.
func New(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.ConnectionString != "" {
		client, err := azeventhubs.NewConsumerClientFromConnectionString(cfg.ConnectionString, cfg.EventHubName, cfg.ConsumerGroup, nil)
		if err != nil {
			return nil, errors.Wrap(err, "eventhubsession: connecting with connection string")
		}
		return &Session{client: client}, nil
	}

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, errors.Wrap(err, "eventhubsession: loading default credential")
	}

	client, err := azeventhubs.NewConsumerClient(cfg.FullyQualifiedNamespace, cfg.EventHubName, cfg.ConsumerGroup, cred, nil)
	if err != nil {
		return nil, errors.Wrap(err, "eventhubsession: connecting with default credential")
	}
	return &Session{client: client}, nil
}

// GetPartitionIds implements eventprocessor.BrokerSession.
func (s *Session) GetPartitionIds(ctx context.Context) ([]string, error) {
	props, err := s.client.GetEventHubProperties(ctx, nil)
	if err != nil {
		return nil, classify(err)
	}
	return props.PartitionIDs, nil
}

// OpenReader implements eventprocessor.BrokerSession. ownerLevel is forwarded
// as the partition client's owner level, giving this reader exclusive-reader
// priority over any reader opened at a lower level.
func (s *Session) OpenReader(ctx context.Context, _ string, partitionID string, startPosition eventprocessor.StartPosition, ownerLevel int64) (eventprocessor.Reader, error) {
	pc, err := s.client.NewPartitionClient(partitionID, &azeventhubs.PartitionClientOptions{
		StartPosition: toSDKStartPosition(startPosition),
		OwnerLevel:    to.Ptr(ownerLevel),
	})
	if err != nil {
		return nil, classify(err)
	}
	return &reader{client: pc}, nil
}

func toSDKStartPosition(sp eventprocessor.StartPosition) azeventhubs.StartPosition {
	switch sp.Kind {
	case eventprocessor.StartPositionLatest:
		return azeventhubs.StartPosition{Latest: to.Ptr(true)}
	case eventprocessor.StartPositionOffset:
		offsetStr := strconv.FormatInt(sp.Offset, 10)
		return azeventhubs.StartPosition{Offset: &offsetStr}
	case eventprocessor.StartPositionSequenceNumber:
		return azeventhubs.StartPosition{SequenceNumber: to.Ptr(sp.SequenceNumber)}
	case eventprocessor.StartPositionEnqueuedTime:
		return azeventhubs.StartPosition{EnqueuedTime: to.Ptr(sp.EnqueuedTime)}
	default:
		return azeventhubs.StartPosition{Earliest: to.Ptr(true)}
	}
}

// reader adapts azeventhubs.PartitionClient to eventprocessor.Reader.
type reader struct {
	client *azeventhubs.PartitionClient
}

func (r *reader) ReceiveBatch(ctx context.Context, maxBatchSize int, maxWaitSeconds int) ([]eventprocessor.ReceivedEvent, error) {
	waitCtx, cancel := context.WithTimeout(ctx, time.Duration(maxWaitSeconds)*time.Second)
	defer cancel()

	events, err := r.client.ReceiveEvents(waitCtx, maxBatchSize, nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, classify(err)
	}

	out := make([]eventprocessor.ReceivedEvent, 0, len(events))
	for _, e := range events {
		var enqueued time.Time
		if e.EnqueuedTime != nil {
			enqueued = *e.EnqueuedTime
		}
		out = append(out, eventprocessor.ReceivedEvent{
			Body:             e.Body,
			Offset:           e.Offset,
			SequenceNumber:   e.SequenceNumber,
			EnqueuedTime:     enqueued,
			Properties:       e.Properties,
			SystemProperties: e.SystemProperties,
		})
	}
	return out, nil
}

func (r *reader) Close(ctx context.Context) error {
	return r.client.Close(ctx)
}

// classify maps the handful of broker faults the core cares about
// (exclusive-reader takeover, everything else) onto eventprocessor's broker
// error taxonomy. Anything unrecognized is treated as a transient fault, the
// safer default for a loop that retries on its own schedule.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var sdkErr *azeventhubs.Error
	if errors.As(err, &sdkErr) && sdkErr.Code == azeventhubs.ErrorCodeOwnershipLost {
		return eventprocessor.NewReceiverDisconnectedError(err)
	}
	return eventprocessor.NewTransientBrokerError(err)
}
