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

// Package blobstore implements eventprocessor.PartitionManager on top of
// Azure Blob Storage, generalizing the checkpoint-blob reading the source
// does ad hoc (pkg/scalers/azure/azure_eventhub_checkpoint.go) into a full
// read/claim/write store. One blob holds one partition's ownership record
// as JSON; the blob's own ETag is the record's optimistic-concurrency token,
// so ClaimOwnership's compare-and-set falls directly out of the blob
// service's conditional-write support.
package blobstore

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/pkg/errors"

	"github.com/kedacore/eventprocessor/pkg/eventprocessor"
)

// blobClient is the subset of *azblob.Client's behavior Store depends on,
// narrowed so tests can substitute a fake instead of talking to a live
// storage account.
type blobClient interface {
	downloadBlob(ctx context.Context, containerName, blobName string) (io.ReadCloser, *azcore.ETag, error)
	uploadBlob(ctx context.Context, containerName, blobName string, body []byte, conditions *blob.AccessConditions) (*azcore.ETag, error)
	listBlobNames(ctx context.Context, containerName, prefix string) ([]string, error)
}

// sdkBlobClient adapts *azblob.Client to blobClient.
type sdkBlobClient struct {
	client *azblob.Client
}

func (c *sdkBlobClient) downloadBlob(ctx context.Context, containerName, blobName string) (io.ReadCloser, *azcore.ETag, error) {
	resp, err := c.client.DownloadStream(ctx, containerName, blobName, nil)
	if err != nil {
		return nil, nil, err
	}
	return resp.Body, resp.ETag, nil
}

func (c *sdkBlobClient) uploadBlob(ctx context.Context, containerName, blobName string, body []byte, conditions *blob.AccessConditions) (*azcore.ETag, error) {
	resp, err := c.client.UploadBuffer(ctx, containerName, blobName, body, &azblob.UploadBufferOptions{
		AccessConditions: conditions,
	})
	if err != nil {
		return nil, err
	}
	return resp.ETag, nil
}

func (c *sdkBlobClient) listBlobNames(ctx context.Context, containerName, prefix string) ([]string, error) {
	var names []string
	pager := c.client.NewListBlobsFlatPager(containerName, &azblob.ListBlobsFlatOptions{Prefix: &prefix})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "blobstore: listing ownership blobs")
		}
		for _, item := range page.Segment.BlobItems {
			names = append(names, *item.Name)
		}
	}
	return names, nil
}

// Store is an eventprocessor.PartitionManager backed by one blob container.
type Store struct {
	client        blobClient
	containerName string
}

// New wraps an already-constructed azblob.Client. containerName must already
// exist; Store never creates it.
func New(client *azblob.Client, containerName string) *Store {
	return &Store{client: &sdkBlobClient{client: client}, containerName: containerName}
}

type record struct {
	OwnerID          string     `json:"ownerId"`
	OwnerLevel       int64      `json:"ownerLevel"`
	Offset           *int64     `json:"offset,omitempty"`
	SequenceNumber   *int64     `json:"sequenceNumber,omitempty"`
	LastModifiedTime time.Time  `json:"lastModifiedTime"`
}

func blobName(eventHubName, consumerGroupName, partitionID string) string {
	return eventHubName + "/" + consumerGroupName + "/" + partitionID
}

// ListOwnership lists every blob under the (eventHubName, consumerGroupName)
// prefix and reads each one back into a PartitionOwnership.
func (s *Store) ListOwnership(ctx context.Context, eventHubName, consumerGroupName string) ([]eventprocessor.PartitionOwnership, error) {
	prefix := eventHubName + "/" + consumerGroupName + "/"

	names, err := s.client.listBlobNames(ctx, s.containerName, prefix)
	if err != nil {
		return nil, errors.Wrap(err, "blobstore: listing ownership blobs")
	}

	var out []eventprocessor.PartitionOwnership
	for _, name := range names {
		partitionID := strings.TrimPrefix(name, prefix)
		o, err := s.readOwnership(ctx, eventHubName, consumerGroupName, partitionID)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func (s *Store) readOwnership(ctx context.Context, eventHubName, consumerGroupName, partitionID string) (eventprocessor.PartitionOwnership, error) {
	name := blobName(eventHubName, consumerGroupName, partitionID)
	body, etag, err := s.client.downloadBlob(ctx, s.containerName, name)
	if err != nil {
		return eventprocessor.PartitionOwnership{}, errors.Wrapf(err, "blobstore: reading %s", name)
	}
	defer body.Close()

	raw, err := io.ReadAll(body)
	if err != nil {
		return eventprocessor.PartitionOwnership{}, errors.Wrapf(err, "blobstore: reading %s", name)
	}

	var r record
	if err := json.Unmarshal(raw, &r); err != nil {
		return eventprocessor.PartitionOwnership{}, errors.Wrapf(err, "blobstore: decoding %s", name)
	}

	return eventprocessor.PartitionOwnership{
		EventHubName:      eventHubName,
		ConsumerGroupName: consumerGroupName,
		PartitionID:       partitionID,
		OwnerID:           r.OwnerID,
		OwnerLevel:        r.OwnerLevel,
		Offset:            r.Offset,
		SequenceNumber:    r.SequenceNumber,
		LastModifiedTime:  r.LastModifiedTime,
		ETag:              etagOf(etag),
	}, nil
}

// ClaimOwnership writes each requested record conditioned on its ETag: an
// empty ETag means "create, fail if it already exists" (If-None-Match: *)
// and a non-empty ETag means "overwrite, fail unless it still matches"
// (If-Match). A condition failure drops that record from the result rather
// than failing the whole batch, matching the in-memory store's semantics.
func (s *Store) ClaimOwnership(ctx context.Context, requested []eventprocessor.PartitionOwnership) ([]eventprocessor.PartitionOwnership, error) {
	committed := make([]eventprocessor.PartitionOwnership, 0, len(requested))
	for _, req := range requested {
		now := time.Now().UTC()
		r := record{
			OwnerID:          req.OwnerID,
			OwnerLevel:       req.OwnerLevel,
			Offset:           req.Offset,
			SequenceNumber:   req.SequenceNumber,
			LastModifiedTime: now,
		}
		body, err := json.Marshal(r)
		if err != nil {
			return nil, errors.Wrap(err, "blobstore: encoding ownership record")
		}

		name := blobName(req.EventHubName, req.ConsumerGroupName, req.PartitionID)
		conditions := &blob.AccessConditions{ModifiedAccessConditions: &blob.ModifiedAccessConditions{}}
		if req.ETag == "" {
			conditions.ModifiedAccessConditions.IfNoneMatch = to.Ptr(azcore.ETagAny)
		} else {
			tag := azcore.ETag(req.ETag)
			conditions.ModifiedAccessConditions.IfMatch = &tag
		}

		etag, err := s.client.uploadBlob(ctx, s.containerName, name, body, conditions)
		if err != nil {
			if bloberror.HasCode(err, bloberror.ConditionNotMet, bloberror.BlobAlreadyExists) {
				continue
			}
			return nil, errors.Wrapf(err, "blobstore: claiming %s", name)
		}

		req.LastModifiedTime = now
		req.ETag = etagOf(etag)
		committed = append(committed, req)
	}
	return committed, nil
}

// UpdateCheckpoint overwrites the partition's ownership blob with updated
// offset/sequence-number fields. A non-empty checkpoint ETag must match the
// blob's current ETag or the write fails with a "stale ETag" error; an empty
// ETag is conditioned on the ETag just read, so it overwrites whatever is
// there now. A missing blob is an error.
func (s *Store) UpdateCheckpoint(ctx context.Context, checkpoint eventprocessor.Checkpoint) (string, error) {
	existing, err := s.readOwnership(ctx, checkpoint.EventHubName, checkpoint.ConsumerGroupName, checkpoint.PartitionID)
	if err != nil {
		return "", err
	}

	r := record{
		OwnerID:          checkpoint.OwnerID,
		OwnerLevel:       existing.OwnerLevel,
		Offset:           checkpoint.Offset,
		SequenceNumber:   checkpoint.SequenceNumber,
		LastModifiedTime: time.Now().UTC(),
	}
	body, err := json.Marshal(r)
	if err != nil {
		return "", errors.Wrap(err, "blobstore: encoding checkpoint")
	}

	name := blobName(checkpoint.EventHubName, checkpoint.ConsumerGroupName, checkpoint.PartitionID)

	// CheckpointManager.UpdateCheckpoint (spec §4.2) never supplies an
	// ETag — it only takes offset and sequence number. An empty ETag here
	// means "overwrite whatever is there now", so condition on the ETag
	// just read in readOwnership instead of the (always-empty) one on
	// checkpoint, mirroring the in-memory store's blind-overwrite
	// treatment of an empty incoming ETag.
	conditionETag := checkpoint.ETag
	if conditionETag == "" {
		conditionETag = existing.ETag
	}
	tag := azcore.ETag(conditionETag)
	etag, err := s.client.uploadBlob(ctx, s.containerName, name, body, &blob.AccessConditions{
		ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfMatch: &tag},
	})
	if err != nil {
		if bloberror.HasCode(err, bloberror.ConditionNotMet) {
			return "", errors.New("blobstore: stale ETag on checkpoint write")
		}
		return "", errors.Wrapf(err, "blobstore: writing checkpoint %s", name)
	}

	return etagOf(etag), nil
}

func etagOf(e *azcore.ETag) string {
	if e == nil {
		return ""
	}
	return string(*e)
}
