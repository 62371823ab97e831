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

// Package retry wraps the control loop's calls into the ownership store and
// the broker session with a bounded exponential backoff, so a momentarily
// flaky PartitionManager or BrokerSession does not turn into a tight,
// log-spamming loop within a single tick. The outer control loop's own 10s
// tick cadence (spec §4.5) remains the long-run retry signal; this is a
// short-lived, in-tick smoothing layer on top of it.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Do runs op, retrying on error with exponential backoff up to maxElapsed.
// It stops early and returns ctx.Err() if ctx is cancelled.
func Do(ctx context.Context, maxElapsed time.Duration, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = maxElapsed

	return backoff.Retry(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		return op()
	}, backoff.WithContext(b, ctx))
}
