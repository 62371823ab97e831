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

package eventprocessor

import (
	"time"

	"github.com/go-logr/logr"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

var validate = validator.New()

// Options configures an EventProcessor. The zero value is not valid; use
// DefaultOptions and override individual fields.
type Options struct {
	// InitialEventPosition is the StartPosition used for a partition that
	// has never been checkpointed.
	InitialEventPosition StartPosition

	// MaxBatchSize bounds how many events a single receive call returns.
	// The source this core is modeled on defaults this to 1; production
	// deployments should raise it (see spec §9 open question).
	MaxBatchSize int `validate:"min=1"`

	// MaxWaitSeconds bounds how long a receive call waits before returning
	// an empty batch.
	MaxWaitSeconds int `validate:"min=1"`

	// LoadBalanceInterval is how often the control loop ticks.
	LoadBalanceInterval time.Duration `validate:"min=1000000"`

	// InactiveTimeLimit is how long an ownership record can go
	// unmodified before PartitionLoadBalancer treats it as abandoned.
	InactiveTimeLimit time.Duration `validate:"min=1000000"`

	// Logger receives lifecycle and error events. Defaults to a no-op
	// logger when unset.
	Logger logr.Logger
}

// DefaultOptions returns the spec's defaults: MaxBatchSize=1,
// MaxWaitSeconds=60, a 10s load-balance tick, and a 60s inactive time
// limit.
func DefaultOptions() Options {
	return Options{
		InitialEventPosition: EarliestPosition(),
		MaxBatchSize:         1,
		MaxWaitSeconds:       60,
		LoadBalanceInterval:  10 * time.Second,
		InactiveTimeLimit:    60 * time.Second,
		Logger:               logr.Discard(),
	}
}

// ProductionBatchSize is the sensible production floor spec §9 recommends
// over the source's MaxBatchSize=1 default.
const ProductionBatchSize = 32

// WithDefaults returns a copy of o with every zero-valued field replaced by
// the spec's default, matching the zero-value-means-"use the default"
// convention applied to MaxBatchSize, MaxWaitSeconds, LoadBalanceInterval,
// and InactiveTimeLimit.
func (o Options) WithDefaults() Options {
	if o.MaxBatchSize == 0 {
		o.MaxBatchSize = 1
	}
	if o.MaxWaitSeconds == 0 {
		o.MaxWaitSeconds = 60
	}
	if o.LoadBalanceInterval == 0 {
		o.LoadBalanceInterval = 10 * time.Second
	}
	if o.InactiveTimeLimit == 0 {
		o.InactiveTimeLimit = 60 * time.Second
	}
	if o.InitialEventPosition == (StartPosition{}) {
		o.InitialEventPosition = EarliestPosition()
	}
	if o.Logger.GetSink() == nil {
		o.Logger = logr.Discard()
	}
	return o
}

// Validate reports whether o satisfies the constraints on MaxBatchSize,
// MaxWaitSeconds, LoadBalanceInterval, and InactiveTimeLimit.
func (o Options) Validate() error {
	if err := validate.Struct(&o); err != nil {
		return errors.Wrap(err, "eventprocessor: invalid options")
	}
	return nil
}
