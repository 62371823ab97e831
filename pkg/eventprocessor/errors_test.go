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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBrokerError_RetryableByKind(t *testing.T) {
	assert.True(t, NewTransientBrokerError(errors.New("timeout")).Retryable())
	assert.False(t, NewFatalBrokerError(errors.New("boom")).Retryable())
	assert.False(t, NewReceiverDisconnectedError(errors.New("stolen")).Retryable())
}

func TestBrokerError_Unwrap(t *testing.T) {
	cause := errors.New("network blip")
	err := NewTransientBrokerError(cause)
	assert.ErrorIs(t, err, cause)
}

func TestIsReceiverDisconnected(t *testing.T) {
	assert.True(t, IsReceiverDisconnected(NewReceiverDisconnectedError(errors.New("stolen"))))
	assert.False(t, IsReceiverDisconnected(NewTransientBrokerError(errors.New("timeout"))))
	assert.False(t, IsReceiverDisconnected(errors.New("plain")))
}
