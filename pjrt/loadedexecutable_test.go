// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pjrt

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestErrorLatchKeepsFirst(t *testing.T) {
	latch := &errorLatch{}
	require.NoError(t, latch.err())

	latch.latch(nil)
	require.NoError(t, latch.err())

	first := errors.New("send failed")
	latch.latch(first)
	latch.latch(errors.New("recv failed later"))
	require.Same(t, first, latch.err())
}

// A callback error must stay observable on the config even when the
// completion event itself resolves OK.
func TestFirstCallbackErrorSurfaced(t *testing.T) {
	config := &ExecutionConfig{}
	require.NoError(t, config.FirstCallbackError())

	latch := &errorLatch{}
	config.latch = latch
	require.NoError(t, config.FirstCallbackError())

	cbErr := newError(CodeAborted, "host rejected the chunk")
	latch.latch(cbErr)
	require.Same(t, error(cbErr), config.FirstCallbackError())
	require.Equal(t, CodeAborted, CodeOf(config.FirstCallbackError()))
}
